package pipeline

import (
	"time"
)

// Outcome 是一条流的结束方式。
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Info 描述一条刚被接纳的流。
type Info struct {
	ID      string
	Source  string
	Engine  string
	Started time.Time
}

// Report 是一条流结束后的汇总。
type Report struct {
	Info
	Finished   time.Time
	FirstAudio time.Duration // 0 表示没有播放任何音频
	Phrases    int
	Frames     int
	Outcome    Outcome
	Err        error
}

// Observer 接收流的生命周期事件。实现必须可并发调用，且不能阻塞太久。
type Observer interface {
	StreamStarted(info Info)
	FirstAudio(id string, latency time.Duration)
	StreamFinished(r Report)
}

// Observers 把事件依次转发给多个观察者。
type Observers []Observer

func (obs Observers) StreamStarted(info Info) {
	for _, o := range obs {
		o.StreamStarted(info)
	}
}

func (obs Observers) FirstAudio(id string, latency time.Duration) {
	for _, o := range obs {
		o.FirstAudio(id, latency)
	}
}

func (obs Observers) StreamFinished(r Report) {
	for _, o := range obs {
		o.StreamFinished(r)
	}
}

type nopObserver struct{}

func (nopObserver) StreamStarted(Info)                {}
func (nopObserver) FirstAudio(string, time.Duration) {}
func (nopObserver) StreamFinished(Report)             {}
