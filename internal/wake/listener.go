package wake

import (
	"context"
	"time"

	"github.com/iabetor/pispeak/internal/logger"
)

// Spotter 是 Listener 需要的检测能力，Detector 实现了它。
type Spotter interface {
	Detect(samples []float32) bool
	Reset()
}

// Listener 从采集 channel 读取音频帧，检测到关键词时调用 OnWake。
// 触发后进入冷却期，期间的帧不做检测，避免一次发声被计为多次。
type Listener struct {
	spotter  Spotter
	frames   <-chan []float32
	cooldown time.Duration
	onWake   func()

	now  func() time.Time
	last time.Time
}

// NewListener 创建监听器。
func NewListener(sp Spotter, frames <-chan []float32, cooldown time.Duration, onWake func()) *Listener {
	return &Listener{
		spotter:  sp,
		frames:   frames,
		cooldown: cooldown,
		onWake:   onWake,
		now:      time.Now,
	}
}

// Run 阻塞直到 ctx 取消或采集 channel 关闭。
func (l *Listener) Run(ctx context.Context) error {
	logger.Info("[wake] 开始监听打断词")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-l.frames:
			if !ok {
				logger.Info("[wake] 采集已结束，停止监听")
				return nil
			}
			l.process(frame)
		}
	}
}

func (l *Listener) process(frame []float32) {
	now := l.now()
	if !l.last.IsZero() && now.Sub(l.last) < l.cooldown {
		return
	}
	if !l.spotter.Detect(frame) {
		return
	}
	l.last = now
	l.spotter.Reset()
	logger.Info("[wake] 检测到打断词，停止所有播放")
	l.onWake()
}
