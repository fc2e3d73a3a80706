package audio

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrSinkClosed 表示向已关闭的输出写入。
var ErrSinkClosed = errors.New("audio sink closed")

// Sink 是一次打开的音频输出。Write 按顺序写入 PCM 数据，缓冲满时阻塞。
type Sink interface {
	io.Writer
	// Drain 等待已写入的数据全部播放完毕。
	Drain(ctx context.Context) error
	// Close 释放设备，可重复调用。
	Close() error
}

// Device 按指定格式打开输出。ctx 取消后，阻塞中的 Write 返回 ErrSinkClosed。
type Device interface {
	Open(ctx context.Context, f Format) (Sink, error)
}

// Exclusive 包装 d，使同一时刻最多只有一个打开的 Sink。
// 后来的 Open 会等待前一个 Sink 关闭，或者在 ctx 取消时放弃。
func Exclusive(d Device) Device {
	return &exclusiveDevice{dev: d, sem: make(chan struct{}, 1)}
}

type exclusiveDevice struct {
	dev Device
	sem chan struct{}
}

func (e *exclusiveDevice) Open(ctx context.Context, f Format) (Sink, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s, err := e.dev.Open(ctx, f)
	if err != nil {
		<-e.sem
		return nil, err
	}
	return &releasingSink{Sink: s, release: func() { <-e.sem }}, nil
}

type releasingSink struct {
	Sink
	once    sync.Once
	release func()
}

func (r *releasingSink) Close() error {
	err := r.Sink.Close()
	r.once.Do(r.release)
	return err
}

// Discard 返回丢弃所有数据的设备，用于无声卡环境。
func Discard() Device {
	return discardDevice{}
}

type discardDevice struct{}

func (discardDevice) Open(ctx context.Context, f Format) (Sink, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &discardSink{ctx: ctx}, nil
}

type discardSink struct {
	ctx context.Context
}

func (d *discardSink) Write(p []byte) (int, error) {
	if d.ctx.Err() != nil {
		return 0, ErrSinkClosed
	}
	return len(p), nil
}

func (d *discardSink) Drain(ctx context.Context) error { return ctx.Err() }

func (d *discardSink) Close() error { return nil }
