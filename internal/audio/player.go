package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/iabetor/pispeak/internal/logger"
)

// DeviceConfig 播放设备参数。
type DeviceConfig struct {
	PeriodFrames int           // 每个回调周期的帧数
	Periods      int           // 周期数
	Buffer       time.Duration // 写入缓冲可容纳的音频时长
}

func (c *DeviceConfig) setDefaults() {
	if c.PeriodFrames <= 0 {
		c.PeriodFrames = 512
	}
	if c.Periods <= 0 {
		c.Periods = 2
	}
	if c.Buffer <= 0 {
		c.Buffer = 500 * time.Millisecond
	}
}

// MalgoDevice 使用 malgo (miniaudio) 打开默认扬声器。
type MalgoDevice struct {
	ctx    *malgo.AllocatedContext
	cfg    DeviceConfig
	mu     sync.Mutex
	closed bool
}

// NewMalgoDevice 初始化播放上下文。每次 Open 会创建一个新的播放设备。
func NewMalgoDevice(cfg DeviceConfig) (*MalgoDevice, error) {
	cfg.setDefaults()

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("初始化播放上下文失败: %w", err)
	}
	return &MalgoDevice{ctx: ctx, cfg: cfg}, nil
}

// Open 以格式 f 启动播放设备，返回可写入的 Sink。
func (d *MalgoDevice) Open(ctx context.Context, f Format) (Sink, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("播放器已关闭")
	}

	bufSize := f.BytesFor(d.cfg.Buffer)
	if minSize := d.cfg.PeriodFrames * f.BytesPerFrame(); bufSize < minSize {
		bufSize = minSize
	}
	buf := newPCMBuffer(bufSize)
	bytesPerFrame := f.BytesPerFrame()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(f.Channels)
	deviceConfig.SampleRate = uint32(f.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(d.cfg.PeriodFrames)
	deviceConfig.Periods = uint32(d.cfg.Periods)

	callbacks := malgo.DeviceCallbacks{
		Data: func(outputSamples, inputSamples []byte, frameCount uint32) {
			bytesNeeded := int(frameCount) * bytesPerFrame
			if bytesNeeded > len(outputSamples) {
				bytesNeeded = len(outputSamples)
			}
			n := buf.Read(outputSamples[:bytesNeeded])
			// 数据不足时填充静音
			for i := n; i < bytesNeeded; i++ {
				outputSamples[i] = 0
			}
		},
	}

	device, err := malgo.InitDevice(d.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("初始化播放设备失败: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("启动播放设备失败: %w", err)
	}
	logger.Debugf("[audio] 播放设备已打开: %s", f)

	s := &malgoSink{
		device: device,
		buf:    buf,
		tail:   time.Duration(d.cfg.PeriodFrames*d.cfg.Periods) * time.Second / time.Duration(f.SampleRate),
	}
	s.stop = context.AfterFunc(ctx, buf.Close)
	return s, nil
}

// Close 释放播放上下文。
func (d *MalgoDevice) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true

	if d.ctx != nil {
		_ = d.ctx.Uninit()
		d.ctx.Free()
		d.ctx = nil
	}
}

type malgoSink struct {
	device *malgo.Device
	buf    *pcmBuffer
	tail   time.Duration // 设备内部周期缓冲的时长
	stop   func() bool
	once   sync.Once
}

func (s *malgoSink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

// Drain 等待缓冲读空，再等设备播完内部周期中的尾音。
func (s *malgoSink) Drain(ctx context.Context) error {
	if err := s.buf.WaitEmpty(ctx); err != nil {
		return err
	}
	timer := time.NewTimer(s.tail)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *malgoSink) Close() error {
	s.once.Do(func() {
		s.stop()
		s.buf.Close()
		s.device.Stop()
		s.device.Uninit()
		logger.Debug("[audio] 播放设备已释放")
	})
	return nil
}
