package audio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/iabetor/pispeak/internal/logger"
)

// CaptureConfig 麦克风采集参数。
type CaptureConfig struct {
	SampleRate int // 采样率，关键词检测通常用 16000
	Channels   int // 声道数，通常为 1
	FrameSize  int // 每帧采样点数
	Backlog    int // 输出 channel 的容量
}

// Capture 使用 malgo (miniaudio) 采集麦克风音频。
// 采集到的音频以 float32 帧的形式发送到输出 channel。
type Capture struct {
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	cfg     CaptureConfig
	out     chan []float32
	mu      sync.Mutex
	running bool
	dropped atomic.Int64
}

// NewCapture 创建采集实例。
func NewCapture(cfg CaptureConfig) (*Capture, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = 512
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 64
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("初始化音频上下文失败: %w", err)
	}

	return &Capture{
		ctx: ctx,
		cfg: cfg,
		out: make(chan []float32, cfg.Backlog),
	}, nil
}

// C 返回接收音频帧的只读 channel。
func (c *Capture) C() <-chan []float32 {
	return c.out
}

// SampleRate 返回采集采样率。
func (c *Capture) SampleRate() int {
	return c.cfg.SampleRate
}

// Start 开始从默认麦克风采集音频。
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(c.cfg.Channels)
	deviceConfig.SampleRate = uint32(c.cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(c.cfg.FrameSize)
	deviceConfig.Periods = 2

	callbacks := malgo.DeviceCallbacks{
		Data: func(outputSamples, inputSamples []byte, frameCount uint32) {
			if len(inputSamples) == 0 {
				return
			}
			samples := BytesToFloat32(inputSamples)
			if c.cfg.Channels == 2 {
				samples = StereoToMono(samples)
			}
			// 消费端跟不上就丢帧
			select {
			case c.out <- samples:
			default:
				c.dropped.Add(1)
			}
		},
	}

	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("初始化采集设备失败: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("启动采集设备失败: %w", err)
	}

	c.device = device
	c.running = true
	logger.Info("[audio] 麦克风采集已启动")
	return nil
}

// Stop 停止音频采集。
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}

	c.device.Stop()
	c.device.Uninit()
	c.running = false
	if n := c.dropped.Swap(0); n > 0 {
		logger.Debugf("[audio] 采集期间丢弃 %d 帧", n)
	}
	logger.Info("[audio] 麦克风采集已停止")
}

// Drain 清空采集 channel 中的残留音频帧。
func (c *Capture) Drain() int {
	n := 0
	for {
		select {
		case <-c.out:
			n++
		default:
			if n > 0 {
				logger.Debugf("[audio] 清空麦克风缓冲: 丢弃 %d 帧", n)
			}
			return n
		}
	}
}

// Close 释放所有资源。
func (c *Capture) Close() {
	c.Stop()
	if c.ctx != nil {
		_ = c.ctx.Uninit()
		c.ctx.Free()
		c.ctx = nil
	}
	close(c.out)
}
