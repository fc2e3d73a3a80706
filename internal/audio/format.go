package audio

import (
	"fmt"
	"time"
)

// Format 描述交给播放设备的原始 PCM 格式。
type Format struct {
	SampleRate int // 采样率（Hz）
	Channels   int // 声道数
	BitDepth   int // 位深，目前仅支持 16
}

// DefaultFormat 是 24kHz 16 位单声道，与 OpenAI 的 pcm 输出一致。
var DefaultFormat = Format{SampleRate: 24000, Channels: 1, BitDepth: 16}

// BytesPerFrame 返回一帧（所有声道各一个采样点）的字节数。
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitDepth / 8
}

// BytesFor 返回持续时长 d 对应的字节数，按整帧向下取整。
func (f Format) BytesFor(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	frames := int64(f.SampleRate) * int64(d) / int64(time.Second)
	return int(frames) * f.BytesPerFrame()
}

// Duration 返回 n 字节 PCM 数据的播放时长。
func (f Format) Duration(n int) time.Duration {
	bpf := f.BytesPerFrame()
	if bpf == 0 || f.SampleRate == 0 {
		return 0
	}
	frames := int64(n / bpf)
	return time.Duration(frames * int64(time.Second) / int64(f.SampleRate))
}

// WithSampleRate 返回仅采样率不同的格式副本。
func (f Format) WithSampleRate(rate int) Format {
	if rate > 0 {
		f.SampleRate = rate
	}
	return f
}

// Validate 检查格式是否可以被播放设备接受。
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("采样率无效: %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("声道数无效: %d", f.Channels)
	}
	if f.BitDepth != 16 {
		return fmt.Errorf("不支持的位深: %d（仅支持 16）", f.BitDepth)
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}

// Silence 返回时长为 d 的静音 PCM 数据。
func Silence(f Format, d time.Duration) []byte {
	return make([]byte, f.BytesFor(d))
}
