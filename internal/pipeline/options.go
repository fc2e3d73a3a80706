package pipeline

import (
	"time"

	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/config"
	"github.com/iabetor/pispeak/internal/segment"
)

// ErrorPolicy 决定单个短语合成失败后的处理方式。
type ErrorPolicy string

const (
	// PolicyAbort 结束合成，已排队的音频照常播完。
	PolicyAbort ErrorPolicy = "abort"
	// PolicySkip 跳过失败的短语，继续合成下一个。
	PolicySkip ErrorPolicy = "skip"
)

// Options 流水线参数。
type Options struct {
	Segment      segment.Config
	Format       audio.Format  // 采样率以 TTS 引擎为准，其余字段交给设备
	Silence      time.Duration // 每个短语之后插入的静音
	OnTTSError   ErrorPolicy
	PhraseBuffer int
	AudioBuffer  int
	SystemPrompt string
	MaxHistory   int // 最多保留的对话轮数，0 表示不限制
}

func (o *Options) setDefaults() {
	if o.Format == (audio.Format{}) {
		o.Format = audio.DefaultFormat
	}
	if o.OnTTSError == "" {
		o.OnTTSError = PolicyAbort
	}
	if o.PhraseBuffer <= 0 {
		o.PhraseBuffer = 64
	}
	if o.AudioBuffer <= 0 {
		o.AudioBuffer = 32
	}
	if o.Silence < 0 {
		o.Silence = 0
	}
}

// OptionsFromConfig 从配置构造流水线参数。
func OptionsFromConfig(cfg *config.Config) Options {
	minLength := segment.DefaultMinLength
	if cfg.Segment.MinLength != nil {
		minLength = *cfg.Segment.MinLength
	}
	return Options{
		Segment: segment.Config{
			MinLength:       minLength,
			Delimiters:      cfg.Segment.Delimiters,
			CodeFence:       cfg.Segment.CodeFence,
			CodePlaceholder: cfg.Segment.CodePlaceholder,
		},
		Format: audio.Format{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			BitDepth:   cfg.Audio.BitDepth,
		},
		Silence:      time.Duration(cfg.Audio.SilenceMs) * time.Millisecond,
		OnTTSError:   ErrorPolicy(cfg.TTS.OnError),
		PhraseBuffer: cfg.Stream.PhraseBuffer,
		AudioBuffer:  cfg.Stream.AudioBuffer,
		SystemPrompt: cfg.LLM.SystemPrompt,
		MaxHistory:   cfg.LLM.MaxHistory,
	}
}
