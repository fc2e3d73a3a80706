package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/iabetor/pispeak/internal/config"
)

// 引擎名称。
const (
	EngineOpenAI  = "openai"
	EngineEdge    = "edge"
	EngineTencent = "tencent"
	EnginePiper   = "piper"
)

// ErrUnknownEngine 表示配置中的引擎名没有对应实现。
var ErrUnknownEngine = errors.New("未知的 TTS 引擎")

// AudioStream 是一次合成产生的音频片段序列。
// 片段为 16 位小端单声道 PCM，采样率见 Engine.SampleRate。
type AudioStream interface {
	// Next 返回下一个片段；全部返回后得到 io.EOF。
	Next() ([]byte, error)
	// Close 释放底层的 HTTP 响应体、子进程或库 channel，可在中途调用。
	Close() error
}

// Engine 定义语音合成后端接口。
type Engine interface {
	Name() string
	// SampleRate 是输出 PCM 的采样率（Hz）。
	SampleRate() int
	// Synthesize 开始合成 text，ctx 取消后流尽快结束。
	Synthesize(ctx context.Context, text string) (AudioStream, error)
}

// New 按 cfg.Engine 创建对应的引擎。
func New(cfg config.TTSConfig) (Engine, error) {
	switch cfg.Engine {
	case EngineOpenAI:
		return NewOpenAIEngine(cfg.OpenAI, cfg.ChunkSize)
	case EngineEdge:
		return NewEdgeEngine(cfg.Edge, cfg.ChunkSize), nil
	case EngineTencent:
		return NewTencentEngine(cfg.Tencent, cfg.ChunkSize)
	case EnginePiper:
		return NewPiperEngine(cfg.Piper, cfg.ChunkSize)
	default:
		return nil, fmt.Errorf("[tts] %w: %q", ErrUnknownEngine, cfg.Engine)
	}
}
