package tts

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hajimehoshi/go-mp3"
	"github.com/sashabaranov/go-openai"

	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/config"
	"github.com/iabetor/pispeak/internal/logger"
)

// OpenAIEngine 通过 OpenAI 的 /audio/speech 接口合成语音。
// pcm 格式直接按片段转发；mp3 格式边下载边解码。
type OpenAIEngine struct {
	client    *openai.Client
	cfg       config.OpenAITTSConfig
	chunkSize int
}

// NewOpenAIEngine 创建 OpenAI TTS 引擎。
func NewOpenAIEngine(cfg config.OpenAITTSConfig, chunkSize int) (*OpenAIEngine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("[tts] OpenAI TTS 需要 api_key")
	}
	switch openai.SpeechResponseFormat(cfg.ResponseFormat) {
	case openai.SpeechResponseFormatPcm, openai.SpeechResponseFormatMp3:
	default:
		return nil, fmt.Errorf("[tts] OpenAI TTS 不支持的 response_format: %q", cfg.ResponseFormat)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Transport: &http.Transport{Proxy: http.ProxyFromEnvironment}}

	logger.Infof("[tts] OpenAI TTS 引擎已初始化 (model=%s, voice=%s, format=%s)", cfg.Model, cfg.Voice, cfg.ResponseFormat)
	return &OpenAIEngine{
		client:    openai.NewClientWithConfig(clientCfg),
		cfg:       cfg,
		chunkSize: chunkSize,
	}, nil
}

func (e *OpenAIEngine) Name() string { return EngineOpenAI }

// SampleRate OpenAI 的 pcm 输出固定为配置的采样率（默认 24kHz）。
func (e *OpenAIEngine) SampleRate() int { return e.cfg.SampleRate }

func (e *OpenAIEngine) Synthesize(ctx context.Context, text string) (AudioStream, error) {
	logger.Debugf("[tts] openai: 正在合成 %d 个字符，音色=%s", len([]rune(text)), e.cfg.Voice)

	resp, err := e.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(e.cfg.Model),
		Input:          text,
		Voice:          openai.SpeechVoice(e.cfg.Voice),
		ResponseFormat: openai.SpeechResponseFormat(e.cfg.ResponseFormat),
		Speed:          e.cfg.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("[tts] OpenAI TTS 请求失败: %w", err)
	}

	if openai.SpeechResponseFormat(e.cfg.ResponseFormat) == openai.SpeechResponseFormatPcm {
		return newChunkStream(resp, resp, e.chunkSize, 2, nil), nil
	}

	// go-mp3 输出 16 位立体声，按 4 字节对齐后混成单声道
	dec, err := mp3.NewDecoder(resp)
	if err != nil {
		resp.Close()
		return nil, fmt.Errorf("[tts] MP3 解码失败: %w", err)
	}
	if dec.SampleRate() != e.cfg.SampleRate {
		logger.Warnf("[tts] openai: MP3 采样率 %d 与配置 %d 不一致", dec.SampleRate(), e.cfg.SampleRate)
	}
	return newChunkStream(dec, resp, e.chunkSize*2, 4, audio.DownmixStereo16), nil
}
