package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 是 pispeak 的顶层配置结构。
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	TTS     TTSConfig     `yaml:"tts"`
	Segment SegmentConfig `yaml:"segment"`
	Audio   AudioConfig   `yaml:"audio"`
	Stream  StreamConfig  `yaml:"stream"`
	Wake    WakeConfig    `yaml:"wake"`
	Metrics MetricsConfig `yaml:"metrics"`
	History HistoryConfig `yaml:"history"`
	Events  EventsConfig  `yaml:"events"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig HTTP 控制接口配置。
type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// LLMConfig 文本生成配置。
type LLMConfig struct {
	SystemPrompt string  `yaml:"system_prompt"`
	Temperature  float32 `yaml:"temperature"`
	TopP         float32 `yaml:"top_p"`
	MaxTokens    int     `yaml:"max_tokens"`
	MaxHistory   int     `yaml:"max_history"` // 最多发送的对话轮数，0 表示不限制

	OpenAI OpenAIConfig `yaml:"openai"`
	Gemini GeminiConfig `yaml:"gemini"`

	// Compatible 以名称登记额外的 OpenAI 兼容服务，如 openrouter、groq。
	Compatible map[string]OpenAIConfig `yaml:"compatible"`

	// Fallback 按顺序列出已登记的来源名，组合成名为 auto 的降级来源。
	Fallback []string `yaml:"fallback"`
}

// OpenAIConfig OpenAI 或兼容服务的连接参数。
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// GeminiConfig Google Gemini 配置。
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// TTSConfig 语音合成配置。
type TTSConfig struct {
	Engine    string `yaml:"engine"`
	OnError   string `yaml:"on_error"`   // abort 或 skip
	ChunkSize int    `yaml:"chunk_size"` // 每个音频片段的字节数

	OpenAI  OpenAITTSConfig `yaml:"openai"`
	Edge    EdgeConfig      `yaml:"edge"`
	Tencent TencentConfig   `yaml:"tencent"`
	Piper   PiperConfig     `yaml:"piper"`
}

// OpenAITTSConfig OpenAI 语音合成配置。
type OpenAITTSConfig struct {
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	Voice          string  `yaml:"voice"`
	Speed          float64 `yaml:"speed"`
	ResponseFormat string  `yaml:"response_format"`
	SampleRate     int     `yaml:"sample_rate"`
}

// EdgeConfig Edge TTS 配置。
type EdgeConfig struct {
	Voice string `yaml:"voice"`
}

// TencentConfig 腾讯云 TTS 配置。
type TencentConfig struct {
	SecretID   string  `yaml:"secret_id"`
	SecretKey  string  `yaml:"secret_key"`
	VoiceType  int64   `yaml:"voice_type"`
	Region     string  `yaml:"region"`
	Speed      float64 `yaml:"speed"`
	SampleRate int     `yaml:"sample_rate"`
}

// PiperConfig Piper 本地 TTS 配置。
type PiperConfig struct {
	Binary     string  `yaml:"binary"`
	ModelPath  string  `yaml:"model_path"`
	SampleRate int     `yaml:"sample_rate"`
	Speed      float64 `yaml:"speed"`
}

// SegmentConfig 短语切分配置。
type SegmentConfig struct {
	MinLength       *int     `yaml:"min_length"` // 未设置时为 50，显式的 0 表示不设下限
	Delimiters      []string `yaml:"delimiters"`
	CodeFence       string   `yaml:"code_fence"`
	CodePlaceholder string   `yaml:"code_placeholder"`
}

// AudioConfig 音频播放配置。
type AudioConfig struct {
	Device       string `yaml:"device"` // malgo 或 null
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
	BitDepth     int    `yaml:"bit_depth"`
	SilenceMs    int    `yaml:"silence_ms"`
	PeriodFrames int    `yaml:"period_frames"`
	BufferMs     int    `yaml:"buffer_ms"`
}

// StreamConfig 流管理配置。
type StreamConfig struct {
	GraceMs      int `yaml:"grace_ms"`
	PhraseBuffer int `yaml:"phrase_buffer"`
	AudioBuffer  int `yaml:"audio_buffer"`
}

// WakeConfig 唤醒词打断配置。
type WakeConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ModelPath    string  `yaml:"model_path"`
	KeywordsFile string  `yaml:"keywords_file"`
	Threshold    float32 `yaml:"threshold"`
	SampleRate   int     `yaml:"sample_rate"`
	FrameSize    int     `yaml:"frame_size"`
	CooldownMs   int     `yaml:"cooldown_ms"`
}

// MetricsConfig 指标配置。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HistoryConfig 流历史存储配置。
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// EventsConfig NATS 事件发布配置。
type EventsConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// LogConfig 日志配置。
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// Load 读取 YAML 配置文件并返回 Config。
// 会先加载工作目录下的 .env（如存在），再展开 ${VAR_NAME} 形式的环境变量。
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
	}
	return Parse(data)
}

// Parse 解析 YAML 内容，展开环境变量并填充默认值。
func Parse(data []byte) (*Config, error) {
	// 展开环境变量，如 ${OPENAI_API_KEY}
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	setDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults 为未设置的配置项填充默认值。
func setDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}

	if cfg.LLM.SystemPrompt == "" {
		cfg.LLM.SystemPrompt = "You are a helpful but witty and dry assistant"
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 1.0
	}
	if cfg.LLM.TopP == 0 {
		cfg.LLM.TopP = 1.0
	}
	if cfg.LLM.OpenAI.Model == "" {
		cfg.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if cfg.LLM.Gemini.Model == "" {
		cfg.LLM.Gemini.Model = "gemini-2.0-flash"
	}

	if cfg.TTS.Engine == "" {
		cfg.TTS.Engine = "openai"
	}
	if cfg.TTS.OnError == "" {
		cfg.TTS.OnError = "abort"
	}
	if cfg.TTS.ChunkSize == 0 {
		cfg.TTS.ChunkSize = 1024
	}
	if cfg.TTS.OpenAI.Model == "" {
		cfg.TTS.OpenAI.Model = "tts-1"
	}
	if cfg.TTS.OpenAI.Voice == "" {
		cfg.TTS.OpenAI.Voice = "onyx"
	}
	if cfg.TTS.OpenAI.Speed == 0 {
		cfg.TTS.OpenAI.Speed = 1.0
	}
	if cfg.TTS.OpenAI.ResponseFormat == "" {
		cfg.TTS.OpenAI.ResponseFormat = "pcm"
	}
	if cfg.TTS.OpenAI.SampleRate == 0 {
		cfg.TTS.OpenAI.SampleRate = 24000
	}
	if cfg.TTS.OpenAI.APIKey == "" {
		cfg.TTS.OpenAI.APIKey = cfg.LLM.OpenAI.APIKey
	}
	if cfg.TTS.Edge.Voice == "" {
		cfg.TTS.Edge.Voice = "en-US-AriaNeural"
	}
	if cfg.TTS.Tencent.Region == "" {
		cfg.TTS.Tencent.Region = "ap-guangzhou"
	}
	if cfg.TTS.Tencent.SampleRate == 0 {
		cfg.TTS.Tencent.SampleRate = 16000
	}
	if cfg.TTS.Piper.Binary == "" {
		cfg.TTS.Piper.Binary = "piper"
	}
	if cfg.TTS.Piper.SampleRate == 0 {
		cfg.TTS.Piper.SampleRate = 22050
	}

	if cfg.Segment.MinLength == nil {
		n := 50
		cfg.Segment.MinLength = &n
	}
	if len(cfg.Segment.Delimiters) == 0 {
		cfg.Segment.Delimiters = []string{".", "?", "!"}
	}
	if cfg.Segment.CodeFence == "" {
		cfg.Segment.CodeFence = "```"
	}
	if cfg.Segment.CodePlaceholder == "" {
		cfg.Segment.CodePlaceholder = "Code presented on screen"
	}

	if cfg.Audio.Device == "" {
		cfg.Audio.Device = "malgo"
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 24000
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.BitDepth == 0 {
		cfg.Audio.BitDepth = 16
	}
	if cfg.Audio.SilenceMs == 0 {
		cfg.Audio.SilenceMs = 50
	}
	if cfg.Audio.PeriodFrames == 0 {
		cfg.Audio.PeriodFrames = 512
	}
	if cfg.Audio.BufferMs == 0 {
		cfg.Audio.BufferMs = 500
	}

	if cfg.Stream.GraceMs == 0 {
		cfg.Stream.GraceMs = 100
	}
	if cfg.Stream.PhraseBuffer == 0 {
		cfg.Stream.PhraseBuffer = 64
	}
	if cfg.Stream.AudioBuffer == 0 {
		cfg.Stream.AudioBuffer = 32
	}

	if cfg.Wake.Threshold == 0 {
		cfg.Wake.Threshold = 0.5
	}
	if cfg.Wake.SampleRate == 0 {
		cfg.Wake.SampleRate = 16000
	}
	if cfg.Wake.FrameSize == 0 {
		cfg.Wake.FrameSize = 512
	}
	if cfg.Wake.CooldownMs == 0 {
		cfg.Wake.CooldownMs = 1500
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.History.Path == "" {
		cfg.History.Path = expandHome("~/.pispeak/history.db")
	} else {
		cfg.History.Path = expandHome(cfg.History.Path)
	}
	if cfg.Events.Prefix == "" {
		cfg.Events.Prefix = "pispeak.stream"
	}

	cfg.Wake.ModelPath = expandHome(cfg.Wake.ModelPath)
	cfg.TTS.Piper.ModelPath = expandHome(cfg.TTS.Piper.ModelPath)

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		cfg.Log.File = expandHome(cfg.Log.File)
	}

	// 去除 API Key 两端可能的空白（环境变量展开后常见）
	cfg.LLM.OpenAI.APIKey = strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
	cfg.LLM.Gemini.APIKey = strings.TrimSpace(cfg.LLM.Gemini.APIKey)
	cfg.TTS.OpenAI.APIKey = strings.TrimSpace(cfg.TTS.OpenAI.APIKey)
	for name, c := range cfg.LLM.Compatible {
		c.APIKey = strings.TrimSpace(c.APIKey)
		cfg.LLM.Compatible[name] = c
	}
}

// Validate 检查配置中互相约束或取值受限的字段。
func (c *Config) Validate() error {
	switch c.TTS.OnError {
	case "abort", "skip":
	default:
		return fmt.Errorf("tts.on_error 取值无效: %q（可选 abort、skip）", c.TTS.OnError)
	}
	switch c.Audio.Device {
	case "malgo", "null":
	default:
		return fmt.Errorf("audio.device 取值无效: %q（可选 malgo、null）", c.Audio.Device)
	}
	if c.Audio.BitDepth != 16 {
		return fmt.Errorf("audio.bit_depth 仅支持 16，当前为 %d", c.Audio.BitDepth)
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > 2 {
		return fmt.Errorf("audio.channels 取值无效: %d", c.Audio.Channels)
	}
	if c.Segment.MinLength != nil && *c.Segment.MinLength < 0 {
		return fmt.Errorf("segment.min_length 不能为负数: %d", *c.Segment.MinLength)
	}
	for _, d := range c.Segment.Delimiters {
		if d == "" {
			return fmt.Errorf("segment.delimiters 不能包含空字符串")
		}
	}
	if c.TTS.ChunkSize < 0 {
		return fmt.Errorf("tts.chunk_size 不能为负数: %d", c.TTS.ChunkSize)
	}
	if c.Wake.Enabled && c.Wake.ModelPath == "" {
		return fmt.Errorf("启用唤醒词打断时必须设置 wake.model_path")
	}
	if c.LLM.MaxHistory < 0 {
		return fmt.Errorf("llm.max_history 不能为负数: %d", c.LLM.MaxHistory)
	}
	for name := range c.LLM.Compatible {
		if name == "openai" || name == "gemini" || name == "auto" {
			return fmt.Errorf("llm.compatible 不能使用保留名称 %q", name)
		}
	}
	return nil
}

// expandHome 将 ~/ 开头的路径替换为用户主目录。
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, _ := os.UserHomeDir()
	if home == "" {
		return "." + path[1:]
	}
	return home + path[1:]
}
