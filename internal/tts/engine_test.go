package tts

import (
	"errors"
	"testing"

	"github.com/iabetor/pispeak/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.TTSConfig
		wantName string
		wantErr  bool
	}{
		{
			name:     "openai",
			cfg:      config.TTSConfig{Engine: EngineOpenAI, OpenAI: config.OpenAITTSConfig{APIKey: "k", ResponseFormat: "pcm", SampleRate: 24000}},
			wantName: EngineOpenAI,
		},
		{
			name:    "openai without key",
			cfg:     config.TTSConfig{Engine: EngineOpenAI, OpenAI: config.OpenAITTSConfig{ResponseFormat: "pcm"}},
			wantErr: true,
		},
		{
			name:    "openai unsupported format",
			cfg:     config.TTSConfig{Engine: EngineOpenAI, OpenAI: config.OpenAITTSConfig{APIKey: "k", ResponseFormat: "opus"}},
			wantErr: true,
		},
		{
			name:     "edge",
			cfg:      config.TTSConfig{Engine: EngineEdge, Edge: config.EdgeConfig{Voice: "en-US-AriaNeural"}},
			wantName: EngineEdge,
		},
		{
			name:    "tencent without secrets",
			cfg:     config.TTSConfig{Engine: EngineTencent},
			wantErr: true,
		},
		{
			name:     "piper",
			cfg:      config.TTSConfig{Engine: EnginePiper, Piper: config.PiperConfig{ModelPath: "voice.onnx"}},
			wantName: EnginePiper,
		},
		{
			name:    "piper without model",
			cfg:     config.TTSConfig{Engine: EnginePiper},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if e.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", e.Name(), tt.wantName)
			}
			if e.SampleRate() <= 0 {
				t.Errorf("SampleRate() = %d", e.SampleRate())
			}
		})
	}
}

func TestNew_UnknownEngine(t *testing.T) {
	_, err := New(config.TTSConfig{Engine: "festival"})
	if !errors.Is(err, ErrUnknownEngine) {
		t.Errorf("expected ErrUnknownEngine, got %v", err)
	}
}

func TestPiperArgs(t *testing.T) {
	p, err := NewPiperEngine(config.PiperConfig{ModelPath: "m.onnx", Speed: 2}, 0)
	if err != nil {
		t.Fatal(err)
	}
	args := p.args()
	want := []string{"--model", "m.onnx", "--output-raw", "--length_scale", "0.500"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
	if p.SampleRate() != 22050 {
		t.Errorf("default sample rate = %d", p.SampleRate())
	}
}
