package audio

import (
	"testing"
	"time"
)

func TestFormat_BytesFor(t *testing.T) {
	tests := []struct {
		f    Format
		d    time.Duration
		want int
	}{
		{DefaultFormat, 50 * time.Millisecond, 2400},
		{DefaultFormat, time.Second, 48000},
		{DefaultFormat, 0, 0},
		{DefaultFormat, -time.Second, 0},
		{Format{SampleRate: 16000, Channels: 2, BitDepth: 16}, 10 * time.Millisecond, 640},
		{Format{SampleRate: 22050, Channels: 1, BitDepth: 16}, time.Millisecond, 44},
	}
	for _, tt := range tests {
		if got := tt.f.BytesFor(tt.d); got != tt.want {
			t.Errorf("%s BytesFor(%v) = %d, want %d", tt.f, tt.d, got, tt.want)
		}
	}
}

func TestFormat_Duration(t *testing.T) {
	if got := DefaultFormat.Duration(48000); got != time.Second {
		t.Errorf("Duration(48000) = %v, want 1s", got)
	}
	if got := (Format{}).Duration(100); got != 0 {
		t.Errorf("zero format Duration = %v, want 0", got)
	}
}

func TestFormat_Validate(t *testing.T) {
	tests := []struct {
		f       Format
		wantErr bool
	}{
		{DefaultFormat, false},
		{Format{SampleRate: 0, Channels: 1, BitDepth: 16}, true},
		{Format{SampleRate: 24000, Channels: 0, BitDepth: 16}, true},
		{Format{SampleRate: 24000, Channels: 1, BitDepth: 24}, true},
	}
	for _, tt := range tests {
		if err := tt.f.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("%s Validate() err = %v, wantErr %v", tt.f, err, tt.wantErr)
		}
	}
}

func TestFormat_WithSampleRate(t *testing.T) {
	f := DefaultFormat.WithSampleRate(16000)
	if f.SampleRate != 16000 || f.Channels != 1 || f.BitDepth != 16 {
		t.Errorf("unexpected format %s", f)
	}
	if g := DefaultFormat.WithSampleRate(0); g != DefaultFormat {
		t.Errorf("zero rate should keep format, got %s", g)
	}
}

func TestSilence(t *testing.T) {
	s := Silence(DefaultFormat, 50*time.Millisecond)
	if len(s) != 2400 {
		t.Fatalf("expected 2400 bytes, got %d", len(s))
	}
	for i, b := range s {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}
}
