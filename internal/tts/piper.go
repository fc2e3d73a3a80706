package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/iabetor/pispeak/internal/config"
	"github.com/iabetor/pispeak/internal/logger"
)

// PiperEngine 使用 piper CLI 子进程实现语音合成，作为离线备用方案。
// piper 输出 signed 16-bit LE 单声道 PCM，采样率由模型决定。
type PiperEngine struct {
	binary     string
	modelPath  string
	sampleRate int
	speed      float64
	chunkSize  int
}

// NewPiperEngine 创建指定模型的 Piper TTS 引擎。
func NewPiperEngine(cfg config.PiperConfig, chunkSize int) (*PiperEngine, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("[tts] piper 需要 model_path")
	}
	if cfg.Binary == "" {
		cfg.Binary = "piper"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 22050
	}
	return &PiperEngine{
		binary:     cfg.Binary,
		modelPath:  cfg.ModelPath,
		sampleRate: cfg.SampleRate,
		speed:      cfg.Speed,
		chunkSize:  chunkSize,
	}, nil
}

func (p *PiperEngine) Name() string    { return EnginePiper }
func (p *PiperEngine) SampleRate() int { return p.sampleRate }

func (p *PiperEngine) args() []string {
	args := []string{"--model", p.modelPath, "--output-raw"}
	if p.speed > 0 && p.speed != 1 {
		// piper 用 length_scale 控制语速，数值越大越慢
		args = append(args, "--length_scale", strconv.FormatFloat(1/p.speed, 'f', 3, 64))
	}
	return args
}

// Synthesize 启动 piper 并边读 stdout 边返回片段。
func (p *PiperEngine) Synthesize(ctx context.Context, text string) (AudioStream, error) {
	logger.Debugf("[tts] piper: 正在合成 %d 个字符，模型=%s", len([]rune(text)), p.modelPath)

	cmd := exec.CommandContext(ctx, p.binary, p.args()...)
	cmd.Stdin = strings.NewReader(text)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("[tts] piper 创建输出管道失败: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("[tts] piper 启动失败: %w", err)
	}

	return &piperStream{
		chunkStream: newChunkStream(stdout, nil, p.chunkSize, 2, nil),
		cmd:         cmd,
		stderr:      stderr,
	}, nil
}

// piperStream 在输出读完后回收子进程；中途 Close 会直接杀掉它。
type piperStream struct {
	*chunkStream
	cmd    *exec.Cmd
	stderr *bytes.Buffer

	waitOnce sync.Once
	waitErr  error
}

func (s *piperStream) wait() error {
	s.waitOnce.Do(func() { s.waitErr = s.cmd.Wait() })
	return s.waitErr
}

func (s *piperStream) Next() ([]byte, error) {
	b, err := s.chunkStream.Next()
	if errors.Is(err, io.EOF) {
		if werr := s.wait(); werr != nil {
			if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
				logger.Warnf("[tts] piper stderr: %s", msg)
			}
			return nil, fmt.Errorf("[tts] piper 执行失败: %w", werr)
		}
	}
	return b, err
}

func (s *piperStream) Close() error {
	// 进程已退出时 Kill 返回 os.ErrProcessDone，忽略即可
	_ = s.cmd.Process.Kill()
	s.wait()
	return nil
}
