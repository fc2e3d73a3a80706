package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hajimehoshi/go-mp3"
	"github.com/pp-group/edge-tts-go/biz/service/tts/edge"

	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/config"
	"github.com/iabetor/pispeak/internal/logger"
)

// edgeSampleRate 是 Edge TTS 默认输出格式（24kHz 单声道 MP3）的采样率。
const edgeSampleRate = 24000

var errEdgeNoAudio = errors.New("[tts] edge-tts: 未收到音频数据")

// EdgeEngine 使用微软 Edge TTS 实现语音合成，
// 通过 edge-tts-go 获取 MP3 音频，再用 go-mp3 边收边解码为 PCM。
type EdgeEngine struct {
	voice     string
	chunkSize int
}

// NewEdgeEngine 创建指定语音的 Edge TTS 引擎。
func NewEdgeEngine(cfg config.EdgeConfig, chunkSize int) *EdgeEngine {
	logger.Infof("[tts] Edge TTS 引擎已初始化 (voice=%s)", cfg.Voice)
	return &EdgeEngine{voice: cfg.Voice, chunkSize: chunkSize}
}

func (e *EdgeEngine) Name() string    { return EngineEdge }
func (e *EdgeEngine) SampleRate() int { return edgeSampleRate }

func (e *EdgeEngine) Synthesize(ctx context.Context, text string) (AudioStream, error) {
	logger.Debugf("[tts] edge-tts: 正在合成 %d 个字符，语音=%s", len([]rune(text)), e.voice)

	comm, err := edge.NewCommunicate(text, edge.WithVoice(e.voice))
	if err != nil {
		return nil, fmt.Errorf("[tts] edge-tts 创建实例失败: %w", err)
	}
	ch, err := comm.Stream()
	if err != nil {
		return nil, fmt.Errorf("[tts] edge-tts 开始流式合成失败: %w", err)
	}

	pr, pw := io.Pipe()
	go pumpEdgeAudio(ctx, ch, pw)

	return &edgeStream{pr: pr, chunkSize: e.chunkSize}, nil
}

// pumpEdgeAudio 把 Stream() 中 type=="audio" 的 MP3 数据写入 pw。
// 读取端关闭或 ctx 取消后停止写入，但仍会读完 ch，避免库内部的发送方阻塞。
func pumpEdgeAudio(ctx context.Context, ch <-chan map[string]interface{}, pw *io.PipeWriter) {
	stop := context.AfterFunc(ctx, func() { pw.CloseWithError(ctx.Err()) })
	defer stop()

	written := 0
	writing := true
	for msg := range ch {
		if !writing {
			continue
		}
		if msgType, ok := msg["type"].(string); !ok || msgType != "audio" {
			continue
		}
		data, ok := msg["data"].([]byte)
		if !ok || len(data) == 0 {
			continue
		}
		if _, err := pw.Write(data); err != nil {
			logger.Debugf("[tts] edge-tts: 读取端已关闭，丢弃剩余音频 (%v)", err)
			writing = false
			continue
		}
		written += len(data)
	}

	if written == 0 {
		pw.CloseWithError(errEdgeNoAudio)
		return
	}
	logger.Debugf("[tts] edge-tts: 收到 %d 字节 MP3 数据", written)
	pw.Close()
}

// edgeStream 在第一次 Next 时才创建解码器，因为 go-mp3 需要读到首帧。
type edgeStream struct {
	pr        *io.PipeReader
	chunkSize int

	inner *chunkStream
	once  sync.Once
}

func (s *edgeStream) Next() ([]byte, error) {
	if s.inner == nil {
		dec, err := mp3.NewDecoder(s.pr)
		if err != nil {
			if errors.Is(err, errEdgeNoAudio) {
				return nil, err
			}
			return nil, fmt.Errorf("[tts] MP3 解码失败: %w", err)
		}
		if dec.SampleRate() != edgeSampleRate {
			logger.Warnf("[tts] edge-tts: MP3 采样率 %d 与预期 %d 不一致", dec.SampleRate(), edgeSampleRate)
		}
		s.inner = newChunkStream(dec, nil, s.chunkSize*2, 4, audio.DownmixStereo16)
	}
	return s.inner.Next()
}

func (s *edgeStream) Close() error {
	s.once.Do(func() { s.pr.Close() })
	return nil
}
