package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	tts "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/tts/v20190823"

	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/profile"

	"github.com/iabetor/pispeak/internal/config"
	"github.com/iabetor/pispeak/internal/logger"
)

// TencentEngine 使用腾讯云 TTS 实现语音合成。
// 适用于中国大陆网络环境，支持多种中文音色。
type TencentEngine struct {
	client     *tts.Client
	voiceType  int64
	speed      float64
	sampleRate int
	chunkSize  int
}

// NewTencentEngine 创建腾讯云 TTS 引擎。
func NewTencentEngine(cfg config.TencentConfig, chunkSize int) (*TencentEngine, error) {
	if cfg.SecretID == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("[tts] 腾讯云 TTS 需要 SecretID 和 SecretKey")
	}
	if cfg.VoiceType == 0 {
		cfg.VoiceType = 1001 // 默认音色：智瑜（女声）
	}
	if cfg.Region == "" {
		cfg.Region = "ap-guangzhou"
	}
	// 腾讯云 pcm 只支持 8k 与 16k
	if cfg.SampleRate != 8000 {
		cfg.SampleRate = 16000
	}

	credential := common.NewCredential(cfg.SecretID, cfg.SecretKey)
	cpf := profile.NewClientProfile()
	cpf.HttpProfile.Endpoint = "tts.tencentcloudapi.com"

	client, err := tts.NewClient(credential, cfg.Region, cpf)
	if err != nil {
		return nil, fmt.Errorf("[tts] 创建腾讯云 TTS 客户端失败: %w", err)
	}

	logger.Infof("[tts] 腾讯云 TTS 引擎已初始化 (voice=%d, region=%s, rate=%d)", cfg.VoiceType, cfg.Region, cfg.SampleRate)

	return &TencentEngine{
		client:     client,
		voiceType:  cfg.VoiceType,
		speed:      cfg.Speed,
		sampleRate: cfg.SampleRate,
		chunkSize:  chunkSize,
	}, nil
}

func (e *TencentEngine) Name() string    { return EngineTencent }
func (e *TencentEngine) SampleRate() int { return e.sampleRate }

// Synthesize 请求 pcm 编码的音频，整段返回后再按片段切分。
func (e *TencentEngine) Synthesize(ctx context.Context, text string) (AudioStream, error) {
	logger.Debugf("[tts] 腾讯云 TTS: 正在合成 %d 个字符，音色=%d", len([]rune(text)), e.voiceType)

	request := tts.NewTextToVoiceRequest()
	request.Text = common.StringPtr(text)
	request.SessionId = common.StringPtr(uuid.NewString())
	request.VoiceType = common.Int64Ptr(e.voiceType)
	request.Codec = common.StringPtr("pcm")
	request.SampleRate = common.Uint64Ptr(uint64(e.sampleRate))
	request.Speed = common.Float64Ptr(e.speed)
	request.Volume = common.Float64Ptr(5.0)

	response, err := e.client.TextToVoiceWithContext(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("[tts] 腾讯云 TTS 合成失败: %w", err)
	}
	if response.Response == nil || response.Response.Audio == nil {
		return nil, fmt.Errorf("[tts] 腾讯云 TTS: 未返回音频数据")
	}

	pcm, err := base64.StdEncoding.DecodeString(*response.Response.Audio)
	if err != nil {
		return nil, fmt.Errorf("[tts] Base64 解码失败: %w", err)
	}
	logger.Debugf("[tts] 腾讯云 TTS: 收到 %d 字节 PCM", len(pcm))

	return newChunkStream(bytes.NewReader(pcm), nil, e.chunkSize, 2, nil), nil
}
