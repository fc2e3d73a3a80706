package wake

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/iabetor/pispeak/internal/config"
	"github.com/iabetor/pispeak/internal/logger"
)

// Detector 封装 sherpa-onnx 关键词检测（KWS），用于检测“停下”之类的打断词。
type Detector struct {
	spotter    *sherpa.KeywordSpotter
	stream     *sherpa.OnlineStream
	sampleRate int
	mu         sync.Mutex
}

// NewDetector 创建关键词检测器。
// cfg.ModelPath 是包含 encoder/decoder/joiner onnx 和 tokens.txt 的目录，
// cfg.KeywordsFile 为空时使用目录下的 keywords.txt。
func NewDetector(cfg config.WakeConfig) (*Detector, error) {
	encoder, err := findModelFile(cfg.ModelPath, "encoder")
	if err != nil {
		return nil, err
	}
	decoder, err := findModelFile(cfg.ModelPath, "decoder")
	if err != nil {
		return nil, err
	}
	joiner, err := findModelFile(cfg.ModelPath, "joiner")
	if err != nil {
		return nil, err
	}
	keywords := cfg.KeywordsFile
	if keywords == "" {
		keywords = "keywords.txt"
	}
	if !filepath.IsAbs(keywords) {
		keywords = filepath.Join(cfg.ModelPath, keywords)
	}

	kws := sherpa.KeywordSpotterConfig{}
	kws.FeatConfig.SampleRate = cfg.SampleRate
	kws.FeatConfig.FeatureDim = 80
	kws.ModelConfig.Transducer.Encoder = encoder
	kws.ModelConfig.Transducer.Decoder = decoder
	kws.ModelConfig.Transducer.Joiner = joiner
	kws.ModelConfig.Tokens = filepath.Join(cfg.ModelPath, "tokens.txt")
	kws.ModelConfig.NumThreads = 2
	kws.ModelConfig.Provider = "cpu"
	kws.KeywordsFile = keywords
	kws.KeywordsThreshold = cfg.Threshold

	spotter := sherpa.NewKeywordSpotter(&kws)
	if spotter == nil {
		return nil, fmt.Errorf("[wake] 创建关键词检测器失败，模型路径: %s", cfg.ModelPath)
	}
	stream := sherpa.NewKeywordStream(spotter)
	if stream == nil {
		sherpa.DeleteKeywordSpotter(spotter)
		return nil, fmt.Errorf("[wake] 创建关键词检测流失败")
	}

	logger.Infof("[wake] 关键词检测器已初始化 (model=%s, threshold=%.2f)", cfg.ModelPath, cfg.Threshold)
	return &Detector{spotter: spotter, stream: stream, sampleRate: cfg.SampleRate}, nil
}

// findModelFile 在 dir 中查找 prefix*.onnx，优先使用 int8 量化版本。
func findModelFile(dir, prefix string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"*.onnx"))
	if err != nil {
		return "", fmt.Errorf("[wake] 查找 %s 模型失败: %w", prefix, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("[wake] %s 中没有 %s 模型", dir, prefix)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return strings.Contains(matches[i], ".int8.") && !strings.Contains(matches[j], ".int8.")
	})
	return matches[0], nil
}

// Detect 将音频样本送入检测器，检测到关键词时返回 true 并重置检测流。
func (d *Detector) Detect(samples []float32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stream.AcceptWaveform(d.sampleRate, samples)
	for d.spotter.IsReady(d.stream) {
		d.spotter.Decode(d.stream)
		result := d.spotter.GetResult(d.stream)
		if result.Keyword != "" {
			logger.Infof("[wake] 检测到关键词: %s", result.Keyword)
			d.spotter.Reset(d.stream)
			return true
		}
	}
	return false
}

// Reset 清空检测器的内部缓冲区，用于防止重复检测。
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.spotter != nil && d.stream != nil {
		d.spotter.Reset(d.stream)
	}
}

// Close 释放底层 sherpa-onnx 资源。
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream != nil {
		sherpa.DeleteOnlineStream(d.stream)
		d.stream = nil
	}
	if d.spotter != nil {
		sherpa.DeleteKeywordSpotter(d.spotter)
		d.spotter = nil
	}
	logger.Info("[wake] 关键词检测器已关闭")
}
