package pipeline

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/llm"
	"github.com/iabetor/pispeak/internal/segment"
	"github.com/iabetor/pispeak/internal/stream"
	"github.com/iabetor/pispeak/internal/tts"
)

// run 保存一条流三个阶段共享的状态。
// 阶段之间只通过 channel 传递数据，关闭 channel 即表示结束。
type run struct {
	info   Info
	opts   Options
	format audio.Format
	tok    *stream.Token
	engine tts.Engine
	dev    audio.Device
	obs    Observer
	out    *Stream
	log    *zap.SugaredLogger

	phrases    atomic.Int64
	frames     atomic.Int64
	firstAudio atomic.Int64 // 纳秒，0 表示尚未出声

	errMu  sync.Mutex
	genErr error
}

func (r *run) setGenErr(err error) {
	r.errMu.Lock()
	r.genErr = err
	r.errMu.Unlock()
}

func (r *run) generationErr() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.genErr
}

// segmentStage 读取生成流，把文本转交调用方并切分成短语。
func (r *run) segmentStage(gen <-chan llm.Chunk, phrases chan<- string) error {
	defer close(phrases)
	defer close(r.out.chunks)

	seg := segment.New(r.opts.Segment)
	send := func(ps []string) bool {
		for _, p := range ps {
			select {
			case phrases <- p:
				r.log.Debugf("[pipeline] 短语: %q", p)
			case <-r.tok.Done():
				return false
			}
		}
		return true
	}

	for {
		select {
		case <-r.tok.Done():
			return nil
		case c, ok := <-gen:
			if !ok {
				if seg.InCode() {
					r.log.Warn("[pipeline] 代码块未闭合，丢弃未完成的代码")
				}
				send(seg.Flush())
				return nil
			}
			if !r.out.deliver(c) {
				return nil
			}
			switch {
			case c.Err != nil:
				// 已产生的短语照常播放，缓冲中的半句丢弃
				r.log.Errorf("[pipeline] 生成流出错: %v", c.Err)
				r.setGenErr(c.Err)
				return nil
			case c.ToolCall != nil:
				r.log.Infof("[pipeline] 模型请求工具调用 %s(%s)，不参与朗读", c.ToolCall.Name, c.ToolCall.Arguments)
			case c.Text != "":
				if !send(seg.Push(c.Text)) {
					return nil
				}
			}
		}
	}
}

// synthStage 逐个短语调用 TTS，把音频片段按顺序交给播放阶段。
func (r *run) synthStage(phrases <-chan string, frames chan<- []byte) error {
	defer close(frames)

	silence := audio.Silence(r.format, r.opts.Silence)
	for {
		var (
			phrase string
			ok     bool
		)
		select {
		case <-r.tok.Done():
			return nil
		case phrase, ok = <-phrases:
			if !ok {
				return nil
			}
		}

		err := r.synthesize(phrase, frames, silence)
		if err == nil {
			continue
		}
		if r.tok.Cancelled() {
			return nil
		}
		if r.opts.OnTTSError == PolicySkip {
			r.log.Warnf("[pipeline] 短语合成失败，跳过: %v", err)
			continue
		}

		r.log.Errorf("[pipeline] 短语合成失败，停止合成: %v", err)
		// 放弃剩余短语，让上游正常结束
		go func() {
			for range phrases {
			}
		}()
		return err
	}
}

// synthesize 合成一个短语。令牌取消时返回 nil。
func (r *run) synthesize(phrase string, frames chan<- []byte, silence []byte) error {
	as, err := r.engine.Synthesize(r.tok.Context(), phrase)
	if err != nil {
		return fmt.Errorf("%s 合成失败: %w", r.engine.Name(), err)
	}
	defer as.Close()

	send := func(b []byte) bool {
		if r.tok.Cancelled() {
			return false
		}
		select {
		case frames <- b:
			return true
		case <-r.tok.Done():
			return false
		}
	}

	for {
		b, err := as.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s 读取音频失败: %w", r.engine.Name(), err)
		}
		if len(b) == 0 {
			continue
		}
		if !send(b) {
			return nil
		}
	}
	if len(silence) > 0 && !send(silence) {
		return nil
	}
	r.phrases.Add(1)
	return nil
}

// playStage 打开设备并按顺序写入音频。设备出错时取消整条流。
func (r *run) playStage(frames <-chan []byte) error {
	sink, err := r.dev.Open(r.tok.Context(), r.format)
	if err != nil {
		if r.tok.Cancelled() {
			return nil
		}
		r.tok.Cancel()
		return fmt.Errorf("打开音频设备失败: %w", err)
	}
	defer sink.Close()

	for {
		select {
		case <-r.tok.Done():
			return nil
		case b, ok := <-frames:
			if !ok {
				if err := sink.Drain(r.tok.Context()); err != nil && !r.tok.Cancelled() {
					r.log.Warnf("[pipeline] 等待播放完成失败: %v", err)
				}
				return nil
			}
			if r.tok.Cancelled() {
				return nil
			}
			if _, err := sink.Write(b); err != nil {
				if r.tok.Cancelled() {
					return nil
				}
				r.tok.Cancel()
				return fmt.Errorf("写入音频设备失败: %w", err)
			}
			if r.frames.Add(1) == 1 {
				r.markFirstAudio()
			}
		}
	}
}

func (r *run) markFirstAudio() {
	latency := time.Since(r.info.Started)
	if latency <= 0 {
		latency = time.Nanosecond
	}
	if r.firstAudio.CompareAndSwap(0, int64(latency)) {
		r.log.Infof("[pipeline] 首个音频延迟 %v", latency.Round(time.Millisecond))
		r.obs.FirstAudio(r.info.ID, latency)
	}
}

// report 根据各阶段结果生成汇总。
func (r *run) report(err error) Report {
	rep := Report{
		Info:       r.info,
		Finished:   time.Now(),
		FirstAudio: time.Duration(r.firstAudio.Load()),
		Phrases:    int(r.phrases.Load()),
		Frames:     int(r.frames.Load()),
	}
	switch {
	case err != nil:
		rep.Outcome, rep.Err = OutcomeFailed, err
	case r.generationErr() != nil:
		rep.Outcome, rep.Err = OutcomeFailed, r.generationErr()
	case r.tok.Cancelled():
		rep.Outcome = OutcomeCancelled
	default:
		rep.Outcome = OutcomeCompleted
	}
	return rep
}
