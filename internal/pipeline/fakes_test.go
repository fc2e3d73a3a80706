package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/llm"
	"github.com/iabetor/pispeak/internal/tts"
)

// fakeProvider 依次发出 chunks；block 为 true 时发完后一直等到 ctx 取消。
type fakeProvider struct {
	chunks []llm.Chunk
	block  bool
	err    error

	mu   sync.Mutex
	msgs []llm.Message
}

func textChunks(parts ...string) []llm.Chunk {
	out := make([]llm.Chunk, len(parts))
	for i, p := range parts {
		out[i] = llm.Chunk{Text: p}
	}
	return out
}

func (p *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message) (<-chan llm.Chunk, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.mu.Lock()
	p.msgs = msgs
	p.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range p.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if p.block {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (p *fakeProvider) received() []llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msgs
}

// fakeEngine 把短语文本本身当作一个音频片段返回。
type fakeEngine struct {
	name string
	rate int
	fail map[string]bool
}

func (e *fakeEngine) Name() string {
	if e.name == "" {
		return "fake"
	}
	return e.name
}

func (e *fakeEngine) SampleRate() int {
	if e.rate == 0 {
		return 1000
	}
	return e.rate
}

func (e *fakeEngine) Synthesize(ctx context.Context, text string) (tts.AudioStream, error) {
	if e.fail[text] {
		return nil, errors.New("synthesis failed")
	}
	return &fakeAudio{frames: [][]byte{[]byte(text)}}, nil
}

type fakeAudio struct {
	frames [][]byte
	closed bool
}

func (a *fakeAudio) Next() ([]byte, error) {
	if len(a.frames) == 0 {
		return nil, io.EOF
	}
	f := a.frames[0]
	a.frames = a.frames[1:]
	return f, nil
}

func (a *fakeAudio) Close() error {
	a.closed = true
	return nil
}

// fakeDevice 记录写入的数据，并统计同时打开的 Sink 数量。
type fakeDevice struct {
	openErr   error
	writeErr  error
	failAfter int // 第几次写入开始失败，配合 writeErr 使用
	writeWait time.Duration
	onOpen    func(ctx context.Context) // 在记录打开之前调用

	mu       sync.Mutex
	writes   []string
	formats  []audio.Format
	open     int
	maxOpen  int
	attempts int
}

func (d *fakeDevice) Open(ctx context.Context, f audio.Format) (audio.Sink, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	if d.onOpen != nil {
		d.onOpen(ctx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.formats = append(d.formats, f)
	d.open++
	if d.open > d.maxOpen {
		d.maxOpen = d.open
	}
	return &fakeSink{dev: d, ctx: ctx}, nil
}

func (d *fakeDevice) written() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.writes...)
}

func (d *fakeDevice) maxConcurrent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen
}

type fakeSink struct {
	dev    *fakeDevice
	ctx    context.Context
	closed bool
}

func (s *fakeSink) Write(p []byte) (int, error) {
	if s.dev.writeWait > 0 {
		select {
		case <-time.After(s.dev.writeWait):
		case <-s.ctx.Done():
			return 0, audio.ErrSinkClosed
		}
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.dev.attempts++
	if s.dev.writeErr != nil && s.dev.attempts > s.dev.failAfter {
		return 0, s.dev.writeErr
	}
	s.dev.writes = append(s.dev.writes, string(p))
	return len(p), nil
}

func (s *fakeSink) Drain(ctx context.Context) error { return nil }

func (s *fakeSink) Close() error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.dev.open--
	}
	return nil
}

// recordingObserver 记录收到的事件。
type recordingObserver struct {
	mu       sync.Mutex
	started  []Info
	first    map[string]time.Duration
	finished []Report
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{first: make(map[string]time.Duration)}
}

func (o *recordingObserver) StreamStarted(info Info) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, info)
}

func (o *recordingObserver) FirstAudio(id string, latency time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.first[id] = latency
}

func (o *recordingObserver) StreamFinished(r Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, r)
}
