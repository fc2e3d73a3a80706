package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/llm"
	"github.com/iabetor/pispeak/internal/logger"
	"github.com/iabetor/pispeak/internal/stream"
	"github.com/iabetor/pispeak/internal/tts"
)

var (
	// ErrNoMessages 表示请求中没有任何消息。
	ErrNoMessages = errors.New("no messages")
	// ErrUnknownSource 表示请求的生成来源未注册。
	ErrUnknownSource = errors.New("unknown source")
	// ErrNoEngine 表示尚未设置 TTS 引擎。
	ErrNoEngine = errors.New("no tts engine")
	// ErrClosed 表示管理器已关闭。
	ErrClosed = errors.New("manager closed")
)

// closeTimeout 是 Close 等待所有流退出的上限。
const closeTimeout = 2 * time.Second

// Manager 接纳新的流并保证同一时刻至多一条流在播放。
type Manager struct {
	opts Options
	dev  audio.Device
	reg  *stream.Registry
	obs  Observer

	mu      sync.RWMutex
	sources map[string]llm.Provider
	engine  tts.Engine

	// admitMu 串行化接纳，使“停止旧流 + 登记新流”成为一个整体
	admitMu sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// NewManager 创建流管理器。dev 会被包装为独占设备。
func NewManager(opts Options, dev audio.Device, reg *stream.Registry, obs Observer) *Manager {
	opts.setDefaults()
	if reg == nil {
		reg = stream.NewRegistry(0)
	}
	if obs == nil {
		obs = nopObserver{}
	}
	logger.Debugf("[pipeline] 流管理器已创建 (grace=%v, tts_error=%s)", reg.Grace(), opts.OnTTSError)
	return &Manager{
		opts:    opts,
		dev:     audio.Exclusive(dev),
		reg:     reg,
		obs:     obs,
		sources: make(map[string]llm.Provider),
	}
}

// RegisterSource 以名称登记一个生成来源，同名覆盖。
func (m *Manager) RegisterSource(name string, p llm.Provider) {
	m.mu.Lock()
	m.sources[name] = p
	m.mu.Unlock()
	logger.Infof("[pipeline] 已登记生成来源: %s", name)
}

// Source 按名称查找已登记的来源。
func (m *Manager) Source(name string) (llm.Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.sources[name]
	return p, ok
}

// Sources 返回已登记的来源名，按字母排序。
func (m *Manager) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetEngine 替换 TTS 引擎，对之后接纳的流生效。
func (m *Manager) SetEngine(e tts.Engine) {
	m.mu.Lock()
	m.engine = e
	m.mu.Unlock()
	if e != nil {
		logger.Infof("[pipeline] TTS 引擎切换为 %s (%d Hz)", e.Name(), e.SampleRate())
	}
}

// Engine 返回当前的 TTS 引擎。
func (m *Manager) Engine() tts.Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engine
}

// Start 停止现有的流，然后为 msgs 启动一条新流。
// ctx 只约束接纳过程；流的生命周期由它自己的令牌控制。
func (m *Manager) Start(ctx context.Context, source string, msgs []llm.Message) (*Stream, error) {
	if len(msgs) == 0 {
		return nil, ErrNoMessages
	}
	m.mu.RLock()
	provider, ok := m.sources[source]
	engine := m.engine
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	if engine == nil {
		return nil, ErrNoEngine
	}

	m.admitMu.Lock()
	defer m.admitMu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if n := m.reg.StopAll(); n > 0 {
		logger.Infof("[pipeline] 新请求到达，已停止 %d 条旧流", n)
	}

	id := uuid.NewString()
	tok := stream.NewToken(context.Background())
	gen, err := provider.ChatStream(tok.Context(), llm.WithSystemPrompt(m.opts.SystemPrompt, llm.TrimHistory(msgs, m.opts.MaxHistory)))
	if err != nil {
		tok.Cancel()
		return nil, fmt.Errorf("[pipeline] 打开生成流失败: %w", err)
	}

	s := newStream(id, tok)
	r := &run{
		info:   Info{ID: id, Source: source, Engine: engine.Name(), Started: time.Now()},
		opts:   m.opts,
		format: m.opts.Format.WithSampleRate(engine.SampleRate()),
		tok:    tok,
		engine: engine,
		dev:    m.dev,
		obs:    m.obs,
		out:    s,
		log:    logger.ForStream(id),
	}

	// 先登记再启动阶段，避免极快结束的流在登记前就被移除
	if err := m.reg.Add(id, tok, s); err != nil {
		tok.Cancel()
		return nil, fmt.Errorf("[pipeline] 登记流失败: %w", err)
	}
	r.log.Infof("[pipeline] 流已开始 (source=%s, engine=%s, format=%s)", source, engine.Name(), r.format)
	m.obs.StreamStarted(r.info)

	phrases := make(chan string, m.opts.PhraseBuffer)
	frames := make(chan []byte, m.opts.AudioBuffer)

	var g errgroup.Group
	g.Go(func() error { return r.segmentStage(gen, phrases) })
	g.Go(func() error { return r.synthStage(phrases, frames) })
	g.Go(func() error { return r.playStage(frames) })

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.supervise(r, &g, gen)
	}()

	return s, nil
}

// supervise 等待三个阶段退出，移除登记并上报结果。
func (m *Manager) supervise(r *run, g *errgroup.Group, gen <-chan llm.Chunk) {
	err := g.Wait()
	rep := r.report(err)

	// 释放令牌的 context，并让生成方尽快收尾
	r.tok.Cancel()
	go func() {
		for range gen {
		}
	}()

	m.reg.Remove(r.info.ID)

	switch rep.Outcome {
	case OutcomeFailed:
		r.log.Errorf("[pipeline] 流失败: %v", rep.Err)
	case OutcomeCancelled:
		r.log.Infof("[pipeline] 流已取消 (%d 个短语)", rep.Phrases)
	default:
		r.log.Infof("[pipeline] 流已完成 (%d 个短语, %d 个音频片段)", rep.Phrases, rep.Frames)
	}

	r.out.report = rep
	m.obs.StreamFinished(rep)
	close(r.out.done)
}

// ActiveStream 是一条登记中的流及其生命周期状态。
type ActiveStream struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// Active 按登记顺序返回当前的流。
func (m *Manager) Active() []ActiveStream {
	ids := m.reg.IDs()
	out := make([]ActiveStream, 0, len(ids))
	for _, id := range ids {
		// 列举与查询之间流可能已经结束
		if st, ok := m.reg.State(id); ok {
			out = append(out, ActiveStream{ID: id, State: st.String()})
		}
	}
	return out
}

// ActiveCount 返回当前登记的流数量。
func (m *Manager) ActiveCount() int {
	return m.reg.Len()
}

// Stop 停止指定的流。未找到时返回 false。
func (m *Manager) Stop(id string) bool {
	return m.reg.Stop(id)
}

// StopAll 停止所有流，返回停止的数量。
func (m *Manager) StopAll() int {
	return m.reg.StopAll()
}

// Close 停止所有流并拒绝新的请求。
func (m *Manager) Close() {
	m.admitMu.Lock()
	m.closed = true
	m.admitMu.Unlock()

	m.reg.StopAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeTimeout):
		logger.Warnf("[pipeline] 仍有流未在 %v 内退出", closeTimeout)
	}
	logger.Info("[pipeline] 流管理器已关闭")
}
