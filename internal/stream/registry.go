package stream

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iabetor/pispeak/internal/logger"
)

// DefaultGrace 是停止流后等待各阶段退出的默认时长。
const DefaultGrace = 100 * time.Millisecond

// ErrDuplicateStream 表示注册表中已存在相同 ID 的流。
var ErrDuplicateStream = errors.New("stream already registered")

// Handle 是注册表对一条运行中流的控制句柄。
// Done 在该流的所有阶段退出后关闭。
type Handle interface {
	Cancel()
	Done() <-chan struct{}
}

type entry struct {
	id    string
	tok   *Token
	h     Handle
	life  *Lifecycle
	added time.Time
}

// Registry 记录当前活跃的流，保证外部停止信号能干净地拆除它们。
type Registry struct {
	mu      sync.Mutex
	grace   time.Duration
	streams map[string]*entry
}

// NewRegistry 创建注册表。grace <= 0 时使用 DefaultGrace。
func NewRegistry(grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Registry{
		grace:   grace,
		streams: make(map[string]*entry),
	}
}

// Grace 返回停止时的等待时长。
func (r *Registry) Grace() time.Duration {
	return r.grace
}

// Add 登记一条已开始运行的流。
func (r *Registry) Add(id string, tok *Token, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.streams[id]; ok {
		return ErrDuplicateStream
	}
	life := NewLifecycle(id)
	life.Transition(StateRunning)
	r.streams[id] = &entry{id: id, tok: tok, h: h, life: life, added: time.Now()}
	logger.Debugf("[stream] 登记流 %s（当前 %d 条）", id, len(r.streams))
	return nil
}

// StopAll 停止所有已登记的流，返回停止的数量。
// 条目在加锁期间被摘除，等待宽限期在锁外进行，不阻塞新的登记。
func (r *Registry) StopAll() int {
	r.mu.Lock()
	victims := make([]*entry, 0, len(r.streams))
	for id, e := range r.streams {
		victims = append(victims, e)
		delete(r.streams, id)
	}
	r.mu.Unlock()

	if len(victims) == 0 {
		return 0
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].added.Before(victims[j].added) })
	r.stop(victims)
	logger.Infof("[stream] 已停止 %d 条流", len(victims))
	return len(victims)
}

// Stop 停止指定的流。未找到时返回 false，注册表不变。
func (r *Registry) Stop(id string) bool {
	r.mu.Lock()
	e, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.stop([]*entry{e})
	logger.Infof("[stream] 已停止流 %s", id)
	return true
}

// stop 取消条目并在共享的宽限期内等待它们退出。
func (r *Registry) stop(entries []*entry) {
	for _, e := range entries {
		e.life.Transition(StateStopping)
		e.tok.Cancel()
		e.h.Cancel()
	}

	timer := time.NewTimer(r.grace)
	defer timer.Stop()
	expired := false

	for _, e := range entries {
		if expired {
			select {
			case <-e.h.Done():
			default:
				logger.Warnf("[stream] 流 %s 未在 %v 内退出，已脱离注册表", e.id, r.grace)
			}
		} else {
			select {
			case <-e.h.Done():
			case <-timer.C:
				expired = true
				logger.Warnf("[stream] 流 %s 未在 %v 内退出，已脱离注册表", e.id, r.grace)
			}
		}
		e.life.Transition(StateRemoved)
	}
}

// Remove 在流自然结束后将其移除。重复调用无副作用。
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	e.life.Transition(StateCompleted)
	e.life.Transition(StateRemoved)
	logger.Debugf("[stream] 流 %s 已完成并移除", id)
}

// Len 返回当前登记的流数量。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// State 返回指定流的生命周期状态。
func (r *Registry) State(id string) (State, bool) {
	r.mu.Lock()
	e, ok := r.streams[id]
	r.mu.Unlock()
	if !ok {
		return StateRemoved, false
	}
	return e.life.Current(), true
}

// IDs 返回当前登记的流 ID，按登记时间排序。
func (r *Registry) IDs() []string {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.streams))
	for _, e := range r.streams {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].added.Before(entries[j].added) })
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}
