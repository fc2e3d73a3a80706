package stream

import (
	"sync"

	"github.com/iabetor/pispeak/internal/logger"
)

// State 表示一条流在注册表中的生命周期阶段。
type State int

const (
	// StateCreated 已创建，尚未开始运行。
	StateCreated State = iota
	// StateRunning 三个阶段正在运行。
	StateRunning
	// StateStopping 已收到停止信号，等待各阶段退出。
	StateStopping
	// StateCompleted 正常播放完毕。
	StateCompleted
	// StateRemoved 已从注册表移除（终态）。
	StateRemoved
)

var stateNames = [...]string{
	"Created",
	"Running",
	"Stopping",
	"Completed",
	"Removed",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// Lifecycle 管理线程安全的状态转换。
type Lifecycle struct {
	mu      sync.RWMutex
	id      string
	current State
}

// NewLifecycle 创建一个初始状态为 Created 的生命周期。
func NewLifecycle(id string) *Lifecycle {
	return &Lifecycle{id: id, current: StateCreated}
}

// Current 返回当前状态。
func (l *Lifecycle) Current() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Transition 尝试切换状态。只有合法的转换才会生效：
//
//	Created   → Running
//	Running   → Stopping   （外部停止）
//	Running   → Completed  （正常结束）
//	Stopping  → Removed
//	Completed → Removed
//
// Created 可直接转到 Removed（启动失败时）。
func (l *Lifecycle) Transition(to State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !validTransition(l.current, to) {
		logger.Debugf("[stream] %s 非法转换 %s → %s", l.id, l.current, to)
		return false
	}

	from := l.current
	l.current = to
	logger.Debugf("[stream] %s %s → %s", l.id, from, to)
	return true
}

// validTransition 检查状态转换是否合法。
func validTransition(from, to State) bool {
	switch from {
	case StateCreated:
		return to == StateRunning || to == StateRemoved
	case StateRunning:
		return to == StateStopping || to == StateCompleted
	case StateStopping, StateCompleted:
		return to == StateRemoved
	}
	return false
}
