package pipeline

import (
	"sync"

	"github.com/iabetor/pispeak/internal/llm"
	"github.com/iabetor/pispeak/internal/stream"
)

// Stream 是一条已接纳的流。调用方从 Chunks 读取生成的文本；
// 不再读取时调用 Detach，音频照常播放。
type Stream struct {
	id  string
	tok *stream.Token

	chunks     chan llm.Chunk
	detached   chan struct{}
	detachOnce sync.Once
	done       chan struct{}

	report Report
}

func newStream(id string, tok *stream.Token) *Stream {
	return &Stream{
		id:       id,
		tok:      tok,
		chunks:   make(chan llm.Chunk, 16),
		detached: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID 返回流的唯一标识。
func (s *Stream) ID() string { return s.id }

// Chunks 返回生成内容的实时副本。生成结束或流被取消后关闭。
func (s *Stream) Chunks() <-chan llm.Chunk { return s.chunks }

// Detach 表示调用方不再读取 Chunks。可重复调用。
func (s *Stream) Detach() {
	s.detachOnce.Do(func() { close(s.detached) })
}

// Done 在全部阶段退出、结果已上报后关闭。
func (s *Stream) Done() <-chan struct{} { return s.done }

// Cancel 取消流，供注册表在停止时调用。
func (s *Stream) Cancel() { s.tok.Cancel() }

// Report 返回流的汇总，仅在 Done 关闭后有效。
func (s *Stream) Report() Report {
	<-s.done
	return s.report
}

// deliver 把 c 交给调用方。已 Detach 时直接丢弃；令牌取消时返回 false。
func (s *Stream) deliver(c llm.Chunk) bool {
	select {
	case <-s.detached:
		return true
	default:
	}
	select {
	case s.chunks <- c:
		return true
	case <-s.detached:
		return true
	case <-s.tok.Done():
		return false
	}
}
