// Package segment 把流式到达的 LLM 文本切分成适合朗读的短语。
//
// Segmenter 是纯状态机，不做任何 I/O。切分结果与文本被拆成多少个 chunk 无关：
// 同一段完整文本，无论如何分块推入，产生的短语序列都相同。
package segment

import (
	"sort"
	"strings"
)

const (
	// DefaultCodeFence 是代码块的起止标记。
	DefaultCodeFence = "```"
	// DefaultCodePlaceholder 是代码块被替换后朗读的提示语。
	DefaultCodePlaceholder = "Code presented on screen"
	// DefaultMinLength 是分隔符搜索的最小字符偏移。
	DefaultMinLength = 50
)

// DefaultDelimiters 返回默认的句子分隔符。
func DefaultDelimiters() []string {
	return []string{".", "?", "!"}
}

// Config 切分参数。
type Config struct {
	MinLength       int      // 分隔符只在该字符（rune）偏移之后生效
	Delimiters      []string // 字面量分隔符
	CodeFence       string   // 代码块标记，默认 ```
	CodePlaceholder string   // 代码块替换文本
}

// Segmenter 增量切分器，非并发安全，由单个 goroutine 持有。
type Segmenter struct {
	cfg    Config
	delims []string // 长度降序
	buf    string
	inCode bool
}

// New 创建切分器。CodeFence 和 CodePlaceholder 为空时使用默认值。
func New(cfg Config) *Segmenter {
	if cfg.CodeFence == "" {
		cfg.CodeFence = DefaultCodeFence
	}
	if cfg.CodePlaceholder == "" {
		cfg.CodePlaceholder = DefaultCodePlaceholder
	}
	if cfg.MinLength < 0 {
		cfg.MinLength = 0
	}

	delims := make([]string, 0, len(cfg.Delimiters))
	for _, d := range cfg.Delimiters {
		if d != "" {
			delims = append(delims, d)
		}
	}
	// 同一偏移处优先匹配最长的分隔符
	sort.SliceStable(delims, func(i, j int) bool {
		return len(delims[i]) > len(delims[j])
	})

	return &Segmenter{cfg: cfg, delims: delims}
}

// InCode 报告当前是否处于未闭合的代码块中。
func (s *Segmenter) InCode() bool {
	return s.inCode
}

// Push 追加一个文本片段，返回因此完成的短语（可能为空）。
func (s *Segmenter) Push(chunk string) []string {
	if chunk == "" {
		return nil
	}
	s.buf += chunk
	return s.scan(false)
}

// Flush 在流结束时调用，输出剩余文本。
// 若仍处于未闭合的代码块中，残留的代码被丢弃，不输出占位语。
func (s *Segmenter) Flush() []string {
	out := s.scan(true)
	if s.inCode {
		s.inCode = false
		s.buf = ""
		return out
	}
	if rest := strings.TrimSpace(s.buf); rest != "" {
		out = append(out, rest)
	}
	s.buf = ""
	return out
}

// Split 对完整文本做一次性切分，等价于 Push(text) 后 Flush()。
func Split(text string, cfg Config) []string {
	s := New(cfg)
	out := s.Push(text)
	return append(out, s.Flush()...)
}

// scan 反复寻找缓冲区中最早的事件并输出，直到没有可确定的事件为止。
// final 为 true 时不再等待更多输入。
func (s *Segmenter) scan(final bool) []string {
	var out []string
	fence := s.cfg.CodeFence

	for {
		if s.inCode {
			// 缓冲区以起始标记开头，在其后寻找结束标记
			idx := strings.Index(s.buf[len(fence):], fence)
			if idx < 0 {
				return out
			}
			s.buf = s.buf[len(fence)+idx+len(fence):]
			s.inCode = false
			out = append(out, s.cfg.CodePlaceholder)
			continue
		}

		pos, end, isFence := s.nextEvent(final)
		if pos < 0 {
			return out
		}

		if isFence {
			if phrase := strings.TrimSpace(s.buf[:pos]); phrase != "" {
				out = append(out, phrase)
			}
			s.buf = s.buf[pos:]
			s.inCode = true
			continue
		}

		if phrase := strings.TrimSpace(s.buf[:end]); phrase != "" {
			out = append(out, phrase)
		}
		s.buf = s.buf[end:]
	}
}

// nextEvent 返回缓冲区中最早的事件。pos 为事件起点，end 为分隔符终点。
// pos 为 -1 表示没有事件，或者缓冲区尾部可能是更长标记的前缀，需要等待更多输入。
func (s *Segmenter) nextEvent(final bool) (pos, end int, isFence bool) {
	buf := s.buf
	fence := s.cfg.CodeFence
	floor := runeOffset(buf, s.cfg.MinLength)

	for i := 0; i < len(buf); i++ {
		rest := buf[i:]

		if strings.HasPrefix(rest, fence) {
			return i, i, true
		}
		if !final && strings.HasPrefix(fence, rest) {
			return -1, -1, false
		}

		if i < floor {
			continue
		}
		for _, d := range s.delims {
			if strings.HasPrefix(rest, d) {
				return i, i + len(d), false
			}
			if !final && strings.HasPrefix(d, rest) {
				return -1, -1, false
			}
		}
	}
	return -1, -1, false
}

// runeOffset 返回第 n 个字符在 s 中的字节偏移；字符数不足时返回 len(s)。
func runeOffset(s string, n int) int {
	if n <= 0 {
		return 0
	}
	count := 0
	for i := range s {
		if count == n {
			return i
		}
		count++
	}
	return len(s)
}
