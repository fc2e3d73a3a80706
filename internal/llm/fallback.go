package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/iabetor/pispeak/internal/logger"
)

// Named 是带名称的生成来源。
type Named struct {
	Name     string
	Provider Provider
}

// FallbackProvider 按顺序尝试多个来源，当前来源无法建立流时切换到下一个。
// 成功的来源会被记住，下次请求从它开始。
type FallbackProvider struct {
	entries []Named

	mu      sync.RWMutex
	current int
}

// NewFallbackProvider 创建降级来源。
func NewFallbackProvider(entries []Named) (*FallbackProvider, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("[llm] 降级来源至少需要一个成员")
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	logger.Infof("[llm] 降级来源已初始化：%s", strings.Join(names, " → "))
	return &FallbackProvider{entries: entries}, nil
}

// Current 返回当前优先使用的来源名称。
func (f *FallbackProvider) Current() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.entries[f.current].Name
}

// ChatStream 从当前来源开始尝试，直到某个来源成功建立流。
// 流建立之后的中途错误不会触发降级。
func (f *FallbackProvider) ChatStream(ctx context.Context, messages []Message) (<-chan Chunk, error) {
	f.mu.RLock()
	start := f.current
	f.mu.RUnlock()

	total := len(f.entries)
	var lastErr error
	for i := 0; i < total; i++ {
		idx := (start + i) % total
		e := f.entries[idx]

		ch, err := e.Provider.ChatStream(ctx, messages)
		if err == nil {
			if idx != start {
				f.mu.Lock()
				f.current = idx
				f.mu.Unlock()
				logger.Infof("[llm] 切换到来源 [%s]", e.Name)
			}
			return ch, nil
		}

		lastErr = err
		if !shouldFallback(err) {
			return nil, err
		}
		logger.Warnf("[llm] 来源 [%s] 不可用，尝试下一个: %v", e.Name, err)
	}
	return nil, fmt.Errorf("[llm] 所有来源均不可用: %w", lastErr)
}

// shouldFallback 判断错误是否值得换一个来源重试：额度、限流、服务不可用和网络错误。
func shouldFallback(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"quota", "rate limit", "too many requests", "insufficient", "unavailable", "connection refused"} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusPaymentRequired, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return code >= 500
}
