package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/iabetor/pispeak/internal/logger"
)

// OpenAIOptions OpenAI 兼容接口的连接与采样参数。
type OpenAIOptions struct {
	Name        string // 日志中使用的来源名
	BaseURL     string // 为空时使用官方地址；可指向 OpenRouter、Groq、DeepInfra 等兼容服务
	APIKey      string
	Model       string
	Temperature float32
	TopP        float32
	MaxTokens   int
	HTTPClient  *http.Client
}

// OpenAIProvider 通过 go-openai 的流式接口接收 OpenAI 兼容服务的回复。
type OpenAIProvider struct {
	name   string
	client *openai.Client
	opts   OpenAIOptions
}

// NewOpenAIProvider 创建一个新的 OpenAI 兼容 LLM 提供者。
func NewOpenAIProvider(opts OpenAIOptions) *OpenAIProvider {
	config := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		config.BaseURL = opts.BaseURL
	}
	if opts.HTTPClient != nil {
		config.HTTPClient = opts.HTTPClient
	} else {
		// 流式响应可能持续较久，只限制建立连接和等待响应头的时间
		config.HTTPClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		}
	}
	name := opts.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{
		name:   name,
		client: openai.NewClientWithConfig(config),
		opts:   opts,
	}
}

// ChatStream 向 OpenAI 兼容 API 发送对话消息，返回一个 channel 逐块接收响应。
func (p *OpenAIProvider) ChatStream(ctx context.Context, messages []Message) (<-chan Chunk, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	req := openai.ChatCompletionRequest{
		Model:       p.opts.Model,
		Messages:    msgs,
		Temperature: p.opts.Temperature,
		TopP:        p.opts.TopP,
		MaxTokens:   p.opts.MaxTokens,
		Stream:      true,
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("[llm] %s 创建流失败: %w", p.name, err)
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		defer stream.Close()

		calls := newToolCallAccumulator()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				calls.flush(ctx, ch)
				logger.Debugf("[llm] %s 流结束", p.name)
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					logger.Debugf("[llm] %s 上下文已取消，停止读取", p.name)
					return
				}
				sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("[llm] %s 读取响应流出错: %w", p.name, err)})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}

			choice := resp.Choices[0]
			for _, tc := range choice.Delta.ToolCalls {
				calls.add(tc)
			}
			if content := choice.Delta.Content; content != "" {
				if !sendChunk(ctx, ch, Chunk{Text: content}) {
					logger.Debugf("[llm] %s 发送数据块时上下文已取消", p.name)
					return
				}
			}
			if choice.FinishReason == openai.FinishReasonToolCalls {
				if !calls.flush(ctx, ch) {
					return
				}
			}
		}
	}()

	return ch, nil
}

// toolCallAccumulator 把按 index 分片到达的工具调用增量拼接完整。
type toolCallAccumulator struct {
	calls map[int]*ToolCall
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[int]*ToolCall)}
}

func (a *toolCallAccumulator) add(tc openai.ToolCall) {
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	call, ok := a.calls[idx]
	if !ok {
		call = &ToolCall{}
		a.calls[idx] = call
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Name = tc.Function.Name
	}
	call.Arguments += tc.Function.Arguments
}

// flush 按 index 顺序发出已累积的调用并清空。
func (a *toolCallAccumulator) flush(ctx context.Context, ch chan<- Chunk) bool {
	if len(a.calls) == 0 {
		return true
	}
	idxs := make([]int, 0, len(a.calls))
	for i := range a.calls {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	for _, i := range idxs {
		if !sendChunk(ctx, ch, Chunk{ToolCall: a.calls[i]}) {
			return false
		}
	}
	a.calls = make(map[int]*ToolCall)
	return true
}
