package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/iabetor/pispeak/internal/logger"
)

// GeminiOptions Gemini 连接与采样参数。
type GeminiOptions struct {
	APIKey      string
	Model       string
	Temperature float32
	TopP        float32
	MaxTokens   int
}

// GeminiProvider 通过 google.golang.org/genai 的流式接口生成回复。
type GeminiProvider struct {
	client *genai.Client
	opts   GeminiOptions
}

// NewGeminiProvider 创建 Gemini 提供者。
func NewGeminiProvider(ctx context.Context, opts GeminiOptions) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("[llm] 创建 Gemini 客户端失败: %w", err)
	}
	return &GeminiProvider{client: client, opts: opts}, nil
}

// ChatStream 发送对话并流式接收回复。system 消息作为系统指令传入。
func (p *GeminiProvider) ChatStream(ctx context.Context, messages []Message) (<-chan Chunk, error) {
	cfg, contents := geminiContents(messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("[llm] gemini 请求中没有对话消息")
	}
	if p.opts.Temperature > 0 {
		cfg.Temperature = genai.Ptr(p.opts.Temperature)
	}
	if p.opts.TopP > 0 {
		cfg.TopP = genai.Ptr(p.opts.TopP)
	}
	if p.opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(p.opts.MaxTokens)
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)

		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.opts.Model, contents, cfg) {
			if err != nil {
				if ctx.Err() != nil {
					logger.Debug("[llm] gemini 上下文已取消，停止读取")
					return
				}
				sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("[llm] gemini 读取响应流出错: %w", err)})
				return
			}
			if resp == nil || len(resp.Candidates) == 0 {
				continue
			}
			cand := resp.Candidates[0]
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				var c Chunk
				switch {
				case part.Text != "":
					c.Text = part.Text
				case part.FunctionCall != nil:
					args, _ := json.Marshal(part.FunctionCall.Args)
					id := part.FunctionCall.ID
					if id == "" {
						id = part.FunctionCall.Name
					}
					c.ToolCall = &ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: string(args)}
				default:
					continue
				}
				if !sendChunk(ctx, ch, c) {
					return
				}
			}
		}
		logger.Debug("[llm] gemini 流结束")
	}()

	return ch, nil
}

// geminiContents 把消息列表转换为 genai 的请求内容。
// 连续的同角色消息合并为一个 Content。
func geminiContents(messages []Message) (*genai.GenerateContentConfig, []*genai.Content) {
	cfg := &genai.GenerateContentConfig{}
	var (
		system   []*genai.Part
		contents []*genai.Content
	)
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, genai.NewPartFromText(m.Content))
			continue
		}
		role := genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, genai.NewPartFromText(m.Content))
			continue
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(m.Content)},
		})
	}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: system}
	}
	return cfg, contents
}
