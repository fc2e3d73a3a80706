package llm

import "context"

// 消息角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 表示与 LLM 对话中的一条消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolCall 是模型在生成过程中请求的函数调用。
// 流水线不执行它，只原样转交给调用方。
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Chunk 是生成流中的一个事件：一段文本、一次工具调用，或终止性的错误。
type Chunk struct {
	Text     string
	ToolCall *ToolCall
	Err      error
}

// Provider 定义支持流式响应的 LLM 后端接口。
type Provider interface {
	// ChatStream 将对话消息发送给 LLM，返回一个 channel 逐块接收响应。
	// 生成结束或 ctx 取消后 channel 关闭；中途出错时最后一个 Chunk 携带 Err。
	ChatStream(ctx context.Context, messages []Message) (<-chan Chunk, error)
}

// WithSystemPrompt 在消息列表前插入系统提示词。
// 若列表已以 system 消息开头，则原样返回。
func WithSystemPrompt(prompt string, messages []Message) []Message {
	if prompt == "" || (len(messages) > 0 && messages[0].Role == RoleSystem) {
		return messages
	}
	out := make([]Message, 0, len(messages)+1)
	out = append(out, Message{Role: RoleSystem, Content: prompt})
	return append(out, messages...)
}

// sendChunk 在 ctx 取消前投递 c，返回是否投递成功。
func sendChunk(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
