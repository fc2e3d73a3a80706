package llm

// TrimHistory 用滑动窗口限制发送给模型的对话长度。
// 开头的 system 消息总是保留，其余只保留最近 maxTurns 轮（一问一答算两条）。
// 截断后若窗口以 assistant 消息开头则一并去掉。maxTurns <= 0 表示不限制。
func TrimHistory(messages []Message, maxTurns int) []Message {
	if maxTurns <= 0 {
		return messages
	}

	head := 0
	for head < len(messages) && messages[head].Role == RoleSystem {
		head++
	}
	limit := maxTurns * 2
	rest := messages[head:]
	if len(rest) <= limit {
		return messages
	}

	rest = rest[len(rest)-limit:]
	for len(rest) > 1 && rest[0].Role == RoleAssistant {
		rest = rest[1:]
	}

	out := make([]Message, 0, head+len(rest))
	out = append(out, messages[:head]...)
	return append(out, rest...)
}
