package stream

import (
	"context"
	"sync/atomic"
)

// Token 是单条流的取消令牌，由该流的所有阶段共享。
// 一旦取消就不会恢复，重复取消无副作用。
type Token struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// NewToken 基于 parent 创建令牌。parent 被取消时令牌同样视为已取消。
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel 设置取消标记并取消底层 context。
func (t *Token) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
}

// Cancelled 报告令牌是否已被取消。
func (t *Token) Cancelled() bool {
	if t.cancelled.Load() {
		return true
	}
	return t.ctx.Err() != nil
}

// Done 在令牌取消时关闭。
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Context 返回绑定到令牌的 context，用于传给阻塞调用。
func (t *Token) Context() context.Context {
	return t.ctx
}
