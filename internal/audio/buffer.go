package audio

import (
	"context"
	"sync"
)

// pcmBuffer 是有界的 PCM 环形缓冲。
// 写入方（播放阶段）在缓冲满时阻塞，设备回调通过 Read 非阻塞地取走数据，
// 因此设备的消费速度决定了整条流水线的节奏。
type pcmBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	r      int // 读位置
	n      int // 已缓冲字节数
	closed bool
}

func newPCMBuffer(capacity int) *pcmBuffer {
	if capacity <= 0 {
		capacity = 4096
	}
	b := &pcmBuffer{data: make([]byte, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write 写入全部数据，缓冲满时等待。关闭后返回 ErrSinkClosed。
func (b *pcmBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := len(b.data)
	written := 0
	for written < len(p) {
		for b.n == size && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			return written, ErrSinkClosed
		}

		w := (b.r + b.n) % size
		chunk := size - b.n
		if rest := len(p) - written; rest < chunk {
			chunk = rest
		}
		first := chunk
		if size-w < first {
			first = size - w
		}
		copy(b.data[w:], p[written:written+first])
		copy(b.data, p[written+first:written+chunk])

		b.n += chunk
		written += chunk
		b.cond.Broadcast()
	}
	return written, nil
}

// Read 取出最多 len(p) 字节，不阻塞。返回实际取出的字节数。
func (b *pcmBuffer) Read(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := len(p)
	if b.n < k {
		k = b.n
	}
	if k == 0 {
		return 0
	}
	size := len(b.data)
	first := k
	if size-b.r < first {
		first = size - b.r
	}
	copy(p, b.data[b.r:b.r+first])
	copy(p[first:k], b.data[:k-first])

	b.r = (b.r + k) % size
	b.n -= k
	b.cond.Broadcast()
	return k
}

// Len 返回已缓冲的字节数。
func (b *pcmBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// WaitEmpty 等待缓冲被读空。
func (b *pcmBuffer) WaitEmpty(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for b.n > 0 && !b.closed && ctx.Err() == nil {
		b.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.n > 0 {
		return ErrSinkClosed
	}
	return nil
}

// Close 唤醒所有等待者，之后的写入失败。
func (b *pcmBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}
