package tts

import (
	"errors"
	"io"
	"sync"
)

// defaultChunkSize 是未配置 chunk_size 时每个片段的字节数。
const defaultChunkSize = 1024

// chunkStream 把一个 PCM 读取端按固定大小切成片段。
// 片段长度总是 align 的整数倍，不完整的尾部帧被丢弃。
type chunkStream struct {
	r       io.Reader
	closer  io.Closer
	size    int
	align   int
	convert func([]byte) []byte

	done      bool
	closeOnce sync.Once
	closeErr  error
}

func newChunkStream(r io.Reader, closer io.Closer, size, align int, convert func([]byte) []byte) *chunkStream {
	if align <= 0 {
		align = 1
	}
	if size <= 0 {
		size = defaultChunkSize
	}
	if size < align {
		size = align
	}
	size -= size % align
	return &chunkStream{r: r, closer: closer, size: size, align: align, convert: convert}
}

func (s *chunkStream) Next() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	buf := make([]byte, s.size)
	n, err := io.ReadFull(s.r, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
		n -= n % s.align
	case errors.Is(err, io.EOF):
		s.done = true
		return nil, io.EOF
	default:
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	out := buf[:n]
	if s.convert != nil {
		out = s.convert(out)
	}
	return out, nil
}

func (s *chunkStream) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}
