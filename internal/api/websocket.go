package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iabetor/pispeak/internal/llm"
	"github.com/iabetor/pispeak/internal/logger"
	"github.com/iabetor/pispeak/internal/pipeline"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsReadLimit  = 1 << 20
)

// wsRequest 是客户端发来的消息。
type wsRequest struct {
	Type     string        `json:"type"` // chat、stop、stop_all
	Source   string        `json:"source,omitempty"`
	Messages []chatMessage `json:"messages,omitempty"`
	StreamID string        `json:"stream_id,omitempty"`
}

// wsResponse 是服务端推送的消息。
type wsResponse struct {
	Type     string        `json:"type"` // started、chunk、tool_call、error、done、stopped
	StreamID string        `json:"stream_id,omitempty"`
	Text     string        `json:"text,omitempty"`
	ToolCall *llm.ToolCall `json:"tool_call,omitempty"`
	Error    string        `json:"error,omitempty"`
	Outcome  string        `json:"outcome,omitempty"`
	Stopped  *int          `json:"stopped,omitempty"`
}

// wsSession 是一条 WebSocket 连接。读在 run 所在的 goroutine，写由 mu 串行化。
type wsSession struct {
	conn *websocket.Conn
	ctl  Controller

	mu sync.Mutex
	wg sync.WaitGroup
}

func newUpgrader(origins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range origins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
}

// WebSocket 处理 GET /ws。
func (h *Handler) WebSocket(upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warnf("[api] WebSocket 升级失败: %v", err)
			return
		}
		s := &wsSession{conn: conn, ctl: h.ctl}
		s.run(context.WithoutCancel(r.Context()))
	}
}

// send 写出一条消息。写失败后连接不再可用，直接关闭，读循环随之退出。
func (s *wsSession) send(resp wsResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := s.conn.WriteJSON(resp); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}

func (s *wsSession) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		s.wg.Wait()
		s.conn.Close()
		logger.Debug("[api] WebSocket 连接已关闭")
	}()

	s.conn.SetReadLimit(wsReadLimit)
	s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	s.wg.Add(1)
	go s.ping(ctx)

	for {
		var req wsRequest
		if err := s.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warnf("[api] WebSocket 读取失败: %v", err)
			}
			return
		}
		if err := s.handle(ctx, req); err != nil {
			logger.Warnf("[api] WebSocket 写入失败，关闭连接: %v", err)
			return
		}
	}
}

func (s *wsSession) ping(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handle 处理一条客户端消息。返回的错误只来自写连接失败。
func (s *wsSession) handle(ctx context.Context, req wsRequest) error {
	switch req.Type {
	case "chat":
		msgs, err := toMessages(req.Messages)
		if err != nil {
			return s.send(wsResponse{Type: "error", Error: err.Error()})
		}
		st, err := s.ctl.Start(ctx, req.Source, msgs)
		if err != nil {
			return s.send(wsResponse{Type: "error", Error: err.Error()})
		}
		if err := s.send(wsResponse{Type: "started", StreamID: st.ID()}); err != nil {
			st.Detach()
			return err
		}
		s.wg.Add(1)
		go s.forward(ctx, st)
		return nil
	case "stop":
		n := 0
		if s.ctl.Stop(req.StreamID) {
			n = 1
		}
		return s.send(wsResponse{Type: "stopped", StreamID: req.StreamID, Stopped: &n})
	case "stop_all":
		n := s.ctl.StopAll()
		return s.send(wsResponse{Type: "stopped", Stopped: &n})
	default:
		return s.send(wsResponse{Type: "error", Error: "unknown message type: " + req.Type})
	}
}

// forward 把一条流的文本推给客户端，结束时发送 done。
func (s *wsSession) forward(ctx context.Context, st *pipeline.Stream) {
	defer s.wg.Done()
	defer st.Detach()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-st.Chunks():
			if !ok {
				select {
				case <-st.Done():
					rep := st.Report()
					resp := wsResponse{Type: "done", StreamID: st.ID(), Outcome: string(rep.Outcome)}
					if rep.Err != nil {
						resp.Error = rep.Err.Error()
					}
					s.send(resp)
				case <-ctx.Done():
				}
				return
			}
			resp := wsResponse{StreamID: st.ID()}
			switch {
			case c.Err != nil:
				resp.Type, resp.Error = "error", c.Err.Error()
			case c.ToolCall != nil:
				resp.Type, resp.ToolCall = "tool_call", c.ToolCall
			default:
				resp.Type, resp.Text = "chunk", c.Text
			}
			if err := s.send(resp); err != nil {
				return
			}
		}
	}
}
