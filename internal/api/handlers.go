package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/iabetor/pispeak/internal/history"
	"github.com/iabetor/pispeak/internal/llm"
	"github.com/iabetor/pispeak/internal/logger"
	"github.com/iabetor/pispeak/internal/pipeline"
)

// Controller 是 API 需要的流控制能力，由 pipeline.Manager 实现。
type Controller interface {
	Start(ctx context.Context, source string, msgs []llm.Message) (*pipeline.Stream, error)
	Stop(id string) bool
	StopAll() int
	Active() []pipeline.ActiveStream
	ActiveCount() int
	Sources() []string
}

// HistoryStore 提供流的历史记录，可以为 nil。
type HistoryStore interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
	Get(ctx context.Context, id string) (history.Record, error)
}

// Handler 实现 HTTP 与 WebSocket 接口。
type Handler struct {
	ctl     Controller
	hist    HistoryStore
	metrics http.Handler
}

// NewHandler 创建处理器。hist 和 metrics 可以为 nil。
func NewHandler(ctl Controller, hist HistoryStore, metrics http.Handler) *Handler {
	return &Handler{ctl: ctl, hist: hist, metrics: metrics}
}

type chatMessage struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
}

// toMessages 校验并转换请求中的消息。sender 只能是 user 或 assistant。
func toMessages(in []chatMessage) ([]llm.Message, error) {
	if len(in) == 0 {
		return nil, pipeline.ErrNoMessages
	}
	out := make([]llm.Message, 0, len(in))
	for i, m := range in {
		if m.Text == "" {
			return nil, fmt.Errorf("message at index %d must have a non-empty 'text'", i)
		}
		var role string
		switch strings.ToLower(m.Sender) {
		case "user":
			role = llm.RoleUser
		case "assistant":
			role = llm.RoleAssistant
		default:
			return nil, fmt.Errorf("invalid 'sender' at index %d: must be 'user' or 'assistant'", i)
		}
		out = append(out, llm.Message{Role: role, Content: m.Text})
	}
	return out, nil
}

// startStatus 把 Start 的错误映射为 HTTP 状态码。
func startStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrUnknownSource):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrNoMessages):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrClosed), errors.Is(err, pipeline.ErrNoEngine):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// Chat 处理 POST /api/{source}：停止旧流，启动新流，并以纯文本流式返回生成内容。
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	msgs, err := toMessages(req.Messages)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.ctl.Start(r.Context(), source, msgs)
	if err != nil {
		logger.Warnf("[api] 启动流失败 (source=%s): %v", source, err)
		respondError(w, startStatus(err), err.Error())
		return
	}
	// 客户端断开后音频继续播放，只是不再转发文本
	defer s.Detach()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Stream-ID", s.ID())
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for {
		select {
		case <-r.Context().Done():
			logger.Debugf("[api] 客户端已断开，流 %s 继续播放", s.ID())
			return
		case c, ok := <-s.Chunks():
			if !ok {
				return
			}
			var text string
			switch {
			case c.Err != nil:
				text = "Error: " + c.Err.Error()
			case c.Text != "":
				text = c.Text
			default:
				continue
			}
			if _, err := io.WriteString(w, text); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// StopAll 处理 POST /api/stop_all。
func (h *Handler) StopAll(w http.ResponseWriter, r *http.Request) {
	n := h.ctl.StopAll()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "All active streams have been stopped.",
		"stopped": n,
	})
}

// Stop 处理 POST /api/stop/{id}。
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.ctl.Stop(id) {
		respondError(w, http.StatusNotFound, "Stream ID not found.")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": fmt.Sprintf("Stream %s has been stopped.", id),
	})
}

// ListStreams 处理 GET /api/streams：当前活跃的流（含生命周期状态）和最近的历史。
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	resp := map[string]interface{}{"active": h.ctl.Active()}
	if h.hist != nil {
		recent, err := h.hist.Recent(r.Context(), limit)
		if err != nil {
			logger.Errorf("[api] 查询历史失败: %v", err)
			respondError(w, http.StatusInternalServerError, "Failed to load history")
			return
		}
		resp["recent"] = recent
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetStream 处理 GET /api/streams/{id}。
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	if h.hist == nil {
		respondError(w, http.StatusNotFound, "History is disabled")
		return
	}
	rec, err := h.hist.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, history.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Stream ID not found.")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// ListSources 处理 GET /api/sources。
func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{"sources": h.ctl.Sources()})
}

// Health 处理 GET /health。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"active": h.ctl.ActiveCount(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
