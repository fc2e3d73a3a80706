package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/iabetor/pispeak/internal/logger"
)

// RouterConfig 路由配置。
type RouterConfig struct {
	// CORSOrigins 为空时允许所有来源（开发模式）。
	CORSOrigins []string
	// MetricsPath 默认为 /metrics。
	MetricsPath string
}

// NewRouter 创建 HTTP 路由。
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-Stream-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	if h.metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, h.metrics)
	}
	r.Get("/ws", h.WebSocket(newUpgrader(origins)))

	r.Route("/api", func(r chi.Router) {
		r.Post("/stop_all", h.StopAll)
		r.Post("/stop/{id}", h.Stop)
		r.Get("/streams", h.ListStreams)
		r.Get("/streams/{id}", h.GetStream)
		r.Get("/sources", h.ListSources)
		r.Post("/{source}", h.Chat)
	})

	return r
}

// requestLogger 用项目 logger 记录每个请求。
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debugf("[api] %s %s -> %d (%v)", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}
