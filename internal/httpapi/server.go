// ============================================================================
// sjs HTTP API - 狀態與監控端點
// ============================================================================
//
// Package: internal/httpapi
// 文件: server.go
// 功能: 以 HTTP 提供唯讀狀態，供多主機排程端輪詢與 Prometheus 抓取
//
// 路由:
//   GET /stat     與 FIFO stat 請求相同的 JSON
//   GET /healthz  存活檢查
//   GET /metrics  Prometheus 指標
//
// 這些端點只讀取快照，從不經過 Dispatcher，因此不影響請求的全序。
//
// ============================================================================

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/sjs/internal/protocol"
)

// StatSource provides the daemon's current status snapshot.
type StatSource interface {
	Stat() protocol.StatResponse
	InstanceID() string
}

// Server HTTP 狀態伺服器
type Server struct {
	addr   string
	srv    *http.Server
	ln     net.Listener
	logger *slog.Logger
}

// NewRouter 建立路由；metrics 可為 nil
func NewRouter(src StatSource, metrics http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)

	r.Get("/stat", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, src.Stat())
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":      "ok",
			"instance_id": src.InstanceID(),
		})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

// New 建立伺服器；Start 之前不會監聽
func New(addr string, src StatSource, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr: addr,
		srv: &http.Server{
			Handler:           NewRouter(src, metrics),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With("component", "httpapi"),
	}
}

// Start 開始監聽並在背景提供服務
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", "error", err)
		}
	}()
	s.logger.Info("Status endpoint listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Shutdown 優雅關閉
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
