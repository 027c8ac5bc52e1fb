// ============================================================================
// SuperVM HTTP API
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 對外 REST 介面（chi），所有路由掛在 /api/v1 之下
//
// 路由:
//   GET    /healthz
//   GET    /metrics
//   GET    /api/v1/status
//   GET    /api/v1/pool
//   POST   /api/v1/tasks                 提交任務
//   GET    /api/v1/tasks                 ?state=&type=&since=&until=&limit=
//   GET    /api/v1/tasks/{id}
//   POST   /api/v1/tasks/{id}/cancel
//   POST   /api/v1/scale                 {"delta": n}
//   GET    /api/v1/nodes
//   POST   /api/v1/nodes                 節點註冊（agent）
//   GET    /api/v1/nodes/{id}
//   DELETE /api/v1/nodes/{id}            下線節點
//   POST   /api/v1/nodes/{id}/heartbeat
//   POST   /api/v1/nodes/{id}/unreachable 標記失聯並故障轉移
//   POST   /api/v1/nodes/{id}/reconcile  解除隔離
//
// 錯誤映射:
//   ErrValidation → 400, ErrUnschedulable → 422, ErrDuplicateNode → 409,
//   ErrTaskNotFound / ErrNodeNotFound → 404, ErrInvalidTransition → 409,
//   ErrNodeBusy → 409, ErrProvisioningUnavailable → 503
//
// ============================================================================

package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/supervm/internal/pool"
	"github.com/ChuLiYu/supervm/internal/registry"
	"github.com/ChuLiYu/supervm/internal/scaling"
	"github.com/ChuLiYu/supervm/internal/scheduler"
	"github.com/ChuLiYu/supervm/pkg/types"
)

var log = slog.Default()

// Scheduler 介面所需的排程器操作（*scheduler.Scheduler 實作）
type Scheduler interface {
	Submit(ctx context.Context, spec types.TaskSpec) (*types.Task, error)
	Get(id types.TaskID) (*types.Task, error)
	List(f types.TaskFilter) []*types.Task
	Cancel(ctx context.Context, id types.TaskID) (*types.Task, error)
	Status() scheduler.Status
	PoolSnapshot() pool.Snapshot
	RequestScale(ctx context.Context, delta int) (scaling.Decision, error)

	RegisterNode(node types.Node) (types.NodeID, error)
	Heartbeat(id types.NodeID, m types.NodeMetrics) (*registry.HealthChange, error)
	MarkUnreachable(ctx context.Context, id types.NodeID) (*registry.HealthChange, error)
	ListNodes() []*types.Node
	GetNode(id types.NodeID) (*types.Node, pool.NodeUsage, error)
	Decommission(ctx context.Context, id types.NodeID) error
	ReconcileNode(id types.NodeID) (pool.NodeUsage, error)
}

var _ Scheduler = (*scheduler.Scheduler)(nil)

// Server HTTP API
type Server struct {
	sched   Scheduler
	metrics http.Handler
	router  chi.Router
}

// New 建立 API；metricsHandler 為 nil 時不掛 /metrics
func New(sched Scheduler, metricsHandler http.Handler) *Server {
	s := &Server{sched: sched, metrics: metricsHandler}
	s.router = s.routes()
	return s
}

// Handler 根路由
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "use a versioned path like /api/v1/..."})
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/status", s.getStatus)
		api.Get("/pool", s.getPool)
		api.Post("/scale", s.postScale)

		api.Route("/tasks", func(tr chi.Router) {
			tr.Post("/", s.submitTask)
			tr.Get("/", s.listTasks)
			tr.Get("/{id}", s.getTask)
			tr.Post("/{id}/cancel", s.cancelTask)
		})

		api.Route("/nodes", func(nr chi.Router) {
			nr.Get("/", s.listNodes)
			nr.Post("/", s.registerNode)
			nr.Get("/{id}", s.getNode)
			nr.Delete("/{id}", s.deleteNode)
			nr.Post("/{id}/heartbeat", s.heartbeat)
			nr.Post("/{id}/unreachable", s.markUnreachable)
			nr.Post("/{id}/reconcile", s.reconcileNode)
		})
	})
	return r
}

// requestLogger 以 slog 記錄每個請求
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}

// ListenAndServe 在 addr 上提供 API，ctx 取消時優雅關閉
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
