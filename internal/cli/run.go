package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/supervm/internal/dispatch"
	"github.com/ChuLiYu/supervm/internal/metrics"
	"github.com/ChuLiYu/supervm/internal/pool"
	"github.com/ChuLiYu/supervm/internal/provision"
	"github.com/ChuLiYu/supervm/internal/registry"
	"github.com/ChuLiYu/supervm/internal/scaling"
	"github.com/ChuLiYu/supervm/internal/scheduler"
	"github.com/ChuLiYu/supervm/internal/server"
	"github.com/ChuLiYu/supervm/internal/storage"
	"github.com/ChuLiYu/supervm/internal/storage/etcdstore"
	"github.com/ChuLiYu/supervm/internal/storage/filestore"
	"github.com/ChuLiYu/supervm/internal/taskstore"
)

// OpenBackend 依 storage.backend 開啟持久化後端
func OpenBackend(cfg *Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "", "memory":
		return storage.Memory{}, nil
	case "wal":
		fs, err := filestore.Open(cfg.FileStoreConfig())
		if err != nil {
			return nil, fmt.Errorf("open wal storage: %w", err)
		}
		return fs, nil
	case "etcd":
		es, err := etcdstore.Open(cfg.EtcdConfig())
		if err != nil {
			return nil, fmt.Errorf("open etcd storage: %w", err)
		}
		return es, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// RunScheduler 組裝並運行排程器直到 ctx 取消
//
// 關閉順序與啟動相反：HTTP → 擴縮容 → 排程器（內含派發池與存儲）→ gRPC 連線
func RunScheduler(ctx context.Context, cfg *Config) error {
	backend, err := OpenBackend(cfg)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(nil)
	transport := dispatch.NewGRPCTransport(grpc.WithTransportCredentials(insecure.NewCredentials()))
	defer transport.Close()

	sched, err := scheduler.New(cfg.SchedulerConfig(), scheduler.Deps{
		Store:      taskstore.New(backend),
		Registry:   registry.New(cfg.RegistryConfig()),
		Pool:       pool.New(),
		Dispatcher: dispatch.New(transport, cfg.DispatchConfig()),
		Metrics:    collector,
	})
	if err != nil {
		backend.Close()
		return err
	}

	var scaler *scaling.Controller
	if cfg.Scaling.Enabled {
		prov, err := provision.NewHTTPClient(cfg.Provision.URL, cfg.Provision.Timeout)
		if err != nil {
			backend.Close()
			return fmt.Errorf("provisioner: %w", err)
		}
		scaler = scaling.New(cfg.ScalingConfig(), sched, prov, collector)
		sched.SetScaler(scaler)
	}

	if err := sched.Start(ctx); err != nil {
		backend.Close()
		return err
	}
	defer sched.Stop()

	if scaler != nil {
		scaler.Start()
		defer scaler.Stop()
	}

	// 獨立 metrics 端口（可選）
	if cfg.Metrics.Enabled && cfg.Metrics.Port > 0 {
		go serveMetrics(ctx, fmt.Sprintf(":%d", cfg.Metrics.Port), collector.Handler())
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = collector.Handler()
	}
	slog.Info("SuperVM scheduler running", "addr", cfg.HTTP.Addr, "storage", cfg.Storage.Backend, "autoscaling", cfg.Scaling.Enabled)
	err = server.New(sched, metricsHandler).ListenAndServe(ctx, cfg.HTTP.Addr)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	slog.Info("Received shutdown signal, stopping gracefully...")
	return err
}

func serveMetrics(ctx context.Context, addr string, h http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	slog.Info("Starting metrics server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server error", "error", err)
	}
}
