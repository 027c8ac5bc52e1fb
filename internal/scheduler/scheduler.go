// ============================================================================
// SuperVM 排程器 - 系統核心協調器
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 協調節點註冊表、資源池、任務存儲與派發池，實現準入、重試、故障轉移與取消
//
// 架構設計:
//   排程器是整個 Super VM 的"大腦"，負責協調以下組件：
//   - Registry: 節點與健康狀態
//   - Pool: 每節點預留記帳
//   - Store: 任務記錄、FIFO 佇列、狀態機（寫前持久化）
//   - Dispatcher: 對節點發 RPC，完成事件回到排程器
//
// 核心循環 (4 個並發 Goroutine):
//   1. Schedule Loop - 事件觸發（wakeCh）+ 後備 ticker，執行準入
//   2. Result Loop   - 唯一消費 dispatcher.Completions()，更新任務狀態
//   3. Health Loop   - 定期掃描心跳，Unreachable 節點立即故障轉移
//   4. Snapshot Loop - 定期壓縮任務存儲（快照 + WAL 輪替）
//
// 崩潰恢復流程:
//   Start() 時：
//   1. store.Recover() - 從後端載入所有任務
//   2. 崩潰前 Assigned/Running 的任務 → Retrying（重啟後不存在預留，不釋放）
//   3. 依重試額度重新排隊或標記失敗
//
// 預留不變量:
//   - 進入 Assigned ⇔ 一次成功的 TryReserve
//   - 離開 Assigned/Running ⇔ 恰好一次 Release
//   - Release 不一致 → InvariantViolationError：記錄、計數、推送到 Violations()
//
// 並發安全:
//   - s.mu 序列化所有改變任務狀態或預留的操作（準入、完成事件、故障轉移、取消）
//   - 鎖順序：s.mu → store / pool / registry 內部鎖，不可反向
//   - stopCh 通知所有循環，loopWg 等待退出
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/supervm/internal/dispatch"
	"github.com/ChuLiYu/supervm/internal/metrics"
	"github.com/ChuLiYu/supervm/internal/pool"
	"github.com/ChuLiYu/supervm/internal/registry"
	"github.com/ChuLiYu/supervm/internal/scaling"
	"github.com/ChuLiYu/supervm/internal/taskstore"
	"github.com/ChuLiYu/supervm/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 排程器配置
type Config struct {
	DefaultMaxAttempts int           // 任務未指定時的最大嘗試次數
	RetryBackoff       time.Duration // Retrying 停留多久才回到佇列（0 = 立即）
	PassInterval       time.Duration // 後備準入週期
	SweepInterval      time.Duration // 心跳掃描週期
	SnapshotInterval   time.Duration // 壓縮週期（0 = 停用）
	ViolationBuffer    int           // Violations() channel 緩衝
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		DefaultMaxAttempts: 3,
		PassInterval:       time.Second,
		SweepInterval:      time.Second,
		SnapshotInterval:   30 * time.Second,
		ViolationBuffer:    64,
	}
}

// Dispatcher 排程器對派發池的需求
type Dispatcher interface {
	Start() error
	Stop()
	Dispatch(task *types.Task, node *types.Node) error
	Completions() <-chan dispatch.Completion
	Abort(id types.TaskID) error
	Forget(id types.TaskID)
	InFlight() int
	Saturated() bool
}

// Scaler 接收手動擴縮容請求
type Scaler interface {
	Request(ctx context.Context, delta int) (scaling.Decision, error)
}

var _ scaling.Cluster = (*Scheduler)(nil)

// Deps 排程器依賴的組件
type Deps struct {
	Store      *taskstore.Store
	Registry   *registry.Registry
	Pool       *pool.Pool
	Dispatcher Dispatcher
	Metrics    *metrics.Collector // 可為 nil
}

const recentViolations = 20

// Scheduler 核心排程器
type Scheduler struct {
	cfg        Config
	store      *taskstore.Store
	registry   *registry.Registry
	pool       *pool.Pool
	dispatcher Dispatcher
	metrics    *metrics.Collector
	scaler     Scaler

	mu             sync.Mutex // 保護任務狀態與預留的組合操作
	unrecordedEnds map[types.TaskID]dispatch.Completion

	wakeCh     chan struct{}
	violations chan error
	recentMu   sync.Mutex
	recent     []string

	lifeMu    sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立排程器
//
// 錯誤處理：
//   - 缺少 Store / Registry / Pool / Dispatcher 時回傳錯誤
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Pool == nil || deps.Dispatcher == nil {
		return nil, errors.New("scheduler: store, registry, pool and dispatcher are required")
	}
	def := DefaultConfig()
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = def.DefaultMaxAttempts
	}
	if cfg.PassInterval <= 0 {
		cfg.PassInterval = def.PassInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.ViolationBuffer <= 0 {
		cfg.ViolationBuffer = def.ViolationBuffer
	}
	return &Scheduler{
		cfg:            cfg,
		store:          deps.Store,
		registry:       deps.Registry,
		pool:           deps.Pool,
		dispatcher:     deps.Dispatcher,
		metrics:        deps.Metrics,
		unrecordedEnds: map[types.TaskID]dispatch.Completion{},
		wakeCh:         make(chan struct{}, 1),
		violations:     make(chan error, cfg.ViolationBuffer),
		stopCh:         make(chan struct{}),
	}, nil
}

// SetScaler 設定擴縮容控制器；需在 Start 之前呼叫
func (s *Scheduler) SetScaler(sc Scaler) {
	s.scaler = sc
}

// Start 啟動排程器
//
// 流程：
//  1. 恢復階段：store.Recover → 孤兒任務轉為 Retrying
//  2. 啟動派發池與四個核心循環
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.startTime = time.Now()

	log.Info("Starting recovery...")
	orphaned, err := s.store.Recover(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	s.recoverOrphans(ctx, orphaned)
	recovery := time.Since(s.startTime)
	s.metrics.SetRecoveryTime(recovery)
	log.Info("Recovery completed", "duration", recovery, "orphaned", len(orphaned))

	if err := s.dispatcher.Start(); err != nil {
		return fmt.Errorf("scheduler: start dispatcher: %w", err)
	}

	s.loopWg.Add(3)
	go s.scheduleLoop()
	go s.resultLoop()
	go s.healthLoop()
	if s.cfg.SnapshotInterval > 0 {
		s.loopWg.Add(1)
		go s.snapshotLoop()
	}
	s.started = true
	s.wake()

	log.Info("Scheduler started", "passInterval", s.cfg.PassInterval, "maxAttempts", s.cfg.DefaultMaxAttempts)
	return nil
}

// recoverOrphans 將崩潰前持有預留的任務轉為 Retrying
func (s *Scheduler) recoverOrphans(ctx context.Context, ids []types.TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		t, err := s.store.Get(id)
		if err != nil {
			log.Error("Orphaned task vanished during recovery", "taskID", id, "error", err)
			continue
		}
		s.retryOrFail(ctx, t, errors.New("scheduler restarted while the attempt was active"), false)
	}
}

// Stop 優雅關閉排程器
//
// 關閉順序：
//  1. close(stopCh)      → 通知所有循環
//  2. dispatcher.Stop()  → 取消所有 await，未送出的完成事件被丟棄
//  3. loopWg.Wait()      → 等待循環退出
//  4. 最後一次壓縮並關閉存儲
//
// Assigned/Running 任務保持原狀，下次啟動時由 recoverOrphans 處理
func (s *Scheduler) Stop() {
	s.lifeMu.Lock()
	if !s.started || s.stopped {
		s.lifeMu.Unlock()
		return
	}
	s.stopped = true
	s.lifeMu.Unlock()

	log.Info("Stopping scheduler...")
	close(s.stopCh)
	s.dispatcher.Stop()
	s.loopWg.Wait()

	if err := s.store.Compact(context.Background()); err != nil {
		log.Error("Failed to compact task store", "error", err)
	}
	if err := s.store.Close(); err != nil {
		log.Error("Failed to close task store", "error", err)
	}
	log.Info("Scheduler stopped")
}

// wake 觸發一次準入（非阻塞，合併多次觸發）
func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// ============================================================================
// 四個核心循環
// ============================================================================

func (s *Scheduler) scheduleLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.PassInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("Schedule loop stopped")
			return
		case <-s.wakeCh:
		case <-ticker.C:
		}
		// 再次檢查，避免 stopCh 與事件同時就緒時多跑一輪
		select {
		case <-s.stopCh:
			log.Info("Schedule loop stopped")
			return
		default:
		}
		s.schedule(context.Background())
	}
}

func (s *Scheduler) resultLoop() {
	defer s.loopWg.Done()
	completions := s.dispatcher.Completions()
	for {
		select {
		case <-s.stopCh:
			log.Info("Result loop stopped")
			return
		case c := <-completions:
			s.handleCompletion(context.Background(), c)
		}
	}
}

func (s *Scheduler) healthLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("Health loop stopped")
			return
		case now := <-ticker.C:
			s.sweep(context.Background(), now)
		}
	}
}

func (s *Scheduler) snapshotLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			start := time.Now()
			if err := s.store.Compact(context.Background()); err != nil {
				log.Error("Failed to compact task store", "error", err)
				continue
			}
			log.Debug("Task store compacted", "duration", time.Since(start))
		}
	}
}
