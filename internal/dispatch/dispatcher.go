// ============================================================================
// SuperVM Worker Dispatcher - 遠端任務派發池
// ============================================================================
//
// Package: internal/dispatch
// 文件: dispatcher.go
// 功能: 以固定數量的 goroutine 對節點發出 Start RPC，並等待執行結果
//
// 架構組件:
//   ┌─────────────┐
//   │  Scheduler  │ --Dispatch()--> jobCh
//   └─────────────┘
//         ↑
//   Completions()
//         ↑
//   ┌──────────────────────────────┐
//   │ Dispatcher                   │
//   │  ┌─────────┐                 │
//   │  │worker 1 │←── jobCh ── Start RPC (DispatchTimeout)
//   │  │worker N │                 │      │
//   │  └─────────┘                 │      ↓ accepted
//   │          await goroutine ── Await RPC (執行超時) ──→ completions
//   └──────────────────────────────┘
//
// 完成事件 (Completion):
//   Started   - 節點接受任務
//   Completed - 遠端成功完成
//   Failed    - 拒絕 / 超時 / 遠端錯誤
//   Aborted   - Abort 已確認或超時
//   每次嘗試最多一個終結事件（Completed / Failed / Aborted）
//   Forget() 的嘗試不再產生任何事件
//
// 錯誤處理:
//   - ErrPoolNotStarted / ErrPoolClosed: 同步拒絕
//   - ErrDispatchRejected: 佇列已滿、任務已在派發中、節點拒絕
//   - ErrDispatchTimeout: Start 或 Await 超時（絕不視為成功）
//   - ErrRemoteExecution: 遠端執行失敗
//
// 優雅關閉:
//   Stop() 關閉 stopCh、取消所有 await，等待所有 goroutine 退出
//   jobCh 永不關閉，避免送往已關閉 channel 的競爭
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/supervm/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示派發池已關閉
	ErrPoolClosed = errors.New("dispatch pool is closed")
	// ErrPoolNotStarted 表示派發池尚未啟動
	ErrPoolNotStarted = errors.New("dispatch pool not started")
	// ErrNotInFlight 表示任務沒有進行中的派發
	ErrNotInFlight = errors.New("task has no active dispatch")
	// ErrNodeUnreachable 表示節點連線失敗（與 ErrDispatchRejected / ErrRemoteExecution 一併包裝）
	ErrNodeUnreachable = errors.New("node unreachable")
	// ErrQueueFull 表示派發佇列已滿，屬本地背壓，不計入嘗試次數
	ErrQueueFull = errors.New("dispatch queue full")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Kind 完成事件類型
type Kind string

const (
	KindStarted   Kind = "started"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindAborted   Kind = "aborted"
)

// Completion 派發結果事件，只由排程器消費
type Completion struct {
	TaskID   types.TaskID
	Attempt  int
	NodeID   types.NodeID
	Kind     Kind
	Output   map[string]any
	Err      error
	Duration time.Duration // Completed/Failed: 自 Start 接受起算的執行時間
}

// Config 派發池配置
type Config struct {
	Workers         int           // 發出 Start RPC 的 goroutine 數量
	QueueSize       int           // 待派發佇列與完成事件緩衝大小
	DispatchTimeout time.Duration // Start / Abort RPC 超時
	ExecTimeout     time.Duration // 任務未指定 Timeout 時的執行超時
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       256,
		DispatchTimeout: 5 * time.Second,
		ExecTimeout:     10 * time.Minute,
	}
}

type job struct {
	task *types.Task
	node *types.Node
}

type inflight struct {
	attempt int
	node    *types.Node
	ctx     context.Context
	cancel  context.CancelFunc
	aborted bool
}

// Dispatcher 派發池
type Dispatcher struct {
	transport   Transport
	cfg         Config
	jobCh       chan job
	completions chan Completion
	stopCh      chan struct{}
	wg          sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopped  bool
	inflight map[types.TaskID]*inflight
	rootCtx  context.Context
	rootStop context.CancelFunc
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立派發池
func New(transport Transport, cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = def.ExecTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		transport:   transport,
		cfg:         cfg,
		jobCh:       make(chan job, cfg.QueueSize),
		completions: make(chan Completion, cfg.QueueSize),
		stopCh:      make(chan struct{}),
		inflight:    make(map[types.TaskID]*inflight),
		rootCtx:     ctx,
		rootStop:    cancel,
	}
}

// Start 啟動 worker goroutines
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("dispatch pool already started")
	}
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.run(id)
		}(i)
	}
	d.started = true
	return nil
}

// Dispatch 提交一次嘗試；同步回傳是否接受
//
// 錯誤處理：
//   - ErrPoolNotStarted / ErrPoolClosed
//   - ErrDispatchRejected: 任務已有進行中的派發，或佇列已滿（同時包裝 ErrQueueFull）
func (d *Dispatcher) Dispatch(task *types.Task, node *types.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return ErrPoolNotStarted
	}
	if d.stopped {
		return ErrPoolClosed
	}
	if _, busy := d.inflight[task.ID]; busy {
		return fmt.Errorf("%w: task %s already in flight", types.ErrDispatchRejected, task.ID)
	}

	ctx, cancel := context.WithCancel(d.rootCtx)
	fl := &inflight{attempt: task.Attempt, node: node, ctx: ctx, cancel: cancel}

	select {
	case d.jobCh <- job{task: task.Clone(), node: node.Clone()}:
		d.inflight[task.ID] = fl
		return nil
	default:
		cancel()
		return fmt.Errorf("%w: %w", types.ErrDispatchRejected, ErrQueueFull)
	}
}

// Completions 完成事件 channel（唯一消費者為排程器）
func (d *Dispatcher) Completions() <-chan Completion {
	return d.completions
}

// Abort 盡力中止進行中的嘗試
//
// 行為：
//   - 立即抑制該嘗試的後續 Completed/Failed 事件
//   - 背景發出 Abort RPC（DispatchTimeout 為上限）
//   - RPC 確認或超時後發出 Aborted 事件
func (d *Dispatcher) Abort(taskID types.TaskID) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrPoolClosed
	}
	fl, ok := d.inflight[taskID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInFlight, taskID)
	}
	fl.aborted = true
	delete(d.inflight, taskID)
	// Add 必須在鎖內，Stop 的 Wait 才會看到它
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(d.rootCtx, d.cfg.DispatchTimeout)
		err := d.transport.Abort(ctx, fl.node.Endpoint, taskID, fl.attempt)
		cancel()
		fl.cancel()
		if err != nil {
			log.Warn("Abort not acknowledged", "taskID", taskID, "node", fl.node.ID, "error", err)
		}
		d.emit(Completion{TaskID: taskID, Attempt: fl.attempt, NodeID: fl.node.ID, Kind: KindAborted, Err: err})
	}()
	return nil
}

// Forget 丟棄進行中的嘗試，不發 RPC、不產生事件（故障轉移用）
func (d *Dispatcher) Forget(taskID types.TaskID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fl, ok := d.inflight[taskID]
	if !ok {
		return
	}
	fl.aborted = true
	fl.cancel()
	delete(d.inflight, taskID)
}

// Saturated 待派發佇列是否已滿
func (d *Dispatcher) Saturated() bool {
	return len(d.jobCh) == cap(d.jobCh)
}

// InFlight 進行中的嘗試數
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Stop 優雅關閉：取消所有 await 並等待 goroutine 退出
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.stopCh)
	d.rootStop()
	d.wg.Wait()
}

// ============================================================================
// 內部方法
// ============================================================================

func (d *Dispatcher) run(id int) {
	log.Debug("Dispatch worker started", "worker", id)
	for {
		select {
		case <-d.stopCh:
			return
		case j := <-d.jobCh:
			d.start(j)
		}
	}
}

// current 回傳仍有效的嘗試；已中止或已被取代時回傳 nil
func (d *Dispatcher) current(id types.TaskID, attempt int) *inflight {
	d.mu.Lock()
	defer d.mu.Unlock()
	fl, ok := d.inflight[id]
	if !ok || fl.aborted || fl.attempt != attempt {
		return nil
	}
	return fl
}

// finish 移除嘗試；回傳 false 表示已被中止（事件需抑制）
func (d *Dispatcher) finish(id types.TaskID, fl *inflight) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fl.aborted {
		return false
	}
	if cur, ok := d.inflight[id]; ok && cur == fl {
		delete(d.inflight, id)
	}
	fl.cancel()
	return true
}

func (d *Dispatcher) start(j job) {
	t := j.task
	fl := d.current(t.ID, t.Attempt)
	if fl == nil {
		return
	}

	ctx, cancel := context.WithTimeout(fl.ctx, d.cfg.DispatchTimeout)
	err := d.transport.Start(ctx, j.node.Endpoint, t)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		if !d.finish(t.ID, fl) {
			return
		}
		err = classifyStartError(err, timedOut)
		log.Warn("Dispatch failed", "taskID", t.ID, "node", j.node.ID, "attempt", t.Attempt, "error", err)
		d.emit(Completion{TaskID: t.ID, Attempt: t.Attempt, NodeID: j.node.ID, Kind: KindFailed, Err: err})
		return
	}

	if d.current(t.ID, t.Attempt) == nil {
		return
	}
	d.emit(Completion{TaskID: t.ID, Attempt: t.Attempt, NodeID: j.node.ID, Kind: KindStarted})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.await(j, fl)
	}()
}

func (d *Dispatcher) await(j job, fl *inflight) {
	t := j.task
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = d.cfg.ExecTimeout
	}

	began := time.Now()
	ctx, cancel := context.WithTimeout(fl.ctx, timeout)
	output, err := d.transport.Await(ctx, j.node.Endpoint, t.ID, t.Attempt)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	if !d.finish(t.ID, fl) {
		return
	}

	c := Completion{TaskID: t.ID, Attempt: t.Attempt, NodeID: j.node.ID, Duration: time.Since(began)}
	switch {
	case err == nil:
		c.Kind = KindCompleted
		c.Output = output
	case timedOut && !errors.Is(err, types.ErrRemoteExecution):
		c.Kind = KindFailed
		c.Err = fmt.Errorf("%w: no result within %s", types.ErrDispatchTimeout, timeout)
		d.abortRemote(j)
	default:
		c.Kind = KindFailed
		c.Err = classifyAwaitError(err)
	}
	if c.Err != nil {
		log.Warn("Task attempt failed", "taskID", t.ID, "node", j.node.ID, "attempt", t.Attempt, "error", c.Err)
	}
	d.emit(c)
}

// abortRemote 執行超時後請節點停止，結果只記錄日誌
func (d *Dispatcher) abortRemote(j job) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(d.rootCtx, d.cfg.DispatchTimeout)
		defer cancel()
		if err := d.transport.Abort(ctx, j.node.Endpoint, j.task.ID, j.task.Attempt); err != nil {
			log.Debug("Abort after timeout failed", "taskID", j.task.ID, "error", err)
		}
	}()
}

func (d *Dispatcher) emit(c Completion) {
	select {
	case d.completions <- c:
	case <-d.stopCh:
	}
}

func classifyStartError(err error, timedOut bool) error {
	switch {
	case errors.Is(err, types.ErrDispatchTimeout), errors.Is(err, types.ErrDispatchRejected):
		return err
	case timedOut:
		return fmt.Errorf("%w: %v", types.ErrDispatchTimeout, err)
	default:
		return fmt.Errorf("%w: %v", types.ErrDispatchRejected, err)
	}
}

func classifyAwaitError(err error) error {
	switch {
	case errors.Is(err, types.ErrRemoteExecution), errors.Is(err, types.ErrDispatchTimeout):
		return err
	default:
		return fmt.Errorf("%w: %v", types.ErrRemoteExecution, err)
	}
}
