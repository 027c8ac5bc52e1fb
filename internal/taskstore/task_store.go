// ============================================================================
// SuperVM 任務存儲 - 任務狀態機與審計軌跡
// ============================================================================
//
// Package: internal/taskstore
// 文件: task_store.go
// 功能: 管理任務記錄、FIFO 佇列與狀態轉換
//
// 設計理念:
//   1. tasks map - 單一真實來源 (Single Source of Truth)
//   2. queue []TaskID - Queued 任務的 FIFO 索引（依提交順序；重試回到尾端）
//   3. 寫前日誌：每次變更先在副本上套用、交給 Backend 持久化成功後才提交到記憶體
//
// 任務狀態轉換 (State Machine):
//   Queued → Assigned → Running → Completed
//      │         │          │
//      │         └────┬─────┘
//      │              ↓
//      │          Retrying → Queued（回到佇列尾端）
//      ↓
//   Failed / Cancelled（任何非終態皆可）
//
// 並發安全:
//   - sync.RWMutex 序列化所有寫入
//   - 對外只回傳深拷貝，觀察者看不到半更新的記錄
//   - 終態記錄不可再修改
//
// ============================================================================

package taskstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/supervm/internal/storage"
	"github.com/ChuLiYu/supervm/pkg/types"
)

var log = slog.Default()

// Store 任務存儲
type Store struct {
	mu      sync.RWMutex
	tasks   map[types.TaskID]*types.Task
	queue   []types.TaskID
	nextSeq uint64
	backend storage.Backend
	now     func() time.Time
}

// New 建立任務存儲；backend 為 nil 時使用記憶體後端
func New(backend storage.Backend) *Store {
	if backend == nil {
		backend = storage.Memory{}
	}
	return &Store{
		tasks:   make(map[types.TaskID]*types.Task),
		queue:   make([]types.TaskID, 0),
		nextSeq: 1,
		backend: backend,
		now:     time.Now,
	}
}

// SetClock 替換時鐘（測試用）
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Recover 從後端載入所有任務並重建佇列
//
// 回傳：
//   - 崩潰前處於 Assigned/Running 的任務 ID（由排程器決定重試或失敗）
func (s *Store) Recover(ctx context.Context) ([]types.TaskID, error) {
	tasks, err := s.backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("taskstore: recover: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make(map[types.TaskID]*types.Task, len(tasks))
	s.queue = s.queue[:0]
	s.nextSeq = 1

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	var orphaned []types.TaskID
	for _, t := range tasks {
		s.tasks[t.ID] = t
		if t.Seq >= s.nextSeq {
			s.nextSeq = t.Seq + 1
		}
		switch {
		case t.State == types.StateQueued:
			s.queue = append(s.queue, t.ID)
		case t.State.Holding():
			orphaned = append(orphaned, t.ID)
		}
	}
	log.Info("Task store recovered", "tasks", len(s.tasks), "queued", len(s.queue), "orphaned", len(orphaned))
	return orphaned, nil
}

// Submit 建立新任務（Queued）並加入佇列尾端
//
// 參數說明：
//   - spec: 已驗證的提交請求
//   - maxAttempts: spec 未指定時使用的預設值
func (s *Store) Submit(ctx context.Context, spec types.TaskSpec, maxAttempts int) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if spec.MaxAttempts > 0 {
		maxAttempts = spec.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	t := &types.Task{
		ID:          types.TaskID(uuid.NewString()),
		Type:        spec.Type,
		Demand:      spec.Demand,
		Payload:     spec.Payload,
		Timeout:     spec.Timeout,
		MaxAttempts: maxAttempts,
		Seq:         s.nextSeq,
		State:       types.StateQueued,
		SubmittedAt: now,
		UpdatedAt:   now,
		History:     []types.Transition{{To: types.StateQueued, At: now, Reason: "submitted"}},
	}
	t = t.Clone()

	if err := s.backend.Save(ctx, storage.OpSubmit, t); err != nil {
		return nil, fmt.Errorf("taskstore: submit: %w", err)
	}
	s.nextSeq++
	s.tasks[t.ID] = t
	s.queue = append(s.queue, t.ID)
	return t.Clone(), nil
}

// Transition 將任務轉換到新狀態
//
// 參數說明：
//   - to: 目標狀態，必須符合狀態機
//   - reason: 記錄到審計軌跡
//   - mutate: 可選，在記錄轉換前修改副本（例如設定 NodeID、Attempt、Result）
//
// 錯誤處理：
//   - ErrTaskNotFound: 任務不存在
//   - ErrInvalidTransition: 狀態機不允許（包含終態記錄）
//
// 副作用：
//   - 進入 Retrying 時 NodeID 移到 LastNodeID
//   - 進入 Running 設定 StartedAt，進入終態設定 FinishedAt
//   - 進入 Queued 加到佇列尾端，離開 Queued 從佇列移除
func (s *Store) Transition(ctx context.Context, id types.TaskID, to types.TaskState, reason string, mutate func(*types.Task)) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("taskstore: %w: %s", types.ErrTaskNotFound, id)
	}
	from := cur.State
	if !types.ValidTransition(from, to) {
		return nil, fmt.Errorf("taskstore: %w: %s %s -> %s", types.ErrInvalidTransition, id, from, to)
	}

	now := s.now()
	next := cur.Clone()
	if mutate != nil {
		mutate(next)
	}
	next.State = to
	next.UpdatedAt = now

	switch to {
	case types.StateRunning:
		next.StartedAt = &now
	case types.StateRetrying:
		if next.NodeID != "" {
			next.LastNodeID = next.NodeID
		}
		next.NodeID = ""
	case types.StateQueued:
		next.RetryAt = nil
	}
	if to.Terminal() {
		next.FinishedAt = &now
		next.RetryAt = nil
	}

	histNode := next.NodeID
	if histNode == "" {
		histNode = cur.NodeID
	}
	next.History = append(next.History, types.Transition{
		From:    from,
		To:      to,
		At:      now,
		Reason:  reason,
		NodeID:  histNode,
		Attempt: next.Attempt,
	})

	if err := s.backend.Save(ctx, storage.OpTransition, next); err != nil {
		return nil, fmt.Errorf("taskstore: transition %s: %w", id, err)
	}

	s.tasks[id] = next
	if from == types.StateQueued {
		s.removeFromQueue(id)
	}
	if to == types.StateQueued {
		s.queue = append(s.queue, id)
	}
	log.Debug("Task transition", "taskID", id, "from", from, "to", to, "node", next.NodeID, "attempt", next.Attempt, "reason", reason)
	return next.Clone(), nil
}

// Update 修改非狀態欄位（例如 CancelRequested、RetryAt）
// 終態記錄不可修改
func (s *Store) Update(ctx context.Context, id types.TaskID, mutate func(*types.Task)) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("taskstore: %w: %s", types.ErrTaskNotFound, id)
	}
	if cur.State.Terminal() {
		return nil, fmt.Errorf("taskstore: %w: %s is %s", types.ErrInvalidTransition, id, cur.State)
	}

	next := cur.Clone()
	mutate(next)
	// 狀態只能經由 Transition 改變
	next.State = cur.State
	next.UpdatedAt = s.now()

	if err := s.backend.Save(ctx, storage.OpUpdate, next); err != nil {
		return nil, fmt.Errorf("taskstore: update %s: %w", id, err)
	}
	s.tasks[id] = next
	return next.Clone(), nil
}

// removeFromQueue 呼叫者需持有寫鎖
func (s *Store) removeFromQueue(id types.TaskID) {
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得任務副本
func (s *Store) Get(id types.TaskID) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("taskstore: %w: %s", types.ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// Queued 依佇列順序回傳 Queued 任務副本
func (s *Store) Queued() []*types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Task, 0, len(s.queue))
	for _, id := range s.queue {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}

// QueueLen 佇列長度
func (s *Store) QueueLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue)
}

// DueRetries 回傳 RetryAt 已到期（或未設定）的 Retrying 任務 ID，依 Seq 排序
func (s *Store) DueRetries(now time.Time) []types.TaskID {
	return s.ids(func(t *types.Task) bool {
		return t.State == types.StateRetrying && (t.RetryAt == nil || !t.RetryAt.After(now))
	})
}

// ActiveOn 回傳在指定節點上持有預留的任務（Assigned/Running）
func (s *Store) ActiveOn(node types.NodeID) []*types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Task
	for _, t := range s.tasks {
		if t.State.Holding() && t.NodeID == node {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *Store) ids(keep func(*types.Task) bool) []types.TaskID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*types.Task
	for _, t := range s.tasks {
		if keep(t) {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Seq < matched[j].Seq })
	out := make([]types.TaskID, len(matched))
	for i, t := range matched {
		out[i] = t.ID
	}
	return out
}

// List 依提交順序列出符合過濾條件的任務副本
func (s *Store) List(f types.TaskFilter) []*types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Task, 0)
	for _, t := range s.tasks {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	for i, t := range out {
		out[i] = t.Clone()
	}
	return out
}

// Stats 各狀態任務數
func (s *Store) Stats() map[types.TaskState]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := map[types.TaskState]int{
		types.StateQueued:    0,
		types.StateAssigned:  0,
		types.StateRunning:   0,
		types.StateRetrying:  0,
		types.StateCompleted: 0,
		types.StateFailed:    0,
		types.StateCancelled: 0,
	}
	for _, t := range s.tasks {
		stats[t.State]++
	}
	return stats
}

// ============================================================================
// 快照與壓縮
// ============================================================================

// Snapshot 生成快照資料（深拷貝）
func (s *Store) Snapshot() types.SnapshotData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() types.SnapshotData {
	tasks := make(map[types.TaskID]*types.Task, len(s.tasks))
	for id, t := range s.tasks {
		tasks[id] = t.Clone()
	}
	return types.SnapshotData{Tasks: tasks, NextSeq: s.nextSeq, SchemaVer: 1}
}

// Compact 在寫鎖下產生快照並交給後端壓縮，期間沒有並發寫入
func (s *Store) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Compact(ctx, s.snapshotLocked()); err != nil {
		return fmt.Errorf("taskstore: compact: %w", err)
	}
	return nil
}

// Close 關閉後端
func (s *Store) Close() error {
	return s.backend.Close()
}
