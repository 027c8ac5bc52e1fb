package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/supervm/internal/dispatch"
	"github.com/ChuLiYu/supervm/internal/pool"
	"github.com/ChuLiYu/supervm/pkg/types"
)

// ============================================================================
// 完成事件處理
// ============================================================================

// handleCompletion 處理派發池的完成事件
func (s *Scheduler) handleCompletion(ctx context.Context, c dispatch.Completion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.wake()
	s.applyCompletion(ctx, c)
}

// applyCompletion 依完成事件推進任務；呼叫者需持有 s.mu
//
// 過期事件（嘗試編號或節點不符、任務已不持有預留）直接忽略
func (s *Scheduler) applyCompletion(ctx context.Context, c dispatch.Completion) {
	t, err := s.store.Get(c.TaskID)
	if err != nil {
		log.Warn("Completion for unknown task", "taskID", c.TaskID)
		return
	}
	if !t.State.Holding() || t.Attempt != c.Attempt || t.NodeID != c.NodeID {
		log.Debug("Stale completion ignored", "taskID", c.TaskID, "kind", c.Kind, "attempt", c.Attempt, "state", t.State)
		return
	}

	switch c.Kind {
	case dispatch.KindStarted:
		if t.State == types.StateAssigned {
			if _, err := s.store.Transition(ctx, t.ID, types.StateRunning, "started on node", nil); err != nil {
				log.Error("Failed to record start", "taskID", t.ID, "error", err)
			}
		}

	case dispatch.KindCompleted:
		if t.CancelRequested {
			s.cancelled(ctx, t, true)
			return
		}
		if t.State == types.StateAssigned {
			if _, err := s.store.Transition(ctx, t.ID, types.StateRunning, "started on node", nil); err != nil {
				s.unrecorded(c, types.StateRunning, err)
				return
			}
		}
		if _, err := s.store.Transition(ctx, t.ID, types.StateCompleted, "completed", func(nt *types.Task) {
			nt.Result = c.Output
			nt.Error = ""
		}); err != nil {
			s.unrecorded(c, types.StateCompleted, err)
			return
		}
		s.release(t.NodeID, pool.Key{TaskID: t.ID, Attempt: t.Attempt}, t.Demand)
		s.metrics.RecordCompleted(t.Type, c.Duration)
		log.Info("Task completed", "taskID", t.ID, "node", t.NodeID, "attempt", t.Attempt, "duration", c.Duration)

	case dispatch.KindFailed:
		if errors.Is(c.Err, dispatch.ErrNodeUnreachable) {
			if _, err := s.registry.MarkUnreachable(t.NodeID); err != nil {
				log.Warn("Failed to mark node unreachable", "node", t.NodeID, "error", err)
			}
			// 本任務連同節點上其他任務一併轉移
			s.retryOrFail(ctx, t, c.Err, true)
			s.failover(ctx, t.NodeID, "connection failed")
			return
		}
		s.retryOrFail(ctx, t, c.Err, true)

	case dispatch.KindAborted:
		if t.CancelRequested {
			s.cancelled(ctx, t, true)
			return
		}
		s.retryOrFail(ctx, t, errors.New("attempt aborted"), true)
	}
}

// ============================================================================
// 重試 / 失敗 / 取消
// ============================================================================

// retryOrFail 結束目前嘗試；呼叫者需持有 s.mu
//
// 參數說明：
//   - t: 轉換前的任務副本（NodeID / Attempt 指向要釋放的預留）
//   - release: 是否釋放預留（重啟恢復時預留不存在）
func (s *Scheduler) retryOrFail(ctx context.Context, t *types.Task, cause error, release bool) {
	if t.CancelRequested {
		s.cancelled(ctx, t, release)
		return
	}
	if t.Attempt >= t.MaxAttempts {
		s.fail(ctx, t, cause, release)
		return
	}

	var retryAt *time.Time
	if s.cfg.RetryBackoff > 0 {
		at := time.Now().Add(s.cfg.RetryBackoff)
		retryAt = &at
	}
	if _, err := s.store.Transition(ctx, t.ID, types.StateRetrying, cause.Error(), func(nt *types.Task) {
		nt.Error = cause.Error()
		nt.RetryAt = retryAt
	}); err != nil {
		s.unrecordedEnd(t, types.StateRetrying, cause, release, err)
		return
	}
	if release && t.State.Holding() {
		s.release(t.NodeID, pool.Key{TaskID: t.ID, Attempt: t.Attempt}, t.Demand)
	}
	s.metrics.RecordRetry(t.Type)
	log.Info("Task attempt will be retried", "taskID", t.ID, "attempt", t.Attempt, "maxAttempts", t.MaxAttempts, "error", cause)

	if retryAt == nil {
		if _, err := s.store.Transition(ctx, t.ID, types.StateQueued, "requeued", nil); err != nil {
			log.Error("Failed to requeue task", "taskID", t.ID, "error", err)
		}
	}
	s.wake()
}

// fail 將任務標記為 Failed；呼叫者需持有 s.mu
func (s *Scheduler) fail(ctx context.Context, t *types.Task, cause error, release bool) {
	if _, err := s.store.Transition(ctx, t.ID, types.StateFailed, cause.Error(), func(nt *types.Task) {
		nt.Error = cause.Error()
	}); err != nil {
		s.unrecordedEnd(t, types.StateFailed, cause, release, err)
		return
	}
	if release && t.State.Holding() {
		s.release(t.NodeID, pool.Key{TaskID: t.ID, Attempt: t.Attempt}, t.Demand)
	}
	s.metrics.RecordFailed(t.Type)
	log.Warn("Task failed", "taskID", t.ID, "attempts", t.Attempt, "error", cause)
}

// cancelled 將任務標記為 Cancelled；呼叫者需持有 s.mu
func (s *Scheduler) cancelled(ctx context.Context, t *types.Task, release bool) {
	if _, err := s.store.Transition(ctx, t.ID, types.StateCancelled, "cancelled", nil); err != nil {
		s.unrecordedEnd(t, types.StateCancelled, errors.New("cancelled"), release, err)
		return
	}
	if release && t.State.Holding() {
		s.release(t.NodeID, pool.Key{TaskID: t.ID, Attempt: t.Attempt}, t.Demand)
	}
	s.metrics.RecordCancelled(t.Type)
	log.Info("Task cancelled", "taskID", t.ID)
}

// Cancel 取消任務
//
// 行為：
//   - Queued / Retrying: 立即 Cancelled
//   - Assigned / Running: 標記 CancelRequested 並送出 Abort，
//     Abort 確認、逾時或競爭中的完成事件到達時才成為 Cancelled 並釋放預留
//
// 錯誤處理：
//   - ErrTaskNotFound
//   - ErrInvalidTransition: 任務已是終態
func (s *Scheduler) Cancel(ctx context.Context, id types.TaskID) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if t.State.Terminal() {
		return nil, fmt.Errorf("scheduler: %w: task %s is already %s", types.ErrInvalidTransition, id, t.State)
	}

	if !t.State.Holding() {
		s.cancelled(ctx, t, false)
		return s.store.Get(id)
	}
	if t.CancelRequested {
		return t, nil
	}

	t, err = s.store.Update(ctx, id, func(nt *types.Task) { nt.CancelRequested = true })
	if err != nil {
		return nil, err
	}
	switch err := s.dispatcher.Abort(id); {
	case err == nil:
		log.Info("Abort requested", "taskID", id, "node", t.NodeID)
	case errors.Is(err, dispatch.ErrNotInFlight):
		// 完成事件已在途中，result loop 會看到 CancelRequested
	default:
		log.Warn("Abort not sent, cancelling locally", "taskID", id, "error", err)
		s.cancelled(ctx, t, true)
	}
	return s.store.Get(id)
}

// ============================================================================
// 預留與不變量
// ============================================================================

// release 歸還預留；不一致時記錄為不變量違反
func (s *Scheduler) release(node types.NodeID, key pool.Key, demand types.Resources) {
	if err := s.pool.Release(node, key, demand); err != nil {
		s.violation(err)
	}
}

// ============================================================================
// 無法持久化的嘗試結束
// ============================================================================

// unrecorded 嘗試已結束（派發池已放棄），但狀態轉換無法寫入；呼叫者需持有 s.mu
//
// 任務記錄仍停在 Assigned/Running，預留保持不動以維持帳本與記錄一致。
// 完成事件暫存起來，每輪 schedule 重放直到寫入成功；
// 第一次發生時以不變量違反通知維運人員
func (s *Scheduler) unrecorded(c dispatch.Completion, to types.TaskState, cause error) {
	if _, again := s.unrecordedEnds[c.TaskID]; again {
		log.Warn("Attempt end still not recorded", "taskID", c.TaskID, "attempt", c.Attempt, "state", to, "error", cause)
		return
	}
	s.unrecordedEnds[c.TaskID] = c
	s.violation(&types.InvariantViolationError{
		NodeID: c.NodeID,
		Key:    pool.Key{TaskID: c.TaskID, Attempt: c.Attempt}.String(),
		Reason: fmt.Sprintf("attempt ended but %s could not be recorded, retrying each pass: %v", to, cause),
	})
}

// unrecordedEnd retryOrFail / fail / cancelled 的寫入失敗
//
// release 為 false 時（重啟恢復）沒有預留也沒有進行中的嘗試，只記錄日誌，
// 下次重啟仍會把任務當成孤兒處理
func (s *Scheduler) unrecordedEnd(t *types.Task, to types.TaskState, cause error, release bool, err error) {
	if !release || !t.State.Holding() {
		log.Error("Failed to record transition", "taskID", t.ID, "to", to, "error", err)
		return
	}
	kind := dispatch.KindFailed
	if to == types.StateCancelled {
		kind = dispatch.KindAborted
	}
	s.unrecorded(dispatch.Completion{
		TaskID:  t.ID,
		Attempt: t.Attempt,
		NodeID:  t.NodeID,
		Kind:    kind,
		Err:     cause,
	}, to, err)
}

// replayUnrecorded 重放暫存的完成事件；呼叫者需持有 s.mu
func (s *Scheduler) replayUnrecorded(ctx context.Context) {
	for id, c := range s.unrecordedEnds {
		s.applyCompletion(ctx, c)
		t, err := s.store.Get(id)
		if err != nil || !t.State.Holding() || t.Attempt != c.Attempt {
			delete(s.unrecordedEnds, id)
			if err == nil {
				log.Info("Attempt end recorded after retry", "taskID", id, "attempt", c.Attempt, "state", t.State)
			}
		}
	}
}

// violation 上報不變量違反：錯誤日誌、指標、Violations() 與 /status
func (s *Scheduler) violation(err error) {
	log.Error("Resource accounting invariant violated", "error", err)
	s.metrics.RecordViolation()

	s.recentMu.Lock()
	s.recent = append(s.recent, err.Error())
	if len(s.recent) > recentViolations {
		s.recent = s.recent[len(s.recent)-recentViolations:]
	}
	s.recentMu.Unlock()

	select {
	case s.violations <- err:
	default:
		log.Warn("Violation channel full, dropping notification")
	}
}

// Violations 不變量違反通知（供維運人員消費）
func (s *Scheduler) Violations() <-chan error {
	return s.violations
}
