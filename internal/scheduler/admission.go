package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/supervm/internal/dispatch"
	"github.com/ChuLiYu/supervm/internal/pool"
	"github.com/ChuLiYu/supervm/pkg/types"
)

// Submit 驗證並接受新任務（Queued）
//
// 錯誤處理：
//   - ErrValidation: 請求格式錯誤
//   - ErrUnschedulable: 沒有任何已註冊節點的容量能容納 demand
func (s *Scheduler) Submit(ctx context.Context, spec types.TaskSpec) (*types.Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if !satisfiable(s.pool.Capacity(), spec.Demand) {
		return nil, fmt.Errorf("scheduler: %w: demand cpu=%dm mem=%dMB gpu=%d fits no registered node",
			types.ErrUnschedulable, spec.Demand.CPUMillis, spec.Demand.MemoryMB, spec.Demand.GPUUnits)
	}
	t, err := s.store.Submit(ctx, spec, s.cfg.DefaultMaxAttempts)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSubmit(t.Type)
	log.Info("Task submitted", "taskID", t.ID, "type", t.Type, "seq", t.Seq)
	s.wake()
	return t, nil
}

// satisfiable 是否有任一節點的宣告容量能容納 demand
func satisfiable(capacity map[types.NodeID]types.Resources, demand types.Resources) bool {
	for _, c := range capacity {
		if demand.Fits(c) {
			return true
		}
	}
	return false
}

// schedule 執行一輪準入
//
// 流程：
//  1. 到期的 Retrying 任務回到佇列尾端
//  2. 依 FIFO 順序為每個 Queued 任務挑選 best-fit 節點
//     放不下的任務留在佇列，不阻擋後面較小的任務
//  3. 永遠無法滿足的任務（節點已移除）標記為 Failed
func (s *Scheduler) schedule(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.replayUnrecorded(ctx)
	for _, id := range s.store.DueRetries(time.Now()) {
		if _, err := s.store.Transition(ctx, id, types.StateQueued, "retry backoff elapsed", nil); err != nil {
			log.Error("Failed to requeue retrying task", "taskID", id, "error", err)
		}
	}

	capacity := s.pool.Capacity()
	for _, t := range s.store.Queued() {
		if !satisfiable(capacity, t.Demand) {
			s.fail(ctx, t, fmt.Errorf("%w: no registered node can hold the demand", types.ErrUnschedulable), false)
			continue
		}
		if s.dispatcher.Saturated() {
			// 派發佇列已滿：留在佇列，不消耗嘗試次數
			log.Debug("Dispatch queue full, deferring to next pass", "queued", s.store.QueueLen())
			break
		}
		node := s.reserve(t)
		if node == nil {
			continue
		}
		s.assign(ctx, t, node)
	}
	s.refreshGauges()
}

type candidate struct {
	node     *types.Node
	residual types.Resources
}

// better 依 (GPU, CPU, 記憶體) 字典序比較剩餘量，較小者優先；相同時依節點 ID
func better(a, b candidate) bool {
	switch {
	case a.residual.GPUUnits != b.residual.GPUUnits:
		return a.residual.GPUUnits < b.residual.GPUUnits
	case a.residual.CPUMillis != b.residual.CPUMillis:
		return a.residual.CPUMillis < b.residual.CPUMillis
	case a.residual.MemoryMB != b.residual.MemoryMB:
		return a.residual.MemoryMB < b.residual.MemoryMB
	}
	return a.node.ID < b.node.ID
}

// candidates 可接受 demand 的節點，依 best-fit 排序
// 重試任務在還有其他選擇時避開上一次失敗的節點
func (s *Scheduler) candidates(t *types.Task) []candidate {
	var out []candidate
	for _, n := range s.registry.List() {
		if !s.registry.Schedulable(n.ID) {
			continue
		}
		avail, usable := s.pool.Available(n.ID)
		if !usable || !t.Demand.Fits(avail) {
			continue
		}
		out = append(out, candidate{node: n, residual: avail.Sub(t.Demand)})
	}
	if t.LastNodeID != "" && len(out) > 1 {
		others := out[:0:0]
		for _, c := range out {
			if c.node.ID != t.LastNodeID {
				others = append(others, c)
			}
		}
		if len(others) > 0 {
			out = others
		}
	}
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

// reserve 依序嘗試候選節點直到預留成功；呼叫者需持有 s.mu
func (s *Scheduler) reserve(t *types.Task) *types.Node {
	key := pool.Key{TaskID: t.ID, Attempt: t.Attempt + 1}
	for _, c := range s.candidates(t) {
		ok, err := s.pool.TryReserve(c.node.ID, key, t.Demand)
		if err != nil {
			s.violation(err)
			continue
		}
		if ok {
			return c.node
		}
	}
	return nil
}

// assign 記錄 Assigned 並交給派發池；呼叫者需持有 s.mu 且已完成預留
func (s *Scheduler) assign(ctx context.Context, t *types.Task, node *types.Node) {
	attempt := t.Attempt + 1
	key := pool.Key{TaskID: t.ID, Attempt: attempt}

	assigned, err := s.store.Transition(ctx, t.ID, types.StateAssigned, fmt.Sprintf("assigned to %s", node.ID), func(nt *types.Task) {
		nt.NodeID = node.ID
		nt.Attempt = attempt
		nt.Error = ""
	})
	if err != nil {
		log.Error("Failed to record assignment", "taskID", t.ID, "node", node.ID, "error", err)
		s.release(node.ID, key, t.Demand)
		return
	}
	s.metrics.RecordAssign(assigned.Type)
	log.Debug("Task assigned", "taskID", t.ID, "node", node.ID, "attempt", attempt)

	if err := s.dispatcher.Dispatch(assigned, node); err != nil {
		if errors.Is(err, dispatch.ErrPoolClosed) {
			// 關閉中：保持 Assigned，下次啟動時恢復
			log.Info("Dispatch skipped during shutdown", "taskID", t.ID)
			return
		}
		if errors.Is(err, dispatch.ErrQueueFull) {
			s.requeue(ctx, assigned, t.Attempt)
			return
		}
		s.retryOrFail(ctx, assigned, err, true)
	}
}

// requeue 派發佇列已滿時撤回本次指派：釋放預留並回到佇列，嘗試次數還原；呼叫者需持有 s.mu
func (s *Scheduler) requeue(ctx context.Context, assigned *types.Task, prevAttempt int) {
	key := pool.Key{TaskID: assigned.ID, Attempt: assigned.Attempt}
	if _, err := s.store.Transition(ctx, assigned.ID, types.StateRetrying, "dispatch queue full", func(nt *types.Task) {
		nt.Attempt = prevAttempt
		nt.NodeID = "" // 不是節點的問題，保留原本的 LastNodeID
	}); err != nil {
		s.unrecordedEnd(assigned, types.StateRetrying, dispatch.ErrQueueFull, true, err)
		return
	}
	s.release(assigned.NodeID, key, assigned.Demand)
	if _, err := s.store.Transition(ctx, assigned.ID, types.StateQueued, "requeued", nil); err != nil {
		log.Error("Failed to requeue task", "taskID", assigned.ID, "error", err)
	}
	log.Debug("Dispatch queue full, task requeued", "taskID", assigned.ID, "attempt", prevAttempt)
}
