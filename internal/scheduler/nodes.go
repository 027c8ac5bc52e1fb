package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/supervm/internal/pool"
	"github.com/ChuLiYu/supervm/internal/registry"
	"github.com/ChuLiYu/supervm/pkg/types"
)

// RegisterNode 註冊節點並開立資源帳戶
func (s *Scheduler) RegisterNode(node types.Node) (types.NodeID, error) {
	id, err := s.registry.Register(node)
	if err != nil {
		return "", err
	}
	if err := s.pool.AddNode(id, node.Capacity); err != nil {
		if derr := s.registry.Deregister(id); derr != nil {
			log.Error("Failed to roll back registration", "node", id, "error", derr)
		}
		return "", err
	}
	s.wake()
	return id, nil
}

// Heartbeat 記錄節點心跳；恢復為 Healthy 時觸發準入
func (s *Scheduler) Heartbeat(id types.NodeID, m types.NodeMetrics) (*registry.HealthChange, error) {
	ch, err := s.registry.Heartbeat(id, m)
	if err != nil {
		return nil, err
	}
	if ch != nil && ch.To == types.NodeHealthy {
		s.wake()
	}
	return ch, nil
}

// sweep 依心跳更新健康狀態；Unreachable 節點上仍有任務時故障轉移，長期失聯的節點移除
//
// 故障轉移不只看本次的狀態變更：經 MarkUnreachable 先行標記的節點，
// 之後的掃描不會再產生變更，仍須在這裡清空
func (s *Scheduler) sweep(ctx context.Context, now time.Time) {
	for _, ch := range s.registry.Sweep(now) {
		if ch.To == types.NodeHealthy {
			s.wake()
		}
	}
	s.mu.Lock()
	for _, n := range s.registry.List() {
		if n.Health == types.NodeUnreachable {
			s.failover(ctx, n.ID, "became unreachable")
		}
	}
	s.mu.Unlock()
	for _, id := range s.registry.Stale(now) {
		if err := s.Decommission(ctx, id); err != nil {
			log.Error("Failed to remove stale node", "node", id, "error", err)
		}
	}
	s.mu.Lock()
	s.refreshGauges()
	s.mu.Unlock()
}

// MarkUnreachable 強制將節點標記為 Unreachable（RPC 連線失敗、維運人員判定）
// 並立即故障轉移節點上的 Assigned/Running 任務
//
// 節點已是 Unreachable 時回傳 nil HealthChange，故障轉移照常執行
func (s *Scheduler) MarkUnreachable(ctx context.Context, id types.NodeID) (*registry.HealthChange, error) {
	ch, err := s.registry.MarkUnreachable(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.wake()
	s.failover(ctx, id, "marked unreachable")
	s.refreshGauges()
	return ch, nil
}

// failover 將節點上所有 Assigned/Running 任務強制轉為 Retrying；呼叫者需持有 s.mu
func (s *Scheduler) failover(ctx context.Context, id types.NodeID, reason string) int {
	tasks := s.store.ActiveOn(id)
	if len(tasks) == 0 {
		return 0
	}
	s.metrics.RecordFailover()
	log.Warn("Node failover", "node", id, "reason", reason, "tasks", len(tasks))

	cause := fmt.Errorf("node %s %s", id, reason)
	for _, t := range tasks {
		s.dispatcher.Forget(t.ID)
		s.retryOrFail(ctx, t, cause, true)
	}
	return len(tasks)
}

// Decommission 故障轉移節點上的任務後移除節點
//
// 錯誤處理：
//   - ErrNodeNotFound
//   - ErrNodeBusy: 仍有無法釋放的預留（先 ReconcileNode）
func (s *Scheduler) Decommission(ctx context.Context, id types.NodeID) error {
	if _, err := s.registry.Get(id); err != nil {
		return err
	}
	s.registry.SetDraining(id, true)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.wake()

	moved := s.failover(ctx, id, "decommissioned")
	if err := s.pool.RemoveNode(id); err != nil {
		return fmt.Errorf("scheduler: decommission %s: %w", id, err)
	}
	if err := s.registry.Deregister(id); err != nil {
		return err
	}
	log.Info("Node decommissioned", "node", id, "requeued", moved)
	return nil
}

// SetDraining 標記節點排空中；排空中的節點不接受新預留
func (s *Scheduler) SetDraining(id types.NodeID, draining bool) {
	s.registry.SetDraining(id, draining)
	if !draining {
		s.wake()
	}
}

// Retire 縮容移除節點；與 Decommission 不同，不轉移任何任務
//
// 錯誤處理：
//   - ErrNodeNotFound
//   - ErrNodeBusy: 節點仍持有預留（排空生效前已被指派），解除排空後保留節點
func (s *Scheduler) Retire(ctx context.Context, id types.NodeID) error {
	if _, err := s.registry.Get(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if held := s.pool.Holds(id); held > 0 {
		s.registry.SetDraining(id, false)
		s.wake()
		return fmt.Errorf("scheduler: retire %s: %w: %d reservations", id, types.ErrNodeBusy, held)
	}
	if err := s.pool.RemoveNode(id); err != nil {
		s.registry.SetDraining(id, false)
		return fmt.Errorf("scheduler: retire %s: %w", id, err)
	}
	if err := s.registry.Deregister(id); err != nil {
		return err
	}
	s.refreshGauges()
	log.Info("Node retired", "node", id)
	return nil
}

// ReconcileNode 依帳本重建節點用量並解除隔離
func (s *Scheduler) ReconcileNode(id types.NodeID) (pool.NodeUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	usage, err := s.pool.Reconcile(id)
	if err != nil {
		return usage, err
	}
	log.Info("Node reconciled", "node", id, "reservations", usage.Reservations)
	s.wake()
	return usage, nil
}

// GetNode 取得節點與其資源用量
func (s *Scheduler) GetNode(id types.NodeID) (*types.Node, pool.NodeUsage, error) {
	n, err := s.registry.Get(id)
	if err != nil {
		return nil, pool.NodeUsage{}, err
	}
	for _, u := range s.pool.Snapshot(nil).Nodes {
		if u.NodeID == id {
			return n, u, nil
		}
	}
	return n, pool.NodeUsage{NodeID: id, Capacity: n.Capacity, Available: n.Capacity}, nil
}

// ListNodes 所有節點
func (s *Scheduler) ListNodes() []*types.Node {
	return s.registry.List()
}
