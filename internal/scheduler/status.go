package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/supervm/internal/pool"
	"github.com/ChuLiYu/supervm/internal/scaling"
	"github.com/ChuLiYu/supervm/pkg/types"
)

// Status 系統狀態摘要
type Status struct {
	Uptime     string                   `json:"uptime"`
	Nodes      map[types.NodeHealth]int `json:"nodes"`
	Tasks      map[types.TaskState]int  `json:"tasks"`
	Queued     int                      `json:"queue_length"`
	InFlight   int                      `json:"in_flight"`
	Capacity   types.Resources          `json:"capacity"`
	Committed  types.Resources          `json:"committed"`
	Available  types.Resources          `json:"available"`
	Violations []string                 `json:"violations,omitempty"`
}

// Status 取得系統狀態
func (s *Scheduler) Status() Status {
	snap := s.PoolSnapshot()

	s.recentMu.Lock()
	recent := append([]string(nil), s.recent...)
	s.recentMu.Unlock()

	s.lifeMu.Lock()
	var uptime time.Duration
	if s.started {
		uptime = time.Since(s.startTime).Truncate(time.Second)
	}
	s.lifeMu.Unlock()

	return Status{
		Uptime:     uptime.String(),
		Nodes:      s.nodeHealth(),
		Tasks:      s.store.Stats(),
		Queued:     s.store.QueueLen(),
		InFlight:   s.dispatcher.InFlight(),
		Capacity:   snap.Capacity,
		Committed:  snap.Committed,
		Available:  snap.Available,
		Violations: recent,
	}
}

func (s *Scheduler) nodeHealth() map[types.NodeHealth]int {
	out := map[types.NodeHealth]int{
		types.NodeHealthy:     0,
		types.NodeDegraded:    0,
		types.NodeUnreachable: 0,
	}
	for _, n := range s.registry.List() {
		out[n.Health]++
	}
	return out
}

// PoolSnapshot 資源池副本；總量只計 Healthy 節點
func (s *Scheduler) PoolSnapshot() pool.Snapshot {
	return s.pool.Snapshot(s.registry.IsHealthy)
}

// Get 取得任務
func (s *Scheduler) Get(id types.TaskID) (*types.Task, error) {
	return s.store.Get(id)
}

// List 依提交順序列出任務
func (s *Scheduler) List(f types.TaskFilter) []*types.Task {
	return s.store.List(f)
}

// RequestScale 轉交擴縮容控制器
func (s *Scheduler) RequestScale(ctx context.Context, delta int) (scaling.Decision, error) {
	if s.scaler == nil {
		return scaling.Decision{Action: scaling.ActionNone}, fmt.Errorf("scheduler: %w: scaling is not configured", types.ErrProvisioningUnavailable)
	}
	return s.scaler.Request(ctx, delta)
}

// refreshGauges 更新狀態指標；呼叫者需持有 s.mu
func (s *Scheduler) refreshGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.UpdateQueueStats(s.store.QueueLen(), s.dispatcher.InFlight())
	s.metrics.UpdateNodes(s.nodeHealth())
	snap := s.PoolSnapshot()
	s.metrics.UpdatePool(snap.Capacity, snap.Available)
}
