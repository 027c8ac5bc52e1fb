// ============================================================================
// SuperVM 節點註冊表 - 節點生命週期與健康狀態
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 管理已知節點、宣告容量與心跳存活狀態
//
// 健康狀態轉換:
//   Healthy ──(錯過 1 個心跳間隔)──→ Degraded
//   Degraded ──(錯過 MissedHeartbeats 個間隔)──→ Unreachable
//   任何狀態 ──(收到心跳)──→ Healthy（agent 回報 degraded 時為 Degraded）
//
// 注意:
//   - Unreachable 節點不參與調度，但其預留保留到故障轉移完成
//   - committed 用量不存在這裡，一律從 pool 推導
//
// ============================================================================

package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/supervm/pkg/types"
)

var log = slog.Default()

// Config 註冊表配置
type Config struct {
	HeartbeatInterval time.Duration // agent 心跳間隔
	MissedHeartbeats  int           // 連續錯過多少次視為 Unreachable
	RemoveAfter       time.Duration // Unreachable 持續多久後建議移除（0 = 不移除）
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		MissedHeartbeats:  3,
	}
}

// HealthChange 一次健康狀態變更
type HealthChange struct {
	NodeID types.NodeID
	From   types.NodeHealth
	To     types.NodeHealth
	At     time.Time
}

// Registry 節點註冊表
type Registry struct {
	mu         sync.RWMutex
	cfg        Config
	nodes      map[types.NodeID]*types.Node
	byEndpoint map[string]types.NodeID
	draining   map[types.NodeID]bool
	now        func() time.Time
}

// New 建立註冊表
func New(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = def.MissedHeartbeats
	}
	return &Registry{
		cfg:        cfg,
		nodes:      make(map[types.NodeID]*types.Node),
		byEndpoint: make(map[string]types.NodeID),
		draining:   make(map[types.NodeID]bool),
		now:        time.Now,
	}
}

// SetClock 替換時鐘（測試用）
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Register 註冊新節點
//
// 參數說明：
//   - node: 必須包含 Endpoint 與容量；ID 為空時自動分配 uuid
//
// 錯誤處理：
//   - ErrValidation: endpoint 為空或容量非法
//   - ErrDuplicateNode: endpoint 或 ID 已註冊
func (r *Registry) Register(node types.Node) (types.NodeID, error) {
	if node.Endpoint == "" {
		return "", &types.ValidationError{Field: "endpoint", Reason: "required"}
	}
	if node.Capacity.Negative() || node.Capacity.IsZero() {
		return "", &types.ValidationError{Field: "capacity", Reason: "must be positive"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byEndpoint[node.Endpoint]; ok {
		return "", fmt.Errorf("registry: %w: endpoint %s is node %s", types.ErrDuplicateNode, node.Endpoint, id)
	}
	if node.ID == "" {
		node.ID = types.NodeID(uuid.NewString())
	}
	if _, ok := r.nodes[node.ID]; ok {
		return "", fmt.Errorf("registry: %w: %s", types.ErrDuplicateNode, node.ID)
	}

	now := r.now()
	n := node.Clone()
	n.Health = types.NodeHealthy
	n.RegisteredAt = now
	n.LastHeartbeat = now
	n.HealthSince = now
	r.nodes[n.ID] = n
	r.byEndpoint[n.Endpoint] = n.ID

	log.Info("Node registered", "node", n.ID, "endpoint", n.Endpoint,
		"cpuMillis", n.Capacity.CPUMillis, "memoryMB", n.Capacity.MemoryMB, "gpu", n.Capacity.GPUUnits)
	return n.ID, nil
}

// Deregister 移除節點
func (r *Registry) Deregister(id types.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("registry: %w: %s", types.ErrNodeNotFound, id)
	}
	delete(r.byEndpoint, n.Endpoint)
	delete(r.nodes, id)
	delete(r.draining, id)
	log.Info("Node deregistered", "node", id)
	return nil
}

// Heartbeat 記錄心跳與負載回報
// 狀態有變化時回傳非 nil 的 HealthChange
func (r *Registry) Heartbeat(id types.NodeID, m types.NodeMetrics) (*HealthChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("registry: %w: %s", types.ErrNodeNotFound, id)
	}
	now := r.now()
	n.LastHeartbeat = now
	n.Metrics = m

	next := types.NodeHealthy
	if m.Degraded {
		next = types.NodeDegraded
	}
	return r.setHealth(n, next, now), nil
}

// setHealth 呼叫者需持有寫鎖
func (r *Registry) setHealth(n *types.Node, to types.NodeHealth, at time.Time) *HealthChange {
	if n.Health == to {
		return nil
	}
	ch := &HealthChange{NodeID: n.ID, From: n.Health, To: to, At: at}
	n.Health = to
	n.HealthSince = at
	log.Info("Node health changed", "node", n.ID, "from", ch.From, "to", ch.To)
	return ch
}

// Sweep 依心跳時間更新所有節點健康狀態
// 回傳本次掃描產生的所有狀態變更（依節點 ID 排序）
func (r *Registry) Sweep(now time.Time) []HealthChange {
	r.mu.Lock()
	defer r.mu.Unlock()

	unreachableAfter := time.Duration(r.cfg.MissedHeartbeats) * r.cfg.HeartbeatInterval
	var changes []HealthChange
	for _, n := range r.nodes {
		silent := now.Sub(n.LastHeartbeat)
		var ch *HealthChange
		switch {
		case silent > unreachableAfter:
			ch = r.setHealth(n, types.NodeUnreachable, now)
		case silent > r.cfg.HeartbeatInterval && n.Health == types.NodeHealthy:
			ch = r.setHealth(n, types.NodeDegraded, now)
		}
		if ch != nil {
			changes = append(changes, *ch)
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].NodeID < changes[j].NodeID })
	return changes
}

// MarkUnreachable 強制將節點標記為 Unreachable（例如 RPC 連線失敗）
func (r *Registry) MarkUnreachable(id types.NodeID) (*HealthChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("registry: %w: %s", types.ErrNodeNotFound, id)
	}
	return r.setHealth(n, types.NodeUnreachable, r.now()), nil
}

// Stale 回傳 Unreachable 超過 RemoveAfter 的節點
func (r *Registry) Stale(now time.Time) []types.NodeID {
	if r.cfg.RemoveAfter <= 0 {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.NodeID
	for id, n := range r.nodes {
		if n.Health == types.NodeUnreachable && now.Sub(n.HealthSince) > r.cfg.RemoveAfter {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetDraining 標記節點為排空中（縮容），不再接受新任務
func (r *Registry) SetDraining(id types.NodeID, draining bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return
	}
	if draining {
		r.draining[id] = true
	} else {
		delete(r.draining, id)
	}
}

// Schedulable 節點是否可接受新預留：Healthy 且未排空
func (r *Registry) Schedulable(id types.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return ok && n.Health == types.NodeHealthy && !r.draining[id]
}

// IsHealthy 節點是否 Healthy
func (r *Registry) IsHealthy(id types.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return ok && n.Health == types.NodeHealthy
}

// Get 取得節點副本
func (r *Registry) Get(id types.NodeID) (*types.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("registry: %w: %s", types.ErrNodeNotFound, id)
	}
	return n.Clone(), nil
}

// List 所有節點副本，依 ID 排序
func (r *Registry) List() []*types.Node {
	return r.filter(func(*types.Node) bool { return true })
}

// ListHealthy 所有 Healthy 節點副本
func (r *Registry) ListHealthy() []*types.Node {
	return r.filter(func(n *types.Node) bool { return n.Health == types.NodeHealthy })
}

func (r *Registry) filter(keep func(*types.Node) bool) []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if keep(n) {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len 已註冊節點數
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
