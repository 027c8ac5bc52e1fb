// ============================================================================
// SuperVM 資源池 - 每節點預留記帳
// ============================================================================
//
// Package: internal/pool
// 文件: pool.go
// 功能: 追蹤每個已註冊節點的已承諾 (committed) 與可用 (available) 容量
//
// 鎖設計:
//   - accounts map 由 RWMutex 保護，只有節點加入/移除時才取寫鎖
//   - 每個 account 有自己的 mutex，TryReserve / Release 只鎖一個節點
//     節點 A 的預留不會等待節點 B
//
// 預留帳本:
//   每個 account 保存目前有效的預留，key 為 "<taskID>#<attempt>"
//   committed 永遠等於帳本總和
//   釋放不存在的 key、重複釋放、或釋放量與預留量不符 → InvariantViolationError
//   該節點進入隔離 (quarantine)，直到呼叫 Reconcile
//
// ============================================================================

package pool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/supervm/pkg/types"
)

// Key 識別一筆預留：某任務的某一次嘗試
type Key struct {
	TaskID  types.TaskID
	Attempt int
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.TaskID, k.Attempt)
}

type account struct {
	mu           sync.Mutex
	capacity     types.Resources
	committed    types.Resources
	reservations map[Key]types.Resources
	quarantined  bool
	reason       string
}

// Pool 並發安全的資源記帳引擎
type Pool struct {
	mu       sync.RWMutex
	accounts map[types.NodeID]*account
}

// NodeUsage 單一節點的記帳視圖
type NodeUsage struct {
	NodeID       types.NodeID    `json:"node_id"`
	Capacity     types.Resources `json:"capacity"`
	Committed    types.Resources `json:"committed"`
	Available    types.Resources `json:"available"`
	Reservations int             `json:"reservations"`
	Quarantined  bool            `json:"quarantined,omitempty"`
	Reason       string          `json:"quarantine_reason,omitempty"`
}

// Snapshot 資源池的時間點副本
type Snapshot struct {
	Nodes     []NodeUsage     `json:"nodes"`
	Capacity  types.Resources `json:"capacity"`
	Committed types.Resources `json:"committed"`
	Available types.Resources `json:"available"`
}

// New 建立空的資源池
func New() *Pool {
	return &Pool{accounts: make(map[types.NodeID]*account)}
}

// AddNode 以宣告容量開立節點帳戶
func (p *Pool) AddNode(id types.NodeID, capacity types.Resources) error {
	if capacity.Negative() {
		return &types.ValidationError{Field: "capacity", Reason: "must not be negative"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[id]; ok {
		return fmt.Errorf("pool: %w: %s", types.ErrDuplicateNode, id)
	}
	p.accounts[id] = &account{
		capacity:     capacity,
		reservations: make(map[Key]types.Resources),
	}
	return nil
}

// RemoveNode 關閉節點帳戶
// 仍有預留時回傳 ErrNodeBusy，需先完成故障轉移
func (p *Pool) RemoveNode(id types.NodeID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[id]
	if !ok {
		return fmt.Errorf("pool: %w: %s", types.ErrNodeNotFound, id)
	}
	acc.mu.Lock()
	n := len(acc.reservations)
	acc.mu.Unlock()
	if n > 0 {
		return fmt.Errorf("pool: %w: %s has %d reservations", types.ErrNodeBusy, id, n)
	}
	delete(p.accounts, id)
	return nil
}

func (p *Pool) account(id types.NodeID) (*account, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	acc, ok := p.accounts[id]
	if !ok {
		return nil, fmt.Errorf("pool: %w: %s", types.ErrNodeNotFound, id)
	}
	return acc, nil
}

// TryReserve 在節點容量足夠時原子地承諾 demand
//
// 返回值：
//   - bool: 是否預留成功；容量不足或節點隔離中回傳 false（無錯誤）
//   - error: 節點不存在、demand 非法、或重複預留（InvariantViolationError）
func (p *Pool) TryReserve(id types.NodeID, key Key, demand types.Resources) (bool, error) {
	if demand.Negative() {
		return false, &types.ValidationError{Field: "demand", Reason: "must not be negative"}
	}
	acc, err := p.account(id)
	if err != nil {
		return false, err
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()

	if acc.quarantined {
		return false, nil
	}
	if _, dup := acc.reservations[key]; dup {
		return false, p.violate(acc, id, key, "reservation already held")
	}
	next := acc.committed.Add(demand)
	if !next.Fits(acc.capacity) {
		return false, nil
	}
	acc.committed = next
	acc.reservations[key] = demand
	return true, nil
}

// Release 歸還預留
// 與帳本不一致時回傳 InvariantViolationError 並隔離該節點
func (p *Pool) Release(id types.NodeID, key Key, demand types.Resources) error {
	acc, err := p.account(id)
	if err != nil {
		return &types.InvariantViolationError{NodeID: id, Key: key.String(), Reason: "release on unknown node"}
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()

	held, ok := acc.reservations[key]
	if !ok {
		return p.violate(acc, id, key, "release of a reservation that is not held")
	}
	if held != demand {
		return p.violate(acc, id, key, fmt.Sprintf("release demand %+v differs from reserved %+v", demand, held))
	}
	next := acc.committed.Sub(demand)
	if next.Negative() {
		return p.violate(acc, id, key, "committed usage would go negative")
	}
	acc.committed = next
	delete(acc.reservations, key)
	return nil
}

// violate 隔離帳戶；呼叫者需持有 acc.mu
func (p *Pool) violate(acc *account, id types.NodeID, key Key, reason string) error {
	acc.quarantined = true
	acc.reason = reason
	return &types.InvariantViolationError{NodeID: id, Key: key.String(), Reason: reason}
}

// Reconcile 依帳本重建 committed 並解除隔離
func (p *Pool) Reconcile(id types.NodeID) (NodeUsage, error) {
	acc, err := p.account(id)
	if err != nil {
		return NodeUsage{}, err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()

	var sum types.Resources
	for _, r := range acc.reservations {
		sum = sum.Add(r)
	}
	if !sum.Fits(acc.capacity) {
		return acc.usage(id), &types.InvariantViolationError{NodeID: id, Reason: "ledger exceeds capacity"}
	}
	acc.committed = sum
	acc.quarantined = false
	acc.reason = ""
	return acc.usage(id), nil
}

// Holds 節點上有效預留數（縮容只挑 0 的節點）
func (p *Pool) Holds(id types.NodeID) int {
	acc, err := p.account(id)
	if err != nil {
		return 0
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return len(acc.reservations)
}

// Available 回傳節點剩餘容量，以及是否可接受預留
func (p *Pool) Available(id types.NodeID) (types.Resources, bool) {
	acc, err := p.account(id)
	if err != nil {
		return types.Resources{}, false
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.capacity.Sub(acc.committed), !acc.quarantined
}

// Capacity 所有帳戶的宣告容量
func (p *Pool) Capacity() map[types.NodeID]types.Resources {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[types.NodeID]types.Resources, len(p.accounts))
	for id, acc := range p.accounts {
		out[id] = acc.capacity
	}
	return out
}

// Snapshot 複製所有帳戶
// include 決定哪些節點計入總量（通常是 healthy 節點），nil 表示全部
func (p *Pool) Snapshot(include func(types.NodeID) bool) Snapshot {
	p.mu.RLock()
	ids := make([]types.NodeID, 0, len(p.accounts))
	accs := make([]*account, 0, len(p.accounts))
	for id, acc := range p.accounts {
		ids = append(ids, id)
		accs = append(accs, acc)
	}
	p.mu.RUnlock()

	var snap Snapshot
	for i, acc := range accs {
		acc.mu.Lock()
		u := acc.usage(ids[i])
		acc.mu.Unlock()
		snap.Nodes = append(snap.Nodes, u)
		if include == nil || include(u.NodeID) {
			snap.Capacity = snap.Capacity.Add(u.Capacity)
			snap.Committed = snap.Committed.Add(u.Committed)
			snap.Available = snap.Available.Add(u.Available)
		}
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].NodeID < snap.Nodes[j].NodeID })
	return snap
}

func (a *account) usage(id types.NodeID) NodeUsage {
	return NodeUsage{
		NodeID:       id,
		Capacity:     a.capacity,
		Committed:    a.committed,
		Available:    a.capacity.Sub(a.committed),
		Reservations: len(a.reservations),
		Quarantined:  a.quarantined,
		Reason:       a.reason,
	}
}
