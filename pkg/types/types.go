// Package types 定義了 SuperVM 各組件共用的核心領域模型
package types

import (
	"time"
)

// ============================================================================
// 資源
// ============================================================================

// Resources 可排程容量向量；CPU 以毫核表示，可申請小數核
type Resources struct {
	CPUMillis int64 `json:"cpu_millis"`
	MemoryMB  int64 `json:"memory_mb"`
	GPUUnits  int64 `json:"gpu_units,omitempty"`
}

// Add 回傳 r + o
func (r Resources) Add(o Resources) Resources {
	return Resources{
		CPUMillis: r.CPUMillis + o.CPUMillis,
		MemoryMB:  r.MemoryMB + o.MemoryMB,
		GPUUnits:  r.GPUUnits + o.GPUUnits,
	}
}

// Sub 回傳 r - o
func (r Resources) Sub(o Resources) Resources {
	return Resources{
		CPUMillis: r.CPUMillis - o.CPUMillis,
		MemoryMB:  r.MemoryMB - o.MemoryMB,
		GPUUnits:  r.GPUUnits - o.GPUUnits,
	}
}

// Fits 每個維度都不超過容量 c
func (r Resources) Fits(c Resources) bool {
	return r.CPUMillis <= c.CPUMillis && r.MemoryMB <= c.MemoryMB && r.GPUUnits <= c.GPUUnits
}

// IsZero 所有維度皆為零
func (r Resources) IsZero() bool {
	return r.CPUMillis == 0 && r.MemoryMB == 0 && r.GPUUnits == 0
}

// Negative 任一維度小於零
func (r Resources) Negative() bool {
	return r.CPUMillis < 0 || r.MemoryMB < 0 || r.GPUUnits < 0
}

// ============================================================================
// 節點
// ============================================================================

// NodeID 節點唯一識別碼
type NodeID string

// NodeHealth 註冊表所見的節點健康狀態
type NodeHealth string

const (
	NodeHealthy     NodeHealth = "healthy"     // 健康：心跳準時
	NodeDegraded    NodeHealth = "degraded"    // 降級：心跳延遲或節點自行回報
	NodeUnreachable NodeHealth = "unreachable" // 失聯：超過心跳視窗，不參與排程
)

// NodeMetrics 節點隨心跳回報的負載
type NodeMetrics struct {
	CPUUsage    float64 `json:"cpu_usage,omitempty"`    // 比例 0..1
	MemoryUsage float64 `json:"memory_usage,omitempty"` // 比例 0..1
	RunningJobs int     `json:"running_jobs,omitempty"`
	Degraded    bool    `json:"degraded,omitempty"`
}

// Node 向資源池貢獻容量的工作節點
// 已承諾用量不存在這裡，一律由資源池推導
type Node struct {
	ID            NodeID            `json:"id"`
	Endpoint      string            `json:"endpoint"`
	Capacity      Resources         `json:"capacity"`
	Health        NodeHealth        `json:"health"`
	Labels        map[string]string `json:"labels,omitempty"`
	Metrics       NodeMetrics       `json:"metrics"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	HealthSince   time.Time         `json:"health_since"`
}

// Clone 深拷貝
func (n *Node) Clone() *Node {
	c := *n
	if n.Labels != nil {
		c.Labels = make(map[string]string, len(n.Labels))
		for k, v := range n.Labels {
			c.Labels[k] = v
		}
	}
	return &c
}

// ============================================================================
// 任務
// ============================================================================

// TaskID 任務唯一識別碼
type TaskID string

// TaskType 決定節點上使用的執行引擎
type TaskType string

const (
	TaskProcess TaskType = "process"
	TaskRender  TaskType = "render"
	TaskBrowser TaskType = "browser"
	TaskSync    TaskType = "sync"
)

// Valid 是否為已知的任務類型
func (t TaskType) Valid() bool {
	switch t {
	case TaskProcess, TaskRender, TaskBrowser, TaskSync:
		return true
	}
	return false
}

// TaskState 任務狀態機的狀態
type TaskState string

const (
	StateQueued    TaskState = "queued"    // 等待排程
	StateAssigned  TaskState = "assigned"  // 已預留資源並交給派發池
	StateRunning   TaskState = "running"   // 節點已確認開始執行
	StateRetrying  TaskState = "retrying"  // 本次嘗試結束，等待重新排隊
	StateCompleted TaskState = "completed" // 執行成功
	StateFailed    TaskState = "failed"    // 嘗試次數用盡或無法排程
	StateCancelled TaskState = "cancelled" // 使用者取消
)

// Terminal 是否為終態（不允許再轉換）
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Holding 此狀態的任務是否持有資源預留
func (s TaskState) Holding() bool {
	return s == StateAssigned || s == StateRunning
}

var transitions = map[TaskState][]TaskState{
	StateQueued:   {StateAssigned, StateFailed, StateCancelled},
	StateAssigned: {StateRunning, StateRetrying, StateFailed, StateCancelled},
	StateRunning:  {StateCompleted, StateRetrying, StateFailed, StateCancelled},
	StateRetrying: {StateQueued, StateFailed, StateCancelled},
}

// ValidTransition 狀態機是否允許 from -> to
func ValidTransition(from, to TaskState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition 審計軌跡中的一筆記錄
type Transition struct {
	From    TaskState `json:"from,omitempty"`
	To      TaskState `json:"to"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason,omitempty"`
	NodeID  NodeID    `json:"node_id,omitempty"`
	Attempt int       `json:"attempt"`
}

// Task 提交的工作單元
type Task struct {
	// 識別與請求
	ID          TaskID         `json:"id"`
	Type        TaskType       `json:"type"`
	Demand      Resources      `json:"demand"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timeout     time.Duration  `json:"timeout,omitempty"`
	MaxAttempts int            `json:"max_attempts"`

	// 生命週期
	Seq             uint64     `json:"seq"`
	State           TaskState  `json:"state"`
	NodeID          NodeID     `json:"node_id,omitempty"`
	LastNodeID      NodeID     `json:"last_node_id,omitempty"`
	Attempt         int        `json:"attempt"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	RetryAt         *time.Time `json:"retry_at,omitempty"`

	// 時間戳
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// 執行結果
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
	History []Transition   `json:"history"`
}

// Clone 深拷貝；外部只會拿到副本
func (t *Task) Clone() *Task {
	c := *t
	c.Payload = cloneMap(t.Payload)
	c.Result = cloneMap(t.Result)
	if t.History != nil {
		c.History = make([]Transition, len(t.History))
		copy(c.History, t.History)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		c.FinishedAt = &v
	}
	if t.RetryAt != nil {
		v := *t.RetryAt
		c.RetryAt = &v
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// TaskFilter 任務列表過濾條件，零值表示不過濾
type TaskFilter struct {
	State TaskState
	Type  TaskType
	Since time.Time
	Until time.Time
	Limit int
}

// Match t 是否符合條件
func (f TaskFilter) Match(t *Task) bool {
	if f.State != "" && t.State != f.State {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && t.SubmittedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && t.SubmittedAt.After(f.Until) {
		return false
	}
	return true
}

// SnapshotData 任務存儲的快照格式
type SnapshotData struct {
	Tasks     map[TaskID]*Task `json:"tasks"`
	NextSeq   uint64           `json:"next_seq"`
	SchemaVer int              `json:"schema_ver"`
	LastSeq   uint64           `json:"last_seq"` // 快照涵蓋的最後 WAL 序號
}

// TaskSpec 提交請求（尚未由存儲分配 ID）
type TaskSpec struct {
	Type        TaskType       `json:"type"`
	Demand      Resources      `json:"demand"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timeout     time.Duration  `json:"timeout,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
}

// Validate 檢查請求格式；容量檢查在準入時進行
func (s TaskSpec) Validate() error {
	if !s.Type.Valid() {
		return &ValidationError{Field: "type", Reason: "must be one of process, render, browser, sync"}
	}
	if s.Demand.Negative() {
		return &ValidationError{Field: "demand", Reason: "must not be negative"}
	}
	if s.Demand.IsZero() {
		return &ValidationError{Field: "demand", Reason: "must request at least one resource"}
	}
	if s.Timeout < 0 {
		return &ValidationError{Field: "timeout", Reason: "must not be negative"}
	}
	if s.MaxAttempts < 0 {
		return &ValidationError{Field: "max_attempts", Reason: "must not be negative"}
	}
	return nil
}
