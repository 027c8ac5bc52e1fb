// ============================================================================
// SuperVM Scaling Controller - 依資源水位自動擴縮容
// ============================================================================
//
// Package: internal/scaling
// 文件: scaling.go
// 功能: 取樣資源池可用比例，決定是否向供應服務申請或釋放節點
//
// 取樣:
//   可用比例 = min(CPU, 記憶體, GPU*) 的 available / capacity（只計 Healthy 節點）
//   * GPU 只在總容量 > 0 時計入；總容量為 0 時不取樣
//   樣本放入滑動時間視窗（golang-collections queue，FIFO 淘汰過期樣本）
//
// 決策:
//   ScaleUp   - 視窗已滿且所有樣本 < LowWater，且沒有未完成的申請
//             - 或節點數（含申請中）低於 MinNodes
//   ScaleDown - 可用比例持續 > HighWater 達 Cooldown，只挑沒有預留的節點
//   任何決策執行後 Cooldown 期間不再自動決策
//
// 申請生命週期:
//   RequestNode 在背景執行，上限 ProvisionDeadline
//   逾時記錄 ErrProvisioningUnavailable 並放棄，不立即重試
//   成功後經由 Cluster.RegisterNode 加入排程器
//
// ============================================================================

package scaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/golang-collections/collections/queue"
	"github.com/google/uuid"

	"github.com/ChuLiYu/supervm/internal/metrics"
	"github.com/ChuLiYu/supervm/internal/pool"
	"github.com/ChuLiYu/supervm/internal/provision"
	"github.com/ChuLiYu/supervm/pkg/types"
)

var log = slog.Default()

// Action 擴縮容動作
type Action string

const (
	ActionNone      Action = "none"
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
)

// Decision 一次評估的結果
type Decision struct {
	Action  Action         `json:"action"`
	Count   int            `json:"count,omitempty"`    // ScaleUp: 申請節點數
	NodeIDs []types.NodeID `json:"node_ids,omitempty"` // ScaleDown: 要移除的節點
}

// Cluster 擴縮容控制器對排程器的需求
//
// 縮容流程：決策當下 SetDraining 停止新預留，背景 Retire 移除節點；
// Retire 在節點仍持有預留時回傳 ErrNodeBusy 並解除排空，節點保留
type Cluster interface {
	PoolSnapshot() pool.Snapshot
	RegisterNode(node types.Node) (types.NodeID, error)
	SetDraining(id types.NodeID, draining bool)
	Retire(ctx context.Context, id types.NodeID) error
}

// Config 擴縮容配置
type Config struct {
	SampleInterval    time.Duration
	Window            time.Duration
	LowWater          float64 // 可用比例低於此值視為壓力
	HighWater         float64 // 可用比例高於此值視為閒置
	Cooldown          time.Duration
	ProvisionDeadline time.Duration
	MinNodes          int
	MaxNodes          int // 0 = 不限制
	Step              int // 每次自動擴容的節點數
	NodeSpec          provision.NodeSpec
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		SampleInterval:    10 * time.Second,
		Window:            2 * time.Minute,
		LowWater:          0.2,
		HighWater:         0.7,
		Cooldown:          5 * time.Minute,
		ProvisionDeadline: 10 * time.Minute,
		Step:              1,
	}
}

// Validate 檢查配置
func (c Config) Validate() error {
	if c.LowWater < 0 || c.LowWater > 1 {
		return &types.ValidationError{Field: "scaling.low_water", Reason: "must be within [0, 1]"}
	}
	if c.HighWater < 0 || c.HighWater > 1 || c.HighWater <= c.LowWater {
		return &types.ValidationError{Field: "scaling.high_water", Reason: "must be within [0, 1] and above low_water"}
	}
	if c.MaxNodes > 0 && c.MinNodes > c.MaxNodes {
		return &types.ValidationError{Field: "scaling.min_nodes", Reason: "exceeds max_nodes"}
	}
	if c.MinNodes < 0 || c.MaxNodes < 0 {
		return &types.ValidationError{Field: "scaling.max_nodes", Reason: "must not be negative"}
	}
	return nil
}

type sample struct {
	at   time.Time
	frac float64
}

// Controller 擴縮容控制器
type Controller struct {
	cfg         Config
	cluster     Cluster
	provisioner provision.Provisioner
	metrics     *metrics.Collector

	mu          sync.Mutex
	samples     *queue.Queue
	notLow      int // 視窗中 >= LowWater 的樣本數
	windowStart time.Time
	highSince   time.Time
	lastAction  time.Time
	pending     map[string]time.Time      // 申請 token → 期限
	provisioned map[types.NodeID]string   // 節點 → 供應服務 ID
	released    map[types.NodeID]struct{} // 縮容中的節點

	now     func() time.Time
	stopCh  chan struct{}
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New 建立控制器；provisioner 為 nil 時只能觀察、無法執行決策
func New(cfg Config, cluster Cluster, provisioner provision.Provisioner, m *metrics.Collector) *Controller {
	def := DefaultConfig()
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.ProvisionDeadline <= 0 {
		cfg.ProvisionDeadline = def.ProvisionDeadline
	}
	if cfg.Step <= 0 {
		cfg.Step = def.Step
	}
	if cfg.LowWater == 0 && cfg.HighWater == 0 {
		cfg.LowWater, cfg.HighWater = def.LowWater, def.HighWater
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:         cfg,
		cluster:     cluster,
		provisioner: provisioner,
		metrics:     m,
		samples:     queue.New(),
		pending:     make(map[string]time.Time),
		provisioned: make(map[types.NodeID]string),
		released:    make(map[types.NodeID]struct{}),
		now:         time.Now,
		stopCh:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetClock 替換時鐘（測試用）
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Start 啟動取樣循環
func (c *Controller) Start() {
	c.wg.Add(1)
	go c.loop()
	log.Info("Scaling controller started", "interval", c.cfg.SampleInterval, "window", c.cfg.Window,
		"lowWater", c.cfg.LowWater, "highWater", c.cfg.HighWater)
}

// Stop 停止取樣並取消進行中的申請
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	c.cancel()
	c.wg.Wait()
	log.Info("Scaling controller stopped")
}

func (c *Controller) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			c.mu.Unlock()
			d := c.Evaluate(c.cluster.PoolSnapshot(), now)
			if d.Action == ActionNone || c.provisioner == nil {
				continue
			}
			if err := c.execute(d); err != nil {
				log.Warn("Scaling decision not executed", "action", d.Action, "error", err)
			}
		}
	}
}

// Fraction 資源池可用比例；總容量為 0 時 ok = false
func Fraction(snap pool.Snapshot) (float64, bool) {
	type dim struct{ avail, capacity int64 }
	dims := []dim{
		{snap.Available.CPUMillis, snap.Capacity.CPUMillis},
		{snap.Available.MemoryMB, snap.Capacity.MemoryMB},
		{snap.Available.GPUUnits, snap.Capacity.GPUUnits},
	}
	frac, ok := 1.0, false
	for _, d := range dims {
		if d.capacity <= 0 {
			continue
		}
		f := float64(d.avail) / float64(d.capacity)
		if f < frac {
			frac = f
		}
		ok = true
	}
	if frac < 0 {
		frac = 0
	}
	return frac, ok
}

// Evaluate 加入一個樣本並產生決策
//
// 只更新視窗狀態，不執行決策；Cooldown 期間一律回傳 ActionNone
func (c *Controller) Evaluate(snap pool.Snapshot, now time.Time) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if frac, ok := Fraction(snap); ok {
		c.record(sample{at: now, frac: frac})
	}
	c.expirePending(now)

	if !c.lastAction.IsZero() && now.Sub(c.lastAction) < c.cfg.Cooldown {
		return Decision{Action: ActionNone}
	}

	nodes := len(snap.Nodes) - len(c.released)
	pending := len(c.pending)

	if c.cfg.MinNodes > 0 && nodes+pending < c.cfg.MinNodes {
		return Decision{Action: ActionScaleUp, Count: c.cfg.MinNodes - nodes - pending}
	}

	if pending == 0 && c.windowFull(now) && c.notLow == 0 {
		n := c.cfg.Step
		if c.cfg.MaxNodes > 0 && nodes+n > c.cfg.MaxNodes {
			n = c.cfg.MaxNodes - nodes
		}
		if n > 0 {
			return Decision{Action: ActionScaleUp, Count: n}
		}
	}

	if !c.highSince.IsZero() && now.Sub(c.highSince) >= c.cfg.Cooldown && nodes > c.cfg.MinNodes {
		if idle := c.idleNodes(snap, 1); len(idle) > 0 {
			return Decision{Action: ActionScaleDown, NodeIDs: idle}
		}
	}
	return Decision{Action: ActionNone}
}

// record 呼叫者需持有 c.mu
func (c *Controller) record(s sample) {
	if c.samples.Len() == 0 {
		c.windowStart = s.at
	}
	c.samples.Enqueue(s)
	if s.frac >= c.cfg.LowWater {
		c.notLow++
	}
	for c.samples.Len() > 0 {
		oldest := c.samples.Peek().(sample)
		if s.at.Sub(oldest.at) <= c.cfg.Window {
			break
		}
		c.samples.Dequeue()
		if oldest.frac >= c.cfg.LowWater {
			c.notLow--
		}
	}

	if s.frac > c.cfg.HighWater {
		if c.highSince.IsZero() {
			c.highSince = s.at
		}
	} else {
		c.highSince = time.Time{}
	}
}

// windowFull 視窗已持續取樣至少 Window
func (c *Controller) windowFull(now time.Time) bool {
	return c.samples.Len() > 0 && now.Sub(c.windowStart) >= c.cfg.Window
}

// resetWindow 決策執行後重新累積樣本
func (c *Controller) resetWindow() {
	c.samples = queue.New()
	c.notLow = 0
	c.windowStart = time.Time{}
	c.highSince = time.Time{}
}

func (c *Controller) expirePending(now time.Time) {
	for token, deadline := range c.pending {
		if now.After(deadline) {
			delete(c.pending, token)
			log.Warn("Provisioning request abandoned", "token", token, "error", types.ErrProvisioningUnavailable)
		}
	}
}

// idleNodes 挑選沒有預留的節點；優先挑由本控制器申請的節點，其次依 ID 由大到小
func (c *Controller) idleNodes(snap pool.Snapshot, limit int) []types.NodeID {
	var idle []types.NodeID
	for _, u := range snap.Nodes {
		if u.Reservations > 0 || u.Quarantined {
			continue
		}
		if _, busy := c.released[u.NodeID]; busy {
			continue
		}
		idle = append(idle, u.NodeID)
	}
	sort.Slice(idle, func(i, j int) bool {
		_, pi := c.provisioned[idle[i]]
		_, pj := c.provisioned[idle[j]]
		if pi != pj {
			return pi
		}
		return idle[i] > idle[j]
	})
	if len(idle) > limit {
		idle = idle[:limit]
	}
	return idle
}

// Request 手動擴縮容，略過視窗與 Cooldown
//
// 參數說明：
//   - delta > 0: 申請節點，扣除尚未完成的申請數
//   - delta < 0: 移除最多 |delta| 個閒置節點，不低於 MinNodes
func (c *Controller) Request(ctx context.Context, delta int) (Decision, error) {
	if delta == 0 {
		return Decision{Action: ActionNone}, &types.ValidationError{Field: "delta", Reason: "must not be zero"}
	}
	if c.provisioner == nil {
		return Decision{Action: ActionNone}, fmt.Errorf("%w: no provisioner configured", types.ErrProvisioningUnavailable)
	}
	snap := c.cluster.PoolSnapshot()

	c.mu.Lock()
	now := c.now()
	c.expirePending(now)
	nodes := len(snap.Nodes) - len(c.released)
	var d Decision
	if delta > 0 {
		n := delta - len(c.pending)
		if c.cfg.MaxNodes > 0 && nodes+len(c.pending)+n > c.cfg.MaxNodes {
			n = c.cfg.MaxNodes - nodes - len(c.pending)
		}
		d = Decision{Action: ActionScaleUp, Count: n}
		if n <= 0 {
			d = Decision{Action: ActionNone}
		}
	} else {
		n := -delta
		if nodes-n < c.cfg.MinNodes {
			n = nodes - c.cfg.MinNodes
		}
		idle := c.idleNodes(snap, n)
		if n > 0 && len(idle) == 0 {
			c.mu.Unlock()
			return Decision{Action: ActionNone}, fmt.Errorf("scaling: %w: no idle node to remove", types.ErrNodeBusy)
		}
		d = Decision{Action: ActionScaleDown, NodeIDs: idle}
		if len(idle) == 0 {
			d = Decision{Action: ActionNone}
		}
	}
	c.mu.Unlock()

	if d.Action == ActionNone {
		return d, nil
	}
	return d, c.execute(d)
}

// execute 在背景執行決策
func (c *Controller) execute(d Decision) error {
	if c.provisioner == nil {
		return fmt.Errorf("%w: no provisioner configured", types.ErrProvisioningUnavailable)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("scaling controller stopped")
	}
	now := c.now()
	c.lastAction = now
	c.resetWindow()

	switch d.Action {
	case ActionScaleUp:
		c.metrics.RecordScale("up")
		log.Info("Scaling up", "nodes", d.Count)
		for i := 0; i < d.Count; i++ {
			token := uuid.NewString()
			c.pending[token] = now.Add(c.cfg.ProvisionDeadline)
			c.wg.Add(1)
			go c.provision(token)
		}
	case ActionScaleDown:
		c.metrics.RecordScale("down")
		log.Info("Scaling down", "nodes", d.NodeIDs)
		for _, id := range d.NodeIDs {
			c.released[id] = struct{}{}
			c.cluster.SetDraining(id, true)
			c.wg.Add(1)
			go c.release(id)
		}
	}
	return nil
}

func (c *Controller) provision(token string) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ProvisionDeadline)
	defer cancel()

	h, err := c.provisioner.RequestNode(ctx, c.cfg.NodeSpec)
	if err == nil {
		var id types.NodeID
		id, err = c.cluster.RegisterNode(types.Node{
			ID:       types.NodeID(h.ID),
			Endpoint: h.Endpoint,
			Capacity: h.Capacity,
			Labels:   h.Labels,
		})
		if err == nil {
			c.mu.Lock()
			c.provisioned[id] = h.ID
			c.mu.Unlock()
			log.Info("Provisioned node registered", "node", id, "endpoint", h.Endpoint)
		}
	}

	c.mu.Lock()
	delete(c.pending, token)
	c.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		log.Warn("Provisioning deadline exceeded", "deadline", c.cfg.ProvisionDeadline,
			"error", fmt.Errorf("%w: %v", types.ErrProvisioningUnavailable, err))
	default:
		log.Warn("Provisioning failed", "error", err)
	}
}

func (c *Controller) release(id types.NodeID) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.released, id)
		c.mu.Unlock()
	}()

	if err := c.cluster.Retire(c.ctx, id); err != nil {
		if errors.Is(err, types.ErrNodeBusy) {
			log.Info("Scale-down skipped, node picked up work", "node", id)
		} else {
			log.Warn("Retire failed", "node", id, "error", err)
		}
		return
	}

	c.mu.Lock()
	providerID, ok := c.provisioned[id]
	delete(c.provisioned, id)
	c.mu.Unlock()
	if !ok {
		providerID = string(id)
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ProvisionDeadline)
	defer cancel()
	if err := c.provisioner.ReleaseNode(ctx, providerID); err != nil {
		log.Warn("Release node failed", "node", id, "error", err)
		return
	}
	log.Info("Node released", "node", id)
}

// Pending 尚未完成的申請數
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
