// ============================================================================
// SuperVM Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露排程器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter, label: type)：
//      - supervm_tasks_submitted_total
//      - supervm_tasks_assigned_total
//      - supervm_tasks_completed_total
//      - supervm_tasks_failed_total
//      - supervm_tasks_retried_total
//      - supervm_tasks_cancelled_total
//
//   2. 叢集事件 (Counter)：
//      - supervm_invariant_violations_total
//      - supervm_node_failovers_total
//      - supervm_scale_decisions_total (label: action)
//
//   3. 性能指標 (Histogram)：
//      - supervm_task_execution_seconds (label: type)
//      - supervm_recovery_seconds (Gauge，最近一次啟動恢復時間)
//
//   4. 狀態指標 (Gauge)：
//      - supervm_tasks_queued / supervm_tasks_in_flight
//      - supervm_nodes (label: health)
//      - supervm_pool_capacity / supervm_pool_available (label: resource)
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   sum(rate(supervm_tasks_completed_total[1m]))
//
//   # 95 分位執行時間
//   histogram_quantile(0.95, sum by (le) (rate(supervm_task_execution_seconds_bucket[5m])))
//
//   # CPU 剩餘比例
//   supervm_pool_available{resource="cpu_millis"} / supervm_pool_capacity{resource="cpu_millis"}
//
// 使用方式:
//   Collector 由呼叫者以 Registerer 建立（測試用 prometheus.NewRegistry()）
//   nil *Collector 的所有方法皆為 no-op，元件可以不帶指標運行
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/supervm/pkg/types"
)

const namespace = "supervm"

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	submitted *prometheus.CounterVec
	assigned  *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	retried   *prometheus.CounterVec
	cancelled *prometheus.CounterVec

	// 叢集事件
	violations     prometheus.Counter
	failovers      prometheus.Counter
	scaleDecisions *prometheus.CounterVec

	// 效能指標
	execution    *prometheus.HistogramVec
	recoveryTime prometheus.Gauge

	// 狀態指標
	queued       prometheus.Gauge
	inFlight     prometheus.Gauge
	nodes        *prometheus.GaugeVec
	poolCapacity *prometheus.GaugeVec
	poolAvail    *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

func taskCounter(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, []string{"type"})
}

// NewCollector 創建指標收集器並註冊到 reg
//
// reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		submitted: taskCounter("tasks_submitted_total", "Total number of tasks accepted for scheduling"),
		assigned:  taskCounter("tasks_assigned_total", "Total number of attempts assigned to a node"),
		completed: taskCounter("tasks_completed_total", "Total number of tasks completed successfully"),
		failed:    taskCounter("tasks_failed_total", "Total number of tasks that ended in failed"),
		retried:   taskCounter("tasks_retried_total", "Total number of attempts that were retried"),
		cancelled: taskCounter("tasks_cancelled_total", "Total number of cancelled tasks"),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Total number of resource accounting invariant violations",
		}),
		failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_failovers_total",
			Help:      "Total number of node failovers",
		}),
		scaleDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scale_decisions_total",
			Help:      "Total number of scaling decisions executed",
		}, []string{"action"}),
		execution: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_execution_seconds",
			Help:      "Remote execution time of successful attempts",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
		}, []string{"type"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_seconds",
			Help:      "Time taken by the last task store recovery",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_queued",
			Help:      "Current number of queued tasks",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Current number of attempts with an active dispatch",
		}),
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Registered nodes by health",
		}, []string{"health"}),
		poolCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_capacity",
			Help:      "Aggregate capacity of healthy nodes",
		}, []string{"resource"}),
		poolAvail: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_available",
			Help:      "Aggregate available capacity of healthy nodes",
		}, []string{"resource"}),
	}

	reg.MustRegister(
		c.submitted, c.assigned, c.completed, c.failed, c.retried, c.cancelled,
		c.violations, c.failovers, c.scaleDecisions,
		c.execution, c.recoveryTime,
		c.queued, c.inFlight, c.nodes, c.poolCapacity, c.poolAvail,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordSubmit 記錄任務提交
func (c *Collector) RecordSubmit(t types.TaskType) {
	if c == nil {
		return
	}
	c.submitted.WithLabelValues(string(t)).Inc()
}

// RecordAssign 記錄一次分派
func (c *Collector) RecordAssign(t types.TaskType) {
	if c == nil {
		return
	}
	c.assigned.WithLabelValues(string(t)).Inc()
}

// RecordCompleted 記錄任務完成與執行時間
func (c *Collector) RecordCompleted(t types.TaskType, d time.Duration) {
	if c == nil {
		return
	}
	c.completed.WithLabelValues(string(t)).Inc()
	c.execution.WithLabelValues(string(t)).Observe(d.Seconds())
}

// RecordFailed 記錄任務最終失敗
func (c *Collector) RecordFailed(t types.TaskType) {
	if c == nil {
		return
	}
	c.failed.WithLabelValues(string(t)).Inc()
}

// RecordRetry 記錄一次重試
func (c *Collector) RecordRetry(t types.TaskType) {
	if c == nil {
		return
	}
	c.retried.WithLabelValues(string(t)).Inc()
}

// RecordCancelled 記錄任務取消
func (c *Collector) RecordCancelled(t types.TaskType) {
	if c == nil {
		return
	}
	c.cancelled.WithLabelValues(string(t)).Inc()
}

// RecordViolation 記錄資源記帳不變量違反
func (c *Collector) RecordViolation() {
	if c == nil {
		return
	}
	c.violations.Inc()
}

// RecordFailover 記錄節點故障轉移
func (c *Collector) RecordFailover() {
	if c == nil {
		return
	}
	c.failovers.Inc()
}

// RecordScale 記錄擴縮容決策（action: up / down）
func (c *Collector) RecordScale(action string) {
	if c == nil {
		return
	}
	c.scaleDecisions.WithLabelValues(action).Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(queued, inFlight int) {
	if c == nil {
		return
	}
	c.queued.Set(float64(queued))
	c.inFlight.Set(float64(inFlight))
}

// UpdateNodes 更新各健康狀態節點數
func (c *Collector) UpdateNodes(byHealth map[types.NodeHealth]int) {
	if c == nil {
		return
	}
	for _, h := range []types.NodeHealth{types.NodeHealthy, types.NodeDegraded, types.NodeUnreachable} {
		c.nodes.WithLabelValues(string(h)).Set(float64(byHealth[h]))
	}
}

// UpdatePool 更新資源池總量
func (c *Collector) UpdatePool(capacity, available types.Resources) {
	if c == nil {
		return
	}
	c.poolCapacity.WithLabelValues("cpu_millis").Set(float64(capacity.CPUMillis))
	c.poolCapacity.WithLabelValues("memory_mb").Set(float64(capacity.MemoryMB))
	c.poolCapacity.WithLabelValues("gpu_units").Set(float64(capacity.GPUUnits))
	c.poolAvail.WithLabelValues("cpu_millis").Set(float64(available.CPUMillis))
	c.poolAvail.WithLabelValues("memory_mb").Set(float64(available.MemoryMB))
	c.poolAvail.WithLabelValues("gpu_units").Set(float64(available.GPUUnits))
}

// Handler 回傳 /metrics HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
