package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/supervm/internal/agent"
	"github.com/ChuLiYu/supervm/internal/dispatch"
	"github.com/ChuLiYu/supervm/internal/pool"
	"github.com/ChuLiYu/supervm/internal/registry"
	"github.com/ChuLiYu/supervm/internal/scheduler"
	"github.com/ChuLiYu/supervm/internal/storage/filestore"
	"github.com/ChuLiYu/supervm/internal/storage/wal"
	"github.com/ChuLiYu/supervm/internal/taskstore"
	"github.com/ChuLiYu/supervm/pkg/types"
)

var nodeCapacity = types.Resources{CPUMillis: 4000, MemoryMB: 8192}

// cluster 行程內的排程器 + 模擬節點，任務存儲落在 dir
type cluster struct {
	sched *scheduler.Scheduler
	execs []*agent.Executor
}

func newCluster(t testing.TB, dir string, nodes int, engine agent.Engine, maxAttempts int) *cluster {
	t.Helper()

	backend, err := filestore.Open(filestore.Config{
		WALPath:      filepath.Join(dir, "wal", "tasks.log"),
		SnapshotPath: filepath.Join(dir, "snapshots", "tasks.snapshot"),
		WAL:          wal.Options{SyncOnAppend: true},
	})
	require.NoError(t, err)

	transport := dispatch.NewLocalTransport()
	sched, err := scheduler.New(scheduler.Config{
		DefaultMaxAttempts: maxAttempts,
		PassInterval:       50 * time.Millisecond,
		SweepInterval:      time.Hour,
		SnapshotInterval:   time.Second,
	}, scheduler.Deps{
		Store:      taskstore.New(backend),
		Registry:   registry.New(registry.Config{HeartbeatInterval: time.Minute, MissedHeartbeats: 3}),
		Pool:       pool.New(),
		Dispatcher: dispatch.New(transport, dispatch.Config{Workers: 16, QueueSize: 1024}),
	})
	require.NoError(t, err)

	c := &cluster{sched: sched}
	for i := 0; i < nodes; i++ {
		exec := agent.NewExecutor(map[types.TaskType]agent.Engine{
			types.TaskProcess: engine,
			types.TaskRender:  engine,
			types.TaskBrowser: engine,
			types.TaskSync:    engine,
		}, 0)
		endpoint := fmt.Sprintf("local-%d", i)
		transport.Attach(endpoint, exec)
		_, err := sched.RegisterNode(types.Node{ID: types.NodeID(fmt.Sprintf("vm-%d", i)), Endpoint: endpoint, Capacity: nodeCapacity})
		require.NoError(t, err)
		c.execs = append(c.execs, exec)
	}
	return c
}

func (c *cluster) start(t testing.TB) {
	t.Helper()
	require.NoError(t, c.sched.Start(context.Background()))
}

// stop 模擬排程器行程退出；節點上的執行一併終止
func (c *cluster) stop() {
	c.sched.Stop()
	for _, e := range c.execs {
		e.Close()
	}
}

func (c *cluster) submit(t testing.TB, n int, prefix string) {
	t.Helper()
	kinds := []types.TaskType{types.TaskProcess, types.TaskRender, types.TaskBrowser, types.TaskSync}
	for i := 0; i < n; i++ {
		_, err := c.sched.Submit(context.Background(), types.TaskSpec{
			Type:    kinds[i%len(kinds)],
			Demand:  types.Resources{CPUMillis: int64(250 * (1 + i%4)), MemoryMB: int64(128 * (1 + i%8))},
			Payload: map[string]any{"job": fmt.Sprintf("%s-%d", prefix, i)},
			Timeout: 5 * time.Second,
		})
		require.NoError(t, err)
	}
}

func terminal(st scheduler.Status) int {
	return st.Tasks[types.StateCompleted] + st.Tasks[types.StateFailed] + st.Tasks[types.StateCancelled]
}

func total(st scheduler.Status) int {
	n := 0
	for _, c := range st.Tasks {
		n += c
	}
	return n
}

// waitTerminal 等待 want 個任務進入終態，回傳最後一次狀態
func (c *cluster) waitTerminal(want int, timeout time.Duration) scheduler.Status {
	deadline := time.Now().Add(timeout)
	for {
		st := c.sched.Status()
		if terminal(st) >= want || time.Now().After(deadline) {
			return st
		}
		time.Sleep(50 * time.Millisecond)
	}
}
