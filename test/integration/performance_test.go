// ============================================================================
// SuperVM Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: System-level throughput over the WAL backed task store
//
// Test Environment:
//   - 4 simulated nodes, 4000m / 8192MB each
//   - simulated execution latency: 0-100ms
//   - simulated failure rate: 10%, max attempts 3
//
// TestSystemThroughput:
//   - submit 500 mixed-size tasks
//   - target: >= 20 tasks/s, >= 95% completion rate
//
// BenchmarkSubmit:
//   admission cost of Submit with fsync on every WAL append
//
// ============================================================================

package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/supervm/internal/agent"
	"github.com/ChuLiYu/supervm/pkg/types"
)

func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}
	c := newCluster(t, t.TempDir(), 4, agent.NewSimulatedEngine(100*time.Millisecond, 0.1, 7), 3)
	c.start(t)
	defer c.stop()

	const totalTasks = 500
	startTime := time.Now()
	c.submit(t, totalTasks, "perf")
	st := c.waitTerminal(totalTasks, 60*time.Second)
	elapsed := time.Since(startTime)

	completed := st.Tasks[types.StateCompleted]
	failed := st.Tasks[types.StateFailed]
	throughput := float64(completed) / elapsed.Seconds()

	t.Logf("=== Performance Test Results ===")
	t.Logf("Total tasks: %d", totalTasks)
	t.Logf("Completed: %d", completed)
	t.Logf("Failed: %d", failed)
	t.Logf("Elapsed time: %v", elapsed)
	t.Logf("Throughput: %.2f tasks/second", throughput)
	t.Logf("================================")

	require.Equal(t, totalTasks, completed+failed)
	if throughput < 20 {
		t.Errorf("Throughput %.2f tasks/s is below target of 20 tasks/s", throughput)
	}
	if completed < totalTasks*95/100 {
		t.Errorf("Completion rate too low: %d/%d", completed, totalTasks)
	}
}

func BenchmarkSubmit(b *testing.B) {
	c := newCluster(b, b.TempDir(), 4, agent.NewSimulatedEngine(time.Millisecond, 0, 1), 3)
	c.start(b)
	defer c.stop()

	b.ResetTimer()
	c.submit(b, b.N, "bench")
	b.StopTimer()
}
