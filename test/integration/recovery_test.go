// ============================================================================
// SuperVM 恢復測試套件
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: 端到端生命週期與重啟恢復測試
//
// TestEndToEndLifecycle:
//   - 3 個模擬節點，10% 模擬失敗率，最多 3 次嘗試
//   - 提交 50 個任務，等待全部進入終態
//   - 驗證：無丟失、預留全部釋放、無不變量違反
//
// TestRestartRecovery:
//   - 第一階段：節點上的任務永不結束，排程器在任務持有預留時停止
//   - 第二階段：以同一目錄重建排程器與新節點
//   - 驗證：崩潰前 Assigned/Running 的任務經 Retrying 重新排隊並完成，
//     第一階段已完成的任務不重跑
//
// ============================================================================

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/supervm/internal/agent"
	"github.com/ChuLiYu/supervm/pkg/types"
)

func TestEndToEndLifecycle(t *testing.T) {
	c := newCluster(t, t.TempDir(), 3, agent.NewSimulatedEngine(50*time.Millisecond, 0.1, 42), 3)
	c.start(t)
	defer c.stop()

	c.submit(t, 50, "e2e")
	st := c.waitTerminal(50, 20*time.Second)

	completed := st.Tasks[types.StateCompleted]
	failed := st.Tasks[types.StateFailed]
	t.Logf("完成任務: %d, 失敗任務: %d", completed, failed)

	require.Equal(t, 50, completed+failed, "每個任務都應進入終態")
	// 三次嘗試全部失敗的機率為 0.1%
	assert.GreaterOrEqual(t, completed, 45)
	assert.Zero(t, st.Committed.CPUMillis, "終態後不應殘留預留")
	assert.Zero(t, st.Committed.MemoryMB)
	assert.Empty(t, st.Violations)
}

func TestRestartRecovery(t *testing.T) {
	dir := t.TempDir()

	// 第一階段：任務卡在節點上直到被取消
	stuck := agent.EngineFunc(func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	done := agent.EngineFunc(func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	c1 := newCluster(t, dir, 2, stuck, 5)
	c1.start(t)
	c1.submit(t, 20, "phase1")

	require.Eventually(t, func() bool {
		st := c1.sched.Status()
		return st.Tasks[types.StateRunning]+st.Tasks[types.StateAssigned] > 0
	}, 5*time.Second, 20*time.Millisecond)
	before := c1.sched.Status()
	active := before.Tasks[types.StateRunning] + before.Tasks[types.StateAssigned]
	t.Logf("Before crash - running: %d, queued: %d", active, before.Tasks[types.StateQueued])
	c1.stop()

	// 第二階段：恢復並在健康節點上完成
	start := time.Now()
	c2 := newCluster(t, dir, 2, done, 5)
	c2.start(t)
	defer c2.stop()
	recovery := time.Since(start)
	t.Logf("Recovery time: %v", recovery)
	assert.Less(t, recovery, 3*time.Second)

	st := c2.waitTerminal(20, 10*time.Second)
	assert.Equal(t, 20, total(st), "恢復後任務數不變")
	assert.Equal(t, 20, st.Tasks[types.StateCompleted])
	assert.Zero(t, st.Committed.CPUMillis)
	assert.Empty(t, st.Violations)

	// 崩潰前持有預留的任務至少經歷一次 Retrying
	retried := 0
	for _, task := range c2.sched.List(types.TaskFilter{}) {
		for _, h := range task.History {
			if h.To == types.StateRetrying {
				retried++
				break
			}
		}
	}
	assert.GreaterOrEqual(t, retried, active)
}
