package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/supervm/internal/dispatch"
	"github.com/ChuLiYu/supervm/internal/provision"
	"github.com/ChuLiYu/supervm/internal/scaling"
	"github.com/ChuLiYu/supervm/pkg/types"
)

// ============================================================================
// Unreachable nodes
// ============================================================================

func TestMarkUnreachableFailsOverRunningTasks(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.addNode(t, "a", cores(4))
	h.start(t)

	task, err := h.s.Submit(context.Background(), spec(cores(2)))
	require.NoError(t, err)
	h.waitState(t, task.ID, types.StateRunning)
	h.addNode(t, "b", cores(4))

	ch, err := h.s.MarkUnreachable(context.Background(), "a")
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, types.NodeUnreachable, ch.To)
	assert.Equal(t, types.Resources{}, h.committed("a"))

	assert.Eventually(t, func() bool {
		got, _ := h.s.Get(task.ID)
		return got.State == types.StateRunning && got.NodeID == "b" && got.Attempt == 2
	}, 2*time.Second, 5*time.Millisecond)

	// marking again reports no change and moves nothing
	ch, err = h.s.MarkUnreachable(context.Background(), "a")
	require.NoError(t, err)
	assert.Nil(t, ch)
	got, err := h.s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempt)

	_, err = h.s.MarkUnreachable(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrNodeNotFound)
}

func TestSweepFailsOverNodeMarkedBeforehand(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.addNode(t, "a", cores(4))
	h.start(t)

	task, err := h.s.Submit(context.Background(), spec(cores(2)))
	require.NoError(t, err)
	h.waitState(t, task.ID, types.StateRunning)
	h.addNode(t, "b", cores(4))

	// the registry alone is told; the sweep has no health change left to react to
	_, err = h.registry.MarkUnreachable("a")
	require.NoError(t, err)
	h.s.sweep(context.Background(), h.clock.Now())

	assert.Equal(t, types.Resources{}, h.committed("a"))
	assert.Eventually(t, func() bool {
		got, _ := h.s.Get(task.ID)
		return got.State == types.StateRunning && got.NodeID == "b"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectionFailureMarksNodeUnreachable(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.addNode(t, "a", cores(4))
	h.start(t)

	first, err := h.s.Submit(context.Background(), spec(cores(1)))
	require.NoError(t, err)
	second, err := h.s.Submit(context.Background(), spec(cores(1)))
	require.NoError(t, err)
	h.waitState(t, first.ID, types.StateRunning)
	h.waitState(t, second.ID, types.StateRunning)
	h.addNode(t, "b", cores(4))

	lost := fmt.Errorf("%w: %w: connection reset by peer", types.ErrRemoteExecution, dispatch.ErrNodeUnreachable)
	h.transport.finish(first.ID, 1, nil, lost)

	for _, id := range []types.TaskID{first.ID, second.ID} {
		assert.Eventually(t, func() bool {
			got, _ := h.s.Get(id)
			return got.State == types.StateRunning && got.NodeID == "b" && got.Attempt == 2
		}, 2*time.Second, 5*time.Millisecond)
	}
	node, err := h.registry.Get("a")
	require.NoError(t, err)
	assert.Equal(t, types.NodeUnreachable, node.Health)
	assert.Equal(t, types.Resources{}, h.committed("a"))
	assert.Equal(t, cores(2), h.committed("b"))
}

// ============================================================================
// Scale-down
// ============================================================================

func TestDrainingNodeGetsNoNewWork(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.addNode(t, "a", cores(2))
	h.addNode(t, "b", cores(8))
	h.start(t)

	h.s.SetDraining("a", true)
	task, err := h.s.Submit(context.Background(), spec(cores(1)))
	require.NoError(t, err)
	got := h.waitState(t, task.ID, types.StateRunning)
	assert.Equal(t, types.NodeID("b"), got.NodeID, "best fit would pick a if it were not draining")

	require.NoError(t, h.s.Retire(context.Background(), "a"))
	_, err = h.registry.Get("a")
	assert.ErrorIs(t, err, types.ErrNodeNotFound)
	got, err = h.s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, got.State)
	assert.Equal(t, 1, got.Attempt)
}

func TestRetireKeepsBusyNode(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.addNode(t, "a", cores(4))
	h.start(t)

	// the task landed before draining took effect
	task, err := h.s.Submit(context.Background(), spec(cores(2)))
	require.NoError(t, err)
	h.waitState(t, task.ID, types.StateRunning)
	h.s.SetDraining("a", true)

	err = h.s.Retire(context.Background(), "a")
	assert.ErrorIs(t, err, types.ErrNodeBusy)

	got, err := h.s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, got.State)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, cores(2), h.committed("a"))
	assert.True(t, h.registry.Schedulable("a"), "the kept node takes work again")

	h.transport.finish(task.ID, 1, nil, nil)
	h.waitState(t, task.ID, types.StateCompleted)
	require.NoError(t, h.s.Retire(context.Background(), "a"))
	assert.ErrorIs(t, h.s.Retire(context.Background(), "a"), types.ErrNodeNotFound)
}

type recordingProvisioner struct {
	mu       sync.Mutex
	released []string
}

func (p *recordingProvisioner) RequestNode(context.Context, provision.NodeSpec) (provision.NodeHandle, error) {
	return provision.NodeHandle{}, types.ErrProvisioningUnavailable
}

func (p *recordingProvisioner) ReleaseNode(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, id)
	return nil
}

func (p *recordingProvisioner) releasedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.released...)
}

func TestScaleDownLeavesRunningWorkAlone(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.addNode(t, "a", cores(4))
	h.addNode(t, "b", cores(4))
	prov := &recordingProvisioner{}
	ctrl := scaling.New(scaling.Config{Cooldown: time.Minute, ProvisionDeadline: time.Second}, h.s, prov, nil)
	t.Cleanup(ctrl.Stop)
	h.s.SetScaler(ctrl)
	h.start(t)

	task, err := h.s.Submit(context.Background(), spec(cores(2)))
	require.NoError(t, err)
	running := h.waitState(t, task.ID, types.StateRunning)
	idle := types.NodeID("a")
	if running.NodeID == "a" {
		idle = "b"
	}

	d, err := h.s.RequestScale(context.Background(), -2)
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{idle}, d.NodeIDs)

	assert.Eventually(t, func() bool { return len(prov.releasedIDs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{string(idle)}, prov.releasedIDs())
	assert.Len(t, h.s.ListNodes(), 1)

	got, err := h.s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, got.State)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, running.NodeID, got.NodeID)
}
