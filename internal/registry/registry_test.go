package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/supervm/pkg/types"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := New(Config{HeartbeatInterval: time.Second, MissedHeartbeats: 3, RemoveAfter: 10 * time.Second})
	r.SetClock(clock.Now)
	return r, clock
}

func testNode(endpoint string) types.Node {
	return types.Node{Endpoint: endpoint, Capacity: types.Resources{CPUMillis: 4000, MemoryMB: 8192}}
}

func TestRegister(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.Register(testNode("10.0.0.1:7070"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	n, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.NodeHealthy, n.Health)
	assert.Equal(t, "10.0.0.1:7070", n.Endpoint)

	_, err = r.Register(testNode("10.0.0.1:7070"))
	assert.ErrorIs(t, err, types.ErrDuplicateNode)

	explicit := testNode("10.0.0.2:7070")
	explicit.ID = id
	_, err = r.Register(explicit)
	assert.ErrorIs(t, err, types.ErrDuplicateNode)
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRegistry(t)

	tests := []struct {
		name string
		node types.Node
	}{
		{"missing endpoint", types.Node{Capacity: types.Resources{CPUMillis: 1000}}},
		{"zero capacity", types.Node{Endpoint: "x:1"}},
		{"negative capacity", types.Node{Endpoint: "x:1", Capacity: types.Resources{CPUMillis: -1, MemoryMB: 10}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(tt.node)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestSweepDegradesThenUnreachable(t *testing.T) {
	r, clock := newTestRegistry(t)
	id, err := r.Register(testNode("a:1"))
	require.NoError(t, err)

	clock.Advance(500 * time.Millisecond)
	assert.Empty(t, r.Sweep(clock.Now()))

	clock.Advance(time.Second)
	changes := r.Sweep(clock.Now())
	require.Len(t, changes, 1)
	assert.Equal(t, types.NodeDegraded, changes[0].To)
	assert.Empty(t, r.ListHealthy())

	clock.Advance(2 * time.Second)
	changes = r.Sweep(clock.Now())
	require.Len(t, changes, 1)
	assert.Equal(t, id, changes[0].NodeID)
	assert.Equal(t, types.NodeDegraded, changes[0].From)
	assert.Equal(t, types.NodeUnreachable, changes[0].To)

	// a second sweep reports nothing new
	assert.Empty(t, r.Sweep(clock.Now()))
}

func TestHeartbeatRecovers(t *testing.T) {
	r, clock := newTestRegistry(t)
	id, err := r.Register(testNode("a:1"))
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	r.Sweep(clock.Now())
	n, _ := r.Get(id)
	require.Equal(t, types.NodeUnreachable, n.Health)

	ch, err := r.Heartbeat(id, types.NodeMetrics{RunningJobs: 2})
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, types.NodeHealthy, ch.To)

	n, _ = r.Get(id)
	assert.Equal(t, 2, n.Metrics.RunningJobs)

	ch, err = r.Heartbeat(id, types.NodeMetrics{Degraded: true})
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, types.NodeDegraded, ch.To)
	assert.False(t, r.Schedulable(id))

	_, err = r.Heartbeat("ghost", types.NodeMetrics{})
	assert.ErrorIs(t, err, types.ErrNodeNotFound)
}

func TestMarkUnreachable(t *testing.T) {
	r, clock := newTestRegistry(t)
	id, err := r.Register(testNode("10.0.0.1:7070"))
	require.NoError(t, err)

	ch, err := r.MarkUnreachable(id)
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, types.NodeHealthy, ch.From)
	assert.Equal(t, types.NodeUnreachable, ch.To)
	assert.False(t, r.Schedulable(id))

	// already unreachable: no change is reported, and sweeping adds none either
	ch, err = r.MarkUnreachable(id)
	require.NoError(t, err)
	assert.Nil(t, ch)
	assert.Empty(t, r.Sweep(clock.Now()))

	clock.Advance(11 * time.Second)
	assert.Equal(t, []types.NodeID{id}, r.Stale(clock.Now()))

	_, err = r.MarkUnreachable("missing")
	assert.ErrorIs(t, err, types.ErrNodeNotFound)
}

func TestStaleAfterRemoveAfter(t *testing.T) {
	r, clock := newTestRegistry(t)
	id, err := r.Register(testNode("a:1"))
	require.NoError(t, err)

	clock.Advance(4 * time.Second)
	r.Sweep(clock.Now())
	assert.Empty(t, r.Stale(clock.Now()))

	clock.Advance(11 * time.Second)
	assert.Equal(t, []types.NodeID{id}, r.Stale(clock.Now()))
}

func TestDrainingExcludedFromScheduling(t *testing.T) {
	r, _ := newTestRegistry(t)
	id, err := r.Register(testNode("a:1"))
	require.NoError(t, err)

	assert.True(t, r.Schedulable(id))
	r.SetDraining(id, true)
	assert.False(t, r.Schedulable(id))
	assert.True(t, r.IsHealthy(id))
	r.SetDraining(id, false)
	assert.True(t, r.Schedulable(id))
}

func TestDeregisterFreesEndpoint(t *testing.T) {
	r, _ := newTestRegistry(t)
	id, err := r.Register(testNode("a:1"))
	require.NoError(t, err)

	require.NoError(t, r.Deregister(id))
	assert.ErrorIs(t, r.Deregister(id), types.ErrNodeNotFound)
	assert.Equal(t, 0, r.Len())

	_, err = r.Register(testNode("a:1"))
	assert.NoError(t, err)
}

func TestListReturnsCopies(t *testing.T) {
	r, _ := newTestRegistry(t)
	n := testNode("a:1")
	n.Labels = map[string]string{"zone": "a"}
	id, err := r.Register(n)
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 1)
	list[0].Labels["zone"] = "mutated"

	got, _ := r.Get(id)
	assert.Equal(t, "a", got.Labels["zone"])
}
