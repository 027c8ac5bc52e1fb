package scaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/supervm/internal/pool"
	"github.com/ChuLiYu/supervm/internal/provision"
	"github.com/ChuLiYu/supervm/pkg/types"
)

type fakeCluster struct {
	mu         sync.Mutex
	snap       pool.Snapshot
	registered []types.Node
	retired    []types.NodeID
	drained    []types.NodeID // every SetDraining(id, true)
	draining   map[types.NodeID]bool
	busy       map[types.NodeID]bool // Retire refuses these
}

func (f *fakeCluster) PoolSnapshot() pool.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeCluster) RegisterNode(n types.Node) (types.NodeID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, n)
	return n.ID, nil
}

func (f *fakeCluster) SetDraining(id types.NodeID, draining bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.draining == nil {
		f.draining = map[types.NodeID]bool{}
	}
	f.draining[id] = draining
	if draining {
		f.drained = append(f.drained, id)
	}
}

func (f *fakeCluster) Retire(_ context.Context, id types.NodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy[id] {
		f.draining[id] = false
		return types.ErrNodeBusy
	}
	f.retired = append(f.retired, id)
	return nil
}

func (f *fakeCluster) isDraining(id types.NodeID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.draining[id]
}

func (f *fakeCluster) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registered), len(f.retired)
}

type fakeProvisioner struct {
	mu       sync.Mutex
	block    bool
	next     int
	released []string
}

func (p *fakeProvisioner) RequestNode(ctx context.Context, spec provision.NodeSpec) (provision.NodeHandle, error) {
	if p.block {
		<-ctx.Done()
		return provision.NodeHandle{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	id := string(rune('a'+p.next-1)) + "-vm"
	return provision.NodeHandle{ID: id, Endpoint: id + ":7070", Capacity: spec.Capacity}, nil
}

func (p *fakeProvisioner) ReleaseNode(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, id)
	return nil
}

func (p *fakeProvisioner) releasedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.released...)
}

func snapshotWith(frac float64, nodes ...pool.NodeUsage) pool.Snapshot {
	capacity := types.Resources{CPUMillis: 10000, MemoryMB: 10000}
	return pool.Snapshot{
		Nodes:    nodes,
		Capacity: capacity,
		Available: types.Resources{
			CPUMillis: int64(frac * 10000),
			MemoryMB:  10000,
		},
	}
}

func testConfig() Config {
	return Config{
		SampleInterval:    10 * time.Second,
		Window:            30 * time.Second,
		LowWater:          0.2,
		HighWater:         0.7,
		Cooldown:          time.Minute,
		ProvisionDeadline: time.Second,
		Step:              1,
		NodeSpec:          provision.NodeSpec{Capacity: types.Resources{CPUMillis: 4000, MemoryMB: 8192}},
	}
}

func newTestController(t *testing.T, cfg Config, p provision.Provisioner) (*Controller, *fakeCluster) {
	t.Helper()
	cluster := &fakeCluster{}
	c := New(cfg, cluster, p, nil)
	t.Cleanup(c.Stop)
	return c, cluster
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFraction(t *testing.T) {
	f, ok := Fraction(pool.Snapshot{
		Capacity:  types.Resources{CPUMillis: 8000, MemoryMB: 16000},
		Available: types.Resources{CPUMillis: 2000, MemoryMB: 8000},
	})
	require.True(t, ok)
	assert.InDelta(t, 0.25, f, 1e-9)

	f, ok = Fraction(pool.Snapshot{
		Capacity:  types.Resources{CPUMillis: 8000, MemoryMB: 16000, GPUUnits: 2},
		Available: types.Resources{CPUMillis: 8000, MemoryMB: 16000, GPUUnits: 0},
	})
	require.True(t, ok)
	assert.Equal(t, 0.0, f, "an exhausted GPU dimension dominates")

	_, ok = Fraction(pool.Snapshot{})
	assert.False(t, ok)
}

func TestScaleUpAfterFullWindowBelowLowWater(t *testing.T) {
	c, _ := newTestController(t, testConfig(), &fakeProvisioner{})
	low := snapshotWith(0.1, pool.NodeUsage{NodeID: "a", Reservations: 3})

	for i := 0; i < 3; i++ {
		d := c.Evaluate(low, t0.Add(time.Duration(i)*10*time.Second))
		assert.Equal(t, ActionNone, d.Action, "window not yet full at sample %d", i)
	}
	d := c.Evaluate(low, t0.Add(30*time.Second))
	assert.Equal(t, ActionScaleUp, d.Action)
	assert.Equal(t, 1, d.Count)
}

func TestOneHealthySampleHoldsScaleUp(t *testing.T) {
	c, _ := newTestController(t, testConfig(), &fakeProvisioner{})
	low := snapshotWith(0.1, pool.NodeUsage{NodeID: "a", Reservations: 3})
	ok := snapshotWith(0.5, pool.NodeUsage{NodeID: "a", Reservations: 3})

	c.Evaluate(low, t0)
	c.Evaluate(ok, t0.Add(10*time.Second))
	assert.Equal(t, ActionNone, c.Evaluate(low, t0.Add(20*time.Second)).Action)
	assert.Equal(t, ActionNone, c.Evaluate(low, t0.Add(30*time.Second)).Action)
	assert.Equal(t, ActionNone, c.Evaluate(low, t0.Add(40*time.Second)).Action)

	// the healthy sample has left the window
	d := c.Evaluate(low, t0.Add(50*time.Second))
	assert.Equal(t, ActionScaleUp, d.Action)
}

func TestMaxNodesCapsScaleUp(t *testing.T) {
	cfg := testConfig()
	cfg.MaxNodes = 1
	c, _ := newTestController(t, cfg, &fakeProvisioner{})
	low := snapshotWith(0.0, pool.NodeUsage{NodeID: "a", Reservations: 1})

	for i := 0; i <= 3; i++ {
		d := c.Evaluate(low, t0.Add(time.Duration(i)*10*time.Second))
		assert.Equal(t, ActionNone, d.Action)
	}
}

func TestScaleDownPicksIdleNode(t *testing.T) {
	c, _ := newTestController(t, testConfig(), &fakeProvisioner{})
	high := snapshotWith(0.9,
		pool.NodeUsage{NodeID: "a", Reservations: 1},
		pool.NodeUsage{NodeID: "b"},
		pool.NodeUsage{NodeID: "c", Quarantined: true},
	)

	assert.Equal(t, ActionNone, c.Evaluate(high, t0).Action)
	assert.Equal(t, ActionNone, c.Evaluate(high, t0.Add(30*time.Second)).Action)

	d := c.Evaluate(high, t0.Add(time.Minute))
	require.Equal(t, ActionScaleDown, d.Action)
	assert.Equal(t, []types.NodeID{"b"}, d.NodeIDs)
}

func TestNoScaleDownWithoutIdleNodes(t *testing.T) {
	c, _ := newTestController(t, testConfig(), &fakeProvisioner{})
	high := snapshotWith(0.9,
		pool.NodeUsage{NodeID: "a", Reservations: 1},
		pool.NodeUsage{NodeID: "b", Reservations: 2},
	)
	c.Evaluate(high, t0)
	assert.Equal(t, ActionNone, c.Evaluate(high, t0.Add(2*time.Minute)).Action)
}

func TestMinNodes(t *testing.T) {
	cfg := testConfig()
	cfg.MinNodes = 2
	c, _ := newTestController(t, cfg, &fakeProvisioner{})

	d := c.Evaluate(pool.Snapshot{}, t0)
	assert.Equal(t, ActionScaleUp, d.Action)
	assert.Equal(t, 2, d.Count)
}

func TestCooldownAfterAction(t *testing.T) {
	cfg := testConfig()
	c, cluster := newTestController(t, cfg, &fakeProvisioner{})
	c.SetClock(func() time.Time { return t0 })
	cluster.snap = snapshotWith(0.0, pool.NodeUsage{NodeID: "a", Reservations: 1})

	_, err := c.Request(context.Background(), 1)
	require.NoError(t, err)

	for i := 0; i <= 5; i++ {
		d := c.Evaluate(cluster.snap, t0.Add(time.Duration(i)*10*time.Second))
		assert.Equal(t, ActionNone, d.Action)
	}
}

func TestRequestRegistersProvisionedNode(t *testing.T) {
	p := &fakeProvisioner{}
	c, cluster := newTestController(t, testConfig(), p)

	d, err := c.Request(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ActionScaleUp, d.Action)

	assert.Eventually(t, func() bool {
		n, _ := cluster.counts()
		return n == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "a-vm:7070", cluster.registered[0].Endpoint)
	assert.Equal(t, int64(4000), cluster.registered[0].Capacity.CPUMillis)
	assert.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRequestHonoursPending(t *testing.T) {
	cfg := testConfig()
	cfg.ProvisionDeadline = time.Minute
	c, _ := newTestController(t, cfg, &fakeProvisioner{block: true})

	d, err := c.Request(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Count)
	assert.Equal(t, 2, c.Pending())

	d, err = c.Request(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Count)

	d, err = c.Request(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, d.Action)
}

func TestProvisionDeadlineAbandonsRequest(t *testing.T) {
	cfg := testConfig()
	cfg.ProvisionDeadline = 50 * time.Millisecond
	c, cluster := newTestController(t, cfg, &fakeProvisioner{block: true})

	_, err := c.Request(context.Background(), 1)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 10*time.Millisecond)
	n, _ := cluster.counts()
	assert.Equal(t, 0, n)
}

func TestRequestScaleDown(t *testing.T) {
	p := &fakeProvisioner{}
	c, cluster := newTestController(t, testConfig(), p)
	cluster.snap = snapshotWith(0.9,
		pool.NodeUsage{NodeID: "a", Reservations: 1},
		pool.NodeUsage{NodeID: "b"},
	)

	d, err := c.Request(context.Background(), -2)
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{"b"}, d.NodeIDs, "busy nodes are never removed")

	assert.Eventually(t, func() bool {
		_, n := cluster.counts()
		return n == 1
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(p.releasedIDs()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"b"}, p.releasedIDs())
}

func TestScaleDownDrainsBeforeReturning(t *testing.T) {
	p := &fakeProvisioner{}
	c, cluster := newTestController(t, testConfig(), p)
	cluster.snap = snapshotWith(0.9, pool.NodeUsage{NodeID: "a"})
	cluster.busy = map[types.NodeID]bool{"a": true}

	d, err := c.Request(context.Background(), -1)
	require.NoError(t, err)
	require.Equal(t, []types.NodeID{"a"}, d.NodeIDs)
	// drained before Request returns, not when the background retire runs
	cluster.mu.Lock()
	assert.Equal(t, []types.NodeID{"a"}, cluster.drained)
	cluster.mu.Unlock()

	// work landed on a before the drain: the node is kept and not released
	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.released) == 0
	}, time.Second, 10*time.Millisecond)
	assert.False(t, cluster.isDraining("a"))
	_, retired := cluster.counts()
	assert.Zero(t, retired)
	assert.Empty(t, p.releasedIDs())
}

func TestRequestScaleDownAllBusy(t *testing.T) {
	c, cluster := newTestController(t, testConfig(), &fakeProvisioner{})
	cluster.snap = snapshotWith(0.9, pool.NodeUsage{NodeID: "a", Reservations: 1})

	_, err := c.Request(context.Background(), -1)
	assert.ErrorIs(t, err, types.ErrNodeBusy)
}

func TestRequestValidation(t *testing.T) {
	c, _ := newTestController(t, testConfig(), nil)

	_, err := c.Request(context.Background(), 0)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = c.Request(context.Background(), 1)
	assert.True(t, errors.Is(err, types.ErrProvisioningUnavailable))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*Config)
		valid bool
	}{
		{"defaults", func(*Config) {}, true},
		{"low above one", func(c *Config) { c.LowWater = 1.5 }, false},
		{"high below low", func(c *Config) { c.HighWater = 0.1 }, false},
		{"min above max", func(c *Config) { c.MinNodes, c.MaxNodes = 3, 2 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mod(&cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, types.ErrValidation)
			}
		})
	}
}
