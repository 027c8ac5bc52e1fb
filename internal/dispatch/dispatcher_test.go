package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/supervm/pkg/types"
)

// fakeTransport scripts node behaviour per task.
type fakeTransport struct {
	mu         sync.Mutex
	startErr   map[types.TaskID]error
	startDelay time.Duration
	results    map[types.TaskID]chan awaitResult
	aborts     []types.TaskID
	abortDelay time.Duration
}

type awaitResult struct {
	output map[string]any
	err    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		startErr: map[types.TaskID]error{},
		results:  map[types.TaskID]chan awaitResult{},
	}
}

func (f *fakeTransport) resultCh(id types.TaskID) chan awaitResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.results[id]
	if !ok {
		ch = make(chan awaitResult, 1)
		f.results[id] = ch
	}
	return ch
}

func (f *fakeTransport) finish(id types.TaskID, out map[string]any, err error) {
	f.resultCh(id) <- awaitResult{output: out, err: err}
}

func (f *fakeTransport) Start(ctx context.Context, _ string, task *types.Task) error {
	f.mu.Lock()
	err := f.startErr[task.ID]
	delay := f.startDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeTransport) Await(ctx context.Context, _ string, id types.TaskID, _ int) (map[string]any, error) {
	select {
	case r := <-f.resultCh(id):
		return r.output, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Abort(ctx context.Context, _ string, id types.TaskID, _ int) error {
	f.mu.Lock()
	f.aborts = append(f.aborts, id)
	delay := f.abortDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeTransport) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.aborts)
}

func newTestDispatcher(t *testing.T, tr Transport, cfg Config) *Dispatcher {
	t.Helper()
	d := New(tr, cfg)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)
	return d
}

func testTask(id string) *types.Task {
	return &types.Task{ID: types.TaskID(id), Type: types.TaskProcess, Attempt: 1}
}

func testNode() *types.Node {
	return &types.Node{ID: "n1", Endpoint: "n1:7070"}
}

func next(t *testing.T, d *Dispatcher) Completion {
	t.Helper()
	select {
	case c := <-d.Completions():
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return Completion{}
	}
}

func assertQuiet(t *testing.T, d *Dispatcher, wait time.Duration) {
	t.Helper()
	select {
	case c := <-d.Completions():
		t.Fatalf("unexpected completion %+v", c)
	case <-time.After(wait):
	}
}

func TestDispatchSuccess(t *testing.T) {
	tr := newFakeTransport()
	d := newTestDispatcher(t, tr, Config{Workers: 2})

	require.NoError(t, d.Dispatch(testTask("t1"), testNode()))
	c := next(t, d)
	assert.Equal(t, KindStarted, c.Kind)
	assert.Equal(t, types.NodeID("n1"), c.NodeID)

	tr.finish("t1", map[string]any{"exit_code": 0}, nil)
	c = next(t, d)
	assert.Equal(t, KindCompleted, c.Kind)
	assert.Equal(t, 1, c.Attempt)
	assert.Equal(t, 0, c.Output["exit_code"])
	assert.Equal(t, 0, d.InFlight())
}

func TestDispatchRejectedByNode(t *testing.T) {
	tr := newFakeTransport()
	tr.startErr["t1"] = errors.New("connection refused")
	d := newTestDispatcher(t, tr, Config{})

	require.NoError(t, d.Dispatch(testTask("t1"), testNode()))
	c := next(t, d)
	assert.Equal(t, KindFailed, c.Kind)
	assert.ErrorIs(t, c.Err, types.ErrDispatchRejected)
}

func TestDispatchStartTimeout(t *testing.T) {
	tr := newFakeTransport()
	tr.startDelay = time.Second
	d := newTestDispatcher(t, tr, Config{DispatchTimeout: 30 * time.Millisecond})

	require.NoError(t, d.Dispatch(testTask("t1"), testNode()))
	c := next(t, d)
	assert.Equal(t, KindFailed, c.Kind)
	assert.ErrorIs(t, c.Err, types.ErrDispatchTimeout)
}

func TestAwaitTimeoutIsNeverSuccess(t *testing.T) {
	tr := newFakeTransport()
	d := newTestDispatcher(t, tr, Config{})

	task := testTask("t1")
	task.Timeout = 40 * time.Millisecond
	require.NoError(t, d.Dispatch(task, testNode()))
	assert.Equal(t, KindStarted, next(t, d).Kind)

	c := next(t, d)
	assert.Equal(t, KindFailed, c.Kind)
	assert.ErrorIs(t, c.Err, types.ErrDispatchTimeout)
	// the node is asked to stop the abandoned attempt
	assert.Eventually(t, func() bool { return tr.abortCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestRemoteFailure(t *testing.T) {
	tr := newFakeTransport()
	d := newTestDispatcher(t, tr, Config{})

	require.NoError(t, d.Dispatch(testTask("t1"), testNode()))
	next(t, d)
	tr.finish("t1", nil, errors.New("exit status 2"))

	c := next(t, d)
	assert.Equal(t, KindFailed, c.Kind)
	assert.ErrorIs(t, c.Err, types.ErrRemoteExecution)
}

func TestDuplicateDispatchRejected(t *testing.T) {
	tr := newFakeTransport()
	d := newTestDispatcher(t, tr, Config{})

	require.NoError(t, d.Dispatch(testTask("t1"), testNode()))
	err := d.Dispatch(testTask("t1"), testNode())
	assert.ErrorIs(t, err, types.ErrDispatchRejected)
}

func TestDispatchBeforeStartAndAfterStop(t *testing.T) {
	d := New(newFakeTransport(), Config{})
	assert.ErrorIs(t, d.Dispatch(testTask("t1"), testNode()), ErrPoolNotStarted)

	require.NoError(t, d.Start())
	d.Stop()
	assert.ErrorIs(t, d.Dispatch(testTask("t1"), testNode()), ErrPoolClosed)
	d.Stop()
}

func TestAbortSuppressesResult(t *testing.T) {
	tr := newFakeTransport()
	d := newTestDispatcher(t, tr, Config{})

	require.NoError(t, d.Dispatch(testTask("t1"), testNode()))
	assert.Equal(t, KindStarted, next(t, d).Kind)

	require.NoError(t, d.Abort("t1"))
	c := next(t, d)
	assert.Equal(t, KindAborted, c.Kind)
	assert.NoError(t, c.Err)
	assert.Equal(t, 1, tr.abortCount())

	// a late result from the node must not surface
	tr.finish("t1", nil, nil)
	assertQuiet(t, d, 100*time.Millisecond)

	assert.ErrorIs(t, d.Abort("t1"), ErrNotInFlight)
}

func TestAbortTimesOut(t *testing.T) {
	tr := newFakeTransport()
	tr.abortDelay = time.Second
	d := newTestDispatcher(t, tr, Config{DispatchTimeout: 30 * time.Millisecond})

	require.NoError(t, d.Dispatch(testTask("t1"), testNode()))
	next(t, d)
	require.NoError(t, d.Abort("t1"))

	c := next(t, d)
	assert.Equal(t, KindAborted, c.Kind)
	assert.Error(t, c.Err)
}

func TestForgetIsSilent(t *testing.T) {
	tr := newFakeTransport()
	d := newTestDispatcher(t, tr, Config{})

	require.NoError(t, d.Dispatch(testTask("t1"), testNode()))
	next(t, d)
	d.Forget("t1")
	tr.finish("t1", nil, nil)

	assertQuiet(t, d, 100*time.Millisecond)
	assert.Equal(t, 0, tr.abortCount())

	// the task can be dispatched again after being forgotten
	retry := testTask("t1")
	retry.Attempt = 2
	require.NoError(t, d.Dispatch(retry, testNode()))
	c := next(t, d)
	assert.Equal(t, 2, c.Attempt)
}

func TestQueueFullRejects(t *testing.T) {
	tr := newFakeTransport()
	tr.startDelay = time.Second
	d := newTestDispatcher(t, tr, Config{Workers: 1, QueueSize: 1, DispatchTimeout: 5 * time.Second})

	require.NoError(t, d.Dispatch(testTask("t1"), testNode()))
	// t1 is picked up by the only worker; t2 fills the queue
	assert.Eventually(t, func() bool {
		return len(d.jobCh) == 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Dispatch(testTask("t2"), testNode()))

	err := d.Dispatch(testTask("t3"), testNode())
	assert.ErrorIs(t, err, types.ErrDispatchRejected)
	assert.ErrorIs(t, err, ErrQueueFull)
}
