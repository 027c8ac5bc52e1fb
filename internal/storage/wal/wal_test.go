package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/supervm/pkg/types"
)

func newTestWAL(t *testing.T, opts Options) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.wal")
	w, err := NewWAL(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func task(id string, state types.TaskState) *types.Task {
	return &types.Task{
		ID:      types.TaskID(id),
		Type:    types.TaskRender,
		State:   state,
		Demand:  types.Resources{CPUMillis: 1000, MemoryMB: 512},
		Payload: map[string]any{"scene_file": "/scenes/a.blend"},
	}
}

func TestAppendAndReplay(t *testing.T) {
	w, _ := newTestWAL(t, Options{SyncOnAppend: true})

	seq, err := w.Append(EventSubmit, task("t1", types.StateQueued))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	_, err = w.Append(EventTransition, task("t1", types.StateAssigned))
	require.NoError(t, err)
	_, err = w.Append(EventSubmit, task("t2", types.StateQueued))
	require.NoError(t, err)

	var got []Event
	require.NoError(t, w.Replay(func(e Event) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 3)
	assert.Equal(t, EventTransition, got[1].Type)

	tk, err := got[1].Task()
	require.NoError(t, err)
	assert.Equal(t, types.StateAssigned, tk.State)
	assert.Equal(t, "/scenes/a.blend", tk.Payload["scene_file"])
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.wal")
	w, err := NewWAL(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := w.Append(EventSubmit, task("t", types.StateQueued))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	w2, err := NewWAL(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(3), w2.GetLastSeq())

	seq, err := w2.Append(EventSubmit, task("t", types.StateQueued))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
	assert.NoError(t, ValidateWAL(path))
}

func TestBufferedAppendFlushesOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.wal")
	w, err := NewWAL(path, Options{BufferSize: 100})
	require.NoError(t, err)
	_, err = w.Append(EventSubmit, task("t1", types.StateQueued))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	n, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = w.Append(EventSubmit, task("t2", types.StateQueued))
	assert.ErrorIs(t, err, ErrWALClosed)
}

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	w, path := newTestWAL(t, Options{SyncOnAppend: true})
	_, err := w.Append(EventSubmit, task("t1", types.StateQueued))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Clone(data)
	// flip the task id inside the envelope
	idx := bytes.Index(tampered, []byte(`"task_id":"t1"`))
	require.GreaterOrEqual(t, idx, 0)
	copy(tampered[idx:], []byte(`"task_id":"t9"`))
	require.NoError(t, os.WriteFile(path, tampered, 0644))

	err = w.Replay(func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestReplayToleratesTornTail(t *testing.T) {
	w, path := newTestWAL(t, Options{SyncOnAppend: true})
	_, err := w.Append(EventSubmit, task("t1", types.StateQueued))
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"SUBMIT","task_id":"t2","rec`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	n := 0
	require.NoError(t, w.Replay(func(Event) error { n++; return nil }))
	assert.Equal(t, 1, n)
}

func TestReplayReportsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.wal")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0644))

	err := replayFile(path, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrCorruptedWAL)
}

func TestRotateStartsFreshSegment(t *testing.T) {
	w, path := newTestWAL(t, Options{SyncOnAppend: true, KeepSegments: true})
	_, err := w.Append(EventSubmit, task("t1", types.StateQueued))
	require.NoError(t, err)

	require.NoError(t, w.Rotate())
	assert.Equal(t, uint64(0), w.GetLastSeq())

	n, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	segments, err := filepath.Glob(path + ".*.gz")
	require.NoError(t, err)
	assert.Len(t, segments, 1)

	seq, err := w.Append(EventSubmit, task("t2", types.StateQueued))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestGetLastEventEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wal")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrEmptyWAL)
}
