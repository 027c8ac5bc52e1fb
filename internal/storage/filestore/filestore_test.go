package filestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/supervm/internal/storage"
	"github.com/ChuLiYu/supervm/internal/storage/wal"
	"github.com/ChuLiYu/supervm/pkg/types"
)

func testConfig(dir string) Config {
	return Config{
		WALPath:      filepath.Join(dir, "tasks.wal"),
		SnapshotPath: filepath.Join(dir, "snapshot.json"),
		WAL:          wal.Options{SyncOnAppend: true},
		KeepBackups:  1,
	}
}

func TestSaveAndLoadLastRecordWins(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(testConfig(dir))
	require.NoError(t, err)

	t1 := &types.Task{ID: "t1", Seq: 1, Type: types.TaskSync, State: types.StateQueued}
	t2 := &types.Task{ID: "t2", Seq: 2, Type: types.TaskSync, State: types.StateQueued}
	require.NoError(t, s.Save(ctx, storage.OpSubmit, t1))
	require.NoError(t, s.Save(ctx, storage.OpSubmit, t2))

	t1b := t1.Clone()
	t1b.State = types.StateAssigned
	t1b.NodeID = "n1"
	require.NoError(t, s.Save(ctx, storage.OpTransition, t1b))
	require.NoError(t, s.Close())

	reopened, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer reopened.Close()

	tasks, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, types.TaskID("t1"), tasks[0].ID)
	assert.Equal(t, types.StateAssigned, tasks[0].State)
	assert.Equal(t, types.NodeID("n1"), tasks[0].NodeID)
}

func TestCompactThenReplay(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(testConfig(dir))
	require.NoError(t, err)

	t1 := &types.Task{ID: "t1", Seq: 1, State: types.StateCompleted}
	require.NoError(t, s.Save(ctx, storage.OpSubmit, t1))
	require.NoError(t, s.Compact(ctx, types.SnapshotData{
		Tasks:   map[types.TaskID]*types.Task{"t1": t1},
		NextSeq: 2,
	}))

	// after compaction only newer events remain in the WAL
	n, err := wal.CountEvents(filepath.Join(dir, "tasks.wal"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	t2 := &types.Task{ID: "t2", Seq: 2, State: types.StateQueued}
	require.NoError(t, s.Save(ctx, storage.OpSubmit, t2))
	require.NoError(t, s.Close())

	reopened, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer reopened.Close()

	tasks, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, types.StateCompleted, tasks[0].State)
	assert.Equal(t, types.StateQueued, tasks[1].State)
}

func TestOpenRequiresPaths(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
