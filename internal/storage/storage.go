// Package storage defines the durable backend contract of the task store.
//
// Every record change is handed to the backend before it becomes visible in
// memory. Backends persist full task records, so loading is "last record
// wins" per task ID and never needs to re-apply individual operations.
package storage

import (
	"context"

	"github.com/ChuLiYu/supervm/pkg/types"
)

// Op names the kind of change being persisted.
type Op string

const (
	OpSubmit     Op = "submit"
	OpTransition Op = "transition"
	OpUpdate     Op = "update"
)

// Backend persists task records.
type Backend interface {
	// Save durably records the new version of a task.
	Save(ctx context.Context, op Op, task *types.Task) error
	// Load returns the latest version of every persisted task.
	Load(ctx context.Context) ([]*types.Task, error)
	// Compact folds history into a checkpoint of the given state.
	Compact(ctx context.Context, snap types.SnapshotData) error
	Close() error
}

// Memory is the non-durable backend.
type Memory struct{}

func (Memory) Save(context.Context, Op, *types.Task) error       { return nil }
func (Memory) Load(context.Context) ([]*types.Task, error)       { return nil, nil }
func (Memory) Compact(context.Context, types.SnapshotData) error { return nil }
func (Memory) Close() error                                      { return nil }
