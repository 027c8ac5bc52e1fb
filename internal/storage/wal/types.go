package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/supervm/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventSubmit     EventType = "SUBMIT"     // Task accepted into the store
	EventTransition EventType = "TRANSITION" // Task moved along the state machine
	EventUpdate     EventType = "UPDATE"     // Non-state change (cancel request, retry time)
)

// Event represents a WAL event record.
// Record carries the full task so replay never needs another source.
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`      // Event type
	TaskID    types.TaskID    `json:"task_id"`   // Task ID
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Record    json.RawMessage `json:"record"`    // JSON-encoded types.Task
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// Task decodes the record carried by the event.
func (e Event) Task() (*types.Task, error) {
	var t types.Task
	if err := json.Unmarshal(e.Record, &t); err != nil {
		return nil, &CorruptionError{Seq: e.Seq, Cause: err}
	}
	return &t, nil
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
