package executorpb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRequestCarriesNestedPayload(t *testing.T) {
	req := &StartRequest{
		TaskID:  "t1",
		Attempt: 2,
		Type:    "process",
		Timeout: 1500 * time.Millisecond,
		Payload: map[string]any{
			"image":   "alpine:3.19",
			"command": []any{"sh", "-c", "echo hi"},
			"env":     map[string]any{"A": "1"},
		},
	}
	s, err := req.ToStruct()
	require.NoError(t, err)

	got := StartRequestFromStruct(s)
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, 1500*time.Millisecond, got.Timeout)
	assert.Equal(t, []any{"sh", "-c", "echo hi"}, got.Payload["command"])
	assert.Equal(t, "1", got.Payload["env"].(map[string]any)["A"])
}

func TestAwaitResponseWithoutOutput(t *testing.T) {
	s, err := (&AwaitResponse{Succeeded: false, Error: "exit 1"}).ToStruct()
	require.NoError(t, err)

	got := AwaitResponseFromStruct(s)
	assert.False(t, got.Succeeded)
	assert.Equal(t, "exit 1", got.Error)
	assert.Nil(t, got.Output)
}

func TestUnencodablePayload(t *testing.T) {
	_, err := (&StartRequest{Payload: map[string]any{"ch": make(chan int)}}).ToStruct()
	assert.Error(t, err)
}
