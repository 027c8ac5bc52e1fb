// ============================================================================
// SuperVM Agent - Execution Engines
// ============================================================================
//
// Package: internal/agent
// File: engine.go
// Function: Engines that actually run a task attempt on a worker node
//
// Engine per task type:
//   process -> DockerEngine   (container from payload.image / payload.command)
//   render  -> HTTPEngine     (JSON POST to the render service)
//   browser -> HTTPEngine     (JSON POST to the browser service)
//   sync    -> SyncEngine     (multipart upload to {base}/sync)
//   any     -> SimulatedEngine (demo mode and tests)
//
// Every engine honours ctx: cancellation comes from Abort and from the
// attempt timeout.
//
// ============================================================================

package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ChuLiYu/supervm/pkg/types"
)

// Engine executes one attempt of a task.
type Engine interface {
	Execute(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

func (f EngineFunc) Execute(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return f(ctx, payload)
}

// ErrBadPayload is returned when a payload misses a field the engine needs.
var ErrBadPayload = errors.New("agent: invalid payload")

func payloadString(payload map[string]any, key string) (string, error) {
	v, ok := payload[key]
	if !ok {
		return "", fmt.Errorf("%w: %s is required", ErrBadPayload, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrBadPayload, key)
	}
	return s, nil
}

func payloadStrings(payload map[string]any, key string) ([]string, error) {
	v, ok := payload[key]
	if !ok {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a list of strings", ErrBadPayload, key)
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		return []string{"sh", "-c", list}, nil
	}
	return nil, fmt.Errorf("%w: %s must be a list of strings", ErrBadPayload, key)
}

// ============================================================================
// Simulated engine
// ============================================================================

// SimulatedEngine pretends to do work: a random delay up to MaxDelay and a
// FailureRate chance of failing.
type SimulatedEngine struct {
	MaxDelay    time.Duration
	FailureRate float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSimulatedEngine creates a simulated engine with its own random source.
func NewSimulatedEngine(maxDelay time.Duration, failureRate float64, seed int64) *SimulatedEngine {
	return &SimulatedEngine{
		MaxDelay:    maxDelay,
		FailureRate: failureRate,
		rnd:         rand.New(rand.NewSource(seed)),
	}
}

func (e *SimulatedEngine) roll() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var delay time.Duration
	if e.MaxDelay > 0 {
		delay = time.Duration(e.rnd.Int63n(int64(e.MaxDelay)))
	}
	return delay, e.rnd.Float64() < e.FailureRate
}

// Execute sleeps for the simulated work duration unless ctx ends first.
func (e *SimulatedEngine) Execute(ctx context.Context, payload map[string]any) (map[string]any, error) {
	delay, fail := e.roll()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}
	if fail {
		return nil, errors.New("simulated execution failure")
	}
	return map[string]any{"simulated": true, "duration_ms": delay.Milliseconds()}, nil
}

// ============================================================================
// Engine wiring
// ============================================================================

// EngineConfig selects the engines a node offers.
type EngineConfig struct {
	Simulate    bool // every type runs on the simulated engine
	MaxDelay    time.Duration
	FailureRate float64

	Docker      bool
	RenderURL   string
	BrowserURL  string
	SyncURL     string
	HTTPTimeout time.Duration
}

// BuildEngines creates the engine table. Types without a configured engine
// are rejected at Start.
func BuildEngines(cfg EngineConfig) (map[types.TaskType]Engine, error) {
	engines := make(map[types.TaskType]Engine)
	if cfg.Simulate {
		sim := NewSimulatedEngine(cfg.MaxDelay, cfg.FailureRate, time.Now().UnixNano())
		for _, t := range []types.TaskType{types.TaskProcess, types.TaskRender, types.TaskBrowser, types.TaskSync} {
			engines[t] = sim
		}
		return engines, nil
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if cfg.Docker {
		d, err := NewDockerEngine()
		if err != nil {
			return nil, err
		}
		engines[types.TaskProcess] = d
	}
	if cfg.RenderURL != "" {
		engines[types.TaskRender] = NewHTTPEngine(cfg.RenderURL, timeout)
	}
	if cfg.BrowserURL != "" {
		engines[types.TaskBrowser] = NewHTTPEngine(cfg.BrowserURL, timeout)
	}
	if cfg.SyncURL != "" {
		engines[types.TaskSync] = NewSyncEngine(cfg.SyncURL, timeout)
	}
	if len(engines) == 0 {
		return nil, errors.New("agent: no execution engine configured")
	}
	return engines, nil
}
