package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/supervm/api/executorpb"
	"github.com/ChuLiYu/supervm/internal/dispatch"
	"github.com/ChuLiYu/supervm/pkg/types"
)

var log = slog.Default()

var _ dispatch.Executor = (*Executor)(nil)

// finishedRetention bounds how long an unclaimed result is kept.
const finishedRetention = 10 * time.Minute

type runKey struct {
	taskID  string
	attempt int
}

type run struct {
	cancel   context.CancelFunc
	done     chan struct{}
	output   map[string]any
	err      error
	aborted  bool
	finished time.Time
}

// Executor runs attempts on this node, one goroutine per attempt.
//
// Start is idempotent per (task, attempt); Await hands the result out once;
// Abort cancels the attempt's context.
type Executor struct {
	engines map[types.TaskType]Engine
	limit   int

	mu   sync.Mutex
	runs map[runKey]*run

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExecutor creates an executor. limit <= 0 means unbounded.
func NewExecutor(engines map[types.TaskType]Engine, limit int) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		engines: engines,
		limit:   limit,
		runs:    make(map[runKey]*run),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Running number of attempts still executing.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runningLocked()
}

func (e *Executor) runningLocked() int {
	n := 0
	for _, r := range e.runs {
		if r.finished.IsZero() {
			n++
		}
	}
	return n
}

func (e *Executor) pruneLocked(now time.Time) {
	for k, r := range e.runs {
		if !r.finished.IsZero() && now.Sub(r.finished) > finishedRetention {
			delete(e.runs, k)
		}
	}
}

func (e *Executor) Start(_ context.Context, req *executorpb.StartRequest) (*executorpb.StartResponse, error) {
	engine, ok := e.engines[types.TaskType(req.Type)]
	if !ok {
		return &executorpb.StartResponse{Reason: fmt.Sprintf("no engine for task type %q", req.Type)}, nil
	}
	key := runKey{taskID: req.TaskID, attempt: req.Attempt}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return &executorpb.StartResponse{Reason: "agent shutting down"}, nil
	}
	if _, exists := e.runs[key]; exists {
		return &executorpb.StartResponse{Accepted: true}, nil
	}
	e.pruneLocked(time.Now())
	if e.limit > 0 && e.runningLocked() >= e.limit {
		return &executorpb.StartResponse{Reason: "node is at its concurrency limit"}, nil
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(e.ctx, req.Timeout)
	} else {
		ctx, cancel = context.WithCancel(e.ctx)
	}
	r := &run{cancel: cancel, done: make(chan struct{})}
	e.runs[key] = r

	e.wg.Add(1)
	go e.execute(ctx, key, r, engine, req.Payload)

	log.Info("Attempt started", "taskID", req.TaskID, "attempt", req.Attempt, "type", req.Type)
	return &executorpb.StartResponse{Accepted: true}, nil
}

func (e *Executor) execute(ctx context.Context, key runKey, r *run, engine Engine, payload map[string]any) {
	defer e.wg.Done()
	defer r.cancel()

	start := time.Now()
	output, err := engine.Execute(ctx, payload)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	e.mu.Lock()
	r.output = output
	r.err = err
	r.finished = time.Now()
	e.mu.Unlock()
	close(r.done)

	if err != nil {
		log.Warn("Attempt failed", "taskID", key.taskID, "attempt", key.attempt, "duration", time.Since(start), "error", err)
		return
	}
	log.Info("Attempt finished", "taskID", key.taskID, "attempt", key.attempt, "duration", time.Since(start))
}

func (e *Executor) Await(ctx context.Context, req *executorpb.AwaitRequest) (*executorpb.AwaitResponse, error) {
	key := runKey{taskID: req.TaskID, attempt: req.Attempt}
	e.mu.Lock()
	r, ok := e.runs[key]
	e.mu.Unlock()
	if !ok {
		return &executorpb.AwaitResponse{Error: "unknown attempt"}, nil
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.mu.Lock()
	delete(e.runs, key)
	resp := &executorpb.AwaitResponse{Succeeded: r.err == nil, Output: r.output}
	switch {
	case r.aborted:
		resp.Succeeded = false
		resp.Error = "aborted"
	case errors.Is(r.err, context.DeadlineExceeded):
		resp.Error = "attempt timed out"
	case r.err != nil:
		resp.Error = r.err.Error()
	}
	e.mu.Unlock()
	return resp, nil
}

func (e *Executor) Abort(_ context.Context, req *executorpb.AbortRequest) error {
	key := runKey{taskID: req.TaskID, attempt: req.Attempt}
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[key]
	if !ok {
		return nil
	}
	if !r.finished.IsZero() {
		delete(e.runs, key)
		return nil
	}
	r.aborted = true
	r.cancel()
	log.Info("Attempt aborted", "taskID", req.TaskID, "attempt", req.Attempt)
	return nil
}

// Close cancels every running attempt and waits for the engines to return.
func (e *Executor) Close() {
	e.cancel()
	e.wg.Wait()
}
