// ============================================================================
// SuperVM Dispatch Transport
// ============================================================================
//
// Package: internal/dispatch
// File: transport.go
// Purpose: Abstraction over how the dispatcher reaches a worker node.
//
//   - GRPCTransport: the Executor gRPC service exposed by every agent.
//   - LocalTransport: in-process executors (demo mode and tests).
//
// Both map node-side outcomes onto the same error taxonomy:
//   refusal / unreachable on Start -> ErrDispatchRejected
//   deadline on Start or Await     -> ErrDispatchTimeout
//   attempt finished unsuccessfully -> ErrRemoteExecution
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/supervm/api/executorpb"
	"github.com/ChuLiYu/supervm/pkg/types"
)

// Transport reaches the executor on a node endpoint.
type Transport interface {
	// Start asks the node to begin the task's current attempt.
	Start(ctx context.Context, endpoint string, task *types.Task) error
	// Await blocks until the attempt finishes or ctx expires.
	Await(ctx context.Context, endpoint string, id types.TaskID, attempt int) (map[string]any, error)
	// Abort asks the node to stop the attempt.
	Abort(ctx context.Context, endpoint string, id types.TaskID, attempt int) error
}

// Executor is the node-side contract, implemented by the agent.
type Executor interface {
	Start(ctx context.Context, req *executorpb.StartRequest) (*executorpb.StartResponse, error)
	Await(ctx context.Context, req *executorpb.AwaitRequest) (*executorpb.AwaitResponse, error)
	Abort(ctx context.Context, req *executorpb.AbortRequest) error
}

func startRequest(t *types.Task) *executorpb.StartRequest {
	return &executorpb.StartRequest{
		TaskID:  string(t.ID),
		Attempt: t.Attempt,
		Type:    string(t.Type),
		Payload: t.Payload,
		Timeout: t.Timeout,
	}
}

func startOutcome(resp *executorpb.StartResponse) error {
	if !resp.Accepted {
		return fmt.Errorf("%w: %s", types.ErrDispatchRejected, resp.Reason)
	}
	return nil
}

func awaitOutcome(resp *executorpb.AwaitResponse) (map[string]any, error) {
	if !resp.Succeeded {
		return resp.Output, fmt.Errorf("%w: %s", types.ErrRemoteExecution, resp.Error)
	}
	return resp.Output, nil
}

// ============================================================================
// gRPC transport
// ============================================================================

// GRPCTransport keeps one client connection per endpoint.
type GRPCTransport struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

// NewGRPCTransport creates a transport. Without options connections are
// plaintext.
func NewGRPCTransport(opts ...grpc.DialOption) *GRPCTransport {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCTransport{conns: make(map[string]*grpc.ClientConn), opts: opts}
}

func (g *GRPCTransport) client(endpoint string) (executorpb.ExecutorClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	conn, ok := g.conns[endpoint]
	if !ok {
		var err error
		conn, err = grpc.NewClient(endpoint, g.opts...)
		if err != nil {
			return nil, err
		}
		g.conns[endpoint] = conn
	}
	return executorpb.NewExecutorClient(conn), nil
}

// Drop closes the connection to an endpoint (node removed).
func (g *GRPCTransport) Drop(endpoint string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if conn, ok := g.conns[endpoint]; ok {
		conn.Close()
		delete(g.conns, endpoint)
	}
}

// Close closes every connection.
func (g *GRPCTransport) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var errs []error
	for ep, conn := range g.conns {
		errs = append(errs, conn.Close())
		delete(g.conns, ep)
	}
	return errors.Join(errs...)
}

func (g *GRPCTransport) Start(ctx context.Context, endpoint string, task *types.Task) error {
	cli, err := g.client(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrDispatchRejected, err)
	}
	in, err := startRequest(task).ToStruct()
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrDispatchRejected, err)
	}
	out, err := cli.Start(ctx, in)
	if err != nil {
		return rpcError(err, types.ErrDispatchRejected)
	}
	return startOutcome(executorpb.StartResponseFromStruct(out))
}

func (g *GRPCTransport) Await(ctx context.Context, endpoint string, id types.TaskID, attempt int) (map[string]any, error) {
	cli, err := g.client(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrRemoteExecution, err)
	}
	in, err := (&executorpb.AwaitRequest{TaskID: string(id), Attempt: attempt}).ToStruct()
	if err != nil {
		return nil, err
	}
	out, err := cli.Await(ctx, in)
	if err != nil {
		return nil, rpcError(err, types.ErrRemoteExecution)
	}
	return awaitOutcome(executorpb.AwaitResponseFromStruct(out))
}

func (g *GRPCTransport) Abort(ctx context.Context, endpoint string, id types.TaskID, attempt int) error {
	cli, err := g.client(endpoint)
	if err != nil {
		return err
	}
	in, err := (&executorpb.AbortRequest{TaskID: string(id), Attempt: attempt}).ToStruct()
	if err != nil {
		return err
	}
	if _, err := cli.Abort(ctx, in); err != nil {
		return rpcError(err, types.ErrRemoteExecution)
	}
	return nil
}

// rpcError maps a gRPC status onto the dispatch taxonomy.
func rpcError(err error, fallback error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", types.ErrDispatchTimeout, err)
	case codes.Canceled:
		return err
	case codes.FailedPrecondition, codes.ResourceExhausted:
		return fmt.Errorf("%w: %v", types.ErrDispatchRejected, err)
	case codes.Unavailable:
		return fmt.Errorf("%w: %w: %v", fallback, ErrNodeUnreachable, err)
	default:
		return fmt.Errorf("%w: %v", fallback, err)
	}
}

// ============================================================================
// In-process transport
// ============================================================================

// LocalTransport routes calls to executors living in the same process.
type LocalTransport struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewLocalTransport creates an empty in-process transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{executors: make(map[string]Executor)}
}

// Attach binds an executor to an endpoint name.
func (l *LocalTransport) Attach(endpoint string, e Executor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.executors[endpoint] = e
}

// Detach simulates the node disappearing.
func (l *LocalTransport) Detach(endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.executors, endpoint)
}

func (l *LocalTransport) executor(endpoint string) (Executor, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.executors[endpoint]
	return e, ok
}

func (l *LocalTransport) Start(ctx context.Context, endpoint string, task *types.Task) error {
	e, ok := l.executor(endpoint)
	if !ok {
		return fmt.Errorf("%w: no executor at %s", types.ErrDispatchRejected, endpoint)
	}
	resp, err := e.Start(ctx, startRequest(task))
	if err != nil {
		return err
	}
	return startOutcome(resp)
}

func (l *LocalTransport) Await(ctx context.Context, endpoint string, id types.TaskID, attempt int) (map[string]any, error) {
	e, ok := l.executor(endpoint)
	if !ok {
		return nil, fmt.Errorf("%w: no executor at %s", types.ErrRemoteExecution, endpoint)
	}
	resp, err := e.Await(ctx, &executorpb.AwaitRequest{TaskID: string(id), Attempt: attempt})
	if err != nil {
		return nil, err
	}
	return awaitOutcome(resp)
}

func (l *LocalTransport) Abort(ctx context.Context, endpoint string, id types.TaskID, attempt int) error {
	e, ok := l.executor(endpoint)
	if !ok {
		return fmt.Errorf("no executor at %s", endpoint)
	}
	return e.Abort(ctx, &executorpb.AbortRequest{TaskID: string(id), Attempt: attempt})
}
