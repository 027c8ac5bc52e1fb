// Package executorpb describes the worker executor RPC service.
//
// The service is registered with a hand-written grpc.ServiceDesc. Every
// message on the wire is a google.protobuf.Struct (or Empty), so no generated
// code is needed; the typed request/response structs below convert to and from
// Struct at the edges.
//
//	service Executor {
//	  rpc Start(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc Await(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc Abort(google.protobuf.Struct) returns (google.protobuf.Empty);
//	}
package executorpb

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "supervm.worker.v1.Executor"

	StartFullMethodName = "/" + ServiceName + "/Start"
	AwaitFullMethodName = "/" + ServiceName + "/Await"
	AbortFullMethodName = "/" + ServiceName + "/Abort"
)

// ============================================================================
// Messages
// ============================================================================

// StartRequest asks the agent to begin one attempt of a task.
type StartRequest struct {
	TaskID  string
	Attempt int
	Type    string
	Payload map[string]any
	Timeout time.Duration
}

// StartResponse acknowledges (or refuses) a StartRequest.
type StartResponse struct {
	Accepted bool
	Reason   string
}

// AwaitRequest blocks until the attempt finishes or the call's deadline expires.
type AwaitRequest struct {
	TaskID  string
	Attempt int
}

// AwaitResponse is the outcome of a finished attempt.
type AwaitResponse struct {
	Succeeded bool
	Output    map[string]any
	Error     string
}

// AbortRequest asks the agent to stop an attempt.
type AbortRequest struct {
	TaskID  string
	Attempt int
}

func (r *StartRequest) ToStruct() (*structpb.Struct, error) {
	m := map[string]any{
		"task_id":    r.TaskID,
		"attempt":    r.Attempt,
		"type":       r.Type,
		"timeout_ms": r.Timeout.Milliseconds(),
	}
	if r.Payload != nil {
		m["payload"] = r.Payload
	}
	return newStruct(m)
}

func StartRequestFromStruct(s *structpb.Struct) *StartRequest {
	m := s.AsMap()
	req := &StartRequest{
		TaskID:  str(m["task_id"]),
		Attempt: num(m["attempt"]),
		Type:    str(m["type"]),
		Timeout: time.Duration(num(m["timeout_ms"])) * time.Millisecond,
	}
	if p, ok := m["payload"].(map[string]any); ok {
		req.Payload = p
	}
	return req
}

func (r *StartResponse) ToStruct() (*structpb.Struct, error) {
	return newStruct(map[string]any{"accepted": r.Accepted, "reason": r.Reason})
}

func StartResponseFromStruct(s *structpb.Struct) *StartResponse {
	m := s.AsMap()
	accepted, _ := m["accepted"].(bool)
	return &StartResponse{Accepted: accepted, Reason: str(m["reason"])}
}

func (r *AwaitRequest) ToStruct() (*structpb.Struct, error) {
	return newStruct(map[string]any{"task_id": r.TaskID, "attempt": r.Attempt})
}

func AwaitRequestFromStruct(s *structpb.Struct) *AwaitRequest {
	m := s.AsMap()
	return &AwaitRequest{TaskID: str(m["task_id"]), Attempt: num(m["attempt"])}
}

func (r *AwaitResponse) ToStruct() (*structpb.Struct, error) {
	m := map[string]any{"succeeded": r.Succeeded, "error": r.Error}
	if r.Output != nil {
		m["output"] = r.Output
	}
	return newStruct(m)
}

func AwaitResponseFromStruct(s *structpb.Struct) *AwaitResponse {
	m := s.AsMap()
	ok, _ := m["succeeded"].(bool)
	resp := &AwaitResponse{Succeeded: ok, Error: str(m["error"])}
	if out, isMap := m["output"].(map[string]any); isMap {
		resp.Output = out
	}
	return resp
}

func (r *AbortRequest) ToStruct() (*structpb.Struct, error) {
	return newStruct(map[string]any{"task_id": r.TaskID, "attempt": r.Attempt})
}

func AbortRequestFromStruct(s *structpb.Struct) *AbortRequest {
	m := s.AsMap()
	return &AbortRequest{TaskID: str(m["task_id"]), Attempt: num(m["attempt"])}
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("executorpb: encode message: %w", err)
	}
	return s, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int {
	f, _ := v.(float64)
	return int(f)
}

// ============================================================================
// Client
// ============================================================================

// ExecutorClient is the client API for the Executor service.
type ExecutorClient interface {
	Start(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Await(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Abort(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type executorClient struct {
	cc grpc.ClientConnInterface
}

func NewExecutorClient(cc grpc.ClientConnInterface) ExecutorClient {
	return &executorClient{cc}
}

func (c *executorClient) Start(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, StartFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *executorClient) Await(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, AwaitFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *executorClient) Abort(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, AbortFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ============================================================================
// Server
// ============================================================================

// ExecutorServer is the server API for the Executor service.
type ExecutorServer interface {
	Start(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Await(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Abort(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

func RegisterExecutorServer(s grpc.ServiceRegistrar, srv ExecutorServer) {
	s.RegisterService(&Executor_ServiceDesc, srv)
}

func _Executor_Start_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).Start(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StartFullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExecutorServer).Start(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Executor_Await_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).Await(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AwaitFullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExecutorServer).Await(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Executor_Abort_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).Abort(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AbortFullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExecutorServer).Abort(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Executor_ServiceDesc is the grpc.ServiceDesc for the Executor service.
var Executor_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExecutorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Start", Handler: _Executor_Start_Handler},
		{MethodName: "Await", Handler: _Executor_Await_Handler},
		{MethodName: "Abort", Handler: _Executor_Abort_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "supervm/worker/v1/executor.proto",
}
