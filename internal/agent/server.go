package agent

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/supervm/api/executorpb"
)

// grpcServer exposes an Executor as the supervm.worker.v1.Executor service.
type grpcServer struct {
	exec *Executor
}

// NewGRPCServer adapts exec to the generated server interface.
func NewGRPCServer(exec *Executor) executorpb.ExecutorServer {
	return &grpcServer{exec: exec}
}

func (s *grpcServer) Start(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := executorpb.StartRequestFromStruct(in)
	if req.TaskID == "" || req.Attempt <= 0 {
		return nil, status.Error(codes.InvalidArgument, "task_id and attempt are required")
	}
	resp, err := s.exec.Start(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp.ToStruct()
}

func (s *grpcServer) Await(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	resp, err := s.exec.Await(ctx, executorpb.AwaitRequestFromStruct(in))
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := resp.ToStruct()
	if err != nil {
		// output the engine produced is not representable; keep the verdict
		resp.Output = nil
		return resp.ToStruct()
	}
	return out, nil
}

func (s *grpcServer) Abort(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if err := s.exec.Abort(ctx, executorpb.AbortRequestFromStruct(in)); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
