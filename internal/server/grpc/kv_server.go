package grpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	api "github.com/jisqyv/rethinkdb/pkg/api"

	"github.com/jisqyv/rethinkdb/internal/branch"
	"github.com/jisqyv/rethinkdb/internal/kvproto"
	"github.com/jisqyv/rethinkdb/internal/observability/metrics"
	"github.com/jisqyv/rethinkdb/internal/signal"
)

// KVService serves point reads and writes by dispatching them through the
// branch.
type KVService struct {
	api.UnimplementedKVServer

	branch    *branch.Coordinator
	collector *metrics.BranchCollector
}

// NewKVService constructs a KVService. The collector may be nil.
func NewKVService(co *branch.Coordinator, collector *metrics.BranchCollector) *KVService {
	return &KVService{branch: co, collector: collector}
}

func (s *KVService) Put(ctx context.Context, req *api.PutRequest) (*api.PutResponse, error) {
	resp, err := s.branch.Write(kvproto.PutRequest{Key: req.Key, Value: req.Value}, interruptFromContext(ctx))
	if s.collector != nil {
		s.collector.CountWrite(err)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	put, ok := resp.(kvproto.PutResponse)
	if !ok {
		return nil, status.Errorf(codes.Internal, "unexpected write response %T", resp)
	}
	return &api.PutResponse{Replaced: put.Replaced}, nil
}

func (s *KVService) Get(ctx context.Context, req *api.GetRequest) (*api.GetResponse, error) {
	resp, err := s.branch.Read(kvproto.GetRequest{Key: req.Key}, interruptFromContext(ctx))
	if s.collector != nil {
		s.collector.CountRead(err)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	get, ok := resp.(kvproto.GetResponse)
	if !ok {
		return nil, status.Errorf(codes.Internal, "unexpected read response %T", resp)
	}
	return &api.GetResponse{Value: get.Value, Found: get.Found}, nil
}

func (s *KVService) Delete(ctx context.Context, req *api.DeleteRequest) (*api.DeleteResponse, error) {
	resp, err := s.branch.Write(kvproto.DeleteRequest{Key: req.Key}, interruptFromContext(ctx))
	if s.collector != nil {
		s.collector.CountWrite(err)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	del, ok := resp.(kvproto.DeleteResponse)
	if !ok {
		return nil, status.Errorf(codes.Internal, "unexpected write response %T", resp)
	}
	return &api.DeleteResponse{Existed: del.Existed}, nil
}

// BranchAdminService exposes branch diagnostics.
type BranchAdminService struct {
	api.UnimplementedBranchAdminServer

	branch *branch.Coordinator
}

// NewBranchAdminService constructs a BranchAdminService.
func NewBranchAdminService(co *branch.Coordinator) *BranchAdminService {
	return &BranchAdminService{branch: co}
}

func (s *BranchAdminService) Info(ctx context.Context, req *api.BranchInfoRequest) (*api.BranchInfoResponse, error) {
	diag := s.branch.Diagnostics()
	return &api.BranchInfoResponse{
		Branch:        diag.Branch.String(),
		Start:         diag.Region.Start,
		End:           diag.Region.End,
		NoEnd:         diag.Region.NoEnd,
		ReplicaCount:  uint32(diag.ReplicaCount),
		LastTimestamp: uint64(diag.LastTimestamp),
	}, nil
}

// interruptFromContext bridges gRPC cancellation into the branch's interrupt
// signals. A canceled context fires the signal; otherwise operations run
// uninterrupted.
func interruptFromContext(ctx context.Context) *signal.Signal {
	if ctx == nil || ctx.Done() == nil {
		return nil
	}
	interrupt := signal.New()
	context.AfterFunc(ctx, interrupt.Fire)
	return interrupt
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, branch.ErrInsufficientReplicas), errors.Is(err, branch.ErrReplicaSetLost):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, signal.ErrInterrupted):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
