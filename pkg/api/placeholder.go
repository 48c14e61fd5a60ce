// Package api holds the hand-written gRPC surface of the branch server. The
// message types and service descriptors are maintained by hand until a
// protobuf toolchain lands; the handler shapes follow what
// protoc-gen-go-grpc would generate.
package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// --- KV service messages ---

type PutRequest struct {
	Key   []byte
	Value []byte
}

type PutResponse struct {
	Replaced bool
}

type GetRequest struct {
	Key []byte
}

type GetResponse struct {
	Value []byte
	Found bool
}

type DeleteRequest struct {
	Key []byte
}

type DeleteResponse struct {
	Existed bool
}

// --- Branch admin messages ---

type BranchInfoRequest struct{}

type BranchInfoResponse struct {
	Branch        string
	Start         []byte
	End           []byte
	NoEnd         bool
	ReplicaCount  uint32
	LastTimestamp uint64
}

// --- Interfaces ---

type KVServer interface {
	Put(context.Context, *PutRequest) (*PutResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
}

type BranchAdminServer interface {
	Info(context.Context, *BranchInfoRequest) (*BranchInfoResponse, error)
}

// Unimplemented helpers
type UnimplementedKVServer struct{}

func (UnimplementedKVServer) Put(context.Context, *PutRequest) (*PutResponse, error) {
	return nil, fmt.Errorf("not implemented")
}
func (UnimplementedKVServer) Get(context.Context, *GetRequest) (*GetResponse, error) {
	return nil, fmt.Errorf("not implemented")
}
func (UnimplementedKVServer) Delete(context.Context, *DeleteRequest) (*DeleteResponse, error) {
	return nil, fmt.Errorf("not implemented")
}

type UnimplementedBranchAdminServer struct{}

func (UnimplementedBranchAdminServer) Info(context.Context, *BranchInfoRequest) (*BranchInfoResponse, error) {
	return nil, fmt.Errorf("not implemented")
}

// Service registration
type kvServerWrapper interface {
	KVServer
}

type branchAdminServerWrapper interface {
	BranchAdminServer
}

var kvServiceDesc = grpc.ServiceDesc{
	ServiceName: "branchd.api.KV",
	HandlerType: (*kvServerWrapper)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Put", Handler: _KV_Put_Handler},
		{MethodName: "Get", Handler: _KV_Get_Handler},
		{MethodName: "Delete", Handler: _KV_Delete_Handler},
	},
}

func RegisterKVServer(s *grpc.Server, srv KVServer) {
	s.RegisterService(&kvServiceDesc, srv)
}

var branchAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: "branchd.api.BranchAdmin",
	HandlerType: (*branchAdminServerWrapper)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Info", Handler: _BranchAdmin_Info_Handler},
	},
}

func RegisterBranchAdminServer(s *grpc.Server, srv BranchAdminServer) {
	s.RegisterService(&branchAdminServiceDesc, srv)
}

func _KV_Put_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/branchd.api.KV/Put"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Put(ctx, req.(*PutRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _KV_Get_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/branchd.api.KV/Get"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Get(ctx, req.(*GetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _KV_Delete_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeleteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Delete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/branchd.api.KV/Delete"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Delete(ctx, req.(*DeleteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BranchAdmin_Info_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(BranchInfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BranchAdminServer).Info(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/branchd.api.BranchAdmin/Info"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BranchAdminServer).Info(ctx, req.(*BranchInfoRequest))
	}
	return interceptor(ctx, in, info, handler)
}
