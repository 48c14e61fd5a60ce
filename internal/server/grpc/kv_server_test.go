package grpcserver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	api "github.com/jisqyv/rethinkdb/pkg/api"

	"github.com/jisqyv/rethinkdb/internal/branch"
	"github.com/jisqyv/rethinkdb/internal/region"
	"github.com/jisqyv/rethinkdb/internal/store/memstore"
	"github.com/jisqyv/rethinkdb/internal/transport"
)

func startCoordinator(t *testing.T) *branch.Coordinator {
	t.Helper()
	nw := transport.NewNetwork()
	node := nw.NewNode("server", nil)
	r := region.Span([]byte("a"), []byte("z"))
	initial := memstore.New(r, region.Single[[]byte](r, nil))
	co, first, err := branch.NewCoordinator(node, nil, r, initial, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		co.Close()
		first.Close()
		node.Close()
	})
	return co
}

func TestKVServicePutGetDelete(t *testing.T) {
	co := startCoordinator(t)
	svc := NewKVService(co, nil)
	ctx := context.Background()

	put, err := svc.Put(ctx, &api.PutRequest{Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, err)
	require.False(t, put.Replaced)

	got, err := svc.Get(ctx, &api.GetRequest{Key: []byte("k")})
	require.NoError(t, err)
	require.True(t, got.Found)
	require.Equal(t, []byte("v"), got.Value)

	del, err := svc.Delete(ctx, &api.DeleteRequest{Key: []byte("k")})
	require.NoError(t, err)
	require.True(t, del.Existed)

	got, err = svc.Get(ctx, &api.GetRequest{Key: []byte("k")})
	require.NoError(t, err)
	require.False(t, got.Found)
}

func TestKVServiceUncoveredKeyIsUnavailable(t *testing.T) {
	co := startCoordinator(t)
	svc := NewKVService(co, nil)

	_, err := svc.Put(context.Background(), &api.PutRequest{Key: []byte("zz"), Value: []byte("v")})
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.Unavailable, st.Code())
}

func TestBranchAdminInfo(t *testing.T) {
	co := startCoordinator(t)
	svc := NewBranchAdminService(co)

	info, err := svc.Info(context.Background(), &api.BranchInfoRequest{})
	require.NoError(t, err)
	require.Equal(t, co.Branch().String(), info.Branch)
	require.Equal(t, uint32(1), info.ReplicaCount)
	require.Equal(t, []byte("a"), info.Start)
	require.Equal(t, []byte("z"), info.End)
	require.False(t, info.NoEnd)
}
