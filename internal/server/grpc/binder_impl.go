package grpcserver

import (
	"google.golang.org/grpc"

	api "github.com/jisqyv/rethinkdb/pkg/api"

	"github.com/jisqyv/rethinkdb/internal/branch"
	"github.com/jisqyv/rethinkdb/internal/observability/metrics"
)

// DefaultBinder registers the built-in KV and admin services. Collector may
// be nil when metrics are disabled.
type DefaultBinder struct {
	Collector *metrics.BranchCollector
}

func (b DefaultBinder) Register(s *grpc.Server, co *branch.Coordinator) {
	if co == nil {
		return
	}
	api.RegisterKVServer(s, NewKVService(co, b.Collector))
	api.RegisterBranchAdminServer(s, NewBranchAdminService(co))
}
