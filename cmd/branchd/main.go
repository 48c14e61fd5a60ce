package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jisqyv/rethinkdb/internal/branch"
	"github.com/jisqyv/rethinkdb/internal/config"
	"github.com/jisqyv/rethinkdb/internal/observability/metrics"
	"github.com/jisqyv/rethinkdb/internal/region"
	grpcserver "github.com/jisqyv/rethinkdb/internal/server/grpc"
	"github.com/jisqyv/rethinkdb/internal/store"
	"github.com/jisqyv/rethinkdb/internal/store/memstore"
	"github.com/jisqyv/rethinkdb/internal/store/pebblestore"
	"github.com/jisqyv/rethinkdb/internal/transport"
)

func main() {
	configPath := flag.String("config", "configs/server.example.yaml", "path to server config")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	r := cfg.Region()
	blank := region.Single[[]byte](r, nil)

	var view store.View
	var closeStore func() error
	switch cfg.Backend() {
	case config.BackendPebble:
		st, err := pebblestore.Open(cfg.Storage.Dir, r, blank)
		if err != nil {
			log.Fatalf("failed to open store: %v", err)
		}
		view = st
		closeStore = st.Close
	default:
		view = memstore.New(r, blank)
		closeStore = func() error { return nil }
	}

	nodeName := cfg.NodeName
	if nodeName == "" {
		nodeName = "branchd"
	}
	network := transport.NewNetwork()
	node := network.NewNode(nodeName, logger)

	coordinator, first, err := branch.NewCoordinator(node, logger, r, view, nil)
	if err != nil {
		log.Fatalf("failed to start branch: %v", err)
	}

	var meta *branch.Metastore
	if cfg.Storage.Dir != "" {
		meta, err = branch.OpenMetastore(cfg.Storage.Dir)
		if err != nil {
			log.Fatalf("failed to open branch metastore: %v", err)
		}
		if err := meta.Put(branch.NewBranchRecord(coordinator)); err != nil {
			log.Fatalf("failed to record branch: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	var collector *metrics.BranchCollector
	if cfg.Metrics.Address != "" {
		collector = metrics.NewBranchCollector(nil, "")
		if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil {
			log.Fatalf("failed to start metrics server: %v", err)
		}
		go sampleDiagnostics(ctx, coordinator, collector)
	}

	grpcSrv := grpcserver.New(grpcserver.Config{Address: cfg.GRPC.Address}, coordinator,
		grpcserver.DefaultBinder{Collector: collector})
	if err := grpcSrv.Start(ctx); err != nil {
		log.Fatalf("failed to start grpc server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	grpcSrv.Stop()
	coordinator.Close()
	first.Close()
	node.Close()
	if meta != nil {
		if err := meta.Close(); err != nil {
			log.Printf("metastore close error: %v", err)
		}
	}
	if err := closeStore(); err != nil {
		log.Printf("store close error: %v", err)
	}
}

func sampleDiagnostics(ctx context.Context, c *branch.Coordinator, collector *metrics.BranchCollector) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collector.Observe(c.Diagnostics())
		}
	}
}
