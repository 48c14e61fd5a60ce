package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jisqyv/rethinkdb/internal/region"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadServerConfig(t *testing.T) {
	path := writeConfig(t, `
nodeName: node-1
storage:
  backend: pebble
  dir: /var/lib/branchd
keyspace:
  start: a
  end: z
grpc:
  address: 127.0.0.1:9090
metrics:
  address: 127.0.0.1:2112
`)
	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	require.Equal(t, "node-1", cfg.NodeName)
	require.Equal(t, BackendPebble, cfg.Backend())
	require.True(t, region.Equal(region.Span([]byte("a"), []byte("z")), cfg.Region()))
	require.Equal(t, "127.0.0.1:9090", cfg.GRPC.Address)
}

func TestDefaultsToMemoryAndFullKeyspace(t *testing.T) {
	path := writeConfig(t, "nodeName: node-1\n")
	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.Backend())
	require.True(t, region.Equal(region.All(), cfg.Region()))
}

func TestRejectsPebbleWithoutDir(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: pebble\n")
	_, err := LoadServerConfig(path)
	require.ErrorContains(t, err, "requires storage.dir")
}

func TestRejectsEmptyKeyspace(t *testing.T) {
	path := writeConfig(t, "keyspace:\n  start: z\n  end: a\n")
	_, err := LoadServerConfig(path)
	require.ErrorContains(t, err, "empty")
}
