package config

import (
	"fmt"

	"github.com/jisqyv/rethinkdb/internal/region"
)

// Storage backends a branch server can run on.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
)

type ServerConfig struct {
	NodeName string         `yaml:"nodeName"`
	Storage  StorageConfig  `yaml:"storage"`
	Keyspace KeyspaceConfig `yaml:"keyspace"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

// KeyspaceConfig describes the region the server's branch covers. An empty
// config means the whole keyspace.
type KeyspaceConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

type GRPCConfig struct {
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Region resolves the configured keyspace slice.
func (c *ServerConfig) Region() region.Region {
	if c.Keyspace.Start == "" && c.Keyspace.End == "" {
		return region.All()
	}
	if c.Keyspace.End == "" {
		return region.From([]byte(c.Keyspace.Start))
	}
	return region.Span([]byte(c.Keyspace.Start), []byte(c.Keyspace.End))
}

// Validate rejects configurations the server cannot start from.
func (c *ServerConfig) Validate() error {
	switch c.Storage.Backend {
	case "", BackendMemory:
	case BackendPebble:
		if c.Storage.Dir == "" {
			return fmt.Errorf("config: pebble backend requires storage.dir")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Region().IsEmpty() {
		return fmt.Errorf("config: keyspace [%q, %q) is empty", c.Keyspace.Start, c.Keyspace.End)
	}
	return nil
}

// Backend returns the effective storage backend.
func (c *ServerConfig) Backend() string {
	if c.Storage.Backend == "" {
		return BackendMemory
	}
	return c.Storage.Backend
}
