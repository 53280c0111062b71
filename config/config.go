// Package config provides configuration loading and management for regwatch.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/regwatch/registry"
)

// Store backends.
const (
	BackendZooKeeper = "zookeeper"
	BackendNATS      = "nats"
	BackendFS        = "fs"
	BackendMemory    = "memory"
)

// Publisher sinks.
const (
	PublisherLog  = "log"
	PublisherNATS = "nats"
)

// Config represents the complete regwatch configuration
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Watch     WatchConfig     `yaml:"watch"`
	Publisher PublisherConfig `yaml:"publisher"`
	NATS      NATSConfig      `yaml:"nats"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// StoreConfig selects and configures the coordination store
type StoreConfig struct {
	// Backend is one of zookeeper, nats, fs, memory
	Backend string `yaml:"backend"`
	// Servers is the ZooKeeper ensemble (host:port)
	Servers []string `yaml:"servers"`
	// SessionTimeout is the ZooKeeper session timeout
	SessionTimeout time.Duration `yaml:"session_timeout"`
	// ConnectionTimeout bounds the initial connection
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	// Root is the registration root path
	Root string `yaml:"root"`
	// Bucket is the KV bucket for the nats backend
	Bucket string `yaml:"bucket"`
	// Dir is the directory for the fs backend
	Dir string `yaml:"dir"`
}

// WatchConfig selects the watched subtrees
type WatchConfig struct {
	MetadataTypes []string `yaml:"metadata_types"`
	URITypes      []string `yaml:"uri_types"`
	// Contexts restricts watched contexts to names matching these patterns (empty = all)
	Contexts []string `yaml:"contexts"`
}

// PublisherConfig configures where decoded records go
type PublisherConfig struct {
	// Kind is log or nats
	Kind string `yaml:"kind"`
	// SubjectPrefix is the NATS subject prefix for the nats sink
	SubjectPrefix  string        `yaml:"subject_prefix"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
}

// MetricsConfig configures the metrics endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics and /healthz (empty = disabled)
	Addr string `yaml:"addr"`
	// MaxConnections caps concurrent scrape connections
	MaxConnections int `yaml:"max_connections"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:           BackendZooKeeper,
			Servers:           []string{"localhost:2181"},
			SessionTimeout:    3 * time.Second,
			ConnectionTimeout: 3 * time.Second,
			Root:              registry.DefaultRoot,
			Bucket:            "REGWATCH_REGISTRY",
			Dir:               "",
		},
		Watch: WatchConfig{
			MetadataTypes: typeNames(registry.DefaultMetadataTypes()),
			URITypes:      typeNames(registry.DefaultURITypes()),
		},
		Publisher: PublisherConfig{
			Kind:           PublisherLog,
			SubjectPrefix:  "regwatch.register",
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			AttemptTimeout: 5 * time.Second,
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Metrics: MetricsConfig{
			Addr:           "",
			MaxConnections: 16,
		},
	}
}

func typeNames(types []registry.RPCType) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendZooKeeper:
		if len(c.Store.Servers) == 0 {
			return fmt.Errorf("store.servers is required for the zookeeper backend")
		}
	case BackendNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for the nats backend")
		}
	case BackendFS:
		if c.Store.Dir == "" {
			return fmt.Errorf("store.dir is required for the fs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("store.backend must be one of zookeeper, nats, fs, memory (got %q)", c.Store.Backend)
	}
	if c.Store.SessionTimeout <= 0 || c.Store.ConnectionTimeout <= 0 {
		return fmt.Errorf("store timeouts must be positive")
	}
	if c.Store.Root == "" || c.Store.Root[0] != '/' {
		return fmt.Errorf("store.root must be an absolute path")
	}

	if _, err := registry.ParseRPCTypes(c.Watch.MetadataTypes); err != nil {
		return fmt.Errorf("watch.metadata_types: %w", err)
	}
	if _, err := registry.ParseRPCTypes(c.Watch.URITypes); err != nil {
		return fmt.Errorf("watch.uri_types: %w", err)
	}
	if len(c.Watch.MetadataTypes) == 0 && len(c.Watch.URITypes) == 0 {
		return fmt.Errorf("watch.metadata_types or watch.uri_types must not both be empty")
	}
	for _, p := range c.Watch.Contexts {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("watch.contexts: invalid pattern %q", p)
		}
	}

	switch c.Publisher.Kind {
	case PublisherLog:
	case PublisherNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for the nats publisher")
		}
		if c.Publisher.SubjectPrefix == "" {
			return fmt.Errorf("publisher.subject_prefix is required for the nats publisher")
		}
	default:
		return fmt.Errorf("publisher.kind must be log or nats (got %q)", c.Publisher.Kind)
	}
	if c.Publisher.MaxAttempts < 1 {
		return fmt.Errorf("publisher.max_attempts must be at least 1")
	}
	if c.Metrics.MaxConnections < 0 {
		return fmt.Errorf("metrics.max_connections must not be negative")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Store
	if other.Store.Backend != "" {
		c.Store.Backend = other.Store.Backend
	}
	if len(other.Store.Servers) > 0 {
		c.Store.Servers = other.Store.Servers
	}
	if other.Store.SessionTimeout != 0 {
		c.Store.SessionTimeout = other.Store.SessionTimeout
	}
	if other.Store.ConnectionTimeout != 0 {
		c.Store.ConnectionTimeout = other.Store.ConnectionTimeout
	}
	if other.Store.Root != "" {
		c.Store.Root = other.Store.Root
	}
	if other.Store.Bucket != "" {
		c.Store.Bucket = other.Store.Bucket
	}
	if other.Store.Dir != "" {
		c.Store.Dir = other.Store.Dir
	}

	// Watch
	if other.Watch.MetadataTypes != nil {
		c.Watch.MetadataTypes = other.Watch.MetadataTypes
	}
	if other.Watch.URITypes != nil {
		c.Watch.URITypes = other.Watch.URITypes
	}
	if len(other.Watch.Contexts) > 0 {
		c.Watch.Contexts = other.Watch.Contexts
	}

	// Publisher
	if other.Publisher.Kind != "" {
		c.Publisher.Kind = other.Publisher.Kind
	}
	if other.Publisher.SubjectPrefix != "" {
		c.Publisher.SubjectPrefix = other.Publisher.SubjectPrefix
	}
	if other.Publisher.MaxAttempts != 0 {
		c.Publisher.MaxAttempts = other.Publisher.MaxAttempts
	}
	if other.Publisher.InitialBackoff != 0 {
		c.Publisher.InitialBackoff = other.Publisher.InitialBackoff
	}
	if other.Publisher.MaxBackoff != 0 {
		c.Publisher.MaxBackoff = other.Publisher.MaxBackoff
	}
	if other.Publisher.AttemptTimeout != 0 {
		c.Publisher.AttemptTimeout = other.Publisher.AttemptTimeout
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
	if other.Metrics.MaxConnections != 0 {
		c.Metrics.MaxConnections = other.Metrics.MaxConnections
	}
}
