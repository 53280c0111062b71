package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Store.Backend != BackendZooKeeper {
		t.Errorf("expected default backend zookeeper, got %s", cfg.Store.Backend)
	}
	if cfg.Store.SessionTimeout != 3*time.Second {
		t.Errorf("expected session timeout 3s, got %v", cfg.Store.SessionTimeout)
	}
	if cfg.Store.ConnectionTimeout != 3*time.Second {
		t.Errorf("expected connection timeout 3s, got %v", cfg.Store.ConnectionTimeout)
	}
	if cfg.Store.Root != "/soul/register" {
		t.Errorf("expected root /soul/register, got %s", cfg.Store.Root)
	}
	if len(cfg.Watch.MetadataTypes) != 6 {
		t.Errorf("expected 6 metadata types, got %v", cfg.Watch.MetadataTypes)
	}
	if len(cfg.Watch.URITypes) != 3 {
		t.Errorf("expected 3 uri types, got %v", cfg.Watch.URITypes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.Store.Backend = "etcd" },
			wantErr: true,
		},
		{
			name:    "zookeeper without servers",
			modify:  func(c *Config) { c.Store.Servers = nil },
			wantErr: true,
		},
		{
			name:    "fs without dir",
			modify:  func(c *Config) { c.Store.Backend = BackendFS },
			wantErr: true,
		},
		{
			name:    "memory backend",
			modify:  func(c *Config) { c.Store.Backend = BackendMemory },
			wantErr: false,
		},
		{
			name:    "relative root",
			modify:  func(c *Config) { c.Store.Root = "soul/register" },
			wantErr: true,
		},
		{
			name:    "zero session timeout",
			modify:  func(c *Config) { c.Store.SessionTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "unknown rpc type",
			modify:  func(c *Config) { c.Watch.MetadataTypes = []string{"http", "corba"} },
			wantErr: true,
		},
		{
			name: "no types at all",
			modify: func(c *Config) {
				c.Watch.MetadataTypes = []string{}
				c.Watch.URITypes = []string{}
			},
			wantErr: true,
		},
		{
			name:    "only uri types",
			modify:  func(c *Config) { c.Watch.MetadataTypes = []string{} },
			wantErr: false,
		},
		{
			name:    "bad context pattern",
			modify:  func(c *Config) { c.Watch.Contexts = []string{"order-["} },
			wantErr: true,
		},
		{
			name:    "unknown publisher",
			modify:  func(c *Config) { c.Publisher.Kind = "kafka" },
			wantErr: true,
		},
		{
			name:    "zero attempts",
			modify:  func(c *Config) { c.Publisher.MaxAttempts = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
store:
  backend: nats
  session_timeout: 5s
  root: /custom/register
  bucket: TEST_BUCKET
watch:
  metadata_types: [http, grpc]
  uri_types: []
  contexts: ["order-*"]
publisher:
  kind: nats
  max_attempts: 5
nats:
  url: "nats://test:4222"
metrics:
  addr: ":9090"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Store.Backend != BackendNATS {
		t.Errorf("expected backend nats, got %s", cfg.Store.Backend)
	}
	if cfg.Store.SessionTimeout != 5*time.Second {
		t.Errorf("expected session timeout 5s, got %v", cfg.Store.SessionTimeout)
	}
	if cfg.Store.Root != "/custom/register" {
		t.Errorf("expected root /custom/register, got %s", cfg.Store.Root)
	}
	if len(cfg.Watch.MetadataTypes) != 2 {
		t.Errorf("expected 2 metadata types, got %v", cfg.Watch.MetadataTypes)
	}
	if cfg.Watch.URITypes == nil || len(cfg.Watch.URITypes) != 0 {
		t.Errorf("expected explicit empty uri types, got %#v", cfg.Watch.URITypes)
	}
	if cfg.Publisher.MaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.Publisher.MaxAttempts)
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Metrics.Addr != ":9090" {
		t.Errorf("expected metrics addr :9090, got %s", cfg.Metrics.Addr)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Store: StoreConfig{
			Backend: BackendFS,
			Dir:     "/var/lib/regwatch",
		},
		Watch: WatchConfig{
			URITypes: []string{},
		},
	}

	base.Merge(override)

	if base.Store.Backend != BackendFS {
		t.Errorf("expected backend fs, got %s", base.Store.Backend)
	}
	if base.Store.Dir != "/var/lib/regwatch" {
		t.Errorf("expected dir /var/lib/regwatch, got %s", base.Store.Dir)
	}
	// Servers should remain from base since override didn't set them
	if len(base.Store.Servers) != 1 {
		t.Errorf("expected servers to remain default, got %v", base.Store.Servers)
	}
	if len(base.Watch.MetadataTypes) != 6 {
		t.Errorf("expected metadata types to remain default, got %v", base.Watch.MetadataTypes)
	}
	if len(base.Watch.URITypes) != 0 {
		t.Errorf("expected uri types cleared, got %v", base.Watch.URITypes)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Store.Root = "/saved/root"
	cfg.Store.SessionTimeout = 7 * time.Second

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Store.Root != "/saved/root" {
		t.Errorf("expected root /saved/root, got %s", loaded.Store.Root)
	}
	if loaded.Store.SessionTimeout != 7*time.Second {
		t.Errorf("expected session timeout 7s, got %v", loaded.Store.SessionTimeout)
	}
}

func newTestLoader(t *testing.T, env map[string]string) (*Loader, string, string) {
	t.Helper()
	home := t.TempDir()
	work := t.TempDir()
	l := NewLoader(slog.New(slog.DiscardHandler))
	l.getenv = func(k string) string { return env[k] }
	l.getwd = func() (string, error) { return work, nil }
	l.home = func() (string, error) { return home, nil }
	return l, home, work
}

func TestLoader_Layers(t *testing.T) {
	l, home, work := newTestLoader(t, map[string]string{
		"REGWATCH_STORE_SERVERS": "zk1:2181, zk2:2181",
	})

	userDir := filepath.Join(home, UserConfigDir)
	if err := os.MkdirAll(userDir, 0755); err != nil {
		t.Fatal(err)
	}
	user := "store:\n  root: /user/root\nmetrics:\n  addr: \":1111\"\n"
	if err := os.WriteFile(filepath.Join(userDir, UserConfigFile), []byte(user), 0644); err != nil {
		t.Fatalf("write user config: %v", err)
	}

	// The project file sits in a parent of the working directory.
	nested := filepath.Join(work, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	project := "metrics:\n  addr: \":2222\"\n"
	if err := os.WriteFile(filepath.Join(work, ProjectConfigFile), []byte(project), 0644); err != nil {
		t.Fatal(err)
	}
	l.getwd = func() (string, error) { return nested, nil }

	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Root != "/user/root" {
		t.Errorf("expected user root, got %s", cfg.Store.Root)
	}
	if cfg.Metrics.Addr != ":2222" {
		t.Errorf("expected project metrics addr, got %s", cfg.Metrics.Addr)
	}
	if len(cfg.Store.Servers) != 2 || cfg.Store.Servers[1] != "zk2:2181" {
		t.Errorf("expected env servers, got %v", cfg.Store.Servers)
	}
}

func TestLoader_ExplicitPath(t *testing.T) {
	l, _, work := newTestLoader(t, nil)

	path := filepath.Join(work, "custom.yaml")
	if err := os.WriteFile(path, []byte("store:\n  backend: memory\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Errorf("expected memory backend, got %s", cfg.Store.Backend)
	}

	if _, err := l.Load(filepath.Join(work, "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestLoader_InvalidEnv(t *testing.T) {
	l, _, _ := newTestLoader(t, map[string]string{"REGWATCH_STORE_BACKEND": "etcd"})

	if _, err := l.Load(""); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoader_EnsureUserConfig(t *testing.T) {
	l, home, _ := newTestLoader(t, nil)

	if err := l.EnsureUserConfig(); err != nil {
		t.Fatalf("EnsureUserConfig() error = %v", err)
	}
	path := filepath.Join(home, UserConfigDir, UserConfigFile)
	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load created config: %v", err)
	}
	if loaded.Store.Backend != BackendZooKeeper {
		t.Errorf("expected default backend, got %s", loaded.Store.Backend)
	}
	// Second call leaves the file alone.
	if err := l.EnsureUserConfig(); err != nil {
		t.Fatalf("EnsureUserConfig() error = %v", err)
	}
}
