package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "regwatch.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/regwatch"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "REGWATCH_"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
	getenv func(string) string
	getwd  func() (string, error)
	home   func() (string, error)
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger: logger,
		getenv: os.Getenv,
		getwd:  os.Getwd,
		home:   os.UserHomeDir,
	}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/regwatch/config.yaml)
// 3. Project config (regwatch.yaml in current or parent directories), or
// explicitPath when set
// 4. REGWATCH_* environment variables
func (l *Loader) Load(explicitPath string) (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if userConfig, err := LoadFromFile(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			config.Merge(userConfig)
		} else if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	if explicitPath != "" {
		explicit, err := LoadFromFile(explicitPath)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config", slog.String("path", explicitPath))
		config.Merge(explicit)
	} else if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	l.applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// applyEnv overrides individual settings from the environment
func (l *Loader) applyEnv(c *Config) {
	set := func(key string, apply func(string)) {
		if v := strings.TrimSpace(l.getenv(EnvPrefix + key)); v != "" {
			apply(v)
			l.logger.Debug("Applied environment override", slog.String("key", EnvPrefix+key))
		}
	}
	set("STORE_BACKEND", func(v string) { c.Store.Backend = v })
	set("STORE_SERVERS", func(v string) { c.Store.Servers = splitList(v) })
	set("STORE_ROOT", func(v string) { c.Store.Root = v })
	set("STORE_BUCKET", func(v string) { c.Store.Bucket = v })
	set("STORE_DIR", func(v string) { c.Store.Dir = v })
	set("METADATA_TYPES", func(v string) { c.Watch.MetadataTypes = splitList(v) })
	set("URI_TYPES", func(v string) { c.Watch.URITypes = splitList(v) })
	set("PUBLISHER_KIND", func(v string) { c.Publisher.Kind = v })
	set("NATS_URL", func(v string) { c.NATS.URL = v })
	set("METRICS_ADDR", func(v string) { c.Metrics.Addr = v })
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return fmt.Errorf("no home directory")
	}

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := l.home()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for regwatch.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := l.getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

