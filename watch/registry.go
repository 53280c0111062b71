// Package watch mirrors the service-registration tree of a coordination store
// into a publisher. A RegistryWatcher runs one SubtreeWatcher per
// (category, rpc type) pair; each SubtreeWatcher snapshots its subtree, then
// follows new contexts and leaves through child-change subscriptions, and
// metadata value changes through LeafWatchers.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/regwatch/coord"
	"github.com/c360studio/regwatch/metrics"
	"github.com/c360studio/regwatch/publish"
	"github.com/c360studio/regwatch/registry"
)

// ErrStopped is returned by Start on a watcher that was stopped.
var ErrStopped = errors.New("watcher stopped")

// Config selects which subtrees are watched.
type Config struct {
	// Scheme maps categories and RPC types to store paths.
	Scheme registry.PathScheme
	// MetadataTypes are the RPC types whose metadata subtree is watched.
	MetadataTypes []registry.RPCType
	// URITypes are the RPC types whose URI subtree is watched.
	URITypes []registry.RPCType
	// ContextPatterns restricts watched contexts to names matching one of
	// these doublestar patterns. Empty watches every context.
	ContextPatterns []string
}

// DefaultConfig watches the default RPC type sets under the default root.
func DefaultConfig() Config {
	return Config{
		Scheme:        registry.DefaultPathScheme(),
		MetadataTypes: registry.DefaultMetadataTypes(),
		URITypes:      registry.DefaultURITypes(),
	}
}

// Option configures a RegistryWatcher.
type Option func(*RegistryWatcher)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *RegistryWatcher) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records watch-tree metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *RegistryWatcher) {
		r.metrics = m
	}
}

// RegistryWatcher owns the whole watch tree and the store it reads from.
type RegistryWatcher struct {
	store     coord.Store
	publisher publish.Publisher
	config    Config
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	running  bool
	stopped  bool
	subtrees []*SubtreeWatcher
}

// NewRegistryWatcher validates cfg and returns a watcher that is not yet started.
// The watcher takes ownership of store and closes it on Stop.
func NewRegistryWatcher(store coord.Store, publisher publish.Publisher, cfg Config, opts ...Option) (*RegistryWatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	cfg.MetadataTypes = dedupeTypes(cfg.MetadataTypes)
	cfg.URITypes = dedupeTypes(cfg.URITypes)
	if len(cfg.MetadataTypes) == 0 && len(cfg.URITypes) == 0 {
		return nil, fmt.Errorf("no rpc types configured for metadata or uri watching")
	}
	for _, p := range cfg.ContextPatterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid context pattern %q", p)
		}
	}

	r := &RegistryWatcher{
		store:     store,
		publisher: publisher,
		config:    cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start bootstraps every configured subtree concurrently and installs their
// watches. If any bootstrap fails, every subtree is stopped again and the
// error is returned. ctx bounds the lifetime of the watch tree.
func (r *RegistryWatcher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	if r.running {
		return ErrAlreadyRunning
	}

	include := r.includeFunc()
	var subtrees []*SubtreeWatcher
	for _, t := range r.config.MetadataTypes {
		subtrees = append(subtrees, newSubtreeWatcher(r.store, r.publisher, r.config.Scheme,
			registry.CategoryMetadata, t, include, r.logger, r.metrics))
	}
	for _, t := range r.config.URITypes {
		subtrees = append(subtrees, newSubtreeWatcher(r.store, r.publisher, r.config.Scheme,
			registry.CategoryURI, t, include, r.logger, r.metrics))
	}

	var g errgroup.Group
	for _, st := range subtrees {
		g.Go(func() error {
			return st.Start(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		for _, st := range subtrees {
			st.Stop()
		}
		return fmt.Errorf("start watch tree: %w", err)
	}

	r.subtrees = subtrees
	r.running = true
	r.logger.Info("Registry watcher started",
		"root", r.config.Scheme.Root,
		"metadata_types", len(r.config.MetadataTypes),
		"uri_types", len(r.config.URITypes))
	return nil
}

// Stop releases every subscription and closes the store. It is safe to call
// more than once.
func (r *RegistryWatcher) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	r.stopped = true
	r.running = false

	for _, st := range r.subtrees {
		st.Stop()
	}
	r.subtrees = nil

	if err := r.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	r.logger.Info("Registry watcher stopped")
	return nil
}

// Subtrees returns the running subtree watchers.
func (r *RegistryWatcher) Subtrees() []*SubtreeWatcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*SubtreeWatcher(nil), r.subtrees...)
}

// Running reports whether Start succeeded, Stop has not been called and every
// subtree is still handling notifications. It turns false once the context
// passed to Start is cancelled.
func (r *RegistryWatcher) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return false
	}
	for _, st := range r.subtrees {
		if !st.Running() {
			return false
		}
	}
	return true
}

func (r *RegistryWatcher) includeFunc() func(string) bool {
	patterns := r.config.ContextPatterns
	if len(patterns) == 0 {
		return nil
	}
	return func(name string) bool {
		for _, p := range patterns {
			if ok, err := doublestar.Match(p, name); err == nil && ok {
				return true
			}
		}
		return false
	}
}

func dedupeTypes(types []registry.RPCType) []registry.RPCType {
	seen := make(map[registry.RPCType]struct{}, len(types))
	out := make([]registry.RPCType, 0, len(types))
	for _, t := range types {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
