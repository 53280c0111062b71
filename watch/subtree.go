package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360studio/regwatch/coord"
	"github.com/c360studio/regwatch/metrics"
	"github.com/c360studio/regwatch/publish"
	"github.com/c360studio/regwatch/registry"
)

// ErrAlreadyRunning is returned by Start on a watcher that was already started.
var ErrAlreadyRunning = errors.New("watcher already running")

// SubtreeWatcher mirrors one <category>/<rpcType> subtree: it snapshots the
// contexts and leaves present at Start, then follows child additions at the
// parent and context levels. Metadata leaves additionally get a LeafWatcher.
type SubtreeWatcher struct {
	store     coord.Store
	publisher publish.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	category  registry.Category
	rpcType   registry.RPCType
	parent    string
	include   func(context string) bool

	contexts *childSet

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	leaves  map[string]*childSet
	subs    map[string]coord.Subscription
}

func newSubtreeWatcher(
	store coord.Store,
	publisher publish.Publisher,
	scheme registry.PathScheme,
	category registry.Category,
	rpcType registry.RPCType,
	include func(string) bool,
	logger *slog.Logger,
	m *metrics.Metrics,
) *SubtreeWatcher {
	if include == nil {
		include = func(string) bool { return true }
	}
	return &SubtreeWatcher{
		store:     store,
		publisher: publisher,
		logger:    logger.With("category", string(category), "rpc_type", string(rpcType)),
		metrics:   m,
		category:  category,
		rpcType:   rpcType,
		parent:    scheme.ContextParent(category, rpcType),
		include:   include,
		contexts:  newChildSet(),
		leaves:    make(map[string]*childSet),
		subs:      make(map[string]coord.Subscription),
	}
}

// Category returns the watched category.
func (w *SubtreeWatcher) Category() registry.Category { return w.category }

// RPCType returns the watched RPC type.
func (w *SubtreeWatcher) RPCType() registry.RPCType { return w.rpcType }

// Parent returns the path whose children are contexts.
func (w *SubtreeWatcher) Parent() string { return w.parent }

// Contexts returns the known context names, sorted.
func (w *SubtreeWatcher) Contexts() []string { return w.contexts.list() }

// Start runs the bootstrap walk synchronously, publishing every leaf present,
// then installs the child subscriptions. ctx bounds the lifetime of the
// watcher: notification handling stops once it is cancelled.
func (w *SubtreeWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	runCtx := w.ctx
	w.mu.Unlock()

	names, err := coord.ChildrenOrEnsure(runCtx, w.store, w.parent)
	if err != nil {
		return fmt.Errorf("bootstrap %s: %w", w.parent, err)
	}
	for _, name := range w.contexts.merge(w.filter(names)) {
		if err := w.watchContext(runCtx, name); err != nil {
			return fmt.Errorf("bootstrap %s: %w", w.parent, err)
		}
	}
	w.metrics.SetContexts(string(w.category), string(w.rpcType), len(w.contexts.list()))

	if err := w.subscribeChildren(runCtx, w.parent, w.handleContexts); err != nil {
		return err
	}

	w.logger.Info("Subtree watcher started",
		"parent", w.parent,
		"contexts", len(w.contexts.list()))
	return nil
}

// Stop releases every subscription held by the watcher. Handlers already
// running observe the cancelled context and return early.
func (w *SubtreeWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	subs := w.subs
	w.subs = make(map[string]coord.Subscription)
	w.mu.Unlock()

	released := map[string]int{}
	for key, sub := range subs {
		sub.Stop()
		released[subKind(key)]++
	}
	for kind, n := range released {
		w.metrics.SubscriptionsReleased(kind, n)
	}
	w.logger.Debug("Subtree watcher stopped", "parent", w.parent, "subscriptions", len(subs))
}

// Running reports whether the watcher was started, has not been stopped and
// its lifetime context is still live.
func (w *SubtreeWatcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running && w.ctx.Err() == nil
}

func (w *SubtreeWatcher) runContext() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ctx
}

func (w *SubtreeWatcher) filter(names []string) []string {
	kept := make([]string, 0, len(names))
	for _, name := range names {
		if w.include(name) {
			kept = append(kept, name)
		} else {
			w.logger.Debug("Context excluded", "context", name)
		}
	}
	return kept
}

// handleContexts runs for every child-list firing on the parent path.
func (w *SubtreeWatcher) handleContexts(_ string, children []string) {
	ctx := w.runContext()
	if ctx.Err() != nil || len(children) == 0 {
		return
	}

	added := w.contexts.merge(w.filter(children))
	for _, name := range added {
		if ctx.Err() != nil {
			return
		}
		if err := w.watchContext(ctx, name); err != nil {
			// Retried on the next firing of the parent.
			w.contexts.forget(name)
			w.logger.Warn("Failed to watch context", "context", name, "error", err)
			continue
		}
		w.logger.Info("Context discovered", "context", name)
	}
	if len(added) > 0 {
		w.metrics.SetContexts(string(w.category), string(w.rpcType), len(w.contexts.list()))
	}
}

// watchContext publishes the leaves of one context and subscribes to its child list.
func (w *SubtreeWatcher) watchContext(ctx context.Context, name string) error {
	contextPath := registry.Node(w.parent, name)
	names, err := coord.ChildrenOrEnsure(ctx, w.store, contextPath)
	if err != nil {
		return err
	}
	w.publishLeaves(ctx, contextPath, w.leafSet(contextPath).merge(names))
	return w.subscribeChildren(ctx, contextPath, w.handleLeaves)
}

// handleLeaves runs for every child-list firing on a context path.
func (w *SubtreeWatcher) handleLeaves(contextPath string, children []string) {
	ctx := w.runContext()
	if ctx.Err() != nil || len(children) == 0 {
		return
	}
	w.publishLeaves(ctx, contextPath, w.leafSet(contextPath).merge(children))
}

func (w *SubtreeWatcher) leafSet(contextPath string) *childSet {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.leaves[contextPath]
	if !ok {
		set = newChildSet()
		w.leaves[contextPath] = set
	}
	return set
}

// publishLeaves reads and publishes newly seen leaves of one context. Metadata
// leaves are published one per batch and get a LeafWatcher; URI leaves are
// published together in one batch.
func (w *SubtreeWatcher) publishLeaves(ctx context.Context, contextPath string, names []string) {
	if len(names) == 0 {
		return
	}
	known := w.leafSet(contextPath)

	var batch []registry.Record
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		leafPath := registry.Node(contextPath, name)

		// The value watch goes in before the read so no change falls between them.
		watched := w.category.WatchesLeaves()
		var leaf *LeafWatcher
		if watched {
			var err error
			if leaf, err = w.watchLeaf(leafPath); err != nil {
				known.forget(name)
				if errors.Is(err, coord.ErrNoNode) {
					w.logger.Debug("Leaf removed before it was watched", "path", leafPath)
				} else {
					w.logger.Warn("Failed to watch leaf", "path", leafPath, "error", err)
				}
				continue
			}
		}

		rec, err := w.readLeaf(ctx, leafPath)
		if err != nil {
			// A leaf that reappears later is picked up by the next firing.
			known.forget(name)
			if watched {
				w.releaseSub(dataKey(leafPath))
			}
			if errors.Is(err, coord.ErrNoNode) {
				w.logger.Debug("Leaf removed before it was read", "path", leafPath)
			} else {
				w.logger.Warn("Failed to read leaf", "path", leafPath, "error", err)
			}
			continue
		}

		if watched {
			if leaf != nil {
				leaf.bootstrap(rec)
			} else if rec != nil {
				w.emit(ctx, []registry.Record{rec})
			}
			continue
		}
		if rec != nil {
			batch = append(batch, rec)
		}
	}
	w.emit(ctx, batch)
}

// readLeaf returns the decoded record at leafPath. Decode failures are logged
// and yield a nil record with a nil error.
func (w *SubtreeWatcher) readLeaf(ctx context.Context, leafPath string) (registry.Record, error) {
	data, err := w.store.Read(ctx, leafPath)
	if err != nil {
		return nil, err
	}
	rec, err := registry.Decode(w.category, leafPath, data)
	if err != nil {
		w.metrics.RecordDecodeError(string(w.category), string(w.rpcType))
		w.logger.Warn("Skipping undecodable leaf", "path", leafPath, "error", err)
		return nil, nil
	}
	return rec, nil
}

// watchLeaf installs a LeafWatcher on leafPath. It returns nil if the leaf is
// already watched.
func (w *SubtreeWatcher) watchLeaf(leafPath string) (*LeafWatcher, error) {
	key := dataKey(leafPath)
	if w.hasSub(key) {
		return nil, nil
	}
	leaf := newLeafWatcher(leafPath, w.rpcType, func(records []registry.Record) {
		w.emit(w.runContext(), records)
	}, w.logger, w.metrics)
	sub, err := w.store.SubscribeDataChanges(leafPath, leaf)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", leafPath, err)
	}
	if !w.addSub(key, sub, metrics.KindData) {
		return nil, nil
	}
	return leaf, nil
}

// subscribeChildren installs a child subscription on p, then lists p once
// more and feeds the result to handle, so children created between the
// snapshot and the subscription are not missed.
func (w *SubtreeWatcher) subscribeChildren(ctx context.Context, p string, handle coord.ChildListener) error {
	key := childKey(p)
	if w.hasSub(key) {
		return nil
	}
	sub, err := w.store.SubscribeChildChanges(p, handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", p, err)
	}
	if !w.addSub(key, sub, metrics.KindChild) {
		return nil
	}

	children, err := w.store.Children(ctx, p)
	switch {
	case err == nil:
		handle(p, children)
	case errors.Is(err, coord.ErrNoNode):
	default:
		w.logger.Warn("Failed to re-list after subscribing", "path", p, "error", err)
	}
	return nil
}

func (w *SubtreeWatcher) hasSub(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.subs[key]
	return ok
}

// addSub records sub under key. It stops sub and returns false if the watcher
// was stopped meanwhile or another subscription already holds key.
func (w *SubtreeWatcher) addSub(key string, sub coord.Subscription, kind string) bool {
	w.mu.Lock()
	_, dup := w.subs[key]
	if !w.running || dup {
		w.mu.Unlock()
		sub.Stop()
		return false
	}
	w.subs[key] = sub
	w.mu.Unlock()
	w.metrics.SubscriptionAdded(kind)
	return true
}

func (w *SubtreeWatcher) releaseSub(key string) {
	w.mu.Lock()
	sub, ok := w.subs[key]
	delete(w.subs, key)
	w.mu.Unlock()
	if !ok {
		return
	}
	sub.Stop()
	w.metrics.SubscriptionsReleased(subKind(key), 1)
}

// emit hands records to the publisher. A failing or panicking publisher is
// logged and never reaches the store's notification goroutine.
func (w *SubtreeWatcher) emit(ctx context.Context, records []registry.Record) {
	if len(records) == 0 || ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Publisher panicked", "records", len(records), "panic", r)
		}
	}()
	if err := w.publisher.Publish(ctx, records); err != nil {
		w.logger.Error("Failed to publish records",
			"records", len(records),
			"first_path", records[0].NodePath(),
			"error", err)
		return
	}
	w.metrics.RecordPublished(string(w.category), string(w.rpcType), len(records))
}

func childKey(p string) string { return metrics.KindChild + ":" + p }
func dataKey(p string) string  { return metrics.KindData + ":" + p }

func subKind(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
