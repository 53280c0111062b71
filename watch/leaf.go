package watch

import (
	"log/slog"
	"sync"

	"github.com/c360studio/regwatch/metrics"
	"github.com/c360studio/regwatch/registry"
)

// LeafWatcher republishes the value of one metadata leaf each time it changes.
// It implements coord.DataListener.
type LeafWatcher struct {
	path    string
	rpcType registry.RPCType
	emit    func([]registry.Record)
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	changed bool
}

func newLeafWatcher(path string, rpcType registry.RPCType, emit func([]registry.Record), logger *slog.Logger, m *metrics.Metrics) *LeafWatcher {
	return &LeafWatcher{
		path:    path,
		rpcType: rpcType,
		emit:    emit,
		logger:  logger,
		metrics: m,
	}
}

// Path returns the watched leaf path.
func (l *LeafWatcher) Path() string {
	return l.path
}

// bootstrap publishes the value read when the leaf was discovered, unless a
// change notification already carried a newer one.
func (l *LeafWatcher) bootstrap(rec registry.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.changed || rec == nil {
		return
	}
	l.emit([]registry.Record{rec})
}

// HandleDataChange decodes the new value and publishes it as a single-record batch.
func (l *LeafWatcher) HandleDataChange(path string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changed = true

	rec, err := registry.DecodeMetadata(path, data)
	if err != nil {
		l.metrics.RecordDecodeError(string(registry.CategoryMetadata), string(l.rpcType))
		l.logger.Warn("Skipping undecodable metadata change", "path", path, "error", err)
		return
	}
	l.logger.Debug("Metadata changed", "path", path)
	l.emit([]registry.Record{rec})
}

// HandleDataDeleted does nothing beyond logging: deletions are not propagated
// and the leaf stays in its parent's known set.
func (l *LeafWatcher) HandleDataDeleted(path string) {
	l.logger.Debug("Metadata leaf deleted, no retraction published", "path", path)
}
