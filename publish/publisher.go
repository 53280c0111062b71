// Package publish delivers decoded registration records to downstream
// consumers. Sinks implement Publisher; Retry wraps a sink with a bounded
// retry-then-drop policy so watchers never block on a failing consumer.
package publish

import (
	"context"
	"log/slog"

	"github.com/c360studio/regwatch/registry"
)

// Publisher receives batches of decoded registration records.
type Publisher interface {
	Publish(ctx context.Context, records []registry.Record) error
}

// Func adapts a function to Publisher.
type Func func(ctx context.Context, records []registry.Record) error

// Publish implements Publisher.
func (f Func) Publish(ctx context.Context, records []registry.Record) error {
	return f(ctx, records)
}

// Log writes every record to a structured logger. It never fails.
type Log struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLog returns a Log sink writing at info level.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger, level: slog.LevelInfo}
}

// Publish implements Publisher.
func (l *Log) Publish(ctx context.Context, records []registry.Record) error {
	for _, rec := range records {
		attrs := []any{
			"category", rec.Category(),
			"path", rec.NodePath(),
		}
		switch r := rec.(type) {
		case *registry.MetadataRecord:
			attrs = append(attrs,
				"app", r.AppName,
				"rpc_type", r.RPCType,
				"rule", r.RuleName,
				"enabled", r.Enabled)
		case *registry.URIRecord:
			attrs = append(attrs,
				"app", r.AppName,
				"rpc_type", r.RPCType,
				"host", r.Host,
				"port", r.Port)
		}
		l.logger.Log(ctx, l.level, "Registration observed", attrs...)
	}
	return nil
}
