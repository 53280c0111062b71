// Package coord defines the coordination-store contract the watchers consume:
// a hierarchical node tree with persistent child-change and value-change
// subscriptions. Backends live in the zkstore, kvstore and fsstore packages;
// this package also provides an in-memory Store.
package coord

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ChildListener receives the full current child list of parentPath each time
// it changes.
type ChildListener func(parentPath string, children []string)

// DataListener receives value changes and deletions of one node.
type DataListener interface {
	HandleDataChange(path string, data []byte)
	HandleDataDeleted(path string)
}

// DataListenerFuncs adapts a pair of functions to DataListener. Nil fields are skipped.
type DataListenerFuncs struct {
	OnChange func(path string, data []byte)
	OnDelete func(path string)
}

// HandleDataChange implements DataListener.
func (f DataListenerFuncs) HandleDataChange(path string, data []byte) {
	if f.OnChange != nil {
		f.OnChange(path, data)
	}
}

// HandleDataDeleted implements DataListener.
func (f DataListenerFuncs) HandleDataDeleted(path string) {
	if f.OnDelete != nil {
		f.OnDelete(path)
	}
}

// Subscription is a live, persistent watch on one path. Listeners keep firing
// until Stop is called or the store is closed.
type Subscription interface {
	Path() string
	Stop()
}

// Store is a hierarchical coordination store.
//
// Notifications for one subscription are delivered serially, in the order the
// store observed them. Notifications for different subscriptions may run
// concurrently.
type Store interface {
	Exists(ctx context.Context, path string) (bool, error)

	// CreatePersistent creates path. It is a no-op if path already exists.
	// With recursive set, missing ancestors are created too; otherwise a
	// missing parent yields ErrNoNode.
	CreatePersistent(ctx context.Context, path string, recursive bool) error

	// Children lists the immediate child names of path.
	Children(ctx context.Context, path string) ([]string, error)

	Read(ctx context.Context, path string) ([]byte, error)

	SubscribeChildChanges(path string, listener ChildListener) (Subscription, error)
	SubscribeDataChanges(path string, listener DataListener) (Subscription, error)

	Close() error
}

// Writer is implemented by stores that accept registrations.
type Writer interface {
	// Put sets the value of path, creating it and its ancestors if needed.
	Put(ctx context.Context, path string, data []byte) error

	// Delete removes a node without children.
	Delete(ctx context.Context, path string) error
}

// EnsurePath creates path and its ancestors unless it already exists.
// A concurrent creation by another process is not an error.
func EnsurePath(ctx context.Context, s Store, p string) error {
	exists, err := s.Exists(ctx, p)
	if err != nil {
		return fmt.Errorf("check %s: %w", p, err)
	}
	if exists {
		return nil
	}
	if err := s.CreatePersistent(ctx, p, true); err != nil {
		return fmt.Errorf("create %s: %w", p, err)
	}
	return nil
}

// ChildrenOrEnsure creates p if it is missing and lists its children.
func ChildrenOrEnsure(ctx context.Context, s Store, p string) ([]string, error) {
	if err := EnsurePath(ctx, s, p); err != nil {
		return nil, err
	}
	children, err := s.Children(ctx, p)
	if errors.Is(err, ErrNoNode) {
		// Deleted between ensure and list.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p, err)
	}
	return children, nil
}

// CleanPath normalizes p to an absolute slash path without a trailing slash.
func CleanPath(p string) (string, error) {
	if p == "" || !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("invalid path %q: must be absolute", p)
	}
	return path.Clean(p), nil
}

// Ancestors returns every proper ancestor of a clean path, root excluded,
// shallowest first: /a/b/c yields /a, /a/b.
func Ancestors(p string) []string {
	var out []string
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[:i])
		}
	}
	return out
}
