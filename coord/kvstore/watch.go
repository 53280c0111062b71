package kvstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/regwatch/coord"
)

type subscription struct {
	path    string
	watcher jetstream.KeyWatcher
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *subscription) Path() string { return s.path }

func (s *subscription) Stop() {
	s.once.Do(func() {
		s.cancel()
		_ = s.watcher.Stop()
	})
}

// SubscribeChildChanges implements coord.Store. Child keys are watched with
// a single-token wildcard; the listener gets the re-listed children each time
// the set of names differs from the last delivered one.
func (s *Store) SubscribeChildChanges(p string, listener coord.ChildListener) (coord.Subscription, error) {
	p, err := s.check(p)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(s.ctx)
	last, err := s.list(ctx, p)
	if err != nil {
		cancel()
		return nil, err
	}
	w, err := s.kv.Watch(ctx, childFilter(p), jetstream.UpdatesOnly(), jetstream.MetaOnly())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch children of %s: %w", p, err)
	}
	sub := &subscription{path: p, watcher: w, cancel: cancel}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				children, err := s.list(ctx, p)
				if err != nil {
					if ctx.Err() == nil {
						s.logger.Warn("Failed to list children after change", "path", p, "error", err)
					}
					continue
				}
				if slices.Equal(children, last) {
					continue
				}
				last = children
				listener(p, children)
			}
		}
	}()
	return sub, nil
}

// SubscribeDataChanges implements coord.Store.
func (s *Store) SubscribeDataChanges(p string, listener coord.DataListener) (coord.Subscription, error) {
	p, err := s.check(p)
	if err != nil {
		return nil, err
	}
	if p == "/" {
		return nil, fmt.Errorf("watch %s: root holds no value", p)
	}
	ctx, cancel := context.WithCancel(s.ctx)
	w, err := s.kv.Watch(ctx, pathKey(p), jetstream.UpdatesOnly())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", p, err)
	}
	sub := &subscription{path: p, watcher: w, cancel: cancel}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				switch entry.Operation() {
				case jetstream.KeyValuePut:
					listener.HandleDataChange(p, entry.Value())
				case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
					listener.HandleDataDeleted(p)
				}
			}
		}
	}()
	return sub, nil
}
