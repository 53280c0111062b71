// Package kvstore implements coord.Store on a NATS JetStream key-value bucket.
// Every node, including intermediate ones, is a key; child lists come from
// wildcard key listings and subscriptions from KV watchers.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/regwatch/coord"
)

// DefaultBucket is the KV bucket holding the registration tree.
const DefaultBucket = "REGWATCH_REGISTRY"

// Store is a coord.Store and coord.Writer backed by JetStream KV.
type Store struct {
	kv     jetstream.KeyValue
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New opens bucket, creating it if it does not exist. The caller keeps
// ownership of the NATS connection behind js.
func New(ctx context.Context, js jetstream.JetStream, bucket string, logger *slog.Logger) (*Store, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	if logger == nil {
		logger = slog.Default()
	}
	kv, err := getOrCreateBucket(ctx, js, bucket)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Store{
		kv:     kv,
		logger: logger.With("component", "kvstore", "bucket", bucket),
		ctx:    runCtx,
		cancel: cancel,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, err
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "Service registration tree",
		History:     5,
	})
}

// Exists implements coord.Store.
func (s *Store) Exists(ctx context.Context, p string) (bool, error) {
	p, err := s.check(p)
	if err != nil {
		return false, err
	}
	if p == "/" {
		return true, nil
	}
	_, err = s.kv.Get(ctx, pathKey(p))
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", p, err)
	}
	return true, nil
}

// CreatePersistent implements coord.Store.
func (s *Store) CreatePersistent(ctx context.Context, p string, recursive bool) error {
	p, err := s.check(p)
	if err != nil {
		return err
	}
	if p == "/" {
		return nil
	}
	ancestors := coord.Ancestors(p)
	if recursive {
		for _, a := range ancestors {
			if err := s.create(ctx, a, nil); err != nil {
				return err
			}
		}
	} else if len(ancestors) > 0 {
		parent := ancestors[len(ancestors)-1]
		ok, err := s.Exists(ctx, parent)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("create %s: parent %s: %w", p, parent, coord.ErrNoNode)
		}
	}
	return s.create(ctx, p, nil)
}

func (s *Store) create(ctx context.Context, p string, data []byte) error {
	_, err := s.kv.Create(ctx, pathKey(p), data)
	if err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("create %s: %w", p, err)
	}
	return nil
}

// Children implements coord.Store.
func (s *Store) Children(ctx context.Context, p string) ([]string, error) {
	p, err := s.check(p)
	if err != nil {
		return nil, err
	}
	ok, err := s.Exists(ctx, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("children %s: %w", p, coord.ErrNoNode)
	}
	return s.list(ctx, p)
}

func (s *Store) list(ctx context.Context, p string) ([]string, error) {
	lister, err := s.kv.ListKeysFiltered(ctx, childFilter(p))
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p, err)
	}
	defer lister.Stop()

	var names []string
	for key := range lister.Keys() {
		name, err := keyName(key)
		if err != nil {
			s.logger.Warn("Skipping foreign key", "key", key, "error", err)
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// Read implements coord.Store.
func (s *Store) Read(ctx context.Context, p string) ([]byte, error) {
	p, err := s.check(p)
	if err != nil {
		return nil, err
	}
	if p == "/" {
		return nil, nil
	}
	entry, err := s.kv.Get(ctx, pathKey(p))
	if isNotFound(err) {
		return nil, fmt.Errorf("read %s: %w", p, coord.ErrNoNode)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return entry.Value(), nil
}

// Put implements coord.Writer.
func (s *Store) Put(ctx context.Context, p string, data []byte) error {
	p, err := s.check(p)
	if err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("put %s: root holds no value", p)
	}
	for _, a := range coord.Ancestors(p) {
		if err := s.create(ctx, a, nil); err != nil {
			return err
		}
	}
	if _, err := s.kv.Put(ctx, pathKey(p), data); err != nil {
		return fmt.Errorf("put %s: %w", p, err)
	}
	return nil
}

// Delete implements coord.Writer.
func (s *Store) Delete(ctx context.Context, p string) error {
	if clean, err := coord.CleanPath(p); err == nil && clean == "/" {
		return fmt.Errorf("delete %s: root cannot be deleted", p)
	}
	children, err := s.Children(ctx, p)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return fmt.Errorf("delete %s: node has %d children", p, len(children))
	}
	if err := s.kv.Delete(ctx, pathKey(p)); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// Close stops every watcher. The bucket and connection stay open.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Store) check(p string) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", coord.ErrClosed
	}
	return coord.CleanPath(p)
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

var (
	_ coord.Store  = (*Store)(nil)
	_ coord.Writer = (*Store)(nil)
)
