// Package fsstore implements coord.Store on a local directory tree. Each node
// is a directory; its value lives in a ".value" file inside it. Changes are
// observed with fsnotify, so other processes writing the same tree are seen.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/regwatch/coord"
)

const (
	valueFile = ".value"
	tempFile  = ".value.tmp"
)

// Store is a coord.Store and coord.Writer over a directory tree.
type Store struct {
	root    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	closed    bool
	dirRefs   map[string]int
	childSubs map[string]map[*subscription]struct{}
	dataSubs  map[string]map[*subscription]struct{}
	lists     map[string][]string // node path -> last delivered child list
	hashes    map[string]string   // node path -> last delivered value hash

	done chan struct{}
	wg   sync.WaitGroup
}

// Open roots a store at dir, creating it if needed.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", abs, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	s := &Store{
		root:      abs,
		logger:    logger.With("component", "fsstore"),
		watcher:   fsw,
		dirRefs:   make(map[string]int),
		childSubs: make(map[string]map[*subscription]struct{}),
		dataSubs:  make(map[string]map[*subscription]struct{}),
		lists:     make(map[string][]string),
		hashes:    make(map[string]string),
		done:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processEvents()

	s.logger.Info("File store opened", "root", abs)
	return s, nil
}

// Root returns the directory backing the store.
func (s *Store) Root() string { return s.root }

// dirOf maps a node path to its directory. Segments starting with "." are
// reserved for value files.
func (s *Store) dirOf(p string) (string, string, error) {
	p, err := coord.CleanPath(p)
	if err != nil {
		return "", "", err
	}
	for _, seg := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		if strings.HasPrefix(seg, ".") {
			return "", "", fmt.Errorf("invalid path %q: segment %q is reserved", p, seg)
		}
	}
	return p, filepath.Join(s.root, filepath.FromSlash(p)), nil
}

// nodeOf maps a directory back to its node path.
func (s *Store) nodeOf(dir string) (string, bool) {
	rel, err := filepath.Rel(s.root, dir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	if rel == "." {
		return "/", true
	}
	return "/" + filepath.ToSlash(rel), true
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return coord.ErrClosed
	}
	return nil
}

// Exists implements coord.Store.
func (s *Store) Exists(_ context.Context, p string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	_, dir, err := s.dirOf(p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	return info.IsDir(), nil
}

// CreatePersistent implements coord.Store.
func (s *Store) CreatePersistent(_ context.Context, p string, recursive bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	p, dir, err := s.dirOf(p)
	if err != nil {
		return err
	}
	if recursive {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", p, err)
		}
		return nil
	}
	err = os.Mkdir(dir, 0o755)
	switch {
	case err == nil, errors.Is(err, fs.ErrExist):
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("create %s: %w", p, coord.ErrNoNode)
	default:
		return fmt.Errorf("create %s: %w", p, err)
	}
}

// Children implements coord.Store.
func (s *Store) Children(_ context.Context, p string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	p, dir, err := s.dirOf(p)
	if err != nil {
		return nil, err
	}
	names, err := listDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("children %s: %w", p, coord.ErrNoNode)
	}
	if err != nil {
		return nil, fmt.Errorf("children %s: %w", p, err)
	}
	return names, nil
}

func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Read implements coord.Store. A node without a value file reads as empty.
func (s *Store) Read(_ context.Context, p string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	p, dir, err := s.dirOf(p)
	if err != nil {
		return nil, err
	}
	data, err := readValue(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", p, coord.ErrNoNode)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}

func readValue(dir string) ([]byte, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, valueFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// Put implements coord.Writer. The value is replaced atomically, and a new
// node appears together with its value.
func (s *Store) Put(_ context.Context, p string, data []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	p, dir, err := s.dirOf(p)
	if err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("put %s: root holds no value", p)
	}
	if _, err := os.Stat(dir); err == nil {
		return writeValue(p, dir, data)
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("put %s: %w", p, err)
	}
	staging, err := os.MkdirTemp(parent, ".node-*")
	if err != nil {
		return fmt.Errorf("put %s: %w", p, err)
	}
	if err := os.WriteFile(filepath.Join(staging, valueFile), data, 0o644); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("put %s: %w", p, err)
	}
	if err := os.Rename(staging, dir); err != nil {
		os.RemoveAll(staging)
		// Created concurrently.
		if _, statErr := os.Stat(dir); statErr == nil {
			return writeValue(p, dir, data)
		}
		return fmt.Errorf("put %s: %w", p, err)
	}
	return nil
}

func writeValue(p, dir string, data []byte) error {
	tmp := filepath.Join(dir, tempFile)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("put %s: %w", p, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, valueFile)); err != nil {
		return fmt.Errorf("put %s: %w", p, err)
	}
	return nil
}

// Delete implements coord.Writer.
func (s *Store) Delete(_ context.Context, p string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	p, dir, err := s.dirOf(p)
	if err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("delete %s: root cannot be deleted", p)
	}
	names, err := listDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", p, coord.ErrNoNode)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	if len(names) > 0 {
		return fmt.Errorf("delete %s: node has %d children", p, len(names))
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// Close stops the watcher and every subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, table := range []map[string]map[*subscription]struct{}{s.childSubs, s.dataSubs} {
		for p, subs := range table {
			for sub := range subs {
				sub.queue.Close()
			}
			delete(table, p)
		}
	}
	s.mu.Unlock()

	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	return nil
}

var (
	_ coord.Store  = (*Store)(nil)
	_ coord.Writer = (*Store)(nil)
)
