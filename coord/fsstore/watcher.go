package fsstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/regwatch/coord"
)

type subscription struct {
	store *Store
	path  string
	dir   string
	child coord.ChildListener
	data  coord.DataListener
	queue *coord.Queue
}

func (s *subscription) Path() string { return s.path }

func (s *subscription) Stop() {
	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()
	table := st.dataSubs
	if s.child != nil {
		table = st.childSubs
	}
	subs, ok := table[s.path]
	if !ok {
		return
	}
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(table, s.path)
		if s.child != nil {
			delete(st.lists, s.path)
		} else {
			delete(st.hashes, s.path)
		}
	}
	st.unrefDirLocked(s.dir)
	s.queue.Close()
}

// SubscribeChildChanges implements coord.Store. The node must exist.
func (s *Store) SubscribeChildChanges(p string, listener coord.ChildListener) (coord.Subscription, error) {
	p, dir, err := s.dirOf(p)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, coord.ErrClosed
	}
	if err := s.refDirLocked(p, dir); err != nil {
		return nil, err
	}
	if len(s.childSubs[p]) == 0 {
		names, _ := listDir(dir)
		s.lists[p] = names
	}
	sub := &subscription{store: s, path: p, dir: dir, child: listener, queue: coord.NewQueue()}
	addSub(s.childSubs, sub)
	return sub, nil
}

// SubscribeDataChanges implements coord.Store. The node must exist.
func (s *Store) SubscribeDataChanges(p string, listener coord.DataListener) (coord.Subscription, error) {
	p, dir, err := s.dirOf(p)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, coord.ErrClosed
	}
	if err := s.refDirLocked(p, dir); err != nil {
		return nil, err
	}
	if len(s.dataSubs[p]) == 0 {
		if data, err := readValue(dir); err == nil {
			s.hashes[p] = contentHash(data)
		}
	}
	sub := &subscription{store: s, path: p, dir: dir, data: listener, queue: coord.NewQueue()}
	addSub(s.dataSubs, sub)
	return sub, nil
}

func addSub(table map[string]map[*subscription]struct{}, sub *subscription) {
	if table[sub.path] == nil {
		table[sub.path] = make(map[*subscription]struct{})
	}
	table[sub.path][sub] = struct{}{}
}

func (s *Store) refDirLocked(p, dir string) error {
	if s.dirRefs[dir] == 0 {
		if err := s.watcher.Add(dir); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("watch %s: %w", p, coord.ErrNoNode)
			}
			return fmt.Errorf("watch %s: %w", p, err)
		}
		s.logger.Debug("Watching directory", "path", p)
	}
	s.dirRefs[dir]++
	return nil
}

func (s *Store) unrefDirLocked(dir string) {
	s.dirRefs[dir]--
	if s.dirRefs[dir] > 0 {
		return
	}
	delete(s.dirRefs, dir)
	// The watch is already gone if the directory was removed.
	_ = s.watcher.Remove(dir)
}

// processEvents handles fsnotify events until the store closes.
func (s *Store) processEvents() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleFSEvent(event)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("Watcher error", "error", err)
		}
	}
}

// handleFSEvent maps one fsnotify event onto value and child-list changes.
func (s *Store) handleFSEvent(event fsnotify.Event) {
	name := event.Name
	base := filepath.Base(name)
	parentDir := filepath.Dir(name)

	if base == valueFile {
		if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
			return
		}
		if node, ok := s.nodeOf(parentDir); ok {
			s.checkValue(node, parentDir)
		}
		return
	}
	if strings.HasPrefix(base, ".") {
		return
	}

	structural := event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
	if !structural {
		return
	}

	if node, ok := s.nodeOf(name); ok {
		if event.Has(fsnotify.Create) {
			s.handleNewDirectory(node, name)
		} else {
			s.handleRemoved(node)
		}
	}
	if parent, ok := s.nodeOf(parentDir); ok {
		s.checkChildren(parent, parentDir)
	}
}

// handleNewDirectory re-arms watches on a re-created node and reports its
// current state to any subscriber.
func (s *Store) handleNewDirectory(node, dir string) {
	s.mu.Lock()
	if s.dirRefs[dir] > 0 {
		if err := s.watcher.Add(dir); err != nil {
			s.logger.Warn("Failed to watch new directory", "path", node, "error", err)
		} else {
			s.logger.Debug("Added watch for new directory", "path", node)
		}
	}
	s.mu.Unlock()

	s.checkValue(node, dir)
	s.checkChildren(node, dir)
}

func (s *Store) handleRemoved(node string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.childSubs[node]; ok {
		s.lists[node] = nil
	}
	subs := s.dataSubs[node]
	if _, known := s.hashes[node]; !known || len(subs) == 0 {
		return
	}
	delete(s.hashes, node)
	for sub := range subs {
		sub.queue.Push(func() { sub.data.HandleDataDeleted(node) })
	}
}

// checkValue delivers the value of node if its content changed since the
// last delivery.
func (s *Store) checkValue(node, dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.dataSubs[node]
	if len(subs) == 0 {
		return
	}
	data, err := readValue(dir)
	if err != nil {
		return
	}
	h := contentHash(data)
	if old, ok := s.hashes[node]; ok && old == h {
		return
	}
	s.hashes[node] = h
	for sub := range subs {
		value := append([]byte(nil), data...)
		sub.queue.Push(func() { sub.data.HandleDataChange(node, value) })
	}
}

// checkChildren delivers the child list of node if it changed since the last
// delivery.
func (s *Store) checkChildren(node, dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.childSubs[node]
	if len(subs) == 0 {
		return
	}
	names, err := listDir(dir)
	if err != nil {
		return
	}
	if slices.Equal(names, s.lists[node]) {
		return
	}
	s.lists[node] = names
	for sub := range subs {
		sub.queue.Push(func() { sub.child(node, names) })
	}
}

func contentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
