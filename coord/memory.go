package coord

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store and Writer. It backs tests and the
// "memory" backend used for local runs.
type MemoryStore struct {
	mu        sync.Mutex
	nodes     map[string]*memNode
	childSubs map[string]map[*memSub]struct{}
	dataSubs  map[string]map[*memSub]struct{}
	closed    bool
}

type memNode struct {
	data     []byte
	children map[string]struct{}
}

// NewMemoryStore returns an empty store holding only the root node.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:     map[string]*memNode{"/": {children: make(map[string]struct{})}},
		childSubs: make(map[string]map[*memSub]struct{}),
		dataSubs:  make(map[string]map[*memSub]struct{}),
	}
}

// Exists implements Store.
func (m *MemoryStore) Exists(_ context.Context, p string) (bool, error) {
	p, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.nodes[p]
	return ok, nil
}

// CreatePersistent implements Store.
func (m *MemoryStore) CreatePersistent(_ context.Context, p string, recursive bool) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	_, err = m.createLocked(p, recursive)
	return err
}

// createLocked creates p and reports whether it was newly created.
func (m *MemoryStore) createLocked(p string, recursive bool) (bool, error) {
	if _, ok := m.nodes[p]; ok {
		return false, nil
	}
	if p == "/" {
		return false, nil
	}
	parent, name := splitPath(p)
	if _, ok := m.nodes[parent]; !ok {
		if !recursive {
			return false, fmt.Errorf("create %s: parent %s: %w", p, parent, ErrNoNode)
		}
		if _, err := m.createLocked(parent, true); err != nil {
			return false, err
		}
	}
	m.nodes[p] = &memNode{children: make(map[string]struct{})}
	m.nodes[parent].children[name] = struct{}{}
	m.notifyChildrenLocked(parent)
	return true, nil
}

// Children implements Store.
func (m *MemoryStore) Children(_ context.Context, p string) ([]string, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	n, ok := m.nodes[p]
	if !ok {
		return nil, fmt.Errorf("children %s: %w", p, ErrNoNode)
	}
	return sortedNames(n.children), nil
}

// Read implements Store.
func (m *MemoryStore) Read(_ context.Context, p string) ([]byte, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	n, ok := m.nodes[p]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", p, ErrNoNode)
	}
	return append([]byte(nil), n.data...), nil
}

// Put implements Writer.
func (m *MemoryStore) Put(_ context.Context, p string, data []byte) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, err := m.createLocked(p, true); err != nil {
		return err
	}
	m.nodes[p].data = append([]byte(nil), data...)
	for sub := range m.dataSubs[p] {
		value := append([]byte(nil), data...)
		sub.queue.Push(func() { sub.data.HandleDataChange(p, value) })
	}
	return nil
}

// Delete implements Writer.
func (m *MemoryStore) Delete(_ context.Context, p string) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	n, ok := m.nodes[p]
	if !ok || p == "/" {
		return fmt.Errorf("delete %s: %w", p, ErrNoNode)
	}
	if len(n.children) > 0 {
		return fmt.Errorf("delete %s: node has %d children", p, len(n.children))
	}
	parent, name := splitPath(p)
	delete(m.nodes, p)
	delete(m.nodes[parent].children, name)

	for sub := range m.dataSubs[p] {
		sub.queue.Push(func() { sub.data.HandleDataDeleted(p) })
	}
	m.notifyChildrenLocked(parent)
	return nil
}

// TouchChildren re-fires the child listeners of p with its unchanged child
// list, as a store does on a redundant notification.
func (m *MemoryStore) TouchChildren(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifyChildrenLocked(p)
}

// ChildWatchers returns the number of live child subscriptions on p.
func (m *MemoryStore) ChildWatchers(p string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.childSubs[p])
}

// DataWatchers returns the number of live value subscriptions on p.
func (m *MemoryStore) DataWatchers(p string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dataSubs[p])
}

// SubscribeChildChanges implements Store.
func (m *MemoryStore) SubscribeChildChanges(p string, listener ChildListener) (Subscription, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	sub := &memSub{store: m, path: p, child: listener, queue: NewQueue()}
	return sub, m.addSub(m.childSubs, sub)
}

// SubscribeDataChanges implements Store.
func (m *MemoryStore) SubscribeDataChanges(p string, listener DataListener) (Subscription, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	sub := &memSub{store: m, path: p, data: listener, queue: NewQueue()}
	return sub, m.addSub(m.dataSubs, sub)
}

func (m *MemoryStore) addSub(table map[string]map[*memSub]struct{}, sub *memSub) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		sub.queue.Close()
		return ErrClosed
	}
	if table[sub.path] == nil {
		table[sub.path] = make(map[*memSub]struct{})
	}
	table[sub.path][sub] = struct{}{}
	return nil
}

// Close implements Store. All subscriptions are stopped.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, table := range []map[string]map[*memSub]struct{}{m.childSubs, m.dataSubs} {
		for p, subs := range table {
			for sub := range subs {
				sub.queue.Close()
			}
			delete(table, p)
		}
	}
	return nil
}

func (m *MemoryStore) notifyChildrenLocked(p string) {
	subs := m.childSubs[p]
	if len(subs) == 0 {
		return
	}
	n, ok := m.nodes[p]
	if !ok {
		return
	}
	children := sortedNames(n.children)
	for sub := range subs {
		sub.queue.Push(func() { sub.child(p, children) })
	}
}

type memSub struct {
	store *MemoryStore
	path  string
	child ChildListener
	data  DataListener
	queue *Queue
}

func (s *memSub) Path() string { return s.path }

func (s *memSub) Stop() {
	m := s.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.child != nil {
		delete(m.childSubs[s.path], s)
	} else {
		delete(m.dataSubs[s.path], s)
	}
	s.queue.Close()
}

func splitPath(p string) (parent, name string) {
	i := len(p) - 1
	for i > 0 && p[i] != '/' {
		i--
	}
	if i == 0 {
		return "/", p[1:]
	}
	return p[:i], p[i+1:]
}

func sortedNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
