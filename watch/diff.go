package watch

import (
	"sort"
	"sync"
)

// Diff returns the names in current that are not in known, in the order they
// first appear in current. With an empty known set every name of current is
// new. Names present in known but missing from current are not reported.
func Diff(known map[string]struct{}, current []string) []string {
	added := make([]string, 0, len(current))
	seen := make(map[string]struct{}, len(current))
	for _, name := range current {
		if _, ok := known[name]; ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		added = append(added, name)
	}
	return added
}

// childSet is the known-children state of one watched parent. It only grows,
// except for names whose processing failed and must be retried.
type childSet struct {
	mu    sync.Mutex
	names map[string]struct{}
}

func newChildSet() *childSet {
	return &childSet{names: make(map[string]struct{})}
}

// merge folds current into the set and returns the names it did not hold.
// Diff and update happen under one lock so concurrent firings on the same
// parent never hand out a name twice.
func (s *childSet) merge(current []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := Diff(s.names, current)
	for _, name := range added {
		s.names[name] = struct{}{}
	}
	return added
}

func (s *childSet) forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.names, name)
}

func (s *childSet) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.names))
	for name := range s.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
