package watch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func set(names ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name    string
		known   map[string]struct{}
		current []string
		want    []string
	}{
		{
			name:    "empty known returns everything",
			known:   nil,
			current: []string{"b", "a"},
			want:    []string{"b", "a"},
		},
		{
			name:    "only new names",
			known:   set("a"),
			current: []string{"a", "b", "c"},
			want:    []string{"b", "c"},
		},
		{
			name:    "removed names are not reported",
			known:   set("a", "b"),
			current: []string{"b"},
			want:    []string{},
		},
		{
			name:    "duplicates collapse",
			known:   set(),
			current: []string{"x", "x", "y"},
			want:    []string{"x", "y"},
		},
		{
			name:    "empty current",
			known:   set("a"),
			current: nil,
			want:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Diff(tt.known, tt.current))
		})
	}
}

func TestChildSet_MergeIsMonotonic(t *testing.T) {
	s := newChildSet()

	assert.Equal(t, []string{"a", "b"}, s.merge([]string{"a", "b"}))
	assert.Empty(t, s.merge([]string{"a", "b"}), "second merge of the same list adds nothing")
	assert.Empty(t, s.merge([]string{"a"}), "shrinking list adds nothing")
	assert.Equal(t, []string{"a", "b"}, s.list(), "removed names stay known")

	assert.Equal(t, []string{"c"}, s.merge([]string{"a", "c"}))
	assert.Equal(t, []string{"a", "b", "c"}, s.list())
}

func TestChildSet_Forget(t *testing.T) {
	s := newChildSet()
	s.merge([]string{"a", "b"})
	s.forget("a")

	assert.Equal(t, []string{"a"}, s.merge([]string{"a", "b"}))
}

func TestChildSet_ConcurrentMergeHandsOutOnce(t *testing.T) {
	s := newChildSet()
	current := []string{"a", "b", "c", "d"}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total []string
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			added := s.merge(current)
			mu.Lock()
			total = append(total, added...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, total, len(current))
	assert.ElementsMatch(t, current, total)
}
