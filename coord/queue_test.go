package coord

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_RunsInOrder(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		q.Push(func() {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, i)
		})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 100
	}, time.Second, 5*time.Millisecond)

	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestQueue_PushAfterClose(t *testing.T) {
	q := NewQueue()
	q.Close()
	q.Close()

	ran := make(chan struct{}, 1)
	q.Push(func() { ran <- struct{}{} })

	select {
	case <-ran:
		t.Fatal("function ran after Close")
	case <-time.After(20 * time.Millisecond):
	}
}
