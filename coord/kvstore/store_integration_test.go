//go:build integration

package kvstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/regwatch/coord"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	js, err := tc.Client.JetStream()
	require.NoError(t, err)

	s, err := New(context.Background(), js, "REGWATCH_TEST", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.CreatePersistent(ctx, "/a/b", false)
	require.ErrorIs(t, err, coord.ErrNoNode)

	require.NoError(t, s.CreatePersistent(ctx, "/a/b", true))
	require.NoError(t, s.CreatePersistent(ctx, "/a/b", true), "create is idempotent")
	require.NoError(t, s.Put(ctx, "/a/10.0.0.1:80", []byte(`{"host":"10.0.0.1"}`)))

	children, err := s.Children(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:80", "b"}, children)

	data, err := s.Read(ctx, "/a/10.0.0.1:80")
	require.NoError(t, err)
	assert.JSONEq(t, `{"host":"10.0.0.1"}`, string(data))

	_, err = s.Children(ctx, "/missing")
	assert.ErrorIs(t, err, coord.ErrNoNode)

	assert.Error(t, s.Delete(ctx, "/a"), "node with children")
	require.NoError(t, s.Delete(ctx, "/a/b"))
	ok, err := s.Exists(ctx, "/a/b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Subscriptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreatePersistent(ctx, "/ctx", true))

	var (
		mu      sync.Mutex
		lists   [][]string
		values  []string
		deleted int
	)
	childSub, err := s.SubscribeChildChanges("/ctx", func(_ string, children []string) {
		mu.Lock()
		defer mu.Unlock()
		lists = append(lists, children)
	})
	require.NoError(t, err)
	defer childSub.Stop()

	require.NoError(t, s.Put(ctx, "/ctx/leaf", []byte("v1")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lists) == 1
	}, 5*time.Second, 20*time.Millisecond)

	dataSub, err := s.SubscribeDataChanges("/ctx/leaf", coord.DataListenerFuncs{
		OnChange: func(_ string, data []byte) {
			mu.Lock()
			defer mu.Unlock()
			values = append(values, string(data))
		},
		OnDelete: func(string) {
			mu.Lock()
			defer mu.Unlock()
			deleted++
		},
	})
	require.NoError(t, err)
	defer dataSub.Stop()

	require.NoError(t, s.Put(ctx, "/ctx/leaf", []byte("v2")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(values) == 1 && values[0] == "v2"
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Len(t, lists, 1, "a value update does not change the child list")
	mu.Unlock()

	require.NoError(t, s.Delete(ctx, "/ctx/leaf"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deleted == 1 && len(lists) == 2 && len(lists[1]) == 0
	}, 5*time.Second, 20*time.Millisecond)
}
