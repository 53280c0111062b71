package zkstore

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/regwatch/coord"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"no node", zk.ErrNoNode, coord.ErrNoNode},
		{"closing", zk.ErrClosing, coord.ErrClosed},
		{"connection closed", zk.ErrConnectionClosed, coord.ErrClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, translate(tt.in), tt.want)
		})
	}

	other := errors.New("boom")
	assert.Equal(t, other, translate(other))
	assert.ErrorIs(t, translate(zk.ErrNodeExists), zk.ErrNodeExists)
}

func TestPrintfLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	printfLogger{logger}.Printf("connected to %s", "127.0.0.1:2181")

	assert.Contains(t, buf.String(), "connected to 127.0.0.1:2181")
}

func TestConnect_NoServers(t *testing.T) {
	_, err := Connect(context.Background(), Config{}, nil)
	require.ErrorIs(t, err, coord.ErrConnect)
}

func TestConnect_Unreachable(t *testing.T) {
	// Nothing listens on port 1.
	_, err := Connect(context.Background(), Config{
		Servers:        []string{"127.0.0.1:1"},
		ConnectTimeout: 300 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))
	require.ErrorIs(t, err, coord.ErrConnect)
}

func TestAwaitSession(t *testing.T) {
	events := make(chan zk.Event, 3)
	events <- zk.Event{Type: zk.EventSession, State: zk.StateConnecting}
	events <- zk.Event{Type: zk.EventSession, State: zk.StateConnected}
	events <- zk.Event{Type: zk.EventSession, State: zk.StateHasSession}
	require.NoError(t, awaitSession(context.Background(), events, time.Second))

	failed := make(chan zk.Event, 1)
	failed <- zk.Event{Type: zk.EventSession, State: zk.StateAuthFailed}
	assert.Error(t, awaitSession(context.Background(), failed, time.Second))

	assert.Error(t, awaitSession(context.Background(), make(chan zk.Event), 20*time.Millisecond))

	closed := make(chan zk.Event)
	close(closed)
	assert.Error(t, awaitSession(context.Background(), closed, time.Second))
}
