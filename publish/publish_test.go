package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/regwatch/metrics"
	"github.com/c360studio/regwatch/registry"
)

func mustMetadata(t *testing.T, path, payload string) *registry.MetadataRecord {
	t.Helper()
	m, err := registry.DecodeMetadata(path, []byte(payload))
	require.NoError(t, err)
	return m
}

func mustURI(t *testing.T, path, payload string) *registry.URIRecord {
	t.Helper()
	u, err := registry.DecodeURI(path, []byte(payload))
	require.NoError(t, err)
	return u
}

type fakeNATS struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeNATS) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATS_PublishEnvelope(t *testing.T) {
	client := &fakeNATS{}
	sink := NewNATS(client, "gateway.register.", "watcher-1")
	sink.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	records := []registry.Record{
		mustURI(t, "/r/uri/http/orders/a", `{"appName":"orders","rpcType":"http","host":"10.0.0.1","port":80}`),
		mustURI(t, "/r/uri/http/orders/b", `{"appName":"orders","rpcType":"http","host":"10.0.0.2","port":80}`),
	}
	require.NoError(t, sink.Publish(context.Background(), records))

	require.Len(t, client.subjects, 1)
	assert.Equal(t, "gateway.register.uri.http", client.subjects[0])

	var env struct {
		ID          string    `json:"id"`
		Source      string    `json:"source"`
		Category    string    `json:"category"`
		RPCType     string    `json:"rpc_type"`
		PublishedAt time.Time `json:"published_at"`
		Records     []struct {
			NodePath string            `json:"node_path"`
			Record   registry.URIRecord `json:"record"`
		} `json:"records"`
	}
	require.NoError(t, json.Unmarshal(client.payloads[0], &env))
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "watcher-1", env.Source)
	assert.Equal(t, "uri", env.Category)
	assert.Equal(t, "http", env.RPCType)
	assert.Equal(t, 2026, env.PublishedAt.Year())
	require.Len(t, env.Records, 2)
	assert.Equal(t, "/r/uri/http/orders/b", env.Records[1].NodePath)
	assert.Equal(t, "10.0.0.2", env.Records[1].Record.Host)
}

func TestNATS_SplitsCategories(t *testing.T) {
	client := &fakeNATS{}
	sink := NewNATS(client, "", "")

	records := []registry.Record{
		mustMetadata(t, "/r/metadata/grpc/orders/create", `{"appName":"orders","rpcType":"grpc"}`),
		mustURI(t, "/r/uri/grpc/orders/a", `{"rpcType":"grpc","host":"h","port":1}`),
		mustMetadata(t, "/r/metadata/grpc/orders/cancel", `{"appName":"orders","rpcType":"grpc"}`),
	}
	require.NoError(t, sink.Publish(context.Background(), records))

	assert.Equal(t, []string{
		DefaultSubjectPrefix + ".metadata.grpc",
		DefaultSubjectPrefix + ".uri.grpc",
	}, client.subjects)
}

func TestNATS_Subject(t *testing.T) {
	sink := NewNATS(&fakeNATS{}, "p", "")
	assert.Equal(t, "p.uri.unknown", sink.Subject(registry.CategoryURI, ""))
	assert.Equal(t, "p.uri.unknown", sink.Subject(registry.CategoryURI, "a.b"))
	assert.Equal(t, "p.metadata.springCloud", sink.Subject(registry.CategoryMetadata, "springCloud"))
}

func TestNATS_PublishError(t *testing.T) {
	sink := NewNATS(&fakeNATS{err: errors.New("no responders")}, "p", "")
	err := sink.Publish(context.Background(), []registry.Record{
		mustURI(t, "/r/uri/http/c/a", `{"rpcType":"http","host":"h","port":1}`),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "p.uri.http")
}

func TestLog_Publish(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLog(slog.New(slog.NewTextHandler(&buf, nil)))

	err := sink.Publish(context.Background(), []registry.Record{
		mustMetadata(t, "/r/metadata/http/orders/create", `{"appName":"orders","rpcType":"http","ruleName":"/orders/create"}`),
		mustURI(t, "/r/uri/http/orders/a", `{"appName":"orders","rpcType":"http","host":"10.0.0.1","port":80}`),
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "path=/r/metadata/http/orders/create")
	assert.Contains(t, out, "rule=/orders/create")
	assert.Contains(t, out, "host=10.0.0.1")
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		AttemptTimeout:  time.Second,
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	next := Func(func(ctx context.Context, records []registry.Record) error {
		calls++
		if calls < 3 {
			return errors.New("consumer busy")
		}
		return nil
	})

	m := metrics.New(prometheus.NewRegistry())
	r := NewRetry(next, fastRetry(), nil, m)
	err := r.Publish(context.Background(), []registry.Record{
		mustURI(t, "/r/uri/http/c/a", `{"host":"h","port":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_GivesUp(t *testing.T) {
	calls := 0
	next := Func(func(ctx context.Context, records []registry.Record) error {
		calls++
		return errors.New("consumer down")
	})

	r := NewRetry(next, fastRetry(), nil, nil)
	err := r.Publish(context.Background(), []registry.Record{
		mustURI(t, "/r/uri/http/c/a", `{"host":"h","port":1}`),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consumer down")
	assert.Equal(t, 3, calls)
}

func TestRetry_AttemptTimeout(t *testing.T) {
	next := Func(func(ctx context.Context, records []registry.Record) error {
		<-ctx.Done()
		return ctx.Err()
	})

	cfg := fastRetry()
	cfg.MaxAttempts = 2
	cfg.AttemptTimeout = 10 * time.Millisecond
	r := NewRetry(next, cfg, nil, nil)

	start := time.Now()
	err := r.Publish(context.Background(), []registry.Record{
		mustURI(t, "/r/uri/http/c/a", `{"host":"h","port":1}`),
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetry_EmptyBatch(t *testing.T) {
	r := NewRetry(Func(func(context.Context, []registry.Record) error {
		t.Fatal("publisher called for empty batch")
		return nil
	}), RetryConfig{}, nil, nil)
	assert.NoError(t, r.Publish(context.Background(), nil))
	assert.Equal(t, DefaultRetryConfig(), r.config)
}
