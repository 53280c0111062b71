package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/c360studio/regwatch/config"
	"github.com/c360studio/regwatch/coord"
	"github.com/c360studio/regwatch/coord/fsstore"
	"github.com/c360studio/regwatch/coord/kvstore"
	"github.com/c360studio/regwatch/coord/zkstore"
	"github.com/c360studio/regwatch/metrics"
	"github.com/c360studio/regwatch/publish"
	"github.com/c360studio/regwatch/registry"
	"github.com/c360studio/regwatch/watch"
)

// store is what the app needs from a backend: the watch surface plus writes.
type store interface {
	coord.Store
	coord.Writer
}

// App wires the configured store, publisher and watcher together.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS is connected only when the store or the publisher needs it.
	natsClient *natsclient.Client

	store    store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	watcher  *watch.RegistryWatcher

	server   *http.Server
	listener net.Listener
	serveWG  sync.WaitGroup

	closeOnce sync.Once
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  metrics.New(reg),
	}
}

// Open connects to NATS if needed and opens the store. A store that cannot be
// reached is fatal.
func (a *App) Open(ctx context.Context) error {
	if a.needsNATS() {
		client, err := connectToNATS(ctx, a.cfg, a.logger)
		if err != nil {
			return err
		}
		a.natsClient = client
	}

	s, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("open %s store: %w", a.cfg.Store.Backend, err)
	}
	a.store = s
	return nil
}

func (a *App) needsNATS() bool {
	return a.cfg.Store.Backend == config.BackendNATS || a.cfg.Publisher.Kind == config.PublisherNATS
}

func (a *App) openStore(ctx context.Context) (store, error) {
	sc := a.cfg.Store
	switch sc.Backend {
	case config.BackendZooKeeper:
		return zkstore.Connect(ctx, zkstore.Config{
			Servers:        sc.Servers,
			SessionTimeout: sc.SessionTimeout,
			ConnectTimeout: sc.ConnectionTimeout,
		}, a.logger.With("store", "zookeeper"))

	case config.BackendNATS:
		js, err := a.natsClient.JetStream()
		if err != nil {
			return nil, fmt.Errorf("get jetstream: %w", err)
		}
		return kvstore.New(ctx, js, sc.Bucket, a.logger.With("store", "nats"))

	case config.BackendFS:
		return fsstore.Open(sc.Dir, a.logger.With("store", "fs"))

	case config.BackendMemory:
		return coord.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", sc.Backend)
}

// newPublisher builds the configured sink wrapped in bounded retries.
func (a *App) newPublisher() publish.Publisher {
	pc := a.cfg.Publisher
	var sink publish.Publisher
	switch pc.Kind {
	case config.PublisherNATS:
		sink = publish.NewNATS(a.natsClient, pc.SubjectPrefix, instanceName())
	default:
		sink = publish.NewLog(a.logger.With("publisher", "log"))
	}
	return publish.NewRetry(sink, publish.RetryConfig{
		MaxAttempts:     pc.MaxAttempts,
		InitialInterval: pc.InitialBackoff,
		MaxInterval:     pc.MaxBackoff,
		AttemptTimeout:  pc.AttemptTimeout,
	}, a.logger, a.metrics)
}

func (a *App) watchConfig() (watch.Config, error) {
	metadataTypes, err := registry.ParseRPCTypes(a.cfg.Watch.MetadataTypes)
	if err != nil {
		return watch.Config{}, fmt.Errorf("metadata types: %w", err)
	}
	uriTypes, err := registry.ParseRPCTypes(a.cfg.Watch.URITypes)
	if err != nil {
		return watch.Config{}, fmt.Errorf("uri types: %w", err)
	}
	return watch.Config{
		Scheme:          registry.PathScheme{Root: a.cfg.Store.Root},
		MetadataTypes:   metadataTypes,
		URITypes:        uriTypes,
		ContextPatterns: a.cfg.Watch.Contexts,
	}, nil
}

// Start opens the store, serves metrics and starts the watch tree. The tree
// lives until ctx is cancelled or Close is called.
func (a *App) Start(ctx context.Context) error {
	if err := a.Open(ctx); err != nil {
		return err
	}

	wcfg, err := a.watchConfig()
	if err != nil {
		return err
	}
	w, err := watch.NewRegistryWatcher(a.store, a.newPublisher(), wcfg,
		watch.WithLogger(a.logger),
		watch.WithMetrics(a.metrics))
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	a.watcher = w

	if err := a.serveMetrics(); err != nil {
		return err
	}

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	a.logger.Info("Watching registrations",
		"subtrees", len(w.Subtrees()),
		"metadata_types", a.cfg.Watch.MetadataTypes,
		"uri_types", a.cfg.Watch.URITypes)
	return nil
}

// serveMetrics exposes /metrics and /healthz when an address is configured.
func (a *App) serveMetrics() error {
	addr := a.cfg.Metrics.Addr
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if n := a.cfg.Metrics.MaxConnections; n > 0 {
		ln = netutil.LimitListener(ln, n)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", a.handleHealth)

	a.listener = ln
	a.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.serveWG.Add(1)
	go func() {
		defer a.serveWG.Done()
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "error", err)
		}
	}()
	a.logger.Info("Serving metrics", "addr", ln.Addr().String())
	return nil
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if a.watcher == nil || !a.watcher.Running() {
		http.Error(w, "watcher not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// MetricsAddr returns the bound metrics address, or "" when not serving.
func (a *App) MetricsAddr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Put writes a registration node through the opened store.
func (a *App) Put(ctx context.Context, path string, data []byte) error {
	if a.store == nil {
		return fmt.Errorf("store not open")
	}
	if err := a.store.Put(ctx, path, data); err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	a.logger.Info("Wrote node", "path", path, "bytes", len(data))
	return nil
}

// Delete removes a registration node through the opened store.
func (a *App) Delete(ctx context.Context, path string) error {
	if a.store == nil {
		return fmt.Errorf("store not open")
	}
	if err := a.store.Delete(ctx, path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	a.logger.Info("Deleted node", "path", path)
	return nil
}

// Close stops the watcher, the store, the metrics server and NATS, in that
// order. It is safe to call more than once.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() {
		switch {
		case a.watcher != nil:
			// The watcher owns the store.
			if err := a.watcher.Stop(); err != nil {
				a.logger.Warn("Error stopping watcher", "error", err)
			}
		case a.store != nil:
			if err := a.store.Close(); err != nil {
				a.logger.Warn("Error closing store", "error", err)
			}
		}

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				a.logger.Warn("Error stopping metrics server", "error", err)
			}
			a.serveWG.Wait()
		}

		if a.natsClient != nil {
			if err := a.natsClient.Close(ctx); err != nil {
				a.logger.Warn("Error closing NATS", "error", err)
			}
		}
	})
}

func connectToNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	url := cfg.NATS.URL
	logger.Info("Connecting to NATS", "url", url)

	client, err := natsclient.NewClient(url,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := dialNATS(ctx, client, url, logger); err != nil {
		return nil, err
	}

	logger.Info("Connected to NATS", "url", url)
	return client, nil
}

// natsConn is the connection lifecycle of *natsclient.Client.
type natsConn interface {
	Connect(ctx context.Context) error
	WaitForConnection(ctx context.Context) error
	Close(ctx context.Context) error
}

// dialNATS connects client and waits for the connection. A client that fails
// to connect is closed before the error is returned.
func dialNATS(ctx context.Context, client natsConn, url string, logger *slog.Logger) error {
	err := client.Connect(ctx)
	if err == nil {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = client.WaitForConnection(connCtx)
		cancel()
	}
	if err == nil {
		return nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := client.Close(closeCtx); cerr != nil {
		logger.Debug("Error closing NATS client after failed connect", "error", cerr)
	}
	return wrapNATSError(err, url)
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no servers available") {
		return fmt.Errorf("%w: NATS not reachable at %s; start a server or set REGWATCH_NATS_URL: %v",
			coord.ErrConnect, url, err)
	}
	return fmt.Errorf("%w: NATS at %s: %v", coord.ErrConnect, url, err)
}

// instanceName identifies this process in published envelopes.
func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return appName
	}
	return appName + "@" + host
}
