// Package zkstore implements coord.Store on ZooKeeper. A subscription arms its
// first one-shot ZooKeeper watch before Subscribe returns, then runs its own
// goroutine that re-arms the watch after every event, so listeners see a
// persistent, ordered stream of changes.
package zkstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/c360studio/regwatch/coord"
)

// Default timeouts.
const (
	DefaultSessionTimeout = 3 * time.Second
	DefaultConnectTimeout = 3 * time.Second
)

// Config holds connection settings.
type Config struct {
	Servers        []string
	SessionTimeout time.Duration
	ConnectTimeout time.Duration
}

// zkConn is the part of *zk.Conn the store uses.
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Get(path string) ([]byte, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Delete(path string, version int32) error
	Close()
}

// Store is a coord.Store and coord.Writer backed by a ZooKeeper session.
type Store struct {
	conn   zkConn
	acl    []zk.ACL
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Connect dials the ensemble and waits until a session is established or
// ConnectTimeout elapses. A failure wraps coord.ErrConnect.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("%w: no servers configured", coord.ErrConnect)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	logger = logger.With("component", "zkstore")

	conn, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout,
		zk.WithLogger(printfLogger{logger}),
		zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coord.ErrConnect, err)
	}

	if err := awaitSession(ctx, events, cfg.ConnectTimeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v: %v", coord.ErrConnect, cfg.Servers, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		conn:   conn,
		acl:    zk.WorldACL(zk.PermAll),
		logger: logger,
		ctx:    runCtx,
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.drainSessionEvents(events)

	logger.Info("Connected to ZooKeeper", "servers", cfg.Servers, "session_timeout", cfg.SessionTimeout)
	return s, nil
}

func awaitSession(ctx context.Context, events <-chan zk.Event, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return errors.New("event channel closed")
			}
			switch ev.State {
			case zk.StateHasSession:
				return nil
			case zk.StateAuthFailed:
				return errors.New("authentication failed")
			}
		case <-timer.C:
			return fmt.Errorf("no session after %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Store) drainSessionEvents(events <-chan zk.Event) {
	defer s.wg.Done()
	for {
		var ev zk.Event
		select {
		case <-s.ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			ev = e
		}
		if ev.Type != zk.EventSession {
			continue
		}
		switch ev.State {
		case zk.StateExpired:
			s.logger.Warn("ZooKeeper session expired")
		case zk.StateDisconnected:
			s.logger.Warn("Disconnected from ZooKeeper")
		case zk.StateHasSession:
			s.logger.Debug("ZooKeeper session established", "server", ev.Server)
		}
	}
}

// Exists implements coord.Store.
func (s *Store) Exists(ctx context.Context, p string) (bool, error) {
	p, err := s.check(ctx, p)
	if err != nil {
		return false, err
	}
	ok, _, err := s.conn.Exists(p)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", p, translate(err))
	}
	return ok, nil
}

// CreatePersistent implements coord.Store. Concurrent creation by another
// client is not an error.
func (s *Store) CreatePersistent(ctx context.Context, p string, recursive bool) error {
	p, err := s.check(ctx, p)
	if err != nil {
		return err
	}
	if recursive {
		for _, a := range coord.Ancestors(p) {
			if err := s.create(a, nil); err != nil {
				return err
			}
		}
	}
	return s.create(p, nil)
}

func (s *Store) create(p string, data []byte) error {
	if p == "/" {
		return nil
	}
	_, err := s.conn.Create(p, data, 0, s.acl)
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create %s: %w", p, translate(err))
	}
	return nil
}

// Children implements coord.Store.
func (s *Store) Children(ctx context.Context, p string) ([]string, error) {
	p, err := s.check(ctx, p)
	if err != nil {
		return nil, err
	}
	children, _, err := s.conn.Children(p)
	if err != nil {
		return nil, fmt.Errorf("children %s: %w", p, translate(err))
	}
	return children, nil
}

// Read implements coord.Store.
func (s *Store) Read(ctx context.Context, p string) ([]byte, error) {
	p, err := s.check(ctx, p)
	if err != nil {
		return nil, err
	}
	data, _, err := s.conn.Get(p)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, translate(err))
	}
	return data, nil
}

// Put implements coord.Writer.
func (s *Store) Put(ctx context.Context, p string, data []byte) error {
	p, err := s.check(ctx, p)
	if err != nil {
		return err
	}
	_, err = s.conn.Set(p, data, -1)
	if !errors.Is(err, zk.ErrNoNode) {
		if err != nil {
			return fmt.Errorf("put %s: %w", p, translate(err))
		}
		return nil
	}

	for _, a := range coord.Ancestors(p) {
		if err := s.create(a, nil); err != nil {
			return err
		}
	}
	_, err = s.conn.Create(p, data, 0, s.acl)
	if errors.Is(err, zk.ErrNodeExists) {
		_, err = s.conn.Set(p, data, -1)
	}
	if err != nil {
		return fmt.Errorf("put %s: %w", p, translate(err))
	}
	return nil
}

// Delete implements coord.Writer.
func (s *Store) Delete(ctx context.Context, p string) error {
	p, err := s.check(ctx, p)
	if err != nil {
		return err
	}
	if err := s.conn.Delete(p, -1); err != nil {
		return fmt.Errorf("delete %s: %w", p, translate(err))
	}
	return nil
}

// Close stops every subscription and ends the session.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close()
	s.wg.Wait()
	s.logger.Info("ZooKeeper connection closed")
	return nil
}

func (s *Store) check(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", coord.ErrClosed
	}
	return coord.CleanPath(p)
}

// translate maps ZooKeeper errors onto the coord sentinels.
func translate(err error) error {
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%w: %v", coord.ErrNoNode, err)
	case errors.Is(err, zk.ErrClosing), errors.Is(err, zk.ErrConnectionClosed):
		return fmt.Errorf("%w: %v", coord.ErrClosed, err)
	default:
		return err
	}
}

type printfLogger struct {
	logger *slog.Logger
}

func (l printfLogger) Printf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
