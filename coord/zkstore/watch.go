package zkstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-zookeeper/zk"

	"github.com/c360studio/regwatch/coord"
)

type subscription struct {
	path   string
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (s *subscription) Path() string { return s.path }

func (s *subscription) Stop() {
	s.once.Do(s.cancel)
}

// watchState is the result of arming one watch. While the node is missing,
// events belongs to an exists watch that fires on its creation.
type watchState struct {
	exists   bool
	children []string
	data     []byte
	events   <-chan zk.Event
}

type armFunc func(p string) (watchState, error)

// SubscribeChildChanges implements coord.Store. The watch is armed before it
// returns. The listener fires after every child-list change with the full
// current list; it does not fire for the list present at subscription time.
func (s *Store) SubscribeChildChanges(p string, listener coord.ChildListener) (coord.Subscription, error) {
	sub, st, err := s.subscribe(p, s.armChildren)
	if err != nil {
		return nil, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchChildren(sub, st, listener)
	}()
	return sub, nil
}

// SubscribeDataChanges implements coord.Store. The watch is armed before it
// returns. The listener fires after every value change and deletion of the
// node; it does not fire for the value present at subscription time.
func (s *Store) SubscribeDataChanges(p string, listener coord.DataListener) (coord.Subscription, error) {
	sub, st, err := s.subscribe(p, s.armData)
	if err != nil {
		return nil, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchData(sub, st, listener)
	}()
	return sub, nil
}

func (s *Store) subscribe(p string, arm armFunc) (*subscription, watchState, error) {
	p, err := coord.CleanPath(p)
	if err != nil {
		return nil, watchState{}, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, watchState{}, coord.ErrClosed
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Unlock()

	st, err := arm(p)
	if err != nil {
		cancel()
		return nil, watchState{}, fmt.Errorf("watch %s: %w", p, translate(err))
	}
	return &subscription{path: p, ctx: ctx, cancel: cancel}, st, nil
}

// armChildren sets a child watch on p, or an exists watch while p is missing.
func (s *Store) armChildren(p string) (watchState, error) {
	for {
		children, _, events, err := s.conn.ChildrenW(p)
		if err == nil {
			return watchState{exists: true, children: children, events: events}, nil
		}
		if !errors.Is(err, zk.ErrNoNode) {
			return watchState{}, err
		}
		st, err := s.armExists(p)
		if err != nil || !st.exists {
			return st, err
		}
		// Created in between; list it.
	}
}

// armData sets a data watch on p, or an exists watch while p is missing.
func (s *Store) armData(p string) (watchState, error) {
	for {
		data, _, events, err := s.conn.GetW(p)
		if err == nil {
			return watchState{exists: true, data: data, events: events}, nil
		}
		if !errors.Is(err, zk.ErrNoNode) {
			return watchState{}, err
		}
		st, err := s.armExists(p)
		if err != nil || !st.exists {
			return st, err
		}
	}
}

func (s *Store) armExists(p string) (watchState, error) {
	exists, _, events, err := s.conn.ExistsW(p)
	if err != nil {
		return watchState{}, err
	}
	return watchState{exists: exists, events: events}, nil
}

// rearm retries arm with backoff until it succeeds or the subscription ends.
func (s *Store) rearm(sub *subscription, arm armFunc) (watchState, bool) {
	retry := newRetryBackOff()
	for sub.ctx.Err() == nil {
		st, err := arm(sub.path)
		if err == nil {
			return st, true
		}
		s.logger.Warn("Watch failed, retrying", "path", sub.path, "error", err)
		if !sleep(sub.ctx, retry.NextBackOff()) {
			break
		}
	}
	return watchState{}, false
}

// next blocks for the event on st. A closed channel reads as the watch being
// dropped by the client, which happens on session loss.
func next(sub *subscription, st watchState) (zk.Event, bool) {
	select {
	case <-sub.ctx.Done():
		return zk.Event{}, false
	case ev, ok := <-st.events:
		if !ok {
			ev.Type = zk.EventNotWatching
		}
		return ev, true
	}
}

// watchChildren re-arms the child watch on sub.path after every event until
// the subscription or the store ends. Every re-arm that finds the node
// delivers its current list; a deleted node is listed once it is created again.
func (s *Store) watchChildren(sub *subscription, st watchState, listener coord.ChildListener) {
	for {
		if _, ok := next(sub, st); !ok {
			return
		}
		var ok bool
		if st, ok = s.rearm(sub, s.armChildren); !ok {
			return
		}
		if st.exists {
			listener(sub.path, st.children)
		}
	}
}

// watchData re-arms the data watch on sub.path after every event until the
// subscription or the store ends. A deletion is reported once; a re-created
// node reports its value.
func (s *Store) watchData(sub *subscription, st watchState, listener coord.DataListener) {
	present := st.exists
	for {
		ev, ok := next(sub, st)
		if !ok {
			return
		}
		if st, ok = s.rearm(sub, s.armData); !ok {
			return
		}
		switch {
		case present && !st.exists:
			listener.HandleDataDeleted(sub.path)
		case present && ev.Type == zk.EventNodeDeleted:
			// Deleted and created again before the re-arm.
			listener.HandleDataDeleted(sub.path)
			listener.HandleDataChange(sub.path, st.data)
		case st.exists && (!present || ev.Type != zk.EventNodeChildrenChanged):
			listener.HandleDataChange(sub.path, st.data)
		}
		present = st.exists
	}
}

func newRetryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var (
	_ coord.Store  = (*Store)(nil)
	_ coord.Writer = (*Store)(nil)
)
