package store

import (
	"context"
	"errors"
	"sync"

	"github.com/elonfeng/filmcache/internal/metrics"
)

// EventKind distinguishes the events a Subscription delivers.
type EventKind int

const (
	EventInitial EventKind = iota
	EventUpdate
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventInitial:
		return "initial"
	case EventUpdate:
		return "update"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is one notification from a live query.
type Event struct {
	Kind  EventKind
	Items []Item
	ChangeSet
	Err error
}

// ErrClosed is returned by Watch after the store has been closed.
var ErrClosed = errors.New("store closed")

// Subscription is a live query: an initial snapshot followed by diffs after
// every committed write that changes the result.
type Subscription struct {
	id     uint64
	query  Query
	store  *SQLiteStore
	events chan Event
	kick   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

// Watch starts a live query. The first event is always EventInitial.
func (s *SQLiteStore) Watch(ctx context.Context, q Query) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		query:  q,
		store:  s,
		events: make(chan Event, 16),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	// Register before the first read so no write can fall between the
	// snapshot and the first wakeup.
	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	s.nextID++
	sub.id = s.nextID
	s.subs[sub.id] = sub
	s.subMu.Unlock()

	initial, err := s.ListItems(ctx, q)
	if err != nil {
		s.subMu.Lock()
		delete(s.subs, sub.id)
		s.subMu.Unlock()
		cancel()
		close(sub.events)
		close(sub.done)
		return nil, err
	}

	metrics.Subscriptions.Inc()
	go sub.run(ctx, initial)
	return sub, nil
}

// Events delivers notifications until the subscription is closed.
func (sub *Subscription) Events() <-chan Event { return sub.events }

// Close stops delivery and waits for the subscription goroutine to exit.
func (sub *Subscription) Close() {
	sub.once.Do(sub.cancel)
	<-sub.done
}

func (sub *Subscription) run(ctx context.Context, prev []Item) {
	defer func() {
		sub.store.subMu.Lock()
		delete(sub.store.subs, sub.id)
		sub.store.subMu.Unlock()
		metrics.Subscriptions.Dec()
		close(sub.events)
		close(sub.done)
	}()

	if !sub.send(ctx, Event{Kind: EventInitial, Items: prev}) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.kick:
		}

		next, err := sub.store.ListItems(ctx, sub.query)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !sub.send(ctx, Event{Kind: EventError, Err: err}) {
				return
			}
			continue
		}

		cs := Diff(prev, next)
		if cs.Empty() {
			continue
		}
		prev = next
		if !sub.send(ctx, Event{Kind: EventUpdate, Items: next, ChangeSet: cs}) {
			return
		}
	}
}

func (sub *Subscription) send(ctx context.Context, ev Event) bool {
	select {
	case sub.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// notify wakes every subscription. Pending wakeups coalesce.
func (s *SQLiteStore) notify() {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, sub := range s.subs {
		select {
		case sub.kick <- struct{}{}:
		default:
		}
	}
}
