// Package notifier provides a keyed, asynchronous wait/notify primitive
// used for long-polling event queries. Notifications are edge-triggered:
// a notify wakes every listener currently registered for the key, and
// nothing is replayed to listeners that register afterwards.
package notifier

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Errors returned from Listener.Wait.
var (
	ErrTimeout      = errors.New("notifier_timeout")
	ErrClosed       = errors.New("notifier_closed")
	ErrUnsubscribed = errors.New("notifier_unsubscribed")
)

type signal int

const (
	sigWake signal = iota
	sigUnsubscribed
)

// EventNotifier is a wait/notify registry generic over a comparable key
// (subscription id, session id, agreement id). It is an explicitly owned
// instance passed into brokers at construction, never an ambient
// singleton. Safe for concurrent use.
type EventNotifier[K comparable] struct {
	mu           sync.Mutex
	listeners    map[K]map[*Listener[K]]struct{}
	unsubscribed map[K]bool
	closed       bool
}

// New creates an empty EventNotifier.
func New[K comparable]() *EventNotifier[K] {
	return &EventNotifier[K]{
		listeners:    make(map[K]map[*Listener[K]]struct{}),
		unsubscribed: make(map[K]bool),
	}
}

// Listener awaits notifications for one key. It must be released with
// Close when the caller stops waiting.
type Listener[K comparable] struct {
	n   *EventNotifier[K]
	key K
	// Buffered for one pending wake plus one unsubscribe marker.
	ch chan signal
}

// Listen registers a listener for the key. Multiple listeners on the
// same key are all woken by one Notify. Listening on an already
// unsubscribed key yields an immediate ErrUnsubscribed on Wait.
func (n *EventNotifier[K]) Listen(key K) *Listener[K] {
	l := &Listener[K]{n: n, key: key, ch: make(chan signal, 2)}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		close(l.ch)
		return l
	}
	if n.unsubscribed[key] {
		l.ch <- sigUnsubscribed
		return l
	}
	set, ok := n.listeners[key]
	if !ok {
		set = make(map[*Listener[K]]struct{})
		n.listeners[key] = set
	}
	set[l] = struct{}{}
	return l
}

// Notify wakes all listeners currently registered for the key. A
// listener with a wake already pending is not queued a second one.
func (n *EventNotifier[K]) Notify(key K) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for l := range n.listeners[key] {
		// One pending wake is enough; the waiter re-checks the store on
		// every wake anyway.
		if len(l.ch) == 0 {
			l.ch <- sigWake
		}
	}
}

// StopNotifying marks the key unsubscribed: every current listener is
// woken with an unsubscribe marker, and future listeners observe it
// immediately. Used when a subscription is withdrawn so long-pollers
// surface "not found" instead of timing out silently.
func (n *EventNotifier[K]) StopNotifying(key K) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.unsubscribed[key] = true
	for l := range n.listeners[key] {
		select {
		case l.ch <- sigUnsubscribed:
		default:
		}
	}
	delete(n.listeners, key)
}

// Shutdown closes every listener channel; waiters observe ErrClosed.
// The notifier accepts no registrations afterwards.
func (n *EventNotifier[K]) Shutdown() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	for _, set := range n.listeners {
		for l := range set {
			close(l.ch)
		}
	}
	n.listeners = make(map[K]map[*Listener[K]]struct{})
}

// Wait blocks until the next notification for the listener's key, the
// timeout, or context cancellation. A nil return means a notification
// arrived; it does not guarantee the caller will find data, since one
// event can wake several waiters.
func (l *Listener[K]) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s, ok := <-l.ch:
		if !ok {
			return ErrClosed
		}
		if s == sigUnsubscribed {
			return ErrUnsubscribed
		}
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close removes the listener from the registry. Pending signals are
// discarded.
func (l *Listener[K]) Close() {
	l.n.mu.Lock()
	defer l.n.mu.Unlock()

	if set, ok := l.n.listeners[l.key]; ok {
		delete(set, l)
		if len(set) == 0 {
			delete(l.n.listeners, l.key)
		}
	}
}
