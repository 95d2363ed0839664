// Package broker hands collection items to clients blocked in a pop.
//
// A single loop goroutine owns the session and per-key waiter registries.
// Callers talk to it only by submitting events: WaitForItem registers a
// waiter, NotifyUpdated reports that a key may have gained items, and
// NotifySessionClosed abandons a disconnected session's waiter. Waiters on
// a key are served in the order they registered. The loop starts on the
// first wait and stops again once nothing is pending.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	eventloop "github.com/joeycumines/go-eventloop"

	"github.com/mtingers/dflistd/internal/config"
	"github.com/mtingers/dflistd/internal/store"
)

var (
	ErrClosed      = errors.New("broker closed")
	ErrNoKeys      = errors.New("no keys to wait on")
	ErrTooManyKeys = errors.New("too many keys")
)

type Broker struct {
	storage Storage
	cfg     *config.Config
	log     *slog.Logger

	mu      sync.Mutex
	closed  bool
	closing chan struct{}

	// watched holds every key the current run may have waiters for, and cur
	// is that run. Both are written with mu and watchMu held; NotifyUpdated
	// reads them under watchMu alone to skip keys nobody waits on.
	watchMu sync.RWMutex
	watched map[string]struct{}
	cur     *run

	starts    atomic.Uint64
	delivered atomic.Uint64
	expired   atomic.Uint64
	swept     atomic.Uint64
}

func New(storage Storage, cfg *config.Config, log *slog.Logger) *Broker {
	return &Broker{
		storage: storage,
		cfg:     cfg,
		log:     log,
		closing: make(chan struct{}),
		watched: make(map[string]struct{}),
	}
}

// WaitForItem blocks until an item is available on one of keys, checking
// them in order, and returns it. A timeout of 0 waits until ctx is done. The
// empty Result is returned on timeout, cancellation, session teardown and
// broker shutdown; errors are reserved for invalid arguments, calls after
// Close and a loop that cannot be started.
func (b *Broker) WaitForItem(ctx context.Context, keys []string, kind store.Kind, op store.Op, session uint64, timeout time.Duration) (Result, error) {
	keys = dedupe(keys)
	if len(keys) == 0 {
		return Result{}, ErrNoKeys
	}
	if max := b.cfg.MaxKeysPerWait; max > 0 && len(keys) > max {
		return Result{}, ErrTooManyKeys
	}

	o := newObserver(session, kind, op)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Result{}, ErrClosed
	}
	if err := b.startLocked(); err != nil {
		b.mu.Unlock()
		return Result{}, err
	}
	b.submit(b.cur, newObserverEvent{observer: o, keys: keys})
	b.mu.Unlock()

	var expiry <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expiry = timer.C
	}

	select {
	case <-o.done:
	case <-expiry:
	case <-ctx.Done():
	case <-b.closing:
	}

	if o.resolve(Result{}) {
		b.expired.Add(1)
	}
	b.release(o)
	return o.Result(), nil
}

// NotifyUpdated reports that the collection at key may have new items. It
// does nothing unless someone is waiting on key, and never blocks on the
// loop.
func (b *Broker) NotifyUpdated(key string) {
	b.watchMu.RLock()
	defer b.watchMu.RUnlock()
	if _, ok := b.watched[key]; !ok || b.cur == nil {
		return
	}
	b.submit(b.cur, collectionUpdatedEvent{key: key})
}

// NotifySessionClosed abandons the pending wait of session, if any. Its key
// queue entries are left for the sweep.
func (b *Broker) NotifySessionClosed(session uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return
	}
	b.submit(b.cur, sessionClosedEvent{session: session})
}

func (b *Broker) release(o *observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return
	}
	b.submit(b.cur, releaseEvent{observer: o})
}

// Running reports whether the loop is active.
func (b *Broker) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur != nil
}

// Close stops the loop and wakes every pending WaitForItem with an empty
// result. Later waits fail with ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closing)
	r := b.cur
	b.mu.Unlock()

	if r != nil {
		r.cancel()
		<-r.done
	}
	return nil
}

// startLocked launches a run of the loop if none is active. Must be called
// with b.mu held.
func (b *Broker) startLocked() error {
	if b.cur != nil {
		return nil
	}
	loop, err := eventloop.New()
	if err != nil {
		return fmt.Errorf("broker: start loop: %w", err)
	}
	loop.OnOverload = func(err error) {
		b.log.Debug("broker_loop: [backlog]", "err", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		loop:   loop,
		st:     newLoopState(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.watchMu.Lock()
	b.cur = r
	b.watchMu.Unlock()
	b.starts.Add(1)
	b.scheduleSweep(r)
	go b.serve(ctx, r)
	return nil
}

// stopLocked retires r and forgets every watched key if r is still the
// current run. Must be called with b.mu held, from r's loop goroutine.
func (b *Broker) stopLocked(r *run) {
	r.stopped = true
	r.cancel()
	if b.cur != r {
		return
	}
	b.watchMu.Lock()
	b.cur = nil
	clear(b.watched)
	b.watchMu.Unlock()
}

func dedupe(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
