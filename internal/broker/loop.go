package broker

import (
	"context"
	"errors"
	"sync/atomic"

	eventloop "github.com/joeycumines/go-eventloop"
)

// loopState is owned by a single run of the loop goroutine.
type loopState struct {
	sessions map[uint64]*observer   // session → its pending observer
	queues   map[string][]*observer // key → observers in registration order
}

func newLoopState() *loopState {
	return &loopState{
		sessions: make(map[uint64]*observer),
		queues:   make(map[string][]*observer),
	}
}

func (st *loopState) deregister(o *observer) {
	if cur, ok := st.sessions[o.session]; ok && cur == o {
		delete(st.sessions, o.session)
	}
}

// run is one lifetime of the loop, from the first wait after an idle period
// until the next idle stop or Close. Each run hosts its events on its own
// eventloop.Loop; a terminated Loop cannot be restarted.
type run struct {
	loop    *eventloop.Loop
	st      *loopState
	cancel  context.CancelFunc
	done    chan struct{}
	pending atomic.Int64 // submitted events not yet dispatched
	stopped bool         // loop goroutine only
}

func (b *Broker) serve(ctx context.Context, r *run) {
	defer close(r.done)
	b.log.Debug("broker_loop: [starting]")

	if err := r.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		b.log.Error("broker_loop: [failed]", "err", err)
	}

	b.mu.Lock()
	b.stopLocked(r)
	b.mu.Unlock()
	b.log.Debug("broker_loop: [stopped]")
}

// dispatch handles ev on r's loop goroutine. Events still queued when r was
// retired are dropped; the Loop drains them while terminating.
func (b *Broker) dispatch(r *run, ev event) {
	if r.stopped {
		return
	}
	if b.handle(r, ev) && b.tryStop(r) {
		b.log.Debug("broker_loop: [idle, stopping]")
	}
}

// scheduleSweep arms the next garbage sweep of r.
func (b *Broker) scheduleSweep(r *run) {
	// Fails only once the Loop has terminated.
	_, _ = r.loop.ScheduleTimer(b.cfg.SweepInterval, func() {
		if r.stopped {
			return
		}
		b.sweep(r.st)
		b.scheduleSweep(r)
	})
}

// handle applies one event. It reports whether the loop may consider
// stopping afterwards.
func (b *Broker) handle(r *run, ev event) bool {
	st := r.st
	switch ev := ev.(type) {
	case newObserverEvent:
		b.initObserver(st, ev.observer, ev.keys)
		return false
	case collectionUpdatedEvent:
		b.assignFromKey(st, ev.key)
		return true
	case releaseEvent:
		st.deregister(ev.observer)
		return true
	case sessionClosedEvent:
		if o, ok := st.sessions[ev.session]; ok {
			delete(st.sessions, ev.session)
			o.dispose()
		}
		return true
	case statsEvent:
		ev.reply <- b.snapshot(r)
		return false
	}
	return false
}

// tryStop retires r when no observer is registered and no event is pending.
// A registration racing the decision either lands before it (and keeps the
// loop alive) or starts a new run after it.
func (b *Broker) tryStop(r *run) bool {
	if len(r.st.sessions) > 0 || r.pending.Load() > 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.pending.Load() > 0 {
		return false
	}
	// Queues can only hold terminal observers at this point.
	b.stopLocked(r)
	return true
}

// initObserver serves a new observer from the first of its keys that has an
// item and no live observer queued ahead, or parks it on all of them. The
// keys are published as watched before storage is looked at, so a push
// landing after its key was checked still arrives as an event, and one
// landing before is seen here as an item.
func (b *Broker) initObserver(st *loopState, o *observer, keys []string) {
	if o.Status() != waitingForResult {
		return
	}
	if cur, ok := st.sessions[o.session]; ok && cur.Status() == waitingForResult {
		b.log.Warn("session already has a pending wait, dropping new one", "conn_id", o.session)
		o.resolve(Result{})
		return
	}

	b.watchMu.Lock()
	for _, key := range keys {
		b.watched[key] = struct{}{}
	}
	b.watchMu.Unlock()

	if b.serveNow(st, o, keys) {
		b.watchMu.Lock()
		for _, key := range keys {
			if len(st.queues[key]) == 0 {
				delete(b.watched, key)
			}
		}
		b.watchMu.Unlock()
		return
	}

	st.sessions[o.session] = o
	for _, key := range keys {
		st.queues[key] = append(st.queues[key], o)
	}
}

// serveNow tries each key in order and reports whether o is finished, either
// served or resolved elsewhere while the pop was attempted.
func (b *Broker) serveNow(st *loopState, o *observer, keys []string) bool {
	for _, key := range keys {
		if len(b.pruneHead(st, key)) > 0 {
			continue
		}
		delivered, _, waiting := o.deliver(b.take(key, o))
		if delivered {
			b.delivered.Add(1)
			return true
		}
		if !waiting {
			return true
		}
	}
	return false
}

// assignFromKey hands one item from key to the first observer in its queue
// that can take it.
func (b *Broker) assignFromKey(st *loopState, key string) {
	q, ok := st.queues[key]
	if !ok {
		return
	}

	i := 0
	for i < len(q) {
		o := q[i]
		delivered, size, waiting := o.deliver(b.take(key, o))
		if !waiting {
			q = removeObserver(q, i)
			continue
		}
		if delivered {
			q = removeObserver(q, i)
			st.deregister(o)
			b.delivered.Add(1)
			break
		}
		if size == 0 {
			break
		}
		// The collection holds items this observer cannot take; someone
		// further back may want them.
		i++
	}
	b.setQueue(st, key, q)
}

// sweep drops observers that can no longer be served from every queue.
func (b *Broker) sweep(st *loopState) {
	removed := 0
	for key, q := range st.queues {
		n := 0
		for _, o := range q {
			if o.Status() == waitingForResult {
				q[n] = o
				n++
			} else {
				removed++
			}
		}
		clear(q[n:])
		b.setQueue(st, key, q[:n])
	}
	if removed > 0 {
		b.swept.Add(uint64(removed))
		b.log.Debug("sweep: dropped stale observers", "count", removed, "keys", len(st.queues))
	}
}

// pruneHead drops terminal observers from the front of key's queue and
// returns what is left. The key stays watched; initObserver settles that.
func (b *Broker) pruneHead(st *loopState, key string) []*observer {
	q := st.queues[key]
	i := 0
	for i < len(q) && q[i].Status() != waitingForResult {
		i++
	}
	if i == 0 {
		return q
	}
	n := copy(q, q[i:])
	clear(q[n:])
	q = q[:n]
	if n == 0 {
		delete(st.queues, key)
	} else {
		st.queues[key] = q
	}
	return q
}

// setQueue stores q for key, pruning the key when q is empty.
func (b *Broker) setQueue(st *loopState, key string, q []*observer) {
	if len(q) > 0 {
		st.queues[key] = q
		return
	}
	delete(st.queues, key)
	b.watchMu.Lock()
	delete(b.watched, key)
	b.watchMu.Unlock()
}

// removeObserver removes q[i] preserving order, reusing the backing array.
func removeObserver(q []*observer, i int) []*observer {
	copy(q[i:], q[i+1:])
	q[len(q)-1] = nil
	return q[:len(q)-1]
}
