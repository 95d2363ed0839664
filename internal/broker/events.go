package broker

// event is a message for the broker loop. newObserverEvent and
// collectionUpdatedEvent drive hand-off; the rest let callers reach the
// loop-owned registries without sharing them.
type event interface {
	isEvent()
}

type newObserverEvent struct {
	observer *observer
	keys     []string
}

type collectionUpdatedEvent struct {
	key string
}

// releaseEvent deregisters an observer whose caller has returned.
type releaseEvent struct {
	observer *observer
}

type sessionClosedEvent struct {
	session uint64
}

type statsEvent struct {
	reply chan *Stats
}

func (newObserverEvent) isEvent()       {}
func (collectionUpdatedEvent) isEvent() {}
func (releaseEvent) isEvent()           {}
func (sessionClosedEvent) isEvent()     {}
func (statsEvent) isEvent()             {}

// submit queues ev on r's loop. Events run one at a time on the loop
// goroutine in the order they were submitted. Submit never blocks, so
// callers may hold broker locks.
func (b *Broker) submit(r *run, ev event) {
	r.pending.Add(1)
	err := r.loop.Submit(func() {
		r.pending.Add(-1)
		b.dispatch(r, ev)
	})
	if err != nil {
		// Only a terminated loop refuses tasks, and a run terminates only
		// after it was retired.
		r.pending.Add(-1)
	}
}
