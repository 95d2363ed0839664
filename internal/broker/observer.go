package broker

import (
	"sync"

	"github.com/mtingers/dflistd/internal/store"
)

type status uint8

const (
	waitingForResult status = iota
	resultSet
	sessionDisposed
)

func (s status) String() string {
	switch s {
	case waitingForResult:
		return "waiting"
	case resultSet:
		return "result_set"
	case sessionDisposed:
		return "session_disposed"
	default:
		return "unknown"
	}
}

// Result is the outcome of a blocking wait. The zero value is the empty
// result returned on timeout, cancellation or session teardown.
type Result struct {
	Key   string
	Item  []byte
	Found bool
}

// observer tracks one blocking call. status only moves away from
// waitingForResult, and done is closed on that transition.
type observer struct {
	session uint64
	kind    store.Kind
	op      store.Op

	mu     sync.Mutex
	status status
	result Result
	done   chan struct{}
}

func newObserver(session uint64, kind store.Kind, op store.Op) *observer {
	return &observer{
		session: session,
		kind:    kind,
		op:      op,
		done:    make(chan struct{}),
	}
}

func (o *observer) Status() status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *observer) Result() Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// commitLocked moves the observer to st. Must be called with o.mu held and
// o.status == waitingForResult.
func (o *observer) commitLocked(st status, r Result) {
	o.status = st
	o.result = r
	close(o.done)
}

// resolve sets r as the result if the observer is still waiting.
func (o *observer) resolve(r Result) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != waitingForResult {
		return false
	}
	o.commitLocked(resultSet, r)
	return true
}

// dispose marks the observer's session as gone if it is still waiting.
func (o *observer) dispose() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != waitingForResult {
		return false
	}
	o.commitLocked(sessionDisposed, Result{})
	return true
}

// deliver runs take while holding the status lock and commits its result on
// success. Because resolve and dispose need the same lock, an item removed
// from storage by take always reaches this observer. waiting is false when
// the observer was already terminal and take was not run. size is the
// collection size take reported.
func (o *observer) deliver(take func() (Result, int, bool)) (delivered bool, size int, waiting bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != waitingForResult {
		return false, 0, false
	}
	r, size, ok := take()
	if !ok {
		return false, size, true
	}
	o.commitLocked(resultSet, r)
	return true, size, true
}
