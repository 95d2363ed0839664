// Package store is the in-memory keyspace holding lists and sorted sets.
//
// Every read or write of a key's object happens inside a Txn, which holds
// the key's reader/writer lock for its lifetime. Blocking pops performed by
// the broker take the same exclusive lock as client commands, so the two
// never interleave on a key.
package store

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

var (
	ErrWrongType = errors.New("operation against a key holding the wrong kind of value")
	ErrMaxKeys   = errors.New("max keys reached")
	ErrListFull  = errors.New("list full")
	ErrNotLocked = errors.New("key not locked by transaction")
)

// Limits bounds the keyspace. Zero values mean unlimited.
type Limits struct {
	MaxKeys       int
	MaxListLength int
}

type keyLock struct {
	rw   sync.RWMutex
	refs int
}

type Store struct {
	mu       sync.Mutex
	objects  map[string]Object
	locks    map[string]*keyLock
	limits   Limits
	onUpdate func(key string)
	log      *slog.Logger
}

func New(limits Limits, log *slog.Logger) *Store {
	return &Store{
		objects: make(map[string]Object),
		locks:   make(map[string]*keyLock),
		limits:  limits,
		log:     log,
	}
}

// OnUpdate registers fn to be called after a transaction that added items
// to a key commits. fn runs after the key locks are released and must not
// block.
func (s *Store) OnUpdate(fn func(key string)) {
	s.mu.Lock()
	s.onUpdate = fn
	s.mu.Unlock()
}

func (s *Store) acquire(key string) *keyLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{}
		s.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (s *Store) release(key string, kl *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(s.locks, key)
	}
}

// Begin opens a transaction over keys. Locks are taken in sorted order so
// that concurrent multi-key transactions cannot deadlock.
func (s *Store) Begin(exclusive bool, keys ...string) *Txn {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	t := &Txn{
		s:         s,
		keys:      sorted,
		exclusive: exclusive,
		locks:     make([]*keyLock, len(sorted)),
	}
	for i, k := range sorted {
		kl := s.acquire(k)
		if exclusive {
			kl.rw.Lock()
		} else {
			kl.rw.RLock()
		}
		t.locks[i] = kl
	}
	return t
}

// KeyCount returns the number of keys currently holding an object.
func (s *Store) KeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// Txn is a scoped hold on a set of key locks. Commit must be called exactly
// once; further calls are no-ops.
type Txn struct {
	s         *Store
	keys      []string
	exclusive bool
	locks     []*keyLock
	updated   []string
	done      bool
}

// Holds reports whether the transaction has key locked, exclusively if
// exclusive is set.
func (t *Txn) Holds(key string, exclusive bool) bool {
	if t == nil || t.done || (exclusive && !t.exclusive) {
		return false
	}
	i := sort.SearchStrings(t.keys, key)
	return i < len(t.keys) && t.keys[i] == key
}

func (t *Txn) Get(key string) (Object, bool) {
	if !t.Holds(key, false) {
		return nil, false
	}
	t.s.mu.Lock()
	obj, ok := t.s.objects[key]
	t.s.mu.Unlock()
	return obj, ok
}

func (t *Txn) Set(key string, obj Object) error {
	if !t.Holds(key, true) {
		return ErrNotLocked
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, exists := t.s.objects[key]; !exists {
		if max := t.s.limits.MaxKeys; max > 0 && len(t.s.objects) >= max {
			return ErrMaxKeys
		}
	}
	t.s.objects[key] = obj
	return nil
}

func (t *Txn) Delete(key string) bool {
	if !t.Holds(key, true) {
		return false
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	_, ok := t.s.objects[key]
	delete(t.s.objects, key)
	return ok
}

// MarkUpdated records that an item was added to key. The update hook fires
// once per call on commit.
func (t *Txn) MarkUpdated(key string) {
	t.updated = append(t.updated, key)
}

// Commit drops emptied collections, releases the key locks and then runs the
// update hook for keys that gained items.
func (t *Txn) Commit() {
	if t.done {
		return
	}
	if t.exclusive {
		t.s.mu.Lock()
		for _, k := range t.keys {
			if obj, ok := t.s.objects[k]; ok && obj.Len() == 0 {
				delete(t.s.objects, k)
			}
		}
		t.s.mu.Unlock()
	}
	t.done = true
	for i := len(t.keys) - 1; i >= 0; i-- {
		if t.exclusive {
			t.locks[i].rw.Unlock()
		} else {
			t.locks[i].rw.RUnlock()
		}
		t.s.release(t.keys[i], t.locks[i])
	}

	if len(t.updated) == 0 {
		return
	}
	t.s.mu.Lock()
	fn := t.s.onUpdate
	t.s.mu.Unlock()
	if fn == nil {
		return
	}
	for _, k := range t.updated {
		fn(k)
	}
}
