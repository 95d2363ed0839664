package store

import (
	"container/list"
	"sort"
)

// Kind is the concrete collection type stored at a key.
type Kind uint8

const (
	KindNone Kind = iota
	KindList
	KindSortedSet
)

func (k Kind) String() string {
	switch k {
	case KindList:
		return "list"
	case KindSortedSet:
		return "zset"
	default:
		return "none"
	}
}

// Op selects which item a pop removes from a collection.
type Op uint8

const (
	OpPopHead Op = iota + 1 // blpop
	OpPopTail               // brpop
	OpPopMin                // reserved for sorted sets
	OpPopMax                // reserved for sorted sets
)

func (o Op) String() string {
	switch o {
	case OpPopHead:
		return "pop_head"
	case OpPopTail:
		return "pop_tail"
	case OpPopMin:
		return "pop_min"
	case OpPopMax:
		return "pop_max"
	default:
		return "unknown"
	}
}

// Object is a collection stored at a key. The set of implementations is
// closed: *List and *SortedSet.
type Object interface {
	Kind() Kind
	// Len is the number of items in the collection.
	Len() int
	// Size is the tracked payload size in bytes.
	Size() int
	sealed()
}

// List is a double-ended queue of byte strings.
type List struct {
	items *list.List
	size  int
}

func NewList() *List {
	return &List{items: list.New()}
}

func (l *List) Kind() Kind { return KindList }
func (l *List) Len() int   { return l.items.Len() }
func (l *List) Size() int  { return l.size }
func (l *List) sealed()    {}

func (l *List) PushHead(v []byte) {
	l.items.PushFront(v)
	l.size += len(v)
}

func (l *List) PushTail(v []byte) {
	l.items.PushBack(v)
	l.size += len(v)
}

func (l *List) PopHead() ([]byte, bool) {
	e := l.items.Front()
	if e == nil {
		return nil, false
	}
	return l.remove(e), true
}

func (l *List) PopTail() ([]byte, bool) {
	e := l.items.Back()
	if e == nil {
		return nil, false
	}
	return l.remove(e), true
}

func (l *List) remove(e *list.Element) []byte {
	v := l.items.Remove(e).([]byte)
	l.size -= len(v)
	return v
}

// Range returns the elements between start and stop inclusive. Negative
// indexes count from the tail (-1 is the last element).
func (l *List) Range(start, stop int) [][]byte {
	n := l.items.Len()
	start, stop, ok := clampRange(start, stop, n)
	if !ok {
		return [][]byte{}
	}
	out := make([][]byte, 0, stop-start+1)
	i := 0
	for e := l.items.Front(); e != nil && i <= stop; e = e.Next() {
		if i >= start {
			out = append(out, e.Value.([]byte))
		}
		i++
	}
	return out
}

func clampRange(start, stop, n int) (int, int, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

type zmember struct {
	member string
	score  float64
}

// SortedSet maps members to scores and keeps them ordered by (score, member).
type SortedSet struct {
	scores  map[string]float64
	ordered []zmember
	size    int
}

func NewSortedSet() *SortedSet {
	return &SortedSet{scores: make(map[string]float64)}
}

func (z *SortedSet) Kind() Kind { return KindSortedSet }
func (z *SortedSet) Len() int   { return len(z.scores) }
func (z *SortedSet) Size() int  { return z.size }
func (z *SortedSet) sealed()    {}

func zless(a zmember, score float64, member string) bool {
	if a.score != score {
		return a.score < score
	}
	return a.member < member
}

func (z *SortedSet) search(score float64, member string) int {
	return sort.Search(len(z.ordered), func(i int) bool {
		return !zless(z.ordered[i], score, member)
	})
}

// Add inserts member or updates its score. It reports whether the member
// was newly added.
func (z *SortedSet) Add(score float64, member string) bool {
	old, exists := z.scores[member]
	if exists {
		if old == score {
			return false
		}
		z.removeOrdered(old, member)
	} else {
		z.size += len(member)
	}
	z.scores[member] = score
	i := z.search(score, member)
	z.ordered = append(z.ordered, zmember{})
	copy(z.ordered[i+1:], z.ordered[i:])
	z.ordered[i] = zmember{member: member, score: score}
	return !exists
}

func (z *SortedSet) Remove(member string) bool {
	score, ok := z.scores[member]
	if !ok {
		return false
	}
	delete(z.scores, member)
	z.removeOrdered(score, member)
	z.size -= len(member)
	return true
}

func (z *SortedSet) removeOrdered(score float64, member string) {
	i := z.search(score, member)
	if i < len(z.ordered) && z.ordered[i].member == member {
		z.ordered = append(z.ordered[:i], z.ordered[i+1:]...)
	}
}

func (z *SortedSet) Score(member string) (float64, bool) {
	s, ok := z.scores[member]
	return s, ok
}

// Members returns members in ascending score order.
func (z *SortedSet) Members() []string {
	out := make([]string, len(z.ordered))
	for i, m := range z.ordered {
		out[i] = m.member
	}
	return out
}
