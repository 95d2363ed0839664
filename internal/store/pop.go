package store

// popFunc removes one item from obj according to op.
type popFunc func(obj Object, op Op) ([]byte, bool)

// popHandlers maps each collection kind to its pop implementation. New
// kinds are supported by adding an entry here.
var popHandlers = map[Kind]popFunc{
	KindList:      popList,
	KindSortedSet: popSortedSet,
}

// PopNext removes and returns one item from obj. size is the number of items
// in the collection before the pop was attempted, so callers can tell an
// empty collection from one that exists but cannot serve op.
func PopNext(obj Object, op Op) (item []byte, size int, ok bool) {
	if obj == nil {
		return nil, 0, false
	}
	size = obj.Len()
	h, found := popHandlers[obj.Kind()]
	if !found || size == 0 {
		return nil, size, false
	}
	item, ok = h(obj, op)
	return item, size, ok
}

func popList(obj Object, op Op) ([]byte, bool) {
	l := obj.(*List)
	switch op {
	case OpPopTail:
		return l.PopTail()
	case OpPopHead:
		return l.PopHead()
	default:
		return nil, false
	}
}

// popSortedSet is intentionally unimplemented: whether a blocking pop on a
// sorted set evicts the lowest or the highest score has not been decided,
// so every op reports failure and such waiters stay parked.
func popSortedSet(obj Object, op Op) ([]byte, bool) {
	return nil, false
}
