package store

// Commands used by the protocol layer. Each runs in its own transaction.

// Push adds values to the head (or tail) of the list at key, creating it if
// needed, and returns the new length.
func (s *Store) Push(key string, head bool, values ...[]byte) (int, error) {
	t := s.Begin(true, key)
	defer t.Commit()

	var l *List
	obj, ok := t.Get(key)
	if ok {
		l, ok = obj.(*List)
		if !ok {
			return 0, ErrWrongType
		}
	}
	if max := s.limits.MaxListLength; max > 0 {
		cur := 0
		if l != nil {
			cur = l.Len()
		}
		if cur+len(values) > max {
			return 0, ErrListFull
		}
	}
	if l == nil {
		l = NewList()
		if err := t.Set(key, l); err != nil {
			return 0, err
		}
	}
	// One notification per value, so a multi-value push can serve as many
	// blocked poppers.
	for _, v := range values {
		if head {
			l.PushHead(v)
		} else {
			l.PushTail(v)
		}
		t.MarkUpdated(key)
	}
	return l.Len(), nil
}

// Pop removes one element from the head (or tail) of the list at key.
func (s *Store) Pop(key string, head bool) ([]byte, bool, error) {
	t := s.Begin(true, key)
	defer t.Commit()

	obj, ok := t.Get(key)
	if !ok {
		return nil, false, nil
	}
	if obj.Kind() != KindList {
		return nil, false, ErrWrongType
	}
	op := OpPopTail
	if head {
		op = OpPopHead
	}
	v, _, ok := PopNext(obj, op)
	return v, ok, nil
}

func (s *Store) LLen(key string) (int, error) {
	t := s.Begin(false, key)
	defer t.Commit()

	obj, ok := t.Get(key)
	if !ok {
		return 0, nil
	}
	if obj.Kind() != KindList {
		return 0, ErrWrongType
	}
	return obj.Len(), nil
}

func (s *Store) LRange(key string, start, stop int) ([][]byte, error) {
	t := s.Begin(false, key)
	defer t.Commit()

	obj, ok := t.Get(key)
	if !ok {
		return [][]byte{}, nil
	}
	l, ok := obj.(*List)
	if !ok {
		return nil, ErrWrongType
	}
	return l.Range(start, stop), nil
}

// ZAdd sets member's score in the sorted set at key and reports whether the
// member was new.
func (s *Store) ZAdd(key string, score float64, member string) (bool, error) {
	t := s.Begin(true, key)
	defer t.Commit()

	var z *SortedSet
	obj, ok := t.Get(key)
	if ok {
		z, ok = obj.(*SortedSet)
		if !ok {
			return false, ErrWrongType
		}
	} else {
		z = NewSortedSet()
		if err := t.Set(key, z); err != nil {
			return false, err
		}
	}
	added := z.Add(score, member)
	if added {
		t.MarkUpdated(key)
	}
	return added, nil
}

func (s *Store) ZRem(key, member string) (bool, error) {
	t := s.Begin(true, key)
	defer t.Commit()

	obj, ok := t.Get(key)
	if !ok {
		return false, nil
	}
	z, ok := obj.(*SortedSet)
	if !ok {
		return false, ErrWrongType
	}
	return z.Remove(member), nil
}

func (s *Store) ZCard(key string) (int, error) {
	t := s.Begin(false, key)
	defer t.Commit()

	obj, ok := t.Get(key)
	if !ok {
		return 0, nil
	}
	if obj.Kind() != KindSortedSet {
		return 0, ErrWrongType
	}
	return obj.Len(), nil
}

func (s *Store) ZScore(key, member string) (float64, bool, error) {
	t := s.Begin(false, key)
	defer t.Commit()

	obj, ok := t.Get(key)
	if !ok {
		return 0, false, nil
	}
	z, ok := obj.(*SortedSet)
	if !ok {
		return 0, false, ErrWrongType
	}
	score, found := z.Score(member)
	return score, found, nil
}

func (s *Store) Del(key string) bool {
	t := s.Begin(true, key)
	defer t.Commit()
	return t.Delete(key)
}

func (s *Store) Type(key string) Kind {
	t := s.Begin(false, key)
	defer t.Commit()

	obj, ok := t.Get(key)
	if !ok {
		return KindNone
	}
	return obj.Kind()
}

type Stats struct {
	Keys       int `json:"keys"`
	Lists      int `json:"lists"`
	SortedSets int `json:"sorted_sets"`
	Bytes      int `json:"bytes"`
}

// Stats summarizes the keyspace. Keys are visited one at a time under their
// own read locks, so the totals are not an atomic snapshot.
func (s *Store) Stats() *Stats {
	s.mu.Lock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	st := &Stats{}
	for _, k := range keys {
		t := s.Begin(false, k)
		if obj, ok := t.Get(k); ok {
			st.Keys++
			st.Bytes += obj.Size()
			switch obj.Kind() {
			case KindList:
				st.Lists++
			case KindSortedSet:
				st.SortedSets++
			}
		}
		t.Commit()
	}
	return st
}
