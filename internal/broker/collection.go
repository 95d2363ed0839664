package broker

import "github.com/mtingers/dflistd/internal/store"

// Storage is the keyspace the broker pops items from.
type Storage interface {
	Begin(exclusive bool, keys ...string) *store.Txn
}

// nextItem pops one item matching kind and op from the object at key. If
// held already locks key exclusively it is used as is; otherwise a
// transaction is opened on key and committed before returning. size is the
// current number of items at key, so a failed pop on a non-empty collection
// can be told apart from an empty one.
func (b *Broker) nextItem(held *store.Txn, key string, kind store.Kind, op store.Op) (item []byte, size int, ok bool) {
	txn := held
	if !held.Holds(key, true) {
		txn = b.storage.Begin(true, key)
		defer txn.Commit()
	}

	obj, found := txn.Get(key)
	if !found {
		return nil, 0, false
	}
	if obj.Kind() != kind {
		return nil, obj.Len(), false
	}
	return store.PopNext(obj, op)
}

// take adapts nextItem for observer.deliver.
func (b *Broker) take(key string, o *observer) func() (Result, int, bool) {
	return func() (Result, int, bool) {
		item, size, ok := b.nextItem(nil, key, o.kind, o.op)
		if !ok {
			return Result{}, size, false
		}
		return Result{Key: key, Item: item, Found: true}, size, true
	}
}
