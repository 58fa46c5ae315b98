package index

import (
	"keeldb/storage/page"
	"keeldb/transaction"
)

// Iterator is a leaf-level, forward-only cursor holding exactly one
// shared-latched leaf page pinned in the buffer pool at any time. The
// caller must defer Close so the latch and pin are released on every exit
// path, early returns and panics included.
type Iterator[K any, V any] struct {
	tree   *BPlusTree[K, V]
	leaf   *page.Page
	index  int
	closed bool
}

// Begin returns an iterator positioned at the leftmost entry in the tree.
func (t *BPlusTree[K, V]) Begin() (*Iterator[K, V], error) {
	return t.beginAt(func(txn *transaction.Transaction) (*page.Page, error) {
		var zero K
		return t.findLeafPage(zero, true, txn, opFind)
	}, 0)
}

// BeginAt returns an iterator positioned at the first entry whose key is
// >= key.
func (t *BPlusTree[K, V]) BeginAt(key K) (*Iterator[K, V], error) {
	var startIdx int
	it, err := t.beginAt(func(txn *transaction.Transaction) (*page.Page, error) {
		pg, err := t.findLeafPage(key, false, txn, opFind)
		if err != nil {
			return nil, err
		}
		startIdx = t.asLeaf(pg).KeyIndex(key)
		if startIdx == -1 {
			startIdx = t.asLeaf(pg).Size()
		}
		return pg, nil
	}, 0)
	if it != nil {
		it.index = startIdx
		it.settle()
	}
	return it, err
}

// End returns the sentinel iterator: !Valid(), holding no resources.
func (t *BPlusTree[K, V]) End() *Iterator[K, V] {
	return &Iterator[K, V]{tree: t, closed: true}
}

// beginAt runs descend (a root-latched, crabbing find that always leaves
// exactly the target leaf latched+pinned in the transaction's page set) and
// hands that leaf's pin+latch off to a fresh Iterator, which from then on
// owns its release.
func (t *BPlusTree[K, V]) beginAt(descend func(*transaction.Transaction) (*page.Page, error), idx int) (*Iterator[K, V], error) {
	t.rootLatch.RLock()

	if t.IsEmpty() {
		t.rootLatch.RUnlock()
		return t.End(), nil
	}

	// The nil sentinel below owns the root latch from here on: findLeafPage
	// releases it (with the rest of the chain) as soon as the descent proves
	// safe, and the error path releases whatever remains.
	txn := transaction.New(transaction.ReadCommitted)
	txn.AddToPageSet(nil)

	leaf, err := descend(txn)
	if err != nil {
		t.releaseAllLatches(txn, opFind, false)
		return nil, err
	}

	// findLeafPage already released every ancestor (including the root
	// latch sentinel) as soon as it proved safe; only leaf remains in the
	// page set. Hand its latch+pin off to the iterator rather than release
	// it here.
	txn.ClearPageSet()

	return &Iterator[K, V]{tree: t, leaf: leaf, index: idx}, nil
}

// settle advances past an exhausted leaf immediately, so an iterator
// constructed mid-leaf (BeginAt landing past the last key) already points
// at a real entry or is at End.
func (it *Iterator[K, V]) settle() {
	if it.closed {
		return
	}
	for !it.closed && it.index >= it.tree.asLeaf(it.leaf).Size() {
		it.advance()
	}
}

// Valid reports whether Key/Value/Current may be called.
func (it *Iterator[K, V]) Valid() bool {
	return !it.closed
}

// Key returns the current entry's key. Panics if !Valid(): the index is
// generic over K, so there is no nil sentinel to return, and a silent zero
// value would mask iterator misuse.
func (it *Iterator[K, V]) Key() K {
	if it.closed {
		panic("index: Iterator.Key called past end")
	}
	return it.tree.asLeaf(it.leaf).KeyAt(it.index)
}

// Value returns the current entry's value.
func (it *Iterator[K, V]) Value() V {
	if it.closed {
		panic("index: Iterator.Value called past end")
	}
	return it.tree.asLeaf(it.leaf).ValueAt(it.index)
}

// Next advances the iterator by one entry, unlatching/unpinning the
// exhausted leaf and fetching its successor when it falls off the end.
func (it *Iterator[K, V]) Next() {
	if it.closed {
		return
	}
	it.index++
	it.settle()
}

func (it *Iterator[K, V]) advance() {
	leaf := it.tree.asLeaf(it.leaf)
	next := leaf.NextPageID()

	it.leaf.RUnlatch()
	it.tree.pool.Unpin(it.leaf.ID(), false)
	it.leaf = nil

	if next == page.InvalidID {
		it.closed = true
		return
	}

	pg, ok := it.tree.pool.Fetch(next)
	if !ok {
		it.closed = true
		return
	}
	pg.RLatch()
	it.leaf = pg
	it.index = 0
}

// Close releases the iterator's held latch+pin, if any. Safe to call
// multiple times and on an already-exhausted iterator; callers should
// defer it on every exit path.
func (it *Iterator[K, V]) Close() {
	if it.closed || it.leaf == nil {
		it.closed = true
		return
	}
	it.leaf.RUnlatch()
	it.tree.pool.Unpin(it.leaf.ID(), false)
	it.leaf = nil
	it.closed = true
}
