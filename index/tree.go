// Package index implements an on-disk, unique-key B+-tree. Nodes live in
// buffer-pool pages, operations acquire page latches and pins through the
// buffer pool, and concurrent insert/delete/search is made safe by latch
// crabbing: ancestors are released as soon as the descent proves the
// current node cannot split or underflow.
package index

import (
	"errors"
	"sync"

	"keeldb/internal/logging"
	"keeldb/storage/buffer"
	"keeldb/storage/disk"
	"keeldb/storage/page"
	"keeldb/transaction"
)

var log = logging.Get("index")

// ErrOutOfMemory signals the buffer pool has no frame to hand out for a
// tree page. It is never retried internally; the caller must abort the
// transaction.
var ErrOutOfMemory = errors.New("index: buffer pool out of memory")

type operation int

const (
	opFind operation = iota
	opInsert
	opDelete
)

// BPlusTree is a page-structured, unique-key index persisted through a
// buffer.Pool. It is generic over key type K and value type V so one
// implementation serves any fixed-width key/value encoding.
type BPlusTree[K any, V any] struct {
	name string
	pool *buffer.Pool

	cmp      Comparator[K]
	keyCodec Codec[K]
	valCodec Codec[V]

	leafMaxSize     int
	internalMaxSize int

	// rootLatch is taken shared for reads and exclusive for writes so
	// the root page id itself is never observed mid-change.
	rootLatch sync.RWMutex
	rootID    page.ID
}

// New constructs a tree named name backed by pool. If the header page (page
// 0) already has a root recorded under name, that root is recovered;
// otherwise the tree starts empty and a fresh header record is inserted on
// the first insert.
func New[K any, V any](name string, pool *buffer.Pool, cmp Comparator[K], keyCodec Codec[K], valCodec Codec[V], leafMaxSize, internalMaxSize int) (*BPlusTree[K, V], error) {
	t := &BPlusTree[K, V]{
		name:            name,
		pool:            pool,
		cmp:             cmp,
		keyCodec:        keyCodec,
		valCodec:        valCodec,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
		rootID:          page.InvalidID,
	}

	hp, ok := pool.Fetch(page.HeaderPageID)
	if !ok {
		return nil, ErrOutOfMemory
	}
	if root, found := disk.NewHeaderPage(hp).GetRootID(name); found {
		t.rootID = root
	}
	pool.Unpin(page.HeaderPageID, false)

	return t, nil
}

func (t *BPlusTree[K, V]) IsEmpty() bool { return t.rootID == page.InvalidID }

// updateRootPageID persists the current root id to the header page,
// inserting a fresh record the first time this tree ever gets a root.
func (t *BPlusTree[K, V]) updateRootPageID(insertRecord bool) error {
	hp, ok := t.pool.Fetch(page.HeaderPageID)
	if !ok {
		return ErrOutOfMemory
	}
	defer t.pool.Unpin(page.HeaderPageID, true)

	h := disk.NewHeaderPage(hp)
	if _, exists := h.GetRootID(t.name); insertRecord && !exists {
		return h.InsertRecord(t.name, t.rootID)
	}
	return h.UpdateRecord(t.name, t.rootID)
}

// --- latch/pin helpers for crabbing -----------------------------------

func latchPage(p *page.Page, op operation) {
	if op == opFind {
		p.RLatch()
	} else {
		p.WLatch()
	}
}

func unlatchPage(p *page.Page, op operation) {
	if op == opFind {
		p.RUnlatch()
	} else {
		p.WUnlatch()
	}
}

// isSafe reports whether a node visited during crabbing can release its
// ancestors: a further insert here cannot split, or a further delete here
// cannot underflow.
func isSafe(p *page.Page, op operation) bool {
	switch op {
	case opFind:
		return true
	case opInsert:
		return size(p) < maxSize(p)-1
	case opDelete:
		if isRoot(p) {
			if kindOf(p) == kindInternal {
				return size(p) > 2
			}
			return size(p) > 1
		}
		return size(p) > minSize(p)+1
	default:
		return false
	}
}

// releaseAllLatches unwinds a transaction's crabbing chain: the nil
// sentinel releases the tree's root latch, everything else unlatches and
// unpins through the buffer pool.
func (t *BPlusTree[K, V]) releaseAllLatches(txn *transaction.Transaction, op operation, dirty bool) {
	for _, p := range txn.PageSet() {
		if p == nil {
			if op == opFind {
				t.rootLatch.RUnlock()
			} else {
				t.rootLatch.Unlock()
			}
			continue
		}
		unlatchPage(p, op)
		t.pool.Unpin(p.ID(), dirty)
	}
	txn.ClearPageSet()
}

// deleteAllMarked physically deallocates every page the current operation
// logically removed. It must run only after every latch held during that
// operation has been released, so a page still latched by the caller is
// never deleted out from under it.
func (t *BPlusTree[K, V]) deleteAllMarked(txn *transaction.Transaction) {
	for id := range txn.DeletedPageSet() {
		t.pool.Delete(id)
	}
	txn.ClearDeletedPageSet()
}

func (t *BPlusTree[K, V]) asLeaf(p *page.Page) *Leaf[K, V] {
	return newLeaf[K, V](p, t.keyCodec, t.valCodec, t.cmp)
}

func (t *BPlusTree[K, V]) asInternal(p *page.Page) *Internal[K] {
	return newInternal[K](p, t.keyCodec, t.cmp)
}

// findLeafPage descends from the root to the leaf that would contain key
// (or the leftmost leaf if leftMost is set), crabbing latches along the
// way. Callers must hold the root latch (shared for op==opFind, exclusive
// otherwise) before calling, and must eventually call releaseAllLatches.
func (t *BPlusTree[K, V]) findLeafPage(key K, leftMost bool, txn *transaction.Transaction, op operation) (*page.Page, error) {
	id := t.rootID
	for {
		pg, ok := t.pool.Fetch(id)
		if !ok {
			return nil, ErrOutOfMemory
		}

		latchPage(pg, op)
		if isSafe(pg, op) {
			t.releaseAllLatches(txn, op, false)
			txn.AddToPageSet(pg)
		} else {
			txn.AddToPageSet(pg)
		}

		if kindOf(pg) == kindLeaf {
			return pg, nil
		}

		internal := t.asInternal(pg)
		if leftMost {
			id = internal.ValueAt(0)
		} else {
			id = internal.Lookup(key)
		}
	}
}

// --- search -------------------------------------------------------------

// GetValue looks up key, returning its value and whether it was found.
func (t *BPlusTree[K, V]) GetValue(key K, txn *transaction.Transaction) (V, bool, error) {
	var zero V

	t.rootLatch.RLock()
	if t.IsEmpty() {
		t.rootLatch.RUnlock()
		return zero, false, nil
	}

	txn.AddToPageSet(nil)
	leafPage, err := t.findLeafPage(key, false, txn, opFind)
	if err != nil {
		t.releaseAllLatches(txn, opFind, false)
		return zero, false, err
	}

	v, ok := t.asLeaf(leafPage).Lookup(key)
	t.releaseAllLatches(txn, opFind, false)
	return v, ok, nil
}

// --- insert --------------------------------------------------------------

// Insert adds (key, value). Returns false without modifying the tree if
// key is already present, since this tree enforces unique keys.
func (t *BPlusTree[K, V]) Insert(key K, value V, txn *transaction.Transaction) (bool, error) {
	t.rootLatch.Lock()

	if t.IsEmpty() {
		if err := t.startNewTree(key, value); err != nil {
			t.rootLatch.Unlock()
			return false, err
		}
		t.rootLatch.Unlock()
		return true, nil
	}

	txn.AddToPageSet(nil)
	ok, err := t.insertIntoLeaf(key, value, txn)
	t.releaseAllLatches(txn, opInsert, true)
	return ok, err
}

func (t *BPlusTree[K, V]) startNewTree(key K, value V) error {
	pg, ok := t.pool.New()
	if !ok {
		return ErrOutOfMemory
	}
	leaf := t.asLeaf(pg)
	leaf.Init(pg.ID(), page.InvalidID, t.leafMaxSize)
	leaf.Insert(key, value)

	t.rootID = pg.ID()
	t.pool.Unpin(pg.ID(), true)

	log.Debugf("%s: started new tree, root leaf page %d", t.name, pg.ID())
	return t.updateRootPageID(true)
}

func (t *BPlusTree[K, V]) insertIntoLeaf(key K, value V, txn *transaction.Transaction) (bool, error) {
	pg, err := t.findLeafPage(key, false, txn, opInsert)
	if err != nil {
		return false, err
	}
	leaf := t.asLeaf(pg)

	if _, found := leaf.Lookup(key); found {
		return false, nil
	}

	newSize := leaf.Insert(key, value)
	if newSize >= leaf.MaxSize() {
		newLeafPage, err := t.newSiblingPage()
		if err != nil {
			return false, err
		}
		newLeaf := t.asLeaf(newLeafPage)
		newLeaf.Init(newLeafPage.ID(), leaf.ParentPageID(), t.leafMaxSize)

		leaf.MoveHalfTo(newLeaf)
		newLeaf.SetNextPageID(leaf.NextPageID())
		leaf.SetNextPageID(newLeaf.PageID())

		if err := t.insertIntoParent(pg, newLeaf.KeyAt(0), newLeafPage, txn); err != nil {
			t.pool.Unpin(newLeafPage.ID(), true)
			return false, err
		}
		t.pool.Unpin(newLeafPage.ID(), true)
	}

	return true, nil
}

// newSiblingPage allocates a fresh page for use as a sibling during a
// split; the caller finishes formatting it (leaf vs internal Init).
func (t *BPlusTree[K, V]) newSiblingPage() (*page.Page, error) {
	pg, ok := t.pool.New()
	if !ok {
		return nil, ErrOutOfMemory
	}
	return pg, nil
}

// insertIntoParent threads a new (separator key, new child) pair up the
// tree, creating a new root if old is currently the root, splitting the
// parent recursively if it overflows.
func (t *BPlusTree[K, V]) insertIntoParent(old *page.Page, key K, newChild *page.Page, txn *transaction.Transaction) error {
	if isRoot(old) {
		rootPage, ok := t.pool.New()
		if !ok {
			return ErrOutOfMemory
		}
		newRoot := t.asInternal(rootPage)
		newRoot.Init(rootPage.ID(), page.InvalidID, t.internalMaxSize)
		newRoot.PopulateNewRoot(old.ID(), key, newChild.ID())

		setParentPageID(old, rootPage.ID())
		setParentPageID(newChild, rootPage.ID())

		t.rootID = rootPage.ID()
		t.pool.Unpin(rootPage.ID(), true)
		return t.updateRootPageID(false)
	}

	parentPage, ok := t.pool.Fetch(parentPageID(old))
	if !ok {
		return ErrOutOfMemory
	}
	parent := t.asInternal(parentPage)

	newSize := parent.InsertNodeAfter(old.ID(), key, newChild.ID())
	if newSize >= parent.MaxSize() {
		newParentPage, err := t.newSiblingPage()
		if err != nil {
			t.pool.Unpin(parentPage.ID(), true)
			return err
		}
		newParent := t.asInternal(newParentPage)
		newParent.Init(newParentPage.ID(), parent.ParentPageID(), t.internalMaxSize)

		parent.MoveHalfTo(newParent, t.pool)
		if err := t.insertIntoParent(parentPage, newParent.KeyAt(0), newParentPage, txn); err != nil {
			t.pool.Unpin(newParentPage.ID(), true)
			t.pool.Unpin(parentPage.ID(), true)
			return err
		}
		t.pool.Unpin(newParentPage.ID(), true)
	}

	t.pool.Unpin(parentPage.ID(), true)
	return nil
}

// --- delete --------------------------------------------------------------

// Remove deletes key if present; it is a silent no-op otherwise.
func (t *BPlusTree[K, V]) Remove(key K, txn *transaction.Transaction) error {
	t.rootLatch.Lock()

	if t.IsEmpty() {
		t.rootLatch.Unlock()
		return nil
	}

	txn.AddToPageSet(nil)
	pg, err := t.findLeafPage(key, false, txn, opDelete)
	if err != nil {
		t.releaseAllLatches(txn, opDelete, false)
		return err
	}
	leaf := t.asLeaf(pg)

	idx := leaf.KeyIndex(key)
	if idx == -1 || t.cmp(leaf.KeyAt(idx), key) != 0 {
		t.releaseAllLatches(txn, opDelete, false)
		return nil
	}

	leaf.Remove(idx)

	var coalesceErr error
	if leaf.Size() < leaf.MinSize() {
		coalesceErr = t.coalesceOrRedistributeLeaf(pg, txn)
	}

	t.releaseAllLatches(txn, opDelete, true)
	t.deleteAllMarked(txn)
	return coalesceErr
}

// coalesceOrRedistributeLeaf and coalesceOrRedistributeInternal handle
// underflow for the two node variants. The logic is parallel but the slot
// layouts differ (leaves carry values and a next pointer, internals carry
// children and a sentinel separator), so the dispatch is spelled out at
// each of the two call sites rather than forced through one generic body.
func (t *BPlusTree[K, V]) coalesceOrRedistributeLeaf(pg *page.Page, txn *transaction.Transaction) error {
	if isRoot(pg) {
		return t.adjustRoot(pg, txn)
	}

	parentPage, ok := t.pool.Fetch(parentPageID(pg))
	if !ok {
		return ErrOutOfMemory
	}
	parent := t.asInternal(parentPage)

	siblingID, _, index, onLeft := parent.GetSibling(pg.ID())
	siblingPage, ok := t.pool.Fetch(siblingID)
	if !ok {
		t.pool.Unpin(parentPage.ID(), false)
		return ErrOutOfMemory
	}

	node := t.asLeaf(pg)
	sibling := t.asLeaf(siblingPage)

	if sibling.Size()+node.Size() < node.MaxSize() {
		var err error
		if onLeft {
			node.MoveAllTo(sibling)
			sibling.SetNextPageID(node.NextPageID())
			txn.AddToDeletedPageSet(pg.ID())
		} else {
			sibling.MoveAllTo(node)
			node.SetNextPageID(sibling.NextPageID())
			txn.AddToDeletedPageSet(siblingPage.ID())
		}
		parent.Remove(index)
		t.pool.Unpin(siblingPage.ID(), true)

		if parent.Size() < parent.MinSize() {
			err = t.coalesceOrRedistributeInternal(parentPage, txn)
		}
		t.pool.Unpin(parentPage.ID(), true)
		return err
	}

	if onLeft {
		sibling.MoveLastToFrontOf(node)
		parent.SetKeyAt(index, node.KeyAt(0))
	} else {
		sibling.MoveFirstToEndOf(node)
		parent.SetKeyAt(index, sibling.KeyAt(0))
	}
	t.pool.Unpin(siblingPage.ID(), true)
	t.pool.Unpin(parentPage.ID(), true)
	return nil
}

func (t *BPlusTree[K, V]) coalesceOrRedistributeInternal(pg *page.Page, txn *transaction.Transaction) error {
	if isRoot(pg) {
		return t.adjustRoot(pg, txn)
	}

	parentPage, ok := t.pool.Fetch(parentPageID(pg))
	if !ok {
		return ErrOutOfMemory
	}
	parent := t.asInternal(parentPage)

	siblingID, midKey, index, onLeft := parent.GetSibling(pg.ID())
	siblingPage, ok := t.pool.Fetch(siblingID)
	if !ok {
		t.pool.Unpin(parentPage.ID(), false)
		return ErrOutOfMemory
	}

	node := t.asInternal(pg)
	sibling := t.asInternal(siblingPage)

	if sibling.Size()+node.Size() < node.MaxSize() {
		var err error
		if onLeft {
			node.MoveAllTo(sibling, midKey, t.pool)
			txn.AddToDeletedPageSet(pg.ID())
		} else {
			sibling.MoveAllTo(node, midKey, t.pool)
			txn.AddToDeletedPageSet(siblingPage.ID())
		}
		parent.Remove(index)
		t.pool.Unpin(siblingPage.ID(), true)

		if parent.Size() < parent.MinSize() {
			err = t.coalesceOrRedistributeInternal(parentPage, txn)
		}
		t.pool.Unpin(parentPage.ID(), true)
		return err
	}

	if onLeft {
		newMid := sibling.KeyAt(sibling.Size() - 1)
		sibling.MoveLastToFrontOf(node, midKey, t.pool)
		parent.SetKeyAt(index, newMid)
	} else {
		newMid := sibling.KeyAt(1)
		sibling.MoveFirstToEndOf(node, midKey, t.pool)
		parent.SetKeyAt(index, newMid)
	}
	t.pool.Unpin(siblingPage.ID(), true)
	t.pool.Unpin(parentPage.ID(), true)
	return nil
}

// adjustRoot handles the two root shrink cases: an internal root reduced
// to one child is replaced by that child; a leaf root reduced to empty
// makes the whole tree empty.
func (t *BPlusTree[K, V]) adjustRoot(pg *page.Page, txn *transaction.Transaction) error {
	if size(pg) > 1 {
		return nil
	}

	if kindOf(pg) == kindLeaf {
		if size(pg) == 1 {
			return nil
		}
		txn.AddToDeletedPageSet(pg.ID())
		t.rootID = page.InvalidID
		return t.updateRootPageID(false)
	}

	internal := t.asInternal(pg)
	child := internal.RemoveAndReturnOnlyChild()

	childPage, ok := t.pool.Fetch(child)
	if !ok {
		return ErrOutOfMemory
	}
	setParentPageID(childPage, page.InvalidID)
	t.pool.Unpin(child, true)

	txn.AddToDeletedPageSet(pg.ID())
	t.rootID = child
	return t.updateRootPageID(false)
}
