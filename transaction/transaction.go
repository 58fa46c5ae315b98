// Package transaction carries per-caller lock/latch bookkeeping across the
// buffer pool, B+-tree, and lock manager: the two-phase-locking state
// machine, isolation level, held-lock sets, and the latch-crabbing page
// set with its deferred-deletion companion.
package transaction

import (
	"sync"
	"sync/atomic"

	"keeldb/storage/page"
)

// State tracks a transaction's position in the two-phase-locking protocol.
type State int

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "GROWING"
	case Shrinking:
		return "SHRINKING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// IsolationLevel selects which lock acquisitions are required.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

// ID uniquely and monotonically identifies a transaction, which the
// deadlock detector's abort-youngest policy depends on.
type ID uint64

var nextID uint64

// NewID hands out a fresh, monotonically increasing transaction id.
func NewID() ID {
	return ID(atomic.AddUint64(&nextID, 1))
}

// RID identifies a row: the page it lives on plus its slot within that
// page. The lock manager keys its queues on RID.
type RID struct {
	PageID  page.ID
	SlotNum uint32
}

// Transaction is the per-caller handle threaded through buffer pool,
// B+-tree, and lock manager calls.
type Transaction struct {
	mu sync.Mutex

	id        ID
	isolation IsolationLevel
	state     State

	sharedLocks    map[RID]struct{}
	exclusiveLocks map[RID]struct{}

	// pageSet holds the chain of latched pages from the root down, in
	// the order they were acquired, for latch crabbing to unwind. A nil
	// entry is the root-latch sentinel, since the root latch guards a
	// page id, not a *page.Page.
	pageSet []*page.Page

	// deletedPageSet accumulates pages a B+-tree delete has logically
	// removed; they are only physically deallocated once every latch in
	// pageSet for that operation has been released.
	deletedPageSet map[page.ID]struct{}
}

// New starts a transaction at isolation level lvl in the GROWING phase.
func New(lvl IsolationLevel) *Transaction {
	return &Transaction{
		id:             NewID(),
		isolation:      lvl,
		state:          Growing,
		sharedLocks:    make(map[RID]struct{}),
		exclusiveLocks: make(map[RID]struct{}),
		deletedPageSet: make(map[page.ID]struct{}),
	}
}

func (t *Transaction) ID() ID { return t.id }

func (t *Transaction) IsolationLevel() IsolationLevel { return t.isolation }

func (t *Transaction) GetState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// SharedLockSet and ExclusiveLockSet return snapshots; callers must not
// mutate the result.
func (t *Transaction) SharedLockSet() map[RID]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[RID]struct{}, len(t.sharedLocks))
	for r := range t.sharedLocks {
		out[r] = struct{}{}
	}
	return out
}

func (t *Transaction) ExclusiveLockSet() map[RID]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[RID]struct{}, len(t.exclusiveLocks))
	for r := range t.exclusiveLocks {
		out[r] = struct{}{}
	}
	return out
}

func (t *Transaction) AddSharedLock(r RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sharedLocks[r] = struct{}{}
}

func (t *Transaction) AddExclusiveLock(r RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exclusiveLocks[r] = struct{}{}
}

func (t *Transaction) RemoveSharedLock(r RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sharedLocks, r)
}

func (t *Transaction) RemoveExclusiveLock(r RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.exclusiveLocks, r)
}

// AddToPageSet appends a latched page to the crabbing chain. A nil p
// represents the root-latch sentinel.
func (t *Transaction) AddToPageSet(p *page.Page) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pageSet = append(t.pageSet, p)
}

// PageSet returns the current crabbing chain, oldest-acquired first.
func (t *Transaction) PageSet() []*page.Page {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*page.Page, len(t.pageSet))
	copy(out, t.pageSet)
	return out
}

// ClearPageSet empties the crabbing chain once every latch in it has been
// released.
func (t *Transaction) ClearPageSet() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pageSet = t.pageSet[:0]
}

func (t *Transaction) AddToDeletedPageSet(id page.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deletedPageSet[id] = struct{}{}
}

func (t *Transaction) DeletedPageSet() map[page.ID]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[page.ID]struct{}, len(t.deletedPageSet))
	for id := range t.deletedPageSet {
		out[id] = struct{}{}
	}
	return out
}

func (t *Transaction) ClearDeletedPageSet() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deletedPageSet = make(map[page.ID]struct{})
}
