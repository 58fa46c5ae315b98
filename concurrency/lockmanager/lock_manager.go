// Package lockmanager implements a row-granularity shared/exclusive lock
// table enforcing two-phase locking: per-rid queues with a condition
// variable, FIFO-with-compatibility grant order, and a background
// wait-for-graph cycle detector that aborts the youngest transaction in
// any cycle it finds. Every forced abort surfaces as a
// *transaction.AbortError carrying the reason.
package lockmanager

import (
	"sort"
	"sync"
	"time"

	"keeldb/internal/logging"
	"keeldb/transaction"
)

var log = logging.Get("lockmanager")

// Mode is the granularity of a single lock request.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "EXCLUSIVE"
	}
	return "SHARED"
}

// request is one entry in a row's FIFO queue.
type request struct {
	txn     *transaction.Transaction
	mode    Mode
	granted bool
}

// rowQueue is the per-rid lock queue: an ordered request list,
// granted-holder counts, and a condition variable shared callers wait on.
// upgrading guards against two transactions upgrading the same row at
// once.
type rowQueue struct {
	cond           *sync.Cond
	requests       []*request
	sharedCount    int
	exclusiveCount int
	upgrading      bool
}

// sharedGrantable reports whether req, a SHARED request, may be granted:
// no granted exclusive holder, no upgrade in flight, and no exclusive
// request anywhere ahead of it in the queue. Shared may bypass other shared
// but never an earlier exclusive, granted or not: the
// FIFO-with-compatibility rule that keeps writers from starving.
func (q *rowQueue) sharedGrantable(req *request) bool {
	if q.exclusiveCount > 0 || q.upgrading {
		return false
	}
	for _, r := range q.requests {
		if r == req {
			return true
		}
		if r.mode == Exclusive {
			return false
		}
	}
	return true
}

// exclusiveGrantable reports whether req may be granted: every earlier
// request, holder or waiter, must have drained out of the queue ahead of
// it.
func (q *rowQueue) exclusiveGrantable(req *request) bool {
	return len(q.requests) > 0 && q.requests[0] == req
}

// DefaultDetectionInterval is the cycle detector's default sleep between
// passes.
const DefaultDetectionInterval = 1 * time.Second

// Manager is the lock table. All operations synchronize on mu; each
// rowQueue's condition variable is bound to that same mutex so a single
// Broadcast wakes every thread waiting on that row.
type Manager struct {
	mu    sync.Mutex
	table map[transaction.RID]*rowQueue

	// waitFor is rebuilt from scratch at the start of every detection
	// pass; edges exist only transiently within one pass.
	waitFor map[transaction.ID][]transaction.ID

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New starts a lock manager with its background cycle detector running at
// interval. Callers must call Stop before discarding the manager so the
// detector goroutine is joined.
func New(interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultDetectionInterval
	}
	m := &Manager{
		table:    make(map[transaction.RID]*rowQueue),
		waitFor:  make(map[transaction.ID][]transaction.ID),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.runCycleDetection()
	return m
}

// Stop shuts the detector down and joins its goroutine.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) queueLocked(rid transaction.RID) *rowQueue {
	q, ok := m.table[rid]
	if !ok {
		q = &rowQueue{cond: sync.NewCond(&m.mu)}
		m.table[rid] = q
	}
	return q
}

func (m *Manager) findRequestLocked(q *rowQueue, id transaction.ID) *request {
	for _, r := range q.requests {
		if r.txn.ID() == id {
			return r
		}
	}
	return nil
}

func (m *Manager) removeRequestLocked(q *rowQueue, id transaction.ID) {
	for i, r := range q.requests {
		if r.txn.ID() == id {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

// abortLocked transitions txn to ABORTED and returns the AbortError every
// Lock* call surfaces instead of granting.
func (m *Manager) abortLocked(txn *transaction.Transaction, reason transaction.AbortReason) error {
	txn.SetState(transaction.Aborted)
	log.Warnf("txn %d aborted: %s", txn.ID(), reason)
	return transaction.NewAbortError(txn.ID(), reason)
}

// checkDeadlockAbortLocked handles a wake-up on an already-doomed
// transaction: if the cycle detector flipped txn to ABORTED while it was
// queued, remove its request and surface the DEADLOCK reason instead of
// granting.
func (m *Manager) checkDeadlockAbortLocked(txn *transaction.Transaction, q *rowQueue) error {
	if txn.GetState() != transaction.Aborted {
		return nil
	}
	m.removeRequestLocked(q, txn.ID())
	q.cond.Broadcast()
	return transaction.NewAbortError(txn.ID(), transaction.Deadlock)
}

// LockShared acquires a shared lock on rid, blocking while any exclusive
// holder is granted. Aborts if txn is SHRINKING or READ_UNCOMMITTED
// (shared locks are never taken at that level).
func (m *Manager) LockShared(txn *transaction.Transaction, rid transaction.RID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if txn.GetState() == transaction.Shrinking {
		return m.abortLocked(txn, transaction.LockOnShrinking)
	}
	if txn.IsolationLevel() == transaction.ReadUncommitted {
		return m.abortLocked(txn, transaction.LockSharedOnReadUncommitted)
	}

	q := m.queueLocked(rid)
	req := &request{txn: txn, mode: Shared}
	q.requests = append(q.requests, req)

	for txn.GetState() != transaction.Aborted && !q.sharedGrantable(req) {
		q.cond.Wait()
	}

	if err := m.checkDeadlockAbortLocked(txn, q); err != nil {
		return err
	}

	req.granted = true
	q.sharedCount++
	txn.AddSharedLock(rid)
	return nil
}

// LockExclusive acquires an exclusive lock on rid, blocking while any
// granted holder (shared or exclusive) remains.
func (m *Manager) LockExclusive(txn *transaction.Transaction, rid transaction.RID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if txn.GetState() == transaction.Shrinking {
		return m.abortLocked(txn, transaction.LockOnShrinking)
	}

	q := m.queueLocked(rid)
	req := &request{txn: txn, mode: Exclusive}
	q.requests = append(q.requests, req)

	for txn.GetState() != transaction.Aborted && !q.exclusiveGrantable(req) {
		q.cond.Wait()
	}

	if err := m.checkDeadlockAbortLocked(txn, q); err != nil {
		return err
	}

	req.granted = true
	q.exclusiveCount++
	txn.AddExclusiveLock(rid)
	return nil
}

// LockUpgrade promotes txn's existing shared lock on rid to exclusive.
// Fails immediately with UPGRADE_CONFLICT if another upgrade on rid is
// already in flight. The shared->exclusive transition and the count update
// happen atomically with respect to any concurrent reader of the queue's
// counts: sharedCount is only decremented (and exclusiveCount incremented)
// in the same critical section that grants the upgrade, never split across
// the wait.
func (m *Manager) LockUpgrade(txn *transaction.Transaction, rid transaction.RID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if txn.GetState() == transaction.Shrinking {
		return m.abortLocked(txn, transaction.LockOnShrinking)
	}

	q := m.queueLocked(rid)
	if q.upgrading {
		return m.abortLocked(txn, transaction.UpgradeConflict)
	}

	req := m.findRequestLocked(q, txn.ID())
	if req == nil || req.mode != Shared || !req.granted {
		panic("lockmanager: LockUpgrade called without a granted shared lock on rid")
	}

	q.upgrading = true
	for txn.GetState() != transaction.Aborted && (q.exclusiveCount > 0 || q.sharedCount > 1) {
		q.cond.Wait()
	}

	if txn.GetState() == transaction.Aborted {
		q.upgrading = false
		m.removeRequestLocked(q, txn.ID())
		q.cond.Broadcast()
		return transaction.NewAbortError(txn.ID(), transaction.Deadlock)
	}

	q.sharedCount--
	q.exclusiveCount++
	req.mode = Exclusive
	req.granted = true
	q.upgrading = false

	txn.RemoveSharedLock(rid)
	txn.AddExclusiveLock(rid)
	return nil
}

// Unlock releases txn's lock on rid. The first Unlock a transaction ever
// issues flips it from GROWING to SHRINKING (2PL's phase boundary); no new
// lock may be acquired after that (enforced by the SHRINKING checks above).
func (m *Manager) Unlock(txn *transaction.Transaction, rid transaction.RID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if txn.GetState() == transaction.Growing {
		txn.SetState(transaction.Shrinking)
	}

	q, ok := m.table[rid]
	if !ok {
		return nil
	}

	req := m.findRequestLocked(q, txn.ID())
	if req == nil {
		return nil
	}
	m.removeRequestLocked(q, txn.ID())

	wasExclusive := req.mode == Exclusive
	if wasExclusive {
		q.exclusiveCount--
		txn.RemoveExclusiveLock(rid)
	} else {
		q.sharedCount--
		txn.RemoveSharedLock(rid)
	}

	// A pending upgrader is still counted among the shared holders, so it
	// must be woken one release early: when the only shared holder left is
	// the upgrader itself.
	if wasExclusive || q.sharedCount == 0 || (q.upgrading && q.sharedCount == 1) {
		q.cond.Broadcast()
	}
	return nil
}

// --- background cycle detector ------------------------------------------

func (m *Manager) runCycleDetection() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.detectAndAbort()
		}
	}
}

// detectAndAbort rebuilds the wait-for graph and repeatedly aborts the
// youngest transaction of any cycle it finds until none remain, then
// clears the graph for the next pass.
func (m *Manager) detectAndAbort() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rebuildWaitForGraphLocked()
	for {
		victim, found := m.findCycleVictimLocked()
		if !found {
			break
		}
		log.Debugf("deadlock cycle found, aborting youngest txn %d", victim)
		m.abortVictimLocked(victim)
	}
	m.waitFor = make(map[transaction.ID][]transaction.ID)
}

// rebuildWaitForGraphLocked adds an edge requester->holder for every
// ungranted request against every granted request in the same queue.
func (m *Manager) rebuildWaitForGraphLocked() {
	m.waitFor = make(map[transaction.ID][]transaction.ID)
	for _, q := range m.table {
		for _, waiter := range q.requests {
			if waiter.granted {
				continue
			}
			for _, holder := range q.requests {
				if !holder.granted || holder.txn.ID() == waiter.txn.ID() {
					continue
				}
				m.addEdgeLocked(waiter.txn.ID(), holder.txn.ID())
			}
		}
	}
}

func (m *Manager) addEdgeLocked(from, to transaction.ID) {
	for _, existing := range m.waitFor[from] {
		if existing == to {
			return
		}
	}
	m.waitFor[from] = append(m.waitFor[from], to)
}

// findCycleVictimLocked searches for a cycle via DFS over adjacency lists
// sorted in ascending txn-id order, returning the maximum txn id on any
// cycle found. Ids increase monotonically, so the maximum is the youngest
// transaction and victim selection is deterministic.
func (m *Manager) findCycleVictimLocked() (transaction.ID, bool) {
	ids := make([]transaction.ID, 0, len(m.waitFor))
	for id := range m.waitFor {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	settled := make(map[transaction.ID]bool)
	for _, start := range ids {
		if settled[start] {
			continue
		}
		if cycle, ok := m.dfsCycleLocked(start, map[transaction.ID]bool{}, nil); ok {
			var victim transaction.ID
			for _, id := range cycle {
				if id > victim {
					victim = id
				}
			}
			return victim, true
		}
		settled[start] = true
	}
	return 0, false
}

// dfsCycleLocked walks from node, following sorted neighbor lists. onStack
// marks the nodes on the current path; hitting one closes a cycle, returned
// as the sub-path from that node to the current one (inclusive).
func (m *Manager) dfsCycleLocked(node transaction.ID, onStack map[transaction.ID]bool, path []transaction.ID) ([]transaction.ID, bool) {
	onStack[node] = true
	path = append(append([]transaction.ID{}, path...), node)

	neighbors := append([]transaction.ID{}, m.waitFor[node]...)
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })

	for _, next := range neighbors {
		if onStack[next] {
			idx := 0
			for i, id := range path {
				if id == next {
					idx = i
					break
				}
			}
			return path[idx:], true
		}
		if cycle, ok := m.dfsCycleLocked(next, onStack, path); ok {
			return cycle, true
		}
	}

	onStack[node] = false
	return nil, false
}

// abortVictimLocked sets victim's transaction state to ABORTED and wakes
// every queue it holds or waits on, then prunes it from the wait-for graph
// so the next findCycleVictimLocked pass in this detection round doesn't
// immediately re-surface it.
func (m *Manager) abortVictimLocked(victim transaction.ID) {
	for _, q := range m.table {
		involved := false
		for _, r := range q.requests {
			if r.txn.ID() == victim {
				r.txn.SetState(transaction.Aborted)
				involved = true
			}
		}
		if involved {
			q.cond.Broadcast()
		}
	}

	delete(m.waitFor, victim)
	for id, neighbors := range m.waitFor {
		out := neighbors[:0]
		for _, n := range neighbors {
			if n != victim {
				out = append(out, n)
			}
		}
		m.waitFor[id] = out
	}
}
