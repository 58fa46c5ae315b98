package lockmanager

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keeldb/internal/logging"
	"keeldb/storage/page"
	"keeldb/transaction"
)

func TestMain(m *testing.M) {
	// Forced aborts are expected all over this suite; keep the warn chatter
	// out of test output.
	logging.SetLevel(logrus.ErrorLevel)
	os.Exit(m.Run())
}

// newManager returns a manager whose background detector never fires on its
// own (tests that need detection call detectAndAbort directly, so victim
// selection is deterministic rather than ticker-timed).
func newManager(t *testing.T) *Manager {
	t.Helper()
	m := New(time.Hour)
	t.Cleanup(m.Stop)
	return m
}

func rid(p int32, slot uint32) transaction.RID {
	return transaction.RID{PageID: page.ID(p), SlotNum: slot}
}

// waitForRequests blocks until r's queue holds at least n requests, so a
// test can order blocking acquisitions deterministically.
func waitForRequests(t *testing.T, m *Manager, r transaction.RID, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		q, ok := m.table[r]
		return ok && len(q.requests) >= n
	}, 2*time.Second, time.Millisecond)
}

func TestLockManager_SharedLocksAreCompatible(t *testing.T) {
	m := newManager(t)
	r := rid(1, 1)

	a := transaction.New(transaction.RepeatableRead)
	b := transaction.New(transaction.RepeatableRead)

	require.NoError(t, m.LockShared(a, r))
	require.NoError(t, m.LockShared(b, r))

	assert.Contains(t, a.SharedLockSet(), r)
	assert.Contains(t, b.SharedLockSet(), r)

	require.NoError(t, m.Unlock(a, r))
	require.NoError(t, m.Unlock(b, r))
}

// A shared request arriving behind a waiting exclusive must not bypass it.
func TestLockManager_FIFOWithCompatibility(t *testing.T) {
	m := newManager(t)
	r := rid(1, 1)

	a := transaction.New(transaction.RepeatableRead)
	b := transaction.New(transaction.RepeatableRead)
	c := transaction.New(transaction.RepeatableRead)

	require.NoError(t, m.LockShared(a, r))

	bGrant := make(chan error, 1)
	go func() { bGrant <- m.LockExclusive(b, r) }()
	waitForRequests(t, m, r, 2)

	cGrant := make(chan error, 1)
	go func() { cGrant <- m.LockShared(c, r) }()
	waitForRequests(t, m, r, 3)

	select {
	case <-bGrant:
		t.Fatal("exclusive granted while a shared holder remained")
	case <-cGrant:
		t.Fatal("shared bypassed an earlier waiting exclusive")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Unlock(a, r))
	require.NoError(t, <-bGrant)
	assert.Contains(t, b.ExclusiveLockSet(), r)

	select {
	case <-cGrant:
		t.Fatal("shared granted while an exclusive holder remained")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Unlock(b, r))
	require.NoError(t, <-cGrant)
	assert.Contains(t, c.SharedLockSet(), r)
	require.NoError(t, m.Unlock(c, r))
}

// Two transactions waiting on each other form a cycle; the one with the
// larger id is chosen as victim, deterministically.
func TestLockManager_DeadlockAbortsYoungest(t *testing.T) {
	m := newManager(t)
	r1, r2 := rid(2, 1), rid(2, 2)

	t1 := transaction.New(transaction.RepeatableRead)
	t2 := transaction.New(transaction.RepeatableRead) // allocated after t1, so younger

	require.NoError(t, m.LockExclusive(t1, r1))
	require.NoError(t, m.LockExclusive(t2, r2))

	t1Grant := make(chan error, 1)
	go func() { t1Grant <- m.LockExclusive(t1, r2) }()
	waitForRequests(t, m, r2, 2)

	t2Grant := make(chan error, 1)
	go func() { t2Grant <- m.LockExclusive(t2, r1) }()
	waitForRequests(t, m, r1, 2)

	m.detectAndAbort()

	err := <-t2Grant
	var abort *transaction.AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, transaction.Deadlock, abort.Reason)
	assert.Equal(t, transaction.Aborted, t2.GetState())

	// The victim's rollback releases its held lock; the survivor proceeds.
	require.NoError(t, m.Unlock(t2, r2))
	require.NoError(t, <-t1Grant)
	assert.NotEqual(t, transaction.Aborted, t1.GetState())

	require.NoError(t, m.Unlock(t1, r1))
	require.NoError(t, m.Unlock(t1, r2))
}

// A second upgrade on the same row while one is pending fails immediately.
func TestLockManager_UpgradeConflict(t *testing.T) {
	m := newManager(t)
	r := rid(3, 1)

	a := transaction.New(transaction.RepeatableRead)
	b := transaction.New(transaction.RepeatableRead)

	require.NoError(t, m.LockShared(a, r))
	require.NoError(t, m.LockShared(b, r))

	aUp := make(chan error, 1)
	go func() { aUp <- m.LockUpgrade(a, r) }()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.table[r].upgrading
	}, 2*time.Second, time.Millisecond)

	err := m.LockUpgrade(b, r)
	var abort *transaction.AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, transaction.UpgradeConflict, abort.Reason)
	assert.Equal(t, transaction.Aborted, b.GetState())

	// b's rollback drops its shared lock; a's pending upgrade then grants.
	require.NoError(t, m.Unlock(b, r))
	require.NoError(t, <-aUp)
	assert.Contains(t, a.ExclusiveLockSet(), r)
	assert.NotContains(t, a.SharedLockSet(), r)

	require.NoError(t, m.Unlock(a, r))
}

func TestLockManager_UpgradeWaitsForOtherSharedHolders(t *testing.T) {
	m := newManager(t)
	r := rid(3, 2)

	a := transaction.New(transaction.RepeatableRead)
	b := transaction.New(transaction.RepeatableRead)

	require.NoError(t, m.LockShared(a, r))
	require.NoError(t, m.LockShared(b, r))

	aUp := make(chan error, 1)
	go func() { aUp <- m.LockUpgrade(a, r) }()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.table[r].upgrading
	}, 2*time.Second, time.Millisecond)

	select {
	case <-aUp:
		t.Fatal("upgrade granted while another shared holder remained")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Unlock(b, r))
	require.NoError(t, <-aUp)
	assert.Contains(t, a.ExclusiveLockSet(), r)
	require.NoError(t, m.Unlock(a, r))
}

func TestLockManager_LockOnShrinkingAborts(t *testing.T) {
	m := newManager(t)
	r1, r2 := rid(4, 1), rid(4, 2)

	txn := transaction.New(transaction.RepeatableRead)
	require.NoError(t, m.LockShared(txn, r1))
	require.NoError(t, m.Unlock(txn, r1))
	require.Equal(t, transaction.Shrinking, txn.GetState())

	err := m.LockShared(txn, r2)
	var abort *transaction.AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, transaction.LockOnShrinking, abort.Reason)
	assert.Equal(t, transaction.Aborted, txn.GetState())
}

func TestLockManager_ExclusiveOnShrinkingAborts(t *testing.T) {
	m := newManager(t)
	r1, r2 := rid(4, 3), rid(4, 4)

	txn := transaction.New(transaction.RepeatableRead)
	require.NoError(t, m.LockExclusive(txn, r1))
	require.NoError(t, m.Unlock(txn, r1))

	err := m.LockExclusive(txn, r2)
	var abort *transaction.AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, transaction.LockOnShrinking, abort.Reason)
}

func TestLockManager_SharedOnReadUncommittedAborts(t *testing.T) {
	m := newManager(t)
	r := rid(5, 1)

	txn := transaction.New(transaction.ReadUncommitted)
	err := m.LockShared(txn, r)

	var abort *transaction.AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, transaction.LockSharedOnReadUncommitted, abort.Reason)
	assert.Equal(t, transaction.Aborted, txn.GetState())
}

func TestLockManager_ExclusiveOnReadUncommittedIsAllowed(t *testing.T) {
	m := newManager(t)
	r := rid(5, 2)

	txn := transaction.New(transaction.ReadUncommitted)
	require.NoError(t, m.LockExclusive(txn, r))
	require.NoError(t, m.Unlock(txn, r))
}

func TestLockManager_ExclusiveProvidesMutualExclusion(t *testing.T) {
	m := newManager(t)
	r := rid(6, 1)

	const workers = 16
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txn := transaction.New(transaction.RepeatableRead)
			require.NoError(t, m.LockExclusive(txn, r))
			counter++
			require.NoError(t, m.Unlock(txn, r))
		}()
	}
	wg.Wait()

	assert.Equal(t, workers, counter)
}

// The wait-for graph must be cycle-free at the end of any detection pass:
// after a pass, at least one member of any waiting ring has been aborted
// and every survivor can eventually make progress.
func TestLockManager_DetectorPassLeavesNoCycle(t *testing.T) {
	m := newManager(t)
	rids := []transaction.RID{rid(7, 0), rid(7, 1), rid(7, 2)}

	// Three transactions in a ring: each holds rids[i] and wants rids[i+1].
	txns := make([]*transaction.Transaction, 3)
	for i := range txns {
		txns[i] = transaction.New(transaction.RepeatableRead)
		require.NoError(t, m.LockExclusive(txns[i], rids[i]))
	}

	grants := make([]chan error, 3)
	for i := range txns {
		grants[i] = make(chan error, 1)
		go func(i int) { grants[i] <- m.LockExclusive(txns[i], rids[(i+1)%3]) }(i)
		waitForRequests(t, m, rids[(i+1)%3], 2)
	}

	m.detectAndAbort()

	m.mu.Lock()
	assert.Empty(t, m.waitFor, "graph must be cleared at end of pass")
	m.mu.Unlock()

	// Exactly the youngest of the ring is the victim; roll it back and the
	// other two drain in turn.
	victim := txns[2]
	err := <-grants[2]
	var abort *transaction.AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, transaction.Deadlock, abort.Reason)
	require.NoError(t, m.Unlock(victim, rids[2]))

	require.NoError(t, <-grants[1])
	require.NoError(t, m.Unlock(txns[1], rids[1]))
	require.NoError(t, m.Unlock(txns[1], rids[2]))

	require.NoError(t, <-grants[0])
	require.NoError(t, m.Unlock(txns[0], rids[0]))
	require.NoError(t, m.Unlock(txns[0], rids[1]))
}
