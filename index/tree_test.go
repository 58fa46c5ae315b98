package index

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"keeldb/storage/buffer"
	"keeldb/storage/disk"
	"keeldb/storage/page"
	"keeldb/transaction"
)

func newTestTree(t *testing.T, poolSize, leafMaxSize, internalMaxSize int) *BPlusTree[int64, int64] {
	t.Helper()
	dm, err := disk.NewFileManager(filepath.Join(t.TempDir(), "tree.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	pool := buffer.NewPool(poolSize, dm)
	tree, err := New[int64, int64]("pk", pool, Int64Comparator, Int64Codec{}, Int64Codec{}, leafMaxSize, internalMaxSize)
	require.NoError(t, err)
	return tree
}

func newTxn() *transaction.Transaction {
	return transaction.New(transaction.ReadCommitted)
}

// treeDepth walks from the root to the leftmost leaf, counting levels.
func treeDepth[K any, V any](t *testing.T, tree *BPlusTree[K, V]) int {
	t.Helper()
	depth := 0
	id := tree.rootID
	for id != page.InvalidID {
		pg, ok := tree.pool.Fetch(id)
		require.True(t, ok)
		depth++
		isLeaf := kindOf(pg) == kindLeaf
		var next page.ID = page.InvalidID
		if !isLeaf {
			next = tree.asInternal(pg).ValueAt(0)
		}
		tree.pool.Unpin(id, false)
		if isLeaf {
			break
		}
		id = next
	}
	return depth
}

// assertLeavesEqualDepth walks the leaf sibling chain and confirms every
// leaf is reachable at the same depth from the root.
func assertLeavesEqualDepth(t *testing.T, tree *BPlusTree[int64, int64]) {
	t.Helper()
	if tree.IsEmpty() {
		return
	}

	depthOf := func(leafID page.ID) int {
		d := 0
		id := leafID
		for id != page.InvalidID {
			pg, ok := tree.pool.Fetch(id)
			require.True(t, ok)
			pid := parentPageID(pg)
			tree.pool.Unpin(id, false)
			d++
			id = pid
		}
		return d
	}

	it, err := tree.Begin()
	require.NoError(t, err)
	defer it.Close()

	firstLeaf := it.leaf.ID()
	want := depthOf(firstLeaf)

	leafID := tree.leftmostLeafIDForTest(t)
	for leafID != page.InvalidID {
		require.Equal(t, want, depthOf(leafID))
		pg, ok := tree.pool.Fetch(leafID)
		require.True(t, ok)
		next := tree.asLeaf(pg).NextPageID()
		tree.pool.Unpin(leafID, false)
		leafID = next
	}
}

// leftmostLeafIDForTest descends leftmost from the root without latching,
// for test introspection only.
func (t *BPlusTree[K, V]) leftmostLeafIDForTest(tt *testing.T) page.ID {
	tt.Helper()
	id := t.rootID
	for {
		pg, ok := t.pool.Fetch(id)
		require.True(tt, ok)
		if kindOf(pg) == kindLeaf {
			t.pool.Unpin(id, false)
			return id
		}
		next := t.asInternal(pg).ValueAt(0)
		t.pool.Unpin(id, false)
		id = next
	}
}

func TestBPlusTree_RoundTripLaw(t *testing.T) {
	tree := newTestTree(t, 16, 4, 4)
	txn := newTxn()

	ok, err := tree.Insert(10, 100, txn)
	require.NoError(t, err)
	require.True(t, ok)

	v, found, err := tree.GetValue(10, txn)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(100), v)

	require.NoError(t, tree.Remove(10, txn))

	_, found, err = tree.GetValue(10, txn)
	require.NoError(t, err)
	require.False(t, found)
}

func TestBPlusTree_InsertDuplicateKeyFails(t *testing.T) {
	tree := newTestTree(t, 16, 4, 4)
	txn := newTxn()

	ok, err := tree.Insert(1, 1, txn)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tree.Insert(1, 999, txn)
	require.NoError(t, err)
	require.False(t, ok)

	v, found, err := tree.GetValue(1, txn)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), v, "duplicate insert must not overwrite the existing value")
}

func TestBPlusTree_RemoveIsIdempotent(t *testing.T) {
	tree := newTestTree(t, 16, 4, 4)
	txn := newTxn()

	_, err := tree.Insert(5, 50, txn)
	require.NoError(t, err)

	require.NoError(t, tree.Remove(5, txn))
	require.NoError(t, tree.Remove(5, txn)) // silent no-op, not an error

	_, found, err := tree.GetValue(5, txn)
	require.NoError(t, err)
	require.False(t, found)
}

func TestBPlusTree_RemoveMissingKeyIsNoop(t *testing.T) {
	tree := newTestTree(t, 16, 4, 4)
	txn := newTxn()
	require.NoError(t, tree.Remove(404, txn))
}

// Pool size 10, leaf/internal max size 4: insert keys 1..16, confirm every
// key is found and the tree reaches depth 3, then remove 8 and confirm the
// iterator yields the rest in order.
func TestBPlusTree_SplitPropagation(t *testing.T) {
	tree := newTestTree(t, 10, 4, 4)
	txn := newTxn()

	for i := int64(1); i <= 16; i++ {
		ok, err := tree.Insert(i, i, txn)
		require.NoError(t, err)
		require.True(t, ok, "insert %d", i)
	}

	for i := int64(1); i <= 16; i++ {
		v, found, err := tree.GetValue(i, txn)
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, i, v)
	}

	require.Equal(t, 3, treeDepth(t, tree))
	assertLeavesEqualDepth(t, tree)

	require.NoError(t, tree.Remove(8, txn))

	_, found, err := tree.GetValue(8, txn)
	require.NoError(t, err)
	require.False(t, found)

	it, err := tree.Begin()
	require.NoError(t, err)
	defer it.Close()

	var got []int64
	for it.Valid() {
		got = append(got, it.Key())
		it.Next()
	}

	want := []int64{1, 2, 3, 4, 5, 6, 7, 9, 10, 11, 12, 13, 14, 15, 16}
	require.Equal(t, want, got)
}

func TestBPlusTree_IteratorBeginAtMidpoint(t *testing.T) {
	tree := newTestTree(t, 10, 4, 4)
	txn := newTxn()
	for i := int64(1); i <= 20; i++ {
		_, err := tree.Insert(i, i*10, txn)
		require.NoError(t, err)
	}

	it, err := tree.BeginAt(15)
	require.NoError(t, err)
	defer it.Close()

	var got []int64
	for it.Valid() {
		got = append(got, it.Key())
		it.Next()
	}

	want := []int64{15, 16, 17, 18, 19, 20}
	require.Equal(t, want, got)
}

func TestBPlusTree_IteratorOnEmptyTreeIsImmediatelyDone(t *testing.T) {
	tree := newTestTree(t, 4, 4, 4)
	it, err := tree.Begin()
	require.NoError(t, err)
	require.False(t, it.Valid())
	it.Close()
}

func TestBPlusTree_DeleteUntilEmpty(t *testing.T) {
	tree := newTestTree(t, 10, 4, 4)
	txn := newTxn()

	n := int64(50)
	for i := int64(0); i < n; i++ {
		_, err := tree.Insert(i, i, txn)
		require.NoError(t, err)
	}

	perm := rand.Perm(int(n))
	for _, p := range perm {
		require.NoError(t, tree.Remove(int64(p), txn))
	}

	require.True(t, tree.IsEmpty())
	it, err := tree.Begin()
	require.NoError(t, err)
	require.False(t, it.Valid())
}

func TestBPlusTree_ManyInsertsPreserveOrderAndLookup(t *testing.T) {
	tree := newTestTree(t, 20, 4, 4)
	txn := newTxn()

	n := int64(500)
	perm := rand.Perm(int(n))
	for _, p := range perm {
		ok, err := tree.Insert(int64(p), int64(p)*2, txn)
		require.NoError(t, err)
		require.True(t, ok)
	}

	for i := int64(0); i < n; i++ {
		v, found, err := tree.GetValue(i, txn)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, i*2, v)
	}

	it, err := tree.Begin()
	require.NoError(t, err)
	defer it.Close()

	var last int64 = -1
	count := 0
	for it.Valid() {
		require.Greater(t, it.Key(), last)
		last = it.Key()
		count++
		it.Next()
	}
	require.EqualValues(t, n, count)

	assertLeavesEqualDepth(t, tree)
}

func TestBPlusTree_ConcurrentInsertsAllVisible(t *testing.T) {
	tree := newTestTree(t, 64, 4, 4)

	const workers = 8
	const perWorker = 64

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			txn := newTxn()
			for i := 0; i < perWorker; i++ {
				key := int64(w*perWorker + i)
				ok, err := tree.Insert(key, key, txn)
				require.NoError(t, err)
				require.True(t, ok)
			}
		}(w)
	}
	wg.Wait()

	txn := newTxn()
	for i := 0; i < workers*perWorker; i++ {
		v, found, err := tree.GetValue(int64(i), txn)
		require.NoErrorf(t, err, "key %d", i)
		require.Truef(t, found, "key %d", i)
		require.Equal(t, int64(i), v)
	}
}

func TestBPlusTree_RecoversRootAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist.db")

	dm1, err := disk.NewFileManager(dbPath)
	require.NoError(t, err)
	pool1 := buffer.NewPool(16, dm1)
	tree1, err := New[int64, int64]("pk", pool1, Int64Comparator, Int64Codec{}, Int64Codec{}, 4, 4)
	require.NoError(t, err)

	txn := newTxn()
	for i := int64(0); i < 30; i++ {
		_, err := tree1.Insert(i, i, txn)
		require.NoError(t, err)
	}
	pool1.FlushAll()
	require.NoError(t, dm1.Close())

	dm2, err := disk.NewFileManager(dbPath)
	require.NoError(t, err)
	defer dm2.Close()
	pool2 := buffer.NewPool(16, dm2)
	tree2, err := New[int64, int64]("pk", pool2, Int64Comparator, Int64Codec{}, Int64Codec{}, 4, 4)
	require.NoError(t, err)

	require.False(t, tree2.IsEmpty())
	txn2 := newTxn()
	for i := int64(0); i < 30; i++ {
		v, found, err := tree2.GetValue(i, txn2)
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, i, v)
	}
}

func ExampleBPlusTree_scanRange() {
	tree := newTestTreeForExample()
	txn := transaction.New(transaction.ReadCommitted)
	for i := int64(1); i <= 5; i++ {
		tree.Insert(i, i*i, txn)
	}

	it, _ := tree.BeginAt(3)
	defer it.Close()
	for it.Valid() {
		fmt.Println(it.Key(), it.Value())
		it.Next()
	}
	// Output:
	// 3 9
	// 4 16
	// 5 25
}

func newTestTreeForExample() *BPlusTree[int64, int64] {
	dm, _ := disk.NewFileManager(filepath.Join("/tmp", fmt.Sprintf("example-%d.db", rand.Int())))
	pool := buffer.NewPool(8, dm)
	tree, _ := New[int64, int64]("pk", pool, Int64Comparator, Int64Codec{}, Int64Codec{}, 4, 4)
	return tree
}
