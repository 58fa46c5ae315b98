package index

import (
	"encoding/binary"

	"keeldb/storage/buffer"
	"keeldb/storage/page"
)

// Internal wraps a buffer-pool page holding n children and n-1 real keys;
// slot 0's key is an unused sentinel. Fields are read and written through
// byte-offset accessors over the raw page bytes.
type Internal[K any] struct {
	p        *page.Page
	keyCodec Codec[K]
	cmp      Comparator[K]
}

func newInternal[K any](p *page.Page, keyCodec Codec[K], cmp Comparator[K]) *Internal[K] {
	return &Internal[K]{p: p, keyCodec: keyCodec, cmp: cmp}
}

// childSize is the width of the page-id half of a slot.
const childSize = 4

func (n *Internal[K]) slotSize() int { return n.keyCodec.Size() + childSize }

func (n *Internal[K]) Init(id, parent page.ID, maxSize int) {
	setKind(n.p, kindInternal)
	setHeaderPageID(n.p, id)
	setParentPageID(n.p, parent)
	setSize(n.p, 0)
	setMaxSize(n.p, maxSize)
	n.p.SetDirty()
}

func (n *Internal[K]) PageID() page.ID       { return headerPageID(n.p) }
func (n *Internal[K]) ParentPageID() page.ID { return parentPageID(n.p) }
func (n *Internal[K]) SetParentPageID(id page.ID) {
	setParentPageID(n.p, id)
}
func (n *Internal[K]) Size() int    { return size(n.p) }
func (n *Internal[K]) MaxSize() int { return maxSize(n.p) }
func (n *Internal[K]) MinSize() int { return minSize(n.p) }
func (n *Internal[K]) IsRoot() bool { return isRoot(n.p) }

func (n *Internal[K]) slotOffset(i int) int {
	return commonHeaderSize + i*n.slotSize()
}

func (n *Internal[K]) KeyAt(i int) K {
	off := n.slotOffset(i)
	return n.keyCodec.Decode(n.p.Data()[off : off+n.keyCodec.Size()])
}

func (n *Internal[K]) SetKeyAt(i int, k K) {
	off := n.slotOffset(i)
	n.keyCodec.Encode(k, n.p.Data()[off:off+n.keyCodec.Size()])
	n.p.SetDirty()
}

func (n *Internal[K]) ValueAt(i int) page.ID {
	off := n.slotOffset(i) + n.keyCodec.Size()
	return page.ID(int32(binary.BigEndian.Uint32(n.p.Data()[off : off+childSize])))
}

func (n *Internal[K]) setChildAt(i int, child page.ID) {
	off := n.slotOffset(i) + n.keyCodec.Size()
	binary.BigEndian.PutUint32(n.p.Data()[off:off+childSize], uint32(int32(child)))
	n.p.SetDirty()
}

func (n *Internal[K]) setAt(i int, k K, v page.ID) {
	n.SetKeyAt(i, k)
	n.setChildAt(i, v)
}

// ValueIndex returns the slot holding child, or -1 if absent.
func (n *Internal[K]) ValueIndex(child page.ID) int {
	for i := 0; i < n.Size(); i++ {
		if n.ValueAt(i) == child {
			return i
		}
	}
	return -1
}

// Lookup finds the child whose subtree would contain key: the last slot
// whose key is <= key (slot 0's sentinel key always satisfies this).
func (n *Internal[K]) Lookup(key K) page.ID {
	sz := n.Size()
	for i := 1; i < sz; i++ {
		if n.cmp(n.KeyAt(i), key) > 0 {
			return n.ValueAt(i - 1)
		}
	}
	return n.ValueAt(sz - 1)
}

// PopulateNewRoot formats this (freshly allocated) page as a new root with
// exactly two children.
func (n *Internal[K]) PopulateNewRoot(oldChild page.ID, key K, newChild page.ID) {
	n.setChildAt(0, oldChild)
	n.setAt(1, key, newChild)
	setSize(n.p, 2)
}

// InsertNodeAfter inserts (key, newChild) immediately after oldChild and
// returns the new size.
func (n *Internal[K]) InsertNodeAfter(oldChild page.ID, key K, newChild page.ID) int {
	idx := n.ValueIndex(oldChild)
	if idx == -1 {
		panic("index: InsertNodeAfter: old child not found")
	}
	sz := n.Size()
	for i := sz; i > idx+1; i-- {
		n.setAt(i, n.KeyAt(i-1), n.ValueAt(i-1))
	}
	n.setAt(idx+1, key, newChild)
	setSize(n.p, sz+1)
	return sz + 1
}

// Remove deletes the entry at index, sliding later entries down.
func (n *Internal[K]) Remove(index int) {
	sz := n.Size()
	for i := index; i < sz-1; i++ {
		n.setAt(i, n.KeyAt(i+1), n.ValueAt(i+1))
	}
	setSize(n.p, sz-1)
	n.p.SetDirty()
}

// RemoveAndReturnOnlyChild empties a single-child root internal page and
// returns that child, for AdjustRoot to promote.
func (n *Internal[K]) RemoveAndReturnOnlyChild() page.ID {
	child := n.ValueAt(0)
	setSize(n.p, 0)
	n.p.SetDirty()
	return child
}

// adopt re-parents child to this node, fetched and unpinned through pool.
func (n *Internal[K]) adopt(pool *buffer.Pool, child page.ID) {
	pg, ok := pool.Fetch(child)
	if !ok {
		panic("index: out of memory adopting child during internal node move")
	}
	setParentPageID(pg, n.PageID())
	pool.Unpin(child, true)
}

// MoveHalfTo moves the upper half of entries (including their adopted
// children) into recipient, as part of a split.
func (n *Internal[K]) MoveHalfTo(recipient *Internal[K], pool *buffer.Pool) {
	start := n.MinSize()
	sz := n.Size()
	for i := start; i < sz; i++ {
		recipient.setAt(i-start, n.KeyAt(i), n.ValueAt(i))
		recipient.adopt(pool, n.ValueAt(i))
	}
	setSize(recipient.p, sz-start)
	setSize(n.p, start)
	n.p.SetDirty()
}

// MoveAllTo moves every entry into recipient as part of a coalesce.
// middleKey restores the separator that used to live in the parent, since
// slot 0's key is always a sentinel and must not be lost on merge.
func (n *Internal[K]) MoveAllTo(recipient *Internal[K], middleKey K, pool *buffer.Pool) {
	n.SetKeyAt(0, middleKey)
	sz := n.Size()
	base := recipient.Size()
	for i := 0; i < sz; i++ {
		recipient.setAt(base+i, n.KeyAt(i), n.ValueAt(i))
		recipient.adopt(pool, n.ValueAt(i))
	}
	setSize(recipient.p, base+sz)
	setSize(n.p, 0)
	n.p.SetDirty()
}

// MoveFirstToEndOf moves this node's first entry to the end of other, as
// part of a right-to-left redistribution.
func (n *Internal[K]) MoveFirstToEndOf(other *Internal[K], middleKey K, pool *buffer.Pool) {
	n.SetKeyAt(0, middleKey)
	base := other.Size()
	other.setAt(base, n.KeyAt(0), n.ValueAt(0))
	other.adopt(pool, n.ValueAt(0))
	setSize(other.p, base+1)
	n.Remove(0)
}

// MoveLastToFrontOf moves this node's last entry to the front of other, as
// part of a left-to-right redistribution. middleKey (the old parent
// separator) becomes the key over other's previously-first child once the
// shift pushes it into slot 1; the incoming entry's own key lands in slot 0,
// where it is the unused sentinel.
func (n *Internal[K]) MoveLastToFrontOf(other *Internal[K], middleKey K, pool *buffer.Pool) {
	other.SetKeyAt(0, middleKey)
	last := n.Size() - 1
	lastKey, lastChild := n.KeyAt(last), n.ValueAt(last)

	sz := other.Size()
	for i := sz; i > 0; i-- {
		other.setAt(i, other.KeyAt(i-1), other.ValueAt(i-1))
	}
	other.setAt(0, lastKey, lastChild)
	other.adopt(pool, lastChild)
	setSize(other.p, sz+1)

	setSize(n.p, last)
	n.p.SetDirty()
}

// GetSibling returns an adjacent sibling of child: the left sibling unless
// child occupies slot 0, in which case the right sibling. index is the
// separator slot in this node between the two siblings.
func (n *Internal[K]) GetSibling(child page.ID) (sibling page.ID, midKey K, index int, onLeft bool) {
	idx := n.ValueIndex(child)
	if idx == -1 {
		panic("index: GetSibling: child not found")
	}
	if idx == 0 {
		return n.ValueAt(1), n.KeyAt(1), 1, false
	}
	return n.ValueAt(idx - 1), n.KeyAt(idx), idx, true
}
