package index

import (
	"encoding/binary"

	"keeldb/storage/page"
)

// Leaf wraps a buffer-pool page holding an ordered run of (key, value)
// pairs plus a next-leaf pointer forming the right-linked sibling chain.
// Fields are read and written through byte-offset accessors over the raw
// page bytes.
type Leaf[K any, V any] struct {
	p        *page.Page
	keyCodec Codec[K]
	valCodec Codec[V]
	cmp      Comparator[K]
}

// leafHeaderSize adds the next-page-id field after the common header.
const leafHeaderSize = commonHeaderSize + 4

func newLeaf[K any, V any](p *page.Page, keyCodec Codec[K], valCodec Codec[V], cmp Comparator[K]) *Leaf[K, V] {
	return &Leaf[K, V]{p: p, keyCodec: keyCodec, valCodec: valCodec, cmp: cmp}
}

func (l *Leaf[K, V]) slotSize() int { return l.keyCodec.Size() + l.valCodec.Size() }

// Init formats a freshly allocated page as an empty leaf.
func (l *Leaf[K, V]) Init(id, parent page.ID, maxSize int) {
	setKind(l.p, kindLeaf)
	setHeaderPageID(l.p, id)
	setParentPageID(l.p, parent)
	setSize(l.p, 0)
	setMaxSize(l.p, maxSize)
	l.SetNextPageID(page.InvalidID)
	l.p.SetDirty()
}

func (l *Leaf[K, V]) PageID() page.ID       { return headerPageID(l.p) }
func (l *Leaf[K, V]) ParentPageID() page.ID { return parentPageID(l.p) }
func (l *Leaf[K, V]) SetParentPageID(id page.ID) {
	setParentPageID(l.p, id)
}
func (l *Leaf[K, V]) Size() int    { return size(l.p) }
func (l *Leaf[K, V]) MaxSize() int { return maxSize(l.p) }
func (l *Leaf[K, V]) MinSize() int { return minSize(l.p) }
func (l *Leaf[K, V]) IsRoot() bool { return isRoot(l.p) }

func (l *Leaf[K, V]) NextPageID() page.ID {
	return page.ID(int32(binary.BigEndian.Uint32(l.p.Data()[commonHeaderSize : commonHeaderSize+4])))
}

func (l *Leaf[K, V]) SetNextPageID(id page.ID) {
	binary.BigEndian.PutUint32(l.p.Data()[commonHeaderSize:commonHeaderSize+4], uint32(int32(id)))
	l.p.SetDirty()
}

func (l *Leaf[K, V]) slotOffset(i int) int {
	return leafHeaderSize + i*l.slotSize()
}

func (l *Leaf[K, V]) KeyAt(i int) K {
	off := l.slotOffset(i)
	return l.keyCodec.Decode(l.p.Data()[off : off+l.keyCodec.Size()])
}

func (l *Leaf[K, V]) ValueAt(i int) V {
	off := l.slotOffset(i) + l.keyCodec.Size()
	return l.valCodec.Decode(l.p.Data()[off : off+l.valCodec.Size()])
}

func (l *Leaf[K, V]) setAt(i int, k K, v V) {
	off := l.slotOffset(i)
	data := l.p.Data()
	l.keyCodec.Encode(k, data[off:off+l.keyCodec.Size()])
	l.valCodec.Encode(v, data[off+l.keyCodec.Size():off+l.slotSize()])
}

// KeyIndex returns the first index whose key >= key, or -1 if key would
// fall past the end.
func (l *Leaf[K, V]) KeyIndex(key K) int {
	n := l.Size()
	for i := 0; i < n; i++ {
		if l.cmp(l.KeyAt(i), key) >= 0 {
			return i
		}
	}
	return -1
}

// Lookup reports the value stored under key, if present.
func (l *Leaf[K, V]) Lookup(key K) (V, bool) {
	i := l.KeyIndex(key)
	if i == -1 || l.cmp(l.KeyAt(i), key) != 0 {
		var zero V
		return zero, false
	}
	return l.ValueAt(i), true
}

// Insert inserts (key, value) keeping ascending order and returns the new
// size. Caller must have already ruled out a duplicate key.
func (l *Leaf[K, V]) Insert(key K, value V) int {
	n := l.Size()
	idx := n
	for i := 0; i < n; i++ {
		if l.cmp(l.KeyAt(i), key) > 0 {
			idx = i
			break
		}
	}
	for i := n; i > idx; i-- {
		l.setAt(i, l.KeyAt(i-1), l.ValueAt(i-1))
	}
	l.setAt(idx, key, value)
	setSize(l.p, n+1)
	l.p.SetDirty()
	return n + 1
}

// Remove deletes the entry at index, sliding later entries down.
func (l *Leaf[K, V]) Remove(index int) {
	n := l.Size()
	for i := index; i < n-1; i++ {
		l.setAt(i, l.KeyAt(i+1), l.ValueAt(i+1))
	}
	setSize(l.p, n-1)
	l.p.SetDirty()
}

// MoveHalfTo moves this leaf's upper half of entries into recipient, which
// must be empty, as part of a split.
func (l *Leaf[K, V]) MoveHalfTo(recipient *Leaf[K, V]) {
	start := l.MinSize()
	n := l.Size()
	for i := start; i < n; i++ {
		recipient.Insert(l.KeyAt(i), l.ValueAt(i))
	}
	setSize(l.p, start)
	l.p.SetDirty()
}

// MoveAllTo moves every entry into recipient, as part of a coalesce.
func (l *Leaf[K, V]) MoveAllTo(recipient *Leaf[K, V]) {
	n := l.Size()
	for i := 0; i < n; i++ {
		recipient.Insert(l.KeyAt(i), l.ValueAt(i))
	}
	setSize(l.p, 0)
	l.p.SetDirty()
}

// MoveFirstToEndOf moves this leaf's first entry onto the end of other, as
// part of a right-to-left redistribution.
func (l *Leaf[K, V]) MoveFirstToEndOf(other *Leaf[K, V]) {
	other.Insert(l.KeyAt(0), l.ValueAt(0))
	l.Remove(0)
}

// MoveLastToFrontOf moves this leaf's last entry onto the front of other,
// as part of a left-to-right redistribution.
func (l *Leaf[K, V]) MoveLastToFrontOf(other *Leaf[K, V]) {
	last := l.Size() - 1
	other.Insert(l.KeyAt(last), l.ValueAt(last))
	l.Remove(last)
}
