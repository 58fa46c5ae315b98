package index

import (
	"encoding/binary"

	"keeldb/storage/page"
)

// pageKind tags whether a tree page's body is a leaf or an internal node.
type pageKind byte

const (
	kindInvalid pageKind = iota
	kindLeaf
	kindInternal
)

// Common header shared by leaf and internal pages:
//
//	[0]     pageKind (1 byte)
//	[1:5]   page id (int32)
//	[5:9]   parent page id (int32)
//	[9:13]  size (int32)
//	[13:17] max size (int32)
const commonHeaderSize = 17

func kindOf(p *page.Page) pageKind {
	return pageKind(p.Data()[0])
}

func setKind(p *page.Page, k pageKind) {
	p.Data()[0] = byte(k)
}

func headerPageID(p *page.Page) page.ID {
	return page.ID(int32(binary.BigEndian.Uint32(p.Data()[1:5])))
}

func setHeaderPageID(p *page.Page, id page.ID) {
	binary.BigEndian.PutUint32(p.Data()[1:5], uint32(int32(id)))
}

func parentPageID(p *page.Page) page.ID {
	return page.ID(int32(binary.BigEndian.Uint32(p.Data()[5:9])))
}

func setParentPageID(p *page.Page, id page.ID) {
	binary.BigEndian.PutUint32(p.Data()[5:9], uint32(int32(id)))
	p.SetDirty()
}

func size(p *page.Page) int {
	return int(int32(binary.BigEndian.Uint32(p.Data()[9:13])))
}

func setSize(p *page.Page, n int) {
	binary.BigEndian.PutUint32(p.Data()[9:13], uint32(int32(n)))
}

func maxSize(p *page.Page) int {
	return int(int32(binary.BigEndian.Uint32(p.Data()[13:17])))
}

func setMaxSize(p *page.Page, n int) {
	binary.BigEndian.PutUint32(p.Data()[13:17], uint32(int32(n)))
}

// minSize is floor(max/2) for both variants. This is the largest bound
// that agrees with the split threshold: splitting at size == max keeps
// minSize entries and moves max-minSize, so both halves stay legal for
// every max, odd or even.
func minSize(p *page.Page) int {
	return maxSize(p) / 2
}

func isRoot(p *page.Page) bool {
	return parentPageID(p) == page.InvalidID
}
