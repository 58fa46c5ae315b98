package disk

import (
	"encoding/binary"
	"fmt"

	"keeldb/storage/page"
)

// HeaderPage wraps page 0's bytes with the index-name -> root-page-id
// record table. Layout: a 4-byte record count, followed by records of
// [2-byte name length][name bytes][4-byte little-endian root page id].
type HeaderPage struct {
	p *page.Page
}

// NewHeaderPage wraps an already-fetched page 0.
func NewHeaderPage(p *page.Page) *HeaderPage {
	return &HeaderPage{p: p}
}

func (h *HeaderPage) count() int {
	return int(binary.LittleEndian.Uint32(h.p.Data()[0:4]))
}

func (h *HeaderPage) setCount(n int) {
	binary.LittleEndian.PutUint32(h.p.Data()[0:4], uint32(n))
}

// GetRootID looks up the persisted root page id for an index by name.
func (h *HeaderPage) GetRootID(name string) (page.ID, bool) {
	off := 4
	data := h.p.Data()
	for i := 0; i < h.count(); i++ {
		nameLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
		off += 2
		recName := string(data[off : off+nameLen])
		off += nameLen
		root := page.ID(int32(binary.LittleEndian.Uint32(data[off : off+4])))
		off += 4
		if recName == name {
			return root, true
		}
	}
	return page.InvalidID, false
}

// InsertRecord appends a new index_name -> root_page_id record.
func (h *HeaderPage) InsertRecord(name string, root page.ID) error {
	if _, ok := h.GetRootID(name); ok {
		return fmt.Errorf("disk: header page already has a record for %q", name)
	}

	off := h.endOffset()
	data := h.p.Data()
	need := off + 2 + len(name) + 4
	if need > len(data) {
		return fmt.Errorf("disk: header page out of space for record %q", name)
	}

	binary.LittleEndian.PutUint16(data[off:off+2], uint16(len(name)))
	off += 2
	copy(data[off:off+len(name)], name)
	off += len(name)
	binary.LittleEndian.PutUint32(data[off:off+4], uint32(int32(root)))

	h.setCount(h.count() + 1)
	h.p.SetDirty()
	return nil
}

// UpdateRecord rewrites an existing record's root page id in place.
func (h *HeaderPage) UpdateRecord(name string, root page.ID) error {
	off := 4
	data := h.p.Data()
	for i := 0; i < h.count(); i++ {
		nameLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
		off += 2
		recName := string(data[off : off+nameLen])
		off += nameLen
		if recName == name {
			binary.LittleEndian.PutUint32(data[off:off+4], uint32(int32(root)))
			h.p.SetDirty()
			return nil
		}
		off += 4
	}
	return fmt.Errorf("disk: no header record for %q to update", name)
}

func (h *HeaderPage) endOffset() int {
	off := 4
	data := h.p.Data()
	for i := 0; i < h.count(); i++ {
		nameLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
		off += 2 + nameLen + 4
	}
	return off
}
