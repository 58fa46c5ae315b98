// Package buffer implements a fixed-capacity, page-addressable cache over
// the on-disk heap: a frame array, a page-id->frame-id map, a free list,
// and a Replacer, all guarded by one pool mutex that is held across
// synchronous disk I/O (a deliberate simplification; releasing it around
// the I/O window would need a per-frame loading state to keep two fetchers
// off the same page).
package buffer

import (
	"sync"

	"keeldb/internal/logging"
	"keeldb/storage/disk"
	"keeldb/storage/page"
)

var log = logging.Get("buffer")

// Pool hands out pinned, in-memory views of pages. A page whose pin count
// is positive is never evicted; dirty pages are written back on eviction
// or on explicit flush.
type Pool struct {
	mu sync.Mutex

	frames   []*page.Page
	pageToFr map[page.ID]FrameID
	free     []FrameID
	replacer Replacer
	disk     disk.Manager
}

// NewPool allocates a pool of size frames backed by dm.
func NewPool(size int, dm disk.Manager) *Pool {
	free := make([]FrameID, size)
	frames := make([]*page.Page, size)
	for i := 0; i < size; i++ {
		free[i] = FrameID(i)
		frames[i] = page.New(page.InvalidID)
	}

	return &Pool{
		frames:   frames,
		pageToFr: make(map[page.ID]FrameID),
		free:     free,
		replacer: NewLRUReplacer(size),
		disk:     dm,
	}
}

// Size returns the pool's total frame capacity.
func (p *Pool) Size() int { return len(p.frames) }

// Fetch pins and returns the requested page, reading it from disk on a
// cache miss. Returns (nil, false) if the pool is exhausted (all frames
// pinned, free list empty, replacer empty); the caller decides whether to
// unpin-and-retry or propagate out-of-memory.
func (p *Pool) Fetch(id page.ID) (*page.Page, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if frameID, ok := p.pageToFr[id]; ok {
		pg := p.frames[frameID]
		p.pin(frameID, pg)
		return pg, true
	}

	frameID, victimPage, ok := p.reserveFrameLocked()
	if !ok {
		log.Warn("fetch: pool exhausted")
		return nil, false
	}

	if victimPage != page.InvalidID {
		delete(p.pageToFr, victimPage)
	}

	pg := p.frames[frameID]
	pg.Reset(id)
	if err := p.disk.ReadPage(id, pg.Data()); err != nil {
		log.Errorf("fetch: ReadPage(%d): %v", id, err)
		p.releaseFailedFrameLocked(frameID)
		return nil, false
	}

	p.pageToFr[id] = frameID
	pg.IncPin()
	p.replacer.Pin(frameID)
	return pg, true
}

// New allocates a fresh page, pins it, and returns it along with the
// allocated id. Victim selection happens before page-id allocation so an
// out-of-memory condition never wastes a page id.
func (p *Pool) New() (*page.Page, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	frameID, victimPage, ok := p.reserveFrameLocked()
	if !ok {
		log.Warn("new: pool exhausted")
		return nil, false
	}

	newID := p.disk.AllocatePage()

	if victimPage != page.InvalidID {
		delete(p.pageToFr, victimPage)
	}

	pg := p.frames[frameID]
	pg.Reset(newID)
	p.pageToFr[newID] = frameID
	pg.IncPin()
	p.replacer.Pin(frameID)
	return pg, true
}

// Unpin decrements the page's pin count, returning it to the replacer when
// it reaches zero. The dirty flag is OR'd in, sticky until a flush.
// Returns false if the page is not resident or already unpinned.
func (p *Pool) Unpin(id page.ID, isDirty bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	frameID, ok := p.pageToFr[id]
	if !ok {
		return false
	}

	pg := p.frames[frameID]
	if pg.PinCount() <= 0 {
		return false
	}

	if isDirty {
		pg.SetDirty()
	}
	pg.DecPin()
	if pg.PinCount() == 0 {
		p.replacer.Unpin(frameID)
	}
	return true
}

// Flush writes the page's bytes to disk and clears its dirty flag. Fails
// if the page is not resident. Does not change pin state.
func (p *Pool) Flush(id page.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	frameID, ok := p.pageToFr[id]
	if !ok {
		return false
	}

	pg := p.frames[frameID]
	if err := p.disk.WritePage(id, pg.Data()); err != nil {
		log.Errorf("flush(%d): %v", id, err)
		return false
	}
	pg.ClearDirty()
	return true
}

// FlushAll writes every resident dirty page to disk and clears their dirty
// flags.
func (p *Pool) FlushAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, frameID := range p.pageToFr {
		pg := p.frames[frameID]
		if !pg.IsDirty() {
			continue
		}
		if err := p.disk.WritePage(id, pg.Data()); err != nil {
			log.Errorf("flushAll(%d): %v", id, err)
			continue
		}
		pg.ClearDirty()
	}
}

// Delete frees a page's frame back to the free list. Succeeds trivially
// if the page isn't resident; fails if it is resident and pinned.
func (p *Pool) Delete(id page.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	frameID, ok := p.pageToFr[id]
	if !ok {
		return true
	}

	pg := p.frames[frameID]
	if pg.PinCount() > 0 {
		return false
	}

	p.replacer.Pin(frameID) // remove from replacer if present (it was eligible)
	if err := p.disk.DeallocatePage(id); err != nil {
		log.Errorf("delete(%d): deallocate: %v", id, err)
	}
	delete(p.pageToFr, id)
	pg.Reset(page.InvalidID)
	p.free = append(p.free, frameID)
	return true
}

// pin must be called with mu held; pins an already-resident frame.
func (p *Pool) pin(frameID FrameID, pg *page.Page) {
	pg.IncPin()
	p.replacer.Pin(frameID)
}

// reserveFrameLocked picks a frame for a new resident page: free list
// first, then the replacer's LRU victim. If the victim's page is dirty it
// is flushed before the frame is reused. Returns the chosen frame, the
// page id it previously held (page.InvalidID if it came from the free
// list), and whether a frame was available at all.
func (p *Pool) reserveFrameLocked() (FrameID, page.ID, bool) {
	if n := len(p.free); n > 0 {
		frameID := p.free[n-1]
		p.free = p.free[:n-1]
		return frameID, page.InvalidID, true
	}

	frameID, ok := p.replacer.Victim()
	if !ok {
		return 0, page.InvalidID, false
	}

	victim := p.frames[frameID]
	if victim.PinCount() != 0 {
		panic("buffer: replacer handed out a pinned frame as victim")
	}

	victimID := victim.ID()
	if victim.IsDirty() {
		if err := p.disk.WritePage(victimID, victim.Data()); err != nil {
			log.Errorf("evict(%d): write back dirty victim: %v", victimID, err)
		}
		victim.ClearDirty()
	}

	log.Debugf("evicted page %d from frame %d", victimID, frameID)
	return frameID, victimID, true
}

// releaseFailedFrameLocked rolls a frame back to the free list after a
// read failure mid-Fetch, since its page id was never published in the
// page map.
func (p *Pool) releaseFailedFrameLocked(frameID FrameID) {
	pg := p.frames[frameID]
	pg.Reset(page.InvalidID)
	p.free = append(p.free, frameID)
}
