// Package disk translates page identifiers to byte-offset reads/writes on
// a heap file: a single *os.File, a mutex, and a "last allocated page id"
// counter recovered from the file's length on open.
package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"keeldb/internal/logging"
	"keeldb/storage/page"
)

var log = logging.Get("disk")

// ErrClosed is returned by operations attempted after Close.
var ErrClosed = errors.New("disk: manager is closed")

// Manager knows nothing about pages' logical content, only where their
// bytes live.
type Manager interface {
	ReadPage(id page.ID, buf []byte) error
	WritePage(id page.ID, buf []byte) error
	AllocatePage() page.ID
	DeallocatePage(id page.ID) error
	Close() error
}

// FileManager is the file-backed implementation. Page 0 is reserved as the
// header page and is never handed out by AllocatePage.
type FileManager struct {
	mu         sync.Mutex
	file       *os.File
	logFile    *os.File
	lastPageID page.ID
	closed     bool
}

var _ Manager = (*FileManager)(nil)

// NewFileManager opens (or creates) dbFile as the heap file. A sidecar log
// file named dbFile + "-" + a fresh uuid + ".log" is created alongside it;
// the unique suffix keeps concurrent runs against a shared tmp dir from
// colliding on the sidecar path.
func NewFileManager(dbFile string) (*FileManager, error) {
	f, err := os.OpenFile(dbFile, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open %s: %w", dbFile, err)
	}

	logPath := fmt.Sprintf("%s-%s.log", dbFile, uuid.NewString())
	lf, err := os.OpenFile(logPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: open log sidecar %s: %w", logPath, err)
	}

	m := &FileManager{file: f, logFile: lf}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		lf.Close()
		return nil, err
	}

	if info.Size() == 0 {
		header := make([]byte, page.Size)
		if _, err := f.WriteAt(header, 0); err != nil {
			f.Close()
			lf.Close()
			return nil, fmt.Errorf("disk: init header page: %w", err)
		}
		m.lastPageID = page.HeaderPageID
	} else {
		m.lastPageID = page.ID(info.Size()/int64(page.Size) - 1)
	}

	log.Debugf("opened %s, lastPageID=%d", dbFile, m.lastPageID)
	return m, nil
}

func (m *FileManager) ReadPage(id page.ID, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if len(buf) != page.Size {
		return fmt.Errorf("disk: ReadPage buffer must be %d bytes, got %d", page.Size, len(buf))
	}

	n, err := m.file.ReadAt(buf, int64(id)*int64(page.Size))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("disk: ReadPage(%d): %w", id, err)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func (m *FileManager) WritePage(id page.ID, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if len(buf) != page.Size {
		return fmt.Errorf("disk: WritePage buffer must be %d bytes, got %d", page.Size, len(buf))
	}

	if _, err := m.file.WriteAt(buf, int64(id)*int64(page.Size)); err != nil {
		return fmt.Errorf("disk: WritePage(%d): %w", id, err)
	}
	return nil
}

// AllocatePage hands out the next page id and extends the heap file to
// cover it, so the id is recovered from the file's length on reopen.
// Deallocated ids are not reused.
func (m *FileManager) AllocatePage() page.ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastPageID++
	end := int64(m.lastPageID+1) * int64(page.Size)
	if info, err := m.file.Stat(); err == nil && info.Size() < end {
		if err := m.file.Truncate(end); err != nil {
			log.Errorf("AllocatePage(%d): extend heap file: %v", m.lastPageID, err)
		}
	}
	return m.lastPageID
}

// DeallocatePage is a no-op beyond bookkeeping: this engine never shrinks
// the heap file.
func (m *FileManager) DeallocatePage(id page.ID) error {
	log.Debugf("deallocated page %d (heap file not shrunk)", id)
	return nil
}

func (m *FileManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	err1 := m.file.Close()
	err2 := m.logFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
