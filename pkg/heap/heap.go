// Package heap is a minimal stand-in for the heap/file abstraction
// spec.md section 1 names as an external collaborator
// (HEAPincref/HEAPdecref/BATsave/BATload/BATdelete/BATdestroy/
// VIEWdestroy) and puts out of scope. The loader in package bbp only
// calls through this interface; this package gives those calls a real
// memory-mapped file underneath so a descriptor's load/save/unload
// cycle is observable end to end in tests.
package heap

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
)

// Heap is one file-backed, memory-mapped byte array owned by a BAT
// (or borrowed by a view -- ownership is tracked by the caller, not
// here; this type only ever represents the bytes of the owner).
type Heap struct {
	path string
	file *os.File
	mm   mmap.MMap
	refs int32
}

// New creates (or truncates) the heap file at path to the given size
// and maps it read/write. size 0 is legal for an as-yet-empty heap.
func New(path string, size int64) (*Heap, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("heap: create %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("heap: truncate %s: %w", path, err)
	}
	return mapOpenFile(path, f, size)
}

// Load maps an existing heap file read/write.
func Load(path string) (*Heap, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("heap: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("heap: stat %s: %w", path, err)
	}
	return mapOpenFile(path, f, fi.Size())
}

func mapOpenFile(path string, f *os.File, size int64) (*Heap, error) {
	if size == 0 {
		// mmap refuses to map a zero-length file; an empty heap has
		// nothing to back with bytes yet.
		return &Heap{path: path, file: f, refs: 1}, nil
	}
	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("heap: mmap %s: %w", path, err)
	}
	return &Heap{path: path, file: f, mm: mm, refs: 1}, nil
}

// Path returns the backing file path.
func (h *Heap) Path() string { return h.path }

// Bytes exposes the mapped region directly; callers must not retain
// it past Close/Destroy.
func (h *Heap) Bytes() []byte {
	if h.mm == nil {
		return nil
	}
	return h.mm
}

// Size reports the mapped length.
func (h *Heap) Size() int64 {
	if h.mm == nil {
		return 0
	}
	return int64(len(h.mm))
}

// Incref is HEAPincref: bump the heap's own reference count, used by
// views that borrow it.
func (h *Heap) Incref() int32 { return atomic.AddInt32(&h.refs, 1) }

// Decref is HEAPdecref: drop one reference. Callers unmap/close only
// once the count reaches zero.
func (h *Heap) Decref() int32 { return atomic.AddInt32(&h.refs, -1) }

// Sync flushes dirty pages to disk.
func (h *Heap) Sync() error {
	if h.mm == nil {
		return h.file.Sync()
	}
	if err := h.mm.Flush(); err != nil {
		return fmt.Errorf("heap: flush %s: %w", h.path, err)
	}
	return h.file.Sync()
}

// Close unmaps and closes the backing file without removing it. This
// is BATsave/BATload's unload half: the bytes stop being resident but
// the file on disk is untouched.
func (h *Heap) Close() error {
	var err error
	if h.mm != nil {
		err = h.mm.Unmap()
		h.mm = nil
	}
	if cerr := h.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("heap: close %s: %w", h.path, err)
	}
	return nil
}

// Delete removes a heap file from disk by path, without requiring it
// to be mapped. This is BATdelete for a heap that was never loaded.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("heap: delete %s: %w", path, err)
	}
	return nil
}

// Destroy is BATdestroy/VIEWdestroy for an owning heap: unmap, close,
// and remove the file. Views never call this on a parent's heap --
// only Decref, since the bytes are borrowed.
func Destroy(h *Heap) error {
	if h == nil {
		return nil
	}
	path := h.path
	if err := h.Close(); err != nil {
		return err
	}
	return Delete(path)
}
