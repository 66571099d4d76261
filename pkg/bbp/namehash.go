package bbp

import (
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// nameHash is the logical-name -> BATID index described in spec.md
// section 4.2: an open-chained table sized to a power of two >=
// limit, chain links reusing slot.next the same way the free list
// does (a slot is either hashed by name or sitting on a free list,
// never both). tmp_<octal> names never occupy a bucket: they parse
// straight to an id and skip the table entirely.
type nameHash struct {
	mu      sync.RWMutex
	buckets []int32 // -1 terminated chain heads, index into slabArray via slot.next links
	mask    uint64
	slabs   *slabArray
}

func newNameHash(slabs *slabArray, sizeHint int) *nameHash {
	n := 16
	for n < sizeHint {
		n <<= 1
	}
	h := &nameHash{buckets: make([]int32, n), mask: uint64(n - 1), slabs: slabs}
	for i := range h.buckets {
		h.buckets[i] = -1
	}
	return h
}

func (h *nameHash) bucketFor(name string) uint64 {
	return xxhash.Sum64String(name) & h.mask
}

// isTempName reports whether name is of the form tmp_<octal>,
// returning the decoded id when it is.
func isTempName(name string) (BATID, bool) {
	const prefix = "tmp_"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	v, err := strconv.ParseUint(name[len(prefix):], 8, 32)
	if err != nil {
		return 0, false
	}
	return BATID(v), true
}

// lookup resolves a logical name to its id, or 0 if not found.
// tmp_<octal> names resolve directly without touching the table.
func (h *nameHash) lookup(name string) BATID {
	if id, ok := isTempName(name); ok {
		return id
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lookupLocked(name)
}

// lookupLocked is lookup's body, for callers that already hold h.mu
// (in either mode -- the table is only ever scanned, not mutated,
// here) as part of a larger atomic check-then-act sequence.
func (h *nameHash) lookupLocked(name string) BATID {
	b := h.bucketFor(name)
	for idx := h.buckets[b]; idx >= 0; {
		s := h.slabs.slotAt(BATID(idx))
		if s.logical == name {
			return BATID(idx)
		}
		idx = s.next
	}
	return 0
}

// insert adds id's logical name to the table. Callers must hold the
// slot's swap lock across the corresponding status update; insert
// itself only takes the table's own lock.
func (h *nameHash) insert(id BATID, name string) {
	if _, ok := isTempName(name); ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.insertLocked(id, name)
}

// insertLocked is insert's body for callers already holding h.mu.Lock.
func (h *nameHash) insertLocked(id BATID, name string) {
	b := h.bucketFor(name)
	s := h.slabs.slotAt(id)
	s.next = h.buckets[b]
	h.buckets[b] = int32(id)
}

// remove unlinks id from the table, if it is currently hashed under
// name. A no-op for temp names, which were never linked.
func (h *nameHash) remove(id BATID, name string) {
	if _, ok := isTempName(name); ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id, name)
}

// removeLocked is remove's body for callers already holding h.mu.Lock.
func (h *nameHash) removeLocked(id BATID, name string) {
	b := h.bucketFor(name)
	prev := int32(-1)
	for idx := h.buckets[b]; idx >= 0; {
		s := h.slabs.slotAt(BATID(idx))
		if idx == int32(id) {
			if prev < 0 {
				h.buckets[b] = s.next
			} else {
				h.slabs.slotAt(BATID(prev)).next = s.next
			}
			s.next = 0
			return
		}
		prev = idx
		idx = s.next
	}
}

// RenameOutcome distinguishes the non-zero rename result codes
// spec.md section 6 names.
type RenameOutcome int

const (
	RenameOK RenameOutcome = iota
	RenameLong
	RenameIllegal
	RenameAlready
)

// maxNameLength bounds a logical name so it always fits the fixed
// "bak" field the directory format reserves when the name is the
// default tmp_<octal> form, and any reasonable renamed name besides.
const maxNameLength = 64

// rename validates and applies the rename contract from spec.md
// section 4.2: a tmp_<octal> target must equal the BAT's own default
// name; any other target must be unused. The caller is responsible
// for holding id's swap lock and setting PERSISTENT|RENAMED on
// success.
func (h *nameHash) rename(id BATID, oldName, newName string) (RenameOutcome, error) {
	if len(newName) == 0 || len(newName) > maxNameLength {
		return RenameLong, ErrNameTooLong
	}
	if tmpID, ok := isTempName(newName); ok {
		if tmpID != id {
			return RenameIllegal, ErrIllegalName
		}
		h.remove(id, oldName)
		return RenameOK, nil
	}

	// Hold the table lock across the whole check-then-act sequence so
	// two concurrent renames targeting the same newName can never both
	// pass the collision check before either one links it (invariant
	// I4: at most one slot hashed per logical name).
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing := h.lookupLocked(newName); existing != 0 && existing != id {
		return RenameAlready, ErrNameInUse
	}
	if _, ok := isTempName(oldName); !ok {
		h.removeLocked(id, oldName)
	}
	h.insertLocked(id, newName)
	return RenameOK, nil
}
