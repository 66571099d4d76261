package bbp

import (
	"fmt"

	"github.com/cuemby/bbp/pkg/heap"
)

// BATID is a positive, dense-ish 32-bit identifier. Zero is reserved
// as "nil" and is never a valid handle to a live slot.
type BATID uint32

// octetsPerLevel is the number of BATs a single directory node can
// hold before the physical path grows another two-digit octal
// segment, per spec.md section 6.
const octetsPerLevel = 64

// PhysicalPath derives the on-disk file stem for an id: two octal
// digits per path level, most significant level first, e.g. id 8
// (decimal) -> "10", id 83 (decimal) -> "01/23".
func PhysicalPath(id BATID) string {
	if id == 0 {
		return "00"
	}
	var digits []uint32
	n := uint32(id)
	for n > 0 {
		digits = append(digits, n%octetsPerLevel)
		n /= octetsPerLevel
	}
	out := ""
	for i := len(digits) - 1; i >= 0; i-- {
		if out != "" {
			out += "/"
		}
		out += fmt.Sprintf("%02o", digits[i])
	}
	return out
}

// DefaultName is the "bak" name every BAT carries until renamed:
// tmp_<octal-id>.
func DefaultName(id BATID) string {
	return fmt.Sprintf("tmp_%o", uint32(id))
}

// Descriptor carries the column metadata a slot owns. Heap bytes
// themselves live behind the heap package; Descriptor only tracks
// sizes, flags, and the handle needed to reach them.
type Descriptor struct {
	Type  string // atom type name, resolved through the atom registry
	Width int    // fixed element width; 0 for variable-width types

	Count    int64
	Capacity int64
	SeqBase  int64 // hseqbase: the head column's sequence base

	Sorted    bool
	RevSorted bool
	NoKey0    int64
	NoKey1    int64

	HeapFree int64
	HeapSize int64

	VarHeapFree *int64
	VarHeapSize *int64

	MinPos *int64
	MaxPos *int64

	// ParentID is non-zero when this descriptor is a view borrowing
	// its tail heap from another BAT's heap rather than owning it.
	ParentID BATID

	Props   string
	Options string

	// Heap is the loaded byte-backed storage; nil until the loader
	// has run. A view's Heap, once loaded, is the same *heap.Heap
	// pointer as its parent's -- never a copy.
	Heap *heap.Heap
}

// IsView reports whether this descriptor borrows its heap from a
// parent rather than owning it.
func (d *Descriptor) IsView() bool {
	return d != nil && d.ParentID != 0
}
