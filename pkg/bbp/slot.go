package bbp

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/bbp/pkg/farm"
)

// slabSize is BBPINIT: the number of slots allocated per slab, a
// power of two so index arithmetic is a shift plus a mask.
const slabSize = 1024
const slabShift = 10 // log2(slabSize)
const slabMask = slabSize - 1

// topSlabs is N_BBPINIT: the fixed top-level array size. Together
// with slabSize it bounds the maximum BAT id; both are small enough
// that the bound is never close to overflowing the octal physical
// path fields the directory format uses.
const topSlabs = 1 << 16

// maxBATID is the highest id the slab array can ever address.
const maxBATID = topSlabs * slabSize

// swapLockCount is 1<<BATMASK: the number of per-slot locks, selected
// by id & swapLockMask to bound contention without one lock per slot.
const swapLockCount = 256
const swapLockMask = swapLockCount - 1

// slot is one entry in the slab array, addressed by BATID.
type slot struct {
	id       BATID
	desc     *Descriptor
	logical  string
	physical string
	options  string

	memoryRefs  int32
	logicalRefs int32
	shareCount  int32
	status      Status

	creatorThread string
	pid           int

	// fromDisk marks a slot whose descriptor was populated by
	// loadDirectory from an existing BBP.dir entry rather than by a
	// fresh Insert in this process -- only such a slot has a real
	// heap file on disk to lazily map on first Fix.
	fromDisk bool

	// next chains a slot onto a shard's free list, or onto a name
	// hash bucket -- the two uses are mutually exclusive over a
	// slot's lifetime (free while empty, hashed while named).
	next int32

	farmRole farm.Role
}

func (s *slot) empty() bool {
	return s.status == 0 && s.desc == nil && s.memoryRefs == 0 && s.logicalRefs == 0
}

// shard is one of the T+1 per-shard free lists spec.md section 4.1
// describes; default T=0 means a single shard, but the structure is
// kept general so a deployment can raise shardCount.
type shard struct {
	mu   sync.Mutex
	head int32 // index of first free slot, -1 if empty
	len  int
}

// slabArray is the two-level, grow-only table of slots: a fixed top
// array of slab pointers, each pointing at a slabSize block allocated
// on first use. Once allocated a slab is never moved or freed until
// process teardown, so a *slot handed out of slabArray.slotAt remains
// valid for the life of the pool.
type slabArray struct {
	mu    sync.Mutex // serialises extension; the name-index lock in spec.md terms
	top   [topSlabs]atomic.Pointer[[slabSize]slot]
	limit uint32 // one past the highest index ever allocated
	size  uint32 // BBPsize: one past the highest id ever assigned
}

// slotAt returns the slot for id, extending the slab array if
// necessary. The returned pointer is stable for the pool's lifetime.
func (a *slabArray) slotAt(id BATID) *slot {
	top := uint32(id) >> slabShift
	a.ensureSlab(top)
	s := a.top[top].Load()
	return &s[uint32(id)&slabMask]
}

// ensureSlab publishes a, slab for top on first use. The fast-path
// load is safe without a.mu: atomic.Pointer.Load/Store gives the
// happens-before edge spec.md section 5 requires, so a reader that
// observes a non-nil pointer here always sees a fully constructed
// [slabSize]slot array.
func (a *slabArray) ensureSlab(top uint32) {
	if a.top[top].Load() != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.top[top].Load() == nil {
		a.top[top].Store(&[slabSize]slot{})
		newLimit := (top + 1) * slabSize
		if newLimit > a.limit {
			a.limit = newLimit
		}
	}
}

// swapLocks is the fixed array of per-slot locks selected by
// id & swapLockMask, guarding every read-modify-write of a slot's
// counters or status.
type swapLocks [swapLockCount]sync.Mutex

func (l *swapLocks) lock(id BATID) *sync.Mutex {
	return &l[uint32(id)&swapLockMask]
}

// freeList owns the per-shard free lists and the id -> shard routing.
// Stealing between shards is worth it only when the donor has more
// than stealThreshold free slots, matching spec.md section 4.1's "must
// exceed 20 to be worth stealing" rule.
const stealThreshold = 20

type freeList struct {
	shards []*shard
	slabs  *slabArray
	next   uint32 // monotonic counter handing out fresh ids past the freelist
	mu     sync.Mutex
}

func newFreeList(shardCount int, slabs *slabArray) *freeList {
	if shardCount < 1 {
		shardCount = 1
	}
	fl := &freeList{shards: make([]*shard, shardCount), slabs: slabs, next: 1}
	for i := range fl.shards {
		fl.shards[i] = &shard{head: -1}
	}
	return fl
}

func (fl *freeList) shardFor(threadHint uint32) *shard {
	return fl.shards[threadHint%uint32(len(fl.shards))]
}

// push returns id to its shard's free list.
func (fl *freeList) push(threadHint uint32, id BATID) {
	sh := fl.shardFor(threadHint)
	s := fl.slabs.slotAt(id)
	sh.mu.Lock()
	s.next = int32(sh.head)
	sh.head = int32(id)
	sh.len++
	sh.mu.Unlock()
}

// pop returns a free id, stealing from the longest other shard or
// minting a fresh one past the high-water mark if every shard is
// empty.
func (fl *freeList) pop(threadHint uint32) BATID {
	sh := fl.shardFor(threadHint)
	if id, ok := sh.popLocal(fl.slabs); ok {
		return id
	}
	if donor := fl.longestOtherShard(sh); donor != nil {
		if id, ok := donor.popLocal(fl.slabs); ok {
			return id
		}
	}
	fl.mu.Lock()
	id := BATID(fl.next)
	fl.next++
	if fl.next > fl.slabs.size {
		fl.slabs.size = fl.next
	}
	fl.mu.Unlock()
	return id
}

// popLocal pops the head of this shard's free list, if any. The
// chain link lives in the popped slot's own next field, mirroring
// the source's reuse of the slot structure for free-list linkage.
func (sh *shard) popLocal(slabs *slabArray) (BATID, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.head < 0 {
		return 0, false
	}
	id := BATID(sh.head)
	s := slabs.slotAt(id)
	sh.head = s.next
	sh.len--
	s.next = 0
	return id, true
}

// claim marks id as in use without placing it on any free list,
// advancing the monotonic counter past it if needed. Used while
// replaying BBP.dir at startup, when every entry's id is already
// spoken for.
func (fl *freeList) claim(id BATID) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if uint32(id) >= fl.next {
		fl.next = uint32(id) + 1
	}
}

func (fl *freeList) longestOtherShard(exclude *shard) *shard {
	var best *shard
	bestLen := stealThreshold
	for _, sh := range fl.shards {
		if sh == exclude {
			continue
		}
		sh.mu.Lock()
		l := sh.len
		sh.mu.Unlock()
		if l > bestLen {
			best = sh
			bestLen = l
		}
	}
	return best
}
