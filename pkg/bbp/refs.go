package bbp

import (
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/bbp/pkg/events"
	"github.com/cuemby/bbp/pkg/metrics"
)

// spinWaiting releases lk, sleeps 1ms, and re-acquires it, repeatedly,
// for as long as s still carries any bit in mask. This is the "spin" wait
// spec.md sections 4.3-4.4 describe for LOADING/UNLOADING/SAVING/
// SYNCING: a status bit wait is never a condition variable, only a
// bounded sleep-then-retest.
func spinWaiting(lk *sync.Mutex, s *slot, mask Status) {
	for s.status.Any(mask) {
		lk.Unlock()
		time.Sleep(time.Millisecond)
		lk.Lock()
	}
}

func (p *Pool) swapLock(id BATID) *sync.Mutex {
	return p.locks.lock(id)
}

// Fix is BBPfix: increment id's memory reference count, lazily
// loading the descriptor (and, for a view, recursively fixing the
// parent first) if this is the first reference. Returns the new
// count, or an error if id does not name a live slot.
//
// The parent-before-child ordering in spec.md section 4.3 is load
// bearing: the parent's descriptor is acquired via a recursive Fix
// before the child's swap lock is taken, so a failed parent fix never
// mutates the child's counters.
func (p *Pool) Fix(id BATID) (int32, error) {
	if err := p.checkOpen(); err != nil {
		return 0, err
	}
	s := p.slabs.slotAt(id)

	lk := p.swapLock(id)
	lk.Lock()
	if s.empty() {
		lk.Unlock()
		return 0, ErrUnknownBAT
	}
	first := s.memoryRefs == 0
	var parent BATID
	if first && s.desc != nil {
		parent = s.desc.ParentID
	}
	lk.Unlock()

	if first && parent != 0 {
		if _, err := p.Fix(parent); err != nil {
			return 0, err
		}
	}

	lk.Lock()
	defer lk.Unlock()
	spinWaiting(lk, s, StatusWaiting)
	if s.empty() {
		return 0, ErrUnknownBAT
	}
	// needsLoad is true for a view attaching its parent's heap, or
	// for a BAT that loadDirectory placed from a BBP.dir entry
	// (fromDisk) and whose heap is not mapped. A brand new transient
	// BAT has nothing on disk yet to load: it is resident by
	// definition the moment it is inserted.
	needsLoad := s.desc != nil && s.desc.Heap == nil &&
		(s.desc.IsView() || s.fromDisk)
	if needsLoad {
		s.status |= StatusLoading
		lk.Unlock()
		desc, err := p.loadDescriptor(id, s)
		lk.Lock()
		s.status &^= StatusLoading
		if err != nil {
			if first && parent != 0 {
				_, _ = p.Unfix(parent)
			}
			return 0, err
		}
		s.desc = desc
		p.Events.Publish(&events.Event{
			Type:     events.EventBATLoaded,
			Message:  "bat loaded",
			Metadata: map[string]string{"bat_id": strconv.FormatUint(uint64(id), 10)},
		})
	}
	s.status |= StatusLoaded | StatusHot
	s.memoryRefs++
	metrics.MemoryRefsTotal.Inc()
	return s.memoryRefs, nil
}

// Unfix is BBPunfix: decrement the memory reference count, possibly
// triggering the eviction decision from spec.md section 4.3 once it
// reaches zero.
func (p *Pool) Unfix(id BATID) (int32, error) {
	if err := p.checkOpen(); err != nil {
		return -1, err
	}
	s := p.slabs.slotAt(id)
	lk := p.swapLock(id)

	lk.Lock()
	if s.empty() || s.memoryRefs <= 0 {
		lk.Unlock()
		return -1, ErrRefBalance
	}
	s.memoryRefs--
	remaining := s.memoryRefs
	metrics.MemoryRefsTotal.Dec()
	evict := p.evictionEligible(s)
	destroy := evict && s.logicalRefs == 0 && !s.status.Has(StatusDeleted)
	if evict {
		s.status |= StatusUnloading
	}
	lk.Unlock()

	if evict {
		p.unloadOrDestroy(id, s, destroy)
	}
	return remaining, nil
}

// evictionEligible implements the unfix/release eviction test from
// spec.md section 4.3. Caller must hold the slot's swap lock.
func (p *Pool) evictionEligible(s *slot) bool {
	if s.memoryRefs != 0 {
		return false
	}
	if s.logicalRefs == 0 {
		return true
	}
	loaded := s.status.Has(StatusLoaded)
	dirty := s.status.Has(StatusSwapped)
	syncing := s.status.Has(StatusSyncing)
	persistent := s.status.Has(StatusPersistent)
	shared := s.shareCount > 0
	hot := s.status.Has(StatusHot)
	belowVMThreshold := p.belowVMThreshold()
	return loaded && !dirty && !syncing && persistent && !shared && belowVMThreshold && !hot
}

// Retain is BBPretain: increment the logical reference count.
func (p *Pool) Retain(id BATID) (int32, error) {
	if err := p.checkOpen(); err != nil {
		return 0, err
	}
	s := p.slabs.slotAt(id)
	lk := p.swapLock(id)
	lk.Lock()
	defer lk.Unlock()
	if s.empty() {
		return 0, ErrUnknownBAT
	}
	s.logicalRefs++
	if s.logicalRefs == 1 {
		// A BAT becomes persistent the moment a caller first retains
		// it (spec.md section 3: "It becomes persistent when the
		// caller raises logical_refs > 0 and flags it PERSISTENT").
		s.status |= StatusPersistent
		s.status &^= StatusDeleting
	}
	metrics.LogicalRefsTotal.Inc()
	return s.logicalRefs, nil
}

// Release is BBPrelease: decrement the logical reference count,
// applying the same eviction/destroy decision Unfix does.
func (p *Pool) Release(id BATID) (int32, error) {
	if err := p.checkOpen(); err != nil {
		return -1, err
	}
	s := p.slabs.slotAt(id)
	lk := p.swapLock(id)

	lk.Lock()
	if s.empty() || s.logicalRefs <= 0 {
		lk.Unlock()
		return -1, ErrRefBalance
	}
	s.logicalRefs--
	remaining := s.logicalRefs
	metrics.LogicalRefsTotal.Dec()
	evict := p.evictionEligible(s)
	destroy := evict && s.logicalRefs == 0 && !s.status.Has(StatusDeleted)
	if evict {
		s.status |= StatusUnloading
	}
	lk.Unlock()

	if evict {
		p.unloadOrDestroy(id, s, destroy)
	}
	return remaining, nil
}

// KeepRef is BBPkeepref: atomically convert one memory reference into
// one logical reference, used at the boundary between a produced and
// a returned column.
func (p *Pool) KeepRef(id BATID) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if _, err := p.Retain(id); err != nil {
		return err
	}
	_, err := p.Unfix(id)
	return err
}

// Share is BBPshare: a view borrows parent's heap. Bumps parent's
// share count and takes one logical ref on the parent so it cannot be
// destroyed while shared.
func (p *Pool) Share(parent BATID) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	s := p.slabs.slotAt(parent)
	lk := p.swapLock(parent)
	lk.Lock()
	if s.empty() {
		lk.Unlock()
		return ErrUnknownBAT
	}
	s.shareCount++
	lk.Unlock()

	if _, err := p.Retain(parent); err != nil {
		lk.Lock()
		s.shareCount--
		lk.Unlock()
		return err
	}
	return nil
}

// Unshare is BBPunshare: returns a borrowed view, the inverse of
// Share.
func (p *Pool) Unshare(parent BATID) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	s := p.slabs.slotAt(parent)
	lk := p.swapLock(parent)
	lk.Lock()
	if s.empty() || s.shareCount <= 0 {
		lk.Unlock()
		return ErrRefBalance
	}
	s.shareCount--
	lk.Unlock()

	_, err := p.Release(parent)
	return err
}

// Cold clears the HOT bit on id, the external cold(id) operation.
func (p *Pool) Cold(id BATID) error {
	s := p.slabs.slotAt(id)
	lk := p.swapLock(id)
	lk.Lock()
	defer lk.Unlock()
	if s.empty() {
		return ErrUnknownBAT
	}
	s.status &^= StatusHot
	return nil
}
