package bbp

import (
	"fmt"
	"strconv"

	"github.com/cuemby/bbp/pkg/events"
	"github.com/cuemby/bbp/pkg/farm"
	"github.com/cuemby/bbp/pkg/metrics"
)

// Insert is the insert(descriptor) external operation: it claims a
// free id, attaches desc, and brings the slot up in the newborn state
// spec.md section 3 describes -- one memory reference, zero logical
// references, DELETING|HOT set so an uncommitted, unretained BAT is
// already eligible for teardown the instant its creator unfixes it.
func (p *Pool) Insert(desc *Descriptor, role farm.Role) (BATID, error) {
	if err := p.checkOpen(); err != nil {
		return 0, err
	}
	if desc == nil {
		return 0, fmt.Errorf("bbp: insert: nil descriptor")
	}

	id := p.free.pop(0)
	s := p.slabs.slotAt(id)
	lk := p.swapLock(id)
	lk.Lock()
	defer lk.Unlock()

	if !s.empty() {
		// A previous occupant's teardown raced with this pop and
		// lost; the slot is reusable once its prior state is zeroed.
		*s = slot{}
	}

	s.id = id
	s.desc = desc
	s.logical = DefaultName(id)
	s.physical = PhysicalPath(id)
	s.farmRole = role
	s.memoryRefs = 1
	s.logicalRefs = 0
	s.status = StatusDeleting | StatusHot | StatusNew | StatusExisting

	metrics.SlotsInUse.Inc()
	metrics.MemoryRefsTotal.Inc()
	p.Events.Publish(&events.Event{
		Type:     events.EventBATInserted,
		Message:  "bat inserted",
		Metadata: map[string]string{"bat_id": strconv.FormatUint(uint64(id), 10)},
	})
	return id, nil
}

// Rename is the rename(id, new_name) external operation.
func (p *Pool) Rename(id BATID, newName string) (RenameOutcome, error) {
	if err := p.checkOpen(); err != nil {
		return RenameOK, err
	}
	s := p.slabs.slotAt(id)
	lk := p.swapLock(id)
	lk.Lock()
	defer lk.Unlock()

	if s.empty() {
		return RenameOK, ErrUnknownBAT
	}
	oldName := s.logical
	if newName == oldName {
		return RenameOK, nil
	}

	outcome, err := p.names.rename(id, oldName, newName)
	if err != nil {
		return outcome, err
	}
	s.logical = newName
	s.status |= StatusPersistent | StatusRenamed
	p.Events.Publish(&events.Event{
		Type:    events.EventBATRenamed,
		Message: "bat renamed",
		Metadata: map[string]string{
			"bat_id":   strconv.FormatUint(uint64(id), 10),
			"old_name": oldName,
			"new_name": newName,
		},
	})
	return RenameOK, nil
}

// Index is the index(name) external operation.
func (p *Pool) Index(name string) BATID {
	return p.names.lookup(name)
}

// Reclaim is the caller-driven aggressive unload: 1 if the BAT was
// evicted, 0 if it was not eligible, -1 on error.
func (p *Pool) Reclaim(id BATID) int {
	s := p.slabs.slotAt(id)
	lk := p.swapLock(id)
	lk.Lock()
	if s.empty() {
		lk.Unlock()
		return -1
	}
	eligible := s.memoryRefs == 0 && s.logicalRefs > 0 &&
		s.status.Has(StatusLoaded) && !s.desc.IsView() && s.shareCount == 0 &&
		!s.status.Any(StatusUnstable|StatusSaving|StatusHot)
	if eligible {
		s.status |= StatusUnloading
	}
	lk.Unlock()

	if !eligible {
		return 0
	}
	p.unloadOrDestroy(id, s, false)
	return 1
}
