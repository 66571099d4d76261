package bbp

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/cuemby/bbp/pkg/events"
	"github.com/cuemby/bbp/pkg/heap"
	"github.com/cuemby/bbp/pkg/metrics"
)

// loadDescriptor is the disk-reading half of descriptor(id): it maps
// the BAT's tail heap file (and, for a view, borrows the parent's
// already-resident heap instead of mapping anything of its own) and
// returns a fully populated Descriptor. Caller holds LOADING on s for
// the duration and has already released the swap lock.
func (p *Pool) loadDescriptor(id BATID, s *slot) (*Descriptor, error) {
	if s.desc == nil {
		return nil, fmt.Errorf("bbp: load %d: no metadata on record", id)
	}
	desc := s.desc

	if desc.ParentID != 0 {
		parentSlot := p.slabs.slotAt(desc.ParentID)
		plk := p.swapLock(desc.ParentID)
		plk.Lock()
		parentHeap := parentSlot.desc
		plk.Unlock()
		if parentHeap == nil || parentHeap.Heap == nil {
			return nil, fmt.Errorf("bbp: load %d: parent %d has no resident heap", id, desc.ParentID)
		}
		desc.Heap = parentHeap.Heap
		return desc, nil
	}

	if desc.Heap != nil {
		return desc, nil
	}

	path, err := p.heapPath(id, s)
	if err != nil {
		return nil, err
	}
	h, err := heap.Load(path)
	if err != nil {
		return nil, fmt.Errorf("bbp: load %d: %w", id, err)
	}
	desc.Heap = h
	metrics.LoadedTotal.Inc()
	return desc, nil
}

func (p *Pool) heapPath(id BATID, s *slot) (string, error) {
	f, err := p.farms.ForRole(s.farmRole)
	if err != nil {
		return "", fmt.Errorf("bbp: heap path for %d: %w", id, err)
	}
	ext := tailExtension(s.desc)
	return filepath.Join(f.Dir, s.physical+"."+ext), nil
}

// tailExtension names the tail heap file for d: "tail" for fixed
// width columns and "tail4" for every variable-width (Width 0)
// column. The narrower "tail1"/"tail2" names are never chosen here,
// since a Descriptor does not record a string offset width.
func tailExtension(d *Descriptor) string {
	if d.Width == 0 {
		return "tail4"
	}
	return "tail"
}

// unloadOrDestroy runs outside the swap lock, matching spec.md
// section 4.3's "after releasing the swap lock, call the loader's
// save/unload path". It always clears UNLOADING when done, whether
// or not the slot ends up destroyed.
func (p *Pool) unloadOrDestroy(id BATID, s *slot, destroy bool) {
	if err := p.saveIfDirty(id, s); err != nil {
		p.logger.Error().Uint32("bat_id", uint32(id)).Err(err).Msg("save before unload failed")
	}
	p.unload(s)

	lk := p.swapLock(id)
	lk.Lock()
	s.status &^= StatusUnloading
	lk.Unlock()

	if destroy {
		if err := p.destroy(id, s); err != nil {
			p.logger.Error().Uint32("bat_id", uint32(id)).Err(err).Msg("destroy failed")
		}
	}
}

// saveIfDirty is save from spec.md section 4.4: a view or a clean BAT
// never touches disk here; a dirty, owning heap is flushed in place.
// No copy of the heap file is staged into BACKUP/ by this path.
func (p *Pool) saveIfDirty(id BATID, s *slot) error {
	lk := p.swapLock(id)
	lk.Lock()
	if s.desc == nil || s.desc.IsView() || !s.status.Has(StatusSwapped) {
		lk.Unlock()
		return nil
	}
	s.status |= StatusSaving
	h := s.desc.Heap
	lk.Unlock()

	var err error
	if h != nil {
		err = h.Sync()
	}

	lk.Lock()
	s.status &^= StatusSaving
	if err == nil {
		s.status &^= StatusSwapped
	}
	lk.Unlock()
	return err
}

// unload is the second half of spec.md's unload/destroy pair: frees
// the in-memory heap bytes and clears the loaded marker, leaving the
// metadata descriptor in place so a later Fix can reload it.
func (p *Pool) unload(s *slot) {
	lk := p.swapLock(s.id)
	lk.Lock()
	defer lk.Unlock()
	if s.desc == nil || s.desc.Heap == nil || s.desc.IsView() {
		return
	}
	if err := s.desc.Heap.Close(); err != nil {
		p.logger.Error().Err(err).Msg("unload: close heap")
	}
	s.desc.Heap = nil
	s.status &^= StatusLoaded
	metrics.LoadedTotal.Dec()
	p.Events.Publish(&events.Event{
		Type:     events.EventBATUnloaded,
		Message:  "bat unloaded",
		Metadata: map[string]string{"bat_id": strconv.FormatUint(uint64(s.id), 10)},
	})
}

// destroy tears the slot down completely: runs the type's element
// unfix over every tuple, removes heap files for non-persistent BATs,
// clears the name-hash entry, and returns the id to the free list.
func (p *Pool) destroy(id BATID, s *slot) error {
	lk := p.swapLock(id)
	lk.Lock()
	if s.empty() {
		lk.Unlock()
		return nil
	}
	s.status |= StatusDeleting
	desc := s.desc
	name := s.logical
	persistent := s.status.Has(StatusPersistent)
	physical := s.physical
	role := s.farmRole
	lk.Unlock()

	if desc != nil && desc.Heap != nil {
		if typeID, ok := p.atoms.Index(desc.Type); ok {
			if err := p.atoms.UnfixAll(typeID, desc.Heap.Bytes(), widthOrOne(desc.Width)); err != nil {
				return fmt.Errorf("bbp: destroy %d: unfix: %w", id, err)
			}
		}
	}

	if !persistent && desc != nil && !desc.IsView() && desc.Heap != nil {
		if err := heap.Destroy(desc.Heap); err != nil {
			return fmt.Errorf("bbp: destroy %d: %w", id, err)
		}
	} else if !persistent {
		if f, err := p.farms.ForRole(role); err == nil {
			_ = heap.Delete(filepath.Join(f.Dir, physical+".tail"))
		}
	}

	p.names.remove(id, name)

	lk.Lock()
	*s = slot{}
	lk.Unlock()

	p.free.push(uint32(id), id)
	metrics.SlotsInUse.Dec()
	p.Events.Publish(&events.Event{
		Type:     events.EventBATDestroyed,
		Message:  "bat destroyed",
		Metadata: map[string]string{"bat_id": strconv.FormatUint(uint64(id), 10)},
	})
	return nil
}

func widthOrOne(w int) int {
	if w <= 0 {
		return 1
	}
	return w
}

// Descriptor is descriptor(id): the lazy-load external operation.
// Equivalent to one Fix/Unfix pair bracketing a load, without
// retaining a reference past the call.
func (p *Pool) Descriptor(id BATID) (*Descriptor, error) {
	if _, err := p.Fix(id); err != nil {
		return nil, err
	}
	s := p.slabs.slotAt(id)
	lk := p.swapLock(id)
	lk.Lock()
	d := s.desc
	lk.Unlock()
	if _, err := p.Unfix(id); err != nil {
		return d, err
	}
	return d, nil
}

// QuickDesc is quickdesc(id): metadata only, never touches the heap
// file.
func (p *Pool) QuickDesc(id BATID) (*Descriptor, error) {
	s := p.slabs.slotAt(id)
	lk := p.swapLock(id)
	lk.Lock()
	defer lk.Unlock()
	if s.empty() {
		return nil, ErrUnknownBAT
	}
	return s.desc, nil
}
