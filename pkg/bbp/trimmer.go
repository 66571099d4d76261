package bbp

import (
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/bbp/pkg/events"
	"github.com/cuemby/bbp/pkg/log"
	"github.com/cuemby/bbp/pkg/metrics"
	"github.com/pbnjay/memory"
	"github.com/rs/zerolog"
)

// trimmer is the background manager goroutine from spec.md section
// 4.8: it runs forever, alternating a HOT-clearing pass with an
// eviction pass, sleeping longer when memory pressure is low.
type trimmer struct {
	pool   *Pool
	logger zerolog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newTrimmer(p *Pool) *trimmer {
	return &trimmer{
		pool:   p,
		logger: log.WithComponent("bbp.trimmer"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the trimmer loop in its own goroutine.
func (t *trimmer) Start() {
	t.wg.Add(1)
	go t.run()
}

// Stop signals the trimmer to exit and waits for it to do so.
func (t *trimmer) Stop() {
	close(t.stopCh)
	t.wg.Wait()
}

func (t *trimmer) run() {
	defer t.wg.Done()
	for {
		t.clearHotPass()

		interval := t.pool.cfg.TrimMaxInterval
		if t.pool.highVMPressure() {
			interval = t.pool.cfg.TrimMinInterval
		}

		select {
		case <-time.After(interval):
		case <-t.stopCh:
			return
		}

		evicted := t.evictPass()
		metrics.TrimmerRunsTotal.Inc()
		if evicted > 0 {
			metrics.TrimmerEvictedTotal.Add(float64(evicted))
			t.logger.Debug().Int("evicted", evicted).Msg("trimmer pass evicted cold BATs")
		}

		select {
		case <-t.stopCh:
			return
		default:
		}
	}
}

// clearHotPass clears HOT on every slot with no memory references but
// at least one logical reference -- a BAT nobody currently has open
// but that is still named/retained stops being protected from the
// next eviction pass.
func (t *trimmer) clearHotPass() {
	p := t.pool
	limit := p.slabs.limit
	for top := uint32(0); top*slabSize < limit; top++ {
		slab := p.slabs.top[top].Load()
		if slab == nil {
			continue
		}
		for i := range slab {
			s := &slab[i]
			id := BATID(top*slabSize + uint32(i))
			lk := p.swapLock(id)
			lk.Lock()
			if !s.empty() && s.memoryRefs == 0 && s.logicalRefs > 0 {
				s.status &^= StatusHot
			}
			lk.Unlock()
		}
	}
}

// evictPass unloads every eligible slot: not UNLOADING/SYNCING/
// SAVING/HOT, zero memory refs, at least one logical ref, loaded, not
// a view, not shared, and either clean or (in aggressive mode)
// entirely memory-mapped.
func (t *trimmer) evictPass() int {
	p := t.pool
	evicted := 0
	limit := p.slabs.limit
	for top := uint32(0); top*slabSize < limit; top++ {
		slab := p.slabs.top[top].Load()
		if slab == nil {
			continue
		}
		for i := range slab {
			s := &slab[i]
			id := BATID(top*slabSize + uint32(i))
			lk := p.swapLock(id)
			lk.Lock()
			eligible := !s.empty() &&
				!s.status.Any(StatusUnloading|StatusSyncing|StatusSaving|StatusHot) &&
				s.memoryRefs == 0 && s.logicalRefs > 0 &&
				s.status.Has(StatusLoaded) &&
				(s.desc == nil || !s.desc.IsView()) &&
				s.shareCount == 0 &&
				(!s.status.Has(StatusSwapped) || p.cfg.Aggressive)
			if eligible {
				s.status |= StatusUnloading
			}
			lk.Unlock()

			if eligible {
				p.unloadOrDestroy(id, s, false)
				p.Events.Publish(&events.Event{
					Type:     events.EventBATEvicted,
					Message:  "bat evicted by trimmer",
					Metadata: map[string]string{"bat_id": strconv.FormatUint(uint64(id), 10)},
				})
				evicted++
			}
		}
	}
	return evicted
}

// belowVMThreshold reports whether total system memory use sits below
// the configured cap -- part of the unfix/release eviction decision
// in spec.md section 4.3.
func (p *Pool) belowVMThreshold() bool {
	free := memory.FreeMemory()
	total := memory.TotalMemory()
	if total == 0 {
		return true
	}
	used := total - free
	return used < uint64(p.cfg.VMBudget)
}

// highVMPressure reports whether usage exceeds half the configured
// budget, the trigger for the trimmer's shorter sleep interval.
func (p *Pool) highVMPressure() bool {
	free := memory.FreeMemory()
	total := memory.TotalMemory()
	if total == 0 {
		return false
	}
	used := total - free
	metrics.VMBytes.Set(float64(used))
	return used > uint64(p.cfg.VMBudget)/2
}
