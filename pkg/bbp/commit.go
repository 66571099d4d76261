package bbp

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/bbp/pkg/bbpdir"
	"github.com/cuemby/bbp/pkg/events"
	"github.com/cuemby/bbp/pkg/metrics"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// retryTransientIO wraps a filesystem operation in a short bounded
// backoff, matching spec.md section 7's "transient I/O: stat/rename/
// open failures during commit" policy -- these are retried, not
// treated as fatal on the first failure.
func retryTransientIO(op func() error) error {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
	return backoff.Retry(op, b)
}

// Sync is the sync(ids[], logno, txid) external operation: a
// subcommit over the given ids when non-empty, a full commit over
// every persistent BAT otherwise. It takes no per-id target sizes:
// each BAT is recorded with its descriptor's current count. It holds
// the pool's global sync lock for its entire duration so two commits
// never overlap.
func (p *Pool) Sync(ids []BATID, logSeqNo, transID int64) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	p.syncMu.Lock()
	defer p.syncMu.Unlock()

	runID := uuid.NewString()
	logger := p.logger.With().Str("run_id", runID).Logger()
	subcommit := len(ids) > 0
	mode := "full"
	if subcommit {
		mode = "subcommit"
	}
	timer := metrics.NewTimer()
	p.Events.Publish(&events.Event{
		Type:     events.EventCommitStart,
		Message:  "commit started",
		Metadata: map[string]string{"run_id": runID, "mode": mode},
	})

	if err := p.commitOnce(ids, logSeqNo, transID, subcommit, runID); err != nil {
		metrics.CommitsTotal.WithLabelValues(mode, "failure").Inc()
		timer.ObserveDuration(metrics.CommitDuration)
		logger.Error().Err(err).Str("mode", mode).Msg("commit failed")
		p.Events.Publish(&events.Event{
			Type:     events.EventCommitFailed,
			Message:  "commit failed",
			Metadata: map[string]string{"run_id": runID, "mode": mode, "error": err.Error()},
		})
		return err
	}

	metrics.CommitsTotal.WithLabelValues(mode, "success").Inc()
	timer.ObserveDuration(metrics.CommitDuration)
	logger.Info().Str("mode", mode).Int("ids", len(ids)).Msg("commit succeeded")
	p.Events.Publish(&events.Event{
		Type:    events.EventCommitDone,
		Message: "commit published",
		Metadata: map[string]string{
			"run_id": runID, "mode": mode,
			"log_seq_no": fmt.Sprintf("%d", logSeqNo),
			"trans_id":   fmt.Sprintf("%d", transID),
		},
	})
	return nil
}

func (p *Pool) commitOnce(ids []BATID, logSeqNo, transID int64, subcommit bool, runID string) error {
	if err := p.prepare(subcommit); err != nil {
		return fmt.Errorf("bbp: prepare: %w", err)
	}

	targets := ids
	if !subcommit {
		targets = p.allPersistentIDs()
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	var touched []bbpdir.DirEntry
	for _, id := range targets {
		entry, err := p.safeguard(id, subcommit)
		if err != nil {
			return fmt.Errorf("bbp: safeguard %d: %w", id, err)
		}
		touched = append(touched, entry)
	}

	if err := p.writeLiveDirectory(touched, logSeqNo, transID); err != nil {
		return fmt.Errorf("bbp: write directory: %w", err)
	}

	if err := p.publish(); err != nil {
		return fmt.Errorf("bbp: publish: %w", err)
	}

	p.logSeqNo = logSeqNo
	p.transID = transID
	return nil
}

// prepare is BBPprepare: ensures the staging directory exists and
// holds the pre-commit "old" manifest before the writer runs (spec.md
// section 4.6 prepare step 4: "move the current BBP.dir into the
// staging dir as the old manifest"). The live path has nothing at
// this path again until writeLiveDirectory recreates it with the
// merged, committed content.
func (p *Pool) prepare(subcommit bool) error {
	if subcommit {
		if err := p.mergeSubcommitUp(); err != nil {
			return err
		}
		if err := os.MkdirAll(p.subcommitPath(), 0o755); err != nil {
			return fmt.Errorf("create SUBCOMMIT: %w", err)
		}
	} else if _, err := os.Stat(p.backupPath()); os.IsNotExist(err) {
		// No commit currently in flight: run the same recovery pass
		// Init does, idempotently, so a prior interrupted commit
		// cannot leave stale staged files behind this one.
		if err := p.recover(); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(p.backupPath(), 0o755); err != nil {
		return fmt.Errorf("create BACKUP: %w", err)
	}

	backupDir := filepath.Join(p.backupPath(), "BBP.dir")
	if _, err := os.Stat(backupDir); os.IsNotExist(err) {
		if _, err := os.Stat(p.dirPath()); err == nil {
			if err := os.Rename(p.dirPath(), backupDir); err != nil {
				return fmt.Errorf("stage old directory: %w", err)
			}
		}
	}
	return nil
}

// safeguard backs up id's heap file into the staging directory if the
// BAT is dirty and existing, then returns the directory entry that
// will represent it in the new manifest.
func (p *Pool) safeguard(id BATID, subcommit bool) (bbpdir.DirEntry, error) {
	s := p.slabs.slotAt(id)
	lk := p.swapLock(id)
	lk.Lock()
	spinWaiting(lk, s, StatusUnloading)
	s.status |= StatusSyncing
	dirty := s.status.Has(StatusSwapped) || s.status.Has(StatusNew)
	existing := s.status.Has(StatusExisting)
	lk.Unlock()

	if dirty && existing {
		if err := p.backupHeap(s, subcommit); err != nil {
			lk.Lock()
			s.status &^= StatusSyncing
			lk.Unlock()
			return bbpdir.DirEntry{}, err
		}
	}

	lk.Lock()
	s.status &^= StatusSyncing | StatusNew
	entry := p.entryFor(s)
	lk.Unlock()
	return entry, nil
}

// backupHeap stages the on-disk heap file into BACKUP/ (or
// BACKUP/SUBCOMMIT/) by hard-linking it, so recovery can move it back
// if the commit is interrupted before publish.
func (p *Pool) backupHeap(s *slot, subcommit bool) error {
	if s.desc == nil || s.desc.Heap == nil {
		return nil
	}
	src := s.desc.Heap.Path()
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}

	dest := p.backupPath()
	if subcommit {
		dest = p.subcommitPath()
	}
	dest = filepath.Join(dest, strings.ReplaceAll(s.physical, "/", "")+filepath.Ext(src))
	if _, err := os.Stat(dest); err == nil {
		return nil // already backed up this run
	}

	return retryTransientIO(func() error {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.Link(src, dest); err != nil {
			return fmt.Errorf("bbp: link %s -> %s: %w", src, dest, err)
		}
		return nil
	})
}

// entryFor serialises a slot's current state into a bbpdir.DirEntry.
// Caller holds the slot's swap lock.
func (p *Pool) entryFor(s *slot) bbpdir.DirEntry {
	d := s.desc
	if d == nil {
		d = &Descriptor{}
	}
	e := bbpdir.DirEntry{
		ID:          uint32(s.id),
		Status:      uint32(s.status),
		Logical:     s.logical,
		Physical:    s.physical,
		Props:       s.options,
		Count:       d.Count,
		Capacity:    d.Capacity,
		HSeqBase:    d.SeqBase,
		Type:        d.Type,
		Width:       d.Width,
		Var:         d.Width == 0,
		NoSorted:    sortHint(d.Sorted),
		NoRevSorted: sortHint(d.RevSorted),
		NoKey0:      d.NoKey0,
		NoKey1:      d.NoKey1,
		SeqBase:     d.SeqBase,
		HeapFree:    d.HeapFree,
		HeapSize:    d.HeapSize,
		MinPos:      d.MinPos,
		MaxPos:      d.MaxPos,
		VarHeapFree: d.VarHeapFree,
		VarHeapSize: d.VarHeapSize,
		Options:     s.options,
	}
	return e
}

// sortHint encodes a known-sorted/known-reverse-sorted flag as the
// directory's nosorted/norevsorted position hint: 0 when the whole
// column is known sorted in that direction, -1 when unknown.
func sortHint(knownSorted bool) int64 {
	if knownSorted {
		return 0
	}
	return -1
}

// writeLiveDirectory writes the new, merged BBP.dir directly onto the
// live path, fsync-ing it there (spec.md section 4.6 "prepare stages
// the old manifest; the writer publishes the new one straight onto
// the live path"). old is read back from the staged copy prepare just
// created, since the live path has nothing at it until this call
// returns.
func (p *Pool) writeLiveDirectory(touched []bbpdir.DirEntry, logSeqNo, transID int64) error {
	old, err := p.readStagedDirectoryEntries()
	if err != nil {
		return err
	}

	h := bbpdir.Header{
		GDKVersion: bbpdir.VersionCurrent,
		PtrSize:    8,
		OidSize:    8,
		MaxIntSize: 16,
		Size:       p.slabs.size,
		LogSeqNo:   logSeqNo,
		TransID:    transID,
	}

	f, err := os.Create(p.dirPath())
	if err != nil {
		return fmt.Errorf("create BBP.dir: %w", err)
	}
	defer f.Close()

	if err := bbpdir.WriteDir(f, h, old, touched); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return unix.Fdatasync(int(f.Fd()))
}

func (p *Pool) readStagedDirectoryEntries() ([]bbpdir.DirEntry, error) {
	f, err := os.Open(filepath.Join(p.backupPath(), "BBP.dir"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	_, entries, err := bbpdir.ReadDir(f)
	return entries, err
}

// publish is the single rename spec.md section 4.6 describes: BACKUP/
// (holding the now-stale pre-commit manifest and any backed-up heap
// files) becomes DELETE_ME/, atomically, then is removed best-effort.
// The live BBP.dir was already fully written and fsynced by
// writeLiveDirectory before publish ever runs, so a crash on either
// side of this rename leaves the committed directory intact; recover
// only has to clean up whichever of BACKUP/DELETE_ME survived.
func (p *Pool) publish() error {
	if err := retryTransientIO(func() error {
		return os.Rename(p.backupPath(), p.deleteMePath())
	}); err != nil {
		return fmt.Errorf("publish rename: %w", err)
	}
	_ = os.RemoveAll(p.deleteMePath())
	return nil
}

func (p *Pool) allPersistentIDs() []BATID {
	var ids []BATID
	limit := p.slabs.limit
	for top := uint32(0); top*slabSize < limit; top++ {
		slab := p.slabs.top[top].Load()
		if slab == nil {
			continue
		}
		for i := range slab {
			s := &slab[i]
			if !s.empty() && s.status.Has(StatusPersistent) {
				ids = append(ids, BATID(top*slabSize+uint32(i)))
			}
		}
	}
	return ids
}
