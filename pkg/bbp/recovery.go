package bbp

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cuemby/bbp/pkg/bbpdir"
	"github.com/cuemby/bbp/pkg/farm"
	"github.com/cuemby/bbp/pkg/metrics"
)

// recover is the startup recovery routine from spec.md section 4.7,
// steps 1-6: roll forward or back from any interrupted commit and put
// every backed-up file back under the data root. Step 7, the disk
// scan, runs separately after loadDirectory so it has the freshly
// recovered BBP.dir's id set to validate against -- scanning before
// the directory is loaded would see no valid ids at all and delete
// everything.
func (p *Pool) recover() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RecoveryDuration)

	_ = os.RemoveAll(p.tempPath())
	_ = os.RemoveAll(p.deleteMePath())

	if err := p.mergeSubcommitUp(); err != nil {
		return err
	}

	if err := p.resolveDirectory(); err != nil {
		return err
	}

	if err := p.moveBackupFilesHome(); err != nil {
		return err
	}
	_ = os.Remove(p.backupPath())
	return nil
}

func (p *Pool) bakPath() string {
	return filepath.Join(p.cfg.DataDir, "BBP.bak")
}

// mergeSubcommitUp is subdir-recover: move BACKUP/SUBCOMMIT/ contents
// up into BACKUP/ so a crash mid-subcommit resolves the same way a
// crash mid-full-commit does.
func (p *Pool) mergeSubcommitUp() error {
	sub := p.subcommitPath()
	entries, err := os.ReadDir(sub)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		src := filepath.Join(sub, e.Name())
		dst := filepath.Join(p.backupPath(), e.Name())
		if _, err := os.Stat(dst); err == nil {
			continue // BACKUP/ already has a newer copy
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.Rename(src, dst); err != nil {
			return err
		}
	}
	return os.RemoveAll(sub)
}

// resolveDirectory implements step 3 of spec.md section 4.7: decide
// whether the last commit's write to the live BBP.dir landed before
// the crash. BACKUP/BBP.dir, if present, holds the pre-commit "old"
// manifest staged there by prepare -- it is only the manifest to
// restore when the live path never got a complete new one written to
// it (writeLiveDirectory runs after prepare stages the old copy away,
// so a live path that parses cleanly means the commit's direct write,
// and therefore the commit itself, already completed).
func (p *Pool) resolveDirectory() error {
	backupDir := filepath.Join(p.backupPath(), "BBP.dir")
	if _, err := os.Stat(backupDir); os.IsNotExist(err) {
		if _, err := os.Stat(p.dirPath()); os.IsNotExist(err) {
			if _, err := os.Stat(p.bakPath()); err == nil {
				if err := os.Rename(p.bakPath(), p.dirPath()); err != nil {
					return err
				}
			}
			// Else: no directory at all yet -- a brand new farm, fine
			// to proceed with an empty in-memory directory.
		}
		return nil
	}

	if p.liveDirectoryValid() {
		// The commit's write already landed on the live path; the
		// staged old manifest is now stale and gets discarded.
		return os.Remove(backupDir)
	}

	// The live path is missing or was torn by a crash mid-write:
	// restore the pre-commit manifest that was staged aside.
	if _, err := os.Stat(p.dirPath()); err == nil {
		if err := os.Rename(p.dirPath(), p.bakPath()); err != nil {
			return err
		}
	}
	return os.Rename(backupDir, p.dirPath())
}

// liveDirectoryValid reports whether the live BBP.dir exists and
// parses cleanly.
func (p *Pool) liveDirectoryValid() bool {
	f, err := os.Open(p.dirPath())
	if err != nil {
		return false
	}
	defer f.Close()
	_, _, err = bbpdir.ReadDir(f)
	return err == nil
}

// killSuffix names the zero-byte marker recovery looks for: it
// requests that the companion half-written ".<ext>.new" target (the
// marker's name minus its trailing ".kill") be deleted instead of
// moved back.
const killSuffix = ".new.kill"

// moveBackupFilesHome is step 5: every remaining file under BACKUP/
// either deletes a half-written ".new" target (kill marker) or is
// moved back to its id-derived subdirectory; files that cannot be
// attributed to a known id are quarantined under LEFT/.
func (p *Pool) moveBackupFilesHome() error {
	root := p.backupPath()
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, e := range entries {
		name := e.Name()
		if name == "BBP.dir" || e.IsDir() {
			continue
		}
		src := filepath.Join(root, name)

		home, err := p.homeFarm()
		if err != nil {
			return err
		}

		if strings.HasSuffix(name, killSuffix) {
			target := strings.TrimSuffix(name, ".kill")
			_ = os.Remove(filepath.Join(home.Dir, target))
			_ = os.Remove(src)
			continue
		}

		id, ok := idFromFileName(name)
		if !ok {
			if err := p.quarantine(src, name); err != nil {
				return err
			}
			continue
		}

		dst := filepath.Join(home.Dir, PhysicalPath(id)+filepath.Ext(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.Rename(src, dst); err != nil {
			return err
		}
	}
	return nil
}

// homeFarm is the farm every recovered file is moved back under: the
// first registered farm, matching a single-farm deployment (the
// common case); a multi-farm deployment resolves per-BAT placement
// through the slot's own farmRole once the directory is loaded.
func (p *Pool) homeFarm() (*farm.Farm, error) {
	all := p.farms.All()
	if len(all) == 0 {
		return nil, fmt.Errorf("bbp: no farms registered")
	}
	return all[0], nil
}

func (p *Pool) quarantine(src, name string) error {
	if err := os.MkdirAll(p.leftPath(), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, filepath.Join(p.leftPath(), name)); err != nil {
		return err
	}
	metrics.RecoveryFilesQuarantined.Inc()
	return nil
}

// idFromFileName recovers a BATID from a backed-up file's basename,
// which is the physical octal path with slashes flattened plus an
// extension, e.g. "0110.tail" for physical path "01/10".
func idFromFileName(name string) (BATID, bool) {
	stem := name
	if dot := strings.IndexByte(stem, '.'); dot >= 0 {
		stem = stem[:dot]
	}
	v, err := strconv.ParseUint(stem, 8, 32)
	if err != nil {
		return 0, false
	}
	return BATID(v), true
}

// diskScan is step 7: sweep the persistent farm's directory tree and
// delete any file that does not belong to a currently valid
// persistent BAT. The set of valid ids is kept as a Roaring bitmap
// since a large farm's id space is sparse and the membership test
// runs once per file on disk.
func (p *Pool) diskScan() error {
	valid := roaring.New()
	limit := p.slabs.limit
	for top := uint32(0); top*slabSize < limit; top++ {
		slab := p.slabs.top[top].Load()
		if slab == nil {
			continue
		}
		for i := range slab {
			s := &slab[i]
			if !s.empty() && s.status.Has(StatusPersistent) {
				valid.Add(top*slabSize + uint32(i))
			}
		}
	}

	for _, f := range p.farms.All() {
		if err := p.scanFarmDir(f.Dir, valid); err != nil {
			return err
		}
	}
	return nil
}

var knownHeapExtensions = map[string]bool{
	".tail": true, ".tail1": true, ".tail2": true, ".tail4": true,
	".theap": true, ".thashl": true, ".thashb": true,
	".timprints": true, ".torderidx": true,
}

func (p *Pool) scanFarmDir(root string, valid *roaring.Bitmap) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == "BBP.dir" || name == "BBP.bak" || name == bbpdir.SignalFile || name == ".bbp.lock" {
			return nil
		}
		ext := filepath.Ext(name)
		if !knownHeapExtensions[ext] {
			// Unrecognised filename: the policy is "never guess",
			// leave it and keep scanning the rest of the directory.
			return nil
		}
		id, ok := idFromFileName(name)
		if !ok || !valid.Contains(uint32(id)) {
			_ = os.Remove(path)
		}
		return nil
	})
}

// loadDirectory reads BBP.dir (if present) and populates the slab
// array with one slot per entry, all unloaded (heap files are mapped
// lazily on first Fix).
func (p *Pool) loadDirectory() error {
	f, err := os.Open(p.dirPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	header, entries, err := bbpdir.ReadDir(f)
	if err != nil {
		return err
	}
	p.slabs.size = header.Size
	p.logSeqNo = header.LogSeqNo
	p.transID = header.TransID

	for _, e := range entries {
		id := BATID(e.ID)
		s := p.slabs.slotAt(id)
		desc := &Descriptor{
			Type:        e.Type,
			Width:       e.Width,
			Count:       e.Count,
			Capacity:    e.Capacity,
			SeqBase:     e.SeqBase,
			Sorted:      e.NoSorted == 0,
			RevSorted:   e.NoRevSorted == 0,
			NoKey0:      e.NoKey0,
			NoKey1:      e.NoKey1,
			HeapFree:    e.HeapFree,
			HeapSize:    e.HeapSize,
			MinPos:      e.MinPos,
			MaxPos:      e.MaxPos,
			VarHeapFree: e.VarHeapFree,
			VarHeapSize: e.VarHeapSize,
			Props:       e.Props,
			Options:     e.Options,
		}
		s.id = id
		s.desc = desc
		s.logical = e.Logical
		s.physical = e.Physical
		s.options = e.Options
		s.status = Status(e.Status)
		s.fromDisk = true
		p.free.claim(id)
		if _, ok := isTempName(e.Logical); !ok {
			p.names.insert(id, e.Logical)
		}
		metrics.SlotsInUse.Inc()
	}
	return nil
}
