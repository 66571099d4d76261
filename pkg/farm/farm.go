// Package farm implements the BBP's farms registry (spec.md section
// 4.1 table, section 6): the mapping from a storage role to a
// directory on disk, resolved into physical paths for BAT files.
package farm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Role is a storage role bitmask; a farm can serve more than one role
// at once (e.g. persistent and transient sharing a disk in a small
// deployment).
type Role uint8

const (
	RolePersistent Role = 1 << iota
	RoleTransient
)

func (r Role) String() string {
	switch {
	case r&RolePersistent != 0 && r&RoleTransient != 0:
		return "persistent|transient"
	case r&RolePersistent != 0:
		return "persistent"
	case r&RoleTransient != 0:
		return "transient"
	default:
		return "none"
	}
}

// MaxFarms bounds the farms array, matching the "too-many-farms"
// fatal startup error in spec.md section 7.
const MaxFarms = 32

// Farm is one registered storage root.
type Farm struct {
	ID   int
	Role Role
	Dir  string

	lock *flock.Flock
}

// Registry holds every farm registered before Init via AddFarm.
type Registry struct {
	mu    sync.Mutex
	farms []*Farm
}

// NewRegistry creates an empty farms registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a farm directory for the given role mask, matching
// the add_farm(dir, rolemask) external operation. It must be called
// before Init; the directory is created if missing.
func (r *Registry) Add(dir string, role Role) (*Farm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.farms) >= MaxFarms {
		return nil, fmt.Errorf("farm: add %s: too many farms registered (max %d)", dir, MaxFarms)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("farm: resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("farm: create %s: %w", abs, err)
	}

	f := &Farm{ID: len(r.farms), Role: role, Dir: abs}
	r.farms = append(r.farms, f)
	return f, nil
}

// Lock takes an advisory, process-wide file lock on the farm's
// directory so a second process cannot open the same farm
// concurrently -- the file-system equivalent of spec.md's
// at-most-one-writer-per-BAT assumption applied to the whole farm.
func (f *Farm) Lock() error {
	f.lock = flock.New(filepath.Join(f.Dir, ".bbp.lock"))
	locked, err := f.lock.TryLock()
	if err != nil {
		return fmt.Errorf("farm: lock %s: %w", f.Dir, err)
	}
	if !locked {
		return fmt.Errorf("farm: %s is already locked by another process", f.Dir)
	}
	return nil
}

// Unlock releases the farm's advisory lock.
func (f *Farm) Unlock() error {
	if f.lock == nil {
		return nil
	}
	if err := f.lock.Unlock(); err != nil {
		return fmt.Errorf("farm: unlock %s: %w", f.Dir, err)
	}
	return nil
}

// ForRole returns the first registered farm serving the given role,
// matching how the source resolves a BAT's storage location from its
// TMP/PERSISTENT status bits.
func (r *Registry) ForRole(role Role) (*Farm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.farms {
		if f.Role&role != 0 {
			return f, nil
		}
	}
	return nil, fmt.Errorf("farm: no farm registered for role %s", role)
}

// All returns every registered farm, in registration order.
func (r *Registry) All() []*Farm {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Farm, len(r.farms))
	copy(out, r.farms)
	return out
}

// LockAll takes the advisory lock on every registered farm; used by
// Pool.Init before recovery runs.
func (r *Registry) LockAll() error {
	for _, f := range r.All() {
		if err := f.Lock(); err != nil {
			return err
		}
	}
	return nil
}

// UnlockAll releases every farm's advisory lock; used by Pool.Exit.
func (r *Registry) UnlockAll() {
	for _, f := range r.All() {
		_ = f.Unlock()
	}
}
