package bbp

import (
	"os"
	"testing"

	"github.com/cuemby/bbp/pkg/bbpdir"
	"github.com/cuemby/bbp/pkg/farm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	dir := t.TempDir()
	p := New(Config{DataDir: dir})
	require.NoError(t, p.Init(true))
	t.Cleanup(func() { _ = p.Exit() })
	return p
}

func transientDescriptor() *Descriptor {
	return &Descriptor{Type: "int", Width: 4, Count: 0, Capacity: 0}
}

func TestCreateFixUnfixReleaseLifecycle(t *testing.T) {
	p := newTestPool(t)

	id, err := p.Insert(transientDescriptor(), farm.RoleTransient)
	require.NoError(t, err)
	require.NotZero(t, id)

	n, err := p.Fix(id)
	require.NoError(t, err)
	assert.Equal(t, int32(2), n)

	n, err = p.Fix(id)
	require.NoError(t, err)
	assert.Equal(t, int32(3), n)

	n, err = p.Unfix(id)
	require.NoError(t, err)
	assert.Equal(t, int32(2), n)

	n, err = p.Unfix(id)
	require.NoError(t, err)
	assert.Equal(t, int32(1), n)

	// The creator's own reference: dropping it with no logical ref
	// ever taken tears the slot down entirely.
	n, err = p.Unfix(id)
	require.NoError(t, err)
	assert.Equal(t, int32(0), n)

	_, err = p.QuickDesc(id)
	assert.ErrorIs(t, err, ErrUnknownBAT)
}

func TestPersistentCommitRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := New(Config{DataDir: dir})
	require.NoError(t, p.Init(true))

	id, err := p.Insert(&Descriptor{Type: "int", Width: 4}, farm.RolePersistent)
	require.NoError(t, err)

	_, err = p.Rename(id, "t1")
	require.NoError(t, err)

	_, err = p.Retain(id)
	require.NoError(t, err)

	desc, err := p.QuickDesc(id)
	require.NoError(t, err)
	desc.Count = 4
	desc.Capacity = 4

	require.NoError(t, p.Sync([]BATID{id}, 7, 42))
	require.NoError(t, p.Exit())

	p2 := New(Config{DataDir: dir})
	require.NoError(t, p2.Init(false))
	defer p2.Exit()

	assert.Equal(t, id, p2.Index("t1"))
	got, err := p2.QuickDesc(id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Count)
	assert.Equal(t, int64(7), p2.logSeqNo)
	assert.Equal(t, int64(42), p2.transID)
}

func TestRenameCollision(t *testing.T) {
	p := newTestPool(t)

	a, err := p.Insert(transientDescriptor(), farm.RoleTransient)
	require.NoError(t, err)
	b, err := p.Insert(transientDescriptor(), farm.RoleTransient)
	require.NoError(t, err)

	_, err = p.Rename(a, "a")
	require.NoError(t, err)
	_, err = p.Rename(b, "b")
	require.NoError(t, err)

	outcome, err := p.Rename(a, "b")
	assert.Equal(t, RenameAlready, outcome)
	assert.ErrorIs(t, err, ErrNameInUse)

	assert.Equal(t, a, p.Index("a"))
	assert.Equal(t, b, p.Index("b"))
}

func TestViewLifecycle(t *testing.T) {
	p := newTestPool(t)

	parent, err := p.Insert(transientDescriptor(), farm.RoleTransient)
	require.NoError(t, err)

	view, err := p.Insert(&Descriptor{Type: "int", Width: 4, ParentID: parent}, farm.RoleTransient)
	require.NoError(t, err)

	require.NoError(t, p.Share(parent))

	s := p.slabs.slotAt(parent)
	assert.Equal(t, int32(1), s.shareCount)

	// Drop the creator's own memory reference so only share_count
	// gates eviction: the parent is still PERSISTENT+shared, so it
	// must not be considered evictable.
	_, err = p.Unfix(parent)
	require.NoError(t, err)
	assert.False(t, p.evictionEligible(s))

	require.NoError(t, p.Unshare(parent))
	s = p.slabs.slotAt(parent)
	assert.Equal(t, int32(0), s.shareCount)

	_, err = p.Unfix(view)
	require.NoError(t, err)
}

func TestSubcommitPreservesUntouchedEntries(t *testing.T) {
	dir := t.TempDir()
	p := New(Config{DataDir: dir})
	require.NoError(t, p.Init(true))
	defer p.Exit()

	id1, err := p.Insert(&Descriptor{Type: "int", Width: 4}, farm.RolePersistent)
	require.NoError(t, err)
	_, err = p.Rename(id1, "t1")
	require.NoError(t, err)
	_, err = p.Retain(id1)
	require.NoError(t, err)

	id2, err := p.Insert(&Descriptor{Type: "int", Width: 4}, farm.RolePersistent)
	require.NoError(t, err)
	_, err = p.Rename(id2, "t2")
	require.NoError(t, err)
	_, err = p.Retain(id2)
	require.NoError(t, err)

	require.NoError(t, p.Sync([]BATID{id1, id2}, 1, 1))

	d2, err := p.QuickDesc(id2)
	require.NoError(t, err)
	d2.Count = 99

	require.NoError(t, p.Sync([]BATID{id2}, 2, 2))

	got1, err := p.QuickDesc(id1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got1.Count)

	got2, err := p.QuickDesc(id2)
	require.NoError(t, err)
	assert.Equal(t, int64(99), got2.Count)
}

// establishPriorCommit runs a real, fully-published commit for a
// single persistent BAT named "t1" with the given count, so later
// crash-recovery tests have a genuine, distinguishable pre-commit
// manifest to roll back to instead of the all-zero initial state.
func establishPriorCommit(t *testing.T, dir string, count int64) BATID {
	t.Helper()
	p := New(Config{DataDir: dir})
	require.NoError(t, p.Init(true))

	id, err := p.Insert(&Descriptor{Type: "int", Width: 4}, farm.RolePersistent)
	require.NoError(t, err)
	_, err = p.Rename(id, "t1")
	require.NoError(t, err)
	_, err = p.Retain(id)
	require.NoError(t, err)

	desc, err := p.QuickDesc(id)
	require.NoError(t, err)
	desc.Count = count
	desc.Capacity = count

	require.NoError(t, p.Sync([]BATID{id}, 1, 1))
	require.NoError(t, p.Exit())
	return id
}

func TestCrashBeforeWriteRevertsToPreCommitState(t *testing.T) {
	dir := t.TempDir()
	id := establishPriorCommit(t, dir, 4)

	p := New(Config{DataDir: dir})
	require.NoError(t, p.Init(false))

	desc, err := p.QuickDesc(id)
	require.NoError(t, err)
	desc.Count = 99

	// prepare stages the pre-commit manifest into BACKUP/BBP.dir and
	// moves the live BBP.dir out of the way; crash here, before
	// writeLiveDirectory ever runs, so the live path is left missing.
	require.NoError(t, p.prepare(false))
	_, err = p.safeguard(id, false)
	require.NoError(t, err)
	require.NoError(t, p.Exit())

	_, err = os.Stat(p.backupPath())
	require.NoError(t, err)

	p2 := New(Config{DataDir: dir})
	require.NoError(t, p2.Init(false))
	defer p2.Exit()

	// Recovery restores the pre-commit manifest: t1's count is the
	// value from the last published commit, not the mutated 99.
	assert.Equal(t, id, p2.Index("t1"))
	got, err := p2.QuickDesc(id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Count)
}

func TestCrashAfterWriteBeforePublishKeepsNewState(t *testing.T) {
	dir := t.TempDir()
	id := establishPriorCommit(t, dir, 4)

	p := New(Config{DataDir: dir})
	require.NoError(t, p.Init(false))

	desc, err := p.QuickDesc(id)
	require.NoError(t, err)
	desc.Count = 99

	require.NoError(t, p.prepare(false))
	entry, err := p.safeguard(id, false)
	require.NoError(t, err)
	// The merged directory is written and fsynced directly onto the
	// live path here; crash before publish ever renames BACKUP/ away.
	require.NoError(t, p.writeLiveDirectory([]bbpdir.DirEntry{entry}, 2, 2))
	require.NoError(t, p.Exit())

	_, err = os.Stat(p.backupPath())
	require.NoError(t, err)

	p2 := New(Config{DataDir: dir})
	require.NoError(t, p2.Init(false))
	defer p2.Exit()

	// The live write already landed before the crash, so recovery
	// keeps it rather than reverting to the stale staged manifest.
	assert.Equal(t, id, p2.Index("t1"))
	got, err := p2.QuickDesc(id)
	require.NoError(t, err)
	assert.Equal(t, int64(99), got.Count)
}
