package bbp

import "errors"

// Sentinel errors for the programmer-error codes spec.md section 6/7
// call out by name. Callers compare with errors.Is.
var (
	// ErrUnknownBAT is returned when an id does not name a live slot.
	ErrUnknownBAT = errors.New("bbp: unknown BAT id")

	// ErrNameTooLong mirrors the source's LONG rename outcome.
	ErrNameTooLong = errors.New("bbp: name too long")

	// ErrIllegalName mirrors the source's ILLEGAL rename outcome: a
	// tmp_<octal> name that does not match the BAT's own default name.
	ErrIllegalName = errors.New("bbp: illegal name")

	// ErrNameInUse mirrors the source's ALREADY rename outcome.
	ErrNameInUse = errors.New("bbp: name already in use")

	// ErrOutOfMemory mirrors the source's OOM rename/insert outcome.
	ErrOutOfMemory = errors.New("bbp: out of memory")

	// ErrRefBalance is returned by unfix/release/unshare when the
	// counter is already zero -- a programmer error, not a normal
	// condition.
	ErrRefBalance = errors.New("bbp: reference count underflow")

	// ErrShared reports that a BAT still has views sharing its heaps.
	// The eviction paths skip such a BAT without returning an error,
	// so no function in this package returns it.
	ErrShared = errors.New("bbp: BAT has active views")

	// ErrPoolClosed is returned by any operation after Exit has run.
	ErrPoolClosed = errors.New("bbp: pool is closed")

	// ErrTooManyFarms is a fatal startup error (spec.md section 7).
	ErrTooManyFarms = errors.New("bbp: too many farms registered")

	// ErrCorruptDirectory is a fatal startup error for a malformed
	// BBP.dir (bad version, size mismatch, id overflow).
	ErrCorruptDirectory = errors.New("bbp: corrupt BBP.dir")

	// ErrBackupPresent names the state where a previous commit was
	// interrupted and recovery has not yet run. prepare does not
	// return it: it runs recovery in that state instead.
	ErrBackupPresent = errors.New("bbp: BACKUP/ present, recovery required")
)
