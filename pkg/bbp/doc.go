/*
Package bbp implements the BAT Buffer Pool: the process-wide directory
and residency manager for column-oriented BAT objects. Every other
layer of the engine reaches a BAT exclusively through a *Pool.

# Architecture

	┌──────────────────────────────────────────────────────────────┐
	│                         Pool                                 │
	│                                                                │
	│  slabArray  (two-level, grow-only, stable slot pointers)     │
	│  swapLocks  (1 per id&mask, guards a slot's counters/status) │
	│  nameHash   (logical name -> id, tmp_<octal> fast path)      │
	│  freeList   (per-shard id recycling)                         │
	│  farm.Registry (storage roles -> directories)                │
	│                                                                │
	│  Fix/Unfix/Retain/Release/Share/Unshare/KeepRef  (refs.go)   │
	│  Descriptor/QuickDesc                            (loader.go) │
	│  Insert/Rename/Index/Cold/Reclaim                (insert.go) │
	│  Sync (full commit / subcommit)                  (commit.go) │
	│  recover (startup roll-forward/back)           (recovery.go) │
	│  trimmer (background eviction goroutine)        (trimmer.go) │
	└──────────────────────────────────────────────────────────────┘

A caller obtains or creates a BAT id via Insert, asks the pool for a
descriptor via Fix or Descriptor (lazily loading it from disk the
first time), and eventually Unfixes it. Periodically -- at an explicit
Sync call or via the trimmer -- the pool serialises dirty persistent
BATs and the directory file, using BACKUP/ as a write-ahead staging
area so a crash mid-commit is always recoverable by running Init
alone.

# Locking

Every counter or status mutation happens under the slot's own swap
lock (id & swapLockMask). Acquisition order everywhere outside of
Lock/Unlock is: swap locks ascending by id, then the name index lock,
then a shard's free-list lock. Lock/Unlock is the one exception: it
acquires every lock at once for global quiescence (a structural scan
or shutdown), in its own order: the name index lock, then every
shard's free-list lock, then every swap lock.
*/
package bbp
