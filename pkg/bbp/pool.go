package bbp

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/cuemby/bbp/pkg/atomreg"
	"github.com/cuemby/bbp/pkg/events"
	"github.com/cuemby/bbp/pkg/farm"
	"github.com/cuemby/bbp/pkg/log"
	"github.com/cuemby/bbp/pkg/metrics"
	"github.com/rs/zerolog"
)

// Config configures a Pool before Init runs.
type Config struct {
	// DataDir is the root directory containing BBP.dir, BBP.bak, and
	// the octal-path tree of persistent BAT files.
	DataDir string

	// ShardCount is T+1 from spec.md section 4.1; 0 means the
	// default of a single free-list shard.
	ShardCount int

	// TrimMinInterval/TrimMaxInterval bound the background trimmer's
	// sleep between passes (spec.md section 4.8: "100ms and 10s").
	TrimMinInterval time.Duration
	TrimMaxInterval time.Duration

	// VMBudget caps the memory the trimmer treats as the "VM cap";
	// usage above half of this shortens the sleep interval.
	VMBudget datasize.ByteSize

	// Aggressive enables the trimmer's aggressive eviction mode
	// (entirely memory-mapped, not just clean, heaps are eligible).
	Aggressive bool
}

func (c Config) withDefaults() Config {
	if c.ShardCount < 1 {
		c.ShardCount = 1
	}
	if c.TrimMinInterval <= 0 {
		c.TrimMinInterval = 100 * time.Millisecond
	}
	if c.TrimMaxInterval <= 0 {
		c.TrimMaxInterval = 10 * time.Second
	}
	if c.VMBudget == 0 {
		c.VMBudget = 4 * datasize.GB
	}
	return c
}

// Pool is the process-wide BAT Buffer Pool: the directory, cache,
// commit protocol, and name index described in spec.md sections 1-4,
// all owned by one value so a process can (in tests) run more than
// one independent pool.
type Pool struct {
	cfg    Config
	logger zerolog.Logger

	slabs *slabArray
	locks *swapLocks
	names *nameHash
	free  *freeList
	atoms *atomreg.Registry
	farms *farm.Registry

	// Events is the lifecycle event broker; admin tooling (bbpctl
	// watch, catalogcache) subscribes to it instead of polling
	// BBP.dir.
	Events *events.Broker

	// syncMu is the global sync lock: held for the duration of a
	// full commit or subcommit so two commits never overlap.
	syncMu sync.Mutex

	logSeqNo int64
	transID  int64

	trimmer *trimmer

	closedMu sync.RWMutex
	closed   bool
}

// New constructs a Pool. Callers must still call AddFarm for at
// least one farm and then Init before using it.
func New(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	slabs := &slabArray{}
	p := &Pool{
		cfg:    cfg,
		logger: log.WithComponent("bbp"),
		slabs:  slabs,
		locks:  &swapLocks{},
		free:   newFreeList(cfg.ShardCount, slabs),
		atoms:  atomreg.NewRegistry(),
		farms:  farm.NewRegistry(),
		Events: events.NewBroker(),
	}
	p.names = newNameHash(slabs, 1024)
	p.Events.Start()
	return p
}

// Atoms exposes the pool's atom registry so callers can register
// element types before inserting BATs of that type.
func (p *Pool) Atoms() *atomreg.Registry { return p.atoms }

// AddFarm registers a storage farm, matching the add_farm(dir,
// rolemask) external operation. Must be called before Init.
func (p *Pool) AddFarm(dir string, role farm.Role) (*farm.Farm, error) {
	return p.farms.Add(dir, role)
}

// Init brings the pool up: locks every registered farm, recovers from
// any interrupted commit, loads BBP.dir, and starts the background
// trimmer. firstTime skips recovery and directory loading for a farm
// known to be freshly created.
func (p *Pool) Init(firstTime bool) error {
	if p.cfg.DataDir == "" {
		return fmt.Errorf("bbp: init: DataDir is required")
	}
	if err := os.MkdirAll(p.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("bbp: init: create data dir: %w", err)
	}
	if len(p.farms.All()) == 0 {
		if _, err := p.AddFarm(p.cfg.DataDir, farm.RolePersistent|farm.RoleTransient); err != nil {
			return err
		}
	}
	if err := p.farms.LockAll(); err != nil {
		return fmt.Errorf("bbp: init: %w", err)
	}

	if !firstTime {
		if err := p.recover(); err != nil {
			p.farms.UnlockAll()
			return fmt.Errorf("bbp: init: recovery: %w", err)
		}
		if err := p.loadDirectory(); err != nil {
			p.farms.UnlockAll()
			return fmt.Errorf("bbp: init: load directory: %w", err)
		}
		if err := p.diskScan(); err != nil {
			p.farms.UnlockAll()
			return fmt.Errorf("bbp: init: disk scan: %w", err)
		}
		p.Events.Publish(&events.Event{Type: events.EventRecovered, Message: "pool recovered"})
	}

	metrics.SlotsTotal.Set(float64(p.slabs.limit))

	p.trimmer = newTrimmer(p)
	p.trimmer.Start()

	p.logger.Info().Str("data_dir", p.cfg.DataDir).Bool("first_time", firstTime).Msg("pool initialised")
	return nil
}

// Exit stops the trimmer and releases every farm lock. It does not
// flush or commit anything; callers that need a clean shutdown should
// Sync first.
func (p *Pool) Exit() error {
	p.closedMu.Lock()
	p.closed = true
	p.closedMu.Unlock()

	if p.trimmer != nil {
		p.trimmer.Stop()
	}
	p.farms.UnlockAll()
	p.Events.Stop()
	p.logger.Info().Msg("pool exited")
	return nil
}

func (p *Pool) checkOpen() error {
	p.closedMu.RLock()
	defer p.closedMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	return nil
}

// Lock is the global quiescence operation: it waits out every
// in-flight unload, then acquires the name-index lock, every shard's
// free-list lock, and every swap lock, in that order, matching
// BBPlock in spec.md section 4.3. It blocks all other pool operations
// until Unlock is called.
func (p *Pool) Lock() {
	p.waitAllQuiescent()
	p.names.mu.Lock()
	for _, sh := range p.free.shards {
		sh.mu.Lock()
	}
	for i := range p.locks {
		p.locks[i].Lock()
	}
}

// Unlock releases every lock Lock acquired, in reverse order.
func (p *Pool) Unlock() {
	for i := len(p.locks) - 1; i >= 0; i-- {
		p.locks[i].Unlock()
	}
	for i := len(p.free.shards) - 1; i >= 0; i-- {
		p.free.shards[i].mu.Unlock()
	}
	p.names.mu.Unlock()
}

// waitAllQuiescent spins until no slot in the currently allocated
// slabs carries any WAITING bit, the precondition BBPlock imposes
// before it starts acquiring locks.
func (p *Pool) waitAllQuiescent() {
	for {
		busy := false
		limit := p.slabs.limit
		for top := uint32(0); top*slabSize < limit; top++ {
			slab := p.slabs.top[top].Load()
			if slab == nil {
				continue
			}
			for i := range slab {
				if slab[i].status.Any(StatusWaiting) {
					busy = true
					break
				}
			}
			if busy {
				break
			}
		}
		if !busy {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *Pool) dirPath() string {
	return filepath.Join(p.cfg.DataDir, "BBP.dir")
}

func (p *Pool) backupPath() string {
	return filepath.Join(p.cfg.DataDir, "BACKUP")
}

func (p *Pool) subcommitPath() string {
	return filepath.Join(p.backupPath(), "SUBCOMMIT")
}

func (p *Pool) deleteMePath() string {
	return filepath.Join(p.cfg.DataDir, "DELETE_ME")
}

func (p *Pool) leftPath() string {
	return filepath.Join(p.cfg.DataDir, "LEFT")
}

func (p *Pool) tempPath() string {
	return filepath.Join(p.cfg.DataDir, "TEMP")
}
