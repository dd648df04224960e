// Package pool is the aggregate tying one pool's backstore and thin-pool
// orchestrator together. Every mutation is metadata-first: plan the change
// against in-memory records, persist the new state to every member device's
// reserve, and only then touch the device-mapper stack. A crash between
// persist and apply is repaired by the recovery coordinator from the
// persisted records alone.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/elee1766/gostrata/pkg/backstore"
	"github.com/elee1766/gostrata/pkg/blockdev"
	"github.com/elee1766/gostrata/pkg/dm"
	"github.com/elee1766/gostrata/pkg/errs"
	"github.com/elee1766/gostrata/pkg/ids"
	"github.com/elee1766/gostrata/pkg/metadata"
	"github.com/elee1766/gostrata/pkg/thinpool"
)

// DefaultLowWater is the free-space threshold (in sectors of the data
// device) under which the pool asks for extension: 512 MiB.
const DefaultLowWater = blockdev.Sectors(1024 * 1024)

// Pool is one storage pool: enrolled devices, the cap concatenation over
// them, and the thin-provisioning stack carved from the cap.
type Pool struct {
	mu sync.Mutex

	logger *slog.Logger
	store  *metadata.Store
	dmi    dm.DM

	id   ids.PoolID
	name string

	bs *backstore.Backstore
	tp *thinpool.ThinPool

	// generation counts persisted states; lastStamp enforces a strictly
	// increasing write stamp even when the wall clock steps backwards.
	generation uint64
	lastStamp  time.Time
}

// Options carries pool creation parameters.
type Options struct {
	Name      string
	Paths     []string
	Encrypted bool
	Keyfile   string
	LowWater  blockdev.Sectors
}

// Create builds a new pool over the given devices: enroll and stamp every
// member, persist the initial state, then activate the cap and thin-pool
// stack.
func Create(ctx context.Context, logger *slog.Logger, store *metadata.Store, dmi dm.DM, crypt dm.Crypt, opts Options) (*Pool, error) {
	if err := ids.ValidateName(opts.Name); err != nil {
		return nil, err
	}
	if len(opts.Paths) == 0 {
		return nil, fmt.Errorf("pool %q needs at least one device", opts.Name)
	}
	if opts.Encrypted && opts.Keyfile == "" {
		return nil, fmt.Errorf("encrypted pool %q needs a keyfile", opts.Name)
	}
	lowWater := opts.LowWater
	if lowWater == 0 {
		lowWater = DefaultLowWater
	}

	poolID := ids.NewPoolID()
	p := &Pool{
		logger: logger.With("component", "pool", "pool", poolID.String(), "name", opts.Name),
		store:  store,
		dmi:    dmi,
		id:     poolID,
		name:   opts.Name,
		bs:     backstore.New(logger, store, crypt, poolID, opts.Name, opts.Encrypted, opts.Keyfile),
		tp:     thinpool.New(logger, dmi, poolID),
	}

	for _, path := range opts.Paths {
		if _, err := p.bs.AddDevice(ctx, path); err != nil {
			p.bs.Close()
			return nil, err
		}
	}

	if err := p.tp.PlanCreatePool(p.bs.CapLength(), lowWater, p.bs.Alloc); err != nil {
		p.bs.Close()
		return nil, err
	}

	if err := p.persist(); err != nil {
		p.bs.Close()
		return nil, err
	}

	if err := p.ensureStack(ctx); err != nil {
		return nil, errs.Wrap(errs.ErrPartialApply, "pool %q: state persisted, stack incomplete: %v", opts.Name, err)
	}

	p.logger.Info("pool created", "devices", len(opts.Paths), "capacity", p.bs.CapLength().String())
	return p, nil
}

// Restore rebuilds a pool from a persisted state block and the current
// physical paths of its members, then reconciles the device stack.
func Restore(ctx context.Context, logger *slog.Logger, store *metadata.Store, dmi dm.DM, crypt dm.Crypt,
	block *metadata.Block, keyfile string, paths map[ids.DevID]string) (*Pool, error) {

	state := block.State
	bs, err := backstore.Restore(ctx, logger, store, crypt, state, keyfile, paths)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		logger:     logger.With("component", "pool", "pool", state.PoolID.String(), "name", state.Name),
		store:      store,
		dmi:        dmi,
		id:         state.PoolID,
		name:       state.Name,
		bs:         bs,
		tp:         thinpool.Restore(logger, dmi, state.PoolID, state.ThinPool, state.Filesystems),
		generation: block.Generation,
		lastStamp:  block.Written,
	}

	if err := p.ensureStack(ctx); err != nil {
		p.SetDegraded()
		p.logger.Error("device stack reconciliation incomplete", "error", err)
	}
	return p, nil
}

func (p *Pool) ID() ids.PoolID { return p.id }

func (p *Pool) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *Pool) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// SetDegraded marks the thin layer degraded; provisioning is refused until
// capacity is added.
func (p *Pool) SetDegraded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tp.SetDegraded()
}

// state assembles the persisted form of the whole pool. Caller holds p.mu.
func (p *Pool) state() *metadata.PoolState {
	return &metadata.PoolState{
		PoolID:      p.id,
		Name:        p.name,
		Encrypted:   p.bs.Encrypted(),
		Devices:     p.bs.Record(),
		ThinPool:    p.tp.Record(),
		Filesystems: p.tp.FilesystemRecords(),
	}
}

// persist writes the next generation of state to every member. The stamp is
// bumped past the previous one when the clock has not advanced, so readers
// can order states even across clock steps. Caller holds p.mu.
func (p *Pool) persist() error {
	stamp := time.Now().UTC()
	if !stamp.After(p.lastStamp) {
		stamp = p.lastStamp.Add(time.Nanosecond)
	}
	next := p.generation + 1

	if err := p.bs.WriteState(p.state(), next, stamp); err != nil {
		return err
	}
	p.generation = next
	p.lastStamp = stamp
	return nil
}

// commit runs one metadata-first mutation: snapshot records, plan, persist,
// apply. A plan or persist failure rolls the records back and leaves no
// trace. An apply failure is surfaced as ErrPartialApply: the persisted
// state is the truth and recovery will finish realizing it.
func (p *Pool) commit(ctx context.Context, plan func() error, apply func(context.Context) error) error {
	tpSnap := p.tp.Snapshot()
	bsSnap := p.bs.Snapshot()
	rollback := func() {
		p.tp.RestoreSnapshot(tpSnap)
		p.bs.RestoreSnapshot(bsSnap)
	}

	if err := plan(); err != nil {
		rollback()
		return err
	}
	if err := p.persist(); err != nil {
		rollback()
		return err
	}
	if apply == nil {
		return nil
	}
	if err := apply(ctx); err != nil {
		return errs.Wrap(errs.ErrPartialApply, "state persisted, device stack incomplete: %v", err)
	}
	return nil
}

// ensureStack brings the cap device and the thin stack in line with the
// records. Caller holds p.mu (or has exclusive ownership during Create).
func (p *Pool) ensureStack(ctx context.Context) error {
	capName := dm.CapName(p.id)
	capTable := p.bs.CapTable()

	exists, err := p.dmi.Exists(ctx, capName)
	if err != nil {
		return err
	}
	if !exists {
		if err := p.dmi.Create(ctx, capName, capTable); err != nil {
			return err
		}
	} else {
		live, err := p.dmi.TableOf(ctx, capName)
		if err != nil {
			return err
		}
		if !live.Equal(capTable) {
			if err := p.dmi.Reload(ctx, capName, capTable); err != nil {
				return err
			}
		}
	}

	return p.tp.EnsureDevices(ctx, p.dmi.Path(capName))
}

// AddDevice enrolls a new device and extends the thin data layer with the
// added capacity. Idempotent for devices already enrolled.
func (p *Pool) AddDevice(ctx context.Context, path string) (ids.DevID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	before := p.bs.CapLength()
	var id ids.DevID
	err := p.commit(ctx,
		func() error {
			var err error
			id, err = p.bs.AddDevice(ctx, path)
			if err != nil {
				return err
			}
			added := p.bs.CapLength() - before
			if added == 0 {
				// duplicate delivery, nothing to extend
				return nil
			}
			return p.tp.PlanExtend(added, p.bs.Alloc)
		},
		func(ctx context.Context) error {
			if err := p.ensureStack(ctx); err != nil {
				return err
			}
			p.tp.FinishExtend()
			return nil
		},
	)
	return id, err
}

// RemoveDevice takes a member out of the pool. Refused while the member or
// any later member holds live allocations. The member's reserve is wiped
// only after the shrunk state is durable on the survivors and the stack no
// longer references it.
func (p *Pool) RemoveDevice(ctx context.Context, id ids.DevID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var bd *backstore.BlockDev
	return p.commit(ctx,
		func() error {
			var err error
			bd, err = p.bs.PlanRemoveDevice(id)
			return err
		},
		func(ctx context.Context) error {
			if err := p.ensureStack(ctx); err != nil {
				return err
			}
			return p.bs.FinishRemoveDevice(ctx, bd)
		},
	)
}

// CreateFilesystem provisions a new thin volume.
func (p *Pool) CreateFilesystem(ctx context.Context, name string, size blockdev.Sectors) (ids.FsID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var fs *thinpool.Filesystem
	err := p.commit(ctx,
		func() error {
			var err error
			fs, err = p.tp.PlanCreateFilesystem(name, size)
			return err
		},
		func(ctx context.Context) error { return p.tp.ApplyCreateFilesystem(ctx, fs) },
	)
	if err != nil {
		return ids.FsID{}, err
	}
	return fs.FsID, nil
}

// SnapshotFilesystem creates a copy-on-write snapshot of origin.
func (p *Pool) SnapshotFilesystem(ctx context.Context, origin ids.FsID, name string) (ids.FsID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var fs *thinpool.Filesystem
	err := p.commit(ctx,
		func() error {
			var err error
			fs, err = p.tp.PlanSnapshot(origin, name)
			return err
		},
		func(ctx context.Context) error { return p.tp.ApplySnapshot(ctx, fs) },
	)
	if err != nil {
		return ids.FsID{}, err
	}
	return fs.FsID, nil
}

// DestroyFilesystem removes a thin volume. Snapshots of it survive.
func (p *Pool) DestroyFilesystem(ctx context.Context, id ids.FsID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var fs *thinpool.Filesystem
	return p.commit(ctx,
		func() error {
			var err error
			fs, err = p.tp.PlanDestroyFilesystem(id)
			return err
		},
		func(ctx context.Context) error { return p.tp.ApplyDestroyFilesystem(ctx, fs) },
	)
}

// RenameFilesystem changes a filesystem's display name.
func (p *Pool) RenameFilesystem(ctx context.Context, id ids.FsID, newName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.commit(ctx,
		func() error { return p.tp.PlanRenameFilesystem(id, newName) },
		nil,
	)
}

// Rename changes the pool's display name. Device names are derived from the
// immutable pool id, so no stack change is needed.
func (p *Pool) Rename(ctx context.Context, newName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ids.ValidateName(newName); err != nil {
		return err
	}
	old := p.name
	p.name = newName
	if err := p.persist(); err != nil {
		p.name = old
		return err
	}
	// Identity tokens carry the name for pre-decryption keyfile lookup; a
	// failure here does not undo the rename, the operator re-runs it.
	if err := p.bs.UpdateTokens(ctx, newName); err != nil {
		p.logger.Warn("identity tokens not updated", "error", err)
	}
	p.logger.Info("pool renamed", "from", old, "to", newName)
	return nil
}

// CheckCapacity compares thin utilization against the low-water mark. All
// backing capacity is committed to the thin pool up front, so a low-water
// crossing means the pool needs another device: it goes degraded until one
// is added.
func (p *Pool) CheckCapacity(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	u := p.tp.Utilization()
	if !u.BelowLowWater() {
		return nil
	}

	p.tp.SetDegraded()
	return errs.Wrap(errs.ErrDegraded, "pool %q below low water", p.name)
}

// Filesystems lists the pool's thin volumes.
func (p *Pool) Filesystems() []*thinpool.Filesystem {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tp.Filesystems()
}

// LookupFilesystem resolves a filesystem by name.
func (p *Pool) LookupFilesystem(name string) (*thinpool.Filesystem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tp.LookupName(name)
}

// Devices lists the pool's member devices.
func (p *Pool) Devices() []*backstore.BlockDev {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bs.Devices()
}

// Info is a point-in-time summary for listings and the diagnostic API.
type Info struct {
	ID          ids.PoolID
	Name        string
	Encrypted   bool
	State       thinpool.State
	Generation  uint64
	Devices     int
	CapLength   blockdev.Sectors
	Available   blockdev.Sectors
	Utilization thinpool.Utilization
}

func (p *Pool) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		ID:          p.id,
		Name:        p.name,
		Encrypted:   p.bs.Encrypted(),
		State:       p.tp.State(),
		Generation:  p.generation,
		Devices:     len(p.bs.Devices()),
		CapLength:   p.bs.CapLength(),
		Available:   p.bs.Available(),
		Utilization: p.tp.Utilization(),
	}
}

// StateDump returns the current persisted-form state, for diagnostics.
func (p *Pool) StateDump() *metadata.PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state()
}

// Destroy tears down the device stack and wipes every member's metadata.
// Unlike ordinary mutations this is stack-first: once the reserves are wiped
// there is nothing left to recover.
func (p *Pool) Destroy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.tp.Teardown(ctx); err != nil {
		return err
	}
	capName := dm.CapName(p.id)
	if exists, err := p.dmi.Exists(ctx, capName); err != nil {
		return err
	} else if exists {
		if err := p.dmi.Remove(ctx, capName); err != nil {
			return err
		}
	}
	if err := p.bs.Destroy(ctx); err != nil {
		return err
	}
	p.logger.Info("pool destroyed")
	return nil
}

// Stop releases device handles without touching on-disk state or the device
// stack. Used on daemon shutdown: the stack stays up for mounted consumers.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bs.Close()
}

// MetadataDevice exposes the first member's handle for diagnostic dumps.
func (p *Pool) MetadataDevice() (metadata.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bs.MetadataDevice()
}
