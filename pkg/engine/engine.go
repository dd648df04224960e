// Package engine owns the set of pools on a machine: creation, lookup,
// destruction, recovery after restart, and intake of device events. All
// mutations on one pool serialize on that pool's mutex; the engine's own
// lock only guards the pool table.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/elee1766/gostrata/pkg/blockdev"
	"github.com/elee1766/gostrata/pkg/config"
	"github.com/elee1766/gostrata/pkg/db"
	"github.com/elee1766/gostrata/pkg/dm"
	"github.com/elee1766/gostrata/pkg/errs"
	"github.com/elee1766/gostrata/pkg/ids"
	"github.com/elee1766/gostrata/pkg/metadata"
	"github.com/elee1766/gostrata/pkg/pool"
	"github.com/elee1766/gostrata/pkg/thinpool"
)

type Engine struct {
	mu sync.Mutex

	logger *slog.Logger
	store  *metadata.Store
	dmi    dm.DM
	crypt  dm.Crypt
	cfg    *config.Config

	// journal is optional; a nil journal disables history recording.
	journal *db.DB

	pools map[ids.PoolID]*pool.Pool

	// pending holds members of pools whose full device set has not appeared
	// yet, keyed by pool, then member id.
	pending map[ids.PoolID]map[ids.DevID]pendingMember
}

// pendingMember is one identified but not yet assembled pool member.
// Encrypted members carry the pool name from their identity token so the
// keyfile can be located before any metadata is decrypted.
type pendingMember struct {
	path      string
	encrypted bool
	poolName  string
}

func New(logger *slog.Logger, store *metadata.Store, dmi dm.DM, crypt dm.Crypt, cfg *config.Config, journal *db.DB) *Engine {
	return &Engine{
		logger:  logger.With("component", "engine"),
		store:   store,
		dmi:     dmi,
		crypt:   crypt,
		cfg:     cfg,
		journal: journal,
		pools:   make(map[ids.PoolID]*pool.Pool),
		pending: make(map[ids.PoolID]map[ids.DevID]pendingMember),
	}
}

func (e *Engine) record(poolID, poolName, op, target string, started time.Time, err error) {
	if e.journal != nil {
		e.journal.RecordOperation(poolID, poolName, op, target, started, err)
	}
}

// Pools lists all active pools.
func (e *Engine) Pools() []*pool.Pool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*pool.Pool, 0, len(e.pools))
	for _, p := range e.pools {
		out = append(out, p)
	}
	return out
}

// GetPool resolves a pool by id.
func (e *Engine) GetPool(id ids.PoolID) (*pool.Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pools[id]
	if !ok {
		return nil, errs.Wrap(errs.ErrPoolNotFound, "pool %s", id)
	}
	return p, nil
}

// LookupPool resolves a pool by name.
func (e *Engine) LookupPool(name string) (*pool.Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p := e.lookupLocked(name); p != nil {
		return p, nil
	}
	return nil, errs.Wrap(errs.ErrPoolNotFound, "pool %q", name)
}

// lookupLocked resolves a pool by name; callers hold e.mu.
func (e *Engine) lookupLocked(name string) *pool.Pool {
	for _, p := range e.pools {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// CreatePool builds a new pool over the given devices. Pool names are unique
// machine-wide.
func (e *Engine) CreatePool(ctx context.Context, opts pool.Options) (p *pool.Pool, err error) {
	started := time.Now()
	defer func() {
		id := ""
		if p != nil {
			id = p.ID().String()
		}
		e.record(id, opts.Name, "create_pool", "", started, err)
	}()

	// Held across check-and-insert so two concurrent creates of the same
	// name cannot both pass the uniqueness check.
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lookupLocked(opts.Name) != nil {
		return nil, errs.Wrap(errs.ErrNameCollision, "pool %q", opts.Name)
	}

	p, err = pool.Create(ctx, e.logger, e.store, e.dmi, e.crypt, opts)
	if err != nil {
		return nil, err
	}

	e.pools[p.ID()] = p
	return p, nil
}

// DestroyPool tears down a pool's device stack and wipes its members.
func (e *Engine) DestroyPool(ctx context.Context, id ids.PoolID) (err error) {
	started := time.Now()
	p, err := e.GetPool(id)
	if err != nil {
		return err
	}
	defer func() { e.record(id.String(), p.Name(), "destroy_pool", "", started, err) }()

	if err = p.Destroy(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.pools, id)
	e.mu.Unlock()
	return nil
}

// RenamePool changes a pool's display name, keeping names unique.
func (e *Engine) RenamePool(ctx context.Context, id ids.PoolID, newName string) (err error) {
	started := time.Now()

	// Held across check-and-rename so a concurrent create or rename cannot
	// slip the same name in between.
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pools[id]
	if !ok {
		return errs.Wrap(errs.ErrPoolNotFound, "pool %s", id)
	}
	defer func() { e.record(id.String(), p.Name(), "rename_pool", newName, started, err) }()

	if other := e.lookupLocked(newName); other != nil && other.ID() != id {
		return errs.Wrap(errs.ErrNameCollision, "pool %q", newName)
	}
	return p.Rename(ctx, newName)
}

// AddBlockdevs enrolls devices into an existing pool.
func (e *Engine) AddBlockdevs(ctx context.Context, id ids.PoolID, paths []string) (err error) {
	started := time.Now()
	p, err := e.GetPool(id)
	if err != nil {
		return err
	}
	defer func() { e.record(id.String(), p.Name(), "add_blockdevs", "", started, err) }()

	seen := make(map[string]bool)
	for _, path := range paths {
		if seen[path] {
			continue
		}
		seen[path] = true
		if _, err = p.AddDevice(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// CreateFilesystem provisions a thin volume in the named pool.
func (e *Engine) CreateFilesystem(ctx context.Context, poolID ids.PoolID, name string, size blockdev.Sectors) (fsID ids.FsID, err error) {
	started := time.Now()
	p, err := e.GetPool(poolID)
	if err != nil {
		return ids.FsID{}, err
	}
	defer func() { e.record(poolID.String(), p.Name(), "create_filesystem", name, started, err) }()

	return p.CreateFilesystem(ctx, name, size)
}

// SnapshotFilesystem creates a copy-on-write snapshot.
func (e *Engine) SnapshotFilesystem(ctx context.Context, poolID ids.PoolID, origin ids.FsID, name string) (fsID ids.FsID, err error) {
	started := time.Now()
	p, err := e.GetPool(poolID)
	if err != nil {
		return ids.FsID{}, err
	}
	defer func() { e.record(poolID.String(), p.Name(), "snapshot_filesystem", name, started, err) }()

	return p.SnapshotFilesystem(ctx, origin, name)
}

// DestroyFilesystem removes a thin volume.
func (e *Engine) DestroyFilesystem(ctx context.Context, poolID ids.PoolID, fsID ids.FsID) (err error) {
	started := time.Now()
	p, err := e.GetPool(poolID)
	if err != nil {
		return err
	}
	defer func() { e.record(poolID.String(), p.Name(), "destroy_filesystem", fsID.String(), started, err) }()

	return p.DestroyFilesystem(ctx, fsID)
}

// RenameFilesystem changes a thin volume's display name.
func (e *Engine) RenameFilesystem(ctx context.Context, poolID ids.PoolID, fsID ids.FsID, newName string) (err error) {
	started := time.Now()
	p, err := e.GetPool(poolID)
	if err != nil {
		return err
	}
	defer func() { e.record(poolID.String(), p.Name(), "rename_filesystem", newName, started, err) }()

	return p.RenameFilesystem(ctx, fsID, newName)
}

// Filesystems lists thin volumes of one pool.
func (e *Engine) Filesystems(poolID ids.PoolID) ([]*thinpool.Filesystem, error) {
	p, err := e.GetPool(poolID)
	if err != nil {
		return nil, err
	}
	return p.Filesystems(), nil
}

// DumpMetadata returns the decoded current metadata block of a pool, read
// back from its first member device. Diagnostic, read-only.
func (e *Engine) DumpMetadata(poolID ids.PoolID) (*metadata.Block, error) {
	p, err := e.GetPool(poolID)
	if err != nil {
		return nil, err
	}
	dev, err := p.MetadataDevice()
	if err != nil {
		return nil, err
	}
	return e.store.Load(dev)
}

// CheckCapacity runs the low-water check on every pool. Called from the
// polling loop; extension failures are logged, not fatal to the poller.
func (e *Engine) CheckCapacity(ctx context.Context) {
	for _, p := range e.Pools() {
		if err := p.CheckCapacity(ctx); err != nil {
			e.logger.Warn("capacity check", "pool", p.Name(), "error", err)
		}
	}
}

// Stop releases all pool device handles without touching on-disk state.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pools {
		p.Stop()
	}
}
