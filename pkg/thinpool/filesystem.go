package thinpool

import (
	"context"
	"fmt"
	"time"

	"github.com/elee1766/gostrata/pkg/blockdev"
	"github.com/elee1766/gostrata/pkg/dm"
	"github.com/elee1766/gostrata/pkg/errs"
	"github.com/elee1766/gostrata/pkg/ids"
)

// PlanCreateFilesystem validates and records a new thin volume. No kernel
// state changes until ApplyCreateFilesystem.
func (tp *ThinPool) PlanCreateFilesystem(name string, size blockdev.Sectors) (*Filesystem, error) {
	if err := ids.ValidateName(name); err != nil {
		return nil, err
	}
	switch tp.state {
	case StateUninitialized:
		return nil, fmt.Errorf("thin pool not initialized")
	case StateDegraded:
		return nil, errs.Wrap(errs.ErrOutOfSpace, "pool degraded, refusing new filesystem %q", name)
	}
	if _, ok := tp.LookupName(name); ok {
		return nil, errs.Wrap(errs.ErrNameCollision, "filesystem %q", name)
	}

	fs := &Filesystem{
		FsID:    ids.NewFsID(),
		Name:    name,
		Size:    size,
		ThinID:  tp.record.NextThinID,
		Created: time.Now().UTC(),
	}
	tp.record.NextThinID++
	tp.fss = append(tp.fss, fs)
	return fs, nil
}

// ApplyCreateFilesystem provisions the thin id inside the pool target and
// activates the volume.
func (tp *ThinPool) ApplyCreateFilesystem(ctx context.Context, fs *Filesystem) error {
	poolName := dm.ThinPoolName(tp.poolID)
	if err := tp.dmi.Message(ctx, poolName, 0, fmt.Sprintf("create_thin %d", fs.ThinID)); err != nil {
		return err
	}
	name := dm.ThinVolName(tp.poolID, fs.FsID)
	table := dm.Table{dm.ThinLine(fs.Size, tp.dmi.Path(poolName), fs.ThinID)}
	if err := tp.dmi.Create(ctx, name, table); err != nil {
		return err
	}
	tp.logger.Info("filesystem created", "name", fs.Name, "fs", fs.FsID.String(), "size", fs.Size.String())
	return nil
}

// PlanSnapshot validates and records a copy-on-write snapshot of origin.
// The snapshot shares all backing blocks with its origin and diverges only
// on write; it references the origin but does not own it.
func (tp *ThinPool) PlanSnapshot(originID ids.FsID, name string) (*Filesystem, error) {
	if err := ids.ValidateName(name); err != nil {
		return nil, err
	}
	switch tp.state {
	case StateUninitialized:
		return nil, fmt.Errorf("thin pool not initialized")
	case StateDegraded:
		return nil, errs.Wrap(errs.ErrOutOfSpace, "pool degraded, refusing snapshot %q", name)
	}
	origin, err := tp.Lookup(originID)
	if err != nil {
		return nil, err
	}
	if _, ok := tp.LookupName(name); ok {
		return nil, errs.Wrap(errs.ErrNameCollision, "filesystem %q", name)
	}

	originRef := origin.FsID
	fs := &Filesystem{
		FsID:    ids.NewFsID(),
		Name:    name,
		Size:    origin.Size,
		ThinID:  tp.record.NextThinID,
		Created: time.Now().UTC(),
		Origin:  &originRef,
	}
	tp.record.NextThinID++
	tp.fss = append(tp.fss, fs)
	return fs, nil
}

// ApplySnapshot provisions the snapshot inside the pool target and activates
// it. The origin must be suspended around create_snap per the kernel's
// thin-pool contract; with an externally unmounted origin a plain message
// suffices for the targets this engine manages.
func (tp *ThinPool) ApplySnapshot(ctx context.Context, fs *Filesystem) error {
	origin, err := tp.Lookup(*fs.Origin)
	if err != nil {
		return err
	}
	poolName := dm.ThinPoolName(tp.poolID)
	msg := fmt.Sprintf("create_snap %d %d", fs.ThinID, origin.ThinID)
	if err := tp.dmi.Message(ctx, poolName, 0, msg); err != nil {
		return err
	}
	name := dm.ThinVolName(tp.poolID, fs.FsID)
	table := dm.Table{dm.ThinLine(fs.Size, tp.dmi.Path(poolName), fs.ThinID)}
	if err := tp.dmi.Create(ctx, name, table); err != nil {
		return err
	}
	tp.logger.Info("snapshot created", "name", fs.Name, "origin", origin.Name)
	return nil
}

// PlanDestroyFilesystem removes the filesystem record. Destroying an origin
// with live snapshots succeeds: the thin-pool data device owns the shared
// blocks, not the filesystem record.
func (tp *ThinPool) PlanDestroyFilesystem(id ids.FsID) (*Filesystem, error) {
	for i, fs := range tp.fss {
		if fs.FsID == id {
			tp.fss = append(tp.fss[:i], tp.fss[i+1:]...)
			return fs, nil
		}
	}
	return nil, errs.Wrap(errs.ErrFilesystemNotFound, "filesystem %s", id)
}

// ApplyDestroyFilesystem deactivates the volume and releases its thin id.
// Space already committed to the shared data device is reclaimed by the
// pool target, not here.
func (tp *ThinPool) ApplyDestroyFilesystem(ctx context.Context, fs *Filesystem) error {
	name := dm.ThinVolName(tp.poolID, fs.FsID)
	if exists, err := tp.dmi.Exists(ctx, name); err != nil {
		return err
	} else if exists {
		if err := tp.dmi.Remove(ctx, name); err != nil {
			return err
		}
	}
	poolName := dm.ThinPoolName(tp.poolID)
	if err := tp.dmi.Message(ctx, poolName, 0, fmt.Sprintf("delete %d", fs.ThinID)); err != nil {
		return err
	}
	tp.logger.Info("filesystem destroyed", "name", fs.Name, "fs", fs.FsID.String())
	return nil
}

// PlanRenameFilesystem changes a filesystem's display name. The dm device
// name is derived from the immutable id, so no kernel change is needed.
func (tp *ThinPool) PlanRenameFilesystem(id ids.FsID, newName string) error {
	if err := ids.ValidateName(newName); err != nil {
		return err
	}
	fs, err := tp.Lookup(id)
	if err != nil {
		return err
	}
	if other, ok := tp.LookupName(newName); ok && other.FsID != id {
		return errs.Wrap(errs.ErrNameCollision, "filesystem %q", newName)
	}
	fs.Name = newName
	return nil
}
