// Package thinpool builds and manages the device-mapper thin-pool construct
// on top of a pool's cap device: the metadata and data sub-devices, the
// thin-pool target itself, and the thin volumes (filesystems) carved from
// it.
package thinpool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/elee1766/gostrata/pkg/blockdev"
	"github.com/elee1766/gostrata/pkg/dm"
	"github.com/elee1766/gostrata/pkg/errs"
	"github.com/elee1766/gostrata/pkg/ids"
	"github.com/elee1766/gostrata/pkg/metadata"
)

// State is the orchestrator's lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateActive        State = "active"
	StateExtending     State = "extending"
	StateDegraded      State = "degraded"
)

const (
	// DefaultBlockSize is the thin-pool data block size (1 MiB).
	DefaultBlockSize = blockdev.Sectors(2048)

	// minMetaSize is the floor for the thin-pool metadata sub-device (8 MiB).
	minMetaSize = blockdev.Sectors(16384)
)

// Filesystem is one thin volume.
type Filesystem struct {
	FsID    ids.FsID
	Name    string
	Size    blockdev.Sectors
	ThinID  uint64
	Created time.Time
	// Origin is set when this filesystem was created as a snapshot. Weak
	// reference: the origin may already be destroyed.
	Origin *ids.FsID
}

// ThinPool orchestrates one pool's thin-provisioning stack. Mutations are
// two-phase: plan methods update in-memory records only (so the aggregate
// can persist metadata first), apply methods issue the device-mapper
// changes.
type ThinPool struct {
	logger *slog.Logger
	dmi    dm.DM

	poolID ids.PoolID
	record metadata.ThinPoolRecord
	fss    []*Filesystem
	state  State
}

func New(logger *slog.Logger, dmi dm.DM, poolID ids.PoolID) *ThinPool {
	return &ThinPool{
		logger: logger.With("component", "thinpool", "pool", poolID.String()),
		dmi:    dmi,
		poolID: poolID,
		state:  StateUninitialized,
	}
}

// Restore rebuilds the orchestrator from persisted records.
func Restore(logger *slog.Logger, dmi dm.DM, poolID ids.PoolID, record metadata.ThinPoolRecord, fss []metadata.FilesystemRecord) *ThinPool {
	tp := New(logger, dmi, poolID)
	tp.record = record
	for _, rec := range fss {
		tp.fss = append(tp.fss, &Filesystem{
			FsID:    rec.FsID,
			Name:    rec.Name,
			Size:    rec.Size,
			ThinID:  rec.ThinID,
			Created: rec.Created,
			Origin:  rec.Origin,
		})
	}
	tp.state = StateActive
	return tp
}

func (tp *ThinPool) State() State { return tp.state }

// SetDegraded is called when the backing layer is exhausted; only extension
// or operator intervention leaves this state.
func (tp *ThinPool) SetDegraded() {
	if tp.state != StateDegraded {
		tp.logger.Warn("thin pool degraded: low water mark crossed with no free backing extent")
		tp.state = StateDegraded
	}
}

// Record returns the persisted form of the orchestrator.
func (tp *ThinPool) Record() metadata.ThinPoolRecord { return tp.record }

// FilesystemRecords returns the persisted form of all filesystems.
func (tp *ThinPool) FilesystemRecords() []metadata.FilesystemRecord {
	records := make([]metadata.FilesystemRecord, 0, len(tp.fss))
	for _, fs := range tp.fss {
		records = append(records, metadata.FilesystemRecord{
			FsID:    fs.FsID,
			Name:    fs.Name,
			Size:    fs.Size,
			ThinID:  fs.ThinID,
			Created: fs.Created,
			Origin:  fs.Origin,
		})
	}
	return records
}

// Filesystems lists all thin volumes.
func (tp *ThinPool) Filesystems() []*Filesystem {
	return append([]*Filesystem(nil), tp.fss...)
}

// Lookup returns the filesystem with the given id.
func (tp *ThinPool) Lookup(id ids.FsID) (*Filesystem, error) {
	for _, fs := range tp.fss {
		if fs.FsID == id {
			return fs, nil
		}
	}
	return nil, errs.Wrap(errs.ErrFilesystemNotFound, "filesystem %s", id)
}

// LookupName returns the filesystem with the given name.
func (tp *ThinPool) LookupName(name string) (*Filesystem, bool) {
	for _, fs := range tp.fss {
		if fs.Name == name {
			return fs, true
		}
	}
	return nil, false
}

// snapshotState supports rollback when metadata persistence fails after a
// plan mutation: the aggregate captures state before planning and restores
// it on failure, keeping aborted operations free of side effects.
type snapshotState struct {
	record metadata.ThinPoolRecord
	fss    []*Filesystem
	state  State
}

// Snapshot captures the orchestrator's mutable state.
func (tp *ThinPool) Snapshot() any {
	snap := &snapshotState{
		record: tp.record,
		state:  tp.state,
	}
	snap.record.MetaSegs = append([]metadata.CapRange(nil), tp.record.MetaSegs...)
	snap.record.DataSegs = append([]metadata.CapRange(nil), tp.record.DataSegs...)
	for _, fs := range tp.fss {
		c := *fs
		snap.fss = append(snap.fss, &c)
	}
	return snap
}

// RestoreSnapshot undoes all plan mutations since the matching Snapshot.
func (tp *ThinPool) RestoreSnapshot(s any) {
	snap := s.(*snapshotState)
	tp.record = snap.record
	tp.fss = snap.fss
	tp.state = snap.state
}

// PlanCreatePool sizes the initial metadata and data sub-devices out of the
// backstore's free space. alloc is the backstore allocation func.
func (tp *ThinPool) PlanCreatePool(capLength blockdev.Sectors, lowWater blockdev.Sectors,
	alloc func(blockdev.Sectors, metadata.Consumer) ([]metadata.CapRange, error)) error {

	if tp.state != StateUninitialized {
		return fmt.Errorf("thin pool already initialized")
	}

	metaSize := capLength / 1000
	if metaSize < minMetaSize {
		metaSize = minMetaSize
	}

	metaSegs, err := alloc(metaSize, metadata.ConsumerThinMeta)
	if err != nil {
		return err
	}

	// All remaining space backs the data device; growth comes from added
	// devices via extension.
	dataSize := capLength - metaSize
	dataSegs, err := alloc(dataSize, metadata.ConsumerThinData)
	if err != nil {
		return err
	}

	tp.record = metadata.ThinPoolRecord{
		MetaSegs:  metaSegs,
		DataSegs:  dataSegs,
		BlockSize: DefaultBlockSize,
		LowWater:  lowWater,
	}
	tp.state = StateActive
	return nil
}

// PlanExtend grows the data sub-device with newly added backstore capacity.
// The only path out of Degraded.
func (tp *ThinPool) PlanExtend(additional blockdev.Sectors,
	alloc func(blockdev.Sectors, metadata.Consumer) ([]metadata.CapRange, error)) error {

	if tp.state == StateUninitialized {
		return fmt.Errorf("thin pool not initialized")
	}

	segs, err := alloc(additional, metadata.ConsumerThinData)
	if err != nil {
		return err
	}
	tp.record.DataSegs = append(tp.record.DataSegs, segs...)
	tp.state = StateExtending
	return nil
}

// FinishExtend returns the pool to Active after the grown tables are live.
func (tp *ThinPool) FinishExtend() {
	if tp.state == StateExtending {
		tp.state = StateActive
	}
}

// subDeviceTable builds a linear table realizing a sub-device over cap
// ranges.
func subDeviceTable(capPath string, segs []metadata.CapRange) dm.Table {
	var table dm.Table
	var logical blockdev.Sectors
	for _, seg := range segs {
		table = append(table, dm.LinearLine(logical, seg.Length, capPath, seg.Start))
		logical += seg.Length
	}
	return table
}

// DesiredDevices returns the full desired device-mapper state for this
// orchestrator: name -> table, in creation order. Recovery compares this
// against live kernel state.
func (tp *ThinPool) DesiredDevices(capPath string) []dm.Desired {
	metaName := dm.ThinMetaName(tp.poolID)
	dataName := dm.ThinDataName(tp.poolID)
	poolName := dm.ThinPoolName(tp.poolID)

	desired := []dm.Desired{
		{Name: metaName, Table: subDeviceTable(capPath, tp.record.MetaSegs)},
		{Name: dataName, Table: subDeviceTable(capPath, tp.record.DataSegs)},
		{Name: poolName, Table: dm.Table{dm.ThinPoolLine(
			tp.record.DataSize(),
			tp.dmi.Path(metaName),
			tp.dmi.Path(dataName),
			tp.record.BlockSize,
			tp.record.LowWater,
		)}},
	}

	for _, fs := range tp.fss {
		desired = append(desired, dm.Desired{
			Name:  dm.ThinVolName(tp.poolID, fs.FsID),
			Table: dm.Table{dm.ThinLine(fs.Size, tp.dmi.Path(poolName), fs.ThinID)},
		})
	}
	return desired
}

// EnsureDevices brings live device-mapper state up to the desired state,
// idempotently: missing devices are created, present devices with stale
// tables are reloaded, matching devices are left alone. Thin volumes whose
// thin ids are not yet known to the pool target are provisioned first.
func (tp *ThinPool) EnsureDevices(ctx context.Context, capPath string) error {
	poolName := dm.ThinPoolName(tp.poolID)

	for _, want := range tp.DesiredDevices(capPath) {
		exists, err := tp.dmi.Exists(ctx, want.Name)
		if err != nil {
			return err
		}
		if !exists {
			// Thin volumes need their thin id provisioned inside the pool
			// before activation. create_thin on an existing id fails, which
			// is fine: the id was provisioned in a previous attempt.
			if len(want.Table) == 1 && want.Table[0].Type == dm.TargetThin {
				fs := tp.fsByDevName(want.Name)
				if fs != nil {
					msg := fmt.Sprintf("create_thin %d", fs.ThinID)
					if err := tp.dmi.Message(ctx, poolName, 0, msg); err != nil {
						tp.logger.Debug("create_thin during ensure", "fs", fs.Name, "error", err)
					}
				}
			}
			if err := tp.dmi.Create(ctx, want.Name, want.Table); err != nil {
				return err
			}
			continue
		}

		live, err := tp.dmi.TableOf(ctx, want.Name)
		if err != nil {
			return err
		}
		if !live.Equal(want.Table) {
			if err := tp.dmi.Reload(ctx, want.Name, want.Table); err != nil {
				return err
			}
		}
	}
	return nil
}

func (tp *ThinPool) fsByDevName(name string) *Filesystem {
	for _, fs := range tp.fss {
		if dm.ThinVolName(tp.poolID, fs.FsID) == name {
			return fs
		}
	}
	return nil
}

// Teardown removes all of this orchestrator's device-mapper devices, thin
// volumes first.
func (tp *ThinPool) Teardown(ctx context.Context) error {
	for _, fs := range tp.fss {
		name := dm.ThinVolName(tp.poolID, fs.FsID)
		if exists, _ := tp.dmi.Exists(ctx, name); exists {
			if err := tp.dmi.Remove(ctx, name); err != nil {
				return err
			}
		}
	}
	for _, name := range []string{
		dm.ThinPoolName(tp.poolID),
		dm.ThinDataName(tp.poolID),
		dm.ThinMetaName(tp.poolID),
	} {
		if exists, _ := tp.dmi.Exists(ctx, name); exists {
			if err := tp.dmi.Remove(ctx, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Utilization reports committed logical size against backing capacity.
// Over-provisioning is permitted; the caller decides when the gap calls for
// extension or degradation.
type Utilization struct {
	DataSize  blockdev.Sectors // thin-pool data device capacity
	Committed blockdev.Sectors // sum of filesystem logical sizes
	LowWater  blockdev.Sectors
}

func (u Utilization) OverCommitted() bool { return u.Committed > u.DataSize }

// BelowLowWater reports whether free capacity has dropped under the
// low-water mark.
func (u Utilization) BelowLowWater() bool {
	if u.Committed >= u.DataSize {
		return true
	}
	return u.DataSize-u.Committed < u.LowWater
}

func (tp *ThinPool) Utilization() Utilization {
	var committed blockdev.Sectors
	for _, fs := range tp.fss {
		committed += fs.Size
	}
	return Utilization{
		DataSize:  tp.record.DataSize(),
		Committed: committed,
		LowWater:  tp.record.LowWater,
	}
}
