// Package backstore owns the set of physical block devices backing one pool:
// enrollment and removal, the per-device allocation table, optional
// encryption wrapping, and the cap device — the linear concatenation of all
// member data regions exposed to the thin-pool layer as one logical address
// space.
package backstore

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

// MinDeviceSize is the enrollment floor: a device must fit the metadata
// reserve plus a useful amount of allocatable space.
const MinDeviceSize = blockdev.Sectors(2 * 1024 * 1024) // 1 GiB

// BlockDev is one enrolled member device.
type BlockDev struct {
	ID ids.DevID
	// PhysPath is the path the device was last seen at. Advisory only.
	PhysPath string
	// Node is the path all I/O goes through: the decrypted mapping when the
	// pool is encrypted, otherwise the physical path.
	Node string
	// CapStart is this device's offset in the cap address space.
	CapStart blockdev.Sectors

	dev   *blockdev.Dev
	alloc *allocator
}

// Size returns the device size in sectors.
func (b *BlockDev) Size() blockdev.Sectors { return b.dev.Size() }

// dataLength is the portion of the device contributed to the cap device.
func (b *BlockDev) dataLength() blockdev.Sectors { return b.dev.Size() - metadata.DataStart }

// Backstore drives the member devices of one pool.
type Backstore struct {
	logger *slog.Logger
	store  *metadata.Store
	crypt  dm.Crypt

	poolID    ids.PoolID
	poolName  string
	encrypted bool
	keyfile   string

	// devs is in enrollment order; cap offsets are assigned append-only so
	// tables referencing earlier offsets stay valid when devices are added.
	devs []*BlockDev
}

func New(logger *slog.Logger, store *metadata.Store, crypt dm.Crypt, poolID ids.PoolID, poolName string, encrypted bool, keyfile string) *Backstore {
	return &Backstore{
		logger:    logger.With("component", "backstore", "pool", poolID.String()),
		store:     store,
		crypt:     crypt,
		poolID:    poolID,
		poolName:  poolName,
		encrypted: encrypted,
		keyfile:   keyfile,
	}
}

func (bs *Backstore) Encrypted() bool { return bs.encrypted }

// Devices returns the member devices in cap order.
func (bs *Backstore) Devices() []*BlockDev {
	return append([]*BlockDev(nil), bs.devs...)
}

func (bs *Backstore) find(id ids.DevID) *BlockDev {
	for _, d := range bs.devs {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// capEnd returns the first unassigned cap offset.
func (bs *Backstore) capEnd() blockdev.Sectors {
	if len(bs.devs) == 0 {
		return 0
	}
	last := bs.devs[len(bs.devs)-1]
	return last.CapStart + last.dataLength()
}

// CapLength is the total length of the cap device.
func (bs *Backstore) CapLength() blockdev.Sectors { return bs.capEnd() }

// Available is the total unallocated space across all members.
func (bs *Backstore) Available() blockdev.Sectors {
	var total blockdev.Sectors
	for _, d := range bs.devs {
		total += d.alloc.available()
	}
	return total
}

// AddDevice enrolls the device at path. Idempotent: a device already carrying
// this pool's header is recognized and its existing id returned, which makes
// duplicate device-appeared deliveries harmless.
func (bs *Backstore) AddDevice(ctx context.Context, path string) (ids.DevID, error) {
	// Duplicate delivery of the same path is a no-op.
	for _, d := range bs.devs {
		if d.PhysPath == path {
			return d.ID, nil
		}
	}

	phys, err := blockdev.Open(path)
	if err != nil {
		return ids.DevID{}, errs.Wrap(errs.ErrDeviceNotFound, "open %s: %v", path, err)
	}

	if phys.Size() < MinDeviceSize {
		phys.Close()
		return ids.DevID{}, fmt.Errorf("device %s too small: %s (min %s)", path, phys.Size(), MinDeviceSize)
	}

	// Ownership scan before touching anything.
	if owner, err := bs.claimCheck(ctx, phys, path); err != nil {
		phys.Close()
		return ids.DevID{}, err
	} else if !owner.IsZero() {
		// already one of ours
		phys.Close()
		return owner, nil
	}

	devID := ids.NewDevID()
	node := path
	ioDev := phys

	if bs.encrypted {
		// The device is wrapped before any allocation so the metadata
		// reserve itself lives on the encrypted mapping. Identity goes into
		// the LUKS2 token area, which a startup scan can read without the
		// key; without it a rebooted member would be indistinguishable from
		// a foreign LUKS device.
		phys.Close()
		if err := bs.crypt.Format(ctx, path, bs.keyfile); err != nil {
			return ids.DevID{}, err
		}
		token, err := encodeCryptToken(bs.poolID, devID, bs.poolName)
		if err != nil {
			return ids.DevID{}, fmt.Errorf("encode identity token: %w", err)
		}
		if err := bs.crypt.SetToken(ctx, path, token); err != nil {
			return ids.DevID{}, err
		}
		node, err = bs.crypt.Open(ctx, path, dm.CryptName(devID), bs.keyfile)
		if err != nil {
			return ids.DevID{}, err
		}
		ioDev, err = blockdev.Open(node)
		if err != nil {
			return ids.DevID{}, fmt.Errorf("open decrypted mapping %s: %w", node, err)
		}
	}

	header := &metadata.DeviceHeader{
		PoolID:      bs.poolID,
		DevID:       devID,
		Size:        ioDev.Size(),
		Initialized: time.Now().UTC(),
	}
	if err := bs.store.WriteHeader(ioDev, header); err != nil {
		ioDev.Close()
		return ids.DevID{}, fmt.Errorf("initialize device %s: %w", path, err)
	}

	bd := &BlockDev{
		ID:       devID,
		PhysPath: path,
		Node:     node,
		CapStart: bs.capEnd(),
		dev:      ioDev,
		alloc:    newAllocator(ioDev.Size()),
	}
	bs.devs = append(bs.devs, bd)

	bs.logger.Info("device enrolled", "path", path, "device", devID.String(), "size", ioDev.Size().String())
	return devID, nil
}

// claimCheck inspects existing metadata on a candidate device. Returns the
// existing member id when the device already belongs to this pool, a zero id
// when the device is unclaimed, and ErrDeviceOwned when another pool's valid
// header is present.
func (bs *Backstore) claimCheck(ctx context.Context, phys *blockdev.Dev, path string) (ids.DevID, error) {
	header, err := bs.store.ReadHeader(phys)
	if err != nil {
		// Headers present but unreadable: refuse to steal the device.
		return ids.DevID{}, errs.Wrap(errs.ErrDeviceOwned, "unreadable header on %s: %v", path, err)
	}
	if header == nil {
		// No raw header. A LUKS device may still be one of ours: the
		// identity token is readable without the key.
		isLuks, err := bs.crypt.IsLUKS(ctx, path)
		if err != nil {
			return ids.DevID{}, err
		}
		if !isLuks {
			return ids.DevID{}, nil
		}
		raw, err := bs.crypt.Token(ctx, path)
		if err != nil {
			return ids.DevID{}, err
		}
		if tok, ok := ParseCryptToken(raw); ok && tok.PoolID == bs.poolID {
			if existing := bs.find(tok.DevID); existing != nil {
				return existing.ID, nil
			}
			return ids.DevID{}, errs.Wrap(errs.ErrDeviceOwned, "%s carries this pool's token for unknown member %s", path, tok.DevID)
		}
		return ids.DevID{}, errs.Wrap(errs.ErrDeviceOwned, "%s already carries a LUKS header", path)
	}
	if header.PoolID != bs.poolID {
		return ids.DevID{}, errs.Wrap(errs.ErrDeviceOwned, "%s belongs to pool %s", path, header.PoolID)
	}
	if existing := bs.find(header.DevID); existing != nil {
		return existing.ID, nil
	}
	return ids.DevID{}, errs.Wrap(errs.ErrDeviceOwned, "%s carries this pool's header for unknown member %s", path, header.DevID)
}

// PlanRemoveDevice drops a member from the records. Refused with
// ErrDeviceInUse while the device, or any member after it in cap order,
// holds live allocations: cap offsets of allocated ranges must never move.
// The device itself is untouched here; the shrunk state must be durable on
// the remaining members before FinishRemoveDevice wipes it, or a crash in
// between leaves the survivors pointing at a member that cannot identify
// itself.
func (bs *Backstore) PlanRemoveDevice(id ids.DevID) (*BlockDev, error) {
	idx := -1
	for i, d := range bs.devs {
		if d.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, errs.Wrap(errs.ErrDeviceNotFound, "device %s is not a pool member", id)
	}

	for _, d := range bs.devs[idx:] {
		if !d.alloc.onlyReserve() {
			return nil, errs.Wrap(errs.ErrDeviceInUse, "device %s holds live allocations", d.ID)
		}
	}

	bd := bs.devs[idx]
	bs.devs = append(bs.devs[:idx], bs.devs[idx+1:]...)
	// Devices after idx held no allocations; compacting their cap offsets is
	// safe and keeps the cap address space contiguous.
	for i := idx; i < len(bs.devs); i++ {
		if i == 0 {
			bs.devs[i].CapStart = 0
		} else {
			prev := bs.devs[i-1]
			bs.devs[i].CapStart = prev.CapStart + prev.dataLength()
		}
	}
	return bd, nil
}

// FinishRemoveDevice wipes and releases a member dropped by
// PlanRemoveDevice, after the shrunk state has been persisted.
func (bs *Backstore) FinishRemoveDevice(ctx context.Context, bd *BlockDev) error {
	if err := bs.store.Wipe(bd.dev); err != nil {
		return err
	}
	bd.dev.Close()
	if bs.encrypted {
		if err := bs.crypt.Close(ctx, dm.CryptName(bd.ID)); err != nil {
			return err
		}
	}
	bs.logger.Info("device removed", "device", bd.ID.String())
	return nil
}

// UpdateTokens rewrites every member's identity token after a pool rename,
// so the pre-decryption keyfile lookup keeps resolving.
func (bs *Backstore) UpdateTokens(ctx context.Context, poolName string) error {
	bs.poolName = poolName
	if !bs.encrypted {
		return nil
	}
	for _, d := range bs.devs {
		token, err := encodeCryptToken(bs.poolID, d.ID, poolName)
		if err != nil {
			return err
		}
		if err := bs.crypt.SetToken(ctx, d.PhysPath, token); err != nil {
			return err
		}
	}
	return nil
}

// snapshotState captures the member list and allocator contents for
// rollback.
type snapshotState struct {
	devs []*BlockDev
	segs [][]metadata.SegmentRecord
	caps []blockdev.Sectors
}

// Snapshot captures the current member set and allocations so a failed plan
// or persist can be rolled back without leaking allocated ranges.
func (bs *Backstore) Snapshot() any {
	snap := &snapshotState{devs: append([]*BlockDev(nil), bs.devs...)}
	for _, d := range bs.devs {
		snap.segs = append(snap.segs, d.alloc.records())
		snap.caps = append(snap.caps, d.CapStart)
	}
	return snap
}

// RestoreSnapshot undoes all mutations since the matching Snapshot. Handles
// of devices enrolled since then are released; a header already stamped on
// such a device stays until the device is wiped or re-enrolled, the same
// exposure as an interrupted enrollment.
func (bs *Backstore) RestoreSnapshot(s any) {
	snap := s.(*snapshotState)
	kept := make(map[*BlockDev]bool, len(snap.devs))
	for _, d := range snap.devs {
		kept[d] = true
	}
	for _, d := range bs.devs {
		if !kept[d] {
			d.dev.Close()
		}
	}
	bs.devs = snap.devs
	for i, d := range bs.devs {
		d.CapStart = snap.caps[i]
		d.alloc = restoreAllocator(d.dev.Size(), snap.segs[i])
	}
}

// Alloc carves need sectors out of the cap address space, spanning members
// in cap order. Atomic: either the whole request is granted or nothing is
// allocated and ErrOutOfSpace is returned.
func (bs *Backstore) Alloc(need blockdev.Sectors, consumer metadata.Consumer) ([]metadata.CapRange, error) {
	if bs.Available() < need {
		return nil, errs.Wrap(errs.ErrOutOfSpace, "need %d sectors, %d available", need, bs.Available())
	}

	var ranges []metadata.CapRange
	remaining := need
	for _, d := range bs.devs {
		if remaining == 0 {
			break
		}
		for _, seg := range d.alloc.request(remaining, consumer) {
			ranges = append(ranges, metadata.CapRange{
				Start:  d.CapStart + (seg.Start - metadata.DataStart),
				Length: seg.Length,
			})
			remaining -= seg.Length
		}
	}
	if remaining != 0 {
		// Cannot happen while Available is consistent with the allocators.
		return nil, fmt.Errorf("allocator shortfall: %d sectors unsatisfied", remaining)
	}
	return ranges, nil
}

// CapTable builds the linear device-mapper table realizing the cap device.
func (bs *Backstore) CapTable() dm.Table {
	var table dm.Table
	var logical blockdev.Sectors
	for _, d := range bs.devs {
		table = append(table, dm.LinearLine(logical, d.dataLength(), d.Node, metadata.DataStart))
		logical += d.dataLength()
	}
	return table
}

// WriteState persists state to every member's metadata reserve. All members
// must acknowledge: a partial write aborts the operation before any device
// stack mutation happens.
func (bs *Backstore) WriteState(state *metadata.PoolState, generation uint64, stamp time.Time) error {
	if len(bs.devs) == 0 {
		return fmt.Errorf("no devices to persist metadata to")
	}
	for _, d := range bs.devs {
		if err := bs.store.Save(d.dev, state, generation, stamp); err != nil {
			return fmt.Errorf("persist metadata to %s: %w", d.ID, err)
		}
	}
	return nil
}

// Record returns the persisted form of all member devices.
func (bs *Backstore) Record() []metadata.DeviceRecord {
	records := make([]metadata.DeviceRecord, 0, len(bs.devs))
	for _, d := range bs.devs {
		records = append(records, metadata.DeviceRecord{
			DevID:    d.ID,
			Size:     d.dev.Size(),
			CapStart: d.CapStart,
			Segments: d.alloc.records(),
		})
	}
	return records
}

// Restore rebuilds a backstore from persisted records, resolving each member
// id to its current physical path. Paths are advisory; identity comes from
// the header the resolver already verified.
func Restore(ctx context.Context, logger *slog.Logger, store *metadata.Store, crypt dm.Crypt,
	state *metadata.PoolState, keyfile string, paths map[ids.DevID]string) (*Backstore, error) {

	bs := New(logger, store, crypt, state.PoolID, state.Name, state.Encrypted, keyfile)
	for _, rec := range state.Devices {
		path, ok := paths[rec.DevID]
		if !ok {
			return nil, errs.Wrap(errs.ErrDeviceNotFound, "member %s of pool %s not present", rec.DevID, state.PoolID)
		}

		node := path
		if state.Encrypted {
			opened, err := crypt.Open(ctx, path, dm.CryptName(rec.DevID), keyfile)
			if err != nil {
				return nil, err
			}
			node = opened
		}

		dev, err := blockdev.Open(node)
		if err != nil {
			return nil, fmt.Errorf("open member %s at %s: %w", rec.DevID, node, err)
		}

		bs.devs = append(bs.devs, &BlockDev{
			ID:       rec.DevID,
			PhysPath: path,
			Node:     node,
			CapStart: rec.CapStart,
			dev:      dev,
			alloc:    restoreAllocator(rec.Size, rec.Segments),
		})
	}
	return bs, nil
}

// Destroy wipes every member and releases all handles. The caller has
// already torn down the device stack above.
func (bs *Backstore) Destroy(ctx context.Context) error {
	for _, d := range bs.devs {
		if err := bs.store.Wipe(d.dev); err != nil {
			return err
		}
		d.dev.Close()
		if bs.encrypted {
			if err := bs.crypt.Close(ctx, dm.CryptName(d.ID)); err != nil {
				return err
			}
		}
	}
	bs.devs = nil
	return nil
}

// Close releases device handles without touching on-disk state.
func (bs *Backstore) Close() {
	for _, d := range bs.devs {
		d.dev.Close()
	}
}

// MetadataDevice returns the open handle of the first member, for diagnostic
// dumps.
func (bs *Backstore) MetadataDevice() (metadata.Device, error) {
	if len(bs.devs) == 0 {
		return nil, fmt.Errorf("pool has no member devices")
	}
	return bs.devs[0].dev, nil
}
