// Package metadata serializes pool state to a fixed on-device layout and
// persists it with redundancy: every member device carries a 1 MiB metadata
// reserve at its start holding a static identity header (two copies) and two
// full metadata areas (MDAs), each a checksummed, generation-stamped block.
//
// Layout of the reserve, in 512-byte sectors:
//
//	sector 0          left zeroed
//	sector 1          device header copy A (one sector)
//	sector 9          device header copy B (one sector)
//	sector 16         MDA copy A (1016 sectors)
//	sector 1032       MDA copy B (1016 sectors)
//	sector 2048       start of allocatable data
package metadata

import (
	"time"

	"github.com/elee1766/gostrata/pkg/blockdev"
	"github.com/elee1766/gostrata/pkg/ids"
)

const (
	// ReserveSectors is the total metadata reserve claimed at the start of
	// every member device.
	ReserveSectors = blockdev.Sectors(2048)

	// DataStart is the first sector available to the allocator.
	DataStart = ReserveSectors

	headerCopyA = blockdev.Sectors(1)
	headerCopyB = blockdev.Sectors(9)

	mdaCopyA      = blockdev.Sectors(16)
	mdaRegionSize = blockdev.Sectors(1016)
	mdaCopyB      = mdaCopyA + mdaRegionSize

	maxPayloadSize = int(mdaRegionSize)*blockdev.SectorSize - mdaHeaderSize
)

// Consumer tags a segment with the layer that owns it.
type Consumer string

const (
	ConsumerReserve  Consumer = "reserve"  // metadata reserve
	ConsumerThinMeta Consumer = "thinmeta" // thin-pool metadata sub-device
	ConsumerThinData Consumer = "thindata" // thin-pool data sub-device
)

// SegmentRecord is one allocated range on a member device.
type SegmentRecord struct {
	Start    blockdev.Sectors `json:"start"`
	Length   blockdev.Sectors `json:"length"`
	Consumer Consumer         `json:"consumer"`
}

// DeviceRecord is the persisted form of one enrolled block device.
type DeviceRecord struct {
	DevID ids.DevID        `json:"dev_id"`
	Size  blockdev.Sectors `json:"size"`
	// CapStart is the offset of this device's data region in the cap
	// device's logical address space. Stable once assigned; the cap device
	// is only ever extended by appending.
	CapStart blockdev.Sectors `json:"cap_start"`
	Segments []SegmentRecord  `json:"segments"`
}

// CapRange is an allocated range in the cap device's logical address space.
type CapRange struct {
	Start  blockdev.Sectors `json:"start"`
	Length blockdev.Sectors `json:"length"`
}

// ThinPoolRecord captures the thin-pool construct's persisted shape.
type ThinPoolRecord struct {
	MetaSegs   []CapRange       `json:"meta_segs"`
	DataSegs   []CapRange       `json:"data_segs"`
	BlockSize  blockdev.Sectors `json:"block_size"`
	LowWater   blockdev.Sectors `json:"low_water"`
	NextThinID uint64           `json:"next_thin_id"`
}

// MetaSize is the total thin-pool metadata sub-device size.
func (r ThinPoolRecord) MetaSize() blockdev.Sectors {
	var total blockdev.Sectors
	for _, seg := range r.MetaSegs {
		total += seg.Length
	}
	return total
}

// DataSize is the total thin-pool data sub-device size.
func (r ThinPoolRecord) DataSize() blockdev.Sectors {
	var total blockdev.Sectors
	for _, seg := range r.DataSegs {
		total += seg.Length
	}
	return total
}

// FilesystemRecord is the persisted form of one thin volume.
type FilesystemRecord struct {
	FsID    ids.FsID         `json:"fs_id"`
	Name    string           `json:"name"`
	Size    blockdev.Sectors `json:"size"`
	ThinID  uint64           `json:"thin_id"`
	Created time.Time        `json:"created"`
	// Origin is set when the filesystem was created as a snapshot. It is a
	// weak reference: the origin may since have been destroyed.
	Origin *ids.FsID `json:"origin,omitempty"`
}

// PoolState is the full serializable state of one pool. decode(encode(s))
// reproduces s exactly.
type PoolState struct {
	PoolID      ids.PoolID         `json:"pool_id"`
	Name        string             `json:"name"`
	Encrypted   bool               `json:"encrypted"`
	Devices     []DeviceRecord     `json:"devices"`
	ThinPool    ThinPoolRecord     `json:"thin_pool"`
	Filesystems []FilesystemRecord `json:"filesystems"`
}

// DeviceHeader is the static identity header written to every member device
// at enrollment, before any pool metadata exists. It lets scans identify
// ownership without decoding an MDA.
type DeviceHeader struct {
	PoolID      ids.PoolID
	DevID       ids.DevID
	Size        blockdev.Sectors
	Initialized time.Time
}
