package blockdev

import "github.com/dustin/go-humanize"

// SectorSize is the unit all device-mapper tables and on-disk offsets are
// expressed in.
const SectorSize = 512

// Sectors is a length or offset in 512-byte sectors.
type Sectors uint64

// Bytes returns the byte count for s.
func (s Sectors) Bytes() uint64 { return uint64(s) * SectorSize }

// String renders a human-readable size for logs and tables.
func (s Sectors) String() string { return humanize.IBytes(s.Bytes()) }

// SectorsFromBytes rounds b down to a whole sector count.
func SectorsFromBytes(b uint64) Sectors { return Sectors(b / SectorSize) }
