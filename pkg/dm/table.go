// Package dm drives the kernel device-mapper layer: building tables for the
// closed set of target types the engine stacks (linear, crypt, thin-pool,
// thin), activating and tearing down devices, and sending thin-pool messages.
//
// The engine consumes this layer but does not own it: failures surface as
// errs.ErrDeviceStack and are never retried here.
package dm

import (
	"fmt"
	"strings"

	"github.com/elee1766/gostrata/pkg/blockdev"
)

// TargetType enumerates the device-mapper target types the engine uses.
type TargetType string

const (
	TargetLinear   TargetType = "linear"
	TargetCrypt    TargetType = "crypt"
	TargetThinPool TargetType = "thin-pool"
	TargetThin     TargetType = "thin"
)

// TargetLine is one line of a device-mapper table.
type TargetLine struct {
	Start  blockdev.Sectors
	Length blockdev.Sectors
	Type   TargetType
	Params string
}

func (l TargetLine) String() string {
	return fmt.Sprintf("%d %d %s %s", l.Start, l.Length, l.Type, l.Params)
}

// Table is a complete device-mapper table, one line per mapped extent.
type Table []TargetLine

func (t Table) String() string {
	lines := make([]string, len(t))
	for i, l := range t {
		lines[i] = l.String()
	}
	return strings.Join(lines, "\n")
}

// Length returns the total mapped length of the table.
func (t Table) Length() blockdev.Sectors {
	var total blockdev.Sectors
	for _, l := range t {
		total += l.Length
	}
	return total
}

// Equal reports whether two tables are line-for-line identical. Used by the
// recovery coordinator to decide whether live kernel state matches the
// desired state.
func (t Table) Equal(other Table) bool {
	if len(t) != len(other) {
		return false
	}
	for i := range t {
		if t[i] != other[i] {
			return false
		}
	}
	return true
}

// LinearLine maps [start, start+length) of the logical device onto dev at
// devOffset.
func LinearLine(start, length blockdev.Sectors, dev string, devOffset blockdev.Sectors) TargetLine {
	return TargetLine{
		Start:  start,
		Length: length,
		Type:   TargetLinear,
		Params: fmt.Sprintf("%s %d", dev, devOffset),
	}
}

// ThinPoolLine builds the single-line table of a thin-pool device from its
// metadata and data sub-devices. blockSize and lowWater are in sectors, per
// the kernel's thin-pool target contract.
func ThinPoolLine(length blockdev.Sectors, metaDev, dataDev string, blockSize, lowWater blockdev.Sectors) TargetLine {
	return TargetLine{
		Start:  0,
		Length: length,
		Type:   TargetThinPool,
		Params: fmt.Sprintf("%s %s %d %d 1 skip_block_zeroing", metaDev, dataDev, blockSize, lowWater),
	}
}

// ThinLine builds the single-line table of a thin volume carved out of
// poolDev under the given thin device id.
func ThinLine(length blockdev.Sectors, poolDev string, thinID uint64) TargetLine {
	return TargetLine{
		Start:  0,
		Length: length,
		Type:   TargetThin,
		Params: fmt.Sprintf("%s %d", poolDev, thinID),
	}
}
