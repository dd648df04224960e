package metadata

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/elee1766/gostrata/pkg/blockdev"
	"github.com/elee1766/gostrata/pkg/errs"
)

// Device is the slice of blockdev the store needs. *blockdev.Dev satisfies
// it; tests substitute failure-injecting wrappers.
type Device interface {
	ReadAt(p []byte, sector blockdev.Sectors) error
	WriteAt(p []byte, sector blockdev.Sectors) error
	Sync() error
	Size() blockdev.Sectors
}

// Store reads and writes pool metadata on member devices, implementing the
// two-copy crash-consistency protocol: the older copy is overwritten first
// and fsynced before the newer copy is touched, so a reader always finds at
// least one structurally complete, checksummed copy.
type Store struct {
	logger *slog.Logger
}

func NewStore(logger *slog.Logger) *Store {
	return &Store{logger: logger.With("component", "metadata")}
}

// WriteHeader writes both static header copies and flushes them.
func (s *Store) WriteHeader(dev Device, h *DeviceHeader) error {
	buf := encodeHeader(h)
	if err := dev.WriteAt(buf, headerCopyA); err != nil {
		return err
	}
	if err := dev.WriteAt(buf, headerCopyB); err != nil {
		return err
	}
	return dev.Sync()
}

// ReadHeader reads the static identity header. Returns (nil, nil) when the
// device carries no header: it is simply not a pool member. A header present
// in only one copy is accepted; both copies corrupt is ErrNoValidMetadata.
func (s *Store) ReadHeader(dev Device) (*DeviceHeader, error) {
	if dev.Size() < ReserveSectors {
		return nil, nil
	}

	var lastErr error
	sawMagic := false
	for _, sector := range []blockdev.Sectors{headerCopyA, headerCopyB} {
		buf := make([]byte, devHeaderSize)
		if err := dev.ReadAt(buf, sector); err != nil {
			lastErr = err
			continue
		}
		h, err := decodeHeader(buf)
		if err != nil {
			sawMagic = true
			lastErr = err
			continue
		}
		if h != nil {
			return h, nil
		}
	}

	if sawMagic {
		return nil, errs.Wrap(errs.ErrNoValidMetadata, "both device header copies invalid: %v", lastErr)
	}
	return nil, nil
}

// Save persists state to the device's metadata reserve under the given
// generation. Write protocol: encode once, pick the copy holding the lower
// generation (or an invalid block), write it, fsync, write the other, fsync.
// A crash at any point leaves at least one valid copy, and the interrupted
// copy always loses the generation comparison on the next read.
func (s *Store) Save(dev Device, state *PoolState, generation uint64, stamp time.Time) error {
	block, err := Encode(state, generation, stamp)
	if err != nil {
		return err
	}

	first, second := s.writeOrder(dev)

	if err := dev.WriteAt(block, first); err != nil {
		return fmt.Errorf("write first metadata copy: %w", err)
	}
	if err := dev.Sync(); err != nil {
		return fmt.Errorf("sync first metadata copy: %w", err)
	}
	if err := dev.WriteAt(block, second); err != nil {
		return fmt.Errorf("write second metadata copy: %w", err)
	}
	if err := dev.Sync(); err != nil {
		return fmt.Errorf("sync second metadata copy: %w", err)
	}
	return nil
}

// writeOrder returns the MDA copy offsets ordered older-first. Unreadable or
// invalid copies sort oldest so they are overwritten before valid state is
// touched.
func (s *Store) writeOrder(dev Device) (blockdev.Sectors, blockdev.Sectors) {
	genA, okA := s.generationAt(dev, mdaCopyA)
	genB, okB := s.generationAt(dev, mdaCopyB)

	switch {
	case !okA:
		return mdaCopyA, mdaCopyB
	case !okB:
		return mdaCopyB, mdaCopyA
	case genA <= genB:
		return mdaCopyA, mdaCopyB
	default:
		return mdaCopyB, mdaCopyA
	}
}

func (s *Store) generationAt(dev Device, sector blockdev.Sectors) (uint64, bool) {
	block, err := s.readRegion(dev, sector)
	if err != nil {
		return 0, false
	}
	return block.Generation, true
}

// Load reads both MDA copies, discards invalid ones, and returns the copy
// with the higher generation. Both copies invalid is ErrNoValidMetadata.
func (s *Store) Load(dev Device) (*Block, error) {
	blockA, errA := s.readRegion(dev, mdaCopyA)
	blockB, errB := s.readRegion(dev, mdaCopyB)

	switch {
	case blockA != nil && blockB != nil:
		if blockB.Generation > blockA.Generation {
			return blockB, nil
		}
		return blockA, nil
	case blockA != nil:
		s.logger.Warn("metadata copy B invalid, using copy A", "error", errB)
		return blockA, nil
	case blockB != nil:
		s.logger.Warn("metadata copy A invalid, using copy B", "error", errA)
		return blockB, nil
	default:
		return nil, errs.Wrap(errs.ErrNoValidMetadata, "copy A: %v; copy B: %v", errA, errB)
	}
}

func (s *Store) readRegion(dev Device, sector blockdev.Sectors) (*Block, error) {
	buf := make([]byte, mdaRegionSize.Bytes())
	if err := dev.ReadAt(buf, sector); err != nil {
		return nil, err
	}
	block, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	return block, nil
}

// Wipe zeroes the whole metadata reserve, erasing headers and both MDA
// copies. Called when a device leaves a pool or a pool is destroyed.
func (s *Store) Wipe(dev Device) error {
	zero := make([]byte, ReserveSectors.Bytes())
	if err := dev.WriteAt(zero, 0); err != nil {
		return fmt.Errorf("wipe metadata reserve: %w", err)
	}
	return dev.Sync()
}

// IsCorrupt reports whether err is a single-copy corruption, as opposed to a
// total metadata loss.
func IsCorrupt(err error) bool {
	return errors.Is(err, errs.ErrCorruptMetadata) && !errors.Is(err, errs.ErrNoValidMetadata)
}
