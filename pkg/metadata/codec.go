package metadata

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/elee1766/gostrata/pkg/blockdev"
	"github.com/elee1766/gostrata/pkg/errs"
	"github.com/elee1766/gostrata/pkg/ids"
)

// FormatVersion is bumped whenever the encoding changes in a way an older
// reader cannot ignore.
const FormatVersion = 1

const (
	mdaHeaderSize = 40
	devHeaderSize = blockdev.SectorSize
)

var (
	mdaMagic = [8]byte{'G', 'O', 'S', 'T', 'R', 'M', 'D', 'A'}
	devMagic = [8]byte{'G', 'O', 'S', 'T', 'R', 'D', 'E', 'V'}
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Block is one decoded metadata block: the pool state plus the header fields
// a reader needs to rank copies.
type Block struct {
	State      *PoolState
	Generation uint64
	Written    time.Time
}

// Encode serializes state into a self-validating metadata block: a 40-byte
// little-endian header (magic, CRC32-C, version, payload length, generation,
// write stamp) followed by the JSON payload.
func Encode(state *PoolState, generation uint64, stamp time.Time) ([]byte, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal pool state: %w", err)
	}
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("pool state too large: %d bytes (max %d)", len(payload), maxPayloadSize)
	}

	block := make([]byte, mdaHeaderSize+len(payload))
	copy(block[0:8], mdaMagic[:])
	// crc at [8:12] filled below
	binary.LittleEndian.PutUint16(block[12:14], FormatVersion)
	binary.LittleEndian.PutUint32(block[16:20], uint32(len(payload)))
	binary.LittleEndian.PutUint64(block[20:28], generation)
	binary.LittleEndian.PutUint64(block[28:36], uint64(stamp.Unix()))
	binary.LittleEndian.PutUint32(block[36:40], uint32(stamp.Nanosecond()))
	copy(block[mdaHeaderSize:], payload)

	binary.LittleEndian.PutUint32(block[8:12], crc32.Checksum(crcRegions(block), castagnoli))
	return block, nil
}

// crcRegions returns the checksummed bytes of a block: the header with the
// crc field zeroed, followed by the payload.
func crcRegions(block []byte) []byte {
	buf := make([]byte, len(block))
	copy(buf, block)
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	return buf
}

// Decode validates and deserializes a metadata block. Any checksum, version
// or referential inconsistency is reported as errs.ErrCorruptMetadata; the
// block is never silently repaired.
func Decode(block []byte) (*Block, error) {
	if len(block) < mdaHeaderSize {
		return nil, errs.Wrap(errs.ErrCorruptMetadata, "block truncated at %d bytes", len(block))
	}
	if !bytes.Equal(block[0:8], mdaMagic[:]) {
		return nil, errs.Wrap(errs.ErrCorruptMetadata, "bad magic")
	}

	version := binary.LittleEndian.Uint16(block[12:14])
	if version == 0 || version > FormatVersion {
		return nil, errs.Wrap(errs.ErrCorruptMetadata, "unsupported format version %d", version)
	}

	payloadLen := binary.LittleEndian.Uint32(block[16:20])
	if int(payloadLen) > len(block)-mdaHeaderSize {
		return nil, errs.Wrap(errs.ErrCorruptMetadata, "payload length %d exceeds block", payloadLen)
	}
	block = block[:mdaHeaderSize+int(payloadLen)]

	wantCRC := binary.LittleEndian.Uint32(block[8:12])
	if got := crc32.Checksum(crcRegions(block), castagnoli); got != wantCRC {
		return nil, errs.Wrap(errs.ErrCorruptMetadata, "checksum mismatch: got %08x, want %08x", got, wantCRC)
	}

	generation := binary.LittleEndian.Uint64(block[20:28])
	sec := int64(binary.LittleEndian.Uint64(block[28:36]))
	nsec := binary.LittleEndian.Uint32(block[36:40])

	state := &PoolState{}
	if err := json.Unmarshal(block[mdaHeaderSize:], state); err != nil {
		return nil, errs.Wrap(errs.ErrCorruptMetadata, "unmarshal pool state: %v", err)
	}
	if err := validate(state); err != nil {
		return nil, err
	}

	return &Block{
		State:      state,
		Generation: generation,
		Written:    time.Unix(sec, int64(nsec)).UTC(),
	}, nil
}

// validate checks referential consistency among the device, segment and
// filesystem lists.
func validate(state *PoolState) error {
	if state.PoolID.IsZero() {
		return errs.Wrap(errs.ErrCorruptMetadata, "zero pool id")
	}

	seenDevs := make(map[ids.DevID]bool, len(state.Devices))
	for _, dev := range state.Devices {
		if dev.DevID.IsZero() {
			return errs.Wrap(errs.ErrCorruptMetadata, "zero device id")
		}
		if seenDevs[dev.DevID] {
			return errs.Wrap(errs.ErrCorruptMetadata, "duplicate device id %s", dev.DevID)
		}
		seenDevs[dev.DevID] = true

		if err := validateSegments(dev); err != nil {
			return err
		}
	}

	seenNames := make(map[string]bool, len(state.Filesystems))
	seenThinIDs := make(map[uint64]bool, len(state.Filesystems))
	for _, fs := range state.Filesystems {
		if fs.FsID.IsZero() {
			return errs.Wrap(errs.ErrCorruptMetadata, "zero filesystem id")
		}
		if seenNames[fs.Name] {
			return errs.Wrap(errs.ErrCorruptMetadata, "duplicate filesystem name %q", fs.Name)
		}
		seenNames[fs.Name] = true
		if seenThinIDs[fs.ThinID] {
			return errs.Wrap(errs.ErrCorruptMetadata, "duplicate thin id %d", fs.ThinID)
		}
		seenThinIDs[fs.ThinID] = true
		if fs.ThinID >= state.ThinPool.NextThinID {
			return errs.Wrap(errs.ErrCorruptMetadata, "thin id %d not below next thin id %d", fs.ThinID, state.ThinPool.NextThinID)
		}
		// Origin is deliberately not resolved here: a snapshot may outlive
		// its origin.
	}

	return nil
}

// validateSegments enforces the non-overlap invariant per device: segments
// sorted or not, no two may intersect and none may extend past device size.
func validateSegments(dev DeviceRecord) error {
	for i, a := range dev.Segments {
		if a.Length == 0 {
			return errs.Wrap(errs.ErrCorruptMetadata, "zero-length segment on device %s", dev.DevID)
		}
		if a.Start+a.Length > dev.Size {
			return errs.Wrap(errs.ErrCorruptMetadata, "segment [%d,%d) past end of device %s", a.Start, a.Start+a.Length, dev.DevID)
		}
		for _, b := range dev.Segments[i+1:] {
			if a.Start < b.Start+b.Length && b.Start < a.Start+a.Length {
				return errs.Wrap(errs.ErrCorruptMetadata, "overlapping segments on device %s", dev.DevID)
			}
		}
	}
	return nil
}
