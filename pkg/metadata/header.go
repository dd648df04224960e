package metadata

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/elee1766/gostrata/pkg/blockdev"
	"github.com/elee1766/gostrata/pkg/errs"
	"github.com/elee1766/gostrata/pkg/ids"
)

// encodeHeader serializes a DeviceHeader into one sector.
//
// Layout (little-endian): magic[8] crc32[4] version[2] reserved[2]
// pool_id[16] dev_id[16] size[8] reserve[8] init_sec[8] init_nsec[4],
// remainder zeroed.
func encodeHeader(h *DeviceHeader) []byte {
	buf := make([]byte, devHeaderSize)
	copy(buf[0:8], devMagic[:])
	binary.LittleEndian.PutUint16(buf[12:14], FormatVersion)
	copy(buf[16:32], h.PoolID.UUID[:])
	copy(buf[32:48], h.DevID.UUID[:])
	binary.LittleEndian.PutUint64(buf[48:56], uint64(h.Size))
	binary.LittleEndian.PutUint64(buf[56:64], uint64(ReserveSectors))
	binary.LittleEndian.PutUint64(buf[64:72], uint64(h.Initialized.Unix()))
	binary.LittleEndian.PutUint32(buf[72:76], uint32(h.Initialized.Nanosecond()))

	binary.LittleEndian.PutUint32(buf[8:12], crc32.Checksum(crcRegions(buf), castagnoli))
	return buf
}

// decodeHeader parses one sector. Returns (nil, nil) when the sector carries
// no header magic at all — the device simply is not ours — and
// ErrCorruptMetadata when the magic is present but the rest does not verify.
func decodeHeader(buf []byte) (*DeviceHeader, error) {
	if !bytes.Equal(buf[0:8], devMagic[:]) {
		return nil, nil
	}

	wantCRC := binary.LittleEndian.Uint32(buf[8:12])
	if got := crc32.Checksum(crcRegions(buf), castagnoli); got != wantCRC {
		return nil, errs.Wrap(errs.ErrCorruptMetadata, "device header checksum mismatch")
	}

	version := binary.LittleEndian.Uint16(buf[12:14])
	if version == 0 || version > FormatVersion {
		return nil, errs.Wrap(errs.ErrCorruptMetadata, "unsupported device header version %d", version)
	}

	poolID, err := ids.PoolIDFromBytes(buf[16:32])
	if err != nil {
		return nil, errs.Wrap(errs.ErrCorruptMetadata, "bad pool id in device header")
	}
	devID, err := ids.DevIDFromBytes(buf[32:48])
	if err != nil {
		return nil, errs.Wrap(errs.ErrCorruptMetadata, "bad device id in device header")
	}

	sec := int64(binary.LittleEndian.Uint64(buf[64:72]))
	nsec := binary.LittleEndian.Uint32(buf[72:76])

	return &DeviceHeader{
		PoolID:      poolID,
		DevID:       devID,
		Size:        blockdev.Sectors(binary.LittleEndian.Uint64(buf[48:56])),
		Initialized: time.Unix(sec, int64(nsec)).UTC(),
	}, nil
}
