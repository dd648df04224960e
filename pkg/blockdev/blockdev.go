// Package blockdev provides raw access to the physical (or crypt-wrapped)
// block devices a pool is built from: sized reads and writes at sector
// offsets, durable flushes, and size discovery via the BLKGETSIZE64 ioctl.
//
// Regular files are accepted as devices so the whole stack can be exercised
// against temp files in tests; their size comes from stat instead of the
// ioctl.
package blockdev

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/dennwc/ioctl"
)

// blkGetSize64 is BLKGETSIZE64 from linux/fs.h.
var blkGetSize64 = ioctl.IOR(0x12, 114, unsafe.Sizeof(uint64(0)))

// Dev is an open block device.
type Dev struct {
	f    *os.File
	path string
	size Sectors
}

// Open opens the device node (or regular file) at path for read/write.
func Open(path string) (*Dev, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", path, err)
	}

	size, err := deviceSize(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("size device %s: %w", path, err)
	}

	return &Dev{f: f, path: path, size: size}, nil
}

func deviceSize(f *os.File) (Sectors, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if fi.Mode()&os.ModeDevice == 0 {
		return SectorsFromBytes(uint64(fi.Size())), nil
	}

	var bytes uint64
	if err := ioctl.Do(f, blkGetSize64, &bytes); err != nil {
		return 0, fmt.Errorf("BLKGETSIZE64: %w", err)
	}
	return SectorsFromBytes(bytes), nil
}

// Path returns the path the device was opened with. Paths are not identity;
// callers must treat them as advisory.
func (d *Dev) Path() string { return d.path }

// Size returns the device size in sectors.
func (d *Dev) Size() Sectors { return d.size }

// ReadAt reads len(p) bytes starting at the given sector.
func (d *Dev) ReadAt(p []byte, sector Sectors) error {
	n, err := d.f.ReadAt(p, int64(sector.Bytes()))
	if err != nil {
		return fmt.Errorf("read %d bytes at sector %d of %s: %w", len(p), sector, d.path, err)
	}
	if n != len(p) {
		return fmt.Errorf("short read at sector %d of %s: %d of %d bytes", sector, d.path, n, len(p))
	}
	return nil
}

// WriteAt writes p starting at the given sector. The write is not durable
// until Sync returns.
func (d *Dev) WriteAt(p []byte, sector Sectors) error {
	n, err := d.f.WriteAt(p, int64(sector.Bytes()))
	if err != nil {
		return fmt.Errorf("write %d bytes at sector %d of %s: %w", len(p), sector, d.path, err)
	}
	if n != len(p) {
		return fmt.Errorf("short write at sector %d of %s: %d of %d bytes", sector, d.path, n, len(p))
	}
	return nil
}

// Sync flushes all outstanding writes to stable storage.
func (d *Dev) Sync() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", d.path, err)
	}
	return nil
}

// Zero overwrites length sectors starting at sector with zeroes. Used to wipe
// metadata regions when a device leaves a pool.
func (d *Dev) Zero(sector, length Sectors) error {
	const chunk = 1 << 20
	buf := make([]byte, chunk)
	remaining := length.Bytes()
	off := sector.Bytes()
	for remaining > 0 {
		n := uint64(chunk)
		if remaining < n {
			n = remaining
		}
		if _, err := d.f.WriteAt(buf[:n], int64(off)); err != nil {
			return fmt.Errorf("zero %s at byte %d: %w", d.path, off, err)
		}
		off += n
		remaining -= n
	}
	return d.Sync()
}

func (d *Dev) Close() error { return d.f.Close() }
