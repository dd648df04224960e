// Package errs defines the closed error taxonomy shared by the pool engine.
//
// Every operation surfaces exactly one of these kinds to callers; everything
// else is wrapped detail. Kinds are matched with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptMetadata indicates a single on-device metadata copy failed
	// checksum, version or referential validation. Not fatal if the sibling
	// copy is valid.
	ErrCorruptMetadata = errors.New("corrupt metadata")

	// ErrNoValidMetadata indicates both on-device metadata copies are invalid.
	ErrNoValidMetadata = errors.New("no valid metadata")

	// ErrDeviceInUse indicates a block device still holds live allocations.
	ErrDeviceInUse = errors.New("device in use")

	// ErrDeviceNotFound indicates the named device is not a pool member.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceOwned indicates a device already carries a valid header for a
	// different pool.
	ErrDeviceOwned = errors.New("device owned by another pool")

	// ErrOutOfSpace indicates the thin pool crossed its low-water mark with no
	// free backing extent remaining.
	ErrOutOfSpace = errors.New("out of space")

	// ErrDegraded indicates the pool requires operator intervention.
	ErrDegraded = errors.New("pool degraded")

	// ErrNameCollision indicates a pool-wide unique name is already taken.
	ErrNameCollision = errors.New("name collision")

	// ErrFilesystemNotFound indicates no filesystem with the given id exists.
	ErrFilesystemNotFound = errors.New("filesystem not found")

	// ErrPoolNotFound indicates no pool with the given id exists.
	ErrPoolNotFound = errors.New("pool not found")

	// ErrDeviceStack indicates the kernel device-mapper layer rejected a table
	// change.
	ErrDeviceStack = errors.New("device stack error")

	// ErrPartialApply indicates metadata was committed but the device stack
	// mutation did not complete; the recovery coordinator reconciles it on the
	// next startup.
	ErrPartialApply = errors.New("partial apply")
)

// Kind returns the short machine-readable kind for err, or "internal" when the
// error is outside the taxonomy. Used by the operation journal and the API.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCorruptMetadata):
		return "corrupt_metadata"
	case errors.Is(err, ErrNoValidMetadata):
		return "no_valid_metadata"
	case errors.Is(err, ErrDeviceInUse):
		return "device_in_use"
	case errors.Is(err, ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, ErrDeviceOwned):
		return "device_owned"
	case errors.Is(err, ErrOutOfSpace):
		return "out_of_space"
	case errors.Is(err, ErrDegraded):
		return "degraded"
	case errors.Is(err, ErrNameCollision):
		return "name_collision"
	case errors.Is(err, ErrFilesystemNotFound):
		return "filesystem_not_found"
	case errors.Is(err, ErrPoolNotFound):
		return "pool_not_found"
	case errors.Is(err, ErrDeviceStack):
		return "device_stack_error"
	case errors.Is(err, ErrPartialApply):
		return "partial_apply"
	default:
		return "internal"
	}
}

// Wrap attaches a taxonomy kind to a detail error.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, kind)...)
}
