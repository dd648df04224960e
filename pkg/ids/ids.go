// Package ids provides the stable identifiers used across the engine: pool,
// device and filesystem UUIDs plus name validation. Identifiers are 128-bit
// values generated once and immutable for the life of the object; names are
// mutable display labels.
package ids

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// PoolID identifies a pool for its whole lifetime.
type PoolID struct{ uuid.UUID }

// DevID identifies an enrolled block device. The device path is not identity;
// it may change across reboots and is re-resolved on every startup.
type DevID struct{ uuid.UUID }

// FsID identifies a filesystem (thin volume).
type FsID struct{ uuid.UUID }

func NewPoolID() PoolID { return PoolID{uuid.New()} }
func NewDevID() DevID   { return DevID{uuid.New()} }
func NewFsID() FsID     { return FsID{uuid.New()} }

func ParsePoolID(s string) (PoolID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return PoolID{}, fmt.Errorf("parse pool id: %w", err)
	}
	return PoolID{u}, nil
}

func ParseDevID(s string) (DevID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DevID{}, fmt.Errorf("parse device id: %w", err)
	}
	return DevID{u}, nil
}

func ParseFsID(s string) (FsID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return FsID{}, fmt.Errorf("parse filesystem id: %w", err)
	}
	return FsID{u}, nil
}

// PoolIDFromBytes reads a PoolID from a 16-byte on-disk field.
func PoolIDFromBytes(b []byte) (PoolID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return PoolID{}, err
	}
	return PoolID{u}, nil
}

// DevIDFromBytes reads a DevID from a 16-byte on-disk field.
func DevIDFromBytes(b []byte) (DevID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return DevID{}, err
	}
	return DevID{u}, nil
}

func (p PoolID) IsZero() bool { return p.UUID == uuid.Nil }
func (d DevID) IsZero() bool  { return d.UUID == uuid.Nil }
func (f FsID) IsZero() bool   { return f.UUID == uuid.Nil }

// namePattern matches device-mapper safe names: no slashes, no whitespace, no
// leading dash. Kept deliberately close to what dmsetup accepts.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]*$`)

const maxNameLen = 127

// ValidateName reports whether s is usable as a pool or filesystem name.
func ValidateName(s string) error {
	if s == "" {
		return fmt.Errorf("name must not be empty")
	}
	if len(s) > maxNameLen {
		return fmt.Errorf("name too long: %d chars (max %d)", len(s), maxNameLen)
	}
	if !namePattern.MatchString(s) {
		return fmt.Errorf("invalid name %q", s)
	}
	return nil
}
