package dm

import (
	"context"

	"github.com/elee1766/gostrata/pkg/blockdev"
)

// Desired pairs a device name with the table it should carry. The recovery
// coordinator diffs desired state against live kernel state.
type Desired struct {
	Name  string
	Table Table
}

// DM is the narrow surface of device-mapper the engine consumes. The exec
// implementation shells out to dmsetup; tests use the in-memory Fake.
type DM interface {
	// Create activates a new device under name with the given table.
	Create(ctx context.Context, name string, table Table) error

	// Reload replaces the table of an existing device (suspend, load,
	// resume).
	Reload(ctx context.Context, name string, table Table) error

	// Remove deactivates and deletes the device.
	Remove(ctx context.Context, name string) error

	// Exists reports whether a device with the given name is active.
	Exists(ctx context.Context, name string) (bool, error)

	// TableOf returns the live table of an active device.
	TableOf(ctx context.Context, name string) (Table, error)

	// List returns the names of all active device-mapper devices.
	List(ctx context.Context) ([]string, error)

	// Message sends a target message to the device at the given sector.
	// Thin-pool management (create_thin, create_snap, delete) goes through
	// here.
	Message(ctx context.Context, name string, sector blockdev.Sectors, msg string) error

	// Path returns the device node path for an active device name.
	Path(name string) string
}

// Crypt wraps and unwraps a block device with an encrypted mapping. The exec
// implementation uses cryptsetup (LUKS2); tests use the Fake, which passes
// the device through unchanged.
type Crypt interface {
	// Format initializes the encryption header on the device at path using
	// the key material in keyfile. Destroys existing content.
	Format(ctx context.Context, path, keyfile string) error

	// Open activates the decrypted mapping under name and returns its device
	// node path.
	Open(ctx context.Context, path, name, keyfile string) (string, error)

	// Close deactivates the mapping.
	Close(ctx context.Context, name string) error

	// IsLUKS reports whether the device at path carries an encryption header.
	IsLUKS(ctx context.Context, path string) (bool, error)

	// SetToken stores an identity record in the encryption header's token
	// area, replacing any previous one. The token is readable without the
	// key, so recovery can identify members before decryption.
	SetToken(ctx context.Context, path, token string) error

	// Token returns the stored identity token, or "" when the device carries
	// none.
	Token(ctx context.Context, path string) (string, error)
}
