package dm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/elee1766/gostrata/pkg/blockdev"
	"github.com/elee1766/gostrata/pkg/errs"
)

// Fake is an in-memory DM and Crypt implementation for tests. It tracks
// active devices and their tables, and models thin-pool messages closely
// enough to exercise snapshot copy-on-write semantics: each thin device id
// carries a content buffer, create_snap shares the origin's content, and a
// write replaces the writer's buffer only.
type Fake struct {
	mu      sync.Mutex
	devices map[string]Table
	// thin device contents per pool device name, keyed by thin id
	thins map[string]map[uint64][]byte
	// identity tokens per device path
	tokens map[string]string
	// FailNext makes the next mutating call fail with ErrDeviceStack; used to
	// exercise the partial-apply path.
	FailNext bool
}

var (
	_ DM    = (*Fake)(nil)
	_ Crypt = (*Fake)(nil)
)

func NewFake() *Fake {
	return &Fake{
		devices: make(map[string]Table),
		thins:   make(map[string]map[uint64][]byte),
		tokens:  make(map[string]string),
	}
}

func (f *Fake) failNext() error {
	if f.FailNext {
		f.FailNext = false
		return errs.Wrap(errs.ErrDeviceStack, "injected failure")
	}
	return nil
}

func (f *Fake) Create(ctx context.Context, name string, table Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	if _, ok := f.devices[name]; ok {
		return errs.Wrap(errs.ErrDeviceStack, "device %s already exists", name)
	}
	f.devices[name] = table
	return nil
}

func (f *Fake) Reload(ctx context.Context, name string, table Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	if _, ok := f.devices[name]; !ok {
		return errs.Wrap(errs.ErrDeviceStack, "device %s not active", name)
	}
	f.devices[name] = table
	return nil
}

func (f *Fake) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	if _, ok := f.devices[name]; !ok {
		return errs.Wrap(errs.ErrDeviceStack, "device %s not active", name)
	}
	delete(f.devices, name)
	delete(f.thins, name)
	return nil
}

func (f *Fake) Exists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.devices[name]
	return ok, nil
}

func (f *Fake) TableOf(ctx context.Context, name string) (Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.devices[name]
	if !ok {
		return nil, errs.Wrap(errs.ErrDeviceStack, "device %s not active", name)
	}
	return append(Table(nil), t...), nil
}

func (f *Fake) List(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.devices))
	for name := range f.devices {
		names = append(names, name)
	}
	return names, nil
}

func (f *Fake) Message(ctx context.Context, name string, sector blockdev.Sectors, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	if _, ok := f.devices[name]; !ok {
		return errs.Wrap(errs.ErrDeviceStack, "device %s not active", name)
	}

	pool := f.thins[name]
	if pool == nil {
		pool = make(map[uint64][]byte)
		f.thins[name] = pool
	}

	fields := strings.Fields(msg)
	switch fields[0] {
	case "create_thin":
		id, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad thin id in %q: %w", msg, err)
		}
		if _, ok := pool[id]; ok {
			return errs.Wrap(errs.ErrDeviceStack, "thin id %d already exists", id)
		}
		pool[id] = nil
	case "create_snap":
		id, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad snap id in %q: %w", msg, err)
		}
		origin, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("bad origin id in %q: %w", msg, err)
		}
		content, ok := pool[origin]
		if !ok {
			return errs.Wrap(errs.ErrDeviceStack, "origin thin id %d does not exist", origin)
		}
		// the snapshot shares the origin's blocks until a write diverges it
		pool[id] = content
	case "delete":
		id, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad thin id in %q: %w", msg, err)
		}
		if _, ok := pool[id]; !ok {
			return errs.Wrap(errs.ErrDeviceStack, "thin id %d does not exist", id)
		}
		delete(pool, id)
	default:
		return errs.Wrap(errs.ErrDeviceStack, "unknown message %q", msg)
	}
	return nil
}

func (f *Fake) Path(name string) string {
	return "/dev/mapper/" + name
}

// WriteThin simulates a write to a thin device. Copy-on-write: the writer
// gets its own buffer, sharing with snapshots ends here.
func (f *Fake) WriteThin(poolName string, thinID uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pool, ok := f.thins[poolName]
	if !ok {
		return fmt.Errorf("pool device %s has no thin devices", poolName)
	}
	if _, ok := pool[thinID]; !ok {
		return fmt.Errorf("thin id %d does not exist", thinID)
	}
	pool[thinID] = append([]byte(nil), data...)
	return nil
}

// ReadThin returns the content of a thin device.
func (f *Fake) ReadThin(poolName string, thinID uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pool, ok := f.thins[poolName]
	if !ok {
		return nil, fmt.Errorf("pool device %s has no thin devices", poolName)
	}
	content, ok := pool[thinID]
	if !ok {
		return nil, fmt.Errorf("thin id %d does not exist", thinID)
	}
	return content, nil
}

// Crypt implementation: the fake passes devices through unchanged so
// file-backed tests can run without kernel crypto.

func (f *Fake) Format(ctx context.Context, path, keyfile string) error {
	return nil
}

func (f *Fake) Open(ctx context.Context, path, name, keyfile string) (string, error) {
	return path, nil
}

func (f *Fake) Close(ctx context.Context, name string) error {
	return nil
}

func (f *Fake) IsLUKS(ctx context.Context, path string) (bool, error) {
	return false, nil
}

func (f *Fake) SetToken(ctx context.Context, path, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[path] = token
	return nil
}

func (f *Fake) Token(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[path], nil
}
