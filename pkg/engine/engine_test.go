package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/elee1766/gostrata/pkg/blockdev"
	"github.com/elee1766/gostrata/pkg/config"
	"github.com/elee1766/gostrata/pkg/dm"
	"github.com/elee1766/gostrata/pkg/errs"
	"github.com/elee1766/gostrata/pkg/metadata"
	"github.com/elee1766/gostrata/pkg/pool"
	"github.com/elee1766/gostrata/pkg/thinpool"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

const testDevSize = blockdev.Sectors(20 * 1024 * 1024) // 10 GiB, sparse

func makeDevice(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create backing file: %v", err)
	}
	if err := f.Truncate(int64(testDevSize.Bytes())); err != nil {
		t.Fatalf("truncate backing file: %v", err)
	}
	f.Close()
	return path
}

func testEngine(t *testing.T, fake *dm.Fake, devDir string) *Engine {
	t.Helper()
	return testEngineWith(t, fake, fake, devDir, "")
}

func testEngineWith(t *testing.T, fake *dm.Fake, crypt dm.Crypt, devDir, keyDir string) *Engine {
	t.Helper()
	cfg := &config.Config{
		DeviceGlobs:  []string{filepath.Join(devDir, "*")},
		KeyfileDir:   keyDir,
		PollInterval: time.Minute,
	}
	e := New(testLogger(), metadata.NewStore(testLogger()), fake, crypt, cfg, nil)
	t.Cleanup(e.Stop)
	return e
}

// shadowCrypt fakes encryption for file-backed tests. Each formatted device
// gets a shadow file in a separate directory; Open returns the shadow, so
// everything written through the mapping is invisible on the raw path, the
// way a real LUKS mapping hides the plaintext. Identity tokens live in
// sidecar files and survive a simulated reboot.
type shadowCrypt struct {
	dir string
}

func (c *shadowCrypt) shadow(path string) string {
	return filepath.Join(c.dir, filepath.Base(path)+".plain")
}

func (c *shadowCrypt) sidecar(path string) string {
	return filepath.Join(c.dir, filepath.Base(path)+".token")
}

func (c *shadowCrypt) Format(ctx context.Context, path, keyfile string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	f, err := os.Create(c.shadow(path))
	if err != nil {
		return err
	}
	if err := f.Truncate(info.Size()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (c *shadowCrypt) Open(ctx context.Context, path, name, keyfile string) (string, error) {
	if _, err := os.Stat(keyfile); err != nil {
		return "", err
	}
	if _, err := os.Stat(c.shadow(path)); err != nil {
		return "", err
	}
	return c.shadow(path), nil
}

func (c *shadowCrypt) Close(ctx context.Context, name string) error { return nil }

func (c *shadowCrypt) IsLUKS(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(c.shadow(path))
	return err == nil, nil
}

func (c *shadowCrypt) SetToken(ctx context.Context, path, token string) error {
	return os.WriteFile(c.sidecar(path), []byte(token), 0o600)
}

func (c *shadowCrypt) Token(ctx context.Context, path string) (string, error) {
	buf, err := os.ReadFile(c.sidecar(path))
	if err != nil {
		return "", nil
	}
	return string(buf), nil
}

func TestCreatePoolNameUnique(t *testing.T) {
	dir := t.TempDir()
	fake := dm.NewFake()
	e := testEngine(t, fake, dir)
	ctx := context.Background()

	if _, err := e.CreatePool(ctx, pool.Options{
		Name:  "alpha",
		Paths: []string{makeDevice(t, dir, "dev0")},
	}); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}

	_, err := e.CreatePool(ctx, pool.Options{
		Name:  "alpha",
		Paths: []string{makeDevice(t, dir, "dev1")},
	})
	if !errors.Is(err, errs.ErrNameCollision) {
		t.Errorf("duplicate pool name: got %v, want ErrNameCollision", err)
	}
}

func TestRenamePoolCollision(t *testing.T) {
	dir := t.TempDir()
	e := testEngine(t, dm.NewFake(), dir)
	ctx := context.Background()

	a, err := e.CreatePool(ctx, pool.Options{Name: "alpha", Paths: []string{makeDevice(t, dir, "dev0")}})
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	if _, err := e.CreatePool(ctx, pool.Options{Name: "beta", Paths: []string{makeDevice(t, dir, "dev1")}}); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}

	if err := e.RenamePool(ctx, a.ID(), "beta"); !errors.Is(err, errs.ErrNameCollision) {
		t.Errorf("rename onto taken name: got %v, want ErrNameCollision", err)
	}
	if err := e.RenamePool(ctx, a.ID(), "alpha"); err != nil {
		t.Errorf("rename to own name failed: %v", err)
	}
}

func TestRecoverFindsPools(t *testing.T) {
	dir := t.TempDir()
	fake := dm.NewFake()
	ctx := context.Background()

	e1 := testEngine(t, fake, dir)
	p, err := e1.CreatePool(ctx, pool.Options{
		Name:  "alpha",
		Paths: []string{makeDevice(t, dir, "dev0"), makeDevice(t, dir, "dev1")},
	})
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	fsID, err := e1.CreateFilesystem(ctx, p.ID(), "vol0", 4096)
	if err != nil {
		t.Fatalf("CreateFilesystem failed: %v", err)
	}
	e1.Stop()

	// Reboot: fresh dm state, fresh engine, same devices on disk.
	freshDM := dm.NewFake()
	e2 := testEngine(t, freshDM, dir)
	if err := e2.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	recovered, err := e2.LookupPool("alpha")
	if err != nil {
		t.Fatalf("recovered pool not found: %v", err)
	}
	if recovered.ID() != p.ID() {
		t.Errorf("recovered pool id = %s, want %s", recovered.ID(), p.ID())
	}
	fss := recovered.Filesystems()
	if len(fss) != 1 || fss[0].FsID != fsID {
		t.Fatalf("recovered filesystems = %+v", fss)
	}
	if ok, _ := freshDM.Exists(ctx, dm.ThinVolName(p.ID(), fsID)); !ok {
		t.Error("thin volume not reactivated on recovery")
	}
}

func TestRecoverIdempotent(t *testing.T) {
	dir := t.TempDir()
	fake := dm.NewFake()
	ctx := context.Background()

	e1 := testEngine(t, fake, dir)
	if _, err := e1.CreatePool(ctx, pool.Options{Name: "alpha", Paths: []string{makeDevice(t, dir, "dev0")}}); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	e1.Stop()

	freshDM := dm.NewFake()
	e2 := testEngine(t, freshDM, dir)
	if err := e2.Recover(ctx); err != nil {
		t.Fatalf("first Recover failed: %v", err)
	}
	devices, _ := freshDM.List(ctx)

	if err := e2.Recover(ctx); err != nil {
		t.Fatalf("second Recover failed: %v", err)
	}
	if len(e2.Pools()) != 1 {
		t.Errorf("pool count after double recovery = %d, want 1", len(e2.Pools()))
	}
	devicesAfter, _ := freshDM.List(ctx)
	if len(devices) != len(devicesAfter) {
		t.Errorf("device count changed on re-recovery: %d -> %d", len(devices), len(devicesAfter))
	}
	if e2.Pools()[0].Info().State != thinpool.StateActive {
		t.Errorf("state after double recovery = %s", e2.Pools()[0].Info().State)
	}
}

func TestPartialMemberSetStaysPending(t *testing.T) {
	dir := t.TempDir()
	fake := dm.NewFake()
	ctx := context.Background()

	e1 := testEngine(t, fake, dir)
	pathA := makeDevice(t, dir, "dev0")
	pathB := makeDevice(t, dir, "dev1")
	if _, err := e1.CreatePool(ctx, pool.Options{Name: "alpha", Paths: []string{pathA, pathB}}); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	e1.Stop()

	// Hide one member outside the scanned directory, reboot.
	hidden := filepath.Join(t.TempDir(), "dev1")
	if err := os.Rename(pathB, hidden); err != nil {
		t.Fatalf("hide member: %v", err)
	}

	freshDM := dm.NewFake()
	e2 := testEngine(t, freshDM, dir)
	if err := e2.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if len(e2.Pools()) != 0 {
		t.Fatalf("incomplete pool was assembled with %d pools", len(e2.Pools()))
	}

	// The missing member appears: the pool assembles.
	if err := os.Rename(hidden, pathB); err != nil {
		t.Fatalf("unhide member: %v", err)
	}
	e2.DeviceAdded(ctx, pathB)

	if _, err := e2.LookupPool("alpha"); err != nil {
		t.Fatalf("pool not assembled after member appeared: %v", err)
	}
}

// Members of an encrypted pool carry no readable header on the raw device;
// recovery identifies them by the token in the encryption header and locates
// the keyfile from the pool name it carries.
func TestEncryptedPoolRecovery(t *testing.T) {
	dir := t.TempDir()
	shadowDir := t.TempDir()
	keyDir := t.TempDir()
	ctx := context.Background()

	keyfile := filepath.Join(keyDir, "vault.key")
	if err := os.WriteFile(keyfile, []byte("secret"), 0o600); err != nil {
		t.Fatalf("write keyfile: %v", err)
	}

	e1 := testEngineWith(t, dm.NewFake(), &shadowCrypt{dir: shadowDir}, dir, keyDir)
	path := makeDevice(t, dir, "dev0")
	p, err := e1.CreatePool(ctx, pool.Options{
		Name:      "vault",
		Paths:     []string{path},
		Encrypted: true,
		Keyfile:   keyfile,
	})
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	fsID, err := e1.CreateFilesystem(ctx, p.ID(), "secrets", 4096)
	if err != nil {
		t.Fatalf("CreateFilesystem failed: %v", err)
	}
	e1.Stop()

	// Nothing identifiable on the raw device.
	store := metadata.NewStore(testLogger())
	dev, err := blockdev.Open(path)
	if err != nil {
		t.Fatalf("open raw device: %v", err)
	}
	header, err := store.ReadHeader(dev)
	dev.Close()
	if err != nil {
		t.Fatalf("ReadHeader on raw device failed: %v", err)
	}
	if header != nil {
		t.Fatal("pool header visible on the raw device")
	}

	// Reboot: fresh dm state, same raw devices, same shadow contents.
	freshDM := dm.NewFake()
	e2 := testEngineWith(t, freshDM, &shadowCrypt{dir: shadowDir}, dir, keyDir)
	if err := e2.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	recovered, err := e2.LookupPool("vault")
	if err != nil {
		t.Fatalf("encrypted pool not recovered: %v", err)
	}
	if recovered.ID() != p.ID() {
		t.Errorf("recovered pool id = %s, want %s", recovered.ID(), p.ID())
	}
	if !recovered.Info().Encrypted {
		t.Error("recovered pool not marked encrypted")
	}
	fss := recovered.Filesystems()
	if len(fss) != 1 || fss[0].FsID != fsID {
		t.Fatalf("recovered filesystems = %+v", fss)
	}
}

// An encrypted pool whose keyfile is missing must stay pending rather than
// fail half-assembled.
func TestEncryptedPoolWithoutKeyfileStaysPending(t *testing.T) {
	dir := t.TempDir()
	shadowDir := t.TempDir()
	keyDir := t.TempDir()
	ctx := context.Background()

	keyfile := filepath.Join(keyDir, "vault.key")
	if err := os.WriteFile(keyfile, []byte("secret"), 0o600); err != nil {
		t.Fatalf("write keyfile: %v", err)
	}

	e1 := testEngineWith(t, dm.NewFake(), &shadowCrypt{dir: shadowDir}, dir, keyDir)
	if _, err := e1.CreatePool(ctx, pool.Options{
		Name:      "vault",
		Paths:     []string{makeDevice(t, dir, "dev0")},
		Encrypted: true,
		Keyfile:   keyfile,
	}); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	e1.Stop()

	if err := os.Remove(keyfile); err != nil {
		t.Fatalf("remove keyfile: %v", err)
	}

	e2 := testEngineWith(t, dm.NewFake(), &shadowCrypt{dir: shadowDir}, dir, keyDir)
	if err := e2.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if len(e2.Pools()) != 0 {
		t.Fatalf("pool assembled without its keyfile: %d pools", len(e2.Pools()))
	}
}

// Two racing creates of the same name must not both succeed.
func TestConcurrentCreatePoolSameName(t *testing.T) {
	dir := t.TempDir()
	e := testEngine(t, dm.NewFake(), dir)
	ctx := context.Background()

	paths := []string{makeDevice(t, dir, "dev0"), makeDevice(t, dir, "dev1")}
	errCh := make(chan error, len(paths))
	var wg sync.WaitGroup
	for _, path := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			_, err := e.CreatePool(ctx, pool.Options{Name: "alpha", Paths: []string{path}})
			errCh <- err
		}(path)
	}
	wg.Wait()
	close(errCh)

	var collisions int
	for err := range errCh {
		if err == nil {
			continue
		}
		if !errors.Is(err, errs.ErrNameCollision) {
			t.Errorf("unexpected create error: %v", err)
		}
		collisions++
	}
	if collisions != 1 {
		t.Errorf("collisions = %d, want exactly 1", collisions)
	}
	if len(e.Pools()) != 1 {
		t.Errorf("pool count = %d, want 1", len(e.Pools()))
	}
}

func TestDeviceAddedIdempotent(t *testing.T) {
	dir := t.TempDir()
	fake := dm.NewFake()
	ctx := context.Background()

	e := testEngine(t, fake, dir)
	path := makeDevice(t, dir, "dev0")
	if _, err := e.CreatePool(ctx, pool.Options{Name: "alpha", Paths: []string{path}}); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}

	// Duplicate udev deliveries for an active member are no-ops.
	e.DeviceAdded(ctx, path)
	e.DeviceAdded(ctx, path)

	if len(e.Pools()) != 1 {
		t.Errorf("pool count = %d, want 1", len(e.Pools()))
	}
	if len(e.Pools()[0].Devices()) != 1 {
		t.Errorf("device count = %d, want 1", len(e.Pools()[0].Devices()))
	}
}

func TestDeviceRemovedDegradesPool(t *testing.T) {
	dir := t.TempDir()
	e := testEngine(t, dm.NewFake(), dir)
	ctx := context.Background()

	path := makeDevice(t, dir, "dev0")
	p, err := e.CreatePool(ctx, pool.Options{Name: "alpha", Paths: []string{path}})
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}

	e.DeviceRemoved(ctx, path)
	if p.Info().State != thinpool.StateDegraded {
		t.Errorf("state = %s, want %s", p.Info().State, thinpool.StateDegraded)
	}

	// Stale second delivery changes nothing.
	e.DeviceRemoved(ctx, path)
	if p.Info().State != thinpool.StateDegraded {
		t.Errorf("state after duplicate removal = %s", p.Info().State)
	}
}

func TestDumpMetadata(t *testing.T) {
	dir := t.TempDir()
	e := testEngine(t, dm.NewFake(), dir)
	ctx := context.Background()

	p, err := e.CreatePool(ctx, pool.Options{Name: "alpha", Paths: []string{makeDevice(t, dir, "dev0")}})
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	if _, err := e.CreateFilesystem(ctx, p.ID(), "vol0", 4096); err != nil {
		t.Fatalf("CreateFilesystem failed: %v", err)
	}

	block, err := e.DumpMetadata(p.ID())
	if err != nil {
		t.Fatalf("DumpMetadata failed: %v", err)
	}
	if block.State.Name != "alpha" {
		t.Errorf("dumped name = %q", block.State.Name)
	}
	if len(block.State.Filesystems) != 1 {
		t.Errorf("dumped filesystems = %d, want 1", len(block.State.Filesystems))
	}
	if block.Generation != p.Generation() {
		t.Errorf("dumped generation = %d, want %d", block.Generation, p.Generation())
	}
}

// TestEndToEnd walks the full lifecycle on two sparse devices: pool, a 5 GiB
// filesystem, a snapshot that survives its origin, a restart, and recovery.
func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	fake := dm.NewFake()
	ctx := context.Background()

	e := testEngine(t, fake, dir)
	p, err := e.CreatePool(ctx, pool.Options{
		Name:  "tank",
		Paths: []string{makeDevice(t, dir, "dev0"), makeDevice(t, dir, "dev1")},
	})
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}

	const fsSize = blockdev.Sectors(10 * 1024 * 1024) // 5 GiB
	fsID, err := e.CreateFilesystem(ctx, p.ID(), "data", fsSize)
	if err != nil {
		t.Fatalf("CreateFilesystem failed: %v", err)
	}

	poolDev := dm.ThinPoolName(p.ID())
	fs := p.Filesystems()[0]
	if err := fake.WriteThin(poolDev, fs.ThinID, []byte("important")); err != nil {
		t.Fatalf("WriteThin failed: %v", err)
	}

	snapID, err := e.SnapshotFilesystem(ctx, p.ID(), fsID, "data-snap")
	if err != nil {
		t.Fatalf("SnapshotFilesystem failed: %v", err)
	}
	if err := e.DestroyFilesystem(ctx, p.ID(), fsID); err != nil {
		t.Fatalf("DestroyFilesystem failed: %v", err)
	}

	// Restart.
	e.Stop()
	freshDM := dm.NewFake()
	e2 := testEngine(t, freshDM, dir)
	if err := e2.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	recovered, err := e2.LookupPool("tank")
	if err != nil {
		t.Fatalf("pool not recovered: %v", err)
	}
	fss := recovered.Filesystems()
	if len(fss) != 1 || fss[0].FsID != snapID {
		t.Fatalf("recovered filesystems = %+v, want only the snapshot", fss)
	}
	if fss[0].Origin == nil || *fss[0].Origin != fsID {
		t.Error("snapshot lost its (dangling) origin reference")
	}
	if ok, _ := freshDM.Exists(ctx, dm.ThinVolName(recovered.ID(), snapID)); !ok {
		t.Error("snapshot volume not reactivated")
	}

	// Snapshot content survived in the original dm instance before reboot.
	got, err := fake.ReadThin(poolDev, fss[0].ThinID)
	if err != nil {
		t.Fatalf("ReadThin failed: %v", err)
	}
	if !bytes.Equal(got, []byte("important")) {
		t.Errorf("snapshot content = %q, want %q", got, "important")
	}
}
