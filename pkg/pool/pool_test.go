package pool

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/elee1766/gostrata/pkg/backstore"
	"github.com/elee1766/gostrata/pkg/blockdev"
	"github.com/elee1766/gostrata/pkg/dm"
	"github.com/elee1766/gostrata/pkg/errs"
	"github.com/elee1766/gostrata/pkg/ids"
	"github.com/elee1766/gostrata/pkg/metadata"
	"github.com/elee1766/gostrata/pkg/thinpool"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func makeDevice(t *testing.T, name string, size blockdev.Sectors) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create backing file: %v", err)
	}
	if err := f.Truncate(int64(size.Bytes())); err != nil {
		t.Fatalf("truncate backing file: %v", err)
	}
	f.Close()
	return path
}

func newTestPool(t *testing.T, fake *dm.Fake, paths ...string) *Pool {
	t.Helper()
	if len(paths) == 0 {
		paths = []string{makeDevice(t, "dev0", backstore.MinDeviceSize)}
	}
	p, err := Create(context.Background(), testLogger(), metadata.NewStore(testLogger()), fake, fake, Options{
		Name:  "testpool",
		Paths: paths,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func loadState(t *testing.T, path string) *metadata.Block {
	t.Helper()
	dev, err := blockdev.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer dev.Close()
	block, err := metadata.NewStore(testLogger()).Load(dev)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return block
}

func TestCreatePool(t *testing.T) {
	fake := dm.NewFake()
	pathA := makeDevice(t, "dev0", backstore.MinDeviceSize)
	pathB := makeDevice(t, "dev1", backstore.MinDeviceSize)
	p := newTestPool(t, fake, pathA, pathB)

	info := p.Info()
	if info.Name != "testpool" {
		t.Errorf("name = %q", info.Name)
	}
	if info.Devices != 2 {
		t.Errorf("devices = %d, want 2", info.Devices)
	}
	if info.State != thinpool.StateActive {
		t.Errorf("state = %s, want %s", info.State, thinpool.StateActive)
	}
	if info.Generation != 1 {
		t.Errorf("generation = %d, want 1", info.Generation)
	}

	// cap, thin meta, thin data, thin pool
	for _, name := range []string{
		dm.CapName(p.ID()), dm.ThinMetaName(p.ID()),
		dm.ThinDataName(p.ID()), dm.ThinPoolName(p.ID()),
	} {
		if ok, _ := fake.Exists(context.Background(), name); !ok {
			t.Errorf("device %s not active after create", name)
		}
	}

	// Both members carry the same persisted state.
	for _, path := range []string{pathA, pathB} {
		block := loadState(t, path)
		if block.Generation != 1 {
			t.Errorf("%s: generation = %d, want 1", path, block.Generation)
		}
		if block.State.Name != "testpool" {
			t.Errorf("%s: persisted name = %q", path, block.State.Name)
		}
	}
}

func TestCreatePoolBadName(t *testing.T) {
	fake := dm.NewFake()
	_, err := Create(context.Background(), testLogger(), metadata.NewStore(testLogger()), fake, fake, Options{
		Name:  "no/slashes",
		Paths: []string{makeDevice(t, "dev0", backstore.MinDeviceSize)},
	})
	if err == nil {
		t.Fatal("invalid pool name accepted")
	}
}

func TestFilesystemLifecycle(t *testing.T) {
	fake := dm.NewFake()
	p := newTestPool(t, fake)
	ctx := context.Background()

	fsID, err := p.CreateFilesystem(ctx, "vol0", 4096)
	if err != nil {
		t.Fatalf("CreateFilesystem failed: %v", err)
	}
	if ok, _ := fake.Exists(ctx, dm.ThinVolName(p.ID(), fsID)); !ok {
		t.Error("thin volume not active after create")
	}

	snapID, err := p.SnapshotFilesystem(ctx, fsID, "snap0")
	if err != nil {
		t.Fatalf("SnapshotFilesystem failed: %v", err)
	}

	if err := p.RenameFilesystem(ctx, fsID, "renamed"); err != nil {
		t.Fatalf("RenameFilesystem failed: %v", err)
	}
	if _, ok := p.LookupFilesystem("renamed"); !ok {
		t.Error("filesystem not found under new name")
	}

	if err := p.DestroyFilesystem(ctx, fsID); err != nil {
		t.Fatalf("DestroyFilesystem failed: %v", err)
	}
	if ok, _ := fake.Exists(ctx, dm.ThinVolName(p.ID(), fsID)); ok {
		t.Error("thin volume still active after destroy")
	}
	if ok, _ := fake.Exists(ctx, dm.ThinVolName(p.ID(), snapID)); !ok {
		t.Error("snapshot lost when origin was destroyed")
	}
}

func TestPlanFailureLeavesNoTrace(t *testing.T) {
	p := newTestPool(t, dm.NewFake())
	ctx := context.Background()

	if _, err := p.CreateFilesystem(ctx, "vol0", 4096); err != nil {
		t.Fatalf("CreateFilesystem failed: %v", err)
	}
	genBefore := p.Generation()

	_, err := p.CreateFilesystem(ctx, "vol0", 4096)
	if !errors.Is(err, errs.ErrNameCollision) {
		t.Fatalf("got %v, want ErrNameCollision", err)
	}
	if p.Generation() != genBefore {
		t.Errorf("failed plan bumped generation: %d -> %d", genBefore, p.Generation())
	}
	if len(p.Filesystems()) != 1 {
		t.Errorf("filesystem count = %d, want 1", len(p.Filesystems()))
	}
}

func TestApplyFailureIsPartial(t *testing.T) {
	fake := dm.NewFake()
	p := newTestPool(t, fake)
	ctx := context.Background()
	genBefore := p.Generation()

	fake.FailNext = true
	_, err := p.CreateFilesystem(ctx, "vol0", 4096)
	if !errors.Is(err, errs.ErrPartialApply) {
		t.Fatalf("got %v, want ErrPartialApply", err)
	}

	// The metadata won: state is persisted, the stack just lags.
	if p.Generation() != genBefore+1 {
		t.Errorf("generation = %d, want %d", p.Generation(), genBefore+1)
	}
	if _, ok := p.LookupFilesystem("vol0"); !ok {
		t.Error("partially applied filesystem missing from records")
	}
}

// A failed mutation must roll back backstore changes made while planning,
// not just the thin-pool records: an enrolled device or an allocated range
// surviving a failed commit would leak space for good.
func TestFailedCommitRollsBackBackstore(t *testing.T) {
	fake := dm.NewFake()
	p := newTestPool(t, fake)
	ctx := context.Background()

	devsBefore := len(p.Devices())
	availBefore := p.Info().Available
	genBefore := p.Generation()

	path := makeDevice(t, "dev1", backstore.MinDeviceSize)
	planErr := errors.New("plan rejected")
	err := p.commit(ctx, func() error {
		if _, err := p.bs.AddDevice(ctx, path); err != nil {
			return err
		}
		if _, err := p.bs.Alloc(1000, metadata.ConsumerThinData); err != nil {
			return err
		}
		return planErr
	}, nil)
	if !errors.Is(err, planErr) {
		t.Fatalf("got %v, want the plan error", err)
	}

	if got := len(p.Devices()); got != devsBefore {
		t.Errorf("device count = %d, want %d", got, devsBefore)
	}
	if got := p.Info().Available; got != availBefore {
		t.Errorf("available space = %d, want %d", got, availBefore)
	}
	if p.Generation() != genBefore {
		t.Errorf("generation = %d, want %d", p.Generation(), genBefore)
	}
}

func TestGenerationAndStampMonotonic(t *testing.T) {
	fake := dm.NewFake()
	path := makeDevice(t, "dev0", backstore.MinDeviceSize)
	p := newTestPool(t, fake, path)
	ctx := context.Background()

	first := loadState(t, path)
	if _, err := p.CreateFilesystem(ctx, "vol0", 4096); err != nil {
		t.Fatalf("CreateFilesystem failed: %v", err)
	}
	second := loadState(t, path)

	if second.Generation != first.Generation+1 {
		t.Errorf("generation %d -> %d, want +1", first.Generation, second.Generation)
	}
	if !second.Written.After(first.Written) {
		t.Errorf("write stamp did not advance: %v -> %v", first.Written, second.Written)
	}
}

func TestRenamePoolPersisted(t *testing.T) {
	fake := dm.NewFake()
	path := makeDevice(t, "dev0", backstore.MinDeviceSize)
	p := newTestPool(t, fake, path)

	if err := p.Rename(context.Background(), "production"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if p.Name() != "production" {
		t.Errorf("name = %q", p.Name())
	}
	if got := loadState(t, path).State.Name; got != "production" {
		t.Errorf("persisted name = %q, want %q", got, "production")
	}
}

func TestAddDeviceExtendsThinData(t *testing.T) {
	fake := dm.NewFake()
	p := newTestPool(t, fake)
	ctx := context.Background()

	before := p.Info()
	if _, err := p.AddDevice(ctx, makeDevice(t, "dev1", backstore.MinDeviceSize)); err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}
	after := p.Info()

	if after.Devices != before.Devices+1 {
		t.Errorf("devices = %d, want %d", after.Devices, before.Devices+1)
	}
	if after.CapLength <= before.CapLength {
		t.Errorf("cap did not grow: %d -> %d", before.CapLength, after.CapLength)
	}
	if after.Utilization.DataSize <= before.Utilization.DataSize {
		t.Errorf("thin data did not grow: %d -> %d", before.Utilization.DataSize, after.Utilization.DataSize)
	}
	if after.State != thinpool.StateActive {
		t.Errorf("state = %s after extension, want %s", after.State, thinpool.StateActive)
	}
}

func TestRemoveDeviceInUse(t *testing.T) {
	fake := dm.NewFake()
	p := newTestPool(t, fake)

	// The thin sub-devices occupy the only member.
	devs := p.Devices()
	if err := p.RemoveDevice(context.Background(), devs[0].ID); !errors.Is(err, errs.ErrDeviceInUse) {
		t.Errorf("got %v, want ErrDeviceInUse", err)
	}
}

func TestCheckCapacityDegradesWhenFull(t *testing.T) {
	fake := dm.NewFake()
	p := newTestPool(t, fake)
	ctx := context.Background()

	// Commit enough logical size to cross the low-water mark. The backstore
	// was fully consumed at create time, so there is nothing to grow into.
	size := p.Info().Utilization.DataSize
	if _, err := p.CreateFilesystem(ctx, "big", size); err != nil {
		t.Fatalf("CreateFilesystem failed: %v", err)
	}

	err := p.CheckCapacity(ctx)
	if !errors.Is(err, errs.ErrDegraded) {
		t.Fatalf("got %v, want ErrDegraded", err)
	}
	if p.Info().State != thinpool.StateDegraded {
		t.Errorf("state = %s, want %s", p.Info().State, thinpool.StateDegraded)
	}

	// Degraded pools refuse provisioning until capacity arrives.
	if _, err := p.CreateFilesystem(ctx, "more", 4096); err == nil {
		t.Error("degraded pool accepted new filesystem")
	}
	if _, err := p.AddDevice(ctx, makeDevice(t, "dev1", backstore.MinDeviceSize)); err != nil {
		t.Fatalf("AddDevice on degraded pool failed: %v", err)
	}
	if p.Info().State != thinpool.StateActive {
		t.Errorf("state = %s after adding capacity, want %s", p.Info().State, thinpool.StateActive)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	fake := dm.NewFake()
	path := makeDevice(t, "dev0", backstore.MinDeviceSize)
	p := newTestPool(t, fake, path)
	ctx := context.Background()

	fsID, err := p.CreateFilesystem(ctx, "vol0", 4096)
	if err != nil {
		t.Fatalf("CreateFilesystem failed: %v", err)
	}
	genBefore := p.Generation()
	devID := p.Devices()[0].ID
	p.Stop()

	block := loadState(t, path)
	restored, err := Restore(ctx, testLogger(), metadata.NewStore(testLogger()), fake, fake,
		block, "", map[ids.DevID]string{devID: path})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	defer restored.Stop()

	if restored.Name() != "testpool" {
		t.Errorf("restored name = %q", restored.Name())
	}
	if restored.Generation() != genBefore {
		t.Errorf("restored generation = %d, want %d", restored.Generation(), genBefore)
	}
	fss := restored.Filesystems()
	if len(fss) != 1 || fss[0].FsID != fsID {
		t.Errorf("restored filesystems = %+v", fss)
	}

	// Further mutations continue the generation sequence.
	if _, err := restored.CreateFilesystem(ctx, "vol1", 4096); err != nil {
		t.Fatalf("CreateFilesystem after restore failed: %v", err)
	}
	if restored.Generation() != genBefore+1 {
		t.Errorf("generation after restore mutation = %d, want %d", restored.Generation(), genBefore+1)
	}
}

func TestRestoreRebuildsMissingStack(t *testing.T) {
	fake := dm.NewFake()
	path := makeDevice(t, "dev0", backstore.MinDeviceSize)
	p := newTestPool(t, fake, path)
	ctx := context.Background()

	if _, err := p.CreateFilesystem(ctx, "vol0", 4096); err != nil {
		t.Fatalf("CreateFilesystem failed: %v", err)
	}
	devID := p.Devices()[0].ID
	p.Stop()

	// Simulate a reboot: all device-mapper state is gone, only the on-disk
	// records remain.
	freshDM := dm.NewFake()
	block := loadState(t, path)
	restored, err := Restore(ctx, testLogger(), metadata.NewStore(testLogger()), freshDM, freshDM,
		block, "", map[ids.DevID]string{devID: path})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	defer restored.Stop()

	for _, name := range []string{
		dm.CapName(restored.ID()), dm.ThinPoolName(restored.ID()),
	} {
		if ok, _ := freshDM.Exists(ctx, name); !ok {
			t.Errorf("device %s not rebuilt on restore", name)
		}
	}
	fss := restored.Filesystems()
	if len(fss) != 1 {
		t.Fatalf("restored %d filesystems, want 1", len(fss))
	}
	if ok, _ := freshDM.Exists(ctx, dm.ThinVolName(restored.ID(), fss[0].FsID)); !ok {
		t.Error("thin volume not rebuilt on restore")
	}
}

func TestDestroyWipesMembers(t *testing.T) {
	fake := dm.NewFake()
	path := makeDevice(t, "dev0", backstore.MinDeviceSize)
	p := newTestPool(t, fake, path)
	ctx := context.Background()

	if err := p.Destroy(ctx); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if names, _ := fake.List(ctx); len(names) != 0 {
		t.Errorf("devices left after destroy: %v", names)
	}

	dev, err := blockdev.Open(path)
	if err != nil {
		t.Fatalf("open wiped device: %v", err)
	}
	defer dev.Close()
	header, err := metadata.NewStore(testLogger()).ReadHeader(dev)
	if err != nil || header != nil {
		t.Errorf("wiped device still claimed: header=%v err=%v", header, err)
	}
}
