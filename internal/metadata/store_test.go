package metadata

import (
	"context"
	"testing"

	"github.com/oriys/nova/internal/db"
	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/vmerr"
)

func testTables(t *testing.T) Tables {
	t.Helper()
	tables, err := NewTables(domain.Pool{ID: "abcdef0123456789abcdef0123456789"}, "", "", "", "")
	if err != nil {
		t.Fatalf("NewTables: %v", err)
	}
	return tables
}

func TestValidateIdentifier(t *testing.T) {
	if err := ValidateIdentifier("machine_core_abc123"); err != nil {
		t.Fatalf("expected valid identifier to pass, got %v", err)
	}
	for _, bad := range []string{"bad-name", "bad;drop table x", "bad name", ""} {
		if err := ValidateIdentifier(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		} else if vmerr.KindOf(err) != vmerr.KindDBCreate {
			t.Fatalf("expected KindDBCreate, got %v", vmerr.KindOf(err))
		}
	}
}

func TestStoreCoreRoundTrip(t *testing.T) {
	conn := db.NewFakeDatabase()
	store := New(conn, testTables(t))
	ctx := context.Background()

	if err := store.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	vmid := "vm-1"
	if err := store.InsertCore(ctx, vmid, []byte(`{"socket_path":"/tmp/a.sock"}`), domain.StatusCreated); err != nil {
		t.Fatalf("InsertCore: %v", err)
	}

	core, status, err := store.GetCore(ctx, vmid)
	if err != nil {
		t.Fatalf("GetCore: %v", err)
	}
	if status != domain.StatusCreated {
		t.Fatalf("expected StatusCreated, got %v", status)
	}
	if string(core) != `{"socket_path":"/tmp/a.sock"}` {
		t.Fatalf("unexpected core payload: %s", core)
	}

	if err := store.UpdateCore(ctx, vmid, []byte(`{"socket_path":"/tmp/b.sock"}`), domain.StatusRunning); err != nil {
		t.Fatalf("UpdateCore: %v", err)
	}
	_, status, err = store.GetCore(ctx, vmid)
	if err != nil {
		t.Fatalf("GetCore after update: %v", err)
	}
	if status != domain.StatusRunning {
		t.Fatalf("expected StatusRunning after update, got %v", status)
	}

	if err := store.DeleteCore(ctx, vmid); err != nil {
		t.Fatalf("DeleteCore: %v", err)
	}
	if _, _, err := store.GetCore(ctx, vmid); err == nil {
		t.Fatalf("expected error reading deleted core")
	}
}

func TestStoreCreateConfigRoundTrip(t *testing.T) {
	conn := db.NewFakeDatabase()
	store := New(conn, testTables(t))
	ctx := context.Background()
	if err := store.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	cfg := domain.CreateConfig{
		MemorySizeInMiB: 256,
		VCPUCount:       1,
		KernelName:      "vmlinux",
		KernelVersion:   "5.10",
		VolumeSizeInMiB: 1024,
	}
	if err := store.InsertCreateConfig(ctx, "vm-1", cfg); err != nil {
		t.Fatalf("InsertCreateConfig: %v", err)
	}
	got, err := store.GetCreateConfig(ctx, "vm-1")
	if err != nil {
		t.Fatalf("GetCreateConfig: %v", err)
	}
	if got != cfg {
		t.Fatalf("round-tripped config mismatch: got %+v, want %+v", got, cfg)
	}
	if err := store.DeleteCreateConfig(ctx, "vm-1"); err != nil {
		t.Fatalf("DeleteCreateConfig: %v", err)
	}
}

func TestStoreVolumesAndSnapshots(t *testing.T) {
	conn := db.NewFakeDatabase()
	store := New(conn, testTables(t))
	ctx := context.Background()
	if err := store.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if err := store.InsertVolume(ctx, "vm-1", "vol-1"); err != nil {
		t.Fatalf("InsertVolume: %v", err)
	}
	if err := store.InsertVolume(ctx, "vm-1", "vol-2"); err != nil {
		t.Fatalf("InsertVolume: %v", err)
	}
	volumes, err := store.ListVolumes(ctx, "vm-1")
	if err != nil {
		t.Fatalf("ListVolumes: %v", err)
	}
	if len(volumes) != 2 {
		t.Fatalf("expected 2 volumes, got %d", len(volumes))
	}
	if err := store.DeleteVolume(ctx, "vm-1", "vol-1"); err != nil {
		t.Fatalf("DeleteVolume: %v", err)
	}
	volumes, err = store.ListVolumes(ctx, "vm-1")
	if err != nil {
		t.Fatalf("ListVolumes after delete: %v", err)
	}
	if len(volumes) != 1 || volumes[0] != "vol-2" {
		t.Fatalf("unexpected remaining volumes: %v", volumes)
	}

	snap := domain.Snapshot{VMID: "vm-1", SnapshotID: "snap-1", MemFilePath: "/tmp/snap-1.mem", VMFilePath: "/tmp/snap-1.vm"}
	if err := store.InsertSnapshot(ctx, snap); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}
	snaps, err := store.ListSnapshots(ctx, "vm-1")
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0] != snap {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
	if err := store.DeleteSnapshot(ctx, "vm-1", "snap-1"); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
	snaps, err = store.ListSnapshots(ctx, "vm-1")
	if err != nil {
		t.Fatalf("ListSnapshots after delete: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected no snapshots after delete, got %v", snaps)
	}
}
