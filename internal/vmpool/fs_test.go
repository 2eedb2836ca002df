package vmpool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/vmerr"
)

func TestEnsureDirCreatesNested(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a", "b", "c")
	if err := ensureDir(target); err != nil {
		t.Fatalf("ensureDir: %v", err)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat created dir: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("expected %s to be a directory", target)
	}
}

func TestRemoveSnapshotFilesRemovesBoth(t *testing.T) {
	root := t.TempDir()
	memPath := filepath.Join(root, "snap.mem")
	vmPath := filepath.Join(root, "snap.vm")
	if err := os.WriteFile(memPath, []byte("mem"), 0o644); err != nil {
		t.Fatalf("write mem file: %v", err)
	}
	if err := os.WriteFile(vmPath, []byte("vm"), 0o644); err != nil {
		t.Fatalf("write vm file: %v", err)
	}

	snap := domain.Snapshot{VMID: "vm-1", SnapshotID: "snap-1", MemFilePath: memPath, VMFilePath: vmPath}
	if err := removeSnapshotFiles(snap); err != nil {
		t.Fatalf("removeSnapshotFiles: %v", err)
	}
	if _, err := os.Stat(memPath); !os.IsNotExist(err) {
		t.Fatalf("expected mem file removed, stat err = %v", err)
	}
	if _, err := os.Stat(vmPath); !os.IsNotExist(err) {
		t.Fatalf("expected vm file removed, stat err = %v", err)
	}
}

func TestRemoveSnapshotFilesMissingFileIsIOKind(t *testing.T) {
	root := t.TempDir()
	snap := domain.Snapshot{
		VMID:        "vm-1",
		SnapshotID:  "snap-1",
		MemFilePath: filepath.Join(root, "missing.mem"),
		VMFilePath:  filepath.Join(root, "missing.vm"),
	}
	err := removeSnapshotFiles(snap)
	if err == nil {
		t.Fatalf("expected error for missing mem file")
	}
	if vmerr.KindOf(err) != vmerr.KindIO {
		t.Fatalf("expected KindIO, got %v", vmerr.KindOf(err))
	}
}
