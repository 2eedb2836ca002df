package kernel

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/oriys/nova/internal/vmerr"
)

func writeCatalog(t *testing.T, path string, records []Record) {
	t.Helper()
	data, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("marshal catalog: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
}

func TestResolveFindsMatchingRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernels.json")
	writeCatalog(t, path, []Record{
		{KernelName: "vmlinux", KernelVersion: "5.10", Path: "/images/vmlinux-5.10"},
		{KernelName: "vmlinux", KernelVersion: "6.1", Path: "/images/vmlinux-6.1"},
	})

	r := New(path)
	got, err := r.Resolve("vmlinux", "6.1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "/images/vmlinux-6.1" {
		t.Fatalf("got %q, want /images/vmlinux-6.1", got)
	}
}

func TestResolveNotFoundReportsNameAndVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernels.json")
	writeCatalog(t, path, []Record{{KernelName: "vmlinux", KernelVersion: "5.10", Path: "/images/vmlinux-5.10"}})

	r := New(path)
	_, err := r.Resolve("vmlinux", "9.9")
	if err == nil {
		t.Fatalf("expected error for unmatched kernel")
	}
	if vmerr.KindOf(err) != vmerr.KindKernelNotFound {
		t.Fatalf("expected KindKernelNotFound, got %v", vmerr.KindOf(err))
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected *NotFoundError in chain, got %v", err)
	}
	if nf.KernelName != "vmlinux" || nf.KernelVersion != "9.9" {
		t.Fatalf("unexpected NotFoundError fields: %+v", nf)
	}
}

func TestResolveHotSwapsCatalogBetweenCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernels.json")
	writeCatalog(t, path, []Record{{KernelName: "vmlinux", KernelVersion: "5.10", Path: "/images/v1"}})

	r := New(path)
	got, err := r.Resolve("vmlinux", "5.10")
	if err != nil {
		t.Fatalf("Resolve (first): %v", err)
	}
	if got != "/images/v1" {
		t.Fatalf("got %q, want /images/v1", got)
	}

	writeCatalog(t, path, []Record{{KernelName: "vmlinux", KernelVersion: "5.10", Path: "/images/v2"}})

	got, err = r.Resolve("vmlinux", "5.10")
	if err != nil {
		t.Fatalf("Resolve (second): %v", err)
	}
	if got != "/images/v2" {
		t.Fatalf("got %q after catalog rewrite, want /images/v2", got)
	}
}

func TestCatalogHashChangesWithContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernels.json")
	writeCatalog(t, path, []Record{{KernelName: "a", KernelVersion: "1", Path: "/a"}})
	r := New(path)

	h1, err := r.CatalogHash()
	if err != nil {
		t.Fatalf("CatalogHash: %v", err)
	}
	writeCatalog(t, path, []Record{{KernelName: "b", KernelVersion: "1", Path: "/b"}})
	h2, err := r.CatalogHash()
	if err != nil {
		t.Fatalf("CatalogHash: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("expected hash to change after catalog content changed")
	}
}
