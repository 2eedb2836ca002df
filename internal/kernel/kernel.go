// Package kernel implements the Kernel Resolver (C5): resolving
// (kernel_name, kernel_version) to an image path from a catalog file that
// is re-read on every lookup so it can be hot-edited (spec §4.5).
package kernel

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/oriys/nova/internal/pkg/fsutil"
	"github.com/oriys/nova/internal/vmerr"
)

// Record is one entry in the catalog file.
type Record struct {
	KernelName    string `json:"kernel_name"`
	KernelVersion string `json:"kernel_version"`
	Path          string `json:"path"`
}

// NotFoundError reports both the requested name and version, per spec §9
// open question 4 (the source only reported the name).
type NotFoundError struct {
	KernelName    string
	KernelVersion string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no kernel matches kernel_name=%q kernel_version=%q", e.KernelName, e.KernelVersion)
}

// Resolver resolves kernel images from a JSON catalog file.
type Resolver struct {
	path string
}

// New constructs a Resolver reading from catalogPath.
func New(catalogPath string) *Resolver {
	return &Resolver{path: catalogPath}
}

// Resolve re-reads the catalog file and returns the path of the first
// record matching (name, version) exactly.
func (r *Resolver) Resolve(name, version string) (string, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return "", vmerr.Wrap(vmerr.KindIO, "read kernel catalog", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return "", vmerr.Wrap(vmerr.KindSerde, "parse kernel catalog", err)
	}

	for _, rec := range records {
		if rec.KernelName == name && rec.KernelVersion == version {
			return rec.Path, nil
		}
	}

	return "", vmerr.Wrap(vmerr.KindKernelNotFound, "", &NotFoundError{KernelName: name, KernelVersion: version})
}

// CatalogHash returns a short change-detection hash of the catalog file's
// current contents, useful for logging when the hot-reloaded catalog
// changes between calls.
func (r *Resolver) CatalogHash() (string, error) {
	return fsutil.HashFile(r.path)
}
