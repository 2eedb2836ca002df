package vmpool

import (
	"os"

	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/vmerr"
)

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return vmerr.Wrap(vmerr.KindIO, "create snapshot directory", err)
	}
	return nil
}

func removeSnapshotFiles(snap domain.Snapshot) error {
	if err := os.Remove(snap.MemFilePath); err != nil {
		if os.IsNotExist(err) {
			return vmerr.Wrap(vmerr.KindIO, "mem snapshot file absent", err)
		}
		return vmerr.Wrap(vmerr.KindIO, "remove mem snapshot file", err)
	}
	if err := os.Remove(snap.VMFilePath); err != nil {
		if os.IsNotExist(err) {
			return vmerr.Wrap(vmerr.KindIO, "vm snapshot file absent", err)
		}
		return vmerr.Wrap(vmerr.KindIO, "remove vm snapshot file", err)
	}
	return nil
}
