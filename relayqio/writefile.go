// Package relayqio has common i/o functions for files in the queue directory.
package relayqio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mjl-/relayq/mlog"
)

// WriteFileSync writes data to a temporary file in the directory of path, syncs
// it and renames it to path. Readers either see no file or the complete file.
// The directory itself is not synced.
func WriteFileSync(log mlog.Log, path string, data []byte) (rerr error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if f != nil {
			err := f.Close()
			log.Check(err, "closing temporary file")
		}
		if rerr != nil {
			err := os.Remove(tmp)
			log.Check(err, "removing temporary file")
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	err = f.Close()
	f = nil
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
