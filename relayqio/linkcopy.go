package relayqio

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/mjl-/relayq/mlog"
)

// LinkOrCopy makes dst a hardlink to src, falling back to copying when the file
// system cannot link, e.g. across file systems. With sync, a copied file is
// synced to disk. The directory of dst is not synced, callers do that, possibly
// after multiple files.
//
// An existing dst is never overwritten, an error matching fs.ErrExist is
// returned instead. A missing src or dst directory gives fs.ErrNotExist.
func LinkOrCopy(log mlog.Log, dst, src string, sync bool) error {
	err := os.Link(src, dst)
	if err == nil || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrExist) {
		return err
	}
	return copyFile(log, dst, src, sync)
}

// copyFile copies src to the new file dst. On error, dst is removed.
func copyFile(log mlog.Log, dst, src string, sync bool) (rerr error) {
	sf, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer func() {
		err := sf.Close()
		log.Check(err, "closing source file")
	}()

	df, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0660)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer func() {
		if df != nil {
			err := df.Close()
			log.Check(err, "closing destination file")
		}
		if rerr != nil {
			err := os.Remove(dst)
			log.Check(err, "removing partial destination file")
		}
	}()

	if _, err := io.Copy(df, sf); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if sync {
		if err := df.Sync(); err != nil {
			return fmt.Errorf("sync destination: %w", err)
		}
	}
	err = df.Close()
	df = nil
	if err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}
