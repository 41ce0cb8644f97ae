//go:build unix

package workdir

import (
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// accessible opens the file and takes a non-blocking shared lock. A writer
// holding an exclusive lock, or a busy file, means "not ready".
func accessible(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) || errors.Is(err, unix.EBUSY) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EBUSY) {
			return false, nil
		}
		// filesystems without flock support still count as readable
		return true, nil
	}
	_ = unix.Flock(fd, unix.LOCK_UN)
	return true, nil
}
