//go:build !unix

package workdir

import (
	"errors"
	"io/fs"
	"os"
)

func accessible(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return false, nil
		}
		return false, err
	}
	_ = f.Close()
	return true, nil
}
