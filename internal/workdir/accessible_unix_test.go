//go:build unix

package workdir

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestListSkipsLockedFiles(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "busy.xml")
	writeFile(t, p, "<a/>")

	f, err := os.OpenFile(p, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		t.Skipf("flock unsupported here: %v", err)
	}

	d := New(root, nil)
	items, err := d.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("locked file listed: %+v", items)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	items, _ = d.List()
	if len(items) != 1 {
		t.Fatalf("expected file after unlock, got %d", len(items))
	}
}
