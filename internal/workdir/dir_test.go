package workdir

import (
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestListSkipsHiddenAndDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.xml"), "b")
	writeFile(t, filepath.Join(root, "a.xml"), "a")
	writeFile(t, filepath.Join(root, ".a.xml.tmp"), "partial")
	if err := os.Mkdir(filepath.Join(root, "processed"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	items, err := New(root, nil).List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 2 || items[0].Name != "a.xml" || items[1].Name != "b.xml" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestListCreatesMissingDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "not", "yet")
	items, err := New(root, nil).List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no items, got %d", len(items))
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("directory not created: %v", err)
	}
}

func TestTransitionLeavesItemInExactlyOnePlace(t *testing.T) {
	root := t.TempDir()
	in := New(root, nil)
	processed := in.Sub("processed")
	writeFile(t, filepath.Join(root, "doc.xml"), "<a/>")

	items, err := in.List()
	if err != nil || len(items) != 1 {
		t.Fatalf("List failed: %v (%d items)", err, len(items))
	}
	moved, err := in.Transition(items[0], processed)
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if in.Has("doc.xml") {
		t.Fatalf("source still present after transition")
	}
	if !processed.Has("doc.xml") || moved.Path != filepath.Join(root, "processed", "doc.xml") {
		t.Fatalf("target missing after transition: %+v", moved)
	}
}

func TestTransitionFallsBackToCopyAcrossDevices(t *testing.T) {
	root := t.TempDir()
	crossDevice := func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
	}
	in := New(root, nil, WithRename(crossDevice))
	out := New(filepath.Join(root, "other"), nil)
	writeFile(t, filepath.Join(root, "doc.xml"), "payload")

	items, _ := in.List()
	moved, err := in.Transition(items[0], out)
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	b, err := os.ReadFile(moved.Path)
	if err != nil || string(b) != "payload" {
		t.Fatalf("copied content = %q, %v", b, err)
	}
	if in.Has("doc.xml") {
		t.Fatalf("source not removed after verified copy")
	}
	entries, _ := os.ReadDir(out.Path())
	if len(entries) != 1 {
		t.Fatalf("expected only the moved file in target, got %d entries", len(entries))
	}
}

func TestTransitionKeepsSourceWhenCopyDoesNotVerify(t *testing.T) {
	crossDevice := func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
	}
	tests := map[string]func(string) ([sha256.Size]byte, error){
		"checksum mismatch": func(string) ([sha256.Size]byte, error) {
			return sha256.Sum256([]byte("something else")), nil
		},
		"unreadable copy": func(string) ([sha256.Size]byte, error) {
			return [sha256.Size]byte{}, errors.New("input/output error")
		},
	}
	for name, sum := range tests {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			in := New(root, nil, WithRename(crossDevice), WithChecksum(sum))
			out := New(filepath.Join(root, "other"), nil)
			writeFile(t, filepath.Join(root, "doc.xml"), "payload")

			items, _ := in.List()
			if _, err := in.Transition(items[0], out); err == nil {
				t.Fatalf("expected verification error")
			}
			b, err := os.ReadFile(filepath.Join(root, "doc.xml"))
			if err != nil || string(b) != "payload" {
				t.Fatalf("source after failed copy = %q, %v", b, err)
			}
			entries, err := os.ReadDir(out.Path())
			if err != nil {
				t.Fatalf("ReadDir failed: %v", err)
			}
			for _, e := range entries {
				t.Fatalf("target should be empty, found %s", e.Name())
			}
		})
	}
}

func TestTransitionPropagatesOtherRenameErrors(t *testing.T) {
	root := t.TempDir()
	fail := func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EACCES}
	}
	in := New(root, nil, WithRename(fail))
	writeFile(t, filepath.Join(root, "doc.xml"), "x")
	items, _ := in.List()
	if _, err := in.Transition(items[0], in.Sub("failed")); err == nil {
		t.Fatalf("expected error")
	}
	if !in.Has("doc.xml") {
		t.Fatalf("source must stay in place on failure")
	}
}

func TestIsDrainedIgnoresReservedSubfolders(t *testing.T) {
	root := t.TempDir()
	d := New(root, nil)
	for _, sub := range []string{"sent", "error"} {
		if err := os.Mkdir(filepath.Join(root, sub), 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
	}
	writeFile(t, filepath.Join(root, "sent", "old.xml"), "x")
	drained, err := d.IsDrained("sent", "error")
	if err != nil || !drained {
		t.Fatalf("IsDrained = %v, %v; want true", drained, err)
	}
	writeFile(t, filepath.Join(root, "new.xml"), "x")
	drained, err = d.IsDrained("sent", "error")
	if err != nil || drained {
		t.Fatalf("IsDrained = %v, %v; want false", drained, err)
	}
}

func TestPlaceIsVisibleOnlyWhenComplete(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "prepared", "1"), nil)
	item, err := d.Place("req.xml", []byte("<env/>"))
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	items, err := d.List()
	if err != nil || len(items) != 1 || items[0].Name != "req.xml" || item.Size != 6 {
		t.Fatalf("unexpected listing after Place: %+v, %v", items, err)
	}
}
