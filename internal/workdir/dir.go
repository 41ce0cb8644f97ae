// Package workdir implements a work queue whose states are directories.
//
// A work item is a file. Moving it between directories is its state
// transition; the move is a single rename whenever the filesystem allows it.
package workdir

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Item is a file sitting in a queue directory.
type Item struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// Dir is one queue state.
type Dir struct {
	path   string
	logger *slog.Logger
	rename func(oldpath, newpath string) error
	sum    func(path string) ([sha256.Size]byte, error)
}

type Option func(*Dir)

// WithRename overrides the rename primitive used by Transition.
func WithRename(fn func(oldpath, newpath string) error) Option {
	return func(d *Dir) {
		if fn != nil {
			d.rename = fn
		}
	}
}

// WithChecksum overrides how a cross-device copy is re-read for verification.
func WithChecksum(fn func(path string) ([sha256.Size]byte, error)) Option {
	return func(d *Dir) {
		if fn != nil {
			d.sum = fn
		}
	}
}

func New(path string, logger *slog.Logger, opts ...Option) *Dir {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dir{path: filepath.Clean(path), logger: logger, rename: os.Rename, sum: hashFile}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dir) Path() string { return d.path }

// Sub returns the named child state. It shares the parent's options.
func (d *Dir) Sub(name string) *Dir {
	return &Dir{path: filepath.Join(d.path, name), logger: d.logger, rename: d.rename, sum: d.sum}
}

// Ensure creates the directory if needed. Safe to call repeatedly.
func (d *Dir) Ensure() error {
	return os.MkdirAll(d.path, 0o755)
}

// Has reports whether a file with this name is present.
func (d *Dir) Has(name string) bool {
	_, err := os.Lstat(filepath.Join(d.path, name))
	return err == nil
}

// List returns regular, visible, accessible files in name order.
// Files still held by a writer are skipped silently.
func (d *Dir) List() ([]Item, error) {
	if err := d.Ensure(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		if IsHidden(e.Name()) || !e.Type().IsRegular() {
			continue
		}
		p := filepath.Join(d.path, e.Name())
		ok, err := accessible(p)
		if err != nil {
			d.logger.Warn("workdir.accessibility_check.failed", "file", p, "error", err)
			continue
		}
		if !ok {
			d.logger.Debug("workdir.not_ready", "file", p)
			continue
		}
		info, err := e.Info()
		if err != nil {
			// vanished between ReadDir and Info; another worker took it
			continue
		}
		items = append(items, Item{Name: e.Name(), Path: p, Size: info.Size(), ModTime: info.ModTime()})
	}
	return items, nil
}

// IsDrained reports whether the directory holds nothing besides hidden
// entries and the ignored names.
func (d *Dir) IsDrained(ignore ...string) (bool, error) {
	if err := d.Ensure(); err != nil {
		return false, err
	}
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return false, err
	}
	skip := make(map[string]struct{}, len(ignore))
	for _, n := range ignore {
		skip[n] = struct{}{}
	}
	for _, e := range entries {
		if IsHidden(e.Name()) {
			continue
		}
		if _, ok := skip[e.Name()]; ok {
			continue
		}
		return false, nil
	}
	return true, nil
}

// Transition moves item into dir to, keeping its name. An existing file of the
// same name in to is replaced.
func (d *Dir) Transition(item Item, to *Dir) (Item, error) {
	if err := to.Ensure(); err != nil {
		return Item{}, fmt.Errorf("ensure %s: %w", to.path, err)
	}
	dst := filepath.Join(to.path, item.Name)
	err := d.rename(item.Path, dst)
	if err == nil {
		item.Path = dst
		return item, nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return Item{}, err
	}
	d.logger.Info("workdir.cross_device_copy", "from", item.Path, "to", dst)
	return d.copyVerifyDelete(item, dst)
}

// Place writes content under name. Readers never observe a partial file.
func (d *Dir) Place(name string, content []byte) (Item, error) {
	if err := d.Ensure(); err != nil {
		return Item{}, err
	}
	tmp := filepath.Join(d.path, "."+name+".tmp")
	if err := writeSynced(tmp, content); err != nil {
		_ = os.Remove(tmp)
		return Item{}, err
	}
	dst := filepath.Join(d.path, name)
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return Item{}, err
	}
	return Item{Name: name, Path: dst, Size: int64(len(content)), ModTime: time.Now()}, nil
}

func (d *Dir) copyVerifyDelete(item Item, dst string) (Item, error) {
	tmp := filepath.Join(filepath.Dir(dst), ".part-"+item.Name)
	srcSum, err := copyHashed(item.Path, tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return Item{}, fmt.Errorf("copy %s: %w", item.Path, err)
	}
	dstSum, err := d.sum(tmp)
	if err != nil || dstSum != srcSum {
		_ = os.Remove(tmp)
		if err == nil {
			err = errors.New("checksum mismatch")
		}
		return Item{}, fmt.Errorf("verify copy of %s: %w", item.Path, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return Item{}, err
	}
	if err := os.Remove(item.Path); err != nil {
		d.logger.Warn("workdir.source_remove.failed", "file", item.Path, "error", err)
	}
	item.Path = dst
	return item, nil
}

func copyHashed(src, dst string) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	in, err := os.Open(src)
	if err != nil {
		return sum, err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return sum, err
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		_ = out.Close()
		return sum, err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return sum, err
	}
	if err := out.Close(); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

func hashFile(path string) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

func writeSynced(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
