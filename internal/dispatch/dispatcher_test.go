package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/joseph-ayodele/exchange-relay/constants"
	"github.com/joseph-ayodele/exchange-relay/internal/workdir"
)

type maxTier int

func (m maxTier) MaxTier() int { return int(m) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func put(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte("<env/>"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// gateway consumes the outbound folder into sent/ and records what it saw.
type gateway struct {
	dir  string
	mu   sync.Mutex
	seen []string
}

func (g *gateway) run(ctx context.Context) {
	sent := filepath.Join(g.dir, constants.DirSent)
	_ = os.MkdirAll(sent, 0o755)
	for ctx.Err() == nil {
		entries, _ := os.ReadDir(g.dir)
		var batch []string
		for _, e := range entries {
			if e.Type().IsRegular() && !workdir.IsHidden(e.Name()) {
				batch = append(batch, e.Name())
			}
		}
		sort.Strings(batch)
		for _, n := range batch {
			if os.Rename(filepath.Join(g.dir, n), filepath.Join(sent, n)) == nil {
				g.mu.Lock()
				g.seen = append(g.seen, n)
				g.mu.Unlock()
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCycleDrainsTiersInOrder(t *testing.T) {
	root := t.TempDir()
	prepared := filepath.Join(root, "prepared")
	outbound := filepath.Join(root, "out")
	put(t, filepath.Join(prepared, "1"), "a1.xml")
	put(t, filepath.Join(prepared, "1"), "a2.xml")
	put(t, filepath.Join(prepared, "3"), "c1.xml")
	put(t, filepath.Join(prepared, "2"), "b1.xml")
	// something the gateway has not picked up yet
	put(t, outbound, "old.xml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gw := &gateway{dir: outbound}
	done := make(chan struct{})
	go func() { gw.run(ctx); close(done) }()

	d := New(prepared, outbound, maxTier(3), discard(), WithPollInterval(10*time.Millisecond))
	stats, err := d.Cycle(ctx)
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if stats.Moved != 4 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	// wait for the gateway to take the last tier
	for {
		gw.mu.Lock()
		n := len(gw.seen)
		gw.mu.Unlock()
		if n == 5 || ctx.Err() != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	want := []string{"old.xml", "a1.xml", "a2.xml", "b1.xml", "c1.xml"}
	if len(gw.seen) != len(want) {
		t.Fatalf("gateway saw %v, want %v", gw.seen, want)
	}
	for i := range want {
		if gw.seen[i] != want[i] {
			t.Fatalf("gateway saw %v, want %v", gw.seen, want)
		}
	}
}

func TestCycleIdlesWithoutTiers(t *testing.T) {
	root := t.TempDir()
	put(t, filepath.Join(root, "prepared", "1"), "x.xml")
	d := New(filepath.Join(root, "prepared"), filepath.Join(root, "out"), maxTier(0), discard())
	stats, err := d.Cycle(context.Background())
	if err != nil || stats.Moved != 0 {
		t.Fatalf("Cycle = %+v, %v", stats, err)
	}
}

func TestCycleRetriesFailedMoveOnce(t *testing.T) {
	root := t.TempDir()
	prepared := filepath.Join(root, "prepared")
	outbound := filepath.Join(root, "out")
	put(t, filepath.Join(prepared, "1"), "flaky.xml")
	put(t, filepath.Join(prepared, "1"), "stuck.xml")

	calls := map[string]int{}
	rename := func(oldpath, newpath string) error {
		name := filepath.Base(oldpath)
		calls[name]++
		if name == "stuck.xml" || (name == "flaky.xml" && calls[name] == 1) {
			return errors.New("device busy")
		}
		return os.Rename(oldpath, newpath)
	}

	d := New(prepared, outbound, maxTier(1), discard(), WithDirOptions(workdir.WithRename(rename)))
	stats, err := d.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if stats.Moved != 1 || stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if calls["stuck.xml"] != 2 {
		t.Fatalf("stuck.xml tried %d times, want 2", calls["stuck.xml"])
	}
	if _, err := os.Stat(filepath.Join(prepared, "1", "stuck.xml")); err != nil {
		t.Fatalf("stuck file should stay in its tier: %v", err)
	}
	info, err := os.Stat(filepath.Join(outbound, "flaky.xml"))
	if err != nil {
		t.Fatalf("flaky file not dispatched: %v", err)
	}
	if info.Mode().Perm() != 0o666 {
		t.Fatalf("mode = %v, want 0666", info.Mode().Perm())
	}
}
