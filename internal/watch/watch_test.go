package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/star/rtecfix/internal/correction"
	"github.com/star/rtecfix/internal/gnss"
	"github.com/star/rtecfix/internal/results"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

type fakeArchive struct {
	mu   sync.Mutex
	runs []*results.Run
	err  error
}

func (f *fakeArchive) SaveRun(ctx context.Context, run *results.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return f.err
}

func (f *fakeArchive) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

// writeObservations writes a slip-free GPS series with one +2 cycle L1 slip
// at epoch slipAt.
func writeObservations(t *testing.T, path string, n, slipAt int) {
	t.Helper()
	p, err := gnss.NewProfile(gnss.FreqL1, gnss.FreqL2, gnss.ChannelL2)
	if err != nil {
		t.Fatal(err)
	}
	gamma := (p.F1 / p.F2) * (p.F1 / p.F2)
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	var b strings.Builder
	b.WriteString("sat,time,l1,l2,p1,p2\n")
	for i := 0; i < n; i++ {
		rho := 2.1e7 + 200*float64(i)
		ion := 3.0
		l1 := (rho-ion)*p.F1/gnss.SpeedOfLight + 50
		if i >= slipAt {
			l1 += 2
		}
		l2 := (rho-gamma*ion)*p.F2/gnss.SpeedOfLight + 40
		fmt.Fprintf(&b, "G04,%s,%s,%s,%s,%s\n",
			t0.Add(time.Duration(i)*30*time.Second).Format(time.RFC3339),
			strconv.FormatFloat(l1, 'f', -1, 64),
			strconv.FormatFloat(l2, 'f', -1, 64),
			strconv.FormatFloat(rho+ion, 'f', -1, 64),
			strconv.FormatFloat(rho+gamma*ion, 'f', -1, 64),
		)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestProcessor(t *testing.T, store *results.Store, archive Archiver) *Processor {
	t.Helper()
	o, err := correction.NewOrchestrator(gnss.NewTableResolver(nil, nil, nil), correction.DefaultConfig(), testLogger)
	if err != nil {
		t.Fatal(err)
	}
	return NewProcessor(o, store, archive, testLogger)
}

func TestOutputPath(t *testing.T) {
	if got := OutputPath("/out", "/in/day061.csv"); got != filepath.Join("/out", "day061.corrected.csv") {
		t.Errorf("OutputPath = %q", got)
	}
}

func TestIsInput(t *testing.T) {
	tests := map[string]bool{
		"day061.csv":           true,
		"/spool/DAY061.CSV":    true,
		"day061.corrected.csv": false,
		".rtecfix-123.tmp":     false,
		".hidden.csv":          false,
		"notes.txt":            false,
	}
	for name, want := range tests {
		if got := isInput(name); got != want {
			t.Errorf("isInput(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestProcessFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "day061.csv")
	out := filepath.Join(dir, "out", "day061.corrected.csv")
	writeObservations(t, in, 30, 15)

	store := results.NewStore()
	archive := &fakeArchive{}
	run, err := newTestProcessor(t, store, archive).ProcessFile(context.Background(), in, out)
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}

	if store.Latest() != run {
		t.Error("run not published to the store")
	}
	if archive.count() != 1 {
		t.Errorf("archived %d runs, want 1", archive.count())
	}
	if run.Source != "day061.csv" {
		t.Errorf("Source = %q", run.Source)
	}
	if got := correction.SlipCount(run.Results); got != 1 {
		t.Errorf("SlipCount = %d, want 1", got)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 31 {
		t.Fatalf("output has %d lines, want 31", len(lines))
	}
	if !strings.HasSuffix(lines[16], ",1") {
		t.Errorf("slip row = %q, want slips=1", lines[16])
	}
}

func TestProcessFileArchiveErrorStillPublishes(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "a.csv")
	writeObservations(t, in, 20, 100)

	store := results.NewStore()
	archive := &fakeArchive{err: errors.New("disk full")}
	run, err := newTestProcessor(t, store, archive).ProcessFile(context.Background(), in, OutputPath(dir, in))
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if store.Latest() != run {
		t.Error("run not published after archive failure")
	}
}

func TestProcessFileErrors(t *testing.T) {
	dir := t.TempDir()
	p := newTestProcessor(t, nil, nil)

	if _, err := p.ProcessFile(context.Background(), filepath.Join(dir, "absent.csv"), filepath.Join(dir, "x.csv")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing input: error = %v, want os.ErrNotExist", err)
	}

	bad := filepath.Join(dir, "bad.csv")
	if err := os.WriteFile(bad, []byte("only,three,cols\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ProcessFile(context.Background(), bad, filepath.Join(dir, "bad.corrected.csv")); err == nil {
		t.Error("expected error for a file without the required header")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestWatcherProcessesStaleAndNewFiles(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()

	stale := filepath.Join(in, "stale.csv")
	writeObservations(t, stale, 20, 10)

	archive := &fakeArchive{}
	w := NewWatcher(in, out, 50*time.Millisecond, newTestProcessor(t, results.NewStore(), archive), testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, "stale file output", func() bool { return exists(OutputPath(out, stale)) })

	fresh := filepath.Join(in, "fresh.csv")
	writeObservations(t, fresh, 25, 12)
	waitFor(t, "new file output", func() bool { return exists(OutputPath(out, fresh)) })
	waitFor(t, "idle watcher", w.Idle)

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
	if archive.count() < 2 {
		t.Errorf("archived %d runs, want at least 2", archive.count())
	}
}

func TestWatcherSkipsUpToDateOutput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "done.csv")
	writeObservations(t, in, 20, 10)
	out := OutputPath(dir, in)
	if err := os.WriteFile(out, []byte("sat,time,rtec,l1,l2,slips\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(out, future, future); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(dir, "", time.Millisecond, newTestProcessor(t, nil, nil), testLogger)
	if got := w.stale(); len(got) != 0 {
		t.Errorf("stale() = %v, want none", got)
	}
}
