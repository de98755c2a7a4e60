package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher processes observation files dropped into a spool directory.
type Watcher struct {
	inDir    string
	outDir   string
	debounce time.Duration
	proc     *Processor
	logger   *slog.Logger

	pending atomic.Int64
}

// NewWatcher creates a watcher for inDir writing results to outDir.
func NewWatcher(inDir, outDir string, debounce time.Duration, proc *Processor, logger *slog.Logger) *Watcher {
	if outDir == "" {
		outDir = inDir
	}
	return &Watcher{
		inDir:    inDir,
		outDir:   outDir,
		debounce: debounce,
		proc:     proc,
		logger:   logger,
	}
}

// Idle reports whether no file is waiting or being processed.
func (w *Watcher) Idle() bool {
	return w.pending.Load() == 0
}

// isInput reports whether name is an observation file rather than output.
func isInput(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(strings.ToLower(base), ".csv") &&
		!strings.HasSuffix(base, OutputSuffix) &&
		!strings.HasPrefix(base, ".")
}

// Run watches the spool directory until ctx is cancelled. Files already
// present without an up-to-date output are processed first.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := os.MkdirAll(w.inDir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(w.inDir); err != nil {
		return err
	}

	w.logger.Info("watching spool directory", "input_dir", w.inDir, "output_dir", w.outDir)

	ready := make(chan string)
	done := make(chan struct{})
	defer close(done)

	var (
		mu     sync.Mutex
		timers = make(map[string]*time.Timer)
	)
	schedule := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := timers[path]; ok {
			t.Reset(w.debounce)
			return
		}
		w.pending.Add(1)
		var t *time.Timer
		t = time.AfterFunc(w.debounce, func() {
			mu.Lock()
			if timers[path] != t {
				mu.Unlock()
				return
			}
			delete(timers, path)
			mu.Unlock()
			select {
			case ready <- path:
			case <-done:
				w.pending.Add(-1)
			}
		})
		timers[path] = t
	}
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for path, t := range timers {
			t.Stop()
			w.pending.Add(-1)
			delete(timers, path)
		}
	}()

	for _, path := range w.stale() {
		schedule(path)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case path := <-ready:
			w.process(ctx, path)
			w.pending.Add(-1)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isInput(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			schedule(event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("spool watcher error", "error", err)
		}
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		w.logger.Debug("spool file vanished before processing", "path", path)
		return
	}
	out := OutputPath(w.outDir, path)
	if _, err := w.proc.ProcessFile(ctx, path, out); err != nil {
		w.logger.Warn("spool file failed", "path", path, "error", err)
	}
}

// stale lists input files whose output is missing or older than the input.
func (w *Watcher) stale() []string {
	entries, err := os.ReadDir(w.inDir)
	if err != nil {
		w.logger.Warn("listing spool directory failed", "input_dir", w.inDir, "error", err)
		return nil
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !isInput(e.Name()) {
			continue
		}
		in, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(w.inDir, e.Name())
		out, err := os.Stat(OutputPath(w.outDir, path))
		if err == nil && !out.ModTime().Before(in.ModTime()) {
			continue
		}
		paths = append(paths, path)
	}
	return paths
}
