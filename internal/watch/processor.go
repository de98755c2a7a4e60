// Package watch turns observation files into corrected output, either one
// file at a time or by watching a spool directory.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/star/rtecfix/internal/correction"
	"github.com/star/rtecfix/internal/metrics"
	"github.com/star/rtecfix/internal/obsfile"
	"github.com/star/rtecfix/internal/results"
)

// OutputSuffix replaces ".csv" on corrected output files.
const OutputSuffix = ".corrected.csv"

// Archiver persists completed runs.
type Archiver interface {
	SaveRun(ctx context.Context, run *results.Run) error
}

// Processor parses, corrects, writes and publishes one file at a time.
type Processor struct {
	orch    *correction.Orchestrator
	store   *results.Store
	archive Archiver
	logger  *slog.Logger
}

// NewProcessor creates a processor. store and archive may be nil.
func NewProcessor(orch *correction.Orchestrator, store *results.Store, archive Archiver, logger *slog.Logger) *Processor {
	return &Processor{
		orch:    orch,
		store:   store,
		archive: archive,
		logger:  logger,
	}
}

// OutputPath returns the corrected output path for an input file in dir.
func OutputPath(dir, input string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(dir, base+OutputSuffix)
}

// ProcessFile corrects the observations in inPath and writes them to
// outPath. The output is written to a temporary file and renamed into
// place. Archive failures are logged; the run is still published.
func (p *Processor) ProcessFile(ctx context.Context, inPath, outPath string) (*results.Run, error) {
	f, err := os.Open(inPath)
	if err != nil {
		metrics.RecordSpoolFile("parse_error")
		return nil, err
	}
	ds, err := obsfile.Parse(f, p.logger)
	f.Close()
	if err != nil {
		metrics.RecordSpoolFile("parse_error")
		return nil, fmt.Errorf("%s: %w", inPath, err)
	}

	started := time.Now()
	res := p.orch.Run(ctx, ds)
	run := results.NewRun(filepath.Base(inPath), started, time.Now(), res)

	if err := writeAtomic(outPath, run); err != nil {
		metrics.RecordSpoolFile("write_error")
		return nil, fmt.Errorf("%s: %w", outPath, err)
	}

	status := "ok"
	if p.archive != nil {
		if err := p.archive.SaveRun(ctx, run); err != nil {
			status = "store_error"
			p.logger.Error("archiving run failed", "run_id", run.ID, "source", run.Source, "error", err)
		}
	}
	metrics.RecordSpoolFile(status)

	if p.store != nil {
		p.store.Set(run)
	}

	p.logger.Info("observation file corrected",
		"run_id", run.ID,
		"input", inPath,
		"output", outPath,
		"satellites", len(res),
		"failed", run.Failed(),
		"cycle_slips", correction.SlipCount(res),
		"duration_ms", run.FinishedAt.Sub(run.StartedAt).Milliseconds(),
	)
	return run, nil
}

func writeAtomic(path string, run *results.Run) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".rtecfix-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := obsfile.WriteCorrected(tmp, run.Results); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
