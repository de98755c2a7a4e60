// Package correction fans a multi-satellite observation dataset out to the
// per-satellite slip pipeline and collects the corrected series.
package correction

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/star/rtecfix/internal/gnss"
	"github.com/star/rtecfix/internal/metrics"
	"github.com/star/rtecfix/internal/obs"
	"github.com/star/rtecfix/internal/slip"
)

// Result is the outcome for one satellite. Exactly one of Corrected and Err
// is set.
type Result struct {
	Sat       gnss.SatID
	Profile   gnss.Profile
	Corrected *obs.Corrected
	Events    []slip.Event
	Duration  time.Duration
	Err       error
}

// Config holds orchestrator settings.
type Config struct {
	Workers int
	Slip    slip.Config
}

// DefaultConfig returns one worker per CPU and the default slip tunables.
func DefaultConfig() Config {
	return Config{
		Workers: runtime.NumCPU(),
		Slip:    slip.DefaultConfig(),
	}
}

// Orchestrator corrects whole datasets.
type Orchestrator struct {
	resolver gnss.Resolver
	pool     *WorkerPool
	pipeline atomic.Pointer[slip.Pipeline]
	logger   *slog.Logger
}

// NewOrchestrator creates an orchestrator. A Workers value below 1 uses
// runtime.NumCPU().
func NewOrchestrator(resolver gnss.Resolver, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	if cfg.Workers < 1 {
		cfg.Workers = runtime.NumCPU()
	}
	p, err := slip.NewPipeline(cfg.Slip, logger)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		resolver: resolver,
		pool:     NewWorkerPool(cfg.Workers, logger),
		logger:   logger,
	}
	o.pipeline.Store(p)
	return o, nil
}

// SetSlipConfig swaps the pipeline tunables. Runs already in progress keep
// the pipeline they started with.
func (o *Orchestrator) SetSlipConfig(cfg slip.Config) error {
	p, err := slip.NewPipeline(cfg, o.logger)
	if err != nil {
		return err
	}
	o.pipeline.Store(p)
	o.logger.Info("slip tunables updated",
		"limit_std", cfg.LimitStd,
		"diff_tec_max", cfg.DiffTECMax,
		"gap_threshold", cfg.GapThreshold.String(),
	)
	return nil
}

// SlipConfig returns the tunables used by the next run.
func (o *Orchestrator) SlipConfig() slip.Config {
	return o.pipeline.Load().Config()
}

// Run corrects every satellite in ds. Per-satellite failures are reported in
// that satellite's Result.Err. If ctx ends early, satellites that were not
// processed carry ctx.Err(). The input dataset is not modified.
func (o *Orchestrator) Run(ctx context.Context, ds obs.Dataset) map[gnss.SatID]*Result {
	p := o.pipeline.Load()
	sats := ds.Sats()

	series := make([]*obs.Series, 0, len(sats))
	for _, sat := range sats {
		s := ds[sat]
		if s == nil {
			continue
		}
		if s.Sat != sat {
			s = &obs.Series{Sat: sat, Time: s.Time, L1: s.L1, L2: s.L2, P1: s.P1, P2: s.P2}
		}
		series = append(series, s)
	}

	o.logger.Debug("correcting dataset",
		"satellite_count", len(series),
		"workers", o.pool.workers,
	)

	start := time.Now()
	results := o.pool.CorrectBatch(ctx, p, o.resolver, series)
	duration := time.Since(start)

	var succeeded, failed, slips int
	for _, s := range series {
		r, ok := results[s.Sat]
		if !ok {
			err := ctx.Err()
			if err == nil {
				err = fmt.Errorf("%s: satellite not processed", s.Sat)
			}
			r = &Result{Sat: s.Sat, Err: err}
			results[s.Sat] = r
		}
		if r.Err != nil {
			failed++
			continue
		}
		succeeded++
		slips += len(r.Events)
		recordSlips(r)
		metrics.RecordSatellite(r.Duration)
	}

	metrics.RecordRun(duration, succeeded, failed)

	o.logger.Info("dataset corrected",
		"satellites", len(series),
		"success", succeeded,
		"errors", failed,
		"cycle_slips", slips,
		"duration_ms", duration.Milliseconds(),
	)

	return results
}

func recordSlips(r *Result) {
	if len(r.Events) == 0 {
		return
	}
	c, err := r.Sat.Constellation()
	if err != nil {
		return
	}
	for _, ev := range r.Events {
		metrics.RecordCycleSlip(string(c), ev.Trigger.String())
	}
}

// SlipCount returns the total number of events across results.
func SlipCount(results map[gnss.SatID]*Result) int {
	var n int
	for _, r := range results {
		n += len(r.Events)
	}
	return n
}
