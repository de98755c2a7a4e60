package correction

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/star/rtecfix/internal/gnss"
	"github.com/star/rtecfix/internal/obs"
	"github.com/star/rtecfix/internal/slip"
)

// correctJob is a unit of work for the worker pool. The series is a private
// clone owned by the job.
type correctJob struct {
	series *obs.Series
}

// WorkerPool manages a fixed number of goroutines that each run one
// satellite pipeline at a time.
type WorkerPool struct {
	workers int
	logger  *slog.Logger
}

// NewWorkerPool creates a worker pool with the given number of workers.
func NewWorkerPool(workers int, logger *slog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		workers: workers,
		logger:  logger,
	}
}

// CorrectBatch runs every series through pipeline p. Satellites that were
// not reached before ctx ended are absent from the returned map; the
// caller decides how to report them.
func (wp *WorkerPool) CorrectBatch(ctx context.Context, p *slip.Pipeline, resolver gnss.Resolver, series []*obs.Series) map[gnss.SatID]*Result {
	out := make(map[gnss.SatID]*Result, len(series))
	if len(series) == 0 {
		return out
	}

	jobs := make(chan correctJob, wp.workers*2)
	results := make(chan *Result, wp.workers*2)

	// Start workers.
	var wg sync.WaitGroup
	for i := 0; i < wp.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if ctx.Err() != nil {
					return
				}
				result := correctSingle(p, resolver, job)
				select {
				case results <- result:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// Feed jobs in a goroutine.
	go func() {
		defer close(jobs)
		for _, s := range series {
			select {
			case jobs <- correctJob{series: s.Clone()}:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Close results when all workers are done.
	go func() {
		wg.Wait()
		close(results)
	}()

	for result := range results {
		if result.Err != nil {
			wp.logger.Warn("satellite correction failed",
				"sat", result.Sat,
				"error", result.Err,
			)
		}
		out[result.Sat] = result
	}

	return out
}

// correctSingle resolves the profile and runs the pipeline for one satellite.
func correctSingle(p *slip.Pipeline, resolver gnss.Resolver, job correctJob) *Result {
	start := time.Now()
	res := &Result{Sat: job.series.Sat}
	defer func() { res.Duration = time.Since(start) }()

	prof, err := resolver.Resolve(job.series.Sat)
	if err != nil {
		res.Err = err
		return res
	}
	res.Profile = prof

	out, err := p.Run(job.series, prof)
	if err != nil {
		res.Err = err
		return res
	}
	res.Corrected = out.Corrected
	res.Events = out.Events
	return res
}
