// Package slip detects and repairs cycle slips in one satellite's
// dual-frequency phase series and reconstructs a continuous rTEC.
//
// The sweep walks the gap-free samples once. At each index it refreshes the
// derived combinations, resets its trailing window across time gaps,
// applies the ambiguity correction at 4th-difference peaks, and applies it
// again whenever the rTEC increment leaves the adaptive gate.
package slip

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/star/rtecfix/internal/gnss"
	"github.com/star/rtecfix/internal/obs"
)

// Trigger records which check caused a correction.
type Trigger int

const (
	TriggerDetector Trigger = iota
	TriggerGate
)

func (t Trigger) String() string {
	if t == TriggerDetector {
		return "detector"
	}
	return "gate"
}

// Event is one applied, non-zero correction. Index addresses the compacted
// series; Time is the epoch it applies from.
type Event struct {
	Index   int
	Time    time.Time
	DeltaL1 int64
	DeltaL2 int64
	Trigger Trigger
}

// Result is the outcome of one pipeline run.
type Result struct {
	Corrected *obs.Corrected
	Events    []Event
}

// Pipeline runs the sweep for one satellite at a time. It holds no
// per-satellite state and may be shared between goroutines.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
}

// NewPipeline creates a pipeline with the given tunables.
func NewPipeline(cfg Config, logger *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("slip config: %w", err)
	}
	return &Pipeline{cfg: cfg, logger: logger}, nil
}

// Config returns the tunables the pipeline was built with.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Run corrects s using profile prof. s is not modified. Series with fewer
// than two complete epochs come back uncorrected.
func (p *Pipeline) Run(s *obs.Series, prof gnss.Profile) (*Result, error) {
	if err := prof.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", s.Sat, err)
	}

	compact, idx, err := obs.Compact(s)
	if err != nil {
		return nil, err
	}
	track, err := NewTrack(compact, prof)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Sat, err)
	}

	var events []Event
	if track.Len() >= 2 {
		peaks, err := Detect(track.Derived.RTEC, p.cfg.LimitStd)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Sat, err)
		}
		events, err = p.sweep(s.Sat, track, peaks)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Sat, err)
		}
	} else {
		p.logger.Debug("too few samples, skipping correction", "sat", s.Sat, "valid", track.Len())
	}

	out := &obs.Corrected{
		Sat:  s.Sat,
		Time: append([]time.Time(nil), s.Time...),
	}
	if out.RTEC, err = idx.Reinsert(track.Derived.RTEC); err != nil {
		return nil, err
	}
	if out.L1, err = idx.Reinsert(track.L1); err != nil {
		return nil, err
	}
	if out.L2, err = idx.Reinsert(track.L2); err != nil {
		return nil, err
	}

	return &Result{Corrected: out, Events: events}, nil
}

// sweep walks the track once. Every index in peaks is corrected
// unconditionally; the gate then checks the increment at every index.
func (p *Pipeline) sweep(sat gnss.SatID, t *Track, peaks []int) ([]Event, error) {
	candidates := make(map[int]bool, len(peaks))
	for _, k := range peaks {
		candidates[k] = true
	}

	var events []Event
	apply := func(i int, trig Trigger) error {
		c, err := Correct(t, i)
		if err != nil {
			return err
		}
		if c.Zero() {
			return nil
		}
		events = append(events, Event{
			Index:   i,
			Time:    t.Time[i],
			DeltaL1: c.L1,
			DeltaL2: c.L2,
			Trigger: trig,
		})
		p.logger.Debug("cycle slip corrected",
			"sat", sat,
			"index", i,
			"epoch", t.Time[i].UTC().Format(time.RFC3339),
			"delta_l1", c.L1,
			"delta_l2", c.L2,
			"trigger", trig.String(),
		)
		return nil
	}

	gate := NewGate(p.cfg)
	for i := 1; i < t.Len(); i++ {
		t.Refresh(i)

		if gate.Gap(t.Time[i-1], t.Time[i], i) {
			p.logger.Debug("time gap, window reset",
				"sat", sat,
				"index", i,
				"gap_seconds", t.Time[i].Sub(t.Time[i-1]).Seconds(),
			)
			continue
		}

		if candidates[i] {
			if err := apply(i, TriggerDetector); err != nil {
				return events, err
			}
		}

		if gate.Outside(t.Derived.RTEC, i) {
			if err := apply(i, TriggerGate); err != nil {
				return events, err
			}
		}
	}

	return events, nil
}
