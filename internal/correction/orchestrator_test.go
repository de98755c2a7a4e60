package correction

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/star/rtecfix/internal/gnss"
	"github.com/star/rtecfix/internal/obs"
	"github.com/star/rtecfix/internal/slip"
	"github.com/star/rtecfix/internal/tec"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

var epoch0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// synth builds a slip-free series whose geometry and ionosphere cancel in
// the combinations, with a slowly varying ionosphere.
func synth(sat gnss.SatID, n int, p gnss.Profile) *obs.Series {
	gamma := (p.F1 / p.F2) * (p.F1 / p.F2)
	s := &obs.Series{Sat: sat}
	for i := 0; i < n; i++ {
		rho := 20_500_000 + 300*float64(i)
		ion := 5 + math.Sin(2*math.Pi*float64(i)/1200)
		s.Append(
			epoch0.Add(time.Duration(i)*30*time.Second),
			(rho-ion)*p.F1/gnss.SpeedOfLight+1500,
			(rho-gamma*ion)*p.F2/gnss.SpeedOfLight+1100,
			rho+ion,
			rho+gamma*ion,
		)
	}
	return s
}

func shift(v []float64, from int, cycles float64) {
	for i := from; i < len(v); i++ {
		v[i] += cycles
	}
}

func newTestOrchestrator(t testing.TB, workers int) *Orchestrator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = workers
	o, err := NewOrchestrator(gnss.NewTableResolver(nil, nil, nil), cfg, testLogger)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}

func resolve(t testing.TB, sat gnss.SatID) gnss.Profile {
	t.Helper()
	p, err := gnss.NewTableResolver(nil, nil, nil).Resolve(sat)
	if err != nil {
		t.Fatalf("Resolve(%s): %v", sat, err)
	}
	return p
}

func TestRunMixedConstellations(t *testing.T) {
	type want struct {
		index  int
		dL1    int64
		dL2    int64
		errIs  error
		events int
	}

	ds := obs.Dataset{}
	clean := map[gnss.SatID][]float64{}
	add := func(sat gnss.SatID, at int, l1, l2 float64) {
		p := resolve(t, sat)
		s := synth(sat, 200, p)
		clean[sat] = tec.Derive(s.L1, s.L2, s.P1, s.P2, p).RTEC
		shift(s.L1, at, l1)
		shift(s.L2, at, l2)
		ds[sat] = s
	}
	add("G05", 60, 3, 0)
	add("R02", 120, 0, -2)
	add("E11", 30, 2, -3)
	add("C08", 150, -1, 0)

	bad := synth("G09", 50, resolve(t, "G09"))
	bad.P2 = bad.P2[:40]
	ds["G09"] = bad
	ds["Z01"] = synth("Z01", 50, resolve(t, "G01"))

	wants := map[gnss.SatID]want{
		"G05": {index: 60, dL1: 3, events: 1},
		"R02": {index: 120, dL2: -2, events: 1},
		"E11": {index: 30, dL1: 2, dL2: -3, events: 1},
		"C08": {index: 150, dL1: -1, events: 1},
		"G09": {errIs: obs.ErrLengthMismatch},
		"Z01": {errIs: gnss.ErrUnknownSatellite},
	}

	results := newTestOrchestrator(t, 3).Run(context.Background(), ds)
	if len(results) != len(wants) {
		t.Fatalf("got %d results, want %d", len(results), len(wants))
	}

	for sat, w := range wants {
		r := results[sat]
		if r == nil {
			t.Errorf("%s: missing result", sat)
			continue
		}
		if r.Sat != sat {
			t.Errorf("%s: result labelled %s", sat, r.Sat)
		}
		if w.errIs != nil {
			if !errors.Is(r.Err, w.errIs) {
				t.Errorf("%s: error = %v, want %v", sat, r.Err, w.errIs)
			}
			if r.Corrected != nil {
				t.Errorf("%s: failed satellite carries output", sat)
			}
			continue
		}
		if r.Err != nil {
			t.Errorf("%s: unexpected error %v", sat, r.Err)
			continue
		}
		if len(r.Events) != w.events {
			t.Errorf("%s: got %d events, want %d: %+v", sat, len(r.Events), w.events, r.Events)
			continue
		}
		ev := r.Events[0]
		if ev.Index != w.index || ev.DeltaL1 != w.dL1 || ev.DeltaL2 != w.dL2 {
			t.Errorf("%s: event %+v, want index %d dL1 %d dL2 %d", sat, ev, w.index, w.dL1, w.dL2)
		}
		for i, want := range clean[sat] {
			if d := math.Abs(r.Corrected.RTEC[i] - want); d > 1e-6 {
				t.Errorf("%s: rtec[%d] off by %g", sat, i, d)
				break
			}
		}
	}

	if got := SlipCount(results); got != 4 {
		t.Errorf("SlipCount = %d, want 4", got)
	}
}

func TestRunDoesNotModifyInput(t *testing.T) {
	p := resolve(t, "G01")
	s := synth("G01", 100, p)
	shift(s.L1, 50, 2)
	before := s.Clone()

	results := newTestOrchestrator(t, 2).Run(context.Background(), obs.Dataset{"G01": s})
	if r := results["G01"]; r == nil || r.Err != nil || len(r.Events) != 1 {
		t.Fatalf("unexpected result %+v", r)
	}
	for i := range s.L1 {
		if s.L1[i] != before.L1[i] || s.L2[i] != before.L2[i] {
			t.Fatalf("input modified at %d", i)
		}
	}
}

func TestRunCancelled(t *testing.T) {
	ds := obs.Dataset{}
	for _, sat := range []gnss.SatID{"G01", "G02", "G03", "G04"} {
		ds[sat] = synth(sat, 60, resolve(t, sat))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := newTestOrchestrator(t, 2).Run(ctx, ds)
	if len(results) != len(ds) {
		t.Fatalf("got %d results, want %d", len(results), len(ds))
	}
	for sat, r := range results {
		if !errors.Is(r.Err, context.Canceled) {
			t.Errorf("%s: error = %v, want context.Canceled", sat, r.Err)
		}
	}
}

func TestRunEmptyDataset(t *testing.T) {
	results := newTestOrchestrator(t, 1).Run(context.Background(), obs.Dataset{})
	if len(results) != 0 {
		t.Errorf("got %d results for an empty dataset", len(results))
	}
}

func TestSetSlipConfig(t *testing.T) {
	o := newTestOrchestrator(t, 1)

	bad := slip.DefaultConfig()
	bad.WindowSize = 1
	if err := o.SetSlipConfig(bad); err == nil {
		t.Error("expected error for window_size 1")
	}
	if o.SlipConfig() != slip.DefaultConfig() {
		t.Error("rejected config was applied")
	}

	cfg := slip.DefaultConfig()
	cfg.GapThreshold = 5 * time.Minute
	if err := o.SetSlipConfig(cfg); err != nil {
		t.Fatalf("SetSlipConfig: %v", err)
	}
	if got := o.SlipConfig().GapThreshold; got != 5*time.Minute {
		t.Errorf("GapThreshold = %v, want 5m", got)
	}
}

func BenchmarkRun(b *testing.B) {
	ds := obs.Dataset{}
	for prn := 1; prn <= 32; prn++ {
		sat := gnss.SatID("G" + string(rune('0'+prn/10)) + string(rune('0'+prn%10)))
		s := synth(sat, 2880, resolve(b, sat))
		shift(s.L1, 1000+prn*10, 2)
		ds[sat] = s
	}
	o := newTestOrchestrator(b, 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		o.Run(context.Background(), ds)
	}
}
