package slip

import (
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/star/rtecfix/internal/gnss"
	"github.com/star/rtecfix/internal/obs"
	"github.com/star/rtecfix/internal/tec"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

// Integer ambiguities carried by the synthetic phases.
const ambL1, ambL2 = 1200.0, 950.0

var epoch0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func gpsProfile(t testing.TB) gnss.Profile {
	t.Helper()
	p, err := gnss.NewProfile(gnss.FreqL1, gnss.FreqL2, gnss.ChannelL2)
	if err != nil {
		t.Fatalf("NewProfile: %v", err)
	}
	return p
}

func testPipeline(t testing.TB) *Pipeline {
	t.Helper()
	p, err := NewPipeline(DefaultConfig(), testLogger)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p
}

// synthSeries builds slip-free observations from a consistent range and
// ionosphere model: geometry cancels in rTEC and both geometry and
// ionosphere cancel in the MWLC. iono gives the L1 delay in metres.
func synthSeries(sat gnss.SatID, n int, step time.Duration, p gnss.Profile, iono func(i int) float64) *obs.Series {
	gamma := (p.F1 / p.F2) * (p.F1 / p.F2)
	lambda1 := gnss.SpeedOfLight / p.F1
	lambda2 := gnss.SpeedOfLight / p.F2

	s := &obs.Series{Sat: sat}
	for i := 0; i < n; i++ {
		rho := 21_000_000 + 450*float64(i)
		ion := iono(i)
		s.Append(
			epoch0.Add(time.Duration(i)*step),
			(rho-ion)/lambda1+ambL1,
			(rho-gamma*ion)/lambda2+ambL2,
			rho+ion,
			rho+gamma*ion,
		)
	}
	return s
}

// constantIono returns an L1 delay that makes rTEC equal target.
func constantIono(p gnss.Profile, target float64) func(int) float64 {
	gamma := (p.F1 / p.F2) * (p.F1 / p.F2)
	bias := ambL1*gnss.SpeedOfLight/p.F1 - ambL2*gnss.SpeedOfLight/p.F2
	return func(int) float64 { return (target - bias) / (gamma - 1) }
}

// quietIono is a slowly varying ionosphere, well inside the gate.
func quietIono(i int) float64 {
	return 6 + 1.5*math.Sin(2*math.Pi*float64(i)/1000)
}

func shiftFrom(v []float64, from int, cycles float64) {
	for i := from; i < len(v); i++ {
		v[i] += cycles
	}
}

func tecPair(rtec, mwlc [2]float64) tec.Derived {
	return tec.Derived{RTEC: rtec[:], MWLC: mwlc[:]}
}
