package slip

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/star/rtecfix/internal/gnss"
	"github.com/star/rtecfix/internal/obs"
	"github.com/star/rtecfix/internal/tec"
)

var (
	// ErrNonFinite means a NaN or Inf reached a buffer that compaction
	// should have left finite.
	ErrNonFinite = errors.New("non-finite value in compacted series")

	// ErrIndex is returned for a correction index without a predecessor.
	ErrIndex = errors.New("correction index out of range")

	// ErrAmbiguityRange means an estimated cycle jump does not fit in an
	// int64, which only corrupt observations produce.
	ErrAmbiguityRange = errors.New("cycle jump out of range")
)

// maxCycles is 2^63, the first magnitude an int64 cannot hold.
const maxCycles = 1 << 63

// Track is the mutable, gap-free working set of one satellite: phases,
// pseudoranges and their derived combinations. It is owned by a single
// pipeline run.
type Track struct {
	Time    []time.Time
	L1      []float64
	L2      []float64
	P1      []float64
	P2      []float64
	Derived tec.Derived
	profile gnss.Profile
}

// NewTrack derives rTEC and MWLC for a compacted series. The series slices
// are adopted, not copied.
func NewTrack(s *obs.Series, p gnss.Profile) (*Track, error) {
	t := &Track{
		Time:    s.Time,
		L1:      s.L1,
		L2:      s.L2,
		P1:      s.P1,
		P2:      s.P2,
		Derived: tec.Derive(s.L1, s.L2, s.P1, s.P2, p),
		profile: p,
	}
	for _, b := range []struct {
		name string
		v    []float64
	}{
		{"l1", t.L1}, {"l2", t.L2}, {"p1", t.P1}, {"p2", t.P2},
		{"rtec", t.Derived.RTEC}, {"mwlc", t.Derived.MWLC},
	} {
		if err := checkFinite(b.name, b.v); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Len returns the number of samples.
func (t *Track) Len() int {
	return len(t.Time)
}

// Refresh recomputes rTEC and MWLC at i from the current phases.
func (t *Track) Refresh(i int) {
	t.Derived.Refresh(i, t.L1, t.L2, t.P1, t.P2, t.profile)
}

// Correction is the integer number of cycles removed from each carrier.
type Correction struct {
	L1 int64
	L2 int64
}

// Zero reports whether the correction changes nothing.
func (c Correction) Zero() bool {
	return c.L1 == 0 && c.L2 == 0
}

// Correct estimates the integer cycle jump between samples i-1 and i,
// removes it from every phase sample from i onward, and recomputes the
// combinations at i. Rounding is half-to-even.
func Correct(t *Track, i int) (Correction, error) {
	if i < 1 || i >= t.Len() {
		return Correction{}, fmt.Errorf("%w: %d not in [1, %d)", ErrIndex, i, t.Len())
	}
	p := t.profile
	rtec, mwlc := t.Derived.RTEC, t.Derived.MWLC

	diffRTEC := rtec[i] - rtec[i-1]
	diffMWLC := mwlc[i] - mwlc[i-1]
	var1 := diffMWLC * gnss.SpeedOfLight
	var2 := var1 / p.F1
	diff2 := math.RoundToEven((diffRTEC - var2) * p.Factor2)
	diff1 := diff2 + math.RoundToEven(diffMWLC)

	if math.IsNaN(diff1) || math.IsInf(diff1, 0) || math.IsNaN(diff2) || math.IsInf(diff2, 0) {
		return Correction{}, fmt.Errorf("%w: ambiguity at index %d", ErrNonFinite, i)
	}
	if math.Abs(diff1) >= maxCycles || math.Abs(diff2) >= maxCycles {
		return Correction{}, fmt.Errorf("%w: l1 %g l2 %g at index %d", ErrAmbiguityRange, diff1, diff2, i)
	}
	if diff1 == 0 && diff2 == 0 {
		return Correction{}, nil
	}

	for k := i; k < t.Len(); k++ {
		t.L1[k] -= diff1
		t.L2[k] -= diff2
	}
	t.Refresh(i)

	return Correction{L1: int64(diff1), L2: int64(diff2)}, nil
}

func checkFinite(name string, v []float64) error {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: %s[%d] = %v", ErrNonFinite, name, i, x)
		}
	}
	return nil
}
