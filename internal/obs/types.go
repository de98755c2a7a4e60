// Package obs holds per-satellite observation series and the gap
// compaction that strips missing epochs before the slip pipeline runs.
package obs

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/star/rtecfix/internal/gnss"
)

// ErrLengthMismatch is returned when the parallel slices of a series
// disagree in length.
var ErrLengthMismatch = errors.New("series length mismatch")

// Series holds one satellite's observations. L2 carries whichever second
// channel (L2 or L3) the satellite's profile selects. Missing epochs are NaN
// in the float slices.
type Series struct {
	Sat  gnss.SatID
	Time []time.Time
	L1   []float64 // cycles
	L2   []float64 // cycles
	P1   []float64 // metres
	P2   []float64 // metres
}

// Len returns the number of epochs.
func (s *Series) Len() int {
	return len(s.Time)
}

// Validate checks that all slices have the same length.
func (s *Series) Validate() error {
	n := len(s.Time)
	if len(s.L1) != n || len(s.L2) != n || len(s.P1) != n || len(s.P2) != n {
		return fmt.Errorf("%s: %w: time=%d l1=%d l2=%d p1=%d p2=%d",
			s.Sat, ErrLengthMismatch, n, len(s.L1), len(s.L2), len(s.P1), len(s.P2))
	}
	return nil
}

// Missing reports whether epoch i lacks any of its four measurements.
func (s *Series) Missing(i int) bool {
	return math.IsNaN(s.L1[i]) || math.IsNaN(s.L2[i]) || math.IsNaN(s.P1[i]) || math.IsNaN(s.P2[i])
}

// Append adds one epoch.
func (s *Series) Append(t time.Time, l1, l2, p1, p2 float64) {
	s.Time = append(s.Time, t)
	s.L1 = append(s.L1, l1)
	s.L2 = append(s.L2, l2)
	s.P1 = append(s.P1, p1)
	s.P2 = append(s.P2, p2)
}

// Clone returns a deep copy so a pipeline can own its buffers.
func (s *Series) Clone() *Series {
	return &Series{
		Sat:  s.Sat,
		Time: append([]time.Time(nil), s.Time...),
		L1:   append([]float64(nil), s.L1...),
		L2:   append([]float64(nil), s.L2...),
		P1:   append([]float64(nil), s.P1...),
		P2:   append([]float64(nil), s.P2...),
	}
}

// Dataset is an observation set indexed by satellite.
type Dataset map[gnss.SatID]*Series

// Sats returns the satellite identifiers in sorted order.
func (d Dataset) Sats() []gnss.SatID {
	sats := make([]gnss.SatID, 0, len(d))
	for id := range d {
		sats = append(sats, id)
	}
	sort.Slice(sats, func(i, j int) bool { return sats[i] < sats[j] })
	return sats
}

// Corrected is the pipeline output for one satellite: same length and NaN
// positions as the input series.
type Corrected struct {
	Sat  gnss.SatID
	Time []time.Time
	RTEC []float64
	L1   []float64
	L2   []float64
}
