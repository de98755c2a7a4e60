package obs

import (
	"fmt"
	"math"
	"time"
)

// IndexMap is the bijection between compacted and original indices.
// Valid[k] is the original index of compacted sample k.
type IndexMap struct {
	Valid []int
	Len   int
}

// Gaps returns the original indices that were dropped.
func (m IndexMap) Gaps() []int {
	gaps := make([]int, 0, m.Len-len(m.Valid))
	next := 0
	for i := 0; i < m.Len; i++ {
		if next < len(m.Valid) && m.Valid[next] == i {
			next++
			continue
		}
		gaps = append(gaps, i)
	}
	return gaps
}

// Compact returns a copy of s holding only complete epochs, in order, and
// the index map needed to put results back.
func Compact(s *Series) (*Series, IndexMap, error) {
	if err := s.Validate(); err != nil {
		return nil, IndexMap{}, err
	}

	n := s.Len()
	m := IndexMap{Valid: make([]int, 0, n), Len: n}
	out := &Series{
		Sat:  s.Sat,
		Time: make([]time.Time, 0, n),
		L1:   make([]float64, 0, n),
		L2:   make([]float64, 0, n),
		P1:   make([]float64, 0, n),
		P2:   make([]float64, 0, n),
	}
	for i := 0; i < n; i++ {
		if s.Missing(i) {
			continue
		}
		m.Valid = append(m.Valid, i)
		out.Append(s.Time[i], s.L1[i], s.L2[i], s.P1[i], s.P2[i])
	}
	return out, m, nil
}

// Reinsert expands compacted values back to the original length with NaN
// at every gap.
func (m IndexMap) Reinsert(values []float64) ([]float64, error) {
	if len(values) != len(m.Valid) {
		return nil, fmt.Errorf("%w: reinsert %d values into %d valid slots", ErrLengthMismatch, len(values), len(m.Valid))
	}
	out := make([]float64, m.Len)
	for i := range out {
		out[i] = math.NaN()
	}
	for k, orig := range m.Valid {
		out[orig] = values[k]
	}
	return out, nil
}
