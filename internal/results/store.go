// Package results holds the most recent correction run for the HTTP API.
package results

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/star/rtecfix/internal/correction"
	"github.com/star/rtecfix/internal/gnss"
)

// Run is one completed correction of a dataset.
type Run struct {
	ID         string
	Source     string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    map[gnss.SatID]*correction.Result
}

// NewRun stamps a result set with a fresh ID.
func NewRun(source string, started, finished time.Time, res map[gnss.SatID]*correction.Result) *Run {
	return &Run{
		ID:         uuid.NewString(),
		Source:     source,
		StartedAt:  started,
		FinishedAt: finished,
		Results:    res,
	}
}

// Sats returns the satellites of the run in sorted order.
func (r *Run) Sats() []gnss.SatID {
	sats := make([]gnss.SatID, 0, len(r.Results))
	for sat := range r.Results {
		sats = append(sats, sat)
	}
	sort.Slice(sats, func(i, j int) bool { return sats[i] < sats[j] })
	return sats
}

// Failed returns the number of satellites that reported an error.
func (r *Run) Failed() int {
	var n int
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Store provides thread-safe access to the latest run. Runs are treated
// as immutable once stored.
type Store struct {
	latest atomic.Pointer[Run]
}

// NewStore creates a new empty Store.
func NewStore() *Store {
	return &Store{}
}

// Latest returns the latest run, or nil if none has been stored.
func (s *Store) Latest() *Run {
	return s.latest.Load()
}

// Set atomically replaces the latest run.
func (s *Store) Set(r *Run) {
	s.latest.Store(r)
}

// AgeSeconds returns the age of the latest run in seconds.
// Returns -1 if no run is stored.
func (s *Store) AgeSeconds() float64 {
	r := s.latest.Load()
	if r == nil {
		return -1
	}
	return time.Since(r.FinishedAt).Seconds()
}
