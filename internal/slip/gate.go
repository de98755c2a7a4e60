package slip

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// State is the sweep state of a Gate.
type State int

const (
	// Scanning is normal operation.
	Scanning State = iota
	// WindowReset follows a time gap; the trailing window restarts.
	WindowReset
)

func (s State) String() string {
	switch s {
	case Scanning:
		return "scanning"
	case WindowReset:
		return "window_reset"
	default:
		return "unknown"
	}
}

// Gate decides per sample whether an rTEC increment is implausible given
// the increments seen since the last time gap.
type Gate struct {
	cfg    Config
	jStart int
	state  State
	incs   []float64
}

// NewGate returns a gate in the Scanning state with the window anchored at
// sample 0.
func NewGate(cfg Config) *Gate {
	return &Gate{
		cfg:  cfg,
		incs: make([]float64, cfg.WindowSize),
	}
}

// State returns the current state.
func (g *Gate) State() State {
	return g.state
}

// WindowStart returns the index the trailing window is anchored at.
func (g *Gate) WindowStart() int {
	return g.jStart
}

// Gap checks the spacing between samples i-1 and i. A spacing above the
// threshold re-anchors the window at i and reports true; no correction may
// be attempted across it.
func (g *Gate) Gap(prev, cur time.Time, i int) bool {
	if cur.Sub(prev) > g.cfg.GapThreshold {
		g.jStart = i
		g.state = WindowReset
		return true
	}
	g.state = Scanning
	return false
}

// Stats returns the mean and deviation used to bound the increment at i.
// With too few samples since the last reset the mean is 0 and the
// deviation is DiffTECMax*DiffTECMaxFactor; otherwise they come from the
// last WindowSize increments before i, the deviation floored at DiffTECMax.
func (g *Gate) Stats(rtec []float64, i int) (mean, dev float64) {
	if i-g.jStart+1 < g.cfg.MinWindowSamples {
		return 0, g.cfg.DiffTECMax * g.cfg.DiffTECMaxFactor
	}
	w := g.cfg.WindowSize
	for k := 0; k < w; k++ {
		j := i - w + k
		g.incs[k] = rtec[j] - rtec[j-1]
	}
	mean, dev = stat.PopMeanStdDev(g.incs, nil)
	if dev < g.cfg.DiffTECMax {
		dev = g.cfg.DiffTECMax
	}
	return mean, dev
}

// Bounds returns the accepted interval for the increment at i.
func (g *Gate) Bounds(rtec []float64, i int) (lo, hi float64) {
	mean, dev := g.Stats(rtec, i)
	half := dev * g.cfg.PMaxCycleSlip
	return mean - half, mean + half
}

// Outside reports whether rtec[i]-rtec[i-1] falls outside Bounds.
func (g *Gate) Outside(rtec []float64, i int) bool {
	lo, hi := g.Bounds(rtec, i)
	inc := rtec[i] - rtec[i-1]
	return inc < lo || inc > hi
}
