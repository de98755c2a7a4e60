// Package tec computes the geometry-free relative TEC combination and the
// Melbourne-Wübbena-like combination from dual-frequency observations.
package tec

import (
	"math"

	"github.com/star/rtecfix/internal/gnss"
)

// RTEC is the geometry-free phase combination ((L1/f1) - (L2/f2)) * c.
func RTEC(l1, l2 float64, p gnss.Profile) float64 {
	return (l1/p.F1 - l2/p.F2) * gnss.SpeedOfLight
}

// MWLC is the wide-lane phase minus the scaled narrow-lane code, in
// wide-lane cycles.
func MWLC(l1, l2, p1, p2 float64, p gnss.Profile) float64 {
	return (l1 - l2) - (p.F1*p1+p.F2*p2)*p.Factor1
}

// Derived holds both combinations, index-aligned with their inputs.
type Derived struct {
	RTEC []float64
	MWLC []float64
}

// Derive evaluates both combinations for every epoch. Any NaN input yields
// NaN at that index.
func Derive(l1, l2, p1, p2 []float64, p gnss.Profile) Derived {
	n := len(l1)
	d := Derived{RTEC: make([]float64, n), MWLC: make([]float64, n)}
	for i := 0; i < n; i++ {
		if math.IsNaN(l1[i]) || math.IsNaN(l2[i]) || math.IsNaN(p1[i]) || math.IsNaN(p2[i]) {
			d.RTEC[i] = math.NaN()
			d.MWLC[i] = math.NaN()
			continue
		}
		d.RTEC[i] = RTEC(l1[i], l2[i], p)
		d.MWLC[i] = MWLC(l1[i], l2[i], p1[i], p2[i], p)
	}
	return d
}

// Refresh recomputes index i after the phases there changed.
func (d Derived) Refresh(i int, l1, l2, p1, p2 []float64, p gnss.Profile) {
	d.RTEC[i] = RTEC(l1[i], l2[i], p)
	d.MWLC[i] = MWLC(l1[i], l2[i], p1[i], p2[i], p)
}
