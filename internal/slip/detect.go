package slip

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Detect scans a gap-free rTEC series for 4th-difference peaks taller than
// limitStd times the std of the 4th difference. Returned indices address
// the difference sequence, which has len(rtec)-4 elements. The result is
// advisory: it only seeds the per-index sweep.
func Detect(rtec []float64, limitStd float64) ([]int, error) {
	if err := checkFinite("rtec", rtec); err != nil {
		return nil, err
	}
	if len(rtec) < 5 {
		return nil, nil
	}

	d4 := difference(rtec, 4)
	std := stat.PopStdDev(d4, nil)
	if std == 0 {
		return nil, nil
	}
	height := limitStd * std

	for i, v := range d4 {
		d4[i] = math.Abs(v)
	}

	var peaks []int
	for _, k := range localMaxima(d4) {
		if d4[k] > height {
			peaks = append(peaks, k)
		}
	}
	return peaks, nil
}

// difference applies the first difference order times.
func difference(x []float64, order int) []float64 {
	out := x
	for o := 0; o < order && len(out) > 1; o++ {
		out = floats.SubTo(make([]float64, len(out)-1), out[1:], out[:len(out)-1])
	}
	return out
}

// localMaxima returns the indices of strict local maxima. A flat plateau
// counts once, at its middle sample (rounded down). The first and last
// samples are never maxima.
func localMaxima(x []float64) []int {
	var peaks []int
	last := len(x) - 1
	i := 1
	for i < last {
		if x[i-1] < x[i] {
			ahead := i + 1
			for ahead < last && x[ahead] == x[i] {
				ahead++
			}
			if x[ahead] < x[i] {
				peaks = append(peaks, (i+ahead-1)/2)
				i = ahead
			}
		}
		i++
	}
	return peaks
}
