package gnss

import (
	"errors"
	"fmt"
	"math"
)

// ErrMalformedProfile is returned when a profile would make the derived
// combinations divide by zero or propagate NaN/Inf.
var ErrMalformedProfile = errors.New("malformed frequency profile")

// Profile is the resolved frequency plan for one satellite. It is immutable
// once built and shared read-only between pipelines.
type Profile struct {
	F1      float64 // L1 carrier (Hz)
	F2      float64 // L2-or-L3 carrier (Hz), per Channel
	Factor1 float64 // MWLC code-term scale: (F1-F2)/((F1+F2)c)
	Factor2 float64 // rTEC residual to L2-or-L3 cycles: F1*F2/(c(F2-F1))
	Channel Channel
}

// NewProfile builds a profile for the carrier pair f1/f2 and derives both
// combination factors.
func NewProfile(f1, f2 float64, ch Channel) (Profile, error) {
	p := Profile{F1: f1, F2: f2, Channel: ch}
	if f1 > 0 && f2 > 0 && f1 != f2 {
		p.Factor1 = MWFactor(f1, f2)
		p.Factor2 = SlipFactor(f1, f2)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// MWFactor is the scale applied to f1*P1 + f2*P2 in the wide-lane
// minus narrow-lane combination, giving a result in wide-lane cycles.
func MWFactor(f1, f2 float64) float64 {
	return (f1 - f2) / ((f1 + f2) * SpeedOfLight)
}

// SlipFactor converts the part of an rTEC jump not explained by the MWLC
// jump into integer cycles on the second carrier.
func SlipFactor(f1, f2 float64) float64 {
	return f1 * f2 / (SpeedOfLight * (f2 - f1))
}

// Validate reports ErrMalformedProfile if any member is missing, zero or
// non-finite, or if both carriers coincide.
func (p Profile) Validate() error {
	fields := []struct {
		name  string
		value float64
	}{
		{"f1", p.F1},
		{"f2", p.F2},
		{"factor_1", p.Factor1},
		{"factor_2", p.Factor2},
	}
	for _, f := range fields {
		if f.value == 0 || math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return fmt.Errorf("%w: %s is %v", ErrMalformedProfile, f.name, f.value)
		}
	}
	if p.F1 == p.F2 {
		return fmt.Errorf("%w: f1 and f2 are both %v Hz", ErrMalformedProfile, p.F1)
	}
	if p.Channel != ChannelL2 && p.Channel != ChannelL3 {
		return fmt.Errorf("%w: %v", ErrMalformedProfile, p.Channel)
	}
	return nil
}
