package gnss

import (
	"fmt"
)

// Resolver maps a satellite to its frequency profile.
type Resolver interface {
	Resolve(sat SatID) (Profile, error)
}

// Plan is the nominal carrier set of a constellation. F2 and F3 are the two
// candidate partners of F1; Channel picks one of them. FDMA plans shift F1
// and F2 by the satellite's GLONASS frequency channel number.
type Plan struct {
	F1      float64
	F2      float64
	F3      float64
	Channel Channel
	FDMA    bool
}

// DefaultPlans returns the built-in constellation table.
func DefaultPlans() map[Constellation]Plan {
	return map[Constellation]Plan{
		GPS:     {F1: FreqL1, F2: FreqL2, F3: FreqL5, Channel: ChannelL2},
		GLONASS: {F1: FreqG1, F2: FreqG2, F3: FreqG3, Channel: ChannelL2, FDMA: true},
		Galileo: {F1: FreqL1, F2: FreqE5b, F3: FreqL5, Channel: ChannelL3},
		BeiDou:  {F1: FreqB1I, F2: FreqE5b, F3: FreqB3, Channel: ChannelL2},
		QZSS:    {F1: FreqL1, F2: FreqL2, F3: FreqL5, Channel: ChannelL2},
		SBAS:    {F1: FreqL1, F3: FreqL5, Channel: ChannelL3},
		NavIC:   {F1: FreqL5, F3: FreqIRNSSS, Channel: ChannelL3},
	}
}

// DefaultGlonassChannels maps GLONASS slot numbers to frequency channel
// numbers. Antipodal slots share a channel.
func DefaultGlonassChannels() map[int]int {
	return map[int]int{
		1: 1, 2: -4, 3: 5, 4: 6, 5: 1, 6: -4, 7: 5, 8: 6,
		9: -2, 10: -7, 11: 0, 12: -1, 13: -2, 14: -7, 15: 0, 16: -1,
		17: 4, 18: -3, 19: 3, 20: 2, 21: 4, 22: -3, 23: 3, 24: 2,
	}
}

// TableResolver resolves profiles from constellation plans plus optional
// per-satellite channel overrides. Safe for concurrent use once built.
type TableResolver struct {
	plans       map[Constellation]Plan
	gloChannels map[int]int
	overrides   map[SatID]Channel
}

// NewTableResolver copies its inputs; nil maps fall back to the defaults
// (plans, GLONASS channels) or to no overrides.
func NewTableResolver(plans map[Constellation]Plan, gloChannels map[int]int, overrides map[SatID]Channel) *TableResolver {
	if plans == nil {
		plans = DefaultPlans()
	}
	if gloChannels == nil {
		gloChannels = DefaultGlonassChannels()
	}
	r := &TableResolver{
		plans:       make(map[Constellation]Plan, len(plans)),
		gloChannels: make(map[int]int, len(gloChannels)),
		overrides:   make(map[SatID]Channel, len(overrides)),
	}
	for k, v := range plans {
		r.plans[k] = v
	}
	for k, v := range gloChannels {
		r.gloChannels[k] = v
	}
	for k, v := range overrides {
		r.overrides[k] = v
	}
	return r
}

// Resolve implements Resolver.
func (r *TableResolver) Resolve(sat SatID) (Profile, error) {
	c, err := sat.Constellation()
	if err != nil {
		return Profile{}, err
	}
	plan, ok := r.plans[c]
	if !ok {
		return Profile{}, fmt.Errorf("%w: no frequency plan for %s (%s)", ErrUnknownSatellite, sat, c)
	}

	f1, f2 := plan.F1, plan.F2
	if plan.FDMA {
		k, ok := r.gloChannels[sat.PRN()]
		if !ok {
			return Profile{}, fmt.Errorf("%s: %w: no frequency channel number for slot %d", sat, ErrMalformedProfile, sat.PRN())
		}
		if k < minGloFCN || k > maxGloFCN {
			return Profile{}, fmt.Errorf("%s: %w: frequency channel number %d out of range", sat, ErrMalformedProfile, k)
		}
		f1 += float64(k) * FreqG1Bias
		f2 += float64(k) * FreqG2Bias
	}

	ch := plan.Channel
	if o, ok := r.overrides[sat]; ok {
		ch = o
	}
	partner := f2
	if ch == ChannelL3 {
		partner = plan.F3
	}

	p, err := NewProfile(f1, partner, ch)
	if err != nil {
		return Profile{}, fmt.Errorf("%s (%s %s): %w", sat, c, ch, err)
	}
	return p, nil
}
