package api

import (
	"fmt"
	"math"
	"time"

	"github.com/star/rtecfix/internal/correction"
	"github.com/star/rtecfix/internal/gnss"
	"github.com/star/rtecfix/internal/obs"
	"github.com/star/rtecfix/internal/results"
)

// JSON has no NaN, so missing measurements travel as null.

type seriesJSON struct {
	Sat  string      `json:"sat"`
	Time []time.Time `json:"time"`
	L1   []*float64  `json:"l1"`
	L2   []*float64  `json:"l2"`
	P1   []*float64  `json:"p1"`
	P2   []*float64  `json:"p2"`
}

type correctRequest struct {
	Satellites []seriesJSON `json:"satellites"`
}

type eventJSON struct {
	Index   int       `json:"index"`
	Time    time.Time `json:"time"`
	DeltaL1 int64     `json:"delta_l1"`
	DeltaL2 int64     `json:"delta_l2"`
	Trigger string    `json:"trigger"`
}

type satelliteJSON struct {
	Sat        string      `json:"sat"`
	Channel    string      `json:"channel,omitempty"`
	F1         float64     `json:"f1,omitempty"`
	F2         float64     `json:"f2,omitempty"`
	CycleSlips int         `json:"cycle_slips"`
	Error      string      `json:"error,omitempty"`
	Events     []eventJSON `json:"events,omitempty"`
	Time       []time.Time `json:"time,omitempty"`
	RTEC       []*float64  `json:"rtec,omitempty"`
	L1         []*float64  `json:"l1,omitempty"`
	L2         []*float64  `json:"l2,omitempty"`
}

type runJSON struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Failed     int             `json:"failed"`
	CycleSlips int             `json:"cycle_slips"`
	Satellites []satelliteJSON `json:"satellites"`
}

func toFloats(v []*float64) []float64 {
	out := make([]float64, len(v))
	for i, p := range v {
		if p == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *p
	}
	return out
}

func fromFloats(v []float64) []*float64 {
	out := make([]*float64, len(v))
	for i := range v {
		if math.IsNaN(v[i]) || math.IsInf(v[i], 0) {
			continue
		}
		x := v[i]
		out[i] = &x
	}
	return out
}

// toDataset validates the request and converts it to a dataset. It returns
// the total number of epochs alongside.
func (req *correctRequest) toDataset() (obs.Dataset, int, error) {
	ds := make(obs.Dataset, len(req.Satellites))
	var epochs int
	for i, sj := range req.Satellites {
		sat, err := gnss.ParseSatID(sj.Sat)
		if err != nil {
			return nil, 0, fmt.Errorf("satellites[%d]: %w", i, err)
		}
		if _, dup := ds[sat]; dup {
			return nil, 0, fmt.Errorf("satellites[%d]: duplicate satellite %s", i, sat)
		}
		s := &obs.Series{
			Sat:  sat,
			Time: sj.Time,
			L1:   toFloats(sj.L1),
			L2:   toFloats(sj.L2),
			P1:   toFloats(sj.P1),
			P2:   toFloats(sj.P2),
		}
		if err := s.Validate(); err != nil {
			return nil, 0, fmt.Errorf("satellites[%d]: %w", i, err)
		}
		for k := 1; k < len(s.Time); k++ {
			if !s.Time[k].After(s.Time[k-1]) {
				return nil, 0, fmt.Errorf("satellites[%d] %s: time[%d] does not advance", i, sat, k)
			}
		}
		epochs += s.Len()
		ds[sat] = s
	}
	return ds, epochs, nil
}

func satelliteView(r *correction.Result, withSeries bool) satelliteJSON {
	sj := satelliteJSON{
		Sat:        string(r.Sat),
		CycleSlips: len(r.Events),
	}
	if r.Err != nil {
		sj.Error = r.Err.Error()
		return sj
	}
	sj.Channel = r.Profile.Channel.String()
	sj.F1, sj.F2 = r.Profile.F1, r.Profile.F2
	if !withSeries {
		return sj
	}
	for _, ev := range r.Events {
		sj.Events = append(sj.Events, eventJSON{
			Index:   ev.Index,
			Time:    ev.Time,
			DeltaL1: ev.DeltaL1,
			DeltaL2: ev.DeltaL2,
			Trigger: ev.Trigger.String(),
		})
	}
	if c := r.Corrected; c != nil {
		sj.Time = c.Time
		sj.RTEC = fromFloats(c.RTEC)
		sj.L1 = fromFloats(c.L1)
		sj.L2 = fromFloats(c.L2)
	}
	return sj
}

func runView(run *results.Run, withSeries bool) runJSON {
	rj := runJSON{
		ID:         run.ID,
		Source:     run.Source,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Failed:     run.Failed(),
		CycleSlips: correction.SlipCount(run.Results),
		Satellites: make([]satelliteJSON, 0, len(run.Results)),
	}
	for _, sat := range run.Sats() {
		rj.Satellites = append(rj.Satellites, satelliteView(run.Results[sat], withSeries))
	}
	return rj
}
