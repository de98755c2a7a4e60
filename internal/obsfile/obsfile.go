// Package obsfile reads observation CSV files and writes corrected series.
//
// Input rows are "sat,time,l1,l2,p1,p2" with RFC 3339 times, phases in
// cycles and pseudoranges in metres. Empty or NaN fields mark a missing
// measurement. Output rows are "sat,time,rtec,l1,l2,slips".
package obsfile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/star/rtecfix/internal/correction"
	"github.com/star/rtecfix/internal/gnss"
	"github.com/star/rtecfix/internal/obs"
)

// ErrHeader is returned when the input lacks a required column.
var ErrHeader = errors.New("missing required column")

var inputColumns = []string{"sat", "time", "l1", "l2", "p1", "p2"}

// OutputHeader is the header row written by WriteCorrected.
var OutputHeader = []string{"sat", "time", "rtec", "l1", "l2", "slips"}

// Parse reads an observation CSV from r and groups rows per satellite,
// sorted by time. Rows need not be time-ordered in the file. Malformed rows,
// and rows repeating an epoch already seen for their satellite, are skipped
// with a warning log; of duplicates the first in file order is kept.
func Parse(r io.Reader, logger *slog.Logger) (obs.Dataset, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading header: %w", ErrHeader)
		}
		return nil, fmt.Errorf("reading header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	idx := make([]int, len(inputColumns))
	for i, name := range inputColumns {
		c, ok := cols[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrHeader, name)
		}
		idx[i] = c
	}

	rows := make(map[gnss.SatID][]row)
	var skipped int
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				logger.Warn("skipping malformed observation row", "line", pe.Line, "error", err)
				skipped++
				continue
			}
			return nil, fmt.Errorf("reading observations: %w", err)
		}
		line, _ := cr.FieldPos(0)

		row, err := parseRow(rec, idx)
		if err != nil {
			logger.Warn("skipping malformed observation row", "line", line, "error", err)
			skipped++
			continue
		}

		row.line = line
		rows[row.sat] = append(rows[row.sat], row)
	}

	ds := make(obs.Dataset, len(rows))
	for sat, rs := range rows {
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].time.Before(rs[j].time) })
		s := &obs.Series{Sat: sat}
		for _, r := range rs {
			if n := s.Len(); n > 0 && r.time.Equal(s.Time[n-1]) {
				logger.Warn("skipping duplicate observation epoch",
					"line", r.line,
					"sat", sat,
					"time", r.time.Format(time.RFC3339Nano),
				)
				skipped++
				continue
			}
			s.Append(r.time, r.l1, r.l2, r.p1, r.p2)
		}
		ds[sat] = s
	}

	if skipped > 0 {
		logger.Info("observation rows skipped", "count", skipped, "satellites", len(ds))
	}
	return ds, nil
}

type row struct {
	sat            gnss.SatID
	time           time.Time
	l1, l2, p1, p2 float64
	line           int
}

func parseRow(rec []string, idx []int) (row, error) {
	var r row
	for _, i := range idx {
		if i >= len(rec) {
			return r, fmt.Errorf("expected at least %d fields, got %d", i+1, len(rec))
		}
	}

	sat, err := gnss.ParseSatID(rec[idx[0]])
	if err != nil {
		return r, err
	}
	r.sat = sat

	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(rec[idx[1]]))
	if err != nil {
		return r, fmt.Errorf("time: %w", err)
	}
	r.time = t.UTC()

	vals := [4]*float64{&r.l1, &r.l2, &r.p1, &r.p2}
	for k, dst := range vals {
		name := inputColumns[k+2]
		v, err := parseMeasurement(rec[idx[k+2]])
		if err != nil {
			return r, fmt.Errorf("%s: %w", name, err)
		}
		*dst = v
	}
	return r, nil
}

// parseMeasurement maps empty and NaN fields to NaN and rejects infinities.
func parseMeasurement(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsInf(v, 0) {
		return 0, fmt.Errorf("infinite value %q", s)
	}
	return v, nil
}

// WriteCorrected writes every successful result, satellites in sorted
// order. The slips column counts the corrections applied at that epoch.
// Failed satellites are omitted.
func WriteCorrected(w io.Writer, results map[gnss.SatID]*correction.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(OutputHeader); err != nil {
		return err
	}

	sats := make([]gnss.SatID, 0, len(results))
	for sat, r := range results {
		if r.Err == nil && r.Corrected != nil {
			sats = append(sats, sat)
		}
	}
	sort.Slice(sats, func(i, j int) bool { return sats[i] < sats[j] })

	rec := make([]string, len(OutputHeader))
	for _, sat := range sats {
		r := results[sat]
		slipsAt := make(map[int64]int, len(r.Events))
		for _, ev := range r.Events {
			slipsAt[ev.Time.UnixNano()]++
		}

		c := r.Corrected
		for i, t := range c.Time {
			rec[0] = string(sat)
			rec[1] = t.UTC().Format(time.RFC3339Nano)
			rec[2] = formatFloat(c.RTEC[i])
			rec[3] = formatFloat(c.L1[i])
			rec[4] = formatFloat(c.L2[i])
			rec[5] = strconv.Itoa(slipsAt[t.UnixNano()])
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
