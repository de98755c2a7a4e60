package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/star/rtecfix/internal/auth"
	"github.com/star/rtecfix/internal/correction"
	"github.com/star/rtecfix/internal/gnss"
	"github.com/star/rtecfix/internal/obs"
	"github.com/star/rtecfix/internal/results"
	"github.com/star/rtecfix/internal/slip"
	"github.com/star/rtecfix/internal/store/sqlite"
	"github.com/star/rtecfix/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func testOrchestrator(t *testing.T) *correction.Orchestrator {
	t.Helper()
	o, err := correction.NewOrchestrator(gnss.NewTableResolver(nil, nil, nil), correction.DefaultConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return o
}

type fakeLister struct {
	runs []sqlite.RunSummary
	err  error
}

func (f fakeLister) ListRuns(ctx context.Context, limit int) ([]sqlite.RunSummary, error) {
	if len(f.runs) > limit {
		return f.runs[:limit], f.err
	}
	return f.runs, f.err
}

func newTestServer(t *testing.T, deps Deps, authCfg auth.Config) http.Handler {
	t.Helper()
	if deps.Orchestrator == nil {
		deps.Orchestrator = testOrchestrator(t)
	}
	if deps.Results == nil {
		deps.Results = results.NewStore()
	}
	return NewServer(":0", testLogger(), authCfg, deps).HTTPServer().Handler
}

func do(h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func sampleRun() *results.Run {
	prof, _ := gnss.NewProfile(gnss.FreqL1, gnss.FreqL2, gnss.ChannelL2)
	return results.NewRun("day061.csv", t0, t0.Add(time.Second), map[gnss.SatID]*correction.Result{
		"G05": {
			Sat:     "G05",
			Profile: prof,
			Corrected: &obs.Corrected{
				Sat:  "G05",
				Time: []time.Time{t0, t0.Add(30 * time.Second)},
				RTEC: []float64{5, math.NaN()},
				L1:   []float64{10, math.NaN()},
				L2:   []float64{8, math.NaN()},
			},
			Events: []slip.Event{{Index: 1, Time: t0.Add(30 * time.Second), DeltaL1: 3, Trigger: slip.TriggerGate}},
		},
		"Z01": {Sat: "Z01", Err: gnss.ErrUnknownSatellite},
	})
}

func TestLatestRun(t *testing.T) {
	store := results.NewStore()
	h := newTestServer(t, Deps{Results: store}, auth.Config{})

	if w := do(h, http.MethodGet, "/api/v1/runs/latest", nil); w.Code != http.StatusNotFound {
		t.Fatalf("empty store: status = %d, want 404", w.Code)
	}

	run := sampleRun()
	store.Set(run)

	w := do(h, http.MethodGet, "/api/v1/runs/latest", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got runJSON
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != run.ID || got.Failed != 1 || got.CycleSlips != 1 || len(got.Satellites) != 2 {
		t.Errorf("summary = %+v", got)
	}
	if got.Satellites[0].Sat != "G05" || got.Satellites[0].Channel != "L2" || got.Satellites[0].RTEC != nil {
		t.Errorf("G05 summary = %+v", got.Satellites[0])
	}
	if got.Satellites[1].Error == "" {
		t.Error("Z01 error not reported")
	}
}

func TestLatestSatellite(t *testing.T) {
	store := results.NewStore()
	store.Set(sampleRun())
	h := newTestServer(t, Deps{Results: store}, auth.Config{})

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/runs/latest/G05", http.StatusOK},
		{"/api/v1/runs/latest/g5", http.StatusOK},
		{"/api/v1/runs/latest/G06", http.StatusNotFound},
		{"/api/v1/runs/latest/Q99", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := do(h, http.MethodGet, tt.path, nil)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}
			var got satelliteJSON
			if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(got.RTEC) != 2 || got.RTEC[0] == nil || *got.RTEC[0] != 5 || got.RTEC[1] != nil {
				t.Errorf("rtec = %v, want [5 null]", got.RTEC)
			}
			if len(got.Events) != 1 || got.Events[0].DeltaL1 != 3 || got.Events[0].Trigger != "gate" {
				t.Errorf("events = %+v", got.Events)
			}
		})
	}
}

func f64(v float64) *float64 { return &v }

// slipRequest builds a GPS series with a +3 cycle L1 slip at epoch 15.
func slipRequest(t *testing.T, n int) correctRequest {
	t.Helper()
	p, err := gnss.NewProfile(gnss.FreqL1, gnss.FreqL2, gnss.ChannelL2)
	if err != nil {
		t.Fatal(err)
	}
	gamma := (p.F1 / p.F2) * (p.F1 / p.F2)
	sj := seriesJSON{Sat: "G05"}
	for i := 0; i < n; i++ {
		rho := 2.1e7 + 100*float64(i)
		ion := 2.5
		l1 := (rho-ion)*p.F1/gnss.SpeedOfLight + 17
		if i >= 15 {
			l1 += 3
		}
		sj.Time = append(sj.Time, t0.Add(time.Duration(i)*30*time.Second))
		sj.L1 = append(sj.L1, f64(l1))
		sj.L2 = append(sj.L2, f64((rho-gamma*ion)*p.F2/gnss.SpeedOfLight+9))
		sj.P1 = append(sj.P1, f64(rho+ion))
		sj.P2 = append(sj.P2, f64(rho+gamma*ion))
	}
	sj.L1[3] = nil
	return correctRequest{Satellites: []seriesJSON{sj}}
}

func TestCorrect(t *testing.T) {
	h := newTestServer(t, Deps{}, auth.Config{})

	body, err := json.Marshal(slipRequest(t, 30))
	if err != nil {
		t.Fatal(err)
	}
	w := do(h, http.MethodPost, "/api/v1/correct", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var got runJSON
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Source != "api" || got.CycleSlips != 1 || len(got.Satellites) != 1 {
		t.Fatalf("run = %+v", got)
	}
	sat := got.Satellites[0]
	if len(sat.RTEC) != 30 || sat.RTEC[3] != nil {
		t.Errorf("rtec length %d, rtec[3] = %v; want 30 with null at 3", len(sat.RTEC), sat.RTEC[3])
	}
	// Epoch 15 is compacted index 14 after the gap at 3.
	if len(sat.Events) != 1 || sat.Events[0].Index != 14 || sat.Events[0].DeltaL1 != 3 {
		t.Errorf("events = %+v", sat.Events)
	}
}

func TestCorrectRejects(t *testing.T) {
	h := newTestServer(t, Deps{}, auth.Config{})

	mismatch := slipRequest(t, 20)
	mismatch.Satellites[0].P2 = mismatch.Satellites[0].P2[:10]

	backwards := slipRequest(t, 20)
	backwards.Satellites[0].Time[5] = backwards.Satellites[0].Time[4]

	dup := slipRequest(t, 20)
	dup.Satellites = append(dup.Satellites, dup.Satellites[0])

	badSat := slipRequest(t, 20)
	badSat.Satellites[0].Sat = "Q1"

	marshal := func(v any) []byte {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		return b
	}

	tests := []struct {
		name    string
		body    []byte
		wantErr string
	}{
		{"not json", []byte("{"), "invalid JSON"},
		{"unknown field", []byte(`{"sats":[]}`), "invalid JSON"},
		{"length mismatch", marshal(mismatch), obs.ErrLengthMismatch.Error()},
		{"time not advancing", marshal(backwards), "does not advance"},
		{"duplicate satellite", marshal(dup), "duplicate"},
		{"bad satellite", marshal(badSat), "unknown satellite"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(h, http.MethodPost, "/api/v1/correct", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			var resp map[string]any
			json.NewDecoder(w.Body).Decode(&resp)
			msg, _ := resp["error"].(string)
			if !strings.Contains(msg, tt.wantErr) {
				t.Errorf("error %q does not mention %q", msg, tt.wantErr)
			}
		})
	}
}

// TestCorrectEpochBudget verifies that requests exceeding the epoch budget
// are rejected with 400 instead of consuming unbounded CPU.
func TestCorrectEpochBudget(t *testing.T) {
	old := maxEpochs
	maxEpochs = 25
	t.Cleanup(func() { maxEpochs = old })

	h := newTestServer(t, Deps{}, auth.Config{})
	body, _ := json.Marshal(slipRequest(t, 30))
	w := do(h, http.MethodPost, "/api/v1/correct", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["error"] == nil {
		t.Error("expected error field in response")
	}
	if resp["max_epochs"] == nil {
		t.Error("expected max_epochs field in response")
	}
}

func TestRuns(t *testing.T) {
	summaries := []sqlite.RunSummary{{ID: "b"}, {ID: "a"}}

	tests := []struct {
		name    string
		archive RunLister
		query   string
		want    int
		wantIDs int
	}{
		{"no archive", nil, "", http.StatusNotFound, 0},
		{"all", fakeLister{runs: summaries}, "", http.StatusOK, 2},
		{"limited", fakeLister{runs: summaries}, "?limit=1", http.StatusOK, 1},
		{"empty", fakeLister{}, "", http.StatusOK, 0},
		{"bad limit", fakeLister{runs: summaries}, "?limit=0", http.StatusBadRequest, 0},
		{"archive error", fakeLister{err: errors.New("locked")}, "", http.StatusInternalServerError, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, Deps{Archive: tt.archive}, auth.Config{})
			w := do(h, http.MethodGet, "/api/v1/runs"+tt.query, nil)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}
			var resp struct {
				Runs []sqlite.RunSummary `json:"runs"`
			}
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Runs == nil || len(resp.Runs) != tt.wantIDs {
				t.Errorf("runs = %v, want %d entries", resp.Runs, tt.wantIDs)
			}
		})
	}
}

func TestAuthAndProbes(t *testing.T) {
	ready := false
	h := newTestServer(t, Deps{Ready: func() bool { return ready }}, auth.Config{Enabled: true, Token: "secret"})

	if w := do(h, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Errorf("/healthz status = %d", w.Code)
	}
	if w := do(h, http.MethodGet, "/readyz", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz before ready: status = %d, want 503", w.Code)
	}
	ready = true
	if w := do(h, http.MethodGet, "/readyz", nil); w.Code != http.StatusOK {
		t.Errorf("/readyz when ready: status = %d, want 200", w.Code)
	}
	if w := do(h, http.MethodGet, "/metrics", nil); w.Code != http.StatusOK {
		t.Errorf("/metrics status = %d", w.Code)
	}

	if w := do(h, http.MethodGet, "/api/v1/runs/latest", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", w.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/latest", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("authenticated status = %d, want 404 (no run yet)", w.Code)
	}
}

func TestRunStreamRoute(t *testing.T) {
	h := newTestServer(t, Deps{}, auth.Config{})
	if w := do(h, http.MethodGet, "/api/v1/stream/runs", nil); w.Code != http.StatusNotFound {
		t.Errorf("without stream handler: status = %d, want 404", w.Code)
	}

	store := results.NewStore()
	store.Set(sampleRun())
	cfg := stream.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	h = newTestServer(t, Deps{
		Results: store,
		Stream:  stream.NewHandler(store, cfg, testLogger()),
	}, auth.Config{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream/runs", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 50*time.Millisecond)
	defer cancel()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req.WithContext(ctx))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), `"type":"metadata"`) {
		t.Errorf("body missing metadata message: %q", w.Body.String())
	}
}
