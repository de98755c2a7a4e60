package results

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/star/rtecfix/internal/correction"
	"github.com/star/rtecfix/internal/gnss"
)

func TestStoreLatest(t *testing.T) {
	s := NewStore()
	if s.Latest() != nil {
		t.Fatal("new store is not empty")
	}
	if s.AgeSeconds() != -1 {
		t.Errorf("AgeSeconds on empty store = %v, want -1", s.AgeSeconds())
	}

	now := time.Now()
	a := NewRun("a.csv", now.Add(-time.Minute), now.Add(-30*time.Second), nil)
	b := NewRun("b.csv", now.Add(-time.Second), now, nil)
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("run IDs not unique: %q %q", a.ID, b.ID)
	}

	s.Set(a)
	if got := s.AgeSeconds(); got < 29 || got > 60 {
		t.Errorf("AgeSeconds = %v, want about 30", got)
	}
	s.Set(b)
	if s.Latest() != b {
		t.Error("Latest did not return the last run set")
	}
}

func TestRunSatsAndFailed(t *testing.T) {
	r := NewRun("x", time.Time{}, time.Time{}, map[gnss.SatID]*correction.Result{
		"R02": {Sat: "R02"},
		"E11": {Sat: "E11", Err: errors.New("boom")},
		"G05": {Sat: "G05"},
	})
	if diff := cmp.Diff([]gnss.SatID{"E11", "G05", "R02"}, r.Sats()); diff != "" {
		t.Errorf("Sats mismatch (-want +got):\n%s", diff)
	}
	if r.Failed() != 1 {
		t.Errorf("Failed = %d, want 1", r.Failed())
	}
}

func TestStoreConcurrent(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Set(NewRun("w", time.Now(), time.Now(), nil))
		}()
		go func() {
			defer wg.Done()
			_ = s.Latest()
		}()
	}
	wg.Wait()
	if s.Latest() == nil {
		t.Error("no run stored")
	}
}
