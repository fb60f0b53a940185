package metrics

import (
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecordSeedsAverageWithFirstObservation(t *testing.T) {
	tr := NewTracker(nil)
	s := tr.Record("yahoo", true, 250*time.Millisecond, Counts{Prices: 3})
	if s.AvgMs != 250 || s.LastMs != 250 || s.Runs != 1 {
		t.Fatalf("unexpected first snapshot: %+v", s)
	}

	s = tr.Record("yahoo", false, 350*time.Millisecond, Counts{Errors: 1})
	if math.Abs(s.AvgMs-260) > 1e-9 {
		t.Fatalf("avg = %v, want 260", s.AvgMs)
	}
	if s.Successes != 1 || s.Failures != 1 || s.LastOK {
		t.Fatalf("unexpected counters: %+v", s)
	}
}

func TestAverageConvergesWithoutOvershoot(t *testing.T) {
	tr := NewTracker(nil)
	tr.Record("finnhub", true, 400*time.Millisecond, Counts{})

	prevDist := math.Abs(400.0 - 100.0)
	for i := 0; i < 50; i++ {
		s := tr.Record("finnhub", true, 100*time.Millisecond, Counts{})
		dist := math.Abs(s.AvgMs - 100)
		if dist > prevDist+1e-9 {
			t.Fatalf("step %d moved away from target: %v > %v", i, dist, prevDist)
		}
		if s.AvgMs < 100-1e-9 {
			t.Fatalf("step %d overshot below target: %v", i, s.AvgMs)
		}
		prevDist = dist
	}

	tr.Reset()
	for i := 0; i < 3; i++ {
		s := tr.Record("steady", true, 100*time.Millisecond, Counts{})
		if math.Abs(s.AvgMs-100) > 1e-9 {
			t.Fatalf("constant durations must keep avg at 100, got %v", s.AvgMs)
		}
	}
}

func TestListIsOrdered(t *testing.T) {
	tr := NewTracker(nil)
	tr.Record("zeta", true, time.Millisecond, Counts{})
	tr.Record("alpha", true, time.Millisecond, Counts{})
	list := tr.List()
	if len(list) != 2 || list[0].SourceID != "alpha" {
		t.Fatalf("unexpected order: %+v", list)
	}
	if _, ok := tr.Get("missing"); ok {
		t.Fatalf("unexpected snapshot for unknown source")
	}
}

func TestCollectorsExport(t *testing.T) {
	c := NewCollectors()
	tr := NewTracker(c)
	tr.Record("yahoo", false, 2*time.Second, Counts{Prices: 4, Errors: 1})
	c.SchedulerSkip("yahoo", "overlap")
	c.SetDisabled("yahoo", true)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`cortexfeed_runs_total{source="yahoo",status="failure"} 1`,
		`cortexfeed_items_total{kind="prices",source="yahoo"} 4`,
		`cortexfeed_scheduler_skips_total{reason="overlap",source="yahoo"} 1`,
		`cortexfeed_source_disabled{source="yahoo"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
