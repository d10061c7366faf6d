package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteExpositionIncludesCountersAndGauge(t *testing.T) {
	r := New()
	r.IncSave("success")
	r.IncSave("success")
	r.IncSave("error")
	r.IncDelete("success")
	r.SetOpenStreamSubscribers(3)

	rec := httptest.NewRecorder()
	r.WriteExposition(rec)
	body := rec.Body.String()

	if !strings.Contains(body, `contextmesh_saves_total{result="success"} 2`) {
		t.Fatalf("missing success save count: %s", body)
	}
	if !strings.Contains(body, `contextmesh_saves_total{result="error"} 1`) {
		t.Fatalf("missing error save count: %s", body)
	}
	if !strings.Contains(body, `contextmesh_deletes_total{result="success"} 1`) {
		t.Fatalf("missing delete count: %s", body)
	}
	if !strings.Contains(body, "contextmesh_open_stream_subscribers 3") {
		t.Fatalf("missing gauge: %s", body)
	}
}

func TestPropagationHistogramBucketsAreCumulative(t *testing.T) {
	r := New()
	r.ObservePropagationLatency(0.03) // falls in first bucket (<=0.05)
	r.ObservePropagationLatency(0.2)  // falls in the 0.25 bucket
	r.ObservePropagationLatency(20)   // beyond all finite buckets, +Inf only

	rec := httptest.NewRecorder()
	r.WriteExposition(rec)
	body := rec.Body.String()

	if !strings.Contains(body, `le="0.05"} 1`) {
		t.Fatalf("expected 1 observation at or under 0.05: %s", body)
	}
	if !strings.Contains(body, `le="0.25"} 2`) {
		t.Fatalf("expected cumulative count of 2 at 0.25: %s", body)
	}
	if !strings.Contains(body, `le="+Inf"} 3`) {
		t.Fatalf("expected all 3 observations counted at +Inf: %s", body)
	}
	if !strings.Contains(body, "contextmesh_propagation_latency_seconds_count 3") {
		t.Fatalf("expected total count of 3: %s", body)
	}
}
