package metrics

import (
	"math"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounterAndGauge(t *testing.T) {
	c := NewMetricsCollector()
	ctr := c.Counter("test_total", "help", "")
	ctr.Inc()
	ctr.Add(2)
	if ctr.Value() != 3 {
		t.Errorf("expected 3, got %d", ctr.Value())
	}
	if c.Counter("test_total", "help", "") != ctr {
		t.Error("same name should return the same counter")
	}

	g := c.Gauge("test_gauge", "help", "")
	g.Inc()
	g.Inc()
	g.Dec()
	if g.Value() != 1 {
		t.Errorf("expected 1, got %d", g.Value())
	}
}

func TestWriteTo_PrometheusText(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("b_total", "second", `source="telegram"`).Inc()
	c.Counter("a_total", "first", "").Add(5)
	h := c.Histogram("run_seconds", "latency", "", []float64{1, 5})
	h.Observe(0.5)
	h.Observe(3)
	h.Observe(10)

	var sb strings.Builder
	if _, err := c.WriteTo(&sb); err != nil {
		t.Fatal(err)
	}
	out := sb.String()

	for _, want := range []string{
		"# TYPE a_total counter\na_total 5\n",
		`b_total{source="telegram"} 1`,
		`run_seconds_bucket{le="1"} 1`,
		`run_seconds_bucket{le="5"} 2`,
		`run_seconds_bucket{le="+Inf"} 3`,
		"run_seconds_count 3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "a_total") > strings.Index(out, "b_total") {
		t.Error("counters should be sorted by name")
	}
}

func TestWriteTo_InfBucketNotDuplicated(t *testing.T) {
	c := NewMetricsCollector()
	c.Histogram("h", "help", "", []float64{1, math.Inf(1)}).Observe(2)

	var sb strings.Builder
	c.WriteTo(&sb)
	if n := strings.Count(sb.String(), `le="+Inf"`); n != 1 {
		t.Errorf("expected one +Inf bucket, got %d", n)
	}
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewMetricsCollector().Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "chatbridge_uptime_seconds") {
		t.Error("expected uptime gauge")
	}
}
