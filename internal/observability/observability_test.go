package observability

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.Add("pickpoint_notifications_total", map[string]string{"code": "CORRECT_OBJECT_MOVED"}, 2)
	r.Inc("pickpoint_cycles_total", nil)
	r.Set("pickpoint_queue_remaining", map[string]string{"job": "batch-1"}, 3)

	out := r.RenderPrometheus()
	for _, want := range []string{
		"# TYPE pickpoint_cycles_total counter",
		`pickpoint_notifications_total{code="CORRECT_OBJECT_MOVED"} 2`,
		"pickpoint_cycles_total 1",
		"# TYPE pickpoint_queue_remaining gauge",
		`pickpoint_queue_remaining{job="batch-1"} 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestCountersAccumulatePerLabelSet(t *testing.T) {
	r := NewRegistry()
	r.Inc("picks_total", map[string]string{"result": "ok"})
	r.Inc("picks_total", map[string]string{"result": "ok"})
	r.Inc("picks_total", map[string]string{"result": "out_of_reach"})
	r.Add("picks_total", map[string]string{"result": "ok"}, -5)

	if v, _ := r.Value("picks_total", map[string]string{"result": "ok"}); v != 2 {
		t.Errorf("ok picks = %v, want 2", v)
	}
	if v, _ := r.Value("picks_total", map[string]string{"result": "out_of_reach"}); v != 1 {
		t.Errorf("out_of_reach picks = %v, want 1", v)
	}
	if _, ok := r.Value("missing", nil); ok {
		t.Error("Value() found an unknown metric")
	}
}

func TestLabelsAreCopied(t *testing.T) {
	r := NewRegistry()
	labels := map[string]string{"worker": "camera"}
	r.Set("worker_up", labels, 1)
	labels["worker"] = "mutated"

	snap := r.Snapshot()
	if snap.Gauges[0].Labels["worker"] != "camera" {
		t.Errorf("registry aliases caller labels: %v", snap.Gauges[0].Labels)
	}
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"pick.point-cycles": "pick_point_cycles",
		"9lives":            "_lives",
		"":                  "pickpoint_metric",
	}
	for in, want := range tests {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	r.Inc("x", nil)
	r.Set("y", nil, 1)
}

func TestInitTracingNone(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Exporter: "none"})
	if err != nil {
		t.Fatalf("InitTracing() failed: %v", err)
	}
	_, span := StartSpan(context.Background(), "test", attribute.String("k", "v"))
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() = %v", err)
	}
}

func TestInitTracingUnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Exporter: "zipkin"}); err == nil {
		t.Error("InitTracing() accepted an unknown exporter")
	}
}
