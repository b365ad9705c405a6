package observability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Point is one metric sample
type Point struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Snapshot is a sorted copy of every metric in a registry
type Snapshot struct {
	Counters []Point `json:"counters"`
	Gauges   []Point `json:"gauges"`
}

type entry struct {
	name   string
	labels map[string]string
	value  float64
}

// Registry holds counters and gauges keyed by name and label set
type Registry struct {
	mu       sync.Mutex
	counters map[string]entry
	gauges   map[string]entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]entry),
		gauges:   make(map[string]entry),
	}
}

// Inc adds one to a counter
func (r *Registry) Inc(name string, labels map[string]string) {
	r.Add(name, labels, 1)
}

// Add adds delta to a counter. Non-positive deltas are ignored.
func (r *Registry) Add(name string, labels map[string]string, delta float64) {
	if r == nil || delta <= 0 {
		return
	}
	k, lcopy := key(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.counters[k]
	if !ok {
		e = entry{name: name, labels: lcopy}
	}
	e.value += delta
	r.counters[k] = e
}

// Set stores a gauge value
func (r *Registry) Set(name string, labels map[string]string, value float64) {
	if r == nil {
		return
	}
	k, lcopy := key(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[k] = entry{name: name, labels: lcopy, value: value}
}

// Value returns a counter or gauge value, gauges first
func (r *Registry) Value(name string, labels map[string]string) (float64, bool) {
	k, _ := key(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.gauges[k]; ok {
		return e.value, true
	}
	if e, ok := r.counters[k]; ok {
		return e.value, true
	}
	return 0, false
}

// Snapshot copies the registry
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Snapshot{
		Counters: make([]Point, 0, len(r.counters)),
		Gauges:   make([]Point, 0, len(r.gauges)),
	}
	for _, e := range r.counters {
		out.Counters = append(out.Counters, Point{Name: e.name, Labels: copyLabels(e.labels), Value: e.value})
	}
	for _, e := range r.gauges {
		out.Gauges = append(out.Gauges, Point{Name: e.name, Labels: copyLabels(e.labels), Value: e.value})
	}
	sort.Slice(out.Counters, func(i, j int) bool { return out.Counters[i].Name < out.Counters[j].Name })
	sort.Slice(out.Gauges, func(i, j int) bool { return out.Gauges[i].Name < out.Gauges[j].Name })
	return out
}

// RenderPrometheus writes the registry in the Prometheus text format
func (r *Registry) RenderPrometheus() string {
	s := r.Snapshot()

	var b strings.Builder
	render := func(points []Point, kind string) {
		seen := make(map[string]bool)
		lines := make([]string, 0, len(points))
		for _, p := range points {
			name := sanitize(p.Name)
			if !seen[name] {
				seen[name] = true
				lines = append(lines, fmt.Sprintf("# TYPE %s %s", name, kind))
			}
			lines = append(lines, line(name, p.Labels, p.Value))
		}
		for _, l := range lines {
			b.WriteString(l)
			b.WriteByte('\n')
		}
	}
	render(s.Counters, "counter")
	render(s.Gauges, "gauge")
	return b.String()
}

func key(name string, labels map[string]string) (string, map[string]string) {
	if len(labels) == 0 {
		return name, nil
	}
	keys := sortedKeys(labels)
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, name)
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, "|"), copyLabels(labels)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "pickpoint_metric"
	}
	out := []rune(name)
	for i, r := range out {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (r >= '0' && r <= '9' && i > 0)
		if !ok {
			out[i] = '_'
		}
	}
	return string(out)
}

func line(name string, labels map[string]string, value float64) string {
	v := strconv.FormatFloat(value, 'f', -1, 64)
	if len(labels) == 0 {
		return name + " " + v
	}
	parts := make([]string, 0, len(labels))
	for _, k := range sortedKeys(labels) {
		parts = append(parts, fmt.Sprintf("%s=%q", sanitize(k), labels[k]))
	}
	return fmt.Sprintf("%s{%s} %s", name, strings.Join(parts, ","), v)
}
