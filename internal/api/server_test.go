package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BMS-GM/pick-point/internal/emitter"
	"github.com/BMS-GM/pick-point/internal/jobstore"
	"github.com/BMS-GM/pick-point/internal/observability"
	"github.com/BMS-GM/pick-point/internal/types"
)

type fakeBackend struct {
	ready   bool
	jobs    []types.Job
	created []string
	resets  int
	stops   int
	failJob error
}

func (f *fakeBackend) Readiness() (bool, any) {
	status := "healthy"
	if !f.ready {
		status = "unhealthy"
	}
	return f.ready, map[string]any{"status": status}
}

func (f *fakeBackend) Status() any {
	return map[string]any{"job": "batch-1", "remaining": 2}
}

func (f *fakeBackend) Uptime() time.Duration { return 42 * time.Second }

func (f *fakeBackend) ListJobs(ctx context.Context) ([]types.Job, error) {
	return f.jobs, nil
}

func (f *fakeBackend) CreateJob(ctx context.Context, name string, items []types.Item) error {
	if f.failJob != nil {
		return f.failJob
	}
	f.created = append(f.created, name)
	return nil
}

func (f *fakeBackend) ResetJobs(ctx context.Context) error {
	f.resets++
	return nil
}

func (f *fakeBackend) Stop() error {
	f.stops++
	return nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestProbes(t *testing.T) {
	tests := []struct {
		name  string
		ready bool
		path  string
		code  int
	}{
		{"liveness", false, "/health", http.StatusOK},
		{"ready", true, "/readiness", http.StatusOK},
		{"not ready", false, "/readiness", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(&fakeBackend{ready: tt.ready})
			rec := do(t, s.Handler(), http.MethodGet, tt.path, "")
			if rec.Code != tt.code {
				t.Errorf("GET %s = %d, want %d: %s", tt.path, rec.Code, tt.code, rec.Body.String())
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	reg := observability.NewRegistry()
	reg.Inc("pickpoint_cycles_total", nil)
	s := NewServer(&fakeBackend{}, WithMetrics(reg))

	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pickpoint_cycles_total 1") {
		t.Errorf("GET /metrics = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %s", ct)
	}
}

func TestJobs(t *testing.T) {
	backend := &fakeBackend{jobs: []types.Job{{Name: "batch-1", Status: types.JobInProgress, Items: []types.Item{{Type: "cat"}}}}}
	s := NewServer(backend)

	rec := do(t, s.Handler(), http.MethodGet, "/api/v1/jobs", "")
	var list struct {
		Jobs  []types.Job `json:"jobs"`
		Count int         `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("GET /api/v1/jobs body: %v", err)
	}
	if list.Count != 1 || list.Jobs[0].Status != types.JobInProgress {
		t.Errorf("jobs = %+v", list)
	}

	rec = do(t, s.Handler(), http.MethodPost, "/api/v1/jobs", `{"name":"batch-2","items":[{"type":"dog","placement":"dog"}]}`)
	if rec.Code != http.StatusCreated || len(backend.created) != 1 {
		t.Errorf("POST /api/v1/jobs = %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s.Handler(), http.MethodPost, "/api/v1/jobs/reset", "")
	if rec.Code != http.StatusOK || backend.resets != 1 {
		t.Errorf("POST /api/v1/jobs/reset = %d, resets %d", rec.Code, backend.resets)
	}
}

func TestCreateJobValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		fail error
		code int
	}{
		{"missing name", `{"items":[{"type":"cat"}]}`, nil, http.StatusBadRequest},
		{"no items", `{"name":"j","items":[]}`, nil, http.StatusBadRequest},
		{"item without type", `{"name":"j","items":[{"placement":"bin"}]}`, nil, http.StatusBadRequest},
		{"duplicate", `{"name":"j","items":[{"type":"cat"}]}`, fmt.Errorf("%w: j", jobstore.ErrJobExists), http.StatusConflict},
		{"rejected by store", `{"name":"j","items":[{"type":"cat"}]}`, fmt.Errorf("%w: j item 0 has no type", jobstore.ErrInvalidJob), http.StatusBadRequest},
		{"store failure", `{"name":"j","items":[{"type":"cat"}]}`, errors.New("insert job j: connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(&fakeBackend{failJob: tt.fail})
			rec := do(t, s.Handler(), http.MethodPost, "/api/v1/jobs", tt.body)
			if rec.Code != tt.code {
				t.Errorf("POST /api/v1/jobs = %d, want %d: %s", rec.Code, tt.code, rec.Body.String())
			}
		})
	}
}

func TestStatusAndStop(t *testing.T) {
	backend := &fakeBackend{}
	s := NewServer(backend)

	rec := do(t, s.Handler(), http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "batch-1") {
		t.Errorf("GET /api/v1/status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s.Handler(), http.MethodPost, "/api/v1/stop", "")
	if rec.Code != http.StatusAccepted || backend.stops != 1 {
		t.Errorf("POST /api/v1/stop = %d, stops %d", rec.Code, backend.stops)
	}
}

func TestEventStream(t *testing.T) {
	hub := emitter.NewHub(4)
	hub.Report(types.CodeCurrentRequestedObject, types.Item{Type: "cat"}, "requesting cat")

	s := NewServer(&fakeBackend{}, WithEvents(hub), WithHeartbeat(time.Hour))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/v1/events failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %s", ct)
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "data: ") {
				lines <- strings.TrimPrefix(sc.Text(), "data: ")
			}
		}
		close(lines)
	}()

	read := func() emitter.Notification {
		t.Helper()
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed")
			}
			var n emitter.Notification
			if err := json.Unmarshal([]byte(line), &n); err != nil {
				t.Fatalf("event data is not JSON: %v", err)
			}
			return n
		case <-ctx.Done():
			t.Fatal("no event received")
		}
		return emitter.Notification{}
	}

	if n := read(); n.Code != types.CodeCurrentRequestedObject {
		t.Errorf("replayed event = %+v", n)
	}

	// wait for the live subscription before reporting
	for hub.Subscribers() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	hub.Report(types.CodeCorrectObjectMoved, types.Item{Type: "cat"}, "cat removed")
	if n := read(); n.Code != types.CodeCorrectObjectMoved || n.Item.Type != "cat" {
		t.Errorf("live event = %+v", n)
	}
	t.Logf("✅ replayed and live notifications streamed")
}

func TestEventStreamDisabled(t *testing.T) {
	s := NewServer(&fakeBackend{})
	if rec := do(t, s.Handler(), http.MethodGet, "/api/v1/events", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET /api/v1/events without hub = %d", rec.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	hub := emitter.NewHub(0)
	s := NewServer(&fakeBackend{ready: true}, WithEvents(hub), WithHeartbeat(time.Hour))
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	resp, err := http.Get("http://" + s.Addr() + "/readiness")
	if err != nil {
		t.Fatalf("GET /readiness failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /readiness = %d", resp.StatusCode)
	}

	// an open event stream must not hold up shutdown
	stream, err := http.Get("http://" + s.Addr() + "/api/v1/events")
	if err != nil {
		t.Fatalf("GET /api/v1/events failed: %v", err)
	}
	defer stream.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}
	t.Logf("✅ server stopped with an open event stream")
}
