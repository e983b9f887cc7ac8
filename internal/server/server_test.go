package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/me/gowdl/internal/config"
	"github.com/me/gowdl/internal/events"
	"github.com/me/gowdl/internal/scheduler"
	"github.com/me/gowdl/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testServer(opts ...Option) (*Server, *events.Bus) {
	broker := events.NewBroker()
	srv := New(config.DefaultConfig().Server, broker, testLogger(), opts...)
	bus := events.NewBus("r1", testLogger(), srv.Runs(), broker)
	return srv, bus
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
}

func doGet(t *testing.T, srv *Server, path string, wantStatus int) envelope {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("GET %s: status=%d, want %d, body=%s", path, w.Code, wantStatus, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("GET %s: invalid JSON: %v", path, err)
	}
	return env
}

func TestDiscovery(t *testing.T) {
	srv, _ := testServer()
	env := doGet(t, srv, "/api/v1/", http.StatusOK)
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if env.RequestID == "" {
		t.Error("request_id is empty")
	}

	var data discoveryResponse
	json.Unmarshal(env.Data, &data)
	if data.Name != "gowdl" {
		t.Errorf("name = %q, want gowdl", data.Name)
	}
	if len(data.Endpoints) != 6 {
		t.Errorf("endpoints count = %d, want 6", len(data.Endpoints))
	}
}

func TestHealth(t *testing.T) {
	sched := scheduler.New(scheduler.Envelope{CPU: 4, Memory: 8 << 30}, scheduler.Enforce, testLogger())
	srv, _ := testServer(WithScheduler(sched), WithBackendKind("local"))

	for _, path := range []string{"/health", "/api/v1/health"} {
		env := doGet(t, srv, path, http.StatusOK)
		var data healthResponse
		json.Unmarshal(env.Data, &data)
		if data.Status != "healthy" {
			t.Errorf("%s: status = %q, want healthy", path, data.Status)
		}
		if data.Backend != "local" {
			t.Errorf("%s: backend = %q, want local", path, data.Backend)
		}
		if data.Scheduler == nil || data.Scheduler.Envelope.CPU != 4 || data.Scheduler.Available.CPU != 4 {
			t.Errorf("%s: scheduler = %+v, want cpu 4 free", path, data.Scheduler)
		}
	}
}

func TestMetrics(t *testing.T) {
	srv, _ := testServer()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "gowdl_") {
		t.Error("metrics output has no gowdl_ series")
	}
}

func TestRequestLogging(t *testing.T) {
	var logs bytes.Buffer
	broker := events.NewBroker()
	srv := New(config.DefaultConfig().Server, broker, slog.New(slog.NewJSONHandler(&logs, nil)))
	bus := events.NewBus("r1", testLogger(), srv.Runs(), broker)
	bus.Emit(events.Event{Type: events.RunStarted})

	req := httptest.NewRequest("GET", "/api/v1/runs/r1", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if env.RequestID == "" || w.Header().Get("X-Request-ID") != env.RequestID {
		t.Errorf("X-Request-ID = %q, envelope request_id = %q", w.Header().Get("X-Request-ID"), env.RequestID)
	}

	var line struct {
		Msg       string `json:"msg"`
		Status    int    `json:"status"`
		RequestID string `json:"request_id"`
		RunID     string `json:"run_id"`
	}
	for _, raw := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		if err := json.Unmarshal([]byte(raw), &line); err == nil && line.Msg == "request" {
			break
		}
	}
	if line.Msg != "request" {
		t.Fatalf("no request log line in %s", logs.String())
	}
	if line.Status != http.StatusOK || line.RunID != "r1" || line.RequestID != env.RequestID {
		t.Errorf("request log = %+v, want status 200, run_id r1, request_id %s", line, env.RequestID)
	}
}

func TestCORS(t *testing.T) {
	srv, _ := testServer()
	req := httptest.NewRequest("OPTIONS", "/api/v1/runs", nil)
	req.Header.Set("Origin", "https://dash.example.org")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Error("preflight response has no Access-Control-Allow-Origin")
	}
}

func TestRuns(t *testing.T) {
	srv, bus := testServer()
	bus.Emit(events.Event{Type: events.RunStarted, Dir: "/runs/r1"})
	bus.Emit(events.Event{Type: events.TaskSubmitted, Call: "a"})
	bus.Emit(events.Event{Type: events.TaskCompleted, Call: "a"})
	bus.Emit(events.Event{Type: events.TaskCompleted, Call: "b", Cached: true})
	bus.Emit(events.Event{Type: events.RunCompleted, Outputs: map[string]any{"n": 1}})

	env := doGet(t, srv, "/api/v1/runs/r1", http.StatusOK)
	var run RunSummary
	json.Unmarshal(env.Data, &run)
	if run.State != model.RunStateCompleted {
		t.Errorf("state = %s, want COMPLETED", run.State)
	}
	if run.Dir != "/runs/r1" || run.TasksSubmitted != 1 || run.TasksCompleted != 1 || run.TasksCached != 1 {
		t.Errorf("summary = %+v", run)
	}
	if run.FinishedAt == nil || run.LastSeq != 5 {
		t.Errorf("finished_at = %v, last_seq = %d", run.FinishedAt, run.LastSeq)
	}

	env = doGet(t, srv, "/api/v1/runs/", http.StatusOK)
	var runs []RunSummary
	json.Unmarshal(env.Data, &runs)
	if len(runs) != 1 || runs[0].ID != "r1" {
		t.Errorf("runs = %+v, want [r1]", runs)
	}

	env = doGet(t, srv, "/api/v1/runs/nope", http.StatusNotFound)
	if env.Status != "error" || env.Error == nil || env.Error.Code != "NOT_FOUND" {
		t.Errorf("error = %+v, want NOT_FOUND", env.Error)
	}
}

type sseEvent struct {
	id    string
	event string
	data  string
}

func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.event != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestSSE_LiveRun(t *testing.T) {
	srv, bus := testServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/runs/r1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	r := bufio.NewReader(resp.Body)

	// The handler subscribes before writing init.
	if ev := readSSE(t, r); ev.event != "init" {
		t.Fatalf("first event = %q, want init", ev.event)
	}

	bus.Emit(events.Event{Type: events.RunStarted})
	bus.Emit(events.Event{Type: events.TaskSubmitted, Call: "a"})
	bus.Emit(events.Event{Type: events.RunFailed, Error: "boom"})

	want := []struct{ event, id string }{
		{"RunStarted", "1"},
		{"TaskSubmitted", "2"},
		{"RunFailed", "3"},
	}
	for _, w := range want {
		ev := readSSE(t, r)
		if ev.event != w.event || ev.id != w.id {
			t.Fatalf("event = %s/%s, want %s/%s", ev.event, ev.id, w.event, w.id)
		}
	}

	ev := readSSE(t, r)
	if ev.event != "complete" {
		t.Fatalf("last event = %q, want complete", ev.event)
	}
	var run RunSummary
	json.Unmarshal([]byte(ev.data), &run)
	if run.State != model.RunStateFailed || run.Error != "boom" {
		t.Errorf("complete summary = %+v", run)
	}
}

func TestSSE_FinishedRun(t *testing.T) {
	srv, bus := testServer()
	bus.Emit(events.Event{Type: events.RunStarted})
	bus.Emit(events.Event{Type: events.RunCanceled})

	ts := httptest.NewServer(srv)
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/api/v1/runs/r1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	r := bufio.NewReader(resp.Body)

	ev := readSSE(t, r)
	var run RunSummary
	json.Unmarshal([]byte(ev.data), &run)
	if ev.event != "init" || run.State != model.RunStateCanceled {
		t.Fatalf("init = %s %+v, want canceled summary", ev.event, run)
	}
	if ev := readSSE(t, r); ev.event != "complete" {
		t.Fatalf("event = %q, want complete", ev.event)
	}
}
