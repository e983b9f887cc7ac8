package server

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/gowdl/internal/events"
	"github.com/me/gowdl/pkg/model"
)

// RunSummary is the current view of one run, folded from its events.
type RunSummary struct {
	ID             string         `json:"id"`
	State          model.RunState `json:"state"`
	Dir            string         `json:"dir,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	TasksSubmitted int            `json:"tasks_submitted"`
	TasksCompleted int            `json:"tasks_completed"`
	TasksFailed    int            `json:"tasks_failed"`
	TasksCached    int            `json:"tasks_cached"`
	Error          string         `json:"error,omitempty"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	LastSeq        uint64         `json:"last_seq"`
}

// RunTracker is an events.Sink keeping a summary per run.
type RunTracker struct {
	mu   sync.RWMutex
	runs map[string]*RunSummary
}

// NewRunTracker creates an empty tracker.
func NewRunTracker() *RunTracker {
	return &RunTracker{runs: make(map[string]*RunSummary)}
}

func (t *RunTracker) Emit(e events.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[e.RunID]
	if !ok {
		r = &RunSummary{ID: e.RunID, State: model.RunStatePending, StartedAt: e.Time}
		t.runs[e.RunID] = r
	}
	r.LastSeq = e.Seq

	switch e.Type {
	case events.RunStarted:
		r.State = model.RunStateRunning
		r.Dir = e.Dir
		r.StartedAt = e.Time
	case events.TaskSubmitted:
		r.TasksSubmitted++
	case events.TaskCompleted:
		switch {
		case e.Cached:
			r.TasksCached++
		case e.Error != "":
			r.TasksFailed++
		default:
			r.TasksCompleted++
		}
	case events.RunCompleted, events.RunFailed, events.RunCanceled:
		r.State = terminalState(e.Type)
		r.Error = e.Error
		r.Outputs = e.Outputs
		finished := e.Time
		r.FinishedAt = &finished
	}
	return nil
}

func terminalState(t events.Type) model.RunState {
	switch t {
	case events.RunCompleted:
		return model.RunStateCompleted
	case events.RunCanceled:
		return model.RunStateCanceled
	}
	return model.RunStateFailed
}

// Get returns a copy of the summary of id.
func (t *RunTracker) Get(id string) (RunSummary, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.runs[id]
	if !ok {
		return RunSummary{}, false
	}
	return *r, true
}

// List returns every run, oldest first. Run IDs are ULIDs, so ID order is
// start order.
func (t *RunTracker) List() []RunSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RunSummary, 0, len(t.runs))
	for _, r := range t.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GET /api/v1/runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	respondOK(w, reqID(r), s.runs.List())
}

// GET /api/v1/runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rid := reqID(r)
	run, ok := s.runs.Get(id)
	if !ok {
		respondError(w, rid, http.StatusNotFound, notFound("run", id))
		return
	}
	respondOK(w, rid, run)
}
