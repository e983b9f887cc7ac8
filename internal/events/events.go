// Package events publishes the ordered lifecycle events of a run to sinks:
// a JSON-lines file in the run directory, the structured log, and live
// subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	RunStarted        Type = "RunStarted"
	TaskSubmitted     Type = "TaskSubmitted"
	TaskStatusChanged Type = "TaskStatusChanged"
	TaskCompleted     Type = "TaskCompleted"
	RunCompleted      Type = "RunCompleted"
	RunFailed         Type = "RunFailed"
	RunCanceled       Type = "RunCanceled"
)

// IsTerminal reports whether t ends a run.
func (t Type) IsTerminal() bool {
	return t == RunCompleted || t == RunFailed || t == RunCanceled
}

// Event is one lifecycle event. Seq is assigned by the Bus and is strictly
// increasing within a run.
type Event struct {
	Seq      uint64         `json:"seq"`
	Type     Type           `json:"type"`
	Time     time.Time      `json:"time"`
	RunID    string         `json:"run_id"`
	Call     string         `json:"call,omitempty"`
	Task     string         `json:"task,omitempty"`
	Attempt  int            `json:"attempt,omitempty"`
	Backend  string         `json:"backend,omitempty"`
	Handle   string         `json:"handle,omitempty"`
	Status   string         `json:"status,omitempty"`
	ExitCode *int           `json:"exit_code,omitempty"`
	Cached   bool           `json:"cached,omitempty"`
	Dir      string         `json:"dir,omitempty"`
	Error    string         `json:"error,omitempty"`
	Outputs  map[string]any `json:"outputs,omitempty"`
}

// Sink receives events in order. Emit is called with the Bus lock held and
// must not call back into the Bus.
type Sink interface {
	Emit(Event) error
}

// Emitter is the publishing side of a Bus, as seen by evaluators.
type Emitter interface {
	Emit(Event)
}

// Bus stamps events with a sequence number and run ID and fans them out to
// its sinks in one total order.
type Bus struct {
	mu     sync.Mutex
	runID  string
	seq    uint64
	sinks  []Sink
	closed bool
	logger *slog.Logger
}

// NewBus creates a bus for one run.
func NewBus(runID string, logger *slog.Logger, sinks ...Sink) *Bus {
	return &Bus{
		runID:  runID,
		sinks:  sinks,
		logger: logger.With("component", "events"),
	}
}

// Emit publishes e. Sink failures are logged and never returned, so event
// delivery cannot fail a run.
func (b *Bus) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.logger.Warn("event after run end dropped", "type", e.Type, "call", e.Call)
		return
	}
	b.seq++
	e.Seq = b.seq
	e.RunID = b.runID
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	for _, s := range b.sinks {
		if err := s.Emit(e); err != nil {
			b.logger.Warn("event sink failed", "type", e.Type, "error", err)
		}
	}
	if e.Type.IsTerminal() {
		b.closed = true
	}
}

// Seq returns the sequence number of the last emitted event.
func (b *Bus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(Event) {}

// Recorder is a Sink that keeps every event; used by tests and the CLI
// summary.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
