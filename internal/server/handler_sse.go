package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleSSE streams lifecycle events via Server-Sent Events.
// GET /api/v1/events streams every run; GET /api/v1/runs/{id}/events streams
// one run and ends after its terminal event.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Set headers for SSE.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before sending the initial state so nothing emitted in
	// between is lost.
	ch, unsubscribe := s.broker.Subscribe(id)
	defer unsubscribe()

	var initial any = s.runs.List()
	if id != "" {
		if run, ok := s.runs.Get(id); ok {
			initial = run
		} else {
			initial = RunSummary{ID: id}
		}
	}
	if err := sendSSEEvent(w, flusher, "init", 0, initial); err != nil {
		s.logger.Debug("sse client disconnected", "run_id", id, "error", err)
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				// The run has ended.
				summary, _ := s.runs.Get(id)
				_ = sendSSEEvent(w, flusher, "complete", 0, summary)
				return
			}
			if err := sendSSEEvent(w, flusher, string(e.Type), e.Seq, e); err != nil {
				s.logger.Debug("sse client disconnected", "run_id", id)
				return
			}
		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, seq uint64, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if seq > 0 {
		_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, event, jsonData)
	} else {
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	}
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
