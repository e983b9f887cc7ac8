package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/gowdl/internal/scheduler"
)

type schedulerStatus struct {
	Envelope  scheduler.Envelope `json:"envelope"`
	InUse     scheduler.Request  `json:"in_use"`
	Available scheduler.Request  `json:"available"`
	Waiting   int                `json:"waiting"`
}

type healthResponse struct {
	Status    string           `json:"status"`
	Version   string           `json:"version"`
	GoVersion string           `json:"go_version"`
	Uptime    string           `json:"uptime"`
	Backend   string           `json:"backend,omitempty"`
	Runs      int              `json:"runs"`
	Scheduler *schedulerStatus `json:"scheduler,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	resp := healthResponse{
		Status:    "healthy",
		Version:   "0.1.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Backend:   s.backend,
		Runs:      len(s.runs.List()),
	}
	if s.scheduler != nil {
		resp.Scheduler = &schedulerStatus{
			Envelope:  s.scheduler.Envelope(),
			InUse:     s.scheduler.InUse(),
			Available: s.scheduler.Available(),
			Waiting:   s.scheduler.Waiting(),
		}
	}
	respondOK(w, rid, resp)
}
