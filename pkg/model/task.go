package model

import (
	"time"
)

// ResourceSpec is the normalized resource request of one task attempt.
// Memory and Disk are bytes.
type ResourceSpec struct {
	CPU       int64  `json:"cpu"`
	Memory    int64  `json:"memory"`
	GPU       int64  `json:"gpu,omitempty"`
	Disk      int64  `json:"disk,omitempty"`
	Container string `json:"container,omitempty"`
}

// TaskExecutionRecord describes one attempt of one call. Records are kept per
// attempt so retries can expose the previous attempt to runtime expressions.
type TaskExecutionRecord struct {
	RunID      string       `json:"run_id"`
	Call       string       `json:"call"`
	Task       string       `json:"task"`
	Attempt    int          `json:"attempt"`
	State      AttemptState `json:"state"`
	Backend    string       `json:"backend,omitempty"`
	Handle     string       `json:"handle,omitempty"`
	CacheKey   string       `json:"cache_key,omitempty"`
	Cached     bool         `json:"cached,omitempty"`
	Resources  ResourceSpec `json:"resources"`
	ExitCode   *int         `json:"exit_code,omitempty"`
	Dir        string       `json:"dir,omitempty"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// Duration returns the elapsed time of a finished attempt.
func (r *TaskExecutionRecord) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
