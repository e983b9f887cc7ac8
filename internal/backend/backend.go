// Package backend runs rendered task commands on a compute target: host
// processes, Docker, Apptainer, Slurm or a GA4GH TES server.
package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/me/gowdl/pkg/model"
)

// Kind identifies a backend implementation.
type Kind string

const (
	KindLocal     Kind = "local"
	KindDocker    Kind = "docker"
	KindApptainer Kind = "apptainer"
	KindSlurm     Kind = "slurm"
	KindTES       Kind = "tes"
)

// State is the coarse status of a submitted job.
type State string

const (
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateLost      State = "LOST"
)

// IsTerminal reports whether polling can stop.
func (s State) IsTerminal() bool {
	return s != StateRunning
}

// Status is the result of one poll. ExitCode is meaningful for Succeeded and
// Failed; it is -1 when the backend could not report one.
type Status struct {
	State    State
	ExitCode int
	Message  string
}

// Handle identifies a submitted job to the backend that accepted it.
type Handle string

// File names inside an attempt directory.
const (
	CommandFile = "command"
	StdoutFile  = "stdout.txt"
	StderrFile  = "stderr.txt"
)

// JobSpec is one task attempt ready to run. Paths are host paths; Command
// has already been rendered against the backend's PathMapper.
type JobSpec struct {
	Name       string
	RunID      string
	Task       string
	Attempt    int
	Command    string
	Image      string
	Resources  model.ResourceSpec
	AttemptDir string
	WorkDir    string
	InputPaths []string
	Env        map[string]string
}

// CommandPath is the host path of the command script.
func (j *JobSpec) CommandPath() string { return filepath.Join(j.AttemptDir, CommandFile) }

// StdoutPath is the host path of captured stdout.
func (j *JobSpec) StdoutPath() string { return filepath.Join(j.AttemptDir, StdoutFile) }

// StderrPath is the host path of captured stderr.
func (j *JobSpec) StderrPath() string { return filepath.Join(j.AttemptDir, StderrFile) }

// Backend executes task attempts.
type Backend interface {
	// Kind returns the backend kind.
	Kind() Kind

	// Prepare resolves an image reference into what Submit expects. It is
	// called once per distinct image per run.
	Prepare(ctx context.Context, image string) (string, error)

	// Mapper returns the host/guest path translation used for job.
	Mapper(job *JobSpec) PathMapper

	// Submit starts the job and returns without waiting for it.
	Submit(ctx context.Context, job *JobSpec) (Handle, error)

	// Poll reports the current status of a submitted job.
	Poll(ctx context.Context, h Handle) (Status, error)

	// Cancel stops a job. Canceling a finished job is not an error.
	Cancel(ctx context.Context, h Handle) error
}

// JobName returns a unique, backend-safe name for one attempt.
func JobName(task string, attempt int) string {
	var b strings.Builder
	for _, r := range strings.ToLower(task) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	id := uuid.New().String()
	return fmt.Sprintf("gowdl-%s-%d-%s", strings.Trim(b.String(), "-"), attempt, id[:8])
}

// submissionError wraps a failed submit as BACKEND_SUBMISSION_ERROR.
func submissionError(kind Kind, err error) error {
	if model.IsCanceled(err) {
		return err
	}
	ee := model.NewError(model.ErrBackendSubmission, err, "%s submit", kind)
	ee.Retryable = true
	return ee
}
