package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// process is one asynchronously running host command.
type process struct {
	cancel   context.CancelFunc
	done     chan struct{}
	exitCode int
	err      error
}

// procTable tracks host processes started by Local and Apptainer.
type procTable struct {
	mu    sync.Mutex
	procs map[Handle]*process
}

func newProcTable() *procTable {
	return &procTable{procs: make(map[Handle]*process)}
}

// start launches name with stdout and stderr redirected to files. The
// process outlives the submitting context; only cancel stops it.
func (t *procTable) start(h Handle, job *JobSpec, name string, args ...string) error {
	stdout, err := os.Create(job.StdoutPath())
	if err != nil {
		return fmt.Errorf("create stdout: %w", err)
	}
	stderr, err := os.Create(job.StderrPath())
	if err != nil {
		stdout.Close()
		return fmt.Errorf("create stderr: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = job.WorkDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second
	cmd.Env = os.Environ()
	for k, v := range job.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start %s: %w", name, err)
	}

	p := &process{cancel: cancel, done: make(chan struct{})}
	t.mu.Lock()
	t.procs[h] = p
	t.mu.Unlock()

	go func() {
		runErr := cmd.Wait()
		stdout.Close()
		stderr.Close()
		var exitErr *exec.ExitError
		switch {
		case runErr == nil:
			p.exitCode = 0
		case errors.As(runErr, &exitErr):
			p.exitCode = exitErr.ExitCode()
		default:
			p.exitCode = -1
			p.err = runErr
		}
		close(p.done)
	}()
	return nil
}

func (t *procTable) poll(h Handle) Status {
	t.mu.Lock()
	p, ok := t.procs[h]
	t.mu.Unlock()
	if !ok {
		return Status{State: StateLost, ExitCode: -1, Message: "unknown handle"}
	}
	select {
	case <-p.done:
	default:
		return Status{State: StateRunning}
	}

	t.mu.Lock()
	delete(t.procs, h)
	t.mu.Unlock()
	switch {
	case p.err != nil:
		return Status{State: StateLost, ExitCode: -1, Message: p.err.Error()}
	case p.exitCode == 0:
		return Status{State: StateSucceeded}
	default:
		return Status{State: StateFailed, ExitCode: p.exitCode}
	}
}

func (t *procTable) cancel(h Handle) {
	t.mu.Lock()
	p, ok := t.procs[h]
	t.mu.Unlock()
	if ok {
		p.cancel()
	}
}

// Local runs commands as host processes.
type Local struct {
	logger *slog.Logger
	procs  *procTable
	shell  string
}

// NewLocal creates a Local backend.
func NewLocal(logger *slog.Logger) *Local {
	return &Local{
		logger: logger.With("component", "local-backend"),
		procs:  newProcTable(),
		shell:  "bash",
	}
}

func (l *Local) Kind() Kind { return KindLocal }

// Prepare ignores images; host processes run without a container.
func (l *Local) Prepare(_ context.Context, image string) (string, error) {
	return image, nil
}

func (l *Local) Mapper(*JobSpec) PathMapper { return IdentityMapper{} }

func (l *Local) Submit(ctx context.Context, job *JobSpec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", submissionError(KindLocal, err)
	}
	if job.Image != "" {
		l.logger.Debug("ignoring container image", "task", job.Task, "image", job.Image)
	}
	h := Handle(job.Name)
	if err := l.procs.start(h, job, l.shell, job.CommandPath()); err != nil {
		return "", submissionError(KindLocal, err)
	}
	l.logger.Debug("process started", "task", job.Task, "attempt", job.Attempt, "handle", h)
	return h, nil
}

func (l *Local) Poll(_ context.Context, h Handle) (Status, error) {
	return l.procs.poll(h), nil
}

func (l *Local) Cancel(_ context.Context, h Handle) error {
	l.procs.cancel(h)
	return nil
}
