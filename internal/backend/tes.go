package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// TESOptions configures the TES client.
type TESOptions struct {
	URL               string
	Token             string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// TES submits attempts to a GA4GH Task Execution Service (v1). Inputs and
// the attempt directory travel as file:// URLs, so the server must see the
// same filesystem as the engine.
type TES struct {
	logger  *slog.Logger
	client  *http.Client
	base    string
	token   string
	limiter *rate.Limiter
}

// NewTES creates a TES backend.
func NewTES(opts TESOptions, logger *slog.Logger) (*TES, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("tes backend requires backend.tes.url")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("tes url: %w", err)
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &TES{
		logger:  logger.With("component", "tes-backend"),
		client:  &http.Client{Timeout: timeout},
		base:    strings.TrimSuffix(opts.URL, "/"),
		token:   opts.Token,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

type tesInput struct {
	URL  string `json:"url"`
	Path string `json:"path"`
	Type string `json:"type"`
}

type tesExecutor struct {
	Image   string            `json:"image"`
	Command []string          `json:"command"`
	Workdir string            `json:"workdir,omitempty"`
	Stdout  string            `json:"stdout,omitempty"`
	Stderr  string            `json:"stderr,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type tesResources struct {
	CPUCores int64   `json:"cpu_cores,omitempty"`
	RAMGB    float64 `json:"ram_gb,omitempty"`
	DiskGB   float64 `json:"disk_gb,omitempty"`
}

type tesTask struct {
	Name      string            `json:"name"`
	Inputs    []tesInput        `json:"inputs,omitempty"`
	Outputs   []tesInput        `json:"outputs,omitempty"`
	Resources tesResources      `json:"resources"`
	Executors []tesExecutor     `json:"executors"`
	Tags      map[string]string `json:"tags,omitempty"`
}

type tesTaskView struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Logs  []struct {
		Logs []struct {
			ExitCode *int `json:"exit_code"`
		} `json:"logs"`
		SystemLogs []string `json:"system_logs"`
	} `json:"logs"`
}

func (t *TES) Kind() Kind { return KindTES }

func (t *TES) Prepare(_ context.Context, image string) (string, error) {
	if image == "" {
		return "", fmt.Errorf("tes backend requires a container image")
	}
	return image, nil
}

func (t *TES) Mapper(job *JobSpec) PathMapper { return NewContainerMapper(job) }

func (t *TES) Submit(ctx context.Context, job *JobSpec) (Handle, error) {
	body, err := json.Marshal(t.task(job))
	if err != nil {
		return "", submissionError(KindTES, err)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := t.do(ctx, http.MethodPost, "/v1/tasks", body, &created); err != nil {
		return "", submissionError(KindTES, err)
	}
	if created.ID == "" {
		return "", submissionError(KindTES, fmt.Errorf("create task: empty id"))
	}
	t.logger.Debug("task created", "task", job.Task, "attempt", job.Attempt, "tes_id", created.ID)
	return Handle(created.ID), nil
}

func (t *TES) task(job *JobSpec) tesTask {
	mapper := t.Mapper(job)
	task := tesTask{
		Name: job.Name,
		Tags: map[string]string{"run_id": job.RunID, "task": job.Task},
		Resources: tesResources{
			CPUCores: job.Resources.CPU,
			RAMGB:    float64(job.Resources.Memory) / (1 << 30),
			DiskGB:   float64(job.Resources.Disk) / (1 << 30),
		},
		Executors: []tesExecutor{{
			Image:   job.Image,
			Command: []string{"/bin/bash", mapper.ToGuest(job.CommandPath())},
			Workdir: mapper.ToGuest(job.WorkDir),
			Stdout:  mapper.ToGuest(job.StdoutPath()),
			Stderr:  mapper.ToGuest(job.StderrPath()),
			Env:     job.Env,
		}},
	}
	for _, m := range mapper.Mounts() {
		in := tesInput{URL: "file://" + m.Host, Path: m.Guest, Type: "DIRECTORY"}
		task.Inputs = append(task.Inputs, in)
		if !m.ReadOnly {
			task.Outputs = append(task.Outputs, in)
		}
	}
	return task
}

func (t *TES) Poll(ctx context.Context, h Handle) (Status, error) {
	var view tesTaskView
	if err := t.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(string(h))+"?view=BASIC", nil, &view); err != nil {
		var he *tesHTTPError
		if errors.As(err, &he) && he.StatusCode == http.StatusNotFound {
			return Status{State: StateLost, ExitCode: -1, Message: "task not found"}, nil
		}
		return Status{}, err
	}
	return view.status(), nil
}

func (v *tesTaskView) status() Status {
	exitCode := -1
	var msg string
	if n := len(v.Logs); n > 0 {
		last := v.Logs[n-1]
		if m := len(last.Logs); m > 0 && last.Logs[m-1].ExitCode != nil {
			exitCode = *last.Logs[m-1].ExitCode
		}
		msg = strings.Join(last.SystemLogs, "; ")
	}
	switch v.State {
	case "UNKNOWN", "QUEUED", "INITIALIZING", "RUNNING", "PAUSED":
		return Status{State: StateRunning}
	case "COMPLETE":
		if exitCode > 0 {
			return Status{State: StateFailed, ExitCode: exitCode}
		}
		return Status{State: StateSucceeded}
	case "EXECUTOR_ERROR":
		return Status{State: StateFailed, ExitCode: exitCode, Message: msg}
	case "CANCELING", "CANCELED":
		return Status{State: StateFailed, ExitCode: -1, Message: "canceled"}
	default:
		// SYSTEM_ERROR, PREEMPTED
		return Status{State: StateLost, ExitCode: -1, Message: strings.TrimSpace(v.State + " " + msg)}
	}
}

func (t *TES) Cancel(ctx context.Context, h Handle) error {
	return t.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(string(h))+":cancel", []byte("{}"), nil)
}

func (t *TES) do(ctx context.Context, method, path string, body []byte, out any) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &tesHTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

type tesHTTPError struct {
	StatusCode int
	Body       string
}

func (e *tesHTTPError) Error() string {
	return fmt.Sprintf("tes: HTTP %d: %s", e.StatusCode, e.Body)
}
