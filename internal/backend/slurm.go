package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const slurmScriptFile = "job.sbatch"

// SlurmOptions configures sbatch submission.
type SlurmOptions struct {
	Partition string
	Account   string
	ExtraArgs []string

	ApptainerBinary string
	ImageDir        string
}

// Slurm submits each attempt as a batch job. Containerized tasks run under
// Apptainer on the compute node; the image is converted once on the
// submitting host, which must share the image directory with the cluster.
type Slurm struct {
	logger *slog.Logger
	runner CommandRunner
	images *sifCache
	opts   SlurmOptions
}

// NewSlurm creates a Slurm backend.
func NewSlurm(opts SlurmOptions, logger *slog.Logger) *Slurm {
	return newSlurmWithRunner(opts, logger, &osCommandRunner{})
}

func newSlurmWithRunner(opts SlurmOptions, logger *slog.Logger, runner CommandRunner) *Slurm {
	logger = logger.With("component", "slurm-backend")
	return &Slurm{
		logger: logger,
		runner: runner,
		images: newSIFCache(opts.ApptainerBinary, opts.ImageDir, runner, logger),
		opts:   opts,
	}
}

func (s *Slurm) Kind() Kind { return KindSlurm }

// Prepare converts image to SIF. Tasks without an image run on the node
// directly.
func (s *Slurm) Prepare(ctx context.Context, image string) (string, error) {
	return s.images.convert(ctx, image)
}

func (s *Slurm) Mapper(job *JobSpec) PathMapper {
	if job.Image == "" {
		return IdentityMapper{}
	}
	return NewContainerMapper(job)
}

func (s *Slurm) Submit(ctx context.Context, job *JobSpec) (Handle, error) {
	script := filepath.Join(job.AttemptDir, slurmScriptFile)
	if err := os.WriteFile(script, []byte(s.batchScript(job)), 0o755); err != nil {
		return "", submissionError(KindSlurm, fmt.Errorf("write batch script: %w", err))
	}

	args := append([]string{"--parsable"}, s.opts.ExtraArgs...)
	args = append(args, script)
	stdout, stderr, code, err := s.runner.Run(ctx, "sbatch", args...)
	if err != nil {
		return "", submissionError(KindSlurm, err)
	}
	if code != 0 {
		return "", submissionError(KindSlurm, fmt.Errorf("sbatch exit %d: %s", code, strings.TrimSpace(stderr)))
	}
	// --parsable prints "jobid" or "jobid;cluster".
	id, _, _ := strings.Cut(strings.TrimSpace(stdout), ";")
	if id == "" {
		return "", submissionError(KindSlurm, fmt.Errorf("sbatch returned no job id"))
	}
	s.logger.Debug("job submitted", "task", job.Task, "attempt", job.Attempt, "job_id", id)
	return Handle(id), nil
}

func (s *Slurm) batchScript(job *JobSpec) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=%s\n", job.Name)
	fmt.Fprintf(&b, "#SBATCH --output=%s\n", job.StdoutPath())
	fmt.Fprintf(&b, "#SBATCH --error=%s\n", job.StderrPath())
	if job.Resources.CPU > 0 {
		fmt.Fprintf(&b, "#SBATCH --cpus-per-task=%d\n", job.Resources.CPU)
	}
	if job.Resources.Memory > 0 {
		mb := (job.Resources.Memory + (1<<20 - 1)) >> 20
		fmt.Fprintf(&b, "#SBATCH --mem=%dM\n", mb)
	}
	if job.Resources.GPU > 0 {
		fmt.Fprintf(&b, "#SBATCH --gres=gpu:%d\n", job.Resources.GPU)
	}
	if s.opts.Partition != "" {
		fmt.Fprintf(&b, "#SBATCH --partition=%s\n", s.opts.Partition)
	}
	if s.opts.Account != "" {
		fmt.Fprintf(&b, "#SBATCH --account=%s\n", s.opts.Account)
	}
	fmt.Fprintf(&b, "cd %s || exit 1\n", shellQuote(job.WorkDir))

	if job.Image == "" {
		for k, v := range job.Env {
			fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(v))
		}
		fmt.Fprintf(&b, "exec /bin/bash %s\n", shellQuote(job.CommandPath()))
		return b.String()
	}
	args := apptainerArgs(s.Mapper(job), job, job.Image, nil)
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	fmt.Fprintf(&b, "exec %s %s\n", s.images.binary, strings.Join(quoted, " "))
	return b.String()
}

func (s *Slurm) Poll(ctx context.Context, h Handle) (Status, error) {
	stdout, stderr, code, err := s.runner.Run(ctx, "sacct",
		"-j", string(h), "-X", "--noheader", "--parsable2", "--format=State,ExitCode")
	if err != nil {
		return Status{}, fmt.Errorf("sacct %s: %w", h, err)
	}
	if code != 0 {
		return Status{}, fmt.Errorf("sacct %s: exit %d: %s", h, code, strings.TrimSpace(stderr))
	}
	line, _, _ := strings.Cut(strings.TrimSpace(stdout), "\n")
	if line == "" {
		// Accounting lags submission; the job is not visible yet.
		return Status{State: StateRunning}, nil
	}
	return parseSacct(line)
}

// parseSacct maps one "STATE|exit:signal" line.
func parseSacct(line string) (Status, error) {
	stateField, exitField, ok := strings.Cut(line, "|")
	if !ok {
		return Status{}, fmt.Errorf("sacct: unexpected output %q", line)
	}
	// "CANCELLED by 1000" carries the canceling uid.
	state, _, _ := strings.Cut(strings.TrimSpace(stateField), " ")
	exitCode := -1
	if c, _, ok := strings.Cut(exitField, ":"); ok {
		if n, err := strconv.Atoi(c); err == nil {
			exitCode = n
		}
	}

	switch state {
	case "PENDING", "CONFIGURING", "RUNNING", "COMPLETING", "REQUEUED", "RESIZING", "SUSPENDED", "REQUEUE_HOLD", "REQUEUE_FED":
		return Status{State: StateRunning}, nil
	case "COMPLETED":
		if exitCode != 0 {
			return Status{State: StateFailed, ExitCode: exitCode}, nil
		}
		return Status{State: StateSucceeded}, nil
	case "FAILED", "OUT_OF_MEMORY", "TIMEOUT", "CANCELLED", "DEADLINE":
		if exitCode == 0 {
			exitCode = -1
		}
		return Status{State: StateFailed, ExitCode: exitCode, Message: state}, nil
	case "NODE_FAIL", "BOOT_FAIL", "PREEMPTED", "LAUNCH_FAILED", "REVOKED":
		return Status{State: StateLost, ExitCode: -1, Message: state}, nil
	default:
		return Status{}, fmt.Errorf("sacct: unknown job state %q", state)
	}
}

func (s *Slurm) Cancel(ctx context.Context, h Handle) error {
	_, stderr, code, err := s.runner.Run(ctx, "scancel", string(h))
	if err != nil {
		return fmt.Errorf("scancel %s: %w", h, err)
	}
	if code != 0 {
		return fmt.Errorf("scancel %s: exit %d: %s", h, code, strings.TrimSpace(stderr))
	}
	return nil
}
