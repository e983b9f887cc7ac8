package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Docker runs tasks in detached Docker containers using the Docker CLI.
type Docker struct {
	logger    *slog.Logger
	runner    CommandRunner
	binary    string
	extraArgs []string
}

// NewDocker creates a Docker backend. An empty binary means "docker".
func NewDocker(binary string, extraArgs []string, logger *slog.Logger) *Docker {
	return newDockerWithRunner(binary, extraArgs, logger, &osCommandRunner{})
}

// newDockerWithRunner is used by tests to inject a mock CommandRunner.
func newDockerWithRunner(binary string, extraArgs []string, logger *slog.Logger, runner CommandRunner) *Docker {
	if binary == "" {
		binary = "docker"
	}
	return &Docker{
		logger:    logger.With("component", "docker-backend"),
		runner:    runner,
		binary:    binary,
		extraArgs: extraArgs,
	}
}

func (d *Docker) Kind() Kind { return KindDocker }

// Prepare pulls the image unless it is already present locally.
func (d *Docker) Prepare(ctx context.Context, image string) (string, error) {
	if image == "" {
		return "", fmt.Errorf("docker backend requires a container image")
	}
	if _, _, code, err := d.runner.Run(ctx, d.binary, "image", "inspect", image); err == nil && code == 0 {
		return image, nil
	}
	d.logger.Info("pulling image", "image", image)
	_, stderr, code, err := d.runner.Run(ctx, d.binary, "pull", image)
	if err != nil {
		return "", fmt.Errorf("docker pull %s: %w", image, err)
	}
	if code != 0 {
		return "", fmt.Errorf("docker pull %s: exit %d: %s", image, code, strings.TrimSpace(stderr))
	}
	return image, nil
}

func (d *Docker) Mapper(job *JobSpec) PathMapper { return NewContainerMapper(job) }

func (d *Docker) Submit(ctx context.Context, job *JobSpec) (Handle, error) {
	if job.Image == "" {
		return "", submissionError(KindDocker, fmt.Errorf("no image for task %s", job.Task))
	}
	mapper := d.Mapper(job)
	args := []string{"run", "-d", "--name", job.Name}
	for _, m := range mapper.Mounts() {
		spec := m.Host + ":" + m.Guest
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	args = append(args, "-w", mapper.ToGuest(job.WorkDir))
	if job.Resources.CPU > 0 {
		args = append(args, "--cpus", strconv.FormatInt(job.Resources.CPU, 10))
	}
	if job.Resources.Memory > 0 {
		args = append(args, "--memory", strconv.FormatInt(job.Resources.Memory, 10))
	}
	if job.Resources.GPU > 0 {
		args = append(args, "--gpus", strconv.FormatInt(job.Resources.GPU, 10))
	}
	for k, v := range job.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, d.extraArgs...)
	args = append(args, job.Image, "/bin/bash", "-c", guestScript(mapper, job))

	d.logger.Debug("docker run", "task", job.Task, "attempt", job.Attempt, "args", args)
	stdout, stderr, code, err := d.runner.Run(ctx, d.binary, args...)
	if err != nil {
		return "", submissionError(KindDocker, err)
	}
	if code != 0 {
		return "", submissionError(KindDocker, fmt.Errorf("docker run exit %d: %s", code, strings.TrimSpace(stderr)))
	}
	d.logger.Debug("container started", "task", job.Task, "container", strings.TrimSpace(stdout))
	return Handle(job.Name), nil
}

func (d *Docker) Poll(ctx context.Context, h Handle) (Status, error) {
	stdout, stderr, code, err := d.runner.Run(ctx, d.binary,
		"inspect", "--format", "{{.State.Status}} {{.State.ExitCode}}", string(h))
	if err != nil {
		return Status{}, fmt.Errorf("docker inspect %s: %w", h, err)
	}
	if code != 0 {
		if strings.Contains(stderr, "No such") {
			return Status{State: StateLost, ExitCode: -1, Message: "container disappeared"}, nil
		}
		return Status{}, fmt.Errorf("docker inspect %s: exit %d: %s", h, code, strings.TrimSpace(stderr))
	}

	fields := strings.Fields(stdout)
	if len(fields) != 2 {
		return Status{}, fmt.Errorf("docker inspect %s: unexpected output %q", h, stdout)
	}
	switch fields[0] {
	case "created", "running", "restarting", "paused":
		return Status{State: StateRunning}, nil
	case "exited":
		exitCode, err := strconv.Atoi(fields[1])
		if err != nil {
			return Status{}, fmt.Errorf("docker inspect %s: bad exit code %q", h, fields[1])
		}
		d.remove(ctx, h)
		if exitCode == 0 {
			return Status{State: StateSucceeded}, nil
		}
		return Status{State: StateFailed, ExitCode: exitCode}, nil
	default:
		d.remove(ctx, h)
		return Status{State: StateLost, ExitCode: -1, Message: "container " + fields[0]}, nil
	}
}

func (d *Docker) Cancel(ctx context.Context, h Handle) error {
	_, stderr, code, err := d.runner.Run(ctx, d.binary, "rm", "-f", string(h))
	if err != nil {
		return fmt.Errorf("docker rm %s: %w", h, err)
	}
	if code != 0 && !strings.Contains(stderr, "No such") {
		return fmt.Errorf("docker rm %s: exit %d: %s", h, code, strings.TrimSpace(stderr))
	}
	return nil
}

func (d *Docker) remove(ctx context.Context, h Handle) {
	if _, stderr, code, err := d.runner.Run(ctx, d.binary, "rm", string(h)); err != nil || code != 0 {
		d.logger.Warn("container cleanup failed", "container", h, "error", err, "stderr", strings.TrimSpace(stderr))
	}
}

// guestScript runs the command script inside the container with output
// captured into the mounted attempt directory.
func guestScript(m PathMapper, job *JobSpec) string {
	return fmt.Sprintf("/bin/bash %s > %s 2> %s",
		shellQuote(m.ToGuest(job.CommandPath())),
		shellQuote(m.ToGuest(job.StdoutPath())),
		shellQuote(m.ToGuest(job.StderrPath())))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
