package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// sifCache converts OCI image references to SIF files, once per image.
// Concurrent requests for the same image share one conversion.
type sifCache struct {
	logger *slog.Logger
	runner CommandRunner
	binary string
	dir    string

	group singleflight.Group
	mu    sync.Mutex
	done  map[string]string
}

func newSIFCache(binary, dir string, runner CommandRunner, logger *slog.Logger) *sifCache {
	if binary == "" {
		binary = "apptainer"
	}
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "gowdl-images")
	}
	return &sifCache{logger: logger, runner: runner, binary: binary, dir: dir, done: make(map[string]string)}
}

// convert returns the SIF path for image. Existing .sif paths are used as is.
func (c *sifCache) convert(ctx context.Context, image string) (string, error) {
	if image == "" {
		return "", nil
	}
	if strings.HasSuffix(image, ".sif") {
		if _, err := os.Stat(image); err != nil {
			return "", fmt.Errorf("sif image: %w", err)
		}
		return image, nil
	}

	c.mu.Lock()
	if p, ok := c.done[image]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(image, func() (any, error) {
		p, err := c.pull(ctx, image)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.done[image] = p
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *sifCache) pull(ctx context.Context, image string) (string, error) {
	sif := filepath.Join(c.dir, sifName(image))
	if _, err := os.Stat(sif); err == nil {
		return sif, nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("create image cache: %w", err)
	}

	ref := image
	if !strings.Contains(ref, "://") {
		ref = "docker://" + ref
	}
	tmp := sif + ".tmp"
	os.Remove(tmp)
	c.logger.Info("converting image", "image", ref, "sif", sif)
	_, stderr, code, err := c.runner.Run(ctx, c.binary, "pull", tmp, ref)
	if err != nil {
		return "", fmt.Errorf("apptainer pull %s: %w", ref, err)
	}
	if code != 0 {
		return "", fmt.Errorf("apptainer pull %s: exit %d: %s", ref, code, strings.TrimSpace(stderr))
	}
	if err := os.Rename(tmp, sif); err != nil {
		return "", fmt.Errorf("apptainer pull %s: %w", ref, err)
	}
	return sif, nil
}

func sifName(image string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "@", "_")
	return r.Replace(strings.TrimPrefix(image, "docker://")) + ".sif"
}

// apptainerArgs builds the "exec" argument list for running job's command
// script inside sif.
func apptainerArgs(mapper PathMapper, job *JobSpec, sif string, extra []string) []string {
	args := []string{"exec", "--cleanenv"}
	for _, m := range mapper.Mounts() {
		spec := m.Host + ":" + m.Guest
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "--bind", spec)
	}
	args = append(args, "--pwd", mapper.ToGuest(job.WorkDir))
	if job.Resources.GPU > 0 {
		args = append(args, "--nv")
	}
	for k, v := range job.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, extra...)
	return append(args, sif, "/bin/bash", mapper.ToGuest(job.CommandPath()))
}

// Apptainer runs tasks with "apptainer exec" as local processes.
type Apptainer struct {
	logger    *slog.Logger
	images    *sifCache
	procs     *procTable
	binary    string
	extraArgs []string
}

// NewApptainer creates an Apptainer backend caching SIF files in imageDir.
func NewApptainer(binary, imageDir string, extraArgs []string, logger *slog.Logger) *Apptainer {
	return newApptainerWithRunner(binary, imageDir, extraArgs, logger, &osCommandRunner{})
}

func newApptainerWithRunner(binary, imageDir string, extraArgs []string, logger *slog.Logger, runner CommandRunner) *Apptainer {
	logger = logger.With("component", "apptainer-backend")
	images := newSIFCache(binary, imageDir, runner, logger)
	return &Apptainer{
		logger:    logger,
		images:    images,
		procs:     newProcTable(),
		binary:    images.binary,
		extraArgs: extraArgs,
	}
}

func (a *Apptainer) Kind() Kind { return KindApptainer }

func (a *Apptainer) Prepare(ctx context.Context, image string) (string, error) {
	if image == "" {
		return "", fmt.Errorf("apptainer backend requires a container image")
	}
	return a.images.convert(ctx, image)
}

func (a *Apptainer) Mapper(job *JobSpec) PathMapper { return NewContainerMapper(job) }

func (a *Apptainer) Submit(ctx context.Context, job *JobSpec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", submissionError(KindApptainer, err)
	}
	if job.Image == "" {
		return "", submissionError(KindApptainer, fmt.Errorf("no image for task %s", job.Task))
	}
	h := Handle(job.Name)
	args := apptainerArgs(a.Mapper(job), job, job.Image, a.extraArgs)
	a.logger.Debug("apptainer exec", "task", job.Task, "attempt", job.Attempt, "args", args)
	if err := a.procs.start(h, job, a.binary, args...); err != nil {
		return "", submissionError(KindApptainer, err)
	}
	return h, nil
}

func (a *Apptainer) Poll(_ context.Context, h Handle) (Status, error) {
	return a.procs.poll(h), nil
}

func (a *Apptainer) Cancel(_ context.Context, h Handle) error {
	a.procs.cancel(h)
	return nil
}
