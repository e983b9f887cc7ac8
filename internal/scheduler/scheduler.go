// Package scheduler admits task executions against a bounded resource
// envelope. Callers acquire a grant sized to a task's resource request and
// release it when the execution ends.
package scheduler

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/procfs"

	"github.com/me/gowdl/internal/metrics"
	"github.com/me/gowdl/pkg/model"
)

// HostLimits selects whether CPU and memory are accounted against the
// envelope.
type HostLimits string

const (
	// Enforce accounts every resource; a request larger than the envelope
	// can never be admitted.
	Enforce HostLimits = "enforce"
	// Ignore leaves CPU and memory to an external batch scheduler. Requests
	// larger than the envelope are clamped.
	Ignore HostLimits = "ignore"
)

// Envelope is the total capacity available for admission. A zero Disk
// means disk is not accounted.
type Envelope struct {
	CPU       int64 `json:"cpu"`
	Memory    int64 `json:"memory"`
	GPU       int64 `json:"gpu"`
	Disk      int64 `json:"disk"`
	Unlimited bool  `json:"unlimited"`
}

func (e Envelope) String() string {
	if e.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("cpu=%d memory=%s gpu=%d disk=%s",
		e.CPU, humanize.IBytes(uint64(e.Memory)), e.GPU, humanize.IBytes(uint64(e.Disk)))
}

// Request is the amount of each resource one execution needs.
type Request struct {
	CPU    int64 `json:"cpu"`
	Memory int64 `json:"memory"`
	GPU    int64 `json:"gpu"`
	Disk   int64 `json:"disk"`
}

func (r Request) add(o Request) Request {
	return Request{r.CPU + o.CPU, r.Memory + o.Memory, r.GPU + o.GPU, r.Disk + o.Disk}
}

func (r Request) sub(o Request) Request {
	return Request{r.CPU - o.CPU, r.Memory - o.Memory, r.GPU - o.GPU, r.Disk - o.Disk}
}

// fits reports whether r can be taken out of free.
func (r Request) fits(free Request) bool {
	return r.CPU <= free.CPU && r.Memory <= free.Memory && r.GPU <= free.GPU && r.Disk <= free.Disk
}

// Scheduler is the single owner of the resource envelope. Waiters are
// admitted in arrival order: a blocked head of the queue is never overtaken.
type Scheduler struct {
	mu     sync.Mutex
	env    Envelope
	limits HostLimits
	used   Request
	queue  *list.List
	logger *slog.Logger
}

type waiter struct {
	req   Request
	ready chan struct{}
}

// New creates a scheduler over env.
func New(env Envelope, limits HostLimits, logger *slog.Logger) *Scheduler {
	if limits == "" {
		limits = Enforce
	}
	return &Scheduler{
		env:    env,
		limits: limits,
		queue:  list.New(),
		logger: logger.With("component", "scheduler"),
	}
}

// Envelope returns the configured capacity.
func (s *Scheduler) Envelope() Envelope {
	return s.env
}

// Grant is an admitted allocation. Release returns it to the envelope and
// may be called more than once.
type Grant struct {
	// Request is the allocation after clamping.
	Request Request
	// Waited is the time spent queued.
	Waited time.Duration

	s        *Scheduler
	reserved Request
	once     sync.Once
}

// Release returns the grant's resources.
func (g *Grant) Release() {
	if g == nil || g.s == nil {
		return
	}
	g.once.Do(func() {
		g.s.mu.Lock()
		defer g.s.mu.Unlock()
		g.s.used = g.s.used.sub(g.reserved)
		g.s.dispatchLocked()
	})
}

// Acquire blocks until req can be admitted or ctx is done. An unlimited
// envelope admits immediately.
func (s *Scheduler) Acquire(ctx context.Context, req Request) (*Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.NewCanceledError(err)
	}
	if s.env.Unlimited {
		return &Grant{Request: req}, nil
	}

	req, reserved, err := s.normalize(req)
	if err != nil {
		return nil, err
	}
	g := &Grant{Request: req, s: s, reserved: reserved}
	start := time.Now()

	s.mu.Lock()
	if s.queue.Len() == 0 && reserved.fits(s.freeLocked()) {
		s.used = s.used.add(reserved)
		s.publishLocked()
		s.mu.Unlock()
		metrics.ObserveAdmissionWait(0)
		return g, nil
	}
	w := &waiter{req: reserved, ready: make(chan struct{})}
	elem := s.queue.PushBack(w)
	metrics.SetWaiters(s.queue.Len())
	s.logger.Debug("waiting for resources",
		"cpu", req.CPU, "memory", humanize.IBytes(uint64(req.Memory)), "queued", s.queue.Len())
	s.mu.Unlock()

	select {
	case <-w.ready:
		g.Waited = time.Since(start)
		metrics.ObserveAdmissionWait(g.Waited)
		return g, nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	select {
	case <-w.ready:
		// Admitted while ctx was being canceled; hand it back.
		s.mu.Unlock()
		g.Release()
	default:
		s.queue.Remove(elem)
		s.dispatchLocked()
		s.mu.Unlock()
	}
	return nil, model.NewCanceledError(ctx.Err())
}

// normalize validates req against the envelope and returns the request as
// granted and the portion reserved from the envelope.
func (s *Scheduler) normalize(req Request) (Request, Request, error) {
	if req.CPU < 0 || req.Memory < 0 || req.GPU < 0 || req.Disk < 0 {
		return req, req, model.NewValidationError("negative resource request %+v", req)
	}
	if s.env.Disk <= 0 {
		req.Disk = 0
	}

	if s.limits == Ignore {
		clamped := req
		clamped.CPU = min(req.CPU, s.env.CPU)
		clamped.Memory = min(req.Memory, s.env.Memory)
		clamped.GPU = min(req.GPU, s.env.GPU)
		if s.env.Disk > 0 {
			clamped.Disk = min(req.Disk, s.env.Disk)
		}
		if clamped != req {
			s.logger.Warn("resource request exceeds envelope, clamping",
				"requested_cpu", req.CPU, "requested_memory", humanize.IBytes(uint64(req.Memory)),
				"requested_gpu", req.GPU, "envelope", s.env.String())
		}
		reserved := clamped
		reserved.CPU, reserved.Memory = 0, 0
		return clamped, reserved, nil
	}

	if req.CPU > s.env.CPU || req.Memory > s.env.Memory || req.GPU > s.env.GPU ||
		(s.env.Disk > 0 && req.Disk > s.env.Disk) {
		return req, req, model.NewError(model.ErrResourceUnsatisfiable, nil,
			"request cpu=%d memory=%s gpu=%d disk=%s exceeds envelope %s",
			req.CPU, humanize.IBytes(uint64(req.Memory)), req.GPU, humanize.IBytes(uint64(req.Disk)), s.env)
	}
	return req, req, nil
}

func (s *Scheduler) freeLocked() Request {
	free := Request{CPU: s.env.CPU, Memory: s.env.Memory, GPU: s.env.GPU, Disk: s.env.Disk}.sub(s.used)
	if s.limits == Ignore {
		free.CPU, free.Memory = 0, 0
	}
	return free
}

// dispatchLocked admits waiters from the head of the queue while they fit.
func (s *Scheduler) dispatchLocked() {
	for e := s.queue.Front(); e != nil; e = s.queue.Front() {
		w := e.Value.(*waiter)
		if !w.req.fits(s.freeLocked()) {
			break
		}
		s.used = s.used.add(w.req)
		s.queue.Remove(e)
		close(w.ready)
	}
	s.publishLocked()
}

func (s *Scheduler) publishLocked() {
	metrics.SetInUse(s.used.CPU, s.used.Memory, s.used.GPU, s.used.Disk)
	metrics.SetWaiters(s.queue.Len())
}

// InUse returns the resources currently granted.
func (s *Scheduler) InUse() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Available returns the resources not currently granted. It is meaningless
// for an unlimited envelope.
func (s *Scheduler) Available() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Request{CPU: s.env.CPU, Memory: s.env.Memory, GPU: s.env.GPU, Disk: s.env.Disk}.sub(s.used)
}

// Waiting returns the number of queued acquisitions.
func (s *Scheduler) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// HostEnvelope probes the local host's CPU count and total memory. GPU and
// disk are left at zero.
func HostEnvelope() (Envelope, error) {
	env := Envelope{CPU: int64(runtime.NumCPU())}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return env, fmt.Errorf("probe host memory: %w", err)
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return env, fmt.Errorf("probe host memory: %w", err)
	}
	if mi.MemTotal == nil {
		return env, fmt.Errorf("probe host memory: MemTotal missing from meminfo")
	}
	env.Memory = int64(*mi.MemTotal) * 1024
	return env, nil
}
