package scheduler

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/gowdl/pkg/model"
)

const gb = int64(1) << 30

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// acquireAsync starts an acquisition and returns a channel delivering its
// result.
func acquireAsync(s *Scheduler, ctx context.Context, req Request) <-chan *Grant {
	ch := make(chan *Grant, 1)
	go func() {
		g, err := s.Acquire(ctx, req)
		if err != nil {
			close(ch)
			return
		}
		ch <- g
	}()
	return ch
}

func waitQueued(t *testing.T, s *Scheduler, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Waiting() == n }, time.Second, time.Millisecond)
}

func TestAcquire_TwoOfThreeAdmitted(t *testing.T) {
	s := New(Envelope{CPU: 4, Memory: 8 * gb}, Enforce, testLogger())
	req := Request{CPU: 2, Memory: 4 * gb}
	ctx := context.Background()

	g1, err := s.Acquire(ctx, req)
	require.NoError(t, err)
	g2, err := s.Acquire(ctx, req)
	require.NoError(t, err)

	third := acquireAsync(s, ctx, req)
	waitQueued(t, s, 1)
	select {
	case <-third:
		t.Fatal("third acquisition admitted while envelope is full")
	case <-time.After(20 * time.Millisecond):
	}

	g1.Release()
	g3 := <-third
	require.NotNil(t, g3)
	assert.Equal(t, Request{CPU: 4, Memory: 8 * gb}, s.InUse())

	g2.Release()
	g3.Release()
	g3.Release() // idempotent
	assert.Equal(t, Request{}, s.InUse())
}

func TestAcquire_NeverExceedsEnvelope(t *testing.T) {
	env := Envelope{CPU: 8, Memory: 16 * gb, GPU: 2}
	s := New(env, Enforce, testLogger())

	var (
		mu   sync.Mutex
		used Request
		bad  bool
		wg   sync.WaitGroup
	)
	for i := 0; i < 64; i++ {
		req := Request{
			CPU:    int64(1 + rand.Intn(4)),
			Memory: int64(1+rand.Intn(8)) * gb,
			GPU:    int64(rand.Intn(2)),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := s.Acquire(context.Background(), req)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			used = used.add(req)
			if used.CPU > env.CPU || used.Memory > env.Memory || used.GPU > env.GPU {
				bad = true
			}
			mu.Unlock()
			time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
			mu.Lock()
			used = used.sub(req)
			mu.Unlock()
			g.Release()
		}()
	}
	wg.Wait()
	assert.False(t, bad, "concurrent grants exceeded the envelope")
	assert.Equal(t, Request{}, s.InUse())
}

func TestAcquire_FIFOHeadOfLine(t *testing.T) {
	s := New(Envelope{CPU: 4, Memory: 8 * gb}, Enforce, testLogger())
	ctx := context.Background()

	g1, err := s.Acquire(ctx, Request{CPU: 3, Memory: gb})
	require.NoError(t, err)

	big := acquireAsync(s, ctx, Request{CPU: 4, Memory: gb})
	waitQueued(t, s, 1)
	small := acquireAsync(s, ctx, Request{CPU: 1, Memory: gb})
	waitQueued(t, s, 2)

	select {
	case <-small:
		t.Fatal("small request overtook the blocked head")
	case <-time.After(20 * time.Millisecond):
	}

	g1.Release()
	gBig := <-big
	require.NotNil(t, gBig)
	waitQueued(t, s, 1)
	gBig.Release()
	gSmall := <-small
	require.NotNil(t, gSmall)
	gSmall.Release()
}

func TestAcquire_CancelRemovesWaiter(t *testing.T) {
	s := New(Envelope{CPU: 2, Memory: 2 * gb}, Enforce, testLogger())
	g1, err := s.Acquire(context.Background(), Request{CPU: 1, Memory: gb})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	blocked := acquireAsync(s, ctx, Request{CPU: 2, Memory: gb})
	waitQueued(t, s, 1)
	behind := acquireAsync(s, context.Background(), Request{CPU: 1, Memory: gb})
	waitQueued(t, s, 2)

	cancel()
	_, ok := <-blocked
	assert.False(t, ok, "canceled acquisition should fail")

	// Removing the blocked head lets the waiter behind it in.
	g2 := <-behind
	require.NotNil(t, g2)
	assert.Equal(t, 0, s.Waiting())
	g1.Release()
	g2.Release()
}

func TestAcquire_CanceledError(t *testing.T) {
	s := New(Envelope{CPU: 1, Memory: gb}, Enforce, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Acquire(ctx, Request{CPU: 1})
	require.Error(t, err)
	assert.True(t, model.IsCanceled(err))
}

func TestAcquire_Unsatisfiable(t *testing.T) {
	s := New(Envelope{CPU: 4, Memory: 8 * gb}, Enforce, testLogger())
	_, err := s.Acquire(context.Background(), Request{CPU: 8, Memory: gb})
	require.Error(t, err)
	assert.Equal(t, model.ErrResourceUnsatisfiable, model.CodeOf(err))

	_, err = s.Acquire(context.Background(), Request{GPU: 1})
	assert.Equal(t, model.ErrResourceUnsatisfiable, model.CodeOf(err))
}

func TestAcquire_IgnoreHostLimits(t *testing.T) {
	s := New(Envelope{CPU: 4, Memory: 8 * gb}, Ignore, testLogger())
	ctx := context.Background()

	var grants []*Grant
	for i := 0; i < 10; i++ {
		g, err := s.Acquire(ctx, Request{CPU: 16, Memory: 64 * gb})
		require.NoError(t, err)
		assert.Equal(t, int64(4), g.Request.CPU, "cpu clamped to envelope")
		assert.Equal(t, 8*gb, g.Request.Memory, "memory clamped to envelope")
		grants = append(grants, g)
	}
	assert.Equal(t, Request{}, s.InUse(), "cpu and memory are not accounted")
	for _, g := range grants {
		g.Release()
	}
}

func TestAcquire_Unlimited(t *testing.T) {
	s := New(Envelope{Unlimited: true}, Enforce, testLogger())
	for i := 0; i < 100; i++ {
		g, err := s.Acquire(context.Background(), Request{CPU: 1000, Memory: 1000 * gb, GPU: 8})
		require.NoError(t, err)
		defer g.Release()
	}
	assert.Equal(t, 0, s.Waiting())
}

func TestAcquire_DiskUnaccountedWhenZero(t *testing.T) {
	s := New(Envelope{CPU: 1, Memory: gb}, Enforce, testLogger())
	g, err := s.Acquire(context.Background(), Request{CPU: 1, Disk: 100 * gb})
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.InUse().Disk)
	g.Release()
}

func TestHostEnvelope(t *testing.T) {
	env, err := HostEnvelope()
	if err != nil {
		t.Skipf("host probing unavailable: %v", err)
	}
	assert.Positive(t, env.CPU)
	assert.Positive(t, env.Memory)
}
