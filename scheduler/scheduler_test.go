package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newNop() *zap.Logger { return zap.NewNop() }

func TestAddTicker_Fires(t *testing.T) {
	s := New(newNop())
	defer s.Stop()

	var count int32
	s.AddTicker("tick", 20*time.Millisecond, func(context.Context) {
		atomic.AddInt32(&count, 1)
	})

	time.Sleep(120 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&count), int32(3))
}

func TestAddTicker_Replaces(t *testing.T) {
	s := New(newNop())
	defer s.Stop()

	var count1, count2 int32
	s.AddTicker("task", 20*time.Millisecond, func(context.Context) { atomic.AddInt32(&count1, 1) })
	time.Sleep(30 * time.Millisecond)
	s.AddTicker("task", 20*time.Millisecond, func(context.Context) { atomic.AddInt32(&count2, 1) })
	time.Sleep(80 * time.Millisecond)

	// Old ticker should have stopped, new one should be running
	snap1 := atomic.LoadInt32(&count1)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, snap1, atomic.LoadInt32(&count1), "old ticker must stop after replacement")
	assert.Positive(t, atomic.LoadInt32(&count2))
}

func TestAddDelay_FiresOnce(t *testing.T) {
	s := New(newNop())
	defer s.Stop()

	var count int32
	s.AddDelay("once", 30*time.Millisecond, func(context.Context) {
		atomic.AddInt32(&count, 1)
	})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestAddDelay_ReplacesCancelsOld(t *testing.T) {
	s := New(newNop())
	defer s.Stop()

	var count int32
	// Schedule with long delay, then replace immediately
	s.AddDelay("d", 500*time.Millisecond, func(context.Context) { atomic.AddInt32(&count, 1) })
	s.AddDelay("d", 30*time.Millisecond, func(context.Context) { atomic.AddInt32(&count, 10) })
	time.Sleep(100 * time.Millisecond)
	// Only the second delay should have fired (value 10), not both
	v := atomic.LoadInt32(&count)
	assert.Equal(t, int32(10), v)
}

func TestRemove_Ticker(t *testing.T) {
	s := New(newNop())
	defer s.Stop()

	var count int32
	s.AddTicker("task", 20*time.Millisecond, func(context.Context) { atomic.AddInt32(&count, 1) })
	time.Sleep(50 * time.Millisecond)
	s.Remove("task")
	snap := atomic.LoadInt32(&count)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, snap, atomic.LoadInt32(&count), "ticker must stop after Remove")
}

func TestRemove_Delay(t *testing.T) {
	s := New(newNop())
	defer s.Stop()

	var count int32
	s.AddDelay("d", 100*time.Millisecond, func(context.Context) { atomic.AddInt32(&count, 1) })
	s.Remove("d")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func TestRemove_NonExistent(t *testing.T) {
	s := New(newNop())
	defer s.Stop()
	// Must not panic
	s.Remove("nope")
}

func TestStop_StopsAllTickers(t *testing.T) {
	s := New(newNop())

	var c1, c2 int32
	s.AddTicker("a", 20*time.Millisecond, func(context.Context) { atomic.AddInt32(&c1, 1) })
	s.AddTicker("b", 20*time.Millisecond, func(context.Context) { atomic.AddInt32(&c2, 1) })
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	// Give goroutines time to observe the stop signal before snapping counts.
	time.Sleep(30 * time.Millisecond)
	snap1, snap2 := atomic.LoadInt32(&c1), atomic.LoadInt32(&c2)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, snap1, atomic.LoadInt32(&c1))
	assert.Equal(t, snap2, atomic.LoadInt32(&c2))
}

func TestStop_Idempotent(t *testing.T) {
	s := New(newNop())
	s.Stop()
	s.Stop() // must not panic on double-stop
}

func TestListTickers(t *testing.T) {
	s := New(newNop())
	defer s.Stop()

	require.Empty(t, s.ListTickers())
	s.AddTicker("alpha", time.Hour, func(context.Context) {})
	s.AddTicker("beta", time.Hour, func(context.Context) {})
	names := s.ListTickers()
	assert.Len(t, names, 2)
	assert.Contains(t, names, "alpha")
	assert.Contains(t, names, "beta")
}

func TestListTickers_AfterRemove(t *testing.T) {
	s := New(newNop())
	defer s.Stop()

	s.AddTicker("x", time.Hour, func(context.Context) {})
	s.AddTicker("y", time.Hour, func(context.Context) {})
	s.Remove("x")
	assert.Equal(t, []string{"y"}, s.ListTickers())
}

func TestTicker_PanicRecovery(t *testing.T) {
	s := New(newNop())
	defer s.Stop()

	var calls int32
	s.AddTicker("panic", 20*time.Millisecond, func(context.Context) {
		atomic.AddInt32(&calls, 1)
		panic("oops")
	})
	// After the panic the ticker goroutine should keep running
	time.Sleep(100 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestTasks_ReportsRuns(t *testing.T) {
	s := New(newNop())
	defer s.Stop()

	s.AddTicker("b", time.Hour, func(context.Context) {})
	s.AddTicker("a", 20*time.Millisecond, func(context.Context) {})

	require.Eventually(t, func() bool {
		for _, info := range s.Tasks() {
			if info.Name == "a" && info.Runs > 0 {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	tasks := s.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].Name)
	assert.NotNil(t, tasks[0].LastRun)
	assert.Equal(t, "b", tasks[1].Name)
	assert.Equal(t, time.Hour, tasks[1].Interval)
	assert.Nil(t, tasks[1].LastRun)
}

func TestStop_CancelsTaskContext(t *testing.T) {
	s := New(newNop())
	started := make(chan struct{})
	finished := make(chan error, 1)
	s.AddDelay("wait", time.Millisecond, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		finished <- ctx.Err()
	})
	<-started
	s.Stop()
	select {
	case err := <-finished:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled")
	}
}

func TestStop_CancelsPendingDelay(t *testing.T) {
	s := New(newNop())
	var count int32
	s.AddDelay("later", 50*time.Millisecond, func(context.Context) { atomic.AddInt32(&count, 1) })
	s.Stop()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}

type fakeReaper struct {
	timeout time.Duration
	n       int
}

func (r *fakeReaper) ReapIdle(_ context.Context, timeout time.Duration) int {
	r.timeout = timeout
	return r.n
}

type fakePruner struct {
	before time.Time
	err    error
}

func (p *fakePruner) Prune(_ context.Context, before time.Time) (int64, error) {
	p.before = before
	return 3, p.err
}

func TestSessionReaper_PassesTimeout(t *testing.T) {
	r := &fakeReaper{n: 2}
	SessionReaper(r, 10*time.Minute, newNop())(context.Background())
	assert.Equal(t, 10*time.Minute, r.timeout)
}

func TestLogPrune_UsesRetentionCutoff(t *testing.T) {
	p := &fakePruner{}
	LogPrune(p, 24*time.Hour, newNop())(context.Background())
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), p.before, time.Second)

	// Errors are logged, not propagated.
	p.err = errors.New("db gone")
	LogPrune(p, time.Hour, newNop())(context.Background())
}
