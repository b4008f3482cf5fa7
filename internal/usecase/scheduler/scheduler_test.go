package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kailas-cloud/backfill/internal/domain"
	"github.com/kailas-cloud/backfill/internal/metrics"
	"github.com/kailas-cloud/backfill/internal/usecase/backfill"
)

type fakePasser struct {
	mu    sync.Mutex
	calls []time.Time
	fn    func(call int) (backfill.PassResult, error)
}

func (f *fakePasser) RunPass(_ context.Context) (backfill.PassResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, time.Now())
	n := len(f.calls)
	fn := f.fn
	f.mu.Unlock()

	if fn == nil {
		return backfill.PassResult{}, nil
	}
	return fn(n)
}

func (f *fakePasser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakePasser) times() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...)
}

func runAsync(ctx context.Context, s *Scheduler) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return done
}

func TestRun_ContinuesAfterFailingPasses(t *testing.T) {
	interval := 20 * time.Millisecond
	p := &fakePasser{fn: func(call int) (backfill.PassResult, error) {
		switch call {
		case 1:
			return backfill.PassResult{}, errors.New("search engine unreachable")
		case 2:
			panic("nil map")
		default:
			return backfill.PassResult{Processed: 1}, nil
		}
	}}
	s, err := New(p, interval, zap.NewNop())
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.PassErrorsTotal)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)

	require.Eventually(t, func() bool { return p.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PassErrorsTotal)-before)

	// No immediate retry after a failure: the full interval elapses.
	times := p.times()
	for i := 1; i < 3; i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), interval*9/10)
	}
}

func TestRun_StopsPromptlyDuringWait(t *testing.T) {
	p := &fakePasser{}
	s, err := New(p, time.Hour, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)

	require.Eventually(t, func() bool { return p.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, s.State())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop within a second of cancellation")
	}
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, 1, p.count())
}

func TestRun_CancelledPassIsNotAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakePasser{fn: func(_ int) (backfill.PassResult, error) {
		cancel()
		return backfill.PassResult{}, context.Canceled
	}}
	s, err := New(p, time.Hour, zap.NewNop())
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.PassErrorsTotal)
	<-runAsync(ctx, s)

	assert.Equal(t, before, testutil.ToFloat64(metrics.PassErrorsTotal))
}

func TestRun_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &fakePasser{}
	s, err := New(p, time.Millisecond, zap.NewNop())
	require.NoError(t, err)

	s.Run(ctx)
	assert.Zero(t, p.count())
	assert.Equal(t, StateStopped, s.State())
}

func TestOnce(t *testing.T) {
	p := &fakePasser{fn: func(_ int) (backfill.PassResult, error) {
		return backfill.PassResult{Found: 4, Processed: 3}, nil
	}}
	s, err := New(p, 0, nil)
	require.NoError(t, err)

	n, err := s.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, p.count())
	assert.Equal(t, StateStopped, s.State())
}

func TestOnce_Error(t *testing.T) {
	p := &fakePasser{fn: func(_ int) (backfill.PassResult, error) {
		return backfill.PassResult{Processed: 1}, context.Canceled
	}}
	s, err := New(p, 0, nil)
	require.NoError(t, err)

	n, err := s.Once(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
}

func TestNew(t *testing.T) {
	s, err := New(&fakePasser{}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, s.Interval())

	_, err = New(&fakePasser{}, -time.Second, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}
