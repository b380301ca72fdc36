package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/wyfcoding/quantcore/async"
	"github.com/wyfcoding/quantcore/metrics"
)

func TestSubmitRunsEveryTask(t *testing.T) {
	p := NewPool(WithName("batches"), WithSize(3), WithQueueSize(2))
	defer p.Stop()

	var (
		wg    sync.WaitGroup
		count atomic.Int32
	)
	for range 20 {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func(context.Context) {
			defer wg.Done()
			count.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(20), count.Load())
	assert.Equal(t, 3, p.Active())
	assert.Equal(t, "batches", p.Name())
}

func TestGoReturnsResultsAndPanics(t *testing.T) {
	p := NewPool(WithSize(2))
	defer p.Stop()
	ctx := context.Background()

	f, err := Go(ctx, p, func(context.Context) ([]float64, error) { return []float64{1, 2}, nil })
	require.NoError(t, err)
	v, err := f.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, v)

	sentinel := errors.New("singular regression")
	f, err = Go(ctx, p, func(context.Context) ([]float64, error) { return nil, sentinel })
	require.NoError(t, err)
	_, err = f.Get(ctx)
	assert.ErrorIs(t, err, sentinel)

	f, err = Go(ctx, p, func(context.Context) ([]float64, error) { panic("boom") })
	require.NoError(t, err)
	_, err = f.Get(ctx)
	assert.ErrorIs(t, err, async.ErrPanicRecovered)
}

func TestTrySubmitWhenFull(t *testing.T) {
	p := NewPool(WithSize(1), WithQueueSize(0))
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	assert.ErrorIs(t, p.TrySubmit(func(context.Context) {}), ErrPoolFull)
	assert.ErrorIs(t, p.SubmitWithTimeout(func(context.Context) {}, 10*time.Millisecond), ErrTaskTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Submit(ctx, func(context.Context) {}), context.Canceled)

	close(release)
	p.Stop()
	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) {}), ErrPoolClosed)
	p.Stop()
}

func TestPanicHandlerAndMetrics(t *testing.T) {
	m := metrics.NewMetrics("quantcore")
	recovered := make(chan any, 1)
	p := NewPool(
		WithName("xva"),
		WithSize(2),
		WithMetrics(m),
		WithPanicHandler(func(r any) { recovered <- r }),
	)

	require.NoError(t, p.Submit(context.Background(), func(context.Context) { panic("bad path") }))
	assert.Equal(t, "bad path", <-recovered)

	count, err := testutil.GatherAndCount(m.Gatherer(), "worker_pool_active_workers")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	p.Stop()
	assert.Equal(t, 0, p.Active())
}

func TestStopFailsQueuedFutures(t *testing.T) {
	p := NewPool(WithSize(1), WithQueueSize(4))
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})

	running, err := Go(ctx, p, func(context.Context) (int, error) {
		close(started)
		<-release
		return 1, nil
	})
	require.NoError(t, err)
	<-started
	var ran atomic.Bool
	queued, err := Go(ctx, p, func(context.Context) (int, error) {
		ran.Store(true)
		return 2, nil
	})
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool {
		select {
		case <-p.quit:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	close(release)
	<-stopped

	v, err := running.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = queued.Get(waitCtx)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.False(t, ran.Load())
}

func TestSubmitCarriesTrace(t *testing.T) {
	prevProvider, prevPropagator := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(sdktrace.NewTracerProvider())
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})

	p := NewPool(WithSize(1))
	defer p.Stop()
	ctx, span := otel.Tracer("worker-test").Start(context.Background(), "xva.run")
	defer span.End()

	got := make(chan trace.SpanContext, 1)
	require.NoError(t, p.Submit(ctx, func(taskCtx context.Context) {
		got <- trace.SpanContextFromContext(taskCtx)
	}))
	sc := <-got
	assert.Equal(t, span.SpanContext().TraceID(), sc.TraceID())
	assert.True(t, sc.IsRemote())

	// 没有链路时任务直接收到基础上下文
	require.NoError(t, p.Submit(context.Background(), func(taskCtx context.Context) {
		got <- trace.SpanContextFromContext(taskCtx)
	}))
	assert.False(t, (<-got).IsValid())
}
