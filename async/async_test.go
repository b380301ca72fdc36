package async

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromiseResolvesOnce(t *testing.T) {
	f, resolve := NewPromise[int]()
	select {
	case <-f.Done():
		t.Fatal("promise resolved before resolve was called")
	default:
	}

	resolve(7, nil)
	resolve(8, errors.New("late"))

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestFutureGetHonoursContext(t *testing.T) {
	f, _ := NewPromise[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewFutureRecoversPanic(t *testing.T) {
	ok := NewFuture(context.Background(), func(context.Context) (float64, error) { return 1.5, nil })
	v, err := ok.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	bad := NewFuture(context.Background(), func(context.Context) (float64, error) { panic("boom") })
	_, err = bad.Get(context.Background())
	assert.ErrorIs(t, err, ErrPanicRecovered)
}

func TestRunGroup(t *testing.T) {
	var g RunGroup
	sentinel := errors.New("batch failed")
	g.Go(func() error { return nil })
	g.Go(func() error { return sentinel })
	assert.ErrorIs(t, g.Wait(), sentinel)

	var p RunGroup
	p.Go(func() error { panic("boom") })
	assert.ErrorIs(t, p.Wait(), ErrPanicRecovered)
}
