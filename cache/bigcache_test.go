package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/quantcore/amc"
	"github.com/wyfcoding/quantcore/config"
)

func TestSnapshotRoundTrip(t *testing.T) {
	c, err := NewBigCache(time.Minute, 8)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	miss, err := c.GetSnapshot(ctx, "swap-1", 1)
	require.NoError(t, err)
	assert.Nil(t, miss)

	s := &amc.Snapshot{
		TradeID:          "swap-1",
		GraphVersion:     3,
		Currency:         "EUR",
		NPV:              12.5,
		ExposureTimes:    []float64{1, 2},
		ExpectedExposure: []float64{4, 2},
	}
	require.NoError(t, c.PutSnapshot(ctx, s))

	got, err := c.GetSnapshot(ctx, "swap-1", 3)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	// 其他版本不可见
	other, err := c.GetSnapshot(ctx, "swap-1", 2)
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, c.Delete(ctx, amc.SnapshotKey("swap-1", 3), "missing"))
	assert.Equal(t, 0, c.Len())
}

func TestNewFromConfig(t *testing.T) {
	c, err := NewFromConfig(config.CacheConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = NewFromConfig(config.CacheConfig{Enabled: true, TTL: time.Minute, MaxMB: 4})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.NoError(t, c.Close())

	assert.Error(t, c.PutSnapshot(context.Background(), nil))
}
