package ratelimiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hour = 3600 * 1000

func TestReserveSpendsBurstFirst(t *testing.T) {
	t.Parallel()

	b := newBucket(&BucketConfig{Size: 10, OneTimeBurst: 4, RefillTime: hour})
	now := time.Now()

	g, d := b.reserve(now, 3)
	require.Zero(t, d)
	assert.Nil(t, g.res)
	assert.EqualValues(t, 1, b.oneTime)

	g, d = b.reserve(now, 5)
	require.Zero(t, d)
	assert.NotNil(t, g.res)
	assert.EqualValues(t, 0, b.oneTime)

	g.cancel(now)
	assert.EqualValues(t, 1, b.oneTime)
}

func TestFailedConsumeKeepsBurst(t *testing.T) {
	t.Parallel()

	r, err := New(Config{
		Ops:       &BucketConfig{Size: 1, OneTimeBurst: 2, RefillTime: hour},
		Bandwidth: &BucketConfig{Size: 100, RefillTime: hour},
	})
	require.NoError(t, err)

	defer r.Close()

	assert.True(t, r.Consume(100))
	assert.EqualValues(t, 1, r.ops.oneTime)

	// The bandwidth bucket is empty, so the ops burst must be handed back.
	assert.False(t, r.Consume(100))
	assert.True(t, r.Blocked())
	assert.EqualValues(t, 1, r.ops.oneTime)
}
