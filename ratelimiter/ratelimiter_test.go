package ratelimiter_test

import (
	"testing"
	"time"

	"github.com/bobuhiro11/gomicrovm/ratelimiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, ratelimiter.Config{}.Validate())
	require.ErrorIs(t,
		ratelimiter.Config{Ops: &ratelimiter.BucketConfig{Size: 1}}.Validate(),
		ratelimiter.ErrInvalidBucket)
}

func TestUnlimited(t *testing.T) {
	t.Parallel()

	r, err := ratelimiter.New(ratelimiter.Config{})
	require.NoError(t, err)

	defer r.Close()

	for i := 0; i < 1000; i++ {
		require.True(t, r.Consume(1<<20))
	}
}

func TestOpsThrottle(t *testing.T) {
	t.Parallel()

	r, err := ratelimiter.New(ratelimiter.Config{
		Ops: &ratelimiter.BucketConfig{Size: 2, RefillTime: 50},
	})
	require.NoError(t, err)

	defer r.Close()

	assert.True(t, r.Consume(0))
	assert.True(t, r.Consume(0))
	assert.False(t, r.Consume(0))
	assert.True(t, r.Blocked())

	// The timer fires once the bucket has refilled.
	deadline := time.Now().Add(5 * time.Second)

	for r.Blocked() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, r.Event())
	}

	assert.False(t, r.Blocked())
	assert.True(t, r.Consume(0))
}

func TestOneTimeBurst(t *testing.T) {
	t.Parallel()

	r, err := ratelimiter.New(ratelimiter.Config{
		Bandwidth: &ratelimiter.BucketConfig{Size: 100, OneTimeBurst: 1000, RefillTime: 1000},
	})
	require.NoError(t, err)

	defer r.Close()

	assert.True(t, r.Consume(1000))
	assert.True(t, r.Consume(100))
	assert.False(t, r.Consume(100))
}
