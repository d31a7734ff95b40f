package virtio_test

import (
	"bytes"
	"testing"

	"github.com/bobuhiro11/gomicrovm/ratelimiter"
	"github.com/bobuhiro11/gomicrovm/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRngFill(t *testing.T) {
	t.Parallel()

	tr, r := newRngTransport(t)
	driverInit(t, tr, version1, r)

	r.add(seg{addr: 0x40000, len: 64, write: true}, seg{addr: 0x41000, len: 64, write: true})
	kick(t, tr, 0)

	require.Equal(t, uint16(1), r.usedIdx())

	_, n := r.usedElem(0)
	assert.Equal(t, uint32(128), n)

	for _, addr := range []int64{0x40000, 0x41000} {
		got := make([]byte, 64)
		_, err := r.mem.ReadAt(got, addr)
		require.NoError(t, err)
		assert.NotEqual(t, make([]byte, 64), got)
	}
}

func TestRngRateLimited(t *testing.T) {
	t.Parallel()

	mem := newGuestMemory(t)

	rng, err := virtio.NewRng(&ratelimiter.Config{
		Bandwidth: &ratelimiter.BucketConfig{Size: 64, RefillTime: 1000},
	})
	require.NoError(t, err)

	t.Cleanup(func() { rng.Close() })

	tr := virtio.NewMMIOTransport(mem, rng)
	r := newRing(t, mem, 0x10000)
	driverInit(t, tr, version1, r)

	r.add(seg{addr: 0x40000, len: 64, write: true})
	r.add(seg{addr: 0x41000, len: 64, write: true})
	kick(t, tr, 0)

	assert.Equal(t, uint16(1), r.usedIdx())

	// The throttled buffer stays untouched.
	got := make([]byte, 64)
	_, err = r.mem.ReadAt(got, 0x41000)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(make([]byte, 64), got))
}

func TestRngReadOnlyChain(t *testing.T) {
	t.Parallel()

	tr, r := newRngTransport(t)
	driverInit(t, tr, version1, r)

	r.add(seg{addr: 0x40000, len: 64})
	kick(t, tr, 0)

	require.Equal(t, uint16(1), r.usedIdx())

	_, n := r.usedElem(0)
	assert.Equal(t, uint32(0), n)
	assert.False(t, tr.Device().Failed())
}
