package kvm_test

import (
	"testing"

	"github.com/bobuhiro11/gomicrovm/kvm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequiredCapabilities(t *testing.T) {
	t.Parallel()

	// Interrupt delivery, queue notification and vCPU kicks depend on these.
	for _, c := range []kvm.Capability{kvm.CapIRQFD, kvm.CapIOEventFD, kvm.CapImmediateExit, kvm.CapIRQChip, kvm.CapPIT2} {
		assert.Contains(t, kvm.RequiredCapabilities, c, c.String())
	}

	seen := map[kvm.Capability]bool{}
	for _, c := range kvm.RequiredCapabilities {
		assert.False(t, seen[c], "%v listed twice", c)
		seen[c] = true

		assert.NotContains(t, c.String(), "Capability(", "%d has no name", uint(c))
	}
}

func TestCapabilityNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "CapIRQFD", kvm.CapIRQFD.String())
	assert.Equal(t, "CapIOEventFD", kvm.CapIOEventFD.String())
	assert.Equal(t, "CapImmediateExit", kvm.CapImmediateExit.String())
	assert.Equal(t, "Capability(4096)", kvm.Capability(4096).String())
}

func TestCheckCapabilities(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	require.NoError(t, kvm.CheckCapabilities(devKVM.Fd(), kvm.RequiredCapabilities))

	n, err := kvm.CheckExtension(devKVM.Fd(), kvm.CapNRVCPUs)
	require.NoError(t, err)
	assert.Positive(t, n)

	err = kvm.CheckCapabilities(devKVM.Fd(), []kvm.Capability{kvm.CapIRQFD, kvm.Capability(4096)})
	require.ErrorIs(t, err, kvm.ErrMissingCapability)
	assert.Contains(t, err.Error(), "Capability(4096)")
}
