package vmm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/gomicrovm/ratelimiter"
	"github.com/bobuhiro11/gomicrovm/virtio"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKernelCmdline(t *testing.T) {
	t.Parallel()

	disk := filepath.Join(t.TempDir(), "disk")
	require.NoError(t, os.WriteFile(disk, make([]byte, 512), 0o600))

	r := NewResources(ArchX86)
	assert.Equal(t, DefaultBootArgs, r.kernelCmdline())

	r.BootSource = &BootSource{BootArgs: "console=ttyS0"}
	require.NoError(t, r.PutDrive(Drive{DriveID: "data", PathOnHost: disk}))
	assert.Equal(t, "console=ttyS0", r.kernelCmdline())

	require.NoError(t, r.PutDrive(Drive{DriveID: "root", PathOnHost: disk, IsRootDevice: true}))
	assert.Equal(t, "console=ttyS0 root=/dev/vda rw", r.kernelCmdline())

	require.NoError(t, r.PutDrive(Drive{
		DriveID: "root", PathOnHost: disk, IsRootDevice: true, IsReadOnly: true, PartUUID: "0eaa91a0-01",
	}))
	assert.Equal(t, "console=ttyS0 root=PARTUUID=0eaa91a0-01 ro", r.kernelCmdline())
}

func TestDeviceSpecs(t *testing.T) {
	t.Parallel()

	disk := filepath.Join(t.TempDir(), "disk")
	require.NoError(t, os.WriteFile(disk, make([]byte, 512), 0o600))

	r := NewResources(ArchX86)
	require.NoError(t, r.PutDrive(Drive{DriveID: "data", PathOnHost: disk}))
	require.NoError(t, r.PutNetworkInterface(NetworkInterface{IfaceID: "eth0", HostDevName: "tap0"}))
	require.NoError(t, r.PutDrive(Drive{DriveID: "root", PathOnHost: disk, IsRootDevice: true}))
	require.NoError(t, r.SetEntropy(EntropyConfig{}))
	require.NoError(t, r.SetBalloon(virtio.BalloonConfig{AmountMiB: 1}))

	want := []deviceSpec{
		{virtio.TypeBlock, "root"},
		{virtio.TypeBlock, "data"},
		{virtio.TypeNet, "eth0"},
		{virtio.TypeBalloon, balloonID},
		{virtio.TypeRng, rngID},
	}

	if diff := cmp.Diff(want, r.deviceSpecs(), cmp.AllowUnexported(deviceSpec{})); diff != "" {
		t.Errorf("deviceSpecs mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeLimiter(t *testing.T) {
	t.Parallel()

	bw := &ratelimiter.BucketConfig{Size: 1000, RefillTime: 100}
	ops := &ratelimiter.BucketConfig{Size: 10, RefillTime: 100}

	assert.Nil(t, mergeLimiter(nil, nil))
	assert.Equal(t, &ratelimiter.Config{Ops: ops}, mergeLimiter(nil, &ratelimiter.Config{Ops: ops}))

	cur := &ratelimiter.Config{Bandwidth: bw}
	got := mergeLimiter(cur, &ratelimiter.Config{Ops: ops})
	assert.Equal(t, &ratelimiter.Config{Bandwidth: bw, Ops: ops}, got)
	assert.Nil(t, cur.Ops, "current config must not be modified")
}

func TestStateNames(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		Uninitialized: "Not started",
		Starting:      "Not started",
		Running:       "Running",
		Paused:        "Paused",
		Halted:        "Halted",
	} {
		assert.Equal(t, want, s.infoState(), s.String())
	}
}
