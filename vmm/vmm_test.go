package vmm_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/bobuhiro11/gomicrovm/mmds"
	"github.com/bobuhiro11/gomicrovm/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newVMM(t *testing.T) *vmm.VMM {
	t.Helper()

	v, err := vmm.New(vmm.Config{ID: "test-vm", Arch: vmm.ArchX86, Console: io.Discard})
	require.NoError(t, err)

	return v
}

// run serves v until the test ends.
func run(t *testing.T, v *vmm.VMM) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		code, err := v.Run(ctx)
		assert.NoError(t, err)
		assert.Equal(t, vmm.ExitOK, code)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestInstanceInfo(t *testing.T) {
	t.Parallel()

	v := newVMM(t)
	run(t, v)

	body, err := v.Submit(vmm.GetInstanceInfo{})
	require.NoError(t, err)
	assert.Equal(t, vmm.InstanceInfo{
		ID:         "test-vm",
		State:      "Not started",
		VMMVersion: vmm.Version,
		AppName:    vmm.AppName,
	}, body)
}

func TestPreBootPolicy(t *testing.T) {
	t.Parallel()

	v := newVMM(t)
	run(t, v)

	for _, a := range []vmm.Action{
		vmm.Pause{},
		vmm.Resume{},
		vmm.SendCtrlAltDel{},
		vmm.PatchVM{State: vmm.VMStateUpdate{State: vmm.VMStatePaused}},
		vmm.CreateSnapshot{Params: vmm.SnapshotCreateParams{SnapshotPath: "s", MemFilePath: "m"}},
		vmm.PatchDrive{Update: vmm.DriveUpdate{DriveID: "root"}},
		vmm.PatchBalloon{},
		vmm.GetBalloonStats{},
	} {
		_, err := v.Submit(a)
		require.Error(t, err, a.Name())
		assert.Equal(t, vmm.NotSupported, vmm.KindOf(err), a.Name())
		assert.ErrorIs(t, err, vmm.ErrNotSupportedPreBoot, a.Name())
		assert.Equal(t, vmm.Uninitialized, v.State())
	}
}

func TestInstanceStartWithoutKernel(t *testing.T) {
	t.Parallel()

	v := newVMM(t)

	_, err := v.Handle(vmm.InstanceStart{})
	require.ErrorIs(t, err, vmm.ErrMissingBootSource)
	assert.Equal(t, vmm.ConfigError, vmm.KindOf(err))
	assert.Equal(t, vmm.Uninitialized, v.State())

	_, err = v.Handle(vmm.ConfigureBootSource{BootSource: vmm.BootSource{KernelImagePath: "/nonexistent/vmlinux"}})
	require.ErrorIs(t, err, vmm.ErrKernelFile)
	assert.Equal(t, vmm.ConfigError, vmm.KindOf(err))

	runAndStop(t, v)
}

// runAndStop releases a VMM that was only used through Handle.
func runAndStop(t *testing.T, v *vmm.VMM) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, err := v.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, vmm.ExitOK, code)
	assert.Equal(t, vmm.Halted, v.State())
}

func TestMachineConfigActions(t *testing.T) {
	t.Parallel()

	v := newVMM(t)
	run(t, v)

	body, err := v.Submit(vmm.GetMachineConfig{})
	require.NoError(t, err)
	assert.Equal(t, vmm.DefaultMachineConfig(), body)

	_, err = v.Submit(vmm.PutMachineConfig{Config: vmm.MachineConfig{VCPUCount: 2, MemSizeMiB: 256}})
	require.NoError(t, err)

	four := 4
	_, err = v.Submit(vmm.PatchMachineConfig{Update: vmm.MachineConfigUpdate{VCPUCount: &four}})
	require.NoError(t, err)

	bad := 64
	_, err = v.Submit(vmm.PatchMachineConfig{Update: vmm.MachineConfigUpdate{VCPUCount: &bad}})
	require.ErrorIs(t, err, vmm.ErrVCPUCount)
	assert.Equal(t, vmm.ConfigError, vmm.KindOf(err))

	body, err = v.Submit(vmm.GetVMConfig{})
	require.NoError(t, err)

	cfg, ok := body.(vmm.VMConfig)
	require.True(t, ok)
	require.NotNil(t, cfg.MachineConfig)
	assert.Equal(t, 4, cfg.MachineConfig.VCPUCount)
	assert.EqualValues(t, 256, cfg.MachineConfig.MemSizeMiB)
}

func TestMMDSActions(t *testing.T) {
	t.Parallel()

	v := newVMM(t)
	run(t, v)

	_, err := v.Submit(vmm.PatchMMDS{Data: json.RawMessage(`{"a":1}`)})
	require.ErrorIs(t, err, mmds.ErrNotInitialized)

	_, err = v.Submit(vmm.PutMMDS{Data: json.RawMessage(`{"latest":{"meta-data":{"id":"i-1"}}}`)})
	require.NoError(t, err)

	_, err = v.Submit(vmm.PatchMMDS{Data: json.RawMessage(`{"latest":{"meta-data":{"zone":"a"}}}`)})
	require.NoError(t, err)

	body, err := v.Submit(vmm.GetMMDS{})
	require.NoError(t, err)

	raw, ok := body.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"latest":{"meta-data":{"id":"i-1","zone":"a"}}}`, string(raw))

	_, err = v.Submit(vmm.PutMMDSConfig{Config: mmds.Config{NetworkInterfaces: []string{"eth0"}}})
	require.ErrorIs(t, err, vmm.ErrUnknownIface)
}

func TestGetBalloonWithoutDevice(t *testing.T) {
	t.Parallel()

	v := newVMM(t)
	run(t, v)

	_, err := v.Submit(vmm.GetBalloon{})
	require.ErrorIs(t, err, vmm.ErrNoBalloon)
}

func TestLoadSnapshotAfterConfig(t *testing.T) {
	t.Parallel()

	v := newVMM(t)
	run(t, v)

	_, err := v.Submit(vmm.PutEntropy{})
	require.NoError(t, err)

	_, err = v.Submit(vmm.LoadSnapshot{Params: vmm.SnapshotLoadParams{
		SnapshotPath: "snap",
		MemBackend:   vmm.MemBackend{BackendType: vmm.MemBackendFile, BackendPath: "mem"},
	}})
	require.ErrorIs(t, err, vmm.ErrLoadAfterConfig)
	assert.Equal(t, vmm.NotSupported, vmm.KindOf(err))
}

func TestLoadSnapshotBadBackend(t *testing.T) {
	t.Parallel()

	v := newVMM(t)
	run(t, v)

	_, err := v.Submit(vmm.LoadSnapshot{Params: vmm.SnapshotLoadParams{
		SnapshotPath: "snap",
		MemBackend:   vmm.MemBackend{BackendType: "Disk", BackendPath: "mem"},
	}})
	require.ErrorIs(t, err, vmm.ErrMemBackend)
	assert.Equal(t, vmm.ConfigError, vmm.KindOf(err))

	_, err = v.Submit(vmm.LoadSnapshot{Params: vmm.SnapshotLoadParams{
		SnapshotPath: "/nonexistent/snap",
		MemBackend:   vmm.MemBackend{BackendType: vmm.MemBackendFile, BackendPath: "mem"},
	}})
	require.Error(t, err)
	assert.Equal(t, vmm.BuildError, vmm.KindOf(err))
	assert.Equal(t, vmm.Uninitialized, v.State())
}

func TestSubmitAfterRun(t *testing.T) {
	t.Parallel()

	v := newVMM(t)
	runAndStop(t, v)

	select {
	case <-v.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Run returned")
	}

	_, err := v.Submit(vmm.GetInstanceInfo{})
	require.ErrorIs(t, err, vmm.ErrHalted)
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, vmm.Internal, vmm.KindOf(errors.New("plain")))
	assert.Equal(t, "NotSupported", vmm.NotSupported.String())

	err := &vmm.ActionError{Kind: vmm.Runtime, Err: vmm.ErrNotPaused}
	assert.ErrorIs(t, err, vmm.ErrNotPaused)
	assert.Equal(t, vmm.Runtime, vmm.KindOf(err))
}

func TestValidateID(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		id string
		ok bool
	}{
		{"anonymous-instance", true},
		{"a", true},
		{"551e7604-e35c-42b3", true},
		{strings.Repeat("a", vmm.MaxIDLen), true},
		{strings.Repeat("a", vmm.MaxIDLen+1), false},
		{"", false},
		{"with space", false},
		{"under_score", false},
		{"ünicode", false},
	} {
		err := vmm.ValidateID(tt.id)
		if tt.ok {
			assert.NoError(t, err, tt.id)
		} else {
			assert.ErrorIs(t, err, vmm.ErrInvalidID, tt.id)
		}
	}
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	c, err := vmm.ParseConfig([]byte(`{
		"boot-source": {"kernel_image_path": "vmlinux", "boot_args": "console=ttyS0"},
		"drives": [{"drive_id": "rootfs", "path_on_host": "rootfs.ext4", "is_root_device": true, "is_read_only": false}],
		"machine-config": {"vcpu_count": 2, "mem_size_mib": 1024},
		"network-interfaces": [{"iface_id": "eth0", "host_dev_name": "tap0"}],
		"mmds-config": {"network_interfaces": ["eth0"]},
		"entropy": {}
	}`))
	require.NoError(t, err)

	var names []string
	for _, a := range c.Actions() {
		names = append(names, a.Name())
	}

	assert.Equal(t, []string{
		"PutMachineConfiguration",
		"ConfigureBootSource",
		"InsertBlockDevice",
		"InsertNetworkDevice",
		"SetEntropyDevice",
		"SetMmdsConfiguration",
		"InstanceStart",
	}, names)

	_, err = vmm.ParseConfig([]byte(`{"boot-source": {"kernel_image_path": "k"}, "bogus": 1}`))
	require.Error(t, err)
}
