package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobuhiro11/gomicrovm/api"
	"github.com/bobuhiro11/gomicrovm/logger"
	"github.com/bobuhiro11/gomicrovm/metrics"
	"github.com/bobuhiro11/gomicrovm/mmds"
	"github.com/bobuhiro11/gomicrovm/ratelimiter"
	"github.com/bobuhiro11/gomicrovm/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParse(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		method string
		path   string
		body   string
		want   vmm.Action
	}{
		{"GET", "/", "", vmm.GetInstanceInfo{}},
		{"PUT", "/actions", `{"action_type": "InstanceStart"}`, vmm.InstanceStart{}},
		{"PUT", "/actions", `{"action_type": "Pause"}`, vmm.Pause{}},
		{"PUT", "/actions", `{"action_type": "Resume"}`, vmm.Resume{}},
		{"PUT", "/actions", `{"action_type": "FlushMetrics"}`, vmm.FlushMetrics{}},
		{"PUT", "/actions", `{"action_type": "SendCtrlAltDel"}`, vmm.SendCtrlAltDel{}},
		{
			"PUT", "/boot-source", `{"kernel_image_path": "vmlinux", "boot_args": "console=ttyS0"}`,
			vmm.ConfigureBootSource{BootSource: vmm.BootSource{KernelImagePath: "vmlinux", BootArgs: "console=ttyS0"}},
		},
		{
			"PUT", "/drives/rootfs",
			`{"drive_id": "rootfs", "path_on_host": "r.ext4", "is_root_device": true, "is_read_only": false,
			  "rate_limiter": {"bandwidth": {"size": 1000, "refill_time": 100}}}`,
			vmm.PutDrive{Drive: vmm.Drive{
				DriveID:      "rootfs",
				PathOnHost:   "r.ext4",
				IsRootDevice: true,
				RateLimiter:  &ratelimiter.Config{Bandwidth: &ratelimiter.BucketConfig{Size: 1000, RefillTime: 100}},
			}},
		},
		{
			"PATCH", "/drives/rootfs/", `{"drive_id": "rootfs", "path_on_host": "new.ext4"}`,
			vmm.PatchDrive{Update: vmm.DriveUpdate{DriveID: "rootfs", PathOnHost: ptr("new.ext4")}},
		},
		{
			"PUT", "/network-interfaces/eth0", `{"iface_id": "eth0", "host_dev_name": "tap0"}`,
			vmm.PutNetworkInterface{Iface: vmm.NetworkInterface{IfaceID: "eth0", HostDevName: "tap0"}},
		},
		{"GET", "/machine-config", "", vmm.GetMachineConfig{}},
		{
			"PUT", "/machine-config", `{"vcpu_count": 2, "mem_size_mib": 256}`,
			vmm.PutMachineConfig{Config: vmm.MachineConfig{VCPUCount: 2, MemSizeMiB: 256}},
		},
		{
			"PATCH", "/machine-config", `{"vcpu_count": 4}`,
			vmm.PatchMachineConfig{Update: vmm.MachineConfigUpdate{VCPUCount: ptr(4)}},
		},
		{"GET", "/vm/config", "", vmm.GetVMConfig{}},
		{"PATCH", "/vm", `{"state": "Paused"}`, vmm.PatchVM{State: vmm.VMStateUpdate{State: vmm.VMStatePaused}}},
		{
			"PUT", "/logger", `{"log_path": "/tmp/log", "level": "Debug"}`,
			vmm.ConfigureLogger{Config: logger.Config{LogPath: "/tmp/log", Level: "Debug"}},
		},
		{
			"PUT", "/metrics", `{"metrics_path": "/tmp/metrics"}`,
			vmm.ConfigureMetrics{Config: vmm.MetricsConfig{MetricsPath: "/tmp/metrics"}},
		},
		{"GET", "/balloon", "", vmm.GetBalloon{}},
		{"GET", "/balloon/statistics", "", vmm.GetBalloonStats{}},
		{"PATCH", "/balloon", `{"amount_mib": 16}`, vmm.PatchBalloon{Update: vmm.BalloonUpdate{AmountMiB: 16}}},
		{"PUT", "/entropy", `{}`, vmm.PutEntropy{}},
		{"GET", "/mmds", "", vmm.GetMMDS{}},
		{"PUT", "/mmds", `{"latest": {}}`, vmm.PutMMDS{Data: json.RawMessage(`{"latest": {}}`)}},
		{
			"PUT", "/mmds/config", `{"network_interfaces": ["eth0"], "version": "V2"}`,
			vmm.PutMMDSConfig{Config: mmds.Config{NetworkInterfaces: []string{"eth0"}, Version: mmds.V2}},
		},
		{
			"PUT", "/snapshot/create", `{"snapshot_type": "Diff", "snapshot_path": "s", "mem_file_path": "m"}`,
			vmm.CreateSnapshot{Params: vmm.SnapshotCreateParams{SnapshotType: "Diff", SnapshotPath: "s", MemFilePath: "m"}},
		},
		{
			"PUT", "/snapshot/load",
			`{"snapshot_path": "s", "mem_backend": {"backend_type": "Uffd", "backend_path": "/uffd.sock"}, "resume_vm": true}`,
			vmm.LoadSnapshot{Params: vmm.SnapshotLoadParams{
				SnapshotPath: "s",
				MemBackend:   vmm.MemBackend{BackendType: vmm.MemBackendUffd, BackendPath: "/uffd.sock"},
				ResumeVM:     true,
			}},
		},
		{
			"PUT", "/snapshot/load", `{"snapshot_path": "s", "mem_file_path": "m"}`,
			vmm.LoadSnapshot{Params: vmm.SnapshotLoadParams{
				SnapshotPath: "s",
				MemBackend:   vmm.MemBackend{BackendType: vmm.MemBackendFile, BackendPath: "m"},
			}},
		},
	} {
		a, err := api.Parse(tt.method, tt.path, []byte(tt.body))
		require.NoError(t, err, "%s %s", tt.method, tt.path)
		assert.Equal(t, tt.want, a, "%s %s", tt.method, tt.path)
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name   string
		method string
		path   string
		body   string
		status int
		msg    string
		is     error
	}{
		{"unknown resource", "GET", "/nope", "", http.StatusNotFound, "invalid request path", api.ErrUnknownRoute},
		{"unknown sub resource", "GET", "/vm/nope", "", http.StatusNotFound, "", api.ErrUnknownRoute},
		{"bad method", "DELETE", "/machine-config", "", http.StatusMethodNotAllowed, "DELETE", nil},
		{"get boot source", "GET", "/boot-source", "", http.StatusMethodNotAllowed, "", nil},
		{"missing id", "PUT", "/drives", `{}`, http.StatusBadRequest, "", api.ErrMissingID},
		{
			"id mismatch", "PUT", "/drives/a",
			`{"drive_id": "b", "path_on_host": "p", "is_root_device": false, "is_read_only": false}`,
			http.StatusBadRequest, "", vmm.ErrPathIDMismatch,
		},
		{"missing field", "PUT", "/boot-source", `{"boot_args": "x"}`, http.StatusBadRequest, "kernel_image_path", nil},
		{
			"drive without read only", "PUT", "/drives/a",
			`{"drive_id": "a", "path_on_host": "p", "is_root_device": false}`,
			http.StatusBadRequest, "is_read_only", nil,
		},
		{"logger without level", "PUT", "/logger", `{"log_path": "/tmp/log"}`, http.StatusBadRequest, "level", nil},
		{
			"unknown field", "PUT", "/boot-source", `{"kernel_image_path": "k", "bogus": 1}`,
			http.StatusBadRequest, "bogus", nil,
		},
		{"wrong type", "PUT", "/machine-config", `{"vcpu_count": "two", "mem_size_mib": 1}`, http.StatusBadRequest, "vcpu_count", nil},
		{"empty body", "PUT", "/entropy", "", http.StatusBadRequest, "", api.ErrEmptyBody},
		{"bad json", "PUT", "/entropy", "{", http.StatusBadRequest, "", nil},
		{"bad action", "PUT", "/actions", `{"action_type": "Reboot"}`, http.StatusBadRequest, "action_type", nil},
		{"bad vm state", "PATCH", "/vm", `{"state": "Stopped"}`, http.StatusBadRequest, "state", nil},
		{"mmds not object", "PUT", "/mmds", `[1, 2]`, http.StatusBadRequest, "", nil},
		{
			"both memory backends", "PUT", "/snapshot/load",
			`{"snapshot_path": "s", "mem_file_path": "m", "mem_backend": {"backend_type": "File", "backend_path": "m"}}`,
			http.StatusBadRequest, "", api.ErrMemBackend,
		},
		{"no memory backend", "PUT", "/snapshot/load", `{"snapshot_path": "s"}`, http.StatusBadRequest, "", api.ErrMemBackend},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := api.Parse(tt.method, tt.path, []byte(tt.body))
			require.Error(t, err)
			assert.Equal(t, tt.status, api.StatusOf(err))
			assert.Contains(t, err.Error(), tt.msg)

			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestStatusOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusInternalServerError, api.StatusOf(errors.New("boom")))

	for _, k := range []vmm.ErrorKind{vmm.ConfigError, vmm.BuildError, vmm.NotSupported, vmm.Runtime} {
		assert.Equal(t, http.StatusBadRequest, api.StatusOf(&vmm.ActionError{Kind: k, Err: errors.New("x")}), k.String())
	}

	assert.Equal(t, http.StatusInternalServerError,
		api.StatusOf(&vmm.ActionError{Kind: vmm.Internal, Err: errors.New("x")}))
}

type fakeVMM struct {
	mu      sync.Mutex
	actions []vmm.Action
}

func (f *fakeVMM) Submit(a vmm.Action) (any, error) {
	f.mu.Lock()
	f.actions = append(f.actions, a)
	f.mu.Unlock()

	switch a.(type) {
	case vmm.GetInstanceInfo:
		return vmm.InstanceInfo{ID: "fake", State: "Running"}, nil
	case vmm.Pause:
		return nil, &vmm.ActionError{Kind: vmm.NotSupported, Err: vmm.ErrNotRunning}
	case vmm.FlushMetrics:
		return nil, errors.New("disk on fire")
	}

	return nil, nil
}

func ptr[T any](v T) *T {
	return &v
}

// serve runs s on a fresh socket until the test ends and returns a client
// talking to it.
func serve(t *testing.T, s *api.Server) *http.Client {
	t.Helper()

	dir, err := os.MkdirTemp("", "api")
	require.NoError(t, err)

	sock := filepath.Join(dir, "api.sock")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- s.Serve(ctx, sock) }()

	client := &http.Client{Transport: &http.Transport{
		DisableKeepAlives: true,
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer

			return d.DialContext(ctx, "unix", sock)
		},
	}}

	require.Eventually(t, func() bool {
		_, err := os.Stat(sock)

		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		client.CloseIdleConnections()
		cancel()
		assert.NoError(t, <-done)
		os.RemoveAll(dir)
	})

	return client
}

func do(t *testing.T, c *http.Client, method, path, body string) (int, string) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, "http://localhost"+path, strings.NewReader(body))
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(b)
}

func TestServer(t *testing.T) { // nolint:paralleltest
	f := &fakeVMM{}
	c := serve(t, api.New(f, 128))

	status, body := do(t, c, "GET", "/", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"id": "fake", "state": "Running", "vmm_version": "", "app_name": ""}`, body)

	before := metrics.M.API.BootSourceCount.Count()
	status, body = do(t, c, "PUT", "/boot-source", `{"kernel_image_path": "vmlinux"}`)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Empty(t, body)
	assert.Equal(t, before+1, metrics.M.API.BootSourceCount.Count())

	status, body = do(t, c, "PATCH", "/vm", `{"state": "Paused"}`)
	assert.Equal(t, http.StatusNoContent, status, body)

	status, body = do(t, c, "PUT", "/actions", `{"action_type": "FlushMetrics"}`)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.JSONEq(t, `{"fault_message": "disk on fire"}`, body)

	status, body = do(t, c, "PUT", "/actions", `{"action_type": "Pause"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, vmm.ErrNotRunning.Error())

	status, body = do(t, c, "PUT", "/actions", `{"action_type": "Resume"}`)
	assert.Equal(t, http.StatusNoContent, status, body)

	fails := metrics.M.API.DrivesFails.Count()
	status, body = do(t, c, "PUT", "/drives/a", `{"drive_id": "b", "path_on_host": "p", "is_root_device": false, "is_read_only": false}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, "fault_message")
	assert.Equal(t, fails+1, metrics.M.API.DrivesFails.Count())

	status, _ = do(t, c, "POST", "/machine-config", "")
	assert.Equal(t, http.StatusMethodNotAllowed, status)

	status, _ = do(t, c, "GET", "/no/such/thing", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = do(t, c, "PUT", "/mmds", `{"k": "`+strings.Repeat("v", 200)+`"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, "larger than the limit of 128")

	f.mu.Lock()
	defer f.mu.Unlock()

	assert.Equal(t, []vmm.Action{
		vmm.GetInstanceInfo{},
		vmm.ConfigureBootSource{BootSource: vmm.BootSource{KernelImagePath: "vmlinux"}},
		vmm.PatchVM{State: vmm.VMStateUpdate{State: vmm.VMStatePaused}},
		vmm.FlushMetrics{},
		vmm.Pause{},
		vmm.Resume{},
	}, f.actions)
}

func TestServerWithController(t *testing.T) { // nolint:paralleltest
	v, err := vmm.New(vmm.Config{ID: "api-test", Console: io.Discard})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		_, err := v.Run(ctx)
		assert.NoError(t, err)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	c := serve(t, api.New(v, api.DefaultMaxPayload))

	status, body := do(t, c, "GET", "/", "")
	require.Equal(t, http.StatusOK, status)

	var info vmm.InstanceInfo
	require.NoError(t, json.Unmarshal([]byte(body), &info))
	assert.Equal(t, "api-test", info.ID)
	assert.Equal(t, "Not started", info.State)

	status, body = do(t, c, "PUT", "/actions", `{"action_type": "InstanceStart"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, vmm.ErrMissingBootSource.Error())

	status, _ = do(t, c, "PATCH", "/machine-config", `{"vcpu_count": 2}`)
	assert.Equal(t, http.StatusNoContent, status)

	status, body = do(t, c, "GET", "/machine-config", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"vcpu_count":2`)

	status, body = do(t, c, "PATCH", "/vm", `{"state": "Paused"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, vmm.ErrNotSupportedPreBoot.Error())

	for _, action := range []string{"Pause", "Resume"} {
		status, body = do(t, c, "PUT", "/actions", `{"action_type": "`+action+`"}`)
		assert.Equal(t, http.StatusBadRequest, status, action)
		assert.Contains(t, body, vmm.ErrNotSupportedPreBoot.Error(), action)
	}

	status, body = do(t, c, "GET", "/", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"state":"Not started"`)
}
