package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bobuhiro11/gomicrovm/logger"
	"github.com/bobuhiro11/gomicrovm/metrics"
	"github.com/bobuhiro11/gomicrovm/mmds"
	"github.com/bobuhiro11/gomicrovm/virtio"
	"github.com/bobuhiro11/gomicrovm/vmm"
)

// Error is a request refused before it reaches the controller.
type Error struct {
	Status int
	Err    error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrEmptyBody    = errors.New("the request body is empty")
	ErrMissingID    = errors.New("the request path is missing the resource id")
	ErrMemBackend   = errors.New("exactly one of mem_backend and mem_file_path must be set")
	ErrUnknownRoute = errors.New("invalid request path")
)

func badRequest(format string, args ...any) error {
	return &Error{Status: http.StatusBadRequest, Err: fmt.Errorf(format, args...)}
}

type handler func(id string, body []byte) (vmm.Action, error)

type route struct {
	count   *metrics.Counter
	fails   *metrics.Counter
	methods map[string]handler
}

func (r *route) fail() {
	if r.fails != nil {
		r.fails.Inc()
	}
}

// routes is keyed by the request path without slashes at either end. A
// trailing "{id}" element matches any single non-empty element.
var routes = map[string]*route{
	"": {
		count:   &metrics.M.API.InstanceInfo,
		methods: map[string]handler{http.MethodGet: get(vmm.GetInstanceInfo{})},
	},
	"actions": {
		count:   &metrics.M.API.ActionsCount,
		fails:   &metrics.M.API.ActionsFails,
		methods: map[string]handler{http.MethodPut: parseAction},
	},
	"boot-source": {
		count: &metrics.M.API.BootSourceCount,
		methods: map[string]handler{http.MethodPut: func(_ string, body []byte) (vmm.Action, error) {
			b, err := decode[vmm.BootSource]("boot-source", body)
			return vmm.ConfigureBootSource{BootSource: b}, err
		}},
	},
	"drives/{id}": {
		count: &metrics.M.API.DrivesCount,
		fails: &metrics.M.API.DrivesFails,
		methods: map[string]handler{
			http.MethodPut: func(id string, body []byte) (vmm.Action, error) {
				d, err := decode[vmm.Drive]("drive", body)
				if err == nil {
					err = checkID(id, d.DriveID)
				}

				return vmm.PutDrive{Drive: d}, err
			},
			http.MethodPatch: func(id string, body []byte) (vmm.Action, error) {
				u, err := decode[vmm.DriveUpdate]("drive-update", body)
				if err == nil {
					err = checkID(id, u.DriveID)
				}

				return vmm.PatchDrive{Update: u}, err
			},
		},
	},
	"network-interfaces/{id}": {
		count: &metrics.M.API.NetworkCount,
		fails: &metrics.M.API.NetworkFails,
		methods: map[string]handler{
			http.MethodPut: func(id string, body []byte) (vmm.Action, error) {
				n, err := decode[vmm.NetworkInterface]("network-interface", body)
				if err == nil {
					err = checkID(id, n.IfaceID)
				}

				return vmm.PutNetworkInterface{Iface: n}, err
			},
			http.MethodPatch: func(id string, body []byte) (vmm.Action, error) {
				u, err := decode[vmm.NetworkInterfaceUpdate]("network-interface-update", body)
				if err == nil {
					err = checkID(id, u.IfaceID)
				}

				return vmm.PatchNetworkInterface{Update: u}, err
			},
		},
	},
	"machine-config": {
		count: &metrics.M.API.MachineCfgCount,
		fails: &metrics.M.API.MachineCfgFails,
		methods: map[string]handler{
			http.MethodGet: get(vmm.GetMachineConfig{}),
			http.MethodPut: func(_ string, body []byte) (vmm.Action, error) {
				c, err := decode[vmm.MachineConfig]("machine-config", body)
				return vmm.PutMachineConfig{Config: c}, err
			},
			http.MethodPatch: func(_ string, body []byte) (vmm.Action, error) {
				u, err := decode[vmm.MachineConfigUpdate]("machine-config-update", body)
				return vmm.PatchMachineConfig{Update: u}, err
			},
		},
	},
	"vm": {
		count: &metrics.M.API.VMCount,
		methods: map[string]handler{http.MethodPatch: func(_ string, body []byte) (vmm.Action, error) {
			s, err := decode[vmm.VMStateUpdate]("vm", body)
			return vmm.PatchVM{State: s}, err
		}},
	},
	"vm/config": {
		count:   &metrics.M.API.VMCount,
		methods: map[string]handler{http.MethodGet: get(vmm.GetVMConfig{})},
	},
	"logger": {
		count: &metrics.M.API.LoggerCount,
		methods: map[string]handler{http.MethodPut: func(_ string, body []byte) (vmm.Action, error) {
			c, err := decode[logger.Config]("logger", body)
			return vmm.ConfigureLogger{Config: c}, err
		}},
	},
	"metrics": {
		count: &metrics.M.API.MetricsCount,
		methods: map[string]handler{http.MethodPut: func(_ string, body []byte) (vmm.Action, error) {
			c, err := decode[vmm.MetricsConfig]("metrics", body)
			return vmm.ConfigureMetrics{Config: c}, err
		}},
	},
	"balloon": {
		count: &metrics.M.API.BalloonCount,
		methods: map[string]handler{
			http.MethodGet: get(vmm.GetBalloon{}),
			http.MethodPut: func(_ string, body []byte) (vmm.Action, error) {
				c, err := decode[virtio.BalloonConfig]("balloon", body)
				return vmm.PutBalloon{Config: c}, err
			},
			http.MethodPatch: func(_ string, body []byte) (vmm.Action, error) {
				u, err := decode[vmm.BalloonUpdate]("balloon-update", body)
				return vmm.PatchBalloon{Update: u}, err
			},
		},
	},
	"balloon/statistics": {
		count: &metrics.M.API.BalloonCount,
		methods: map[string]handler{
			http.MethodGet: get(vmm.GetBalloonStats{}),
			http.MethodPatch: func(_ string, body []byte) (vmm.Action, error) {
				u, err := decode[vmm.BalloonStatsUpdate]("balloon-stats-update", body)
				return vmm.PatchBalloonStats{Update: u}, err
			},
		},
	},
	"entropy": {
		count: &metrics.M.API.EntropyCount,
		methods: map[string]handler{http.MethodPut: func(_ string, body []byte) (vmm.Action, error) {
			c, err := decode[vmm.EntropyConfig]("entropy", body)
			return vmm.PutEntropy{Config: c}, err
		}},
	},
	"mmds": {
		count: &metrics.M.API.MmdsCount,
		methods: map[string]handler{
			http.MethodGet: get(vmm.GetMMDS{}),
			http.MethodPut: func(_ string, body []byte) (vmm.Action, error) {
				data, err := rawObject(body)
				return vmm.PutMMDS{Data: data}, err
			},
			http.MethodPatch: func(_ string, body []byte) (vmm.Action, error) {
				data, err := rawObject(body)
				return vmm.PatchMMDS{Data: data}, err
			},
		},
	},
	"mmds/config": {
		count: &metrics.M.API.MmdsCount,
		methods: map[string]handler{http.MethodPut: func(_ string, body []byte) (vmm.Action, error) {
			c, err := decode[mmds.Config]("mmds-config", body)
			return vmm.PutMMDSConfig{Config: c}, err
		}},
	},
	"snapshot/create": {
		count: &metrics.M.API.SnapshotCount,
		fails: &metrics.M.API.SnapshotFails,
		methods: map[string]handler{http.MethodPut: func(_ string, body []byte) (vmm.Action, error) {
			p, err := decode[vmm.SnapshotCreateParams]("snapshot-create", body)
			return vmm.CreateSnapshot{Params: p}, err
		}},
	},
	"snapshot/load": {
		count:   &metrics.M.API.SnapshotCount,
		fails:   &metrics.M.API.SnapshotFails,
		methods: map[string]handler{http.MethodPut: parseSnapshotLoad},
	},
}

// Parse turns one HTTP request into a controller action.
func Parse(method, path string, body []byte) (vmm.Action, error) {
	r, id, err := match(method, path)
	if err != nil {
		return nil, err
	}

	return r.methods[method](id, body)
}

func match(method, path string) (*route, string, error) {
	path = strings.Trim(path, "/")

	r, ok := routes[path]
	id := ""

	if !ok {
		if prefix, last, found := strings.Cut(path, "/"); found && !strings.Contains(last, "/") {
			r, ok = routes[prefix+"/{id}"]
			id = last
		} else if _, found := routes[path+"/{id}"]; found {
			return nil, "", &Error{Status: http.StatusBadRequest, Err: ErrMissingID}
		}
	}

	if !ok {
		metrics.M.API.NotFound.Inc()

		return nil, "", &Error{Status: http.StatusNotFound, Err: fmt.Errorf("%w: /%s", ErrUnknownRoute, path)}
	}

	if _, ok := r.methods[method]; !ok {
		metrics.M.API.MethodNotAllowed.Inc()

		return nil, "", &Error{
			Status: http.StatusMethodNotAllowed,
			Err:    fmt.Errorf("invalid request method %s for /%s", method, path),
		}
	}

	return r, id, nil
}

func get(a vmm.Action) handler {
	return func(string, []byte) (vmm.Action, error) {
		return a, nil
	}
}

func decode[T any](schema string, body []byte) (T, error) {
	var v T

	if len(bytes.TrimSpace(body)) == 0 {
		return v, &Error{Status: http.StatusBadRequest, Err: ErrEmptyBody}
	}

	if err := validate(schema, body); err != nil {
		return v, err
	}

	if err := json.Unmarshal(body, &v); err != nil {
		return v, badRequest("invalid request body: %v", err)
	}

	return v, nil
}

func checkID(pathID, bodyID string) error {
	if pathID != bodyID {
		return &Error{Status: http.StatusBadRequest, Err: vmm.ErrPathIDMismatch}
	}

	return nil
}

func rawObject(body []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &Error{Status: http.StatusBadRequest, Err: ErrEmptyBody}
	}

	if err := validate("mmds", body); err != nil {
		return nil, err
	}

	return bytes.Clone(body), nil
}

func parseAction(_ string, body []byte) (vmm.Action, error) {
	a, err := decode[struct {
		ActionType string `json:"action_type"`
	}]("actions", body)
	if err != nil {
		return nil, err
	}

	switch a.ActionType {
	case "InstanceStart":
		return vmm.InstanceStart{}, nil
	case "Pause":
		return vmm.Pause{}, nil
	case "Resume":
		return vmm.Resume{}, nil
	case "SendCtrlAltDel":
		return vmm.SendCtrlAltDel{}, nil
	case "FlushMetrics":
		return vmm.FlushMetrics{}, nil
	}

	return nil, badRequest("unknown action type %q", a.ActionType)
}

// parseSnapshotLoad also accepts the older mem_file_path form.
func parseSnapshotLoad(_ string, body []byte) (vmm.Action, error) {
	p, err := decode[struct {
		vmm.SnapshotLoadParams
		MemFilePath string `json:"mem_file_path"`
	}]("snapshot-load", body)
	if err != nil {
		return nil, err
	}

	hasBackend := p.MemBackend.BackendType != ""
	if hasBackend == (p.MemFilePath != "") {
		return nil, &Error{Status: http.StatusBadRequest, Err: ErrMemBackend}
	}

	if !hasBackend {
		p.MemBackend = vmm.MemBackend{BackendType: vmm.MemBackendFile, BackendPath: p.MemFilePath}
	}

	return vmm.LoadSnapshot{Params: p.SnapshotLoadParams}, nil
}
