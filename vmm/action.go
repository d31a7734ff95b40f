package vmm

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bobuhiro11/gomicrovm/logger"
	"github.com/bobuhiro11/gomicrovm/mmds"
	"github.com/bobuhiro11/gomicrovm/ratelimiter"
	"github.com/bobuhiro11/gomicrovm/snapshot"
	"github.com/bobuhiro11/gomicrovm/virtio"
)

// Action is one request to the controller. The control API and the config
// file both produce them.
type Action interface {
	// Name is used in logs and error messages.
	Name() string
}

type (
	ConfigureBootSource   struct{ BootSource BootSource }
	PutDrive              struct{ Drive Drive }
	PatchDrive            struct{ Update DriveUpdate }
	PutNetworkInterface   struct{ Iface NetworkInterface }
	PatchNetworkInterface struct{ Update NetworkInterfaceUpdate }
	PutMachineConfig      struct{ Config MachineConfig }
	PatchMachineConfig    struct{ Update MachineConfigUpdate }
	GetMachineConfig      struct{}
	GetVMConfig           struct{}
	GetInstanceInfo       struct{}
	ConfigureLogger       struct{ Config logger.Config }
	ConfigureMetrics      struct{ Config MetricsConfig }
	PutBalloon            struct{ Config virtio.BalloonConfig }
	PatchBalloon          struct{ Update BalloonUpdate }
	PatchBalloonStats     struct{ Update BalloonStatsUpdate }
	GetBalloon            struct{}
	GetBalloonStats       struct{}
	PutEntropy            struct{ Config EntropyConfig }
	PutMMDS               struct{ Data json.RawMessage }
	PatchMMDS             struct{ Data json.RawMessage }
	GetMMDS               struct{}
	PutMMDSConfig         struct{ Config mmds.Config }
	InstanceStart         struct{}
	Pause                 struct{}
	Resume                struct{}
	FlushMetrics          struct{}
	SendCtrlAltDel        struct{}
	PatchVM               struct{ State VMStateUpdate }
	CreateSnapshot        struct{ Params SnapshotCreateParams }
	LoadSnapshot          struct{ Params SnapshotLoadParams }
)

func (ConfigureBootSource) Name() string   { return "ConfigureBootSource" }
func (PutDrive) Name() string              { return "InsertBlockDevice" }
func (PatchDrive) Name() string            { return "UpdateBlockDevice" }
func (PutNetworkInterface) Name() string   { return "InsertNetworkDevice" }
func (PatchNetworkInterface) Name() string { return "UpdateNetworkInterface" }
func (PutMachineConfig) Name() string      { return "PutMachineConfiguration" }
func (PatchMachineConfig) Name() string    { return "UpdateMachineConfiguration" }
func (GetMachineConfig) Name() string      { return "GetVmMachineConfig" }
func (GetVMConfig) Name() string           { return "GetFullVmConfig" }
func (GetInstanceInfo) Name() string       { return "GetVmInstanceInfo" }
func (ConfigureLogger) Name() string       { return "ConfigureLogger" }
func (ConfigureMetrics) Name() string      { return "ConfigureMetrics" }
func (PutBalloon) Name() string            { return "SetBalloonDevice" }
func (PatchBalloon) Name() string          { return "UpdateBalloon" }
func (PatchBalloonStats) Name() string     { return "UpdateBalloonStatistics" }
func (GetBalloon) Name() string            { return "GetBalloonConfig" }
func (GetBalloonStats) Name() string       { return "GetBalloonStats" }
func (PutEntropy) Name() string            { return "SetEntropyDevice" }
func (PutMMDS) Name() string               { return "PutMMDS" }
func (PatchMMDS) Name() string             { return "PatchMMDS" }
func (GetMMDS) Name() string               { return "GetMMDS" }
func (PutMMDSConfig) Name() string         { return "SetMmdsConfiguration" }
func (InstanceStart) Name() string         { return "InstanceStart" }
func (Pause) Name() string                 { return "Pause" }
func (Resume) Name() string                { return "Resume" }
func (FlushMetrics) Name() string          { return "FlushMetrics" }
func (SendCtrlAltDel) Name() string        { return "SendCtrlAltDel" }
func (PatchVM) Name() string               { return "UpdateVmState" }
func (CreateSnapshot) Name() string        { return "CreateSnapshot" }
func (LoadSnapshot) Name() string          { return "LoadSnapshot" }

// VMStateUpdate is the body of PATCH /vm.
type VMStateUpdate struct {
	State string `json:"state"`
}

const (
	VMStatePaused  = "Paused"
	VMStateResumed = "Resumed"
)

// SnapshotCreateParams is the body of PUT /snapshot/create.
type SnapshotCreateParams struct {
	SnapshotType snapshot.Type `json:"snapshot_type,omitempty"`
	SnapshotPath string        `json:"snapshot_path"`
	MemFilePath  string        `json:"mem_file_path"`
}

// MemBackendType says where restored guest memory comes from.
type MemBackendType string

const (
	MemBackendFile MemBackendType = "File"
	MemBackendUffd MemBackendType = "Uffd"
)

// MemBackend is the memory source of a snapshot load.
type MemBackend struct {
	BackendType MemBackendType `json:"backend_type"`
	BackendPath string         `json:"backend_path"`
}

// SnapshotLoadParams is the body of PUT /snapshot/load.
type SnapshotLoadParams struct {
	SnapshotPath        string     `json:"snapshot_path"`
	MemBackend          MemBackend `json:"mem_backend"`
	EnableDiffSnapshots bool       `json:"enable_diff_snapshots,omitempty"`
	ResumeVM            bool       `json:"resume_vm,omitempty"`
}

// ErrorKind classifies a failed action for the caller.
type ErrorKind int

const (
	// ConfigError is a bad or missing value in a pre-boot request.
	ConfigError ErrorKind = iota
	// BuildError is a failure while starting or restoring the VM.
	BuildError
	// NotSupported is an action the current state does not allow.
	NotSupported
	// Runtime is a failure of an allowed operation on a running VM.
	Runtime
	// Internal is a bug or an unexpected host failure.
	Internal
)

func (k ErrorKind) String() string {
	switch k {
	case ConfigError:
		return "ConfigError"
	case BuildError:
		return "BuildError"
	case NotSupported:
		return "NotSupported"
	case Runtime:
		return "Runtime"
	case Internal:
		return "Internal"
	}

	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ActionError is what the controller returns for a failed action.
type ActionError struct {
	Kind ErrorKind
	Err  error
}

func (e *ActionError) Error() string {
	return e.Err.Error()
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

func actionErr(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}

	var ae *ActionError
	if errors.As(err, &ae) {
		return err
	}

	return &ActionError{Kind: kind, Err: err}
}

// KindOf returns the kind of err, Internal when it is not an ActionError.
func KindOf(err error) ErrorKind {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Kind
	}

	return Internal
}

var (
	ErrNotSupportedPreBoot  = errors.New("the requested operation is not supported before starting the microVM")
	ErrNotSupportedPostBoot = errors.New("the requested operation is not supported after starting the microVM")
	ErrNotPaused            = errors.New("the microVM is not paused")
	ErrNotRunning           = errors.New("the microVM is not running")
	ErrHalted               = errors.New("the microVM has stopped")
	ErrBadVMState           = errors.New("invalid VM state, expected Paused or Resumed")
	ErrMissingBootSource    = errors.New("cannot start microvm without kernel configuration")
	ErrNoBalloon            = errors.New("no balloon device configured")
	ErrLoadAfterConfig      = errors.New("loading a microVM snapshot not allowed after configuring boot-specific resources")
)

// rateLimiterCheck validates optional limiter configs.
func rateLimiterCheck(cfgs ...*ratelimiter.Config) error {
	for _, c := range cfgs {
		if c == nil {
			continue
		}

		if err := c.Validate(); err != nil {
			return err
		}
	}

	return nil
}
