// Package vmm is the microVM controller. It owns the pre-boot resources, the
// VM once built, and the event loop every device and API request is served
// from.
package vmm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/bobuhiro11/gomicrovm/logger"
	"github.com/bobuhiro11/gomicrovm/machine"
	"github.com/bobuhiro11/gomicrovm/metrics"
	"github.com/bobuhiro11/gomicrovm/mmds"
	"github.com/bobuhiro11/gomicrovm/reactor"
	"github.com/bobuhiro11/gomicrovm/serial"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/eventfd"
)

var log = logger.WithSource("vmm")

// Process exit codes.
const (
	ExitOK          = 0
	ExitGeneric     = 1
	ExitBadSyscall  = 148
	ExitBadArgument = 152
)

const AppName = "gomicrovm"

// Version is stamped at link time.
var Version = "0.1.0"

// State is the lifecycle of the microVM.
type State int32

const (
	Uninitialized State = iota
	Starting
	Running
	Paused
	Halting
	Halted
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Halting:
		return "Halting"
	case Halted:
		return "Halted"
	}

	return fmt.Sprintf("State(%d)", int32(s))
}

// infoState is the name GET / reports.
func (s State) infoState() string {
	switch s {
	case Uninitialized, Starting:
		return "Not started"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	}

	return "Halted"
}

// InstanceInfo is the body of GET /.
type InstanceInfo struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	VMMVersion string `json:"vmm_version"`
	AppName    string `json:"app_name"`
}

// Config is fixed for the lifetime of the process.
type Config struct {
	ID   string
	Arch string

	// BootTimer adds the boot time device on port 0x3f0.
	BootTimer bool
	StartTime time.Time

	MMDSSizeLimit int

	// Console receives the guest serial output; ConsoleInput, when set, is
	// forwarded to the guest.
	Console      io.Writer
	ConsoleInput serial.Input
}

// Result answers one Request. A nil Body with a nil Err means there is
// nothing to return.
type Result struct {
	Body any
	Err  error
}

// Request carries an action to the event loop.
type Request struct {
	Action Action
	resp   chan Result
}

// VMM is the controller. Actions run one at a time on the event loop
// thread, or directly through Handle before Run.
type VMM struct {
	cfg Config

	res  *Resources
	mmds *mmds.Store

	r        *reactor.Reactor
	requests chan *Request
	wake     eventfd.Eventfd
	flush    *reactor.Timer
	done     chan struct{}

	state    atomic.Int32
	exitCode atomic.Int32
	fatal    error

	vm *microVM
}

// New creates the controller and its event loop.
func New(cfg Config) (*VMM, error) {
	if cfg.Arch == "" {
		cfg.Arch = HostArch()
	}

	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now()
	}

	if cfg.Console == nil {
		cfg.Console = os.Stdout
	}

	r, err := reactor.New()
	if err != nil {
		return nil, err
	}

	wake, err := eventfd.Create()
	if err != nil {
		r.Close()

		return nil, fmt.Errorf("request eventfd: %w", err)
	}

	flush, err := reactor.NewTimer(metrics.FlushInterval)
	if err != nil {
		wake.Close()
		r.Close()

		return nil, err
	}

	v := &VMM{
		cfg:      cfg,
		res:      NewResources(cfg.Arch),
		mmds:     mmds.New(cfg.MMDSSizeLimit),
		r:        r,
		requests: make(chan *Request, 16),
		wake:     wake,
		flush:    flush,
		done:     make(chan struct{}),
	}

	if err := r.Add(v); err != nil {
		v.closeLoop()

		return nil, err
	}

	return v, nil
}

func (v *VMM) closeLoop() {
	if err := errors.Join(v.flush.Close(), v.wake.Close(), v.r.Close()); err != nil {
		log.Warnf("closing event loop: %v", err)
	}
}

func (v *VMM) State() State {
	return State(v.state.Load())
}

func (v *VMM) setState(s State) {
	if old := State(v.state.Swap(int32(s))); old != s {
		log.Debugf("state %s -> %s", old, s)
	}
}

// ExitCode is the process exit code once the VM halted.
func (v *VMM) ExitCode() int {
	return int(v.exitCode.Load())
}

// MMDS is the metadata store.
func (v *VMM) MMDS() *mmds.Store {
	return v.mmds
}

// Interest implements reactor.Subscriber.
func (v *VMM) Interest() []reactor.Interest {
	return []reactor.Interest{
		{FD: v.wake.FD(), Events: reactor.In},
		{FD: v.flush.FD(), Events: reactor.In},
	}
}

// Process implements reactor.Subscriber.
func (v *VMM) Process(ev reactor.Event, _ *reactor.Ops) {
	switch {
	case ev.FD == v.wake.FD():
		if _, err := v.wake.Read(); err != nil {
			log.Warnf("request eventfd: %v", err)
		}

		v.serveRequests()
	case ev.FD == v.flush.FD():
		if _, err := v.flush.Read(); err != nil {
			log.Warnf("metrics timer: %v", err)
		}

		v.flushMetrics()
	case v.vm != nil && ev.FD == v.vm.machine.EventFD().FD():
		if _, err := v.vm.machine.EventFD().Read(); err != nil {
			log.Warnf("vcpu eventfd: %v", err)
		}

		v.drainVCPUEvents()
	case v.vm != nil && ev.FD == v.vm.reset.FD():
		if _, err := v.vm.reset.Read(); err != nil {
			log.Warnf("reset eventfd: %v", err)
		}

		log.Infof("guest requested a reset")
		v.halt(ExitOK, nil)
	default:
		log.Warnf("event on unknown fd %d", ev.FD)
	}
}

func (v *VMM) serveRequests() {
	for {
		select {
		case req := <-v.requests:
			body, err := v.Handle(req.Action)
			req.resp <- Result{Body: body, Err: err}
		default:
			return
		}
	}
}

func (v *VMM) flushMetrics() {
	if !metrics.Initialized() {
		return
	}

	if err := metrics.Flush(); err != nil {
		log.Warnf("flush metrics: %v", err)
	}
}

func (v *VMM) drainVCPUEvents() {
	for {
		select {
		case ev := <-v.vm.machine.Events():
			switch ev.Kind {
			case machine.EventExited, machine.EventReset:
				log.Infof("vcpu %d: %s", ev.Index, ev.Kind)
				v.halt(ExitOK, nil)
			case machine.EventFatal:
				log.Errorf("vcpu %d: %v", ev.Index, ev.Err)
				v.halt(ExitGeneric, fmt.Errorf("vcpu %d: %w", ev.Index, ev.Err))
			}
		default:
			return
		}
	}
}

// halt stops the vCPUs and the event loop. Only the first call counts.
func (v *VMM) halt(code int, err error) {
	if s := v.State(); s == Halting || s == Halted {
		return
	}

	v.setState(Halting)
	v.exitCode.Store(int32(code))
	v.fatal = err

	if v.vm != nil {
		v.vm.machine.Exit()
	}

	v.flushMetrics()
	v.setState(Halted)

	if err := v.r.Stop(); err != nil {
		log.Errorf("stop event loop: %v", err)
	}
}

// Submit hands a to the event loop and waits for its result. It is safe for
// concurrent use.
func (v *VMM) Submit(a Action) (any, error) {
	select {
	case <-v.done:
		return nil, actionErr(NotSupported, ErrHalted)
	default:
	}

	req := &Request{Action: a, resp: make(chan Result, 1)}

	select {
	case v.requests <- req:
	case <-v.done:
		return nil, actionErr(NotSupported, ErrHalted)
	}

	if err := v.wake.Notify(); err != nil {
		return nil, actionErr(Internal, err)
	}

	select {
	case res := <-req.resp:
		return res.Body, res.Err
	case <-v.done:
		return nil, actionErr(NotSupported, ErrHalted)
	}
}

// Done is closed once Run returned.
func (v *VMM) Done() <-chan struct{} {
	return v.done
}

// Run serves events until the guest stops or ctx is cancelled, then tears
// the VM down. It returns the process exit code.
func (v *VMM) Run(ctx context.Context) (int, error) {
	g, ctx := errgroup.WithContext(ctx)
	stopped := make(chan struct{})

	g.Go(func() error {
		defer close(stopped)

		if err := v.r.Run(); err != nil {
			metrics.M.VMM.Panics.Inc()

			return fmt.Errorf("event loop: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			log.Infof("shutting down: %v", context.Cause(ctx))

			return v.r.Stop()
		case <-stopped:
			return nil
		}
	})

	err := g.Wait()
	if err != nil {
		v.halt(ExitGeneric, err)
	} else {
		v.halt(ExitOK, nil)
	}

	close(v.done)
	v.teardown()

	if v.fatal != nil {
		return v.ExitCode(), v.fatal
	}

	return v.ExitCode(), nil
}

func (v *VMM) teardown() {
	if v.vm != nil {
		v.vm.release()
		v.vm = nil
	}

	v.closeLoop()
}

// Handle runs a on the calling goroutine. Outside of Run it must not be used
// concurrently with Submit.
func (v *VMM) Handle(a Action) (any, error) {
	body, err := v.handle(a)
	if err != nil {
		log.Warnf("%s failed: %v", a.Name(), err)

		return nil, err
	}

	log.Debugf("%s done", a.Name())

	return body, nil
}

func (v *VMM) handle(a Action) (any, error) {
	switch s := v.State(); s {
	case Uninitialized:
		return v.handlePreBoot(a)
	case Running, Paused:
		return v.handlePostBoot(a)
	default:
		if _, ok := a.(GetInstanceInfo); ok {
			return v.instanceInfo(), nil
		}

		return nil, actionErr(NotSupported, ErrHalted)
	}
}

func (v *VMM) instanceInfo() InstanceInfo {
	return InstanceInfo{
		ID:         v.cfg.ID,
		State:      v.State().infoState(),
		VMMVersion: Version,
		AppName:    AppName,
	}
}

// handleCommon serves the actions allowed in every live state.
func (v *VMM) handleCommon(a Action) (any, bool, error) {
	switch a := a.(type) {
	case GetInstanceInfo:
		return v.instanceInfo(), true, nil
	case GetMachineConfig:
		return v.res.Machine, true, nil
	case GetVMConfig:
		return v.res.VMConfig(v.mmds.Config()), true, nil
	case GetBalloon:
		if v.res.Balloon == nil {
			return nil, true, actionErr(ConfigError, ErrNoBalloon)
		}

		return *v.res.Balloon, true, nil
	case PutMMDS:
		return nil, true, actionErr(ConfigError, v.mmds.Put(a.Data))
	case PatchMMDS:
		return nil, true, actionErr(ConfigError, v.mmds.Patch(a.Data))
	case GetMMDS:
		b, err := v.mmds.Get()
		if err != nil {
			return nil, true, actionErr(Internal, err)
		}

		return json.RawMessage(b), true, nil
	case FlushMetrics:
		return nil, true, actionErr(Runtime, metrics.Flush())
	}

	return nil, false, nil
}

func (v *VMM) handlePreBoot(a Action) (any, error) {
	if body, ok, err := v.handleCommon(a); ok {
		return body, err
	}

	switch a := a.(type) {
	case ConfigureBootSource:
		return nil, actionErr(ConfigError, v.res.SetBootSource(a.BootSource))
	case PutMachineConfig:
		return nil, actionErr(ConfigError, v.res.PutMachineConfig(a.Config))
	case PatchMachineConfig:
		return nil, actionErr(ConfigError, v.res.PatchMachineConfig(a.Update))
	case PutDrive:
		return nil, actionErr(ConfigError, v.res.PutDrive(a.Drive))
	case PutNetworkInterface:
		return nil, actionErr(ConfigError, v.res.PutNetworkInterface(a.Iface))
	case PutBalloon:
		return nil, actionErr(ConfigError, v.res.SetBalloon(a.Config))
	case PutEntropy:
		return nil, actionErr(ConfigError, v.res.SetEntropy(a.Config))
	case ConfigureLogger:
		return nil, actionErr(ConfigError, v.configureLogger(a.Config))
	case ConfigureMetrics:
		return nil, actionErr(ConfigError, v.configureMetrics(a.Config))
	case PutMMDSConfig:
		if err := v.res.CheckMMDSConfig(a.Config); err != nil {
			return nil, actionErr(ConfigError, err)
		}

		return nil, actionErr(ConfigError, v.mmds.SetConfig(a.Config))
	case InstanceStart:
		return nil, v.start()
	case LoadSnapshot:
		return nil, v.loadSnapshot(a.Params)
	}

	return nil, actionErr(NotSupported, fmt.Errorf("%s: %w", a.Name(), ErrNotSupportedPreBoot))
}

func (v *VMM) handlePostBoot(a Action) (any, error) {
	if body, ok, err := v.handleCommon(a); ok {
		return body, err
	}

	switch a := a.(type) {
	case Pause:
		return nil, v.pause()
	case Resume:
		return nil, v.resume()
	case PatchVM:
		switch a.State.State {
		case VMStatePaused:
			return nil, v.pause()
		case VMStateResumed:
			return nil, v.resume()
		}

		return nil, actionErr(ConfigError, fmt.Errorf("%w: %q", ErrBadVMState, a.State.State))
	case PatchDrive:
		return nil, v.updateDrive(a.Update)
	case PatchNetworkInterface:
		return nil, v.updateNetworkInterface(a.Update)
	case PatchBalloon:
		return nil, v.updateBalloon(a.Update)
	case PatchBalloonStats:
		return nil, v.updateBalloonStats(a.Update)
	case GetBalloonStats:
		return v.balloonStats()
	case SendCtrlAltDel:
		return nil, actionErr(Runtime, v.vm.i8042.TriggerCtrlAltDel())
	case CreateSnapshot:
		if v.State() != Paused {
			return nil, actionErr(NotSupported, fmt.Errorf("create snapshot: %w", ErrNotPaused))
		}

		return nil, v.createSnapshot(a.Params)
	}

	return nil, actionErr(NotSupported, fmt.Errorf("%s: %w", a.Name(), ErrNotSupportedPostBoot))
}

func (v *VMM) configureLogger(cfg logger.Config) error {
	if err := logger.Configure(cfg); err != nil {
		return err
	}

	v.res.Logger = &cfg

	return nil
}

func (v *VMM) configureMetrics(cfg MetricsConfig) error {
	f, err := os.OpenFile(cfg.MetricsPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open metrics file: %w", err)
	}

	if err := metrics.Init(f); err != nil {
		f.Close()

		return err
	}

	v.res.Metrics = &cfg

	return nil
}

func (v *VMM) start() error {
	if v.res.BootSource == nil {
		return actionErr(ConfigError, ErrMissingBootSource)
	}

	v.setState(Starting)

	vm, err := v.build()
	if err != nil {
		metrics.M.VMM.BootErrors.Inc()
		v.setState(Uninitialized)

		return actionErr(BuildError, err)
	}

	v.vm = vm
	v.setState(Running)
	log.Infof("microVM %q started with %d vCPUs and %d MiB", v.cfg.ID, v.res.Machine.VCPUCount, v.res.Machine.MemSizeMiB)

	return nil
}

func (v *VMM) pause() error {
	if v.State() != Running {
		return actionErr(NotSupported, fmt.Errorf("pause: %w", ErrNotRunning))
	}

	v.vm.machine.Pause()
	v.setState(Paused)

	return nil
}

func (v *VMM) resume() error {
	if v.State() != Paused {
		return actionErr(NotSupported, fmt.Errorf("resume: %w", ErrNotPaused))
	}

	v.vm.machine.Resume()
	v.setState(Running)

	return nil
}
