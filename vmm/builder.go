package vmm

import (
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/gomicrovm/iodev"
	"github.com/bobuhiro11/gomicrovm/machine"
	"github.com/bobuhiro11/gomicrovm/reactor"
	"github.com/bobuhiro11/gomicrovm/serial"
	"github.com/bobuhiro11/gomicrovm/tap"
	"github.com/bobuhiro11/gomicrovm/virtio"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/eventfd"
)

const (
	balloonID = "balloon"
	rngID     = "rng"
)

// microVM is a built VM and everything attached to it.
type microVM struct {
	machine *machine.Machine
	serial  *serial.Serial
	i8042   *iodev.I8042
	reset   eventfd.Eventfd
	devices []*mmioDevice

	// closers are released after the machine.
	closers []io.Closer

	// release tears the VM down.
	release func()
}

func (vm *microVM) closeDevices() {
	for i := len(vm.closers) - 1; i >= 0; i-- {
		if err := vm.closers[i].Close(); err != nil {
			log.Warnf("close: %v", err)
		}
	}

	vm.closers = nil
}

func (vm *microVM) device(typ virtio.DeviceType, id string) *mmioDevice {
	for _, d := range vm.devices {
		if d.Device().Type() == typ && d.id == id {
			return d
		}
	}

	return nil
}

// mmioDevice is a virtio transport as the machine sees it.
type mmioDevice struct {
	*virtio.MMIOTransport

	id   string
	slot machine.MMIOSlot
}

func (d *mmioDevice) IRQFD() int {
	return d.Device().Interrupt().FD()
}

func (d *mmioDevice) QueueNotifyFDs() []int {
	evs := d.Device().QueueEvents()

	fds := make([]int, len(evs))
	for i, e := range evs {
		fds[i] = e.FD()
	}

	return fds
}

// deviceSpec names one virtio device of a configuration.
type deviceSpec struct {
	typ virtio.DeviceType
	id  string
}

// deviceSpecs is the attach order: drives with the root first, then
// network interfaces, balloon and entropy.
func (r *Resources) deviceSpecs() []deviceSpec {
	var specs []deviceSpec

	for _, d := range r.Drives {
		specs = append(specs, deviceSpec{virtio.TypeBlock, d.DriveID})
	}

	for _, n := range r.Ifaces {
		specs = append(specs, deviceSpec{virtio.TypeNet, n.IfaceID})
	}

	if r.Balloon != nil {
		specs = append(specs, deviceSpec{virtio.TypeBalloon, balloonID})
	}

	if r.Entropy != nil {
		specs = append(specs, deviceSpec{virtio.TypeRng, rngID})
	}

	return specs
}

func newDevice(res *Resources, spec deviceSpec) (virtio.Device, error) {
	switch spec.typ {
	case virtio.TypeBlock:
		d, err := res.Drive(spec.id)
		if err != nil {
			return nil, err
		}

		return virtio.NewBlock(d.blockConfig())
	case virtio.TypeNet:
		n, err := res.NetworkInterface(spec.id)
		if err != nil {
			return nil, err
		}

		cfg, err := n.netConfig()
		if err != nil {
			return nil, err
		}

		t, err := tap.New(n.HostDevName)
		if err != nil {
			return nil, fmt.Errorf("open tap %q: %w", n.HostDevName, err)
		}

		dev, err := virtio.NewNet(cfg, t)
		if err != nil {
			t.Close()

			return nil, err
		}

		return dev, nil
	case virtio.TypeBalloon:
		if res.Balloon == nil {
			return nil, ErrNoBalloon
		}

		return virtio.NewBalloon(*res.Balloon)
	case virtio.TypeRng:
		var e EntropyConfig
		if res.Entropy != nil {
			e = *res.Entropy
		}

		return virtio.NewRng(e.RateLimiter)
	}

	return nil, fmt.Errorf("unknown device type %d", spec.typ)
}

// build creates and starts a VM from the pre-boot resources. Everything
// created so far is released when a step fails.
func (v *VMM) build() (*microVM, error) {
	vm := &microVM{}

	cu := cleanup.Make(vm.closeDevices)
	defer cu.Clean()

	m, err := machine.New(v.res.Machine.machineConfig(), nil)
	if err != nil {
		return nil, err
	}

	vm.machine = m
	cu.Add(vm.closeMachine)

	if err := v.attachLegacy(vm); err != nil {
		return nil, err
	}

	for _, spec := range v.res.deviceSpecs() {
		if _, err := v.attachDevice(vm, v.res, spec); err != nil {
			return nil, fmt.Errorf("%s %q: %w", spec.typ, spec.id, err)
		}
	}

	kind, err := m.LoadKernel(machine.Boot{
		KernelPath: v.res.BootSource.KernelImagePath,
		InitrdPath: v.res.BootSource.InitrdPath,
		Cmdline:    v.res.kernelCmdline(),
	})
	if err != nil {
		return nil, fmt.Errorf("load kernel: %w", err)
	}

	log.Debugf("kernel %s loaded as %v", v.res.BootSource.KernelImagePath, kind)

	if err := v.subscribe(&cu, vm); err != nil {
		return nil, err
	}

	if err := m.Start(); err != nil {
		return nil, err
	}

	vm.release = cu.Release()

	return vm, nil
}

func (vm *microVM) closeMachine() {
	if err := vm.machine.Close(); err != nil {
		log.Warnf("close machine: %v", err)
	}
}

// irqEventfd creates an eventfd injecting gsi.
func (vm *microVM) irqEventfd(gsi uint32) (eventfd.Eventfd, error) {
	fd, err := eventfd.Create()
	if err != nil {
		return eventfd.Eventfd{}, err
	}

	vm.closers = append(vm.closers, fd)

	if err := vm.machine.RegisterIRQFD(fd.FD(), gsi); err != nil {
		return eventfd.Eventfd{}, err
	}

	return fd, nil
}

// attachLegacy adds the port I/O devices: COM1, the i8042 controller, the
// optional boot timer and the ports Linux probes without a device behind.
func (v *VMM) attachLegacy(vm *microVM) error {
	m := vm.machine

	com1, err := vm.irqEventfd(serial.COM1IRQ)
	if err != nil {
		return fmt.Errorf("serial irq: %w", err)
	}

	s, err := serial.New(com1, v.cfg.Console, v.cfg.ConsoleInput)
	if err != nil {
		return err
	}

	vm.serial = s
	vm.closers = append(vm.closers, s)

	if err := m.AddPIODevice(s, serial.COM1Addr, serial.Size); err != nil {
		return err
	}

	vm.reset, err = eventfd.Create()
	if err != nil {
		return fmt.Errorf("reset eventfd: %w", err)
	}

	vm.closers = append(vm.closers, vm.reset)

	kbd, err := vm.irqEventfd(iodev.I8042IRQ)
	if err != nil {
		return fmt.Errorf("i8042 irq: %w", err)
	}

	vm.i8042 = iodev.NewI8042(vm.reset, kbd)

	if err := m.AddPIODevice(vm.i8042, iodev.I8042Port, iodev.I8042Size); err != nil {
		return err
	}

	if v.cfg.BootTimer {
		if err := m.AddPIODevice(iodev.NewBootTimer(v.cfg.StartTime), iodev.BootTimerPort, 1); err != nil {
			return err
		}
	}

	for i := range iodev.NoopRanges {
		dev := &iodev.NoopRanges[i]
		if err := m.AddPIODevice(dev, dev.Port, dev.Psize); err != nil {
			return err
		}
	}

	return nil
}

// attachDevice creates the device for spec and gives it the next MMIO slot.
func (v *VMM) attachDevice(vm *microVM, res *Resources, spec deviceSpec) (*mmioDevice, error) {
	dev, err := newDevice(res, spec)
	if err != nil {
		return nil, err
	}

	vm.closers = append(vm.closers, dev)

	d := &mmioDevice{
		MMIOTransport: virtio.NewMMIOTransport(vm.machine.Memory(), dev),
		id:            spec.id,
	}

	if d.slot, err = vm.machine.AddMMIODevice(d, virtio.NotifyOffset); err != nil {
		return nil, err
	}

	vm.devices = append(vm.devices, d)
	log.Debugf("%s %q at %#x irq %d", spec.typ, spec.id, d.slot.Base, d.slot.IRQ)

	return d, nil
}

// subscribe puts the VM fds on the event loop.
func (v *VMM) subscribe(cu *cleanup.Cleanup, vm *microVM) error {
	var subs []reactor.Subscriber

	if v.cfg.ConsoleInput != nil {
		subs = append(subs, vm.serial)
	}

	for _, d := range vm.devices {
		subs = append(subs, d.MMIOTransport)
	}

	for _, s := range subs {
		if err := v.r.Add(s); err != nil {
			return err
		}

		cu.Add(func() { v.unsubscribe(s) })
	}

	for _, fd := range []int{vm.machine.EventFD().FD(), vm.reset.FD()} {
		if err := v.r.Register(fd, reactor.In, v); err != nil {
			return err
		}

		cu.Add(func() { v.unregister(fd) })
	}

	return nil
}

func (v *VMM) unsubscribe(sub reactor.Subscriber) {
	if t, ok := sub.(*virtio.MMIOTransport); ok {
		v.unregister(t.Device().ActivateEvent().FD())
	}

	for _, i := range sub.Interest() {
		v.unregister(i.FD)
	}
}

func (v *VMM) unregister(fd int) {
	if err := v.r.Unregister(fd); err != nil && !errors.Is(err, reactor.ErrUnknownFD) {
		log.Warnf("unregister fd %d: %v", fd, err)
	}
}
