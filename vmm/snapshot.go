package vmm

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bobuhiro11/gomicrovm/machine"
	"github.com/bobuhiro11/gomicrovm/memory"
	"github.com/bobuhiro11/gomicrovm/snapshot"
	"github.com/bobuhiro11/gomicrovm/virtio"
	"gvisor.dev/gvisor/pkg/cleanup"
)

var (
	ErrDiffNotEnabled = errors.New("diff snapshots require track_dirty_pages")
	ErrSnapshotType   = errors.New("unknown snapshot type")
	ErrMemBackend     = errors.New("invalid memory backend")
	ErrDeviceLayout   = errors.New("device placement differs from the snapshot")
)

func (v *VMM) createSnapshot(p SnapshotCreateParams) error {
	switch p.SnapshotType {
	case "":
		p.SnapshotType = snapshot.Full
	case snapshot.Full:
	case snapshot.Diff:
		if !v.res.Machine.TrackDirtyPages {
			return actionErr(ConfigError, ErrDiffNotEnabled)
		}
	default:
		return actionErr(ConfigError, fmt.Errorf("%w: %q", ErrSnapshotType, p.SnapshotType))
	}

	m := v.vm.machine

	snap, err := v.saveState()
	if err != nil {
		return actionErr(Runtime, err)
	}

	if err := snapshot.Save(p.SnapshotPath, snap); err != nil {
		return actionErr(Runtime, err)
	}

	// Fetching the bitmaps also resets them, so a Full snapshot starts the
	// next Diff from here.
	var dirty [][]uint64

	if v.res.Machine.TrackDirtyPages {
		if dirty, err = m.DirtyBitmaps(); err != nil {
			return actionErr(Runtime, err)
		}
	}

	if p.SnapshotType == snapshot.Full {
		dirty = nil
	}

	if err := snapshot.WriteMemory(p.MemFilePath, p.SnapshotType, m.Memory(), dirty); err != nil {
		return actionErr(Runtime, err)
	}

	log.Infof("%s snapshot written to %s", p.SnapshotType, p.SnapshotPath)

	return nil
}

func (v *VMM) saveState() (*snapshot.Snapshot, error) {
	m := v.vm.machine

	cpus, err := m.SaveCPUStates()
	if err != nil {
		return nil, fmt.Errorf("save vcpus: %w", err)
	}

	vmState, err := m.SaveVMState()
	if err != nil {
		return nil, fmt.Errorf("save vm: %w", err)
	}

	devs := make([]snapshot.DeviceState, 0, len(v.vm.devices))

	for _, d := range v.vm.devices {
		cfg, err := v.deviceConfig(d)
		if err != nil {
			return nil, err
		}

		devs = append(devs, snapshot.DeviceState{
			Type:      d.Device().Type(),
			ID:        d.id,
			Base:      d.slot.Base,
			IRQ:       d.slot.IRQ,
			Config:    cfg,
			Transport: d.State(),
		})
	}

	data, err := v.mmds.Snapshot()
	if err != nil {
		return nil, err
	}

	mc := v.res.Machine

	return &snapshot.Snapshot{
		Machine: snapshot.MachineConfig{
			VCPUs:           mc.VCPUCount,
			MemSizeMiB:      mc.MemSizeMiB,
			SMT:             mc.SMT,
			CPUTemplate:     mc.CPUTemplate,
			TrackDirtyPages: mc.TrackDirtyPages,
			HugePages:       mc.HugePages,
		},
		Memory:  m.Memory().Ranges(),
		VCPUs:   cpus,
		VM:      *vmState,
		Devices: devs,
		MMDS:    data,
	}, nil
}

// deviceConfig is the JSON body the device would be configured with today.
func (v *VMM) deviceConfig(d *mmioDevice) ([]byte, error) {
	var cfg any

	switch d.Device().Type() {
	case virtio.TypeBlock:
		drive, err := v.res.Drive(d.id)
		if err != nil {
			return nil, err
		}

		cfg = drive
	case virtio.TypeNet:
		iface, err := v.res.NetworkInterface(d.id)
		if err != nil {
			return nil, err
		}

		cfg = iface
	case virtio.TypeBalloon:
		cfg = v.res.Balloon
	case virtio.TypeRng:
		cfg = v.res.Entropy
	default:
		return nil, fmt.Errorf("unknown device type %s", d.Device().Type())
	}

	return json.Marshal(cfg)
}

// resourcesFromSnapshot rebuilds the configuration a snapshot was taken
// with, validating it like API requests.
func resourcesFromSnapshot(arch string, snap *snapshot.Snapshot, diff bool) (*Resources, error) {
	res := NewResources(arch)

	mc := MachineConfig{
		VCPUCount:       snap.Machine.VCPUs,
		MemSizeMiB:      snap.Machine.MemSizeMiB,
		SMT:             snap.Machine.SMT,
		CPUTemplate:     snap.Machine.CPUTemplate,
		TrackDirtyPages: snap.Machine.TrackDirtyPages || diff,
		HugePages:       snap.Machine.HugePages,
	}

	if err := res.PutMachineConfig(mc); err != nil {
		return nil, err
	}

	for _, d := range snap.Devices {
		var err error

		switch d.Type {
		case virtio.TypeBlock:
			var drive Drive
			if err = json.Unmarshal(d.Config, &drive); err == nil {
				err = res.PutDrive(drive)
			}
		case virtio.TypeNet:
			var iface NetworkInterface
			if err = json.Unmarshal(d.Config, &iface); err == nil {
				err = res.PutNetworkInterface(iface)
			}
		case virtio.TypeBalloon:
			var b virtio.BalloonConfig
			if err = json.Unmarshal(d.Config, &b); err == nil {
				err = res.SetBalloon(b)
			}
		case virtio.TypeRng:
			var e EntropyConfig
			if err = json.Unmarshal(d.Config, &e); err == nil {
				err = res.SetEntropy(e)
			}
		default:
			err = fmt.Errorf("unknown device type %d", d.Type)
		}

		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", d.Type, d.ID, err)
		}
	}

	return res, nil
}

func checkMemBackend(b MemBackend) error {
	switch b.BackendType {
	case MemBackendFile, MemBackendUffd:
	default:
		return fmt.Errorf("%w: type %q", ErrMemBackend, b.BackendType)
	}

	if b.BackendPath == "" {
		return fmt.Errorf("%w: empty backend_path", ErrMemBackend)
	}

	return nil
}

func (v *VMM) loadSnapshot(p SnapshotLoadParams) error {
	if v.res.Configured() {
		return actionErr(NotSupported, ErrLoadAfterConfig)
	}

	if err := checkMemBackend(p.MemBackend); err != nil {
		return actionErr(ConfigError, err)
	}

	snap, err := snapshot.Load(p.SnapshotPath)
	if err != nil {
		return actionErr(BuildError, err)
	}

	res, err := resourcesFromSnapshot(v.cfg.Arch, snap, p.EnableDiffSnapshots)
	if err != nil {
		return actionErr(BuildError, err)
	}

	v.setState(Starting)

	vm, err := v.restore(snap, res, p)
	if err != nil {
		v.setState(Uninitialized)

		return actionErr(BuildError, err)
	}

	res.Logger, res.Metrics = v.res.Logger, v.res.Metrics
	v.res = res
	v.vm = vm

	if err := v.mmds.Restore(snap.MMDS); err != nil {
		log.Warnf("restore metadata: %v", err)
	}

	if p.ResumeVM {
		v.setState(Running)
	} else {
		v.setState(Paused)
	}

	log.Infof("microVM %q restored from %s", v.cfg.ID, p.SnapshotPath)

	return nil
}

// restore builds a VM from snap. Devices are attached in the saved order so
// that each gets the window and interrupt line the guest knows it by.
func (v *VMM) restore(snap *snapshot.Snapshot, res *Resources, p SnapshotLoadParams) (*microVM, error) {
	vm := &microVM{}

	cu := cleanup.Make(vm.closeDevices)
	defer cu.Clean()

	hp := memory.HugePageConfig(res.Machine.HugePages)

	var (
		mem *memory.GuestMemory
		err error
	)

	if p.MemBackend.BackendType == MemBackendUffd {
		mem, err = memory.NewForUffd(snap.Memory, hp)
	} else {
		mem, err = snapshot.OpenMemory(p.MemBackend.BackendPath, snap.Memory, hp)
	}

	if err != nil {
		return nil, err
	}

	m, err := machine.New(res.Machine.machineConfig(), mem)
	if err != nil {
		return nil, err
	}

	vm.machine = m
	cu.Add(vm.closeMachine)

	if p.MemBackend.BackendType == MemBackendUffd {
		u, err := snapshot.NewUffd(m.Memory())
		if err != nil {
			return nil, err
		}

		vm.closers = append(vm.closers, u)

		if err := u.Send(p.MemBackend.BackendPath, m.Memory().Mappings()); err != nil {
			return nil, err
		}
	}

	if err := v.attachLegacy(vm); err != nil {
		return nil, err
	}

	for _, ds := range snap.Devices {
		d, err := v.attachDevice(vm, res, deviceSpec{ds.Type, ds.ID})
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", ds.Type, ds.ID, err)
		}

		if d.slot.Base != ds.Base || d.slot.IRQ != ds.IRQ {
			return nil, fmt.Errorf("%w: %s %q at %#x irq %d, saved at %#x irq %d",
				ErrDeviceLayout, ds.Type, ds.ID, d.slot.Base, d.slot.IRQ, ds.Base, ds.IRQ)
		}

		if err := d.Restore(ds.Transport); err != nil {
			return nil, fmt.Errorf("%s %q: %w", ds.Type, ds.ID, err)
		}
	}

	if err := m.RestoreVMState(&snap.VM); err != nil {
		return nil, err
	}

	if err := m.RestoreCPUStates(snap.VCPUs); err != nil {
		return nil, err
	}

	if err := v.subscribe(&cu, vm); err != nil {
		return nil, err
	}

	if !p.ResumeVM {
		m.Pause()
	}

	if err := m.Start(); err != nil {
		return nil, err
	}

	vm.release = cu.Release()

	return vm, nil
}
