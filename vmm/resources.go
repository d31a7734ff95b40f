package vmm

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"slices"

	"github.com/bobuhiro11/gomicrovm/cpuid"
	"github.com/bobuhiro11/gomicrovm/logger"
	"github.com/bobuhiro11/gomicrovm/machine"
	"github.com/bobuhiro11/gomicrovm/memory"
	"github.com/bobuhiro11/gomicrovm/mmds"
	"github.com/bobuhiro11/gomicrovm/ratelimiter"
	"github.com/bobuhiro11/gomicrovm/virtio"
	"github.com/mohae/deepcopy"
)

// Architectures the configuration rules know about.
const (
	ArchX86 = "x86_64"
	ArchARM = "aarch64"
)

// HostArch is the architecture name of the running binary.
func HostArch() string {
	if runtime.GOARCH == "arm64" {
		return ArchARM
	}

	return ArchX86
}

const (
	DefaultVCPUCount  = 1
	DefaultMemSizeMiB = 128

	// DefaultBootArgs is used when the boot source has none.
	DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off nomodules " +
		"i8042.noaux i8042.nomux i8042.nopnp i8042.dumbkbd"
)

var (
	ErrVCPUCount          = fmt.Errorf("the vCPU number is invalid! The number of vCPUs must be between 1 and %d", machine.MaxVCPUs)
	ErrSMTVCPUCount       = errors.New("the vCPU number is invalid! The vCPU number can only be 1 or an even number when SMT is enabled")
	ErrMemSize            = errors.New("the memory size (MiB) is invalid")
	ErrSMTNotSupported    = errors.New("Enabling simultaneous multithreading is not supported on aarch64") //nolint:stylecheck
	ErrTemplateNotSupport = errors.New("CPU templates are not supported on aarch64")
	ErrHugePagesSize      = errors.New("the memory size is not a multiple of the huge page size")
	ErrKernelFile         = errors.New("the kernel file cannot be opened")
	ErrInitrdFile         = errors.New("the initrd file cannot be opened")
	ErrDriveFile          = errors.New("unable to open the block device backing file")
	ErrRootDeviceExists   = errors.New("a root block device already exists")
	ErrEmptyID            = errors.New("the device id cannot be empty")
	ErrUnknownDrive       = errors.New("no drive with this id")
	ErrUnknownIface       = errors.New("no network interface with this id")
	ErrHostDevInUse       = errors.New("the host device name is already in use")
	ErrGuestMAC           = errors.New("the guest MAC address is invalid or already in use")
	ErrBalloonSize        = errors.New("amount of pages requested cannot be greater than the total amount of memory")
	ErrPathIDMismatch     = errors.New("the id from the path does not match the id from the body")
)

// BootSource is the body of PUT /boot-source.
type BootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	InitrdPath      string `json:"initrd_path,omitempty"`
	BootArgs        string `json:"boot_args,omitempty"`
}

// MachineConfig is the body of PUT /machine-config and its GET view.
type MachineConfig struct {
	VCPUCount       int    `json:"vcpu_count"`
	MemSizeMiB      uint64 `json:"mem_size_mib"`
	SMT             bool   `json:"smt"`
	CPUTemplate     string `json:"cpu_template"`
	TrackDirtyPages bool   `json:"track_dirty_pages"`
	HugePages       string `json:"huge_pages,omitempty"`
}

// MachineConfigUpdate is the body of PATCH /machine-config.
type MachineConfigUpdate struct {
	VCPUCount       *int    `json:"vcpu_count,omitempty"`
	MemSizeMiB      *uint64 `json:"mem_size_mib,omitempty"`
	SMT             *bool   `json:"smt,omitempty"`
	CPUTemplate     *string `json:"cpu_template,omitempty"`
	TrackDirtyPages *bool   `json:"track_dirty_pages,omitempty"`
	HugePages       *string `json:"huge_pages,omitempty"`
}

// DefaultMachineConfig is what GET /machine-config shows before any PUT.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		VCPUCount:   DefaultVCPUCount,
		MemSizeMiB:  DefaultMemSizeMiB,
		CPUTemplate: string(cpuid.TemplateNone),
		HugePages:   string(memory.HugePagesNone),
	}
}

// withDefaults fills the fields a PUT may omit.
func (c MachineConfig) withDefaults() MachineConfig {
	if c.CPUTemplate == "" {
		c.CPUTemplate = string(cpuid.TemplateNone)
	}

	if c.HugePages == "" {
		c.HugePages = string(memory.HugePagesNone)
	}

	return c
}

// Validate applies the rules for arch.
func (c MachineConfig) Validate(arch string) error {
	if c.VCPUCount < 1 || c.VCPUCount > machine.MaxVCPUs {
		return ErrVCPUCount
	}

	if c.SMT && c.VCPUCount > 1 && c.VCPUCount%2 != 0 {
		return ErrSMTVCPUCount
	}

	if c.MemSizeMiB == 0 {
		return ErrMemSize
	}

	if arch == ArchARM {
		if c.SMT {
			return ErrSMTNotSupported
		}

		if c.CPUTemplate != "" && c.CPUTemplate != string(cpuid.TemplateNone) {
			return ErrTemplateNotSupport
		}
	} else if _, err := cpuid.ParseTemplate(c.CPUTemplate); err != nil {
		return err
	}

	pageSize, err := memory.HugePageConfig(c.HugePages).PageSize()
	if err != nil {
		return err
	}

	if (c.MemSizeMiB<<20)%pageSize != 0 {
		return ErrHugePagesSize
	}

	return nil
}

func (c MachineConfig) machineConfig() machine.Config {
	t, _ := cpuid.ParseTemplate(c.CPUTemplate)

	return machine.Config{
		VCPUs:           c.VCPUCount,
		MemSize:         c.MemSizeMiB << 20,
		SMT:             c.SMT,
		CPUTemplate:     t,
		TrackDirtyPages: c.TrackDirtyPages,
		HugePages:       memory.HugePageConfig(c.HugePages),
	}
}

// Drive is the body of PUT /drives/{id}.
type Drive struct {
	DriveID      string              `json:"drive_id"`
	PathOnHost   string              `json:"path_on_host"`
	IsRootDevice bool                `json:"is_root_device"`
	IsReadOnly   bool                `json:"is_read_only"`
	PartUUID     string              `json:"partuuid,omitempty"`
	CacheType    virtio.CacheType    `json:"cache_type,omitempty"`
	RateLimiter  *ratelimiter.Config `json:"rate_limiter,omitempty"`
}

// DriveUpdate is the body of PATCH /drives/{id}.
type DriveUpdate struct {
	DriveID     string              `json:"drive_id"`
	PathOnHost  *string             `json:"path_on_host,omitempty"`
	RateLimiter *ratelimiter.Config `json:"rate_limiter,omitempty"`
}

func (d Drive) blockConfig() virtio.BlockConfig {
	cache := d.CacheType
	if cache == "" {
		cache = virtio.CacheUnsafe
	}

	return virtio.BlockConfig{
		ID:          d.DriveID,
		Path:        d.PathOnHost,
		ReadOnly:    d.IsReadOnly,
		CacheType:   cache,
		RateLimiter: d.RateLimiter,
	}
}

// NetworkInterface is the body of PUT /network-interfaces/{id}.
type NetworkInterface struct {
	IfaceID       string              `json:"iface_id"`
	HostDevName   string              `json:"host_dev_name"`
	GuestMAC      string              `json:"guest_mac,omitempty"`
	RxRateLimiter *ratelimiter.Config `json:"rx_rate_limiter,omitempty"`
	TxRateLimiter *ratelimiter.Config `json:"tx_rate_limiter,omitempty"`
}

// NetworkInterfaceUpdate is the body of PATCH /network-interfaces/{id}.
type NetworkInterfaceUpdate struct {
	IfaceID       string              `json:"iface_id"`
	RxRateLimiter *ratelimiter.Config `json:"rx_rate_limiter,omitempty"`
	TxRateLimiter *ratelimiter.Config `json:"tx_rate_limiter,omitempty"`
}

func (n NetworkInterface) netConfig() (virtio.NetConfig, error) {
	cfg := virtio.NetConfig{
		ID:            n.IfaceID,
		RxRateLimiter: n.RxRateLimiter,
		TxRateLimiter: n.TxRateLimiter,
	}

	if n.GuestMAC == "" {
		return cfg, nil
	}

	mac, err := net.ParseMAC(n.GuestMAC)
	if err != nil || len(mac) != 6 {
		return cfg, fmt.Errorf("%w: %q", ErrGuestMAC, n.GuestMAC)
	}

	cfg.GuestMAC = mac

	return cfg, nil
}

// BalloonUpdate is the body of PATCH /balloon.
type BalloonUpdate struct {
	AmountMiB uint32 `json:"amount_mib"`
}

// BalloonStatsUpdate is the body of PATCH /balloon/statistics.
type BalloonStatsUpdate struct {
	StatsPollingIntervalS uint16 `json:"stats_polling_interval_s"`
}

// EntropyConfig is the body of PUT /entropy.
type EntropyConfig struct {
	RateLimiter *ratelimiter.Config `json:"rate_limiter,omitempty"`
}

// MetricsConfig is the body of PUT /metrics.
type MetricsConfig struct {
	MetricsPath string `json:"metrics_path"`
}

// VMConfig is the full configuration: the GET /vm/config view and the
// format of the --config-file document.
type VMConfig struct {
	BootSource        *BootSource           `json:"boot-source,omitempty"`
	Drives            []Drive               `json:"drives"`
	MachineConfig     *MachineConfig        `json:"machine-config,omitempty"`
	NetworkInterfaces []NetworkInterface    `json:"network-interfaces"`
	Balloon           *virtio.BalloonConfig `json:"balloon,omitempty"`
	Entropy           *EntropyConfig        `json:"entropy,omitempty"`
	Logger            *logger.Config        `json:"logger,omitempty"`
	Metrics           *MetricsConfig        `json:"metrics,omitempty"`
	MMDSConfig        *mmds.Config          `json:"mmds-config,omitempty"`
}

// Resources is the configuration accumulated before boot.
type Resources struct {
	arch string

	BootSource *BootSource
	Machine    MachineConfig
	Drives     []Drive
	Ifaces     []NetworkInterface
	Balloon    *virtio.BalloonConfig
	Entropy    *EntropyConfig
	Logger     *logger.Config
	Metrics    *MetricsConfig
}

// NewResources returns the defaults for arch.
func NewResources(arch string) *Resources {
	return &Resources{arch: arch, Machine: DefaultMachineConfig()}
}

// Configured reports whether anything boot specific was set.
func (r *Resources) Configured() bool {
	return r.BootSource != nil || len(r.Drives) > 0 || len(r.Ifaces) > 0 ||
		r.Balloon != nil || r.Entropy != nil
}

func checkReadable(path string, sentinel error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}

	return f.Close()
}

func (r *Resources) SetBootSource(b BootSource) error {
	if err := checkReadable(b.KernelImagePath, ErrKernelFile); err != nil {
		return err
	}

	if b.InitrdPath != "" {
		if err := checkReadable(b.InitrdPath, ErrInitrdFile); err != nil {
			return err
		}
	}

	r.BootSource = &b

	return nil
}

// PutMachineConfig replaces the machine configuration; omitted optional
// fields fall back to their defaults.
func (r *Resources) PutMachineConfig(c MachineConfig) error {
	c = c.withDefaults()
	if err := c.Validate(r.arch); err != nil {
		return err
	}

	if err := r.checkBalloon(r.Balloon, c.MemSizeMiB); err != nil {
		return err
	}

	r.Machine = c

	return nil
}

// PatchMachineConfig merges u into the current configuration. Nothing
// changes when the result is invalid.
func (r *Resources) PatchMachineConfig(u MachineConfigUpdate) error {
	next, _ := deepcopy.Copy(r.Machine).(MachineConfig)

	if u.VCPUCount != nil {
		next.VCPUCount = *u.VCPUCount
	}

	if u.MemSizeMiB != nil {
		next.MemSizeMiB = *u.MemSizeMiB
	}

	if u.SMT != nil {
		next.SMT = *u.SMT
	}

	if u.CPUTemplate != nil {
		next.CPUTemplate = *u.CPUTemplate
	}

	if u.TrackDirtyPages != nil {
		next.TrackDirtyPages = *u.TrackDirtyPages
	}

	if u.HugePages != nil {
		next.HugePages = *u.HugePages
	}

	return r.PutMachineConfig(next)
}

// PutDrive inserts or replaces a drive. The root device is kept first so
// that it becomes /dev/vda.
func (r *Resources) PutDrive(d Drive) error {
	if d.DriveID == "" {
		return ErrEmptyID
	}

	if err := checkReadable(d.PathOnHost, ErrDriveFile); err != nil {
		return err
	}

	if err := rateLimiterCheck(d.RateLimiter); err != nil {
		return err
	}

	switch d.CacheType {
	case "", virtio.CacheUnsafe, virtio.CacheWriteback:
	default:
		return fmt.Errorf("unknown cache type %q", d.CacheType)
	}

	drives := slices.DeleteFunc(slices.Clone(r.Drives), func(o Drive) bool { return o.DriveID == d.DriveID })

	if d.IsRootDevice {
		if slices.ContainsFunc(drives, func(o Drive) bool { return o.IsRootDevice }) {
			return ErrRootDeviceExists
		}

		r.Drives = append([]Drive{d}, drives...)

		return nil
	}

	i := slices.IndexFunc(r.Drives, func(o Drive) bool { return o.DriveID == d.DriveID })
	if i >= 0 {
		r.Drives[i] = d

		return nil
	}

	r.Drives = append(drives, d)

	return nil
}

// Drive returns a copy of the drive with id.
func (r *Resources) Drive(id string) (Drive, error) {
	i := slices.IndexFunc(r.Drives, func(d Drive) bool { return d.DriveID == id })
	if i < 0 {
		return Drive{}, fmt.Errorf("%w: %q", ErrUnknownDrive, id)
	}

	d, _ := deepcopy.Copy(r.Drives[i]).(Drive)

	return d, nil
}

func (r *Resources) setDrive(d Drive) {
	for i := range r.Drives {
		if r.Drives[i].DriveID == d.DriveID {
			r.Drives[i] = d
		}
	}
}

// PutNetworkInterface inserts or replaces an interface.
func (r *Resources) PutNetworkInterface(n NetworkInterface) error {
	if n.IfaceID == "" {
		return ErrEmptyID
	}

	if _, err := n.netConfig(); err != nil {
		return err
	}

	if err := rateLimiterCheck(n.RxRateLimiter, n.TxRateLimiter); err != nil {
		return err
	}

	for _, o := range r.Ifaces {
		if o.IfaceID == n.IfaceID {
			continue
		}

		if o.HostDevName == n.HostDevName {
			return fmt.Errorf("%w: %q", ErrHostDevInUse, n.HostDevName)
		}

		if n.GuestMAC != "" && o.GuestMAC == n.GuestMAC {
			return fmt.Errorf("%w: %q", ErrGuestMAC, n.GuestMAC)
		}
	}

	if i := slices.IndexFunc(r.Ifaces, func(o NetworkInterface) bool { return o.IfaceID == n.IfaceID }); i >= 0 {
		r.Ifaces[i] = n

		return nil
	}

	r.Ifaces = append(r.Ifaces, n)

	return nil
}

// NetworkInterface returns a copy of the interface with id.
func (r *Resources) NetworkInterface(id string) (NetworkInterface, error) {
	i := slices.IndexFunc(r.Ifaces, func(n NetworkInterface) bool { return n.IfaceID == id })
	if i < 0 {
		return NetworkInterface{}, fmt.Errorf("%w: %q", ErrUnknownIface, id)
	}

	n, _ := deepcopy.Copy(r.Ifaces[i]).(NetworkInterface)

	return n, nil
}

func (r *Resources) setNetworkInterface(n NetworkInterface) {
	for i := range r.Ifaces {
		if r.Ifaces[i].IfaceID == n.IfaceID {
			r.Ifaces[i] = n
		}
	}
}

func (r *Resources) checkBalloon(b *virtio.BalloonConfig, memMiB uint64) error {
	if b != nil && uint64(b.AmountMiB) > memMiB {
		return ErrBalloonSize
	}

	return nil
}

func (r *Resources) SetBalloon(b virtio.BalloonConfig) error {
	if err := r.checkBalloon(&b, r.Machine.MemSizeMiB); err != nil {
		return err
	}

	r.Balloon = &b

	return nil
}

func (r *Resources) SetEntropy(e EntropyConfig) error {
	if err := rateLimiterCheck(e.RateLimiter); err != nil {
		return err
	}

	r.Entropy = &e

	return nil
}

// CheckMMDSConfig verifies that every interface cfg names exists.
func (r *Resources) CheckMMDSConfig(cfg mmds.Config) error {
	for _, id := range cfg.NetworkInterfaces {
		if !slices.ContainsFunc(r.Ifaces, func(n NetworkInterface) bool { return n.IfaceID == id }) {
			return fmt.Errorf("%w: %q", ErrUnknownIface, id)
		}
	}

	return nil
}

// VMConfig is the current configuration as GET /vm/config shows it.
func (r *Resources) VMConfig(mmdsCfg *mmds.Config) VMConfig {
	mc := r.Machine

	c := VMConfig{
		BootSource:        r.BootSource,
		Drives:            slices.Clone(r.Drives),
		MachineConfig:     &mc,
		NetworkInterfaces: slices.Clone(r.Ifaces),
		Balloon:           r.Balloon,
		Entropy:           r.Entropy,
		Logger:            r.Logger,
		Metrics:           r.Metrics,
		MMDSConfig:        mmdsCfg,
	}

	if c.Drives == nil {
		c.Drives = []Drive{}
	}

	if c.NetworkInterfaces == nil {
		c.NetworkInterfaces = []NetworkInterface{}
	}

	return c
}

// kernelCmdline is the boot args plus the root device.
func (r *Resources) kernelCmdline() string {
	args := DefaultBootArgs
	if r.BootSource != nil && r.BootSource.BootArgs != "" {
		args = r.BootSource.BootArgs
	}

	if len(r.Drives) == 0 || !r.Drives[0].IsRootDevice {
		return args
	}

	root := r.Drives[0]

	if root.PartUUID != "" {
		args += " root=PARTUUID=" + root.PartUUID
	} else {
		args += " root=/dev/vda"
	}

	if root.IsReadOnly {
		return args + " ro"
	}

	return args + " rw"
}
