// Package jailer confines one VMM process: it builds a chroot holding a copy
// of the binary and the device nodes it needs, pins it to a NUMA node through
// a cgroup, drops privileges and execs the VMM inside.
package jailer

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/gomicrovm/logger"
	"github.com/bobuhiro11/gomicrovm/vmm"
	"github.com/gofrs/flock"
	"github.com/moby/sys/capability"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

const (
	AppName = "jailer"

	lockName = "jailer.lock"
)

var log = logger.WithSource("jailer")

// device is a character device created inside the chroot.
type device struct {
	path         string
	major, minor uint32
	optional     bool
}

var devices = []device{
	{path: "dev/net/tun", major: 10, minor: 200},
	{path: "dev/kvm", major: 10, minor: 232},
	{path: "dev/userfaultfd", major: 10, minor: 126, optional: true},
}

// CLI is the jailer command line. Arguments after "--" go to the VMM.
type CLI struct {
	ID            string   `name:"id" required:"" help:"MicroVM unique identifier."`
	ExecFile      string   `name:"exec-file" required:"" help:"VMM binary to copy into the jail."`
	UID           uint32   `name:"uid" required:"" help:"User the VMM runs as."`
	GID           uint32   `name:"gid" required:"" help:"Group the VMM runs as."`
	Node          uint32   `name:"node" default:"0" help:"NUMA node the VMM is pinned to."`
	ChrootBaseDir string   `name:"chroot-base-dir" default:"/srv/jailer" help:"Directory holding the jails."`
	NetNS         string   `name:"netns" help:"Network namespace to join, as a path."`
	Daemonize     bool     `name:"daemonize" help:"Detach from the terminal and drop stdio."`
	CgroupVersion string   `name:"cgroup-version" default:"auto" enum:"auto,1,2" help:"Cgroup hierarchy: auto, 1 or 2."`
	Args          []string `arg:"" optional:"" passthrough:"" name:"vmm-args" help:"Arguments forwarded to the VMM."`
}

// Parse reads the jailer command line. args excludes the program name.
func Parse(args []string, options ...kong.Option) (*CLI, error) {
	c := CLI{}

	options = append([]kong.Option{
		kong.Name(AppName),
		kong.Description(AppName + " starts " + vmm.AppName + " confined to a chroot, a cgroup and an unprivileged user"),
		kong.UsageOnError(),
	}, options...)

	parser, err := kong.New(&c, options...)
	if err != nil {
		return nil, err
	}

	if _, err := parser.Parse(args); err != nil {
		parser.Errorf("%s", err)

		return nil, fail(StepArgument, "", err)
	}

	c.Args = forwarded(c.Args)

	return &c, nil
}

// forwarded drops the "--" kong keeps in front of passthrough arguments.
func forwarded(args []string) []string {
	if len(args) > 0 && args[0] == "--" {
		return args[1:]
	}

	return args
}

// Env is a validated jail description.
type Env struct {
	ID        string
	ExecFile  string
	ChrootDir string
	UID, GID  int
	Node      uint32
	NetNS     string
	Daemonize bool
	Cgroup    CgroupVersion
	Args      []string
	StartTime time.Time

	nodeRoot string
}

// Env validates c and derives the jail layout:
// <chroot-base-dir>/<exec name>/<id>/root.
func (c *CLI) Env() (*Env, error) {
	if err := vmm.ValidateID(c.ID); err != nil {
		return nil, fail(StepID, "", err)
	}

	exec, err := filepath.Abs(c.ExecFile)
	if err == nil {
		exec, err = filepath.EvalSymlinks(exec)
	}

	if err != nil {
		return nil, fail(StepExecFile, c.ExecFile, err)
	}

	fi, err := os.Stat(exec)
	if err != nil {
		return nil, fail(StepExecFile, exec, err)
	}

	if !fi.Mode().IsRegular() {
		return nil, fail(StepExecFile, exec, ErrNotRegular)
	}

	cg, err := ParseCgroupVersion(c.CgroupVersion)
	if err != nil {
		return nil, fail(StepArgument, "", err)
	}

	return &Env{
		ID:        c.ID,
		ExecFile:  exec,
		ChrootDir: filepath.Join(c.ChrootBaseDir, filepath.Base(exec), c.ID, "root"),
		UID:       int(c.UID),
		GID:       int(c.GID),
		Node:      c.Node,
		NetNS:     c.NetNS,
		Daemonize: c.Daemonize,
		Cgroup:    cg,
		Args:      forwarded(c.Args),
		StartTime: time.Now(),
		nodeRoot:  nodeRoot,
	}, nil
}

func (e *Env) execName() string { return filepath.Base(e.ExecFile) }

func (e *Env) cgroupPath() string { return e.execName() + "/" + e.ID }

// Argv is the VMM command line run inside the chroot.
func (e *Env) Argv() []string {
	argv := []string{
		"/" + e.execName(),
		"--id", e.ID,
		"--start-time-us", strconv.FormatInt(e.StartTime.UnixMicro(), 10),
		"--jailed",
	}

	return append(argv, e.Args...)
}

// Run jails the calling process and replaces it with the VMM. It only
// returns on failure, or with nil once a daemonized VMM has started.
func (e *Env) Run() error {
	// Namespaces, the bounding set and exec are per thread.
	runtime.LockOSThread()

	lock, err := e.prepare()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	cpus, err := nodeCPUs(e.nodeRoot, e.Node)
	if err != nil {
		return err
	}

	v := e.Cgroup.Resolve()
	log.Infof("joining %s cgroup %s on cpus %s", v, e.cgroupPath(), cpus)

	if err := joinCgroup(v, e.cgroupPath(), e.Node, cpus, os.Getpid()); err != nil {
		return err
	}

	if err := e.joinNetNS(); err != nil {
		return err
	}

	// The chroot has no /dev/null, so open it first.
	var null *os.File

	if e.Daemonize {
		null, err = os.OpenFile("/dev/null", os.O_RDWR, 0)
		if err != nil {
			return fail(StepDaemonize, "/dev/null", err)
		}
		defer null.Close()
	}

	if err := unix.Chroot(e.ChrootDir); err != nil {
		return fail(StepChroot, e.ChrootDir, err)
	}

	if err := unix.Chdir("/"); err != nil {
		return fail(StepChroot, "/", err)
	}

	if err := dropBoundingSet(); err != nil {
		return err
	}

	if err := unix.Setgroups(nil); err != nil {
		return fail(StepSetGID, "", err)
	}

	if err := unix.Setresgid(e.GID, e.GID, e.GID); err != nil {
		return fail(StepSetGID, "", err)
	}

	if err := unix.Setresuid(e.UID, e.UID, e.UID); err != nil {
		return fail(StepSetUID, "", err)
	}

	argv := e.Argv()
	env := vmmEnv(os.Environ())

	if null != nil {
		return detach(argv, env, null)
	}

	return fail(StepExec, argv[0], unix.Exec(argv[0], argv, env))
}

// vmmEnv keeps only the Go runtime settings from environ.
func vmmEnv(environ []string) []string {
	var env []string

	for _, kv := range environ {
		k, _, _ := strings.Cut(kv, "=")

		switch k {
		case "GOMAXPROCS", "GOTRACEBACK", "GODEBUG", "GOGC", "GOMEMLIMIT":
			env = append(env, kv)
		}
	}

	return env
}

// prepare builds the chroot while holding the instance lock. The lock is
// released when the jailer execs.
func (e *Env) prepare() (*flock.Flock, error) {
	if err := os.MkdirAll(e.ChrootDir, 0o755); err != nil {
		return nil, fail(StepChrootDir, e.ChrootDir, err)
	}

	lock, err := e.lock()
	if err != nil {
		return nil, err
	}

	err = e.copyExec()
	if err == nil {
		err = e.makeDevices()
	}

	if err == nil {
		if cerr := os.Chown(e.ChrootDir, e.UID, e.GID); cerr != nil {
			err = fail(StepChown, e.ChrootDir, cerr)
		}
	}

	if err != nil {
		lock.Unlock()

		return nil, err
	}

	return lock, nil
}

// lock takes the per-instance lock next to the chroot so two jailers never
// build the same jail.
func (e *Env) lock() (*flock.Flock, error) {
	path := filepath.Join(filepath.Dir(e.ChrootDir), lockName)
	lock := flock.New(path)

	ok, err := lock.TryLock()
	if err != nil {
		return nil, fail(StepLock, path, err)
	}

	if !ok {
		return nil, fail(StepLock, path, ErrAlreadyRunning)
	}

	return lock, nil
}

func (e *Env) copyExec() error {
	dst := filepath.Join(e.ChrootDir, e.execName())

	src, err := os.Open(e.ExecFile)
	if err != nil {
		return fail(StepCopy, e.ExecFile, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return fail(StepCopy, dst, err)
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()

		return fail(StepCopy, dst, err)
	}

	if err := out.Close(); err != nil {
		return fail(StepCopy, dst, err)
	}

	return nil
}

func (e *Env) makeDevices() error {
	for _, d := range devices {
		if d.optional {
			if _, err := os.Stat(filepath.Join("/", d.path)); err != nil {
				log.Debugf("host has no %s, skipping", d.path)

				continue
			}
		}

		path := filepath.Join(e.ChrootDir, d.path)

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fail(StepMknod, path, err)
		}

		dev := unix.Mkdev(d.major, d.minor)
		if err := unix.Mknod(path, unix.S_IFCHR|0o600, int(dev)); err != nil {
			return fail(StepMknod, path, err)
		}

		if err := os.Chown(path, e.UID, e.GID); err != nil {
			return fail(StepChown, path, err)
		}
	}

	return nil
}

func (e *Env) joinNetNS() error {
	if e.NetNS == "" {
		return nil
	}

	h, err := netns.GetFromPath(e.NetNS)
	if err != nil {
		return fail(StepNetNS, e.NetNS, err)
	}
	defer h.Close()

	if err := netns.Set(h); err != nil {
		return fail(StepNetNS, e.NetNS, err)
	}

	return nil
}

// detach starts the VMM in its own session with stdio on null and leaves it
// running. setsid runs in the forked child, which never leads a process
// group.
func detach(argv, env []string, null *os.File) error {
	p, err := os.StartProcess(argv[0], argv, &os.ProcAttr{
		Env:   env,
		Files: []*os.File{null, null, null},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return fail(StepDaemonize, argv[0], err)
	}

	log.Infof("%s detached as pid %d", argv[0], p.Pid)

	return p.Release()
}

// dropBoundingSet empties the capability bounding set so nothing the VMM
// execs can regain privileges.
func dropBoundingSet() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fail(StepCapabilities, "", err)
	}

	caps.Clear(capability.BOUNDS)

	if err := caps.Apply(capability.BOUNDS); err != nil {
		return fail(StepCapabilities, "", err)
	}

	return nil
}
