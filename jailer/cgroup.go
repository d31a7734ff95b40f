package jailer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containerd/cgroups"
	cgroupsv2 "github.com/containerd/cgroups/v2"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	cgroupRoot = "/sys/fs/cgroup"
	nodeRoot   = "/sys/devices/system/node"
)

var (
	ErrCgroupVersion = errors.New("cgroup version must be auto, 1 or 2")
	ErrNodeNoCPUs    = errors.New("NUMA node has no CPUs")
)

type CgroupVersion int

const (
	CgroupAuto CgroupVersion = iota
	CgroupV1
	CgroupV2
)

func ParseCgroupVersion(s string) (CgroupVersion, error) {
	switch s {
	case "", "auto":
		return CgroupAuto, nil
	case "1":
		return CgroupV1, nil
	case "2":
		return CgroupV2, nil
	}

	return CgroupAuto, fmt.Errorf("%q: %w", s, ErrCgroupVersion)
}

func (v CgroupVersion) String() string {
	switch v {
	case CgroupV1:
		return "v1"
	case CgroupV2:
		return "v2"
	}

	return "auto"
}

// Resolve picks the hierarchy the host mounts when v is CgroupAuto. Hybrid
// hosts keep cpuset on v1.
func (v CgroupVersion) Resolve() CgroupVersion {
	if v != CgroupAuto {
		return v
	}

	if cgroups.Mode() == cgroups.Unified {
		return CgroupV2
	}

	return CgroupV1
}

// nodeCPUs returns the cpulist of a NUMA node, e.g. "0-7,16-23".
func nodeCPUs(root string, node uint32) (string, error) {
	path := filepath.Join(root, "node"+strconv.FormatUint(uint64(node), 10), "cpulist")

	b, err := os.ReadFile(path)
	if err != nil {
		return "", fail(StepNUMANode, path, err)
	}

	cpus := strings.TrimSpace(string(b))
	if cpus == "" {
		return "", fail(StepNUMANode, path, ErrNodeNoCPUs)
	}

	return cpus, nil
}

func cpusetOnly() ([]cgroups.Subsystem, error) {
	return []cgroups.Subsystem{cgroups.NewCpuset(cgroupRoot)}, nil
}

// joinCgroup creates group pinned to the node's CPUs and memory and moves pid
// into it.
func joinCgroup(v CgroupVersion, group string, node uint32, cpus string, pid int) error {
	mems := strconv.FormatUint(uint64(node), 10)
	group = "/" + strings.TrimPrefix(group, "/")

	if v == CgroupV2 {
		m, err := cgroupsv2.NewManager(cgroupRoot, group, &cgroupsv2.Resources{
			CPU: &cgroupsv2.CPU{Cpus: cpus, Mems: mems},
		})
		if err != nil {
			return fail(StepCgroup, group, err)
		}

		if err := m.AddProc(uint64(pid)); err != nil {
			return fail(StepCgroup, group, err)
		}

		return nil
	}

	cg, err := cgroups.New(cpusetOnly, cgroups.StaticPath(group), &specs.LinuxResources{
		CPU: &specs.LinuxCPU{Cpus: cpus, Mems: mems},
	})
	if err != nil {
		return fail(StepCgroup, group, err)
	}

	if err := cg.Add(cgroups.Process{Pid: pid}); err != nil {
		return fail(StepCgroup, group, err)
	}

	return nil
}
