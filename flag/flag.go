// Package flag is the command line of the VMM binary.
package flag

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/gomicrovm/logger"
	"github.com/bobuhiro11/gomicrovm/seccomp"
	"github.com/bobuhiro11/gomicrovm/vmm"
)

var ErrNoAPINeedsConfig = errors.New("--no-api requires --config-file")

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// CLI holds every command line option of the VMM.
type CLI struct {
	APISock    string `name:"api-sock" default:"/tmp/firecracker.socket" help:"Path of the control API socket."`
	ConfigFile string `name:"config-file" help:"Configure and boot the microVM from this JSON file."`
	ID         string `name:"id" default:"anonymous-instance" help:"MicroVM unique identifier."`

	SeccompLevel int  `name:"seccomp-level" default:"2" help:"Seccomp filtering: 0 none, 1 syscall numbers, 2 with arguments."`
	BootTimer    bool `name:"boot-timer" help:"Log the guest boot time reported through the boot timer device."`

	MMDSSizeLimit  string `name:"mmds-size-limit" default:"51200" help:"MMDS data store limit, as number[kKmM]."`
	MaxPayloadSize string `name:"http-api-max-payload-size" default:"51200" help:"API request body limit, as number[kKmM]."`
	NoAPI          bool   `name:"no-api" help:"Do not serve the API; requires --config-file."`

	Jailed      bool   `name:"jailed" hidden:"" help:"Set by the jailer."`
	StartTimeUs int64  `name:"start-time-us" hidden:"" help:"Process start time, in microseconds since the epoch."`
	LogPath     string `name:"log-path" help:"Send logs to this file or FIFO."`
	Level       string `name:"level" default:"Warning" help:"Log level: Error, Warning, Info or Debug."`
	ShowLevel   bool   `name:"show-level" help:"Include the level in log lines."`
	ShowOrigin  bool   `name:"show-log-origin" help:"Include the file and line in log lines."`
	MetricsPath string `name:"metrics-path" help:"Write metrics to this file or FIFO."`

	Version kong.VersionFlag `name:"version" help:"Print the version and exit."`

	mmdsLimit  int
	maxPayload int
}

// Validate is called by kong once all flags are set.
func (c *CLI) Validate() error {
	if err := vmm.ValidateID(c.ID); err != nil {
		return err
	}

	if _, err := seccomp.ParseLevel(c.SeccompLevel); err != nil {
		return err
	}

	if _, err := logger.ParseLevel(c.Level); err != nil {
		return err
	}

	if c.NoAPI && c.ConfigFile == "" {
		return ErrNoAPINeedsConfig
	}

	var err error

	if c.mmdsLimit, err = ParseSize(c.MMDSSizeLimit, ""); err != nil {
		return fmt.Errorf("--mmds-size-limit: %w", err)
	}

	if c.maxPayload, err = ParseSize(c.MaxPayloadSize, ""); err != nil {
		return fmt.Errorf("--http-api-max-payload-size: %w", err)
	}

	return nil
}
