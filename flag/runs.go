package flag

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/gomicrovm/api"
	"github.com/bobuhiro11/gomicrovm/logger"
	"github.com/bobuhiro11/gomicrovm/seccomp"
	"github.com/bobuhiro11/gomicrovm/serial"
	"github.com/bobuhiro11/gomicrovm/term"
	"github.com/bobuhiro11/gomicrovm/vmm"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var log = logger.WithSource("main")

// Parse reads the command line. args excludes the program name.
func Parse(args []string, options ...kong.Option) (*CLI, error) {
	c := CLI{}

	programName := vmm.AppName
	programDesc := programName + " is a minimal KVM virtual machine monitor driven over a Unix socket API"

	options = append([]kong.Option{
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.Vars{"version": vmm.Version},
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	}, options...)

	parser, err := kong.New(&c, options...)
	if err != nil {
		return nil, err
	}

	if _, err := parser.Parse(args); err != nil {
		parser.Errorf("%s", err)

		return nil, err
	}

	return &c, nil
}

func (c *CLI) setupLogger() error {
	logger.Init(c.ID)

	if c.LogPath != "" {
		return logger.Configure(logger.Config{
			LogPath:       c.LogPath,
			Level:         c.Level,
			ShowLevel:     c.ShowLevel,
			ShowLogOrigin: c.ShowOrigin,
		})
	}

	level, err := logger.ParseLevel(c.Level)
	if err != nil {
		return err
	}

	logrus.SetLevel(level)

	return nil
}

func (c *CLI) startTime() time.Time {
	if c.StartTimeUs > 0 {
		return time.UnixMicro(c.StartTimeUs)
	}

	return time.Now()
}

// Run serves one microVM until it stops and returns the process exit code.
func (c *CLI) Run(ctx context.Context) int {
	if err := c.setupLogger(); err != nil {
		log.Errorf("logger: %v", err)

		return vmm.ExitBadArgument
	}

	log.Infof("starting %s %s, id %s", vmm.AppName, vmm.Version, c.ID)

	if c.Jailed {
		log.Info("running inside the jailer chroot")
	}

	cfg := vmm.Config{
		ID:            c.ID,
		BootTimer:     c.BootTimer,
		StartTime:     c.startTime(),
		MMDSSizeLimit: c.mmdsLimit,
		Console:       os.Stdout,
	}

	// The guest only gets console input from a terminal; epoll refuses
	// regular files such as /dev/null.
	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		restore, err := term.SetRawMode(stdin)
		if err != nil {
			log.Errorf("raw mode: %v", err)

			return vmm.ExitGeneric
		}
		defer restore()

		cfg.ConsoleInput = serial.Input(os.Stdin)
	}

	v, err := vmm.New(cfg)
	if err != nil {
		log.Errorf("creating VMM: %v", err)

		return vmm.ExitGeneric
	}

	if c.MetricsPath != "" {
		if _, err := v.Handle(vmm.ConfigureMetrics{Config: vmm.MetricsConfig{MetricsPath: c.MetricsPath}}); err != nil {
			log.Errorf("metrics: %v", err)

			return c.abort(v, vmm.ExitBadArgument)
		}
	}

	if c.ConfigFile != "" {
		vc, err := vmm.LoadConfigFile(c.ConfigFile)
		if err == nil {
			err = v.Boot(vc)
		}

		if err != nil {
			log.Errorf("booting from %s: %v", c.ConfigFile, err)

			return c.abort(v, vmm.ExitGeneric)
		}
	}

	level, _ := seccomp.ParseLevel(c.SeccompLevel)
	if err := seccomp.Install(level); err != nil {
		log.Errorf("seccomp: %v", err)

		return c.abort(v, vmm.ExitGeneric)
	}

	return c.serve(ctx, v)
}

// abort releases a VMM that never ran.
func (c *CLI) abort(v *vmm.VMM, code int) int {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := v.Run(ctx); err != nil {
		log.Warnf("stopping VMM: %v", err)
	}

	return code
}

func (c *CLI) serve(ctx context.Context, v *vmm.VMM) int {
	g, gctx := errgroup.WithContext(ctx)

	code := vmm.ExitOK

	g.Go(func() error {
		var err error

		code, err = v.Run(gctx)

		return err
	})

	if !c.NoAPI {
		g.Go(func() error {
			actx, cancel := context.WithCancel(gctx)
			defer cancel()

			go func() {
				select {
				case <-v.Done():
					cancel()
				case <-actx.Done():
				}
			}()

			return api.New(v, int64(c.maxPayload)).Serve(actx, c.APISock)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("%v", err)

		if code == vmm.ExitOK {
			code = vmm.ExitGeneric
		}
	}

	log.Infof("exiting with code %d", code)

	return code
}
