package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/bobuhiro11/gomicrovm/flag"
	"github.com/bobuhiro11/gomicrovm/vmm"
	"golang.org/x/sys/unix"
)

func main() {
	c, err := flag.Parse(os.Args[1:])
	if err != nil {
		os.Exit(vmm.ExitBadArgument)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	code := c.Run(ctx)

	stop()
	os.Exit(code)
}
