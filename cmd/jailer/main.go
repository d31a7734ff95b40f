package main

import (
	"os"

	"github.com/bobuhiro11/gomicrovm/jailer"
	"github.com/bobuhiro11/gomicrovm/logger"
	"github.com/sirupsen/logrus"
)

func main() {
	c, err := jailer.Parse(os.Args[1:])
	if err != nil {
		os.Exit(jailer.ExitCode(err))
	}

	logger.Init(c.ID)
	logrus.SetLevel(logrus.InfoLevel)

	e, err := c.Env()
	if err == nil {
		err = e.Run()
	}

	if err != nil {
		logger.WithSource(jailer.AppName).Errorf("%v", err)
	}

	os.Exit(jailer.ExitCode(err))
}
