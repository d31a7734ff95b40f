// Package logger sets up the process-wide logrus logger and implements the
// logger configuration of the control API.
package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/bobuhiro11/gomicrovm/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	ErrAlreadyConfigured = errors.New("reinitialization of logger not allowed")
	ErrInvalidLevel      = errors.New("invalid log level")
)

// Default our log level to 'Warn', rather than the logrus default of 'Info'.
const defaultLevel = logrus.WarnLevel

var (
	mu         sync.Mutex
	configured bool
	output     io.WriteCloser
	instance   string
)

// Config is the body of PUT /logger.
type Config struct {
	LogPath       string `json:"log_path"`
	Level         string `json:"level,omitempty"`
	ShowLevel     bool   `json:"show_level,omitempty"`
	ShowLogOrigin bool   `json:"show_log_origin,omitempty"`
}

// ParseLevel accepts Error, Warning, Info and Debug in any case.
func ParseLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "":
		return defaultLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "warning", "warn":
		return logrus.WarnLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "debug", "trace":
		return logrus.DebugLevel, nil
	}

	return 0, fmt.Errorf("%q: %w", s, ErrInvalidLevel)
}

// Init prepares the standard logger for the VMM process.
func Init(instanceID string) {
	mu.Lock()
	defer mu.Unlock()

	instance = instanceID

	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(defaultLevel)
	logrus.SetFormatter(newFormatter(true))
	logrus.StandardLogger().ReplaceHooks(logrus.LevelHooks{})
	logrus.AddHook(&countHook{})
}

// WithSource returns the entry a package logs through.
func WithSource(source string) *logrus.Entry {
	return logrus.WithField("source", source)
}

// Configure points the logger at cfg.LogPath. It can be done once.
func Configure(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	if configured {
		return ErrAlreadyConfigured
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	// O_NONBLOCK so that a FIFO without a reader does not hang the VMM.
	f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE|unix.O_NONBLOCK, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.LogPath, err)
	}

	output = f
	configured = true

	logrus.SetOutput(f)
	logrus.SetLevel(level)
	logrus.SetReportCaller(cfg.ShowLogOrigin)
	logrus.SetFormatter(newFormatter(cfg.ShowLevel))

	return nil
}

// Configured reports whether Configure succeeded.
func Configured() bool {
	mu.Lock()
	defer mu.Unlock()

	return configured
}

// Close restores stderr output and closes the configured destination.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	logrus.SetOutput(os.Stderr)

	configured = false

	if output == nil {
		return nil
	}

	err := output.Close()
	output = nil

	return err
}

// formatter drops the level from every entry unless asked to show it.
type formatter struct {
	text      *logrus.TextFormatter
	showLevel bool
}

func newFormatter(showLevel bool) *formatter {
	return &formatter{
		text: &logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000000000",
		},
		showLevel: showLevel,
	}
}

func (f *formatter) Format(e *logrus.Entry) ([]byte, error) {
	if instance != "" {
		e.Data["instance"] = instance
	}

	if f.showLevel {
		return f.text.Format(e)
	}

	b, err := f.text.Format(e)
	if err != nil {
		return nil, err
	}

	return []byte(strings.Replace(string(b), " level="+e.Level.String(), "", 1)), nil
}

type countHook struct{}

func (*countHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (*countHook) Fire(*logrus.Entry) error {
	metrics.M.Logger.Lines.Inc()

	return nil
}
