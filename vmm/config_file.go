package vmm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"unicode"
)

var ErrInvalidID = errors.New("invalid instance id")

// MaxIDLen is the longest instance id accepted.
const MaxIDLen = 64

// ValidateID accepts 1 to 64 ASCII letters, digits and hyphens.
func ValidateID(id string) error {
	if id == "" || len(id) > MaxIDLen {
		return fmt.Errorf("%w: length %d not in [1, %d]", ErrInvalidID, len(id), MaxIDLen)
	}

	for _, c := range id {
		if c > unicode.MaxASCII || (c != '-' && !unicode.IsLetter(c) && !unicode.IsDigit(c)) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidID, id, c)
		}
	}

	return nil
}

// LoadConfigFile reads a VMConfig document. Unknown keys are rejected.
func LoadConfigFile(path string) (*VMConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ParseConfig(b)
}

func ParseConfig(b []byte) (*VMConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var c VMConfig
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &c, nil
}

// Actions are the requests c stands for, in an order where each one's
// dependencies come first. The last one starts the VM.
func (c *VMConfig) Actions() []Action {
	var as []Action

	if c.Logger != nil {
		as = append(as, ConfigureLogger{Config: *c.Logger})
	}

	if c.Metrics != nil {
		as = append(as, ConfigureMetrics{Config: *c.Metrics})
	}

	if c.MachineConfig != nil {
		as = append(as, PutMachineConfig{Config: *c.MachineConfig})
	}

	if c.BootSource != nil {
		as = append(as, ConfigureBootSource{BootSource: *c.BootSource})
	}

	for _, d := range c.Drives {
		as = append(as, PutDrive{Drive: d})
	}

	for _, n := range c.NetworkInterfaces {
		as = append(as, PutNetworkInterface{Iface: n})
	}

	if c.Balloon != nil {
		as = append(as, PutBalloon{Config: *c.Balloon})
	}

	if c.Entropy != nil {
		as = append(as, PutEntropy{Config: *c.Entropy})
	}

	if c.MMDSConfig != nil {
		as = append(as, PutMMDSConfig{Config: *c.MMDSConfig})
	}

	return append(as, InstanceStart{})
}

// Boot configures the VM from c and starts it. It must be called before Run.
func (v *VMM) Boot(c *VMConfig) error {
	for _, a := range c.Actions() {
		if _, err := v.Handle(a); err != nil {
			return fmt.Errorf("%s: %w", a.Name(), err)
		}
	}

	return nil
}
