package iodev

// NoopDevice claims a port range Linux probes at boot so the probes do not
// show up as unhandled exits. Reads float high, writes are dropped.
type NoopDevice struct {
	Port  uint64
	Psize uint64
}

// NoopRanges are the legacy ports a Linux guest pokes without a device
// behind them. PIC and PIT live in the kernel irqchip and never exit.
var NoopRanges = []NoopDevice{
	{Port: 0x70, Psize: 2},
	{Port: 0x80, Psize: 0x10},
	{Port: 0xa0, Psize: 2},
	{Port: 0xed, Psize: 1},
	{Port: 0x2f8, Psize: 8},
	{Port: 0x3e8, Psize: 8},
	{Port: 0x2e8, Psize: 8},
	{Port: 0xcf8, Psize: 8},
}

func (n *NoopDevice) Read(_ uint64, data []byte) error {
	for i := range data {
		data[i] = 0xff
	}

	return nil
}

func (n *NoopDevice) Write(_ uint64, _ []byte) error {
	return nil
}

func (n *NoopDevice) IOPort() uint64 {
	return n.Port
}

func (n *NoopDevice) Size() uint64 {
	return n.Psize
}
