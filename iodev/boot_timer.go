package iodev

import (
	"time"

	"github.com/bobuhiro11/gomicrovm/metrics"
)

const (
	// BootTimerPort is written by the guest init once user space is up.
	BootTimerPort = 0x3f0

	bootTimerMagic = 123
)

// BootTimer reports how long the guest took to boot, measured from start.
type BootTimer struct {
	start time.Time
}

func NewBootTimer(start time.Time) *BootTimer {
	return &BootTimer{start: start}
}

func (b *BootTimer) Read(_ uint64, data []byte) error {
	clear(data)

	return nil
}

func (b *BootTimer) Write(offset uint64, data []byte) error {
	if offset != 0 || len(data) != 1 || data[0] != bootTimerMagic {
		return nil
	}

	elapsed := time.Since(b.start)
	metrics.M.VMM.BootTimeUs.Add(uint64(elapsed.Microseconds()))

	log.Infof("Guest-boot-time = %8d us %4d ms", elapsed.Microseconds(), elapsed.Milliseconds())

	return nil
}
