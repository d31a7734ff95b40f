package virtio

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/bobuhiro11/gomicrovm/metrics"
	"github.com/bobuhiro11/gomicrovm/ratelimiter"
	"github.com/bobuhiro11/gomicrovm/reactor"
	"golang.org/x/sys/unix"
)

const (
	netFeatureMAC = 5

	// VnetHeaderLen is the size of virtio_net_hdr_v1.
	VnetHeaderLen = 12

	// maxFrameLen bounds an Ethernet frame plus VLAN tag as read from the tap.
	maxFrameLen = 65562

	rxIndex = 0
	txIndex = 1
)

// Tap is the host side of a guest interface. Every Read returns one frame,
// every Write sends one.
type Tap interface {
	io.ReadWriter
	FD() int
	Close() error
}

// NetConfig describes one guest interface.
type NetConfig struct {
	ID            string
	GuestMAC      net.HardwareAddr
	RxRateLimiter *ratelimiter.Config
	TxRateLimiter *ratelimiter.Config
}

// Net is virtio-net on a tap device.
type Net struct {
	deviceBase

	cfg NetConfig
	tap Tap

	rxLimiter *ratelimiter.RateLimiter
	txLimiter *ratelimiter.RateLimiter

	// rxFrame holds a frame read from the tap that no RX chain took yet.
	rxFrame   []byte
	rxPending bool
	tapPaused bool
	rxBuf     []byte
}

var _ Device = (*Net)(nil)

func NewNet(cfg NetConfig, tap Tap) (*Net, error) {
	var features uint64
	if len(cfg.GuestMAC) == 6 {
		features |= 1 << netFeatureMAC
	}

	base, err := newDeviceBase(TypeNet, features, []uint16{QueueSize, QueueSize}, &metrics.M.Net.EventFails)
	if err != nil {
		return nil, err
	}

	n := &Net{deviceBase: base, cfg: cfg, tap: tap, rxBuf: make([]byte, maxFrameLen)}

	for _, l := range []struct {
		cfg *ratelimiter.Config
		dst **ratelimiter.RateLimiter
	}{{cfg.RxRateLimiter, &n.rxLimiter}, {cfg.TxRateLimiter, &n.txLimiter}} {
		if l.cfg == nil {
			continue
		}

		if *l.dst, err = ratelimiter.New(*l.cfg); err != nil {
			n.Close()

			return nil, err
		}
	}

	return n, nil
}

func (n *Net) ID() string {
	return n.cfg.ID
}

func (n *Net) Config() NetConfig {
	return n.cfg
}

func (n *Net) config() []byte {
	c := make([]byte, 6)
	copy(c, n.cfg.GuestMAC)

	return c
}

func (n *Net) ReadConfig(offset uint64, data []byte) {
	readConfigBytes(n.config(), offset, data)
}

func (n *Net) WriteConfig(offset uint64, _ []byte) {
	log.Warnf("net %s: guest write to read-only config at %#x", n.cfg.ID, offset)
}

func (n *Net) Activate(mem GuestMemory) error {
	if err := n.activate(mem); err != nil {
		metrics.M.Net.ActivateFails.Inc()

		return err
	}

	return nil
}

// UpdateRateLimiters replaces the given buckets of either direction.
func (n *Net) UpdateRateLimiters(rx, tx *ratelimiter.Config) error {
	for _, l := range []struct {
		cfg *ratelimiter.Config
		dst *ratelimiter.RateLimiter
	}{{rx, n.rxLimiter}, {tx, n.txLimiter}} {
		if l.cfg == nil {
			continue
		}

		if l.dst == nil {
			return fmt.Errorf("net %s: %w", n.cfg.ID, errNoRateLimiter)
		}

		if err := l.dst.Update(*l.cfg); err != nil {
			return err
		}
	}

	return nil
}

func (n *Net) Interest() []reactor.Interest {
	is := n.baseInterest()
	if !n.activated {
		return is
	}

	is = append(is, reactor.Interest{FD: n.tap.FD(), Events: reactor.In})

	for _, l := range []*ratelimiter.RateLimiter{n.rxLimiter, n.txLimiter} {
		if l != nil {
			is = append(is, reactor.Interest{FD: l.FD(), Events: reactor.In})
		}
	}

	return is
}

func (n *Net) Process(ev reactor.Event, ops *reactor.Ops) {
	switch {
	case ev.FD == n.activateEvent.FD():
		n.processActivate(n, ops)
	case ev.FD == n.queueEvents[rxIndex].FD():
		if _, err := n.queueEvents[rxIndex].Read(); err != nil {
			log.Errorf("net %s: read rx queue event: %v", n.cfg.ID, err)
		}

		metrics.M.Net.RxQueueEvents.Inc()
		n.resumeRx(ops)
	case ev.FD == n.queueEvents[txIndex].FD():
		if _, err := n.queueEvents[txIndex].Read(); err != nil {
			log.Errorf("net %s: read tx queue event: %v", n.cfg.ID, err)
		}

		metrics.M.Net.TxQueueEvents.Inc()
		n.processTx()
	case ev.FD == n.tap.FD():
		n.processTap(ops)
	case n.rxLimiter != nil && ev.FD == n.rxLimiter.FD():
		if err := n.rxLimiter.Event(); err != nil {
			log.Errorf("net %s: rx rate limiter: %v", n.cfg.ID, err)
		}

		n.resumeRx(ops)
	case n.txLimiter != nil && ev.FD == n.txLimiter.FD():
		if err := n.txLimiter.Event(); err != nil {
			log.Errorf("net %s: tx rate limiter: %v", n.cfg.ID, err)
		}

		n.processTx()
	default:
		log.Warnf("net %s: unexpected event on fd %d", n.cfg.ID, ev.FD)
	}
}

// pauseTap stops watching the tap until the guest gives us RX buffers.
func (n *Net) pauseTap(ops *reactor.Ops) {
	if !n.tapPaused {
		n.tapPaused = true
		ops.Modify(n.tap.FD(), 0)
	}
}

func (n *Net) resumeTap(ops *reactor.Ops) {
	if n.tapPaused {
		n.tapPaused = false
		ops.Modify(n.tap.FD(), reactor.In)
	}
}

// resumeRx delivers a deferred frame and starts reading the tap again.
func (n *Net) resumeRx(ops *reactor.Ops) {
	if n.failed || !n.activated {
		return
	}

	if n.rxPending && !n.deliver() {
		return
	}

	n.resumeTap(ops)
}

func (n *Net) processTap(ops *reactor.Ops) {
	if n.failed || !n.activated {
		n.pauseTap(ops)

		return
	}

	for !n.rxPending {
		k, err := n.tap.Read(n.rxBuf[VnetHeaderLen:])
		if errors.Is(err, unix.EAGAIN) {
			return
		}

		if err != nil {
			metrics.M.Net.RxFails.Inc()
			log.Errorf("net %s: read tap: %v", n.cfg.ID, err)
			n.pauseTap(ops)

			return
		}

		// The header goes out zeroed: no offloads are negotiated.
		clear(n.rxBuf[:VnetHeaderLen])
		n.rxFrame = n.rxBuf[:VnetHeaderLen+k]
		n.rxPending = true

		if !n.deliver() {
			break
		}
	}

	n.pauseTap(ops)
}

// deliver hands the pending frame to the guest. It reports false when the
// frame has to wait.
func (n *Net) deliver() bool {
	q := n.queues[rxIndex]

	c, err := q.Pop(n.mem)
	if err != nil {
		n.fail(err)

		return false
	}

	if c == nil {
		metrics.M.Net.RxDeferred.Inc()

		return false
	}

	if n.rxLimiter != nil && !n.rxLimiter.Consume(uint64(len(n.rxFrame))) {
		q.UndoPop()
		metrics.M.Net.RxRateLimiterThrottled.Inc()

		return false
	}

	written := uint32(0)

	if c.WritableLen < uint32(len(n.rxFrame)) {
		metrics.M.Net.RxFails.Inc()
		log.Warnf("net %s: rx buffer of %d bytes too small for a %d byte frame, dropped",
			n.cfg.ID, c.WritableLen, len(n.rxFrame))
	} else if written, err = c.Write(n.mem, n.rxFrame); err != nil {
		n.fail(err)

		return false
	}

	n.rxPending = false

	if err := q.AddUsed(n.mem, c.Head, written); err != nil {
		n.fail(err)

		return false
	}

	metrics.M.Net.RxPackets.Inc()
	metrics.M.Net.RxBytes.Add(uint64(written))

	if err := n.signalUsed(q); err != nil {
		log.Errorf("net %s: signal rx: %v", n.cfg.ID, err)
	}

	return true
}

func (n *Net) processTx() {
	if n.failed || !n.activated {
		return
	}

	q := n.queues[txIndex]
	used := false

	for {
		c, err := q.Pop(n.mem)
		if err != nil {
			n.fail(err)

			return
		}

		if c == nil {
			break
		}

		if n.txLimiter != nil && !n.txLimiter.Consume(uint64(c.ReadableLen)) {
			q.UndoPop()
			metrics.M.Net.TxRateLimiterThrottled.Inc()

			break
		}

		frame, err := c.ReadAll(n.mem)
		if err != nil {
			n.fail(err)

			return
		}

		if len(frame) < VnetHeaderLen {
			metrics.M.Net.TxFails.Inc()
			log.Warnf("net %s: tx chain of %d bytes has no header", n.cfg.ID, len(frame))
		} else if _, err := n.tap.Write(frame[VnetHeaderLen:]); err != nil {
			metrics.M.Net.TxFails.Inc()
			log.Warnf("net %s: write tap: %v", n.cfg.ID, err)
		} else {
			metrics.M.Net.TxPackets.Inc()
			metrics.M.Net.TxBytes.Add(uint64(len(frame) - VnetHeaderLen))
		}

		if err := q.AddUsed(n.mem, c.Head, 0); err != nil {
			n.fail(err)

			return
		}

		used = true
	}

	if used {
		if err := n.signalUsed(q); err != nil {
			log.Errorf("net %s: signal tx: %v", n.cfg.ID, err)
		}
	}
}

func (n *Net) State() DeviceState {
	return n.baseState(n.config())
}

func (n *Net) Restore(s DeviceState) error {
	return n.restoreBase(s)
}

func (n *Net) Close() error {
	var errs []error

	for _, l := range []*ratelimiter.RateLimiter{n.rxLimiter, n.txLimiter} {
		if l != nil {
			errs = append(errs, l.Close())
		}
	}

	if n.tap != nil {
		errs = append(errs, n.tap.Close())
	}

	errs = append(errs, n.deviceBase.Close())

	return errors.Join(errs...)
}
