package virtio

import (
	"crypto/rand"
	"errors"
	"io"

	"github.com/bobuhiro11/gomicrovm/metrics"
	"github.com/bobuhiro11/gomicrovm/ratelimiter"
	"github.com/bobuhiro11/gomicrovm/reactor"
)

// Rng is virtio-rng filling guest buffers from the host CSPRNG.
type Rng struct {
	deviceBase

	source  io.Reader
	limiter *ratelimiter.RateLimiter
}

var _ Device = (*Rng)(nil)

func NewRng(rl *ratelimiter.Config) (*Rng, error) {
	base, err := newDeviceBase(TypeRng, 0, []uint16{QueueSize}, &metrics.M.Rng.EventFails)
	if err != nil {
		return nil, err
	}

	r := &Rng{deviceBase: base, source: rand.Reader}

	if rl != nil {
		if r.limiter, err = ratelimiter.New(*rl); err != nil {
			r.Close()

			return nil, err
		}
	}

	return r, nil
}

// ReadConfig serves the empty config space.
func (r *Rng) ReadConfig(offset uint64, data []byte) {
	readConfigBytes(nil, offset, data)
}

func (r *Rng) WriteConfig(offset uint64, _ []byte) {
	log.Warnf("rng: guest write to config at %#x", offset)
}

func (r *Rng) Activate(mem GuestMemory) error {
	if err := r.activate(mem); err != nil {
		metrics.M.Rng.ActivateFails.Inc()

		return err
	}

	return nil
}

func (r *Rng) Interest() []reactor.Interest {
	is := r.baseInterest()
	if r.activated && r.limiter != nil {
		is = append(is, reactor.Interest{FD: r.limiter.FD(), Events: reactor.In})
	}

	return is
}

func (r *Rng) Process(ev reactor.Event, ops *reactor.Ops) {
	switch {
	case ev.FD == r.activateEvent.FD():
		r.processActivate(r, ops)
	case ev.FD == r.queueEvents[0].FD():
		if _, err := r.queueEvents[0].Read(); err != nil {
			log.Errorf("rng: read queue event: %v", err)
		}

		r.processQueue()
	case r.limiter != nil && ev.FD == r.limiter.FD():
		if err := r.limiter.Event(); err != nil {
			log.Errorf("rng: rate limiter: %v", err)
		}

		r.processQueue()
	default:
		log.Warnf("rng: unexpected event on fd %d", ev.FD)
	}
}

func (r *Rng) processQueue() {
	if r.failed || !r.activated {
		return
	}

	q := r.queues[0]
	used := false

	for {
		c, err := q.Pop(r.mem)
		if err != nil {
			r.fail(err)

			return
		}

		if c == nil {
			break
		}

		if r.limiter != nil && !r.limiter.Consume(uint64(c.WritableLen)) {
			q.UndoPop()
			metrics.M.Rng.RateLimiterThrottled.Inc()

			break
		}

		n, err := r.fill(c)
		if errors.Is(err, ErrGuestMemoryFault) {
			r.fail(err)

			return
		}

		if err != nil {
			metrics.M.Rng.Fails.Inc()
			log.Errorf("rng: %v", err)
		}

		if err := q.AddUsed(r.mem, c.Head, n); err != nil {
			r.fail(err)

			return
		}

		metrics.M.Rng.Bytes.Add(uint64(n))

		used = true
	}

	if used {
		if err := r.signalUsed(q); err != nil {
			log.Errorf("rng: signal used: %v", err)
		}
	}
}

func (r *Rng) fill(c *DescriptorChain) (uint32, error) {
	var n uint32

	for _, s := range c.Writable {
		b, err := r.mem.Slice(s.Addr, uint64(s.Len))
		if err != nil {
			return n, errors.Join(ErrGuestMemoryFault, err)
		}

		k, err := io.ReadFull(r.source, b)
		n += uint32(k)

		if err != nil {
			return n, err
		}
	}

	return n, nil
}

func (r *Rng) State() DeviceState {
	return r.baseState(nil)
}

func (r *Rng) Restore(s DeviceState) error {
	return r.restoreBase(s)
}

func (r *Rng) Close() error {
	var errs []error

	if r.limiter != nil {
		errs = append(errs, r.limiter.Close())
	}

	errs = append(errs, r.deviceBase.Close())

	return errors.Join(errs...)
}
