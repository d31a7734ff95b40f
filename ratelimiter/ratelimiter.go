// Package ratelimiter throttles device I/O with two token buckets, one for
// bytes and one for operations. A throttled caller is woken through a timer
// fd registered with the reactor.
package ratelimiter

import (
	"errors"
	"time"

	"github.com/bobuhiro11/gomicrovm/reactor"
	"golang.org/x/time/rate"
)

var ErrInvalidBucket = errors.New("token bucket needs a non-zero size and refill_time")

// BucketConfig is a token bucket as the API describes it: Size tokens
// replenished every RefillTime milliseconds, plus an initial OneTimeBurst.
type BucketConfig struct {
	Size         uint64 `json:"size"`
	OneTimeBurst uint64 `json:"one_time_burst,omitempty"`
	RefillTime   uint64 `json:"refill_time"`
}

// Config pairs the two buckets. A nil bucket does not throttle.
type Config struct {
	Bandwidth *BucketConfig `json:"bandwidth,omitempty"`
	Ops       *BucketConfig `json:"ops,omitempty"`
}

func (c *BucketConfig) validate() error {
	if c.Size == 0 || c.RefillTime == 0 {
		return ErrInvalidBucket
	}

	return nil
}

// Validate checks every configured bucket.
func (c Config) Validate() error {
	for _, b := range []*BucketConfig{c.Bandwidth, c.Ops} {
		if b == nil {
			continue
		}

		if err := b.validate(); err != nil {
			return err
		}
	}

	return nil
}

type bucket struct {
	limiter  *rate.Limiter
	oneTime  uint64
	capacity uint64
}

func newBucket(c *BucketConfig) *bucket {
	if c == nil {
		return nil
	}

	perSecond := float64(c.Size) * 1000 / float64(c.RefillTime)

	return &bucket{
		limiter:  rate.NewLimiter(rate.Limit(perSecond), int(c.Size)),
		oneTime:  c.OneTimeBurst,
		capacity: c.Size,
	}
}

// grant is what one reserve took from a bucket, so it can be given back.
type grant struct {
	b     *bucket
	burst uint64
	res   *rate.Reservation
}

func (g *grant) cancel(now time.Time) {
	g.b.oneTime += g.burst

	if g.res != nil {
		g.res.CancelAt(now)
	}
}

// reserve takes n tokens or reports how long until they are available.
// Requests bigger than the bucket drain it entirely. The one-time burst is
// spent first, and only once the rest is granted.
func (b *bucket) reserve(now time.Time, n uint64) (*grant, time.Duration) {
	burst := min(b.oneTime, n)
	n -= burst

	g := &grant{b: b, burst: burst}

	if n > 0 {
		if n > b.capacity {
			n = b.capacity
		}

		r := b.limiter.ReserveN(now, int(n))
		if d := r.DelayFrom(now); d > 0 {
			r.CancelAt(now)

			return nil, d
		}

		g.res = r
	}

	b.oneTime -= burst

	return g, 0
}

// RateLimiter is owned by one device and used only from the reactor thread.
type RateLimiter struct {
	bandwidth *bucket
	ops       *bucket
	timer     *reactor.Timer
	blocked   bool
}

// New builds a limiter from cfg. The zero Config never throttles.
func New(cfg Config) (*RateLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t, err := reactor.NewTimer(0)
	if err != nil {
		return nil, err
	}

	return &RateLimiter{
		bandwidth: newBucket(cfg.Bandwidth),
		ops:       newBucket(cfg.Ops),
		timer:     t,
	}, nil
}

// FD is the timer to watch for the end of a throttling period.
func (r *RateLimiter) FD() int {
	return r.timer.FD()
}

// Blocked reports whether the limiter is waiting for its timer.
func (r *RateLimiter) Blocked() bool {
	return r.blocked
}

// Consume takes one operation and bytes bytes. On false nothing was taken and
// the timer is armed.
func (r *RateLimiter) Consume(bytes uint64) bool {
	if r.blocked {
		return false
	}

	now := time.Now()

	var ops *grant

	if r.ops != nil {
		g, d := r.ops.reserve(now, 1)
		if d > 0 {
			r.block(d)

			return false
		}

		ops = g
	}

	if r.bandwidth != nil && bytes > 0 {
		if _, d := r.bandwidth.reserve(now, bytes); d > 0 {
			if ops != nil {
				ops.cancel(now)
			}

			r.block(d)

			return false
		}
	}

	return true
}

func (r *RateLimiter) block(d time.Duration) {
	r.blocked = true

	// A failed arm would leave the device stalled forever; unblock instead.
	if err := r.timer.Arm(d, 0); err != nil {
		r.blocked = false
	}
}

// Event consumes a timer expiration and lifts the throttling.
func (r *RateLimiter) Event() error {
	n, err := r.timer.Read()
	if err != nil {
		return err
	}

	if n > 0 {
		r.blocked = false
	}

	return nil
}

// Update replaces the buckets named in cfg; nil buckets are left alone.
func (r *RateLimiter) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Bandwidth != nil {
		r.bandwidth = newBucket(cfg.Bandwidth)
	}

	if cfg.Ops != nil {
		r.ops = newBucket(cfg.Ops)
	}

	return nil
}

func (r *RateLimiter) Close() error {
	return r.timer.Close()
}
