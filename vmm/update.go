package vmm

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/gomicrovm/ratelimiter"
	"github.com/bobuhiro11/gomicrovm/virtio"
)

var errDeviceType = errors.New("device has an unexpected type")

// mergeLimiter overlays the buckets set in u on cur.
func mergeLimiter(cur, u *ratelimiter.Config) *ratelimiter.Config {
	if u == nil {
		return cur
	}

	var out ratelimiter.Config
	if cur != nil {
		out = *cur
	}

	if u.Bandwidth != nil {
		out.Bandwidth = u.Bandwidth
	}

	if u.Ops != nil {
		out.Ops = u.Ops
	}

	return &out
}

func (v *VMM) updateDrive(u DriveUpdate) error {
	cur, err := v.res.Drive(u.DriveID)
	if err != nil {
		return actionErr(ConfigError, err)
	}

	if err := rateLimiterCheck(u.RateLimiter); err != nil {
		return actionErr(ConfigError, err)
	}

	d := v.vm.device(virtio.TypeBlock, u.DriveID)
	if d == nil {
		return actionErr(Internal, fmt.Errorf("drive %q has no device", u.DriveID))
	}

	err = d.Locked(func(dev virtio.Device) error {
		blk, ok := dev.(*virtio.Block)
		if !ok {
			return errDeviceType
		}

		if u.PathOnHost != nil {
			if err := blk.UpdateDisk(*u.PathOnHost); err != nil {
				return fmt.Errorf("%w: %w", ErrDriveFile, err)
			}
		}

		if u.RateLimiter != nil {
			return blk.UpdateRateLimiter(*u.RateLimiter)
		}

		return nil
	})
	if err != nil {
		return actionErr(Runtime, err)
	}

	if u.PathOnHost != nil {
		cur.PathOnHost = *u.PathOnHost
	}

	cur.RateLimiter = mergeLimiter(cur.RateLimiter, u.RateLimiter)
	v.res.setDrive(cur)

	return nil
}

func (v *VMM) updateNetworkInterface(u NetworkInterfaceUpdate) error {
	cur, err := v.res.NetworkInterface(u.IfaceID)
	if err != nil {
		return actionErr(ConfigError, err)
	}

	if err := rateLimiterCheck(u.RxRateLimiter, u.TxRateLimiter); err != nil {
		return actionErr(ConfigError, err)
	}

	d := v.vm.device(virtio.TypeNet, u.IfaceID)
	if d == nil {
		return actionErr(Internal, fmt.Errorf("interface %q has no device", u.IfaceID))
	}

	err = d.Locked(func(dev virtio.Device) error {
		n, ok := dev.(*virtio.Net)
		if !ok {
			return errDeviceType
		}

		return n.UpdateRateLimiters(u.RxRateLimiter, u.TxRateLimiter)
	})
	if err != nil {
		return actionErr(Runtime, err)
	}

	cur.RxRateLimiter = mergeLimiter(cur.RxRateLimiter, u.RxRateLimiter)
	cur.TxRateLimiter = mergeLimiter(cur.TxRateLimiter, u.TxRateLimiter)
	v.res.setNetworkInterface(cur)

	return nil
}

func (v *VMM) withBalloon(fn func(*virtio.Balloon) error) error {
	d := v.vm.device(virtio.TypeBalloon, balloonID)
	if d == nil {
		return actionErr(ConfigError, ErrNoBalloon)
	}

	err := d.Locked(func(dev virtio.Device) error {
		b, ok := dev.(*virtio.Balloon)
		if !ok {
			return errDeviceType
		}

		return fn(b)
	})

	return actionErr(Runtime, err)
}

func (v *VMM) updateBalloon(u BalloonUpdate) error {
	if uint64(u.AmountMiB) > v.res.Machine.MemSizeMiB {
		return actionErr(ConfigError, ErrBalloonSize)
	}

	if err := v.withBalloon(func(b *virtio.Balloon) error { return b.UpdateTarget(u.AmountMiB) }); err != nil {
		return err
	}

	v.res.Balloon.AmountMiB = u.AmountMiB

	return nil
}

func (v *VMM) updateBalloonStats(u BalloonStatsUpdate) error {
	err := v.withBalloon(func(b *virtio.Balloon) error {
		return b.UpdateStatsInterval(u.StatsPollingIntervalS)
	})
	if err != nil {
		return err
	}

	v.res.Balloon.StatsPollingIntervalS = u.StatsPollingIntervalS

	return nil
}

func (v *VMM) balloonStats() (any, error) {
	var stats virtio.BalloonStats

	err := v.withBalloon(func(b *virtio.Balloon) error {
		var err error
		stats, err = b.Stats()

		return err
	})
	if err != nil {
		return nil, err
	}

	return stats, nil
}
