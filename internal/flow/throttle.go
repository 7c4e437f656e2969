package flow

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits the rate at which one producer may hand elements to the
// store. A nil *Throttle admits everything.
type Throttle struct {
	lim *rate.Limiter
}

// NewThrottle returns a Throttle allowing perSecond elements per second with
// the given burst, or nil when perSecond <= 0.
func NewThrottle(perSecond float64, burst int) *Throttle {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait takes one token, waiting for it when the rate is exceeded. When it has
// to wait, ctl.OnFlowBlock is called before and ctl.OnFlowResume after.
// It reports whether it blocked.
func (t *Throttle) Wait(ctx context.Context, ctl Controller) (bool, error) {
	if t == nil {
		return false, nil
	}
	r := t.lim.Reserve()
	delay := r.Delay()
	if delay == 0 {
		return false, nil
	}

	ctl = orNop(ctl)
	ctl.OnFlowBlock()
	defer ctl.OnFlowResume()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true, nil
	case <-ctx.Done():
		r.Cancel()
		return true, ctx.Err()
	}
}
