// Package pace spaces out frame injection to a fixed average rate.
package pace

import (
	"context"

	"golang.org/x/time/rate"
)

// Pacer admits frames at perSecond frames per second on average.
// Not safe for concurrent use.
type Pacer struct {
	limiter  *rate.Limiter
	burst    uint64
	admitted uint64
}

// New creates a pacer for perSecond frames per second.
// If perSecond == 0, pacing is disabled and New returns nil.
func New(perSecond uint64) *Pacer {
	if perSecond == 0 {
		return nil
	}
	// Let ~10ms worth of frames through back to back,
	// at least one frame and at most 64.
	burst := min(max(perSecond/100, 1), 64)
	return &Pacer{
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(burst)),
		burst:   burst,
	}
}

// Wait blocks until n more frames are admitted or ctx is done.
func (p *Pacer) Wait(ctx context.Context, n uint64) error {
	if p == nil || n == 0 {
		return ctx.Err()
	}
	for n > 0 {
		chunk := min(n, p.burst)
		if err := p.limiter.WaitN(ctx, int(chunk)); err != nil {
			return err
		}
		p.admitted += chunk
		n -= chunk
	}
	return nil
}

// Admitted returns the number of frames admitted so far.
func (p *Pacer) Admitted() uint64 {
	if p == nil {
		return 0
	}
	return p.admitted
}
