package engine

import (
	"context"
	"errors"
	"time"
)

// ErrHalted is returned by RunLoop when the final tick before shutdown
// halted, so callers can exit non-zero.
var ErrHalted = errors.New("last tick halted")

// LoopOptions configures RunLoop.
type LoopOptions struct {
	Interval time.Duration
	// MaxTicks stops the loop after that many ticks; 0 means run until the
	// context is cancelled.
	MaxTicks int
	// OnTick, when set, observes every tick result.
	OnTick func(TickResult)
}

// RunLoop runs ticks on a steady cadence: one immediately, then one per
// interval. Cancellation is cooperative, checked between ticks. Halted
// ticks do not stop the loop; a halted final tick surfaces as ErrHalted.
func (e *Engine) RunLoop(ctx context.Context, opts LoopOptions) error {
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last TickResult
	ticks := 0
	for {
		last = e.RunTick(ctx)
		ticks++
		if opts.OnTick != nil {
			opts.OnTick(last)
		}
		if opts.MaxTicks > 0 && ticks >= opts.MaxTicks {
			break
		}

		select {
		case <-ctx.Done():
			if last.Halted {
				return ErrHalted
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
	if last.Halted {
		return ErrHalted
	}
	return nil
}
