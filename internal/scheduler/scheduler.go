package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrStale signals that the publisher has not yet produced the expected
// interval; the cadence retries the window instead of treating it as failed.
var ErrStale = errors.New("scheduler: publication is stale")

// TickFunc runs one fetch-and-process cycle. expected is the interval
// boundary the payload must cover; a zero expected time means there is no
// prior reference and freshness validation must be skipped (startup fetch).
type TickFunc func(ctx context.Context, expected time.Time) error

// Clock abstracts wall time so cadence behaviour is testable with a fake.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// WallClock is the production Clock.
type WallClock struct{}

// Now returns the current wall-clock time.
func (WallClock) Now() time.Time { return time.Now() }

// Sleep blocks for d or until ctx is cancelled.
func (WallClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Options tune one cadence.
type Options struct {
	Name         string
	Period       time.Duration
	Lag          time.Duration
	StaleRetries int
	RetrySpacing time.Duration
	StartupDelay time.Duration

	// OnMissed is invoked when a window is abandoned after exhausting
	// retries. Missing a window is non-fatal; the cadence proceeds.
	OnMissed func(ctx context.Context, boundary time.Time, err error)
}

// Cadence drives fetch cycles at boundary+lag instants. Exactly one cycle is
// in flight at a time; the next window's wait begins only after the current
// cycle resolves.
type Cadence struct {
	opts   Options
	clock  Clock
	logger zerolog.Logger
}

// New constructs a Cadence.
func New(opts Options, clock Clock, logger zerolog.Logger) *Cadence {
	if opts.Period <= 0 {
		panic("cadence period must be positive")
	}
	if clock == nil {
		clock = WallClock{}
	}
	return &Cadence{
		opts:   opts,
		clock:  clock,
		logger: logger.With().Str("component", "scheduler").Str("cadence", opts.Name).Logger(),
	}
}

// Run blocks until ctx is cancelled, invoking tick once per period at the
// boundary+lag instant. The first invocation happens immediately with a zero
// expected time.
func (c *Cadence) Run(ctx context.Context, tick TickFunc) error {
	if c.opts.StartupDelay > 0 {
		if err := c.clock.Sleep(ctx, c.opts.StartupDelay); err != nil {
			return err
		}
	}

	if err := tick(ctx, time.Time{}); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn().Err(err).Msg("startup fetch failed")
	}

	next := c.nextTarget(c.clock.Now())
	for {
		c.logger.Debug().Time("next_target", next).Msg("waiting for next window")
		if err := c.clock.Sleep(ctx, next.Sub(c.clock.Now())); err != nil {
			return err
		}

		c.runWindow(ctx, next.Add(-c.opts.Lag), tick)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		next = next.Add(c.opts.Period)
		if !next.After(c.clock.Now()) {
			next = c.nextTarget(c.clock.Now())
		}
	}
}

// runWindow executes one fetch-and-validate cycle. Stale publications and
// transient failures alike are retried at a fixed spacing up to the
// configured bound; only then is the window abandoned.
func (c *Cadence) runWindow(ctx context.Context, boundary time.Time, tick TickFunc) {
	var err error
	for attempt := 0; attempt <= c.opts.StaleRetries; attempt++ {
		if attempt > 0 {
			if serr := c.clock.Sleep(ctx, c.opts.RetrySpacing); serr != nil {
				return
			}
			c.logger.Debug().Int("attempt", attempt).Time("boundary", boundary).Msg("retrying window")
		}

		err = tick(ctx, boundary)
		if err == nil || ctx.Err() != nil {
			break
		}
	}

	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	c.logger.Error().Err(err).Time("boundary", boundary).Msg("window missed")
	if c.opts.OnMissed != nil {
		c.opts.OnMissed(ctx, boundary, err)
	}
}

// nextTarget computes the earliest boundary+lag instant strictly after now.
func (c *Cadence) nextTarget(now time.Time) time.Time {
	boundary := now.Add(-c.opts.Lag).Truncate(c.opts.Period)
	for !boundary.Add(c.opts.Lag).After(now) {
		boundary = boundary.Add(c.opts.Period)
	}
	return boundary.Add(c.opts.Lag)
}
