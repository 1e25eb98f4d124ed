package notifier

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"nem-price-alerts/internal/analyzer"
	"nem-price-alerts/internal/metrics"
	"nem-price-alerts/internal/storage"
)

// ErrBlocked indicates the recipient has blocked the bot. The subscriber is
// deactivated and the event dropped; no retry will ever succeed.
var ErrBlocked = errors.New("notifier: recipient blocked the bot")

// Messenger pushes one rendered message to one chat.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Store is the slice of persistence the delivery drain needs.
type Store interface {
	CountAlertsInWindow(ctx context.Context, subscriberID int64, since time.Time) (int, error)
	AppendAlertRecord(ctx context.Context, rec storage.AlertRecord) error
	DeactivateSubscriber(ctx context.Context, subscriberID int64) error
}

// Options tune delivery behaviour.
type Options struct {
	// HourlyCap is the per-subscriber alert budget per rolling hour.
	HourlyCap int
	// SendSpacing is the minimum gap between any two outbound messages.
	SendSpacing time.Duration
	// SendRetries is the number of re-attempts after a transient failure.
	SendRetries int
	// RetryBackoff separates transient-failure re-attempts.
	RetryBackoff time.Duration
}

func (o *Options) applyDefaults() {
	if o.HourlyCap <= 0 {
		o.HourlyCap = 10
	}
	if o.SendSpacing <= 0 {
		o.SendSpacing = 50 * time.Millisecond
	}
	if o.SendRetries <= 0 {
		o.SendRetries = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
}

// Notifier delivers alert events and owns every alert_log append. All writes
// to the log flow through the single Run goroutine, so dedup reads elsewhere
// never race a concurrent append.
type Notifier struct {
	store     Store
	messenger Messenger
	opts      Options
	limiter   *rate.Limiter
	clock     func() time.Time
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	reporter  Reporter
}

// New constructs a Notifier.
func New(store Store, messenger Messenger, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Notifier {
	opts.applyDefaults()
	return &Notifier{
		store:     store,
		messenger: messenger,
		opts:      opts,
		limiter:   rate.NewLimiter(rate.Every(opts.SendSpacing), 1),
		clock:     time.Now,
		logger:    logger.With().Str("component", "notifier").Logger(),
		metrics:   m,
	}
}

// WithClock overrides the time source, for tests.
func (n *Notifier) WithClock(clock func() time.Time) *Notifier {
	n.clock = clock
	return n
}

// WithReporter routes delivery faults to an operator channel.
func (n *Notifier) WithReporter(r Reporter) *Notifier {
	n.reporter = r
	return n
}

// Run drains events until the channel closes or the context ends. Delivery
// failures never stop the drain.
func (n *Notifier) Run(ctx context.Context, events <-chan analyzer.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.Deliver(ctx, ev)
		}
	}
}

// Deliver pushes one event through the cap check, the global throttle, and
// the send. The alert log is appended once the send has resolved, whether
// that is a confirmed delivery, a permanent (blocked) failure, or exhausted
// retries, so a failing subscriber is dropped for that event only and the
// dedup window still opens. Capped events never reach the network and leave
// no record.
func (n *Notifier) Deliver(ctx context.Context, ev analyzer.Event) {
	if n.messenger == nil {
		n.metrics.ObserveSuppressed("no_channel")
		return
	}
	now := n.clock()

	count, err := n.store.CountAlertsInWindow(ctx, ev.SubscriberID, now.Add(-time.Hour))
	if err != nil {
		n.logger.Error().Err(err).Int64("subscriber_id", ev.SubscriberID).Msg("alert cap check failed")
		n.metrics.ObserveDelivery("cap_check_failed")
		return
	}
	if count >= n.opts.HourlyCap {
		n.logger.Warn().
			Int64("subscriber_id", ev.SubscriberID).
			Str("alert_type", string(ev.Type)).
			Int("sent_last_hour", count).
			Msg("hourly alert cap reached; dropping event")
		n.metrics.ObserveSuppressed("hourly_cap")
		return
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return
	}

	text := RenderAlert(ev)
	sendErr := n.send(ctx, ev.SubscriberID, text)
	switch {
	case sendErr == nil:
		n.metrics.ObserveDelivery("sent")
		n.logger.Info().
			Int64("subscriber_id", ev.SubscriberID).
			Str("alert_type", string(ev.Type)).
			Str("region", ev.Region).
			Bool("in_high_alert", ev.InHighAlert).
			Msg("alert delivered")
	case ctx.Err() != nil:
		// Shutdown mid-send; the attempt never resolved either way.
		return
	case errors.Is(sendErr, ErrBlocked):
		n.deactivate(ctx, ev.SubscriberID)
		n.metrics.ObserveDelivery("blocked")
	default:
		n.logger.Error().Err(sendErr).
			Int64("subscriber_id", ev.SubscriberID).
			Str("alert_type", string(ev.Type)).
			Msg("alert delivery failed")
		n.metrics.ObserveDelivery("failed")
		if n.reporter != nil {
			n.reporter.ReportFailure(ctx, "alert delivery", sendErr)
		}
	}

	rec := storage.AlertRecord{
		SubscriberID: ev.SubscriberID,
		Type:         ev.Type,
		Price:        ev.Price,
		Region:       ev.Region,
		SentAt:       n.clock(),
	}
	if err := n.store.AppendAlertRecord(ctx, rec); err != nil {
		// The attempt resolved but the record did not land; the dedup window
		// may shrink for this subscriber until the next successful append.
		n.logger.Error().Err(err).Int64("subscriber_id", ev.SubscriberID).Msg("alert log append failed")
	}
}

// SendDigest pushes a non-alert message (daily summary, admin report). It
// honours the global throttle but bypasses the hourly cap and the alert log.
func (n *Notifier) SendDigest(ctx context.Context, chatID int64, text string) error {
	if n.messenger == nil {
		return nil
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := n.send(ctx, chatID, text); err != nil {
		if errors.Is(err, ErrBlocked) {
			n.deactivate(ctx, chatID)
		}
		return err
	}
	return nil
}

func (n *Notifier) send(ctx context.Context, chatID int64, text string) error {
	var err error
	for attempt := 0; attempt <= n.opts.SendRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(n.opts.RetryBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		err = n.messenger.SendMessage(ctx, chatID, text)
		if err == nil || errors.Is(err, ErrBlocked) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (n *Notifier) deactivate(ctx context.Context, subscriberID int64) {
	n.logger.Warn().Int64("subscriber_id", subscriberID).Msg("recipient blocked the bot; deactivating")
	if err := n.store.DeactivateSubscriber(ctx, subscriberID); err != nil {
		n.logger.Error().Err(err).Int64("subscriber_id", subscriberID).Msg("deactivate subscriber failed")
	}
}
