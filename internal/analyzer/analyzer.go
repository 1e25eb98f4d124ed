package analyzer

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"nem-price-alerts/internal/metrics"
	"nem-price-alerts/internal/storage"
)

// Event is one alert the analyzer wants delivered. It is in-memory only; the
// durable record is written by the delivery drain once the send resolves.
type Event struct {
	SubscriberID int64
	Type         storage.AlertType
	Region       string
	Price        decimal.Decimal

	// Threshold is the subscriber threshold that triggered, where relevant.
	Threshold decimal.Decimal
	// PrevPrice is the spike baseline, spike events only.
	PrevPrice decimal.Decimal
	// TargetTime is the forecast target, forecast events only.
	TargetTime time.Time
	// InHighAlert reports whether the subscriber is in the derived
	// high-alert state after this event.
	InHighAlert bool
}

// Store is the history the analyzer reads. All mutable alert state lives
// behind it; the analyzer itself holds none.
type Store interface {
	ListActiveSubscribers(ctx context.Context, region string) ([]storage.Subscriber, error)
	PreviousPrice(ctx context.Context, region string) (decimal.Decimal, bool, error)
	RecentAlertExists(ctx context.Context, subscriberID int64, since time.Time, types ...storage.AlertType) (bool, error)
	LastAlertTimes(ctx context.Context, subscriberID int64) (lastHigh, lastClear time.Time, err error)
	ForecastsBetween(ctx context.Context, region string, after, before time.Time) ([]storage.ForecastPoint, error)
}

// Options tune alert evaluation.
type Options struct {
	SpikeDelta          decimal.Decimal
	ForecastHorizon     time.Duration
	DedupWindow         time.Duration
	ForecastDedupWindow time.Duration
	AllClearDedupWindow time.Duration
}

func (o *Options) applyDefaults() {
	if o.SpikeDelta.IsZero() {
		o.SpikeDelta = decimal.NewFromInt(100)
	}
	if o.ForecastHorizon <= 0 {
		o.ForecastHorizon = time.Hour
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 30 * time.Minute
	}
	if o.ForecastDedupWindow <= 0 {
		o.ForecastDedupWindow = time.Hour
	}
	if o.AllClearDedupWindow <= 0 {
		o.AllClearDedupWindow = time.Hour
	}
}

// Analyzer evaluates ticks and forecasts against subscriber state. It is a
// pure function of its inputs and the store; safe to call from one
// goroutine per cadence.
type Analyzer struct {
	store   Store
	opts    Options
	clock   func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New constructs an Analyzer.
func New(store Store, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Analyzer {
	opts.applyDefaults()
	return &Analyzer{
		store:   store,
		opts:    opts,
		clock:   time.Now,
		logger:  logger.With().Str("component", "analyzer").Logger(),
		metrics: m,
	}
}

// WithClock overrides the time source, for tests.
func (a *Analyzer) WithClock(clock func() time.Time) *Analyzer {
	a.clock = clock
	return a
}

// AnalyzeTick evaluates one freshly stored tick against every active
// subscriber in its region. Alert conditions are independent: a tick may
// emit several event types for one subscriber in a single pass.
func (a *Analyzer) AnalyzeTick(ctx context.Context, tick storage.PriceTick) ([]Event, error) {
	subs, err := a.store.ListActiveSubscribers(ctx, tick.Region)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, nil
	}

	now := a.clock()

	spike := false
	var prev decimal.Decimal
	if p, ok, perr := a.store.PreviousPrice(ctx, tick.Region); perr != nil {
		// Spike baseline unavailable; evaluate the remaining conditions.
		a.logger.Error().Err(perr).Str("region", tick.Region).Msg("previous price lookup failed")
	} else if ok {
		prev = p
		spike = tick.Price.Sub(prev).Abs().GreaterThan(a.opts.SpikeDelta)
	}

	events := make([]Event, 0)
	for _, sub := range subs {
		if spike && a.dedupOK(ctx, sub.ID, now.Add(-a.opts.DedupWindow), storage.AlertSpike) {
			events = append(events, Event{
				SubscriberID: sub.ID,
				Type:         storage.AlertSpike,
				Region:       tick.Region,
				Price:        tick.Price,
				PrevPrice:    prev,
				InHighAlert:  true,
			})
		}

		// high_price shares its dedup window with spike so a spike-driven
		// notification holds off the threshold one.
		if tick.Price.GreaterThan(sub.HighAlert) &&
			a.dedupOK(ctx, sub.ID, now.Add(-a.opts.DedupWindow), storage.AlertHighPrice, storage.AlertSpike) {
			events = append(events, Event{
				SubscriberID: sub.ID,
				Type:         storage.AlertHighPrice,
				Region:       tick.Region,
				Price:        tick.Price,
				Threshold:    sub.HighAlert,
				InHighAlert:  true,
			})
		}

		if tick.Price.LessThan(sub.LowAlert) &&
			a.dedupOK(ctx, sub.ID, now.Add(-a.opts.DedupWindow), storage.AlertLowPrice) {
			events = append(events, Event{
				SubscriberID: sub.ID,
				Type:         storage.AlertLowPrice,
				Region:       tick.Region,
				Price:        tick.Price,
				Threshold:    sub.LowAlert,
			})
		}

		if !tick.Price.GreaterThan(sub.HighAlert) {
			if ev, ok := a.evaluateAllClear(ctx, sub, tick, now); ok {
				events = append(events, ev)
			}
		}
	}

	for _, ev := range events {
		a.metrics.ObserveAlertEmitted(string(ev.Type))
	}
	return events, nil
}

// AnalyzeForecasts emits forecast warnings for targets inside the horizon
// that exceed a subscriber's high threshold. Dedup is keyed per subscriber,
// not per forecast publication, so re-published forecasts stay silent.
func (a *Analyzer) AnalyzeForecasts(ctx context.Context, region string) ([]Event, error) {
	now := a.clock()

	forecasts, err := a.store.ForecastsBetween(ctx, region, now, now.Add(a.opts.ForecastHorizon))
	if err != nil {
		return nil, err
	}
	if len(forecasts) == 0 {
		return nil, nil
	}

	subs, err := a.store.ListActiveSubscribers(ctx, region)
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0)
	fired := make(map[int64]bool, len(subs))
	for _, fc := range forecasts {
		for _, sub := range subs {
			if fired[sub.ID] || !fc.Price.GreaterThan(sub.HighAlert) {
				continue
			}
			if !a.dedupOK(ctx, sub.ID, now.Add(-a.opts.ForecastDedupWindow), storage.AlertForecast) {
				continue
			}
			fired[sub.ID] = true
			events = append(events, Event{
				SubscriberID: sub.ID,
				Type:         storage.AlertForecast,
				Region:       region,
				Price:        fc.Price,
				Threshold:    sub.HighAlert,
				TargetTime:   fc.TargetTime,
			})
		}
	}

	for _, ev := range events {
		a.metrics.ObserveAlertEmitted(string(ev.Type))
	}
	return events, nil
}

// evaluateAllClear checks the derived high-alert state: the subscriber is in
// it when their most recent high_price/spike alert is more recent than their
// most recent all_clear. The state is recomputed from the log every time;
// there is no second copy to drift.
func (a *Analyzer) evaluateAllClear(ctx context.Context, sub storage.Subscriber, tick storage.PriceTick, now time.Time) (Event, bool) {
	lastHigh, lastClear, err := a.store.LastAlertTimes(ctx, sub.ID)
	if err != nil {
		a.suppress(sub.ID, storage.AlertAllClear, err)
		return Event{}, false
	}
	if !lastHigh.After(lastClear) {
		return Event{}, false
	}
	if !a.dedupOK(ctx, sub.ID, now.Add(-a.opts.AllClearDedupWindow), storage.AlertAllClear) {
		return Event{}, false
	}
	return Event{
		SubscriberID: sub.ID,
		Type:         storage.AlertAllClear,
		Region:       tick.Region,
		Price:        tick.Price,
		Threshold:    sub.HighAlert,
	}, true
}

// dedupOK reports whether no alert of the given types was logged inside the
// window. A failed check fails closed: the alert is suppressed rather than
// risked as a duplicate.
func (a *Analyzer) dedupOK(ctx context.Context, subscriberID int64, since time.Time, types ...storage.AlertType) bool {
	exists, err := a.store.RecentAlertExists(ctx, subscriberID, since, types...)
	if err != nil {
		a.suppress(subscriberID, types[0], err)
		return false
	}
	return !exists
}

func (a *Analyzer) suppress(subscriberID int64, alertType storage.AlertType, err error) {
	a.logger.Error().Err(err).
		Int64("subscriber_id", subscriberID).
		Str("alert_type", string(alertType)).
		Msg("dedup check failed; alert suppressed")
	a.metrics.ObserveSuppressed("dedup_check_failed")
}
