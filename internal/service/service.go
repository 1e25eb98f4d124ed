package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nem-price-alerts/internal/analyzer"
	"nem-price-alerts/internal/config"
	"nem-price-alerts/internal/fetcher"
	"nem-price-alerts/internal/metrics"
	"nem-price-alerts/internal/notifier"
	"nem-price-alerts/internal/parser"
	"nem-price-alerts/internal/scheduler"
	"nem-price-alerts/internal/storage"
)

// nemRegions are the five NEM price regions.
var nemRegions = []string{"NSW1", "VIC1", "QLD1", "SA1", "TAS1"}

// Store is the persistence surface the service needs on top of what the
// analyzer and notifier already hold.
type Store interface {
	storage.TickStore
	ListActiveSubscribers(ctx context.Context, region string) ([]storage.Subscriber, error)
	CountAlertsInWindow(ctx context.Context, subscriberID int64, since time.Time) (int, error)
	PruneOlderThan(ctx context.Context, table storage.Table, cutoff time.Time) (int64, error)
}

// Service orchestrates the two fetch cadences, analysis, and delivery.
type Service struct {
	fast        *scheduler.Cadence
	slow        *scheduler.Cadence
	dispatch    fetcher.DispatchFetcher
	predispatch fetcher.PredispatchFetcher
	store       Store
	analyzer    *analyzer.Analyzer
	notifier    *notifier.Notifier
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	events    chan analyzer.Event
	retention config.RetentionConfig
	clock     func() time.Time
	reporter  notifier.Reporter

	lastSummaryDay string
}

// New constructs the monitoring service.
func New(
	cfg *config.Config,
	dispatch fetcher.DispatchFetcher,
	predispatch fetcher.PredispatchFetcher,
	store Store,
	anlz *analyzer.Analyzer,
	ntf *notifier.Notifier,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Service {
	svc := &Service{
		dispatch:    dispatch,
		predispatch: predispatch,
		store:       store,
		analyzer:    anlz,
		notifier:    ntf,
		metrics:     m,
		logger:      logger.With().Str("component", "service").Logger(),
		events:      make(chan analyzer.Event, cfg.Notifier.QueueSize),
		retention:   cfg.Retention,
		clock:       time.Now,
	}

	svc.fast = scheduler.New(scheduler.Options{
		Name:         "dispatch",
		Period:       cfg.Scheduler.DispatchPeriod,
		Lag:          cfg.Scheduler.DispatchLag,
		StaleRetries: cfg.Scheduler.StaleRetries,
		RetrySpacing: cfg.Scheduler.RetrySpacing,
		StartupDelay: cfg.Scheduler.StartupDelay,
		OnMissed: func(ctx context.Context, boundary time.Time, err error) {
			m.ObserveMissedWindow("dispatch")
			svc.reportMiss(ctx, "dispatch window "+boundary.Format(time.RFC3339), err)
		},
	}, nil, logger)

	svc.slow = scheduler.New(scheduler.Options{
		Name:         "predispatch",
		Period:       cfg.Scheduler.PredispatchPeriod,
		StaleRetries: cfg.Scheduler.StaleRetries,
		RetrySpacing: cfg.Scheduler.RetrySpacing,
		StartupDelay: cfg.Scheduler.StartupDelay,
		OnMissed: func(ctx context.Context, boundary time.Time, err error) {
			m.ObserveMissedWindow("predispatch")
			svc.reportMiss(ctx, "predispatch window "+boundary.Format(time.RFC3339), err)
		},
	}, nil, logger)

	return svc
}

// WithReporter routes missed-window faults to an operator channel.
func (s *Service) WithReporter(r notifier.Reporter) *Service {
	s.reporter = r
	return s
}

func (s *Service) reportMiss(ctx context.Context, subject string, err error) {
	if s.reporter != nil {
		s.reporter.ReportFailure(ctx, subject, err)
	}
}

// Run starts both cadences, the delivery drain, and maintenance, blocking
// until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.dispatch == nil || s.predispatch == nil {
		return fmt.Errorf("fetchers not configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.notifier.Run(ctx, s.events)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.fast.Run(ctx, s.dispatchTick)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.slow.Run(ctx, s.predispatchTick)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.maintenanceLoop(ctx)
	}()

	s.logger.Info().Msg("service started")
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// dispatchTick runs one fast-cadence cycle: fetch the latest dispatch report,
// store new ticks, and analyze them. A report that does not yet cover the
// expected boundary is reported as stale so the cadence retries.
func (s *Service) dispatchTick(ctx context.Context, expected time.Time) error {
	payload, err := s.dispatch.FetchDispatch(ctx)
	if err != nil {
		s.metrics.ObserveFetch("dispatch", "error")
		return fmt.Errorf("fetch dispatch report: %w", err)
	}
	s.metrics.ObserveFetch("dispatch", "ok")

	records, stats := parser.ParseDispatch(payload)
	s.metrics.ObserveRows("dispatch", stats.Decoded, stats.Skipped)
	if len(records) == 0 {
		return fmt.Errorf("dispatch report yielded no price rows (%d data rows, %d skipped)", stats.DataRows, stats.Skipped)
	}

	if !expected.IsZero() && newestInterval(records).Before(expected) {
		return scheduler.ErrStale
	}

	fetchedAt := s.clock().UTC()
	analyzed := make(map[string]bool, len(records))
	for _, rec := range records {
		tick := storage.PriceTick{
			Region:       rec.Region,
			Price:        rec.Price,
			Demand:       rec.Demand,
			IntervalTime: rec.IntervalTime,
			FetchedAt:    fetchedAt,
		}
		inserted, insErr := s.store.InsertPriceTick(ctx, tick)
		if insErr != nil {
			s.logger.Error().Err(insErr).Str("region", rec.Region).Msg("tick insert failed")
			continue
		}
		s.metrics.ObserveTick(inserted)
		if !inserted {
			// Replayed interval; already analyzed when first seen.
			continue
		}

		events, aerr := s.analyzer.AnalyzeTick(ctx, tick)
		if aerr != nil {
			s.logger.Error().Err(aerr).Str("region", rec.Region).Msg("tick analysis failed")
			continue
		}
		s.emit(ctx, events)
		analyzed[rec.Region] = true
	}

	// Forecast warnings re-evaluate on the fast cadence so targets drifting
	// into the horizon are caught promptly.
	for region := range analyzed {
		events, ferr := s.analyzer.AnalyzeForecasts(ctx, region)
		if ferr != nil {
			s.logger.Error().Err(ferr).Str("region", region).Msg("forecast analysis failed")
			continue
		}
		s.emit(ctx, events)
	}

	s.logger.Info().
		Int("rows", stats.Decoded).
		Int("skipped", stats.Skipped).
		Time("expected", expected).
		Msg("dispatch cycle complete")
	return nil
}

// predispatchTick runs one slow-cadence cycle: fetch the latest pre-dispatch
// report and store its forecast curve.
func (s *Service) predispatchTick(ctx context.Context, expected time.Time) error {
	payload, err := s.predispatch.FetchPredispatch(ctx)
	if err != nil {
		s.metrics.ObserveFetch("predispatch", "error")
		return fmt.Errorf("fetch predispatch report: %w", err)
	}
	s.metrics.ObserveFetch("predispatch", "ok")

	records, stats := parser.ParsePredispatch(payload)
	s.metrics.ObserveRows("predispatch", stats.Decoded, stats.Skipped)
	if len(records) == 0 {
		return fmt.Errorf("predispatch report yielded no forecast rows (%d data rows, %d skipped)", stats.DataRows, stats.Skipped)
	}

	// Forecast rows carry their own target times, so there is no boundary
	// freshness to validate on this cadence; whatever is published is stored
	// under the time we actually fetched it.
	fetchedAt := s.clock().UTC()

	stored := 0
	for _, rec := range records {
		tick := storage.ForecastTick{
			Region:      rec.Region,
			TargetTime:  rec.TargetTime,
			Price:       rec.Price,
			PublishedAt: fetchedAt,
			FetchedAt:   fetchedAt,
		}
		inserted, insErr := s.store.InsertForecastTick(ctx, tick)
		if insErr != nil {
			s.logger.Error().Err(insErr).Str("region", rec.Region).Msg("forecast insert failed")
			continue
		}
		if inserted {
			stored++
		}
	}

	s.logger.Info().
		Int("rows", stats.Decoded).
		Int("stored", stored).
		Time("expected", expected).
		Msg("predispatch cycle complete")
	return nil
}

// emit hands events to the delivery drain, blocking if the queue is full.
func (s *Service) emit(ctx context.Context, events []analyzer.Event) {
	for _, ev := range events {
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func newestInterval(records []parser.PriceRecord) time.Time {
	var newest time.Time
	for _, rec := range records {
		if rec.IntervalTime.After(newest) {
			newest = rec.IntervalTime
		}
	}
	return newest
}
