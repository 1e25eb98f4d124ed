package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"nem-price-alerts/internal/analyzer"
	"nem-price-alerts/internal/config"
	"nem-price-alerts/internal/notifier"
	"nem-price-alerts/internal/parser"
	"nem-price-alerts/internal/scheduler"
	"nem-price-alerts/internal/storage"
)

type fakeFetcher struct {
	dispatch    string
	predispatch string
	err         error
}

func (f *fakeFetcher) FetchDispatch(context.Context) (string, error) {
	return f.dispatch, f.err
}

func (f *fakeFetcher) FetchPredispatch(context.Context) (string, error) {
	return f.predispatch, f.err
}

// memStore implements the service, analyzer, and notifier store surfaces.
type memStore struct {
	ticks     []storage.PriceTick
	forecasts []storage.ForecastTick
	subs      []storage.Subscriber
	log       []storage.AlertRecord
}

func (m *memStore) InsertPriceTick(_ context.Context, tick storage.PriceTick) (bool, error) {
	for _, existing := range m.ticks {
		if existing.Region == tick.Region && existing.IntervalTime.Equal(tick.IntervalTime) {
			return false, nil
		}
	}
	m.ticks = append(m.ticks, tick)
	return true, nil
}

func (m *memStore) InsertForecastTick(_ context.Context, tick storage.ForecastTick) (bool, error) {
	for _, existing := range m.forecasts {
		if existing.Region == tick.Region &&
			existing.TargetTime.Equal(tick.TargetTime) &&
			existing.PublishedAt.Equal(tick.PublishedAt) {
			return false, nil
		}
	}
	m.forecasts = append(m.forecasts, tick)
	return true, nil
}

func (m *memStore) LatestPrice(context.Context, string) (decimal.Decimal, time.Time, bool, error) {
	return decimal.Decimal{}, time.Time{}, false, nil
}

func (m *memStore) PreviousPrice(_ context.Context, region string) (decimal.Decimal, bool, error) {
	var prices []decimal.Decimal
	for _, tick := range m.ticks {
		if tick.Region == region {
			prices = append(prices, tick.Price)
		}
	}
	if len(prices) < 2 {
		return decimal.Decimal{}, false, nil
	}
	return prices[len(prices)-2], true, nil
}

func (m *memStore) RecentPrices(context.Context, string, int) ([]storage.PriceTick, error) {
	return nil, nil
}

func (m *memStore) PricesBetween(context.Context, string, time.Time, time.Time) ([]storage.PriceTick, error) {
	return nil, nil
}

func (m *memStore) ForecastsBetween(_ context.Context, region string, after, before time.Time) ([]storage.ForecastPoint, error) {
	var points []storage.ForecastPoint
	for _, fc := range m.forecasts {
		if fc.Region == region && fc.TargetTime.After(after) && !fc.TargetTime.After(before) {
			points = append(points, storage.ForecastPoint{TargetTime: fc.TargetTime, Price: fc.Price})
		}
	}
	return points, nil
}

func (m *memStore) DailyStats(context.Context, string, time.Time, time.Time) (storage.DailyStats, bool, error) {
	return storage.DailyStats{}, false, nil
}

func (m *memStore) ListActiveSubscribers(_ context.Context, region string) ([]storage.Subscriber, error) {
	var out []storage.Subscriber
	for _, sub := range m.subs {
		if sub.Region == region && sub.Active {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *memStore) RecentAlertExists(_ context.Context, id int64, since time.Time, types ...storage.AlertType) (bool, error) {
	for _, rec := range m.log {
		if rec.SubscriberID != id || !rec.SentAt.After(since) {
			continue
		}
		for _, t := range types {
			if rec.Type == t {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *memStore) LastAlertTimes(_ context.Context, id int64) (time.Time, time.Time, error) {
	var lastHigh, lastClear time.Time
	for _, rec := range m.log {
		if rec.SubscriberID != id {
			continue
		}
		switch rec.Type {
		case storage.AlertHighPrice, storage.AlertSpike:
			if rec.SentAt.After(lastHigh) {
				lastHigh = rec.SentAt
			}
		case storage.AlertAllClear:
			if rec.SentAt.After(lastClear) {
				lastClear = rec.SentAt
			}
		}
	}
	return lastHigh, lastClear, nil
}

func (m *memStore) AppendAlertRecord(_ context.Context, rec storage.AlertRecord) error {
	m.log = append(m.log, rec)
	return nil
}

func (m *memStore) CountAlertsInWindow(_ context.Context, id int64, since time.Time) (int, error) {
	count := 0
	for _, rec := range m.log {
		if rec.SubscriberID == id && rec.SentAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) DeactivateSubscriber(_ context.Context, id int64) error {
	for i := range m.subs {
		if m.subs[i].ID == id {
			m.subs[i].Active = false
		}
	}
	return nil
}

func (m *memStore) PruneOlderThan(context.Context, storage.Table, time.Time) (int64, error) {
	return 0, nil
}

type recordingMessenger struct {
	sent []string
}

func (r *recordingMessenger) SendMessage(_ context.Context, _ int64, text string) error {
	r.sent = append(r.sent, text)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{
			DispatchPeriod:    5 * time.Minute,
			DispatchLag:       90 * time.Second,
			PredispatchPeriod: 30 * time.Minute,
			StaleRetries:      5,
			RetrySpacing:      15 * time.Second,
		},
		Notifier: config.NotifierConfig{QueueSize: 16},
		Retention: config.RetentionConfig{
			Prices:      90 * 24 * time.Hour,
			Forecasts:   7 * 24 * time.Hour,
			Alerts:      90 * 24 * time.Hour,
			SummaryHour: 21,
		},
	}
}

func newTestService(fetch *fakeFetcher, store *memStore, messenger *recordingMessenger) *Service {
	logger := zerolog.Nop()
	anlz := analyzer.New(store, analyzer.Options{}, nil, logger)
	ntf := notifier.New(store, messenger, notifier.Options{SendSpacing: time.Millisecond, RetryBackoff: time.Millisecond}, nil, logger)
	return New(testConfig(), fetch, fetch, store, anlz, ntf, nil, logger)
}

func dispatchPayload(rows ...string) string {
	lines := append([]string{
		"C,NEMP.WORLD,DISPATCHIS,AEMO",
		"I,DISPATCH,PRICE,1,SETTLEMENTDATE,REGIONID,RRP",
	}, rows...)
	return strings.Join(lines, "\n")
}

func TestDispatchTickStoresAndAlerts(t *testing.T) {
	store := &memStore{subs: []storage.Subscriber{{
		ID: 1, Region: "NSW1",
		HighAlert: decimal.NewFromInt(150), LowAlert: decimal.NewFromInt(0),
		Active: true,
	}}}
	fetch := &fakeFetcher{dispatch: dispatchPayload(
		"D,DISPATCH,PRICE,1,2026/02/27 14:35:00,NSW1,320.00",
	)}
	svc := newTestService(fetch, store, &recordingMessenger{})

	expected := time.Date(2026, 2, 27, 14, 35, 0, 0, parser.MarketTime)
	if err := svc.dispatchTick(context.Background(), expected); err != nil {
		t.Fatalf("dispatchTick: %v", err)
	}

	if len(store.ticks) != 1 {
		t.Fatalf("expected 1 stored tick, got %d", len(store.ticks))
	}

	select {
	case ev := <-svc.events:
		if ev.Type != storage.AlertHighPrice || ev.SubscriberID != 1 {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("expected a high_price event on the queue")
	}
}

func TestDispatchTickStaleWhenBehindExpected(t *testing.T) {
	store := &memStore{}
	fetch := &fakeFetcher{dispatch: dispatchPayload(
		"D,DISPATCH,PRICE,1,2026/02/27 14:30:00,NSW1,92.50",
	)}
	svc := newTestService(fetch, store, &recordingMessenger{})

	expected := time.Date(2026, 2, 27, 14, 35, 0, 0, parser.MarketTime)
	err := svc.dispatchTick(context.Background(), expected)
	if !errors.Is(err, scheduler.ErrStale) {
		t.Fatalf("report behind the boundary must be stale, got %v", err)
	}
	if len(store.ticks) != 0 {
		t.Fatalf("stale report must not be stored, got %d ticks", len(store.ticks))
	}
}

func TestDispatchTickStartupSkipsFreshnessCheck(t *testing.T) {
	store := &memStore{}
	fetch := &fakeFetcher{dispatch: dispatchPayload(
		"D,DISPATCH,PRICE,1,2026/02/27 14:30:00,NSW1,92.50",
	)}
	svc := newTestService(fetch, store, &recordingMessenger{})

	if err := svc.dispatchTick(context.Background(), time.Time{}); err != nil {
		t.Fatalf("startup tick must skip freshness validation: %v", err)
	}
	if len(store.ticks) != 1 {
		t.Fatalf("startup tick should store the interval, got %d", len(store.ticks))
	}
}

func TestDispatchTickDuplicateIntervalNotReanalyzed(t *testing.T) {
	store := &memStore{subs: []storage.Subscriber{{
		ID: 1, Region: "NSW1",
		HighAlert: decimal.NewFromInt(150), LowAlert: decimal.NewFromInt(0),
		Active: true,
	}}}
	fetch := &fakeFetcher{dispatch: dispatchPayload(
		"D,DISPATCH,PRICE,1,2026/02/27 14:35:00,NSW1,320.00",
	)}
	svc := newTestService(fetch, store, &recordingMessenger{})

	if err := svc.dispatchTick(context.Background(), time.Time{}); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	<-svc.events

	if err := svc.dispatchTick(context.Background(), time.Time{}); err != nil {
		t.Fatalf("replayed tick: %v", err)
	}
	select {
	case ev := <-svc.events:
		t.Fatalf("replayed interval must not re-alert, got %+v", ev)
	default:
	}
	if len(store.ticks) != 1 {
		t.Fatalf("duplicate interval must not be stored twice, got %d", len(store.ticks))
	}
}

func TestPredispatchTickStoresForecasts(t *testing.T) {
	store := &memStore{}
	fetch := &fakeFetcher{predispatch: strings.Join([]string{
		"C,NEMP.WORLD,PREDISPATCHIS,AEMO",
		"I,PREDISPATCH,REGION_PRICES,1,REGIONID,RRP,DATETIME",
		"D,PREDISPATCH,REGION_PRICES,1,NSW1,240.00,2026/02/27 16:00:00",
		"D,PREDISPATCH,REGION_PRICES,1,NSW1,310.00,2026/02/27 16:30:00",
	}, "\n")}
	svc := newTestService(fetch, store, &recordingMessenger{})
	fetchedAt := time.Date(2026, 2, 27, 4, 32, 10, 0, time.UTC)
	svc.clock = func() time.Time { return fetchedAt }

	expected := time.Date(2026, 2, 27, 14, 30, 0, 0, parser.MarketTime)
	if err := svc.predispatchTick(context.Background(), expected); err != nil {
		t.Fatalf("predispatchTick: %v", err)
	}

	if len(store.forecasts) != 2 {
		t.Fatalf("expected 2 stored forecasts, got %d", len(store.forecasts))
	}
	for _, fc := range store.forecasts {
		if !fc.PublishedAt.Equal(fetchedAt) {
			t.Fatalf("publication time should be the fetch time, got %s", fc.PublishedAt)
		}
	}
}

func TestPredispatchTickHasNoFreshnessCheck(t *testing.T) {
	store := &memStore{}
	// All targets sit behind the window boundary; the file is still usable.
	fetch := &fakeFetcher{predispatch: strings.Join([]string{
		"C,NEMP.WORLD,PREDISPATCHIS,AEMO",
		"I,PREDISPATCH,REGION_PRICES,1,REGIONID,RRP,DATETIME",
		"D,PREDISPATCH,REGION_PRICES,1,NSW1,240.00,2026/02/27 13:00:00",
	}, "\n")}
	svc := newTestService(fetch, store, &recordingMessenger{})

	expected := time.Date(2026, 2, 27, 14, 30, 0, 0, parser.MarketTime)
	if err := svc.predispatchTick(context.Background(), expected); err != nil {
		t.Fatalf("slow cadence must not report staleness: %v", err)
	}
	if len(store.forecasts) != 1 {
		t.Fatalf("expected the forecast to be stored, got %d", len(store.forecasts))
	}
}

func TestDispatchTickFetchErrorPropagates(t *testing.T) {
	store := &memStore{}
	fetch := &fakeFetcher{err: errors.New("listing unavailable")}
	svc := newTestService(fetch, store, &recordingMessenger{})

	if err := svc.dispatchTick(context.Background(), time.Time{}); err == nil {
		t.Fatal("fetch failure must propagate")
	}
}
