package analyzer

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"nem-price-alerts/internal/storage"
)

// fakeStore backs the analyzer with in-memory history; appending to the
// alert log is done by tests the way the delivery drain would.
type fakeStore struct {
	subs      []storage.Subscriber
	prev      *decimal.Decimal
	forecasts []storage.ForecastPoint
	log       []storage.AlertRecord

	failDedup bool
}

func (f *fakeStore) ListActiveSubscribers(_ context.Context, region string) ([]storage.Subscriber, error) {
	out := make([]storage.Subscriber, 0)
	for _, s := range f.subs {
		if s.Region == region && s.Active {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) PreviousPrice(context.Context, string) (decimal.Decimal, bool, error) {
	if f.prev == nil {
		return decimal.Decimal{}, false, nil
	}
	return *f.prev, true, nil
}

func (f *fakeStore) RecentAlertExists(_ context.Context, id int64, since time.Time, types ...storage.AlertType) (bool, error) {
	if f.failDedup {
		return false, context.DeadlineExceeded
	}
	for _, rec := range f.log {
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

func (f *fakeStore) LastAlertTimes(_ context.Context, id int64) (time.Time, time.Time, error) {
	var lastHigh, lastClear time.Time
	for _, rec := range f.log {
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

func (f *fakeStore) ForecastsBetween(_ context.Context, _ string, after, before time.Time) ([]storage.ForecastPoint, error) {
	out := make([]storage.ForecastPoint, 0)
	for _, fc := range f.forecasts {
		if fc.TargetTime.After(after) && !fc.TargetTime.After(before) {
			out = append(out, fc)
		}
	}
	return out, nil
}

func (f *fakeStore) logAlert(ev Event, at time.Time) {
	f.log = append(f.log, storage.AlertRecord{
		SubscriberID: ev.SubscriberID,
		Type:         ev.Type,
		Price:        ev.Price,
		Region:       ev.Region,
		SentAt:       at,
	})
}

func subscriber(id int64, region string, high, low int64) storage.Subscriber {
	return storage.Subscriber{
		ID:        id,
		Region:    region,
		HighAlert: decimal.NewFromInt(high),
		LowAlert:  decimal.NewFromInt(low),
		Active:    true,
	}
}

func tick(region string, price int64, at time.Time) storage.PriceTick {
	return storage.PriceTick{Region: region, Price: decimal.NewFromInt(price), IntervalTime: at, FetchedAt: at}
}

func newTestAnalyzer(store Store, at *time.Time) *Analyzer {
	return New(store, Options{}, nil, zerolog.Nop()).WithClock(func() time.Time { return *at })
}

func eventTypes(events []Event) []storage.AlertType {
	types := make([]storage.AlertType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestHighPriceDedupWindow(t *testing.T) {
	base := time.Date(2026, 2, 27, 14, 0, 0, 0, time.UTC)
	now := base
	store := &fakeStore{subs: []storage.Subscriber{subscriber(1, "NSW1", 150, 0)}}
	a := newTestAnalyzer(store, &now)

	events, err := a.AnalyzeTick(context.Background(), tick("NSW1", 160, now))
	if err != nil {
		t.Fatalf("AnalyzeTick: %v", err)
	}
	if len(events) != 1 || events[0].Type != storage.AlertHighPrice {
		t.Fatalf("expected one high_price event, got %v", eventTypes(events))
	}
	store.logAlert(events[0], now)

	// 10 minutes later: inside the 30-minute window, suppressed.
	now = base.Add(10 * time.Minute)
	events, _ = a.AnalyzeTick(context.Background(), tick("NSW1", 170, now))
	if len(events) != 0 {
		t.Fatalf("tick inside dedup window must not re-alert, got %v", eventTypes(events))
	}

	// 31 minutes later: window elapsed, fires again.
	now = base.Add(31 * time.Minute)
	events, _ = a.AnalyzeTick(context.Background(), tick("NSW1", 170, now))
	if len(events) != 1 || events[0].Type != storage.AlertHighPrice {
		t.Fatalf("tick past dedup window should re-alert, got %v", eventTypes(events))
	}
}

func TestSpikeThresholdIsStrict(t *testing.T) {
	now := time.Date(2026, 2, 27, 14, 0, 0, 0, time.UTC)
	prev := decimal.NewFromInt(100)
	store := &fakeStore{
		subs: []storage.Subscriber{subscriber(1, "VIC1", 500, 0)},
		prev: &prev,
	}
	a := newTestAnalyzer(store, &now)

	// Delta 101 > 100: spike.
	events, _ := a.AnalyzeTick(context.Background(), tick("VIC1", 201, now))
	if len(events) != 1 || events[0].Type != storage.AlertSpike {
		t.Fatalf("delta 101 should spike, got %v", eventTypes(events))
	}
	if !events[0].PrevPrice.Equal(prev) {
		t.Fatalf("spike event must carry the baseline, got %s", events[0].PrevPrice)
	}

	// Delta 99: no spike.
	store.log = nil
	events, _ = a.AnalyzeTick(context.Background(), tick("VIC1", 199, now))
	if len(events) != 0 {
		t.Fatalf("delta 99 must not spike, got %v", eventTypes(events))
	}
}

func TestSpikeAndHighPriceBothFire(t *testing.T) {
	now := time.Date(2026, 2, 27, 14, 0, 0, 0, time.UTC)
	prev := decimal.NewFromInt(100)
	store := &fakeStore{
		subs: []storage.Subscriber{subscriber(1, "QLD1", 150, 0)},
		prev: &prev,
	}
	a := newTestAnalyzer(store, &now)

	events, _ := a.AnalyzeTick(context.Background(), tick("QLD1", 300, now))
	got := eventTypes(events)
	if len(got) != 2 || got[0] != storage.AlertSpike || got[1] != storage.AlertHighPrice {
		t.Fatalf("expected spike and high_price, got %v", got)
	}
	for _, ev := range events {
		if !ev.InHighAlert {
			t.Fatalf("%s event must carry the high-alert flag", ev.Type)
		}
	}
}

func TestLowPriceAlert(t *testing.T) {
	now := time.Date(2026, 2, 27, 14, 0, 0, 0, time.UTC)
	store := &fakeStore{subs: []storage.Subscriber{subscriber(1, "SA1", 150, 0)}}
	a := newTestAnalyzer(store, &now)

	events, _ := a.AnalyzeTick(context.Background(), tick("SA1", -5, now))
	if len(events) != 1 || events[0].Type != storage.AlertLowPrice {
		t.Fatalf("price below low threshold should alert, got %v", eventTypes(events))
	}
	if events[0].InHighAlert {
		t.Fatalf("low_price must not carry the high-alert flag")
	}
}

func TestAllClearHysteresis(t *testing.T) {
	base := time.Date(2026, 2, 27, 14, 0, 0, 0, time.UTC)
	now := base
	store := &fakeStore{subs: []storage.Subscriber{subscriber(1, "NSW1", 150, 0)}}
	a := newTestAnalyzer(store, &now)

	// 160: high_price fires and puts the subscriber in high-alert state.
	events, _ := a.AnalyzeTick(context.Background(), tick("NSW1", 160, now))
	if len(events) != 1 || events[0].Type != storage.AlertHighPrice {
		t.Fatalf("expected high_price, got %v", eventTypes(events))
	}
	store.logAlert(events[0], now)

	// 140: back under threshold, all_clear fires.
	now = base.Add(5 * time.Minute)
	events, _ = a.AnalyzeTick(context.Background(), tick("NSW1", 140, now))
	if len(events) != 1 || events[0].Type != storage.AlertAllClear {
		t.Fatalf("expected all_clear, got %v", eventTypes(events))
	}
	store.logAlert(events[0], now)

	// 130: already cleared, nothing further.
	now = base.Add(10 * time.Minute)
	events, _ = a.AnalyzeTick(context.Background(), tick("NSW1", 130, now))
	if len(events) != 0 {
		t.Fatalf("cleared subscriber must stay silent, got %v", eventTypes(events))
	}
}

func TestForecastAlertHorizonAndDedup(t *testing.T) {
	base := time.Date(2026, 2, 27, 14, 0, 0, 0, time.UTC)
	now := base
	store := &fakeStore{
		subs: []storage.Subscriber{subscriber(1, "NSW1", 150, 0)},
		forecasts: []storage.ForecastPoint{
			{TargetTime: base.Add(30 * time.Minute), Price: decimal.NewFromInt(300)},
			{TargetTime: base.Add(45 * time.Minute), Price: decimal.NewFromInt(400)},
			{TargetTime: base.Add(3 * time.Hour), Price: decimal.NewFromInt(900)}, // outside horizon
		},
	}
	a := newTestAnalyzer(store, &now)

	events, err := a.AnalyzeForecasts(context.Background(), "NSW1")
	if err != nil {
		t.Fatalf("AnalyzeForecasts: %v", err)
	}
	// One event per subscriber per pass, even with two qualifying slots.
	if len(events) != 1 || events[0].Type != storage.AlertForecast {
		t.Fatalf("expected one forecast event, got %v", eventTypes(events))
	}
	store.logAlert(events[0], now)

	// Re-published forecasts 30 minutes later: inside the 60-minute window.
	now = base.Add(30 * time.Minute)
	store.forecasts[0].TargetTime = now.Add(20 * time.Minute)
	events, _ = a.AnalyzeForecasts(context.Background(), "NSW1")
	if len(events) != 0 {
		t.Fatalf("forecast dedup is keyed per subscriber, got %v", eventTypes(events))
	}
}

func TestDedupFailureFailsClosed(t *testing.T) {
	now := time.Date(2026, 2, 27, 14, 0, 0, 0, time.UTC)
	store := &fakeStore{
		subs:      []storage.Subscriber{subscriber(1, "NSW1", 150, 0)},
		failDedup: true,
	}
	a := newTestAnalyzer(store, &now)

	events, err := a.AnalyzeTick(context.Background(), tick("NSW1", 500, now))
	if err != nil {
		t.Fatalf("dedup failure must not fail the tick: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("unverifiable dedup must suppress alerts, got %v", eventTypes(events))
	}
}

func TestInactiveAndForeignSubscribersIgnored(t *testing.T) {
	now := time.Date(2026, 2, 27, 14, 0, 0, 0, time.UTC)
	inactive := subscriber(1, "NSW1", 150, 0)
	inactive.Active = false
	store := &fakeStore{subs: []storage.Subscriber{
		inactive,
		subscriber(2, "VIC1", 150, 0), // foreign region
	}}
	a := newTestAnalyzer(store, &now)

	events, _ := a.AnalyzeTick(context.Background(), tick("NSW1", 999, now))
	if len(events) != 0 {
		t.Fatalf("inactive/foreign subscribers must not be evaluated, got %v", eventTypes(events))
	}
}
