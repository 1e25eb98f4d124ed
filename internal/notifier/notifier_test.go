package notifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"nem-price-alerts/internal/analyzer"
	"nem-price-alerts/internal/storage"
)

type fakeDeliveryStore struct {
	log         []storage.AlertRecord
	deactivated []int64
	countErr    error
}

func (f *fakeDeliveryStore) CountAlertsInWindow(_ context.Context, id int64, since time.Time) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	count := 0
	for _, rec := range f.log {
		if rec.SubscriberID == id && rec.SentAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (f *fakeDeliveryStore) AppendAlertRecord(_ context.Context, rec storage.AlertRecord) error {
	f.log = append(f.log, rec)
	return nil
}

func (f *fakeDeliveryStore) DeactivateSubscriber(_ context.Context, id int64) error {
	f.deactivated = append(f.deactivated, id)
	return nil
}

type fakeMessenger struct {
	sent     []string
	failures int
	err      error
}

func (f *fakeMessenger) SendMessage(_ context.Context, _ int64, text string) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("transient send failure")
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

func testOptions() Options {
	return Options{
		HourlyCap:    10,
		SendSpacing:  time.Millisecond,
		SendRetries:  3,
		RetryBackoff: time.Millisecond,
	}
}

func highPriceEvent(id int64) analyzer.Event {
	return analyzer.Event{
		SubscriberID: id,
		Type:         storage.AlertHighPrice,
		Region:       "NSW1",
		Price:        decimal.NewFromInt(300),
		Threshold:    decimal.NewFromInt(150),
	}
}

func TestDeliverAppendsLogAfterSend(t *testing.T) {
	store := &fakeDeliveryStore{}
	messenger := &fakeMessenger{}
	n := New(store, messenger, testOptions(), nil, zerolog.Nop())

	n.Deliver(context.Background(), highPriceEvent(7))

	if len(messenger.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(messenger.sent))
	}
	if len(store.log) != 1 {
		t.Fatalf("delivered alert must be logged, got %d records", len(store.log))
	}
	rec := store.log[0]
	if rec.SubscriberID != 7 || rec.Type != storage.AlertHighPrice || rec.Region != "NSW1" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestHourlyCapDropsEleventhAlert(t *testing.T) {
	store := &fakeDeliveryStore{}
	messenger := &fakeMessenger{}
	n := New(store, messenger, testOptions(), nil, zerolog.Nop())

	for i := 0; i < 11; i++ {
		n.Deliver(context.Background(), highPriceEvent(7))
	}

	if len(messenger.sent) != 10 {
		t.Fatalf("cap of 10 should allow 10 sends, got %d", len(messenger.sent))
	}
	// The dropped event leaves no log record.
	if len(store.log) != 10 {
		t.Fatalf("capped event must not be logged, got %d records", len(store.log))
	}
}

func TestCapIsPerSubscriber(t *testing.T) {
	store := &fakeDeliveryStore{}
	messenger := &fakeMessenger{}
	n := New(store, messenger, testOptions(), nil, zerolog.Nop())

	for i := 0; i < 10; i++ {
		n.Deliver(context.Background(), highPriceEvent(7))
	}
	n.Deliver(context.Background(), highPriceEvent(8))

	if len(messenger.sent) != 11 {
		t.Fatalf("a different subscriber has their own budget, got %d sends", len(messenger.sent))
	}
}

func TestBlockedRecipientIsDeactivated(t *testing.T) {
	store := &fakeDeliveryStore{}
	messenger := &fakeMessenger{err: ErrBlocked}
	n := New(store, messenger, testOptions(), nil, zerolog.Nop())

	n.Deliver(context.Background(), highPriceEvent(7))

	if len(store.deactivated) != 1 || store.deactivated[0] != 7 {
		t.Fatalf("blocked recipient must be deactivated, got %v", store.deactivated)
	}
	// The attempt resolved (permanently), so it is logged like any other.
	if len(store.log) != 1 {
		t.Fatalf("blocked delivery must still be logged, got %d records", len(store.log))
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	store := &fakeDeliveryStore{}
	messenger := &fakeMessenger{failures: 2}
	n := New(store, messenger, testOptions(), nil, zerolog.Nop())

	n.Deliver(context.Background(), highPriceEvent(7))

	if len(messenger.sent) != 1 {
		t.Fatalf("send should succeed on the third attempt, got %d sends", len(messenger.sent))
	}
	if len(store.log) != 1 {
		t.Fatalf("retried delivery must still be logged, got %d records", len(store.log))
	}
}

func TestExhaustedRetriesStillAppendRecord(t *testing.T) {
	store := &fakeDeliveryStore{}
	messenger := &fakeMessenger{failures: 10}
	n := New(store, messenger, testOptions(), nil, zerolog.Nop())

	n.Deliver(context.Background(), highPriceEvent(7))

	if len(messenger.sent) != 0 {
		t.Fatalf("all attempts should fail, got %d sends", len(messenger.sent))
	}
	if len(store.log) != 1 {
		t.Fatalf("exhausted retries must still be logged, got %d records", len(store.log))
	}
	if len(store.deactivated) != 0 {
		t.Fatalf("transient failure must not deactivate, got %v", store.deactivated)
	}
	// The record is what keeps the analyzer's dedup window closed, so the
	// same condition on the next tick is suppressed instead of re-sent.
	if store.log[0].Type != storage.AlertHighPrice || store.log[0].SubscriberID != 7 {
		t.Fatalf("unexpected record %+v", store.log[0])
	}
}

func TestCapCheckFailureDropsEvent(t *testing.T) {
	store := &fakeDeliveryStore{countErr: errors.New("db down")}
	messenger := &fakeMessenger{}
	n := New(store, messenger, testOptions(), nil, zerolog.Nop())

	n.Deliver(context.Background(), highPriceEvent(7))

	if len(messenger.sent) != 0 {
		t.Fatalf("unverifiable cap must suppress delivery, got %d sends", len(messenger.sent))
	}
}

func TestRunDrainsUntilClose(t *testing.T) {
	store := &fakeDeliveryStore{}
	messenger := &fakeMessenger{}
	n := New(store, messenger, testOptions(), nil, zerolog.Nop())

	events := make(chan analyzer.Event, 3)
	events <- highPriceEvent(1)
	events <- highPriceEvent(2)
	events <- highPriceEvent(3)
	close(events)

	done := make(chan struct{})
	go func() {
		n.Run(context.Background(), events)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
	if len(messenger.sent) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(messenger.sent))
	}
}
