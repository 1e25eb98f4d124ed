package storage

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewSubscriberDefaults(t *testing.T) {
	sub, err := NewSubscriber(42, "NSW1")
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	if !sub.HighAlert.Equal(decimal.NewFromInt(150)) || !sub.LowAlert.Equal(decimal.Zero) {
		t.Fatalf("unexpected defaults: high=%s low=%s", sub.HighAlert, sub.LowAlert)
	}
	if !sub.Active {
		t.Fatal("new subscribers must start active")
	}
}

func TestNewSubscriberRequiresRegion(t *testing.T) {
	if _, err := NewSubscriber(42, ""); err == nil {
		t.Fatal("empty region should be rejected")
	}
}

func TestSetThresholds(t *testing.T) {
	cases := []struct {
		name      string
		high, low string
		ok        bool
	}{
		{"defaults band", "150", "0", true},
		{"bounds inclusive", "50", "-1000", true},
		{"upper bounds", "15000", "50", true},
		{"high below minimum", "49", "0", false},
		{"high above maximum", "15001", "0", false},
		{"low below minimum", "150", "-1001", false},
		{"low above maximum", "150", "51", false},
		{"high equals low", "50", "50", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub, err := NewSubscriber(1, "VIC1")
			if err != nil {
				t.Fatalf("NewSubscriber: %v", err)
			}
			prevHigh, prevLow := sub.HighAlert, sub.LowAlert

			err = sub.SetThresholds(decimal.RequireFromString(tc.high), decimal.RequireFromString(tc.low))
			if tc.ok {
				if err != nil {
					t.Fatalf("expected valid thresholds, got %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidThreshold) {
				t.Fatalf("expected ErrInvalidThreshold, got %v", err)
			}
			if !sub.HighAlert.Equal(prevHigh) || !sub.LowAlert.Equal(prevLow) {
				t.Fatal("failed validation must not mutate the subscriber")
			}
		})
	}
}
