package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidThreshold is wrapped by all threshold validation failures.
var ErrInvalidThreshold = errors.New("storage: invalid alert threshold")

// Threshold bounds in $/MWh. The low band tops out where the high band
// starts, so the two can never invert beyond the explicit high > low check.
var (
	highAlertMin = decimal.NewFromInt(50)
	highAlertMax = decimal.NewFromInt(15000)
	lowAlertMin  = decimal.NewFromInt(-1000)
	lowAlertMax  = decimal.NewFromInt(50)

	defaultHighAlert = decimal.NewFromInt(150)
	defaultLowAlert  = decimal.Zero
)

// Subscriber is one alert recipient scoped to a single region.
type Subscriber struct {
	ID        int64
	Region    string
	HighAlert decimal.Decimal
	LowAlert  decimal.Decimal
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSubscriber constructs an active subscriber with default thresholds.
func NewSubscriber(id int64, region string) (Subscriber, error) {
	if region == "" {
		return Subscriber{}, errors.New("storage: subscriber region required")
	}
	now := time.Now().UTC()
	return Subscriber{
		ID:        id,
		Region:    region,
		HighAlert: defaultHighAlert,
		LowAlert:  defaultLowAlert,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// SetThresholds validates and applies a new threshold pair. Invalid values
// leave the subscriber unchanged.
func (s *Subscriber) SetThresholds(high, low decimal.Decimal) error {
	if err := ValidateThresholds(high, low); err != nil {
		return err
	}
	s.HighAlert = high
	s.LowAlert = low
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// ValidateThresholds enforces the threshold bounds: high in [50, 15000], low
// in [-1000, 50], and high strictly greater than low.
func ValidateThresholds(high, low decimal.Decimal) error {
	if high.LessThan(highAlertMin) || high.GreaterThan(highAlertMax) {
		return fmt.Errorf("%w: high alert %s must be between $%s and $%s",
			ErrInvalidThreshold, high, highAlertMin, highAlertMax)
	}
	if low.LessThan(lowAlertMin) || low.GreaterThan(lowAlertMax) {
		return fmt.Errorf("%w: low alert %s must be between $%s and $%s",
			ErrInvalidThreshold, low, lowAlertMin, lowAlertMax)
	}
	if !high.GreaterThan(low) {
		return fmt.Errorf("%w: high alert %s must be greater than low alert %s",
			ErrInvalidThreshold, high, low)
	}
	return nil
}
