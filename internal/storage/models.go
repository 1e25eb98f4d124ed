package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertType enumerates the alert conditions tracked in the alert log.
type AlertType string

const (
	AlertHighPrice AlertType = "high_price"
	AlertLowPrice  AlertType = "low_price"
	AlertSpike     AlertType = "spike"
	AlertForecast  AlertType = "forecast"
	AlertAllClear  AlertType = "all_clear"
)

// PriceTick is one settled dispatch-interval price. Ticks are immutable once
// stored; a second insert for the same (region, interval) is ignored.
type PriceTick struct {
	Region       string
	Price        decimal.Decimal
	Demand       *decimal.Decimal
	IntervalTime time.Time
	FetchedAt    time.Time
}

// ForecastTick is one pre-dispatch forecast publication for a future
// interval. Multiple publications may target the same interval; all are kept.
type ForecastTick struct {
	Region      string
	TargetTime  time.Time
	Price       decimal.Decimal
	PublishedAt time.Time
	FetchedAt   time.Time
}

// AlertRecord is one delivery-resolved alert. The log is append-only and is
// the sole source of truth for dedup decisions.
type AlertRecord struct {
	SubscriberID int64
	Type         AlertType
	Price        decimal.Decimal
	Region       string
	SentAt       time.Time
}

// ForecastPoint is the effective forecast for one target slot: the latest
// publication wins.
type ForecastPoint struct {
	TargetTime time.Time
	Price      decimal.Decimal
}

// DailyStats aggregates one region-day of price history.
type DailyStats struct {
	Min               decimal.Decimal
	Max               decimal.Decimal
	Avg               decimal.Decimal
	NegativeIntervals int
	Samples           int
}
