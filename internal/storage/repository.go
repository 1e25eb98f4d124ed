package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

// Table identifies a prunable history table.
type Table string

const (
	TablePrices    Table = "price_history"
	TableForecasts Table = "forecasts"
	TableAlerts    Table = "alert_log"
)

const (
	insertPriceTickSQL = `INSERT INTO price_history (
        region, price_mwh, demand_mw, interval_ts, fetched_at
    ) VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (region, interval_ts) DO NOTHING;`

	insertForecastTickSQL = `INSERT INTO forecasts (
        region, target_ts, price_mwh, published_at, fetched_at
    ) VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (region, target_ts, published_at) DO NOTHING;`

	upsertSubscriberSQL = `INSERT INTO subscribers (
        id, region, high_alert, low_alert, active, created_at, updated_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7)
    ON CONFLICT (id) DO UPDATE
    SET region     = EXCLUDED.region,
        active     = EXCLUDED.active,
        updated_at = EXCLUDED.updated_at;`

	getSubscriberSQL = `SELECT id, region, high_alert, low_alert, active, created_at, updated_at
    FROM subscribers WHERE id = $1;`

	listActiveSubscribersSQL = `SELECT id, region, high_alert, low_alert, active, created_at, updated_at
    FROM subscribers
    WHERE region = $1 AND active
    ORDER BY id;`

	setThresholdsSQL = `UPDATE subscribers
    SET high_alert = $2, low_alert = $3, updated_at = $4
    WHERE id = $1;`

	deactivateSubscriberSQL = `UPDATE subscribers
    SET active = FALSE, updated_at = $2
    WHERE id = $1;`

	recentAlertExistsSQL = `SELECT EXISTS (
        SELECT 1 FROM alert_log
        WHERE subscriber_id = $1 AND alert_type = ANY($2) AND sent_at > $3
    );`

	appendAlertSQL = `INSERT INTO alert_log (
        subscriber_id, alert_type, price_mwh, region, sent_at
    ) VALUES ($1,$2,$3,$4,$5);`

	countAlertsInWindowSQL = `SELECT COUNT(*) FROM alert_log
    WHERE subscriber_id = $1 AND sent_at > $2;`

	lastAlertTimesSQL = `SELECT
        COALESCE(MAX(sent_at) FILTER (WHERE alert_type IN ('high_price','spike')), 'epoch'::timestamptz),
        COALESCE(MAX(sent_at) FILTER (WHERE alert_type = 'all_clear'), 'epoch'::timestamptz)
    FROM alert_log
    WHERE subscriber_id = $1;`

	latestPriceSQL = `SELECT price_mwh, interval_ts FROM price_history
    WHERE region = $1 ORDER BY interval_ts DESC LIMIT 1;`

	previousPriceSQL = `SELECT price_mwh FROM price_history
    WHERE region = $1 ORDER BY interval_ts DESC LIMIT 1 OFFSET 1;`

	recentPricesSQL = `SELECT region, price_mwh, demand_mw, interval_ts, fetched_at
    FROM price_history
    WHERE region = $1
    ORDER BY interval_ts DESC
    LIMIT $2;`

	pricesBetweenSQL = `SELECT region, price_mwh, demand_mw, interval_ts, fetched_at
    FROM price_history
    WHERE region = $1 AND interval_ts >= $2 AND interval_ts < $3
    ORDER BY interval_ts;`

	forecastsBetweenSQL = `SELECT DISTINCT ON (target_ts) target_ts, price_mwh
    FROM forecasts
    WHERE region = $1 AND target_ts > $2 AND target_ts <= $3
    ORDER BY target_ts, published_at DESC;`

	dailyStatsSQL = `SELECT
        MIN(price_mwh), MAX(price_mwh), AVG(price_mwh),
        COUNT(*) FILTER (WHERE price_mwh < 0),
        COUNT(*)
    FROM price_history
    WHERE region = $1 AND interval_ts >= $2 AND interval_ts < $3;`

	prunePricesSQL    = `DELETE FROM price_history WHERE fetched_at < $1;`
	pruneForecastsSQL = `DELETE FROM forecasts WHERE fetched_at < $1;`
	pruneAlertsSQL    = `DELETE FROM alert_log WHERE sent_at < $1;`
)

// SubscriberStore defines subscriber persistence operations.
type SubscriberStore interface {
	UpsertSubscriber(ctx context.Context, sub Subscriber) error
	GetSubscriber(ctx context.Context, id int64) (Subscriber, bool, error)
	ListActiveSubscribers(ctx context.Context, region string) ([]Subscriber, error)
	SetThresholds(ctx context.Context, id int64, high, low decimal.Decimal) error
	DeactivateSubscriber(ctx context.Context, id int64) error
}

// TickStore defines price/forecast history operations.
type TickStore interface {
	InsertPriceTick(ctx context.Context, tick PriceTick) (bool, error)
	InsertForecastTick(ctx context.Context, tick ForecastTick) (bool, error)
	LatestPrice(ctx context.Context, region string) (decimal.Decimal, time.Time, bool, error)
	PreviousPrice(ctx context.Context, region string) (decimal.Decimal, bool, error)
	RecentPrices(ctx context.Context, region string, limit int) ([]PriceTick, error)
	PricesBetween(ctx context.Context, region string, from, to time.Time) ([]PriceTick, error)
	ForecastsBetween(ctx context.Context, region string, after, before time.Time) ([]ForecastPoint, error)
	DailyStats(ctx context.Context, region string, from, to time.Time) (DailyStats, bool, error)
}

// AlertLogStore defines alert-log operations. The log is append-only.
type AlertLogStore interface {
	RecentAlertExists(ctx context.Context, subscriberID int64, since time.Time, types ...AlertType) (bool, error)
	AppendAlertRecord(ctx context.Context, rec AlertRecord) error
	CountAlertsInWindow(ctx context.Context, subscriberID int64, since time.Time) (int, error)
	LastAlertTimes(ctx context.Context, subscriberID int64) (lastHigh, lastClear time.Time, err error)
}

// Pruner removes rows past their retention period.
type Pruner interface {
	PruneOlderThan(ctx context.Context, table Table, cutoff time.Time) (int64, error)
}

// Store aggregates access to subscribers, price history, forecasts, and the
// alert log over one pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertSubscriber inserts or updates a subscriber row. Thresholds are only
// written through SetThresholds so the update path cannot bypass validation.
func (s *Store) UpsertSubscriber(ctx context.Context, sub Subscriber) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if err := ValidateThresholds(sub.HighAlert, sub.LowAlert); err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertSubscriberSQL,
		sub.ID,
		sub.Region,
		sub.HighAlert.String(),
		sub.LowAlert.String(),
		sub.Active,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert subscriber: %w", execErr)
	}
	return nil
}

// GetSubscriber fetches one subscriber by id.
func (s *Store) GetSubscriber(ctx context.Context, id int64) (Subscriber, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Subscriber{}, false, err
	}

	sub, scanErr := scanSubscriber(pool.QueryRow(ctx, getSubscriberSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Subscriber{}, false, nil
	}
	if scanErr != nil {
		return Subscriber{}, false, fmt.Errorf("get subscriber: %w", scanErr)
	}
	return sub, true, nil
}

// ListActiveSubscribers lists active subscribers for one region.
func (s *Store) ListActiveSubscribers(ctx context.Context, region string) ([]Subscriber, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveSubscribersSQL, region)
	if queryErr != nil {
		return nil, fmt.Errorf("list active subscribers: %w", queryErr)
	}
	defer rows.Close()

	subs := make([]Subscriber, 0)
	for rows.Next() {
		sub, scanErr := scanSubscriber(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subs, nil
}

// SetThresholds validates and persists a new threshold pair.
func (s *Store) SetThresholds(ctx context.Context, id int64, high, low decimal.Decimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if err := ValidateThresholds(high, low); err != nil {
		return err
	}

	cmdTag, execErr := pool.Exec(ctx, setThresholdsSQL, id, high.String(), low.String(), time.Now().UTC())
	if execErr != nil {
		return fmt.Errorf("set thresholds: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// DeactivateSubscriber clears the active flag.
func (s *Store) DeactivateSubscriber(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deactivateSubscriberSQL, id, time.Now().UTC()); execErr != nil {
		return fmt.Errorf("deactivate subscriber: %w", execErr)
	}
	return nil
}

// InsertPriceTick stores a tick; a duplicate (region, interval) is ignored
// and reported as inserted=false.
func (s *Store) InsertPriceTick(ctx context.Context, tick PriceTick) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	var demand interface{}
	if tick.Demand != nil {
		demand = tick.Demand.String()
	}

	cmdTag, execErr := pool.Exec(ctx, insertPriceTickSQL,
		tick.Region,
		tick.Price.String(),
		demand,
		tick.IntervalTime,
		tick.FetchedAt,
	)
	if execErr != nil {
		return false, fmt.Errorf("insert price tick: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// InsertForecastTick stores a forecast publication; duplicates are ignored.
func (s *Store) InsertForecastTick(ctx context.Context, tick ForecastTick) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	cmdTag, execErr := pool.Exec(ctx, insertForecastTickSQL,
		tick.Region,
		tick.TargetTime,
		tick.Price.String(),
		tick.PublishedAt,
		tick.FetchedAt,
	)
	if execErr != nil {
		return false, fmt.Errorf("insert forecast tick: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// LatestPrice returns the most recent stored price for a region.
func (s *Store) LatestPrice(ctx context.Context, region string) (decimal.Decimal, time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Decimal{}, time.Time{}, false, err
	}

	var (
		priceStr string
		interval time.Time
	)
	scanErr := pool.QueryRow(ctx, latestPriceSQL, region).Scan(&priceStr, &interval)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return decimal.Decimal{}, time.Time{}, false, nil
	}
	if scanErr != nil {
		return decimal.Decimal{}, time.Time{}, false, fmt.Errorf("latest price: %w", scanErr)
	}

	price, convErr := decimal.NewFromString(priceStr)
	if convErr != nil {
		return decimal.Decimal{}, time.Time{}, false, fmt.Errorf("parse latest price: %w", convErr)
	}
	return price, interval, true, nil
}

// PreviousPrice returns the second-newest stored price for a region, the
// spike-detection baseline.
func (s *Store) PreviousPrice(ctx context.Context, region string) (decimal.Decimal, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Decimal{}, false, err
	}

	var priceStr string
	scanErr := pool.QueryRow(ctx, previousPriceSQL, region).Scan(&priceStr)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return decimal.Decimal{}, false, nil
	}
	if scanErr != nil {
		return decimal.Decimal{}, false, fmt.Errorf("previous price: %w", scanErr)
	}

	price, convErr := decimal.NewFromString(priceStr)
	if convErr != nil {
		return decimal.Decimal{}, false, fmt.Errorf("parse previous price: %w", convErr)
	}
	return price, true, nil
}

// RecentPrices lists the newest ticks for a region, newest first.
func (s *Store) RecentPrices(ctx context.Context, region string, limit int) ([]PriceTick, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, recentPricesSQL, region, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("recent prices: %w", queryErr)
	}
	defer rows.Close()

	return collectTicks(rows, limit)
}

// PricesBetween lists ticks within [from, to) in interval order.
func (s *Store) PricesBetween(ctx context.Context, region string, from, to time.Time) ([]PriceTick, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, pricesBetweenSQL, region, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("prices between: %w", queryErr)
	}
	defer rows.Close()

	return collectTicks(rows, 0)
}

// ForecastsBetween returns the effective forecast per target slot in
// (after, before], keeping only the latest publication for each slot.
func (s *Store) ForecastsBetween(ctx context.Context, region string, after, before time.Time) ([]ForecastPoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, forecastsBetweenSQL, region, after, before)
	if queryErr != nil {
		return nil, fmt.Errorf("forecasts between: %w", queryErr)
	}
	defer rows.Close()

	points := make([]ForecastPoint, 0)
	for rows.Next() {
		var (
			target   time.Time
			priceStr string
		)
		if err := rows.Scan(&target, &priceStr); err != nil {
			return nil, err
		}
		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse forecast price: %w", convErr)
		}
		points = append(points, ForecastPoint{TargetTime: target, Price: price})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

// DailyStats aggregates price history for a region over [from, to).
func (s *Store) DailyStats(ctx context.Context, region string, from, to time.Time) (DailyStats, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return DailyStats{}, false, err
	}

	var (
		minStr, maxStr, avgStr *string
		negatives, samples     int
	)
	if scanErr := pool.QueryRow(ctx, dailyStatsSQL, region, from, to).Scan(
		&minStr, &maxStr, &avgStr, &negatives, &samples,
	); scanErr != nil {
		return DailyStats{}, false, fmt.Errorf("daily stats: %w", scanErr)
	}
	if samples == 0 || minStr == nil || maxStr == nil || avgStr == nil {
		return DailyStats{}, false, nil
	}

	stats := DailyStats{NegativeIntervals: negatives, Samples: samples}
	var convErr error
	if stats.Min, convErr = decimal.NewFromString(*minStr); convErr != nil {
		return DailyStats{}, false, fmt.Errorf("parse min price: %w", convErr)
	}
	if stats.Max, convErr = decimal.NewFromString(*maxStr); convErr != nil {
		return DailyStats{}, false, fmt.Errorf("parse max price: %w", convErr)
	}
	if stats.Avg, convErr = decimal.NewFromString(*avgStr); convErr != nil {
		return DailyStats{}, false, fmt.Errorf("parse avg price: %w", convErr)
	}
	return stats, true, nil
}

// RecentAlertExists reports whether any alert of the given types was logged
// for the subscriber after since.
func (s *Store) RecentAlertExists(ctx context.Context, subscriberID int64, since time.Time, types ...AlertType) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}

	var exists bool
	if scanErr := pool.QueryRow(ctx, recentAlertExistsSQL, subscriberID, names, since).Scan(&exists); scanErr != nil {
		return false, fmt.Errorf("recent alert exists: %w", scanErr)
	}
	return exists, nil
}

// AppendAlertRecord appends one delivery-resolved alert to the log.
func (s *Store) AppendAlertRecord(ctx context.Context, rec AlertRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, appendAlertSQL,
		rec.SubscriberID,
		string(rec.Type),
		rec.Price.String(),
		rec.Region,
		rec.SentAt,
	); execErr != nil {
		return fmt.Errorf("append alert record: %w", execErr)
	}
	return nil
}

// CountAlertsInWindow counts alerts of any type logged for the subscriber
// after since.
func (s *Store) CountAlertsInWindow(ctx context.Context, subscriberID int64, since time.Time) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var count int
	if scanErr := pool.QueryRow(ctx, countAlertsInWindowSQL, subscriberID, since).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count alerts in window: %w", scanErr)
	}
	return count, nil
}

// LastAlertTimes returns the most recent high_price-or-spike and all_clear
// timestamps for the subscriber. Missing entries come back as the epoch so
// the comparison "lastHigh after lastClear" derives the high-alert state.
func (s *Store) LastAlertTimes(ctx context.Context, subscriberID int64) (time.Time, time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	var lastHigh, lastClear time.Time
	if scanErr := pool.QueryRow(ctx, lastAlertTimesSQL, subscriberID).Scan(&lastHigh, &lastClear); scanErr != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("last alert times: %w", scanErr)
	}
	return lastHigh, lastClear, nil
}

// PruneOlderThan deletes rows whose anchor timestamp is before cutoff.
func (s *Store) PruneOlderThan(ctx context.Context, table Table, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var sql string
	switch table {
	case TablePrices:
		sql = prunePricesSQL
	case TableForecasts:
		sql = pruneForecastsSQL
	case TableAlerts:
		sql = pruneAlertsSQL
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}

	cmdTag, execErr := pool.Exec(ctx, sql, cutoff)
	if execErr != nil {
		return 0, fmt.Errorf("prune %s: %w", table, execErr)
	}
	return cmdTag.RowsAffected(), nil
}

func collectTicks(rows pgx.Rows, sizeHint int) ([]PriceTick, error) {
	ticks := make([]PriceTick, 0, sizeHint)
	for rows.Next() {
		tick, scanErr := scanPriceTick(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		ticks = append(ticks, tick)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ticks, nil
}

func scanPriceTick(rows pgx.Rows) (PriceTick, error) {
	var (
		region    string
		priceStr  string
		demandStr *string
		interval  time.Time
		fetchedAt time.Time
	)
	if err := rows.Scan(&region, &priceStr, &demandStr, &interval, &fetchedAt); err != nil {
		return PriceTick{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return PriceTick{}, fmt.Errorf("parse price: %w", err)
	}

	tick := PriceTick{
		Region:       region,
		Price:        price,
		IntervalTime: interval,
		FetchedAt:    fetchedAt,
	}
	if demandStr != nil {
		demand, derr := decimal.NewFromString(*demandStr)
		if derr != nil {
			return PriceTick{}, fmt.Errorf("parse demand: %w", derr)
		}
		tick.Demand = &demand
	}
	return tick, nil
}

func scanSubscriber(row pgx.Row) (Subscriber, error) {
	var (
		sub             Subscriber
		highStr, lowStr string
	)
	if err := row.Scan(&sub.ID, &sub.Region, &highStr, &lowStr, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return Subscriber{}, err
	}

	var convErr error
	if sub.HighAlert, convErr = decimal.NewFromString(highStr); convErr != nil {
		return Subscriber{}, fmt.Errorf("parse high alert: %w", convErr)
	}
	if sub.LowAlert, convErr = decimal.NewFromString(lowStr); convErr != nil {
		return Subscriber{}, fmt.Errorf("parse low alert: %w", convErr)
	}
	return sub, nil
}

var _ SubscriberStore = (*Store)(nil)
var _ TickStore = (*Store)(nil)
var _ AlertLogStore = (*Store)(nil)
var _ Pruner = (*Store)(nil)
