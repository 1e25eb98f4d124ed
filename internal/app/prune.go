package app

import (
	"context"
	"fmt"
	"time"

	"nem-price-alerts/internal/storage"
)

// Prune removes history rows past their retention period.
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	now := time.Now().UTC()
	targets := []struct {
		table     storage.Table
		retention time.Duration
	}{
		{storage.TablePrices, a.Config.Retention.Prices},
		{storage.TableForecasts, a.Config.Retention.Forecasts},
		{storage.TableAlerts, a.Config.Retention.Alerts},
	}

	for _, t := range targets {
		if t.retention <= 0 {
			continue
		}
		cutoff := now.Add(-t.retention)
		if opts.DryRun {
			fmt.Printf("%s: would delete rows older than %s\n", t.table, cutoff.Format(time.RFC3339))
			continue
		}
		removed, err := store.PruneOlderThan(ctx, t.table, cutoff)
		if err != nil {
			return fmt.Errorf("prune %s: %w", t.table, err)
		}
		fmt.Printf("%s: deleted %d rows\n", t.table, removed)
	}

	return nil
}
