package app

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"nem-price-alerts/internal/storage"
)

// SubscriberOptions configure the subscriber command.
type SubscriberOptions struct {
	ID     int64
	Region string
	High   *float64
	Low    *float64
}

// UpsertSubscriber registers or updates one alert recipient. Thresholds are
// only changed when both flags are given; registration alone keeps defaults.
func (a *App) UpsertSubscriber(ctx context.Context, opts SubscriberOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	sub, found, err := store.GetSubscriber(ctx, opts.ID)
	if err != nil {
		return err
	}
	if !found {
		sub, err = storage.NewSubscriber(opts.ID, opts.Region)
		if err != nil {
			return err
		}
		if err := store.UpsertSubscriber(ctx, sub); err != nil {
			return err
		}
		fmt.Printf("subscriber %d registered for %s\n", sub.ID, sub.Region)
	} else if opts.Region != "" && opts.Region != sub.Region {
		sub.Region = opts.Region
		if err := store.UpsertSubscriber(ctx, sub); err != nil {
			return err
		}
		fmt.Printf("subscriber %d moved to %s\n", sub.ID, sub.Region)
	}

	if opts.High != nil && opts.Low != nil {
		high := decimal.NewFromFloat(*opts.High)
		low := decimal.NewFromFloat(*opts.Low)
		if err := store.SetThresholds(ctx, opts.ID, high, low); err != nil {
			return err
		}
		fmt.Printf("thresholds set: high $%s, low $%s\n", high.StringFixed(0), low.StringFixed(0))
	}

	return nil
}
