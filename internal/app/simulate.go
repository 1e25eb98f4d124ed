package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"nem-price-alerts/internal/storage"
)

// SimulateAlert 以给定价格模拟一次完整的告警流程。The synthetic tick runs
// through the real analyzer and delivery path, including the alert log, so
// dedup behaves exactly as in production.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	messenger := a.newMessenger()
	if messenger == nil {
		return errors.New("未配置任何告警通道")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	sub, found, err := store.GetSubscriber(ctx, opts.SubscriberID)
	if err != nil {
		return err
	}
	if !found {
		sub, err = storage.NewSubscriber(opts.SubscriberID, opts.Region)
		if err != nil {
			return err
		}
		if err := store.UpsertSubscriber(ctx, sub); err != nil {
			return err
		}
		a.Logger.Info().Int64("subscriber_id", sub.ID).Str("region", sub.Region).Msg("created subscriber for simulation")
	}

	tick := storage.PriceTick{
		Region:       sub.Region,
		Price:        decimal.NewFromFloat(opts.Price),
		IntervalTime: time.Now().UTC().Truncate(a.Config.Scheduler.DispatchPeriod),
		FetchedAt:    time.Now().UTC(),
	}

	anlz := a.newAnalyzer(store, nil)
	events, err := anlz.AnalyzeTick(ctx, tick)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("no alert conditions met for the given price")
		return nil
	}

	ntf := a.newNotifier(store, messenger, nil)
	for _, ev := range events {
		ntf.Deliver(ctx, ev)
	}

	fmt.Printf("simulated %d alert(s)\n", len(events))
	return nil
}
