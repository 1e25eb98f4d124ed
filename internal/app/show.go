package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"nem-price-alerts/internal/parser"
)

// Show prints recent dispatch prices for one region.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	ticks, err := store.RecentPrices(ctx, opts.Region, opts.Limit)
	if err != nil {
		return err
	}
	if len(ticks) == 0 {
		fmt.Fprintln(os.Stdout, "no prices found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Interval (AEST)\tRegion\t$/MWh\tDemand (MW)")

	for _, tick := range ticks {
		demand := "-"
		if tick.Demand != nil {
			demand = tick.Demand.StringFixed(0)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\n",
			tick.IntervalTime.In(parser.MarketTime).Format("2006-01-02 15:04"),
			tick.Region,
			tick.Price.StringFixed(2),
			demand,
		)
	}

	writer.Flush()
	return nil
}
