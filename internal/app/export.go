package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"nem-price-alerts/internal/storage"
)

// Export renders price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.DispatchPeriod)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	ticks, err := store.PricesBetween(ctx, opts.Region, from, to)
	if err != nil {
		return err
	}
	if len(ticks) == 0 {
		a.Logger.Info().Str("region", opts.Region).Msg("no prices found for export window")
		return nil
	}

	downsampled := downsampleTicks(ticks, opts.MaxPoints)
	a.Logger.Info().Int("total", len(ticks)).Int("exported", len(downsampled)).Msg("exporting prices")

	if opts.CSVPath != "" {
		if err := writeTicksCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeTicksPNG(opts.PNGPath, opts.Region, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleTicks(ticks []storage.PriceTick, max int) []storage.PriceTick {
	if max <= 0 || len(ticks) <= max {
		return ticks
	}

	result := make([]storage.PriceTick, 0, max)
	step := float64(len(ticks)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(ticks) {
			idx = len(ticks) - 1
		}
		result = append(result, ticks[idx])
	}
	return result
}

func writeTicksCSV(path string, ticks []storage.PriceTick) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"interval_ts", "region", "price_mwh", "demand_mw"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, tick := range ticks {
		demand := ""
		if tick.Demand != nil {
			demand = tick.Demand.String()
		}
		record := []string{
			tick.IntervalTime.Format(time.RFC3339),
			tick.Region,
			tick.Price.String(),
			demand,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeTicksPNG(path, region string, ticks []storage.PriceTick) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(ticks))
	price := make([]float64, len(ticks))
	demand := make([]float64, len(ticks))
	hasDemand := false

	for i, tick := range ticks {
		x[i] = tick.IntervalTime
		price[i] = tick.Price.InexactFloat64()
		if tick.Demand != nil {
			demand[i] = tick.Demand.InexactFloat64()
			hasDemand = true
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Title:  region + " spot price",
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price ($/MWh)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: price,
			},
		},
	}
	if hasDemand {
		graph.YAxisSecondary = chart.YAxis{
			Name:           "Demand (MW)",
			ValueFormatter: priceFormatter,
		}
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    "Demand",
			XValues: x,
			YValues: demand,
			YAxis:   chart.YAxisSecondary,
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
