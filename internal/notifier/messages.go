package notifier

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"nem-price-alerts/internal/analyzer"
	"nem-price-alerts/internal/parser"
	"nem-price-alerts/internal/storage"
)

var regionNames = map[string]string{
	"NSW1": "NSW",
	"VIC1": "VIC",
	"QLD1": "QLD",
	"SA1":  "SA",
	"TAS1": "TAS",
}

// RegionDisplay maps a NEM region id to its short display name.
func RegionDisplay(region string) string {
	if name, ok := regionNames[region]; ok {
		return name
	}
	return region
}

// priceLevel returns the emoji and label for a price band.
func priceLevel(price decimal.Decimal) (string, string) {
	switch {
	case price.IsNegative():
		return "🟢💰", "Negative"
	case price.LessThan(decimal.NewFromInt(50)):
		return "🟢", "Low"
	case price.LessThan(decimal.NewFromInt(100)):
		return "🟡", "Normal"
	case price.LessThan(decimal.NewFromInt(200)):
		return "🟠", "Elevated"
	case price.LessThan(decimal.NewFromInt(500)):
		return "🔴", "High"
	default:
		return "🔴🔥", "Extreme"
	}
}

// RenderAlert renders the outbound text for one alert event.
func RenderAlert(ev analyzer.Event) string {
	switch ev.Type {
	case storage.AlertHighPrice:
		return renderHighPrice(ev)
	case storage.AlertLowPrice:
		return renderLowPrice(ev)
	case storage.AlertSpike:
		return renderSpike(ev)
	case storage.AlertForecast:
		return renderForecast(ev)
	case storage.AlertAllClear:
		return renderAllClear(ev)
	default:
		return fmt.Sprintf("%s: $%s/MWh", RegionDisplay(ev.Region), ev.Price.StringFixed(2))
	}
}

func renderHighPrice(ev analyzer.Event) string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "⚡ HIGH PRICE — %s\n\n", RegionDisplay(ev.Region))
	fmt.Fprintf(&b, "Current price: $%s/MWh 🔴\n", ev.Price.StringFixed(2))
	fmt.Fprintf(&b, "Your threshold: $%s/MWh\n\n", ev.Threshold.StringFixed(0))
	b.WriteString("💡 What to do:\n")
	b.WriteString("→ Switch battery to discharge / export mode\n")
	b.WriteString("→ Avoid running dishwasher, dryer, pool pump\n")
	b.WriteString("→ If on a VPP, ensure export is enabled")
	return b.String()
}

func renderLowPrice(ev analyzer.Event) string {
	label := "LOW PRICE"
	if ev.Price.IsNegative() {
		label = "NEGATIVE PRICE"
	}

	b := strings.Builder{}
	fmt.Fprintf(&b, "🔋 %s — %s\n\n", label, RegionDisplay(ev.Region))
	fmt.Fprintf(&b, "Current price: $%s/MWh 🟢💰\n\n", ev.Price.StringFixed(2))
	b.WriteString("💡 What to do:\n")
	b.WriteString("→ Switch battery to charge from grid\n")
	b.WriteString("→ Run washing machine, dryer, dishwasher")
	if ev.Price.IsNegative() {
		b.WriteString("\n→ You're being PAID to use electricity!")
	}
	return b.String()
}

func renderSpike(ev analyzer.Event) string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "⚠️ PRICE SPIKE — %s\n\n", RegionDisplay(ev.Region))
	fmt.Fprintf(&b, "Price jumped from $%s → $%s/MWh in 5 minutes!\n",
		ev.PrevPrice.StringFixed(0), ev.Price.StringFixed(0))
	b.WriteString("This is unusual and may indicate a supply event.\n\n")
	b.WriteString("💡 Switch to battery power immediately if you haven't already.")
	return b.String()
}

func renderForecast(ev analyzer.Event) string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "📢 HEADS UP — %s\n\n", RegionDisplay(ev.Region))
	fmt.Fprintf(&b, "Prices forecast to reach $%s+/MWh around %s.\n\n",
		ev.Price.StringFixed(0), ev.TargetTime.In(parser.MarketTime).Format("15:04"))
	b.WriteString("💡 Prepare now:\n")
	b.WriteString("→ Ensure battery is fully charged\n")
	b.WriteString("→ Set battery to discharge when peak begins\n")
	b.WriteString("→ Delay any heavy appliance usage")
	return b.String()
}

func renderAllClear(ev analyzer.Event) string {
	emoji, _ := priceLevel(ev.Price)
	return fmt.Sprintf("✅ PRICES NORMAL — %s\n\nPrice has dropped back to $%s/MWh %s",
		RegionDisplay(ev.Region), ev.Price.StringFixed(2), emoji)
}

// RenderDailySummary renders the end-of-day digest for one region.
func RenderDailySummary(region, dateDisplay string, stats storage.DailyStats, hasStats bool, alertsToday int) string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "📊 Daily Summary — %s — %s\n\n", RegionDisplay(region), dateDisplay)

	if hasStats {
		fmt.Fprintf(&b, "Price range: $%s ~ $%s/MWh\n", stats.Min.StringFixed(0), stats.Max.StringFixed(0))
		fmt.Fprintf(&b, "Average price: $%s/MWh\n", stats.Avg.StringFixed(0))
		if stats.NegativeIntervals > 0 {
			// Dispatch intervals are 5 minutes.
			hours := decimal.NewFromInt(int64(stats.NegativeIntervals)).Div(decimal.NewFromInt(12))
			fmt.Fprintf(&b, "Negative price hours: %sh\n", hours.StringFixed(1))
		}
	} else {
		b.WriteString("No price data recorded today.\n")
	}

	fmt.Fprintf(&b, "\nAlerts sent today: %d\n", alertsToday)
	b.WriteString("\nPowered by AEMO data | /help for commands")
	return b.String()
}
