package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NEMWEB reports are row-typed CSV: the first field classifies a line as
// comment (C), column-header declaration (I) or data (D). An I row
// (re)declares the name-to-index mapping for its (table, subtype) pair and
// governs every D row of that pair until the next I row. Successive
// publications, and sections within one publication, reorder and add columns
// freely, so the mapping can never be assumed.

const timeLayout = "2006/01/02 15:04:05"

// MarketTime is the fixed NEM market time zone (AEST, no daylight saving).
var MarketTime = mustLoadMarketTime()

func mustLoadMarketTime() *time.Location {
	loc, err := time.LoadLocation("Australia/Brisbane")
	if err != nil {
		return time.FixedZone("AEST", 10*60*60)
	}
	return loc
}

// Market price floor and cap; values outside this band are corrupt rows.
var (
	priceFloor = decimal.NewFromInt(-1000)
	priceCap   = decimal.NewFromInt(17500)
)

// PriceRecord is one decoded dispatch-interval price.
type PriceRecord struct {
	Region       string
	Price        decimal.Decimal
	Demand       *decimal.Decimal
	IntervalTime time.Time
}

// ForecastRecord is one decoded pre-dispatch forecast row.
type ForecastRecord struct {
	Region     string
	TargetTime time.Time
	Price      decimal.Decimal
}

// Stats summarises one parse pass. Skipped rows are isolated failures; they
// never abort the pass.
type Stats struct {
	DataRows int
	Decoded  int
	Skipped  int
}

// columnMap is rebuilt from each header row and read immutably by the data
// rows that follow. A nil map means no header has been declared yet.
type columnMap map[string]int

func headerColumns(fields []string) columnMap {
	cols := make(columnMap, len(fields))
	for i, f := range fields {
		cols[f] = i
	}
	return cols
}

func (m columnMap) field(fields []string, name string) (string, error) {
	if m == nil {
		return "", fmt.Errorf("no header declared for row")
	}
	idx, ok := m[name]
	if !ok {
		return "", fmt.Errorf("column %s not declared", name)
	}
	if idx >= len(fields) {
		return "", fmt.Errorf("column %s out of range", name)
	}
	return fields[idx], nil
}

// ParseDispatch decodes a dispatch report payload into price records in file
// order. It is a pure function: no state survives between invocations.
func ParseDispatch(payload string) ([]PriceRecord, Stats) {
	var (
		records []PriceRecord
		stats   Stats
		cols    columnMap
	)

	for _, line := range strings.Split(payload, "\n") {
		fields := splitRow(line)
		if len(fields) < 3 {
			continue
		}
		if fields[1] != "DISPATCH" || fields[2] != "PRICE" {
			continue
		}

		switch fields[0] {
		case "I":
			cols = headerColumns(fields)
		case "D":
			stats.DataRows++
			rec, err := decodeDispatchRow(fields, cols)
			if err != nil {
				stats.Skipped++
				continue
			}
			records = append(records, rec)
			stats.Decoded++
		}
	}

	return records, stats
}

// ParsePredispatch decodes a pre-dispatch report payload into forecast
// records in file order. AEMO publishes the table as either
// PREDISPATCH,PRICE or PREDISPATCH,REGION_PRICES depending on vintage.
func ParsePredispatch(payload string) ([]ForecastRecord, Stats) {
	var (
		records []ForecastRecord
		stats   Stats
		cols    columnMap
	)

	for _, line := range strings.Split(payload, "\n") {
		fields := splitRow(line)
		if len(fields) < 3 {
			continue
		}
		if fields[1] != "PREDISPATCH" || (fields[2] != "PRICE" && fields[2] != "REGION_PRICES") {
			continue
		}

		switch fields[0] {
		case "I":
			cols = headerColumns(fields)
		case "D":
			stats.DataRows++
			rec, err := decodePredispatchRow(fields, cols)
			if err != nil {
				stats.Skipped++
				continue
			}
			records = append(records, rec)
			stats.Decoded++
		}
	}

	return records, stats
}

func decodeDispatchRow(fields []string, cols columnMap) (PriceRecord, error) {
	region, err := cols.field(fields, "REGIONID")
	if err != nil {
		return PriceRecord{}, err
	}

	price, err := decodePrice(fields, cols, "RRP")
	if err != nil {
		return PriceRecord{}, err
	}

	raw, err := cols.field(fields, "SETTLEMENTDATE")
	if err != nil {
		return PriceRecord{}, err
	}
	interval, err := time.ParseInLocation(timeLayout, raw, MarketTime)
	if err != nil {
		return PriceRecord{}, fmt.Errorf("parse settlement date: %w", err)
	}

	rec := PriceRecord{Region: region, Price: price, IntervalTime: interval}

	// Demand is optional; not every dispatch section carries it.
	if raw, err := cols.field(fields, "TOTALDEMAND"); err == nil && raw != "" {
		if demand, derr := decimal.NewFromString(raw); derr == nil {
			rec.Demand = &demand
		}
	}

	return rec, nil
}

func decodePredispatchRow(fields []string, cols columnMap) (ForecastRecord, error) {
	region, err := cols.field(fields, "REGIONID")
	if err != nil {
		return ForecastRecord{}, err
	}

	price, err := decodePrice(fields, cols, "RRP")
	if err != nil {
		return ForecastRecord{}, err
	}

	// AEMO names the forecast target DATETIME or PERIODID depending on the
	// table vintage.
	raw, err := cols.field(fields, "DATETIME")
	if err != nil {
		raw, err = cols.field(fields, "PERIODID")
		if err != nil {
			return ForecastRecord{}, err
		}
	}
	target, err := time.ParseInLocation(timeLayout, raw, MarketTime)
	if err != nil {
		return ForecastRecord{}, fmt.Errorf("parse forecast target: %w", err)
	}

	return ForecastRecord{Region: region, TargetTime: target, Price: price}, nil
}

func decodePrice(fields []string, cols columnMap, name string) (decimal.Decimal, error) {
	raw, err := cols.field(fields, name)
	if err != nil {
		return decimal.Decimal{}, err
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", name, err)
	}
	if price.LessThan(priceFloor) || price.GreaterThan(priceCap) {
		return decimal.Decimal{}, fmt.Errorf("price %s outside market bounds", price)
	}
	return price, nil
}

func splitRow(line string) []string {
	raw := strings.Split(line, ",")
	fields := make([]string, len(raw))
	for i, f := range raw {
		fields[i] = strings.Trim(strings.TrimSpace(f), `"`)
	}
	return fields
}
