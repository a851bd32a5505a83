package models

import (
	"fmt"
	"regexp"
	"strings"
)

// AssetType identifies the class of instrument a symbol refers to.
type AssetType string

// Supported asset types. Stock and crypto are first-class in the
// bundled adapters; the rest appear in market overview payloads.
const (
	AssetTypeStock     AssetType = "stock"
	AssetTypeCrypto    AssetType = "crypto"
	AssetTypeIndex     AssetType = "index"
	AssetTypeCommodity AssetType = "commodity"
	AssetTypeForex     AssetType = "forex"
)

// IsValid reports whether the asset type is one of the supported values.
func (a AssetType) IsValid() bool {
	switch a {
	case AssetTypeStock, AssetTypeCrypto, AssetTypeIndex, AssetTypeCommodity, AssetTypeForex:
		return true
	}
	return false
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9.\-]{1,20}$`)

// NormalizeSymbol trims and upper-cases a raw ticker and validates its
// syntax. Normalization happens exactly once, at the service boundary;
// everything below treats the symbol as opaque.
func NormalizeSymbol(raw string) (string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	if !symbolPattern.MatchString(symbol) {
		return "", fmt.Errorf("invalid symbol %q: must be 1-20 characters of A-Z, 0-9, '.', '-'", raw)
	}
	return symbol, nil
}

// Period is a named lookback range for historical data.
type Period string

// Interval is a named bar width for historical data.
type Interval string

// Supported periods.
const (
	Period1D  Period = "1d"
	Period5D  Period = "5d"
	Period1M  Period = "1m"
	Period3M  Period = "3m"
	Period6M  Period = "6m"
	Period1Y  Period = "1y"
	Period2Y  Period = "2y"
	Period5Y  Period = "5y"
	Period10Y Period = "10y"
	PeriodYTD Period = "ytd"
	PeriodMax Period = "max"
)

// Supported intervals.
const (
	Interval1Min  Interval = "1m"
	Interval2Min  Interval = "2m"
	Interval5Min  Interval = "5m"
	Interval15Min Interval = "15m"
	Interval30Min Interval = "30m"
	Interval60Min Interval = "60m"
	Interval90Min Interval = "90m"
	Interval1H    Interval = "1h"
	Interval1Day  Interval = "1d"
	Interval5Day  Interval = "5d"
	Interval1Wk   Interval = "1wk"
	Interval1Mo   Interval = "1mo"
	Interval3Mo   Interval = "3mo"
)

var validPeriods = map[Period]bool{
	Period1D: true, Period5D: true, Period1M: true, Period3M: true,
	Period6M: true, Period1Y: true, Period2Y: true, Period5Y: true,
	Period10Y: true, PeriodYTD: true, PeriodMax: true,
}

var validIntervals = map[Interval]bool{
	Interval1Min: true, Interval2Min: true, Interval5Min: true,
	Interval15Min: true, Interval30Min: true, Interval60Min: true,
	Interval90Min: true, Interval1H: true, Interval1Day: true,
	Interval5Day: true, Interval1Wk: true, Interval1Mo: true,
	Interval3Mo: true,
}

var intradayIntervals = map[Interval]bool{
	Interval1Min: true, Interval2Min: true, Interval5Min: true,
	Interval15Min: true, Interval30Min: true, Interval60Min: true,
	Interval90Min: true, Interval1H: true,
}

// IsValid reports whether the period is in the supported set.
func (p Period) IsValid() bool { return validPeriods[p] }

// IsValid reports whether the interval is in the supported set.
func (i Interval) IsValid() bool { return validIntervals[i] }

// IsIntraday reports whether the interval is finer than one day.
func (i Interval) IsIntraday() bool { return intradayIntervals[i] }

// ValidateRange checks a (period, interval) pair. Intraday intervals
// are only accepted with short periods, since upstream feeds do not
// retain minute bars beyond a few days.
func ValidateRange(period Period, interval Interval) error {
	if !period.IsValid() {
		return fmt.Errorf("invalid period %q", period)
	}
	if !interval.IsValid() {
		return fmt.Errorf("invalid interval %q", interval)
	}
	if interval.IsIntraday() && period != Period1D && period != Period5D {
		return fmt.Errorf("intraday interval %q requires period 1d or 5d, got %q", interval, period)
	}
	return nil
}
