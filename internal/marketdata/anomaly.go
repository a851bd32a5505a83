package marketdata

import (
	"math"

	"github.com/shopspring/decimal"

	"market-data-service/internal/models"
)

// AnomalyConfig tunes the post-normalization anomaly detectors. When
// Enabled is false no detection runs and responses carry no report.
type AnomalyConfig struct {
	Enabled                 bool
	PriceChangeThresholdPct float64
	VolumeSpikeMultiplier   float64
	VolumeWindow            int
}

// DefaultAnomalyConfig returns the shipped detector settings.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		Enabled:                 true,
		PriceChangeThresholdPct: 20,
		VolumeSpikeMultiplier:   5,
		VolumeWindow:            30,
	}
}

// Detector inspects normalized payloads for data anomalies. It flags
// and reports; it never repairs.
type Detector struct {
	cfg AnomalyConfig
}

// NewDetector creates a detector, filling unset config fields with the
// defaults.
func NewDetector(cfg AnomalyConfig) *Detector {
	if cfg.PriceChangeThresholdPct <= 0 {
		cfg.PriceChangeThresholdPct = 20
	}
	if cfg.VolumeSpikeMultiplier <= 0 {
		cfg.VolumeSpikeMultiplier = 5
	}
	if cfg.VolumeWindow <= 0 {
		cfg.VolumeWindow = 30
	}
	return &Detector{cfg: cfg}
}

// Enabled reports whether detection is switched on.
func (d *Detector) Enabled() bool { return d.cfg.Enabled }

type finding struct {
	anomalyType models.AnomalyType
	confidence  float64
	details     map[string]interface{}
}

func buildReport(findings []finding) *models.AnomalyReport {
	report := &models.AnomalyReport{
		Types:   []models.AnomalyType{},
		Details: map[models.AnomalyType]map[string]interface{}{},
	}
	if len(findings) == 0 {
		return report
	}

	total := 0.0
	for _, f := range findings {
		report.Types = append(report.Types, f.anomalyType)
		report.Details[f.anomalyType] = f.details
		total += f.confidence
	}
	report.HasAnomalies = true
	report.Confidence = total / float64(len(findings))
	return report
}

// InspectQuote checks a quote for extreme price moves and OHLC range
// violations.
func (d *Detector) InspectQuote(q *models.Quote) *models.AnomalyReport {
	if !d.cfg.Enabled {
		return nil
	}

	var findings []finding
	if f, ok := d.extremePriceChange(q.ChangePercent); ok {
		findings = append(findings, f)
	}
	if f, ok := d.priceInconsistency(q.Price, q.Open, q.High, q.Low); ok {
		findings = append(findings, f)
	}
	return buildReport(findings)
}

// InspectSeries checks a historical series: a volume spike on the most
// recent bar against the trailing window, a bar-over-bar extreme move,
// and per-bar OHLC range violations.
func (d *Detector) InspectSeries(s *models.HistoricalSeries) *models.AnomalyReport {
	if !d.cfg.Enabled {
		return nil
	}
	if len(s.Points) == 0 {
		return buildReport(nil)
	}

	var findings []finding
	if f, ok := d.volumeSpike(s.Points); ok {
		findings = append(findings, f)
	}
	if f, ok := d.barOverBarChange(s.Points); ok {
		findings = append(findings, f)
	}
	for i, bar := range s.Points {
		if f, ok := d.priceInconsistency(bar.Close, bar.Open, bar.High, bar.Low); ok {
			f.details["bar_index"] = i
			f.details["date"] = bar.Date
			findings = append(findings, f)
			break
		}
	}
	return buildReport(findings)
}

func (d *Detector) extremePriceChange(changePercent decimal.Decimal) (finding, bool) {
	observed := math.Abs(changePercent.InexactFloat64())
	if observed <= d.cfg.PriceChangeThresholdPct {
		return finding{}, false
	}
	return finding{
		anomalyType: models.AnomalyExtremePriceChange,
		confidence:  math.Min(100, observed/d.cfg.PriceChangeThresholdPct*50),
		details: map[string]interface{}{
			"change_percent": observed,
			"threshold_pct":  d.cfg.PriceChangeThresholdPct,
		},
	}, true
}

func (d *Detector) barOverBarChange(points []models.Bar) (finding, bool) {
	if len(points) < 2 {
		return finding{}, false
	}
	last := points[len(points)-1]
	prev := points[len(points)-2]
	if prev.Close.IsZero() {
		return finding{}, false
	}
	change := last.Close.Sub(prev.Close).Div(prev.Close).Mul(decimal.NewFromInt(100))
	f, ok := d.extremePriceChange(change)
	if ok {
		f.details["date"] = last.Date
	}
	return f, ok
}

func (d *Detector) volumeSpike(points []models.Bar) (finding, bool) {
	if len(points) < 2 {
		return finding{}, false
	}
	current := points[len(points)-1].Volume

	window := points[:len(points)-1]
	if len(window) > d.cfg.VolumeWindow {
		window = window[len(window)-d.cfg.VolumeWindow:]
	}
	var total int64
	for _, bar := range window {
		total += bar.Volume
	}
	mean := float64(total) / float64(len(window))
	if mean <= 0 || float64(current) <= mean*d.cfg.VolumeSpikeMultiplier {
		return finding{}, false
	}

	ratio := float64(current) / mean
	return finding{
		anomalyType: models.AnomalyVolumeSpike,
		confidence:  math.Min(100, ratio/d.cfg.VolumeSpikeMultiplier*50),
		details: map[string]interface{}{
			"current_volume": current,
			"mean_volume":    mean,
			"ratio":          ratio,
			"multiplier":     d.cfg.VolumeSpikeMultiplier,
		},
	}, true
}

func (d *Detector) priceInconsistency(price, open, high, low decimal.Decimal) (finding, bool) {
	priceInRange := low.LessThanOrEqual(price) && price.LessThanOrEqual(high)
	openInRange := low.LessThanOrEqual(open) && open.LessThanOrEqual(high)
	if priceInRange && openInRange {
		return finding{}, false
	}
	return finding{
		anomalyType: models.AnomalyPriceInconsistency,
		confidence:  90,
		details: map[string]interface{}{
			"price": price.String(),
			"open":  open.String(),
			"high":  high.String(),
			"low":   low.String(),
		},
	}, true
}
