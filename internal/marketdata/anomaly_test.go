package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-data-service/internal/models"
)

func normalQuote() *models.Quote {
	return &models.Quote{
		Symbol:        "AAPL",
		Price:         decimal.NewFromFloat(150.25),
		ChangePercent: decimal.NewFromFloat(1.45),
		Open:          decimal.NewFromFloat(148.5),
		High:          decimal.NewFromFloat(151),
		Low:           decimal.NewFromFloat(148),
		Volume:        52000000,
	}
}

func flatSeries(volumes ...int64) *models.HistoricalSeries {
	s := &models.HistoricalSeries{Symbol: "AAPL"}
	base := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	for i, v := range volumes {
		price := decimal.NewFromFloat(100)
		s.Points = append(s.Points, models.Bar{
			Date:   base.AddDate(0, 0, i),
			Open:   price,
			High:   decimal.NewFromFloat(101),
			Low:    decimal.NewFromFloat(99),
			Close:  price,
			Volume: v,
		})
	}
	s.SortAscending()
	return s
}

func TestInspectQuoteClean(t *testing.T) {
	d := NewDetector(DefaultAnomalyConfig())

	report := d.InspectQuote(normalQuote())
	require.NotNil(t, report)
	assert.False(t, report.HasAnomalies)
	assert.Empty(t, report.Types)
	assert.Zero(t, report.Confidence)
}

func TestInspectQuoteDisabled(t *testing.T) {
	d := NewDetector(AnomalyConfig{Enabled: false})
	assert.Nil(t, d.InspectQuote(normalQuote()))
	assert.Nil(t, d.InspectSeries(flatSeries(100, 100)))
}

func TestExtremePriceChange(t *testing.T) {
	d := NewDetector(DefaultAnomalyConfig())

	q := normalQuote()
	q.ChangePercent = decimal.NewFromFloat(25)

	report := d.InspectQuote(q)
	require.True(t, report.HasAnomalies)
	assert.Contains(t, report.Types, models.AnomalyExtremePriceChange)
	assert.InDelta(t, 62.5, report.Confidence, 0.0001, "confidence scales with how far past the threshold the move is")
}

func TestExtremePriceChangeNegativeMove(t *testing.T) {
	d := NewDetector(DefaultAnomalyConfig())

	q := normalQuote()
	q.ChangePercent = decimal.NewFromFloat(-30)

	report := d.InspectQuote(q)
	require.True(t, report.HasAnomalies)
	assert.Contains(t, report.Types, models.AnomalyExtremePriceChange)
	assert.InDelta(t, 75, report.Confidence, 0.0001)
}

func TestExtremePriceChangeConfidenceCapped(t *testing.T) {
	d := NewDetector(DefaultAnomalyConfig())

	q := normalQuote()
	q.ChangePercent = decimal.NewFromFloat(500)

	report := d.InspectQuote(q)
	require.True(t, report.HasAnomalies)
	assert.Equal(t, 100.0, report.Confidence)
}

func TestPriceInconsistency(t *testing.T) {
	d := NewDetector(DefaultAnomalyConfig())

	q := normalQuote()
	q.Price = decimal.NewFromFloat(155) // above the day high

	report := d.InspectQuote(q)
	require.True(t, report.HasAnomalies)
	assert.Contains(t, report.Types, models.AnomalyPriceInconsistency)
	assert.Equal(t, 90.0, report.Confidence)
	assert.Equal(t, "155", report.Details[models.AnomalyPriceInconsistency]["price"])
}

func TestReportConfidenceIsMeanOfFindings(t *testing.T) {
	d := NewDetector(DefaultAnomalyConfig())

	q := normalQuote()
	q.ChangePercent = decimal.NewFromFloat(25) // 62.5
	q.Price = decimal.NewFromFloat(155)        // 90

	report := d.InspectQuote(q)
	require.Len(t, report.Types, 2)
	assert.InDelta(t, 76.25, report.Confidence, 0.0001)
}

func TestVolumeSpike(t *testing.T) {
	d := NewDetector(DefaultAnomalyConfig())

	// 10 ordinary bars then a 6x spike.
	volumes := make([]int64, 0, 11)
	for i := 0; i < 10; i++ {
		volumes = append(volumes, 100)
	}
	volumes = append(volumes, 600)

	report := d.InspectSeries(flatSeries(volumes...))
	require.True(t, report.HasAnomalies)
	assert.Contains(t, report.Types, models.AnomalyVolumeSpike)
	// ratio 6 against multiplier 5
	assert.InDelta(t, 60, report.Confidence, 0.0001)
}

func TestVolumeSpikeWindowTrailsThirtyBars(t *testing.T) {
	d := NewDetector(DefaultAnomalyConfig())

	// Old noise outside the window must not dilute the mean.
	volumes := make([]int64, 0, 41)
	for i := 0; i < 10; i++ {
		volumes = append(volumes, 1_000_000)
	}
	for i := 0; i < 30; i++ {
		volumes = append(volumes, 100)
	}
	volumes = append(volumes, 600)

	report := d.InspectSeries(flatSeries(volumes...))
	require.True(t, report.HasAnomalies)
	assert.Contains(t, report.Types, models.AnomalyVolumeSpike)
}

func TestInspectSeriesBarOverBarMove(t *testing.T) {
	d := NewDetector(DefaultAnomalyConfig())

	s := flatSeries(100, 100, 100)
	s.Points[2].Close = decimal.NewFromFloat(130)
	s.Points[2].High = decimal.NewFromFloat(131)

	report := d.InspectSeries(s)
	require.True(t, report.HasAnomalies)
	assert.Contains(t, report.Types, models.AnomalyExtremePriceChange)
}

func TestInspectSeriesFlagsInconsistentBar(t *testing.T) {
	d := NewDetector(DefaultAnomalyConfig())

	s := flatSeries(100, 100, 100)
	s.Points[1].Close = decimal.NewFromFloat(150) // far above the bar high

	report := d.InspectSeries(s)
	require.True(t, report.HasAnomalies)
	assert.Contains(t, report.Types, models.AnomalyPriceInconsistency)
	assert.Equal(t, 1, report.Details[models.AnomalyPriceInconsistency]["bar_index"])
}

func TestInspectSeriesEmpty(t *testing.T) {
	d := NewDetector(DefaultAnomalyConfig())

	report := d.InspectSeries(&models.HistoricalSeries{Symbol: "AAPL"})
	require.NotNil(t, report)
	assert.False(t, report.HasAnomalies)
}
