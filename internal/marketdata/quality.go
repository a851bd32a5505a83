package marketdata

import (
	"math"
	"time"

	"market-data-service/internal/models"
)

// Quality weights. The four sub-scores always combine with these fixed
// factors; the level bucket is derived from the rounded overall score.
const (
	weightCompleteness = 0.30
	weightFreshness    = 0.25
	weightAccuracy     = 0.25
	weightConsistency  = 0.20

	// defaultConsistency applies when no cross-provider comparison ran.
	defaultConsistency = 90.0
)

type qualityInput struct {
	// PriceBearing payloads require {symbol, price}; the rest require
	// only {symbol}.
	PriceBearing   bool
	SymbolPresent  bool
	PricePresent   bool
	CacheHit       bool
	ProcessingTime time.Duration
	Accuracy       float64
}

func completenessScore(in qualityInput) float64 {
	required := 1
	present := 0
	if in.SymbolPresent {
		present++
	}
	if in.PriceBearing {
		required++
		if in.PricePresent {
			present++
		}
	}
	return 100 * float64(present) / float64(required)
}

func freshnessScore(in qualityInput) float64 {
	if !in.CacheHit {
		return 100
	}
	score := 100 - in.ProcessingTime.Seconds()*10
	if score < 50 {
		return 50
	}
	// A cached read is never perfectly fresh.
	if score >= 100 {
		return 99
	}
	return score
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func computeQuality(in qualityInput) *models.DataQualityMetrics {
	accuracy := in.Accuracy
	if accuracy <= 0 {
		accuracy = 80
	}

	m := &models.DataQualityMetrics{
		CompletenessScore: completenessScore(in),
		FreshnessScore:    freshnessScore(in),
		AccuracyScore:     accuracy,
		ConsistencyScore:  defaultConsistency,
	}
	m.OverallScore = round6(
		weightCompleteness*m.CompletenessScore +
			weightFreshness*m.FreshnessScore +
			weightAccuracy*m.AccuracyScore +
			weightConsistency*m.ConsistencyScore,
	)
	m.Level = models.QualityLevelForScore(m.OverallScore)
	return m
}

// zeroQuality is the envelope quality for failed requests.
func zeroQuality() *models.DataQualityMetrics {
	return &models.DataQualityMetrics{Level: models.QualityUnreliable}
}
