package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"market-data-service/internal/models"
)

func TestCompletenessRequiresPriceForPriceBearingPayloads(t *testing.T) {
	full := computeQuality(qualityInput{PriceBearing: true, SymbolPresent: true, PricePresent: true, Accuracy: 95})
	assert.Equal(t, 100.0, full.CompletenessScore)

	missingPrice := computeQuality(qualityInput{PriceBearing: true, SymbolPresent: true, Accuracy: 95})
	assert.Equal(t, 50.0, missingPrice.CompletenessScore)

	profileLike := computeQuality(qualityInput{SymbolPresent: true, Accuracy: 95})
	assert.Equal(t, 100.0, profileLike.CompletenessScore, "non-price payloads only require the symbol")
}

func TestFreshnessFreshFetch(t *testing.T) {
	q := computeQuality(qualityInput{SymbolPresent: true, Accuracy: 95})
	assert.Equal(t, 100.0, q.FreshnessScore)
}

func TestFreshnessCacheHitNeverPerfect(t *testing.T) {
	fast := computeQuality(qualityInput{SymbolPresent: true, CacheHit: true, Accuracy: 95})
	assert.Equal(t, 99.0, fast.FreshnessScore, "an instant cache read still scores below fresh")

	slow := computeQuality(qualityInput{SymbolPresent: true, CacheHit: true, ProcessingTime: 3 * time.Second, Accuracy: 95})
	assert.Equal(t, 70.0, slow.FreshnessScore)

	floor := computeQuality(qualityInput{SymbolPresent: true, CacheHit: true, ProcessingTime: 30 * time.Second, Accuracy: 95})
	assert.Equal(t, 50.0, floor.FreshnessScore)
}

func TestOverallScoreWeights(t *testing.T) {
	q := computeQuality(qualityInput{
		PriceBearing:  true,
		SymbolPresent: true,
		PricePresent:  true,
		Accuracy:      95,
	})

	// 0.30*100 + 0.25*100 + 0.25*95 + 0.20*90
	assert.Equal(t, 96.75, q.OverallScore)
	assert.Equal(t, models.QualityExcellent, q.Level)
	assert.Equal(t, defaultConsistency, q.ConsistencyScore)
}

func TestLevelBucketsFollowOverallScore(t *testing.T) {
	premium := computeQuality(qualityInput{PriceBearing: true, SymbolPresent: true, PricePresent: true, Accuracy: 95})
	assert.Equal(t, models.QualityExcellent, premium.Level)

	free := computeQuality(qualityInput{PriceBearing: true, SymbolPresent: true, PricePresent: true, Accuracy: 85})
	assert.Equal(t, 94.25, free.OverallScore)
	assert.Equal(t, models.QualityGood, free.Level)

	sparse := computeQuality(qualityInput{PriceBearing: true, SymbolPresent: true, Accuracy: 80})
	// 0.30*50 + 0.25*100 + 0.25*80 + 0.20*90 = 78
	assert.Equal(t, 78.0, sparse.OverallScore)
	assert.Equal(t, models.QualityFair, sparse.Level)
}

func TestUnknownAccuracyDefaults(t *testing.T) {
	q := computeQuality(qualityInput{SymbolPresent: true})
	assert.Equal(t, 80.0, q.AccuracyScore)
}

func TestZeroQuality(t *testing.T) {
	q := zeroQuality()
	assert.Equal(t, models.QualityUnreliable, q.Level)
	assert.Zero(t, q.OverallScore)
}
