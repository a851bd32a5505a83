package models

// QualityLevel buckets an overall quality score.
type QualityLevel string

// Quality levels, highest first.
const (
	QualityExcellent  QualityLevel = "excellent"
	QualityGood       QualityLevel = "good"
	QualityFair       QualityLevel = "fair"
	QualityPoor       QualityLevel = "poor"
	QualityUnreliable QualityLevel = "unreliable"
)

// QualityLevelForScore maps an overall score to its level bucket.
func QualityLevelForScore(score float64) QualityLevel {
	switch {
	case score >= 95:
		return QualityExcellent
	case score >= 85:
		return QualityGood
	case score >= 70:
		return QualityFair
	case score >= 50:
		return QualityPoor
	default:
		return QualityUnreliable
	}
}

// DataQualityMetrics scores one response on four axes plus a weighted
// overall score. All scores are in [0, 100].
type DataQualityMetrics struct {
	CompletenessScore float64      `json:"completeness_score"`
	FreshnessScore    float64      `json:"freshness_score"`
	AccuracyScore     float64      `json:"accuracy_score"`
	ConsistencyScore  float64      `json:"consistency_score"`
	OverallScore      float64      `json:"overall_score"`
	Level             QualityLevel `json:"level"`
}

// AnomalyType names a class of detected data anomaly.
type AnomalyType string

// Known anomaly types.
const (
	AnomalyExtremePriceChange AnomalyType = "extreme_price_change"
	AnomalyVolumeSpike        AnomalyType = "volume_spike"
	AnomalyPriceInconsistency AnomalyType = "price_inconsistency"
)

// AnomalyReport summarizes the anomalies found in one response.
// Details carries per-type diagnostics keyed by anomaly type.
type AnomalyReport struct {
	HasAnomalies bool                                   `json:"has_anomalies"`
	Types        []AnomalyType                          `json:"types"`
	Confidence   float64                                `json:"confidence"`
	Details      map[AnomalyType]map[string]interface{} `json:"details,omitempty"`
}

// Provenance describes where a response came from and how it was
// produced.
type Provenance struct {
	PrimarySource    string            `json:"primary_source"`
	FallbackSources  []string          `json:"fallback_sources"`
	ProcessingTimeMS int64             `json:"processing_time_ms"`
	CacheHit         bool              `json:"cache_hit"`
	CacheAgeSeconds  *int64            `json:"cache_age_seconds,omitempty"`
	ProviderHealth   map[string]string `json:"provider_health,omitempty"`
}
