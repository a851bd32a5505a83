package providers

import (
	"fmt"
	"sync"
	"time"
)

// Status is a provider's health state as tracked by the factory.
type Status string

// Provider states. Degraded is reserved for partial-function
// conditions; it is never assigned here but a degraded provider still
// counts as available.
const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusDisabled  Status = "disabled"
)

// Tier labels a provider's commercial class, used for the baseline
// accuracy default.
type Tier string

const (
	TierPremium Tier = "premium"
	TierFree    Tier = "free"
)

// Config is the static per-provider configuration owned by the factory.
type Config struct {
	Name                    string        `json:"name"`
	Enabled                 bool          `json:"enabled"`
	Priority                int           `json:"priority"`
	APIKey                  string        `json:"-"`
	BaseURL                 string        `json:"base_url"`
	Timeout                 time.Duration `json:"timeout"`
	MaxRetries              int           `json:"max_retries"`
	RetryBackoffBase        float64       `json:"retry_backoff_base"`
	RateLimitPerMinute      int           `json:"rate_limit_per_minute"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `json:"circuit_breaker_timeout"`
	HealthCheckInterval     time.Duration `json:"health_check_interval"`
	Tier                    Tier          `json:"tier"`
	BaselineAccuracy        float64       `json:"baseline_accuracy"`
	Capabilities            Capabilities  `json:"capabilities"`
}

// SetDefaults fills unset fields with the shipped defaults.
func (c *Config) SetDefaults() {
	if c.Priority == 0 {
		c.Priority = 100
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoffBase == 0 {
		c.RetryBackoffBase = 2.0
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitBreakerTimeout == 0 {
		c.CircuitBreakerTimeout = time.Minute
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 5 * time.Minute
	}
	if c.BaselineAccuracy == 0 {
		switch c.Tier {
		case TierPremium:
			c.BaselineAccuracy = 95
		case TierFree:
			c.BaselineAccuracy = 85
		default:
			c.BaselineAccuracy = 80
		}
	}
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("provider config requires a name")
	}
	if c.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("provider %s: circuit breaker threshold must be at least 1", c.Name)
	}
	if c.RetryBackoffBase < 1 {
		return fmt.Errorf("provider %s: retry backoff base must be at least 1", c.Name)
	}
	return nil
}

// runtimeStats is a provider's mutable runtime state. All access goes
// through its mutex so readers always see a consistent snapshot.
type runtimeStats struct {
	mu                  sync.Mutex
	status              Status
	lastHealthCheck     time.Time
	consecutiveFailures int
	circuitOpenedAt     *time.Time
	totalRequests       int64
	successfulRequests  int64
	failedRequests      int64
	averageResponseTime time.Duration
	lastUsed            time.Time
}

func newRuntimeStats() *runtimeStats {
	return &runtimeStats{status: StatusUnknown}
}

const responseTimeAlpha = 0.1

// recordSuccess updates counters and the response-time EMA.
func (s *runtimeStats) recordSuccess(responseTime time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
	s.successfulRequests++
	s.consecutiveFailures = 0
	s.lastUsed = time.Now()
	s.averageResponseTime = time.Duration(
		responseTimeAlpha*float64(responseTime) + (1-responseTimeAlpha)*float64(s.averageResponseTime),
	)
}

// recordFailure updates counters and opens the circuit breaker when the
// failure streak reaches the threshold.
func (s *runtimeStats) recordFailure(threshold int) (opened bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
	s.failedRequests++
	s.consecutiveFailures++
	if s.consecutiveFailures >= threshold && s.circuitOpenedAt == nil {
		now := time.Now()
		s.circuitOpenedAt = &now
		return true
	}
	return false
}

// recordMiss counts an upstream not-found: the request failed for the
// caller but does not degrade the provider's health.
func (s *runtimeStats) recordMiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
	s.failedRequests++
}

// circuitOpen reports breaker state and resets it once the cooldown has
// elapsed. The reset arms a half-open probe: the next attempt either
// confirms recovery or re-opens the breaker.
func (s *runtimeStats) circuitOpen(timeout time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.circuitOpenedAt == nil {
		return false
	}
	if now.Sub(*s.circuitOpenedAt) >= timeout {
		s.circuitOpenedAt = nil
		s.consecutiveFailures = 0
		return false
	}
	return true
}

func (s *runtimeStats) setStatus(status Status) (previous Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = s.status
	s.status = status
	s.lastHealthCheck = time.Now()
	return previous
}

// setStatusOnly changes the status without marking a health check, so
// the monitor still probes the provider on schedule.
func (s *runtimeStats) setStatusOnly(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *runtimeStats) getStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *runtimeStats) lastChecked() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHealthCheck
}

func (s *runtimeStats) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests = 0
	s.successfulRequests = 0
	s.failedRequests = 0
	s.consecutiveFailures = 0
	s.averageResponseTime = 0
}

// successRate returns the success percentage, treating an idle provider
// as perfect.
func (s *runtimeStats) successRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successRateLocked()
}

func (s *runtimeStats) successRateLocked() float64 {
	if s.totalRequests == 0 {
		return 100
	}
	return float64(s.successfulRequests) / float64(s.totalRequests) * 100
}

// StatsSnapshot is a consistent copy of one provider's runtime state.
type StatsSnapshot struct {
	Status              Status        `json:"status"`
	LastHealthCheck     time.Time     `json:"last_health_check"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CircuitBreakerOpen  bool          `json:"circuit_breaker_open"`
	TotalRequests       int64         `json:"total_requests"`
	SuccessfulRequests  int64         `json:"successful_requests"`
	FailedRequests      int64         `json:"failed_requests"`
	SuccessRate         float64       `json:"success_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	LastUsed            time.Time     `json:"last_used"`
}

func (s *runtimeStats) snapshot(breakerTimeout time.Duration) StatsSnapshot {
	open := s.circuitOpen(breakerTimeout, time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Status:              s.status,
		LastHealthCheck:     s.lastHealthCheck,
		ConsecutiveFailures: s.consecutiveFailures,
		CircuitBreakerOpen:  open,
		TotalRequests:       s.totalRequests,
		SuccessfulRequests:  s.successfulRequests,
		FailedRequests:      s.failedRequests,
		SuccessRate:         s.successRateLocked(),
		AverageResponseTime: s.averageResponseTime,
		LastUsed:            s.lastUsed,
	}
}
