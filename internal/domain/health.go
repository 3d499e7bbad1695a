package domain

import "time"

type HealthStatus string

const (
	HealthUnknown  HealthStatus = "unknown"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
)

// DeriveHealth summarizes a provider from its last success and failure.
func DeriveHealth(lastSuccess, lastFailure *time.Time) HealthStatus {
	switch {
	case lastSuccess == nil && lastFailure == nil:
		return HealthUnknown
	case lastFailure == nil:
		return HealthHealthy
	case lastSuccess == nil || lastFailure.After(*lastSuccess):
		return HealthDegraded
	default:
		return HealthHealthy
	}
}
