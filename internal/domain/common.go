package domain

import "time"

// Readiness states reported by /readyz.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	// HealthStatusError marks a probe that timed out or was cancelled rather than failed.
	HealthStatusError = "error"
)

// HealthCheck is one dependency probe result.
type HealthCheck struct {
	Status    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport is the aggregate readiness of Firestore, Redis, Kafka and Pub/Sub.
type HealthReport struct {
	Status      string
	Checks      map[string]HealthCheck
	Version     string
	Environment string
	GeneratedAt time.Time
}
