package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
)

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const checkTimeout = 5 * time.Second

// CheckResult represents the result of an individual health check
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthCheck is a function that performs a health check
type HealthCheck func() CheckResult

// HealthChecker manages and executes health checks
type HealthChecker struct {
	service string
	version string
	checks  map[string]HealthCheck
}

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service: service,
		version: version,
		checks:  make(map[string]HealthCheck),
	}
}

// AddCheck adds a health check to the checker
func (hc *HealthChecker) AddCheck(name string, check HealthCheck) {
	hc.checks[name] = check
}

// CheckHealth runs all health checks and returns the overall status.
// A dependency marked degraded (optional sinks) never makes the service unhealthy.
func (hc *HealthChecker) CheckHealth() HealthStatus {
	status := HealthStatus{
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]CheckResult, len(hc.checks)),
	}

	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	anyUnhealthy := false
	anyDegraded := false
	for _, name := range names {
		result := hc.checks[name]()
		status.Checks[name] = result
		switch result.Status {
		case StatusHealthy:
		case StatusDegraded:
			anyDegraded = true
		default:
			anyUnhealthy = true
		}
	}

	switch {
	case anyUnhealthy:
		status.Status = StatusUnhealthy
	case anyDegraded:
		status.Status = StatusDegraded
	default:
		status.Status = StatusHealthy
	}

	return status
}

// Handler returns a middleware handler for the health check endpoint
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.CheckHealth()
		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, health)
	}
}

// DatabaseHealthCheck creates a health check for database connectivity
func DatabaseHealthCheck(db *sql.DB) HealthCheck {
	return func() CheckResult {
		if db == nil {
			return CheckResult{Status: StatusUnhealthy, Message: "Database connection is nil"}
		}
		return timedPing("Database", StatusUnhealthy, db.PingContext)
	}
}

// RedisHealthCheck reports the dedup store. Redis is optional for bosun (claims
// fall back to PostgreSQL), so an outage degrades rather than fails the service.
func RedisHealthCheck(client goredis.UniversalClient) HealthCheck {
	return func() CheckResult {
		if client == nil {
			return CheckResult{Status: StatusDegraded, Message: "Redis client is nil"}
		}
		return timedPing("Redis", StatusDegraded, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
}

// Pinger is satisfied by franz-go's *kgo.Client and similar clients.
type Pinger interface {
	Ping(ctx context.Context) error
}

// KafkaProducerHealthCheck creates a health check for the outcome stream producer
func KafkaProducerHealthCheck(client Pinger) HealthCheck {
	return func() CheckResult {
		if client == nil {
			return CheckResult{Status: StatusDegraded, Message: "Kafka client is nil"}
		}
		return timedPing("Kafka producer", StatusDegraded, client.Ping)
	}
}

// CircuitBreakerHealthCheck reports a downstream behind a circuit breaker.
// An open or half-open circuit degrades the service; webhooks are still
// accepted and their dispatch failures recorded.
func CircuitBreakerHealthCheck(name string, state func() string) HealthCheck {
	return func() CheckResult {
		switch s := state(); s {
		case "closed":
			return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%s circuit closed", name)}
		case "open", "half-open":
			return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("%s circuit %s", name, s)}
		default:
			return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("%s circuit state %q", name, s)}
		}
	}
}

// ConfigurationHealthCheck creates a health check for required configuration
func ConfigurationHealthCheck(configs map[string]string) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		missing := []string{}

		for key, value := range configs {
			if value == "" {
				missing = append(missing, key)
			}
		}
		sort.Strings(missing)

		if len(missing) > 0 {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("Missing required configuration: %v", missing),
				Latency: time.Since(start).String(),
			}
		}

		return CheckResult{
			Status:  StatusHealthy,
			Message: "All required configuration present",
			Latency: time.Since(start).String(),
		}
	}
}

func timedPing(name, failStatus string, ping func(ctx context.Context) error) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	err := ping(ctx)
	duration := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  failStatus,
			Message: fmt.Sprintf("%s ping failed: %v", name, err),
			Latency: duration.String(),
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%s connection healthy", name),
		Latency: duration.String(),
	}
}
