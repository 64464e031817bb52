package handlers

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"quickrevert/api_automation/internal/pipeline"
	"quickrevert/api_automation/internal/store"
	"quickrevert/api_automation/internal/webhook"
	"quickrevert/pkg/logging"
)

// Metrics holds Prometheus metrics for the handlers
type Metrics struct {
	WebhooksReceived *prometheus.CounterVec
	WebhooksRejected *prometheus.CounterVec
}

// Processor runs normalized events through the routing pipeline.
type Processor interface {
	Process(ctx context.Context, events []webhook.Event, requestID string) []pipeline.EventResult
}

// DiagnosticStore is the read-only view served under /admin.
type DiagnosticStore interface {
	ListFailures(ctx context.Context, f store.FailureFilter) ([]store.FailureRecord, error)
	ListActivity(ctx context.Context, f store.ActivityFilter) ([]store.ActivityRecord, error)
	ListRoutes(ctx context.Context, accountID string) ([]store.Route, error)
}

// Dependencies holds all external dependencies for handlers
type Dependencies struct {
	Logger      logging.Logger
	Metrics     *Metrics
	Pipeline    Processor
	Diagnostics DiagnosticStore
	// Limiter is optional; nil admits every delivery.
	Limiter     *AccountLimiter
	VerifyToken string
	AppSecret   string
}

var deps Dependencies

// Init initializes the handlers with dependencies
func Init(d Dependencies) {
	deps = d
	if deps.Logger == nil {
		deps.Logger = logging.NewDiscardLogger()
	}
	deps.Logger.Info("Handlers initialized")
}

func incWebhook(object string) {
	if deps.Metrics == nil || deps.Metrics.WebhooksReceived == nil {
		return
	}
	deps.Metrics.WebhooksReceived.WithLabelValues(object).Inc()
}

func incRejected(reason string) {
	if deps.Metrics == nil || deps.Metrics.WebhooksRejected == nil {
		return
	}
	deps.Metrics.WebhooksRejected.WithLabelValues(reason).Inc()
}
