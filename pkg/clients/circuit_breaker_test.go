package clients

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewHTTPCircuitBreaker(DefaultCircuitBreakerConfig())
	if cb.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", cb.State())
	}
}

//nolint:bodyclose // test responses have no body
func TestHTTPCircuitBreaker_TripsOnTransportErrorsAndServerErrors(t *testing.T) {
	var transitions []string
	cb := NewHTTPCircuitBreaker(CircuitBreakerConfig{
		Name:         "engine",
		MinRequests:  4,
		FailureRatio: 0.5,
		Timeout:      time.Minute,
		OnStateChange: func(_ string, _, to CircuitBreakerState) {
			transitions = append(transitions, to.String())
		},
	})

	ctx := context.Background()
	_, _ = cb.Execute(ctx, func() (*http.Response, error) { return nil, errors.New("connection refused") })
	_, _ = cb.Execute(ctx, func() (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusBadGateway}, nil
	})
	_, _ = cb.Execute(ctx, func() (*http.Response, error) { return nil, errors.New("connection refused") })
	_, _ = cb.Execute(ctx, func() (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusServiceUnavailable}, nil
	})

	if !cb.IsOpen() {
		t.Fatalf("expected breaker to be open, state=%s", cb.State())
	}
	if len(transitions) == 0 || transitions[len(transitions)-1] != "open" {
		t.Fatalf("expected open transition, got %v", transitions)
	}

	called := false
	_, err := cb.Execute(ctx, func() (*http.Response, error) {
		called = true
		return &http.Response{StatusCode: http.StatusOK}, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("expected downstream not to be called while open")
	}
}

//nolint:bodyclose // test responses have no body
func TestHTTPCircuitBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	cb := NewHTTPCircuitBreaker(CircuitBreakerConfig{Name: "engine", MinRequests: 2, FailureRatio: 0.5})

	for i := 0; i < 5; i++ {
		resp, err := cb.Execute(context.Background(), func() (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusBadRequest}, nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected response to pass through, got %d", resp.StatusCode)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected CLOSED after client errors, got %s", cb.State())
	}
}

func TestCircuitBreakerMetricsCallback(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCircuitBreakerMetrics(reg)

	m.Callback()("engine", StateClosed, StateOpen)

	if got := testutil.ToFloat64(m.state.WithLabelValues("engine")); got != float64(StateOpen) {
		t.Fatalf("expected state gauge %v, got %v", float64(StateOpen), got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("engine", "closed", "open")); got != 1 {
		t.Fatalf("expected one transition, got %v", got)
	}
}

func TestDefaultTransportCapsConnections(t *testing.T) {
	if got := DefaultTransport(0).MaxConnsPerHost; got != 100 {
		t.Fatalf("expected default cap 100, got %d", got)
	}
	if got := DefaultTransport(16).MaxConnsPerHost; got != 16 {
		t.Fatalf("expected cap 16, got %d", got)
	}
}
