// Package dispatch delivers routed events to the workflow engine.
//
// A dispatch is a single POST with a hard deadline. There is no retry loop:
// failures are classified and handed back, and redelivery is left to the
// upstream webhook sender.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quickrevert/pkg/clients"
	"quickrevert/pkg/logging"
)

const (
	HeaderEventKey  = "X-Bosun-Event-Key"
	HeaderRequestID = "X-Request-ID"

	defaultTimeout      = 3 * time.Second
	defaultMaxBodyBytes = 4 << 10
)

// ErrBindingUnresolved means the invocation target is missing, unparsable or
// unknown to the engine.
var ErrBindingUnresolved = errors.New("workflow binding unresolved")

// TransportError covers network failures, deadlines and an open circuit.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "dispatch transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// RejectedError is a non-2xx answer from the engine.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("dispatch rejected: status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether upstream redelivery may succeed later.
func (e *RejectedError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// Request is the JSON body sent to the engine plus routing-only fields.
type Request struct {
	EventKey    string          `json:"event_key"`
	AccountID   string          `json:"account_id"`
	UserID      string          `json:"user_id"`
	RouteID     string          `json:"route_id"`
	WorkflowID  string          `json:"workflow_id"`
	Category    string          `json:"category"`
	Subtype     string          `json:"subtype"`
	SenderID    string          `json:"sender_id"`
	RecipientID string          `json:"recipient_id"`
	Timestamp   int64           `json:"timestamp"`
	Text        string          `json:"text,omitempty"`
	Payload     json.RawMessage `json:"payload"`

	InvocationPath string `json:"-"`
	RequestID      string `json:"-"`
}

type Result struct {
	StatusCode int
	Body       string
	Duration   time.Duration
}

type Config struct {
	BaseURL      string
	Token        string
	Timeout      time.Duration
	MaxBodyBytes int
	HTTPClient   *http.Client
	Breaker      *clients.HTTPCircuitBreaker
	Logger       logging.Logger
	// Observe is called once per attempted call with a status label.
	Observe func(status string, elapsed time.Duration)
}

type Dispatcher struct {
	base         *url.URL
	token        string
	timeout      time.Duration
	maxBodyBytes int
	client       *http.Client
	breaker      *clients.HTTPCircuitBreaker
	logger       logging.Logger
	observe      func(string, time.Duration)
}

func New(cfg Config) (*Dispatcher, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("invalid workflow engine url %q", cfg.BaseURL)
	}
	d := &Dispatcher{
		base:         base,
		token:        cfg.Token,
		timeout:      cfg.Timeout,
		maxBodyBytes: cfg.MaxBodyBytes,
		client:       cfg.HTTPClient,
		breaker:      cfg.Breaker,
		logger:       cfg.Logger,
		observe:      cfg.Observe,
	}
	if d.timeout <= 0 {
		d.timeout = defaultTimeout
	}
	if d.maxBodyBytes <= 0 {
		d.maxBodyBytes = defaultMaxBodyBytes
	}
	if d.client == nil {
		d.client = &http.Client{Transport: clients.DefaultTransport(0)}
	}
	if d.breaker == nil {
		d.breaker = clients.NewHTTPCircuitBreaker(clients.CircuitBreakerConfig{Name: "workflow-engine", Logger: cfg.Logger})
	}
	if d.logger == nil {
		d.logger = logging.NewDiscardLogger()
	}
	return d, nil
}

// Target resolves an invocation path against the engine base URL. Absolute
// http(s) URLs are used as-is.
func (d *Dispatcher) Target(invocationPath string) (string, error) {
	p := strings.TrimSpace(invocationPath)
	if p == "" {
		return "", fmt.Errorf("%w: empty invocation path", ErrBindingUnresolved)
	}
	ref, err := url.Parse(p)
	if err != nil {
		return "", fmt.Errorf("%w: invocation path %q: %v", ErrBindingUnresolved, p, err)
	}
	if ref.IsAbs() {
		if (ref.Scheme != "http" && ref.Scheme != "https") || ref.Host == "" {
			return "", fmt.Errorf("%w: unsupported invocation url %q", ErrBindingUnresolved, p)
		}
		return ref.String(), nil
	}

	target := *d.base
	target.Path = strings.TrimRight(d.base.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	target.RawPath = ""
	if ref.RawQuery != "" {
		target.RawQuery = ref.RawQuery
	}
	return target.String(), nil
}

// Dispatch performs one invocation. A nil error means a 2xx answer.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	target, err := d.Target(req.InvocationPath)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	resp, err := d.breaker.Execute(ctx, func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set(HeaderEventKey, req.EventKey)
		if req.RequestID != "" {
			httpReq.Header.Set(HeaderRequestID, req.RequestID)
		}
		if d.token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+d.token)
		}
		return d.client.Do(httpReq)
	})
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		d.record("transport_error", time.Since(start))
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, int64(d.maxBodyBytes)))
	_, _ = io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start)

	result := &Result{StatusCode: resp.StatusCode, Body: string(respBody), Duration: elapsed}
	d.record(statusClass(resp.StatusCode), elapsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if readErr != nil {
			d.logger.WithError(readErr).WithField("event_key", req.EventKey).Debug("Failed to read engine response body")
		}
		return result, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return result, fmt.Errorf("%w: engine answered %d for %s: %w", ErrBindingUnresolved, resp.StatusCode, target,
			&RejectedError{StatusCode: resp.StatusCode, Body: result.Body})
	default:
		return result, &RejectedError{StatusCode: resp.StatusCode, Body: result.Body}
	}
}

func (d *Dispatcher) record(status string, elapsed time.Duration) {
	if d.observe != nil {
		d.observe(status, elapsed)
	}
}

// BreakerState exposes the circuit state for health reporting.
func (d *Dispatcher) BreakerState() clients.CircuitBreakerState {
	return d.breaker.State()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
