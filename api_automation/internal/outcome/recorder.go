// Package outcome writes the terminal record of every dispatched or failed
// event.
package outcome

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"quickrevert/api_automation/internal/store"
	"quickrevert/pkg/logging"
)

// ErrPending is returned when a write outlived the wait bound. The write
// keeps going in the background.
var ErrPending = errors.New("outcome write still pending")

const (
	KindActivity = "activity"
	KindFailure  = "failure"
)

type Store interface {
	InsertActivity(ctx context.Context, rec *store.ActivityRecord) error
	InsertFailure(ctx context.Context, rec *store.FailureRecord) error
}

// Outcome is the stream form of a terminal record.
type Outcome struct {
	Kind       string          `json:"kind"`
	ID         string          `json:"id"`
	EventKey   string          `json:"event_key"`
	Reason     string          `json:"reason,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	ExternalID string          `json:"external_id,omitempty"`
	AccountID  string          `json:"account_id,omitempty"`
	RouteID    string          `json:"route_id,omitempty"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	Category   string          `json:"category"`
	Subtype    string          `json:"subtype"`
	StatusCode int             `json:"status_code,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Sink receives every stored outcome. Sink errors never fail a record.
type Sink interface {
	Publish(ctx context.Context, o Outcome) error
}

type Config struct {
	Store Store
	Sink  Sink

	// Wait bounds how long callers block on a write.
	Wait time.Duration
	// WriteTimeout bounds the write itself, detached from the caller.
	WriteTimeout time.Duration

	Logger  logging.Logger
	OnWrite func(kind, status string)
}

type Recorder struct {
	store        Store
	sink         Sink
	wait         time.Duration
	writeTimeout time.Duration
	logger       logging.Logger
	onWrite      func(kind, status string)
	now          func() time.Time

	wg sync.WaitGroup
}

func NewRecorder(cfg Config) *Recorder {
	r := &Recorder{
		store:        cfg.Store,
		sink:         cfg.Sink,
		wait:         cfg.Wait,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
		onWrite:      cfg.OnWrite,
		now:          time.Now,
	}
	if r.wait <= 0 {
		r.wait = 500 * time.Millisecond
	}
	if r.writeTimeout <= 0 {
		r.writeTimeout = 10 * time.Second
	}
	if r.logger == nil {
		r.logger = logging.NewDiscardLogger()
	}
	return r
}

// Activity records a successful dispatch.
func (r *Recorder) Activity(ctx context.Context, rec *store.ActivityRecord) error {
	r.stamp(&rec.ID, &rec.CreatedAt)
	o := Outcome{
		Kind:       KindActivity,
		ID:         rec.ID,
		EventKey:   rec.EventKey,
		Detail:     rec.Summary,
		AccountID:  rec.AccountID,
		RouteID:    rec.RouteID,
		WorkflowID: rec.WorkflowID,
		Category:   rec.Category,
		Subtype:    rec.Subtype,
		StatusCode: rec.StatusCode,
		RecordedAt: rec.CreatedAt,
	}
	return r.write(ctx, o, func(ctx context.Context) error { return r.store.InsertActivity(ctx, rec) })
}

// Failure records a terminal failure with the full event payload.
func (r *Recorder) Failure(ctx context.Context, rec *store.FailureRecord) error {
	r.stamp(&rec.ID, &rec.CreatedAt)
	o := Outcome{
		Kind:       KindFailure,
		ID:         rec.ID,
		EventKey:   rec.EventKey,
		Reason:     rec.Reason,
		Detail:     rec.Detail,
		ExternalID: rec.ExternalID,
		AccountID:  rec.AccountID,
		RouteID:    rec.RouteID,
		WorkflowID: rec.WorkflowID,
		Category:   rec.Category,
		Subtype:    rec.Subtype,
		Payload:    rec.Payload,
		RecordedAt: rec.CreatedAt,
	}
	return r.write(ctx, o, func(ctx context.Context) error { return r.store.InsertFailure(ctx, rec) })
}

func (r *Recorder) stamp(id *string, at *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if at.IsZero() {
		*at = r.now().UTC()
	}
}

// write runs insert detached from ctx and waits at most r.wait for it.
func (r *Recorder) write(ctx context.Context, o Outcome, insert func(context.Context) error) error {
	done := make(chan error, 1)
	bg := context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		wctx, cancel := context.WithTimeout(bg, r.writeTimeout)
		defer cancel()

		err := insert(wctx)
		done <- err
		if err != nil {
			r.count(o.Kind, "error")
			r.logger.WithError(err).WithFields(logging.Fields{
				"kind":      o.Kind,
				"record_id": o.ID,
				"event_key": o.EventKey,
				"reason":    o.Reason,
			}).Error("Failed to write outcome record")
			return
		}
		r.count(o.Kind, "ok")

		if r.sink != nil {
			if err := r.sink.Publish(wctx, o); err != nil {
				r.logger.WithError(err).WithFields(logging.Fields{
					"kind":      o.Kind,
					"event_key": o.EventKey,
				}).Warn("Failed to publish outcome")
			}
		}
	}()

	timer := time.NewTimer(r.wait)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		r.count(o.Kind, "pending")
		return ErrPending
	}
}

func (r *Recorder) count(kind, status string) {
	if r.onWrite != nil {
		r.onWrite(kind, status)
	}
}

// Close waits for background writes to finish or ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
