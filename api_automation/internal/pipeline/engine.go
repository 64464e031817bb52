// Package pipeline runs each webhook event through identity resolution, route
// lookup, trigger evaluation, dispatch and outcome recording.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"quickrevert/api_automation/internal/dedup"
	"quickrevert/api_automation/internal/dispatch"
	"quickrevert/api_automation/internal/outcome"
	"quickrevert/api_automation/internal/routes"
	"quickrevert/api_automation/internal/store"
	"quickrevert/api_automation/internal/trigger"
	"quickrevert/api_automation/internal/webhook"
	"quickrevert/pkg/logging"
)

const (
	NoRoutePolicyIgnore = "ignore"
	NoRoutePolicyFail   = "fail"
)

// Outcomes of one event or one route.
const (
	OutcomeDispatched = "dispatched"
	OutcomeFailed     = "failed"
	OutcomeSkipped    = "skipped"
	OutcomeDuplicate  = "duplicate"
)

type AccountResolver interface {
	Resolve(ctx context.Context, externalID string) (*store.Account, error)
}

type RouteTable interface {
	Lookup(ctx context.Context, key routes.Key) ([]store.Route, error)
}

type TriggerEvaluator interface {
	Evaluate(enabled bool, criteria json.RawMessage, in trigger.Input) (bool, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

type Recorder interface {
	Activity(ctx context.Context, rec *store.ActivityRecord) error
	Failure(ctx context.Context, rec *store.FailureRecord) error
}

type Config struct {
	Accounts   AccountResolver
	Routes     RouteTable
	Triggers   TriggerEvaluator
	Claims     dedup.Claimer
	Dispatcher Dispatcher
	Recorder   Recorder
	Logger     logging.Logger

	NoRoutePolicy string
	// Timeout bounds the processing of one delivery.
	Timeout time.Duration
	// Concurrency caps events of one delivery processed at once.
	Concurrency int

	OnEvent   func(category, subtype string)
	OnOutcome func(outcome string, reason Reason)
}

// RouteResult is what happened for one matched route.
type RouteResult struct {
	RouteID    string `json:"route_id"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Outcome    string `json:"outcome"`
	Reason     Reason `json:"reason,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// EventResult summarises one event. Reason is set when the event stopped
// before reaching any route.
type EventResult struct {
	EventKey  string        `json:"event_key"`
	Category  string        `json:"category"`
	Subtype   string        `json:"subtype"`
	AccountID string        `json:"account_id,omitempty"`
	Outcome   string        `json:"outcome"`
	Reason    Reason        `json:"reason,omitempty"`
	Routes    []RouteResult `json:"routes,omitempty"`
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.Triggers == nil {
		cfg.Triggers = trigger.Default()
	}
	if cfg.NoRoutePolicy != NoRoutePolicyFail {
		cfg.NoRoutePolicy = NoRoutePolicyIgnore
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDiscardLogger()
	}
	return &Engine{cfg: cfg}
}

// Process handles every event of one delivery under a shared deadline. Events
// run concurrently and independently; results keep delivery order.
func (e *Engine) Process(ctx context.Context, events []webhook.Event, requestID string) []EventResult {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	results := make([]EventResult, len(events))
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i := range events {
		g.Go(func() error {
			results[i] = e.ProcessEvent(ctx, events[i], requestID)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ProcessEvent runs one event through every stage in order. It never returns
// an error: each failure becomes exactly one terminal record or a no-op.
func (e *Engine) ProcessEvent(ctx context.Context, ev webhook.Event, requestID string) EventResult {
	res := EventResult{EventKey: ev.Key, Category: ev.Category, Subtype: ev.Subtype}
	log := e.cfg.Logger.WithFields(logging.EventFields(ev.Key, ev.Category, ev.Subtype)).
		WithField("request_id", requestID)

	if e.cfg.OnEvent != nil {
		e.cfg.OnEvent(ev.Category, ev.Subtype)
	}

	if err := ctx.Err(); err != nil {
		e.fail(ctx, log, &res, ev, nil, nil, ReasonTimeout, err)
		return res
	}

	account, err := e.cfg.Accounts.Resolve(ctx, ev.AccountID)
	if err != nil {
		reason := e.classify(ctx, err)
		if reason == ReasonAccountNotFound && !e.claimOnce(ctx, log, &res, dedup.Key(ev.Key, dedup.ScopeUnresolved)) {
			return res
		}
		e.fail(ctx, log, &res, ev, nil, nil, reason, err)
		return res
	}
	res.AccountID = account.ID
	log = log.WithField("account_id", account.ID)

	matched, err := e.cfg.Routes.Lookup(ctx, routes.Key{AccountID: account.ID, Category: ev.Category, Subtype: ev.Subtype})
	if err != nil {
		e.fail(ctx, log, &res, ev, account, nil, e.classify(ctx, err), err)
		return res
	}

	if len(matched) == 0 {
		if e.cfg.NoRoutePolicy != NoRoutePolicyFail {
			res.Outcome, res.Reason = OutcomeSkipped, ReasonNoActiveRoute
			e.count(res.Outcome, res.Reason)
			log.Debug("No active route for event")
			return res
		}
		if !e.claimOnce(ctx, log, &res, dedup.Key(ev.Key, dedup.ScopeNoRoute)) {
			return res
		}
		e.fail(ctx, log, &res, ev, account, nil, ReasonNoActiveRoute,
			fmt.Errorf("%w for %s/%s", ErrNoActiveRoute, ev.Category, ev.Subtype))
		return res
	}

	// Routes of one event are handled in their stable order.
	for i := range matched {
		res.Routes = append(res.Routes, e.processRoute(ctx, log, ev, account, &matched[i], requestID))
	}
	res.Outcome = summarize(res.Routes)
	return res
}

func (e *Engine) processRoute(ctx context.Context, log logging.Entry, ev webhook.Event, account *store.Account, route *store.Route, requestID string) RouteResult {
	rr := RouteResult{RouteID: route.ID, WorkflowID: route.WorkflowID}
	log = log.WithFields(logging.Fields{"route_id": route.ID, "workflow_id": route.WorkflowID})
	claimKey := dedup.Key(ev.Key, route.ID)

	if err := ctx.Err(); err != nil {
		e.failRoute(ctx, log, &rr, ev, account, route, "", ReasonTimeout, err)
		return rr
	}

	// Without an automation there are no criteria to evaluate.
	if route.Automation == nil {
		if !e.claimRoute(ctx, log, &rr, ev, account, route, claimKey) {
			return rr
		}
		e.failRoute(ctx, log, &rr, ev, account, route, claimKey, ReasonBindingUnresolved, unresolved(route, account))
		return rr
	}

	fired, err := e.cfg.Triggers.Evaluate(route.Automation.Enabled, route.Automation.Trigger, trigger.Input{
		Category: ev.Category,
		Subtype:  ev.Subtype,
		Text:     ev.Text,
	})
	if err != nil {
		if !e.claimRoute(ctx, log, &rr, ev, account, route, claimKey) {
			return rr
		}
		e.failRoute(ctx, log, &rr, ev, account, route, claimKey, ReasonTriggerInvalid,
			fmt.Errorf("automation %s: %w", route.Automation.ID, err))
		return rr
	}
	if !fired {
		rr.Outcome, rr.Reason = OutcomeSkipped, ReasonTriggerNotMatched
		e.count(rr.Outcome, rr.Reason)
		log.WithField("automation_id", route.Automation.ID).Debug("Trigger did not match")
		return rr
	}

	if !e.claimRoute(ctx, log, &rr, ev, account, route, claimKey) {
		return rr
	}

	if err := unresolved(route, account); err != nil {
		e.failRoute(ctx, log, &rr, ev, account, route, claimKey, ReasonBindingUnresolved, err)
		return rr
	}

	result, err := e.cfg.Dispatcher.Dispatch(ctx, dispatch.Request{
		EventKey:       ev.Key,
		AccountID:      account.ID,
		UserID:         account.UserID,
		RouteID:        route.ID,
		WorkflowID:     route.WorkflowID,
		Category:       ev.Category,
		Subtype:        ev.Subtype,
		SenderID:       ev.SenderID,
		RecipientID:    ev.RecipientID,
		Timestamp:      ev.Timestamp,
		Text:           ev.Text,
		Payload:        ev.Payload,
		InvocationPath: route.Binding.InvocationPath,
		RequestID:      requestID,
	})
	if result != nil {
		rr.StatusCode = result.StatusCode
	}
	if err != nil {
		e.failRoute(ctx, log, &rr, ev, account, route, claimKey, e.classify(ctx, err), err)
		return rr
	}

	rr.Outcome = OutcomeDispatched
	e.count(rr.Outcome, "")
	log.WithField("status_code", result.StatusCode).Info("Dispatched event to workflow")

	werr := e.cfg.Recorder.Activity(ctx, &store.ActivityRecord{
		EventKey:   ev.Key,
		AccountID:  account.ID,
		UserID:     account.UserID,
		RouteID:    route.ID,
		WorkflowID: route.WorkflowID,
		Category:   ev.Category,
		Subtype:    ev.Subtype,
		StatusCode: result.StatusCode,
		Summary:    result.Body,
	})
	e.logRecordErr(log, "activity", werr)
	return rr
}

// unresolved reports why a route cannot be dispatched, naming the workflow
// and account so the binding can be repaired without the raw traffic.
func unresolved(route *store.Route, account *store.Account) error {
	switch {
	case route.Binding == nil:
		return fmt.Errorf("%w: workflow %s for account %s has no binding",
			dispatch.ErrBindingUnresolved, route.WorkflowID, account.ID)
	case strings.TrimSpace(route.Binding.InvocationPath) == "":
		return fmt.Errorf("%w: workflow %s for account %s has an empty invocation path",
			dispatch.ErrBindingUnresolved, route.WorkflowID, account.ID)
	case route.Automation == nil:
		return fmt.Errorf("%w: binding %s of workflow %s has no automation",
			dispatch.ErrBindingUnresolved, route.Binding.ID, route.WorkflowID)
	}
	return nil
}

// claimOnce takes an event-level claim. It returns false when the event must
// stop here, having already set res.
func (e *Engine) claimOnce(ctx context.Context, log logging.Entry, res *EventResult, key string) bool {
	ok, err := e.cfg.Claims.Claim(ctx, key)
	if err != nil {
		// Without a claim the failure record could be written twice; the
		// redelivery will try again.
		res.Outcome, res.Reason = OutcomeFailed, ReasonStoreUnavailable
		e.count(res.Outcome, res.Reason)
		log.WithError(err).Error("Failed to claim event")
		return false
	}
	if !ok {
		res.Outcome, res.Reason = OutcomeDuplicate, ReasonDuplicateEvent
		e.count(res.Outcome, res.Reason)
		log.Debug("Duplicate event dropped")
		return false
	}
	return true
}

func (e *Engine) claimRoute(ctx context.Context, log logging.Entry, rr *RouteResult, ev webhook.Event, account *store.Account, route *store.Route, key string) bool {
	ok, err := e.cfg.Claims.Claim(ctx, key)
	if err != nil {
		e.failRoute(ctx, log, rr, ev, account, route, "", e.classify(ctx, err), err)
		return false
	}
	if !ok {
		rr.Outcome, rr.Reason = OutcomeDuplicate, ReasonDuplicateEvent
		e.count(rr.Outcome, rr.Reason)
		log.Debug("Duplicate dispatch dropped")
		return false
	}
	return true
}

func (e *Engine) classify(ctx context.Context, err error) Reason {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return Classify(err)
}

func (e *Engine) fail(ctx context.Context, log logging.Entry, res *EventResult, ev webhook.Event, account *store.Account, route *store.Route, reason Reason, cause error) {
	res.Outcome, res.Reason = OutcomeFailed, reason
	e.count(res.Outcome, reason)
	e.record(ctx, log, ev, account, route, reason, cause)
}

func (e *Engine) failRoute(ctx context.Context, log logging.Entry, rr *RouteResult, ev webhook.Event, account *store.Account, route *store.Route, claimKey string, reason Reason, cause error) {
	rr.Outcome, rr.Reason = OutcomeFailed, reason
	e.count(rr.Outcome, reason)
	e.record(ctx, log, ev, account, route, reason, cause)

	if claimKey != "" && Retryable(reason, cause) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := e.cfg.Claims.Release(rctx, claimKey); err != nil {
			log.WithError(err).Warn("Failed to release dispatch claim")
		}
	}
}

func (e *Engine) record(ctx context.Context, log logging.Entry, ev webhook.Event, account *store.Account, route *store.Route, reason Reason, cause error) {
	rec := &store.FailureRecord{
		EventKey:   ev.Key,
		Reason:     string(reason),
		Detail:     cause.Error(),
		ExternalID: ev.AccountID,
		Category:   ev.Category,
		Subtype:    ev.Subtype,
		Payload:    ev.Payload,
	}
	if account != nil {
		rec.AccountID = account.ID
	}
	if route != nil {
		rec.RouteID = route.ID
		rec.WorkflowID = route.WorkflowID
	}

	log.WithError(cause).WithField("reason", reason).Warn("Event failed")
	e.logRecordErr(log, "failure", e.cfg.Recorder.Failure(ctx, rec))
}

func (e *Engine) logRecordErr(log logging.Entry, kind string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, outcome.ErrPending):
		log.WithField("kind", kind).Debug("Outcome write continues in background")
	default:
		log.WithError(err).WithField("kind", kind).Error("Failed to write outcome record")
	}
}

func (e *Engine) count(result string, reason Reason) {
	if e.cfg.OnOutcome != nil {
		e.cfg.OnOutcome(result, reason)
	}
}

// summarize folds route outcomes into one event outcome. Any dispatch wins,
// then any failure, then duplicates.
func summarize(rs []RouteResult) string {
	var failed, duplicate bool
	for _, r := range rs {
		switch r.Outcome {
		case OutcomeDispatched:
			return OutcomeDispatched
		case OutcomeFailed:
			failed = true
		case OutcomeDuplicate:
			duplicate = true
		}
	}
	switch {
	case failed:
		return OutcomeFailed
	case duplicate:
		return OutcomeDuplicate
	default:
		return OutcomeSkipped
	}
}
