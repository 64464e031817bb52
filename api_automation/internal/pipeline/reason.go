package pipeline

import (
	"context"
	"errors"

	"quickrevert/api_automation/internal/dispatch"
	"quickrevert/api_automation/internal/identity"
	"quickrevert/api_automation/internal/trigger"
)

// Reason is the failure or no-op classification of one event or route.
type Reason string

const (
	ReasonAccountNotFound        Reason = "AccountNotFound"
	ReasonNoActiveRoute          Reason = "NoActiveRoute"
	ReasonTriggerNotMatched      Reason = "TriggerNotMatched"
	ReasonTriggerInvalid         Reason = "TriggerInvalid"
	ReasonBindingUnresolved      Reason = "BindingUnresolved"
	ReasonDispatchTransportError Reason = "DispatchTransportError"
	ReasonDispatchRejected       Reason = "DispatchRejected"
	ReasonDuplicateEvent         Reason = "DuplicateEvent"
	ReasonTimeout                Reason = "Timeout"
	ReasonStoreUnavailable       Reason = "StoreUnavailable"
)

var ErrNoActiveRoute = errors.New("no active route")

// Classify maps an error from any pipeline stage onto a Reason. Errors it
// does not recognise, dedup.ErrUnavailable included, are treated as store
// failures.
func Classify(err error) Reason {
	var transport *dispatch.TransportError
	var rejected *dispatch.RejectedError

	switch {
	case err == nil:
		return ""
	case errors.As(err, &transport):
		return ReasonDispatchTransportError
	case errors.Is(err, dispatch.ErrBindingUnresolved):
		return ReasonBindingUnresolved
	case errors.As(err, &rejected):
		return ReasonDispatchRejected
	case errors.Is(err, identity.ErrAccountNotFound):
		return ReasonAccountNotFound
	case errors.Is(err, trigger.ErrInvalidCriteria):
		return ReasonTriggerInvalid
	case errors.Is(err, ErrNoActiveRoute):
		return ReasonNoActiveRoute
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ReasonTimeout
	default:
		return ReasonStoreUnavailable
	}
}

// Retryable reports whether a failure should free its dedup claim so an
// upstream redelivery can try again.
func Retryable(reason Reason, err error) bool {
	switch reason {
	case ReasonDispatchTransportError, ReasonTimeout, ReasonStoreUnavailable:
		return true
	case ReasonDispatchRejected:
		var rejected *dispatch.RejectedError
		return errors.As(err, &rejected) && rejected.Retryable()
	default:
		return false
	}
}
