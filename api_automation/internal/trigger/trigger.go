// Package trigger evaluates automation trigger criteria against events.
//
// Criteria are a tagged variant: {"kind": "<name>", ...params}. New kinds are
// added with Register and need no changes elsewhere. The legacy
// {"messageType": "all"} shape is still accepted.
package trigger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrInvalidCriteria = errors.New("invalid trigger criteria")

// Input is the part of an event predicates may look at.
type Input struct {
	Category string
	Subtype  string
	Text     string
}

type Predicate interface {
	Match(in Input) bool
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(in Input) bool

func (f PredicateFunc) Match(in Input) bool { return f(in) }

// Factory builds a predicate from the full criteria object.
type Factory func(params json.RawMessage) (Predicate, error)

type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Factory)}
}

// Register adds or replaces a predicate kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	r.kinds[kind] = f
	r.mu.Unlock()
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type envelope struct {
	Kind        string `json:"kind"`
	MessageType string `json:"messageType"`
}

var legacyKinds = map[string]string{
	"all":      KindAll,
	"keyword":  KindKeywords,
	"keywords": KindKeywords,
}

// Parse resolves criteria into a predicate. Absent, malformed or unknown
// criteria return ErrInvalidCriteria.
func (r *Registry) Parse(raw json.RawMessage) (Predicate, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: criteria absent", ErrInvalidCriteria)
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCriteria, err)
	}

	kind := env.Kind
	if kind == "" && env.MessageType != "" {
		mapped, ok := legacyKinds[env.MessageType]
		if !ok {
			return nil, fmt.Errorf("%w: unknown messageType %q", ErrInvalidCriteria, env.MessageType)
		}
		kind = mapped
	}
	if kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrInvalidCriteria)
	}

	r.mu.RLock()
	factory, ok := r.kinds[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidCriteria, kind)
	}

	p, err := factory(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCriteria, kind, err)
	}
	return p, nil
}

// Evaluate decides whether an automation fires. Disabled automations never
// fire. Enabled ones with unusable criteria do not fire and return an error.
func (r *Registry) Evaluate(enabled bool, criteria json.RawMessage, in Input) (bool, error) {
	if !enabled {
		return false, nil
	}
	p, err := r.Parse(criteria)
	if err != nil {
		return false, err
	}
	return p.Match(in), nil
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry holding the built-in kinds.
func Default() *Registry { return defaultRegistry }

func Register(kind string, f Factory) { defaultRegistry.Register(kind, f) }

func Evaluate(enabled bool, criteria json.RawMessage, in Input) (bool, error) {
	return defaultRegistry.Evaluate(enabled, criteria, in)
}
