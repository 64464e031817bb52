// Package routes looks up the active routes for an (account, category,
// subtype) key.
package routes

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"quickrevert/api_automation/internal/store"
	"quickrevert/pkg/logging"
)

type RouteStore interface {
	ListActiveRoutes(ctx context.Context, accountID, category, subtype string) ([]store.Route, error)
}

// Key is the exact routing key. There is no wildcard matching at this layer.
type Key struct {
	AccountID string
	Category  string
	Subtype   string
}

func (k Key) String() string {
	return k.AccountID + "/" + k.Category + "/" + k.Subtype
}

type Table struct {
	store       RouteStore
	logger      logging.Logger
	onDuplicate func(Key, int)
}

// NewTable creates a route table. onDuplicate may be nil.
func NewTable(s RouteStore, logger logging.Logger, onDuplicate func(key Key, count int)) *Table {
	return &Table{store: s, logger: logger, onDuplicate: onDuplicate}
}

// Lookup returns every active route for key ordered by creation time, then id.
// An empty result is not an error. Several results are a data defect that is
// reported but still served in full.
func (t *Table) Lookup(ctx context.Context, key Key) ([]store.Route, error) {
	routes, err := t.store.ListActiveRoutes(ctx, key.AccountID, key.Category, key.Subtype)
	if err != nil {
		return nil, fmt.Errorf("lookup routes %s: %w", key, err)
	}

	routes = slices.DeleteFunc(routes, func(r store.Route) bool {
		return !r.Active || r.AccountID != key.AccountID || r.Category != key.Category || r.Subtype != key.Subtype
	})
	slices.SortStableFunc(routes, func(a, b store.Route) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	if len(routes) > 1 {
		ids := make([]string, len(routes))
		for i, r := range routes {
			ids[i] = r.ID
		}
		t.logger.WithFields(logging.Fields{
			"account_id": key.AccountID,
			"category":   key.Category,
			"subtype":    key.Subtype,
			"route_ids":  ids,
		}).Warn("Multiple active routes for one key")
		if t.onDuplicate != nil {
			t.onDuplicate(key, len(routes))
		}
	}
	return routes, nil
}
