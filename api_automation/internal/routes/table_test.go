package routes

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"quickrevert/api_automation/internal/store"
	"quickrevert/pkg/logging"
)

type fakeRoutes struct {
	routes []store.Route
	err    error
}

func (f *fakeRoutes) ListActiveRoutes(_ context.Context, _, _, _ string) ([]store.Route, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]store.Route(nil), f.routes...), nil
}

var key = Key{AccountID: "acc-1", Category: "messaging", Subtype: "message"}

func route(id string, created time.Time) store.Route {
	return store.Route{ID: id, AccountID: key.AccountID, Category: key.Category, Subtype: key.Subtype, Active: true, CreatedAt: created}
}

func TestLookupEmptyIsNotAnError(t *testing.T) {
	table := NewTable(&fakeRoutes{}, logging.NewDiscardLogger(), nil)

	routes, err := table.Lookup(context.Background(), key)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(routes) != 0 {
		t.Fatalf("expected no routes, got %d", len(routes))
	}
}

func TestLookupDuplicatesStableOrder(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	// store order deliberately scrambled
	src := &fakeRoutes{routes: []store.Route{
		route("r-c", t0.Add(time.Minute)),
		route("r-b", t0),
		route("r-a", t0),
	}}

	var reported []int
	table := NewTable(src, logging.NewDiscardLogger(), func(k Key, n int) {
		if k != key {
			t.Errorf("unexpected key %v", k)
		}
		reported = append(reported, n)
	})

	for run := 0; run < 5; run++ {
		routes, err := table.Lookup(context.Background(), key)
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		got := []string{routes[0].ID, routes[1].ID, routes[2].ID}
		want := []string{"r-a", "r-b", "r-c"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("run %d: got order %v want %v", run, got, want)
			}
		}
	}
	if len(reported) != 5 || reported[0] != 3 {
		t.Fatalf("expected duplicate reported on every lookup, got %v", reported)
	}
}

func TestLookupDropsRowsOutsideKey(t *testing.T) {
	inactive := route("r-off", time.Now())
	inactive.Active = false
	other := route("r-other", time.Now())
	other.Subtype = "message_echo"

	table := NewTable(&fakeRoutes{routes: []store.Route{inactive, other, route("r-on", time.Now())}}, logging.NewDiscardLogger(), nil)
	routes, err := table.Lookup(context.Background(), key)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(routes) != 1 || routes[0].ID != "r-on" {
		t.Fatalf("unexpected routes %+v", routes)
	}
}

func TestLookupWrapsStoreError(t *testing.T) {
	table := NewTable(&fakeRoutes{err: sql.ErrConnDone}, logging.NewDiscardLogger(), nil)
	if _, err := table.Lookup(context.Background(), key); !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("expected store error, got %v", err)
	}
}
