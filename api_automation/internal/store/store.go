package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrAmbiguous means more than one active account claims an external id.
	ErrAmbiguous = errors.New("ambiguous record")
)

const (
	AccountStatusPending = "pending"
	AccountStatusActive  = "active"
	AccountStatusRevoked = "revoked"
)

type Account struct {
	ID         string
	UserID     string
	ExternalID string
	Username   string
	Status     string
	CreatedAt  time.Time
}

type Automation struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Trigger json.RawMessage `json:"trigger,omitempty"` // nil when the column is NULL
	Enabled bool            `json:"enabled"`
}

type WorkflowBinding struct {
	ID             string `json:"id"`
	AutomationID   string `json:"automation_id"`
	InvocationPath string `json:"invocation_path"`
}

// Route is an active route joined with its binding and automation. Binding
// and Automation are nil when the join found nothing.
type Route struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	AccountID  string           `json:"account_id"`
	Category   string           `json:"category"`
	Subtype    string           `json:"subtype"`
	WorkflowID string           `json:"workflow_id"`
	Active     bool             `json:"active"`
	CreatedAt  time.Time        `json:"created_at"`
	Binding    *WorkflowBinding `json:"binding,omitempty"`
	Automation *Automation      `json:"automation,omitempty"`
}

type ActivityRecord struct {
	ID         string    `json:"id"`
	EventKey   string    `json:"event_key"`
	AccountID  string    `json:"account_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	RouteID    string    `json:"route_id,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	Category   string    `json:"category"`
	Subtype    string    `json:"subtype"`
	StatusCode int       `json:"status_code"`
	Summary    string    `json:"summary,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type FailureRecord struct {
	ID         string          `json:"id"`
	EventKey   string          `json:"event_key"`
	Reason     string          `json:"reason"`
	Detail     string          `json:"detail,omitempty"`
	ExternalID string          `json:"external_id,omitempty"`
	AccountID  string          `json:"account_id,omitempty"`
	RouteID    string          `json:"route_id,omitempty"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	Category   string          `json:"category"`
	Subtype    string          `json:"subtype"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetActiveAccountByExternalID matches the stored external id exactly.
// Zero matches is ErrNotFound and more than one is ErrAmbiguous; neither
// case guesses.
func (s *Store) GetActiveAccountByExternalID(ctx context.Context, externalID string) (*Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, external_id, username, status, created_at
		FROM bosun.accounts
		WHERE external_id = $1 AND status = 'active'
		ORDER BY created_at ASC, id ASC
		LIMIT 2
	`, externalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.UserID, &a.ExternalID, &a.Username, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(accounts) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return &accounts[0], nil
	default:
		return nil, fmt.Errorf("%w: %d active accounts for external id %s", ErrAmbiguous, len(accounts), externalID)
	}
}

const routeColumns = `
	r.id, r.user_id, r.account_id, r.category, r.subtype, r.workflow_id, r.active, r.created_at,
	b.id, b.automation_id, b.invocation_path,
	a.id, a.name, a.trigger, a.enabled`

// The most recently updated binding wins when a workflow was bound twice.
const routeJoins = `
	FROM bosun.routes r
	LEFT JOIN LATERAL (
		SELECT wb.id, wb.automation_id, wb.invocation_path
		FROM bosun.workflow_bindings wb
		WHERE wb.workflow_id = r.workflow_id AND wb.user_id = r.user_id
		ORDER BY wb.updated_at DESC, wb.id ASC
		LIMIT 1
	) b ON TRUE
	LEFT JOIN bosun.automations a ON a.id = b.automation_id`

// ListActiveRoutes returns the active routes of one key in creation order.
// Reads are single statements so concurrent repairs are seen whole or not at all.
func (s *Store) ListActiveRoutes(ctx context.Context, accountID, category, subtype string) ([]Route, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT`+routeColumns+routeJoins+`
	WHERE r.account_id = $1 AND r.category = $2 AND r.subtype = $3 AND r.active
	ORDER BY r.created_at ASC, r.id ASC
	`, accountID, category, subtype)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoutes(rows)
}

// ListRoutes returns every route of an account, active or not.
func (s *Store) ListRoutes(ctx context.Context, accountID string) ([]Route, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT`+routeColumns+routeJoins+`
	WHERE r.account_id = $1
	ORDER BY r.category ASC, r.subtype ASC, r.created_at ASC, r.id ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoutes(rows)
}

func scanRoutes(rows *sql.Rows) ([]Route, error) {
	var routes []Route
	for rows.Next() {
		var (
			r                              Route
			bindingID, automationRef, path sql.NullString
			automationID, automationName   sql.NullString
			trigger                        []byte
			enabled                        sql.NullBool
		)
		if err := rows.Scan(
			&r.ID, &r.UserID, &r.AccountID, &r.Category, &r.Subtype, &r.WorkflowID, &r.Active, &r.CreatedAt,
			&bindingID, &automationRef, &path,
			&automationID, &automationName, &trigger, &enabled,
		); err != nil {
			return nil, err
		}
		if bindingID.Valid {
			r.Binding = &WorkflowBinding{
				ID:             bindingID.String,
				AutomationID:   automationRef.String,
				InvocationPath: path.String,
			}
		}
		if automationID.Valid {
			r.Automation = &Automation{
				ID:      automationID.String,
				Name:    automationName.String,
				Enabled: enabled.Valid && enabled.Bool,
			}
			if len(trigger) > 0 {
				r.Automation.Trigger = json.RawMessage(append([]byte(nil), trigger...))
			}
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

func (s *Store) InsertActivity(ctx context.Context, rec *ActivityRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bosun.activity_records
			(id, event_key, account_id, user_id, route_id, workflow_id, category, subtype, status_code, summary, created_at)
		VALUES ($1, $2, $3, NULLIF($4, '')::uuid, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.EventKey, rec.AccountID, rec.UserID, rec.RouteID, rec.WorkflowID,
		rec.Category, rec.Subtype, rec.StatusCode, rec.Summary, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert activity record: %w", err)
	}
	return nil
}

// InsertFailure stores the record with its payload as raw bytes, so items the
// database's JSON types reject (NUL escapes, invalid UTF-8) still land intact.
func (s *Store) InsertFailure(ctx context.Context, rec *FailureRecord) error {
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bosun.failure_records
			(id, event_key, reason, detail, external_id, account_id, route_id, workflow_id, category, subtype, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::uuid, NULLIF($7, '')::uuid, NULLIF($8, ''), $9, $10, $11, $12)
	`, rec.ID, rec.EventKey, rec.Reason, rec.Detail, rec.ExternalID, rec.AccountID, rec.RouteID, rec.WorkflowID,
		rec.Category, rec.Subtype, []byte(payload), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert failure record: %w", err)
	}
	return nil
}

type FailureFilter struct {
	Reason string
	Limit  int
}

func (s *Store) ListFailures(ctx context.Context, f FailureFilter) ([]FailureRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_key, reason, detail, external_id,
		       COALESCE(account_id::text, ''), COALESCE(route_id::text, ''), COALESCE(workflow_id, ''),
		       category, subtype, payload, created_at
		FROM bosun.failure_records
		WHERE ($1 = '' OR reason = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, f.Reason, clampLimit(f.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FailureRecord
	for rows.Next() {
		var rec FailureRecord
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.EventKey, &rec.Reason, &rec.Detail, &rec.ExternalID,
			&rec.AccountID, &rec.RouteID, &rec.WorkflowID, &rec.Category, &rec.Subtype, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Payload = json.RawMessage(append([]byte(nil), payload...))
		out = append(out, rec)
	}
	return out, rows.Err()
}

type ActivityFilter struct {
	AccountID string
	Limit     int
}

func (s *Store) ListActivity(ctx context.Context, f ActivityFilter) ([]ActivityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_key, account_id, COALESCE(user_id::text, ''), route_id, workflow_id,
		       category, subtype, status_code, summary, created_at
		FROM bosun.activity_records
		WHERE ($1 = '' OR account_id::text = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, f.AccountID, clampLimit(f.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityRecord
	for rows.Next() {
		var rec ActivityRecord
		if err := rows.Scan(&rec.ID, &rec.EventKey, &rec.AccountID, &rec.UserID, &rec.RouteID, &rec.WorkflowID,
			&rec.Category, &rec.Subtype, &rec.StatusCode, &rec.Summary, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	default:
		return n
	}
}
