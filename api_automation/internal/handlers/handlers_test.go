package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"quickrevert/api_automation/internal/pipeline"
	"quickrevert/api_automation/internal/store"
	"quickrevert/api_automation/internal/webhook"
	"quickrevert/pkg/logging"
	"quickrevert/pkg/middleware"
)

const deliveryBody = `{"object":"instagram","entry":[{"id":"X","time":1700000000000,"messaging":[` +
	`{"sender":{"id":"S"},"recipient":{"id":"X"},"timestamp":1700000000000,"message":{"mid":"m1","text":"hi"}}]}]}`

type processorStub struct {
	calls     int
	events    []webhook.Event
	requestID string
}

func (p *processorStub) Process(_ context.Context, events []webhook.Event, requestID string) []pipeline.EventResult {
	p.calls++
	p.events = events
	p.requestID = requestID
	out := make([]pipeline.EventResult, len(events))
	for i, ev := range events {
		out[i] = pipeline.EventResult{EventKey: ev.Key, Category: ev.Category, Subtype: ev.Subtype, Outcome: pipeline.OutcomeDispatched}
	}
	return out
}

type diagnosticsStub struct {
	failureFilter  store.FailureFilter
	activityFilter store.ActivityFilter
	err            error
}

func (d *diagnosticsStub) ListFailures(_ context.Context, f store.FailureFilter) ([]store.FailureRecord, error) {
	d.failureFilter = f
	return []store.FailureRecord{{ID: "f1", Reason: "AccountNotFound", CreatedAt: time.Unix(1, 0)}}, d.err
}

func (d *diagnosticsStub) ListActivity(_ context.Context, f store.ActivityFilter) ([]store.ActivityRecord, error) {
	d.activityFilter = f
	return []store.ActivityRecord{{ID: "a1", StatusCode: 200}}, d.err
}

func (d *diagnosticsStub) ListRoutes(_ context.Context, accountID string) ([]store.Route, error) {
	return []store.Route{{ID: "r1", AccountID: accountID}}, d.err
}

func setupRouter(t *testing.T, secret string) (*gin.Engine, *processorStub, *diagnosticsStub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	proc := &processorStub{}
	diag := &diagnosticsStub{}
	Init(Dependencies{
		Logger:      logging.NewDiscardLogger(),
		Pipeline:    proc,
		Diagnostics: diag,
		VerifyToken: "verify-me",
		AppSecret:   secret,
	})

	router := gin.New()
	router.Use(middleware.RequestIDMiddleware())
	router.GET("/webhooks/instagram", HandleWebhookVerify)
	router.POST("/webhooks/instagram", HandleWebhook)
	admin := router.Group("/admin", middleware.ServiceAuthMiddleware("svc-token"))
	admin.GET("/failures", HandleListFailures)
	admin.GET("/activity", HandleListActivity)
	admin.GET("/routes", HandleListRoutes)
	return router, proc, diag
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestWebhookVerify(t *testing.T) {
	router, _, _ := setupRouter(t, "")

	tests := []struct {
		name  string
		query string
		code  int
		body  string
	}{
		{name: "valid", query: "hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", code: http.StatusOK, body: "42"},
		{name: "wrong token", query: "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", code: http.StatusForbidden},
		{name: "wrong mode", query: "hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=42", code: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := serve(router, httptest.NewRequest(http.MethodGet, "/webhooks/instagram?"+tt.query, nil))
			require.Equal(t, tt.code, resp.Code)
			if tt.body != "" {
				require.Equal(t, tt.body, resp.Body.String())
			}
		})
	}
}

func TestWebhookProcessesDelivery(t *testing.T) {
	router, proc, _ := setupRouter(t, "")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", strings.NewReader(deliveryBody))
	req.Header.Set(middleware.RequestIDHeader, "req-7")
	resp := serve(router, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, 1, proc.calls)
	require.Len(t, proc.events, 1)
	require.Equal(t, "req-7", proc.requestID)

	var body struct {
		Status string                 `json:"status"`
		Events []pipeline.EventResult `json:"events"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "received", body.Status)
	require.Len(t, body.Events, 1)
	require.Equal(t, pipeline.OutcomeDispatched, body.Events[0].Outcome)
}

func TestWebhookSignature(t *testing.T) {
	router, proc, _ := setupRouter(t, "app-secret")

	bad := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", strings.NewReader(deliveryBody))
	bad.Header.Set(webhook.SignatureHeader, "sha256=00")
	require.Equal(t, http.StatusUnauthorized, serve(router, bad).Code)

	missing := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", strings.NewReader(deliveryBody))
	require.Equal(t, http.StatusUnauthorized, serve(router, missing).Code)
	require.Zero(t, proc.calls)

	good := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", strings.NewReader(deliveryBody))
	good.Header.Set(webhook.SignatureHeader, webhook.SignatureHeaderValue("app-secret", []byte(deliveryBody)))
	require.Equal(t, http.StatusOK, serve(router, good).Code)
	require.Equal(t, 1, proc.calls)
}

func TestWebhookRejectsBadBodies(t *testing.T) {
	router, proc, _ := setupRouter(t, "")

	malformed := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", strings.NewReader("{bad json"))
	require.Equal(t, http.StatusBadRequest, serve(router, malformed).Code)

	huge := bytes.Repeat([]byte("a"), MaxWebhookBody+1)
	tooLarge := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", bytes.NewReader(huge))
	require.Equal(t, http.StatusRequestEntityTooLarge, serve(router, tooLarge).Code)

	require.Zero(t, proc.calls)
}

func TestWebhookRoutesGoodItemsPastBadOne(t *testing.T) {
	router, proc, _ := setupRouter(t, "")

	body := `{"object":"instagram","entry":[{"id":"X","messaging":[` +
		`{"sender":{"id":123},"recipient":{"id":"X"},"timestamp":1,"message":{"mid":"bad"}},` +
		`{"sender":{"id":"S"},"recipient":{"id":"X"},"timestamp":2,"message":{"mid":"m2","text":"hi"}}]}]}`
	resp := serve(router, httptest.NewRequest(http.MethodPost, "/webhooks/instagram", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, 1, proc.calls)
	require.Len(t, proc.events, 1)
	require.Equal(t, "m2", proc.events[0].MessageID)

	var out struct {
		Events  []pipeline.EventResult `json:"events"`
		Skipped int                    `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	require.Len(t, out.Events, 1)
	require.Equal(t, 1, out.Skipped)
}

func TestWebhookWithoutEventsSkipsPipeline(t *testing.T) {
	router, proc, _ := setupRouter(t, "")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", strings.NewReader(`{"object":"instagram","entry":[]}`))
	resp := serve(router, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Zero(t, proc.calls)
	require.JSONEq(t, `{"status":"received","events":[],"skipped":0}`, resp.Body.String())
}

func TestAdminEndpoints(t *testing.T) {
	router, _, diag := setupRouter(t, "")

	unauth := httptest.NewRequest(http.MethodGet, "/admin/failures", nil)
	require.Equal(t, http.StatusUnauthorized, serve(router, unauth).Code)

	authed := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer svc-token")
		return serve(router, req)
	}

	resp := authed("/admin/failures?reason=AccountNotFound&limit=10")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, store.FailureFilter{Reason: "AccountNotFound", Limit: 10}, diag.failureFilter)
	require.Contains(t, resp.Body.String(), `"reason":"AccountNotFound"`)

	resp = authed("/admin/activity?account_id=acc-1&limit=abc")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, store.ActivityFilter{AccountID: "acc-1"}, diag.activityFilter)

	require.Equal(t, http.StatusBadRequest, authed("/admin/routes").Code)
	resp = authed("/admin/routes?account_id=acc-1")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), `"account_id":"acc-1"`)

	diag.err = errors.New("pq: connection refused")
	require.Equal(t, http.StatusServiceUnavailable, authed("/admin/failures").Code)
}
