package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMetricsCollectorsAreIndependent(t *testing.T) {
	a := NewMetricsCollector("bosun-a", "v1", "abc")
	b := NewMetricsCollector("bosun-a", "v1", "abc")

	a.NewCounter("events_total", "events", []string{"category"}).WithLabelValues("messaging").Inc()
	b.NewCounter("events_total", "events", []string{"category"})
}

func TestMetricsHandlerExposesCustomMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mc := NewMetricsCollector("bosun", "v1", "abc")
	mc.NewCounter("outcomes_total", "outcomes", []string{"outcome"}).WithLabelValues("activity").Inc()

	r := gin.New()
	r.Use(mc.MetricsMiddleware())
	r.GET("/metrics", mc.Handler())

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `bosun_outcomes_total{outcome="activity"} 1`) {
		t.Fatalf("expected custom counter in output:\n%s", body)
	}
	if !strings.Contains(body, "bosun_service_info") {
		t.Fatal("expected service info gauge")
	}
}
