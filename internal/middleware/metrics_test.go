package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/lockservice/internal/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(RequestMetrics())
	router.Use(Recovery(logger))

	router.GET("/locks/:resource", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resource": c.Param("resource")})
	})
	router.GET("/boom", func(c *gin.Context) {
		panic("boom")
	})

	return router
}

func TestRequestMetrics_UsesRouteTemplate(t *testing.T) {
	router := setupTestRouter(zerolog.Nop())
	counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/locks/:resource", "200")
	before := testutil.ToFloat64(counter)

	for _, path := range []string{"/locks/a", "/locks/b"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
	}

	if got := testutil.ToFloat64(counter); got != before+2 {
		t.Errorf("expected counter to grow by 2, got %v -> %v", before, got)
	}
}

func TestRequestMetrics_UnmatchedRoute(t *testing.T) {
	router := setupTestRouter(zerolog.Nop())
	counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, unmatchedRoute, "404")
	before := testutil.ToFloat64(counter)

	req := httptest.NewRequest(http.MethodGet, "/nowhere/at/all", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Errorf("expected unmatched counter to grow by 1, got %v -> %v", before, got)
	}
}

func TestRecovery_ReturnsInternalError(t *testing.T) {
	var buf bytes.Buffer
	router := setupTestRouter(zerolog.New(&buf))
	counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/boom", "500")
	before := testutil.ToFloat64(counter)

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Error != "internal" || resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("unexpected response: %+v", resp)
	}

	if !bytes.Contains(buf.Bytes(), []byte("handler panicked")) {
		t.Errorf("expected panic to be logged, got %s", buf.String())
	}
	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Errorf("expected panicked request to be counted as 500, got %v -> %v", before, got)
	}
}
