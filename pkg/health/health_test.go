package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checker(name string, status Status) Checker {
	return CheckerFunc{
		CheckerName: name,
		Fn:          func(context.Context) Status { return status },
	}
}

func TestService_WorstComponentWins(t *testing.T) {
	svc := NewService("test")
	svc.Register(checker("a", StatusHealthy))
	svc.Register(checker("b", StatusDegraded))

	report := svc.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusHealthy, report.Components["a"])
	assert.Equal(t, StatusDegraded, report.Components["b"])

	svc.Register(checker("c", StatusUnhealthy))
	assert.Equal(t, StatusUnhealthy, svc.Check(context.Background()).Status)
}

func TestService_NoCheckersIsHealthy(t *testing.T) {
	svc := NewService("test")
	assert.Equal(t, StatusHealthy, svc.Check(context.Background()).Status)
}

func newTestRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", svc.Handler())
	r.GET("/health/live", svc.LivenessHandler())
	r.GET("/health/ready", svc.ReadinessHandler())
	return r
}

func get(t *testing.T, r *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHandlers_StatusCodes(t *testing.T) {
	svc := NewService("1.2.3")
	svc.Register(checker("core", StatusDegraded))
	r := newTestRouter(svc)

	w := get(t, r, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)
	assert.Contains(t, w.Body.String(), `"1.2.3"`)

	assert.Equal(t, http.StatusOK, get(t, r, "/health/live").Code)

	// readiness is stricter: degraded fails the gate
	assert.Equal(t, http.StatusServiceUnavailable, get(t, r, "/health/ready").Code)
}

func TestHandlers_Unhealthy(t *testing.T) {
	svc := NewService("test")
	svc.Register(checker("core", StatusUnhealthy))
	r := newTestRouter(svc)

	assert.Equal(t, http.StatusServiceUnavailable, get(t, r, "/health").Code)
	assert.Equal(t, http.StatusOK, get(t, r, "/health/live").Code)
}
