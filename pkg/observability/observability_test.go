package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recorders(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecordDecision("allow", time.Millisecond)
	m.RecordDecision("out_of_scope", time.Millisecond)
	m.RecordDecision("out_of_scope", time.Millisecond)
	m.RecordCacheHit("branches")
	m.RecordCacheMiss("catalog")
	m.RecordInvalidation("remote")
	m.RecordLayeringFindings(2)
	m.RecordDBStats(sql.DBStats{OpenConnections: 3, InUse: 1, Idle: 2})

	assert.Equal(t, float64(2), testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("out_of_scope")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("allow")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("branches")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("catalog")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.InvalidationsTotal.WithLabelValues("remote")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.LayeringFindings))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.DBConnectionsOpen))
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/branches/{branch_id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	for _, id := range []string{"1", "2", "3"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/branches/"+id, nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	}

	assert.Equal(t, float64(3), testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/branches/{branch_id}", "403")))

	rec := httptest.NewRecorder()
	MetricsHandler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "campus_http_requests_total")
}

func TestHealthChecker_Healthy(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checker := NewHealthChecker(db, client, "test")
	checker.AddCheck("catalog", func(ctx context.Context) error { return nil })

	status := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, "test", status.Version)
	assert.Contains(t, status.Dependencies, "database")
	assert.Contains(t, status.Dependencies, "redis")
	assert.Contains(t, status.Dependencies, "catalog")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthChecker_RedisDownIsDegraded(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	checker := NewHealthChecker(nil, client, "")
	status := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusUnhealthy, status.Dependencies["redis"].Status)
}

func TestHealthChecker_Readiness(t *testing.T) {
	checker := NewHealthChecker(nil, nil, "")
	checker.AddCheck("catalog", func(ctx context.Context) error { return errors.New("seed not applied") })

	router := mux.NewRouter()
	RegisterHealthRoutes(router, checker)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "seed not applied", status.Dependencies["catalog"].Message)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestShutdownManager_Shutdown(t *testing.T) {
	logger := NewLogger(ErrorLevel, &strings.Builder{})
	server := &http.Server{Addr: "127.0.0.1:0"}

	sm := NewShutdownManager(logger, time.Second, server)

	var calls atomic.Int32
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestShutdownManager_ReportsErrors(t *testing.T) {
	logger := NewLogger(ErrorLevel, &strings.Builder{})
	sm := NewShutdownManager(logger, 0)

	sm.RegisterShutdownFunc(func(ctx context.Context) error { return errors.New("redis close failed") })

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis close failed")
}

func TestRecoveryMiddleware(t *testing.T) {
	var out strings.Builder
	logger := NewLogger(ErrorLevel, &out)
	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"success":false,"message":"Internal server error"}`, rec.Body.String())
	assert.Contains(t, out.String(), "PANIC recovered in HTTP handler")
}

func TestMustRecover(t *testing.T) {
	assert.NoError(t, MustRecover(nil))
	assert.EqualError(t, MustRecover("bad"), "panic: bad")
}

func TestInitOTel_Disabled(t *testing.T) {
	logger := NewLogger(ErrorLevel, &strings.Builder{})
	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, logger)
	require.NoError(t, err)
	assert.Nil(t, providers)
	assert.NoError(t, ShutdownOTel(context.Background(), providers, logger))
}

func TestInitOTel_MissingEndpoint(t *testing.T) {
	logger := NewLogger(ErrorLevel, &strings.Builder{})
	_, err := InitOTel(context.Background(), OTelConfig{Enabled: true}, logger)
	assert.Error(t, err)
}

func TestUpdateLoggerWithTraceContext_NoSpan(t *testing.T) {
	logger := NewLogger(InfoLevel, &strings.Builder{})
	assert.Same(t, logger, UpdateLoggerWithTraceContext(context.Background(), logger))
}
