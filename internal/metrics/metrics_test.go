package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/", "/"},
		{"/healthz", "/healthz"},
		{"/v0/scan", "/v0/scan"},
		{"/v0/relays/wss%3A%2F%2Fx", "/v0/relays"},
		{"/" + strings.Repeat("a", 60), "/" + strings.Repeat("a", 49) + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.in))
		})
	}
}

func TestRecorders_RespectToggle(t *testing.T) {
	SetMetricsEnabled(false)
	before := testutil.ToFloat64(decodePathTotal.WithLabelValues("legacy"))
	RecordDecodePath("legacy")
	assert.Equal(t, before, testutil.ToFloat64(decodePathTotal.WithLabelValues("legacy")))

	SetMetricsEnabled(true)
	defer SetMetricsEnabled(false)
	RecordDecodePath("legacy")
	assert.Equal(t, before+1, testutil.ToFloat64(decodePathTotal.WithLabelValues("legacy")))

	SetStoreSize(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(storeSize))
}

func TestMetricsHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(PrometheusMiddleware())
	r.GET("/metrics", MetricsHandler())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	SetMetricsEnabled(false)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	SetMetricsEnabled(true)
	defer SetMetricsEnabled(false)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `nostrmeet_http_requests_total{method="GET",path="/healthz",status="200"}`)
}
