package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoggedEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinLogrusLogger(), GinLogrusRecovery())
	r.GET("/v0/checkins", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/v0/logs", func(c *gin.Context) {
		SkipGinRequestLogging(c)
		c.Status(http.StatusOK)
	})
	r.GET("/boom", func(c *gin.Context) { panic("kaboom") })
	return r
}

func TestGinLogrusLogger(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()
	prev := log.GetLevel()
	log.SetLevel(log.DebugLevel)
	defer log.SetLevel(prev)
	r := newLoggedEngine()

	t.Run("generates request id", func(t *testing.T) {
		hook.Reset()
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v0/checkins?nsec=nsec1abc&active=true", nil))
		id := w.Header().Get(requestIDHeader)
		assert.NotEmpty(t, id)

		require.Len(t, hook.Entries, 1)
		e := hook.LastEntry()
		assert.Equal(t, id, e.Data["request_id"])
		assert.Equal(t, "/v0/checkins", e.Data["route"])
		assert.Contains(t, e.Message, "nsec=***")
		assert.NotContains(t, e.Message, "nsec1abc")
	})

	t.Run("keeps caller request id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v0/checkins", nil)
		req.Header.Set(requestIDHeader, "abc-123")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, "abc-123", w.Header().Get(requestIDHeader))
	})

	t.Run("skip", func(t *testing.T) {
		hook.Reset()
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v0/logs", nil))
		assert.Empty(t, hook.Entries)
	})

	t.Run("panic recovers with 500", func(t *testing.T) {
		hook.Reset()
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.JSONEq(t, `{"error":{"message":"internal error"}}`, w.Body.String())

		var levels []log.Level
		for _, e := range hook.AllEntries() {
			levels = append(levels, e.Level)
		}
		assert.Contains(t, levels, log.ErrorLevel)
	})
}

func TestMaskSecretQuery(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"limit=5", "limit=5"},
		{"secret-key=abc&limit=5", "secret-key=***&limit=5"},
		{"KEY=x", "KEY=***"},
		{"flag", "flag"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maskSecretQuery(tt.in), tt.in)
	}
}
