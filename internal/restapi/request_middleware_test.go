package restapi

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"buswatch.org/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDMiddleware(t *testing.T) {
	t.Run("generates an id when none is sent", func(t *testing.T) {
		var seen string
		handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetRequestID(r.Context())
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/buses", nil))

		assert.Regexp(t, `^[0-9a-f-]{36}$`, seen)
		assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	})

	t.Run("keeps a valid caller id", func(t *testing.T) {
		for _, id := range []string{"device-42:boot.7", strings.Repeat("a", 128)} {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("X-Request-ID", id)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, id, seen)
			assert.Equal(t, id, rec.Header().Get("X-Request-ID"))
		}
	})

	t.Run("replaces invalid ids", func(t *testing.T) {
		for _, id := range []string{strings.Repeat("a", 129), "bad-id-<script>", "has space"} {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("X-Request-ID", id)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			assert.NotEqual(t, id, seen)
			assert.Regexp(t, `^[0-9a-f-]{36}$`, seen)
		}
	})

	t.Run("empty without the middleware", func(t *testing.T) {
		assert.Empty(t, GetRequestID(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
	})
}

func TestRequestLoggingMiddleware(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	var handlerLogger *slog.Logger
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerLogger = logging.FromContext(r.Context())
		handlerLogger.Info("inside handler")
		w.WriteHeader(http.StatusAccepted)
	})
	handler := RequestIDMiddleware(NewRequestLoggingMiddleware(logger)(final))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/positions", nil)
	req.Header.Set("X-Request-ID", "integration-test-id-999")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NotNil(t, handlerLogger)
	out := logBuf.String()
	assert.Contains(t, out, `"msg":"inside handler"`)
	assert.Contains(t, out, `"request_id":"integration-test-id-999"`)
	assert.Contains(t, out, `"status":202`)
	assert.Contains(t, out, `"path":"/api/v1/positions"`)
}

func TestStatusRecorder(t *testing.T) {
	t.Run("first status wins", func(t *testing.T) {
		rec := httptest.NewRecorder()
		sr := newStatusRecorder(rec)
		sr.WriteHeader(http.StatusTeapot)
		sr.WriteHeader(http.StatusOK)
		assert.Equal(t, http.StatusTeapot, sr.statusCode)
		assert.Equal(t, rec, sr.Unwrap())
	})

	t.Run("hijack fails on writers that cannot", func(t *testing.T) {
		sr := newStatusRecorder(httptest.NewRecorder())
		_, _, err := sr.Hijack()
		assert.Error(t, err)
		assert.Equal(t, http.StatusOK, sr.statusCode)
	})

	t.Run("flush passes through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newStatusRecorder(rec).Flush()
		assert.True(t, rec.Flushed)
	})
}
