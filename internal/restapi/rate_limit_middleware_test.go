package restapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"buswatch.org/internal/clock"
	"buswatch.org/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestWithKey(key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/positions", nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	return req
}

func TestRateLimitPerDeviceKey(t *testing.T) {
	mc := clock.NewMockClock(testNow)
	rl := NewRateLimitMiddleware(2, time.Second, nil, mc)
	defer rl.Stop()
	handler := rl.Handler()(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestWithKey("bus-42"))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithKey("bus-42"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))

	var body models.ResponseModel
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, http.StatusTooManyRequests, body.Code)

	// another device has its own budget
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithKey("bus-43"))
	assert.Equal(t, http.StatusOK, rec.Code)

	// tokens refill with the clock
	mc.Advance(time.Second)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithKey("bus-42"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitZeroBlocksEverything(t *testing.T) {
	rl := NewRateLimitMiddleware(0, time.Second, nil, clock.NewMockClock(testNow))
	defer rl.Stop()

	rec := httptest.NewRecorder()
	rl.Handler()(okHandler()).ServeHTTP(rec, requestWithKey("bus-42"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
}

func TestRateLimitNegativeIsUnlimited(t *testing.T) {
	rl := NewRateLimitMiddleware(-1, time.Second, nil, clock.NewMockClock(testNow))
	defer rl.Stop()
	handler := rl.Handler()(okHandler())

	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestWithKey("bus-42"))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimitExemptKeys(t *testing.T) {
	rl := NewRateLimitMiddleware(1, time.Second, []string{" fleet-gateway "}, clock.NewMockClock(testNow))
	defer rl.Stop()
	handler := rl.Handler()(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestWithKey("fleet-gateway"))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 0, rl.limiterCount())
}

func TestRateLimitRequestsWithoutKeyShareALimiter(t *testing.T) {
	rl := NewRateLimitMiddleware(1, time.Second, nil, clock.NewMockClock(testNow))
	defer rl.Stop()
	handler := rl.Handler()(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithKey(""))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithKey(""))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimitCleanupEvictsIdleKeys(t *testing.T) {
	mc := clock.NewMockClock(testNow)
	rl := NewRateLimitMiddleware(5, time.Second, nil, mc)
	defer rl.Stop()
	handler := rl.Handler()(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), requestWithKey("bus-42"))
	mc.Advance(idleLimiterTTL / 2)
	handler.ServeHTTP(httptest.NewRecorder(), requestWithKey("bus-43"))
	require.Equal(t, 2, rl.limiterCount())

	mc.Advance(idleLimiterTTL/2 + time.Second)
	rl.cleanupOnce()
	assert.Equal(t, 1, rl.limiterCount(), "only the idle key is evicted")
}

func TestRateLimitStopIsIdempotent(t *testing.T) {
	rl := NewRateLimitMiddleware(5, time.Second, nil, nil)
	rl.Stop()
	rl.Stop()
}
