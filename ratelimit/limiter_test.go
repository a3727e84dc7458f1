package ratelimit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colisflow/auth"
	"colisflow/metrics"
)

func TestAllow_PerKeyBuckets(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	assert.True(t, l.Allow("sender-1", now))
	assert.True(t, l.Allow("sender-1", now))
	assert.False(t, l.Allow("sender-1", now))
	assert.True(t, l.Allow("carrier-1", now))
	assert.True(t, l.Allow("sender-1", now.Add(time.Second)))
	assert.True(t, l.Allow("", now))
}

func TestAllow_NilLimiterAllowsEverything(t *testing.T) {
	l := New(0, 0, 0)
	require.Nil(t, l)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("sender-1", time.Now()))
	}
	assert.Equal(t, 0, l.Size())
}

func TestAllow_EvictsIdleKeys(t *testing.T) {
	l := New(100, 100, time.Minute)
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		l.Allow(fmt.Sprintf("idle-%d", i), start)
	}
	later := start.Add(time.Hour)
	for i := 10; i < evictEvery; i++ {
		l.Allow("busy", later)
	}
	assert.Equal(t, 1, l.Size())
}

func TestMiddleware(t *testing.T) {
	m := metrics.New()
	handler := Middleware(New(0.001, 1, time.Minute), m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(method string) int {
		req := httptest.NewRequest(method, "/api/collaborations/c1/stages/5/validations", nil)
		req = req.WithContext(auth.WithActor(req.Context(), auth.Actor{ID: "carrier-1"}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, do(http.MethodPost))
	assert.Equal(t, http.StatusTooManyRequests, do(http.MethodPost))
	assert.Equal(t, http.StatusNoContent, do(http.MethodGet))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimited))
}
