package httpmiddleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

type limitedRequest struct {
	remoteAddr string
	header     map[string]string
	wantStatus int
}

func TestRateLimit(t *testing.T) {
	byAPIKey := func(r *http.Request) string { return r.Header.Get("api_key") }

	tests := []struct {
		name     string
		max      int
		keyFunc  func(*http.Request) string
		requests []limitedRequest
	}{
		{
			name: "under limit",
			max:  3,
			requests: []limitedRequest{
				{remoteAddr: "192.168.1.1:1", wantStatus: http.StatusOK},
				{remoteAddr: "192.168.1.1:2", wantStatus: http.StatusOK},
				{remoteAddr: "192.168.1.1:3", wantStatus: http.StatusOK},
			},
		},
		{
			name: "over limit",
			max:  2,
			requests: []limitedRequest{
				{remoteAddr: "10.0.0.1:1", wantStatus: http.StatusOK},
				{remoteAddr: "10.0.0.1:1", wantStatus: http.StatusOK},
				{remoteAddr: "10.0.0.1:1", wantStatus: http.StatusTooManyRequests},
			},
		},
		{
			name: "clients are independent",
			max:  1,
			requests: []limitedRequest{
				{remoteAddr: "10.0.0.1:1", wantStatus: http.StatusOK},
				{remoteAddr: "10.0.0.2:1", wantStatus: http.StatusOK},
				{remoteAddr: "10.0.0.1:2", wantStatus: http.StatusTooManyRequests},
			},
		},
		{
			name: "forwarded for wins over remote addr",
			max:  1,
			requests: []limitedRequest{
				{remoteAddr: "192.168.1.1:1", header: map[string]string{"X-Forwarded-For": "203.0.113.50, 70.41.3.18"}, wantStatus: http.StatusOK},
				{remoteAddr: "192.168.1.2:1", header: map[string]string{"X-Forwarded-For": "203.0.113.50"}, wantStatus: http.StatusTooManyRequests},
			},
		},
		{
			name:    "custom key",
			max:     1,
			keyFunc: byAPIKey,
			requests: []limitedRequest{
				{header: map[string]string{"api_key": "a"}, wantStatus: http.StatusOK},
				{header: map[string]string{"api_key": "a"}, wantStatus: http.StatusTooManyRequests},
				{header: map[string]string{"api_key": "b"}, wantStatus: http.StatusOK},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RateLimit(RateLimitConfig{Max: tt.max, Window: time.Minute, KeyFunc: tt.keyFunc})(okHandler())
			for i, lr := range tt.requests {
				req := httptest.NewRequest(http.MethodGet, "/", nil)
				if lr.remoteAddr != "" {
					req.RemoteAddr = lr.remoteAddr
				}
				for k, v := range lr.header {
					req.Header.Set(k, v)
				}
				w := httptest.NewRecorder()
				handler.ServeHTTP(w, req)

				require.Equal(t, lr.wantStatus, w.Code, "request %d", i+1)
				assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))
				assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
			}
		})
	}
}

func TestRateLimit_RejectedBody(t *testing.T) {
	handler := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())
	for range 2 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusTooManyRequests {
			continue
		}
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
		assert.JSONEq(t, `{"code":429,"message":"rate limit exceeded"}`, w.Body.String())
		return
	}
	t.Fatal("second request was not limited")
}

func TestMemoryLimiter_SlidingWindow(t *testing.T) {
	l := NewMemoryLimiter(4, time.Minute)
	ctx := context.Background()
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	for i := range 4 {
		d, err := l.Allow(ctx, "k", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.True(t, d.Allowed)
		assert.Equal(t, 3-i, d.Remaining)
	}

	// Halfway into the next window half of the previous count still applies.
	d, err := l.Allow(ctx, "k", base.Add(90*time.Second))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = l.Allow(ctx, "k", base.Add(90*time.Second))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = l.Allow(ctx, "k", base.Add(90*time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, base.Add(2*time.Minute), d.ResetAt)

	// Two idle windows reset the key.
	d, err = l.Allow(ctx, "k", base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.Remaining)
}

func TestMemoryLimiter_Evict(t *testing.T) {
	l := NewMemoryLimiter(1, time.Minute)
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	_, err := l.Allow(context.Background(), "k", base)
	require.NoError(t, err)

	l.evict(base.Add(time.Minute))
	assert.Len(t, l.windows, 1)
	l.evict(base.Add(2 * time.Minute))
	assert.Empty(t, l.windows)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, time.Time) (Decision, error) {
	return Decision{}, assert.AnError
}

func TestRateLimit_LimiterErrorLetsRequestThrough(t *testing.T) {
	handler := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute, Limiter: failingLimiter{}})(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}
