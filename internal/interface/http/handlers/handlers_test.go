package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

func TestCompositeHealthChecker(t *testing.T) {
	c := NewCompositeHealthChecker("test")
	c.AddCheck("database", func(context.Context) error { return nil })
	c.AddOptionalCheck("learning", func(context.Context) error { return errors.New("breaker open") })

	status := c.Check(context.Background())
	assert.True(t, status.Healthy)
	assert.False(t, status.Checks["learning"].Healthy)
	assert.True(t, status.Checks["learning"].Optional)

	c.AddCheck("redis", func(context.Context) error { return errors.New("refused") })
	status = c.Check(context.Background())
	assert.False(t, status.Healthy)
	assert.Equal(t, "Some checks failed: redis", status.Message)
}

func TestCompositeHealthChecker_TimesOutChecks(t *testing.T) {
	c := NewCompositeHealthChecker("test")
	c.SetTimeout(20 * time.Millisecond)
	c.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.False(t, c.Check(context.Background()).Healthy)
}

func TestAdminAuth(t *testing.T) {
	h := NewAdminAuth("s3cret").Middleware(ok)

	cases := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", map[string]string{AdminSecretHeader: "nope"}, http.StatusForbidden},
		{"header", map[string]string{AdminSecretHeader: "s3cret"}, http.StatusNoContent},
		{"bearer", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestAdminAuth_EmptySecretRejectsAll(t *testing.T) {
	assert.False(t, NewAdminAuth("").IsValid(""))
	assert.False(t, NewAdminAuth("").IsValid("anything"))
}

func TestIPRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(60, 2)
	h := l.Middleware(ok)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
	assert.True(t, l.Allow("10.0.0.2"), "buckets are per client")
}

func TestRequestSizeLimit(t *testing.T) {
	h := RequestSizeLimitMiddleware(4)(ok)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("too large"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "payload_too_large")
}
