package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

type limitedRouter struct{ *gin.Engine }

func newRateLimitRouter(r rate.Limit, b int) limitedRouter {
	eng := gin.New()
	eng.Use(RateLimit(r, b))
	eng.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	return limitedRouter{eng}
}

// hit sends one request as if it came from ip and returns the status code.
func (lr limitedRouter) hit(ip string) int {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Real-IP", ip)
	w := httptest.NewRecorder()
	lr.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimit(t *testing.T) {
	cases := []struct {
		name    string
		limit   rate.Limit
		burst   int
		hits    int
		allowed int
	}{
		{name: "within burst", limit: 100, burst: 5, hits: 1, allowed: 1},
		{name: "burst exhausted", limit: 0.001, burst: 3, hits: 4, allowed: 3},
		{name: "zero limit disables", limit: 0, burst: 0, hits: 20, allowed: 20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRateLimitRouter(tc.limit, tc.burst)
			ok := 0
			for i := 0; i < tc.hits; i++ {
				code := r.hit("10.0.1.1")
				if code == http.StatusOK {
					ok++
					continue
				}
				assert.Equal(t, http.StatusTooManyRequests, code)
			}
			assert.Equal(t, tc.allowed, ok)
		})
	}
}

func TestRateLimit_PerIP(t *testing.T) {
	r := newRateLimitRouter(0.001, 1)

	assert.Equal(t, http.StatusOK, r.hit("10.1.1.1"))
	assert.Equal(t, http.StatusOK, r.hit("10.1.1.2"), "a second client keeps its own bucket")
	assert.Equal(t, http.StatusTooManyRequests, r.hit("10.1.1.1"))
}

func TestRateLimit_RejectionBody(t *testing.T) {
	r := newRateLimitRouter(0.001, 1)
	r.hit("10.3.3.3")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Real-IP", "10.3.3.3")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, w.Body.String())
}
