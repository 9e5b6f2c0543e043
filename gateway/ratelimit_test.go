package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVisitorLimitersPerClient(t *testing.T) {
	limiters := newVisitorLimiters(1, 1)

	assert.True(t, limiters.allow("10.0.0.1"))
	assert.False(t, limiters.allow("10.0.0.1"))

	// A second client has its own bucket.
	assert.True(t, limiters.allow("10.0.0.2"))
	assert.Equal(t, 2, limiters.size())
}

func TestVisitorLimitersBurst(t *testing.T) {
	limiters := newVisitorLimiters(1, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, limiters.allow("10.0.0.1"), "burst request %d", i)
	}
	assert.False(t, limiters.allow("10.0.0.1"))
}

func TestVisitorLimitersEvictIdle(t *testing.T) {
	limiters := newVisitorLimiters(1, 1)
	limiters.allow("10.0.0.1")
	limiters.allow("10.0.0.2")

	// Nothing is old enough yet.
	limiters.evict(time.Now())
	assert.Equal(t, 2, limiters.size())

	limiters.evict(time.Now().Add(visitorTTL + time.Minute))
	assert.Equal(t, 0, limiters.size())
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:51234"
	assert.Equal(t, "192.0.2.7", clientIP(r))

	// Missing port falls back to the raw value.
	r.RemoteAddr = "192.0.2.7"
	assert.Equal(t, "192.0.2.7", clientIP(r))
}
