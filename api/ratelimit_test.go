package api

import (
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter() (*claimRateLimiter, *stepClock) {
	clock := &stepClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	rl := newClaimRateLimiter()
	rl.now = clock.Now
	return rl, clock
}

func TestClaimRateLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < claimMaxFailures-1; i++ {
		rl.recordFailure("10.0.0.1")
		blocked, _ := rl.check("10.0.0.1")
		assert.False(t, blocked)
	}
}

func TestClaimRateLimiter_BackoffGrowsAndCaps(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < claimMaxFailures; i++ {
		rl.recordFailure("10.0.0.1")
	}
	blocked, first := rl.check("10.0.0.1")
	require.True(t, blocked)
	assert.Equal(t, claimBaseLockout, first)

	rl.recordFailure("10.0.0.1")
	_, second := rl.check("10.0.0.1")
	assert.Equal(t, 2*claimBaseLockout, second)

	for range 20 {
		rl.recordFailure("10.0.0.1")
	}
	_, capped := rl.check("10.0.0.1")
	assert.Equal(t, claimMaxLockout, capped)
}

func TestClaimRateLimiter_LockoutExpires(t *testing.T) {
	rl, clock := newTestLimiter()
	for i := 0; i < claimMaxFailures; i++ {
		rl.recordFailure("10.0.0.1")
	}
	clock.Advance(claimBaseLockout + time.Second)
	blocked, _ := rl.check("10.0.0.1")
	assert.False(t, blocked)

	clock.Advance(attemptExpiry)
	blocked, _ = rl.check("10.0.0.1")
	assert.False(t, blocked)
	assert.Empty(t, rl.attempts, "stale records are forgotten")
}

func TestClaimRateLimiter_SuccessResetsAndIPsAreIsolated(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < claimMaxFailures; i++ {
		rl.recordFailure("10.0.0.1")
	}
	blocked, _ := rl.check("10.0.0.2")
	assert.False(t, blocked)

	rl.recordSuccess("10.0.0.1")
	blocked, _ = rl.check("10.0.0.1")
	assert.False(t, blocked)
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(200*time.Millisecond))
	assert.Equal(t, "30", retryAfterString(30*time.Second))
}

func TestExtractClientIPWithProxies(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		proxies []netip.Prefix
		want    string
	}{
		{"remote only", "192.0.2.1:1234", nil, nil, "192.0.2.1"},
		{"untrusted xff ignored", "192.0.2.1:1234", map[string]string{"X-Forwarded-For": "203.0.113.9"}, nil, "192.0.2.1"},
		{"trusted xff", "10.1.2.3:80", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.1.2.3"}, trusted, "203.0.113.9"},
		{"trusted forwarded", "10.1.2.3:80", map[string]string{"Forwarded": `for="[2001:db8::1]:443";proto=https`}, trusted, "2001:db8::1"},
		{"trusted real ip", "10.1.2.3:80", map[string]string{"X-Real-IP": "203.0.113.7"}, trusted, "203.0.113.7"},
		{"spoof from outside range", "198.51.100.4:80", map[string]string{"X-Forwarded-For": "1.1.1.1"}, trusted, "198.51.100.4"},
		{"ipv6 remote", "[2001:db8::2]:8080", nil, nil, "2001:db8::2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, tt.proxies))
		})
	}
}

func TestAPIClientIPUsesTrustedProxies(t *testing.T) {
	a := &API{}
	WithTrustedProxies(netip.MustParsePrefix("127.0.0.0/8"))(a)

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "127.0.0.1:5000"
	r.Header.Set("X-Forwarded-For", "203.0.113.50")
	assert.Equal(t, "203.0.113.50", a.clientIP(r))
}
