package proxy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zmin2003/ollama2openai/proxy/config"
)

func newTestRateLimiter(conf config.RateLimitConfig) *RateLimiter {
	rl := NewRateLimiter(conf)
	return rl
}

func TestRateLimiter_GlobalWindow(t *testing.T) {
	rl := newTestRateLimiter(config.RateLimitConfig{
		Global: config.WindowConfig{Enabled: true, MaxRequests: 3, WindowMs: 1000},
	})
	defer rl.Stop()

	// scenario: cap 3 per 1000ms, four requests inside the window
	for i := 0; i < 3; i++ {
		d := rl.Consume("1.2.3.4", nil)
		assert.True(t, d.Allowed, "request %d", i)
		time.Sleep(100 * time.Millisecond)
	}

	d := rl.Consume("1.2.3.4", nil)
	require.False(t, d.Allowed)
	assert.Equal(t, "global", d.Scope)
	assert.Equal(t, 1, d.RetryAfter)
}

func TestRateLimiter_WindowSoundness(t *testing.T) {
	rl := newTestRateLimiter(config.RateLimitConfig{
		IP: config.WindowConfig{Enabled: true, MaxRequests: 5, WindowMs: 500},
	})
	defer rl.Stop()

	// hammer a single key: within any window, at most maxRequests pass
	allowed := 0
	for i := 0; i < 50; i++ {
		if rl.Consume("10.0.0.1", nil).Allowed {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)

	// a different key has its own window
	assert.True(t, rl.Consume("10.0.0.2", nil).Allowed)
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	rl := newTestRateLimiter(config.RateLimitConfig{
		IP: config.WindowConfig{Enabled: true, MaxRequests: 2, WindowMs: 150},
	})
	defer rl.Stop()

	assert.True(t, rl.Consume("k", nil).Allowed)
	assert.True(t, rl.Consume("k", nil).Allowed)
	assert.False(t, rl.Consume("k", nil).Allowed)

	time.Sleep(200 * time.Millisecond)
	assert.True(t, rl.Consume("k", nil).Allowed)
}

func TestRateLimiter_Remaining(t *testing.T) {
	rl := newTestRateLimiter(config.RateLimitConfig{
		Global: config.WindowConfig{Enabled: true, MaxRequests: 10, WindowMs: 60000},
	})
	defer rl.Stop()

	d := rl.Consume("", nil)
	assert.Equal(t, 9, d.Remaining)
	d = rl.Consume("", nil)
	assert.Equal(t, 8, d.Remaining)
}

func TestRateLimiter_CheckOrder(t *testing.T) {
	rl := newTestRateLimiter(config.RateLimitConfig{
		Global: config.WindowConfig{Enabled: true, MaxRequests: 1, WindowMs: 60000},
		IP:     config.WindowConfig{Enabled: true, MaxRequests: 1, WindowMs: 60000},
	})
	defer rl.Stop()

	require.True(t, rl.Consume("1.1.1.1", nil).Allowed)

	// both windows are exhausted; the global denial wins
	d := rl.Consume("1.1.1.1", nil)
	require.False(t, d.Allowed)
	assert.Equal(t, "global", d.Scope)
}

func TestRateLimiter_TokenWindow(t *testing.T) {
	rl := newTestRateLimiter(config.RateLimitConfig{
		Token: config.WindowConfig{Enabled: true, MaxRequests: 2, WindowMs: 60000},
	})
	defer rl.Stop()

	tok := &AuthToken{ID: "tok_1"}
	assert.True(t, rl.ConsumeToken(tok).Allowed)
	assert.True(t, rl.ConsumeToken(tok).Allowed)

	d := rl.ConsumeToken(tok)
	require.False(t, d.Allowed)
	assert.Equal(t, "token", d.Scope)

	// other tokens are unaffected
	assert.True(t, rl.ConsumeToken(&AuthToken{ID: "tok_2"}).Allowed)
}

func TestRateLimiter_PerTokenOverride(t *testing.T) {
	rl := newTestRateLimiter(config.RateLimitConfig{
		Token: config.WindowConfig{Enabled: false, MaxRequests: 100, WindowMs: 60000},
	})
	defer rl.Stop()

	// the override applies even when the gateway-wide window is off
	tok := &AuthToken{ID: "tok_s", RateLimit: &TokenRateLimit{MaxRequests: 1, WindowMs: 60000}}
	assert.True(t, rl.ConsumeToken(tok).Allowed)
	assert.False(t, rl.ConsumeToken(tok).Allowed)

	// no override and window disabled: unlimited
	plain := &AuthToken{ID: "tok_p"}
	for i := 0; i < 200; i++ {
		require.True(t, rl.ConsumeToken(plain).Allowed, "request %d", i)
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := newTestRateLimiter(config.RateLimitConfig{
		IP: config.WindowConfig{Enabled: true, MaxRequests: 5, WindowMs: 10},
	})
	defer rl.Stop()

	for i := 0; i < 20; i++ {
		rl.Consume(fmt.Sprintf("10.0.0.%d", i), nil)
	}
	rl.mu.Lock()
	assert.Len(t, rl.buckets, 20)
	rl.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	rl.sweep(time.Now().UnixMilli())

	rl.mu.Lock()
	assert.Empty(t, rl.buckets)
	rl.mu.Unlock()
}
