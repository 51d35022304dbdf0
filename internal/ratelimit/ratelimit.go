// Package ratelimit provides per-client rate limiting middleware for
// the escrow API.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config tunes the limiter.
type Config struct {
	// RequestsPerMinute is the sustained per-key rate.
	RequestsPerMinute int
	// BurstSize is how far a key may run ahead of the sustained rate.
	BurstSize int
	// CleanupInterval is how often idle keys are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig allows one request a second with bursts of ten.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// bucket is a token bucket for one key.
type bucket struct {
	tokens    float64
	lastCheck time.Time
}

func (b *bucket) take(now time.Time, perSecond, burst float64) bool {
	b.tokens += now.Sub(b.lastCheck).Seconds() * perSecond
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastCheck = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Limiter tracks token buckets per key and prunes idle ones.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

// New starts a limiter and its cleanup loop. Call Stop on shutdown.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * time.Minute)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.lastCheck.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop ends the cleanup loop.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow reports whether a request under key fits the budget.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return true
	}
	return b.take(now, float64(l.cfg.RequestsPerMinute)/60.0, float64(l.cfg.BurstSize))
}

// Middleware limits by client IP, or by Authorization header when one
// is present.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if auth := c.GetHeader("Authorization"); auth != "" {
			key = "auth:" + auth[:min(20, len(auth))]
		}

		if !l.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
