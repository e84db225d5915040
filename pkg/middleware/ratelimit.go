package middleware

import (
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openquill/go-auth-backend/pkg/config"
)

// AuthRateLimiter rate limits authentication attempts per identifier with a
// lockout after the budget is exhausted. The same limiter instance is shared
// between legacy password attempts and passkey ceremonies so an attacker
// cannot sidestep the budget by switching mechanisms.
type AuthRateLimiter struct {
	config config.RateLimitConfig
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*authLimiter

	cleanupInterval time.Duration
	lastCleanup     time.Time
}

// authLimiter tracks rate limiting state for a single identifier
type authLimiter struct {
	limiter    *rate.Limiter
	lastSeen   time.Time
	lockedOut  bool
	lockoutEnd time.Time
}

// NewAuthRateLimiter creates a new rate limiter for auth endpoints
func NewAuthRateLimiter(cfg config.RateLimitConfig, logger *zap.Logger) *AuthRateLimiter {
	cfg.SetDefaults()
	return &AuthRateLimiter{
		config:          cfg,
		logger:          logger.Named("auth-ratelimit"),
		limiters:        make(map[string]*authLimiter),
		cleanupInterval: 10 * time.Minute,
		lastCleanup:     time.Now(),
	}
}

// getLimiter returns the rate limiter for an identifier, creating if needed.
// Caller must hold mu.
func (r *AuthRateLimiter) getLimiter(identifier string) *authLimiter {
	if time.Since(r.lastCleanup) > r.cleanupInterval {
		r.cleanup()
	}

	limiter, exists := r.limiters[identifier]
	if exists {
		limiter.lastSeen = time.Now()
		return limiter
	}

	// Rate: MaxAttempts per WindowSeconds
	rateLimit := rate.Limit(float64(r.config.MaxAttempts) / float64(r.config.WindowSeconds))
	burst := int(math.Ceil(float64(r.config.MaxAttempts) / 2.0))
	if burst < 1 {
		burst = 1
	}

	limiter = &authLimiter{
		limiter:  rate.NewLimiter(rateLimit, burst),
		lastSeen: time.Now(),
	}
	r.limiters[identifier] = limiter

	return limiter
}

// cleanup removes limiters that haven't been used. Caller must hold mu.
func (r *AuthRateLimiter) cleanup() {
	cutoff := time.Now().Add(-30 * time.Minute)
	for key, limiter := range r.limiters {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.limiters, key)
		}
	}
	r.lastCleanup = time.Now()
}

// Allow checks if an attempt is allowed for the given identifier
func (r *AuthRateLimiter) Allow(identifier string) bool {
	if !r.config.Enabled {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	limiter := r.getLimiter(identifier)

	if limiter.lockedOut {
		if time.Now().Before(limiter.lockoutEnd) {
			return false
		}
		limiter.lockedOut = false
	}

	if !limiter.limiter.Allow() {
		limiter.lockedOut = true
		limiter.lockoutEnd = time.Now().Add(time.Duration(r.config.LockoutSeconds) * time.Second)

		r.logger.Warn("Auth rate limit exceeded, applying lockout",
			zap.String("identifier", identifier),
			zap.Duration("lockout_duration", time.Duration(r.config.LockoutSeconds)*time.Second),
		)

		return false
	}

	return true
}

// RecordFailure makes failed attempts more costly by consuming an extra token
func (r *AuthRateLimiter) RecordFailure(identifier string) {
	if !r.config.Enabled {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	limiter := r.getLimiter(identifier)
	limiter.limiter.AllowN(time.Now(), 2)
}

// AuthRateLimitMiddleware returns a gin middleware that rate limits auth
// endpoints using the supplied identifier extractor. An empty identifier
// falls into a shared anonymous pool.
func AuthRateLimitMiddleware(rl *AuthRateLimiter, extractID func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.config.Enabled {
			c.Next()
			return
		}

		identifier := extractID(c)
		if identifier == "" {
			identifier = "_anonymous"
		}

		if !rl.Allow(identifier) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many authentication attempts. Please try again later.",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
