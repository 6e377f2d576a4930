// Package middleware holds the gin middleware shared by the API surface.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"forgebuild/internal/logging"
)

// ErrorResponse is the wire shape of every non-2xx body.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Recovery converts panics into a 500 with a request ID instead of a
// dropped connection.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		requestID := c.GetString("request_id")
		logging.L().Error("panic recovered",
			zap.Any("panic", recovered),
			zap.String("request_id", requestID),
			zap.String("path", c.Request.URL.Path),
		)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "internal server error",
			Code:      "INTERNAL_SERVER_ERROR",
			Timestamp: time.Now().UTC(),
			RequestID: requestID,
		})
	})
}

// RequestID tags every request with an ID, honoring one supplied by the
// caller.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// ipLimiter pairs a token bucket with its last use so stale entries can
// be reaped.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter hands out one token bucket per client IP.
type IPRateLimiter struct {
	limiters map[string]*ipLimiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	stop     chan struct{}
}

// NewIPRateLimiter builds a limiter allowing requestsPerMinute sustained
// with the given burst, and starts the stale-entry reaper.
func NewIPRateLimiter(requestsPerMinute int, burst int) *IPRateLimiter {
	l := &IPRateLimiter{
		limiters: make(map[string]*ipLimiter),
		rate:     rate.Limit(requestsPerMinute) / 60,
		burst:    burst,
		stop:     make(chan struct{}),
	}
	go l.reap()
	return l
}

func (l *IPRateLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (l *IPRateLimiter) reap() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Hour)
			l.mu.Lock()
			for ip, entry := range l.limiters {
				if entry.lastSeen.Before(cutoff) {
					delete(l.limiters, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Close stops the reaper goroutine.
func (l *IPRateLimiter) Close() {
	close(l.stop)
}

// Middleware rejects requests over the per-IP budget with a 429.
func (l *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.get(c.ClientIP()).Allow() {
			c.JSON(http.StatusTooManyRequests, ErrorResponse{
				Error:     "rate limit exceeded",
				Code:      "RATE_LIMIT_EXCEEDED",
				Timestamp: time.Now().UTC(),
				RequestID: c.GetString("request_id"),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestLogger logs completed requests through the shared zap logger.
func RequestLogger() gin.HandlerFunc {
	log := logging.L().Named("http")
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString("request_id")),
		)
	}
}
