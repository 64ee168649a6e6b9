package api

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"futures-core/internal/monitor"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ipThrottle hands out one token-bucket limiter per client IP.
// The map is flushed wholesale every few minutes so stale entries
// never accumulate.
type ipThrottle struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

var throttle = newIPThrottle()

func newIPThrottle() *ipThrottle {
	t := &ipThrottle{limiters: make(map[string]*rate.Limiter)}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			t.mu.Lock()
			t.limiters = make(map[string]*rate.Limiter)
			t.mu.Unlock()
		}
	}()
	return t
}

func (t *ipThrottle) limiter(ip string) *rate.Limiter {
	t.mu.RLock()
	lim, ok := t.limiters[ip]
	t.mu.RUnlock()
	if ok {
		return lim
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if lim, ok := t.limiters[ip]; ok {
		return lim
	}
	// 20 req/s sustained, bursts up to 50.
	lim = rate.NewLimiter(rate.Limit(20), 50)
	t.limiters[ip] = lim
	return lim
}

// CORSMiddleware allows the operator dashboard to call the API from
// any origin.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware tags every request with an id so log lines can
// be correlated across handlers. An inbound X-Request-ID is honored.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RateLimitMiddleware rejects clients that exceed the per-IP budget.
func RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !throttle.limiter(ip).Allow() {
			log.Printf("[api] throttled %s", ip)
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate limit exceeded",
				"message": "too many requests, please slow down",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// TimeoutMiddleware bounds handler time. Worker-queue calls already
// carry the request context, so a timeout here also unblocks them.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{})
		panicked := make(chan interface{}, 1)

		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicked <- p
				}
			}()
			c.Next()
			finished <- struct{}{}
		}()

		select {
		case <-panicked:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "internal server error",
			})
			c.Abort()
		case <-finished:
			return
		case <-ctx.Done():
			log.Printf("[api] timeout %s %s", c.Request.Method, c.Request.URL.Path)
			c.JSON(http.StatusRequestTimeout, gin.H{
				"error":   "request timeout",
				"message": "request took too long to process",
			})
			c.Abort()
		}
	}
}

// RequestLogger records latency and status for every request and
// feeds the API counters when metrics are attached.
func RequestLogger(metrics *monitor.SystemMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method
		requestID := c.GetString("RequestID")
		if len(requestID) > 8 {
			requestID = requestID[:8]
		}
		if requestID == "" {
			requestID = "unknown"
		}

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		if metrics != nil {
			metrics.IncrementAPI()
			metrics.APILatency.RecordDuration(latency)
			if statusCode >= 400 {
				metrics.IncrementAPIErrors()
			}
		}

		log.Printf("[api] %s %s %s %d %v %s",
			requestID, method, path, statusCode, latency, c.ClientIP())
	}
}
