package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/khryptorgraphics/gpubuild/pkg/auth"
	"github.com/khryptorgraphics/gpubuild/pkg/security"
)

// loggingMiddleware logs each request with structured fields.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"ip", c.ClientIP(),
		)
	}
}

// securityHeadersMiddleware sets the baseline security headers the teacher
// sets on every response.
func (s *Server) securityHeadersMiddleware() gin.HandlerFunc {
	headers := security.ResponseHeaders()
	return func(c *gin.Context) {
		for k, v := range headers {
			c.Header(k, v)
		}
		c.Next()
	}
}

// rateLimitMiddleware throttles POST /api/v1/builds per authenticated
// principal, per spec.md §6 / SPEC_FULL.md §4.7 (http.rate_limit_per_minute).
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)
	perMinute := s.cfg.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}

	return func(c *gin.Context) {
		principal, ok := auth.Principal(c)
		if !ok {
			c.Next()
			return
		}

		mu.Lock()
		limiter, exists := limiters[principal]
		if !exists {
			limiter = rate.NewLimiter(rate.Limit(perMinute)/rate.Limit(60), perMinute)
			limiters[principal] = limiter
		}
		mu.Unlock()

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate_limit_exceeded",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
