package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xshayank/VpnMarket-sub001/logger"
	redisutil "github.com/xshayank/VpnMarket-sub001/util/redis"
)

// RateLimitConfig configures rate limiting
type RateLimitConfig struct {
	Requests  int
	Window    time.Duration
	KeyFunc   func(c *gin.Context) string
	SkipPaths []string
}

// DefaultRateLimitConfig returns default rate limit config
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Requests: 60,
		Window:   time.Minute,
		KeyFunc: func(c *gin.Context) string {
			return c.ClientIP()
		},
		SkipPaths: []string{"/metrics"},
	}
}

func (config RateLimitConfig) shouldSkip(path string) bool {
	for _, skipPath := range config.SkipPaths {
		if strings.HasPrefix(path, skipPath) {
			return true
		}
	}
	return false
}

// RateLimitMiddleware limits requests per key and route within a fixed window.
// Requests pass through when redis is unavailable.
func RateLimitMiddleware(config RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if config.shouldSkip(c.Request.URL.Path) {
			c.Next()
			return
		}

		key := "ratelimit:" + config.KeyFunc(c) + ":" + c.Request.Method + ":" + c.FullPath()
		count, err := redisutil.IncrWindow(c.Request.Context(), key, config.Window)
		if err != nil {
			logger.Debug("rate limit check skipped:", err)
			c.Next()
			return
		}
		if count > int64(config.Requests) {
			logger.Warningf("Rate limit exceeded for %s (count: %d)", key, count)
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"msg":     "Rate limit exceeded. Please try again later.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
