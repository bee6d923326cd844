package httpmiddleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter enforces a fixed per-minute request budget per client IP.
// Counters live in Redis with expiry, so the limit holds across service
// instances instead of resetting per process.
type RedisRateLimiter struct {
	client    *redis.Client
	perMinute int
}

// NewRedisRateLimiter creates a limiter allowing perMinute requests per IP.
func NewRedisRateLimiter(client *redis.Client, perMinute int) *RedisRateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RedisRateLimiter{client: client, perMinute: perMinute}
}

// GinMiddleware returns a gin handler enforcing per-IP limits. Redis being
// unreachable fails open: availability of the scan loop wins over limiting.
func (l *RedisRateLimiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		key := fmt.Sprintf("qrattend:ratelimit:%s:%d", ip, time.Now().Unix()/60)
		count, err := l.client.Incr(c.Request.Context(), key).Result()
		if err != nil {
			c.Next()
			return
		}
		if count == 1 {
			l.client.Expire(c.Request.Context(), key, time.Minute)
		}
		if count > int64(l.perMinute) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}
