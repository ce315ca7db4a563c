package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPINAttemptsPerMinute = 5
	pinRateLimitPrefix          = "rl:pin:"
)

// PINRateLimit caps requests that carry a PIN, per client IP, using a Redis counter with a
// one-minute window. Requests without a PIN pass through. Without Redis it is a no-op and
// cache errors fail open.
func PINRateLimit(cache *redis.Client, maxPerMin int) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = defaultPINAttemptsPerMinute
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		var req struct {
			PIN string `json:"pin"`
		}
		_ = c.BodyParser(&req)
		if strings.TrimSpace(req.PIN) == "" {
			return c.Next()
		}

		key := pinRateLimitPrefix + c.IP()
		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many PIN attempts, try again later")
		}
		return c.Next()
	}
}
