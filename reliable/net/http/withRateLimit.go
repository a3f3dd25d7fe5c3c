package http

import (
	"errors"
	"math"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/veldtbase/lib-reliable/reliable/ratelimit"
)

// BucketFunc derives the rate limit bucket for a request, e.g.
// "org:<id>:<path>". An empty bucket skips the check.
type BucketFunc func(c *fiber.Ctx) string

// WithRateLimit creates a fixed-window rate limit middleware. Denied
// requests get 429 with a Retry-After header. When storage fails, the
// limiter's FailurePolicy decides between admitting the request and 503.
func WithRateLimit(limiter *ratelimit.Limiter, bucket BucketFunc, limit int64, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if limiter == nil || bucket == nil {
			return c.Next()
		}

		key := bucket(c)
		if key == "" {
			return c.Next()
		}

		decision, err := limiter.Check(c.UserContext(), key, limit, window)
		if err != nil {
			if !errors.Is(err, ratelimit.ErrStorageUnavailable) {
				return err
			}

			if decision != nil && decision.Allowed {
				return c.Next()
			}

			return ServiceUnavailable(c, "rate_limit_unavailable", "Rate limiting is temporarily unavailable. Please retry shortly.")
		}

		if !decision.Allowed {
			return TooManyRequests(c, retryAfterSeconds(decision.RetryAfter), "Request rate limit exceeded. Please retry after the indicated delay.")
		}

		return c.Next()
	}
}

func retryAfterSeconds(retryAfter time.Duration) int {
	return int(math.Ceil(retryAfter.Seconds()))
}
