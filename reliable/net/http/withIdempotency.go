package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/veldtbase/lib-reliable/reliable/idempotency"
)

const (
	// HeaderIdempotencyKey is the client-supplied key header.
	HeaderIdempotencyKey = "Idempotency-Key"

	// HeaderIdempotentReplayed marks responses served from the cache.
	HeaderIdempotentReplayed = "Idempotent-Replayed"
)

// OrgIDFunc derives the org scope for an idempotency key.
type OrgIDFunc func(c *fiber.Ctx) string

// serverFailure carries a 5xx handler outcome out of the executor so the
// claim is released instead of caching a failed response.
type serverFailure struct {
	status int
}

func (e *serverFailure) Error() string {
	return fmt.Sprintf("handler failed with status %d", e.status)
}

// WithIdempotency creates a middleware that makes mutating endpoints safe
// to retry. Requests without an Idempotency-Key header pass through
// unchanged; requests with one execute at most once successfully, with
// retries served the cached response.
func WithIdempotency(executor *idempotency.Executor, orgID OrgIDFunc) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if executor == nil {
			return c.Next()
		}

		key := c.Get(HeaderIdempotencyKey)
		if key == "" {
			return c.Next()
		}

		req := idempotency.Request{
			Key:    key,
			Method: c.Method(),
			Path:   c.Path(),
			Body:   append([]byte(nil), c.Body()...),
		}
		if orgID != nil {
			req.OrgID = orgID(c)
		}

		result, err := executor.Execute(c.UserContext(), req, func(_ context.Context) (*idempotency.Response, error) {
			if err := c.Next(); err != nil {
				return nil, err
			}

			status := c.Response().StatusCode()
			if status >= http.StatusInternalServerError {
				return nil, &serverFailure{status: status}
			}

			return &idempotency.Response{
				Status:      status,
				ContentType: string(c.Response().Header.ContentType()),
				Body:        append([]byte(nil), c.Response().Body()...),
			}, nil
		})

		switch {
		case err == nil:
			if result.Replayed {
				c.Set(HeaderIdempotentReplayed, "true")

				if result.ContentType != "" {
					c.Response().Header.SetContentType(result.ContentType)
				}

				return c.Status(result.Status).Send(result.Body)
			}

			return nil

		case errors.Is(err, idempotency.ErrConflict):
			return Conflict(c, "idempotency_key_conflict", "This idempotency key was already used for a different request.")

		case errors.Is(err, idempotency.ErrInFlight):
			c.Set(fiber.HeaderRetryAfter, "1")

			return Conflict(c, "idempotency_key_in_flight", "A request with this idempotency key is still being processed. Please retry shortly.")

		default:
			var failure *serverFailure
			if errors.As(err, &failure) {
				// The handler already wrote its 5xx response; the released
				// claim lets a client retry execute again.
				return nil
			}

			return err
		}
	}
}
