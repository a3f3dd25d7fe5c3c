package http

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/veldtbase/lib-reliable/reliable"
)

// RespondError sends a JSON error envelope with the given status.
func RespondError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(reliable.Response{
		Code:    code,
		Title:   http.StatusText(status),
		Message: message,
	})
}

// Conflict sends an HTTP 409 Conflict response.
func Conflict(c *fiber.Ctx, code, message string) error {
	return RespondError(c, http.StatusConflict, code, message)
}

// TooManyRequests sends an HTTP 429 response with a Retry-After header.
func TooManyRequests(c *fiber.Ctx, retryAfterSeconds int, message string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}

	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfterSeconds))

	return RespondError(c, http.StatusTooManyRequests, "rate_limit_exceeded", message)
}

// ServiceUnavailable sends an HTTP 503 response.
func ServiceUnavailable(c *fiber.Ctx, code, message string) error {
	return RespondError(c, http.StatusServiceUnavailable, code, message)
}

// OK sends an HTTP 200 OK response with a JSON body.
func OK(c *fiber.Ctx, body any) error {
	return c.Status(http.StatusOK).JSON(body)
}
