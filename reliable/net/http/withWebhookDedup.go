package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/veldtbase/lib-reliable/reliable/ledger"
)

// EventIdentity identifies one inbound webhook delivery.
type EventIdentity struct {
	EventID   string
	EventType string
	OrgID     string
}

// EventIdentityFunc extracts the sender-assigned event identity from a
// request, typically from a header or the payload.
type EventIdentityFunc func(c *fiber.Ctx) (EventIdentity, error)

// WithWebhookDedup creates a middleware that drops redelivered webhook
// events before any business handler runs. Duplicates are acknowledged
// with 200 so the sender stops retrying.
func WithWebhookDedup(eventLedger *ledger.Ledger, identity EventIdentityFunc) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if eventLedger == nil || identity == nil {
			return c.Next()
		}

		event, err := identity(c)
		if err != nil {
			return RespondError(c, fiber.StatusBadRequest, "webhook_event_invalid", "The webhook event identity could not be extracted from the request.")
		}

		isNew, err := eventLedger.MarkProcessedIfNew(c.UserContext(), event.EventID, event.EventType, event.OrgID, nil)
		if err != nil {
			return err
		}

		if !isNew {
			return OK(c, fiber.Map{"received": true, "duplicate": true})
		}

		return c.Next()
	}
}
