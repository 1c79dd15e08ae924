package middlewares

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"dealpay/apperrors"
	"dealpay/helpers"
)

const (
	APIKeyHeader  = "X-Api-Key"
	PartyIDHeader = "X-Party-Id"

	partyLocal = "party"
)

// APIKeyAuth guards the command API with a shared key. An empty expected
// key disables the check.
func APIKeyAuth(expected string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if expected == "" {
			return c.Next()
		}
		got := c.Get(APIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			return helpers.JSONError(c, apperrors.ErrUnauthorized)
		}
		return c.Next()
	}
}

// RequireParty stores the acting party id from the X-Party-Id header.
func RequireParty(c *fiber.Ctx) error {
	party := strings.TrimSpace(c.Get(PartyIDHeader))
	if party == "" {
		return helpers.JSONError(c, apperrors.New(apperrors.KindInvalidInput, PartyIDHeader+" header is required"))
	}
	c.Locals(partyLocal, party)
	return c.Next()
}

func Party(c *fiber.Ctx) string {
	party, _ := c.Locals(partyLocal).(string)
	return party
}
