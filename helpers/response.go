package helpers

import (
	"github.com/gofiber/fiber/v2"

	"dealpay/apperrors"
)

func JSONSuccess(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(data)
}

// JSONError renders err as {kind, message}. Uncoded errors become a 500
// without their text.
func JSONError(c *fiber.Ctx, err error) error {
	kind := apperrors.KindOf(err)
	return c.Status(StatusFor(kind)).JSON(fiber.Map{
		"kind":    kind,
		"message": apperrors.MessageOf(err),
	})
}

func StatusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindInvalidInput, apperrors.KindSignatureInvalid:
		return fiber.StatusBadRequest
	case apperrors.KindUnauthorized:
		return fiber.StatusUnauthorized
	case apperrors.KindGatewayRejected:
		return fiber.StatusPaymentRequired
	case apperrors.KindForbidden:
		return fiber.StatusForbidden
	case apperrors.KindNotFound:
		return fiber.StatusNotFound
	case apperrors.KindConflict:
		return fiber.StatusConflict
	case apperrors.KindInvalidTransition:
		return fiber.StatusUnprocessableEntity
	case apperrors.KindGatewayUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
