package payment

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"dealpay/apperrors"
	"dealpay/escrow"
	"dealpay/helpers"
	"dealpay/middlewares"
	"dealpay/models"
)

type Handler struct {
	Escrow *escrow.Orchestrator
	// SignatureHeader names the header the provider signs webhooks in.
	SignatureHeader string
	Logger          *slog.Logger
}

// Webhook answers 200 only once the event is stored or deliberately
// ignored. Every other outcome is a bare status code so the provider
// retries without learning anything about our state.
func (h *Handler) Webhook(c *fiber.Ctx) error {
	payload := append([]byte(nil), c.Body()...)
	signature := c.Get(h.SignatureHeader)

	res, err := h.Escrow.HandleWebhook(c.UserContext(), payload, signature)
	if err != nil {
		kind := apperrors.KindOf(err)
		status := helpers.StatusFor(kind)
		if kind == apperrors.KindInternal || kind == apperrors.KindGatewayUnavailable {
			status = fiber.StatusInternalServerError
		}
		h.logger().Warn("webhook not applied", "status", status, "kind", kind, "err", err)
		return c.SendStatus(status)
	}

	h.logger().Debug("webhook handled", "outcome", res.Outcome, "event_id", res.EventID, "payment_id", res.PaymentID)
	return c.SendStatus(fiber.StatusOK)
}

type paymentView struct {
	*models.Payment
	ClientActionToken string `json:"clientActionToken,omitempty"`
}

// Get returns a payment together with the token the business needs to
// complete it client side.
func (h *Handler) Get(c *fiber.Ctx) error {
	p, err := h.Escrow.GetPayment(c.UserContext(), c.Params("id"), middlewares.Party(c))
	if err != nil {
		return helpers.JSONError(c, err)
	}
	view := paymentView{Payment: p}
	if p.Kind == models.PaymentCharge && !p.Status.Terminal() {
		view.ClientActionToken = p.ClientActionToken
	}
	return helpers.JSONSuccess(c, fiber.StatusOK, view)
}

type confirmRequest struct {
	PaymentMethodToken string `json:"paymentMethodToken"`
}

func (h *Handler) Confirm(c *fiber.Ctx) error {
	var req confirmRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return helpers.JSONError(c, apperrors.New(apperrors.KindInvalidInput, "invalid JSON body"))
		}
	}

	p, err := h.Escrow.ConfirmPayment(c.UserContext(), c.Params("id"), middlewares.Party(c), req.PaymentMethodToken)
	if err != nil {
		if errors.Is(err, apperrors.ErrGatewayUnavailable) {
			h.logger().Warn("confirm failed", "payment_id", c.Params("id"), "err", err)
		}
		return helpers.JSONError(c, err)
	}
	return helpers.JSONSuccess(c, fiber.StatusOK, p)
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
