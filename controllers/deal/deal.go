package deal

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"dealpay/apperrors"
	"dealpay/escrow"
	"dealpay/helpers"
	"dealpay/middlewares"
)

type Handler struct {
	Escrow *escrow.Orchestrator
}

type createRequest struct {
	BusinessID             string     `json:"businessId"`
	AthleteID              string     `json:"athleteId"`
	AmountCents            int64      `json:"amountCents"`
	Currency               string     `json:"currency"`
	DeliverableDescription string     `json:"deliverableDescription"`
	Deadline               *time.Time `json:"deadline"`
}

func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return helpers.JSONError(c, apperrors.New(apperrors.KindInvalidInput, "invalid JSON body"))
	}

	d, err := h.Escrow.CreateDeal(c.UserContext(), escrow.CreateDealInput{
		BusinessID:             req.BusinessID,
		AthleteID:              req.AthleteID,
		AmountCents:            req.AmountCents,
		Currency:               req.Currency,
		DeliverableDescription: req.DeliverableDescription,
		Deadline:               req.Deadline,
	})
	if err != nil {
		return helpers.JSONError(c, err)
	}
	return helpers.JSONSuccess(c, fiber.StatusCreated, d)
}

func (h *Handler) Get(c *fiber.Ctx) error {
	d, err := h.Escrow.GetDeal(c.UserContext(), c.Params("id"))
	if err != nil {
		return helpers.JSONError(c, err)
	}
	return helpers.JSONSuccess(c, fiber.StatusOK, d)
}

func (h *Handler) Payments(c *fiber.Ctx) error {
	ps, err := h.Escrow.ListPayments(c.UserContext(), c.Params("id"))
	if err != nil {
		return helpers.JSONError(c, err)
	}
	return helpers.JSONSuccess(c, fiber.StatusOK, ps)
}

func (h *Handler) Accept(c *fiber.Ctx) error {
	d, err := h.Escrow.AcceptDeal(c.UserContext(), c.Params("id"), middlewares.Party(c))
	if err != nil {
		return helpers.JSONError(c, err)
	}
	return helpers.JSONSuccess(c, fiber.StatusOK, d)
}

type deliverRequest struct {
	ProofURL string `json:"proofUrl"`
}

func (h *Handler) Deliver(c *fiber.Ctx) error {
	var req deliverRequest
	if err := c.BodyParser(&req); err != nil {
		return helpers.JSONError(c, apperrors.New(apperrors.KindInvalidInput, "invalid JSON body"))
	}

	d, err := h.Escrow.SubmitDeliverable(c.UserContext(), c.Params("id"), middlewares.Party(c), req.ProofURL)
	if err != nil {
		return helpers.JSONError(c, err)
	}
	return helpers.JSONSuccess(c, fiber.StatusOK, d)
}

func (h *Handler) Verify(c *fiber.Ctx) error {
	d, err := h.Escrow.Verify(c.UserContext(), c.Params("id"), middlewares.Party(c))
	if err != nil {
		return helpers.JSONError(c, err)
	}
	return helpers.JSONSuccess(c, fiber.StatusOK, d)
}

func (h *Handler) Release(c *fiber.Ctx) error {
	d, err := h.Escrow.ReleasePayment(c.UserContext(), c.Params("id"), middlewares.Party(c))
	if err != nil {
		return helpers.JSONError(c, err)
	}
	return helpers.JSONSuccess(c, fiber.StatusOK, d)
}

func (h *Handler) Cancel(c *fiber.Ctx) error {
	d, err := h.Escrow.Cancel(c.UserContext(), c.Params("id"), middlewares.Party(c))
	if err != nil {
		return helpers.JSONError(c, err)
	}
	return helpers.JSONSuccess(c, fiber.StatusOK, d)
}

func (h *Handler) RetryPayment(c *fiber.Ctx) error {
	d, err := h.Escrow.RetryPayment(c.UserContext(), c.Params("id"), middlewares.Party(c))
	if err != nil {
		return helpers.JSONError(c, err)
	}
	return helpers.JSONSuccess(c, fiber.StatusOK, d)
}
