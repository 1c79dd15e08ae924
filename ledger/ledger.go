// Package ledger persists deals and payments.
//
// Writes that move a deal or a payment are compare-and-set: the caller
// names the state it read, and the write fails with apperrors.ErrConflict
// if someone else got there first. Tx groups several writes so that a
// payment record and the deal transition that created it commit together.
package ledger

import (
	"context"

	"dealpay/apperrors"
	"dealpay/models"
)

type Ledger interface {
	CreateDeal(ctx context.Context, d *models.Deal) error
	GetDeal(ctx context.Context, id string) (*models.Deal, error)
	// CompareAndSetDeal stores d only if the deal currently has status
	// expected.
	CompareAndSetDeal(ctx context.Context, id string, expected models.DealStatus, d *models.Deal) error

	// CreatePayment fails with ErrConflict when the id or the idempotency
	// key is already taken.
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	GetPaymentByKey(ctx context.Context, idempotencyKey string) (*models.Payment, error)
	// CompareAndSetPayment stores p only if the stored version equals
	// expectedVersion. On success p.Version is expectedVersion+1.
	CompareAndSetPayment(ctx context.Context, id string, expectedVersion int64, p *models.Payment) error
	// ListPayments returns a deal's payments oldest first.
	ListPayments(ctx context.Context, dealID string) ([]*models.Payment, error)

	// Tx runs fn against a ledger whose writes commit atomically when fn
	// returns nil and are discarded otherwise.
	Tx(ctx context.Context, fn func(Ledger) error) error
}

func dealNotFound(id string) error {
	return apperrors.Newf(apperrors.KindNotFound, "deal %s not found", id)
}

func paymentNotFound(id string) error {
	return apperrors.Newf(apperrors.KindNotFound, "payment %s not found", id)
}

func dealConflict(id string) error {
	return apperrors.Newf(apperrors.KindConflict, "deal %s was modified concurrently", id)
}

func paymentConflict(id string) error {
	return apperrors.Newf(apperrors.KindConflict, "payment %s was modified concurrently", id)
}
