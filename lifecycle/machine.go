// Package lifecycle is the deal state machine.
//
//	proposed -> accepted -> delivered -> verified -> paid
//	proposed | accepted | payment_failed -> cancelled
//	accepted -> payment_failed -> accepted (retryPayment)
//
// Next is a pure function of the current status, the event and the
// event's payload. It never touches storage or the gateway; it tells the
// caller which side effects the transition needs.
package lifecycle

import (
	"fmt"
	"strings"

	"dealpay/apperrors"
	"dealpay/models"
)

type Event string

const (
	EventAccept            Event = "accept"
	EventCancel            Event = "cancel"
	EventSubmitDeliverable Event = "submitDeliverable"
	EventVerify            Event = "verify"
	EventReleasePayment    Event = "releasePayment"
	EventPaymentFailed     Event = "paymentFailed"
	EventRetryPayment      Event = "retryPayment"
)

// Events lists every event the machine understands.
var Events = []Event{
	EventAccept,
	EventCancel,
	EventSubmitDeliverable,
	EventVerify,
	EventReleasePayment,
	EventPaymentFailed,
	EventRetryPayment,
}

// Statuses lists every deal status.
var Statuses = []models.DealStatus{
	models.DealProposed,
	models.DealAccepted,
	models.DealDelivered,
	models.DealVerified,
	models.DealPaid,
	models.DealCancelled,
	models.DealPaymentFailed,
}

// Input is the minimal payload an event carries.
type Input struct {
	ProofURL string
	// PaymentStatus is the status of the deal's active payment, empty
	// when there is none.
	PaymentStatus models.PaymentStatus
}

// Decision is a legal transition together with the side effects the
// orchestrator must perform before committing it.
type Decision struct {
	From models.DealStatus
	To   models.DealStatus

	CreatePayment  bool
	CapturePayment bool
	ReversePayment bool
	ClearPayment   bool
}

type InvalidTransitionError struct {
	From      models.DealStatus
	Attempted Event
	Reason    string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s a deal in status %s", e.Attempted, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Kind() apperrors.Kind { return apperrors.KindInvalidTransition }

func (e *InvalidTransitionError) Is(target error) bool {
	return target == apperrors.ErrInvalidTransition
}

func invalid(from models.DealStatus, ev Event, reason string) error {
	return &InvalidTransitionError{From: from, Attempted: ev, Reason: reason}
}

// Next computes the transition for ev from status from.
func Next(from models.DealStatus, ev Event, in Input) (Decision, error) {
	d := Decision{From: from}

	switch ev {
	case EventAccept:
		if from != models.DealProposed {
			return Decision{}, invalid(from, ev, "")
		}
		d.To = models.DealAccepted
		d.CreatePayment = true

	case EventCancel:
		switch from {
		case models.DealProposed, models.DealPaymentFailed:
		case models.DealAccepted:
			d.ReversePayment = in.PaymentStatus != "" && in.PaymentStatus != models.PaymentFailed
		default:
			return Decision{}, invalid(from, ev, "")
		}
		d.To = models.DealCancelled

	case EventSubmitDeliverable:
		if from != models.DealAccepted {
			return Decision{}, invalid(from, ev, "")
		}
		if strings.TrimSpace(in.ProofURL) == "" {
			return Decision{}, apperrors.New(apperrors.KindInvalidInput, "proofUrl is required")
		}
		d.To = models.DealDelivered

	case EventVerify:
		if from != models.DealDelivered {
			return Decision{}, invalid(from, ev, "")
		}
		d.To = models.DealVerified

	case EventReleasePayment:
		if from != models.DealVerified {
			return Decision{}, invalid(from, ev, "")
		}
		if in.PaymentStatus != models.PaymentSucceeded {
			return Decision{}, invalid(from, ev, "payment has not succeeded")
		}
		d.To = models.DealPaid
		d.CapturePayment = true

	case EventPaymentFailed:
		if from != models.DealAccepted {
			return Decision{}, invalid(from, ev, "")
		}
		d.To = models.DealPaymentFailed
		d.ClearPayment = true

	case EventRetryPayment:
		if from != models.DealPaymentFailed {
			return Decision{}, invalid(from, ev, "")
		}
		d.To = models.DealAccepted
		d.CreatePayment = true

	default:
		return Decision{}, invalid(from, ev, "unknown event")
	}

	return d, nil
}

// Terminal reports whether no event can move a deal out of status.
func Terminal(status models.DealStatus) bool {
	return status == models.DealPaid || status == models.DealCancelled
}
