package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dealpay/apperrors"
	"dealpay/ledger"
	"dealpay/lifecycle"
	"dealpay/models"
	"dealpay/notify"
	"dealpay/providers"
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

type WebhookResult struct {
	Outcome   Outcome
	EventID   string
	PaymentID string
	DealID    string
}

// reconcileAttempts bounds how often one event is re-applied after
// losing a race on the payment version.
const reconcileAttempts = 3

// HandleWebhook authenticates and applies one provider callback. A nil
// error means the outcome is durably stored and the provider may stop
// retrying.
func (o *Orchestrator) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	ev, err := o.gateway.ParseWebhook(payload, signature, o.secret)
	switch {
	case err == nil:
	case errors.Is(err, providers.ErrUnhandledEvent):
		o.log.Debug("webhook ignored", "err", err)
		res := &WebhookResult{Outcome: OutcomeIgnored}
		if ev != nil {
			res.EventID = ev.EventID
		}
		return res, nil
	case errors.Is(err, providers.ErrSignatureInvalid):
		o.alert(ctx, "", "signature invalid", nil)
		return nil, apperrors.Wrap(apperrors.KindSignatureInvalid, err, "webhook signature invalid")
	case errors.Is(err, providers.ErrMalformedEvent):
		o.alert(ctx, "", "malformed payload", nil)
		return nil, apperrors.Wrap(apperrors.KindInvalidInput, err, "webhook payload malformed")
	default:
		return nil, err
	}

	return o.Reconcile(ctx, ev)
}

// Reconcile folds a verified provider event into the payment it names.
// Each event id is applied at most once.
func (o *Orchestrator) Reconcile(ctx context.Context, ev *providers.ProviderEvent) (*WebhookResult, error) {
	var err error
	for i := 0; i < reconcileAttempts; i++ {
		var res *WebhookResult
		res, err = o.reconcile(ctx, ev)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, apperrors.ErrConflict) {
			break
		}
		o.log.Debug("webhook lost a race, retrying", "event_id", ev.EventID, "attempt", i+1)
	}
	return nil, err
}

func (o *Orchestrator) reconcile(ctx context.Context, ev *providers.ProviderEvent) (*WebhookResult, error) {
	p, err := o.ledger.GetPayment(ctx, ev.ProviderPaymentID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			o.log.Warn("webhook for unknown payment", "event_id", ev.EventID, "payment_id", ev.ProviderPaymentID)
		}
		return nil, err
	}
	res := &WebhookResult{EventID: ev.EventID, PaymentID: p.ID, DealID: p.DealID}

	if p.HasApplied(ev.EventID) {
		res.Outcome = OutcomeDuplicate
		return res, nil
	}
	if reason := mismatch(p, ev); reason != "" {
		o.alert(ctx, p.DealID, reason, map[string]any{"eventId": ev.EventID, "paymentId": p.ID})
		return nil, apperrors.Newf(apperrors.KindInvalidInput, "event %s rejected: %s", ev.EventID, reason)
	}

	d, err := o.ledger.GetDeal(ctx, p.DealID)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	nextPay := p.Clone()
	nextPay.ProviderEventLog = append(nextPay.ProviderEventLog, ev.EventID)
	nextPay.UpdatedAt = now

	var (
		nextDeal *models.Deal
		kind     string
		alert    string
	)

	switch ev.Kind {
	case providers.EventSucceeded:
		switch {
		case p.Status == models.PaymentSucceeded:
		case p.Status == models.PaymentFailed:
			alert = "succeeded event for a failed payment"
		default:
			nextPay.SetStatus(models.PaymentSucceeded, now)
			kind = notify.KindPaymentSucceeded
			if d.Status == models.DealCancelled {
				alert = "funds held for a cancelled deal"
			}
		}

	case providers.EventRequiresAction:
		if !p.Status.Terminal() && p.Status != models.PaymentRequiresAction {
			nextPay.SetStatus(models.PaymentRequiresAction, now)
			kind = notify.KindPaymentRequiresAction
		}

	case providers.EventFailed:
		if p.Status.Terminal() {
			break
		}
		nextPay.SetStatus(models.PaymentFailed, now)
		if d.PaymentIntentID == nil || *d.PaymentIntentID != p.ID {
			break
		}
		dec, err := lifecycle.Next(d.Status, lifecycle.EventPaymentFailed, lifecycle.Input{})
		if err != nil {
			alert = fmt.Sprintf("payment failed while deal is %s", d.Status)
			break
		}
		nextDeal = d.Clone()
		nextDeal.Status = dec.To
		nextDeal.UpdatedAt = now
		if dec.ClearPayment {
			nextDeal.PaymentIntentID = nil
		}
		kind = notify.KindDealPaymentFailed

	default:
		return nil, apperrors.Newf(apperrors.KindInvalidInput, "event %s has unknown kind %q", ev.EventID, ev.Kind)
	}

	err = o.ledger.Tx(ctx, func(tx ledger.Ledger) error {
		if err := tx.CompareAndSetPayment(ctx, p.ID, p.Version, nextPay); err != nil {
			return err
		}
		if nextDeal == nil {
			return nil
		}
		return tx.CompareAndSetDeal(ctx, d.ID, d.Status, nextDeal)
	})
	if err != nil {
		return nil, err
	}

	res.Outcome = OutcomeApplied
	o.log.Info("webhook applied", "event_id", ev.EventID, "payment_id", p.ID, "deal_id", d.ID,
		"kind", ev.Kind, "payment_status", nextPay.Status)

	if kind != "" {
		reported := d
		if nextDeal != nil {
			reported = nextDeal
		}
		o.notify(ctx, reported, kind, map[string]any{"paymentId": p.ID, "eventId": ev.EventID})
	}
	if alert != "" {
		o.alert(ctx, d.ID, alert, map[string]any{"eventId": ev.EventID, "paymentId": p.ID})
	}
	return res, nil
}

// mismatch explains why an authentic event does not belong to p, or
// returns "".
func mismatch(p *models.Payment, ev *providers.ProviderEvent) string {
	if id := ev.Metadata[providers.MetadataDealID]; id != "" && id != p.DealID {
		return fmt.Sprintf("event deal %s does not match payment deal %s", id, p.DealID)
	}
	if ev.AmountCents != 0 && ev.AmountCents != p.AmountCents {
		return fmt.Sprintf("event amount %d does not match payment amount %d", ev.AmountCents, p.AmountCents)
	}
	if ev.Currency != "" && !strings.EqualFold(ev.Currency, p.Currency) {
		return fmt.Sprintf("event currency %s does not match payment currency %s", ev.Currency, p.Currency)
	}
	return ""
}

func (o *Orchestrator) alert(ctx context.Context, dealID, reason string, extra map[string]any) {
	o.log.Warn("webhook alert", "deal_id", dealID, "reason", reason)
	payload := map[string]any{"reason": reason}
	for k, v := range extra {
		payload[k] = v
	}
	if err := o.sink.Notify(ctx, dealID, notify.KindWebhookRejected, payload); err != nil {
		o.log.Error("notify failed", "deal_id", dealID, "kind", notify.KindWebhookRejected, "err", err)
	}
}
