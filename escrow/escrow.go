// Package escrow drives deals through their lifecycle and keeps the money
// in step: it asks lifecycle whether a transition is legal, performs the
// gateway side effect, and commits the result to the ledger.
//
// Every synchronous command follows the same shape: load, validate, call
// the gateway if the transition needs it (abort on failure, nothing is
// written), then persist with a compare-and-set on the deal status. Once
// the gateway call succeeds the persistence step is not cancelled with the
// caller's context.
package escrow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dealpay/apperrors"
	"dealpay/ledger"
	"dealpay/lifecycle"
	"dealpay/models"
	"dealpay/notify"
	"dealpay/providers"
)

const DefaultGatewayTimeout = 5 * time.Second

type Options struct {
	ServiceFeePercent decimal.Decimal
	DefaultCurrency   string
	GatewayTimeout    time.Duration
	// AutoRelease makes Verify capture the payment straight away.
	AutoRelease   bool
	WebhookSecret string
	Now           func() time.Time
	Logger        *slog.Logger
}

type Orchestrator struct {
	ledger  ledger.Ledger
	gateway providers.Gateway
	sink    notify.Sink

	feePercent  decimal.Decimal
	currency    string
	timeout     time.Duration
	autoRelease bool
	secret      string
	now         func() time.Time
	log         *slog.Logger
}

func New(l ledger.Ledger, g providers.Gateway, sink notify.Sink, opts Options) *Orchestrator {
	o := &Orchestrator{
		ledger:      l,
		gateway:     g,
		sink:        sink,
		feePercent:  opts.ServiceFeePercent,
		currency:    strings.ToLower(opts.DefaultCurrency),
		timeout:     opts.GatewayTimeout,
		autoRelease: opts.AutoRelease,
		secret:      opts.WebhookSecret,
		now:         opts.Now,
		log:         opts.Logger,
	}
	if o.sink == nil {
		o.sink = notify.Nop{}
	}
	if o.currency == "" {
		o.currency = "usd"
	}
	if o.timeout <= 0 {
		o.timeout = DefaultGatewayTimeout
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.log = o.log.With("component", "escrow", "gateway", g.Name())
	return o
}

type CreateDealInput struct {
	BusinessID             string     `json:"businessId"`
	AthleteID              string     `json:"athleteId"`
	AmountCents            int64      `json:"amountCents"`
	Currency               string     `json:"currency"`
	DeliverableDescription string     `json:"deliverableDescription"`
	Deadline               *time.Time `json:"deadline"`
}

func (o *Orchestrator) CreateDeal(ctx context.Context, in CreateDealInput) (*models.Deal, error) {
	in.BusinessID = strings.TrimSpace(in.BusinessID)
	in.AthleteID = strings.TrimSpace(in.AthleteID)

	switch {
	case in.AmountCents <= 0:
		return nil, apperrors.New(apperrors.KindInvalidInput, "amountCents must be positive")
	case in.BusinessID == "" || in.AthleteID == "":
		return nil, apperrors.New(apperrors.KindInvalidInput, "businessId and athleteId are required")
	case in.BusinessID == in.AthleteID:
		return nil, apperrors.New(apperrors.KindInvalidInput, "businessId and athleteId must differ")
	}

	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = o.currency
	}

	now := o.now().UTC()
	d := &models.Deal{
		ID:                     uuid.NewString(),
		BusinessID:             in.BusinessID,
		AthleteID:              in.AthleteID,
		AmountCents:            in.AmountCents,
		ServiceFeeCents:        models.ServiceFee(in.AmountCents, o.feePercent),
		Currency:               currency,
		DeliverableDescription: strings.TrimSpace(in.DeliverableDescription),
		Deadline:               in.Deadline,
		Status:                 models.DealProposed,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := o.ledger.CreateDeal(ctx, d); err != nil {
		return nil, err
	}

	o.log.Info("deal created", "deal_id", d.ID, "amount", models.DisplayAmount(d.AmountCents), "currency", d.Currency)
	o.notify(ctx, d, notify.KindDealCreated, nil)
	return d, nil
}

func (o *Orchestrator) GetDeal(ctx context.Context, id string) (*models.Deal, error) {
	return o.ledger.GetDeal(ctx, id)
}

// ListPayments returns every payment recorded for a deal, historical and
// reversing ones included.
func (o *Orchestrator) ListPayments(ctx context.Context, dealID string) ([]*models.Payment, error) {
	if _, err := o.ledger.GetDeal(ctx, dealID); err != nil {
		return nil, err
	}
	return o.ledger.ListPayments(ctx, dealID)
}

// GetPayment returns a payment to the business that funds it.
func (o *Orchestrator) GetPayment(ctx context.Context, paymentID, actor string) (*models.Payment, error) {
	p, err := o.ledger.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	d, err := o.ledger.GetDeal(ctx, p.DealID)
	if err != nil {
		return nil, err
	}
	if err := authorize(d, actor, roleBusiness); err != nil {
		return nil, err
	}
	return p, nil
}

// AcceptDeal moves a proposed deal to accepted and opens the funding
// intent in the same operation.
func (o *Orchestrator) AcceptDeal(ctx context.Context, dealID, actor string) (*models.Deal, error) {
	return o.fund(ctx, dealID, actor, lifecycle.EventAccept, notify.KindDealAccepted)
}

// RetryPayment opens a fresh intent for a deal whose last payment failed.
func (o *Orchestrator) RetryPayment(ctx context.Context, dealID, actor string) (*models.Deal, error) {
	return o.fund(ctx, dealID, actor, lifecycle.EventRetryPayment, notify.KindDealPaymentRetried)
}

func (o *Orchestrator) fund(ctx context.Context, dealID, actor string, ev lifecycle.Event, kind string) (*models.Deal, error) {
	d, err := o.ledger.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if err := authorize(d, actor, roleBusiness); err != nil {
		return nil, err
	}
	dec, err := lifecycle.Next(d.Status, ev, lifecycle.Input{})
	if err != nil {
		return nil, err
	}

	history, err := o.ledger.ListPayments(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	attempt := nextAttempt(history)
	key := chargeKey(d.ID, attempt)

	gctx, cancel := context.WithTimeout(ctx, o.timeout)
	intent, err := o.gateway.CreateIntent(gctx, providers.IntentRequest{
		AmountCents:    d.AmountCents,
		Currency:       d.Currency,
		DealID:         d.ID,
		IdempotencyKey: key,
	})
	cancel()
	if err != nil {
		o.log.Warn("create intent failed", "deal_id", d.ID, "attempt", attempt, "err", err)
		return nil, gatewayError("create payment intent", err)
	}

	ctx = context.WithoutCancel(ctx)
	now := o.now().UTC()

	status := intent.Status
	if status == "" {
		status = models.PaymentInitiated
	}
	p := &models.Payment{
		ID:                intent.ProviderPaymentID,
		DealID:            d.ID,
		Kind:              models.PaymentCharge,
		IdempotencyKey:    key,
		AmountCents:       d.AmountCents,
		Currency:          d.Currency,
		Attempt:           attempt,
		ClientActionToken: intent.ClientActionToken,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	p.SetStatus(status, now)

	next := d.Clone()
	next.Status = dec.To
	next.PaymentIntentID = &p.ID
	next.Stamp(dec.To, now)
	next.UpdatedAt = now

	err = o.ledger.Tx(ctx, func(tx ledger.Ledger) error {
		if err := tx.CreatePayment(ctx, p); err != nil {
			return err
		}
		return tx.CompareAndSetDeal(ctx, d.ID, d.Status, next)
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			o.abandonIntent(ctx, p)
		}
		return nil, err
	}

	o.log.Info("deal funded", "deal_id", d.ID, "event", ev, "payment_id", p.ID, "attempt", attempt, "payment_status", p.Status)
	o.notify(ctx, next, kind, map[string]any{"paymentId": p.ID, "attempt": attempt})
	return next, nil
}

// abandonIntent handles an intent opened for a deal that moved on before
// the payment could be recorded. When no other command recorded the same
// idempotency key, the hold is reversed and both the voided charge and the
// reversal are stored so later webhooks for the intent still resolve.
func (o *Orchestrator) abandonIntent(ctx context.Context, p *models.Payment) {
	owner, err := o.ledger.GetPaymentByKey(ctx, p.IdempotencyKey)
	switch {
	case err == nil:
		o.log.Debug("intent recorded by a concurrent command", "deal_id", p.DealID, "payment_id", owner.ID)
		return
	case !errors.Is(err, apperrors.ErrNotFound):
		o.log.Error("look up abandoned intent", "deal_id", p.DealID, "payment_id", p.ID, "err", err)
		return
	}

	now := o.now().UTC()
	key := reversalKey(p.ID)
	gctx, cancel := context.WithTimeout(ctx, o.timeout)
	status, err := o.gateway.ReversePayment(gctx, providers.ReversalRequest{
		ProviderPaymentID: p.ID,
		IdempotencyKey:    key,
	})
	cancel()

	var reversal *models.Payment
	if err != nil {
		o.log.Error("reverse abandoned intent", "deal_id", p.DealID, "payment_id", p.ID, "err", err)
		o.alert(ctx, p.DealID, "intent opened for a deal that moved on could not be reversed", map[string]any{"paymentId": p.ID})
	} else {
		reversal = newReversal(p, key, status, now)
		if status != models.PaymentFailed {
			p.SetStatus(models.PaymentFailed, now)
		}
	}
	p.ClientActionToken = ""
	p.UpdatedAt = now

	err = o.ledger.Tx(ctx, func(tx ledger.Ledger) error {
		if err := tx.CreatePayment(ctx, p); err != nil {
			return err
		}
		if reversal == nil {
			return nil
		}
		return tx.CreatePayment(ctx, reversal)
	})
	if err != nil {
		o.log.Error("record abandoned intent", "deal_id", p.DealID, "payment_id", p.ID, "err", err)
		return
	}
	o.log.Warn("abandoned intent reversed", "deal_id", p.DealID, "payment_id", p.ID, "reversed", reversal != nil)
}

func newReversal(charge *models.Payment, key string, status models.PaymentStatus, now time.Time) *models.Payment {
	r := &models.Payment{
		ID:                key,
		DealID:            charge.DealID,
		Kind:              models.PaymentReversal,
		IdempotencyKey:    key,
		AmountCents:       charge.AmountCents,
		Currency:          charge.Currency,
		Attempt:           charge.Attempt,
		ReversesPaymentID: &charge.ID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	r.SetStatus(status, now)
	return r
}

func (o *Orchestrator) SubmitDeliverable(ctx context.Context, dealID, actor, proofURL string) (*models.Deal, error) {
	d, err := o.ledger.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if err := authorize(d, actor, roleAthlete); err != nil {
		return nil, err
	}
	proofURL = strings.TrimSpace(proofURL)
	dec, err := lifecycle.Next(d.Status, lifecycle.EventSubmitDeliverable, lifecycle.Input{ProofURL: proofURL})
	if err != nil {
		return nil, err
	}

	next := d.Clone()
	next.ProofURL = &proofURL
	return o.commit(ctx, d, next, dec, notify.KindDealDelivered, map[string]any{"proofUrl": proofURL})
}

// Verify records the business's approval of the deliverable. With
// AutoRelease the payment is captured right after; a failed capture is
// logged and leaves the deal verified.
func (o *Orchestrator) Verify(ctx context.Context, dealID, actor string) (*models.Deal, error) {
	d, err := o.ledger.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if err := authorize(d, actor, roleBusiness); err != nil {
		return nil, err
	}
	dec, err := lifecycle.Next(d.Status, lifecycle.EventVerify, lifecycle.Input{})
	if err != nil {
		return nil, err
	}

	verified, err := o.commit(ctx, d, d.Clone(), dec, notify.KindDealVerified, nil)
	if err != nil || !o.autoRelease {
		return verified, err
	}

	paid, err := o.ReleasePayment(ctx, dealID, actor)
	if err != nil {
		o.log.Warn("auto release failed", "deal_id", dealID, "err", err)
		return verified, nil
	}
	return paid, nil
}

// ReleasePayment captures the held funds and marks the deal paid.
func (o *Orchestrator) ReleasePayment(ctx context.Context, dealID, actor string) (*models.Deal, error) {
	d, err := o.ledger.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if err := authorize(d, actor, roleBusiness); err != nil {
		return nil, err
	}
	p, err := o.activePayment(ctx, d)
	if err != nil {
		return nil, err
	}
	dec, err := lifecycle.Next(d.Status, lifecycle.EventReleasePayment, lifecycle.Input{PaymentStatus: statusOf(p)})
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, o.timeout)
	err = o.gateway.CapturePayment(gctx, providers.CaptureRequest{
		ProviderPaymentID: p.ID,
		AmountCents:       p.AmountCents,
		IdempotencyKey:    captureKey(p.ID),
	})
	cancel()
	if err != nil {
		o.log.Warn("capture failed", "deal_id", d.ID, "payment_id", p.ID, "err", err)
		return nil, gatewayError("capture payment", err)
	}

	ctx = context.WithoutCancel(ctx)
	now := o.now().UTC()

	next := d.Clone()
	next.Status = dec.To
	next.Stamp(dec.To, now)
	next.UpdatedAt = now

	// The provider reports the capture on the webhook, which may land
	// before this write and bump the payment version.
	err = o.settle(ctx, "release", d.ID, func(tx ledger.Ledger) error {
		cur, err := tx.GetPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		captured := cur.Clone()
		if captured.CapturedAt == nil {
			captured.CapturedAt = &now
		}
		captured.UpdatedAt = now
		if err := tx.CompareAndSetPayment(ctx, cur.ID, cur.Version, captured); err != nil {
			return err
		}
		return tx.CompareAndSetDeal(ctx, d.ID, d.Status, next)
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			if cur, gerr := o.ledger.GetDeal(ctx, d.ID); gerr == nil && cur.Status == models.DealPaid {
				return cur, nil
			}
		}
		return nil, err
	}

	o.log.Info("payment released", "deal_id", d.ID, "payment_id", p.ID,
		"amount", models.DisplayAmount(p.AmountCents), "payout", models.DisplayAmount(next.PayoutCents()))
	o.notify(ctx, next, notify.KindDealPaid, map[string]any{
		"paymentId":       p.ID,
		"amountCents":     next.AmountCents,
		"serviceFeeCents": next.ServiceFeeCents,
		"payoutCents":     next.PayoutCents(),
	})
	return next, nil
}

// Cancel ends a deal before delivery. A live hold is reversed at the
// gateway first and the reversal is recorded as its own payment.
func (o *Orchestrator) Cancel(ctx context.Context, dealID, actor string) (*models.Deal, error) {
	d, err := o.ledger.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if err := authorize(d, actor, roleEither); err != nil {
		return nil, err
	}
	p, err := o.activePayment(ctx, d)
	if err != nil {
		return nil, err
	}
	dec, err := lifecycle.Next(d.Status, lifecycle.EventCancel, lifecycle.Input{PaymentStatus: statusOf(p)})
	if err != nil {
		return nil, err
	}

	var reversal *models.Payment
	if dec.ReversePayment {
		key := reversalKey(p.ID)
		gctx, cancel := context.WithTimeout(ctx, o.timeout)
		status, err := o.gateway.ReversePayment(gctx, providers.ReversalRequest{
			ProviderPaymentID: p.ID,
			IdempotencyKey:    key,
		})
		cancel()
		if err != nil {
			o.log.Warn("reversal failed", "deal_id", d.ID, "payment_id", p.ID, "err", err)
			return nil, gatewayError("reverse payment", err)
		}

		reversal = newReversal(p, key, status, o.now().UTC())
		ctx = context.WithoutCancel(ctx)
	}

	now := o.now().UTC()
	next := d.Clone()
	next.Status = dec.To
	next.Stamp(dec.To, now)
	next.UpdatedAt = now

	err = o.settle(ctx, "cancel", d.ID, func(tx ledger.Ledger) error {
		if reversal != nil {
			if err := tx.CreatePayment(ctx, reversal); err != nil {
				return err
			}
			if err := o.voidCharge(ctx, tx, p.ID, reversal.Status, now); err != nil {
				return err
			}
		}
		return tx.CompareAndSetDeal(ctx, d.ID, d.Status, next)
	})
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"cancelledBy": actor, "from": string(d.Status)}
	if reversal != nil {
		payload["reversalId"] = reversal.ID
		payload["reversalStatus"] = string(reversal.Status)
	}
	o.log.Info("deal cancelled", "deal_id", d.ID, "from", d.Status, "reversed", reversal != nil)
	o.notify(ctx, next, notify.KindDealCancelled, payload)
	return next, nil
}

// ConfirmPayment forwards a payment method to the provider for the active
// charge of a live deal. Success or a required customer action is
// recorded; failure is left for the webhook.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, paymentID, actor, paymentMethodToken string) (*models.Payment, error) {
	p, err := o.ledger.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	d, err := o.ledger.GetDeal(ctx, p.DealID)
	if err != nil {
		return nil, err
	}
	if err := authorize(d, actor, roleBusiness); err != nil {
		return nil, err
	}
	if p.Kind != models.PaymentCharge {
		return nil, apperrors.New(apperrors.KindInvalidInput, "only charges can be confirmed")
	}
	if lifecycle.Terminal(d.Status) || d.PaymentIntentID == nil || *d.PaymentIntentID != p.ID {
		return nil, apperrors.Newf(apperrors.KindInvalidTransition,
			"payment %s is not the active charge of deal %s (status %s)", p.ID, d.ID, d.Status)
	}
	if p.Status.Terminal() {
		return p, nil
	}

	gctx, cancel := context.WithTimeout(ctx, o.timeout)
	status, err := o.gateway.ConfirmIntent(gctx, p.ID, paymentMethodToken)
	cancel()
	if err != nil {
		o.log.Warn("confirm failed", "deal_id", d.ID, "payment_id", p.ID, "err", err)
		return nil, gatewayError("confirm payment", err)
	}
	if (status != models.PaymentSucceeded && status != models.PaymentRequiresAction) || status == p.Status {
		return p, nil
	}

	ctx = context.WithoutCancel(ctx)
	now := o.now().UTC()
	next := p.Clone()
	next.SetStatus(status, now)
	next.UpdatedAt = now
	if err := o.ledger.CompareAndSetPayment(ctx, p.ID, p.Version, next); err != nil {
		return nil, err
	}

	o.log.Info("payment confirmed", "deal_id", d.ID, "payment_id", p.ID, "payment_status", status)
	o.notify(ctx, d, paymentKind(status), map[string]any{"paymentId": p.ID})
	return next, nil
}

// voidCharge closes a charge whose hold was reversed so it can no longer
// be confirmed or paid out. A reversal the provider reported as failed
// leaves the charge untouched.
func (o *Orchestrator) voidCharge(ctx context.Context, tx ledger.Ledger, paymentID string, reversal models.PaymentStatus, now time.Time) error {
	if reversal == models.PaymentFailed {
		return nil
	}
	cur, err := tx.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if cur.Status == models.PaymentFailed {
		return nil
	}
	voided := cur.Clone()
	voided.SetStatus(models.PaymentFailed, now)
	voided.UpdatedAt = now
	return tx.CompareAndSetPayment(ctx, cur.ID, cur.Version, voided)
}

// settle runs a post-gateway write, running it again when a concurrent
// webhook won a payment version race. fn must re-read what it updates.
func (o *Orchestrator) settle(ctx context.Context, op, dealID string, fn func(ledger.Ledger) error) error {
	var err error
	for i := 0; i < reconcileAttempts; i++ {
		if err = o.ledger.Tx(ctx, fn); !errors.Is(err, apperrors.ErrConflict) {
			return err
		}
		o.log.Debug("write lost a race, retrying", "op", op, "deal_id", dealID, "attempt", i+1)
	}
	return err
}

// commit persists a transition that needs no gateway call.
func (o *Orchestrator) commit(ctx context.Context, d, next *models.Deal, dec lifecycle.Decision, kind string, payload map[string]any) (*models.Deal, error) {
	now := o.now().UTC()
	next.Status = dec.To
	next.Stamp(dec.To, now)
	next.UpdatedAt = now

	if err := o.ledger.CompareAndSetDeal(ctx, d.ID, d.Status, next); err != nil {
		return nil, err
	}

	o.log.Info("deal transitioned", "deal_id", d.ID, "from", dec.From, "to", dec.To)
	o.notify(ctx, next, kind, payload)
	return next, nil
}

func (o *Orchestrator) activePayment(ctx context.Context, d *models.Deal) (*models.Payment, error) {
	if d.PaymentIntentID == nil {
		return nil, nil
	}
	return o.ledger.GetPayment(ctx, *d.PaymentIntentID)
}

func statusOf(p *models.Payment) models.PaymentStatus {
	if p == nil {
		return ""
	}
	return p.Status
}

func paymentKind(status models.PaymentStatus) string {
	if status == models.PaymentRequiresAction {
		return notify.KindPaymentRequiresAction
	}
	return notify.KindPaymentSucceeded
}

// notify never fails the caller: the state it reports is already stored.
func (o *Orchestrator) notify(ctx context.Context, d *models.Deal, kind string, extra map[string]any) {
	payload := map[string]any{
		"status":      string(d.Status),
		"businessId":  d.BusinessID,
		"athleteId":   d.AthleteID,
		"amountCents": d.AmountCents,
		"currency":    d.Currency,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := o.sink.Notify(ctx, d.ID, kind, payload); err != nil {
		o.log.Error("notify failed", "deal_id", d.ID, "kind", kind, "err", err)
	}
}

func gatewayError(op string, err error) error {
	if errors.Is(err, providers.ErrRejected) {
		return apperrors.Wrap(apperrors.KindGatewayRejected, err, op+": rejected by payment provider")
	}
	return apperrors.Wrap(apperrors.KindGatewayUnavailable, err, op+": payment provider unavailable")
}
