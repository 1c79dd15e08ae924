// Package stripe adapts Stripe PaymentIntents to providers.Gateway.
//
// Intents are created with manual capture: the authorised hold is the
// escrow, and releasing a deal captures it.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"dealpay/models"
	"dealpay/providers"
)

const Name = "stripe"

var eventKinds = map[string]providers.EventKind{
	"payment_intent.amount_capturable_updated": providers.EventSucceeded,
	"payment_intent.succeeded":                 providers.EventSucceeded,
	"payment_intent.payment_failed":            providers.EventFailed,
	"payment_intent.canceled":                  providers.EventFailed,
	"payment_intent.requires_action":           providers.EventRequiresAction,
}

type Gateway struct {
	api *client.API
}

var _ providers.Gateway = (*Gateway)(nil)

// New builds a gateway for secretKey. A nil backends uses Stripe's
// production endpoints.
func New(secretKey string, backends *stripego.Backends) *Gateway {
	return &Gateway{api: client.New(secretKey, backends)}
}

func (g *Gateway) Name() string { return Name }

func (g *Gateway) SignatureHeader() string { return "Stripe-Signature" }

func (g *Gateway) CreateIntent(ctx context.Context, req providers.IntentRequest) (*providers.Intent, error) {
	params := &stripego.PaymentIntentParams{
		Amount:        stripego.Int64(req.AmountCents),
		Currency:      stripego.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripego.String(string(stripego.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(providers.MetadataDealID, req.DealID)

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classify("create payment intent", err)
	}

	return &providers.Intent{
		ProviderPaymentID: pi.ID,
		ClientActionToken: pi.ClientSecret,
		Status:            intentStatus(pi.Status),
	}, nil
}

func (g *Gateway) ConfirmIntent(ctx context.Context, providerPaymentID, paymentMethodToken string) (models.PaymentStatus, error) {
	params := &stripego.PaymentIntentConfirmParams{}
	if paymentMethodToken != "" {
		params.PaymentMethod = stripego.String(paymentMethodToken)
	}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Confirm(providerPaymentID, params)
	if err != nil {
		return "", classify("confirm payment intent", err)
	}
	return intentStatus(pi.Status), nil
}

func (g *Gateway) CapturePayment(ctx context.Context, req providers.CaptureRequest) error {
	params := &stripego.PaymentIntentCaptureParams{
		AmountToCapture: stripego.Int64(req.AmountCents),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := g.api.PaymentIntents.Capture(req.ProviderPaymentID, params)
	if err != nil {
		var se *stripego.Error
		if errors.As(err, &se) && string(se.Code) == "payment_intent_unexpected_state" {
			return g.alreadyCaptured(ctx, req, err)
		}
		return classify("capture payment intent", err)
	}
	if pi.Status != stripego.PaymentIntentStatusSucceeded {
		return fmt.Errorf("capture payment intent: %w: status %s", providers.ErrRejected, pi.Status)
	}
	return nil
}

// alreadyCaptured treats a capture refused for the intent's state as done
// when the intent has in fact been captured, as happens once the capture
// idempotency key has expired at Stripe.
func (g *Gateway) alreadyCaptured(ctx context.Context, req providers.CaptureRequest, captureErr error) error {
	params := &stripego.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Get(req.ProviderPaymentID, params)
	if err != nil {
		return classify("retrieve payment intent", err)
	}
	if pi.Status == stripego.PaymentIntentStatusSucceeded && pi.AmountReceived >= req.AmountCents {
		return nil
	}
	return classify("capture payment intent", captureErr)
}

// ReversePayment cancels an uncaptured intent. An intent that was
// already captured is refunded instead.
func (g *Gateway) ReversePayment(ctx context.Context, req providers.ReversalRequest) (models.PaymentStatus, error) {
	params := &stripego.PaymentIntentCancelParams{
		CancellationReason: stripego.String("requested_by_customer"),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := g.api.PaymentIntents.Cancel(req.ProviderPaymentID, params)
	if err == nil {
		if pi.Status == stripego.PaymentIntentStatusCanceled {
			return models.PaymentSucceeded, nil
		}
		return models.PaymentInitiated, nil
	}

	var se *stripego.Error
	if !errors.As(err, &se) || string(se.Code) != "payment_intent_unexpected_state" {
		return "", classify("cancel payment intent", err)
	}

	refund := &stripego.RefundParams{PaymentIntent: stripego.String(req.ProviderPaymentID)}
	refund.Context = ctx
	refund.SetIdempotencyKey(req.IdempotencyKey + "-refund")

	r, err := g.api.Refunds.New(refund)
	if err != nil {
		return "", classify("refund payment intent", err)
	}
	switch r.Status {
	case stripego.RefundStatusSucceeded:
		return models.PaymentSucceeded, nil
	case stripego.RefundStatusFailed, stripego.RefundStatusCanceled:
		return models.PaymentFailed, nil
	default:
		return models.PaymentInitiated, nil
	}
}

func (g *Gateway) ParseWebhook(payload []byte, signature, secret string) (*providers.ProviderEvent, error) {
	if err := webhook.ValidatePayload(payload, signature, secret); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrSignatureInvalid, err)
	}

	var ev stripego.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrMalformedEvent, err)
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", providers.ErrMalformedEvent)
	}

	kind, ok := eventKinds[string(ev.Type)]
	if !ok {
		return &providers.ProviderEvent{EventID: ev.ID}, fmt.Errorf("%w: %s", providers.ErrUnhandledEvent, ev.Type)
	}

	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no object", providers.ErrMalformedEvent, ev.ID)
	}
	var pi stripego.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrMalformedEvent, err)
	}
	if pi.ID == "" {
		return nil, fmt.Errorf("%w: event %s has no payment intent id", providers.ErrMalformedEvent, ev.ID)
	}

	return &providers.ProviderEvent{
		EventID:           ev.ID,
		ProviderPaymentID: pi.ID,
		Kind:              kind,
		AmountCents:       pi.Amount,
		Currency:          string(pi.Currency),
		Metadata:          pi.Metadata,
	}, nil
}

func intentStatus(s stripego.PaymentIntentStatus) models.PaymentStatus {
	switch s {
	case stripego.PaymentIntentStatusSucceeded, stripego.PaymentIntentStatusRequiresCapture:
		return models.PaymentSucceeded
	case stripego.PaymentIntentStatusRequiresAction:
		return models.PaymentRequiresAction
	case stripego.PaymentIntentStatusCanceled:
		return models.PaymentFailed
	default:
		return models.PaymentInitiated
	}
}

// classify sorts provider errors into retryable and permanent.
func classify(op string, err error) error {
	var se *stripego.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode >= 500 || se.HTTPStatusCode == 429 || se.Type == stripego.ErrorTypeAPI {
			return fmt.Errorf("%s: %w: %s", op, providers.ErrUnavailable, se.Msg)
		}
		return fmt.Errorf("%s: %w: %s", op, providers.ErrRejected, se.Msg)
	}
	return fmt.Errorf("%s: %w: %v", op, providers.ErrUnavailable, err)
}

