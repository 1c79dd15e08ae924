package providers

import (
	"context"
	"errors"
	"strings"
	"sync"

	"dealpay/models"
)

// EventKind is what a verified provider event means for a payment.
type EventKind string

const (
	EventSucceeded      EventKind = "succeeded"
	EventFailed         EventKind = "failed"
	EventRequiresAction EventKind = "requires_action"
)

var (
	// ErrSignatureInvalid is returned by ParseWebhook when the payload
	// cannot be authenticated. Nothing in the payload may be trusted.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrMalformedEvent means the payload was authentic but unreadable.
	ErrMalformedEvent = errors.New("webhook payload malformed")
	// ErrUnhandledEvent means the event is authentic but does not concern
	// payment state. It should be acknowledged and dropped.
	ErrUnhandledEvent = errors.New("webhook event not handled")
	// ErrUnavailable covers timeouts, network failures and provider 5xx.
	ErrUnavailable = errors.New("payment provider unavailable")
	// ErrRejected covers provider 4xx: declines, invalid parameters.
	ErrRejected = errors.New("payment provider rejected request")
)

type IntentRequest struct {
	AmountCents    int64
	Currency       string
	DealID         string
	IdempotencyKey string
}

type Intent struct {
	ProviderPaymentID string
	ClientActionToken string
	Status            models.PaymentStatus
}

type CaptureRequest struct {
	ProviderPaymentID string
	AmountCents       int64
	IdempotencyKey    string
}

type ReversalRequest struct {
	ProviderPaymentID string
	IdempotencyKey    string
}

type ProviderEvent struct {
	EventID           string            `json:"eventId"`
	ProviderPaymentID string            `json:"providerPaymentId"`
	Kind              EventKind         `json:"kind"`
	AmountCents       int64             `json:"amountCents"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// MetadataDealID is the intent metadata key carrying the deal id.
const MetadataDealID = "deal_id"

// Gateway isolates everything the payment processor expects on the wire.
// Implementations: stripe.Gateway, fakegateway.Gateway
type Gateway interface {
	Name() string

	// CreateIntent must forward IdempotencyKey to the provider so a
	// retried call returns the original intent instead of a second one.
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)

	// ConfirmIntent is best effort; the webhook carries the final word.
	ConfirmIntent(ctx context.Context, providerPaymentID, paymentMethodToken string) (models.PaymentStatus, error)

	// CapturePayment moves held funds out of escrow.
	CapturePayment(ctx context.Context, req CaptureRequest) error

	// ReversePayment releases or refunds a hold.
	ReversePayment(ctx context.Context, req ReversalRequest) (models.PaymentStatus, error)

	// ParseWebhook authenticates payload before decoding it.
	ParseWebhook(payload []byte, signature, secret string) (*ProviderEvent, error)

	// SignatureHeader names the HTTP header carrying the webhook signature.
	SignatureHeader() string
}

var (
	gatewaysMu sync.RWMutex
	gateways   = map[string]Gateway{}
)

func RegisterGateway(g Gateway) {
	gatewaysMu.Lock()
	defer gatewaysMu.Unlock()
	gateways[strings.ToLower(g.Name())] = g
}

func GetGateway(name string) Gateway {
	gatewaysMu.RLock()
	defer gatewaysMu.RUnlock()
	return gateways[strings.ToLower(name)]
}
