// Package fakegateway is an in-memory providers.Gateway used by tests and
// by PAYMENT_PROVIDER=fake for local development.
//
// It honours idempotency keys the way a real processor does: a repeated
// CreateIntent with the same key returns the original intent.
package fakegateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"dealpay/models"
	"dealpay/providers"
)

const Name = "fake"

type intent struct {
	id       string
	amount   int64
	currency string
	dealID   string
	status   models.PaymentStatus
	captured bool
	reversed bool
}

type Gateway struct {
	mu sync.Mutex

	seq       int
	intents   map[string]*intent
	byKey     map[string]string
	captures  map[string]bool
	reversals map[string]models.PaymentStatus
	calls     map[string]int

	unavailable bool
	rejecting   bool

	// IntentStatus is what CreateIntent reports for new intents.
	IntentStatus models.PaymentStatus
	// ConfirmStatus is what ConfirmIntent reports.
	ConfirmStatus models.PaymentStatus

	// OnCreateIntent runs before every CreateIntent, outside the lock.
	OnCreateIntent func(req providers.IntentRequest)
}

var _ providers.Gateway = (*Gateway)(nil)

func New() *Gateway {
	return &Gateway{
		intents:       map[string]*intent{},
		byKey:         map[string]string{},
		captures:      map[string]bool{},
		reversals:     map[string]models.PaymentStatus{},
		calls:         map[string]int{},
		IntentStatus:  models.PaymentInitiated,
		ConfirmStatus: models.PaymentSucceeded,
	}
}

func (g *Gateway) Name() string { return Name }

func (g *Gateway) SignatureHeader() string { return "X-Fake-Signature" }

// SetUnavailable makes every call fail with providers.ErrUnavailable.
func (g *Gateway) SetUnavailable(v bool) {
	g.mu.Lock()
	g.unavailable = v
	g.mu.Unlock()
}

// SetRejecting makes every call fail with providers.ErrRejected.
func (g *Gateway) SetRejecting(v bool) {
	g.mu.Lock()
	g.rejecting = v
	g.mu.Unlock()
}

// Calls returns how many times op was invoked, failed calls included.
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// IntentCount is the number of distinct intents created.
func (g *Gateway) IntentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.intents)
}

// Captured reports whether the intent was captured.
func (g *Gateway) Captured(providerPaymentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[providerPaymentID]
	return ok && in.captured
}

// Reversed reports whether the intent was cancelled or refunded.
func (g *Gateway) Reversed(providerPaymentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[providerPaymentID]
	return ok && in.reversed
}

// begin records the call and returns the configured failure, if any.
// Callers hold g.mu.
func (g *Gateway) begin(op string) error {
	g.calls[op]++
	if g.unavailable {
		return fmt.Errorf("%s: %w", op, providers.ErrUnavailable)
	}
	if g.rejecting {
		return fmt.Errorf("%s: %w", op, providers.ErrRejected)
	}
	return nil
}

func (g *Gateway) CreateIntent(ctx context.Context, req providers.IntentRequest) (*providers.Intent, error) {
	if g.OnCreateIntent != nil {
		g.OnCreateIntent(req)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("create intent: %w: %v", providers.ErrUnavailable, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.begin("CreateIntent"); err != nil {
		return nil, err
	}

	if id, ok := g.byKey[req.IdempotencyKey]; ok {
		in := g.intents[id]
		if in.amount != req.AmountCents || in.currency != req.Currency {
			return nil, fmt.Errorf("create intent: %w: idempotency key reused with different parameters", providers.ErrRejected)
		}
		return &providers.Intent{ProviderPaymentID: in.id, ClientActionToken: in.id + "_secret", Status: in.status}, nil
	}

	g.seq++
	in := &intent{
		id:       fmt.Sprintf("fake_pi_%d", g.seq),
		amount:   req.AmountCents,
		currency: req.Currency,
		dealID:   req.DealID,
		status:   g.IntentStatus,
	}
	g.intents[in.id] = in
	g.byKey[req.IdempotencyKey] = in.id

	return &providers.Intent{ProviderPaymentID: in.id, ClientActionToken: in.id + "_secret", Status: in.status}, nil
}

func (g *Gateway) ConfirmIntent(ctx context.Context, providerPaymentID, paymentMethodToken string) (models.PaymentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.begin("ConfirmIntent"); err != nil {
		return "", err
	}
	in, ok := g.intents[providerPaymentID]
	if !ok {
		return "", fmt.Errorf("confirm intent %s: %w: no such intent", providerPaymentID, providers.ErrRejected)
	}
	if in.reversed {
		return "", fmt.Errorf("confirm intent %s: %w: intent was cancelled", providerPaymentID, providers.ErrRejected)
	}
	in.status = g.ConfirmStatus
	return in.status, nil
}

func (g *Gateway) CapturePayment(ctx context.Context, req providers.CaptureRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.begin("CapturePayment"); err != nil {
		return err
	}
	if g.captures[req.IdempotencyKey] {
		return nil
	}
	in, ok := g.intents[req.ProviderPaymentID]
	if !ok {
		return fmt.Errorf("capture %s: %w: no such intent", req.ProviderPaymentID, providers.ErrRejected)
	}
	if in.reversed || in.captured {
		return fmt.Errorf("capture %s: %w: intent not capturable", req.ProviderPaymentID, providers.ErrRejected)
	}
	if req.AmountCents > in.amount {
		return fmt.Errorf("capture %s: %w: amount exceeds hold", req.ProviderPaymentID, providers.ErrRejected)
	}
	in.captured = true
	g.captures[req.IdempotencyKey] = true
	return nil
}

func (g *Gateway) ReversePayment(ctx context.Context, req providers.ReversalRequest) (models.PaymentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.begin("ReversePayment"); err != nil {
		return "", err
	}
	if st, ok := g.reversals[req.IdempotencyKey]; ok {
		return st, nil
	}
	in, ok := g.intents[req.ProviderPaymentID]
	if !ok {
		return "", fmt.Errorf("reverse %s: %w: no such intent", req.ProviderPaymentID, providers.ErrRejected)
	}
	in.reversed = true
	g.reversals[req.IdempotencyKey] = models.PaymentSucceeded
	return models.PaymentSucceeded, nil
}

// ParseWebhook expects a JSON providers.ProviderEvent signed with the hex
// HMAC-SHA256 of the raw payload.
func (g *Gateway) ParseWebhook(payload []byte, signature, secret string) (*providers.ProviderEvent, error) {
	if signature == "" || !hmac.Equal([]byte(signature), []byte(Sign(payload, secret))) {
		return nil, providers.ErrSignatureInvalid
	}

	var ev providers.ProviderEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrMalformedEvent, err)
	}
	if ev.EventID == "" {
		return nil, fmt.Errorf("%w: missing eventId", providers.ErrMalformedEvent)
	}

	switch ev.Kind {
	case providers.EventSucceeded, providers.EventFailed, providers.EventRequiresAction:
	default:
		return &providers.ProviderEvent{EventID: ev.EventID}, fmt.Errorf("%w: %s", providers.ErrUnhandledEvent, ev.Kind)
	}
	if ev.ProviderPaymentID == "" {
		return nil, fmt.Errorf("%w: missing providerPaymentId", providers.ErrMalformedEvent)
	}
	return &ev, nil
}

func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedEvent encodes ev and signs it with secret.
func SignedEvent(ev providers.ProviderEvent, secret string) ([]byte, string) {
	payload, _ := json.Marshal(ev)
	return payload, Sign(payload, secret)
}
