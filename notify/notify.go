// Package notify fans deal lifecycle notifications out to whoever listens:
// the log, an SQS queue, or nobody.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

const (
	KindDealCreated           = "deal.created"
	KindDealAccepted          = "deal.accepted"
	KindDealDelivered         = "deal.delivered"
	KindDealVerified          = "deal.verified"
	KindDealPaid              = "deal.paid"
	KindDealCancelled         = "deal.cancelled"
	KindDealPaymentFailed     = "deal.payment_failed"
	KindDealPaymentRetried    = "deal.payment_retried"
	KindPaymentSucceeded      = "payment.succeeded"
	KindPaymentRequiresAction = "payment.requires_action"
	KindWebhookRejected       = "alert.webhook_rejected"
)

// Sink receives notifications after the state they describe is committed.
// A failing sink never rolls anything back.
type Sink interface {
	Notify(ctx context.Context, dealID, kind string, payload map[string]any) error
}

type Nop struct{}

func (Nop) Notify(context.Context, string, string, map[string]any) error { return nil }

// Log writes each notification as a structured log line.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, dealID, kind string, payload map[string]any) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if kind == KindWebhookRejected {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "notification", "deal_id", dealID, "kind", kind, "payload", payload)
	return nil
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

type Event struct {
	DealID  string
	Kind    string
	Payload map[string]any
}

func (r *Recorder) Notify(_ context.Context, dealID, kind string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{DealID: dealID, Kind: kind, Payload: payload})
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds lists the kinds recorded for dealID, in order.
func (r *Recorder) Kinds(dealID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []string
	for _, e := range r.events {
		if e.DealID == dealID {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}
