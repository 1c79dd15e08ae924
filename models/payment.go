package models

import (
	"slices"
	"time"

	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentInitiated      PaymentStatus = "initiated"
	PaymentRequiresAction PaymentStatus = "requires_action"
	PaymentSucceeded      PaymentStatus = "succeeded"
	PaymentFailed         PaymentStatus = "failed"
)

// Terminal reports whether no further provider event can move the payment.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSucceeded || s == PaymentFailed
}

type PaymentKind string

const (
	PaymentCharge   PaymentKind = "charge"
	PaymentReversal PaymentKind = "reversal"
)

type Payment struct {
	// ID is the provider payment id once an intent exists, otherwise the
	// idempotency key.
	ID                string        `gorm:"primaryKey;size:128" json:"id"`
	DealID            string        `gorm:"size:64;index;not null" json:"dealId"`
	Kind              PaymentKind   `gorm:"size:16;not null;default:'charge'" json:"kind"`
	IdempotencyKey    string        `gorm:"size:64;uniqueIndex;not null" json:"idempotencyKey"`
	AmountCents       int64         `gorm:"not null" json:"amountCents"`
	Currency          string        `gorm:"size:8;not null" json:"currency"`
	Status            PaymentStatus `gorm:"size:24;index;not null" json:"status"`
	Attempt           int           `gorm:"not null;default:1" json:"attempt"`
	ClientActionToken string        `gorm:"size:255" json:"-"`
	ReversesPaymentID *string       `gorm:"size:128" json:"reversesPaymentId,omitempty"`

	ProviderEventLog datatypes.JSONSlice[string] `json:"providerEventLog"`
	Version          int64                       `gorm:"not null;default:1" json:"version"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	SucceededAt *time.Time `json:"succeededAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	CapturedAt  *time.Time `json:"capturedAt,omitempty"`
}

// HasApplied reports whether the provider event was already folded into
// this payment.
func (p *Payment) HasApplied(eventID string) bool {
	return slices.Contains(p.ProviderEventLog, eventID)
}

func (p *Payment) Clone() *Payment {
	c := *p
	c.ProviderEventLog = slices.Clone(p.ProviderEventLog)
	c.ReversesPaymentID = cloneString(p.ReversesPaymentID)
	c.SucceededAt = cloneTime(p.SucceededAt)
	c.FailedAt = cloneTime(p.FailedAt)
	c.CapturedAt = cloneTime(p.CapturedAt)
	return &c
}

// SetStatus moves the payment to status and records when it became
// terminal.
func (p *Payment) SetStatus(status PaymentStatus, now time.Time) {
	p.Status = status
	switch status {
	case PaymentSucceeded:
		if p.SucceededAt == nil {
			p.SucceededAt = &now
		}
	case PaymentFailed:
		if p.FailedAt == nil {
			p.FailedAt = &now
		}
	}
}
