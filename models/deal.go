package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type DealStatus string

const (
	DealProposed      DealStatus = "proposed"
	DealAccepted      DealStatus = "accepted"
	DealDelivered     DealStatus = "delivered"
	DealVerified      DealStatus = "verified"
	DealPaid          DealStatus = "paid"
	DealCancelled     DealStatus = "cancelled"
	DealPaymentFailed DealStatus = "payment_failed"
)

type Deal struct {
	ID                     string     `gorm:"primaryKey;size:64" json:"id"`
	BusinessID             string     `gorm:"size:64;index;not null" json:"businessId"`
	AthleteID              string     `gorm:"size:64;index;not null" json:"athleteId"`
	AmountCents            int64      `gorm:"not null" json:"amountCents"`
	ServiceFeeCents        int64      `gorm:"not null;default:0" json:"serviceFeeCents"`
	Currency               string     `gorm:"size:8;not null" json:"currency"`
	DeliverableDescription string     `gorm:"type:text" json:"deliverableDescription"`
	Deadline               *time.Time `json:"deadline,omitempty"`
	Status                 DealStatus `gorm:"size:24;index;not null" json:"status"`
	PaymentIntentID        *string    `gorm:"size:128" json:"paymentIntentId"`
	ProofURL               *string    `gorm:"size:2048" json:"proofUrl"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	VerifiedAt  *time.Time `json:"verifiedAt,omitempty"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

// Stamp records the time a transition into status was taken. Each
// timestamp is written once; later calls for the same status keep the
// original value.
func (d *Deal) Stamp(status DealStatus, now time.Time) {
	var slot **time.Time
	switch status {
	case DealAccepted:
		slot = &d.AcceptedAt
	case DealDelivered:
		slot = &d.DeliveredAt
	case DealVerified:
		slot = &d.VerifiedAt
	case DealPaid:
		slot = &d.PaidAt
	case DealCancelled:
		slot = &d.CancelledAt
	default:
		return
	}
	if *slot != nil {
		return
	}
	if latest := d.latestStamp(); latest.After(now) {
		now = latest
	}
	t := now
	*slot = &t
}

func (d *Deal) latestStamp() time.Time {
	latest := d.CreatedAt
	for _, t := range []*time.Time{d.AcceptedAt, d.DeliveredAt, d.VerifiedAt, d.PaidAt, d.CancelledAt} {
		if t != nil && t.After(latest) {
			latest = *t
		}
	}
	return latest
}

// Clone returns a deep copy so callers can build the next version of a
// deal without touching the one they read.
func (d *Deal) Clone() *Deal {
	c := *d
	c.Deadline = cloneTime(d.Deadline)
	c.PaymentIntentID = cloneString(d.PaymentIntentID)
	c.ProofURL = cloneString(d.ProofURL)
	c.AcceptedAt = cloneTime(d.AcceptedAt)
	c.DeliveredAt = cloneTime(d.DeliveredAt)
	c.VerifiedAt = cloneTime(d.VerifiedAt)
	c.PaidAt = cloneTime(d.PaidAt)
	c.CancelledAt = cloneTime(d.CancelledAt)
	return &c
}

// PayoutCents is what the athlete receives once the platform fee is taken.
func (d *Deal) PayoutCents() int64 {
	return d.AmountCents - d.ServiceFeeCents
}

// ServiceFee computes the platform fee for amountCents at percent,
// rounding half away from zero to whole cents.
func ServiceFee(amountCents int64, percent decimal.Decimal) int64 {
	return decimal.NewFromInt(amountCents).
		Mul(percent).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}

// DisplayAmount renders cents in major units, e.g. 1050 -> "10.50".
func DisplayAmount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
