package escrow_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealpay/apperrors"
	"dealpay/escrow"
	"dealpay/ledger"
	"dealpay/models"
	"dealpay/notify"
	"dealpay/providers"
	"dealpay/providers/fakegateway"
)

const (
	business = "biz-1"
	athlete  = "ath-1"
	secret   = "whsec_test"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type harness struct {
	o      *escrow.Orchestrator
	ledger ledger.Ledger
	gw     *fakegateway.Gateway
	sink   *notify.Recorder
}

func newHarness(t *testing.T, tweak ...func(*escrow.Options)) *harness {
	t.Helper()

	l, err := ledger.OpenBolt(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	c := &clock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	opts := escrow.Options{
		ServiceFeePercent: decimal.NewFromInt(10),
		DefaultCurrency:   "usd",
		GatewayTimeout:    time.Second,
		WebhookSecret:     secret,
		Now:               c.Now,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range tweak {
		fn(&opts)
	}

	h := &harness{ledger: l, gw: fakegateway.New(), sink: &notify.Recorder{}}
	h.o = escrow.New(l, h.gw, h.sink, opts)
	return h
}

func (h *harness) create(t *testing.T) *models.Deal {
	t.Helper()
	d, err := h.o.CreateDeal(context.Background(), escrow.CreateDealInput{
		BusinessID:             business,
		AthleteID:              athlete,
		AmountCents:            10000,
		DeliverableDescription: "two sponsored posts",
	})
	require.NoError(t, err)
	return d
}

func (h *harness) accepted(t *testing.T) *models.Deal {
	t.Helper()
	d, err := h.o.AcceptDeal(context.Background(), h.create(t).ID, business)
	require.NoError(t, err)
	return d
}

func (h *harness) webhook(ev providers.ProviderEvent) (*escrow.WebhookResult, error) {
	payload, sig := fakegateway.SignedEvent(ev, secret)
	return h.o.HandleWebhook(context.Background(), payload, sig)
}

func (h *harness) succeed(t *testing.T, d *models.Deal, eventID string) {
	t.Helper()
	_, err := h.webhook(providers.ProviderEvent{
		EventID:           eventID,
		ProviderPaymentID: *d.PaymentIntentID,
		Kind:              providers.EventSucceeded,
		AmountCents:       d.AmountCents,
		Currency:          d.Currency,
		Metadata:          map[string]string{providers.MetadataDealID: d.ID},
	})
	require.NoError(t, err)
}

func (h *harness) deal(t *testing.T, id string) *models.Deal {
	t.Helper()
	d, err := h.ledger.GetDeal(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (h *harness) payments(t *testing.T, dealID string) []*models.Payment {
	t.Helper()
	ps, err := h.ledger.ListPayments(context.Background(), dealID)
	require.NoError(t, err)
	return ps
}

func TestCreateDeal(t *testing.T) {
	h := newHarness(t)
	d := h.create(t)

	assert.Equal(t, models.DealProposed, d.Status)
	assert.Equal(t, int64(1000), d.ServiceFeeCents)
	assert.Equal(t, "usd", d.Currency)
	assert.Nil(t, d.PaymentIntentID)
	assert.Equal(t, []string{notify.KindDealCreated}, h.sink.Kinds(d.ID))

	stored := h.deal(t, d.ID)
	assert.Equal(t, d.ID, stored.ID)
}

func TestCreateDealValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for name, in := range map[string]escrow.CreateDealInput{
		"zero amount":    {BusinessID: business, AthleteID: athlete, AmountCents: 0},
		"missing party":  {BusinessID: business, AmountCents: 100},
		"same party":     {BusinessID: business, AthleteID: business, AmountCents: 100},
		"negative value": {BusinessID: business, AthleteID: athlete, AmountCents: -5},
	} {
		_, err := h.o.CreateDeal(ctx, in)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput, name)
	}
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.accepted(t)
	require.NotNil(t, d.PaymentIntentID)
	assert.Equal(t, models.DealAccepted, d.Status)

	ps := h.payments(t, d.ID)
	require.Len(t, ps, 1)
	assert.Equal(t, models.PaymentInitiated, ps[0].Status)
	assert.Equal(t, 1, ps[0].Attempt)
	assert.Equal(t, *d.PaymentIntentID, ps[0].ID)

	h.succeed(t, d, "evt_1")
	assert.Equal(t, models.DealAccepted, h.deal(t, d.ID).Status, "funding success does not move the deal")

	d, err := h.o.SubmitDeliverable(ctx, d.ID, athlete, "https://cdn.example/proof.jpg")
	require.NoError(t, err)
	assert.Equal(t, models.DealDelivered, d.Status)
	require.NotNil(t, d.ProofURL)

	d, err = h.o.Verify(ctx, d.ID, business)
	require.NoError(t, err)
	assert.Equal(t, models.DealVerified, d.Status)

	d, err = h.o.ReleasePayment(ctx, d.ID, business)
	require.NoError(t, err)
	assert.Equal(t, models.DealPaid, d.Status)
	assert.True(t, h.gw.Captured(*d.PaymentIntentID))

	stored := h.deal(t, d.ID)
	assert.Equal(t, models.DealPaid, stored.Status)
	require.NotNil(t, stored.PaidAt)

	stamps := []*time.Time{stored.AcceptedAt, stored.DeliveredAt, stored.VerifiedAt, stored.PaidAt}
	prev := stored.CreatedAt
	for _, s := range stamps {
		require.NotNil(t, s)
		assert.False(t, s.Before(prev))
		prev = *s
	}
	assert.Nil(t, stored.CancelledAt)

	p, err := h.ledger.GetPayment(ctx, *stored.PaymentIntentID)
	require.NoError(t, err)
	assert.NotNil(t, p.CapturedAt)

	assert.Equal(t, []string{
		notify.KindDealCreated,
		notify.KindDealAccepted,
		notify.KindPaymentSucceeded,
		notify.KindDealDelivered,
		notify.KindDealVerified,
		notify.KindDealPaid,
	}, h.sink.Kinds(d.ID))
}

func TestSubmitDeliverableOnProposed(t *testing.T) {
	h := newHarness(t)
	d := h.create(t)

	_, err := h.o.SubmitDeliverable(context.Background(), d.ID, athlete, "https://proof")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	assert.Equal(t, models.DealProposed, h.deal(t, d.ID).Status)
}

func TestSubmitDeliverableRequiresProof(t *testing.T) {
	h := newHarness(t)
	d := h.accepted(t)

	_, err := h.o.SubmitDeliverable(context.Background(), d.ID, athlete, " ")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Equal(t, models.DealAccepted, h.deal(t, d.ID).Status)
}

func TestPartyChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.create(t)

	_, err := h.o.AcceptDeal(ctx, d.ID, athlete)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	_, err = h.o.AcceptDeal(ctx, d.ID, "")
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	assert.Equal(t, 0, h.gw.Calls("CreateIntent"))

	d, err = h.o.AcceptDeal(ctx, d.ID, business)
	require.NoError(t, err)

	_, err = h.o.SubmitDeliverable(ctx, d.ID, business, "https://proof")
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	_, err = h.o.Cancel(ctx, d.ID, "stranger")
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
}

func TestUnknownDeal(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.AcceptDeal(context.Background(), "nope", business)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = h.o.ListPayments(context.Background(), "nope")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestWebhookIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.accepted(t)

	ev := providers.ProviderEvent{
		EventID:           "evt_1",
		ProviderPaymentID: *d.PaymentIntentID,
		Kind:              providers.EventSucceeded,
		AmountCents:       d.AmountCents,
		Currency:          "usd",
	}
	res, err := h.webhook(ev)
	require.NoError(t, err)
	assert.Equal(t, escrow.OutcomeApplied, res.Outcome)

	before, err := h.ledger.GetPayment(ctx, *d.PaymentIntentID)
	require.NoError(t, err)

	res, err = h.webhook(ev)
	require.NoError(t, err)
	assert.Equal(t, escrow.OutcomeDuplicate, res.Outcome)

	after, err := h.ledger.GetPayment(ctx, *d.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, []string{"evt_1"}, []string(after.ProviderEventLog))
	assert.Equal(t, models.PaymentSucceeded, after.Status)
	assert.Equal(t, models.DealAccepted, h.deal(t, d.ID).Status)
}

func TestAcceptRetryAfterGatewayFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.create(t)

	h.gw.SetUnavailable(true)
	_, err := h.o.AcceptDeal(ctx, d.ID, business)
	require.ErrorIs(t, err, apperrors.ErrGatewayUnavailable)
	assert.True(t, apperrors.KindOf(err).Retryable())

	stored := h.deal(t, d.ID)
	assert.Equal(t, models.DealProposed, stored.Status)
	assert.Nil(t, stored.PaymentIntentID)
	assert.Empty(t, h.payments(t, d.ID))

	h.gw.SetUnavailable(false)
	accepted, err := h.o.AcceptDeal(ctx, d.ID, business)
	require.NoError(t, err)
	assert.Equal(t, models.DealAccepted, accepted.Status)
	assert.Len(t, h.payments(t, d.ID), 1)
	assert.Equal(t, 1, h.gw.IntentCount())
}

func TestAcceptRetryReusesIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.create(t)

	var keys []string
	h.gw.OnCreateIntent = func(req providers.IntentRequest) { keys = append(keys, req.IdempotencyKey) }

	h.gw.SetRejecting(true)
	_, err := h.o.AcceptDeal(ctx, d.ID, business)
	require.ErrorIs(t, err, apperrors.ErrGatewayRejected)

	h.gw.SetRejecting(false)
	_, err = h.o.AcceptDeal(ctx, d.ID, business)
	require.NoError(t, err)

	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])
}

func TestGatewayTimeoutIsUnavailable(t *testing.T) {
	h := newHarness(t, func(o *escrow.Options) { o.GatewayTimeout = 20 * time.Millisecond })
	d := h.create(t)

	h.gw.OnCreateIntent = func(providers.IntentRequest) { time.Sleep(100 * time.Millisecond) }
	_, err := h.o.AcceptDeal(context.Background(), d.ID, business)
	assert.ErrorIs(t, err, apperrors.ErrGatewayUnavailable)
	assert.Equal(t, models.DealProposed, h.deal(t, d.ID).Status)
	assert.Empty(t, h.payments(t, d.ID))
}

func TestConcurrentAccepts(t *testing.T) {
	h := newHarness(t)
	d := h.create(t)

	var arrived sync.WaitGroup
	arrived.Add(2)
	h.gw.OnCreateIntent = func(providers.IntentRequest) {
		arrived.Done()
		arrived.Wait()
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.o.AcceptDeal(context.Background(), d.ID, business)
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperrors.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	assert.Len(t, h.payments(t, d.ID), 1)
	assert.Equal(t, 1, h.gw.IntentCount())
	assert.Equal(t, models.DealAccepted, h.deal(t, d.ID).Status)
}

func TestFailedWebhookThenReleaseFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.accepted(t)
	paymentID := *d.PaymentIntentID

	_, err := h.webhook(providers.ProviderEvent{
		EventID:           "evt_fail",
		ProviderPaymentID: paymentID,
		Kind:              providers.EventFailed,
	})
	require.NoError(t, err)

	stored := h.deal(t, d.ID)
	assert.Equal(t, models.DealPaymentFailed, stored.Status)
	assert.Nil(t, stored.PaymentIntentID)

	p, err := h.ledger.GetPayment(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, p.Status)
	assert.NotNil(t, p.FailedAt)

	_, err = h.o.ReleasePayment(ctx, d.ID, business)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	assert.Equal(t, 0, h.gw.Calls("CapturePayment"))
	assert.Contains(t, h.sink.Kinds(d.ID), notify.KindDealPaymentFailed)
}

func TestRetryPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.accepted(t)
	first := *d.PaymentIntentID

	_, err := h.webhook(providers.ProviderEvent{EventID: "evt_fail", ProviderPaymentID: first, Kind: providers.EventFailed})
	require.NoError(t, err)

	d, err = h.o.RetryPayment(ctx, d.ID, business)
	require.NoError(t, err)
	assert.Equal(t, models.DealAccepted, d.Status)
	require.NotNil(t, d.PaymentIntentID)
	assert.NotEqual(t, first, *d.PaymentIntentID)

	ps := h.payments(t, d.ID)
	require.Len(t, ps, 2)
	assert.Equal(t, 1, ps[0].Attempt)
	assert.Equal(t, 2, ps[1].Attempt)
	assert.NotEqual(t, ps[0].IdempotencyKey, ps[1].IdempotencyKey)

	stored := h.deal(t, d.ID)
	accepted := h.payments(t, d.ID)[0].CreatedAt
	require.NotNil(t, stored.AcceptedAt)
	assert.True(t, stored.AcceptedAt.Equal(accepted), "acceptedAt is set once")

	_, err = h.o.RetryPayment(ctx, d.ID, business)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestLateFailureOfReplacedPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.accepted(t)
	first := *d.PaymentIntentID

	_, err := h.webhook(providers.ProviderEvent{EventID: "evt_1", ProviderPaymentID: first, Kind: providers.EventFailed})
	require.NoError(t, err)
	d, err = h.o.RetryPayment(ctx, d.ID, business)
	require.NoError(t, err)

	_, err = h.webhook(providers.ProviderEvent{EventID: "evt_2", ProviderPaymentID: first, Kind: providers.EventFailed})
	require.NoError(t, err)
	assert.Equal(t, models.DealAccepted, h.deal(t, d.ID).Status)
}

func TestCancel(t *testing.T) {
	t.Run("proposed", func(t *testing.T) {
		h := newHarness(t)
		d := h.create(t)

		d, err := h.o.Cancel(context.Background(), d.ID, athlete)
		require.NoError(t, err)
		assert.Equal(t, models.DealCancelled, d.Status)
		assert.NotNil(t, d.CancelledAt)
		assert.Equal(t, 0, h.gw.Calls("ReversePayment"))
		assert.Empty(t, h.payments(t, d.ID))
	})

	t.Run("accepted reverses the hold", func(t *testing.T) {
		h := newHarness(t)
		d := h.accepted(t)
		h.succeed(t, d, "evt_1")
		charge := *d.PaymentIntentID

		d, err := h.o.Cancel(context.Background(), d.ID, business)
		require.NoError(t, err)
		assert.Equal(t, models.DealCancelled, d.Status)
		assert.True(t, h.gw.Reversed(charge))

		ps := h.payments(t, d.ID)
		require.Len(t, ps, 2)
		rev := ps[1]
		assert.Equal(t, models.PaymentReversal, rev.Kind)
		assert.Equal(t, models.PaymentSucceeded, rev.Status)
		require.NotNil(t, rev.ReversesPaymentID)
		assert.Equal(t, charge, *rev.ReversesPaymentID)
		assert.Equal(t, rev.IdempotencyKey, rev.ID)

		assert.Equal(t, models.PaymentCharge, ps[0].Kind)
		assert.Equal(t, models.PaymentFailed, ps[0].Status, "a reversed charge is closed")
		assert.NotNil(t, ps[0].FailedAt)
	})

	t.Run("gateway failure aborts", func(t *testing.T) {
		h := newHarness(t)
		d := h.accepted(t)

		h.gw.SetUnavailable(true)
		_, err := h.o.Cancel(context.Background(), d.ID, business)
		assert.ErrorIs(t, err, apperrors.ErrGatewayUnavailable)
		assert.Equal(t, models.DealAccepted, h.deal(t, d.ID).Status)
		assert.Len(t, h.payments(t, d.ID), 1)
	})

	t.Run("payment failed needs no reversal", func(t *testing.T) {
		h := newHarness(t)
		d := h.accepted(t)
		_, err := h.webhook(providers.ProviderEvent{EventID: "evt_f", ProviderPaymentID: *d.PaymentIntentID, Kind: providers.EventFailed})
		require.NoError(t, err)

		d, err = h.o.Cancel(context.Background(), d.ID, business)
		require.NoError(t, err)
		assert.Equal(t, models.DealCancelled, d.Status)
		assert.Equal(t, 0, h.gw.Calls("ReversePayment"))
	})

	t.Run("delivered cannot cancel", func(t *testing.T) {
		h := newHarness(t)
		d := h.accepted(t)
		_, err := h.o.SubmitDeliverable(context.Background(), d.ID, athlete, "https://proof")
		require.NoError(t, err)

		_, err = h.o.Cancel(context.Background(), d.ID, business)
		assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	})
}

func TestSucceededAfterCancelRaisesAlert(t *testing.T) {
	h := newHarness(t)
	d := h.accepted(t)
	paymentID := *d.PaymentIntentID

	_, err := h.o.Cancel(context.Background(), d.ID, business)
	require.NoError(t, err)

	_, err = h.webhook(providers.ProviderEvent{EventID: "evt_late", ProviderPaymentID: paymentID, Kind: providers.EventSucceeded})
	require.NoError(t, err)
	assert.Contains(t, h.sink.Kinds(d.ID), notify.KindWebhookRejected)
	assert.Equal(t, models.DealCancelled, h.deal(t, d.ID).Status)
}

func TestReleaseRequiresSucceededPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.accepted(t)

	_, err := h.o.SubmitDeliverable(ctx, d.ID, athlete, "https://proof")
	require.NoError(t, err)
	_, err = h.o.Verify(ctx, d.ID, business)
	require.NoError(t, err)

	_, err = h.o.ReleasePayment(ctx, d.ID, business)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	assert.Equal(t, 0, h.gw.Calls("CapturePayment"))
	assert.Equal(t, models.DealVerified, h.deal(t, d.ID).Status)
}

func TestReleaseCaptureFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.accepted(t)
	h.succeed(t, d, "evt_1")
	_, err := h.o.SubmitDeliverable(ctx, d.ID, athlete, "https://proof")
	require.NoError(t, err)
	_, err = h.o.Verify(ctx, d.ID, business)
	require.NoError(t, err)

	h.gw.SetUnavailable(true)
	_, err = h.o.ReleasePayment(ctx, d.ID, business)
	assert.ErrorIs(t, err, apperrors.ErrGatewayUnavailable)
	assert.Equal(t, models.DealVerified, h.deal(t, d.ID).Status)

	h.gw.SetUnavailable(false)
	d, err = h.o.ReleasePayment(ctx, d.ID, business)
	require.NoError(t, err)
	assert.Equal(t, models.DealPaid, d.Status)
}

func TestAutoRelease(t *testing.T) {
	h := newHarness(t, func(o *escrow.Options) { o.AutoRelease = true })
	ctx := context.Background()
	d := h.accepted(t)
	h.succeed(t, d, "evt_1")
	_, err := h.o.SubmitDeliverable(ctx, d.ID, athlete, "https://proof")
	require.NoError(t, err)

	d, err = h.o.Verify(ctx, d.ID, business)
	require.NoError(t, err)
	assert.Equal(t, models.DealPaid, d.Status)
}

func TestAutoReleaseFailureKeepsVerified(t *testing.T) {
	h := newHarness(t, func(o *escrow.Options) { o.AutoRelease = true })
	ctx := context.Background()
	d := h.accepted(t)
	_, err := h.o.SubmitDeliverable(ctx, d.ID, athlete, "https://proof")
	require.NoError(t, err)

	d, err = h.o.Verify(ctx, d.ID, business)
	require.NoError(t, err)
	assert.Equal(t, models.DealVerified, d.Status)
	assert.Equal(t, models.DealVerified, h.deal(t, d.ID).Status)
}

func TestWebhookRejections(t *testing.T) {
	h := newHarness(t)
	d := h.accepted(t)
	paymentID := *d.PaymentIntentID

	payload, _ := fakegateway.SignedEvent(providers.ProviderEvent{EventID: "evt_1", ProviderPaymentID: paymentID, Kind: providers.EventFailed}, secret)
	_, err := h.o.HandleWebhook(context.Background(), payload, "forged")
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)

	_, err = h.webhook(providers.ProviderEvent{EventID: "evt_2", ProviderPaymentID: "fake_pi_999", Kind: providers.EventSucceeded})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = h.webhook(providers.ProviderEvent{EventID: "evt_3", ProviderPaymentID: paymentID, Kind: providers.EventFailed, AmountCents: 1})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = h.webhook(providers.ProviderEvent{
		EventID:           "evt_4",
		ProviderPaymentID: paymentID,
		Kind:              providers.EventFailed,
		Metadata:          map[string]string{providers.MetadataDealID: "other-deal"},
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	res, err := h.webhook(providers.ProviderEvent{EventID: "evt_5", Kind: "charge.dispute.created"})
	require.NoError(t, err)
	assert.Equal(t, escrow.OutcomeIgnored, res.Outcome)

	assert.Equal(t, models.DealAccepted, h.deal(t, d.ID).Status)
	p, err := h.ledger.GetPayment(context.Background(), paymentID)
	require.NoError(t, err)
	assert.Empty(t, p.ProviderEventLog)
	assert.Contains(t, h.sink.Kinds(d.ID), notify.KindWebhookRejected)
}

func TestRequiresActionWebhook(t *testing.T) {
	h := newHarness(t)
	d := h.accepted(t)

	_, err := h.webhook(providers.ProviderEvent{EventID: "evt_1", ProviderPaymentID: *d.PaymentIntentID, Kind: providers.EventRequiresAction})
	require.NoError(t, err)

	p, err := h.ledger.GetPayment(context.Background(), *d.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRequiresAction, p.Status)
	assert.Contains(t, h.sink.Kinds(d.ID), notify.KindPaymentRequiresAction)

	h.succeed(t, d, "evt_2")
	p, err = h.ledger.GetPayment(context.Background(), *d.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSucceeded, p.Status)

	_, err = h.webhook(providers.ProviderEvent{EventID: "evt_3", ProviderPaymentID: *d.PaymentIntentID, Kind: providers.EventFailed})
	require.NoError(t, err)
	p, err = h.ledger.GetPayment(context.Background(), *d.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSucceeded, p.Status, "a terminal payment never changes status")
	assert.Len(t, p.ProviderEventLog, 3)
}

func TestConfirmPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.accepted(t)

	_, err := h.o.ConfirmPayment(ctx, *d.PaymentIntentID, athlete, "pm_card_visa")
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	p, err := h.o.ConfirmPayment(ctx, *d.PaymentIntentID, business, "pm_card_visa")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSucceeded, p.Status)
	assert.Equal(t, int64(2), p.Version)
	assert.Contains(t, h.sink.Kinds(d.ID), notify.KindPaymentSucceeded)
}

func TestConfirmPaymentLeavesFailureToWebhook(t *testing.T) {
	h := newHarness(t)
	d := h.accepted(t)
	h.gw.ConfirmStatus = models.PaymentFailed

	p, err := h.o.ConfirmPayment(context.Background(), *d.PaymentIntentID, business, "pm_card_declined")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentInitiated, p.Status)
	assert.Equal(t, models.DealAccepted, h.deal(t, d.ID).Status)
}

func TestListPayments(t *testing.T) {
	h := newHarness(t)
	d := h.accepted(t)

	ps, err := h.o.ListPayments(context.Background(), d.ID)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, d.ID, ps[0].DealID)
}

func TestCancelDuringAcceptReversesIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.create(t)

	h.gw.OnCreateIntent = func(req providers.IntentRequest) {
		h.gw.OnCreateIntent = nil
		_, err := h.o.Cancel(ctx, req.DealID, athlete)
		require.NoError(t, err)
	}

	_, err := h.o.AcceptDeal(ctx, d.ID, business)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, models.DealCancelled, h.deal(t, d.ID).Status)

	require.Equal(t, 1, h.gw.IntentCount())
	assert.True(t, h.gw.Reversed("fake_pi_1"))

	ps := h.payments(t, d.ID)
	require.Len(t, ps, 2)
	assert.Equal(t, "fake_pi_1", ps[0].ID)
	assert.Equal(t, models.PaymentCharge, ps[0].Kind)
	assert.Equal(t, models.PaymentFailed, ps[0].Status)
	assert.Empty(t, ps[0].ClientActionToken)
	assert.Equal(t, models.PaymentReversal, ps[1].Kind)
	require.NotNil(t, ps[1].ReversesPaymentID)
	assert.Equal(t, "fake_pi_1", *ps[1].ReversesPaymentID)

	res, err := h.webhook(providers.ProviderEvent{EventID: "evt_late", ProviderPaymentID: "fake_pi_1", Kind: providers.EventSucceeded})
	require.NoError(t, err, "webhooks for the abandoned intent still resolve")
	assert.Equal(t, escrow.OutcomeApplied, res.Outcome)
	assert.Contains(t, h.sink.Kinds(d.ID), notify.KindWebhookRejected)
}

func TestConcurrentAcceptKeepsWinnersIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.create(t)

	h.gw.OnCreateIntent = func(providers.IntentRequest) {
		h.gw.OnCreateIntent = nil
		_, err := h.o.AcceptDeal(ctx, d.ID, business)
		require.NoError(t, err)
	}

	_, err := h.o.AcceptDeal(ctx, d.ID, business)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	stored := h.deal(t, d.ID)
	assert.Equal(t, models.DealAccepted, stored.Status)
	assert.False(t, h.gw.Reversed(*stored.PaymentIntentID))
	assert.Equal(t, 0, h.gw.Calls("ReversePayment"))
	assert.Len(t, h.payments(t, d.ID), 1)
}

// capturingGateway delivers the provider's capture webhook before
// CapturePayment returns.
type capturingGateway struct {
	*fakegateway.Gateway
	onCapture func(req providers.CaptureRequest)
}

func (g *capturingGateway) CapturePayment(ctx context.Context, req providers.CaptureRequest) error {
	if err := g.Gateway.CapturePayment(ctx, req); err != nil {
		return err
	}
	if g.onCapture != nil {
		g.onCapture(req)
	}
	return nil
}

func TestReleaseSurvivesCaptureWebhook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.accepted(t)
	h.succeed(t, d, "evt_1")
	_, err := h.o.SubmitDeliverable(ctx, d.ID, athlete, "https://proof")
	require.NoError(t, err)
	_, err = h.o.Verify(ctx, d.ID, business)
	require.NoError(t, err)

	gw := &capturingGateway{Gateway: h.gw}
	o := escrow.New(h.ledger, gw, h.sink, escrow.Options{
		ServiceFeePercent: decimal.NewFromInt(10),
		WebhookSecret:     secret,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	gw.onCapture = func(req providers.CaptureRequest) {
		payload, sig := fakegateway.SignedEvent(providers.ProviderEvent{
			EventID:           "evt_captured",
			ProviderPaymentID: req.ProviderPaymentID,
			Kind:              providers.EventSucceeded,
			AmountCents:       req.AmountCents,
			Currency:          "usd",
		}, secret)
		_, err := o.HandleWebhook(ctx, payload, sig)
		require.NoError(t, err)
	}

	paid, err := o.ReleasePayment(ctx, d.ID, business)
	require.NoError(t, err)
	assert.Equal(t, models.DealPaid, paid.Status)
	assert.Equal(t, models.DealPaid, h.deal(t, d.ID).Status)

	p, err := h.ledger.GetPayment(ctx, *d.PaymentIntentID)
	require.NoError(t, err)
	assert.NotNil(t, p.CapturedAt)
	assert.Equal(t, []string{"evt_1", "evt_captured"}, []string(p.ProviderEventLog))
}

func TestConfirmAfterCancelIsRefused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.accepted(t)
	paymentID := *d.PaymentIntentID

	_, err := h.o.Cancel(ctx, d.ID, business)
	require.NoError(t, err)

	_, err = h.o.ConfirmPayment(ctx, paymentID, business, "pm_card_visa")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	assert.Equal(t, 0, h.gw.Calls("ConfirmIntent"))

	p, err := h.ledger.GetPayment(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, p.Status)
}

func TestConfirmReplacedPaymentIsRefused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.accepted(t)
	first := *d.PaymentIntentID

	_, err := h.webhook(providers.ProviderEvent{EventID: "evt_f", ProviderPaymentID: first, Kind: providers.EventFailed})
	require.NoError(t, err)
	_, err = h.o.RetryPayment(ctx, d.ID, business)
	require.NoError(t, err)

	_, err = h.o.ConfirmPayment(ctx, first, business, "pm_card_visa")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	assert.Equal(t, 0, h.gw.Calls("ConfirmIntent"))
}
