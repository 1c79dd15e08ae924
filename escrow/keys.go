package escrow

import (
	"fmt"

	"github.com/google/uuid"

	"dealpay/models"
)

// keySpace namespaces every idempotency key this service sends to a
// payment provider.
var keySpace = uuid.MustParse("6f1d7c1e-3a53-4c8e-9d59-2d8b5f0c4a71")

// chargeKey is stable for a given deal and attempt, so a command retried
// after a gateway failure asks the provider for the same intent again.
func chargeKey(dealID string, attempt int) string {
	return uuid.NewSHA1(keySpace, []byte(fmt.Sprintf("%s:charge:%d", dealID, attempt))).String()
}

func captureKey(paymentID string) string {
	return uuid.NewSHA1(keySpace, []byte(paymentID+":capture")).String()
}

func reversalKey(paymentID string) string {
	return uuid.NewSHA1(keySpace, []byte(paymentID+":reversal")).String()
}

// nextAttempt is one more than the number of charges already recorded.
func nextAttempt(payments []*models.Payment) int {
	n := 0
	for _, p := range payments {
		if p.Kind == models.PaymentCharge {
			n++
		}
	}
	return n + 1
}
