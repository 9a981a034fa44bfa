package app

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/coursebay/payment-service/internal/domain"
)

// newTransactionID builds the gateway correlation token for a payment, e.g.
// "BKASH-1756444800000-9f2c1a8b". The prefix identifies the payment method,
// the millisecond timestamp orders tokens and the random suffix makes them
// unguessable.
func newTransactionID(method domain.PaymentMethod) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// fall back to a timestamp-derived suffix rather than aborting.
		now := time.Now().UnixNano()
		buf = []byte{byte(now >> 24), byte(now >> 16), byte(now >> 8), byte(now)}
	}
	return fmt.Sprintf("%s-%d-%s", method.TransactionPrefix(), time.Now().UnixMilli(), hex.EncodeToString(buf))
}
