package domain

import "testing"

func TestPaymentStatusCanTransitionTo(t *testing.T) {
	tests := []struct {
		name string
		from PaymentStatus
		to   PaymentStatus
		want bool
	}{
		{name: "pending to success", from: PaymentPending, to: PaymentSuccess, want: true},
		{name: "pending to failed", from: PaymentPending, to: PaymentFailed, want: true},
		{name: "pending to refunded", from: PaymentPending, to: PaymentRefunded, want: false},
		{name: "success to refunded", from: PaymentSuccess, to: PaymentRefunded, want: true},
		{name: "success to failed", from: PaymentSuccess, to: PaymentFailed, want: false},
		{name: "success to pending", from: PaymentSuccess, to: PaymentPending, want: false},
		{name: "refunded is terminal", from: PaymentRefunded, to: PaymentSuccess, want: false},
		{name: "failed is terminal", from: PaymentFailed, to: PaymentSuccess, want: false},
		{name: "failed cannot refund", from: PaymentFailed, to: PaymentRefunded, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Fatalf("expected %s->%s allowed=%t, got %t", tt.from, tt.to, tt.want, got)
			}
		})
	}
}

func TestPaymentStatusTerminal(t *testing.T) {
	if PaymentPending.Terminal() || PaymentSuccess.Terminal() {
		t.Fatal("pending and success must not be terminal")
	}
	if !PaymentFailed.Terminal() || !PaymentRefunded.Terminal() {
		t.Fatal("failed and refunded must be terminal")
	}
}

func TestPaymentMethod(t *testing.T) {
	tests := []struct {
		method      PaymentMethod
		valid       bool
		synchronous bool
		prefix      string
	}{
		{method: MethodCard, valid: true, synchronous: true, prefix: "CARD"},
		{method: MethodPayLater, valid: true, synchronous: true, prefix: "PAYL"},
		{method: MethodBkash, valid: true, synchronous: false, prefix: "BKASH"},
		{method: MethodNagad, valid: true, synchronous: false, prefix: "NAGAD"},
		{method: PaymentMethod("paypal"), valid: false, synchronous: false, prefix: "PAY"},
	}

	for _, tt := range tests {
		t.Run(string(tt.method), func(t *testing.T) {
			if got := tt.method.Valid(); got != tt.valid {
				t.Fatalf("expected valid=%t, got %t", tt.valid, got)
			}
			if got := tt.method.Synchronous(); got != tt.synchronous {
				t.Fatalf("expected synchronous=%t, got %t", tt.synchronous, got)
			}
			if got := tt.method.TransactionPrefix(); got != tt.prefix {
				t.Fatalf("expected prefix=%q, got %q", tt.prefix, got)
			}
		})
	}
}
