package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/coursebay/payment-service/internal/domain"
	"github.com/coursebay/payment-service/internal/store"
)

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	mu       sync.Mutex
	routings []string
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routings = append(p.routings, routingKey)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.routings...)
}

func TestHandleGatewayCallbackApproved(t *testing.T) {
	payment := &domain.Payment{ID: uuid.New(), UserID: uuid.New(), CourseID: uuid.New(), Status: domain.PaymentSuccess, TransactionID: "BKASH-1-abcd1234"}
	enrollment := &domain.Enrollment{ID: uuid.New(), UserID: payment.UserID, CourseID: payment.CourseID}
	repo := &stubRepository{
		settlePending: func(ctx context.Context, transactionID string, gatewayPayload []byte) (*domain.Payment, *domain.Enrollment, bool, error) {
			if transactionID != payment.TransactionID {
				t.Fatalf("unexpected transaction id %q", transactionID)
			}
			return payment, enrollment, true, nil
		},
	}
	pub := &recordingPublisher{}
	svc := NewService(repo, pub)

	ack, err := svc.HandleGatewayCallback(context.Background(), domain.GatewayCallback{
		Gateway:   "bkash",
		Reference: payment.TransactionID,
		Outcome:   "approved",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ack.Applied {
		t.Fatal("expected callback to be applied")
	}
	if ack.Status != domain.PaymentSuccess {
		t.Fatalf("expected success status, got %s", ack.Status)
	}
	keys := pub.published()
	if len(keys) != 1 || keys[0] != "course.enrollment.completed" {
		t.Fatalf("expected enrollment completed event, got %v", keys)
	}
}

func TestHandleGatewayCallbackDuplicateIsNoOp(t *testing.T) {
	payment := &domain.Payment{ID: uuid.New(), Status: domain.PaymentSuccess, TransactionID: "NAGAD-1-abcd1234"}
	repo := &stubRepository{
		settlePending: func(ctx context.Context, transactionID string, gatewayPayload []byte) (*domain.Payment, *domain.Enrollment, bool, error) {
			return payment, nil, false, nil
		},
	}
	pub := &recordingPublisher{}
	svc := NewService(repo, pub)

	ack, err := svc.HandleGatewayCallback(context.Background(), domain.GatewayCallback{
		Reference: payment.TransactionID,
		Outcome:   "approved",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack.Applied {
		t.Fatal("expected duplicate callback not to be applied")
	}
	if len(pub.published()) != 0 {
		t.Fatal("expected no events for duplicate callback")
	}
}

func TestHandleGatewayCallbackDeclined(t *testing.T) {
	payment := &domain.Payment{ID: uuid.New(), Status: domain.PaymentFailed, TransactionID: "BKASH-1-abcd1234"}
	var gotReason string
	repo := &stubRepository{
		failPending: func(ctx context.Context, transactionID, reason string) (*domain.Payment, bool, error) {
			gotReason = reason
			return payment, true, nil
		},
	}
	pub := &recordingPublisher{}
	svc := NewService(repo, pub)

	ack, err := svc.HandleGatewayCallback(context.Background(), domain.GatewayCallback{
		Reference: payment.TransactionID,
		Outcome:   "declined",
		Reason:    "insufficient wallet balance",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ack.Applied {
		t.Fatal("expected decline to be applied")
	}
	if gotReason != "insufficient wallet balance" {
		t.Fatalf("unexpected reason %q", gotReason)
	}
	keys := pub.published()
	if len(keys) != 1 || keys[0] != "course.payment.failed" {
		t.Fatalf("expected payment failed event, got %v", keys)
	}
}

func TestHandleGatewayCallbackDeclinedDefaultReason(t *testing.T) {
	var gotReason string
	repo := &stubRepository{
		failPending: func(ctx context.Context, transactionID, reason string) (*domain.Payment, bool, error) {
			gotReason = reason
			return &domain.Payment{Status: domain.PaymentFailed}, true, nil
		},
	}
	svc := NewService(repo, nil)

	if _, err := svc.HandleGatewayCallback(context.Background(), domain.GatewayCallback{
		Reference: "BKASH-1-abcd1234",
		Outcome:   "DECLINED",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotReason != "declined by gateway" {
		t.Fatalf("expected default reason, got %q", gotReason)
	}
}

func TestHandleGatewayCallbackUnknownReferenceAcked(t *testing.T) {
	repo := &stubRepository{
		settlePending: func(ctx context.Context, transactionID string, gatewayPayload []byte) (*domain.Payment, *domain.Enrollment, bool, error) {
			return nil, nil, false, store.ErrPaymentNotFound
		},
		failPending: func(ctx context.Context, transactionID, reason string) (*domain.Payment, bool, error) {
			return nil, false, store.ErrPaymentNotFound
		},
	}
	pub := &recordingPublisher{}
	svc := NewService(repo, pub)

	for _, outcome := range []string{"approved", "declined"} {
		ack, err := svc.HandleGatewayCallback(context.Background(), domain.GatewayCallback{
			Reference: "BKASH-1-ffffffff",
			Outcome:   outcome,
		})
		if err != nil {
			t.Fatalf("expected neutral ack for unknown reference (%s), got %v", outcome, err)
		}
		if ack.Applied {
			t.Fatalf("expected applied=false for unknown reference (%s)", outcome)
		}
	}
	if len(pub.published()) != 0 {
		t.Fatal("expected no events for unknown reference")
	}
}

func TestHandleGatewayCallbackAlreadyEnrolledAcked(t *testing.T) {
	repo := &stubRepository{
		settlePending: func(ctx context.Context, transactionID string, gatewayPayload []byte) (*domain.Payment, *domain.Enrollment, bool, error) {
			return nil, nil, false, store.ErrAlreadyEnrolled
		},
	}
	pub := &recordingPublisher{}
	svc := NewService(repo, pub)

	ack, err := svc.HandleGatewayCallback(context.Background(), domain.GatewayCallback{
		Gateway:   "bkash",
		Reference: "BKASH-1-abcd1234",
		Outcome:   "approved",
	})
	if err != nil {
		t.Fatalf("expected neutral ack when user already enrolled, got %v", err)
	}
	if ack.Applied {
		t.Fatal("expected applied=false when user already enrolled")
	}
	if len(pub.published()) != 0 {
		t.Fatal("expected no events when user already enrolled")
	}
}

func TestHandleGatewayCallbackMalformed(t *testing.T) {
	svc := NewService(&stubRepository{}, nil)

	tests := []struct {
		name string
		cb   domain.GatewayCallback
	}{
		{"empty reference", domain.GatewayCallback{Outcome: "approved"}},
		{"unknown outcome", domain.GatewayCallback{Reference: "BKASH-1-abcd1234", Outcome: "maybe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.HandleGatewayCallback(context.Background(), tt.cb); !errors.Is(err, ErrInvalidCallback) {
				t.Fatalf("expected ErrInvalidCallback, got %v", err)
			}
		})
	}
}

func TestHandleGatewayCallbackMessage(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		settleErr error
		wantAck   bool
	}{
		{
			name:    "valid approval acked",
			body:    `{"reference":"BKASH-1-abcd1234","outcome":"approved"}`,
			wantAck: true,
		},
		{
			name:    "unparseable payload dropped",
			body:    `{not json`,
			wantAck: true,
		},
		{
			name:      "unknown payment acked",
			body:      `{"reference":"BKASH-1-abcd1234","outcome":"approved"}`,
			settleErr: store.ErrPaymentNotFound,
			wantAck:   true,
		},
		{
			name:      "already enrolled acked",
			body:      `{"reference":"BKASH-1-abcd1234","outcome":"approved"}`,
			settleErr: store.ErrAlreadyEnrolled,
			wantAck:   true,
		},
		{
			name:      "timeout requeued",
			body:      `{"reference":"BKASH-1-abcd1234","outcome":"approved"}`,
			settleErr: store.ErrTransactionTimeout,
			wantAck:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &stubRepository{
				settlePending: func(ctx context.Context, transactionID string, gatewayPayload []byte) (*domain.Payment, *domain.Enrollment, bool, error) {
					if tt.settleErr != nil {
						return nil, nil, false, tt.settleErr
					}
					return &domain.Payment{Status: domain.PaymentSuccess}, &domain.Enrollment{ID: uuid.New()}, true, nil
				},
			}
			svc := NewService(repo, nil)
			if got := svc.HandleGatewayCallbackMessage([]byte(tt.body)); got != tt.wantAck {
				t.Fatalf("expected ack=%t, got %t", tt.wantAck, got)
			}
		})
	}
}
