/**
 * @description
 * This file implements the refund flow. A refund reverses both sides of a
 * purchase in one database transaction: the payment moves to refunded and the
 * enrollment, its lesson progress and the course counter are rolled back.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/coursebay/payment-service/internal/domain"
	"github.com/coursebay/payment-service/internal/store"
	"github.com/coursebay/payment-service/pkg/rabbitmq"
)

// RefundWindow is how long after the original payment a refund is accepted.
const RefundWindow = 7 * 24 * time.Hour

// RefundPayment refunds a successful payment and revokes the enrollment it
// bought. Only the paying user or an admin may request it, and only while the
// payment is younger than RefundWindow. Admins are bound by the window too.
func (s *Service) RefundPayment(ctx context.Context, requesterID uuid.UUID, isAdmin bool, paymentID uuid.UUID, req domain.RefundRequest) (*domain.Payment, error) {
	payment, err := s.repo.FindPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}

	if !isAdmin && payment.UserID != requesterID {
		log.Printf("level=warn component=refund msg=\"refund denied\" payment_id=%s requester_id=%s owner_id=%s", paymentID, requesterID, payment.UserID)
		return nil, ErrUnauthorizedRefund
	}

	if !payment.Status.CanTransitionTo(domain.PaymentRefunded) {
		return nil, store.ErrInvalidPaymentState
	}

	refundedAt := s.now().UTC()
	if refundedAt.Sub(payment.CreatedAt) > RefundWindow {
		return nil, ErrRefundWindowExpired
	}

	refunded, err := s.repo.RefundPaymentAtomic(ctx, paymentID, refundedAt)
	if err != nil {
		log.Printf("level=warn component=refund msg=\"refund rejected\" payment_id=%s err=%v", paymentID, err)
		return nil, err
	}
	log.Printf("level=info component=refund msg=\"payment refunded\" payment_id=%s transaction_id=%s amount=%d reason=%q", refunded.ID, refunded.TransactionID, refunded.Amount, req.Reason)

	if err := s.events.Publish(ctx, rabbitmq.EventsExchange, rabbitmq.RoutingKeyPaymentRefunded, rabbitmq.PaymentRefundedEvent{
		PaymentID:     refunded.ID,
		UserID:        refunded.UserID,
		CourseID:      refunded.CourseID,
		Amount:        refunded.Amount,
		TransactionID: refunded.TransactionID,
		Timestamp:     refundedAt,
	}); err != nil {
		log.Printf("level=warn component=refund msg=\"refund event publish failed\" payment_id=%s err=%v", refunded.ID, err)
	}

	return refunded, nil
}
