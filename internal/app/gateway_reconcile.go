/**
 * @description
 * This file implements reconciliation of gateway callbacks for asynchronous
 * wallet payments. Callbacks arrive twice over: via the public HTTP endpoint
 * and, for gateways integrated through the broker, as RabbitMQ messages.
 * Both paths funnel into HandleGatewayCallback, which is idempotent: replays
 * and duplicates acknowledge the already-recorded terminal state without
 * touching it.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/coursebay/payment-service/internal/domain"
	"github.com/coursebay/payment-service/internal/store"
	"github.com/coursebay/payment-service/pkg/rabbitmq"
)

var ErrInvalidCallback = errors.New("malformed gateway callback")

const (
	CallbackOutcomeApproved = "approved"
	CallbackOutcomeDeclined = "declined"
)

// HandleGatewayCallback applies a gateway's verdict to the referenced payment.
//
// Approved callbacks settle the pending payment and materialize the enrollment
// in one transaction; declined callbacks record the failure reason. A callback
// for an unknown reference or a payment already in a terminal state is
// acknowledged with Applied=false and changes nothing, so gateway retries and
// duplicate deliveries are safe.
func (s *Service) HandleGatewayCallback(ctx context.Context, cb domain.GatewayCallback) (*domain.CallbackAck, error) {
	reference := strings.TrimSpace(cb.Reference)
	if reference == "" {
		return nil, ErrInvalidCallback
	}

	switch strings.ToLower(strings.TrimSpace(cb.Outcome)) {
	case CallbackOutcomeApproved:
		payment, enrollment, applied, err := s.repo.SettlePendingPaymentAtomic(ctx, reference, cb.Raw)
		if errors.Is(err, store.ErrPaymentNotFound) {
			// Unknown references get the same neutral ack as duplicates.
			log.Printf("level=warn component=gateway_reconcile msg=\"callback for unknown reference ignored\" gateway=%s transaction_id=%s", cb.Gateway, reference)
			return &domain.CallbackAck{Applied: false}, nil
		}
		if errors.Is(err, store.ErrAlreadyEnrolled) {
			// The user enrolled through another path while this payment sat
			// pending. Retrying can never succeed, so acknowledge and flag the
			// payment for manual reconciliation.
			log.Printf("level=warn component=gateway_reconcile msg=\"approval for already-enrolled user needs reconciliation\" gateway=%s transaction_id=%s", cb.Gateway, reference)
			return &domain.CallbackAck{Applied: false}, nil
		}
		if err != nil {
			log.Printf("level=warn component=gateway_reconcile msg=\"settlement failed\" gateway=%s transaction_id=%s err=%v", cb.Gateway, reference, err)
			return nil, err
		}
		if !applied {
			log.Printf("level=info component=gateway_reconcile msg=\"duplicate approval ignored\" transaction_id=%s status=%s", reference, payment.Status)
			return &domain.CallbackAck{Status: payment.Status, Applied: false}, nil
		}
		log.Printf("level=info component=gateway_reconcile msg=\"payment settled\" transaction_id=%s enrollment_id=%s", reference, enrollment.ID)
		s.publishEnrollmentCompleted(ctx, payment, enrollment)
		return &domain.CallbackAck{Status: payment.Status, Applied: true}, nil

	case CallbackOutcomeDeclined:
		reason := strings.TrimSpace(cb.Reason)
		if reason == "" {
			reason = "declined by gateway"
		}
		payment, applied, err := s.repo.FailPendingPayment(ctx, reference, reason)
		if errors.Is(err, store.ErrPaymentNotFound) {
			log.Printf("level=warn component=gateway_reconcile msg=\"callback for unknown reference ignored\" gateway=%s transaction_id=%s", cb.Gateway, reference)
			return &domain.CallbackAck{Applied: false}, nil
		}
		if err != nil {
			log.Printf("level=warn component=gateway_reconcile msg=\"decline handling failed\" gateway=%s transaction_id=%s err=%v", cb.Gateway, reference, err)
			return nil, err
		}
		if !applied {
			log.Printf("level=info component=gateway_reconcile msg=\"duplicate decline ignored\" transaction_id=%s status=%s", reference, payment.Status)
			return &domain.CallbackAck{Status: payment.Status, Applied: false}, nil
		}
		log.Printf("level=info component=gateway_reconcile msg=\"payment marked failed\" transaction_id=%s reason=%q", reference, reason)
		if err := s.events.Publish(ctx, rabbitmq.EventsExchange, rabbitmq.RoutingKeyPaymentFailed, rabbitmq.PaymentFailedEvent{
			PaymentID:     payment.ID,
			UserID:        payment.UserID,
			CourseID:      payment.CourseID,
			TransactionID: payment.TransactionID,
			Reason:        reason,
			Timestamp:     time.Now().UTC(),
		}); err != nil {
			log.Printf("level=warn component=gateway_reconcile msg=\"failure event publish failed\" transaction_id=%s err=%v", reference, err)
		}
		return &domain.CallbackAck{Status: payment.Status, Applied: true}, nil

	default:
		return nil, ErrInvalidCallback
	}
}

// HandleGatewayCallbackMessage adapts HandleGatewayCallback to the broker
// consumer contract. Returning false requeues the delivery, so it only does
// that for errors that can succeed on retry; permanent outcomes such as
// malformed payloads, unknown references and already-enrolled users are
// acknowledged after logging.
func (s *Service) HandleGatewayCallbackMessage(body []byte) bool {
	var cb domain.GatewayCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		log.Printf("level=error component=gateway_reconcile msg=\"unparseable callback message dropped\" err=%v", err)
		return true
	}
	if len(cb.Raw) == 0 {
		cb.Raw = json.RawMessage(body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.HandleGatewayCallback(ctx, cb)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrInvalidCallback):
		log.Printf("level=error component=gateway_reconcile msg=\"callback message dropped\" transaction_id=%s err=%v", cb.Reference, err)
		return true
	default:
		return false
	}
}
