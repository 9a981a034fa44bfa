/**
 * @description
 * This file contains the core business logic for the payment-service. The `Service`
 * struct orchestrates the purchase and enrollment flows, coordinating between the
 * database repository and the message broker.
 *
 * Key features:
 * - Implements the main use cases: paid course purchase and free enrollment.
 * - Decides synchronous vs asynchronous settlement per payment method: card and
 *   pay-later settle inside the purchase transaction, mobile wallets stay pending
 *   until the gateway callback arrives.
 * - Publishes events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/coursebay/payment-service/internal/domain"
	"github.com/coursebay/payment-service/internal/store"
	"github.com/coursebay/payment-service/pkg/rabbitmq"
)

var (
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
	ErrInvalidAmount            = errors.New("amount must be a positive number of paisa")
	ErrUnauthorizedRefund       = errors.New("payment does not belong to the requesting user")
	ErrRefundWindowExpired      = errors.New("refund window has expired")
)

// Service provides the core business logic for payments and enrollments.
type Service struct {
	repo   store.Repository
	events rabbitmq.Publisher
	now    func() time.Time
}

// NewService creates a new payment service instance. A nil producer is
// replaced with the no-op fallback so callers and tests can skip the broker.
func NewService(repo store.Repository, producer rabbitmq.Publisher) *Service {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	return &Service{repo: repo, events: producer, now: time.Now}
}

// Purchase handles a paid course purchase for the given user.
//
// For synchronous methods (card, pay_later) the payment is written as success
// and the enrollment materializes in the same database transaction. For wallet
// methods (bkash, nagad) the payment is written as pending and the enrollment
// is deferred until the gateway callback confirms it.
func (s *Service) Purchase(ctx context.Context, userID uuid.UUID, req domain.PurchaseRequest) (*domain.PurchaseResult, error) {
	log.Printf("level=info component=service msg=\"starting purchase\" user_id=%s course_id=%s method=%s amount=%d", userID, req.CourseID, req.Method, req.Amount)

	if !req.Method.Valid() {
		return nil, ErrUnsupportedPaymentMethod
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	status := domain.PaymentPending
	if req.Method.Synchronous() {
		status = domain.PaymentSuccess
	}

	payment := &domain.Payment{
		ID:             uuid.New(),
		UserID:         userID,
		CourseID:       req.CourseID,
		Amount:         req.Amount,
		Method:         req.Method,
		Status:         status,
		TransactionID:  newTransactionID(req.Method),
		GatewayPayload: req.PaymentDetails,
	}

	enrollment, err := s.repo.PurchaseCourseAtomic(ctx, payment)
	if err != nil {
		log.Printf("level=warn component=service msg=\"purchase rejected\" user_id=%s course_id=%s err=%v", userID, req.CourseID, err)
		return nil, err
	}

	if enrollment != nil {
		s.publishEnrollmentCompleted(ctx, payment, enrollment)
	} else {
		log.Printf("level=info component=service msg=\"payment pending gateway confirmation\" transaction_id=%s method=%s", payment.TransactionID, payment.Method)
	}

	return &domain.PurchaseResult{Payment: payment, Enrollment: enrollment}, nil
}

// EnrollFree enrolls a user into a zero-price course. Paid courses are rejected
// by the repository with ErrInsufficientAmount.
func (s *Service) EnrollFree(ctx context.Context, userID, courseID uuid.UUID) (*domain.Enrollment, error) {
	log.Printf("level=info component=service msg=\"starting free enrollment\" user_id=%s course_id=%s", userID, courseID)

	enrollment := &domain.Enrollment{UserID: userID, CourseID: courseID}
	if err := s.repo.EnrollFreeAtomic(ctx, enrollment); err != nil {
		log.Printf("level=warn component=service msg=\"free enrollment rejected\" user_id=%s course_id=%s err=%v", userID, courseID, err)
		return nil, err
	}

	s.publishEnrollmentCompleted(ctx, nil, enrollment)

	return enrollment, nil
}

// VerifyPaymentStatus returns the current state of a payment. Regular users can
// only see their own payments; admins can inspect any.
func (s *Service) VerifyPaymentStatus(ctx context.Context, requesterID uuid.UUID, isAdmin bool, paymentID uuid.UUID) (*domain.Payment, error) {
	payment, err := s.repo.FindPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	// Existence of other users' payments is not disclosed.
	if !isAdmin && payment.UserID != requesterID {
		return nil, store.ErrPaymentNotFound
	}
	return payment, nil
}

// VerifyPaymentByTransactionID resolves a payment by its gateway correlation
// token, with the same ownership rules as VerifyPaymentStatus. Clients hold
// the transaction id while a wallet payment is pending, before they learn the
// payment UUID.
func (s *Service) VerifyPaymentByTransactionID(ctx context.Context, requesterID uuid.UUID, isAdmin bool, transactionID string) (*domain.Payment, error) {
	payment, err := s.repo.FindPaymentByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	if !isAdmin && payment.UserID != requesterID {
		return nil, store.ErrPaymentNotFound
	}
	return payment, nil
}

// GetEnrollment returns the requesting user's enrollment in a course.
func (s *Service) GetEnrollment(ctx context.Context, userID, courseID uuid.UUID) (*domain.Enrollment, error) {
	enrollment, err := s.repo.FindEnrollment(ctx, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to find enrollment: %w", err)
	}
	return enrollment, nil
}

// CourseEnrollmentStats compares a course's denormalized counter against the
// live enrollment row count.
func (s *Service) CourseEnrollmentStats(ctx context.Context, courseID uuid.UUID) (*domain.CourseStats, error) {
	course, err := s.repo.FindCourseByID(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to find course: %w", err)
	}
	live, err := s.repo.CountCourseEnrollments(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to count enrollments: %w", err)
	}
	stats := &domain.CourseStats{
		CourseID:        course.ID,
		Title:           course.Title,
		Price:           course.Price,
		EnrolledCount:   course.EnrolledCount,
		LiveEnrollments: live,
		Consistent:      int64(course.EnrolledCount) == live,
	}
	if !stats.Consistent {
		log.Printf("level=warn component=service msg=\"enrollment counter drift\" course_id=%s enrolled_count=%d live=%d", courseID, course.EnrolledCount, live)
	}
	return stats, nil
}

// GetPaymentHistory lists the requesting user's payments, newest first.
func (s *Service) GetPaymentHistory(ctx context.Context, userID uuid.UUID, opts domain.PaymentListOptions) ([]domain.Payment, error) {
	payments, err := s.repo.FindPaymentsByUserID(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}

// publishEnrollmentCompleted emits the enrollment event for both the paid and
// the free path. A nil payment means a free enrollment.
func (s *Service) publishEnrollmentCompleted(ctx context.Context, payment *domain.Payment, enrollment *domain.Enrollment) {
	event := rabbitmq.EnrollmentCompletedEvent{
		EnrollmentID: enrollment.ID,
		UserID:       enrollment.UserID,
		CourseID:     enrollment.CourseID,
		Timestamp:    time.Now().UTC(),
	}
	if payment != nil {
		event.PaymentID = &payment.ID
		event.Amount = payment.Amount
	}
	if err := s.events.Publish(ctx, rabbitmq.EventsExchange, rabbitmq.RoutingKeyEnrollmentCompleted, event); err != nil {
		// The enrollment has already committed; event loss is logged, not fatal.
		log.Printf("level=warn component=service msg=\"enrollment event publish failed\" enrollment_id=%s err=%v", enrollment.ID, err)
	}
}
