/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the payment-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/coursebay/payment-service/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with the database.
//
// The *Atomic methods each run inside one database transaction with bounded
// acquire/commit deadlines; any failure inside them rolls the whole operation
// back, so no partial payment/enrollment/counter state is ever observable.
type Repository interface {
	// Catalog reads
	FindCourseByID(ctx context.Context, courseID uuid.UUID) (*domain.Course, error)

	// Payment reads
	FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)
	FindPaymentByTransactionID(ctx context.Context, transactionID string) (*domain.Payment, error)
	FindPaymentsByUserID(ctx context.Context, userID uuid.UUID, opts domain.PaymentListOptions) ([]domain.Payment, error)

	// Enrollment reads
	FindEnrollment(ctx context.Context, userID, courseID uuid.UUID) (*domain.Enrollment, error)
	CountCourseEnrollments(ctx context.Context, courseID uuid.UUID) (int64, error)

	// PurchaseCourseAtomic executes the purchase sequence in one transaction:
	// enrollment existence check, course lock + price validation, payment
	// insert, and, when the payment arrives already confirmed, enrollment
	// insert, lesson-progress bootstrap and counter increment. Returns the
	// created enrollment, or nil when the payment was inserted pending.
	PurchaseCourseAtomic(ctx context.Context, payment *domain.Payment) (*domain.Enrollment, error)

	// EnrollFreeAtomic creates a free enrollment plus its lesson-progress rows
	// and increments the course counter, all in one transaction.
	EnrollFreeAtomic(ctx context.Context, enrollment *domain.Enrollment) error

	// SettlePendingPaymentAtomic confirms a pending payment located by its
	// transaction id: flips it to success, creates the enrollment and
	// lesson-progress rows and increments the counter in one transaction.
	// Returns applied=false without error when the payment is already in a
	// terminal or success state (idempotent replay).
	SettlePendingPaymentAtomic(ctx context.Context, transactionID string, gatewayPayload []byte) (*domain.Payment, *domain.Enrollment, bool, error)

	// FailPendingPayment transitions a pending payment to failed. Returns
	// applied=false without error when the payment already left pending.
	FailPendingPayment(ctx context.Context, transactionID, reason string) (*domain.Payment, bool, error)

	// RefundPaymentAtomic reverses a successful payment in one transaction:
	// status to refunded, enrollment and lesson-progress rows deleted, counter
	// decremented. The state check runs under a row lock so a concurrent
	// settlement or second refund loses cleanly.
	RefundPaymentAtomic(ctx context.Context, paymentID uuid.UUID, refundedAt time.Time) (*domain.Payment, error)
}
