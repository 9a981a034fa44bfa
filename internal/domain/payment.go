/**
 * @description
 * This file defines the core domain models for the payment-service. These structs
 * represent the main entities and data transfer objects (DTOs) used throughout the
 * service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Using distinct types for API requests, database models, and gateway payloads
 *   ensures clear separation of concerns and type safety.
 * - Amounts are stored as `int64` in the smallest currency unit (paisa), which
 *   avoids floating-point inaccuracies with financial data.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PaymentMethod identifies how a purchase is funded.
type PaymentMethod string

const (
	MethodCard     PaymentMethod = "card"
	MethodBkash    PaymentMethod = "bkash"
	MethodNagad    PaymentMethod = "nagad"
	MethodPayLater PaymentMethod = "pay_later"
)

// Valid reports whether the method is one the service accepts.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCard, MethodBkash, MethodNagad, MethodPayLater:
		return true
	}
	return false
}

// Synchronous reports whether the method confirms inside the purchase request
// itself. Wallet methods redirect the buyer to the gateway and settle later
// through a callback.
func (m PaymentMethod) Synchronous() bool {
	return m == MethodCard || m == MethodPayLater
}

// TransactionPrefix returns the human-traceable prefix used when generating
// transaction ids for this method.
func (m PaymentMethod) TransactionPrefix() string {
	switch m {
	case MethodCard:
		return "CARD"
	case MethodBkash:
		return "BKASH"
	case MethodNagad:
		return "NAGAD"
	case MethodPayLater:
		return "PAYL"
	default:
		return "PAY"
	}
}

// PaymentStatus models the payment lifecycle. Transitions are restricted to the
// table encoded in CanTransitionTo; refunded and failed are terminal.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentSuccess  PaymentStatus = "success"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Terminal reports whether no further transition is allowed out of the status.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentFailed || s == PaymentRefunded
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle
// transition.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	switch s {
	case PaymentPending:
		return next == PaymentSuccess || next == PaymentFailed
	case PaymentSuccess:
		return next == PaymentRefunded
	default:
		return false
	}
}

// Course is the catalog entry a payment buys access to. The catalog service
// owns everything except enrolled_count, which only this service mutates.
type Course struct {
	ID            uuid.UUID `json:"id"`
	Title         string    `json:"title"`
	Price         int64     `json:"price"` // in paisa; 0 means free
	EnrolledCount int       `json:"enrolled_count"`
	Status        string    `json:"status"` // 'active', 'archived'
}

// Free reports whether the course enrolls without a payment.
func (c *Course) Free() bool {
	return c.Price == 0
}

// Payment is the ledger record for one purchase attempt and its outcome.
// Rows are never deleted; a refund flips Status and sets RefundedAt so the
// audit trail survives the enrollment's removal.
type Payment struct {
	ID             uuid.UUID     `json:"id"`
	UserID         uuid.UUID     `json:"user_id"`
	CourseID       uuid.UUID     `json:"course_id"`
	Amount         int64         `json:"amount"` // in paisa
	Method         PaymentMethod `json:"method"`
	Status         PaymentStatus `json:"status"`
	TransactionID  string        `json:"transaction_id"`
	GatewayPayload []byte        `json:"gateway_payload,omitempty"` // opaque JSON from the gateway
	FailureReason  *string       `json:"failure_reason,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	RefundedAt     *time.Time    `json:"refunded_at,omitempty"`
}

// Enrollment grants a user access to a course. At most one live enrollment may
// exist per (user, course) pair; the database enforces this with a unique
// constraint that backstops the in-transaction existence check.
type Enrollment struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	CourseID  uuid.UUID  `json:"course_id"`
	PaymentID *uuid.UUID `json:"payment_id,omitempty"` // nil for free courses
	Progress  int        `json:"progress"`             // 0-100
	Status    string     `json:"status"`               // 'in_progress', 'completed'
	CreatedAt time.Time  `json:"created_at"`
}

// LessonProgress is bootstrapped alongside an enrollment, one row per lesson,
// and owned afterwards by progress-tracking code outside this service.
type LessonProgress struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	LessonID  uuid.UUID `json:"lesson_id"`
	CourseID  uuid.UUID `json:"course_id"`
	Completed bool      `json:"completed"`
}

// PurchaseRequest is the DTO for incoming purchase API requests.
type PurchaseRequest struct {
	CourseID       uuid.UUID       `json:"course_id"`
	Method         PaymentMethod   `json:"method"`
	Amount         int64           `json:"amount"` // in paisa
	PaymentDetails json.RawMessage `json:"payment_details,omitempty"`
}

// PurchaseResult is returned by the purchase entry point. Enrollment is nil
// when the payment is still pending gateway confirmation.
type PurchaseResult struct {
	Payment    *Payment    `json:"payment"`
	Enrollment *Enrollment `json:"enrollment,omitempty"`
}

// GatewayCallback is the parsed form of an asynchronous confirmation posted by
// a payment gateway. Reference must carry the transaction id the purchase
// handed to the gateway as its correlation token.
type GatewayCallback struct {
	Gateway    string          `json:"gateway"`
	Reference  string          `json:"reference"` // our transaction_id
	Outcome    string          `json:"outcome"`   // 'approved', 'declined'
	GatewayRef string          `json:"gateway_ref,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// CallbackAck is the acknowledgment returned to the gateway. It reports the
// payment's current status even for idempotent no-ops so gateway-side retries
// do not escalate.
type CallbackAck struct {
	Status  PaymentStatus `json:"status"`
	Applied bool          `json:"applied"`
}

// RefundRequest is the DTO for refund API requests.
type RefundRequest struct {
	Reason string `json:"reason"`
}

// PaymentListOptions controls filtering for payment history queries.
type PaymentListOptions struct {
	Limit  int
	Offset int
	Status string
	Method string
}

// CourseStats reports the denormalized enrollment counter next to the live row
// count so operators can spot drift between the two.
type CourseStats struct {
	CourseID        uuid.UUID `json:"course_id"`
	Title           string    `json:"title"`
	Price           int64     `json:"price"`
	EnrolledCount   int       `json:"enrolled_count"`
	LiveEnrollments int64     `json:"live_enrollments"`
	Consistent      bool      `json:"consistent"`
}
