/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL for the payment/enrollment tables and owns the
 * transaction boundaries for the purchase, settlement and refund sequences.
 *
 * Concurrency notes:
 * - Every multi-step operation runs inside one pgx transaction with a bounded
 *   acquire timeout and an overall deadline; expiry surfaces as
 *   ErrTransactionTimeout so callers can retry.
 * - The enrollments table carries a UNIQUE (user_id, course_id) constraint.
 *   The in-transaction existence check closes the common race; the constraint
 *   is the safety net under read-committed isolation, and violation maps to
 *   ErrAlreadyEnrolled.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coursebay/payment-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrCourseNotFound      = errors.New("course not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrEnrollmentNotFound  = errors.New("enrollment not found")
	ErrAlreadyEnrolled     = errors.New("user already enrolled in course")
	ErrInsufficientAmount  = errors.New("amount does not cover course price")
	ErrInvalidPaymentState = errors.New("payment is not in a state that allows this operation")
	ErrTransactionTimeout  = errors.New("database transaction timed out")
)

const (
	// Bounds lock contention on hot course rows; callers see
	// ErrTransactionTimeout and may retry.
	txAcquireTimeout = 5 * time.Second
	txTotalTimeout   = 10 * time.Second
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func mapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTransactionTimeout
	}
	return err
}

// beginTx opens a read-committed transaction with a bounded acquire timeout
// and returns a context carrying the overall operation deadline. The caller
// must invoke cancel on every exit path.
func (r *PostgresRepository) beginTx(ctx context.Context) (pgx.Tx, context.Context, context.CancelFunc, error) {
	txCtx, cancel := context.WithTimeout(ctx, txTotalTimeout)

	acquireCtx, acquireCancel := context.WithTimeout(txCtx, txAcquireTimeout)
	defer acquireCancel()

	tx, err := r.db.BeginTx(acquireCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		cancel()
		return nil, nil, nil, mapTimeout(err)
	}
	return tx, txCtx, cancel, nil
}

// FindCourseByID retrieves a course from the catalog tables.
func (r *PostgresRepository) FindCourseByID(ctx context.Context, courseID uuid.UUID) (*domain.Course, error) {
	var course domain.Course
	query := `SELECT id, title, price, enrolled_count, status FROM courses WHERE id = $1`
	err := r.db.QueryRow(ctx, query, courseID).Scan(
		&course.ID, &course.Title, &course.Price, &course.EnrolledCount, &course.Status,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCourseNotFound
		}
		return nil, err
	}
	return &course, nil
}

const paymentColumns = `id, user_id, course_id, amount, method, status, transaction_id,
       gateway_payload, failure_reason, created_at, refunded_at`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(
		&p.ID, &p.UserID, &p.CourseID, &p.Amount, &p.Method, &p.Status,
		&p.TransactionID, &p.GatewayPayload, &p.FailureReason, &p.CreatedAt, &p.RefundedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindPaymentByID retrieves a single payment by its UUID.
func (r *PostgresRepository) FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	p, err := scanPayment(r.db.QueryRow(ctx, query, paymentID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

// FindPaymentByTransactionID retrieves a payment by its gateway correlation token.
func (r *PostgresRepository) FindPaymentByTransactionID(ctx context.Context, transactionID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE transaction_id = $1`
	p, err := scanPayment(r.db.QueryRow(ctx, query, strings.TrimSpace(transactionID)))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

// FindPaymentsByUserID retrieves a user's payments, newest first.
func (r *PostgresRepository) FindPaymentsByUserID(ctx context.Context, userID uuid.UUID, opts domain.PaymentListOptions) ([]domain.Payment, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE user_id = $1`
	args := []interface{}{userID}
	if status := strings.TrimSpace(opts.Status); status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if method := strings.TrimSpace(opts.Method); method != "" {
		args = append(args, method)
		query += fmt.Sprintf(" AND method = $%d", len(args))
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// FindEnrollment retrieves the live enrollment for a (user, course) pair.
func (r *PostgresRepository) FindEnrollment(ctx context.Context, userID, courseID uuid.UUID) (*domain.Enrollment, error) {
	var e domain.Enrollment
	query := `
		SELECT id, user_id, course_id, payment_id, progress, status, created_at
		FROM enrollments
		WHERE user_id = $1 AND course_id = $2
	`
	err := r.db.QueryRow(ctx, query, userID, courseID).Scan(
		&e.ID, &e.UserID, &e.CourseID, &e.PaymentID, &e.Progress, &e.Status, &e.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEnrollmentNotFound
		}
		return nil, err
	}
	return &e, nil
}

// CountCourseEnrollments returns the number of live enrollments for a course.
func (r *PostgresRepository) CountCourseEnrollments(ctx context.Context, courseID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM enrollments WHERE course_id = $1`, courseID).Scan(&n)
	return n, err
}

// PurchaseCourseAtomic executes the purchase sequence described on the
// Repository interface. The payment's Status decides whether the enrollment is
// materialized now (success) or deferred to the gateway callback (pending).
func (r *PostgresRepository) PurchaseCourseAtomic(ctx context.Context, payment *domain.Payment) (*domain.Enrollment, error) {
	tx, txCtx, cancel, err := r.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer tx.Rollback(txCtx)

	// Existence check inside the transaction, not before it, so two
	// concurrent purchases for the same pair cannot both pass.
	var existing uuid.UUID
	err = tx.QueryRow(txCtx,
		`SELECT id FROM enrollments WHERE user_id = $1 AND course_id = $2`,
		payment.UserID, payment.CourseID,
	).Scan(&existing)
	if err == nil {
		return nil, ErrAlreadyEnrolled
	}
	if err != pgx.ErrNoRows {
		return nil, mapTimeout(err)
	}

	// Lock the course row: price is validated against the current price and
	// the counter update below cannot race another purchase.
	var price int64
	err = tx.QueryRow(txCtx,
		`SELECT price FROM courses WHERE id = $1 AND status = 'active' FOR UPDATE`,
		payment.CourseID,
	).Scan(&price)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCourseNotFound
		}
		return nil, mapTimeout(err)
	}
	if payment.Amount < price {
		return nil, ErrInsufficientAmount
	}

	err = tx.QueryRow(txCtx, `
		INSERT INTO payments (id, user_id, course_id, amount, method, status, transaction_id, gateway_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`,
		payment.ID, payment.UserID, payment.CourseID, payment.Amount,
		payment.Method, payment.Status, payment.TransactionID, payment.GatewayPayload,
	).Scan(&payment.CreatedAt)
	if err != nil {
		return nil, mapTimeout(err)
	}

	var enrollment *domain.Enrollment
	if payment.Status == domain.PaymentSuccess {
		enrollment, err = createEnrollmentInTx(txCtx, tx, payment.UserID, payment.CourseID, &payment.ID)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, mapTimeout(err)
	}
	return enrollment, nil
}

// createEnrollmentInTx inserts the enrollment row, bootstraps one
// lesson-progress row per lesson of the course and increments the course
// counter. Must run inside an open transaction that already locked the course.
func createEnrollmentInTx(ctx context.Context, tx pgx.Tx, userID, courseID uuid.UUID, paymentID *uuid.UUID) (*domain.Enrollment, error) {
	enrollment := &domain.Enrollment{
		ID:        uuid.New(),
		UserID:    userID,
		CourseID:  courseID,
		PaymentID: paymentID,
		Progress:  0,
		Status:    "in_progress",
	}

	err := tx.QueryRow(ctx, `
		INSERT INTO enrollments (id, user_id, course_id, payment_id, progress, status)
		VALUES ($1, $2, $3, $4, 0, 'in_progress')
		RETURNING created_at
	`, enrollment.ID, enrollment.UserID, enrollment.CourseID, enrollment.PaymentID).Scan(&enrollment.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyEnrolled
		}
		return nil, mapTimeout(err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO lesson_progress (id, user_id, lesson_id, course_id, completed)
		SELECT gen_random_uuid(), $1, l.id, l.course_id, false
		FROM lessons l
		WHERE l.course_id = $2
	`, userID, courseID); err != nil {
		return nil, mapTimeout(err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE courses SET enrolled_count = enrolled_count + 1 WHERE id = $1`, courseID,
	); err != nil {
		return nil, mapTimeout(err)
	}

	return enrollment, nil
}

// EnrollFreeAtomic creates a free enrollment. Same transactional shape as the
// paid path minus the payment row.
func (r *PostgresRepository) EnrollFreeAtomic(ctx context.Context, enrollment *domain.Enrollment) error {
	tx, txCtx, cancel, err := r.beginTx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback(txCtx)

	var existing uuid.UUID
	err = tx.QueryRow(txCtx,
		`SELECT id FROM enrollments WHERE user_id = $1 AND course_id = $2`,
		enrollment.UserID, enrollment.CourseID,
	).Scan(&existing)
	if err == nil {
		return ErrAlreadyEnrolled
	}
	if err != pgx.ErrNoRows {
		return mapTimeout(err)
	}

	var price int64
	err = tx.QueryRow(txCtx,
		`SELECT price FROM courses WHERE id = $1 AND status = 'active' FOR UPDATE`,
		enrollment.CourseID,
	).Scan(&price)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrCourseNotFound
		}
		return mapTimeout(err)
	}
	if price != 0 {
		return ErrInsufficientAmount
	}

	created, err := createEnrollmentInTx(txCtx, tx, enrollment.UserID, enrollment.CourseID, nil)
	if err != nil {
		return err
	}
	*enrollment = *created

	if err := tx.Commit(txCtx); err != nil {
		return mapTimeout(err)
	}
	return nil
}

// SettlePendingPaymentAtomic confirms a pending payment after gateway
// approval. Already-settled and terminal payments return applied=false with
// no error so duplicate callbacks stay harmless.
func (r *PostgresRepository) SettlePendingPaymentAtomic(ctx context.Context, transactionID string, gatewayPayload []byte) (*domain.Payment, *domain.Enrollment, bool, error) {
	tx, txCtx, cancel, err := r.beginTx(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	defer cancel()
	defer tx.Rollback(txCtx)

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE transaction_id = $1 FOR UPDATE`
	payment, err := scanPayment(tx.QueryRow(txCtx, query, strings.TrimSpace(transactionID)))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil, false, ErrPaymentNotFound
		}
		return nil, nil, false, mapTimeout(err)
	}

	// Terminal-state immutability: whoever committed first wins, the replay
	// is acknowledged as a no-op.
	if payment.Status != domain.PaymentPending {
		return payment, nil, false, nil
	}

	if _, err := tx.Exec(txCtx, `
		UPDATE payments
		SET status = $2, gateway_payload = COALESCE($3, gateway_payload), failure_reason = NULL
		WHERE id = $1
	`, payment.ID, domain.PaymentSuccess, gatewayPayload); err != nil {
		return nil, nil, false, mapTimeout(err)
	}
	payment.Status = domain.PaymentSuccess
	if len(gatewayPayload) > 0 {
		payment.GatewayPayload = gatewayPayload
	}

	// Lock the course row before touching the counter.
	if _, err := tx.Exec(txCtx,
		`SELECT 1 FROM courses WHERE id = $1 FOR UPDATE`, payment.CourseID,
	); err != nil {
		return nil, nil, false, mapTimeout(err)
	}

	enrollment, err := createEnrollmentInTx(txCtx, tx, payment.UserID, payment.CourseID, &payment.ID)
	if err != nil {
		return nil, nil, false, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, nil, false, mapTimeout(err)
	}
	return payment, enrollment, true, nil
}

// FailPendingPayment records a gateway decline. Non-pending payments return
// applied=false without error.
func (r *PostgresRepository) FailPendingPayment(ctx context.Context, transactionID, reason string) (*domain.Payment, bool, error) {
	tx, txCtx, cancel, err := r.beginTx(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	defer tx.Rollback(txCtx)

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE transaction_id = $1 FOR UPDATE`
	payment, err := scanPayment(tx.QueryRow(txCtx, query, strings.TrimSpace(transactionID)))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, ErrPaymentNotFound
		}
		return nil, false, mapTimeout(err)
	}

	if payment.Status != domain.PaymentPending {
		return payment, false, nil
	}

	if _, err := tx.Exec(txCtx, `
		UPDATE payments SET status = $2, failure_reason = $3 WHERE id = $1
	`, payment.ID, domain.PaymentFailed, strings.TrimSpace(reason)); err != nil {
		return nil, false, mapTimeout(err)
	}
	payment.Status = domain.PaymentFailed
	trimmed := strings.TrimSpace(reason)
	payment.FailureReason = &trimmed

	if err := tx.Commit(txCtx); err != nil {
		return nil, false, mapTimeout(err)
	}
	return payment, true, nil
}

// RefundPaymentAtomic reverses a successful payment and its enrollment.
func (r *PostgresRepository) RefundPaymentAtomic(ctx context.Context, paymentID uuid.UUID, refundedAt time.Time) (*domain.Payment, error) {
	tx, txCtx, cancel, err := r.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer tx.Rollback(txCtx)

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE`
	payment, err := scanPayment(tx.QueryRow(txCtx, query, paymentID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, mapTimeout(err)
	}

	if !payment.Status.CanTransitionTo(domain.PaymentRefunded) {
		return nil, ErrInvalidPaymentState
	}

	if _, err := tx.Exec(txCtx, `
		UPDATE payments SET status = $2, refunded_at = $3 WHERE id = $1
	`, payment.ID, domain.PaymentRefunded, refundedAt); err != nil {
		return nil, mapTimeout(err)
	}
	payment.Status = domain.PaymentRefunded
	payment.RefundedAt = &refundedAt

	if _, err := tx.Exec(txCtx, `
		DELETE FROM lesson_progress WHERE user_id = $1 AND course_id = $2
	`, payment.UserID, payment.CourseID); err != nil {
		return nil, mapTimeout(err)
	}

	result, err := tx.Exec(txCtx, `
		DELETE FROM enrollments WHERE user_id = $1 AND course_id = $2
	`, payment.UserID, payment.CourseID)
	if err != nil {
		return nil, mapTimeout(err)
	}

	// Decrement only when an enrollment actually existed, keeping the counter
	// equal to the number of live enrollment rows.
	if result.RowsAffected() > 0 {
		if _, err := tx.Exec(txCtx, `
			UPDATE courses SET enrolled_count = GREATEST(enrolled_count - 1, 0) WHERE id = $1
		`, payment.CourseID); err != nil {
			return nil, mapTimeout(err)
		}
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, mapTimeout(err)
	}
	return payment, nil
}
