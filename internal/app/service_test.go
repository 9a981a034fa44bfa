package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/coursebay/payment-service/internal/domain"
	"github.com/coursebay/payment-service/internal/store"
)

// stubRepository embeds the Repository interface so each test only overrides
// the methods it exercises.
type stubRepository struct {
	store.Repository

	findCourseByID             func(ctx context.Context, courseID uuid.UUID) (*domain.Course, error)
	countCourseEnrollments     func(ctx context.Context, courseID uuid.UUID) (int64, error)
	findPaymentByTransactionID func(ctx context.Context, transactionID string) (*domain.Payment, error)
	findPaymentByID            func(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)
	purchaseCourseAtomic       func(ctx context.Context, payment *domain.Payment) (*domain.Enrollment, error)
	enrollFreeAtomic           func(ctx context.Context, enrollment *domain.Enrollment) error
	settlePending              func(ctx context.Context, transactionID string, gatewayPayload []byte) (*domain.Payment, *domain.Enrollment, bool, error)
	failPending                func(ctx context.Context, transactionID, reason string) (*domain.Payment, bool, error)
	refundPaymentAtomic        func(ctx context.Context, paymentID uuid.UUID, refundedAt time.Time) (*domain.Payment, error)
}

func (s *stubRepository) FindCourseByID(ctx context.Context, courseID uuid.UUID) (*domain.Course, error) {
	return s.findCourseByID(ctx, courseID)
}

func (s *stubRepository) CountCourseEnrollments(ctx context.Context, courseID uuid.UUID) (int64, error) {
	return s.countCourseEnrollments(ctx, courseID)
}

func (s *stubRepository) FindPaymentByTransactionID(ctx context.Context, transactionID string) (*domain.Payment, error) {
	return s.findPaymentByTransactionID(ctx, transactionID)
}

func (s *stubRepository) FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	return s.findPaymentByID(ctx, paymentID)
}

func (s *stubRepository) PurchaseCourseAtomic(ctx context.Context, payment *domain.Payment) (*domain.Enrollment, error) {
	return s.purchaseCourseAtomic(ctx, payment)
}

func (s *stubRepository) EnrollFreeAtomic(ctx context.Context, enrollment *domain.Enrollment) error {
	return s.enrollFreeAtomic(ctx, enrollment)
}

func (s *stubRepository) SettlePendingPaymentAtomic(ctx context.Context, transactionID string, gatewayPayload []byte) (*domain.Payment, *domain.Enrollment, bool, error) {
	return s.settlePending(ctx, transactionID, gatewayPayload)
}

func (s *stubRepository) FailPendingPayment(ctx context.Context, transactionID, reason string) (*domain.Payment, bool, error) {
	return s.failPending(ctx, transactionID, reason)
}

func (s *stubRepository) RefundPaymentAtomic(ctx context.Context, paymentID uuid.UUID, refundedAt time.Time) (*domain.Payment, error) {
	return s.refundPaymentAtomic(ctx, paymentID, refundedAt)
}

func TestNewTransactionIDFormat(t *testing.T) {
	tests := []struct {
		method     domain.PaymentMethod
		wantPrefix string
	}{
		{domain.MethodCard, "CARD"},
		{domain.MethodBkash, "BKASH"},
		{domain.MethodNagad, "NAGAD"},
		{domain.MethodPayLater, "PAYL"},
	}

	for _, tt := range tests {
		t.Run(string(tt.method), func(t *testing.T) {
			id := newTransactionID(tt.method)
			parts := strings.Split(id, "-")
			if len(parts) != 3 {
				t.Fatalf("expected 3 parts in %q, got %d", id, len(parts))
			}
			if parts[0] != tt.wantPrefix {
				t.Fatalf("expected prefix %q, got %q", tt.wantPrefix, parts[0])
			}
			millis, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				t.Fatalf("timestamp part not numeric: %q", parts[1])
			}
			if millis <= 0 {
				t.Fatalf("expected positive millis, got %d", millis)
			}
			if len(parts[2]) != 8 {
				t.Fatalf("expected 8 hex chars, got %q", parts[2])
			}
		})
	}
}

func TestNewTransactionIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := newTransactionID(domain.MethodBkash)
		if seen[id] {
			t.Fatalf("duplicate transaction id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestPurchaseValidation(t *testing.T) {
	repo := &stubRepository{
		purchaseCourseAtomic: func(ctx context.Context, payment *domain.Payment) (*domain.Enrollment, error) {
			t.Fatal("repository should not be reached on validation failure")
			return nil, nil
		},
	}
	svc := NewService(repo, nil)
	courseID := uuid.New()

	tests := []struct {
		name    string
		req     domain.PurchaseRequest
		wantErr error
	}{
		{
			name:    "unknown method rejected",
			req:     domain.PurchaseRequest{CourseID: courseID, Method: "paypal", Amount: 50000},
			wantErr: ErrUnsupportedPaymentMethod,
		},
		{
			name:    "zero amount rejected",
			req:     domain.PurchaseRequest{CourseID: courseID, Method: domain.MethodCard, Amount: 0},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "negative amount rejected",
			req:     domain.PurchaseRequest{CourseID: courseID, Method: domain.MethodCard, Amount: -100},
			wantErr: ErrInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Purchase(context.Background(), uuid.New(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPurchaseSynchronousMethodSettlesImmediately(t *testing.T) {
	var captured *domain.Payment
	enrollment := &domain.Enrollment{ID: uuid.New()}
	repo := &stubRepository{
		purchaseCourseAtomic: func(ctx context.Context, payment *domain.Payment) (*domain.Enrollment, error) {
			captured = payment
			return enrollment, nil
		},
	}
	svc := NewService(repo, nil)

	result, err := svc.Purchase(context.Background(), uuid.New(), domain.PurchaseRequest{
		CourseID: uuid.New(),
		Method:   domain.MethodCard,
		Amount:   150000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured.Status != domain.PaymentSuccess {
		t.Fatalf("expected card payment written as success, got %s", captured.Status)
	}
	if !strings.HasPrefix(captured.TransactionID, "CARD-") {
		t.Fatalf("unexpected transaction id %q", captured.TransactionID)
	}
	if result.Enrollment == nil {
		t.Fatal("expected enrollment in synchronous purchase result")
	}
}

func TestPurchaseWalletMethodStaysPending(t *testing.T) {
	var captured *domain.Payment
	repo := &stubRepository{
		purchaseCourseAtomic: func(ctx context.Context, payment *domain.Payment) (*domain.Enrollment, error) {
			captured = payment
			return nil, nil
		},
	}
	svc := NewService(repo, nil)

	result, err := svc.Purchase(context.Background(), uuid.New(), domain.PurchaseRequest{
		CourseID: uuid.New(),
		Method:   domain.MethodBkash,
		Amount:   150000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured.Status != domain.PaymentPending {
		t.Fatalf("expected wallet payment written as pending, got %s", captured.Status)
	}
	if result.Enrollment != nil {
		t.Fatal("expected no enrollment before gateway confirmation")
	}
}

func TestPurchaseRepositoryErrorsSurface(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"already enrolled", store.ErrAlreadyEnrolled},
		{"course not found", store.ErrCourseNotFound},
		{"insufficient amount", store.ErrInsufficientAmount},
		{"transaction timeout", store.ErrTransactionTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &stubRepository{
				purchaseCourseAtomic: func(ctx context.Context, payment *domain.Payment) (*domain.Enrollment, error) {
					return nil, tt.err
				},
			}
			svc := NewService(repo, nil)
			_, err := svc.Purchase(context.Background(), uuid.New(), domain.PurchaseRequest{
				CourseID: uuid.New(),
				Method:   domain.MethodCard,
				Amount:   150000,
			})
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
		})
	}
}

// failingPublisher rejects every publish to exercise broker-down paths.
type failingPublisher struct{}

func (p *failingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return errors.New("broker unavailable")
}

func (p *failingPublisher) Close() {}

func TestEnrollFreePublishFailureIsNonFatal(t *testing.T) {
	userID := uuid.New()
	courseID := uuid.New()
	repo := &stubRepository{
		enrollFreeAtomic: func(ctx context.Context, enrollment *domain.Enrollment) error {
			enrollment.ID = uuid.New()
			return nil
		},
	}
	svc := NewService(repo, &failingPublisher{})

	enrollment, err := svc.EnrollFree(context.Background(), userID, courseID)
	if err != nil {
		t.Fatalf("free enrollment must survive a publish failure, got %v", err)
	}
	if enrollment == nil || enrollment.ID == uuid.Nil {
		t.Fatal("expected a committed enrollment")
	}
}

func TestVerifyPaymentStatusOwnership(t *testing.T) {
	owner := uuid.New()
	stranger := uuid.New()
	payment := &domain.Payment{ID: uuid.New(), UserID: owner, Status: domain.PaymentSuccess}
	repo := &stubRepository{
		findPaymentByID: func(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
			return payment, nil
		},
	}
	svc := NewService(repo, nil)

	if _, err := svc.VerifyPaymentStatus(context.Background(), owner, false, payment.ID); err != nil {
		t.Fatalf("owner lookup failed: %v", err)
	}
	if _, err := svc.VerifyPaymentStatus(context.Background(), stranger, false, payment.ID); !errors.Is(err, store.ErrPaymentNotFound) {
		t.Fatalf("expected not-found for stranger, got %v", err)
	}
	if _, err := svc.VerifyPaymentStatus(context.Background(), stranger, true, payment.ID); err != nil {
		t.Fatalf("admin lookup failed: %v", err)
	}
}

func TestVerifyPaymentByTransactionIDOwnership(t *testing.T) {
	owner := uuid.New()
	payment := &domain.Payment{ID: uuid.New(), UserID: owner, TransactionID: "NAGAD-1-abcd1234", Status: domain.PaymentPending}
	repo := &stubRepository{
		findPaymentByTransactionID: func(ctx context.Context, transactionID string) (*domain.Payment, error) {
			if transactionID != payment.TransactionID {
				return nil, store.ErrPaymentNotFound
			}
			return payment, nil
		},
	}
	svc := NewService(repo, nil)

	if _, err := svc.VerifyPaymentByTransactionID(context.Background(), owner, false, payment.TransactionID); err != nil {
		t.Fatalf("owner lookup failed: %v", err)
	}
	if _, err := svc.VerifyPaymentByTransactionID(context.Background(), uuid.New(), false, payment.TransactionID); !errors.Is(err, store.ErrPaymentNotFound) {
		t.Fatalf("expected not-found for stranger, got %v", err)
	}
}

func TestCourseEnrollmentStats(t *testing.T) {
	courseID := uuid.New()

	tests := []struct {
		name           string
		enrolledCount  int
		liveCount      int64
		wantConsistent bool
	}{
		{"counter matches rows", 42, 42, true},
		{"counter drifted high", 43, 42, false},
		{"counter drifted low", 41, 42, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &stubRepository{
				findCourseByID: func(ctx context.Context, id uuid.UUID) (*domain.Course, error) {
					return &domain.Course{ID: courseID, Title: "Intro to Go", Price: 150000, EnrolledCount: tt.enrolledCount}, nil
				},
				countCourseEnrollments: func(ctx context.Context, id uuid.UUID) (int64, error) {
					return tt.liveCount, nil
				},
			}
			svc := NewService(repo, nil)

			stats, err := svc.CourseEnrollmentStats(context.Background(), courseID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if stats.Consistent != tt.wantConsistent {
				t.Fatalf("expected consistent=%t, got %t", tt.wantConsistent, stats.Consistent)
			}
			if stats.LiveEnrollments != tt.liveCount {
				t.Fatalf("expected live=%d, got %d", tt.liveCount, stats.LiveEnrollments)
			}
		})
	}
}

// fakeEnrollmentRepo emulates the unique-constraint semantics of the real
// store so concurrent purchases can be exercised without a database.
type fakeEnrollmentRepo struct {
	store.Repository

	mu       sync.Mutex
	enrolled map[string]bool
	count    int64
}

func pairKey(userID, courseID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", userID, courseID)
}

func (f *fakeEnrollmentRepo) PurchaseCourseAtomic(ctx context.Context, payment *domain.Payment) (*domain.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := pairKey(payment.UserID, payment.CourseID)
	if f.enrolled[key] {
		return nil, store.ErrAlreadyEnrolled
	}
	f.enrolled[key] = true
	f.count++
	return &domain.Enrollment{
		ID:       uuid.New(),
		UserID:   payment.UserID,
		CourseID: payment.CourseID,
	}, nil
}

func (f *fakeEnrollmentRepo) FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	return &domain.Payment{ID: paymentID, Status: domain.PaymentSuccess, CreatedAt: time.Now()}, nil
}

func (f *fakeEnrollmentRepo) RefundPaymentAtomic(ctx context.Context, paymentID uuid.UUID, refundedAt time.Time) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count > 0 {
		f.count--
	}
	return &domain.Payment{ID: paymentID, Status: domain.PaymentRefunded, RefundedAt: &refundedAt}, nil
}

func TestConcurrentPurchasesEnrollExactlyOnce(t *testing.T) {
	repo := &fakeEnrollmentRepo{enrolled: make(map[string]bool)}
	svc := NewService(repo, nil)

	userID := uuid.New()
	courseID := uuid.New()
	const workers = 16

	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Purchase(context.Background(), userID, domain.PurchaseRequest{
				CourseID: courseID,
				Method:   domain.MethodCard,
				Amount:   150000,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, conflicts int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, store.ErrAlreadyEnrolled):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 successful purchase, got %d", successes)
	}
	if conflicts != workers-1 {
		t.Fatalf("expected %d conflicts, got %d", workers-1, conflicts)
	}
	if repo.count != 1 {
		t.Fatalf("expected 1 enrollment recorded, got %d", repo.count)
	}
}

func TestPurchaseThenRefundRestoresCount(t *testing.T) {
	repo := &fakeEnrollmentRepo{enrolled: make(map[string]bool)}
	svc := NewService(repo, nil)

	userID := uuid.New()
	result, err := svc.Purchase(context.Background(), userID, domain.PurchaseRequest{
		CourseID: uuid.New(),
		Method:   domain.MethodCard,
		Amount:   99900,
	})
	if err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	if repo.count != 1 {
		t.Fatalf("expected count 1 after purchase, got %d", repo.count)
	}

	if _, err := svc.RefundPayment(context.Background(), userID, true, result.Payment.ID, domain.RefundRequest{}); err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if repo.count != 0 {
		t.Fatalf("expected count 0 after refund, got %d", repo.count)
	}
}
