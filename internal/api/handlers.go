/**
 * @description
 * This file contains the HTTP handlers for the payment-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/coursebay/payment-service/internal/app"
	"github.com/coursebay/payment-service/internal/domain"
	"github.com/coursebay/payment-service/internal/store"
)

// PaymentHandlers holds the application service that handlers will use.
type PaymentHandlers struct {
	service *app.Service
}

// NewPaymentHandlers creates a new instance of PaymentHandlers.
func NewPaymentHandlers(service *app.Service) *PaymentHandlers {
	return &PaymentHandlers{service: service}
}

// purchaseResponse is sent back to the client after a purchase request has
// been accepted. For pending wallet payments the enrollment field is null and
// the client polls the payment until the gateway confirms it.
type purchaseResponse struct {
	PaymentID     string             `json:"payment_id"`
	TransactionID string             `json:"transaction_id"`
	Status        string             `json:"status"`
	Message       string             `json:"message"`
	Amount        int64              `json:"amount"`
	Method        string             `json:"method"`
	Enrollment    *domain.Enrollment `json:"enrollment,omitempty"`
}

// PurchaseHandler handles requests to buy a paid course.
func (h *PaymentHandlers) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	var req domain.PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=purchase outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	result, err := h.service.Purchase(r.Context(), userID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=purchase outcome=failed user_id=%s course_id=%s err=%v", userID, req.CourseID, err)
		h.respondServiceError(w, err)
		return
	}

	message := "Enrollment completed"
	if result.Enrollment == nil {
		message = "Payment pending gateway confirmation"
	}
	h.writeJSON(w, http.StatusCreated, purchaseResponse{
		PaymentID:     result.Payment.ID.String(),
		TransactionID: result.Payment.TransactionID,
		Status:        string(result.Payment.Status),
		Message:       message,
		Amount:        result.Payment.Amount,
		Method:        string(result.Payment.Method),
		Enrollment:    result.Enrollment,
	})
}

// EnrollFreeHandler handles requests to enroll into a free course.
func (h *PaymentHandlers) EnrollFreeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	var req struct {
		CourseID uuid.UUID `json:"course_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=enroll_free outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.CourseID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "course_id is required")
		return
	}

	enrollment, err := h.service.EnrollFree(r.Context(), userID, req.CourseID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=enroll_free outcome=failed user_id=%s course_id=%s err=%v", userID, req.CourseID, err)
		h.respondServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, enrollment)
}

// gatewayCallbackRequest mirrors the body posted by the payment gateways.
type gatewayCallbackRequest struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	GatewayRef    string `json:"gateway_ref"`
	Reason        string `json:"reason"`
}

// GatewayCallbackHandler receives asynchronous payment confirmations from the
// wallet gateways. It is unauthenticated but rate limited, and duplicate
// deliveries are acknowledged with 200 so gateways stop retrying.
func (h *PaymentHandlers) GatewayCallbackHandler(w http.ResponseWriter, r *http.Request) {
	gateway := strings.TrimSpace(chi.URLParam(r, "gateway"))

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	var req gatewayCallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Printf("level=warn component=api endpoint=gateway_callback outcome=reject gateway=%s reason=invalid_json err=%v", gateway, err)
		h.writeError(w, http.StatusBadRequest, "Invalid callback payload")
		return
	}

	ack, err := h.service.HandleGatewayCallback(r.Context(), domain.GatewayCallback{
		Gateway:    gateway,
		Reference:  req.TransactionID,
		Outcome:    req.Status,
		GatewayRef: req.GatewayRef,
		Reason:     req.Reason,
		Raw:        body,
	})
	if err != nil {
		log.Printf("level=warn component=api endpoint=gateway_callback outcome=failed gateway=%s transaction_id=%s err=%v", gateway, req.TransactionID, err)
		h.respondServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ack)
}

// RefundHandler handles refund requests for a payment.
func (h *PaymentHandlers) RefundHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	paymentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payment ID format")
		return
	}

	var req domain.RefundRequest
	if r.Body != nil {
		// body is optional; a bare POST refunds without a recorded reason
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			h.writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	payment, err := h.service.RefundPayment(r.Context(), userID, IsAdmin(r.Context()), paymentID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=refund outcome=failed payment_id=%s user_id=%s err=%v", paymentID, userID, err)
		h.respondServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, payment)
}

// VerifyPaymentHandler returns the current state of a single payment.
func (h *PaymentHandlers) VerifyPaymentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	paymentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payment ID format")
		return
	}

	payment, err := h.service.VerifyPaymentStatus(r.Context(), userID, IsAdmin(r.Context()), paymentID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, payment)
}

// VerifyPaymentByTransactionHandler resolves a payment by its transaction id.
func (h *PaymentHandlers) VerifyPaymentByTransactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	transactionID := strings.TrimSpace(chi.URLParam(r, "transactionID"))
	if transactionID == "" {
		h.writeError(w, http.StatusBadRequest, "Transaction ID is required")
		return
	}

	payment, err := h.service.VerifyPaymentByTransactionID(r.Context(), userID, IsAdmin(r.Context()), transactionID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, payment)
}

// GetEnrollmentHandler returns the caller's enrollment in a course.
func (h *PaymentHandlers) GetEnrollmentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	courseID, err := uuid.Parse(chi.URLParam(r, "courseID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid course ID format")
		return
	}

	enrollment, err := h.service.GetEnrollment(r.Context(), userID, courseID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, enrollment)
}

// CourseStatsHandler reports enrollment counter consistency for a course.
// Admin only.
func (h *PaymentHandlers) CourseStatsHandler(w http.ResponseWriter, r *http.Request) {
	if !IsAdmin(r.Context()) {
		h.writeError(w, http.StatusForbidden, "Admin access required")
		return
	}

	courseID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid course ID format")
		return
	}

	stats, err := h.service.CourseEnrollmentStats(r.Context(), courseID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// PaymentHistoryHandler lists the authenticated user's payments.
func (h *PaymentHandlers) PaymentHistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	limit, err := parseOptionalInt(r.URL.Query().Get("limit"), 20)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := parseOptionalInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	payments, err := h.service.GetPaymentHistory(r.Context(), userID, domain.PaymentListOptions{
		Limit:  limit,
		Offset: offset,
		Status: r.URL.Query().Get("status"),
		Method: r.URL.Query().Get("method"),
	})
	if err != nil {
		log.Printf("level=error component=api endpoint=payment_history outcome=failed user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if payments == nil {
		payments = []domain.Payment{}
	}

	h.writeJSON(w, http.StatusOK, payments)
}

// respondServiceError maps domain errors to HTTP status codes.
func (h *PaymentHandlers) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrAlreadyEnrolled):
		h.writeError(w, http.StatusConflict, "User is already enrolled in this course")
	case errors.Is(err, store.ErrCourseNotFound):
		h.writeError(w, http.StatusNotFound, "Course not found")
	case errors.Is(err, store.ErrPaymentNotFound):
		h.writeError(w, http.StatusNotFound, "Payment not found")
	case errors.Is(err, store.ErrEnrollmentNotFound):
		h.writeError(w, http.StatusNotFound, "Enrollment not found")
	case errors.Is(err, store.ErrInsufficientAmount),
		errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrUnsupportedPaymentMethod),
		errors.Is(err, app.ErrInvalidCallback):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrUnauthorizedRefund):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrRefundWindowExpired),
		errors.Is(err, store.ErrInvalidPaymentState):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrTransactionTimeout):
		h.writeError(w, http.StatusServiceUnavailable, "Operation timed out, please retry")
	default:
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func parseOptionalInt(raw string, fallback int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid integer: %q", raw)
	}
	return value, nil
}

// writeJSON is a helper for writing JSON responses.
func (h *PaymentHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *PaymentHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
