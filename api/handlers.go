/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes invoice and payout generation, their lifecycles, and the CSV
  exports via REST. Handles HTTP request/response, JSON serialization,
  and delegates everything else to billing.Engine.

ENDPOINTS:
  Invoices:
    POST   /api/invoices/generate          Generate a draft invoice for a payer/period
    GET    /api/invoices                   List (?payerId, ?status, ?overdue=true)
    GET    /api/invoices/{id}              Invoice with line items and payments
    POST   /api/invoices/{id}/send         Mark sent (optional dueDate)
    POST   /api/invoices/{id}/payments     Record a payment
    POST   /api/invoices/{id}/void         Void an unpaid invoice
    GET    /api/invoices/{id}/export.csv   Line items as CSV

  Payouts:
    POST   /api/payouts/generate           Generate payouts for a period
    GET    /api/payouts                    List (?interpreterId, ?status, ?periodStart&periodEnd)
    GET    /api/payouts/export.csv         Batch file (?status)
    GET    /api/payouts/{id}               Payout with line items
    POST   /api/payouts/{id}/pay           Mark paid
    POST   /api/payouts/{id}/cancel        Cancel a pending payout
    GET    /api/payouts/{id}/export.csv    Line items as CSV

  Appointments:
    GET    /api/appointments/{id}/billing-preview  Price one appointment

REQUEST FLOW:
  1. Parse HTTP request
  2. Convert to an engine request
  3. Call the engine
  4. Serialize response
  5. Map errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, no billable appointments
  - 401: No or invalid token
  - 403: Caller is not an admin
  - 404: Resource not found
  - 409: Lost a concurrent race, or an illegal status transition
  - 500: Internal errors (the transaction was rolled back)

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Authentication middleware
  - server.go: Router setup and middleware
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *billing.Engine
}

// NewHandler creates a new handler around the engine.
func NewHandler(engine *billing.Engine) *Handler {
	return &Handler{Engine: engine}
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// GenerateInvoice runs invoice generation for one payer and period.
func (h *Handler) GenerateInvoice(w http.ResponseWriter, r *http.Request) {
	var req GenerateInvoiceRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	period, err := billing.ParsePeriod(req.PeriodStart, req.PeriodEnd)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.Engine.GenerateInvoice(r.Context(), billing.InvoiceRequest{
		PayerID: req.PayerID,
		Period:  period,
		Notes:   req.Notes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, GenerateInvoiceResponse{
		Invoice:       toInvoiceDTO(res.Invoice, h.Engine.Now()),
		LineItemCount: len(res.LineItems),
		Total:         money(res.Invoice.Total),
		Warnings:      warningsOrEmpty(res.Warnings),
	})
}

// ListInvoices returns invoices matching the query filters.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := billing.InvoiceFilter{PayerID: q.Get("payerId")}
	if s := q.Get("status"); s != "" {
		status, err := billing.ParseInvoiceStatus(s)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		filter.Status = status
	}
	overdue, err := parseBool(q.Get("overdue"))
	if err != nil {
		h.fail(w, r, billing.Invalid("overdue", "must be true or false"))
		return
	}

	invoices, err := h.Engine.ListInvoices(r.Context(), filter, overdue)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTOs(invoices, h.Engine.Now()))
}

// GetInvoice returns one invoice with its line items and payments.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Engine.InvoiceDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, InvoiceDetailResponse{
		Invoice:   toInvoiceDTO(detail.Invoice, h.Engine.Now()),
		LineItems: toLineItemDTOs(detail.LineItems),
		Payments:  toPaymentDTOs(detail.Payments),
	})
}

// SendInvoice marks a draft invoice as sent.
func (h *Handler) SendInvoice(w http.ResponseWriter, r *http.Request) {
	var req MarkSentRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	due, err := parseOptionalTime("dueDate", req.DueDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	inv, err := h.Engine.MarkSent(r.Context(), chi.URLParam(r, "id"), due)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv, h.Engine.Now()))
}

// RecordPayment adds a payment to a sent or partially paid invoice.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !req.Amount.Set {
		h.fail(w, r, billing.Invalid("amount", "is required"))
		return
	}
	paidAt, err := parseOptionalTime("paidAt", req.PaidAt)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	inv, err := h.Engine.RecordPayment(r.Context(), billing.PaymentRequest{
		InvoiceID: chi.URLParam(r, "id"),
		Amount:    req.Amount.Decimal,
		PaidAt:    paidAt,
		Notes:     req.Notes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv, h.Engine.Now()))
}

// VoidInvoice voids an invoice that has received no payments.
func (h *Handler) VoidInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Engine.VoidInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv, h.Engine.Now()))
}

// ExportInvoice streams an invoice's line items as CSV.
func (h *Handler) ExportInvoice(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	name, err := h.Engine.ExportInvoice(r.Context(), chi.URLParam(r, "id"), &buf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeCSV(w, name, buf.Bytes())
}

// =============================================================================
// PAYOUT HANDLERS
// =============================================================================

// GeneratePayouts runs payout generation for a period.
func (h *Handler) GeneratePayouts(w http.ResponseWriter, r *http.Request) {
	var req GeneratePayoutsRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	period, err := billing.ParsePeriod(req.PeriodStart, req.PeriodEnd)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	scheduled, err := parseOptionalTime("scheduledDate", req.ScheduledDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.Engine.GeneratePayouts(r.Context(), billing.PayoutRequest{
		Period:        period,
		ScheduledDate: scheduled,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if len(res.Payouts) > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, toPayoutRunResponse(res))
}

// ListPayouts returns payouts matching the query filters.
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	filter, err := payoutFilterFromQuery(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	payouts, err := h.Engine.ListPayouts(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTOs(payouts))
}

// GetPayout returns one payout with its line items.
func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Engine.PayoutDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dto := toPayoutDTO(detail.Payout)
	if detail.Interpreter != nil {
		dto.InterpreterName = detail.Interpreter.Name
	}
	writeJSON(w, http.StatusOK, PayoutDetailResponse{
		Payout:    dto,
		LineItems: toLineItemDTOs(detail.LineItems),
	})
}

// PayPayout marks a pending payout as paid.
func (h *Handler) PayPayout(w http.ResponseWriter, r *http.Request) {
	var req MarkPayoutPaidRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	paidAt, err := parseOptionalTime("paidAt", req.PaidAt)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	p, err := h.Engine.MarkPayoutPaid(r.Context(), billing.PayoutPaymentRequest{
		PayoutID:         chi.URLParam(r, "id"),
		PaymentMethod:    req.PaymentMethod,
		PaymentReference: req.PaymentReference,
		PaidAt:           paidAt,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(*p))
}

// CancelPayout cancels a pending payout and releases its appointments.
func (h *Handler) CancelPayout(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.CancelPayout(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(*p))
}

// ExportPayout streams a payout's line items as CSV.
func (h *Handler) ExportPayout(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	name, err := h.Engine.ExportPayout(r.Context(), chi.URLParam(r, "id"), &buf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeCSV(w, name, buf.Bytes())
}

// ExportPayoutBatch streams the payout batch file.
func (h *Handler) ExportPayoutBatch(w http.ResponseWriter, r *http.Request) {
	filter, err := payoutFilterFromQuery(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	if _, err := h.Engine.ExportPayoutBatch(r.Context(), filter, &buf); err != nil {
		h.fail(w, r, err)
		return
	}
	name := "payouts.csv"
	if filter.Status != "" {
		name = "payouts-" + string(filter.Status) + ".csv"
	}
	writeCSV(w, name, buf.Bytes())
}

// =============================================================================
// APPOINTMENT HANDLERS
// =============================================================================

// PreviewAppointment prices one appointment on both sides without saving.
func (h *Handler) PreviewAppointment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.PreviewAppointment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PreviewResponse{
		AppointmentID: p.Appointment.ID,
		Invoice:       toLineItemDTO(p.Invoice),
		Payout:        toLineItemDTO(p.Payout),
		Margin:        money(p.Margin),
		Warnings:      warningsOrEmpty(p.Warnings),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeCSV(w http.ResponseWriter, filename string, body []byte) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, billing.ErrUnauthorized):
		return http.StatusUnauthorized, "Authentication required"
	case errors.Is(err, billing.ErrForbidden):
		return http.StatusForbidden, "Admin role required"
	case errors.Is(err, billing.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, billing.ErrNoBillableAppointments):
		return http.StatusBadRequest, "No billable appointments found"
	case errors.Is(err, billing.ErrValidation):
		return http.StatusBadRequest, "Validation failed"
	case errors.Is(err, billing.ErrConflict):
		return http.StatusConflict, "Conflict, please retry"
	case errors.Is(err, billing.ErrInvalidTransition):
		return http.StatusConflict, "Invalid status transition"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	log := hlog.FromRequest(r)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		writeError(w, status, message, nil)
		return
	}
	log.Debug().Err(err).Int("status", status).Msg("request rejected")
	writeError(w, status, message, err)
}

// decodeJSON decodes the request body into v. An empty body is an error
// only when required is set.
func decodeJSON(r *http.Request, v any, required bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if errors.Is(err, io.EOF) && !required {
		return nil
	}
	return err
}

// parseOptionalTime accepts YYYY-MM-DD or RFC 3339. Empty means unset.
func parseOptionalTime(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(billing.DateLayout, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, billing.Invalid(field, "must be YYYY-MM-DD or RFC 3339")
	}
	t = t.UTC()
	return &t, nil
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

func payoutFilterFromQuery(r *http.Request) (billing.PayoutFilter, error) {
	q := r.URL.Query()
	filter := billing.PayoutFilter{InterpreterID: q.Get("interpreterId")}
	if s := q.Get("status"); s != "" {
		status, err := billing.ParsePayoutStatus(s)
		if err != nil {
			return filter, err
		}
		filter.Status = status
	}
	start, end := q.Get("periodStart"), q.Get("periodEnd")
	if start != "" || end != "" {
		period, err := billing.ParsePeriod(start, end)
		if err != nil {
			return filter, err
		}
		filter.Period = &period
	}
	return filter, nil
}
