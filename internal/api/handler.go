package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mehedihasan/libraryops/internal/gateway"
	"github.com/mehedihasan/libraryops/internal/models"
	"github.com/mehedihasan/libraryops/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "library_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "library_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	loans    *service.LoanService
	payments *service.PaymentService
	log      *slog.Logger
}

func NewHandler(loans *service.LoanService, payments *service.PaymentService, log *slog.Logger) *Handler {
	return &Handler{loans: loans, payments: payments, log: log}
}

// Register wires every route onto the given subrouter and installs the
// metrics middleware.
func (h *Handler) Register(r *mux.Router) {
	r.Use(metricsMiddleware)

	r.HandleFunc("/loans", h.IssueLoan).Methods("POST")
	r.HandleFunc("/loans", h.ListLoans).Methods("GET")
	r.HandleFunc("/loans/sweep-overdue", h.SweepOverdue).Methods("PUT")
	r.HandleFunc("/loans/{id}", h.GetLoan).Methods("GET")
	r.HandleFunc("/loans/{id}/renew", h.RenewLoan).Methods("PUT")
	r.HandleFunc("/loans/{id}/return", h.ReturnLoan).Methods("PUT")
	r.HandleFunc("/loans/{id}/lost", h.MarkLost).Methods("PUT")
	r.HandleFunc("/loans/{id}/fine/waive", h.WaiveFine).Methods("POST")

	r.HandleFunc("/payments/initiate/{loanId}", h.InitiatePayment).Methods("POST")
	r.HandleFunc("/payments/bkash/callback", h.BkashCallback).Methods("GET", "POST")
	r.HandleFunc("/payments/stats", h.PaymentStats).Methods("GET")
	r.HandleFunc("/payments/{id}", h.GetPayment).Methods("GET")
	r.HandleFunc("/payments/{id}/refund", h.RefundPayment).Methods("POST")

	r.HandleFunc("/reservations", h.CreateReservation).Methods("POST")
	r.HandleFunc("/reservations/{id}", h.CancelReservation).Methods("DELETE")
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}

		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDuration()

		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// --- loans ---

type issueLoanRequest struct {
	BorrowerID string `json:"borrower_id"`
	BookID     string `json:"book_id"`
}

func (h *Handler) IssueLoan(w http.ResponseWriter, r *http.Request) {
	var req issueLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.BorrowerID == "" || req.BookID == "" {
		respondWithError(w, http.StatusUnprocessableEntity, "borrower_id and book_id are required")
		return
	}

	loan, err := h.loans.Issue(r.Context(), req.BorrowerID, req.BookID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, loan)
}

func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	f := models.LoanFilter{
		Status:     models.LoanStatus(r.URL.Query().Get("status")),
		BorrowerID: r.URL.Query().Get("borrower_id"),
		BookID:     r.URL.Query().Get("book_id"),
	}
	loans, err := h.loans.List(r.Context(), f)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"count": len(loans), "data": loans})
}

func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.loans.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, loan)
}

func (h *Handler) RenewLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.loans.Renew(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, loan)
}

func (h *Handler) ReturnLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.loans.Return(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, loan)
}

func (h *Handler) MarkLost(w http.ResponseWriter, r *http.Request) {
	loan, err := h.loans.MarkLost(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, loan)
}

type waiveFineRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) WaiveFine(w http.ResponseWriter, r *http.Request) {
	var req waiveFineRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	loan, err := h.loans.WaiveFine(r.Context(), mux.Vars(r)["id"], req.Notes)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, loan)
}

func (h *Handler) SweepOverdue(w http.ResponseWriter, r *http.Request) {
	n, err := h.loans.SweepOverdue(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int{"marked_overdue": n})
}

// --- reservations ---

type createReservationRequest struct {
	BorrowerID string `json:"borrower_id"`
	BookID     string `json:"book_id"`
}

func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.BorrowerID == "" || req.BookID == "" {
		respondWithError(w, http.StatusUnprocessableEntity, "borrower_id and book_id are required")
		return
	}
	res, err := h.loans.Reserve(r.Context(), req.BorrowerID, req.BookID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, res)
}

func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	if err := h.loans.CancelReservation(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- payments ---

type initiatePaymentRequest struct {
	BorrowerID string `json:"borrower_id"`
}

func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req initiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.BorrowerID == "" {
		respondWithError(w, http.StatusUnprocessableEntity, "borrower_id is required")
		return
	}

	resp, err := h.payments.Initiate(r.Context(), mux.Vars(r)["loanId"], req.BorrowerID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, resp)
}

type callbackPayload struct {
	PaymentID string `json:"paymentID"`
	Status    string `json:"status"`
}

// BkashCallback is the inbound webhook. Once the payload is parseable we
// always answer 200: a non-2xx here triggers redelivery storms from the
// gateway, and internal failures are logged rather than surfaced.
func (h *Handler) BkashCallback(w http.ResponseWriter, r *http.Request) {
	p := callbackPayload{
		PaymentID: r.URL.Query().Get("paymentID"),
		Status:    r.URL.Query().Get("status"),
	}
	if p.PaymentID == "" && r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&p)
	}
	if p.PaymentID == "" || p.Status == "" {
		respondWithError(w, http.StatusBadRequest, "paymentID and status are required")
		return
	}

	start := time.Now()
	res, err := h.payments.HandleCallback(r.Context(), p.PaymentID, p.Status)
	if err != nil {
		h.log.Error("callback processing failed",
			"gateway_payment_id", p.PaymentID,
			"callback_status", p.Status,
			"error", err)
		respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	h.log.Info("callback processed",
		"gateway_payment_id", p.PaymentID,
		"callback_status", p.Status,
		"result_status", string(res.Status),
		"duplicate", res.Duplicate,
		"took", time.Since(start))
	respondWithJSON(w, http.StatusOK, res)
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.Refund(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

func (h *Handler) PaymentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.payments.Stats(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

// respondServiceError maps typed service errors onto HTTP statuses.
// Gateway faults get a generic retryable message; gateway internals are
// never leaked to callers.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrBookNotFound),
		errors.Is(err, models.ErrCopyNotFound),
		errors.Is(err, models.ErrLoanNotFound),
		errors.Is(err, models.ErrPaymentNotFound),
		errors.Is(err, models.ErrReservationNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrNoAvailableCopy),
		errors.Is(err, models.ErrAlreadyReturned),
		errors.Is(err, models.ErrReservationConflict),
		errors.Is(err, models.ErrPendingPaymentExists):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrUnpaidFineExists),
		errors.Is(err, models.ErrRenewalLimitExceeded),
		errors.Is(err, models.ErrNotActive),
		errors.Is(err, models.ErrNoPendingFine),
		errors.Is(err, models.ErrNotCompleted),
		errors.Is(err, models.ErrInvalidTransition):
		respondWithError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, models.ErrNotOwner):
		respondWithError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, gateway.ErrAuth),
		errors.Is(err, gateway.ErrCreate),
		errors.Is(err, gateway.ErrExecute):
		h.log.Error("gateway fault", "path", r.URL.Path, "error", err)
		respondWithError(w, http.StatusBadGateway, "payment could not be completed, please retry")
	default:
		h.log.Error("internal error", "path", r.URL.Path, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
