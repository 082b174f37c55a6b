package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mehedihasan/libraryops/internal/models"
)

const gatewayName = "bkash"

// PaymentService starts settlement attempts and reconciles gateway
// callbacks against the payment ledger. The reconciler is the single
// point where the gateway's asynchronous truth is folded into our state,
// exactly once per payment.
type PaymentService struct {
	payments PaymentStore
	loans    LoanStore
	gw       Gateway
	log      *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewPaymentService(payments PaymentStore, loans LoanStore, gw Gateway, log *slog.Logger) *PaymentService {
	return &PaymentService{
		payments: payments,
		loans:    loans,
		gw:       gw,
		log:      log,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Initiate starts a gateway checkout for a loan's pending fine. The
// whole cancel-stale-then-create sequence runs under a per-loan lock so
// at most one pending payment exists per loan; the store's pending-
// uniqueness constraint is the backstop across processes. On a gateway
// create failure the new row stays pending; the borrower may retry or
// abandon it.
func (s *PaymentService) Initiate(ctx context.Context, loanID, borrowerID string) (models.InitiatePaymentResponse, error) {
	mu := s.lockFor("loan:" + loanID)
	mu.Lock()
	defer mu.Unlock()

	loan, err := s.loans.GetLoan(ctx, loanID)
	if err != nil {
		return models.InitiatePaymentResponse{}, err
	}
	if loan.BorrowerID != borrowerID {
		return models.InitiatePaymentResponse{}, models.ErrNotOwner
	}
	if loan.Fine.Status != models.FinePending || loan.Fine.Amount <= 0 {
		return models.InitiatePaymentResponse{}, models.ErrNoPendingFine
	}

	if err := s.payments.CancelPendingForLoan(ctx, loanID, "superseded by new attempt"); err != nil {
		return models.InitiatePaymentResponse{}, fmt.Errorf("cancel stale attempts: %w", err)
	}

	now := time.Now()
	p := models.Payment{
		ID:         uuid.NewString(),
		BorrowerID: borrowerID,
		LoanID:     loanID,
		Amount:     loan.Fine.Amount,
		Currency:   "BDT",
		Status:     models.PaymentPending,
		Gateway:    gatewayName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.payments.CreatePayment(ctx, p); err != nil {
		return models.InitiatePaymentResponse{}, fmt.Errorf("payment create failed: %w", err)
	}

	created, err := s.gw.CreatePayment(ctx, p.Amount, p.ID)
	if err != nil {
		return models.InitiatePaymentResponse{}, err
	}

	if err := s.payments.SetGatewayRef(ctx, p.ID, created.PaymentID, created.RedirectURL); err != nil {
		return models.InitiatePaymentResponse{}, fmt.Errorf("gateway ref update failed: %w", err)
	}

	return models.InitiatePaymentResponse{PaymentID: p.ID, BkashURL: created.RedirectURL}, nil
}

// HandleCallback processes one webhook delivery from the gateway. The
// whole check-execute-write sequence runs under a per-payment lock so
// near-simultaneous duplicate deliveries cannot both call execute; the
// conditional FinishPayment update is the backstop. A payment never
// stays pending once a callback for it has been received.
func (s *PaymentService) HandleCallback(ctx context.Context, gatewayPaymentID, status string) (models.CallbackResult, error) {
	mu := s.lockFor(gatewayPaymentID)
	mu.Lock()
	res, err := s.reconcile(ctx, gatewayPaymentID, status)
	mu.Unlock()

	if err == nil && (res.NotFound || res.Status.Terminal()) {
		s.evictLock(gatewayPaymentID)
	}
	return res, err
}

func (s *PaymentService) reconcile(ctx context.Context, gatewayPaymentID, status string) (models.CallbackResult, error) {
	p, err := s.payments.GetPaymentByGatewayID(ctx, gatewayPaymentID)
	if err != nil {
		if errors.Is(err, models.ErrPaymentNotFound) {
			// Unknown to us. Answer terminally so the gateway stops
			// redelivering.
			s.log.Warn("callback for unknown payment", "gateway_payment_id", gatewayPaymentID)
			return models.CallbackResult{NotFound: true}, nil
		}
		return models.CallbackResult{}, err
	}

	if p.Status.Terminal() {
		callbackDuplicates.Inc()
		return models.CallbackResult{
			PaymentID: p.ID,
			Status:    p.Status,
			TrxID:     p.GatewayTrxID,
			Duplicate: true,
		}, nil
	}

	if status != "success" {
		final := models.PaymentFailed
		if status == "cancel" {
			final = models.PaymentCancelled
		}
		return s.finish(ctx, p, final, "", nil, "callback status "+status)
	}

	exec, err := s.gw.ExecutePayment(ctx, p.GatewayPaymentID)
	if err != nil {
		// The gateway will not redeliver a success callback, so the row
		// must leave pending even on a transport failure.
		return s.finish(ctx, p, models.PaymentFailed, "", nil, "execute error: "+err.Error())
	}
	if !exec.Completed {
		return s.finish(ctx, p, models.PaymentFailed, exec.TrxID, exec.Raw, "execute status "+exec.StatusCode)
	}

	res, err := s.finish(ctx, p, models.PaymentCompleted, exec.TrxID, exec.Raw, "")
	if err != nil || res.Duplicate {
		return res, err
	}
	s.settleFine(ctx, p.LoanID)
	s.evictLock("loan:" + p.LoanID)
	return res, nil
}

// finish drives the payment to a terminal status. Losing the conditional
// update race is reported as a duplicate, mirroring what the winning
// delivery recorded.
func (s *PaymentService) finish(ctx context.Context, p models.Payment, status models.PaymentStatus, trxID string, raw json.RawMessage, notes string) (models.CallbackResult, error) {
	err := s.payments.FinishPayment(ctx, p.ID, status, trxID, raw, notes)
	if err != nil {
		if errors.Is(err, models.ErrPaymentNotPending) {
			callbackDuplicates.Inc()
			cur, lookupErr := s.payments.GetPayment(ctx, p.ID)
			if lookupErr != nil {
				return models.CallbackResult{}, lookupErr
			}
			return models.CallbackResult{
				PaymentID: cur.ID,
				Status:    cur.Status,
				TrxID:     cur.GatewayTrxID,
				Duplicate: true,
			}, nil
		}
		return models.CallbackResult{}, err
	}

	paymentsFinished.WithLabelValues(string(status)).Inc()
	return models.CallbackResult{PaymentID: p.ID, Status: status, TrxID: trxID}, nil
}

// settleFine moves the loan's fine from pending to paid after a
// completed payment. A fine already settled by waive is logged and left
// alone; the payment record keeps the money trail either way.
func (s *PaymentService) settleFine(ctx context.Context, loanID string) {
	loan, err := s.loans.GetLoan(ctx, loanID)
	if err != nil {
		s.log.Error("loan lookup after completed payment", "loan_id", loanID, "error", err)
		return
	}
	if loan.Fine.Status != models.FinePending {
		s.log.Warn("completed payment for non-pending fine",
			"loan_id", loanID, "fine_status", string(loan.Fine.Status))
		return
	}

	now := time.Now()
	loan.Fine.Status = models.FinePaid
	loan.Fine.PaidAt = &now
	loan.Fine.Method = gatewayName
	loan.UpdatedAt = now
	if err := s.loans.UpdateLoan(ctx, loan); err != nil {
		s.log.Error("fine settlement update", "loan_id", loanID, "error", err)
	}
}

// Refund moves a completed payment to refunded. The fine stays as the
// record of what was owed; a goodwill reversal of the fine itself goes
// through the waive path.
func (s *PaymentService) Refund(ctx context.Context, paymentID string) (models.Payment, error) {
	if err := s.payments.RefundPayment(ctx, paymentID); err != nil {
		return models.Payment{}, err
	}
	return s.payments.GetPayment(ctx, paymentID)
}

func (s *PaymentService) Get(ctx context.Context, paymentID string) (models.Payment, error) {
	return s.payments.GetPayment(ctx, paymentID)
}

func (s *PaymentService) Stats(ctx context.Context) (models.PaymentStats, error) {
	return s.payments.PaymentStats(ctx)
}

func (s *PaymentService) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}

// evictLock drops a lock entry once the payment it guards can no longer
// change. A waiter still holding the old mutex races only against the
// store's conditional updates, which reject anything but the first
// terminal transition.
func (s *PaymentService) evictLock(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
}
