package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mehedihasan/libraryops/internal/models"
	"github.com/mehedihasan/libraryops/internal/policy"
)

// LoanService owns the loan lifecycle: issue, renew, return, mark-lost.
// It drives copy custody through the CopyLedger and fine assessment
// through the fine policy. All precondition violations surface as typed
// errors; none are retried here.
type LoanService struct {
	ledger CopyLedger
	loans  LoanStore
	res    ReservationStore
	fines  *policy.Fine
	log    *slog.Logger

	loanDuration    time.Duration
	renewalDuration time.Duration
	maxRenewals     int
}

func NewLoanService(ledger CopyLedger, loans LoanStore, res ReservationStore, fines *policy.Fine, log *slog.Logger, loanDuration, renewalDuration time.Duration, maxRenewals int) *LoanService {
	return &LoanService{
		ledger:          ledger,
		loans:           loans,
		res:             res,
		fines:           fines,
		log:             log,
		loanDuration:    loanDuration,
		renewalDuration: renewalDuration,
		maxRenewals:     maxRenewals,
	}
}

// Issue lends one copy of a book to a borrower. A borrower with any
// pending fine cannot borrow. A borrower whose reservation is ready
// redeems the parked copy; everyone else takes an available one.
func (s *LoanService) Issue(ctx context.Context, borrowerID, bookID string) (models.Loan, error) {
	unpaid, err := s.loans.BorrowerHasPendingFine(ctx, borrowerID)
	if err != nil {
		return models.Loan{}, fmt.Errorf("fine check failed: %w", err)
	}
	if unpaid {
		return models.Loan{}, models.ErrUnpaidFineExists
	}

	from := models.CopyAvailable
	var ready *models.Reservation
	if r, ok, err := s.res.ReadyFor(ctx, bookID, borrowerID); err != nil {
		return models.Loan{}, fmt.Errorf("reservation lookup failed: %w", err)
	} else if ok {
		from = models.CopyReserved
		ready = &r
	}

	cp, err := s.ledger.Acquire(ctx, bookID, from)
	if err != nil {
		return models.Loan{}, err
	}

	now := time.Now()
	loan := models.Loan{
		ID:         uuid.NewString(),
		BorrowerID: borrowerID,
		BookID:     bookID,
		CopyID:     cp.ID,
		IssueDate:  now,
		DueDate:    now.Add(s.loanDuration),
		Status:     models.LoanActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.loans.CreateLoan(ctx, loan); err != nil {
		// Put the copy back in the state it came from: a redeemed copy
		// stays parked for its reservation, not released to the shelf.
		restore := s.ledger.Release
		if from == models.CopyReserved {
			restore = s.ledger.Hold
		}
		if relErr := restore(ctx, cp.ID); relErr != nil {
			s.log.Error("copy restore after failed loan create", "copy_id", cp.ID, "error", relErr)
		}
		return models.Loan{}, fmt.Errorf("loan create failed: %w", err)
	}

	if ready != nil {
		ready.Status = models.ReservationFulfilled
		if err := s.res.UpdateReservation(ctx, *ready); err != nil {
			s.log.Error("reservation fulfillment update", "reservation_id", ready.ID, "error", err)
		}
	}

	loansIssued.Inc()
	return loan, nil
}

// Renew extends an active loan's due date. Renewal is refused once the
// configured maximum is reached or while the book has outstanding
// reservations.
func (s *LoanService) Renew(ctx context.Context, loanID string) (models.Loan, error) {
	loan, err := s.loans.GetLoan(ctx, loanID)
	if err != nil {
		return models.Loan{}, err
	}
	if loan.Status != models.LoanActive {
		return models.Loan{}, models.ErrNotActive
	}
	if loan.RenewalCount >= s.maxRenewals {
		return models.Loan{}, models.ErrRenewalLimitExceeded
	}

	reserved, err := s.res.HasOutstanding(ctx, loan.BookID)
	if err != nil {
		return models.Loan{}, fmt.Errorf("reservation check failed: %w", err)
	}
	if reserved {
		return models.Loan{}, models.ErrReservationConflict
	}

	now := time.Now()
	loan.DueDate = now.Add(s.renewalDuration)
	loan.RenewalCount++
	loan.UpdatedAt = now
	if err := s.loans.UpdateLoan(ctx, loan); err != nil {
		return models.Loan{}, fmt.Errorf("loan update failed: %w", err)
	}
	return loan, nil
}

// Return closes a loan, assesses a fine when overdue, and routes the
// copy either back to the shelf or to the next waiting reservation.
// Returning an already-returned loan fails with ErrAlreadyReturned and
// has no side effect.
func (s *LoanService) Return(ctx context.Context, loanID string) (models.Loan, error) {
	loan, err := s.loans.GetLoan(ctx, loanID)
	if err != nil {
		return models.Loan{}, err
	}
	switch loan.Status {
	case models.LoanReturned:
		return models.Loan{}, models.ErrAlreadyReturned
	case models.LoanActive, models.LoanOverdue:
	default:
		return models.Loan{}, models.ErrNotActive
	}

	now := time.Now()
	loan.ReturnDate = &now
	loan.Status = models.LoanReturned
	loan.UpdatedAt = now

	if days := overdueDays(loan.DueDate, now); days > 0 {
		loan.Fine = models.Fine{
			Amount: s.fines.Compute(days),
			Status: models.FinePending,
		}
		finesAssessed.Inc()
	}

	if err := s.loans.UpdateLoan(ctx, loan); err != nil {
		return models.Loan{}, fmt.Errorf("loan update failed: %w", err)
	}

	if next, ok, err := s.res.NextWaiting(ctx, loan.BookID); err != nil {
		s.log.Error("reservation lookup on return", "book_id", loan.BookID, "error", err)
	} else if ok {
		if err := s.ledger.Hold(ctx, loan.CopyID); err != nil {
			return models.Loan{}, err
		}
		next.Status = models.ReservationReady
		if err := s.res.UpdateReservation(ctx, next); err != nil {
			s.log.Error("reservation ready update", "reservation_id", next.ID, "error", err)
		}
		loansReturned.Inc()
		return loan, nil
	}

	if err := s.ledger.Release(ctx, loan.CopyID); err != nil {
		return models.Loan{}, err
	}
	loansReturned.Inc()
	return loan, nil
}

// MarkLost flags a loan as lost. The copy is retired to maintenance and
// stays unavailable; replacement is the catalog's concern, not ours.
func (s *LoanService) MarkLost(ctx context.Context, loanID string) (models.Loan, error) {
	loan, err := s.loans.GetLoan(ctx, loanID)
	if err != nil {
		return models.Loan{}, err
	}
	switch loan.Status {
	case models.LoanActive, models.LoanOverdue:
	case models.LoanReturned:
		return models.Loan{}, models.ErrAlreadyReturned
	default:
		return models.Loan{}, models.ErrNotActive
	}

	loan.Status = models.LoanLost
	loan.UpdatedAt = time.Now()
	if err := s.loans.UpdateLoan(ctx, loan); err != nil {
		return models.Loan{}, fmt.Errorf("loan update failed: %w", err)
	}
	if err := s.ledger.Retire(ctx, loan.CopyID); err != nil {
		return models.Loan{}, err
	}
	return loan, nil
}

// WaiveFine clears a pending fine without payment.
func (s *LoanService) WaiveFine(ctx context.Context, loanID, notes string) (models.Loan, error) {
	loan, err := s.loans.GetLoan(ctx, loanID)
	if err != nil {
		return models.Loan{}, err
	}
	if loan.Fine.Status != models.FinePending || loan.Fine.Amount <= 0 {
		return models.Loan{}, models.ErrNoPendingFine
	}

	now := time.Now()
	loan.Fine.Status = models.FineWaived
	loan.Fine.Notes = notes
	loan.UpdatedAt = now
	if err := s.loans.UpdateLoan(ctx, loan); err != nil {
		return models.Loan{}, fmt.Errorf("loan update failed: %w", err)
	}
	return loan, nil
}

// SweepOverdue flips active loans past their due date to overdue and
// returns how many were flipped. Safe to run repeatedly.
func (s *LoanService) SweepOverdue(ctx context.Context) (int, error) {
	active, err := s.loans.ListLoans(ctx, models.LoanFilter{Status: models.LoanActive})
	if err != nil {
		return 0, err
	}

	now := time.Now()
	flipped := 0
	for _, loan := range active {
		if !loan.DueDate.Before(now) {
			continue
		}
		loan.Status = models.LoanOverdue
		loan.UpdatedAt = now
		if err := s.loans.UpdateLoan(ctx, loan); err != nil {
			s.log.Error("overdue sweep update", "loan_id", loan.ID, "error", err)
			continue
		}
		flipped++
	}
	return flipped, nil
}

func (s *LoanService) Get(ctx context.Context, loanID string) (models.Loan, error) {
	return s.loans.GetLoan(ctx, loanID)
}

func (s *LoanService) List(ctx context.Context, f models.LoanFilter) ([]models.Loan, error) {
	return s.loans.ListLoans(ctx, f)
}

// Reserve places a hold on a book for a borrower.
func (s *LoanService) Reserve(ctx context.Context, borrowerID, bookID string) (models.Reservation, error) {
	r := models.Reservation{
		ID:         uuid.NewString(),
		BookID:     bookID,
		BorrowerID: borrowerID,
		Status:     models.ReservationWaiting,
		CreatedAt:  time.Now(),
	}
	if err := s.res.CreateReservation(ctx, r); err != nil {
		return models.Reservation{}, err
	}
	return r, nil
}

// CancelReservation withdraws a waiting or ready hold. A ready hold
// releases its parked copy back to the shelf.
func (s *LoanService) CancelReservation(ctx context.Context, id string) error {
	r, err := s.res.GetReservation(ctx, id)
	if err != nil {
		return err
	}
	switch r.Status {
	case models.ReservationWaiting, models.ReservationReady:
	default:
		return models.ErrReservationNotFound
	}

	wasReady := r.Status == models.ReservationReady
	r.Status = models.ReservationCancelled
	if err := s.res.UpdateReservation(ctx, r); err != nil {
		return err
	}

	if wasReady {
		cp, err := s.ledger.Acquire(ctx, r.BookID, models.CopyReserved)
		if err != nil {
			s.log.Error("no parked copy for cancelled reservation", "reservation_id", r.ID, "error", err)
			return nil
		}
		if err := s.ledger.Release(ctx, cp.ID); err != nil {
			return err
		}
	}
	return nil
}

// overdueDays counts whole late days, rounding any partial day up.
func overdueDays(due, returned time.Time) int {
	if !returned.After(due) {
		return 0
	}
	const day = 24 * time.Hour
	late := returned.Sub(due)
	days := int(late / day)
	if late%day != 0 {
		days++
	}
	return days
}
