package service

import (
	"context"
	"encoding/json"

	"github.com/mehedihasan/libraryops/internal/models"
)

// CopyLedger is the sole writer of copy custody state and of the derived
// Book.AvailableCopies count. Every transition recounts availability
// from copy states; nothing increments or decrements the cached value.
type CopyLedger interface {
	// Acquire moves one copy of the book in state from to on_loan and
	// returns it. Fails with models.ErrNoAvailableCopy when no copy in
	// that state exists. Two concurrent acquires never win the same copy.
	Acquire(ctx context.Context, bookID string, from models.CopyStatus) (models.Copy, error)
	// Release moves an on_loan copy back to available.
	Release(ctx context.Context, copyID string) error
	// Hold moves an on_loan copy to reserved, parking it for the next
	// waiting reservation instead of returning it to the open shelf.
	Hold(ctx context.Context, copyID string) error
	// Retire moves an on_loan copy to maintenance, used when a loan is
	// marked lost and the copy awaits replacement.
	Retire(ctx context.Context, copyID string) error
	// Recount recomputes a book's available-copy count from copy states.
	Recount(ctx context.Context, bookID string) (int, error)
}

type LoanStore interface {
	CreateLoan(ctx context.Context, l models.Loan) error
	GetLoan(ctx context.Context, id string) (models.Loan, error)
	UpdateLoan(ctx context.Context, l models.Loan) error
	ListLoans(ctx context.Context, f models.LoanFilter) ([]models.Loan, error)
	// BorrowerHasPendingFine reports whether any loan of the borrower
	// carries a fine still in pending status.
	BorrowerHasPendingFine(ctx context.Context, borrowerID string) (bool, error)
}

type ReservationStore interface {
	CreateReservation(ctx context.Context, r models.Reservation) error
	GetReservation(ctx context.Context, id string) (models.Reservation, error)
	UpdateReservation(ctx context.Context, r models.Reservation) error
	// NextWaiting returns the oldest waiting reservation for a book.
	NextWaiting(ctx context.Context, bookID string) (models.Reservation, bool, error)
	// ReadyFor returns the borrower's ready reservation for a book, if any.
	ReadyFor(ctx context.Context, bookID, borrowerID string) (models.Reservation, bool, error)
	// HasOutstanding reports waiting or ready reservations for a book.
	HasOutstanding(ctx context.Context, bookID string) (bool, error)
}

type PaymentStore interface {
	CreatePayment(ctx context.Context, p models.Payment) error
	GetPayment(ctx context.Context, id string) (models.Payment, error)
	GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (models.Payment, error)
	// SetGatewayRef records the gateway's payment id and redirect URL on
	// a freshly created pending row.
	SetGatewayRef(ctx context.Context, id, gatewayPaymentID, redirectURL string) error
	// FinishPayment moves a payment from pending to the given terminal
	// status. It is conditional: a row that already left pending returns
	// models.ErrPaymentNotPending and is left untouched.
	FinishPayment(ctx context.Context, id string, status models.PaymentStatus, trxID string, raw json.RawMessage, notes string) error
	// RefundPayment moves completed to refunded, conditionally.
	RefundPayment(ctx context.Context, id string) error
	// CancelPendingForLoan cancels any pending payment rows for a loan,
	// used when a new settlement attempt supersedes an abandoned one.
	CancelPendingForLoan(ctx context.Context, loanID, notes string) error
	PaymentStats(ctx context.Context) (models.PaymentStats, error)
}

// Gateway is the outbound payment-gateway port, implemented by
// gateway.BkashClient and by test fakes.
type Gateway interface {
	CreatePayment(ctx context.Context, amount int64, invoiceID string) (models.GatewayCreateResult, error)
	ExecutePayment(ctx context.Context, gatewayPaymentID string) (models.GatewayExecuteResult, error)
}
