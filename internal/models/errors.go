package models

import "errors"

// Business-rule violations. Reported synchronously to the caller and
// never retried; they reflect state the caller can inspect and fix.
var (
	ErrNoAvailableCopy      = errors.New("no available copy")
	ErrUnpaidFineExists     = errors.New("borrower has an unpaid fine")
	ErrRenewalLimitExceeded = errors.New("renewal limit exceeded")
	ErrReservationConflict  = errors.New("book has outstanding reservations")
	ErrNotActive            = errors.New("loan is not active")
	ErrAlreadyReturned      = errors.New("loan already returned")
	ErrNoPendingFine        = errors.New("no pending fine for this loan")
	ErrPendingPaymentExists = errors.New("a pending payment already exists for this loan")
	ErrNotOwner             = errors.New("loan does not belong to this borrower")
	ErrNotCompleted         = errors.New("only completed payments can be refunded")
	ErrInvalidTransition    = errors.New("invalid copy state transition")
)

// Lookup failures.
var (
	ErrBookNotFound        = errors.New("book not found")
	ErrCopyNotFound        = errors.New("copy not found")
	ErrLoanNotFound        = errors.New("loan not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrReservationNotFound = errors.New("reservation not found")
)

// ErrPaymentNotPending guards terminal payment transitions: a payment
// row leaves pending exactly once.
var ErrPaymentNotPending = errors.New("payment is not pending")
