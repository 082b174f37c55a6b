package models

import (
	"encoding/json"
	"time"
)

// CopyStatus is the custody state of a single physical copy.
type CopyStatus string

const (
	CopyAvailable   CopyStatus = "available"
	CopyOnLoan      CopyStatus = "on_loan"
	CopyReserved    CopyStatus = "reserved"
	CopyMaintenance CopyStatus = "maintenance"
)

// LoanStatus is the lifecycle state of a borrowing event.
type LoanStatus string

const (
	LoanActive   LoanStatus = "active"
	LoanReturned LoanStatus = "returned"
	LoanOverdue  LoanStatus = "overdue"
	LoanLost     LoanStatus = "lost"
)

// FineStatus tracks settlement of the fine embedded in a loan.
// Transitions are pending->paid and pending->waived only.
type FineStatus string

const (
	FineNone    FineStatus = ""
	FinePending FineStatus = "pending"
	FinePaid    FineStatus = "paid"
	FineWaived  FineStatus = "waived"
)

// PaymentStatus tracks one settlement attempt against a gateway.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Terminal reports whether a payment status can no longer change
// through the callback path.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentCompleted, PaymentFailed, PaymentCancelled, PaymentRefunded:
		return true
	}
	return false
}

// ReservationStatus is the state of a hold placed on a book.
type ReservationStatus string

const (
	ReservationWaiting   ReservationStatus = "waiting"
	ReservationReady     ReservationStatus = "ready"
	ReservationFulfilled ReservationStatus = "fulfilled"
	ReservationCancelled ReservationStatus = "cancelled"
)

// Book is a catalog entry. AvailableCopies is derived from copy states
// and recomputed by the copy ledger, never incremented in place.
type Book struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	ISBN            string `json:"isbn"`
	TotalCopies     int    `json:"total_copies"`
	AvailableCopies int    `json:"available_copies"`
}

// Copy is one physical instance of a book.
type Copy struct {
	ID           string     `json:"id"`
	BookID       string     `json:"book_id"`
	Status       CopyStatus `json:"status"`
	LastBorrowed *time.Time `json:"last_borrowed,omitempty"`
	LastReturned *time.Time `json:"last_returned,omitempty"`
}

// Fine is the monetary penalty embedded in an overdue loan.
// Amount is in whole BDT.
type Fine struct {
	Amount int64      `json:"amount"`
	Status FineStatus `json:"status,omitempty"`
	PaidAt *time.Time `json:"paid_at,omitempty"`
	Method string     `json:"method,omitempty"`
	Notes  string     `json:"notes,omitempty"`
}

// Loan is a borrowing event. Loans are never deleted; returned and lost
// loans are retained for audit.
type Loan struct {
	ID           string     `json:"id"`
	BorrowerID   string     `json:"borrower_id"`
	BookID       string     `json:"book_id"`
	CopyID       string     `json:"copy_id"`
	IssueDate    time.Time  `json:"issue_date"`
	DueDate      time.Time  `json:"due_date"`
	ReturnDate   *time.Time `json:"return_date,omitempty"`
	Status       LoanStatus `json:"status"`
	RenewalCount int        `json:"renewal_count"`
	Fine         Fine       `json:"fine"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// LoanFilter narrows ListLoans results. Zero values mean "any".
type LoanFilter struct {
	Status     LoanStatus
	BorrowerID string
	BookID     string
}

// Payment is one attempt to settle a loan's fine through the gateway.
// At most one payment per loan may be pending or completed at a time.
type Payment struct {
	ID               string          `json:"id"`
	BorrowerID       string          `json:"borrower_id"`
	LoanID           string          `json:"loan_id"`
	Amount           int64           `json:"amount"`
	Currency         string          `json:"currency"`
	Status           PaymentStatus   `json:"status"`
	Gateway          string          `json:"gateway"`
	GatewayPaymentID string          `json:"gateway_payment_id,omitempty"`
	GatewayTrxID     string          `json:"gateway_trx_id,omitempty"`
	RedirectURL      string          `json:"redirect_url,omitempty"`
	GatewayResponse  json.RawMessage `json:"gateway_response,omitempty"`
	Notes            string          `json:"notes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Reservation is a hold placed on a book while all copies are out.
type Reservation struct {
	ID         string            `json:"id"`
	BookID     string            `json:"book_id"`
	BorrowerID string            `json:"borrower_id"`
	Status     ReservationStatus `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
}

// GatewayCreateResult is the normalized outcome of a checkout/create call.
type GatewayCreateResult struct {
	PaymentID   string
	RedirectURL string
}

// GatewayExecuteResult is the normalized outcome of a checkout/execute call.
type GatewayExecuteResult struct {
	Completed  bool
	TrxID      string
	StatusCode string
	Raw        json.RawMessage
}

// CallbackResult is what the reconciler reports for a delivery. Duplicate
// deliveries replay the previously recorded outcome.
type CallbackResult struct {
	PaymentID string        `json:"payment_id,omitempty"`
	Status    PaymentStatus `json:"status,omitempty"`
	TrxID     string        `json:"trx_id,omitempty"`
	Duplicate bool          `json:"duplicate,omitempty"`
	NotFound  bool          `json:"not_found,omitempty"`
}

// PaymentStats is the aggregate served by the admin stats endpoint.
type PaymentStats struct {
	TotalCollected int64            `json:"total_collected"`
	Count          int              `json:"count"`
	ByMethod       map[string]int64 `json:"by_method"`
}

// InitiatePaymentResponse is returned to the frontend so it can redirect
// the borrower to the gateway's checkout page.
type InitiatePaymentResponse struct {
	PaymentID string `json:"payment_id"`
	BkashURL  string `json:"bkash_url"`
}
