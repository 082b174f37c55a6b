package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/mehedihasan/libraryops/internal/models"
)

// Memory is an in-memory store implementing the same ports as Postgres.
// It backs the test suites and lets the API run without a database. One
// mutex guards everything, which makes copy acquisition trivially
// linearizable.
type Memory struct {
	mu           sync.Mutex
	books        map[string]models.Book
	copies       map[string]models.Copy
	loans        map[string]models.Loan
	payments     map[string]models.Payment
	byGatewayID  map[string]string
	reservations map[string]models.Reservation
}

func NewMemory() *Memory {
	return &Memory{
		books:        make(map[string]models.Book),
		copies:       make(map[string]models.Copy),
		loans:        make(map[string]models.Loan),
		payments:     make(map[string]models.Payment),
		byGatewayID:  make(map[string]string),
		reservations: make(map[string]models.Reservation),
	}
}

// --- catalog (owned by the catalog collaborator; only what the engine needs) ---

func (m *Memory) CreateBook(_ context.Context, b models.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[b.ID] = b
	return nil
}

func (m *Memory) GetBook(_ context.Context, id string) (models.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return models.Book{}, models.ErrBookNotFound
	}
	return b, nil
}

func (m *Memory) CreateCopy(_ context.Context, c models.Copy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copies[c.ID] = c
	m.recountLocked(c.BookID)
	return nil
}

func (m *Memory) GetCopy(_ context.Context, id string) (models.Copy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.copies[id]
	if !ok {
		return models.Copy{}, models.ErrCopyNotFound
	}
	return c, nil
}

// --- copy ledger ---

func (m *Memory) Acquire(_ context.Context, bookID string, from models.CopyStatus) (models.Copy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0)
	for id, c := range m.copies {
		if c.BookID == bookID && c.Status == from {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return models.Copy{}, models.ErrNoAvailableCopy
	}
	sort.Strings(ids)

	c := m.copies[ids[0]]
	now := time.Now()
	c.Status = models.CopyOnLoan
	c.LastBorrowed = &now
	m.copies[c.ID] = c
	m.recountLocked(bookID)
	return c, nil
}

func (m *Memory) Release(_ context.Context, copyID string) error {
	return m.transition(copyID, models.CopyOnLoan, models.CopyAvailable, true)
}

func (m *Memory) Hold(_ context.Context, copyID string) error {
	return m.transition(copyID, models.CopyOnLoan, models.CopyReserved, true)
}

func (m *Memory) Retire(_ context.Context, copyID string) error {
	return m.transition(copyID, models.CopyOnLoan, models.CopyMaintenance, false)
}

func (m *Memory) transition(copyID string, from, to models.CopyStatus, returned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.copies[copyID]
	if !ok {
		return models.ErrCopyNotFound
	}
	if c.Status != from {
		return models.ErrInvalidTransition
	}
	c.Status = to
	if returned {
		now := time.Now()
		c.LastReturned = &now
	}
	m.copies[copyID] = c
	m.recountLocked(c.BookID)
	return nil
}

func (m *Memory) Recount(_ context.Context, bookID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[bookID]; !ok {
		return 0, models.ErrBookNotFound
	}
	return m.recountLocked(bookID), nil
}

// recountLocked recomputes availability from copy states. Always a full
// recount, never an increment, so redundant recounts are harmless.
func (m *Memory) recountLocked(bookID string) int {
	n := 0
	for _, c := range m.copies {
		if c.BookID == bookID && c.Status == models.CopyAvailable {
			n++
		}
	}
	if b, ok := m.books[bookID]; ok {
		b.AvailableCopies = n
		m.books[bookID] = b
	}
	return n
}

// --- loans ---

func (m *Memory) CreateLoan(_ context.Context, l models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loans[l.ID] = l
	return nil
}

func (m *Memory) GetLoan(_ context.Context, id string) (models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loans[id]
	if !ok {
		return models.Loan{}, models.ErrLoanNotFound
	}
	return l, nil
}

func (m *Memory) UpdateLoan(_ context.Context, l models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loans[l.ID]; !ok {
		return models.ErrLoanNotFound
	}
	m.loans[l.ID] = l
	return nil
}

func (m *Memory) ListLoans(_ context.Context, f models.LoanFilter) ([]models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Loan, 0)
	for _, l := range m.loans {
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if f.BorrowerID != "" && l.BorrowerID != f.BorrowerID {
			continue
		}
		if f.BookID != "" && l.BookID != f.BookID {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssueDate.After(out[j].IssueDate) })
	return out, nil
}

func (m *Memory) BorrowerHasPendingFine(_ context.Context, borrowerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.loans {
		if l.BorrowerID == borrowerID && l.Fine.Status == models.FinePending && l.Fine.Amount > 0 {
			return true, nil
		}
	}
	return false, nil
}

// --- reservations ---

func (m *Memory) CreateReservation(_ context.Context, r models.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[r.ID] = r
	return nil
}

func (m *Memory) GetReservation(_ context.Context, id string) (models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return models.Reservation{}, models.ErrReservationNotFound
	}
	return r, nil
}

func (m *Memory) UpdateReservation(_ context.Context, r models.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reservations[r.ID]; !ok {
		return models.ErrReservationNotFound
	}
	m.reservations[r.ID] = r
	return nil
}

func (m *Memory) NextWaiting(_ context.Context, bookID string) (models.Reservation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best models.Reservation
	found := false
	for _, r := range m.reservations {
		if r.BookID != bookID || r.Status != models.ReservationWaiting {
			continue
		}
		if !found || r.CreatedAt.Before(best.CreatedAt) {
			best = r
			found = true
		}
	}
	return best, found, nil
}

func (m *Memory) ReadyFor(_ context.Context, bookID, borrowerID string) (models.Reservation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reservations {
		if r.BookID == bookID && r.BorrowerID == borrowerID && r.Status == models.ReservationReady {
			return r, true, nil
		}
	}
	return models.Reservation{}, false, nil
}

func (m *Memory) HasOutstanding(_ context.Context, bookID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reservations {
		if r.BookID == bookID && (r.Status == models.ReservationWaiting || r.Status == models.ReservationReady) {
			return true, nil
		}
	}
	return false, nil
}

// --- payments ---

func (m *Memory) CreatePayment(_ context.Context, p models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Mirrors the partial unique index on payments(loan_id) for pending
	// rows: one pending settlement attempt per loan.
	if p.Status == models.PaymentPending {
		for _, q := range m.payments {
			if q.LoanID == p.LoanID && q.Status == models.PaymentPending {
				return models.ErrPendingPaymentExists
			}
		}
	}
	m.payments[p.ID] = p
	return nil
}

func (m *Memory) GetPayment(_ context.Context, id string) (models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return models.Payment{}, models.ErrPaymentNotFound
	}
	return p, nil
}

func (m *Memory) GetPaymentByGatewayID(_ context.Context, gatewayPaymentID string) (models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byGatewayID[gatewayPaymentID]
	if !ok {
		return models.Payment{}, models.ErrPaymentNotFound
	}
	return m.payments[id], nil
}

func (m *Memory) SetGatewayRef(_ context.Context, id, gatewayPaymentID, redirectURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return models.ErrPaymentNotFound
	}
	p.GatewayPaymentID = gatewayPaymentID
	p.RedirectURL = redirectURL
	p.UpdatedAt = time.Now()
	m.payments[id] = p
	m.byGatewayID[gatewayPaymentID] = id
	return nil
}

func (m *Memory) FinishPayment(_ context.Context, id string, status models.PaymentStatus, trxID string, raw json.RawMessage, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return models.ErrPaymentNotFound
	}
	if p.Status != models.PaymentPending {
		return models.ErrPaymentNotPending
	}
	p.Status = status
	p.GatewayTrxID = trxID
	if raw != nil {
		p.GatewayResponse = raw
	}
	if notes != "" {
		p.Notes = notes
	}
	p.UpdatedAt = time.Now()
	m.payments[id] = p
	return nil
}

func (m *Memory) RefundPayment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return models.ErrPaymentNotFound
	}
	if p.Status != models.PaymentCompleted {
		return models.ErrNotCompleted
	}
	p.Status = models.PaymentRefunded
	p.UpdatedAt = time.Now()
	m.payments[id] = p
	return nil
}

func (m *Memory) CancelPendingForLoan(_ context.Context, loanID, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.payments {
		if p.LoanID == loanID && p.Status == models.PaymentPending {
			p.Status = models.PaymentCancelled
			p.Notes = notes
			p.UpdatedAt = time.Now()
			m.payments[id] = p
		}
	}
	return nil
}

func (m *Memory) PaymentStats(_ context.Context) (models.PaymentStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := models.PaymentStats{ByMethod: make(map[string]int64)}
	for _, p := range m.payments {
		if p.Status != models.PaymentCompleted && p.Status != models.PaymentRefunded {
			continue
		}
		stats.TotalCollected += p.Amount
		stats.Count++
		stats.ByMethod[p.Gateway] += p.Amount
	}
	return stats, nil
}
