package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mehedihasan/libraryops/internal/models"
)

// Postgres implements the service ports on pgx. Copy acquisition locks
// the chosen copy row (SKIP LOCKED, so concurrent acquirers pick
// different copies) and recounts availability inside the same
// transaction. Payment terminal transitions are conditional updates
// guarded on status='pending'.
type Postgres struct {
	Db *pgxpool.Pool
}

func NewPostgres(connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

// EnsureSchema creates the tables the engine owns. The catalog
// collaborator owns richer book metadata; we only keep what circulation
// needs.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.Db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS books (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL,
	author           TEXT NOT NULL,
	isbn             TEXT NOT NULL UNIQUE,
	total_copies     INT NOT NULL DEFAULT 0,
	available_copies INT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS copies (
	id            TEXT PRIMARY KEY,
	book_id       TEXT NOT NULL REFERENCES books(id),
	status        TEXT NOT NULL DEFAULT 'available',
	last_borrowed TIMESTAMPTZ,
	last_returned TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_copies_book_status ON copies(book_id, status);
CREATE TABLE IF NOT EXISTS loans (
	id            TEXT PRIMARY KEY,
	borrower_id   TEXT NOT NULL,
	book_id       TEXT NOT NULL REFERENCES books(id),
	copy_id       TEXT NOT NULL REFERENCES copies(id),
	issue_date    TIMESTAMPTZ NOT NULL,
	due_date      TIMESTAMPTZ NOT NULL,
	return_date   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	renewal_count INT NOT NULL DEFAULT 0,
	fine_amount   BIGINT NOT NULL DEFAULT 0,
	fine_status   TEXT NOT NULL DEFAULT '',
	fine_paid_at  TIMESTAMPTZ,
	fine_method   TEXT NOT NULL DEFAULT '',
	fine_notes    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_loans_borrower ON loans(borrower_id);
CREATE TABLE IF NOT EXISTS payments (
	id                 TEXT PRIMARY KEY,
	borrower_id        TEXT NOT NULL,
	loan_id            TEXT NOT NULL REFERENCES loans(id),
	amount             BIGINT NOT NULL,
	currency           TEXT NOT NULL,
	status             TEXT NOT NULL,
	gateway            TEXT NOT NULL,
	gateway_payment_id TEXT UNIQUE,
	gateway_trx_id     TEXT NOT NULL DEFAULT '',
	redirect_url       TEXT NOT NULL DEFAULT '',
	gateway_response   JSONB,
	notes              TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_loan_pending ON payments(loan_id) WHERE status = 'pending';
CREATE TABLE IF NOT EXISTS reservations (
	id          TEXT PRIMARY KEY,
	book_id     TEXT NOT NULL REFERENCES books(id),
	borrower_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_book_status ON reservations(book_id, status);
`)
	return err
}

// --- catalog ---

func (s *Postgres) CreateBook(ctx context.Context, b models.Book) error {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO books (id, title, author, isbn, total_copies, available_copies) VALUES ($1, $2, $3, $4, $5, $6)",
		b.ID, b.Title, b.Author, b.ISBN, b.TotalCopies, b.AvailableCopies)
	return err
}

func (s *Postgres) GetBook(ctx context.Context, id string) (models.Book, error) {
	var b models.Book
	err := s.Db.QueryRow(ctx,
		"SELECT id, title, author, isbn, total_copies, available_copies FROM books WHERE id = $1",
		id).Scan(&b.ID, &b.Title, &b.Author, &b.ISBN, &b.TotalCopies, &b.AvailableCopies)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Book{}, models.ErrBookNotFound
		}
		return models.Book{}, err
	}
	return b, nil
}

func (s *Postgres) CreateCopy(ctx context.Context, c models.Copy) error {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO copies (id, book_id, status) VALUES ($1, $2, $3)",
		c.ID, c.BookID, c.Status)
	if err != nil {
		return err
	}
	_, err = s.Recount(ctx, c.BookID)
	return err
}

func (s *Postgres) GetCopy(ctx context.Context, id string) (models.Copy, error) {
	var c models.Copy
	err := s.Db.QueryRow(ctx,
		"SELECT id, book_id, status, last_borrowed, last_returned FROM copies WHERE id = $1",
		id).Scan(&c.ID, &c.BookID, &c.Status, &c.LastBorrowed, &c.LastReturned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Copy{}, models.ErrCopyNotFound
		}
		return models.Copy{}, err
	}
	return c, nil
}

// --- copy ledger ---

func (s *Postgres) Acquire(ctx context.Context, bookID string, from models.CopyStatus) (models.Copy, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Copy{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var c models.Copy
	err = tx.QueryRow(ctx,
		"SELECT id, book_id FROM copies WHERE book_id = $1 AND status = $2 ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED",
		bookID, from).Scan(&c.ID, &c.BookID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Copy{}, models.ErrNoAvailableCopy
		}
		return models.Copy{}, fmt.Errorf("copy selection failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		"UPDATE copies SET status = $1, last_borrowed = now() WHERE id = $2",
		models.CopyOnLoan, c.ID)
	if err != nil {
		return models.Copy{}, fmt.Errorf("copy update failed: %w", err)
	}
	c.Status = models.CopyOnLoan

	if err := recountTx(ctx, tx, bookID); err != nil {
		return models.Copy{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Copy{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return c, nil
}

func (s *Postgres) Release(ctx context.Context, copyID string) error {
	return s.transition(ctx, copyID, models.CopyAvailable, true)
}

func (s *Postgres) Hold(ctx context.Context, copyID string) error {
	return s.transition(ctx, copyID, models.CopyReserved, true)
}

func (s *Postgres) Retire(ctx context.Context, copyID string) error {
	return s.transition(ctx, copyID, models.CopyMaintenance, false)
}

// transition moves an on_loan copy to a new state. The update is
// conditional on the current state so a double release cannot happen.
func (s *Postgres) transition(ctx context.Context, copyID string, to models.CopyStatus, returned bool) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	q := "UPDATE copies SET status = $1 WHERE id = $2 AND status = $3 RETURNING book_id"
	if returned {
		q = "UPDATE copies SET status = $1, last_returned = now() WHERE id = $2 AND status = $3 RETURNING book_id"
	}

	var bookID string
	err = tx.QueryRow(ctx, q, to, copyID, models.CopyOnLoan).Scan(&bookID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if chkErr := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM copies WHERE id = $1)", copyID).Scan(&exists); chkErr != nil {
				return chkErr
			}
			if !exists {
				return models.ErrCopyNotFound
			}
			return models.ErrInvalidTransition
		}
		return fmt.Errorf("copy update failed: %w", err)
	}

	if err := recountTx(ctx, tx, bookID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *Postgres) Recount(ctx context.Context, bookID string) (int, error) {
	var n int
	err := s.Db.QueryRow(ctx, `
UPDATE books SET available_copies =
	(SELECT count(*) FROM copies WHERE book_id = $1 AND status = 'available')
WHERE id = $1 RETURNING available_copies`, bookID).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, models.ErrBookNotFound
		}
		return 0, err
	}
	return n, nil
}

// recountTx recomputes a book's availability inside the caller's
// transaction. The book row lock is taken as its own statement first:
// under READ COMMITTED the count subquery must start on a snapshot that
// already includes the copy states committed by whoever held the lock
// before us.
func recountTx(ctx context.Context, tx pgx.Tx, bookID string) error {
	if _, err := tx.Exec(ctx, "SELECT 1 FROM books WHERE id = $1 FOR UPDATE", bookID); err != nil {
		return fmt.Errorf("book lock failed: %w", err)
	}
	_, err := tx.Exec(ctx, `
UPDATE books SET available_copies =
	(SELECT count(*) FROM copies WHERE book_id = $1 AND status = 'available')
WHERE id = $1`, bookID)
	if err != nil {
		return fmt.Errorf("recount failed: %w", err)
	}
	return nil
}

// --- loans ---

const loanColumns = `id, borrower_id, book_id, copy_id, issue_date, due_date, return_date,
status, renewal_count, fine_amount, fine_status, fine_paid_at, fine_method, fine_notes,
created_at, updated_at`

func scanLoan(row pgx.Row) (models.Loan, error) {
	var l models.Loan
	err := row.Scan(&l.ID, &l.BorrowerID, &l.BookID, &l.CopyID, &l.IssueDate, &l.DueDate,
		&l.ReturnDate, &l.Status, &l.RenewalCount, &l.Fine.Amount, &l.Fine.Status,
		&l.Fine.PaidAt, &l.Fine.Method, &l.Fine.Notes, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

func (s *Postgres) CreateLoan(ctx context.Context, l models.Loan) error {
	_, err := s.Db.Exec(ctx, `
INSERT INTO loans (`+loanColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		l.ID, l.BorrowerID, l.BookID, l.CopyID, l.IssueDate, l.DueDate, l.ReturnDate,
		l.Status, l.RenewalCount, l.Fine.Amount, l.Fine.Status, l.Fine.PaidAt,
		l.Fine.Method, l.Fine.Notes, l.CreatedAt, l.UpdatedAt)
	return err
}

func (s *Postgres) GetLoan(ctx context.Context, id string) (models.Loan, error) {
	l, err := scanLoan(s.Db.QueryRow(ctx, "SELECT "+loanColumns+" FROM loans WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Loan{}, models.ErrLoanNotFound
		}
		return models.Loan{}, err
	}
	return l, nil
}

func (s *Postgres) UpdateLoan(ctx context.Context, l models.Loan) error {
	tag, err := s.Db.Exec(ctx, `
UPDATE loans SET due_date = $2, return_date = $3, status = $4, renewal_count = $5,
fine_amount = $6, fine_status = $7, fine_paid_at = $8, fine_method = $9,
fine_notes = $10, updated_at = $11
WHERE id = $1`,
		l.ID, l.DueDate, l.ReturnDate, l.Status, l.RenewalCount, l.Fine.Amount,
		l.Fine.Status, l.Fine.PaidAt, l.Fine.Method, l.Fine.Notes, l.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrLoanNotFound
	}
	return nil
}

func (s *Postgres) ListLoans(ctx context.Context, f models.LoanFilter) ([]models.Loan, error) {
	q := "SELECT " + loanColumns + " FROM loans WHERE 1=1"
	args := []interface{}{}
	if f.Status != "" {
		args = append(args, f.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.BorrowerID != "" {
		args = append(args, f.BorrowerID)
		q += fmt.Sprintf(" AND borrower_id = $%d", len(args))
	}
	if f.BookID != "" {
		args = append(args, f.BookID)
		q += fmt.Sprintf(" AND book_id = $%d", len(args))
	}
	q += " ORDER BY issue_date DESC"

	rows, err := s.Db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Postgres) BorrowerHasPendingFine(ctx context.Context, borrowerID string) (bool, error) {
	var exists bool
	err := s.Db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM loans WHERE borrower_id = $1 AND fine_status = 'pending' AND fine_amount > 0)",
		borrowerID).Scan(&exists)
	return exists, err
}

// --- reservations ---

func (s *Postgres) CreateReservation(ctx context.Context, r models.Reservation) error {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO reservations (id, book_id, borrower_id, status, created_at) VALUES ($1, $2, $3, $4, $5)",
		r.ID, r.BookID, r.BorrowerID, r.Status, r.CreatedAt)
	return err
}

func (s *Postgres) GetReservation(ctx context.Context, id string) (models.Reservation, error) {
	var r models.Reservation
	err := s.Db.QueryRow(ctx,
		"SELECT id, book_id, borrower_id, status, created_at FROM reservations WHERE id = $1",
		id).Scan(&r.ID, &r.BookID, &r.BorrowerID, &r.Status, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, models.ErrReservationNotFound
		}
		return models.Reservation{}, err
	}
	return r, nil
}

func (s *Postgres) UpdateReservation(ctx context.Context, r models.Reservation) error {
	tag, err := s.Db.Exec(ctx,
		"UPDATE reservations SET status = $2 WHERE id = $1", r.ID, r.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrReservationNotFound
	}
	return nil
}

func (s *Postgres) NextWaiting(ctx context.Context, bookID string) (models.Reservation, bool, error) {
	var r models.Reservation
	err := s.Db.QueryRow(ctx, `
SELECT id, book_id, borrower_id, status, created_at FROM reservations
WHERE book_id = $1 AND status = 'waiting' ORDER BY created_at LIMIT 1`,
		bookID).Scan(&r.ID, &r.BookID, &r.BorrowerID, &r.Status, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, false, nil
		}
		return models.Reservation{}, false, err
	}
	return r, true, nil
}

func (s *Postgres) ReadyFor(ctx context.Context, bookID, borrowerID string) (models.Reservation, bool, error) {
	var r models.Reservation
	err := s.Db.QueryRow(ctx, `
SELECT id, book_id, borrower_id, status, created_at FROM reservations
WHERE book_id = $1 AND borrower_id = $2 AND status = 'ready' LIMIT 1`,
		bookID, borrowerID).Scan(&r.ID, &r.BookID, &r.BorrowerID, &r.Status, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, false, nil
		}
		return models.Reservation{}, false, err
	}
	return r, true, nil
}

func (s *Postgres) HasOutstanding(ctx context.Context, bookID string) (bool, error) {
	var exists bool
	err := s.Db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM reservations WHERE book_id = $1 AND status IN ('waiting', 'ready'))",
		bookID).Scan(&exists)
	return exists, err
}

// --- payments ---

const paymentColumns = `id, borrower_id, loan_id, amount, currency, status, gateway,
gateway_payment_id, gateway_trx_id, redirect_url, gateway_response, notes, created_at, updated_at`

func scanPayment(row pgx.Row) (models.Payment, error) {
	var p models.Payment
	var gwID *string
	err := row.Scan(&p.ID, &p.BorrowerID, &p.LoanID, &p.Amount, &p.Currency, &p.Status,
		&p.Gateway, &gwID, &p.GatewayTrxID, &p.RedirectURL, &p.GatewayResponse,
		&p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if gwID != nil {
		p.GatewayPaymentID = *gwID
	}
	return p, err
}

func (s *Postgres) CreatePayment(ctx context.Context, p models.Payment) error {
	_, err := s.Db.Exec(ctx, `
INSERT INTO payments (id, borrower_id, loan_id, amount, currency, status, gateway, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.BorrowerID, p.LoanID, p.Amount, p.Currency, p.Status, p.Gateway,
		p.CreatedAt, p.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "idx_payments_loan_pending" {
		return models.ErrPendingPaymentExists
	}
	return err
}

func (s *Postgres) GetPayment(ctx context.Context, id string) (models.Payment, error) {
	p, err := scanPayment(s.Db.QueryRow(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Payment{}, models.ErrPaymentNotFound
		}
		return models.Payment{}, err
	}
	return p, nil
}

func (s *Postgres) GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (models.Payment, error) {
	p, err := scanPayment(s.Db.QueryRow(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE gateway_payment_id = $1", gatewayPaymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Payment{}, models.ErrPaymentNotFound
		}
		return models.Payment{}, err
	}
	return p, nil
}

func (s *Postgres) SetGatewayRef(ctx context.Context, id, gatewayPaymentID, redirectURL string) error {
	tag, err := s.Db.Exec(ctx,
		"UPDATE payments SET gateway_payment_id = $2, redirect_url = $3, updated_at = now() WHERE id = $1",
		id, gatewayPaymentID, redirectURL)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrPaymentNotFound
	}
	return nil
}

func (s *Postgres) FinishPayment(ctx context.Context, id string, status models.PaymentStatus, trxID string, raw json.RawMessage, notes string) error {
	tag, err := s.Db.Exec(ctx, `
UPDATE payments SET status = $2, gateway_trx_id = $3,
gateway_response = COALESCE($4, gateway_response),
notes = CASE WHEN $5 = '' THEN notes ELSE $5 END,
updated_at = now()
WHERE id = $1 AND status = 'pending'`,
		id, status, trxID, raw, notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if chkErr := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)", id).Scan(&exists); chkErr != nil {
			return chkErr
		}
		if !exists {
			return models.ErrPaymentNotFound
		}
		return models.ErrPaymentNotPending
	}
	return nil
}

func (s *Postgres) RefundPayment(ctx context.Context, id string) error {
	tag, err := s.Db.Exec(ctx,
		"UPDATE payments SET status = 'refunded', updated_at = now() WHERE id = $1 AND status = 'completed'", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if chkErr := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)", id).Scan(&exists); chkErr != nil {
			return chkErr
		}
		if !exists {
			return models.ErrPaymentNotFound
		}
		return models.ErrNotCompleted
	}
	return nil
}

func (s *Postgres) CancelPendingForLoan(ctx context.Context, loanID, notes string) error {
	_, err := s.Db.Exec(ctx,
		"UPDATE payments SET status = 'cancelled', notes = $2, updated_at = now() WHERE loan_id = $1 AND status = 'pending'",
		loanID, notes)
	return err
}

func (s *Postgres) PaymentStats(ctx context.Context) (models.PaymentStats, error) {
	stats := models.PaymentStats{ByMethod: make(map[string]int64)}

	rows, err := s.Db.Query(ctx, `
SELECT gateway, count(*), COALESCE(sum(amount), 0)
FROM payments WHERE status IN ('completed', 'refunded') GROUP BY gateway`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var gw string
		var count int
		var total int64
		if err := rows.Scan(&gw, &count, &total); err != nil {
			return stats, err
		}
		stats.ByMethod[gw] = total
		stats.Count += count
		stats.TotalCollected += total
	}
	return stats, rows.Err()
}
