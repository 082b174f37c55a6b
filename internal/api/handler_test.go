package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehedihasan/libraryops/internal/config"
	"github.com/mehedihasan/libraryops/internal/models"
	"github.com/mehedihasan/libraryops/internal/policy"
	"github.com/mehedihasan/libraryops/internal/service"
	"github.com/mehedihasan/libraryops/internal/store"
)

type stubGateway struct{}

func (stubGateway) CreatePayment(_ context.Context, _ int64, invoiceID string) (models.GatewayCreateResult, error) {
	return models.GatewayCreateResult{
		PaymentID:   "TR-" + invoiceID,
		RedirectURL: "https://sandbox.example/checkout/TR-" + invoiceID,
	}, nil
}

func (stubGateway) ExecutePayment(_ context.Context, gatewayPaymentID string) (models.GatewayExecuteResult, error) {
	return models.GatewayExecuteResult{
		Completed:  true,
		TrxID:      "TRX-" + gatewayPaymentID,
		StatusCode: "0000",
	}, nil
}

type testEnv struct {
	srv *httptest.Server
	mem *store.Memory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := store.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	fines := policy.NewFine(config.FinePolicy{Tier1Days: 7, Tier2Days: 14, Rate1: 5, Rate2: 10, Rate3: 15})
	loans := service.NewLoanService(mem, mem, mem, fines, log, 14*24*time.Hour, 14*24*time.Hour, 2)
	payments := service.NewPaymentService(mem, mem, stubGateway{}, log)
	h := NewHandler(loans, payments, log)

	r := mux.NewRouter()
	h.Register(r.PathPrefix("/api/v1").Subrouter())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, mem: mem}
}

func (e *testEnv) seed(t *testing.T, bookID string, copies int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.mem.CreateBook(ctx, models.Book{ID: bookID, Title: "T", Author: "A", ISBN: "i-" + bookID, TotalCopies: copies}))
	for i := 0; i < copies; i++ {
		require.NoError(t, e.mem.CreateCopy(ctx, models.Copy{
			ID:     bookID + "-c" + string(rune('1'+i)),
			BookID: bookID,
			Status: models.CopyAvailable,
		}))
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+"/api/v1"+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func (e *testEnv) issueLoan(t *testing.T, borrowerID, bookID string) models.Loan {
	t.Helper()
	resp, body := e.do(t, "POST", "/loans", map[string]string{"borrower_id": borrowerID, "book_id": bookID})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var loan models.Loan
	require.NoError(t, json.Unmarshal(body, &loan))
	return loan
}

func TestIssueLoan_EndToEnd(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "b1", 1)

	loan := e.issueLoan(t, "u1", "b1")
	assert.Equal(t, models.LoanActive, loan.Status)

	// Single copy is out; the next borrower is refused.
	resp, body := e.do(t, "POST", "/loans", map[string]string{"borrower_id": "u2", "book_id": "b1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "error")

	resp, _ = e.do(t, "PUT", "/loans/"+loan.ID+"/return", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, "PUT", "/loans/"+loan.ID+"/return", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestIssueLoan_BadRequests(t *testing.T) {
	e := newTestEnv(t)

	req, err := http.NewRequest("POST", e.srv.URL+"/api/v1/loans", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, _ := e.do(t, "POST", "/loans", map[string]string{"borrower_id": "u1"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp2.StatusCode)
}

func TestGetLoan_NotFound(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.do(t, "GET", "/loans/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRenew_LimitSurfacesAs422(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "b1", 1)
	loan := e.issueLoan(t, "u1", "b1")

	for i := 0; i < 2; i++ {
		resp, _ := e.do(t, "PUT", "/loans/"+loan.ID+"/renew", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := e.do(t, "PUT", "/loans/"+loan.ID+"/renew", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, string(body), "renewal limit")
}

func TestListLoans_FilterByBorrower(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "b1", 2)
	e.issueLoan(t, "u1", "b1")
	e.issueLoan(t, "u2", "b1")

	resp, body := e.do(t, "GET", "/loans?borrower_id=u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Count int           `json:"count"`
		Data  []models.Loan `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 1, out.Count)
	require.Len(t, out.Data, 1)
	assert.Equal(t, "u1", out.Data[0].BorrowerID)
}

// overdue returns a loan ten days late through the store, leaving a
// pending fine of 65 for the payment tests to settle.
func (e *testEnv) overdue(t *testing.T, loan models.Loan) models.Loan {
	t.Helper()
	ctx := context.Background()
	l, err := e.mem.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	l.DueDate = time.Now().Add(-10*24*time.Hour + time.Hour)
	require.NoError(t, e.mem.UpdateLoan(ctx, l))

	resp, body := e.do(t, "PUT", "/loans/"+loan.ID+"/return", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out models.Loan
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, models.FinePending, out.Fine.Status)
	require.Equal(t, int64(65), out.Fine.Amount)
	return out
}

func TestPaymentFlow_InitiateCallbackSettle(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "b1", 1)
	loan := e.overdue(t, e.issueLoan(t, "u1", "b1"))

	resp, body := e.do(t, "POST", "/payments/initiate/"+loan.ID, map[string]string{"borrower_id": "u1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var init models.InitiatePaymentResponse
	require.NoError(t, json.Unmarshal(body, &init))
	assert.Contains(t, init.BkashURL, "checkout")

	// Gateway redirects the payer's browser back with query params.
	resp, body = e.do(t, "GET", "/payments/bkash/callback?paymentID=TR-"+init.PaymentID+"&status=success", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res models.CallbackResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, models.PaymentCompleted, res.Status)
	assert.False(t, res.Duplicate)

	// Redelivery replays the recorded outcome, still 200.
	resp, body = e.do(t, "GET", "/payments/bkash/callback?paymentID=TR-"+init.PaymentID+"&status=success", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Duplicate)

	resp, body = e.do(t, "GET", "/loans/"+loan.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Loan
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, models.FinePaid, got.Fine.Status)
}

func TestCallback_UnknownPaymentStill200(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, "GET", "/payments/bkash/callback?paymentID=TR-ghost&status=success", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var res models.CallbackResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.NotFound)
}

func TestCallback_MissingParams400(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.do(t, "GET", "/payments/bkash/callback", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCallback_JSONBodyDelivery(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "b1", 1)
	loan := e.overdue(t, e.issueLoan(t, "u1", "b1"))

	resp, body := e.do(t, "POST", "/payments/initiate/"+loan.ID, map[string]string{"borrower_id": "u1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var init models.InitiatePaymentResponse
	require.NoError(t, json.Unmarshal(body, &init))

	resp, body = e.do(t, "POST", "/payments/bkash/callback", map[string]string{
		"paymentID": "TR-" + init.PaymentID,
		"status":    "failure",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res models.CallbackResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, models.PaymentFailed, res.Status)
}

func TestInitiate_WrongBorrowerForbidden(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "b1", 1)
	loan := e.overdue(t, e.issueLoan(t, "u1", "b1"))

	resp, _ := e.do(t, "POST", "/payments/initiate/"+loan.ID, map[string]string{"borrower_id": "u9"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRefundAndStats(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "b1", 1)
	loan := e.overdue(t, e.issueLoan(t, "u1", "b1"))

	resp, body := e.do(t, "POST", "/payments/initiate/"+loan.ID, map[string]string{"borrower_id": "u1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var init models.InitiatePaymentResponse
	require.NoError(t, json.Unmarshal(body, &init))

	resp, _ = e.do(t, "GET", "/payments/bkash/callback?paymentID=TR-"+init.PaymentID+"&status=success", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.do(t, "GET", "/payments/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats models.PaymentStats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, int64(65), stats.TotalCollected)

	resp, body = e.do(t, "POST", "/payments/"+init.PaymentID+"/refund", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p models.Payment
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, models.PaymentRefunded, p.Status)

	resp, _ = e.do(t, "POST", "/payments/"+init.PaymentID+"/refund", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestReservations_EndToEnd(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "b1", 1)
	loan := e.issueLoan(t, "u1", "b1")

	resp, body := e.do(t, "POST", "/reservations", map[string]string{"borrower_id": "u2", "book_id": "b1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var res models.Reservation
	require.NoError(t, json.Unmarshal(body, &res))

	// The holder cannot renew past an outstanding reservation.
	resp, _ = e.do(t, "PUT", "/loans/"+loan.ID+"/renew", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = e.do(t, "PUT", "/loans/"+loan.ID+"/return", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Parked for u2: u3 is refused, u2 redeems.
	resp, _ = e.do(t, "POST", "/loans", map[string]string{"borrower_id": "u3", "book_id": "b1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	redeemed := e.issueLoan(t, "u2", "b1")
	assert.Equal(t, loan.CopyID, redeemed.CopyID)
}

func TestCancelReservation(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "b1", 1)

	resp, body := e.do(t, "POST", "/reservations", map[string]string{"borrower_id": "u2", "book_id": "b1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var res models.Reservation
	require.NoError(t, json.Unmarshal(body, &res))

	resp, _ = e.do(t, "DELETE", "/reservations/"+res.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = e.do(t, "DELETE", "/reservations/"+res.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
