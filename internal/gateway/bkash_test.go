package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehedihasan/libraryops/internal/config"
)

// fakeBkash is a minimal stand-in for the sandbox: one token grant
// endpoint plus create and execute, with switchable failure modes.
type fakeBkash struct {
	grantCalls   int32
	createCalls  int32
	executeCalls int32

	grantFails    bool
	expiresIn     int64
	createStatus  string
	executeStatus string
	trxStatus     string
	executeHTTP   int

	mu         sync.Mutex
	lastCreate map[string]string
	lastAuth   string
	lastAppKey string
}

func newFakeBkash() *fakeBkash {
	return &fakeBkash{
		expiresIn:     3600,
		createStatus:  "0000",
		executeStatus: "0000",
		trxStatus:     "Completed",
		executeHTTP:   http.StatusOK,
	}
}

func (f *fakeBkash) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/checkout/token/grant", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.grantCalls, 1)
		if r.Header.Get("username") == "" || r.Header.Get("password") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.grantFails {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"statusMessage":"invalid credentials"}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id_token":   "tok-1",
			"expires_in": f.expiresIn,
		})
	})

	mux.HandleFunc("/checkout/create", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.createCalls, 1)
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.lastCreate = body
		f.lastAuth = r.Header.Get("Authorization")
		f.lastAppKey = r.Header.Get("X-APP-Key")
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{
			"paymentID":     "TR001",
			"bkashURL":      "https://sandbox.example/checkout/TR001",
			"statusCode":    f.createStatus,
			"statusMessage": "Successful",
		})
	})

	mux.HandleFunc("/checkout/execute", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.executeCalls, 1)
		if f.executeHTTP != http.StatusOK {
			w.WriteHeader(f.executeHTTP)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"transactionStatus": f.trxStatus,
			"trxID":             "AHB12345",
			"statusCode":        f.executeStatus,
		})
	})

	return mux
}

func newTestClient(t *testing.T, f *fakeBkash) *BkashClient {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	cfg := config.Bkash{
		BaseURL:     srv.URL,
		AppKey:      "app-key",
		AppSecret:   "app-secret",
		Username:    "sandbox-user",
		Password:    "sandbox-pass",
		CallbackURL: "https://library.example/api/v1/payments/bkash/callback",
		Timeout:     2 * time.Second,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBkashClient(cfg, srv.Client(), log)
}

func TestCreatePayment_Success(t *testing.T) {
	f := newFakeBkash()
	c := newTestClient(t, f)

	res, err := c.CreatePayment(context.Background(), 65, "inv-42")
	require.NoError(t, err)
	assert.Equal(t, "TR001", res.PaymentID)
	assert.Contains(t, res.RedirectURL, "TR001")

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "0011", f.lastCreate["mode"])
	assert.Equal(t, "65", f.lastCreate["amount"])
	assert.Equal(t, "BDT", f.lastCreate["currency"])
	assert.Equal(t, "sale", f.lastCreate["intent"])
	assert.Equal(t, "inv-42", f.lastCreate["merchantInvoiceNumber"])
	assert.Equal(t, "tok-1", f.lastAuth)
	assert.Equal(t, "app-key", f.lastAppKey)
}

func TestCreatePayment_TokenCachedAcrossCalls(t *testing.T) {
	f := newFakeBkash()
	c := newTestClient(t, f)
	ctx := context.Background()

	_, err := c.CreatePayment(ctx, 10, "inv-1")
	require.NoError(t, err)
	_, err = c.CreatePayment(ctx, 20, "inv-2")
	require.NoError(t, err)
	_, err = c.ExecutePayment(ctx, "TR001")
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.grantCalls))
}

func TestCreatePayment_ConcurrentCallersShareOneGrant(t *testing.T) {
	f := newFakeBkash()
	c := newTestClient(t, f)

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.CreatePayment(context.Background(), 5, "inv-c")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	// A straggler that misses the cache just as the first flight lands may
	// start one more grant; anything near the caller count means the
	// collapsing is broken.
	assert.LessOrEqual(t, atomic.LoadInt32(&f.grantCalls), int32(2))
}

func TestCreatePayment_GrantFailure(t *testing.T) {
	f := newFakeBkash()
	f.grantFails = true
	c := newTestClient(t, f)

	_, err := c.CreatePayment(context.Background(), 10, "inv-1")
	assert.ErrorIs(t, err, ErrAuth)
	assert.Zero(t, atomic.LoadInt32(&f.createCalls))
}

func TestCreatePayment_GatewayRejects(t *testing.T) {
	f := newFakeBkash()
	f.createStatus = "2054"
	c := newTestClient(t, f)

	_, err := c.CreatePayment(context.Background(), 10, "inv-1")
	assert.ErrorIs(t, err, ErrCreate)
}

func TestExecutePayment_Completed(t *testing.T) {
	f := newFakeBkash()
	c := newTestClient(t, f)

	res, err := c.ExecutePayment(context.Background(), "TR001")
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, "AHB12345", res.TrxID)
	assert.Equal(t, "0000", res.StatusCode)
	assert.NotEmpty(t, res.Raw)
}

func TestExecutePayment_NotCompletedIsNotAnError(t *testing.T) {
	f := newFakeBkash()
	f.trxStatus = "Initiated"
	f.executeStatus = "2023"
	c := newTestClient(t, f)

	res, err := c.ExecutePayment(context.Background(), "TR001")
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, "2023", res.StatusCode)
}

func TestExecutePayment_TransportFailure(t *testing.T) {
	f := newFakeBkash()
	f.executeHTTP = http.StatusBadGateway
	c := newTestClient(t, f)

	_, err := c.ExecutePayment(context.Background(), "TR001")
	assert.ErrorIs(t, err, ErrExecute)
}

func TestGetToken_ShortExpiryStillServes(t *testing.T) {
	f := newFakeBkash()
	f.expiresIn = 30
	c := newTestClient(t, f)
	ctx := context.Background()

	// A token shorter than the refresh margin is kept for the clamped
	// minimum rather than treated as already expired.
	_, err := c.CreatePayment(ctx, 10, "inv-1")
	require.NoError(t, err)
	_, err = c.CreatePayment(ctx, 10, "inv-2")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.grantCalls))
}
