// Package gateway wraps the bKash checkout API. The gateway uses a
// three-step protocol: a bearer token grant, a payment create that hands
// the payer a redirect URL, and a payment execute driven by the
// asynchronous callback.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mehedihasan/libraryops/internal/config"
	"github.com/mehedihasan/libraryops/internal/models"
)

var (
	ErrAuth    = errors.New("gateway auth failed")
	ErrCreate  = errors.New("gateway create payment failed")
	ErrExecute = errors.New("gateway execute payment failed")
)

// tokenMargin is how long before the reported expiry the cached token is
// considered stale. The gateway rejects tokens that are about to expire.
const tokenMargin = 5 * time.Minute

const statusOK = "0000"

// BkashClient talks to one bKash merchant account. It caches the grant
// token and serializes refreshes so concurrent callers share a single
// outstanding grant request. Safe for concurrent use.
type BkashClient struct {
	cfg    config.Bkash
	client *http.Client
	log    *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time

	refresh singleflight.Group
}

func NewBkashClient(cfg config.Bkash, client *http.Client, log *slog.Logger) *BkashClient {
	return &BkashClient{cfg: cfg, client: client, log: log}
}

type tokenResponse struct {
	IDToken   string `json:"id_token"`
	ExpiresIn int64  `json:"expires_in"`
}

type createRequest struct {
	Mode                  string `json:"mode"`
	PayerReference        string `json:"payerReference"`
	CallbackURL           string `json:"callbackURL"`
	Amount                string `json:"amount"`
	Currency              string `json:"currency"`
	Intent                string `json:"intent"`
	MerchantInvoiceNumber string `json:"merchantInvoiceNumber"`
}

type createResponse struct {
	PaymentID     string `json:"paymentID"`
	BkashURL      string `json:"bkashURL"`
	StatusCode    string `json:"statusCode"`
	StatusMessage string `json:"statusMessage"`
}

type executeResponse struct {
	TransactionStatus string `json:"transactionStatus"`
	TrxID             string `json:"trxID"`
	StatusCode        string `json:"statusCode"`
	StatusMessage     string `json:"statusMessage"`
}

// getToken returns the cached token if it is still fresh, otherwise
// requests a new grant. Concurrent refreshes collapse into one request.
func (c *BkashClient) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	v, err, _ := c.refresh.Do("grant", func() (interface{}, error) {
		return c.requestToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *BkashClient) requestToken(ctx context.Context) (string, error) {
	body := map[string]string{
		"app_key":    c.cfg.AppKey,
		"app_secret": c.cfg.AppSecret,
	}

	var tr tokenResponse
	_, err := c.post(ctx, "/checkout/token/grant", body, map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	}, &tr)
	if err != nil {
		c.clearToken()
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if tr.IDToken == "" {
		c.clearToken()
		return "", fmt.Errorf("%w: empty id_token in grant response", ErrAuth)
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	ttl := time.Duration(expiresIn)*time.Second - tokenMargin
	if ttl < time.Minute {
		ttl = time.Minute
	}

	c.mu.Lock()
	c.token = tr.IDToken
	c.tokenExpiry = time.Now().Add(ttl)
	c.mu.Unlock()

	c.log.Info("obtained new bkash token", "expires_in", expiresIn)
	return tr.IDToken, nil
}

func (c *BkashClient) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

// CreatePayment registers a checkout with the gateway. invoiceID is our
// payment row ID and doubles as the merchant invoice number, which is
// the correlation key between the two systems.
func (c *BkashClient) CreatePayment(ctx context.Context, amount int64, invoiceID string) (models.GatewayCreateResult, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return models.GatewayCreateResult{}, err
	}

	req := createRequest{
		Mode:                  "0011",
		PayerReference:        " ",
		CallbackURL:           c.cfg.CallbackURL,
		Amount:                strconv.FormatInt(amount, 10),
		Currency:              "BDT",
		Intent:                "sale",
		MerchantInvoiceNumber: invoiceID,
	}

	var cr createResponse
	_, err = c.post(ctx, "/checkout/create", req, c.authHeaders(token), &cr)
	if err != nil {
		return models.GatewayCreateResult{}, fmt.Errorf("%w: %v", ErrCreate, err)
	}
	if cr.StatusCode != statusOK || cr.PaymentID == "" || cr.BkashURL == "" {
		return models.GatewayCreateResult{}, fmt.Errorf("%w: %s (code %s)", ErrCreate, cr.StatusMessage, cr.StatusCode)
	}

	return models.GatewayCreateResult{PaymentID: cr.PaymentID, RedirectURL: cr.BkashURL}, nil
}

// ExecutePayment finalizes a created payment after the payer has
// confirmed on the gateway side. Transport failures surface as
// ErrExecute; a reachable gateway that reports a non-completed
// transaction is a normal, failed outcome, not an error.
func (c *BkashClient) ExecutePayment(ctx context.Context, gatewayPaymentID string) (models.GatewayExecuteResult, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return models.GatewayExecuteResult{}, err
	}

	var er executeResponse
	raw, err := c.post(ctx, "/checkout/execute", map[string]string{"paymentID": gatewayPaymentID}, c.authHeaders(token), &er)
	if err != nil {
		return models.GatewayExecuteResult{}, fmt.Errorf("%w: %v", ErrExecute, err)
	}

	res := models.GatewayExecuteResult{
		Completed:  er.TransactionStatus == "Completed" && er.StatusCode == statusOK,
		TrxID:      er.TrxID,
		StatusCode: er.StatusCode,
		Raw:        raw,
	}
	if !res.Completed {
		c.log.Warn("bkash execute not completed",
			"payment_id", gatewayPaymentID,
			"status_code", er.StatusCode,
			"transaction_status", er.TransactionStatus)
	}
	return res, nil
}

func (c *BkashClient) authHeaders(token string) map[string]string {
	return map[string]string{
		"Authorization": token,
		"X-APP-Key":     c.cfg.AppKey,
	}
}

// post sends a JSON request with a bounded deadline and decodes the JSON
// response, returning the raw body for audit storage.
func (c *BkashClient) post(ctx context.Context, path string, payload interface{}, headers map[string]string, out interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("malformed gateway response: %v", err)
	}
	return raw, nil
}
