package monnify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/shopspring/decimal"
)

const DefaultBaseURL = "https://sandbox.monnify.com"

type Config struct {
	BaseURL      string
	APIKey       string
	SecretKey    string
	ContractCode string
	RedirectURL  string
	Timeout      time.Duration
}

// Client implements port.PaymentGateway against the Monnify collections API.
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type apiResponse[T any] struct {
	RequestSuccessful bool   `json:"requestSuccessful"`
	ResponseMessage   string `json:"responseMessage"`
	ResponseCode      string `json:"responseCode"`
	ResponseBody      T      `json:"responseBody"`
}

type loginBody struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

type initRequest struct {
	Amount             json.Number `json:"amount"`
	CustomerName       string      `json:"customerName"`
	CustomerEmail      string      `json:"customerEmail"`
	PaymentReference   string      `json:"paymentReference"`
	PaymentDescription string      `json:"paymentDescription"`
	CurrencyCode       string      `json:"currencyCode"`
	ContractCode       string      `json:"contractCode"`
	RedirectURL        string      `json:"redirectUrl,omitempty"`
}

type initBody struct {
	TransactionReference string `json:"transactionReference"`
	PaymentReference     string `json:"paymentReference"`
	CheckoutURL          string `json:"checkoutUrl"`
}

type queryBody struct {
	TransactionReference string          `json:"transactionReference"`
	PaymentReference     string          `json:"paymentReference"`
	AmountPaid           decimal.Decimal `json:"amountPaid"`
	PaymentStatus        string          `json:"paymentStatus"`
	PaidOn               string          `json:"paidOn"`
	Currency             string          `json:"currency"`
}

func (c *Client) Initialize(ctx context.Context, req domain.PaymentInit) (*domain.PaymentCheckout, error) {
	email := req.CustomerEmail
	if email == "" {
		email = req.CustomerID.String() + "@customers.invalid"
	}
	name := req.CustomerName
	if name == "" {
		name = req.CustomerID.String()
	}

	body := initRequest{
		Amount:             json.Number(req.Amount.StringFixed(domain.MoneyPlaces)),
		CustomerName:       name,
		CustomerEmail:      email,
		PaymentReference:   req.Reference,
		PaymentDescription: req.Description,
		CurrencyCode:       req.Currency,
		ContractCode:       c.cfg.ContractCode,
		RedirectURL:        c.cfg.RedirectURL,
	}

	var resp apiResponse[initBody]
	if err := c.authorized(ctx, http.MethodPost, "/api/v1/merchant/transactions/init-transaction", body, &resp); err != nil {
		return nil, err
	}
	return &domain.PaymentCheckout{
		Reference:        req.Reference,
		PaymentReference: resp.ResponseBody.TransactionReference,
		CheckoutURL:      resp.ResponseBody.CheckoutURL,
	}, nil
}

func (c *Client) Verify(ctx context.Context, reference string) (*domain.PaymentVerification, error) {
	path := "/api/v2/merchant/transactions/query?paymentReference=" + url.QueryEscape(reference)

	var resp apiResponse[queryBody]
	if err := c.authorized(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	b := resp.ResponseBody
	v := &domain.PaymentVerification{
		Reference:        reference,
		PaymentReference: b.TransactionReference,
		AmountPaid:       b.AmountPaid,
		Currency:         b.Currency,
		Status:           mapStatus(b.PaymentStatus),
	}
	if b.PaidOn != "" {
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05.000", "02/01/2006 03:04:05 PM"} {
			if t, err := time.Parse(layout, b.PaidOn); err == nil {
				v.PaidAt = &t
				break
			}
		}
	}
	return v, nil
}

func mapStatus(s string) domain.PaymentStatus {
	switch s {
	case "PAID", "OVERPAID":
		return domain.PaymentPaid
	case "PENDING", "PARTIALLY_PAID":
		return domain.PaymentPending
	default:
		return domain.PaymentFailed
	}
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	creds := base64.StdEncoding.EncodeToString([]byte(c.cfg.APIKey + ":" + c.cfg.SecretKey))
	var resp apiResponse[loginBody]
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", "Basic "+creds, nil, &resp); err != nil {
		return "", fmt.Errorf("failed to get access token: %w", err)
	}

	c.token = resp.ResponseBody.AccessToken
	// Refresh a minute early.
	c.tokenExp = time.Now().Add(time.Duration(resp.ResponseBody.ExpiresIn)*time.Second - time.Minute)
	return c.token, nil
}

func (c *Client) authorized(ctx context.Context, method, path string, body any, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	return c.do(ctx, method, path, "Bearer "+token, body, out)
}

func (c *Client) do(ctx context.Context, method, path, auth string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("monnify %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("monnify %s %s: status %d: %s", method, path, resp.StatusCode, string(raw))
	}

	var envelope apiResponse[json.RawMessage]
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if !envelope.RequestSuccessful {
		return fmt.Errorf("monnify %s %s: %s", method, path, envelope.ResponseMessage)
	}
	return json.Unmarshal(raw, out)
}
