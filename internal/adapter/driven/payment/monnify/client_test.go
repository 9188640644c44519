package monnify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/shopspring/decimal"
)

type fakeMonnify struct {
	logins     atomic.Int32
	lastInit   initRequest
	status     string
	successful bool
}

func (f *fakeMonnify) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		want := "Basic " + base64.StdEncoding.EncodeToString([]byte("key:secret"))
		if r.Header.Get("Authorization") != want {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"requestSuccessful": false, "responseMessage": "bad credentials"})
			return
		}
		f.logins.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"requestSuccessful": true,
			"responseBody":      map[string]any{"accessToken": "tok", "expiresIn": 3600},
		})
	})

	mux.HandleFunc("POST /api/v1/merchant/transactions/init-transaction", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&f.lastInit); err != nil {
			t.Errorf("decode init: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"requestSuccessful": f.successful,
			"responseMessage":   "rejected",
			"responseBody": map[string]any{
				"transactionReference": "MNFY|20250301|000123",
				"paymentReference":     f.lastInit.PaymentReference,
				"checkoutUrl":          "https://sandbox.monnify.com/checkout/MNFY|20250301|000123",
			},
		})
	})

	mux.HandleFunc("GET /api/v2/merchant/transactions/query", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"requestSuccessful": true,
			"responseBody": map[string]any{
				"transactionReference": "MNFY|20250301|000123",
				"paymentReference":     r.URL.Query().Get("paymentReference"),
				"amountPaid":           250.5,
				"paymentStatus":        f.status,
				"paidOn":               "2025-03-01T12:00:00Z",
				"currency":             "NGN",
			},
		})
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeMonnify) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:      srv.URL,
		APIKey:       "key",
		SecretKey:    "secret",
		ContractCode: "1234567890",
	})
}

func TestInitialize(t *testing.T) {
	f := &fakeMonnify{successful: true}
	c := newTestClient(t, f)

	checkout, err := c.Initialize(context.Background(), domain.PaymentInit{
		Reference:   "DEP_01",
		Amount:      decimal.RequireFromString("250.5"),
		Currency:    "NGN",
		CustomerID:  "alice",
		Description: "Wallet deposit",
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if checkout.PaymentReference != "MNFY|20250301|000123" || checkout.CheckoutURL == "" {
		t.Errorf("checkout = %+v", checkout)
	}
	if f.lastInit.Amount != "250.50" || f.lastInit.ContractCode != "1234567890" {
		t.Errorf("init request = %+v", f.lastInit)
	}
	if f.lastInit.CustomerEmail != "alice@customers.invalid" {
		t.Errorf("customer email = %s", f.lastInit.CustomerEmail)
	}
}

func TestInitializeUnsuccessful(t *testing.T) {
	c := newTestClient(t, &fakeMonnify{successful: false})

	_, err := c.Initialize(context.Background(), domain.PaymentInit{Reference: "DEP_01", Amount: decimal.NewFromInt(1)})
	if err == nil {
		t.Fatal("expected an error for requestSuccessful=false")
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		status string
		want   domain.PaymentStatus
	}{
		{"PAID", domain.PaymentPaid},
		{"OVERPAID", domain.PaymentPaid},
		{"PENDING", domain.PaymentPending},
		{"PARTIALLY_PAID", domain.PaymentPending},
		{"EXPIRED", domain.PaymentFailed},
		{"FAILED", domain.PaymentFailed},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			c := newTestClient(t, &fakeMonnify{status: tt.status})

			v, err := c.Verify(context.Background(), "DEP_01")
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if v.Status != tt.want {
				t.Errorf("status = %s, want %s", v.Status, tt.want)
			}
			if !v.AmountPaid.Equal(decimal.RequireFromString("250.5")) {
				t.Errorf("amount = %s", v.AmountPaid)
			}
			if v.PaidAt == nil {
				t.Error("PaidAt not parsed")
			}
		})
	}
}

func TestTokenIsCached(t *testing.T) {
	f := &fakeMonnify{status: "PAID"}
	c := newTestClient(t, f)

	for i := 0; i < 3; i++ {
		if _, err := c.Verify(context.Background(), "DEP_01"); err != nil {
			t.Fatal(err)
		}
	}
	if n := f.logins.Load(); n != 1 {
		t.Errorf("logged in %d times, want 1", n)
	}
}

func TestBadCredentials(t *testing.T) {
	f := &fakeMonnify{}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "key", SecretKey: "wrong"})
	if _, err := c.Verify(context.Background(), "DEP_01"); err == nil {
		t.Fatal("expected login failure")
	}
}
