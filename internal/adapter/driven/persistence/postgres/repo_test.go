package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Set TEST_DATABASE_URL to run these against a scratch database.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := Connect(ctx, url, 10)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return pool
}

func uniqueUser(prefix string) domain.UserID {
	return domain.UserID(prefix + "-" + uuid.NewString())
}

func createWallet(t *testing.T, r *LedgerRepository, user domain.UserID) {
	t.Helper()
	now := time.Now().UTC()
	err := r.CreateWallet(context.Background(), &domain.Wallet{
		ID:        domain.NewWalletID(),
		UserID:    user,
		Balance:   decimal.Zero,
		Currency:  "NGN",
		PinHash:   "hash",
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}
}

func TestLedgerRepository(t *testing.T) {
	ctx := context.Background()
	r := NewLedgerRepository(testPool(t))
	user := uniqueUser("alice")
	createWallet(t, r, user)

	if err := r.CreateWallet(ctx, &domain.Wallet{ID: domain.NewWalletID(), UserID: user, Currency: "NGN", Balance: decimal.Zero}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("duplicate wallet err = %v", err)
	}

	ref := func(s string) string { return fmt.Sprintf("%s_%s", s, uuid.NewString()) }
	deposit := ref("DEP")

	tx, err := r.Apply(ctx, domain.LedgerEntry{
		UserID:           user,
		Direction:        domain.DirectionCredit,
		Category:         domain.CategoryDeposit,
		Amount:           decimal.RequireFromString("100.50"),
		Reference:        deposit,
		PaymentReference: "MNFY_" + deposit,
		Metadata:         map[string]string{"source": "test"},
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if !tx.BalanceAfter.Equal(decimal.RequireFromString("100.5")) {
		t.Errorf("BalanceAfter = %s", tx.BalanceAfter)
	}

	_, err = r.Apply(ctx, domain.LedgerEntry{UserID: user, Direction: domain.DirectionCredit, Category: domain.CategoryDeposit, Amount: decimal.NewFromInt(1), Reference: deposit})
	if !errors.Is(err, domain.ErrDuplicateReference) {
		t.Errorf("duplicate reference err = %v", err)
	}
	_, err = r.Apply(ctx, domain.LedgerEntry{UserID: user, Direction: domain.DirectionDebit, Category: domain.CategoryCallPayment, Amount: decimal.NewFromInt(101), Reference: ref("CALL")})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Errorf("overdraft err = %v", err)
	}
	_, err = r.Apply(ctx, domain.LedgerEntry{UserID: uniqueUser("ghost"), Direction: domain.DirectionCredit, Amount: decimal.NewFromInt(1), Reference: ref("X")})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown wallet err = %v", err)
	}

	debit := ref("CALL")
	if _, err := r.Apply(ctx, domain.LedgerEntry{UserID: user, Direction: domain.DirectionDebit, Category: domain.CategoryCallPayment, Amount: decimal.NewFromInt(50), Reference: debit}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	w, err := r.GetWallet(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	if !w.Balance.Equal(decimal.RequireFromString("50.5")) {
		t.Errorf("balance = %s", w.Balance)
	}

	got, err := r.TransactionByReference(ctx, deposit)
	if err != nil {
		t.Fatal(err)
	}
	if got.PaymentReference != "MNFY_"+deposit || got.Metadata["source"] != "test" {
		t.Errorf("transaction = %+v", got)
	}

	items, total, err := r.ListTransactions(ctx, user, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || items[0].Reference != debit || items[1].Reference != deposit {
		t.Errorf("history total=%d first=%s", total, items[0].Reference)
	}
}

func TestLedgerConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	r := NewLedgerRepository(testPool(t))
	user := uniqueUser("bob")
	createWallet(t, r, user)

	if _, err := r.Apply(ctx, domain.LedgerEntry{UserID: user, Direction: domain.DirectionCredit, Category: domain.CategoryDeposit, Amount: decimal.NewFromInt(100), Reference: "SEED_" + uuid.NewString()}); err != nil {
		t.Fatal(err)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Apply(ctx, domain.LedgerEntry{
				UserID:    user,
				Direction: domain.DirectionDebit,
				Category:  domain.CategoryCallPayment,
				Amount:    decimal.NewFromInt(10),
				Reference: "CALL_" + uuid.NewString(),
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrInsufficientFunds) {
				t.Errorf("debit: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 10 {
		t.Errorf("successful debits = %d, want 10", ok)
	}
	w, _ := r.GetWallet(ctx, user)
	if !w.Balance.IsZero() {
		t.Errorf("balance = %s, want 0", w.Balance)
	}
}

func TestDepositIntents(t *testing.T) {
	ctx := context.Background()
	r := NewLedgerRepository(testPool(t))
	now := time.Now().UTC()

	d := &domain.DepositIntent{
		Reference: "DEP_" + uuid.NewString(),
		UserID:    uniqueUser("carol"),
		Amount:    decimal.NewFromInt(500),
		Currency:  "NGN",
		Status:    domain.DepositPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.SaveDeposit(ctx, d); err != nil {
		t.Fatalf("SaveDeposit: %v", err)
	}
	if err := r.SaveDeposit(ctx, d); !errors.Is(err, domain.ErrDuplicateReference) {
		t.Errorf("duplicate deposit err = %v", err)
	}
	if err := r.UpdateDeposit(ctx, d.Reference, domain.DepositCompleted, "MNFY_1"); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetDeposit(ctx, d.Reference)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.DepositCompleted || got.PaymentReference != "MNFY_1" || !got.Amount.Equal(d.Amount) {
		t.Errorf("deposit = %+v", got)
	}
	if _, err := r.GetDeposit(ctx, "DEP_missing_"+uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing deposit err = %v", err)
	}
}

func TestCallRepository(t *testing.T) {
	ctx := context.Background()
	r := NewCallRepository(testPool(t))
	caller, receiver := uniqueUser("alice"), uniqueUser("bob")
	created := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

	s := &domain.CallSession{
		ID:              domain.NewSessionID(),
		CallerID:        caller,
		ReceiverID:      receiver,
		Type:            domain.CallVideo,
		Status:          domain.CallInitiated,
		ChargePerMinute: decimal.NewFromInt(100),
		Currency:        "NGN",
		CreatedAt:       created,
		UpdatedAt:       created,
	}
	if err := r.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}

	stale, err := r.ListStale(ctx, domain.CallInitiated, created.Add(time.Second), 1000)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range stale {
		found = found || c.ID == s.ID
	}
	if !found {
		t.Error("stale listing missed the session")
	}

	if _, err := r.Update(ctx, s.ID, func(c *domain.CallSession) error {
		c.Status = domain.CallCompleted
		return nil
	}); !errors.Is(err, domain.ErrNotEligible) {
		t.Errorf("invalid transition err = %v", err)
	}

	started := created.Add(time.Minute)
	updated, err := r.Update(ctx, s.ID, func(c *domain.CallSession) error {
		c.Status = domain.CallRinging
		c.Signaling.CallerSignal = json.RawMessage(`{"sdp":"offer"}`)
		c.Signaling.ICECandidates = append(c.Signaling.ICECandidates, json.RawMessage(`{"candidate":"a"}`))
		c.StartedAt = &started
		c.AmountCharged = decimal.NewFromInt(100)
		c.UpdatedAt = started
		return nil
	}, domain.CallInitiated)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Status != domain.CallRinging {
		t.Errorf("status = %s", updated.Status)
	}

	got, err := r.Get(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Signaling.CallerSignal) != `{"sdp": "offer"}` && string(got.Signaling.CallerSignal) != `{"sdp":"offer"}` {
		t.Errorf("caller signal = %s", got.Signaling.CallerSignal)
	}
	if len(got.Signaling.ICECandidates) != 1 || got.StartedAt == nil || !got.AmountCharged.Equal(decimal.NewFromInt(100)) {
		t.Errorf("session = %+v", got)
	}

	if _, err := r.Update(ctx, s.ID, func(c *domain.CallSession) error { return nil }, domain.CallInitiated); !errors.Is(err, domain.ErrNotEligible) {
		t.Errorf("stale expectation err = %v", err)
	}

	items, total, err := r.ListByUser(ctx, receiver, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || items[0].ID != s.ID {
		t.Errorf("ListByUser = %d %v", total, items)
	}
	if _, err := r.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing session err = %v", err)
	}
}
