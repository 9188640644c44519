package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/shopspring/decimal"
)

// stallAccept leaves a session as a crashed Accept would: claimed and reserved
// but never activated.
func stallAccept(t *testing.T, e *testEnv, sess *domain.CallSession, reserve bool) {
	t.Helper()
	ctx := context.Background()

	_, err := e.sessions.Update(ctx, sess.ID, func(c *domain.CallSession) error {
		c.Status = domain.CallRinging
		c.UpdatedAt = e.clock.Now()
		return nil
	}, domain.CallInitiated)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !reserve {
		return
	}
	_, err = e.wallets.Debit(ctx, domain.LedgerEntry{
		UserID:    sess.CallerID,
		Category:  domain.CategoryCallPayment,
		Amount:    sess.ChargePerMinute,
		Reference: domain.ReservationReference(sess.ID),
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
}

func newTestSweeper(e *testEnv) *Sweeper {
	return NewSweeper(e.calls, SweeperConfig{
		Interval:       time.Second,
		AcceptDeadline: 30 * time.Second,
		RingTimeout:    60 * time.Second,
		BatchSize:      10,
	})
}

func TestSweepRefundsStuckAccept(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.fund(t, "alice", 100)
	sw := newTestSweeper(e)

	sess := initiate(t, e, "alice", "bob", domain.CallAudio)
	stallAccept(t, e, sess, true)
	assertBalance(t, e, "alice", 50)

	e.clock.Advance(10 * time.Second)
	res, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Failed != 0 {
		t.Fatalf("swept a session before its deadline")
	}

	e.clock.Advance(25 * time.Second)
	res, err = sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", res.Failed)
	}

	got, _ := e.sessions.Get(ctx, sess.ID)
	if got.Status != domain.CallFailed || got.FailureReason != domain.ReasonAcceptTimeout {
		t.Errorf("session = %s/%s", got.Status, got.FailureReason)
	}
	if got.RefundRef != domain.RefundReference(sess.ID) {
		t.Errorf("RefundRef = %q", got.RefundRef)
	}
	assertBalance(t, e, "alice", 100)
	e.gateway.waitEvent(t, "alice", domain.EventCallFailed)

	// A second pass finds nothing and refunds nothing twice.
	res, err = sw.Sweep(ctx)
	if err != nil || res.Failed != 0 {
		t.Errorf("second sweep = %+v, %v", res, err)
	}
	assertBalance(t, e, "alice", 100)
}

func TestSweepFailsStuckAcceptWithoutReservation(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.fund(t, "alice", 100)

	sess := initiate(t, e, "alice", "bob", domain.CallAudio)
	stallAccept(t, e, sess, false)
	e.clock.Advance(31 * time.Second)

	res, err := newTestSweeper(e).Sweep(ctx)
	if err != nil || res.Failed != 1 {
		t.Fatalf("Sweep = %+v, %v", res, err)
	}

	got, _ := e.sessions.Get(ctx, sess.ID)
	if got.Status != domain.CallFailed || got.RefundRef != "" {
		t.Errorf("session = %s refund=%q", got.Status, got.RefundRef)
	}
	assertBalance(t, e, "alice", 100)
	if n := e.transactionCount(t, "alice"); n != 1 {
		t.Errorf("transactions = %d, want only the seed", n)
	}
}

func TestSweepMarksUnansweredMissed(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	sw := newTestSweeper(e)

	old := initiate(t, e, "alice", "bob", domain.CallAudio)
	e.clock.Advance(45 * time.Second)
	fresh := initiate(t, e, "carol", "bob", domain.CallAudio)
	e.clock.Advance(20 * time.Second)

	res, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Missed != 1 {
		t.Fatalf("Missed = %d, want 1", res.Missed)
	}

	got, _ := e.sessions.Get(ctx, old.ID)
	if got.Status != domain.CallMissed || got.FailureReason != domain.ReasonNoAnswer || got.EndedAt == nil {
		t.Errorf("old session = %s/%s", got.Status, got.FailureReason)
	}
	if got, _ := e.sessions.Get(ctx, fresh.ID); got.Status != domain.CallInitiated {
		t.Errorf("fresh session = %s, want initiated", got.Status)
	}

	e.gateway.waitEvent(t, "alice", domain.EventCallMissed)
	e.gateway.waitEvent(t, "bob", domain.EventCallMissed)
}

func TestSweepMissesCallDespiteSignaling(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	sw := newTestSweeper(e)

	sess := initiate(t, e, "alice", "bob", domain.CallAudio)
	candidate := domain.NewSignal(domain.SignalCandidate, json.RawMessage(`{"candidate":"a"}`))
	for i := 0; i < 2; i++ {
		e.clock.Advance(50 * time.Second)
		if err := e.calls.HandleSignaling(ctx, sess.ID, "alice", candidate); err != nil {
			t.Fatalf("HandleSignaling: %v", err)
		}
		if _, err := sw.Sweep(ctx); err != nil {
			t.Fatalf("Sweep: %v", err)
		}
	}

	got, _ := e.sessions.Get(ctx, sess.ID)
	if got.Status != domain.CallMissed {
		t.Errorf("status after 100s unanswered = %s, want missed", got.Status)
	}
	if len(got.Signaling.ICECandidates) != 2 {
		t.Errorf("candidates = %d, want 2", len(got.Signaling.ICECandidates))
	}
}

func TestSweepDuringAcceptLinksLateRefund(t *testing.T) {
	ctx := context.Background()
	hook := &hookedDebits{}
	e := newTestEnvWith(t, nil, func(l Ledger) Ledger {
		hook.Ledger = l
		return hook
	})
	e.fund(t, "alice", 100)
	sw := newTestSweeper(e)
	sess := initiate(t, e, "alice", "bob", domain.CallAudio)

	// The accept stalls past its deadline and the sweep expires it before
	// the reservation lands.
	var swept SweepResult
	hook.before = func() {
		e.clock.Advance(31 * time.Second)
		swept, _ = sw.Sweep(ctx)
	}

	if _, err := e.calls.Accept(ctx, sess.ID, "bob"); !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("Accept err = %v, want ErrNotEligible", err)
	}
	if swept.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", swept.Failed)
	}

	got, _ := e.sessions.Get(ctx, sess.ID)
	if got.Status != domain.CallFailed || got.FailureReason != domain.ReasonAcceptTimeout {
		t.Errorf("session = %s/%s", got.Status, got.FailureReason)
	}
	if got.RefundRef != domain.RefundReference(sess.ID) {
		t.Errorf("RefundRef = %q, want the late refund linked", got.RefundRef)
	}
	assertBalance(t, e, "alice", 100)
	if n := e.transactionCount(t, "alice"); n != 3 {
		t.Errorf("transactions = %d, want seed, reservation and refund", n)
	}
}

func TestSweepLeavesOngoingCalls(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.fund(t, "alice", 100)

	sess := initiate(t, e, "alice", "bob", domain.CallAudio)
	accept(t, e, sess)
	e.clock.Advance(time.Hour)

	res, err := newTestSweeper(e).Sweep(ctx)
	if err != nil || res.Failed != 0 || res.Missed != 0 {
		t.Fatalf("Sweep = %+v, %v", res, err)
	}
	got, _ := e.sessions.Get(ctx, sess.ID)
	if got.Status != domain.CallOngoing {
		t.Errorf("status = %s", got.Status)
	}
	if !e.balance(t, "alice").Equal(decimal.NewFromInt(50)) {
		t.Errorf("balance changed by sweep")
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	e := newTestEnv(t)
	sw := NewSweeper(e.calls, SweeperConfig{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
