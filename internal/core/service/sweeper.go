package service

import (
	"context"
	"errors"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

type SweeperConfig struct {
	Interval       time.Duration
	AcceptDeadline time.Duration
	RingTimeout    time.Duration
	BatchSize      int
}

// Sweeper recovers sessions abandoned mid-flight: accepts that never
// activated and calls nobody answered.
type Sweeper struct {
	calls *CallService
	cfg   SweeperConfig
}

func NewSweeper(calls *CallService, cfg SweeperConfig) *Sweeper {
	if cfg.Interval == 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.AcceptDeadline == 0 {
		cfg.AcceptDeadline = 30 * time.Second
	}
	if cfg.RingTimeout == 0 {
		cfg.RingTimeout = 60 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		calls: calls,
		cfg:   cfg,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.cfg.Interval).Msg("Sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				log.Err(err).Msg("Sweep failed")
			}
		}
	}
}

type SweepResult struct {
	Failed int
	Missed int
}

func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.calls.now()

	stuck, err := s.list(ctx, domain.CallRinging, now.Add(-s.cfg.AcceptDeadline))
	if err != nil {
		return res, err
	}
	for i := range stuck {
		if s.expireRinging(ctx, &stuck[i]) {
			res.Failed++
		}
	}

	unanswered, err := s.list(ctx, domain.CallInitiated, now.Add(-s.cfg.RingTimeout))
	if err != nil {
		return res, err
	}
	for i := range unanswered {
		if s.expireInitiated(ctx, &unanswered[i]) {
			res.Missed++
		}
	}

	if res.Failed > 0 || res.Missed > 0 {
		log.Info().Int("failed", res.Failed).Int("missed", res.Missed).Msg("Sweep finished")
	}
	return res, nil
}

func (s *Sweeper) list(ctx context.Context, status domain.CallStatus, cutoff time.Time) ([]domain.CallSession, error) {
	ctx, cancel := context.WithTimeout(ctx, s.calls.cfg.StoreTimeout)
	defer cancel()
	return s.calls.sessions.ListStale(ctx, status, cutoff, s.cfg.BatchSize)
}

func (s *Sweeper) expireRinging(ctx context.Context, sess *domain.CallSession) bool {
	l := log.With().Str("session_id", sess.ID.String()).Logger()

	// Fail before refunding; a failed session can no longer be activated.
	refundRef := ""
	if _, err := s.calls.ledger.Transaction(ctx, domain.ReservationReference(sess.ID)); err == nil {
		refundRef = domain.RefundReference(sess.ID)
	}
	if _, err := s.calls.fail(ctx, sess.ID, domain.ReasonAcceptTimeout, refundRef, domain.CallRinging); err != nil {
		if !errors.Is(err, domain.ErrNotEligible) {
			l.Error().Err(err).Msg("Failed to expire stuck call")
		}
		return false
	}
	if _, err := s.calls.compensate(ctx, sess); err != nil {
		l.Error().Err(err).Str("reference", domain.RefundReference(sess.ID)).Msg("Reservation refund pending reconciliation")
	}
	l.Warn().Msg("Stuck call failed after accept deadline")
	s.calls.notify(sess.CallerID, domain.NewEvent(domain.EventCallFailed, sess.ID, map[string]any{
		"reason": domain.ReasonAcceptTimeout,
	}))
	return true
}

func (s *Sweeper) expireInitiated(ctx context.Context, sess *domain.CallSession) bool {
	now := s.calls.now()
	_, err := s.calls.update(ctx, sess.ID, func(c *domain.CallSession) error {
		c.Finish(domain.CallMissed, domain.ReasonNoAnswer, now)
		c.UpdatedAt = now
		return nil
	}, domain.CallInitiated)
	if err != nil {
		if !errors.Is(err, domain.ErrNotEligible) {
			log.Err(err).Str("session_id", sess.ID.String()).Msg("Failed to mark call missed")
		}
		return false
	}
	s.calls.metrics.CallStatus(domain.CallMissed)

	event := domain.NewEvent(domain.EventCallMissed, sess.ID, map[string]any{"reason": domain.ReasonNoAnswer})
	s.calls.notify(sess.CallerID, event)
	s.calls.notify(sess.ReceiverID, event)
	return true
}
