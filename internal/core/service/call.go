package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Ledger is the part of the wallet manager the orchestrator bills through.
type Ledger interface {
	Credit(ctx context.Context, entry domain.LedgerEntry) (*domain.Transaction, error)
	Debit(ctx context.Context, entry domain.LedgerEntry) (*domain.Transaction, error)
	Transaction(ctx context.Context, reference string) (*domain.Transaction, error)
}

type CallConfig struct {
	BaseRate        decimal.Decimal
	VideoMultiplier int64
	Currency        string
	StoreTimeout    time.Duration
	NotifyTimeout   time.Duration
	Clock           func() time.Time
}

type CallService struct {
	sessions port.CallSessionStore
	ledger   Ledger
	gateway  port.SignalingGateway
	metrics  port.Metrics
	cfg      CallConfig
}

func NewCallService(sessions port.CallSessionStore, ledger Ledger, gateway port.SignalingGateway, metrics port.Metrics, cfg CallConfig) *CallService {
	if cfg.VideoMultiplier == 0 {
		cfg.VideoMultiplier = 2
	}
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.NotifyTimeout == 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &CallService{
		sessions: sessions,
		ledger:   ledger,
		gateway:  gateway,
		metrics:  metrics,
		cfg:      cfg,
	}
}

type AcceptResult struct {
	Session  *domain.CallSession `json:"session"`
	Accepted bool                `json:"accepted"`
	Reason   string              `json:"reason,omitempty"`
}

func (s *CallService) now() time.Time {
	return s.cfg.Clock().UTC()
}

// Rate returns the per-minute charge for a call type.
func (s *CallService) Rate(t domain.CallType) (decimal.Decimal, error) {
	switch t {
	case domain.CallAudio:
		return domain.RoundMoney(s.cfg.BaseRate), nil
	case domain.CallVideo:
		return domain.RoundMoney(s.cfg.BaseRate.Mul(decimal.NewFromInt(s.cfg.VideoMultiplier))), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown call type %q", domain.ErrInvalidInput, t)
	}
}

func (s *CallService) Initiate(ctx context.Context, callerID, receiverID domain.UserID, callType domain.CallType) (*domain.CallSession, error) {
	if callerID == "" || receiverID == "" {
		return nil, fmt.Errorf("%w: caller and receiver are required", domain.ErrInvalidInput)
	}
	if callerID == receiverID {
		return nil, fmt.Errorf("%w: cannot call yourself", domain.ErrInvalidInput)
	}
	if callType == "" {
		callType = domain.CallAudio
	}
	rate, err := s.Rate(callType)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sess := &domain.CallSession{
		ID:              domain.NewSessionID(),
		CallerID:        callerID,
		ReceiverID:      receiverID,
		Type:            callType,
		Status:          domain.CallInitiated,
		ChargePerMinute: rate,
		Currency:        s.cfg.Currency,
		TotalCost:       decimal.Zero,
		AmountCharged:   decimal.Zero,
		Shortfall:       decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.sessions.Create(sctx, sess); err != nil {
		return nil, err
	}
	s.metrics.CallStatus(domain.CallInitiated)

	log.Info().
		Str("session_id", sess.ID.String()).
		Str("caller_id", callerID.String()).
		Str("receiver_id", receiverID.String()).
		Str("call_type", string(callType)).
		Msg("Call initiated")

	s.notify(receiverID, domain.NewEvent(domain.EventIncomingCall, sess.ID, map[string]any{
		"caller_id":         callerID,
		"call_type":         callType,
		"charge_per_minute": rate,
	}))
	return sess, nil
}

// Accept reserves one minute from the caller and activates the call.
// An underfunded caller is a modeled outcome: the session fails and
// the result reports Accepted=false with a nil error.
func (s *CallService) Accept(ctx context.Context, id domain.SessionID, receiverID domain.UserID) (*AcceptResult, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.ReceiverID != receiverID {
		return nil, domain.ErrNotFound
	}
	if sess.Status != domain.CallInitiated {
		return nil, fmt.Errorf("%w: call is %s", domain.ErrNotEligible, sess.Status)
	}

	sess, err = s.update(ctx, id, func(c *domain.CallSession) error {
		c.Status = domain.CallRinging
		c.UpdatedAt = s.now()
		return nil
	}, domain.CallInitiated)
	if err != nil {
		return nil, err
	}
	s.metrics.CallStatus(domain.CallRinging)

	// The claim is held; finish the saga even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	l := log.With().Str("session_id", id.String()).Str("caller_id", sess.CallerID.String()).Logger()

	reserveRef := domain.ReservationReference(id)
	_, err = s.ledger.Debit(ctx, domain.LedgerEntry{
		UserID:      sess.CallerID,
		Category:    domain.CategoryCallPayment,
		Amount:      sess.ChargePerMinute,
		Reference:   reserveRef,
		Description: fmt.Sprintf("%s call reservation", sess.Type),
		Metadata:    map[string]string{"session_id": id.String(), "call_type": string(sess.Type)},
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrDuplicateReference):
		l.Debug().Msg("Reservation already taken")
	case errors.Is(err, domain.ErrInsufficientFunds):
		failed, ferr := s.fail(ctx, id, domain.ReasonInsufficientBalance, "", domain.CallRinging)
		if ferr != nil {
			return nil, ferr
		}
		l.Info().Msg("Call failed, insufficient balance")
		s.notify(sess.CallerID, domain.NewEvent(domain.EventCallFailed, id, map[string]any{
			"reason": domain.ReasonInsufficientBalance,
		}))
		return &AcceptResult{Session: failed, Accepted: false, Reason: domain.ReasonInsufficientBalance}, nil
	default:
		s.abort(ctx, sess, domain.ReasonReservationError)
		return nil, fmt.Errorf("reserve call minute: %w", err)
	}

	now := s.now()
	active, err := s.update(ctx, id, func(c *domain.CallSession) error {
		c.Status = domain.CallOngoing
		c.StartedAt = &now
		c.ReservationRef = reserveRef
		c.AmountCharged = c.ChargePerMinute
		c.UpdatedAt = now
		return nil
	}, domain.CallRinging)
	if errors.Is(err, domain.ErrNotEligible) {
		// Rejected or expired while the reservation was taken. Whoever closed
		// the session already told the caller.
		s.refundClosed(ctx, sess)
		return nil, fmt.Errorf("activate call: %w", err)
	}
	if err != nil {
		s.abort(ctx, sess, domain.ReasonActivationError)
		return nil, fmt.Errorf("activate call: %w", err)
	}
	s.metrics.CallStatus(domain.CallOngoing)
	l.Info().Msg("Call accepted")

	s.notify(sess.CallerID, domain.NewEvent(domain.EventCallAccepted, id, map[string]any{
		"receiver_id": active.ReceiverID,
		"started_at":  now,
		"signaling":   active.Signaling,
	}))
	return &AcceptResult{Session: active, Accepted: true}, nil
}

// abort refunds any reservation and fails a session stuck in ringing.
func (s *CallService) abort(ctx context.Context, sess *domain.CallSession, reason string) {
	l := log.With().Str("session_id", sess.ID.String()).Str("reason", reason).Logger()

	refundRef, err := s.compensate(ctx, sess)
	if err != nil {
		l.Error().Err(err).Msg("Reservation refund failed")
	}
	_, err = s.fail(ctx, sess.ID, reason, refundRef, domain.CallRinging)
	switch {
	case errors.Is(err, domain.ErrNotEligible):
		s.linkRefund(ctx, sess.ID, refundRef)
	case err != nil:
		l.Error().Err(err).Msg("Failed to mark call failed")
	}
	s.notify(sess.CallerID, domain.NewEvent(domain.EventCallFailed, sess.ID, map[string]any{"reason": reason}))
}

// compensate credits back the reservation of a call that never became
// billable. It returns the refund reference, or "" when nothing was reserved.
func (s *CallService) compensate(ctx context.Context, sess *domain.CallSession) (string, error) {
	reserved, err := s.ledger.Transaction(ctx, domain.ReservationReference(sess.ID))
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		s.metrics.Compensation("error")
		return "", fmt.Errorf("lookup reservation: %w", err)
	}

	refundRef := domain.RefundReference(sess.ID)
	_, err = s.ledger.Credit(ctx, domain.LedgerEntry{
		UserID:      sess.CallerID,
		Category:    domain.CategoryRefund,
		Amount:      reserved.Amount,
		Reference:   refundRef,
		Description: "Call reservation refund",
		Metadata:    map[string]string{"session_id": sess.ID.String(), "reservation_ref": reserved.Reference},
	})
	switch {
	case err == nil:
		s.metrics.Compensation("refunded")
		log.Info().Str("session_id", sess.ID.String()).Str("reference", refundRef).Msg("Reservation refunded")
	case errors.Is(err, domain.ErrDuplicateReference):
		s.metrics.Compensation("already_refunded")
	default:
		s.metrics.Compensation("error")
		return "", fmt.Errorf("refund reservation: %w", err)
	}
	return refundRef, nil
}

// refundClosed returns the reservation of a session that closed before it
// could be activated.
func (s *CallService) refundClosed(ctx context.Context, sess *domain.CallSession) string {
	refundRef, err := s.compensate(ctx, sess)
	if err != nil {
		log.Error().Err(err).Str("session_id", sess.ID.String()).Str("reference", domain.RefundReference(sess.ID)).Msg("Reservation refund pending reconciliation")
		return ""
	}
	s.linkRefund(ctx, sess.ID, refundRef)
	return refundRef
}

// linkRefund records refundRef on a session that closed before activation.
func (s *CallService) linkRefund(ctx context.Context, id domain.SessionID, refundRef string) {
	if refundRef == "" {
		return
	}
	_, err := s.update(ctx, id, func(c *domain.CallSession) error {
		c.RefundRef = refundRef
		return nil
	}, domain.CallFailed, domain.CallRejected)
	if err != nil {
		if cur, gerr := s.get(ctx, id); gerr == nil && cur.RefundRef == refundRef {
			return
		}
		log.Error().Err(err).Str("session_id", id.String()).Str("reference", refundRef).Msg("Failed to link refund to call")
	}
}

func (s *CallService) fail(ctx context.Context, id domain.SessionID, reason, refundRef string, expect ...domain.CallStatus) (*domain.CallSession, error) {
	now := s.now()
	sess, err := s.update(ctx, id, func(c *domain.CallSession) error {
		c.Finish(domain.CallFailed, reason, now)
		if refundRef != "" {
			c.RefundRef = refundRef
		}
		c.UpdatedAt = now
		return nil
	}, expect...)
	if err != nil {
		return nil, err
	}
	s.metrics.CallStatus(domain.CallFailed)
	return sess, nil
}

// End settles the call and completes it. Calling End again on a completed
// call returns it unchanged.
func (s *CallService) End(ctx context.Context, id domain.SessionID, userID domain.UserID) (*domain.CallSession, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.IsParticipant(userID) {
		return nil, domain.ErrNotFound
	}
	switch sess.Status {
	case domain.CallCompleted:
		return sess, nil
	case domain.CallOngoing:
	default:
		return nil, fmt.Errorf("%w: call is %s", domain.ErrNotEligible, sess.Status)
	}

	ctx = context.WithoutCancel(ctx)
	l := log.With().Str("session_id", id.String()).Str("ended_by", userID.String()).Logger()

	// End facts are stamped once so a retried End bills the same amount.
	now := s.now()
	stamped, err := s.update(ctx, id, func(c *domain.CallSession) error {
		if c.EndedAt != nil {
			return nil
		}
		start := now
		if c.StartedAt != nil {
			start = *c.StartedAt
		}
		c.EndedAt = &now
		c.Duration = domain.ElapsedSeconds(start, now)
		c.BilledMinutes = domain.BilledMinutes(c.Duration)
		c.TotalCost = domain.RoundMoney(c.ChargePerMinute.Mul(decimal.NewFromInt(c.BilledMinutes)))
		c.UpdatedAt = now
		return nil
	}, domain.CallOngoing)
	if errors.Is(err, domain.ErrNotEligible) {
		return s.completed(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	charged := stamped.ChargePerMinute
	shortfall := decimal.Zero
	settleRef := ""
	overage := stamped.ChargePerMinute.Mul(decimal.NewFromInt(stamped.BilledMinutes - 1))
	if overage.IsPositive() {
		ref := domain.SettlementReference(id)
		_, err := s.ledger.Debit(ctx, domain.LedgerEntry{
			UserID:      stamped.CallerID,
			Category:    domain.CategoryCallPayment,
			Amount:      overage,
			Reference:   ref,
			Description: fmt.Sprintf("%s call settlement, %d min", stamped.Type, stamped.BilledMinutes),
			Metadata:    map[string]string{"session_id": id.String(), "billed_minutes": fmt.Sprint(stamped.BilledMinutes)},
		})
		switch {
		case err == nil, errors.Is(err, domain.ErrDuplicateReference):
			settleRef = ref
			charged = charged.Add(overage)
		case errors.Is(err, domain.ErrInsufficientFunds):
			shortfall = domain.RoundMoney(overage)
			s.metrics.Shortfall(shortfall)
			l.Warn().Str("shortfall", shortfall.StringFixed(domain.MoneyPlaces)).Msg("Settlement short, flagged for reconciliation")
		default:
			return nil, fmt.Errorf("settle call: %w", err)
		}
	}

	done, err := s.update(ctx, id, func(c *domain.CallSession) error {
		c.Status = domain.CallCompleted
		c.AmountCharged = domain.RoundMoney(charged)
		c.Shortfall = shortfall
		c.NeedsReconciliation = shortfall.IsPositive()
		c.SettlementRef = settleRef
		c.UpdatedAt = now
		return nil
	}, domain.CallOngoing)
	if errors.Is(err, domain.ErrNotEligible) {
		return s.completed(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	s.metrics.CallStatus(domain.CallCompleted)

	l.Info().
		Int64("duration", done.Duration).
		Int64("billed_minutes", done.BilledMinutes).
		Str("total_cost", done.TotalCost.StringFixed(domain.MoneyPlaces)).
		Msg("Call ended")

	s.notify(done.CallerID, domain.NewEvent(domain.EventCallEnded, id, map[string]any{
		"duration":       done.Duration,
		"billed_minutes": done.BilledMinutes,
		"total_cost":     done.TotalCost,
		"amount_charged": done.AmountCharged,
		"shortfall":      done.Shortfall,
	}))
	s.notify(done.ReceiverID, domain.NewEvent(domain.EventCallEnded, id, map[string]any{
		"duration": done.Duration,
	}))
	return done, nil
}

// completed resolves a lost race against a concurrent End.
func (s *CallService) completed(ctx context.Context, id domain.SessionID) (*domain.CallSession, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != domain.CallCompleted {
		return nil, fmt.Errorf("%w: call is %s", domain.ErrNotEligible, sess.Status)
	}
	return sess, nil
}

func (s *CallService) Reject(ctx context.Context, id domain.SessionID, receiverID domain.UserID) (*domain.CallSession, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.ReceiverID != receiverID {
		return nil, domain.ErrNotFound
	}

	now := s.now()
	var from domain.CallStatus
	rejected, err := s.update(ctx, id, func(c *domain.CallSession) error {
		from = c.Status
		c.Finish(domain.CallRejected, "", now)
		c.UpdatedAt = now
		return nil
	}, domain.CallInitiated, domain.CallRinging)
	if err != nil {
		return nil, err
	}
	s.metrics.CallStatus(domain.CallRejected)
	log.Info().Str("session_id", id.String()).Msg("Call rejected")

	// A ringing session may already hold a reservation from the accept in
	// flight; the caller gets it back.
	if from == domain.CallRinging {
		if ref := s.refundClosed(context.WithoutCancel(ctx), rejected); ref != "" {
			rejected.RefundRef = ref
		}
	}

	s.notify(rejected.CallerID, domain.NewEvent(domain.EventCallRejected, id, map[string]any{
		"receiver_id": receiverID,
	}))
	return rejected, nil
}

// HandleSignaling stores a negotiation payload and relays it to the other party.
func (s *CallService) HandleSignaling(ctx context.Context, id domain.SessionID, userID domain.UserID, sig domain.Signal) error {
	if !sig.Type.Valid() {
		return fmt.Errorf("%w: unknown signal type %q", domain.ErrInvalidInput, sig.Type)
	}
	if len(sig.Payload) == 0 {
		return fmt.Errorf("%w: signal payload is required", domain.ErrInvalidInput)
	}

	sess, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !sess.IsParticipant(userID) {
		return domain.ErrNotFound
	}
	if sess.Status.IsTerminal() {
		return fmt.Errorf("%w: call is %s", domain.ErrNotEligible, sess.Status)
	}

	_, err = s.update(ctx, id, func(c *domain.CallSession) error {
		switch {
		case sig.Type == domain.SignalCandidate:
			c.Signaling.ICECandidates = append(c.Signaling.ICECandidates, sig.Payload)
		case c.CallerID == userID:
			c.Signaling.CallerSignal = sig.Payload
		default:
			c.Signaling.ReceiverSignal = sig.Payload
		}
		return nil
	})
	if err != nil {
		return err
	}

	target := sess.Counterparty(userID)
	env := domain.SignalEnvelope{SessionID: id, From: userID, Signal: sig}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()
		if err := s.gateway.ForwardSignal(ctx, target, env); err != nil {
			log.Warn().Err(err).Str("session_id", id.String()).Str("user_id", target.String()).Msg("Signal forward failed")
		}
	}()
	return nil
}

func (s *CallService) Get(ctx context.Context, id domain.SessionID, userID domain.UserID) (*domain.CallSession, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.IsParticipant(userID) {
		return nil, domain.ErrNotFound
	}
	return sess, nil
}

// History lists sessions the user took part in, newest first.
func (s *CallService) History(ctx context.Context, userID domain.UserID, page, limit int) (domain.Page[domain.CallSession], error) {
	page, limit, offset := domain.NormalizePage(page, limit)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	items, total, err := s.sessions.ListByUser(ctx, userID, offset, limit)
	if err != nil {
		return domain.Page[domain.CallSession]{}, err
	}
	return domain.NewPage(items, page, limit, total), nil
}

func (s *CallService) get(ctx context.Context, id domain.SessionID) (*domain.CallSession, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.sessions.Get(ctx, id)
}

func (s *CallService) update(ctx context.Context, id domain.SessionID, mutate port.CallMutation, expect ...domain.CallStatus) (*domain.CallSession, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.sessions.Update(ctx, id, mutate, expect...)
}

// notify dispatches an event without waiting on the transport.
func (s *CallService) notify(userID domain.UserID, event domain.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()
		if err := s.gateway.Notify(ctx, userID, event); err != nil {
			log.Warn().Err(err).
				Str("user_id", userID.String()).
				Str("event", string(event.Type)).
				Msg("Notification failed")
		}
	}()
}
