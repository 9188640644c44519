package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CallRepository struct {
	pool *pgxpool.Pool
}

func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

const sessionColumns = `
	id, caller_id, receiver_id, call_type, status, duration,
	charge_per_minute::text, currency, billed_minutes, total_cost::text,
	amount_charged::text, shortfall::text, needs_reconciliation,
	reservation_ref, settlement_ref, refund_ref, failure_reason, signaling,
	started_at, ended_at, created_at, updated_at`

func (r *CallRepository) Create(ctx context.Context, s *domain.CallSession) error {
	signaling, err := json.Marshal(s.Signaling)
	if err != nil {
		return fmt.Errorf("encode signaling: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO call_sessions (
			id, caller_id, receiver_id, call_type, status, charge_per_minute,
			currency, signaling, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)
	`,
		s.ID.String(),
		s.CallerID.String(),
		s.ReceiverID.String(),
		string(s.Type),
		string(s.Status),
		s.ChargePerMinute.String(),
		s.Currency,
		signaling,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create call session: %w", err)
	}
	return nil
}

func (r *CallRepository) Get(ctx context.Context, id domain.SessionID) (*domain.CallSession, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE id = $1`, id.String()))
}

// Update runs the mutation against the row locked FOR UPDATE, so concurrent
// transitions on the same session are serialized by Postgres.
func (r *CallRepository) Update(ctx context.Context, id domain.SessionID, mutate port.CallMutation, expect ...domain.CallStatus) (*domain.CallSession, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin session tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE id = $1 FOR UPDATE`, id.String()))
	if err != nil {
		return nil, err
	}
	if !cur.Status.Matches(expect...) {
		return nil, fmt.Errorf("%w: call is %s", domain.ErrNotEligible, cur.Status)
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if !domain.CanUpdate(cur, next) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrNotEligible, cur.Status, next.Status)
	}

	signaling, err := json.Marshal(next.Signaling)
	if err != nil {
		return nil, fmt.Errorf("encode signaling: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE call_sessions SET
			status = $2,
			duration = $3,
			billed_minutes = $4,
			total_cost = $5::numeric,
			amount_charged = $6::numeric,
			shortfall = $7::numeric,
			needs_reconciliation = $8,
			reservation_ref = $9,
			settlement_ref = $10,
			refund_ref = $11,
			failure_reason = $12,
			signaling = $13,
			started_at = $14,
			ended_at = $15,
			updated_at = $16
		WHERE id = $1
	`,
		cur.ID.String(),
		string(next.Status),
		next.Duration,
		next.BilledMinutes,
		next.TotalCost.String(),
		next.AmountCharged.String(),
		next.Shortfall.String(),
		next.NeedsReconciliation,
		next.ReservationRef,
		next.SettlementRef,
		next.RefundRef,
		next.FailureReason,
		signaling,
		next.StartedAt,
		next.EndedAt,
		next.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update call session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit session tx: %w", err)
	}
	next.ID = cur.ID
	return next, nil
}

func (r *CallRepository) ListByUser(ctx context.Context, userID domain.UserID, offset, limit int) ([]domain.CallSession, int, error) {
	var total int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM call_sessions WHERE caller_id = $1 OR receiver_id = $1
	`, userID.String()).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count call sessions: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM call_sessions
		WHERE caller_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID.String(), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list call sessions: %w", err)
	}
	out, err := collectSessions(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

const staleSince = `CASE WHEN status = 'initiated' THEN created_at ELSE updated_at END`

func (r *CallRepository) ListStale(ctx context.Context, status domain.CallStatus, cutoff time.Time, limit int) ([]domain.CallSession, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM call_sessions
		WHERE status = $1 AND `+staleSince+` < $2
		ORDER BY `+staleSince+`
		LIMIT $3
	`, string(status), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]domain.CallSession, error) {
	defer rows.Close()

	var out []domain.CallSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call sessions: %w", err)
	}
	return out, nil
}

func scanSession(row scanner) (*domain.CallSession, error) {
	var (
		s                                          domain.CallSession
		id, callerID, receiverID, callType, status string
		rate, totalCost, amountCharged, shortfall  string
		signaling                                  []byte
	)
	err := row.Scan(
		&id,
		&callerID,
		&receiverID,
		&callType,
		&status,
		&s.Duration,
		&rate,
		&s.Currency,
		&s.BilledMinutes,
		&totalCost,
		&amountCharged,
		&shortfall,
		&s.NeedsReconciliation,
		&s.ReservationRef,
		&s.SettlementRef,
		&s.RefundRef,
		&s.FailureReason,
		&signaling,
		&s.StartedAt,
		&s.EndedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call session: %w", err)
	}

	s.ID = domain.SessionID(id)
	s.CallerID = domain.UserID(callerID)
	s.ReceiverID = domain.UserID(receiverID)
	s.Type = domain.CallType(callType)
	s.Status = domain.CallStatus(status)
	if len(signaling) > 0 {
		if err := json.Unmarshal(signaling, &s.Signaling); err != nil {
			return nil, fmt.Errorf("decode signaling: %w", err)
		}
	}
	if s.ChargePerMinute, err = parseMoney(rate); err != nil {
		return nil, err
	}
	if s.TotalCost, err = parseMoney(totalCost); err != nil {
		return nil, err
	}
	if s.AmountCharged, err = parseMoney(amountCharged); err != nil {
		return nil, err
	}
	if s.Shortfall, err = parseMoney(shortfall); err != nil {
		return nil, err
	}
	return &s, nil
}
