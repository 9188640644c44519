package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type LedgerRepository struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

const walletColumns = `
	id::text, user_id, balance::text, currency, pin_hash, is_active,
	last_transaction_at, created_at, updated_at`

const transactionColumns = `
	id::text, user_id, wallet_id::text, direction, category, amount::text, currency,
	status, reference, COALESCE(payment_reference, ''), description, metadata,
	balance_after::text, completed_at, created_at`

func (r *LedgerRepository) CreateWallet(ctx context.Context, w *domain.Wallet) error {
	query := `
		INSERT INTO wallets (
			id, user_id, balance, currency, pin_hash, is_active, created_at, updated_at
		) VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8)
	`
	_, err := r.pool.Exec(ctx, query,
		w.ID,
		w.UserID.String(),
		w.Balance.String(),
		w.Currency,
		w.PinHash,
		w.IsActive,
		w.CreatedAt,
		w.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

func (r *LedgerRepository) GetWallet(ctx context.Context, userID domain.UserID) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`
	return scanWallet(r.pool.QueryRow(ctx, query, userID.String()))
}

// Apply locks the wallet row, checks the resulting balance and appends the
// ledger row in the same database transaction.
func (r *LedgerRepository) Apply(ctx context.Context, entry domain.LedgerEntry) (*domain.Transaction, error) {
	if entry.Direction != domain.DirectionCredit && entry.Direction != domain.DirectionDebit {
		return nil, fmt.Errorf("%w: unsupported direction %q", domain.ErrInvalidInput, entry.Direction)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)

	w, err := scanWallet(tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, entry.UserID.String()))
	if err != nil {
		return nil, err
	}

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE reference = $1 OR (payment_reference <> '' AND payment_reference = NULLIF($2, ''))
		)`, entry.Reference, entry.PaymentReference).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check reference: %w", err)
	}
	if exists {
		return nil, domain.ErrDuplicateReference
	}

	delta := entry.Delta()
	balance := w.Balance.Add(delta)
	if balance.IsNegative() {
		return nil, domain.ErrInsufficientFunds
	}

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE wallets
		SET balance = balance + $1::numeric, last_transaction_at = $2, updated_at = $2
		WHERE id = $3 AND balance + $1::numeric >= 0
	`, delta.String(), now, w.ID)
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrInsufficientFunds
	}

	w.Balance = balance
	t := domain.NewTransaction(w, entry, now)

	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if t.Metadata == nil {
		meta = []byte("{}")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO transactions (
			id, user_id, wallet_id, direction, category, amount, currency, status,
			reference, payment_reference, description, metadata, balance_after,
			completed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, NULLIF($10, ''), $11, $12, $13::numeric, $14, $15)
	`,
		t.ID,
		t.UserID.String(),
		t.WalletID,
		string(t.Direction),
		string(t.Category),
		t.Amount.String(),
		t.Currency,
		string(t.Status),
		t.Reference,
		t.PaymentReference,
		t.Description,
		meta,
		t.BalanceAfter.String(),
		t.CompletedAt,
		t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, domain.ErrDuplicateReference
	}
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrDuplicateReference
		}
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}
	return t, nil
}

func (r *LedgerRepository) TransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE reference = $1`
	return scanTransaction(r.pool.QueryRow(ctx, query, reference))
}

func (r *LedgerRepository) ListTransactions(ctx context.Context, userID domain.UserID, offset, limit int) ([]domain.Transaction, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE user_id = $1`, userID.String()).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE user_id = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3
	`, userID.String(), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, total, nil
}

func (r *LedgerRepository) SaveDeposit(ctx context.Context, d *domain.DepositIntent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO deposit_intents (
			reference, user_id, amount, currency, checkout_url, payment_reference, status, created_at, updated_at
		) VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9)
	`,
		d.Reference,
		d.UserID.String(),
		d.Amount.String(),
		d.Currency,
		d.CheckoutURL,
		d.PaymentReference,
		string(d.Status),
		d.CreatedAt,
		d.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("failed to save deposit: %w", err)
	}
	return nil
}

func (r *LedgerRepository) GetDeposit(ctx context.Context, reference string) (*domain.DepositIntent, error) {
	var (
		d      domain.DepositIntent
		userID string
		amount string
		status string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT reference, user_id, amount::text, currency, checkout_url, payment_reference, status, created_at, updated_at
		FROM deposit_intents WHERE reference = $1
	`, reference).Scan(
		&d.Reference,
		&userID,
		&amount,
		&d.Currency,
		&d.CheckoutURL,
		&d.PaymentReference,
		&status,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit: %w", err)
	}
	d.UserID = domain.UserID(userID)
	d.Status = domain.DepositStatus(status)
	if d.Amount, err = parseMoney(amount); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *LedgerRepository) UpdateDeposit(ctx context.Context, reference string, status domain.DepositStatus, paymentRef string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE deposit_intents
		SET status = $2,
		    payment_reference = COALESCE(NULLIF($3, ''), payment_reference),
		    updated_at = NOW()
		WHERE reference = $1
	`, reference, string(status), paymentRef)
	if err != nil {
		return fmt.Errorf("failed to update deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanWallet(row scanner) (*domain.Wallet, error) {
	var (
		w       domain.Wallet
		userID  string
		balance string
	)
	err := row.Scan(
		&w.ID,
		&userID,
		&balance,
		&w.Currency,
		&w.PinHash,
		&w.IsActive,
		&w.LastTransactionAt,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	w.UserID = domain.UserID(userID)
	if w.Balance, err = parseMoney(balance); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanTransaction(row scanner) (*domain.Transaction, error) {
	var (
		t            domain.Transaction
		userID       string
		direction    string
		category     string
		amount       string
		status       string
		meta         []byte
		balanceAfter string
	)
	err := row.Scan(
		&t.ID,
		&userID,
		&t.WalletID,
		&direction,
		&category,
		&amount,
		&t.Currency,
		&status,
		&t.Reference,
		&t.PaymentReference,
		&t.Description,
		&meta,
		&balanceAfter,
		&t.CompletedAt,
		&t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	t.UserID = domain.UserID(userID)
	t.Direction = domain.Direction(direction)
	t.Category = domain.Category(category)
	t.Status = domain.TransactionStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if t.Amount, err = parseMoney(amount); err != nil {
		return nil, err
	}
	if t.BalanceAfter, err = parseMoney(balanceAfter); err != nil {
		return nil, err
	}
	return &t, nil
}
