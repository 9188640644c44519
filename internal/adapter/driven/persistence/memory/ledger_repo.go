package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// LedgerRepository keeps wallets and the transaction log in process memory.
// A single mutex makes every Apply atomic.
type LedgerRepository struct {
	mu       sync.RWMutex
	wallets  map[domain.UserID]*domain.Wallet
	txs      []domain.Transaction
	byRef    map[string]int
	byPayRef map[string]int
	deposits map[string]*domain.DepositIntent
}

func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{
		wallets:  make(map[domain.UserID]*domain.Wallet),
		txs:      make([]domain.Transaction, 0),
		byRef:    make(map[string]int),
		byPayRef: make(map[string]int),
		deposits: make(map[string]*domain.DepositIntent),
	}
}

func (r *LedgerRepository) CreateWallet(ctx context.Context, w *domain.Wallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.wallets[w.UserID]; ok {
		return domain.ErrAlreadyExists
	}
	cp := *w
	r.wallets[w.UserID] = &cp
	return nil
}

func (r *LedgerRepository) GetWallet(ctx context.Context, userID domain.UserID) (*domain.Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.wallets[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyWallet(w), nil
}

func (r *LedgerRepository) Apply(ctx context.Context, entry domain.LedgerEntry) (*domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if entry.Direction != domain.DirectionCredit && entry.Direction != domain.DirectionDebit {
		return nil, fmt.Errorf("%w: unsupported direction %q", domain.ErrInvalidInput, entry.Direction)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.wallets[entry.UserID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if _, dup := r.byRef[entry.Reference]; dup {
		return nil, domain.ErrDuplicateReference
	}
	if entry.PaymentReference != "" {
		if _, dup := r.byPayRef[entry.PaymentReference]; dup {
			return nil, domain.ErrDuplicateReference
		}
	}

	balance := w.Balance.Add(entry.Delta())
	if balance.IsNegative() {
		return nil, domain.ErrInsufficientFunds
	}

	now := time.Now().UTC()
	w.Balance = balance
	w.LastTransactionAt = &now
	w.UpdatedAt = now

	tx := domain.NewTransaction(w, entry, now)
	r.txs = append(r.txs, *tx)
	idx := len(r.txs) - 1
	r.byRef[tx.Reference] = idx
	if tx.PaymentReference != "" {
		r.byPayRef[tx.PaymentReference] = idx
	}
	return tx, nil
}

func (r *LedgerRepository) TransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.byRef[reference]
	if !ok {
		return nil, domain.ErrNotFound
	}
	tx := r.txs[idx]
	return &tx, nil
}

func (r *LedgerRepository) ListTransactions(ctx context.Context, userID domain.UserID, offset, limit int) ([]domain.Transaction, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// The log is append-only, so walking it backwards is newest first.
	var out []domain.Transaction
	total := 0
	for i := len(r.txs) - 1; i >= 0; i-- {
		if r.txs[i].UserID != userID {
			continue
		}
		if total >= offset && len(out) < limit {
			out = append(out, r.txs[i])
		}
		total++
	}
	return out, total, nil
}

func (r *LedgerRepository) SaveDeposit(ctx context.Context, d *domain.DepositIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.deposits[d.Reference]; ok {
		return domain.ErrDuplicateReference
	}
	cp := *d
	r.deposits[d.Reference] = &cp
	return nil
}

func (r *LedgerRepository) GetDeposit(ctx context.Context, reference string) (*domain.DepositIntent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.deposits[reference]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *LedgerRepository) UpdateDeposit(ctx context.Context, reference string, status domain.DepositStatus, paymentRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deposits[reference]
	if !ok {
		return domain.ErrNotFound
	}
	d.Status = status
	if paymentRef != "" {
		d.PaymentReference = paymentRef
	}
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func copyWallet(w *domain.Wallet) *domain.Wallet {
	cp := *w
	if w.LastTransactionAt != nil {
		t := *w.LastTransactionAt
		cp.LastTransactionAt = &t
	}
	return &cp
}
