package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

var pinPattern = regexp.MustCompile(`^[0-9]{4}$`)

type WalletConfig struct {
	Currency     string
	PinCost      int
	StoreTimeout time.Duration
}

type WalletService struct {
	store    port.LedgerStore
	locker   port.Locker
	payments port.PaymentGateway
	metrics  port.Metrics
	cfg      WalletConfig
}

func NewWalletService(store port.LedgerStore, locker port.Locker, payments port.PaymentGateway, metrics port.Metrics, cfg WalletConfig) *WalletService {
	if cfg.PinCost == 0 {
		cfg.PinCost = bcrypt.DefaultCost
	}
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	return &WalletService{
		store:    store,
		locker:   locker,
		payments: payments,
		metrics:  metrics,
		cfg:      cfg,
	}
}

func walletLockKey(userID domain.UserID) string {
	return "wallet:" + userID.String()
}

func (s *WalletService) CreateWallet(ctx context.Context, userID domain.UserID, pin string) (*domain.Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	if !pinPattern.MatchString(pin) {
		return nil, fmt.Errorf("%w: pin must be exactly 4 digits", domain.ErrInvalidInput)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(pin), s.cfg.PinCost)
	if err != nil {
		return nil, fmt.Errorf("hash pin: %w", err)
	}

	now := time.Now().UTC()
	w := &domain.Wallet{
		ID:        domain.NewWalletID(),
		UserID:    userID,
		Balance:   decimal.Zero,
		Currency:  s.cfg.Currency,
		PinHash:   string(hash),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	unlock, err := s.locker.Lock(ctx, walletLockKey(userID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	if err := s.store.CreateWallet(ctx, w); err != nil {
		return nil, err
	}

	log.Info().Str("user_id", userID.String()).Str("wallet_id", w.ID).Msg("Wallet created")
	return w, nil
}

func (s *WalletService) GetWallet(ctx context.Context, userID domain.UserID) (*domain.Wallet, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.store.GetWallet(ctx, userID)
}

// ValidatePin reports whether pin matches the wallet's stored hash.
func (s *WalletService) ValidatePin(ctx context.Context, userID domain.UserID, pin string) (bool, error) {
	w, err := s.GetWallet(ctx, userID)
	if err != nil {
		return false, err
	}
	err = bcrypt.CompareHashAndPassword([]byte(w.PinHash), []byte(pin))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("compare pin: %w", err)
	}
	return true, nil
}

func (s *WalletService) Credit(ctx context.Context, entry domain.LedgerEntry) (*domain.Transaction, error) {
	entry.Direction = domain.DirectionCredit
	return s.apply(ctx, entry)
}

func (s *WalletService) Debit(ctx context.Context, entry domain.LedgerEntry) (*domain.Transaction, error) {
	entry.Direction = domain.DirectionDebit
	return s.apply(ctx, entry)
}

func (s *WalletService) apply(ctx context.Context, entry domain.LedgerEntry) (*domain.Transaction, error) {
	if entry.UserID == "" || entry.Reference == "" {
		return nil, fmt.Errorf("%w: user id and reference are required", domain.ErrInvalidInput)
	}
	entry.Amount = domain.RoundMoney(entry.Amount)
	if !entry.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}

	l := log.With().
		Str("user_id", entry.UserID.String()).
		Str("reference", entry.Reference).
		Str("direction", string(entry.Direction)).
		Str("amount", entry.Amount.StringFixed(domain.MoneyPlaces)).
		Logger()

	unlock, err := s.locker.Lock(ctx, walletLockKey(entry.UserID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	tx, err := s.store.Apply(ctx, entry)
	switch {
	case err == nil:
		s.metrics.LedgerApplied(entry.Direction, entry.Category, entry.Amount)
		l.Info().Str("balance_after", tx.BalanceAfter.StringFixed(domain.MoneyPlaces)).Msg("Ledger entry applied")
		return tx, nil
	case errors.Is(err, domain.ErrInsufficientFunds):
		s.metrics.LedgerRejected(entry.Direction, "insufficient_funds")
		l.Warn().Msg("Insufficient funds")
	case errors.Is(err, domain.ErrDuplicateReference):
		s.metrics.LedgerRejected(entry.Direction, "duplicate_reference")
		l.Debug().Msg("Reference already applied")
	default:
		s.metrics.LedgerRejected(entry.Direction, "error")
		l.Error().Err(err).Msg("Ledger entry failed")
	}
	return nil, err
}

// History lists a user's transactions newest first.
func (s *WalletService) History(ctx context.Context, userID domain.UserID, page, limit int) (domain.Page[domain.Transaction], error) {
	page, limit, offset := domain.NormalizePage(page, limit)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	if _, err := s.store.GetWallet(ctx, userID); err != nil {
		return domain.Page[domain.Transaction]{}, err
	}
	items, total, err := s.store.ListTransactions(ctx, userID, offset, limit)
	if err != nil {
		return domain.Page[domain.Transaction]{}, err
	}
	return domain.NewPage(items, page, limit, total), nil
}

func (s *WalletService) Transaction(ctx context.Context, reference string) (*domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.store.TransactionByReference(ctx, reference)
}

// InitiateDeposit opens a checkout with the payment gateway. The wallet is
// credited later by CompleteDeposit.
func (s *WalletService) InitiateDeposit(ctx context.Context, userID domain.UserID, amount decimal.Decimal) (*domain.DepositIntent, error) {
	amount = domain.RoundMoney(amount)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	if _, err := s.GetWallet(ctx, userID); err != nil {
		return nil, err
	}

	ref := domain.NewReference("DEP")
	checkout, err := s.payments.Initialize(ctx, domain.PaymentInit{
		Reference:   ref,
		Amount:      amount,
		Currency:    s.cfg.Currency,
		CustomerID:  userID,
		Description: "Wallet deposit",
	})
	if err != nil {
		log.Err(err).Str("reference", ref).Msg("Payment gateway initialize failed")
		return nil, fmt.Errorf("%w: initialize payment: %v", domain.ErrUpstreamUnavailable, err)
	}

	now := time.Now().UTC()
	intent := &domain.DepositIntent{
		Reference:        ref,
		UserID:           userID,
		Amount:           amount,
		Currency:         s.cfg.Currency,
		CheckoutURL:      checkout.CheckoutURL,
		PaymentReference: checkout.PaymentReference,
		Status:           domain.DepositPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.store.SaveDeposit(sctx, intent); err != nil {
		return nil, err
	}

	log.Info().Str("user_id", userID.String()).Str("reference", ref).Msg("Deposit initiated")
	return intent, nil
}

// CompleteDeposit verifies a deposit with the gateway and credits the wallet
// once. Repeating it for a completed deposit returns the original credit.
func (s *WalletService) CompleteDeposit(ctx context.Context, userID domain.UserID, reference string) (*domain.Transaction, error) {
	intent, err := s.deposit(ctx, reference)
	if err != nil {
		return nil, err
	}
	if intent.UserID != userID {
		return nil, domain.ErrNotFound
	}

	switch intent.Status {
	case domain.DepositCompleted:
		return s.Transaction(ctx, reference)
	case domain.DepositFailed:
		return nil, domain.ErrPaymentFailed
	}

	v, err := s.payments.Verify(ctx, reference)
	if err != nil {
		log.Err(err).Str("reference", reference).Msg("Payment gateway verify failed")
		return nil, fmt.Errorf("%w: verify payment: %v", domain.ErrUpstreamUnavailable, err)
	}

	switch v.Status {
	case domain.PaymentPaid:
		amount := v.AmountPaid
		if !amount.IsPositive() {
			amount = intent.Amount
		}
		paymentRef := v.PaymentReference
		if paymentRef == "" {
			paymentRef = intent.PaymentReference
		}

		tx, err := s.Credit(ctx, domain.LedgerEntry{
			UserID:           userID,
			Category:         domain.CategoryDeposit,
			Amount:           amount,
			Reference:        reference,
			PaymentReference: paymentRef,
			Description:      "Wallet deposit",
		})
		if errors.Is(err, domain.ErrDuplicateReference) {
			tx, err = s.Transaction(ctx, reference)
		}
		if err != nil {
			return nil, err
		}
		if err := s.updateDeposit(ctx, reference, domain.DepositCompleted, paymentRef); err != nil {
			return nil, err
		}
		return tx, nil

	case domain.PaymentPending:
		return nil, domain.ErrPaymentPending

	default:
		if err := s.updateDeposit(ctx, reference, domain.DepositFailed, v.PaymentReference); err != nil {
			return nil, err
		}
		log.Warn().Str("reference", reference).Str("status", string(v.Status)).Msg("Deposit failed")
		return nil, domain.ErrPaymentFailed
	}
}

func (s *WalletService) deposit(ctx context.Context, reference string) (*domain.DepositIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.store.GetDeposit(ctx, reference)
}

func (s *WalletService) updateDeposit(ctx context.Context, reference string, status domain.DepositStatus, paymentRef string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.store.UpdateDeposit(ctx, reference, status, paymentRef)
}
