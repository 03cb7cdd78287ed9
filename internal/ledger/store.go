package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Store defines the persistence operations the ledger service needs.
type Store interface {
	// Accounts
	Account(ctx context.Context, userID string) (*Account, error)
	EnsureAccount(ctx context.Context, userID string, initialCash decimal.Decimal) (*Account, error)
	Credit(ctx context.Context, userID string, amount decimal.Decimal) error
	// DebitIfSufficient atomically subtracts amount from the balance,
	// failing with ErrInsufficientFunds (and no mutation) when the
	// balance cannot cover it.
	DebitIfSufficient(ctx context.Context, userID string, amount decimal.Decimal) error

	// Contracts
	CreateContract(ctx context.Context, c *OptionContract) error
	ContractByID(ctx context.Context, userID string, id uuid.UUID) (*OptionContract, error)
	OpenContractsByUser(ctx context.Context, userID string) ([]OptionContract, error)
	UsersWithOpenContracts(ctx context.Context) ([]string, error)
	ExpiredOpenContracts(ctx context.Context, asOf time.Time) ([]OptionContract, error)
	UpdateContract(ctx context.Context, c *OptionContract) error
	// SettleContract commits the settlement cash movement and the final
	// contract state atomically, so a retried sweep can never move cash
	// twice for the same contract.
	SettleContract(ctx context.Context, c *OptionContract, cashDelta decimal.Decimal) error

	// Margin calls
	CreateMarginCall(ctx context.Context, call *MarginCall) error
	PendingMarginCalls(ctx context.Context, userID string) ([]MarginCall, error)
	ResolveMarginCall(ctx context.Context, id uuid.UUID, at time.Time) error

	// Audit trail
	AppendTransaction(ctx context.Context, txn *Transaction) error
}

// GormStore is the gorm-backed Store. It runs on sqlite for the simulator
// and tests, and on postgres behind the same code.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Account{}, &OptionContract{}, &MarginCall{}, &Transaction{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Account(ctx context.Context, userID string) (*Account, error) {
	var acct Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&acct).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acct, nil
}

func (s *GormStore) EnsureAccount(ctx context.Context, userID string, initialCash decimal.Decimal) (*Account, error) {
	acct, err := s.Account(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	acct = &Account{UserID: userID, Cash: initialCash}
	if err := s.db.WithContext(ctx).Create(acct).Error; err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *GormStore) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	result := s.db.WithContext(ctx).Model(&Account{}).
		Where("user_id = ?", userID).
		Update("cash", gorm.Expr("cash + ?", amount))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *GormStore) DebitIfSufficient(ctx context.Context, userID string, amount decimal.Decimal) error {
	// Single conditional UPDATE keeps check and act in one statement.
	result := s.db.WithContext(ctx).Model(&Account{}).
		Where("user_id = ? AND cash >= ?", userID, amount).
		Update("cash", gorm.Expr("cash - ?", amount))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.Account(ctx, userID); err != nil {
			return err
		}
		return ErrInsufficientFunds
	}
	return nil
}

func (s *GormStore) CreateContract(ctx context.Context, c *OptionContract) error {
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *GormStore) ContractByID(ctx context.Context, userID string, id uuid.UUID) (*OptionContract, error) {
	var c OptionContract
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *GormStore) OpenContractsByUser(ctx context.Context, userID string) ([]OptionContract, error) {
	var contracts []OptionContract
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, StatusOpen).
		Order("opened_at asc").
		Find(&contracts).Error
	return contracts, err
}

func (s *GormStore) UsersWithOpenContracts(ctx context.Context) ([]string, error) {
	var users []string
	err := s.db.WithContext(ctx).Model(&OptionContract{}).
		Where("status = ?", StatusOpen).
		Distinct("user_id").
		Order("user_id").
		Pluck("user_id", &users).Error
	return users, err
}

func (s *GormStore) ExpiredOpenContracts(ctx context.Context, asOf time.Time) ([]OptionContract, error) {
	var contracts []OptionContract
	err := s.db.WithContext(ctx).
		Where("status = ? AND expiration <= ?", StatusOpen, asOf).
		Order("expiration asc").
		Find(&contracts).Error
	return contracts, err
}

func (s *GormStore) UpdateContract(ctx context.Context, c *OptionContract) error {
	return s.db.WithContext(ctx).Save(c).Error
}

func (s *GormStore) SettleContract(ctx context.Context, c *OptionContract, cashDelta decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch {
		case cashDelta.IsPositive():
			result := tx.Model(&Account{}).
				Where("user_id = ?", c.UserID).
				Update("cash", gorm.Expr("cash + ?", cashDelta))
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return ErrAccountNotFound
			}
		case cashDelta.IsNegative():
			amount := cashDelta.Neg()
			result := tx.Model(&Account{}).
				Where("user_id = ? AND cash >= ?", c.UserID, amount).
				Update("cash", gorm.Expr("cash - ?", amount))
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				var acct Account
				if err := tx.Where("user_id = ?", c.UserID).First(&acct).Error; err != nil {
					if errors.Is(err, gorm.ErrRecordNotFound) {
						return ErrAccountNotFound
					}
					return err
				}
				return ErrInsufficientFunds
			}
		}
		return tx.Save(c).Error
	})
}

func (s *GormStore) CreateMarginCall(ctx context.Context, call *MarginCall) error {
	return s.db.WithContext(ctx).Create(call).Error
}

func (s *GormStore) PendingMarginCalls(ctx context.Context, userID string) ([]MarginCall, error) {
	var calls []MarginCall
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, CallPending).
		Order("created_at asc").
		Find(&calls).Error
	return calls, err
}

func (s *GormStore) ResolveMarginCall(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.db.WithContext(ctx).Model(&MarginCall{}).
		Where("id = ? AND status = ?", id, CallPending).
		Updates(map[string]interface{}{"status": CallSatisfied, "resolved_at": at}).Error
}

func (s *GormStore) AppendTransaction(ctx context.Context, txn *Transaction) error {
	return s.db.WithContext(ctx).Create(txn).Error
}
