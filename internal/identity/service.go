// Package identity resolves caller accounts to identities and their
// secondary-key permissions. The settlement core consumes the resolved
// (identity, secondary key) pair explicitly; nothing here is ambient state.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrUnknownAccount is returned when an account maps to no identity.
	ErrUnknownAccount = errors.New("identity: account is not linked to an identity")
	// ErrIdentityExists is returned when registering a duplicate identity.
	ErrIdentityExists = errors.New("identity: identity already exists")
	// ErrKeyExists is returned when linking an already-linked account.
	ErrKeyExists = errors.New("identity: account is already linked")
)

// SecondaryKey describes a non-primary account acting for an identity,
// restricted to an explicit set of portfolios unless AllPortfolios is set.
type SecondaryKey struct {
	Account       string
	AllPortfolios bool
	Portfolios    []string
}

// Permits reports whether the key may act on the given portfolio key.
func (k *SecondaryKey) Permits(portfolioKey string) bool {
	if k == nil || k.AllPortfolios {
		return true
	}
	for _, p := range k.Portfolios {
		if p == portfolioKey {
			return true
		}
	}
	return false
}

// Identity is a registered on-ledger identity (a DID).
type Identity struct {
	DID            uuid.UUID `gorm:"column:did;primaryKey;type:uuid"`
	PrimaryAccount string    `gorm:"uniqueIndex;size:128"`
}

// SecondaryKeyRecord persists a secondary key and its portfolio permissions.
type SecondaryKeyRecord struct {
	Account       string    `gorm:"primaryKey;size:128"`
	DID           uuid.UUID `gorm:"column:did;index;type:uuid"`
	AllPortfolios bool
}

// SecondaryKeyPortfolio is one portfolio a secondary key may act on.
type SecondaryKeyPortfolio struct {
	Account      string `gorm:"primaryKey;size:128"`
	PortfolioKey string `gorm:"primaryKey;size:128"`
}

func (Identity) TableName() string              { return "identities" }
func (SecondaryKeyRecord) TableName() string    { return "secondary_keys" }
func (SecondaryKeyPortfolio) TableName() string { return "secondary_key_portfolios" }

// Service resolves accounts to identities.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates a new identity service.
func NewService(logger *zap.Logger, db *gorm.DB) *Service {
	return &Service{logger: logger.Named("identity"), db: db}
}

// Migrate creates the identity tables.
func (s *Service) Migrate() error {
	return s.db.AutoMigrate(&Identity{}, &SecondaryKeyRecord{}, &SecondaryKeyPortfolio{})
}

// Register creates a new identity with the given primary account.
func (s *Service) Register(ctx context.Context, account string) (uuid.UUID, error) {
	did := uuid.New()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Identity{}).Where("primary_account = ?", account).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check account: %w", err)
		}
		if count > 0 {
			return ErrIdentityExists
		}
		return tx.Create(&Identity{DID: did, PrimaryAccount: account}).Error
	})
	if err != nil {
		return uuid.Nil, err
	}
	s.logger.Info("identity registered", zap.String("did", did.String()), zap.String("account", account))
	return did, nil
}

// LinkSecondaryKey attaches an account as a secondary key of the identity.
// An empty portfolio list grants access to all of the identity's portfolios.
func (s *Service) LinkSecondaryKey(ctx context.Context, did uuid.UUID, account string, portfolioKeys []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&SecondaryKeyRecord{}).Where("account = ?", account).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check secondary key: %w", err)
		}
		if count > 0 {
			return ErrKeyExists
		}
		rec := SecondaryKeyRecord{Account: account, DID: did, AllPortfolios: len(portfolioKeys) == 0}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		for _, pk := range portfolioKeys {
			if err := tx.Create(&SecondaryKeyPortfolio{Account: account, PortfolioKey: pk}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// EnsureCallerPermissions resolves the calling account to its identity and,
// when the account is a secondary key, the key's permission set.
func (s *Service) EnsureCallerPermissions(ctx context.Context, account string) (uuid.UUID, *SecondaryKey, error) {
	db := s.db.WithContext(ctx)

	var ident Identity
	err := db.Where("primary_account = ?", account).First(&ident).Error
	if err == nil {
		return ident.DID, nil, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.Nil, nil, fmt.Errorf("failed to resolve account: %w", err)
	}

	var rec SecondaryKeyRecord
	if err := db.Where("account = ?", account).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, nil, ErrUnknownAccount
		}
		return uuid.Nil, nil, fmt.Errorf("failed to resolve secondary key: %w", err)
	}

	sk := &SecondaryKey{Account: rec.Account, AllPortfolios: rec.AllPortfolios}
	if !rec.AllPortfolios {
		var rows []SecondaryKeyPortfolio
		if err := db.Where("account = ?", account).Find(&rows).Error; err != nil {
			return uuid.Nil, nil, fmt.Errorf("failed to load key permissions: %w", err)
		}
		for _, r := range rows {
			sk.Portfolios = append(sk.Portfolios, r.PortfolioKey)
		}
	}
	return rec.DID, sk, nil
}
