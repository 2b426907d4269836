// Package asset owns the on-ledger asset registry and the transfer engine
// the settlement executor moves balances through. Registered assets may carry
// a maximum ownership percentage; transfers that would push the receiving
// identity past it fail compliance.
package asset

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/custodia/internal/portfolio"
)

var (
	// ErrAssetExists is returned when registering a duplicate ticker.
	ErrAssetExists = errors.New("asset: ticker already registered")
	// ErrAssetNotFound is returned for operations on unknown tickers.
	ErrAssetNotFound = errors.New("asset: ticker not registered")
	// ErrComplianceFailure is returned when a transfer would breach the
	// asset's maximum ownership percentage.
	ErrComplianceFailure = errors.New("asset: transfer breaches ownership limit")
)

// Asset is a registered on-ledger asset. MaxOwnershipPct of zero disables the
// ownership cap.
type Asset struct {
	Ticker          string          `gorm:"primaryKey;size:12"`
	OwnerDID        uuid.UUID       `gorm:"column:owner_did;index;type:uuid"`
	TotalSupply     decimal.Decimal `gorm:"type:decimal(38,18)"`
	MaxOwnershipPct decimal.Decimal `gorm:"type:decimal(5,2)"`
	NonFungible     bool
}

func (Asset) TableName() string { return "assets" }

// Service implements asset registration and settlement transfers.
type Service struct {
	logger     *zap.Logger
	db         *gorm.DB
	portfolios *portfolio.Service
}

// NewService creates a new asset service.
func NewService(logger *zap.Logger, db *gorm.DB, portfolios *portfolio.Service) *Service {
	return &Service{logger: logger.Named("asset"), db: db, portfolios: portfolios}
}

// Migrate creates the asset tables.
func (s *Service) Migrate() error {
	return s.db.AutoMigrate(&Asset{})
}

// Register records a new on-ledger asset and credits the full supply to the
// issuer's default portfolio. Non-fungible assets start with zero supply and
// are populated by minting individual NFTs.
func (s *Service) Register(ctx context.Context, a Asset) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Asset{}).Where("ticker = ?", a.Ticker).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check ticker: %w", err)
		}
		if count > 0 {
			return ErrAssetExists
		}
		return tx.Create(&a).Error
	})
}

// IsRegistered reports whether the ticker is an on-ledger asset. Receipts may
// only settle assets that are NOT internally tracked, so the settlement core
// consults this before accepting a receipt.
func (s *Service) IsRegistered(tx *gorm.DB, ticker string) (bool, error) {
	var count int64
	if err := tx.Model(&Asset{}).Where("ticker = ?", ticker).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check ticker: %w", err)
	}
	return count > 0, nil
}

// Owner returns the identity that registered the ticker.
func (s *Service) Owner(tx *gorm.DB, ticker string) (uuid.UUID, error) {
	var a Asset
	if err := tx.Where("ticker = ?", ticker).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, ErrAssetNotFound
		}
		return uuid.Nil, err
	}
	return a.OwnerDID, nil
}

// TransferFungible moves the amount between portfolios, enforcing the
// asset's ownership cap against the receiving identity. Self-transfers
// between portfolios of one identity never breach the cap.
func (s *Service) TransferFungible(tx *gorm.DB, from, to portfolio.PortfolioID, ticker string, amount decimal.Decimal) error {
	if from.DID != to.DID {
		if err := s.ensureOwnershipCap(tx, to.DID, ticker, amount); err != nil {
			return err
		}
	}
	return s.portfolios.MoveTokens(tx, from, to, ticker, amount)
}

// TransferNFTs moves a bundle of NFTs between portfolios. The bundle moves
// as a unit: the first failing id aborts the whole bundle via the caller's
// transaction.
func (s *Service) TransferNFTs(tx *gorm.DB, from, to portfolio.PortfolioID, ticker string, ids []uint64) error {
	for _, id := range ids {
		if err := s.portfolios.MoveNFT(tx, from, to, ticker, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) ensureOwnershipCap(tx *gorm.DB, receiver uuid.UUID, ticker string, amount decimal.Decimal) error {
	var a Asset
	err := tx.Where("ticker = ?", ticker).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Off-ledger ticker, nothing to enforce.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load asset: %w", err)
	}
	if a.MaxOwnershipPct.IsZero() || a.TotalSupply.IsZero() {
		return nil
	}
	held, err := s.portfolios.IdentityHoldings(tx, receiver, ticker)
	if err != nil {
		return err
	}
	limit := a.TotalSupply.Mul(a.MaxOwnershipPct).Div(decimal.NewFromInt(100))
	if held.Add(amount).GreaterThan(limit) {
		return ErrComplianceFailure
	}
	return nil
}
