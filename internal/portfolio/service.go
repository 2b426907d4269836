package portfolio

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/custodia/internal/identity"
)

var (
	// ErrUnauthorizedCustodian is returned when the caller has no custody of
	// a portfolio, or the secondary key lacks permission for it.
	ErrUnauthorizedCustodian = errors.New("portfolio: caller is not the portfolio custodian")
	// ErrPortfolioNotFound is returned for operations on unknown portfolios.
	ErrPortfolioNotFound = errors.New("portfolio: portfolio does not exist")
	// ErrInsufficientBalance is returned when locking more than is available.
	ErrInsufficientBalance = errors.New("portfolio: insufficient available balance")
	// ErrInsufficientLocked is returned when unlocking more than is locked.
	ErrInsufficientLocked = errors.New("portfolio: insufficient locked balance")
	// ErrNFTNotHeld is returned when a portfolio does not hold the NFT.
	ErrNFTNotHeld = errors.New("portfolio: NFT not held by portfolio")
	// ErrNFTLocked is returned when locking an already-locked NFT.
	ErrNFTLocked = errors.New("portfolio: NFT already locked")
	// ErrNFTNotLocked is returned when unlocking or moving an unlocked NFT.
	ErrNFTNotLocked = errors.New("portfolio: NFT is not locked")
)

// Portfolio is a registered custodial sub-account. Custody defaults to the
// owning identity unless explicitly assigned away.
type Portfolio struct {
	Key       string    `gorm:"primaryKey;size:128"`
	OwnerDID  uuid.UUID `gorm:"column:owner_did;index;type:uuid"`
	Number    uint64
	Custodian *uuid.UUID `gorm:"type:uuid"`
	Name      string     `gorm:"size:64"`
}

// FungibleBalance is the (portfolio, ticker) balance row. Locked funds are
// excluded from Balance; the portfolio total is Balance + Locked.
type FungibleBalance struct {
	PortfolioKey string          `gorm:"primaryKey;size:128"`
	Ticker       string          `gorm:"primaryKey;size:12"`
	OwnerDID     uuid.UUID       `gorm:"column:owner_did;index;type:uuid"`
	Balance      decimal.Decimal `gorm:"type:decimal(38,18)"`
	Locked       decimal.Decimal `gorm:"type:decimal(38,18)"`
}

// NFTHolding records which portfolio holds an NFT and whether it is locked
// against a pending settlement.
type NFTHolding struct {
	Ticker       string    `gorm:"primaryKey;size:12"`
	NFTID        uint64    `gorm:"primaryKey"`
	PortfolioKey string    `gorm:"index;size:128"`
	OwnerDID     uuid.UUID `gorm:"column:owner_did;index;type:uuid"`
	Locked       bool
}

func (Portfolio) TableName() string       { return "portfolios" }
func (FungibleBalance) TableName() string { return "fungible_balances" }
func (NFTHolding) TableName() string      { return "nft_holdings" }

// Service owns portfolio custody and resource reservation. Methods that take
// a *gorm.DB participate in the caller's transaction so settlement can keep
// its all-or-nothing guarantee across collaborators.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates a new portfolio service.
func NewService(logger *zap.Logger, db *gorm.DB) *Service {
	return &Service{logger: logger.Named("portfolio"), db: db}
}

// Migrate creates the portfolio tables.
func (s *Service) Migrate() error {
	return s.db.AutoMigrate(&Portfolio{}, &FungibleBalance{}, &NFTHolding{})
}

// Create registers a portfolio for the identity. Creating the same portfolio
// twice is an error.
func (s *Service) Create(ctx context.Context, id PortfolioID, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Portfolio{}).Where("key = ?", id.String()).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check portfolio: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("portfolio %s already exists", id)
		}
		return tx.Create(&Portfolio{Key: id.String(), OwnerDID: id.DID, Number: id.Number, Name: name}).Error
	})
}

// SetCustodian assigns custody of the portfolio to another identity.
func (s *Service) SetCustodian(ctx context.Context, id PortfolioID, custodian uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&Portfolio{}).Where("key = ?", id.String()).
		Update("custodian", custodian)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPortfolioNotFound
	}
	return nil
}

// EnsureCustodyAndPermission verifies that did has custody of the portfolio
// and that the secondary key, when present, is permissioned for it.
func (s *Service) EnsureCustodyAndPermission(tx *gorm.DB, id PortfolioID, did uuid.UUID, sk *identity.SecondaryKey) error {
	var p Portfolio
	if err := tx.Where("key = ?", id.String()).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPortfolioNotFound
		}
		return fmt.Errorf("failed to load portfolio: %w", err)
	}
	custodian := p.OwnerDID
	if p.Custodian != nil {
		custodian = *p.Custodian
	}
	if custodian != did {
		return ErrUnauthorizedCustodian
	}
	if !sk.Permits(id.String()) {
		return ErrUnauthorizedCustodian
	}
	return nil
}

// Credit adds freshly issued funds to the portfolio's available balance.
func (s *Service) Credit(ctx context.Context, id PortfolioID, ticker string, amount decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.creditTx(tx, id, ticker, amount)
	})
}

func (s *Service) creditTx(tx *gorm.DB, id PortfolioID, ticker string, amount decimal.Decimal) error {
	bal, err := s.balanceForUpdate(tx, id, ticker)
	if err != nil {
		return err
	}
	if bal == nil {
		return tx.Create(&FungibleBalance{
			PortfolioKey: id.String(),
			Ticker:       ticker,
			OwnerDID:     id.DID,
			Balance:      amount,
			Locked:       decimal.Zero,
		}).Error
	}
	bal.Balance = bal.Balance.Add(amount)
	return tx.Save(bal).Error
}

// MintNFT records a newly issued NFT in the portfolio.
func (s *Service) MintNFT(ctx context.Context, id PortfolioID, ticker string, nftID uint64) error {
	return s.db.WithContext(ctx).Create(&NFTHolding{
		Ticker:       ticker,
		NFTID:        nftID,
		PortfolioKey: id.String(),
		OwnerDID:     id.DID,
	}).Error
}

// LockTokens reserves the amount from the portfolio's available balance.
func (s *Service) LockTokens(tx *gorm.DB, id PortfolioID, ticker string, amount decimal.Decimal) error {
	bal, err := s.balanceForUpdate(tx, id, ticker)
	if err != nil {
		return err
	}
	if bal == nil || bal.Balance.LessThan(amount) {
		return ErrInsufficientBalance
	}
	bal.Balance = bal.Balance.Sub(amount)
	bal.Locked = bal.Locked.Add(amount)
	return tx.Save(bal).Error
}

// UnlockTokens releases a previous reservation back to the available balance.
func (s *Service) UnlockTokens(tx *gorm.DB, id PortfolioID, ticker string, amount decimal.Decimal) error {
	bal, err := s.balanceForUpdate(tx, id, ticker)
	if err != nil {
		return err
	}
	if bal == nil || bal.Locked.LessThan(amount) {
		return ErrInsufficientLocked
	}
	bal.Balance = bal.Balance.Add(amount)
	bal.Locked = bal.Locked.Sub(amount)
	return tx.Save(bal).Error
}

// LockNFT reserves a single NFT held by the portfolio.
func (s *Service) LockNFT(tx *gorm.DB, id PortfolioID, ticker string, nftID uint64) error {
	h, err := s.holdingForUpdate(tx, ticker, nftID)
	if err != nil {
		return err
	}
	if h == nil || h.PortfolioKey != id.String() {
		return ErrNFTNotHeld
	}
	if h.Locked {
		return ErrNFTLocked
	}
	h.Locked = true
	return tx.Save(h).Error
}

// UnlockNFT releases a reserved NFT.
func (s *Service) UnlockNFT(tx *gorm.DB, id PortfolioID, ticker string, nftID uint64) error {
	h, err := s.holdingForUpdate(tx, ticker, nftID)
	if err != nil {
		return err
	}
	if h == nil || h.PortfolioKey != id.String() {
		return ErrNFTNotHeld
	}
	if !h.Locked {
		return ErrNFTNotLocked
	}
	h.Locked = false
	return tx.Save(h).Error
}

// MoveTokens transfers previously locked funds from one portfolio to
// another's available balance. Settlement execution releases locks first, so
// this draws from the sender's available balance.
func (s *Service) MoveTokens(tx *gorm.DB, from, to PortfolioID, ticker string, amount decimal.Decimal) error {
	bal, err := s.balanceForUpdate(tx, from, ticker)
	if err != nil {
		return err
	}
	if bal == nil || bal.Balance.LessThan(amount) {
		return ErrInsufficientBalance
	}
	bal.Balance = bal.Balance.Sub(amount)
	if err := tx.Save(bal).Error; err != nil {
		return err
	}
	return s.creditTx(tx, to, ticker, amount)
}

// MoveNFT transfers an unlocked NFT held by from to the receiving portfolio.
func (s *Service) MoveNFT(tx *gorm.DB, from, to PortfolioID, ticker string, nftID uint64) error {
	h, err := s.holdingForUpdate(tx, ticker, nftID)
	if err != nil {
		return err
	}
	if h == nil || h.PortfolioKey != from.String() {
		return ErrNFTNotHeld
	}
	if h.Locked {
		return ErrNFTLocked
	}
	h.PortfolioKey = to.String()
	h.OwnerDID = to.DID
	return tx.Save(h).Error
}

// Balance returns the (available, locked) balance of the portfolio.
func (s *Service) Balance(ctx context.Context, id PortfolioID, ticker string) (decimal.Decimal, decimal.Decimal, error) {
	var bal FungibleBalance
	err := s.db.WithContext(ctx).Where("portfolio_key = ? AND ticker = ?", id.String(), ticker).First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return bal.Balance, bal.Locked, nil
}

// NFTOwner returns the portfolio currently holding the NFT.
func (s *Service) NFTOwner(ctx context.Context, ticker string, nftID uint64) (PortfolioID, error) {
	var h NFTHolding
	if err := s.db.WithContext(ctx).Where("ticker = ? AND nft_id = ?", ticker, nftID).First(&h).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return PortfolioID{}, ErrNFTNotHeld
		}
		return PortfolioID{}, err
	}
	return Parse(h.PortfolioKey)
}

// IdentityHoldings sums an identity's total holdings of a ticker across all
// of its portfolios, including locked funds.
func (s *Service) IdentityHoldings(tx *gorm.DB, did uuid.UUID, ticker string) (decimal.Decimal, error) {
	var rows []FungibleBalance
	if err := tx.Where("owner_did = ? AND ticker = ?", did, ticker).Find(&rows).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Balance).Add(r.Locked)
	}
	return total, nil
}

func (s *Service) balanceForUpdate(tx *gorm.DB, id PortfolioID, ticker string) (*FungibleBalance, error) {
	var bal FungibleBalance
	err := tx.Where("portfolio_key = ? AND ticker = ?", id.String(), ticker).First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	return &bal, nil
}

func (s *Service) holdingForUpdate(tx *gorm.DB, ticker string, nftID uint64) (*NFTHolding, error) {
	var h NFTHolding
	err := tx.Where("ticker = ? AND nft_id = ?", ticker, nftID).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load NFT holding: %w", err)
	}
	return &h, nil
}
