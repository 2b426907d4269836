package settlement

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/custodia/internal/config"
	"github.com/Aidin1998/custodia/internal/events"
	"github.com/Aidin1998/custodia/internal/identity"
	"github.com/Aidin1998/custodia/internal/portfolio"
	"github.com/Aidin1998/custodia/internal/scheduler"
)

// IdentityProvider resolves calling accounts to identities and secondary
// key permissions.
type IdentityProvider interface {
	EnsureCallerPermissions(ctx context.Context, account string) (uuid.UUID, *identity.SecondaryKey, error)
}

// PortfolioKeeper holds balances and the lock bookkeeping legs depend on.
// All mutations run inside the caller's transaction and must be reversible.
type PortfolioKeeper interface {
	EnsureCustodyAndPermission(tx *gorm.DB, id portfolio.PortfolioID, did uuid.UUID, sk *identity.SecondaryKey) error
	LockTokens(tx *gorm.DB, id portfolio.PortfolioID, ticker string, amount decimal.Decimal) error
	UnlockTokens(tx *gorm.DB, id portfolio.PortfolioID, ticker string, amount decimal.Decimal) error
	LockNFT(tx *gorm.DB, id portfolio.PortfolioID, ticker string, nftID uint64) error
	UnlockNFT(tx *gorm.DB, id portfolio.PortfolioID, ticker string, nftID uint64) error
}

// AssetRegistry performs the actual transfers and answers whether a ticker
// settles on the ledger.
type AssetRegistry interface {
	IsRegistered(tx *gorm.DB, ticker string) (bool, error)
	Owner(tx *gorm.DB, ticker string) (uuid.UUID, error)
	TransferFungible(tx *gorm.DB, from, to portfolio.PortfolioID, ticker string, amount decimal.Decimal) error
	TransferNFTs(tx *gorm.DB, from, to portfolio.PortfolioID, ticker string, ids []uint64) error
}

// ExecutionScheduler queues named deferred executions by block height.
type ExecutionScheduler interface {
	ScheduleNamed(name string, at uint64, priority uint8, call scheduler.Call) error
	CancelNamed(name string) error
}

// BlockClock reports the current block height.
type BlockClock interface {
	CurrentBlock() uint64
}

// Service implements the settlement instruction lifecycle.
type Service struct {
	logger     *zap.Logger
	db         *gorm.DB
	bus        *events.Bus
	identities IdentityProvider
	portfolios PortfolioKeeper
	assets     AssetRegistry
	sched      ExecutionScheduler
	clock      BlockClock
	limits     config.SettlementConfig
}

// NewService wires a settlement service from its collaborators.
func NewService(
	logger *zap.Logger,
	db *gorm.DB,
	bus *events.Bus,
	identities IdentityProvider,
	portfolios PortfolioKeeper,
	assets AssetRegistry,
	sched ExecutionScheduler,
	clock BlockClock,
	limits config.SettlementConfig,
) *Service {
	return &Service{
		logger:     logger.Named("settlement"),
		db:         db,
		bus:        bus,
		identities: identities,
		portfolios: portfolios,
		assets:     assets,
		sched:      sched,
		clock:      clock,
		limits:     limits,
	}
}

// forUpdate adds a row lock on backends that support it. SQLite serializes
// writers on its own.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// nextID reserves the next value of a named counter. Counters start at 1
// and never wrap; exhausting one is a hard error.
func nextID(tx *gorm.DB, name string) (uint64, error) {
	var row counterRow
	err := forUpdate(tx).Where("name = ?", name).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = counterRow{Name: name, Value: 1}
		if err := tx.Create(&row).Error; err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	}
	if row.Value == math.MaxUint64 {
		return 0, ErrCounterOverflow
	}
	id := row.Value
	if err := tx.Model(&counterRow{}).Where("name = ?", name).
		Update("value", id+1).Error; err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Service) venueOf(tx *gorm.DB, id VenueID) (*venueRow, error) {
	var row venueRow
	if err := tx.Where("id = ?", uint64(id)).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidVenue
		}
		return nil, err
	}
	return &row, nil
}

// ensureVenueCreator loads a venue and checks it belongs to did. A missing
// venue is ErrInvalidVenue; a venue created by someone else is
// ErrUnauthorized.
func (s *Service) ensureVenueCreator(tx *gorm.DB, id VenueID, did uuid.UUID) (*venueRow, error) {
	row, err := s.venueOf(tx, id)
	if err != nil {
		return nil, err
	}
	if row.Creator != did {
		return nil, ErrUnauthorized
	}
	return row, nil
}

func (s *Service) instructionForUpdate(tx *gorm.DB, id InstructionID) (*instructionRow, error) {
	var row instructionRow
	err := forUpdate(tx).Where("id = ?", uint64(id)).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownInstruction
		}
		return nil, err
	}
	return &row, nil
}

// legsOf returns the instruction's legs ordered by leg id. Execution order
// follows this ordering.
func (s *Service) legsOf(tx *gorm.DB, id InstructionID) ([]legRow, error) {
	var rows []legRow
	err := tx.Where("instruction_id = ?", uint64(id)).
		Order("leg_id asc").Find(&rows).Error
	return rows, err
}

func (s *Service) affirmationOf(tx *gorm.DB, id InstructionID, p portfolio.PortfolioID) (AffirmationStatus, error) {
	var row affirmationRow
	err := tx.Where("instruction_id = ? AND portfolio = ?", uint64(id), p.String()).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return AffirmationUnknown, nil
		}
		return AffirmationUnknown, err
	}
	return AffirmationStatus(row.Status), nil
}

func (s *Service) setLegStatus(tx *gorm.DB, id InstructionID, legID LegID, status LegStatus) error {
	return tx.Model(&legRow{}).
		Where("instruction_id = ? AND leg_id = ?", uint64(id), uint64(legID)).
		Updates(map[string]interface{}{
			"status":             string(status.Kind),
			"status_signer":      status.Signer,
			"status_receipt_uid": status.ReceiptUID,
		}).Error
}

func (s *Service) setAffirmation(tx *gorm.DB, id InstructionID, p portfolio.PortfolioID, status AffirmationStatus) error {
	return tx.Model(&affirmationRow{}).
		Where("instruction_id = ? AND portfolio = ?", uint64(id), p.String()).
		Update("status", string(status)).Error
}

func (s *Service) adjustPendingAffirmations(tx *gorm.DB, id InstructionID, delta int64) error {
	return tx.Model(&instructionRow{}).
		Where("id = ?", uint64(id)).
		Update("pending_affirmations", gorm.Expr("pending_affirmations + ?", delta)).Error
}

// Instruction returns the read view of an instruction, or the Unknown
// status if it never existed or was pruned.
func (s *Service) Instruction(ctx context.Context, id InstructionID) (Instruction, error) {
	var row instructionRow
	err := s.db.WithContext(ctx).Where("id = ?", uint64(id)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Instruction{ID: id, Status: InstructionStatus{Kind: StatusUnknown}}, nil
	}
	if err != nil {
		return Instruction{}, err
	}
	return row.toInstruction(), nil
}

// Legs returns an instruction's legs with their statuses, ordered by leg id.
func (s *Service) Legs(ctx context.Context, id InstructionID) ([]Leg, []LegStatus, error) {
	rows, err := s.legsOf(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, nil, err
	}
	legs := make([]Leg, len(rows))
	statuses := make([]LegStatus, len(rows))
	for i, r := range rows {
		legs[i] = r.toLeg()
		statuses[i] = LegStatus{
			Kind:       LegStatusKind(r.Status),
			Signer:     r.StatusSigner,
			ReceiptUID: r.StatusReceiptUID,
		}
	}
	return legs, statuses, nil
}

// Venue returns the read view of a venue.
func (s *Service) Venue(ctx context.Context, id VenueID) (Venue, error) {
	row, err := s.venueOf(s.db.WithContext(ctx), id)
	if err != nil {
		return Venue{}, err
	}
	return Venue{
		ID:      VenueID(row.ID),
		Creator: row.Creator,
		Details: row.Details,
		Type:    VenueType(row.VenueType),
	}, nil
}

// PendingAffirmations returns how many portfolio affirmations an
// instruction is still waiting on.
func (s *Service) PendingAffirmations(ctx context.Context, id InstructionID) (uint64, error) {
	var row instructionRow
	err := s.db.WithContext(ctx).Where("id = ?", uint64(id)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrUnknownInstruction
	}
	if err != nil {
		return 0, err
	}
	return row.PendingAffirmations, nil
}

func (s *Service) publish(ctx context.Context, topic, eventType string, payload interface{}) {
	s.bus.Publish(ctx, events.Event{Topic: topic, Type: eventType, Payload: payload})
}
