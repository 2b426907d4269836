package settlement

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/custodia/internal/events"
	"github.com/Aidin1998/custodia/internal/portfolio"
	"github.com/Aidin1998/custodia/pkg/metrics"
)

// executePriority orders scheduled settlements ahead of other work queued
// for the same block.
const executePriority uint8 = 10

// FungibleLeg is the legacy leg shape: ticker plus amount, sender to
// receiver. Whether it settles on the ledger is decided by the asset
// registry at creation time.
type FungibleLeg struct {
	From   portfolio.PortfolioID
	To     portfolio.PortfolioID
	Ticker string
	Amount decimal.Decimal
}

// AddInstruction creates a settlement instruction on one of the caller's
// venues and returns its id. Legs settle atomically once every involved
// portfolio has affirmed. The call either fully succeeds or leaves no trace.
func (s *Service) AddInstruction(
	ctx context.Context,
	account string,
	venueID VenueID,
	settlement Type,
	tradeDate, valueDate *uint64,
	legs []Leg,
	memo *string,
) (InstructionID, error) {
	did, _, err := s.identities.EnsureCallerPermissions(ctx, account)
	if err != nil {
		return 0, err
	}
	var id InstructionID
	var scheduleAt *uint64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		id, scheduleAt, err = s.baseAddInstruction(tx, did, venueID, settlement, tradeDate, valueDate, legs, memo)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.finishAdd(ctx, did, id, scheduleAt)
	return id, nil
}

// AddAndAffirmInstruction creates an instruction and affirms it for the
// given portfolios in one atomic call.
func (s *Service) AddAndAffirmInstruction(
	ctx context.Context,
	account string,
	venueID VenueID,
	settlement Type,
	tradeDate, valueDate *uint64,
	legs []Leg,
	portfolios []portfolio.PortfolioID,
	memo *string,
) (InstructionID, error) {
	did, sk, err := s.identities.EnsureCallerPermissions(ctx, account)
	if err != nil {
		return 0, err
	}
	count, err := affirmationCountFor(legs, portfolios)
	if err != nil {
		return 0, err
	}
	var id InstructionID
	var outcome *affirmOutcome
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var addSchedule *uint64
		id, addSchedule, err = s.baseAddInstruction(tx, did, venueID, settlement, tradeDate, valueDate, legs, memo)
		if err != nil {
			return err
		}
		outcome, err = s.unsafeAffirm(ctx, tx, did, sk, id, portfolios, nil, count)
		if err != nil {
			return err
		}
		if outcome.scheduleAt == nil {
			outcome.scheduleAt = addSchedule
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.finishAdd(ctx, did, id, nil)
	s.finishAffirm(ctx, did, id, portfolios, outcome)
	return id, nil
}

// AddFungibleInstruction is the legacy creation form: ticker-and-amount
// legs only. Legs whose ticker is not registered on the ledger become
// off-ledger legs that settle via receipts.
func (s *Service) AddFungibleInstruction(
	ctx context.Context,
	account string,
	venueID VenueID,
	settlement Type,
	tradeDate, valueDate *uint64,
	legs []FungibleLeg,
	memo *string,
) (InstructionID, error) {
	converted, err := s.convertLegacyLegs(ctx, legs)
	if err != nil {
		return 0, err
	}
	return s.AddInstruction(ctx, account, venueID, settlement, tradeDate, valueDate, converted, memo)
}

// AddAndAffirmFungibleInstruction is the legacy combined form.
func (s *Service) AddAndAffirmFungibleInstruction(
	ctx context.Context,
	account string,
	venueID VenueID,
	settlement Type,
	tradeDate, valueDate *uint64,
	legs []FungibleLeg,
	portfolios []portfolio.PortfolioID,
	memo *string,
) (InstructionID, error) {
	converted, err := s.convertLegacyLegs(ctx, legs)
	if err != nil {
		return 0, err
	}
	return s.AddAndAffirmInstruction(ctx, account, venueID, settlement, tradeDate, valueDate, converted, portfolios, memo)
}

func (s *Service) convertLegacyLegs(ctx context.Context, legs []FungibleLeg) ([]Leg, error) {
	converted := make([]Leg, 0, len(legs))
	for _, l := range legs {
		registered, err := s.assets.IsRegistered(s.db.WithContext(ctx), l.Ticker)
		if err != nil {
			return nil, err
		}
		kind := AssetFungible
		if !registered {
			kind = AssetOffChain
		}
		converted = append(converted, Leg{
			From: l.From, To: l.To, Kind: kind, Ticker: l.Ticker, Amount: l.Amount,
		})
	}
	return converted, nil
}

// baseAddInstruction validates and persists an instruction within the
// caller's transaction. It returns the block to schedule execution at, if
// the settlement type calls for one; scheduling itself happens after
// commit.
func (s *Service) baseAddInstruction(
	tx *gorm.DB,
	did uuid.UUID,
	venueID VenueID,
	settlement Type,
	tradeDate, valueDate *uint64,
	legs []Leg,
	memo *string,
) (InstructionID, *uint64, error) {
	if _, err := s.ensureVenueCreator(tx, venueID, did); err != nil {
		return 0, nil, err
	}
	block := s.clock.CurrentBlock()
	if err := s.ensureValidSettlement(settlement, block); err != nil {
		return 0, nil, err
	}
	if tradeDate != nil && valueDate != nil && *tradeDate > *valueDate {
		return 0, nil, ErrInstructionDatesInvalid
	}
	parties, err := s.ensureValidLegs(tx, venueID, legs)
	if err != nil {
		return 0, nil, err
	}

	raw, err := nextID(tx, counterInstruction)
	if err != nil {
		return 0, nil, err
	}
	id := InstructionID(raw)

	row := instructionRow{
		ID:                  raw,
		VenueID:             uint64(venueID),
		Status:              string(StatusPending),
		SettlementKind:      string(settlement.Kind),
		SettlementBlock:     settlement.Block,
		CreatedBlock:        block,
		TradeDate:           tradeDate,
		ValueDate:           valueDate,
		Memo:                memo,
		PendingAffirmations: uint64(len(parties)),
	}
	if err := tx.Create(&row).Error; err != nil {
		return 0, nil, err
	}
	if err := tx.Create(&venueInstructionRow{VenueID: uint64(venueID), InstructionID: raw}).Error; err != nil {
		return 0, nil, err
	}
	for i, l := range legs {
		if err := tx.Create(&legRow{
			InstructionID: raw,
			LegID:         uint64(i),
			FromPortfolio: l.From,
			ToPortfolio:   l.To,
			Kind:          string(l.Kind),
			Ticker:        l.Ticker,
			Amount:        l.Amount,
			NFTs:          nftIDList(l.NFTs),
			Status:        string(LegPendingTokenLock),
		}).Error; err != nil {
			return 0, nil, err
		}
	}
	for _, p := range parties {
		if err := tx.Create(&affirmationRow{
			InstructionID: raw,
			Portfolio:     p,
			DID:           p.DID,
			Status:        string(AffirmationPending),
		}).Error; err != nil {
			return 0, nil, err
		}
	}

	var scheduleAt *uint64
	if settlement.Kind == SettleOnBlock {
		at := settlement.Block
		scheduleAt = &at
	}
	return id, scheduleAt, nil
}

// finishAdd emits the post-commit side effects of instruction creation.
func (s *Service) finishAdd(ctx context.Context, did uuid.UUID, id InstructionID, scheduleAt *uint64) {
	var row instructionRow
	var legRows []legRow
	if err := s.db.WithContext(ctx).Where("id = ?", uint64(id)).First(&row).Error; err != nil {
		s.logger.Error("failed to load created instruction", zap.Error(err), zap.Uint64("instruction_id", uint64(id)))
		return
	}
	legRows, err := s.legsOf(s.db.WithContext(ctx), id)
	if err != nil {
		s.logger.Error("failed to load created legs", zap.Error(err), zap.Uint64("instruction_id", uint64(id)))
		return
	}
	snapshots := make([]events.LegSnapshot, len(legRows))
	for i, l := range legRows {
		snapshots[i] = events.LegSnapshot{
			LegID:  l.LegID,
			From:   l.FromPortfolio.String(),
			To:     l.ToPortfolio.String(),
			Kind:   l.Kind,
			Ticker: l.Ticker,
			Amount: l.Amount,
			NFTs:   []uint64(l.NFTs),
		}
	}
	metrics.InstructionsCreated.WithLabelValues(row.SettlementKind).Inc()
	s.logger.Info("instruction created",
		zap.Uint64("instruction_id", uint64(id)),
		zap.Uint64("venue_id", row.VenueID),
		zap.String("settlement_type", row.SettlementKind),
		zap.Int("legs", len(legRows)))
	s.publish(ctx, events.TopicInstruction, events.TypeInstructionCreated, events.InstructionCreated{
		DID:            did,
		VenueID:        row.VenueID,
		InstructionID:  uint64(id),
		SettlementType: row.SettlementKind,
		SettleBlock:    row.SettlementBlock,
		TradeDate:      row.TradeDate,
		ValueDate:      row.ValueDate,
		Legs:           snapshots,
		Memo:           row.Memo,
	})
	if scheduleAt != nil {
		s.scheduleExecution(ctx, id, *scheduleAt)
	}
}

func (s *Service) ensureValidSettlement(settlement Type, block uint64) error {
	switch settlement.Kind {
	case SettleOnAffirmation:
		return nil
	case SettleOnBlock, SettleManual:
		if settlement.Block <= block {
			return ErrSettleOnPastBlock
		}
		return nil
	default:
		return ErrInvalidSettlementType
	}
}

// ensureValidLegs validates every leg and returns the distinct counterparty
// portfolios, in first-appearance order. On-ledger legs must reference a
// registered ticker; off-ledger legs must not. Each on-ledger ticker's
// filtering policy, if enabled, must allow the venue.
func (s *Service) ensureValidLegs(tx *gorm.DB, venueID VenueID, legs []Leg) ([]portfolio.PortfolioID, error) {
	if len(legs) == 0 {
		return nil, ErrNoLegs
	}
	var fungible, offChain int
	var nfts int
	var parties []portfolio.PortfolioID
	seenParty := make(map[string]bool)
	checkedTicker := make(map[string]bool)
	addParty := func(p portfolio.PortfolioID) {
		if !seenParty[p.String()] {
			seenParty[p.String()] = true
			parties = append(parties, p)
		}
	}
	for _, l := range legs {
		if l.From == l.To {
			return nil, ErrSameSenderReceiver
		}
		switch l.Kind {
		case AssetFungible, AssetOffChain:
			if !l.Amount.IsPositive() {
				return nil, ErrZeroAmount
			}
			if len(l.NFTs) > 0 {
				return nil, ErrMaxNFTsPerLegExceeded
			}
			if l.Kind == AssetFungible {
				fungible++
			} else {
				offChain++
			}
		case AssetNonFungible:
			if len(l.NFTs) == 0 {
				return nil, ErrZeroAmount
			}
			if len(l.NFTs) > int(s.limits.MaxNFTsPerLeg) {
				return nil, ErrMaxNFTsPerLegExceeded
			}
			seenNFT := make(map[uint64]bool, len(l.NFTs))
			for _, id := range l.NFTs {
				if seenNFT[id] {
					return nil, ErrDuplicateNFTID
				}
				seenNFT[id] = true
			}
			nfts += len(l.NFTs)
		default:
			return nil, ErrInvalidLegKind
		}
		registered, err := s.assets.IsRegistered(tx, l.Ticker)
		if err != nil {
			return nil, err
		}
		if l.OffChain() == registered {
			if registered {
				return nil, ErrOffChainAssetOnLedger
			}
			return nil, ErrAssetNotOnLedger
		}
		if !l.OffChain() && !checkedTicker[l.Ticker] {
			checkedTicker[l.Ticker] = true
			allowed, err := s.venueAllowedForTicker(tx, l.Ticker, venueID)
			if err != nil {
				return nil, err
			}
			if !allowed {
				return nil, ErrUnauthorizedVenue
			}
		}
		addParty(l.From)
		addParty(l.To)
	}
	if fungible > int(s.limits.MaxFungibleLegs) || offChain > int(s.limits.MaxFungibleLegs) {
		return nil, ErrTooManyFungibleLegs
	}
	if nfts > int(s.limits.MaxNFTsPerInstr) {
		return nil, ErrMaxNumberOfNFTsExceeded
	}
	return parties, nil
}

// affirmationCountFor derives the declared cost bounds of an add-and-affirm
// call from the legs the caller is about to affirm.
func affirmationCountFor(legs []Leg, portfolios []portfolio.PortfolioID) (AffirmationCount, error) {
	set := make(map[string]bool, len(portfolios))
	for _, p := range portfolios {
		set[p.String()] = true
	}
	var count AffirmationCount
	for _, l := range legs {
		if !set[l.From.String()] {
			continue
		}
		switch l.Kind {
		case AssetFungible, AssetOffChain:
			count.SenderLegs++
		case AssetNonFungible:
			count.SenderLegs++
			count.NFTs += uint32(len(l.NFTs))
		}
	}
	return count, nil
}

// scheduleExecution queues an instruction's deferred execution under its
// deterministic name. A failure here is reported as an event so callers do
// not fail just because deferred scheduling could not be confirmed.
func (s *Service) scheduleExecution(ctx context.Context, id InstructionID, at uint64) {
	err := s.sched.ScheduleNamed(id.ExecutionName(), at, executePriority, func(callCtx context.Context) error {
		return s.ExecuteScheduledInstruction(callCtx, id)
	})
	if err != nil {
		s.logger.Warn("failed to schedule execution",
			zap.Error(err), zap.Uint64("instruction_id", uint64(id)))
		s.publish(ctx, events.TopicExecution, events.TypeSchedulingFailed, events.SchedulingFailed{
			InstructionID: uint64(id), Reason: err.Error(),
		})
	}
}
