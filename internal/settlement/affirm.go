package settlement

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/custodia/internal/events"
	"github.com/Aidin1998/custodia/internal/identity"
	"github.com/Aidin1998/custodia/internal/portfolio"
	"github.com/Aidin1998/custodia/pkg/metrics"
)

// affirmOutcome carries the post-commit side effects of an affirmation:
// the block to schedule execution at, if all affirmations are now in, and
// the receipt claims to announce.
type affirmOutcome struct {
	scheduleAt *uint64
	claims     []events.ReceiptClaimed
}

// Affirm records the caller's affirmation for the given portfolios and
// locks the resources of every leg they send from. The count bounds the
// work the caller claims the call will do; understating it fails the call.
func (s *Service) Affirm(ctx context.Context, account string, id InstructionID, portfolios []portfolio.PortfolioID, count AffirmationCount) error {
	return s.affirm(ctx, account, id, portfolios, nil, count)
}

// AffirmWithReceipts is Affirm plus off-ledger receipts covering some of
// the affirmed sender legs. Receipt-covered legs are skipped at execution
// instead of locked.
func (s *Service) AffirmWithReceipts(ctx context.Context, account string, id InstructionID, portfolios []portfolio.PortfolioID, receipts []ReceiptDetails, count AffirmationCount) error {
	return s.affirm(ctx, account, id, portfolios, receipts, count)
}

func (s *Service) affirm(ctx context.Context, account string, id InstructionID, portfolios []portfolio.PortfolioID, receipts []ReceiptDetails, count AffirmationCount) error {
	did, sk, err := s.identities.EnsureCallerPermissions(ctx, account)
	if err != nil {
		return err
	}
	var outcome *affirmOutcome
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		outcome, err = s.unsafeAffirm(ctx, tx, did, sk, id, portfolios, receipts, count)
		return err
	})
	if err != nil {
		return err
	}
	s.finishAffirm(ctx, did, id, portfolios, outcome)
	return nil
}

func (s *Service) finishAffirm(ctx context.Context, did uuid.UUID, id InstructionID, portfolios []portfolio.PortfolioID, outcome *affirmOutcome) {
	metrics.AffirmationsProcessed.WithLabelValues("affirm").Add(float64(len(portfolios)))
	for _, p := range portfolios {
		s.publish(ctx, events.TopicInstruction, events.TypeInstructionAffirmed, events.InstructionAffirmed{
			DID: did, Portfolio: p.String(), InstructionID: uint64(id),
		})
	}
	for _, claim := range outcome.claims {
		metrics.ReceiptsClaimed.WithLabelValues("claimed").Inc()
		s.publish(ctx, events.TopicReceipts, events.TypeReceiptClaimed, claim)
	}
	s.logger.Info("instruction affirmed",
		zap.Uint64("instruction_id", uint64(id)),
		zap.String("did", did.String()),
		zap.Int("portfolios", len(portfolios)))
	if outcome.scheduleAt != nil {
		s.scheduleExecution(ctx, id, *outcome.scheduleAt)
	}
}

// unsafeAffirm is the affirmation core, shared with add-and-affirm. It
// runs inside the caller's transaction and performs no post-commit side
// effects itself.
func (s *Service) unsafeAffirm(
	ctx context.Context,
	tx *gorm.DB,
	did uuid.UUID,
	sk *identity.SecondaryKey,
	id InstructionID,
	portfolios []portfolio.PortfolioID,
	receipts []ReceiptDetails,
	count AffirmationCount,
) (*affirmOutcome, error) {
	if len(portfolios) == 0 {
		return nil, ErrNoPortfolioProvided
	}
	row, err := s.instructionForUpdate(tx, id)
	if err != nil {
		return nil, err
	}
	if row.Status != string(StatusPending) {
		return nil, ErrInstructionNotPending
	}
	if row.SettlementKind == string(SettleOnBlock) && s.clock.CurrentBlock() >= row.SettlementBlock {
		return nil, ErrSettleBlockPassed
	}

	set := make(map[string]bool, len(portfolios))
	distinct := make([]portfolio.PortfolioID, 0, len(portfolios))
	for _, p := range portfolios {
		if set[p.String()] {
			continue
		}
		set[p.String()] = true
		distinct = append(distinct, p)
		if err := s.portfolios.EnsureCustodyAndPermission(tx, p, did, sk); err != nil {
			return nil, err
		}
		status, err := s.affirmationOf(tx, id, p)
		if err != nil {
			return nil, err
		}
		if status != AffirmationPending {
			return nil, ErrUnexpectedAffirmationStatus
		}
	}

	legs, err := s.legsOf(tx, id)
	if err != nil {
		return nil, err
	}
	filtered := filterSenderLegs(legs, set)
	if err := ensureValidInputCost(filtered, count); err != nil {
		return nil, err
	}

	outcome := &affirmOutcome{}
	covered := make(map[uint64]bool)
	if len(receipts) > 0 {
		claims, coveredLegs, err := s.applyReceipts(tx, did, row, legs, set, receipts)
		if err != nil {
			return nil, err
		}
		outcome.claims = claims
		covered = coveredLegs
	}

	for _, leg := range filtered {
		if covered[leg.LegID] {
			continue
		}
		switch AssetKind(leg.Kind) {
		case AssetFungible:
			if err := s.portfolios.LockTokens(tx, leg.FromPortfolio, leg.Ticker, leg.Amount); err != nil {
				return nil, ErrFailedToLockTokens
			}
		case AssetNonFungible:
			for _, nftID := range leg.NFTs {
				if err := s.portfolios.LockNFT(tx, leg.FromPortfolio, leg.Ticker, nftID); err != nil {
					return nil, ErrFailedToLockTokens
				}
			}
		case AssetOffChain:
			return nil, ErrOffChainWithoutReceipt
		}
		if err := s.setLegStatus(tx, id, LegID(leg.LegID), LegStatus{Kind: LegExecutionPending}); err != nil {
			return nil, err
		}
	}

	for _, p := range distinct {
		if err := s.setAffirmation(tx, id, p, AffirmationAffirmed); err != nil {
			return nil, err
		}
	}
	if err := s.adjustPendingAffirmations(tx, id, -int64(len(distinct))); err != nil {
		return nil, err
	}

	var after instructionRow
	if err := tx.Where("id = ?", row.ID).First(&after).Error; err != nil {
		return nil, err
	}
	if after.PendingAffirmations == 0 && after.SettlementKind == string(SettleOnAffirmation) {
		at := s.clock.CurrentBlock() + 1
		outcome.scheduleAt = &at
	}
	return outcome, nil
}

// applyReceipts validates and claims the supplied receipts, marking their
// legs to be skipped at execution. Returns the claims to announce and the
// set of covered leg ids.
func (s *Service) applyReceipts(
	tx *gorm.DB,
	did uuid.UUID,
	row *instructionRow,
	legs []legRow,
	affirming map[string]bool,
	receipts []ReceiptDetails,
) ([]events.ReceiptClaimed, map[uint64]bool, error) {
	byLegID := make(map[uint64]*legRow, len(legs))
	for i := range legs {
		byLegID[legs[i].LegID] = &legs[i]
	}
	seen := make(map[string]map[uint64]bool)
	covered := make(map[uint64]bool)
	claims := make([]events.ReceiptClaimed, 0, len(receipts))

	for _, r := range receipts {
		if seen[r.Signer] == nil {
			seen[r.Signer] = make(map[uint64]bool)
		}
		if seen[r.Signer][r.UID] {
			return nil, nil, ErrDuplicateReceipt
		}
		seen[r.Signer][r.UID] = true

		leg, ok := byLegID[uint64(r.LegID)]
		if !ok {
			return nil, nil, ErrLegNotPending
		}
		if !affirming[leg.FromPortfolio.String()] {
			return nil, nil, ErrPortfolioMismatch
		}
		if leg.Status != string(LegPendingTokenLock) || covered[leg.LegID] {
			return nil, nil, ErrLegNotPending
		}
		switch AssetKind(leg.Kind) {
		case AssetNonFungible:
			return nil, nil, ErrReceiptForNonFungibleLeg
		case AssetFungible:
			return nil, nil, ErrReceiptForOnChainAsset
		}
		allowed, err := s.venueSignerAllowed(tx, VenueID(row.VenueID), r.Signer)
		if err != nil {
			return nil, nil, err
		}
		if !allowed {
			return nil, nil, ErrUnauthorizedSigner
		}
		used, err := s.receiptUsed(tx, r.Signer, r.UID)
		if err != nil {
			return nil, nil, err
		}
		if used {
			return nil, nil, ErrReceiptAlreadyClaimed
		}
		if !verifyReceiptSignature(r.Signer, r.Signature, r.UID, leg.FromPortfolio, leg.ToPortfolio, leg.Ticker, leg.Amount.String()) {
			return nil, nil, ErrInvalidSignature
		}

		if err := s.claimReceipt(tx, r.Signer, r.UID, r.Metadata); err != nil {
			return nil, nil, err
		}
		if err := s.setLegStatus(tx, InstructionID(row.ID), LegID(leg.LegID), LegStatus{
			Kind: LegExecutionToBeSkipped, Signer: r.Signer, ReceiptUID: r.UID,
		}); err != nil {
			return nil, nil, err
		}
		covered[leg.LegID] = true
		claims = append(claims, events.ReceiptClaimed{
			DID:           did,
			InstructionID: row.ID,
			LegID:         leg.LegID,
			ReceiptUID:    r.UID,
			Signer:        r.Signer,
			Metadata:      r.Metadata,
			Claimed:       true,
		})
	}
	return claims, covered, nil
}

// WithdrawAffirmation reverses an affirmation for the given portfolios on
// an instruction that has not executed yet: receipts are unclaimed, locks
// released, and the pending-affirmation counter restored.
func (s *Service) WithdrawAffirmation(ctx context.Context, account string, id InstructionID, portfolios []portfolio.PortfolioID, count AffirmationCount) error {
	did, sk, err := s.identities.EnsureCallerPermissions(ctx, account)
	if err != nil {
		return err
	}
	var unclaimed []events.ReceiptClaimed
	var cancelSchedule bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		unclaimed, cancelSchedule, err = s.unsafeWithdraw(tx, did, sk, id, portfolios, count)
		return err
	})
	if err != nil {
		return err
	}
	if cancelSchedule {
		// Best effort: the schedule may have never existed or already run.
		_ = s.sched.CancelNamed(id.ExecutionName())
	}
	metrics.AffirmationsProcessed.WithLabelValues("withdraw").Add(float64(len(portfolios)))
	for _, p := range portfolios {
		s.publish(ctx, events.TopicInstruction, events.TypeAffirmationWithdrawn, events.AffirmationWithdrawn{
			DID: did, Portfolio: p.String(), InstructionID: uint64(id),
		})
	}
	for _, claim := range unclaimed {
		metrics.ReceiptsClaimed.WithLabelValues("unclaimed").Inc()
		s.publish(ctx, events.TopicReceipts, events.TypeReceiptClaimed, claim)
	}
	s.logger.Info("affirmation withdrawn",
		zap.Uint64("instruction_id", uint64(id)),
		zap.String("did", did.String()),
		zap.Int("portfolios", len(portfolios)))
	return nil
}

func (s *Service) unsafeWithdraw(
	tx *gorm.DB,
	did uuid.UUID,
	sk *identity.SecondaryKey,
	id InstructionID,
	portfolios []portfolio.PortfolioID,
	count AffirmationCount,
) ([]events.ReceiptClaimed, bool, error) {
	if len(portfolios) == 0 {
		return nil, false, ErrNoPortfolioProvided
	}
	row, err := s.instructionForUpdate(tx, id)
	if err != nil {
		return nil, false, err
	}
	if row.Status != string(StatusPending) {
		return nil, false, ErrInstructionNotPending
	}

	set := make(map[string]bool, len(portfolios))
	distinct := make([]portfolio.PortfolioID, 0, len(portfolios))
	for _, p := range portfolios {
		if set[p.String()] {
			continue
		}
		set[p.String()] = true
		distinct = append(distinct, p)
		if err := s.portfolios.EnsureCustodyAndPermission(tx, p, did, sk); err != nil {
			return nil, false, err
		}
		status, err := s.affirmationOf(tx, id, p)
		if err != nil {
			return nil, false, err
		}
		if status != AffirmationAffirmed {
			return nil, false, ErrUnexpectedAffirmationStatus
		}
	}

	legs, err := s.legsOf(tx, id)
	if err != nil {
		return nil, false, err
	}
	filtered := filterSenderLegs(legs, set)
	if err := ensureValidInputCost(filtered, count); err != nil {
		return nil, false, err
	}

	var unclaimed []events.ReceiptClaimed
	for _, leg := range filtered {
		switch LegStatusKind(leg.Status) {
		case LegExecutionToBeSkipped:
			if err := s.unclaimReceipt(tx, leg.StatusSigner, leg.StatusReceiptUID); err != nil {
				return nil, false, err
			}
			unclaimed = append(unclaimed, events.ReceiptClaimed{
				DID:           did,
				InstructionID: row.ID,
				LegID:         leg.LegID,
				ReceiptUID:    leg.StatusReceiptUID,
				Signer:        leg.StatusSigner,
				Claimed:       false,
			})
		case LegExecutionPending:
			if err := s.unlockLeg(tx, &leg); err != nil {
				return nil, false, err
			}
		case LegPendingTokenLock:
			return nil, false, ErrInstructionNotAffirmed
		}
		if err := s.setLegStatus(tx, id, LegID(leg.LegID), LegStatus{Kind: LegPendingTokenLock}); err != nil {
			return nil, false, err
		}
	}

	for _, p := range distinct {
		if err := s.setAffirmation(tx, id, p, AffirmationPending); err != nil {
			return nil, false, err
		}
	}
	if err := s.adjustPendingAffirmations(tx, id, int64(len(distinct))); err != nil {
		return nil, false, err
	}

	cancel := row.SettlementKind == string(SettleOnAffirmation)
	return unclaimed, cancel, nil
}

// RejectInstruction lets any party to the instruction cancel it before
// execution. All receipts are unclaimed, all locks released, and the
// instruction pruned to its terminal Rejected status. legCount bounds the
// number of legs the caller claims the instruction has.
func (s *Service) RejectInstruction(ctx context.Context, account string, id InstructionID, legCount uint32) error {
	did, _, err := s.identities.EnsureCallerPermissions(ctx, account)
	if err != nil {
		return err
	}
	var unclaimed []events.ReceiptClaimed
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.instructionForUpdate(tx, id)
		if err != nil {
			return err
		}
		if row.Status != string(StatusPending) && row.Status != string(StatusFailed) {
			return ErrInstructionNotPending
		}

		var parties int64
		if err := tx.Model(&affirmationRow{}).
			Where("instruction_id = ? AND did = ?", row.ID, did).
			Count(&parties).Error; err != nil {
			return err
		}
		if parties == 0 {
			return ErrCallerIsNotAParty
		}

		legs, err := s.legsOf(tx, id)
		if err != nil {
			return err
		}
		if uint32(len(legs)) > legCount {
			return ErrLegCountTooSmall
		}
		for _, leg := range legs {
			switch LegStatusKind(leg.Status) {
			case LegExecutionToBeSkipped:
				if err := s.unclaimReceipt(tx, leg.StatusSigner, leg.StatusReceiptUID); err != nil {
					return err
				}
				unclaimed = append(unclaimed, events.ReceiptClaimed{
					DID:           did,
					InstructionID: row.ID,
					LegID:         leg.LegID,
					ReceiptUID:    leg.StatusReceiptUID,
					Signer:        leg.StatusSigner,
					Claimed:       false,
				})
			case LegExecutionPending:
				if err := s.unlockLeg(tx, &leg); err != nil {
					return err
				}
			}
		}
		return s.pruneInstruction(tx, row, StatusRejected, s.clock.CurrentBlock())
	})
	if err != nil {
		return err
	}
	// Best effort: the schedule may have never existed or already run.
	_ = s.sched.CancelNamed(id.ExecutionName())
	metrics.AffirmationsProcessed.WithLabelValues("reject").Inc()
	for _, claim := range unclaimed {
		metrics.ReceiptsClaimed.WithLabelValues("unclaimed").Inc()
		s.publish(ctx, events.TopicReceipts, events.TypeReceiptClaimed, claim)
	}
	s.logger.Info("instruction rejected",
		zap.Uint64("instruction_id", uint64(id)), zap.String("did", did.String()))
	s.publish(ctx, events.TopicInstruction, events.TypeInstructionRejected, events.InstructionRejected{
		DID: did, InstructionID: uint64(id),
	})
	return nil
}

// unlockLeg releases the lock an affirmation took for the leg.
func (s *Service) unlockLeg(tx *gorm.DB, leg *legRow) error {
	switch AssetKind(leg.Kind) {
	case AssetFungible:
		return s.portfolios.UnlockTokens(tx, leg.FromPortfolio, leg.Ticker, leg.Amount)
	case AssetNonFungible:
		for _, nftID := range leg.NFTs {
			if err := s.portfolios.UnlockNFT(tx, leg.FromPortfolio, leg.Ticker, nftID); err != nil {
				return err
			}
		}
	}
	return nil
}

// filterSenderLegs returns the legs whose sender is in the portfolio set,
// preserving leg-id order.
func filterSenderLegs(legs []legRow, set map[string]bool) []legRow {
	var filtered []legRow
	for _, l := range legs {
		if set[l.FromPortfolio.String()] {
			filtered = append(filtered, l)
		}
	}
	return filtered
}

// ensureValidInputCost checks the caller's declared work bounds against the
// actual filtered legs. Callers must not understate what a call will do.
func ensureValidInputCost(filtered []legRow, count AffirmationCount) error {
	if uint32(len(filtered)) > count.SenderLegs {
		return ErrLegCountTooSmall
	}
	var nfts uint32
	for _, l := range filtered {
		nfts += uint32(len(l.NFTs))
	}
	if nfts > count.NFTs {
		return ErrNFTCountUnderestimated
	}
	return nil
}
