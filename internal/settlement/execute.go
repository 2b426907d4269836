package settlement

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/custodia/internal/events"
	"github.com/Aidin1998/custodia/internal/portfolio"
	"github.com/Aidin1998/custodia/pkg/metrics"
)

// execResult carries what an execution attempt observed, for events and
// logs emitted after the surrounding transaction commits.
type execResult struct {
	failedLeg           *uint64
	unauthorizedTickers []string
	unclaimed           []events.ReceiptClaimed
}

// ExecuteScheduledInstruction is the scheduler bridge entrypoint. It is
// privileged: no caller permission is checked. A failed attempt commits
// the Failed status and reports the cause as an event rather than an
// error, so the scheduler run itself never aborts.
func (s *Service) ExecuteScheduledInstruction(ctx context.Context, id InstructionID) error {
	block := s.clock.CurrentBlock()
	start := time.Now()

	var res execResult
	var execErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.instructionForUpdate(tx, id)
		if err != nil {
			execErr = err
			return nil
		}
		res, execErr = s.executeInstruction(tx, row, block)
		if execErr != nil {
			// Do not clobber a terminal status reached by another path.
			if errors.Is(execErr, ErrInstructionNotPending) {
				return nil
			}
			return s.markFailed(tx, row, block, &res)
		}
		return nil
	})
	metrics.ExecutionLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.InstructionsExecuted.WithLabelValues("error").Inc()
		return err
	}
	if execErr != nil {
		s.reportFailure(ctx, id, block, execErr, &res)
		return nil
	}
	metrics.InstructionsExecuted.WithLabelValues("success").Inc()
	s.logger.Info("instruction executed",
		zap.Uint64("instruction_id", uint64(id)), zap.Uint64("block", block))
	s.publish(ctx, events.TopicExecution, events.TypeInstructionExecuted, events.InstructionExecuted{
		InstructionID: uint64(id), Block: block,
	})
	return nil
}

// ExecuteManualInstruction executes an instruction on demand. The caller
// either supplies one of the instruction's portfolios it has custody of,
// or must be the creator of the instruction's venue. Unlike the scheduled
// path, a failed attempt is a hard error and leaves no trace.
func (s *Service) ExecuteManualInstruction(ctx context.Context, account string, id InstructionID, p *portfolio.PortfolioID, count AffirmationCount) error {
	did, sk, err := s.identities.EnsureCallerPermissions(ctx, account)
	if err != nil {
		return err
	}
	block := s.clock.CurrentBlock()
	start := time.Now()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.instructionForUpdate(tx, id)
		if err != nil {
			return err
		}
		if p != nil {
			if err := s.portfolios.EnsureCustodyAndPermission(tx, *p, did, sk); err != nil {
				return err
			}
			var parties int64
			if err := tx.Model(&affirmationRow{}).
				Where("instruction_id = ? AND portfolio = ?", row.ID, p.String()).
				Count(&parties).Error; err != nil {
				return err
			}
			if parties == 0 {
				return ErrCallerIsNotAParty
			}
		} else {
			if _, err := s.ensureVenueCreator(tx, VenueID(row.VenueID), did); err != nil {
				return err
			}
		}
		if row.SettlementKind == string(SettleManual) && block < row.SettlementBlock {
			return ErrSettleBlockNotReached
		}
		legs, err := s.legsOf(tx, id)
		if err != nil {
			return err
		}
		if err := ensureValidInputCost(legs, count); err != nil {
			return err
		}
		_, execErr := s.executeInstruction(tx, row, block)
		return execErr
	})
	metrics.ExecutionLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.InstructionsExecuted.WithLabelValues("error").Inc()
		return err
	}
	// A deferred execution may still be queued for this instruction.
	_ = s.sched.CancelNamed(id.ExecutionName())

	metrics.InstructionsExecuted.WithLabelValues("success").Inc()
	s.logger.Info("instruction executed manually",
		zap.Uint64("instruction_id", uint64(id)),
		zap.String("did", did.String()),
		zap.Uint64("block", block))
	s.publish(ctx, events.TopicExecution, events.TypeSettlementManuallyExecuted, events.SettlementManuallyExecuted{
		DID: did, InstructionID: uint64(id),
	})
	s.publish(ctx, events.TopicExecution, events.TypeInstructionExecuted, events.InstructionExecuted{
		DID: did, InstructionID: uint64(id), Block: block,
	})
	return nil
}

// RescheduleInstruction queues another execution attempt for a failed
// instruction at the next block. There is no retry limit; each failed
// attempt returns the instruction to Failed for inspection.
func (s *Service) RescheduleInstruction(ctx context.Context, account string, id InstructionID) error {
	did, _, err := s.identities.EnsureCallerPermissions(ctx, account)
	if err != nil {
		return err
	}
	at := s.clock.CurrentBlock() + 1
	if err := s.sched.ScheduleNamed(id.ExecutionName(), at, executePriority, func(callCtx context.Context) error {
		return s.ExecuteScheduledInstruction(callCtx, id)
	}); err != nil {
		return ErrFailedToSchedule
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.instructionForUpdate(tx, id)
		if err != nil {
			return err
		}
		if row.Status != string(StatusFailed) {
			return ErrInstructionNotFailed
		}
		return tx.Model(&instructionRow{}).Where("id = ?", row.ID).
			Updates(map[string]interface{}{
				"status":       string(StatusPending),
				"status_block": uint64(0),
			}).Error
	})
	if err != nil {
		_ = s.sched.CancelNamed(id.ExecutionName())
		return err
	}

	s.logger.Info("instruction rescheduled",
		zap.Uint64("instruction_id", uint64(id)), zap.Uint64("block", at))
	s.publish(ctx, events.TopicExecution, events.TypeInstructionRescheduled, events.InstructionRescheduled{
		DID: did, InstructionID: uint64(id), Block: at,
	})
	return nil
}

// executeInstruction performs one settlement attempt inside the caller's
// transaction. Transfers run in a nested transaction so a failing leg rolls
// back every transfer of this attempt while the caller can still commit the
// failure bookkeeping.
func (s *Service) executeInstruction(tx *gorm.DB, row *instructionRow, block uint64) (execResult, error) {
	var res execResult
	if row.Status != string(StatusPending) {
		return res, ErrInstructionNotPending
	}
	if row.PendingAffirmations != 0 {
		return res, ErrInstructionFailed
	}
	legs, err := s.legsOf(tx, InstructionID(row.ID))
	if err != nil {
		return res, err
	}

	// Filtering policy may have changed since affirmation; re-check once
	// per distinct on-ledger ticker.
	checked := make(map[string]bool)
	for _, leg := range legs {
		if AssetKind(leg.Kind) == AssetOffChain || checked[leg.Ticker] {
			continue
		}
		checked[leg.Ticker] = true
		allowed, err := s.venueAllowedForTicker(tx, leg.Ticker, VenueID(row.VenueID))
		if err != nil {
			return res, err
		}
		if !allowed {
			res.unauthorizedTickers = append(res.unauthorizedTickers, leg.Ticker)
		}
	}
	if len(res.unauthorizedTickers) > 0 {
		return res, ErrUnauthorizedVenue
	}

	err = tx.Transaction(func(itx *gorm.DB) error {
		// Release locks first so transfers draw from available balance.
		for i := range legs {
			if LegStatusKind(legs[i].Status) == LegExecutionPending {
				if err := s.unlockLeg(itx, &legs[i]); err != nil {
					return err
				}
			}
		}
		for i := range legs {
			leg := &legs[i]
			switch LegStatusKind(leg.Status) {
			case LegExecutionToBeSkipped:
				continue
			case LegPendingTokenLock:
				legID := leg.LegID
				res.failedLeg = &legID
				return ErrLegNotPending
			}
			var transferErr error
			switch AssetKind(leg.Kind) {
			case AssetFungible:
				transferErr = s.assets.TransferFungible(itx, leg.FromPortfolio, leg.ToPortfolio, leg.Ticker, leg.Amount)
			case AssetNonFungible:
				transferErr = s.assets.TransferNFTs(itx, leg.FromPortfolio, leg.ToPortfolio, leg.Ticker, leg.NFTs)
			}
			if transferErr != nil {
				legID := leg.LegID
				res.failedLeg = &legID
				return transferErr
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	return res, s.pruneInstruction(tx, row, StatusSuccess, block)
}

// markFailed commits the failure bookkeeping of an execution attempt: the
// instruction goes to Failed and all claimed receipts become reusable. The
// legs and locks were already restored by the nested rollback.
func (s *Service) markFailed(tx *gorm.DB, row *instructionRow, block uint64, res *execResult) error {
	legs, err := s.legsOf(tx, InstructionID(row.ID))
	if err != nil {
		return err
	}
	for _, leg := range legs {
		if LegStatusKind(leg.Status) != LegExecutionToBeSkipped {
			continue
		}
		if err := s.unclaimReceipt(tx, leg.StatusSigner, leg.StatusReceiptUID); err != nil {
			return err
		}
		res.unclaimed = append(res.unclaimed, events.ReceiptClaimed{
			InstructionID: row.ID,
			LegID:         leg.LegID,
			ReceiptUID:    leg.StatusReceiptUID,
			Signer:        leg.StatusSigner,
			Claimed:       false,
		})
	}
	return tx.Model(&instructionRow{}).Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"status":       string(StatusFailed),
			"status_block": block,
		}).Error
}

// reportFailure emits the events and metrics of a failed scheduled attempt.
func (s *Service) reportFailure(ctx context.Context, id InstructionID, block uint64, execErr error, res *execResult) {
	metrics.InstructionsExecuted.WithLabelValues("failure").Inc()
	s.logger.Warn("instruction execution failed",
		zap.Uint64("instruction_id", uint64(id)),
		zap.Uint64("block", block),
		zap.Error(execErr))
	for _, ticker := range res.unauthorizedTickers {
		s.publish(ctx, events.TopicExecution, events.TypeVenueUnauthorized, events.VenueUnauthorized{
			Ticker: ticker, InstructionID: uint64(id),
		})
	}
	if res.failedLeg != nil {
		s.publish(ctx, events.TopicExecution, events.TypeLegFailedExecution, events.LegFailedExecution{
			InstructionID: uint64(id), LegID: *res.failedLeg,
		})
	}
	for _, claim := range res.unclaimed {
		metrics.ReceiptsClaimed.WithLabelValues("unclaimed").Inc()
		s.publish(ctx, events.TopicReceipts, events.TypeReceiptClaimed, claim)
	}
	if errors.Is(execErr, ErrUnknownInstruction) || errors.Is(execErr, ErrInstructionNotPending) {
		s.publish(ctx, events.TopicExecution, events.TypeFailedToExecute, events.FailedToExecute{
			InstructionID: uint64(id), Reason: execErr.Error(),
		})
		return
	}
	s.publish(ctx, events.TopicExecution, events.TypeInstructionFailed, events.InstructionFailed{
		InstructionID: uint64(id), Block: block,
	})
}

// pruneInstruction removes the per-leg and per-portfolio bookkeeping of a
// settled or rejected instruction, keeping only the terminal status row.
func (s *Service) pruneInstruction(tx *gorm.DB, row *instructionRow, status InstructionStatusKind, block uint64) error {
	if err := tx.Where("instruction_id = ?", row.ID).Delete(&legRow{}).Error; err != nil {
		return err
	}
	if err := tx.Where("instruction_id = ?", row.ID).Delete(&affirmationRow{}).Error; err != nil {
		return err
	}
	if err := tx.Where("instruction_id = ?", row.ID).Delete(&venueInstructionRow{}).Error; err != nil {
		return err
	}
	return tx.Model(&instructionRow{}).Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"status":               string(status),
			"status_block":         block,
			"pending_affirmations": uint64(0),
		}).Error
}
