package events

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Topics settlement components publish on.
const (
	TopicVenues      = "settlement.venues"
	TopicInstruction = "settlement.instructions"
	TopicExecution   = "settlement.execution"
	TopicReceipts    = "settlement.receipts"
)

// Event type constants.
const (
	TypeVenueCreated               = "venue.created"
	TypeVenueDetailsUpdated        = "venue.details_updated"
	TypeVenueTypeUpdated           = "venue.type_updated"
	TypeVenueSignersUpdated        = "venue.signers_updated"
	TypeVenueFiltering             = "venue.filtering"
	TypeVenuesAllowed              = "venue.allowed"
	TypeVenuesBlocked              = "venue.blocked"
	TypeVenueUnauthorized          = "venue.unauthorized"
	TypeInstructionCreated         = "instruction.created"
	TypeInstructionAffirmed        = "instruction.affirmed"
	TypeAffirmationWithdrawn       = "instruction.affirmation_withdrawn"
	TypeInstructionRejected        = "instruction.rejected"
	TypeInstructionExecuted        = "instruction.executed"
	TypeInstructionFailed          = "instruction.failed"
	TypeInstructionRescheduled     = "instruction.rescheduled"
	TypeLegFailedExecution         = "instruction.leg_failed"
	TypeFailedToExecute            = "instruction.execution_error"
	TypeSchedulingFailed           = "instruction.scheduling_failed"
	TypeSettlementManuallyExecuted = "instruction.manually_executed"
	TypeReceiptClaimed             = "receipt.claimed"
	TypeReceiptValidityChanged     = "receipt.validity_changed"
)

// VenueCreated is published when a new venue is registered.
type VenueCreated struct {
	DID       uuid.UUID
	VenueID   uint64
	Details   string
	VenueType string
}

// VenueDetailsUpdated is published when a venue's details string changes.
type VenueDetailsUpdated struct {
	DID     uuid.UUID
	VenueID uint64
	Details string
}

// VenueTypeUpdated is published when a venue's type changes.
type VenueTypeUpdated struct {
	DID       uuid.UUID
	VenueID   uint64
	VenueType string
}

// VenueSignersUpdated is published when signers are added to or removed
// from a venue's allowed set.
type VenueSignersUpdated struct {
	DID     uuid.UUID
	VenueID uint64
	Signers []string
	Added   bool
}

// VenueFiltering is published when venue filtering is toggled for a ticker.
type VenueFiltering struct {
	DID     uuid.UUID
	Ticker  string
	Enabled bool
}

// VenueListUpdated is published when venues are allowed or blocked for a
// filtered ticker. Allowed distinguishes the two.
type VenueListUpdated struct {
	DID     uuid.UUID
	Ticker  string
	Venues  []uint64
	Allowed bool
}

// VenueUnauthorized is published when execution skips a leg because its
// ticker does not permit the instruction's venue.
type VenueUnauthorized struct {
	DID           uuid.UUID
	Ticker        string
	InstructionID uint64
}

// LegSnapshot is the event-facing view of one instruction leg.
type LegSnapshot struct {
	LegID  uint64
	From   string
	To     string
	Kind   string
	Ticker string
	Amount decimal.Decimal
	NFTs   []uint64
}

// InstructionCreated is published when an instruction is added.
type InstructionCreated struct {
	DID            uuid.UUID
	VenueID        uint64
	InstructionID  uint64
	SettlementType string
	SettleBlock    uint64
	TradeDate      *uint64
	ValueDate      *uint64
	Legs           []LegSnapshot
	Memo           *string
}

// InstructionAffirmed is published when a party affirms.
type InstructionAffirmed struct {
	DID           uuid.UUID
	Portfolio     string
	InstructionID uint64
}

// AffirmationWithdrawn is published when a party withdraws an affirmation.
type AffirmationWithdrawn struct {
	DID           uuid.UUID
	Portfolio     string
	InstructionID uint64
}

// InstructionRejected is published when an instruction is rejected.
type InstructionRejected struct {
	DID           uuid.UUID
	InstructionID uint64
}

// InstructionExecuted is published after a successful settlement.
type InstructionExecuted struct {
	DID           uuid.UUID
	InstructionID uint64
	Block         uint64
}

// InstructionFailed is published when settlement fails and the instruction
// is parked for rescheduling.
type InstructionFailed struct {
	DID           uuid.UUID
	InstructionID uint64
	Block         uint64
}

// InstructionRescheduled is published when a failed instruction is queued
// for another attempt.
type InstructionRescheduled struct {
	DID           uuid.UUID
	InstructionID uint64
	Block         uint64
}

// LegFailedExecution identifies the first leg whose transfer failed.
type LegFailedExecution struct {
	DID           uuid.UUID
	InstructionID uint64
	LegID         uint64
}

// FailedToExecute is published when a scheduled execution errors out.
type FailedToExecute struct {
	InstructionID uint64
	Reason        string
}

// SchedulingFailed is published when queueing an execution with the
// scheduler fails. The instruction stays valid for manual execution.
type SchedulingFailed struct {
	InstructionID uint64
	Reason        string
}

// SettlementManuallyExecuted is published after a manual execution call.
type SettlementManuallyExecuted struct {
	DID           uuid.UUID
	InstructionID uint64
}

// ReceiptClaimed is published when an off-chain receipt covers a leg. The
// event carries the claim whether created during affirmation or withdrawn
// alongside one; Claimed distinguishes the two.
type ReceiptClaimed struct {
	DID           uuid.UUID
	InstructionID uint64
	LegID         uint64
	ReceiptUID    uint64
	Signer        string
	Metadata      *string
	Claimed       bool
}

// ReceiptValidityChanged is published when a signer flips a receipt
// identifier between usable and spent.
type ReceiptValidityChanged struct {
	Signer     string
	ReceiptUID uint64
	Valid      bool
}
