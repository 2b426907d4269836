// Package settlement implements the instruction lifecycle: venues,
// instruction creation, affirmation, off-chain receipts, and atomic
// execution of multi-leg settlements.
package settlement

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/custodia/internal/portfolio"
)

// VenueID identifies a venue. IDs are assigned from a counter starting at 1.
type VenueID uint64

// InstructionID identifies an instruction. IDs are assigned from a counter
// starting at 1.
type InstructionID uint64

// ExecutionName is the scheduler task name for this instruction's
// deferred execution. One instruction has at most one scheduled execution.
func (id InstructionID) ExecutionName() string {
	return fmt.Sprintf("settlement/execute/%d", id)
}

// LegID identifies a leg within an instruction. Legs are numbered from 0 in
// submission order.
type LegID uint64

// VenueType classifies what a venue is used for.
type VenueType string

const (
	VenueTypeOther        VenueType = "other"
	VenueTypeDistribution VenueType = "distribution"
	VenueTypeSto          VenueType = "sto"
	VenueTypeExchange     VenueType = "exchange"
)

// Valid reports whether t is one of the defined venue types.
func (t VenueType) Valid() bool {
	switch t {
	case VenueTypeOther, VenueTypeDistribution, VenueTypeSto, VenueTypeExchange:
		return true
	}
	return false
}

// SettlementKind discriminates the settlement type of an instruction.
type SettlementKind string

const (
	// SettleOnAffirmation executes as soon as every affirmation is in.
	SettleOnAffirmation SettlementKind = "on_affirmation"
	// SettleOnBlock executes at a scheduled block.
	SettleOnBlock SettlementKind = "on_block"
	// SettleManual only executes when a party asks for it, no earlier
	// than its block.
	SettleManual SettlementKind = "manual"
)

// Type is the settlement type of an instruction. Block is meaningful for
// SettleOnBlock and SettleManual.
type Type struct {
	Kind  SettlementKind
	Block uint64
}

// OnAffirmation settles as soon as all affirmations are received.
func OnAffirmation() Type { return Type{Kind: SettleOnAffirmation} }

// OnBlock settles at the given block.
func OnBlock(block uint64) Type { return Type{Kind: SettleOnBlock, Block: block} }

// Manual settles only on request, once block has been reached.
func Manual(block uint64) Type { return Type{Kind: SettleManual, Block: block} }

// InstructionStatusKind enumerates instruction lifecycle states.
type InstructionStatusKind string

const (
	// StatusUnknown means the instruction does not exist or was pruned.
	StatusUnknown InstructionStatusKind = "unknown"
	// StatusPending means the instruction awaits affirmation or execution.
	StatusPending InstructionStatusKind = "pending"
	// StatusFailed means an execution attempt failed; the instruction is
	// kept for rescheduling.
	StatusFailed InstructionStatusKind = "failed"
	// StatusSuccess records the block of a successful execution.
	StatusSuccess InstructionStatusKind = "success"
	// StatusRejected records the block an instruction was rejected at.
	StatusRejected InstructionStatusKind = "rejected"
)

// InstructionStatus is a lifecycle state plus, for the terminal states, the
// block it was reached at.
type InstructionStatus struct {
	Kind  InstructionStatusKind
	Block uint64
}

// AffirmationStatus is the per-portfolio affirmation state of an instruction.
type AffirmationStatus string

const (
	AffirmationUnknown  AffirmationStatus = "unknown"
	AffirmationPending  AffirmationStatus = "pending"
	AffirmationAffirmed AffirmationStatus = "affirmed"
)

// LegStatusKind enumerates leg execution states.
type LegStatusKind string

const (
	// LegPendingTokenLock means the sender has not affirmed yet, so no
	// tokens are locked for the leg.
	LegPendingTokenLock LegStatusKind = "pending_token_lock"
	// LegExecutionPending means the sender affirmed and the leg's tokens
	// are locked.
	LegExecutionPending LegStatusKind = "execution_pending"
	// LegExecutionToBeSkipped means an off-chain receipt covers the leg;
	// execution skips it.
	LegExecutionToBeSkipped LegStatusKind = "execution_to_be_skipped"
)

// LegStatus is a leg state plus, for receipt-covered legs, the receipt that
// covers it.
type LegStatus struct {
	Kind       LegStatusKind
	Signer     string
	ReceiptUID uint64
}

// AssetKind discriminates what a leg moves.
type AssetKind string

const (
	// AssetFungible moves an amount of a registered fungible asset.
	AssetFungible AssetKind = "fungible"
	// AssetNonFungible moves specific NFTs of a registered collection.
	AssetNonFungible AssetKind = "non_fungible"
	// AssetOffChain records a movement settled off the ledger, evidenced
	// by a receipt.
	AssetOffChain AssetKind = "off_chain"
)

// Leg is one movement within an instruction.
type Leg struct {
	From   portfolio.PortfolioID
	To     portfolio.PortfolioID
	Kind   AssetKind
	Ticker string
	Amount decimal.Decimal
	NFTs   []uint64
}

// OffChain reports whether the leg settles off the ledger.
func (l Leg) OffChain() bool { return l.Kind == AssetOffChain }

// Instruction is the read view of a stored instruction.
type Instruction struct {
	ID           InstructionID
	VenueID      VenueID
	Status       InstructionStatus
	Settlement   Type
	CreatedBlock uint64
	TradeDate    *uint64
	ValueDate    *uint64
	Memo         *string
}

// Venue is the read view of a stored venue.
type Venue struct {
	ID      VenueID
	Creator uuid.UUID
	Details string
	Type    VenueType
}

// ReceiptDetails is a caller-supplied off-chain receipt presented during
// affirmation. LegID names the off-chain leg it covers; UID is unique per
// signer; Signature is the signer's ed25519 signature over the receipt
// digest.
type ReceiptDetails struct {
	LegID     LegID
	UID       uint64
	Signer    string
	Signature []byte
	Metadata  *string
}

// AffirmationCount bounds the work an affirmation call may do. Callers
// declare how many sender legs and transferred NFTs their portfolio set
// covers; the call fails if the declared bounds are exceeded.
type AffirmationCount struct {
	SenderLegs uint32
	NFTs       uint32
}
