package settlement

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/custodia/internal/portfolio"
)

// Counter names.
const (
	counterVenue       = "venue"
	counterInstruction = "instruction"
)

// counterRow backs the monotonic id generators. Values start at 1.
type counterRow struct {
	Name  string `gorm:"primaryKey;size:32"`
	Value uint64 `gorm:"not null"`
}

func (counterRow) TableName() string { return "settlement_counters" }

// venueRow is one venue.
type venueRow struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement:false"`
	Creator   uuid.UUID `gorm:"type:uuid;index;not null"`
	Details   string    `gorm:"size:2048"`
	VenueType string    `gorm:"size:16;not null"`
}

func (venueRow) TableName() string { return "venues" }

// venueSignerRow is one entry of a venue's allowed receipt-signer set.
type venueSignerRow struct {
	VenueID uint64 `gorm:"primaryKey;autoIncrement:false"`
	Signer  string `gorm:"primaryKey;size:128"`
}

func (venueSignerRow) TableName() string { return "venue_signers" }

// venueFilteringRow records whether an asset restricts which venues may
// settle it.
type venueFilteringRow struct {
	Ticker  string `gorm:"primaryKey;size:12"`
	Enabled bool   `gorm:"not null"`
}

func (venueFilteringRow) TableName() string { return "venue_filtering" }

// venueAllowRow is one entry of an asset's venue allow-list.
type venueAllowRow struct {
	Ticker  string `gorm:"primaryKey;size:12"`
	VenueID uint64 `gorm:"primaryKey;autoIncrement:false"`
}

func (venueAllowRow) TableName() string { return "venue_allow_list" }

// venueInstructionRow indexes instructions by the venue they settle on.
type venueInstructionRow struct {
	VenueID       uint64 `gorm:"primaryKey;autoIncrement:false"`
	InstructionID uint64 `gorm:"primaryKey;autoIncrement:false"`
}

func (venueInstructionRow) TableName() string { return "venue_instructions" }

// instructionRow is one instruction. PendingAffirmations gates execution;
// terminal statuses record the block they were reached at.
type instructionRow struct {
	ID                  uint64  `gorm:"primaryKey;autoIncrement:false"`
	VenueID             uint64  `gorm:"index;not null"`
	Status              string  `gorm:"size:16;not null"`
	StatusBlock         uint64  `gorm:"not null"`
	SettlementKind      string  `gorm:"size:16;not null"`
	SettlementBlock     uint64  `gorm:"not null"`
	CreatedBlock        uint64  `gorm:"not null"`
	TradeDate           *uint64
	ValueDate           *uint64
	Memo                *string `gorm:"size:256"`
	PendingAffirmations uint64  `gorm:"not null"`
}

func (instructionRow) TableName() string { return "instructions" }

// nftIDList stores a leg's NFT ids as a JSON column.
type nftIDList []uint64

func (l nftIDList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *nftIDList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into nft id list", src)
	}
}

// legRow is one leg of an instruction. StatusSigner and StatusReceiptUID are
// set only while the leg is covered by a receipt.
type legRow struct {
	InstructionID    uint64                `gorm:"primaryKey;autoIncrement:false"`
	LegID            uint64                `gorm:"primaryKey;autoIncrement:false"`
	FromPortfolio    portfolio.PortfolioID `gorm:"size:64;not null;index"`
	ToPortfolio      portfolio.PortfolioID `gorm:"size:64;not null;index"`
	Kind             string                `gorm:"size:16;not null"`
	Ticker           string                `gorm:"size:12;not null"`
	Amount           decimal.Decimal       `gorm:"type:decimal(36,18);not null"`
	NFTs             nftIDList             `gorm:"column:nfts;type:text"`
	Status           string                `gorm:"size:32;not null"`
	StatusSigner     string                `gorm:"size:128"`
	StatusReceiptUID uint64
}

func (legRow) TableName() string { return "instruction_legs" }

// affirmationRow tracks one portfolio's affirmation state on an instruction.
// Rows are seeded Pending for every counterparty portfolio at creation, so
// the table also serves as the party index used by rejection.
type affirmationRow struct {
	InstructionID uint64                `gorm:"primaryKey;autoIncrement:false"`
	Portfolio     portfolio.PortfolioID `gorm:"primaryKey;size:64"`
	DID           uuid.UUID             `gorm:"column:did;type:uuid;index;not null"`
	Status        string                `gorm:"size:16;not null"`
}

func (affirmationRow) TableName() string { return "instruction_affirmations" }

// receiptRow marks one (signer, uid) receipt identifier as spent. Metadata
// is the free-text note supplied when the receipt was claimed.
type receiptRow struct {
	Signer   string  `gorm:"primaryKey;size:128"`
	UID      uint64  `gorm:"primaryKey;autoIncrement:false"`
	Metadata *string `gorm:"size:256"`
}

func (receiptRow) TableName() string { return "settlement_receipts" }

func (r *legRow) toLeg() Leg {
	return Leg{
		From:   r.FromPortfolio,
		To:     r.ToPortfolio,
		Kind:   AssetKind(r.Kind),
		Ticker: r.Ticker,
		Amount: r.Amount,
		NFTs:   []uint64(r.NFTs),
	}
}

func (r *instructionRow) toInstruction() Instruction {
	return Instruction{
		ID:           InstructionID(r.ID),
		VenueID:      VenueID(r.VenueID),
		Status:       InstructionStatus{Kind: InstructionStatusKind(r.Status), Block: r.StatusBlock},
		Settlement:   Type{Kind: SettlementKind(r.SettlementKind), Block: r.SettlementBlock},
		CreatedBlock: r.CreatedBlock,
		TradeDate:    r.TradeDate,
		ValueDate:    r.ValueDate,
		Memo:         r.Memo,
	}
}
