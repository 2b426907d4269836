// Package portfolio implements custodial sub-accounts holding fungible
// balances and NFTs, and the lock/unlock primitives the settlement engine
// reserves resources with.
package portfolio

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DefaultPortfolio is the portfolio number of an identity's default portfolio.
const DefaultPortfolio uint64 = 0

// PortfolioID addresses one portfolio: an identity plus a portfolio number.
// Number 0 is the identity's default portfolio.
type PortfolioID struct {
	DID    uuid.UUID
	Number uint64
}

// Default returns the default portfolio of the given identity.
func Default(did uuid.UUID) PortfolioID {
	return PortfolioID{DID: did, Number: DefaultPortfolio}
}

// User returns the numbered user portfolio of the given identity.
func User(did uuid.UUID, number uint64) PortfolioID {
	return PortfolioID{DID: did, Number: number}
}

// String renders the canonical "did/number" key used in storage and events.
func (p PortfolioID) String() string {
	return p.DID.String() + "/" + strconv.FormatUint(p.Number, 10)
}

// IsZero reports whether the id is the zero value.
func (p PortfolioID) IsZero() bool {
	return p.DID == uuid.Nil && p.Number == 0
}

// Value implements driver.Valuer so gorm persists the id as a single column.
func (p PortfolioID) Value() (driver.Value, error) {
	return p.String(), nil
}

// Scan implements sql.Scanner.
func (p *PortfolioID) Scan(src interface{}) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("portfolio: cannot scan %T into PortfolioID", src)
	}
	return p.parse(raw)
}

func (p *PortfolioID) parse(raw string) error {
	idx := strings.LastIndexByte(raw, '/')
	if idx < 0 {
		return fmt.Errorf("portfolio: malformed portfolio id %q", raw)
	}
	did, err := uuid.Parse(raw[:idx])
	if err != nil {
		return fmt.Errorf("portfolio: malformed portfolio id %q: %w", raw, err)
	}
	num, err := strconv.ParseUint(raw[idx+1:], 10, 64)
	if err != nil {
		return fmt.Errorf("portfolio: malformed portfolio id %q: %w", raw, err)
	}
	p.DID = did
	p.Number = num
	return nil
}

// Parse parses the canonical "did/number" form.
func Parse(raw string) (PortfolioID, error) {
	var p PortfolioID
	err := p.parse(raw)
	return p, err
}
