package settlement

import (
	"gorm.io/gorm"
)

// Migrate creates the settlement tables and upgrades rows written before
// the unified leg encoding.
func (s *Service) Migrate() error {
	err := s.db.AutoMigrate(
		&counterRow{},
		&venueRow{},
		&venueSignerRow{},
		&venueFilteringRow{},
		&venueAllowRow{},
		&venueInstructionRow{},
		&instructionRow{},
		&legRow{},
		&affirmationRow{},
		&receiptRow{},
	)
	if err != nil {
		return err
	}
	return s.migrateLegacyLegs()
}

// migrateLegacyLegs backfills the asset kind on legs stored before legs
// carried one. Legacy rows were ticker-and-amount only, so the kind is
// derived from the NFT list and the asset registry.
func (s *Service) migrateLegacyLegs() error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&legRow{}).
			Where("kind = ? AND nfts IS NOT NULL AND nfts NOT IN (?, ?)", "", "[]", "null").
			Update("kind", string(AssetNonFungible)).Error
		if err != nil {
			return err
		}
		err = tx.Model(&legRow{}).
			Where("kind = ? AND ticker IN (?)", "", tx.Table("assets").Select("ticker")).
			Update("kind", string(AssetFungible)).Error
		if err != nil {
			return err
		}
		return tx.Model(&legRow{}).
			Where("kind = ?", "").
			Update("kind", string(AssetOffChain)).Error
	})
}
