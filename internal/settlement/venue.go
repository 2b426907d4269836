package settlement

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/custodia/internal/events"
)

// CreateVenue registers a new venue owned by the calling identity and
// returns its id. Signers are the accounts allowed to sign off-chain
// receipts for instructions settling on this venue.
func (s *Service) CreateVenue(ctx context.Context, account, details string, signers []string, venueType VenueType) (VenueID, error) {
	did, _, err := s.identities.EnsureCallerPermissions(ctx, account)
	if err != nil {
		return 0, err
	}
	if len(details) > s.limits.VenueDetailsMaxLen {
		return 0, ErrVenueDetailsTooLong
	}
	if !venueType.Valid() {
		return 0, ErrInvalidVenueType
	}

	var id VenueID
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		raw, err := nextID(tx, counterVenue)
		if err != nil {
			return err
		}
		id = VenueID(raw)
		if err := tx.Create(&venueRow{
			ID:        raw,
			Creator:   did,
			Details:   details,
			VenueType: string(venueType),
		}).Error; err != nil {
			return err
		}
		for _, signer := range signers {
			if err := tx.Create(&venueSignerRow{VenueID: raw, Signer: signer}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("venue created",
		zap.Uint64("venue_id", uint64(id)),
		zap.String("did", did.String()),
		zap.String("venue_type", string(venueType)))
	s.publish(ctx, events.TopicVenues, events.TypeVenueCreated, events.VenueCreated{
		DID: did, VenueID: uint64(id), Details: details, VenueType: string(venueType),
	})
	return id, nil
}

// UpdateVenueDetails replaces the details string of a venue the caller
// created.
func (s *Service) UpdateVenueDetails(ctx context.Context, account string, id VenueID, details string) error {
	did, _, err := s.identities.EnsureCallerPermissions(ctx, account)
	if err != nil {
		return err
	}
	if len(details) > s.limits.VenueDetailsMaxLen {
		return ErrVenueDetailsTooLong
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ensureVenueCreator(tx, id, did); err != nil {
			return err
		}
		return tx.Model(&venueRow{}).Where("id = ?", uint64(id)).
			Update("details", details).Error
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events.TopicVenues, events.TypeVenueDetailsUpdated, events.VenueDetailsUpdated{
		DID: did, VenueID: uint64(id), Details: details,
	})
	return nil
}

// UpdateVenueType changes the type of a venue the caller created.
func (s *Service) UpdateVenueType(ctx context.Context, account string, id VenueID, venueType VenueType) error {
	did, _, err := s.identities.EnsureCallerPermissions(ctx, account)
	if err != nil {
		return err
	}
	if !venueType.Valid() {
		return ErrInvalidVenueType
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ensureVenueCreator(tx, id, did); err != nil {
			return err
		}
		return tx.Model(&venueRow{}).Where("id = ?", uint64(id)).
			Update("venue_type", string(venueType)).Error
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events.TopicVenues, events.TypeVenueTypeUpdated, events.VenueTypeUpdated{
		DID: did, VenueID: uint64(id), VenueType: string(venueType),
	})
	return nil
}

// UpdateVenueSigners adds signers to or removes signers from a venue's
// allowed set. Adding an existing signer or removing an unknown one fails
// the whole call.
func (s *Service) UpdateVenueSigners(ctx context.Context, account string, id VenueID, signers []string, add bool) error {
	did, _, err := s.identities.EnsureCallerPermissions(ctx, account)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ensureVenueCreator(tx, id, did); err != nil {
			return err
		}
		for _, signer := range signers {
			var row venueSignerRow
			err := tx.Where("venue_id = ? AND signer = ?", uint64(id), signer).
				First(&row).Error
			exists := err == nil
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if add {
				if exists {
					return ErrSignerAlreadyExists
				}
				if err := tx.Create(&venueSignerRow{VenueID: uint64(id), Signer: signer}).Error; err != nil {
					return err
				}
			} else {
				if !exists {
					return ErrSignerDoesNotExist
				}
				if err := tx.Where("venue_id = ? AND signer = ?", uint64(id), signer).
					Delete(&venueSignerRow{}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events.TopicVenues, events.TypeVenueSignersUpdated, events.VenueSignersUpdated{
		DID: did, VenueID: uint64(id), Signers: signers, Added: add,
	})
	return nil
}

// SetVenueFiltering enables or disables venue filtering for an asset. When
// enabled, only venues on the asset's allow-list may settle it.
func (s *Service) SetVenueFiltering(ctx context.Context, account, ticker string, enabled bool) error {
	did, _, err := s.identities.EnsureCallerPermissions(ctx, account)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureAssetOwner(tx, ticker, did); err != nil {
			return err
		}
		row := venueFilteringRow{Ticker: ticker, Enabled: enabled}
		return tx.Save(&row).Error
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events.TopicVenues, events.TypeVenueFiltering, events.VenueFiltering{
		DID: did, Ticker: ticker, Enabled: enabled,
	})
	return nil
}

// AllowVenues adds venues to an asset's allow-list.
func (s *Service) AllowVenues(ctx context.Context, account, ticker string, venues []VenueID) error {
	return s.updateVenueList(ctx, account, ticker, venues, true)
}

// DisallowVenues removes venues from an asset's allow-list.
func (s *Service) DisallowVenues(ctx context.Context, account, ticker string, venues []VenueID) error {
	return s.updateVenueList(ctx, account, ticker, venues, false)
}

func (s *Service) updateVenueList(ctx context.Context, account, ticker string, venues []VenueID, allow bool) error {
	did, _, err := s.identities.EnsureCallerPermissions(ctx, account)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureAssetOwner(tx, ticker, did); err != nil {
			return err
		}
		for _, v := range venues {
			if allow {
				row := venueAllowRow{Ticker: ticker, VenueID: uint64(v)}
				if err := tx.Save(&row).Error; err != nil {
					return err
				}
			} else {
				if err := tx.Where("ticker = ? AND venue_id = ?", ticker, uint64(v)).
					Delete(&venueAllowRow{}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	eventType := events.TypeVenuesAllowed
	if !allow {
		eventType = events.TypeVenuesBlocked
	}
	ids := make([]uint64, len(venues))
	for i, v := range venues {
		ids[i] = uint64(v)
	}
	s.publish(ctx, events.TopicVenues, eventType, events.VenueListUpdated{
		DID: did, Ticker: ticker, Venues: ids, Allowed: allow,
	})
	return nil
}

// venueAllowedForTicker reports whether the asset's filtering policy, if
// enabled, allow-lists the venue.
func (s *Service) venueAllowedForTicker(tx *gorm.DB, ticker string, id VenueID) (bool, error) {
	var filtering venueFilteringRow
	err := tx.Where("ticker = ?", ticker).First(&filtering).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !filtering.Enabled) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	var allow venueAllowRow
	err = tx.Where("ticker = ? AND venue_id = ?", ticker, uint64(id)).First(&allow).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// venueSignerAllowed reports whether the signer belongs to the venue's
// allowed receipt-signer set.
func (s *Service) venueSignerAllowed(tx *gorm.DB, id VenueID, signer string) (bool, error) {
	var row venueSignerRow
	err := tx.Where("venue_id = ? AND signer = ?", uint64(id), signer).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ensureAssetOwner verifies that did owns the asset's registry entry.
// Filtering policy is an issuer control, not a venue control.
func (s *Service) ensureAssetOwner(tx *gorm.DB, ticker string, did uuid.UUID) error {
	owner, err := s.assets.Owner(tx, ticker)
	if err != nil {
		return err
	}
	if owner != did {
		return ErrUnauthorized
	}
	return nil
}
