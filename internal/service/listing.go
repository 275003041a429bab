package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/punchamoorthee/barterops/internal/domain"
	"github.com/punchamoorthee/barterops/internal/store"
	"go.uber.org/zap"
)

// CreateOrganization registers an organization with its opening balance.
func (s *TradeService) CreateOrganization(ctx context.Context, name string, openingBalance int64) (*domain.Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: organization name is required", domain.ErrInvalidInput)
	}
	if openingBalance < 0 {
		return nil, fmt.Errorf("%w: opening balance must not be negative", domain.ErrInvalidAmount)
	}
	org := &domain.Organization{
		ID:        uuid.New(),
		Name:      name,
		Balance:   openingBalance,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateOrganization(ctx, org); err != nil {
		return nil, err
	}
	return org, nil
}

func (s *TradeService) GetOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	return s.store.GetOrganization(ctx, id)
}

func (s *TradeService) GetBalance(ctx context.Context, org uuid.UUID) (int64, error) {
	return s.store.GetBalance(ctx, org)
}

// ListLedgerEntries returns the settlement history of org, newest first.
func (s *TradeService) ListLedgerEntries(ctx context.Context, org uuid.UUID) ([]domain.LedgerEntry, error) {
	return s.store.ListEntries(ctx, org)
}

// CreateListing posts a new active listing owned by owner.
func (s *TradeService) CreateListing(ctx context.Context, owner uuid.UUID, title string, points int64, barterAllowed bool) (*domain.Listing, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", domain.ErrInvalidListing)
	}
	if points < 0 {
		return nil, fmt.Errorf("%w: point value must not be negative", domain.ErrInvalidListing)
	}
	now := s.now()
	l := &domain.Listing{
		ID:            uuid.New(),
		OwnerID:       owner,
		Title:         title,
		PointsValue:   points,
		BarterAllowed: barterAllowed,
		Status:        domain.ListingActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateListing(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

func (s *TradeService) GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error) {
	return s.store.GetListing(ctx, id)
}

func (s *TradeService) ListActiveListings(ctx context.Context, owner uuid.UUID) ([]domain.Listing, error) {
	return s.store.ListActiveListingsOwned(ctx, owner)
}

// SetListingStatus pauses or reactivates a listing. Completion is reserved
// for the platform.
func (s *TradeService) SetListingStatus(ctx context.Context, actor, listingID uuid.UUID, status domain.ListingStatus) (*domain.Listing, error) {
	if status != domain.ListingActive && status != domain.ListingPaused {
		return nil, fmt.Errorf("%w: owners may only set active or paused", domain.ErrForbidden)
	}
	return s.updateListing(ctx, actor, listingID, func(tx store.Tx, l *domain.Listing) error {
		if l.Status == domain.ListingCompleted {
			return fmt.Errorf("%w: listing is completed", domain.ErrInvalidState)
		}
		l.Status = status
		return nil
	})
}

// UpdateListingPoints changes the declared value of a listing. Listings
// referenced by an in-flight trade are frozen.
func (s *TradeService) UpdateListingPoints(ctx context.Context, actor, listingID uuid.UUID, points int64) (*domain.Listing, error) {
	if points < 0 {
		return nil, fmt.Errorf("%w: point value must not be negative", domain.ErrInvalidListing)
	}
	return s.updateListing(ctx, actor, listingID, func(tx store.Tx, l *domain.Listing) error {
		busy, err := tx.HasInFlightTrades(ctx, l.ID)
		if err != nil {
			return err
		}
		if busy {
			return domain.ErrListingLocked
		}
		l.PointsValue = points
		return nil
	})
}

func (s *TradeService) updateListing(ctx context.Context, actor, listingID uuid.UUID, apply func(tx store.Tx, l *domain.Listing) error) (*domain.Listing, error) {
	var out *domain.Listing
	err := s.withRetry(ctx, "listing", func() error {
		return s.store.InTx(ctx, func(tx store.Tx) error {
			locked, err := tx.LockListings(ctx, listingID)
			if err != nil {
				return err
			}
			l := locked[listingID]
			if l.OwnerID != actor {
				return fmt.Errorf("%w: only the owner may change a listing", domain.ErrForbidden)
			}
			if err := apply(tx, l); err != nil {
				return err
			}
			l.UpdatedAt = s.now()
			if err := tx.UpdateListing(ctx, l); err != nil {
				return err
			}
			out = l
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("listing updated",
		zap.String("listing_id", out.ID.String()),
		zap.String("status", string(out.Status)),
		zap.Int64("points_value", out.PointsValue),
	)
	return out, nil
}
