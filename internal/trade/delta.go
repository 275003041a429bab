// Package trade holds the pure rules of a barter negotiation: point delta
// computation and the legal status transitions of a trade transaction.
package trade

import (
	"fmt"
	"math"

	"github.com/punchamoorthee/barterops/internal/domain"
)

// ComputeDelta returns requested.PointsValue - ret.PointsValue. A positive
// result means the requester owes the responder.
func ComputeDelta(requested, ret *domain.Listing) (int64, error) {
	if requested == nil || ret == nil {
		return 0, fmt.Errorf("%w: listing is nil", domain.ErrInvalidListing)
	}
	if requested.PointsValue < 0 {
		return 0, fmt.Errorf("%w: listing %s has negative value %d", domain.ErrInvalidListing, requested.ID, requested.PointsValue)
	}
	if ret.PointsValue < 0 {
		return 0, fmt.Errorf("%w: listing %s has negative value %d", domain.ErrInvalidListing, ret.ID, ret.PointsValue)
	}
	return requested.PointsValue - ret.PointsValue, nil
}

// StoredDelta is the delta persisted on a trade. Extra points always add to
// the requester's obligation, whatever the sign of the listing delta. A sum
// that does not fit in an int64 is rejected with ErrInvalidAmount.
func StoredDelta(requested, ret *domain.Listing, extraPoints int64) (int64, error) {
	if extraPoints < 0 {
		return 0, fmt.Errorf("%w: extra points must not be negative, got %d", domain.ErrInvalidAmount, extraPoints)
	}
	d, err := ComputeDelta(requested, ret)
	if err != nil {
		return 0, err
	}
	if d > 0 && extraPoints > math.MaxInt64-d {
		return 0, fmt.Errorf("%w: extra points %d overflow delta %d", domain.ErrInvalidAmount, extraPoints, d)
	}
	return d + extraPoints, nil
}
