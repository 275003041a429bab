package domain

import (
	"time"

	"github.com/google/uuid"
)

// Organization owns listings and exactly one point balance.
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// Listing is a tradeable offer posted by an organization.
type Listing struct {
	ID            uuid.UUID     `json:"id"`
	OwnerID       uuid.UUID     `json:"owner_id"`
	Title         string        `json:"title"`
	PointsValue   int64         `json:"points_value"`
	BarterAllowed bool          `json:"barter_allowed"`
	Status        ListingStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// TradeTransaction governs one negotiation between two organizations.
// PointsDelta is positive when the requester owes the responder.
type TradeTransaction struct {
	ID                 uuid.UUID   `json:"id"`
	RequesterID        uuid.UUID   `json:"requester_id"`
	ResponderID        uuid.UUID   `json:"responder_id"`
	RequestedListingID uuid.UUID   `json:"requested_listing_id"`
	ReturnListingID    uuid.UUID   `json:"return_listing_id"`
	PointsDelta        int64       `json:"points_delta"`
	ExtraPoints        int64       `json:"extra_points"`
	Status             TradeStatus `json:"status"`
	Version            int64       `json:"version"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	AcceptedAt         *time.Time  `json:"accepted_at,omitempty"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
}

// IsParticipant reports whether org is the requester or the responder.
func (t *TradeTransaction) IsParticipant(org uuid.UUID) bool {
	return t.RequesterID == org || t.ResponderID == org
}

// LedgerEntry represents one leg of a settlement.
// The sum of Deltas for a given TradeID must always equal 0.
type LedgerEntry struct {
	ID        uuid.UUID `json:"id"`
	TradeID   uuid.UUID `json:"trade_id"`
	OrgID     uuid.UUID `json:"org_id"`
	Delta     int64     `json:"delta"`
	CreatedAt time.Time `json:"created_at"`
}

// Settlement is the outcome of a successful accept.
type Settlement struct {
	Trade   TradeTransaction `json:"trade"`
	Entries []LedgerEntry    `json:"entries"`
}

// ProposeRequest is the input for a new trade proposal.
type ProposeRequest struct {
	RequestedListingID uuid.UUID `json:"requested_listing_id" validate:"required"`
	ReturnListingID    uuid.UUID `json:"return_listing_id" validate:"required"`
	ExtraPoints        int64     `json:"extra_points" validate:"gte=0"`
}

// IdempotencyRecord binds a proposal key to the trade it created.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	TradeID     uuid.UUID
}
