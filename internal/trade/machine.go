package trade

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/punchamoorthee/barterops/internal/domain"
)

// CanTransition reports whether a trade may move from one status to another.
//
//	pending -> accepted -> in_fulfillment -> completed
//	pending -> cancelled
func CanTransition(from, to domain.TradeStatus) bool {
	switch from {
	case domain.TradePending:
		return to == domain.TradeAccepted || to == domain.TradeCancelled
	case domain.TradeAccepted:
		return to == domain.TradeInFulfillment
	case domain.TradeInFulfillment:
		return to == domain.TradeCompleted
	case domain.TradeCompleted, domain.TradeCancelled:
		return false
	}
	panic(fmt.Sprintf("unhandled trade status %q", string(from)))
}

// Transition returns a *domain.TransitionError when from -> to is illegal.
func Transition(from, to domain.TradeStatus) error {
	if !CanTransition(from, to) {
		return &domain.TransitionError{From: from, To: to}
	}
	return nil
}

// ValidateProposal checks the identity and ownership rules for a new trade.
// The responder is the owner of the requested listing.
func ValidateProposal(requester uuid.UUID, requested, ret *domain.Listing) error {
	if requested == nil || ret == nil {
		return fmt.Errorf("%w: both listings are required", domain.ErrInvalidListingSelection)
	}
	if requested.OwnerID == requester {
		return fmt.Errorf("%w: requester owns the requested listing", domain.ErrInvalidListingSelection)
	}
	if ret.OwnerID != requester {
		return fmt.Errorf("%w: requester does not own the return listing", domain.ErrInvalidListingSelection)
	}
	if requested.Status != domain.ListingActive || !requested.BarterAllowed {
		return fmt.Errorf("%w: requested listing is not open for barter", domain.ErrInvalidListingSelection)
	}
	if ret.Status != domain.ListingActive {
		return fmt.Errorf("%w: return listing is not active", domain.ErrInvalidListingSelection)
	}
	return nil
}

// ValidateSubstitute checks that actor may swap the return listing of t for sub.
func ValidateSubstitute(actor uuid.UUID, t *domain.TradeTransaction, sub *domain.Listing) error {
	if actor != t.ResponderID {
		return fmt.Errorf("%w: only the responder may substitute the return listing", domain.ErrForbidden)
	}
	if t.Status != domain.TradePending {
		return &domain.TransitionError{From: t.Status, To: domain.TradePending}
	}
	if sub.OwnerID != t.RequesterID {
		return fmt.Errorf("%w: substitute listing is not owned by the requester", domain.ErrForbidden)
	}
	if sub.Status != domain.ListingActive {
		return fmt.Errorf("%w: substitute listing is not active", domain.ErrInvalidListingSelection)
	}
	return nil
}

// ValidatePair re-checks that the listings of t still belong to the right
// parties. Used at accept time, right before settlement.
func ValidatePair(t *domain.TradeTransaction, requested, ret *domain.Listing) error {
	if requested.OwnerID != t.ResponderID {
		return fmt.Errorf("%w: requested listing no longer owned by the responder", domain.ErrInvalidListingSelection)
	}
	if ret.OwnerID != t.RequesterID {
		return fmt.Errorf("%w: return listing no longer owned by the requester", domain.ErrInvalidListingSelection)
	}
	return nil
}

// AuthorizeResponder fails with ErrForbidden unless actor is the responder of t.
func AuthorizeResponder(actor uuid.UUID, t *domain.TradeTransaction) error {
	if actor != t.ResponderID {
		return fmt.Errorf("%w: only the responder may act on this trade", domain.ErrForbidden)
	}
	return nil
}

// AuthorizeParticipant fails with ErrForbidden unless actor is a party to t.
func AuthorizeParticipant(actor uuid.UUID, t *domain.TradeTransaction) error {
	if !t.IsParticipant(actor) {
		return fmt.Errorf("%w: organization is not a party to this trade", domain.ErrForbidden)
	}
	return nil
}

// ValidateFulfillmentTarget allows only the manual post-settlement advances.
func ValidateFulfillmentTarget(t *domain.TradeTransaction, target domain.TradeStatus) error {
	if target != domain.TradeInFulfillment && target != domain.TradeCompleted {
		return fmt.Errorf("%w: %s is not a fulfillment status", domain.ErrInvalidState, target)
	}
	return Transition(t.Status, target)
}

// Payer resolves who pays whom for delta. ok is false when delta is zero.
func Payer(t *domain.TradeTransaction, delta int64) (payer, payee uuid.UUID, party domain.Party, amount int64, ok bool) {
	switch {
	case delta > 0:
		return t.RequesterID, t.ResponderID, domain.PartyRequester, delta, true
	case delta < 0:
		return t.ResponderID, t.RequesterID, domain.PartyResponder, -delta, true
	}
	return uuid.Nil, uuid.Nil, "", 0, false
}
