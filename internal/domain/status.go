package domain

import "fmt"

// ListingStatus is the lifecycle state of a listing.
type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingPaused    ListingStatus = "paused"
	ListingCompleted ListingStatus = "completed"
)

// ParseListingStatus converts a raw string into a known ListingStatus.
func ParseListingStatus(s string) (ListingStatus, error) {
	switch ListingStatus(s) {
	case ListingActive, ListingPaused, ListingCompleted:
		return ListingStatus(s), nil
	}
	return "", fmt.Errorf("unknown listing status %q", s)
}

// TradeStatus is the lifecycle state of a trade transaction.
type TradeStatus string

const (
	TradePending       TradeStatus = "pending"
	TradeAccepted      TradeStatus = "accepted"
	TradeInFulfillment TradeStatus = "in_fulfillment"
	TradeCompleted     TradeStatus = "completed"
	TradeCancelled     TradeStatus = "cancelled"
)

// AllTradeStatuses lists every TradeStatus in lifecycle order.
var AllTradeStatuses = []TradeStatus{
	TradePending,
	TradeAccepted,
	TradeInFulfillment,
	TradeCompleted,
	TradeCancelled,
}

// ParseTradeStatus converts a raw string into a known TradeStatus.
func ParseTradeStatus(s string) (TradeStatus, error) {
	for _, st := range AllTradeStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown trade status %q", s)
}

// Settled reports whether points have already moved for a trade in this status.
func (s TradeStatus) Settled() bool {
	switch s {
	case TradeAccepted, TradeInFulfillment, TradeCompleted:
		return true
	case TradePending, TradeCancelled:
		return false
	}
	panic(fmt.Sprintf("unhandled trade status %q", string(s)))
}

// InFlight reports whether the trade still pins its listings' owner and value.
func (s TradeStatus) InFlight() bool {
	switch s {
	case TradePending, TradeAccepted, TradeInFulfillment:
		return true
	case TradeCompleted, TradeCancelled:
		return false
	}
	panic(fmt.Sprintf("unhandled trade status %q", string(s)))
}
