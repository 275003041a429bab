package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidListing          = errors.New("invalid listing")
	ErrInvalidListingSelection = errors.New("invalid listing selection")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrForbidden               = errors.New("forbidden")
	ErrInvalidState            = errors.New("invalid state")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrAlreadySettled          = errors.New("already settled")
	ErrConcurrentModification  = errors.New("concurrent modification")
	ErrListingLocked           = errors.New("listing is referenced by an in-flight trade")
	ErrIdempotencyMismatch     = errors.New("key reuse with mismatched payload")
	ErrInvalidInput            = errors.New("invalid input")
)

// Party names a side of a trade.
type Party string

const (
	PartyRequester Party = "requester"
	PartyResponder Party = "responder"
)

// InsufficientBalanceError reports which party could not cover a settlement.
type InsufficientBalanceError struct {
	OrgID     uuid.UUID
	Party     Party
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: %s %s has %d points, needs %d",
		e.Party, e.OrgID, e.Available, e.Required)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// TransitionError reports an illegal status transition.
type TransitionError struct {
	From TradeStatus
	To   TradeStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state: cannot move trade from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidState
}
