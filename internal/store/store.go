// Package store persists organizations, listings, trade transactions and the
// point ledger. Every mutation that must be atomic runs inside InTx, where
// rows are locked per trade, per listing and per organization balance.
package store

import (
	"bytes"
	"context"
	"slices"

	"github.com/google/uuid"
	"github.com/punchamoorthee/barterops/internal/domain"
)

// ListingStore reads listings.
type ListingStore interface {
	GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error)
	ListActiveListingsOwned(ctx context.Context, orgID uuid.UUID) ([]domain.Listing, error)
}

// BalanceLedger is the sole mutator of organization balances.
//
// Transfer moves amount points from one organization to another and records
// the two ledger entries under ref. It fails with ErrInsufficientBalance when
// the payer cannot cover amount and with ErrAlreadySettled when entries for
// ref already exist.
type BalanceLedger interface {
	GetBalance(ctx context.Context, orgID uuid.UUID) (int64, error)
	Transfer(ctx context.Context, from, to uuid.UUID, amount int64, ref uuid.UUID) ([]domain.LedgerEntry, error)
}

// Tx is a single unit of work. Locks taken through it are held until the
// surrounding InTx returns.
type Tx interface {
	ListingStore
	BalanceLedger

	// LockTrade reads a trade and blocks concurrent writers of the same trade.
	LockTrade(ctx context.Context, id uuid.UUID) (*domain.TradeTransaction, error)
	// LockListings reads listings and blocks concurrent updates to them.
	LockListings(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*domain.Listing, error)
	// PinListings marks listings as written by this unit of work without
	// changing them. A concurrent unit that read them earlier and later tries
	// to lock or update them fails with ErrConcurrentModification.
	PinListings(ctx context.Context, ids ...uuid.UUID) error
	// LockBalances blocks concurrent balance mutations of the given
	// organizations. Locks are taken in a deterministic order.
	LockBalances(ctx context.Context, orgIDs ...uuid.UUID) error

	InsertTrade(ctx context.Context, t *domain.TradeTransaction) error
	// UpdateTrade persists t if its Version still matches the stored row and
	// bumps Version. A mismatch is ErrConcurrentModification.
	UpdateTrade(ctx context.Context, t *domain.TradeTransaction) error
	UpdateListing(ctx context.Context, l *domain.Listing) error
	HasInFlightTrades(ctx context.Context, listingID uuid.UUID) (bool, error)

	GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	SaveIdempotencyRecord(ctx context.Context, rec domain.IdempotencyRecord) error
}

// Store is the persistence boundary used by the service layer.
type Store interface {
	ListingStore
	BalanceLedger

	CreateOrganization(ctx context.Context, org *domain.Organization) error
	GetOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error)
	CreateListing(ctx context.Context, l *domain.Listing) error
	GetTrade(ctx context.Context, id uuid.UUID) (*domain.TradeTransaction, error)
	ListTrades(ctx context.Context, orgID uuid.UUID, status *domain.TradeStatus) ([]domain.TradeTransaction, error)
	ListEntries(ctx context.Context, orgID uuid.UUID) ([]domain.LedgerEntry, error)

	// InTx runs fn in one atomic unit. If fn returns an error nothing it
	// wrote is kept.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

func sortedIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	// Same byte order as PostgreSQL's uuid ordering, so both stores lock alike.
	slices.SortFunc(out, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return out
}
