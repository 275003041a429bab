package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/punchamoorthee/barterops/internal/domain"
	"github.com/punchamoorthee/barterops/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCreateOrganization(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	org, err := svc.CreateOrganization(ctx, "  Food Bank  ", 250)
	require.NoError(t, err)
	assert.Equal(t, "Food Bank", org.Name)

	got, err := svc.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(250), got.Balance)

	_, err = svc.CreateOrganization(ctx, " ", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = svc.CreateOrganization(ctx, "Shelter", -1)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = svc.GetBalance(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateListing(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	owner := mustOrg(t, svc, 0)

	l, err := svc.CreateListing(ctx, owner, "Winter coats", 120, true)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingActive, l.Status)

	_, err = svc.CreateListing(ctx, owner, "", 10, true)
	assert.ErrorIs(t, err, domain.ErrInvalidListing)
	_, err = svc.CreateListing(ctx, owner, "Chairs", -10, true)
	assert.ErrorIs(t, err, domain.ErrInvalidListing)
	_, err = svc.CreateListing(ctx, uuid.New(), "Chairs", 10, true)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	active, err := svc.ListActiveListings(ctx, owner)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, l.ID, active[0].ID)
}

func TestSetListingStatus(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	owner, other := mustOrg(t, svc, 0), mustOrg(t, svc, 0)
	id := mustListing(t, svc, owner, 10)

	_, err := svc.SetListingStatus(ctx, other, id, domain.ListingPaused)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = svc.SetListingStatus(ctx, owner, id, domain.ListingCompleted)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	l, err := svc.SetListingStatus(ctx, owner, id, domain.ListingPaused)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingPaused, l.Status)

	active, err := svc.ListActiveListings(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, active)

	l, err = svc.SetListingStatus(ctx, owner, id, domain.ListingActive)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingActive, l.Status)
}

func TestUpdateListingPoints_LockedWhileTradeInFlight(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	a, b := mustOrg(t, svc, 1000), mustOrg(t, svc, 0)
	offer, want := mustListing(t, svc, a, 300), mustListing(t, svc, b, 500)

	l, err := svc.UpdateListingPoints(ctx, b, want, 550)
	require.NoError(t, err)
	assert.Equal(t, int64(550), l.PointsValue)

	tr := mustPropose(t, svc, a, want, offer, 0)
	assert.Equal(t, int64(250), tr.PointsDelta)

	_, err = svc.UpdateListingPoints(ctx, b, want, 900)
	assert.ErrorIs(t, err, domain.ErrListingLocked)
	_, err = svc.UpdateListingPoints(ctx, a, offer, 0)
	assert.ErrorIs(t, err, domain.ErrListingLocked)
	_, err = svc.UpdateListingPoints(ctx, a, want, 900)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.RejectTrade(ctx, b, tr.ID)
	require.NoError(t, err)

	l, err = svc.UpdateListingPoints(ctx, b, want, 900)
	require.NoError(t, err)
	assert.Equal(t, int64(900), l.PointsValue)
}

// interleavedStore runs between before the first unit of work and reports
// that unit as conflicted, the way a repeatable-read transaction fails when
// another one committed to the rows it locks.
type interleavedStore struct {
	store.Store
	once    sync.Once
	between func()
}

func (s *interleavedStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	conflicted := false
	s.once.Do(func() {
		s.between()
		conflicted = true
	})
	if conflicted {
		return domain.ErrConcurrentModification
	}
	return s.Store.InTx(ctx, fn)
}

func TestUpdateListingPoints_ConflictWithProposalEndsLocked(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seed := NewTradeService(mem, nil, zap.NewNop(), testRetry)
	a, b := mustOrg(t, seed, 1000), mustOrg(t, seed, 0)
	offer, want := mustListing(t, seed, a, 300), mustListing(t, seed, b, 500)

	racing := &interleavedStore{Store: mem, between: func() {
		mustPropose(t, seed, a, want, offer, 0)
	}}
	svc := NewTradeService(racing, nil, zap.NewNop(), testRetry)

	_, err := svc.UpdateListingPoints(ctx, b, want, 999)
	assert.ErrorIs(t, err, domain.ErrListingLocked)

	l, err := svc.GetListing(ctx, want)
	require.NoError(t, err)
	assert.Equal(t, int64(500), l.PointsValue)
}

func TestUpdateListingPoints_RacingProposalKeepsDeltaConsistent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	a, b := mustOrg(t, svc, 0), mustOrg(t, svc, 0)

	for i := 0; i < 20; i++ {
		offer, want := mustListing(t, svc, a, 300), mustListing(t, svc, b, 500)

		var (
			wg         sync.WaitGroup
			tr         *domain.TradeTransaction
			proposeErr error
			repriceErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			tr, _, proposeErr = svc.ProposeTrade(ctx, a, domain.ProposeRequest{RequestedListingID: want, ReturnListingID: offer}, "")
		}()
		go func() {
			defer wg.Done()
			_, repriceErr = svc.UpdateListingPoints(ctx, b, want, 900)
		}()
		wg.Wait()

		require.NoError(t, proposeErr)
		if repriceErr != nil {
			require.True(t, errors.Is(repriceErr, domain.ErrListingLocked), repriceErr.Error())
		}
		l, err := svc.GetListing(ctx, want)
		require.NoError(t, err)
		assert.Equal(t, l.PointsValue-300, tr.PointsDelta, "trade delta must match the listing value it froze")
	}
}
