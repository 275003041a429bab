//go:build integration

package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/barterops/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// setupPostgres starts a disposable PostgreSQL container, applies the
// migrations and returns a connected pool.
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("barter"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, Migrate(dsn, "../../migrations", zap.NewNop()))

	pool, err := Connect(ctx, dsn, 20)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func pgSeed(t *testing.T, s *Postgres, balance int64) uuid.UUID {
	t.Helper()
	org := &domain.Organization{ID: uuid.New(), Name: "org", Balance: balance, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateOrganization(context.Background(), org))
	return org.ID
}

func TestIntegration_Postgres_TransferAndLedger(t *testing.T) {
	ctx := context.Background()
	s := NewPostgres(setupPostgres(t))
	require.NoError(t, s.Ping(ctx))

	a, b := pgSeed(t, s, 1000), pgSeed(t, s, 0)
	ref := uuid.New()

	entries, err := s.Transfer(ctx, a, b, 200, ref)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	_, err = s.Transfer(ctx, a, b, 200, ref)
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)

	_, err = s.Transfer(ctx, a, b, 5000, uuid.New())
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	balA, err := s.GetBalance(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, int64(800), balA)

	list, err := s.ListEntries(ctx, b)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(200), list[0].Delta)
}

func TestIntegration_Postgres_ConcurrentSettleOnce(t *testing.T) {
	ctx := context.Background()
	s := NewPostgres(setupPostgres(t))

	a, b := pgSeed(t, s, 1000), pgSeed(t, s, 0)
	now := time.Now().UTC()
	offer := &domain.Listing{ID: uuid.New(), OwnerID: a, Title: "offer", PointsValue: 300, BarterAllowed: true, Status: domain.ListingActive, CreatedAt: now, UpdatedAt: now}
	want := &domain.Listing{ID: uuid.New(), OwnerID: b, Title: "want", PointsValue: 500, BarterAllowed: true, Status: domain.ListingActive, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateListing(ctx, offer))
	require.NoError(t, s.CreateListing(ctx, want))

	tr := &domain.TradeTransaction{
		ID: uuid.New(), RequesterID: a, ResponderID: b,
		RequestedListingID: want.ID, ReturnListingID: offer.ID,
		PointsDelta: 200, Status: domain.TradePending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.InsertTrade(ctx, tr) }))

	// Every racer locks the trade, moves points and flips the status; the
	// losers must see a conflict or the settled trade, never a second transfer.
	const n = 10
	var settled, lost int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, func(tx Tx) error {
				cur, err := tx.LockTrade(ctx, tr.ID)
				if err != nil {
					return err
				}
				if cur.Status.Settled() {
					return domain.ErrAlreadySettled
				}
				if _, err := tx.Transfer(ctx, a, b, cur.PointsDelta, cur.ID); err != nil {
					return err
				}
				cur.Status = domain.TradeAccepted
				return tx.UpdateTrade(ctx, cur)
			})
			switch {
			case err == nil:
				atomic.AddInt64(&settled, 1)
			case errors.Is(err, domain.ErrAlreadySettled), errors.Is(err, domain.ErrConcurrentModification):
				atomic.AddInt64(&lost, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), settled)
	assert.Equal(t, int64(n-1), lost)

	balA, _ := s.GetBalance(ctx, a)
	balB, _ := s.GetBalance(ctx, b)
	assert.Equal(t, int64(800), balA)
	assert.Equal(t, int64(200), balB)

	got, err := s.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeAccepted, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func TestIntegration_Postgres_InFlightAndIdempotency(t *testing.T) {
	ctx := context.Background()
	s := NewPostgres(setupPostgres(t))

	a, b := pgSeed(t, s, 0), pgSeed(t, s, 0)
	now := time.Now().UTC()
	la := &domain.Listing{ID: uuid.New(), OwnerID: a, Title: "a", PointsValue: 1, BarterAllowed: true, Status: domain.ListingActive, CreatedAt: now, UpdatedAt: now}
	lb := &domain.Listing{ID: uuid.New(), OwnerID: b, Title: "b", PointsValue: 1, BarterAllowed: true, Status: domain.ListingActive, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateListing(ctx, la))
	require.NoError(t, s.CreateListing(ctx, lb))

	tr := &domain.TradeTransaction{
		ID: uuid.New(), RequesterID: a, ResponderID: b,
		RequestedListingID: lb.ID, ReturnListingID: la.ID,
		Status: domain.TradePending, CreatedAt: now, UpdatedAt: now,
	}
	rec := domain.IdempotencyRecord{Key: "k", RequestHash: "h", TradeID: tr.ID}
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertTrade(ctx, tr); err != nil {
			return err
		}
		return tx.SaveIdempotencyRecord(ctx, rec)
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		busy, err := tx.HasInFlightTrades(ctx, la.ID)
		require.NoError(t, err)
		assert.True(t, busy)

		got, err := tx.GetIdempotencyRecord(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, rec, *got)
		return nil
	}))

	err := s.InTx(ctx, func(tx Tx) error { return tx.SaveIdempotencyRecord(ctx, rec) })
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	pending := domain.TradePending
	trades, err := s.ListTrades(ctx, b, &pending)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestIntegration_Postgres_PinnedListingRejectsStaleUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewPostgres(setupPostgres(t))

	a, b := pgSeed(t, s, 1000), pgSeed(t, s, 0)
	now := time.Now().UTC()
	offer := &domain.Listing{ID: uuid.New(), OwnerID: a, Title: "offer", PointsValue: 300, BarterAllowed: true, Status: domain.ListingActive, CreatedAt: now, UpdatedAt: now}
	want := &domain.Listing{ID: uuid.New(), OwnerID: b, Title: "want", PointsValue: 500, BarterAllowed: true, Status: domain.ListingActive, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateListing(ctx, offer))
	require.NoError(t, s.CreateListing(ctx, want))

	reprice := func(tx Tx) error {
		locked, err := tx.LockListings(ctx, want.ID)
		if err != nil {
			return err
		}
		busy, err := tx.HasInFlightTrades(ctx, want.ID)
		if err != nil {
			return err
		}
		if busy {
			return domain.ErrListingLocked
		}
		l := locked[want.ID]
		l.PointsValue = 999
		return tx.UpdateListing(ctx, l)
	}

	// The reprice takes its snapshot before the trade exists and only locks
	// the listing after the trade has committed.
	snapshot := make(chan struct{})
	proceed := make(chan struct{})
	repriceErr := make(chan error, 1)
	go func() {
		repriceErr <- s.InTx(ctx, func(tx Tx) error {
			if _, err := tx.GetListing(ctx, want.ID); err != nil {
				return err
			}
			close(snapshot)
			<-proceed
			return reprice(tx)
		})
	}()
	<-snapshot

	tr := &domain.TradeTransaction{
		ID: uuid.New(), RequesterID: a, ResponderID: b,
		RequestedListingID: want.ID, ReturnListingID: offer.ID,
		PointsDelta: 200, Status: domain.TradePending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockListings(ctx, want.ID, offer.ID); err != nil {
			return err
		}
		if err := tx.PinListings(ctx, want.ID, offer.ID); err != nil {
			return err
		}
		return tx.InsertTrade(ctx, tr)
	}))
	close(proceed)

	assert.ErrorIs(t, <-repriceErr, domain.ErrConcurrentModification)

	got, err := s.GetListing(ctx, want.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.PointsValue)

	// A fresh attempt sees the pending trade.
	assert.ErrorIs(t, s.InTx(ctx, reprice), domain.ErrListingLocked)

	err = s.InTx(ctx, func(tx Tx) error { return tx.PinListings(ctx, uuid.New()) })
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
