package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/barterops/internal/domain"
)

var _ Store = (*Postgres)(nil)

// PostgreSQL error codes that mean "retry the whole unit of work".
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the production Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// Connect opens and pings a pgx pool. maxConns <= 0 keeps the pgxpool default.
func Connect(ctx context.Context, connString string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Ping reports database reachability for the health endpoint.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) CreateOrganization(ctx context.Context, org *domain.Organization) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO organizations (id, name, balance, created_at) VALUES ($1, $2, $3, $4)",
		org.ID, org.Name, org.Balance, org.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
			return fmt.Errorf("%w: opening balance must not be negative", domain.ErrInvalidAmount)
		}
		return fmt.Errorf("organization insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) GetOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	var org domain.Organization
	err := s.pool.QueryRow(ctx,
		"SELECT id, name, balance, created_at FROM organizations WHERE id = $1", id,
	).Scan(&org.ID, &org.Name, &org.Balance, &org.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("organization %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return &org, nil
}

func (s *Postgres) CreateListing(ctx context.Context, l *domain.Listing) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO listings (id, owner_id, title, points_value, barter_allowed, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID, l.OwnerID, l.Title, l.PointsValue, l.BarterAllowed, string(l.Status), l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("listing insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error) {
	return getListing(ctx, s.pool, id, "")
}

func (s *Postgres) ListActiveListingsOwned(ctx context.Context, orgID uuid.UUID) ([]domain.Listing, error) {
	return listActiveListings(ctx, s.pool, orgID)
}

func (s *Postgres) GetBalance(ctx context.Context, orgID uuid.UUID) (int64, error) {
	return getBalance(ctx, s.pool, orgID)
}

func (s *Postgres) Transfer(ctx context.Context, from, to uuid.UUID, amount int64, ref uuid.UUID) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	err := s.InTx(ctx, func(tx Tx) error {
		var err error
		entries, err = tx.Transfer(ctx, from, to, amount, ref)
		return err
	})
	return entries, err
}

func (s *Postgres) GetTrade(ctx context.Context, id uuid.UUID) (*domain.TradeTransaction, error) {
	return getTrade(ctx, s.pool, id, "")
}

func (s *Postgres) ListTrades(ctx context.Context, orgID uuid.UUID, status *domain.TradeStatus) ([]domain.TradeTransaction, error) {
	var statusArg *string
	if status != nil {
		st := string(*status)
		statusArg = &st
	}
	rows, err := s.pool.Query(ctx,
		"SELECT "+tradeColumns+` FROM trades
		 WHERE (requester_id = $1 OR responder_id = $1) AND ($2::text IS NULL OR status = $2)
		 ORDER BY created_at DESC`,
		orgID, statusArg,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []domain.TradeTransaction
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// ListEntries retrieves ledger entries for a specific organization, newest first.
func (s *Postgres) ListEntries(ctx context.Context, orgID uuid.UUID) ([]domain.LedgerEntry, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM organizations WHERE id = $1)", orgID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("organization %s: %w", orgID, domain.ErrNotFound)
	}

	rows, err := s.pool.Query(ctx,
		"SELECT id, trade_id, org_id, delta, created_at FROM ledger_entries WHERE org_id = $1 ORDER BY created_at DESC, id",
		orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TradeID, &e.OrgID, &e.Delta, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// InTx runs fn inside a RepeatableRead transaction. Lock conflicts surface
// as domain.ErrConcurrentModification.
func (s *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return translate(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return translate(fmt.Errorf("tx commit failed: %w", err))
	}
	return nil
}

func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return fmt.Errorf("%w: %s", domain.ErrConcurrentModification, pgErr.Message)
		}
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error) {
	return getListing(ctx, t.tx, id, "")
}

func (t *pgTx) ListActiveListingsOwned(ctx context.Context, orgID uuid.UUID) ([]domain.Listing, error) {
	return listActiveListings(ctx, t.tx, orgID)
}

func (t *pgTx) GetBalance(ctx context.Context, orgID uuid.UUID) (int64, error) {
	return getBalance(ctx, t.tx, orgID)
}

// Transfer executes the double-entry movement. Callers normally hold the
// balance locks already; they are taken again here in id order regardless.
func (t *pgTx) Transfer(ctx context.Context, from, to uuid.UUID, amount int64, ref uuid.UUID) ([]domain.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: transfer amount must be positive, got %d", domain.ErrInvalidAmount, amount)
	}
	if from == to {
		return nil, fmt.Errorf("%w: cannot transfer to self", domain.ErrInvalidAmount)
	}
	if err := t.LockBalances(ctx, from, to); err != nil {
		return nil, err
	}

	var settled bool
	if err := t.tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE trade_id = $1)", ref).Scan(&settled); err != nil {
		return nil, fmt.Errorf("ledger lookup failed: %w", err)
	}
	if settled {
		return nil, fmt.Errorf("reference %s: %w", ref, domain.ErrAlreadySettled)
	}

	balance, err := getBalance(ctx, t.tx, from)
	if err != nil {
		return nil, err
	}
	if balance < amount {
		return nil, fmt.Errorf("%w: organization %s has %d, needs %d", domain.ErrInsufficientBalance, from, balance, amount)
	}

	now := time.Now().UTC()
	entries := []domain.LedgerEntry{
		{ID: uuid.New(), TradeID: ref, OrgID: from, Delta: -amount, CreatedAt: now},
		{ID: uuid.New(), TradeID: ref, OrgID: to, Delta: amount, CreatedAt: now},
	}

	// Batch insert ledger entries (Debit and Credit)
	_, err = t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, trade_id, org_id, delta, created_at)
		 VALUES ($1, $2, $3, $4, $9), ($5, $6, $7, $8, $9)`,
		entries[0].ID, ref, from, -amount,
		entries[1].ID, ref, to, amount,
		now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("reference %s: %w", ref, domain.ErrAlreadySettled)
		}
		return nil, fmt.Errorf("ledger entry failed: %w", err)
	}

	if _, err = t.tx.Exec(ctx, "UPDATE organizations SET balance = balance - $1 WHERE id = $2", amount, from); err != nil {
		return nil, fmt.Errorf("debit failed: %w", err)
	}
	if _, err = t.tx.Exec(ctx, "UPDATE organizations SET balance = balance + $1 WHERE id = $2", amount, to); err != nil {
		return nil, fmt.Errorf("credit failed: %w", err)
	}
	return entries, nil
}

func (t *pgTx) LockTrade(ctx context.Context, id uuid.UUID) (*domain.TradeTransaction, error) {
	return getTrade(ctx, t.tx, id, " FOR UPDATE")
}

func (t *pgTx) LockListings(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*domain.Listing, error) {
	out := make(map[uuid.UUID]*domain.Listing, len(ids))
	for _, id := range sortedIDs(ids) {
		l, err := getListing(ctx, t.tx, id, " FOR UPDATE")
		if err != nil {
			return nil, err
		}
		out[id] = l
	}
	return out, nil
}

// PinListings rewrites each row in place so that repeatable-read
// transactions whose snapshot predates this one see a serialization failure.
func (t *pgTx) PinListings(ctx context.Context, ids ...uuid.UUID) error {
	for _, id := range sortedIDs(ids) {
		tag, err := t.tx.Exec(ctx, "UPDATE listings SET updated_at = updated_at WHERE id = $1", id)
		if err != nil {
			return fmt.Errorf("pin listing %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("listing %s: %w", id, domain.ErrNotFound)
		}
	}
	return nil
}

// LockBalances acquires row locks in id order (deadlock prevention).
func (t *pgTx) LockBalances(ctx context.Context, orgIDs ...uuid.UUID) error {
	for _, id := range sortedIDs(orgIDs) {
		var locked uuid.UUID
		err := t.tx.QueryRow(ctx, "SELECT id FROM organizations WHERE id = $1 FOR UPDATE", id).Scan(&locked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("organization %s: %w", id, domain.ErrNotFound)
			}
			return fmt.Errorf("lock acquisition failed: %w", err)
		}
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *domain.TradeTransaction) error {
	tr.Version = 1
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, requester_id, responder_id, requested_listing_id, return_listing_id,
		                     points_delta, extra_points, status, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tr.ID, tr.RequesterID, tr.ResponderID, tr.RequestedListingID, tr.ReturnListingID,
		tr.PointsDelta, tr.ExtraPoints, string(tr.Status), tr.Version, tr.CreatedAt, tr.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("trade insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateTrade(ctx context.Context, tr *domain.TradeTransaction) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE trades
		    SET return_listing_id = $2, points_delta = $3, status = $4, updated_at = $5,
		        accepted_at = $6, completed_at = $7, version = version + 1
		  WHERE id = $1 AND version = $8`,
		tr.ID, tr.ReturnListingID, tr.PointsDelta, string(tr.Status), tr.UpdatedAt,
		tr.AcceptedAt, tr.CompletedAt, tr.Version,
	)
	if err != nil {
		return fmt.Errorf("trade update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %s version %d: %w", tr.ID, tr.Version, domain.ErrConcurrentModification)
	}
	tr.Version++
	return nil
}

func (t *pgTx) UpdateListing(ctx context.Context, l *domain.Listing) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE listings SET title = $2, points_value = $3, barter_allowed = $4, status = $5, updated_at = $6 WHERE id = $1",
		l.ID, l.Title, l.PointsValue, l.BarterAllowed, string(l.Status), l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("listing update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %s: %w", l.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *pgTx) HasInFlightTrades(ctx context.Context, listingID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM trades
		  WHERE (requested_listing_id = $1 OR return_listing_id = $1)
		    AND status IN ('pending', 'accepted', 'in_fulfillment'))`,
		listingID,
	).Scan(&exists)
	return exists, err
}

func (t *pgTx) GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec := domain.IdempotencyRecord{Key: key}
	err := t.tx.QueryRow(ctx,
		"SELECT request_hash, trade_id FROM idempotency_keys WHERE key = $1", key,
	).Scan(&rec.RequestHash, &rec.TradeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("idempotency key %q: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	return &rec, nil
}

func (t *pgTx) SaveIdempotencyRecord(ctx context.Context, rec domain.IdempotencyRecord) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, trade_id) VALUES ($1, $2, $3)",
		rec.Key, rec.RequestHash, rec.TradeID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("idempotency key %q: %w", rec.Key, domain.ErrConcurrentModification)
		}
		return fmt.Errorf("key reservation failed: %w", err)
	}
	return nil
}

const listingColumns = "id, owner_id, title, points_value, barter_allowed, status, created_at, updated_at"

func scanListing(row pgx.Row) (*domain.Listing, error) {
	var l domain.Listing
	var status string
	if err := row.Scan(&l.ID, &l.OwnerID, &l.Title, &l.PointsValue, &l.BarterAllowed, &status, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	st, err := domain.ParseListingStatus(status)
	if err != nil {
		return nil, err
	}
	l.Status = st
	return &l, nil
}

func getListing(ctx context.Context, q querier, id uuid.UUID, suffix string) (*domain.Listing, error) {
	l, err := scanListing(q.QueryRow(ctx, "SELECT "+listingColumns+" FROM listings WHERE id = $1"+suffix, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("listing %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return l, nil
}

func listActiveListings(ctx context.Context, q querier, orgID uuid.UUID) ([]domain.Listing, error) {
	rows, err := q.Query(ctx,
		"SELECT "+listingColumns+" FROM listings WHERE owner_id = $1 AND status = 'active' ORDER BY created_at",
		orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func getBalance(ctx context.Context, q querier, orgID uuid.UUID) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, "SELECT balance FROM organizations WHERE id = $1", orgID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("organization %s: %w", orgID, domain.ErrNotFound)
		}
		return 0, err
	}
	return balance, nil
}

const tradeColumns = `id, requester_id, responder_id, requested_listing_id, return_listing_id,
	points_delta, extra_points, status, version, created_at, updated_at, accepted_at, completed_at`

func scanTrade(row pgx.Row) (*domain.TradeTransaction, error) {
	var t domain.TradeTransaction
	var status string
	err := row.Scan(&t.ID, &t.RequesterID, &t.ResponderID, &t.RequestedListingID, &t.ReturnListingID,
		&t.PointsDelta, &t.ExtraPoints, &status, &t.Version, &t.CreatedAt, &t.UpdatedAt, &t.AcceptedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	st, err := domain.ParseTradeStatus(status)
	if err != nil {
		return nil, err
	}
	t.Status = st
	return &t, nil
}

func getTrade(ctx context.Context, q querier, id uuid.UUID, suffix string) (*domain.TradeTransaction, error) {
	t, err := scanTrade(q.QueryRow(ctx, "SELECT "+tradeColumns+" FROM trades WHERE id = $1"+suffix, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("trade %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return t, nil
}
