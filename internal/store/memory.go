package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/barterops/internal/domain"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store. It mirrors the PostgreSQL store: rows are
// locked per trade, listing and organization for the lifetime of a unit of
// work, and writes become visible only when InTx commits.
type Memory struct {
	mu       sync.RWMutex
	orgs     map[uuid.UUID]domain.Organization
	listings map[uuid.UUID]domain.Listing
	trades   map[uuid.UUID]domain.TradeTransaction
	entries  []domain.LedgerEntry
	idem     map[string]domain.IdempotencyRecord

	locks *lockTable
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		orgs:     make(map[uuid.UUID]domain.Organization),
		listings: make(map[uuid.UUID]domain.Listing),
		trades:   make(map[uuid.UUID]domain.TradeTransaction),
		idem:     make(map[string]domain.IdempotencyRecord),
		locks:    &lockTable{sems: make(map[string]chan struct{})},
	}
}

func (m *Memory) CreateOrganization(_ context.Context, org *domain.Organization) error {
	if org.Balance < 0 {
		return fmt.Errorf("%w: opening balance must not be negative", domain.ErrInvalidAmount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orgs[org.ID]; ok {
		return fmt.Errorf("organization %s already exists", org.ID)
	}
	m.orgs[org.ID] = *org
	return nil
}

func (m *Memory) GetOrganization(_ context.Context, id uuid.UUID) (*domain.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.orgs[id]
	if !ok {
		return nil, fmt.Errorf("organization %s: %w", id, domain.ErrNotFound)
	}
	return &org, nil
}

func (m *Memory) CreateListing(_ context.Context, l *domain.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orgs[l.OwnerID]; !ok {
		return fmt.Errorf("organization %s: %w", l.OwnerID, domain.ErrNotFound)
	}
	m.listings[l.ID] = *l
	return nil
}

func (m *Memory) GetListing(_ context.Context, id uuid.UUID) (*domain.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, domain.ErrNotFound)
	}
	return &l, nil
}

func (m *Memory) ListActiveListingsOwned(_ context.Context, orgID uuid.UUID) ([]domain.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Listing
	for _, l := range m.listings {
		if l.OwnerID == orgID && l.Status == domain.ListingActive {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b domain.Listing) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *Memory) GetBalance(_ context.Context, orgID uuid.UUID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.orgs[orgID]
	if !ok {
		return 0, fmt.Errorf("organization %s: %w", orgID, domain.ErrNotFound)
	}
	return org.Balance, nil
}

func (m *Memory) Transfer(ctx context.Context, from, to uuid.UUID, amount int64, ref uuid.UUID) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	err := m.InTx(ctx, func(tx Tx) error {
		var err error
		entries, err = tx.Transfer(ctx, from, to, amount, ref)
		return err
	})
	return entries, err
}

func (m *Memory) GetTrade(_ context.Context, id uuid.UUID) (*domain.TradeTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, domain.ErrNotFound)
	}
	return &t, nil
}

func (m *Memory) ListTrades(_ context.Context, orgID uuid.UUID, status *domain.TradeStatus) ([]domain.TradeTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.TradeTransaction
	for _, t := range m.trades {
		if !t.IsParticipant(orgID) {
			continue
		}
		if status != nil && t.Status != *status {
			continue
		}
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b domain.TradeTransaction) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (m *Memory) ListEntries(_ context.Context, orgID uuid.UUID) ([]domain.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.orgs[orgID]; !ok {
		return nil, fmt.Errorf("organization %s: %w", orgID, domain.ErrNotFound)
	}
	var out []domain.LedgerEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].OrgID == orgID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		m:           m,
		held:        make(map[string]bool),
		trades:      make(map[uuid.UUID]domain.TradeTransaction),
		baseVersion: make(map[uuid.UUID]int64),
		listings:    make(map[uuid.UUID]domain.Listing),
		deltas:      make(map[uuid.UUID]int64),
		idem:        make(map[string]domain.IdempotencyRecord),
	}
	defer tx.releaseAll()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// lockTable hands out one binary semaphore per row key. Acquisition honours
// context cancellation.
type lockTable struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func (lt *lockTable) acquire(ctx context.Context, key string) error {
	lt.mu.Lock()
	sem, ok := lt.sems[key]
	if !ok {
		sem = make(chan struct{}, 1)
		lt.sems[key] = sem
	}
	lt.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
	}
}

func (lt *lockTable) release(key string) {
	lt.mu.Lock()
	sem := lt.sems[key]
	lt.mu.Unlock()
	<-sem
}

type memTx struct {
	m    *Memory
	held map[string]bool
	keys []string

	trades      map[uuid.UUID]domain.TradeTransaction
	baseVersion map[uuid.UUID]int64
	listings    map[uuid.UUID]domain.Listing
	deltas      map[uuid.UUID]int64
	entries     []domain.LedgerEntry
	idem        map[string]domain.IdempotencyRecord
}

func (tx *memTx) lock(ctx context.Context, key string) error {
	if tx.held[key] {
		return nil
	}
	if err := tx.m.locks.acquire(ctx, key); err != nil {
		return err
	}
	tx.held[key] = true
	tx.keys = append(tx.keys, key)
	return nil
}

func (tx *memTx) releaseAll() {
	for i := len(tx.keys) - 1; i >= 0; i-- {
		tx.m.locks.release(tx.keys[i])
	}
	tx.keys = nil
	tx.held = nil
}

func tradeKey(id uuid.UUID) string   { return "trade:" + id.String() }
func listingKey(id uuid.UUID) string { return "listing:" + id.String() }
func orgKey(id uuid.UUID) string     { return "org:" + id.String() }

func (tx *memTx) GetListing(_ context.Context, id uuid.UUID) (*domain.Listing, error) {
	if l, ok := tx.listings[id]; ok {
		return &l, nil
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	l, ok := tx.m.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, domain.ErrNotFound)
	}
	return &l, nil
}

func (tx *memTx) ListActiveListingsOwned(ctx context.Context, orgID uuid.UUID) ([]domain.Listing, error) {
	committed, err := tx.m.ListActiveListingsOwned(ctx, orgID)
	if err != nil {
		return nil, err
	}
	out := committed[:0]
	for _, l := range committed {
		if staged, ok := tx.listings[l.ID]; ok {
			l = staged
		}
		if l.OwnerID == orgID && l.Status == domain.ListingActive {
			out = append(out, l)
		}
	}
	return out, nil
}

func (tx *memTx) GetBalance(_ context.Context, orgID uuid.UUID) (int64, error) {
	tx.m.mu.RLock()
	org, ok := tx.m.orgs[orgID]
	tx.m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("organization %s: %w", orgID, domain.ErrNotFound)
	}
	return org.Balance + tx.deltas[orgID], nil
}

func (tx *memTx) Transfer(ctx context.Context, from, to uuid.UUID, amount int64, ref uuid.UUID) ([]domain.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: transfer amount must be positive, got %d", domain.ErrInvalidAmount, amount)
	}
	if from == to {
		return nil, fmt.Errorf("%w: cannot transfer to self", domain.ErrInvalidAmount)
	}
	if err := tx.LockBalances(ctx, from, to); err != nil {
		return nil, err
	}
	if tx.hasEntries(ref) {
		return nil, fmt.Errorf("reference %s: %w", ref, domain.ErrAlreadySettled)
	}

	balance, err := tx.GetBalance(ctx, from)
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
	tx.deltas[from] -= amount
	tx.deltas[to] += amount
	tx.entries = append(tx.entries, entries...)
	return entries, nil
}

func (tx *memTx) hasEntries(ref uuid.UUID) bool {
	for _, e := range tx.entries {
		if e.TradeID == ref {
			return true
		}
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	for _, e := range tx.m.entries {
		if e.TradeID == ref {
			return true
		}
	}
	return false
}

func (tx *memTx) LockTrade(ctx context.Context, id uuid.UUID) (*domain.TradeTransaction, error) {
	if err := tx.lock(ctx, tradeKey(id)); err != nil {
		return nil, err
	}
	if t, ok := tx.trades[id]; ok {
		return &t, nil
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	t, ok := tx.m.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, domain.ErrNotFound)
	}
	return &t, nil
}

func (tx *memTx) LockListings(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*domain.Listing, error) {
	out := make(map[uuid.UUID]*domain.Listing, len(ids))
	for _, id := range sortedIDs(ids) {
		if err := tx.lock(ctx, listingKey(id)); err != nil {
			return nil, err
		}
		l, err := tx.GetListing(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = l
	}
	return out, nil
}

// PinListings holds the listing locks until commit, which already keeps
// later units from reading a value this one relied on.
func (tx *memTx) PinListings(ctx context.Context, ids ...uuid.UUID) error {
	for _, id := range sortedIDs(ids) {
		if err := tx.lock(ctx, listingKey(id)); err != nil {
			return err
		}
		if _, err := tx.GetListing(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memTx) LockBalances(ctx context.Context, orgIDs ...uuid.UUID) error {
	for _, id := range sortedIDs(orgIDs) {
		tx.m.mu.RLock()
		_, ok := tx.m.orgs[id]
		tx.m.mu.RUnlock()
		if !ok {
			return fmt.Errorf("organization %s: %w", id, domain.ErrNotFound)
		}
		if err := tx.lock(ctx, orgKey(id)); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *domain.TradeTransaction) error {
	tx.m.mu.RLock()
	_, exists := tx.m.trades[t.ID]
	tx.m.mu.RUnlock()
	if _, staged := tx.trades[t.ID]; exists || staged {
		return fmt.Errorf("trade %s already exists", t.ID)
	}
	t.Version = 1
	tx.trades[t.ID] = *t
	return nil
}

func (tx *memTx) UpdateTrade(_ context.Context, t *domain.TradeTransaction) error {
	current, ok := tx.trades[t.ID]
	if !ok {
		tx.m.mu.RLock()
		current, ok = tx.m.trades[t.ID]
		tx.m.mu.RUnlock()
		if !ok {
			return fmt.Errorf("trade %s: %w", t.ID, domain.ErrNotFound)
		}
		tx.baseVersion[t.ID] = current.Version
	}
	if current.Version != t.Version {
		return fmt.Errorf("trade %s version %d, have %d: %w", t.ID, current.Version, t.Version, domain.ErrConcurrentModification)
	}
	t.Version++
	tx.trades[t.ID] = *t
	return nil
}

func (tx *memTx) UpdateListing(ctx context.Context, l *domain.Listing) error {
	if _, err := tx.GetListing(ctx, l.ID); err != nil {
		return err
	}
	tx.listings[l.ID] = *l
	return nil
}

func (tx *memTx) HasInFlightTrades(_ context.Context, listingID uuid.UUID) (bool, error) {
	refs := func(t domain.TradeTransaction) bool {
		return t.Status.InFlight() && (t.RequestedListingID == listingID || t.ReturnListingID == listingID)
	}
	for _, t := range tx.trades {
		if refs(t) {
			return true, nil
		}
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	for id, t := range tx.m.trades {
		if _, staged := tx.trades[id]; staged {
			continue
		}
		if refs(t) {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	// Serialises proposals that share a key, like the unique index does in PostgreSQL.
	if err := tx.lock(ctx, "idem:"+key); err != nil {
		return nil, err
	}
	if rec, ok := tx.idem[key]; ok {
		return &rec, nil
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	rec, ok := tx.m.idem[key]
	if !ok {
		return nil, fmt.Errorf("idempotency key %q: %w", key, domain.ErrNotFound)
	}
	return &rec, nil
}

func (tx *memTx) SaveIdempotencyRecord(_ context.Context, rec domain.IdempotencyRecord) error {
	if _, ok := tx.idem[rec.Key]; ok {
		return fmt.Errorf("idempotency key %q: %w", rec.Key, domain.ErrConcurrentModification)
	}
	tx.idem[rec.Key] = rec
	return nil
}

func (tx *memTx) commit() error {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, base := range tx.baseVersion {
		if m.trades[id].Version != base {
			return fmt.Errorf("trade %s: %w", id, domain.ErrConcurrentModification)
		}
	}
	for key := range tx.idem {
		if _, ok := m.idem[key]; ok {
			return fmt.Errorf("idempotency key %q: %w", key, domain.ErrConcurrentModification)
		}
	}
	for id, d := range tx.deltas {
		if m.orgs[id].Balance+d < 0 {
			return fmt.Errorf("organization %s would go negative: %w", id, domain.ErrConcurrentModification)
		}
	}

	for id, t := range tx.trades {
		m.trades[id] = t
	}
	for id, l := range tx.listings {
		m.listings[id] = l
	}
	for id, d := range tx.deltas {
		org := m.orgs[id]
		org.Balance += d
		m.orgs[id] = org
	}
	m.entries = append(m.entries, tx.entries...)
	for key, rec := range tx.idem {
		m.idem[key] = rec
	}
	return nil
}
