package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/barterops/internal/domain"
	"github.com/punchamoorthee/barterops/internal/settlement"
	"github.com/punchamoorthee/barterops/internal/store"
	"github.com/punchamoorthee/barterops/internal/trade"
	"go.uber.org/zap"
)

var retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "barter_retries_total",
	Help: "Units of work retried after a lock or version conflict",
}, []string{"operation"})

// RetryPolicy bounds automatic retries of ErrConcurrentModification.
type RetryPolicy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
}

// TradeService is the boundary every trade operation goes through. Each
// mutating call runs as one store unit of work; errors are returned typed
// and leave no partial state behind.
type TradeService struct {
	store  store.Store
	engine *settlement.Engine
	logger *zap.Logger
	retry  RetryPolicy
	now    func() time.Time
}

func NewTradeService(s store.Store, engine *settlement.Engine, logger *zap.Logger, retry RetryPolicy) *TradeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = settlement.NewEngine(logger)
	}
	return &TradeService{
		store:  s,
		engine: engine,
		logger: logger,
		retry:  retry,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ProposeTrade creates a pending trade in which requester asks for
// req.RequestedListingID and offers req.ReturnListingID. A non-empty
// idempotencyKey makes the call replayable: the same key with the same
// payload returns the trade created first and replayed=true.
func (s *TradeService) ProposeTrade(ctx context.Context, requester uuid.UUID, req domain.ProposeRequest, idempotencyKey string) (t *domain.TradeTransaction, replayed bool, err error) {
	reqHash := proposalHash(requester, req)

	err = s.withRetry(ctx, "propose", func() error {
		t, replayed = nil, false
		return s.store.InTx(ctx, func(tx store.Tx) error {
			if idempotencyKey != "" {
				rec, err := tx.GetIdempotencyRecord(ctx, idempotencyKey)
				switch {
				case err == nil:
					if rec.RequestHash != reqHash {
						return domain.ErrIdempotencyMismatch
					}
					existing, err := tx.LockTrade(ctx, rec.TradeID)
					if err != nil {
						return err
					}
					t, replayed = existing, true
					return nil
				case !errors.Is(err, domain.ErrNotFound):
					return err
				}
			}

			listings, err := tx.LockListings(ctx, req.RequestedListingID, req.ReturnListingID)
			if err != nil {
				return err
			}
			requested, ret := listings[req.RequestedListingID], listings[req.ReturnListingID]
			if err := trade.ValidateProposal(requester, requested, ret); err != nil {
				return err
			}
			delta, err := trade.StoredDelta(requested, ret, req.ExtraPoints)
			if err != nil {
				return err
			}
			// The values read above must not change while the trade is open.
			if err := tx.PinListings(ctx, requested.ID, ret.ID); err != nil {
				return err
			}

			now := s.now()
			created := &domain.TradeTransaction{
				ID:                 uuid.New(),
				RequesterID:        requester,
				ResponderID:        requested.OwnerID,
				RequestedListingID: requested.ID,
				ReturnListingID:    ret.ID,
				PointsDelta:        delta,
				ExtraPoints:        req.ExtraPoints,
				Status:             domain.TradePending,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			if err := tx.InsertTrade(ctx, created); err != nil {
				return err
			}
			if idempotencyKey != "" {
				if err := tx.SaveIdempotencyRecord(ctx, domain.IdempotencyRecord{
					Key:         idempotencyKey,
					RequestHash: reqHash,
					TradeID:     created.ID,
				}); err != nil {
					return err
				}
			}
			t = created
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}

	if !replayed {
		s.logger.Info("trade proposed",
			zap.String("trade_id", t.ID.String()),
			zap.String("requester_id", t.RequesterID.String()),
			zap.String("responder_id", t.ResponderID.String()),
			zap.Int64("points_delta", t.PointsDelta),
		)
	}
	return t, replayed, nil
}

// SubstituteReturnListing lets the responder swap the return listing for
// another active listing of the requester. The delta is recomputed.
func (s *TradeService) SubstituteReturnListing(ctx context.Context, actor, tradeID, newReturnID uuid.UUID) (*domain.TradeTransaction, error) {
	var out *domain.TradeTransaction
	err := s.withRetry(ctx, "substitute", func() error {
		return s.store.InTx(ctx, func(tx store.Tx) error {
			t, err := tx.LockTrade(ctx, tradeID)
			if err != nil {
				return err
			}
			if err := trade.AuthorizeResponder(actor, t); err != nil {
				return err
			}
			listings, err := tx.LockListings(ctx, t.RequestedListingID, newReturnID)
			if err != nil {
				return err
			}
			sub := listings[newReturnID]
			if err := trade.ValidateSubstitute(actor, t, sub); err != nil {
				return err
			}
			delta, err := trade.StoredDelta(listings[t.RequestedListingID], sub, t.ExtraPoints)
			if err != nil {
				return err
			}
			if err := tx.PinListings(ctx, t.RequestedListingID, sub.ID); err != nil {
				return err
			}

			t.ReturnListingID = sub.ID
			t.PointsDelta = delta
			t.UpdatedAt = s.now()
			if err := tx.UpdateTrade(ctx, t); err != nil {
				return err
			}
			out = t
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("return listing substituted",
		zap.String("trade_id", out.ID.String()),
		zap.String("return_listing_id", out.ReturnListingID.String()),
		zap.Int64("points_delta", out.PointsDelta),
	)
	return out, nil
}

// AcceptTrade settles a pending trade on behalf of its responder. The delta
// is recomputed from the current listings, the payer's balance is checked
// and points move, all in one unit of work. Lock conflicts are retried from
// a fresh read; a trade that was settled meanwhile yields ErrAlreadySettled.
func (s *TradeService) AcceptTrade(ctx context.Context, actor, tradeID uuid.UUID) (*domain.Settlement, error) {
	var result *domain.Settlement
	err := s.withRetry(ctx, "accept", func() error {
		result = nil
		return s.store.InTx(ctx, func(tx store.Tx) error {
			t, err := tx.LockTrade(ctx, tradeID)
			if err != nil {
				return err
			}
			if err := trade.AuthorizeResponder(actor, t); err != nil {
				return err
			}

			if t.Status == domain.TradePending {
				listings, err := tx.LockListings(ctx, t.RequestedListingID, t.ReturnListingID)
				if err != nil {
					return err
				}
				requested, ret := listings[t.RequestedListingID], listings[t.ReturnListingID]
				if err := trade.ValidatePair(t, requested, ret); err != nil {
					return err
				}
				if t.PointsDelta, err = trade.StoredDelta(requested, ret, t.ExtraPoints); err != nil {
					return err
				}
			}

			result, err = s.engine.Settle(ctx, tx, t)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	s.engine.Committed(result)
	return result, nil
}

// RejectTrade cancels a pending trade on behalf of its responder.
func (s *TradeService) RejectTrade(ctx context.Context, actor, tradeID uuid.UUID) (*domain.TradeTransaction, error) {
	t, err := s.transition(ctx, tradeID, func(t *domain.TradeTransaction) error {
		if err := trade.AuthorizeResponder(actor, t); err != nil {
			return err
		}
		if err := trade.Transition(t.Status, domain.TradeCancelled); err != nil {
			return err
		}
		t.Status = domain.TradeCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("trade rejected", zap.String("trade_id", t.ID.String()))
	return t, nil
}

// AdvanceFulfillment moves a settled trade to in_fulfillment or completed.
// Either party may advance; no points move.
func (s *TradeService) AdvanceFulfillment(ctx context.Context, actor, tradeID uuid.UUID, target domain.TradeStatus) (*domain.TradeTransaction, error) {
	t, err := s.transition(ctx, tradeID, func(t *domain.TradeTransaction) error {
		if err := trade.AuthorizeParticipant(actor, t); err != nil {
			return err
		}
		if err := trade.ValidateFulfillmentTarget(t, target); err != nil {
			return err
		}
		t.Status = target
		if target == domain.TradeCompleted {
			now := s.now()
			t.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("trade fulfillment advanced",
		zap.String("trade_id", t.ID.String()),
		zap.String("status", string(t.Status)),
	)
	return t, nil
}

// GetTrade returns a trade visible to actor.
func (s *TradeService) GetTrade(ctx context.Context, actor, tradeID uuid.UUID) (*domain.TradeTransaction, error) {
	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if err := trade.AuthorizeParticipant(actor, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTrades returns trades in which org takes part, newest first.
func (s *TradeService) ListTrades(ctx context.Context, org uuid.UUID, status *domain.TradeStatus) ([]domain.TradeTransaction, error) {
	return s.store.ListTrades(ctx, org, status)
}

func (s *TradeService) transition(ctx context.Context, tradeID uuid.UUID, apply func(t *domain.TradeTransaction) error) (*domain.TradeTransaction, error) {
	var out *domain.TradeTransaction
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		t, err := tx.LockTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if err := apply(t); err != nil {
			return err
		}
		t.UpdatedAt = s.now()
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// withRetry reruns op while it fails with ErrConcurrentModification. Any
// other error stops immediately.
func (s *TradeService) withRetry(ctx context.Context, operation string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	if s.retry.BaseDelay > 0 {
		b.InitialInterval = s.retry.BaseDelay
	}
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		if attempt > 0 {
			retriesTotal.WithLabelValues(operation).Inc()
			s.logger.Debug("retrying after conflict", zap.String("operation", operation), zap.Int("attempt", attempt))
		}
		attempt++

		err := op()
		if err == nil || errors.Is(err, domain.ErrConcurrentModification) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, s.retry.MaxRetries), ctx))
}

func proposalHash(requester uuid.UUID, req domain.ProposeRequest) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d",
		requester, req.RequestedListingID, req.ReturnListingID, req.ExtraPoints))
	return hex.EncodeToString(sum[:])
}
