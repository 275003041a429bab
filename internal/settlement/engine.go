// Package settlement moves points between the two parties of an accepted
// trade, exactly once per trade.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/barterops/internal/domain"
	"github.com/punchamoorthee/barterops/internal/store"
	"github.com/punchamoorthee/barterops/internal/trade"
	"go.uber.org/zap"
)

var (
	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barter_settlements_total",
		Help: "Settlement attempts, labeled by outcome",
	}, []string{"outcome"})

	settledPoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "barter_settled_points_total",
		Help: "Points moved between organizations by settlement",
	})
)

// Engine performs the point transfer for a trade being accepted.
type Engine struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Check verifies that the paying side of t can cover |t.PointsDelta| at the
// current balance. It never mutates anything. A zero delta always passes.
func (e *Engine) Check(ctx context.Context, ledger store.BalanceLedger, t *domain.TradeTransaction) error {
	payer, _, party, amount, ok := trade.Payer(t, t.PointsDelta)
	if !ok {
		return nil
	}
	balance, err := ledger.GetBalance(ctx, payer)
	if err != nil {
		return fmt.Errorf("reading %s balance: %w", party, err)
	}
	if balance < amount {
		return &domain.InsufficientBalanceError{
			OrgID:     payer,
			Party:     party,
			Required:  amount,
			Available: balance,
		}
	}
	return nil
}

// CanSettle is the boolean form of Check.
func (e *Engine) CanSettle(ctx context.Context, ledger store.BalanceLedger, t *domain.TradeTransaction) (bool, error) {
	err := e.Check(ctx, ledger, t)
	if errors.Is(err, domain.ErrInsufficientBalance) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Settle runs the ledger-critical part of an accept inside tx: status guard,
// balance check, transfer and the pending -> accepted advance. The caller
// must have locked t through tx.LockTrade and set t.PointsDelta to the delta
// to settle. Any error leaves tx to be rolled back.
func (e *Engine) Settle(ctx context.Context, tx store.Tx, t *domain.TradeTransaction) (*domain.Settlement, error) {
	if t.Status.Settled() {
		settlementsTotal.WithLabelValues("already_settled").Inc()
		return nil, fmt.Errorf("trade %s is %s: %w", t.ID, t.Status, domain.ErrAlreadySettled)
	}
	if err := trade.Transition(t.Status, domain.TradeAccepted); err != nil {
		settlementsTotal.WithLabelValues("invalid_state").Inc()
		return nil, err
	}

	if err := tx.LockBalances(ctx, t.RequesterID, t.ResponderID); err != nil {
		return nil, err
	}
	if err := e.Check(ctx, tx, t); err != nil {
		var insufficient *domain.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			settlementsTotal.WithLabelValues("insufficient_balance").Inc()
			e.logger.Warn("settlement refused",
				zap.String("trade_id", t.ID.String()),
				zap.String("party", string(insufficient.Party)),
				zap.String("org_id", insufficient.OrgID.String()),
				zap.Int64("required", insufficient.Required),
				zap.Int64("available", insufficient.Available),
			)
		}
		return nil, err
	}

	var entries []domain.LedgerEntry
	if payer, payee, _, amount, ok := trade.Payer(t, t.PointsDelta); ok {
		var err error
		entries, err = tx.Transfer(ctx, payer, payee, amount, t.ID)
		if err != nil {
			if errors.Is(err, domain.ErrAlreadySettled) {
				settlementsTotal.WithLabelValues("already_settled").Inc()
			}
			return nil, err
		}
	}

	now := e.now()
	t.Status = domain.TradeAccepted
	t.AcceptedAt = &now
	t.UpdatedAt = now
	if err := tx.UpdateTrade(ctx, t); err != nil {
		return nil, err
	}

	return &domain.Settlement{Trade: *t, Entries: entries}, nil
}

// Committed records a settlement once its unit of work has committed.
func (e *Engine) Committed(s *domain.Settlement) {
	settlementsTotal.WithLabelValues("settled").Inc()
	settledPoints.Add(float64(abs(s.Trade.PointsDelta)))
	e.logger.Info("trade settled",
		zap.String("trade_id", s.Trade.ID.String()),
		zap.String("requester_id", s.Trade.RequesterID.String()),
		zap.String("responder_id", s.Trade.ResponderID.String()),
		zap.Int64("points_delta", s.Trade.PointsDelta),
		zap.Int("ledger_entries", len(s.Entries)),
	)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
