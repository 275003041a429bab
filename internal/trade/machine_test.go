package trade

import (
	"testing"

	"github.com/google/uuid"
	"github.com/punchamoorthee/barterops/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]domain.TradeStatus]bool{
		{domain.TradePending, domain.TradeAccepted}:        true,
		{domain.TradePending, domain.TradeCancelled}:       true,
		{domain.TradeAccepted, domain.TradeInFulfillment}:  true,
		{domain.TradeInFulfillment, domain.TradeCompleted}: true,
	}

	for _, from := range domain.AllTradeStatuses {
		for _, to := range domain.AllTradeStatuses {
			want := allowed[[2]domain.TradeStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransition_PanicsOnUnknownStatus(t *testing.T) {
	assert.Panics(t, func() { CanTransition("archived", domain.TradeAccepted) })
}

func TestTransition_ReturnsTypedError(t *testing.T) {
	err := Transition(domain.TradeAccepted, domain.TradeCancelled)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.TradeAccepted, te.From)
	assert.Equal(t, domain.TradeCancelled, te.To)

	assert.NoError(t, Transition(domain.TradePending, domain.TradeAccepted))
}

func TestValidateProposal(t *testing.T) {
	requester, responder := uuid.New(), uuid.New()

	paused := listing(responder, 100)
	paused.Status = domain.ListingPaused
	noBarter := listing(responder, 100)
	noBarter.BarterAllowed = false
	pausedReturn := listing(requester, 100)
	pausedReturn.Status = domain.ListingPaused

	tests := []struct {
		name      string
		requested *domain.Listing
		ret       *domain.Listing
		wantErr   bool
	}{
		{"valid", listing(responder, 500), listing(requester, 300), false},
		{"missing requested", nil, listing(requester, 300), true},
		{"requester owns requested", listing(requester, 500), listing(requester, 300), true},
		{"return owned by someone else", listing(responder, 500), listing(uuid.New(), 300), true},
		{"requested paused", paused, listing(requester, 300), true},
		{"requested not open for barter", noBarter, listing(requester, 300), true},
		{"return paused", listing(responder, 500), pausedReturn, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateProposal(requester, tc.requested, tc.ret)
			if tc.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidListingSelection)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func pendingTrade(requester, responder uuid.UUID) *domain.TradeTransaction {
	return &domain.TradeTransaction{
		ID:                 uuid.New(),
		RequesterID:        requester,
		ResponderID:        responder,
		RequestedListingID: uuid.New(),
		ReturnListingID:    uuid.New(),
		Status:             domain.TradePending,
	}
}

func TestValidateSubstitute(t *testing.T) {
	requester, responder := uuid.New(), uuid.New()
	tr := pendingTrade(requester, responder)

	assert.NoError(t, ValidateSubstitute(responder, tr, listing(requester, 200)))

	err := ValidateSubstitute(requester, tr, listing(requester, 200))
	assert.ErrorIs(t, err, domain.ErrForbidden, "only the responder substitutes")

	err = ValidateSubstitute(responder, tr, listing(responder, 200))
	assert.ErrorIs(t, err, domain.ErrForbidden, "substitute must belong to the requester")

	inactive := listing(requester, 200)
	inactive.Status = domain.ListingCompleted
	err = ValidateSubstitute(responder, tr, inactive)
	assert.ErrorIs(t, err, domain.ErrInvalidListingSelection)

	accepted := *tr
	accepted.Status = domain.TradeAccepted
	err = ValidateSubstitute(responder, &accepted, listing(requester, 200))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestValidatePair(t *testing.T) {
	requester, responder := uuid.New(), uuid.New()
	tr := pendingTrade(requester, responder)

	assert.NoError(t, ValidatePair(tr, listing(responder, 1), listing(requester, 1)))
	assert.ErrorIs(t, ValidatePair(tr, listing(uuid.New(), 1), listing(requester, 1)), domain.ErrInvalidListingSelection)
	assert.ErrorIs(t, ValidatePair(tr, listing(responder, 1), listing(uuid.New(), 1)), domain.ErrInvalidListingSelection)
}

func TestAuthorization(t *testing.T) {
	requester, responder, outsider := uuid.New(), uuid.New(), uuid.New()
	tr := pendingTrade(requester, responder)

	assert.NoError(t, AuthorizeResponder(responder, tr))
	assert.ErrorIs(t, AuthorizeResponder(requester, tr), domain.ErrForbidden)

	assert.NoError(t, AuthorizeParticipant(requester, tr))
	assert.NoError(t, AuthorizeParticipant(responder, tr))
	assert.ErrorIs(t, AuthorizeParticipant(outsider, tr), domain.ErrForbidden)
}

func TestValidateFulfillmentTarget(t *testing.T) {
	tr := pendingTrade(uuid.New(), uuid.New())
	tr.Status = domain.TradeAccepted

	assert.NoError(t, ValidateFulfillmentTarget(tr, domain.TradeInFulfillment))
	assert.ErrorIs(t, ValidateFulfillmentTarget(tr, domain.TradeCompleted), domain.ErrInvalidState)
	assert.ErrorIs(t, ValidateFulfillmentTarget(tr, domain.TradeCancelled), domain.ErrInvalidState)

	tr.Status = domain.TradeInFulfillment
	assert.NoError(t, ValidateFulfillmentTarget(tr, domain.TradeCompleted))
}

func TestPayer(t *testing.T) {
	requester, responder := uuid.New(), uuid.New()
	tr := pendingTrade(requester, responder)

	payer, payee, party, amount, ok := Payer(tr, 200)
	require.True(t, ok)
	assert.Equal(t, requester, payer)
	assert.Equal(t, responder, payee)
	assert.Equal(t, domain.PartyRequester, party)
	assert.Equal(t, int64(200), amount)

	payer, payee, party, amount, ok = Payer(tr, -150)
	require.True(t, ok)
	assert.Equal(t, responder, payer)
	assert.Equal(t, requester, payee)
	assert.Equal(t, domain.PartyResponder, party)
	assert.Equal(t, int64(150), amount)

	_, _, _, _, ok = Payer(tr, 0)
	assert.False(t, ok)
}
