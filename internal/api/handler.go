package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/barterops/internal/domain"
	"github.com/punchamoorthee/barterops/internal/service"
	"go.uber.org/zap"
)

// OrgHeader carries the acting organization, resolved upstream by the
// identity provider.
const OrgHeader = "X-Organization-ID"

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barter_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "barter_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	svc      *service.TradeService
	logger   *zap.Logger
	validate *validator.Validate
}

func NewHandler(svc *service.TradeService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger, validate: validator.New(validator.WithRequiredStructEnabled())}
}

type createOrganizationRequest struct {
	Name           string `json:"name" validate:"required,max=200"`
	OpeningBalance int64  `json:"opening_balance" validate:"gte=0"`
}

type createListingRequest struct {
	Title         string `json:"title" validate:"required,max=200"`
	PointsValue   int64  `json:"points_value" validate:"gte=0"`
	BarterAllowed *bool  `json:"barter_allowed"`
}

type listingStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active paused"`
}

type listingPointsRequest struct {
	PointsValue *int64 `json:"points_value" validate:"required,gte=0"`
}

type substituteRequest struct {
	ReturnListingID uuid.UUID `json:"return_listing_id" validate:"required"`
}

type advanceRequest struct {
	Status string `json:"status" validate:"required,oneof=in_fulfillment completed"`
}

type acceptResponse struct {
	Trade          domain.TradeTransaction `json:"trade"`
	Entries        []domain.LedgerEntry    `json:"entries"`
	AlreadySettled bool                    `json:"already_settled"`
}

func (h *Handler) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	const ep = "/organizations"
	var req createOrganizationRequest
	if !h.decode(w, r, &req, ep) {
		return
	}
	org, err := h.svc.CreateOrganization(r.Context(), req.Name, req.OpeningBalance)
	if err != nil {
		h.respondDomainError(w, r, err, ep)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/organizations/%s", org.ID))
	h.respondJSON(w, http.StatusCreated, org, r.Method, ep)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	const ep = "/organizations/{id}/balance"
	id, ok := h.pathID(w, r, ep)
	if !ok {
		return
	}
	balance, err := h.svc.GetBalance(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, err, ep)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"org_id": id, "balance": balance}, r.Method, ep)
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	const ep = "/organizations/{id}/entries"
	id, ok := h.pathID(w, r, ep)
	if !ok {
		return
	}
	entries, err := h.svc.ListLedgerEntries(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, err, ep)
		return
	}
	h.respondJSON(w, http.StatusOK, nonNil(entries), r.Method, ep)
}

func (h *Handler) ListListings(w http.ResponseWriter, r *http.Request) {
	const ep = "/organizations/{id}/listings"
	id, ok := h.pathID(w, r, ep)
	if !ok {
		return
	}
	listings, err := h.svc.ListActiveListings(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, err, ep)
		return
	}
	h.respondJSON(w, http.StatusOK, nonNil(listings), r.Method, ep)
}

func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	const ep = "/organizations/{id}/trades"
	id, ok := h.pathID(w, r, ep)
	if !ok {
		return
	}
	actor, ok := h.actor(w, r, ep)
	if !ok {
		return
	}
	if actor != id {
		h.respondError(w, http.StatusForbidden, "Forbidden", r.Method, ep)
		return
	}
	var status *domain.TradeStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := domain.ParseTradeStatus(raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, err.Error(), r.Method, ep)
			return
		}
		status = &st
	}
	trades, err := h.svc.ListTrades(r.Context(), id, status)
	if err != nil {
		h.respondDomainError(w, r, err, ep)
		return
	}
	h.respondJSON(w, http.StatusOK, nonNil(trades), r.Method, ep)
}

func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	const ep = "/listings"
	actor, ok := h.actor(w, r, ep)
	if !ok {
		return
	}
	var req createListingRequest
	if !h.decode(w, r, &req, ep) {
		return
	}
	barter := true
	if req.BarterAllowed != nil {
		barter = *req.BarterAllowed
	}
	l, err := h.svc.CreateListing(r.Context(), actor, req.Title, req.PointsValue, barter)
	if err != nil {
		h.respondDomainError(w, r, err, ep)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/listings/%s", l.ID))
	h.respondJSON(w, http.StatusCreated, l, r.Method, ep)
}

func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	const ep = "/listings/{id}"
	id, ok := h.pathID(w, r, ep)
	if !ok {
		return
	}
	l, err := h.svc.GetListing(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, err, ep)
		return
	}
	h.respondJSON(w, http.StatusOK, l, r.Method, ep)
}

func (h *Handler) SetListingStatus(w http.ResponseWriter, r *http.Request) {
	const ep = "/listings/{id}/status"
	id, actor, ok := h.pathAndActor(w, r, ep)
	if !ok {
		return
	}
	var req listingStatusRequest
	if !h.decode(w, r, &req, ep) {
		return
	}
	l, err := h.svc.SetListingStatus(r.Context(), actor, id, domain.ListingStatus(req.Status))
	if err != nil {
		h.respondDomainError(w, r, err, ep)
		return
	}
	h.respondJSON(w, http.StatusOK, l, r.Method, ep)
}

func (h *Handler) UpdateListingPoints(w http.ResponseWriter, r *http.Request) {
	const ep = "/listings/{id}/points"
	id, actor, ok := h.pathAndActor(w, r, ep)
	if !ok {
		return
	}
	var req listingPointsRequest
	if !h.decode(w, r, &req, ep) {
		return
	}
	l, err := h.svc.UpdateListingPoints(r.Context(), actor, id, *req.PointsValue)
	if err != nil {
		h.respondDomainError(w, r, err, ep)
		return
	}
	h.respondJSON(w, http.StatusOK, l, r.Method, ep)
}

func (h *Handler) ProposeTrade(w http.ResponseWriter, r *http.Request) {
	const ep = "/trades"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(r.Method, ep))
	defer timer.ObserveDuration()

	actor, ok := h.actor(w, r, ep)
	if !ok {
		return
	}
	var req domain.ProposeRequest
	if !h.decode(w, r, &req, ep) {
		return
	}

	t, replayed, err := h.svc.ProposeTrade(r.Context(), actor, req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.respondDomainError(w, r, err, ep)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/trades/%s", t.ID))
	if replayed {
		h.respondJSON(w, http.StatusOK, t, r.Method, ep)
		return
	}
	h.respondJSON(w, http.StatusCreated, t, r.Method, ep)
}

func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	const ep = "/trades/{id}"
	id, actor, ok := h.pathAndActor(w, r, ep)
	if !ok {
		return
	}
	t, err := h.svc.GetTrade(r.Context(), actor, id)
	if err != nil {
		h.respondDomainError(w, r, err, ep)
		return
	}
	h.respondJSON(w, http.StatusOK, t, r.Method, ep)
}

func (h *Handler) SubstituteReturnListing(w http.ResponseWriter, r *http.Request) {
	const ep = "/trades/{id}/substitute"
	id, actor, ok := h.pathAndActor(w, r, ep)
	if !ok {
		return
	}
	var req substituteRequest
	if !h.decode(w, r, &req, ep) {
		return
	}
	t, err := h.svc.SubstituteReturnListing(r.Context(), actor, id, req.ReturnListingID)
	if err != nil {
		h.respondDomainError(w, r, err, ep)
		return
	}
	h.respondJSON(w, http.StatusOK, t, r.Method, ep)
}

func (h *Handler) AcceptTrade(w http.ResponseWriter, r *http.Request) {
	const ep = "/trades/{id}/accept"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(r.Method, ep))
	defer timer.ObserveDuration()

	id, actor, ok := h.pathAndActor(w, r, ep)
	if !ok {
		return
	}

	s, err := h.svc.AcceptTrade(r.Context(), actor, id)
	if errors.Is(err, domain.ErrAlreadySettled) {
		// Benign duplicate: report the trade as it stands.
		t, getErr := h.svc.GetTrade(r.Context(), actor, id)
		if getErr != nil {
			h.respondDomainError(w, r, getErr, ep)
			return
		}
		h.respondJSON(w, http.StatusOK, acceptResponse{Trade: *t, Entries: []domain.LedgerEntry{}, AlreadySettled: true}, r.Method, ep)
		return
	}
	if err != nil {
		h.respondDomainError(w, r, err, ep)
		return
	}
	h.respondJSON(w, http.StatusOK, acceptResponse{Trade: s.Trade, Entries: nonNil(s.Entries)}, r.Method, ep)
}

func (h *Handler) RejectTrade(w http.ResponseWriter, r *http.Request) {
	const ep = "/trades/{id}/reject"
	id, actor, ok := h.pathAndActor(w, r, ep)
	if !ok {
		return
	}
	t, err := h.svc.RejectTrade(r.Context(), actor, id)
	if err != nil {
		h.respondDomainError(w, r, err, ep)
		return
	}
	h.respondJSON(w, http.StatusOK, t, r.Method, ep)
}

func (h *Handler) AdvanceFulfillment(w http.ResponseWriter, r *http.Request) {
	const ep = "/trades/{id}/advance"
	id, actor, ok := h.pathAndActor(w, r, ep)
	if !ok {
		return
	}
	var req advanceRequest
	if !h.decode(w, r, &req, ep) {
		return
	}
	t, err := h.svc.AdvanceFulfillment(r.Context(), actor, id, domain.TradeStatus(req.Status))
	if err != nil {
		h.respondDomainError(w, r, err, ep)
		return
	}
	h.respondJSON(w, http.StatusOK, t, r.Method, ep)
}

// Helpers

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, endpoint string) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Stream read error", r.Method, endpoint)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", r.Method, endpoint)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), r.Method, endpoint)
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, endpoint string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid id", r.Method, endpoint)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request, endpoint string) (uuid.UUID, bool) {
	raw := r.Header.Get(OrgHeader)
	if raw == "" {
		h.respondError(w, http.StatusUnauthorized, "Missing "+OrgHeader, r.Method, endpoint)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid "+OrgHeader, r.Method, endpoint)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) pathAndActor(w http.ResponseWriter, r *http.Request, endpoint string) (uuid.UUID, uuid.UUID, bool) {
	id, ok := h.pathID(w, r, endpoint)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	actor, ok := h.actor(w, r, endpoint)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return id, actor, true
}

func (h *Handler) respondDomainError(w http.ResponseWriter, r *http.Request, err error, endpoint string) {
	var insufficient *domain.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		h.respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":     "Insufficient balance",
			"party":     insufficient.Party,
			"org_id":    insufficient.OrgID,
			"required":  insufficient.Required,
			"available": insufficient.Available,
		}, r.Method, endpoint)
		return
	}

	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("endpoint", endpoint), zap.Error(err))
		msg = "Internal Server Error"
	}
	h.respondError(w, code, msg, r.Method, endpoint)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrListingLocked),
		errors.Is(err, domain.ErrConcurrentModification),
		errors.Is(err, domain.ErrAlreadySettled):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidListingSelection),
		errors.Is(err, domain.ErrInvalidListing),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
