package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter wires the handler onto the /api/v1 surface plus /health and /metrics.
func NewRouter(h *Handler, db Pinger) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				h.respondError(w, http.StatusServiceUnavailable, "database unreachable", req.Method, "/health")
				return
			}
		}
		h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, req.Method, "/health")
	})

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/organizations", h.CreateOrganization).Methods("POST")
	apiV1.HandleFunc("/organizations/{id}/balance", h.GetBalance).Methods("GET")
	apiV1.HandleFunc("/organizations/{id}/entries", h.ListEntries).Methods("GET")
	apiV1.HandleFunc("/organizations/{id}/listings", h.ListListings).Methods("GET")
	apiV1.HandleFunc("/organizations/{id}/trades", h.ListTrades).Methods("GET")

	apiV1.HandleFunc("/listings", h.CreateListing).Methods("POST")
	apiV1.HandleFunc("/listings/{id}", h.GetListing).Methods("GET")
	apiV1.HandleFunc("/listings/{id}/status", h.SetListingStatus).Methods("PATCH")
	apiV1.HandleFunc("/listings/{id}/points", h.UpdateListingPoints).Methods("PATCH")

	apiV1.HandleFunc("/trades", h.ProposeTrade).Methods("POST")
	apiV1.HandleFunc("/trades/{id}", h.GetTrade).Methods("GET")
	apiV1.HandleFunc("/trades/{id}/substitute", h.SubstituteReturnListing).Methods("POST")
	apiV1.HandleFunc("/trades/{id}/accept", h.AcceptTrade).Methods("POST")
	apiV1.HandleFunc("/trades/{id}/reject", h.RejectTrade).Methods("POST")
	apiV1.HandleFunc("/trades/{id}/advance", h.AdvanceFulfillment).Methods("POST")

	return r
}
