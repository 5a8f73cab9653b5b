package api

import (
	"context"
	"net/http"
	"strings"

	"trustyclaw/internal/ledger"
	"trustyclaw/internal/rental"

	"github.com/go-chi/chi/v5"
)

func (s *Server) rentalRoutes(r chi.Router) {
	r.Use(requireService(s.svc.Rentals != nil))

	r.Post("/rentals", s.createRental)
	r.Get("/rentals", s.listRentals)
	r.Get("/rentals/export", s.exportRentals)
	r.Route("/rentals/{id}", func(r chi.Router) {
		r.Get("/", s.getRental)
		r.Get("/amounts", s.rentalAmounts)
		r.Post("/fund", s.rentalTransition(s.svc.Rentals.Fund))
		r.Post("/activate", s.rentalTransition(s.svc.Rentals.Activate))
		r.Post("/release", s.rentalTransition(s.svc.Rentals.Release))
		r.Post("/refund", s.rentalTransition(s.svc.Rentals.Refund))
		r.Post("/cancel", s.rentalTransition(s.svc.Rentals.Cancel))
		r.Post("/complete", s.completeRental)
		r.Post("/verify", s.verifyRental)
		r.Post("/dispute", s.disputeRental)
		r.Post("/resolve", s.resolveRental)
	})
}

type createRentalRequest struct {
	money
	Renter          string `json:"renter"`
	Provider        string `json:"provider"`
	SkillID         string `json:"skill_id"`
	DurationHours   int    `json:"duration_hours"`
	DeliverableHash string `json:"deliverable_hash"`
}

func (s *Server) createRental(w http.ResponseWriter, r *http.Request) {
	var req createRentalRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := req.value()
	if err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.svc.Rentals.Create(r.Context(), rental.CreateRequest{
		Renter:          req.Renter,
		Provider:        req.Provider,
		SkillID:         req.SkillID,
		Amount:          amount,
		DurationHours:   req.DurationHours,
		DeliverableHash: req.DeliverableHash,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// listRentals 支持 participant 与逗号分隔的 state 过滤。
func (s *Server) listRentals(w http.ResponseWriter, r *http.Request) {
	var states []rental.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				states = append(states, rental.State(part))
			}
		}
	}
	writeJSON(w, http.StatusOK, s.svc.Rentals.ByParticipant(r.Context(), r.URL.Query().Get("participant"), states...))
}

func (s *Server) exportRentals(w http.ResponseWriter, r *http.Request) {
	data, err := s.svc.Rentals.ExportJSON(r.Context(), r.URL.Query().Get("participant"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeRaw(w, data)
}

func (s *Server) getRental(w http.ResponseWriter, r *http.Request) {
	found, err := s.svc.Rentals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

type rentalAmounts struct {
	Release ledger.Amount `json:"release_amount"`
	Refund  ledger.Amount `json:"refund_amount"`
}

func (s *Server) rentalAmounts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	release, err := s.svc.Rentals.ReleaseAmount(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	refund, err := s.svc.Rentals.RefundAmount(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rentalAmounts{Release: release, Refund: refund})
}

func (s *Server) rentalTransition(fn func(context.Context, string) (*rental.Rental, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		updated, err := fn(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

type deliverableRequest struct {
	Hash string `json:"deliverable_hash"`
}

func (s *Server) completeRental(w http.ResponseWriter, r *http.Request) {
	var req deliverableRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	updated, err := s.svc.Rentals.Complete(r.Context(), chi.URLParam(r, "id"), req.Hash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) verifyRental(w http.ResponseWriter, r *http.Request) {
	var req deliverableRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Rentals.VerifyDeliverable(r.Context(), chi.URLParam(r, "id"), req.Hash))
}

type rentalDisputeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) disputeRental(w http.ResponseWriter, r *http.Request) {
	var req rentalDisputeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	updated, err := s.svc.Rentals.Dispute(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type rentalResolveRequest struct {
	Resolution      rental.Resolution `json:"resolution"`
	ProviderPercent int               `json:"provider_percent"`
}

func (s *Server) resolveRental(w http.ResponseWriter, r *http.Request) {
	var req rentalResolveRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	updated, err := s.svc.Rentals.ResolveDispute(r.Context(), chi.URLParam(r, "id"), req.Resolution, req.ProviderPercent)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
