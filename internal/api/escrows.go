package api

import (
	"net/http"

	"trustyclaw/internal/escrow"

	"github.com/go-chi/chi/v5"
)

func (s *Server) escrowRoutes(r chi.Router) {
	r.Use(requireService(s.svc.Escrows != nil))

	r.Post("/escrows", s.openEscrow)
	r.Post("/escrows/track", s.trackEscrow)
	r.Get("/escrows", s.listEscrows)
	r.Get("/escrows/export", s.exportEscrows)
	r.Route("/escrows/{id}", func(r chi.Router) {
		r.Get("/", s.getEscrow)
		r.Get("/status", s.escrowStatus)
		r.Post("/fund", s.fundEscrow)
		r.Post("/release", s.releaseEscrow)
		r.Post("/refund", s.refundEscrow)
		r.Post("/dispute", s.disputeEscrow)
		r.Post("/resolve", s.resolveEscrow)
	})
}

type openEscrowRequest struct {
	money
	EscrowID    string `json:"escrow_id"`
	From        string `json:"from_wallet"`
	To          string `json:"to_wallet"`
	Description string `json:"description"`
}

func (s *Server) openEscrow(w http.ResponseWriter, r *http.Request) {
	var req openEscrowRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := req.value()
	if err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.svc.Escrows.Open(r.Context(), req.EscrowID, amount, req.From, req.To, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type trackEscrowRequest struct {
	EscrowID string `json:"escrow_id"`
	IntentID string `json:"payment_intent_id"`
}

func (s *Server) trackEscrow(w http.ResponseWriter, r *http.Request) {
	var req trackEscrowRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	tracked, err := s.svc.Escrows.Track(r.Context(), req.EscrowID, req.IntentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tracked)
}

func (s *Server) listEscrows(w http.ResponseWriter, r *http.Request) {
	escrows, err := s.svc.Escrows.ListByWallet(r.Context(), r.URL.Query().Get("wallet"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if escrows == nil {
		escrows = []*escrow.Escrow{}
	}
	writeJSON(w, http.StatusOK, escrows)
}

func (s *Server) exportEscrows(w http.ResponseWriter, r *http.Request) {
	data, err := s.svc.Escrows.ExportJSON(r.Context(), r.URL.Query().Get("wallet"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeRaw(w, data)
}

func (s *Server) getEscrow(w http.ResponseWriter, r *http.Request) {
	found, err := s.svc.Escrows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) escrowStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Escrows.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) fundEscrow(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Escrows.Fund(r.Context(), chi.URLParam(r, "id"))
	s.writeResult(w, r, res, err)
}

type releaseRequest struct {
	Authority string `json:"authority"`
	Signature string `json:"signature"`
}

func (s *Server) releaseEscrow(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.svc.Escrows.Release(r.Context(), chi.URLParam(r, "id"), req.Authority, req.Signature)
	s.writeResult(w, r, res, err)
}

func (s *Server) refundEscrow(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Escrows.Refund(r.Context(), chi.URLParam(r, "id"))
	s.writeResult(w, r, res, err)
}

type escrowDisputeRequest struct {
	Filer  string `json:"filed_by"`
	Reason string `json:"reason"`
}

func (s *Server) disputeEscrow(w http.ResponseWriter, r *http.Request) {
	var req escrowDisputeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.svc.Escrows.Dispute(r.Context(), chi.URLParam(r, "id"), req.Filer, req.Reason)
	s.writeResult(w, r, res, err)
}

type escrowResolveRequest struct {
	Resolver   string            `json:"resolver"`
	Resolution escrow.Resolution `json:"resolution"`
}

func (s *Server) resolveEscrow(w http.ResponseWriter, r *http.Request) {
	var req escrowResolveRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.svc.Escrows.ResolveDispute(r.Context(), chi.URLParam(r, "id"), req.Resolver, req.Resolution)
	s.writeResult(w, r, res, err)
}
