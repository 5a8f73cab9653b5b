package api

import (
	"net/http"

	"trustyclaw/internal/payment"

	"github.com/go-chi/chi/v5"
)

func (s *Server) paymentRoutes(r chi.Router) {
	r.Use(requireService(s.svc.Payments != nil))

	r.Post("/intents", s.createIntent)
	r.Get("/intents/{id}", s.getIntent)
	r.Post("/intents/{id}/execute", s.executeIntent)
	r.Post("/intents/{id}/cancel", s.cancelIntent)
	r.Post("/intents/{id}/signatures", s.collectSignature)
	r.Post("/intents/{id}/recovery", s.initiateRecovery)

	r.Get("/payments", s.listPayments)
	r.Get("/payments/export", s.exportPayments)
	r.Get("/multisig", s.getMultisig)
	r.Put("/multisig", s.putMultisig)
}

type createIntentRequest struct {
	money
	From        string         `json:"from_wallet"`
	To          string         `json:"to_wallet"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) createIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := req.value()
	if err != nil {
		s.writeError(w, err)
		return
	}
	intent, err := s.svc.Payments.CreateIntent(r.Context(), amount, req.From, req.To, req.Description, req.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

func (s *Server) getIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.svc.Payments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) executeIntent(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Payments.Execute(r.Context(), chi.URLParam(r, "id"))
	s.writeResult(w, r, res, err)
}

func (s *Server) cancelIntent(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Payments.Cancel(r.Context(), chi.URLParam(r, "id"))
	s.writeResult(w, r, res, err)
}

type signatureRequest struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

func (s *Server) collectSignature(w http.ResponseWriter, r *http.Request) {
	var req signatureRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.svc.Payments.CollectSignature(r.Context(), chi.URLParam(r, "id"), req.Signer, req.Signature)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type recoveryRequest struct {
	RecoveryWallet string `json:"recovery_wallet"`
	Reason         string `json:"reason"`
}

func (s *Server) initiateRecovery(w http.ResponseWriter, r *http.Request) {
	var req recoveryRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	record, err := s.svc.Payments.InitiateRecovery(r.Context(), chi.URLParam(r, "id"), req.RecoveryWallet, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, record)
}

func (s *Server) listPayments(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	wallet := r.URL.Query().Get("wallet")

	var (
		payments []*payment.Payment
		err      error
	)
	if wallet == "" {
		payments, err = s.svc.Payments.AllPayments(r.Context(), limit)
	} else {
		payments, err = s.svc.Payments.History(r.Context(), wallet, limit, payment.Status(r.URL.Query().Get("status")))
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if payments == nil {
		payments = []*payment.Payment{}
	}
	writeJSON(w, http.StatusOK, payments)
}

func (s *Server) exportPayments(w http.ResponseWriter, r *http.Request) {
	data, err := s.svc.Payments.ExportPaymentsJSON(r.Context(), r.URL.Query().Get("wallet"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeRaw(w, data)
}

func (s *Server) getMultisig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Payments.MultisigPolicy())
}

func (s *Server) putMultisig(w http.ResponseWriter, r *http.Request) {
	var policy payment.MultisigPolicy
	if err := decode(r, &policy); err != nil {
		s.writeError(w, err)
		return
	}
	s.svc.Payments.SetMultisigConfig(policy)
	writeJSON(w, http.StatusOK, s.svc.Payments.MultisigPolicy())
}
