package api

import (
	"net/http"

	"trustyclaw/internal/notify"
	"trustyclaw/internal/reload"

	"github.com/go-chi/chi/v5"
)

func (s *Server) notifyRoutes(r chi.Router) {
	r.Use(requireService(s.svc.Notify != nil))

	r.Post("/notifications", s.registerNotification)
	r.Get("/notifications", s.listNotifications)
	r.Get("/notifications/{wallet}", s.getNotification)
	r.Post("/notifications/{wallet}/check", s.checkBalance)
	r.Get("/reloads", s.listReloads)
}

func (s *Server) registerNotification(w http.ResponseWriter, r *http.Request) {
	var req notify.RegisterRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	reg, err := s.svc.Notify.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Notify.List(r.Context()))
}

func (s *Server) getNotification(w http.ResponseWriter, r *http.Request) {
	reg, err := s.svc.Notify.Get(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// checkBalance 的 force=true 跳过限流。
func (s *Server) checkBalance(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.Notify.CheckBalanceAndNotify(r.Context(), chi.URLParam(r, "wallet"), queryBool(r, "force"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listReloads(w http.ResponseWriter, r *http.Request) {
	if s.svc.Reloads == nil {
		writeJSON(w, http.StatusOK, []reload.Outcome{})
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Reloads.Outcomes(r.URL.Query().Get("wallet")))
}
