package api

import (
	"net/http"

	"trustyclaw/internal/reputation"
	"trustyclaw/internal/review"

	"github.com/go-chi/chi/v5"
)

func (s *Server) reviewRoutes(r chi.Router) {
	r.Use(requireService(s.svc.Reviews != nil))

	r.Post("/reviews", s.createReview)
	r.Route("/reviews/{id}", func(r chi.Router) {
		r.Get("/", s.getReview)
		r.Post("/submit", s.submitReview)
		r.Post("/archive", s.archiveReview)
		r.Get("/disputes", s.reviewDisputes)
		r.Post("/disputes", s.fileDispute)
		r.Get("/votes", s.reviewVotes)
		r.Post("/votes", s.voteReview)
	})
	r.Get("/disputes/{id}", s.getDispute)
	r.Post("/disputes/{id}/resolve", s.resolveDispute)

	r.Get("/agents/top", s.topAgents)
	r.Get("/agents/{agent}/reviews", s.agentReviews)
	r.Get("/agents/{agent}/rating", s.agentRating)
	r.Get("/agents/{agent}/export", s.exportAgentReviews)
}

func (s *Server) reputationRoutes(r chi.Router) {
	r.Use(requireService(s.svc.Reputation != nil))

	r.Get("/reputation/top", s.topReputation)
	r.Get("/agents/{agent}/reputation", s.agentReputation)
	r.Post("/agents/{agent}/reputation", s.addReputationReview)
}

func (s *Server) createReview(w http.ResponseWriter, r *http.Request) {
	var req review.CreateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.svc.Reviews.CreateReview(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getReview(w http.ResponseWriter, r *http.Request) {
	found, err := s.svc.Reviews.GetReview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) submitReview(w http.ResponseWriter, r *http.Request) {
	updated, err := s.svc.Reviews.SubmitReview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) archiveReview(w http.ResponseWriter, r *http.Request) {
	updated, err := s.svc.Reviews.Archive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type fileDisputeRequest struct {
	FiledBy  string   `json:"filed_by"`
	Reason   string   `json:"reason"`
	Evidence []string `json:"evidence"`
}

func (s *Server) fileDispute(w http.ResponseWriter, r *http.Request) {
	var req fileDisputeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	dispute, err := s.svc.Reviews.FileDispute(r.Context(), chi.URLParam(r, "id"), req.FiledBy, req.Reason, req.Evidence)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dispute)
}

func (s *Server) reviewDisputes(w http.ResponseWriter, r *http.Request) {
	disputes, err := s.svc.Reviews.ReviewDisputes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if disputes == nil {
		disputes = []*review.Dispute{}
	}
	writeJSON(w, http.StatusOK, disputes)
}

func (s *Server) getDispute(w http.ResponseWriter, r *http.Request) {
	dispute, err := s.svc.Reviews.GetDispute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}

type resolveDisputeRequest struct {
	Resolution review.Resolution `json:"resolution"`
	Comments   string            `json:"comments"`
}

func (s *Server) resolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	dispute, err := s.svc.Reviews.ResolveDispute(r.Context(), chi.URLParam(r, "id"), req.Resolution, req.Comments)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}

type voteRequest struct {
	Voter   string `json:"voter"`
	Helpful bool   `json:"helpful"`
}

func (s *Server) voteReview(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	vote, err := s.svc.Reviews.VoteReview(r.Context(), chi.URLParam(r, "id"), req.Voter, req.Helpful)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vote)
}

func (s *Server) reviewVotes(w http.ResponseWriter, r *http.Request) {
	tally, err := s.svc.Reviews.ReviewVotes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tally)
}

func (s *Server) agentReviews(w http.ResponseWriter, r *http.Request) {
	reviews, err := s.svc.Reviews.AgentReviews(r.Context(), chi.URLParam(r, "agent"),
		review.Status(r.URL.Query().Get("status")), queryInt(r, "limit", review.DefaultListLimit))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if reviews == nil {
		reviews = []*review.Review{}
	}
	writeJSON(w, http.StatusOK, reviews)
}

func (s *Server) agentRating(w http.ResponseWriter, r *http.Request) {
	rating, err := s.svc.Reviews.CalculateAgentRating(r.Context(), chi.URLParam(r, "agent"), queryInt(r, "min_reviews", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rating)
}

func (s *Server) topAgents(w http.ResponseWriter, r *http.Request) {
	top, err := s.svc.Reviews.TopAgents(r.Context(), queryInt(r, "n", 10))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if top == nil {
		top = []review.AgentRating{}
	}
	writeJSON(w, http.StatusOK, top)
}

func (s *Server) exportAgentReviews(w http.ResponseWriter, r *http.Request) {
	data, err := s.svc.Reviews.ExportJSON(r.Context(), chi.URLParam(r, "agent"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeRaw(w, data)
}

func (s *Server) agentReputation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Reputation.Score(chi.URLParam(r, "agent")))
}

func (s *Server) addReputationReview(w http.ResponseWriter, r *http.Request) {
	var req reputation.Review
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	score, err := s.svc.Reputation.AddReview(r.Context(), chi.URLParam(r, "agent"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) topReputation(w http.ResponseWriter, r *http.Request) {
	top := s.svc.Reputation.TopAgents(queryInt(r, "n", 10))
	if top == nil {
		top = []reputation.Score{}
	}
	writeJSON(w, http.StatusOK, top)
}
