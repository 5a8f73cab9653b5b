package review

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/reputation"
	"trustyclaw/pkg/logger"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	base := []Option{WithClock(c.Now), WithLogger(logger.Discard())}
	return NewService(NewMemoryStore(), append(base, opts...)...)
}

func submitted(t *testing.T, s *Service, provider string, rating int, onTime bool, quality Quality) *Review {
	t.Helper()
	ctx := context.Background()
	r, err := s.CreateReview(ctx, CreateRequest{
		Provider:        provider,
		Renter:          "renter-1",
		SkillID:         "skill-1",
		Rating:          rating,
		CompletedOnTime: onTime,
		OutputQuality:   quality,
	})
	if err != nil {
		t.Fatalf("create review: %v", err)
	}
	r, err = s.SubmitReview(ctx, r.ID)
	if err != nil {
		t.Fatalf("submit review: %v", err)
	}
	return r
}

func TestCreateAndSubmitReview(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	r, err := s.CreateReview(ctx, CreateRequest{Provider: "agent-a", Renter: "renter", Rating: 5})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != StatusPending {
		t.Fatalf("expected pending, got %s", r.Status)
	}
	if len(r.ID) != len("review-")+8 {
		t.Fatalf("unexpected id format %q", r.ID)
	}
	if r.OutputQuality != QualityGood {
		t.Fatalf("expected default quality good, got %s", r.OutputQuality)
	}

	r, err = s.SubmitReview(ctx, r.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r.Status != StatusSubmitted {
		t.Fatalf("expected submitted, got %s", r.Status)
	}

	if _, err := s.SubmitReview(ctx, r.ID); !xerrors.HasCode(err, CodeReviewInvalidState) {
		t.Fatalf("expected invalid state on resubmit, got %v", err)
	}
}

func TestInvalidReviewIsStoredButNotSubmitted(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	cases := []CreateRequest{
		{Provider: "agent", Renter: "renter", Rating: 6},
		{Provider: "agent", Renter: "renter", Rating: 0},
		{Provider: "", Renter: "renter", Rating: 4},
		{Provider: "agent", Renter: "renter", Rating: 4, OutputQuality: "stellar"},
	}
	for i, req := range cases {
		r, err := s.CreateReview(ctx, req)
		if err != nil {
			t.Fatalf("case %d: create should store invalid review: %v", i, err)
		}
		if _, err := s.SubmitReview(ctx, r.ID); !xerrors.HasCode(err, CodeReviewInvalid) {
			t.Fatalf("case %d: expected REVIEW_INVALID, got %v", i, err)
		}
		stored, err := s.GetReview(ctx, r.ID)
		if err != nil {
			t.Fatalf("case %d: get: %v", i, err)
		}
		if stored.Status != StatusPending {
			t.Fatalf("case %d: rejected review must stay pending, got %s", i, stored.Status)
		}
	}
}

func TestSubmitHookReceivesReview(t *testing.T) {
	engine := reputation.NewEngine(nil)
	hook := func(ctx context.Context, r *Review) {
		_, _ = engine.AddReview(ctx, r.Provider, reputation.Review{
			Provider: r.Provider,
			Renter:   r.Renter,
			Skill:    r.SkillID,
			Rating:   r.Rating,
			OnTime:   r.CompletedOnTime,
		})
	}
	s := newTestService(t, WithSubmitHook(hook))
	for _, rating := range []int{5, 4, 5, 5, 4} {
		submitted(t, s, "agent-a", rating, true, QualityExcellent)
	}
	if score := engine.Score("agent-a"); score.AverageRating != 4.6 || score.TotalReviews != 5 {
		t.Fatalf("unexpected reputation %+v", score)
	}
}

func TestAgentReviewsOrderingAndFilter(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	first := submitted(t, s, "agent-a", 5, true, QualityGood)
	second := submitted(t, s, "agent-a", 3, true, QualityFair)
	if _, err := s.CreateReview(ctx, CreateRequest{Provider: "agent-a", Renter: "r", Rating: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	submitted(t, s, "agent-b", 4, true, QualityGood)

	all, err := s.AgentReviews(ctx, "agent-a", "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 reviews, got %d", len(all))
	}
	onlySubmitted, err := s.AgentReviews(ctx, "agent-a", StatusSubmitted, 0)
	if err != nil {
		t.Fatalf("list submitted: %v", err)
	}
	if len(onlySubmitted) != 2 || onlySubmitted[0].ID != second.ID || onlySubmitted[1].ID != first.ID {
		t.Fatalf("expected newest first, got %+v", onlySubmitted)
	}
	limited, err := s.AgentReviews(ctx, "agent-a", "", 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit 1, got %d", len(limited))
	}
}

func TestDisputeLifecycle(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	pending, err := s.CreateReview(ctx, CreateRequest{Provider: "agent", Renter: "renter", Rating: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.FileDispute(ctx, pending.ID, "agent", "unfair", nil); !xerrors.HasCode(err, CodeReviewInvalidState) {
		t.Fatalf("dispute on pending review should fail, got %v", err)
	}

	r := submitted(t, s, "agent", 1, false, QualityPoor)
	dispute, err := s.FileDispute(ctx, r.ID, "agent", "renter never ran the job", []string{"log.txt"})
	if err != nil {
		t.Fatalf("file dispute: %v", err)
	}
	if len(dispute.ID) != len("dispute-")+8 {
		t.Fatalf("unexpected dispute id %q", dispute.ID)
	}
	got, _ := s.GetReview(ctx, r.ID)
	if got.Status != StatusDisputed || got.DisputeReason != "renter never ran the job" {
		t.Fatalf("unexpected review after dispute: %+v", got)
	}

	t.Run("cannot archive while disputed", func(t *testing.T) {
		if _, err := s.Archive(ctx, r.ID); !xerrors.HasCode(err, CodeReviewInvalidState) {
			t.Fatalf("expected invalid state, got %v", err)
		}
	})

	t.Run("rejects unknown resolution", func(t *testing.T) {
		if _, err := s.ResolveDispute(ctx, dispute.ID, "maybe", ""); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
			t.Fatalf("expected invalid argument, got %v", err)
		}
	})

	resolved, err := s.ResolveDispute(ctx, dispute.ID, ResolutionApproved, "evidence accepted")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedAt == nil || resolved.Resolution != ResolutionApproved {
		t.Fatalf("unexpected resolved dispute %+v", resolved)
	}
	got, _ = s.GetReview(ctx, r.ID)
	if got.Status != StatusResolved || got.Resolution != ResolutionApproved {
		t.Fatalf("unexpected review after resolve: %+v", got)
	}
	if len(got.DisputeComments) != 1 || got.DisputeComments[0] != "evidence accepted" {
		t.Fatalf("unexpected dispute comments %v", got.DisputeComments)
	}

	if _, err := s.ResolveDispute(ctx, dispute.ID, ResolutionRejected, ""); !xerrors.HasCode(err, CodeDisputeResolved) {
		t.Fatalf("expected DISPUTE_RESOLVED, got %v", err)
	}

	disputes, err := s.ReviewDisputes(ctx, r.ID)
	if err != nil || len(disputes) != 1 {
		t.Fatalf("expected one dispute, got %d (%v)", len(disputes), err)
	}

	archived, err := s.Archive(ctx, r.ID)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived.Status != StatusArchived {
		t.Fatalf("expected archived, got %s", archived.Status)
	}
}

func TestUnknownIDs(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	if _, err := s.GetReview(ctx, "review-missing"); !xerrors.HasCode(err, CodeReviewNotFound) {
		t.Fatalf("expected REVIEW_NOT_FOUND, got %v", err)
	}
	if _, err := s.GetDispute(ctx, "dispute-missing"); !xerrors.HasCode(err, CodeDisputeNotFound) {
		t.Fatalf("expected DISPUTE_NOT_FOUND, got %v", err)
	}
	if _, err := s.ResolveDispute(ctx, "dispute-missing", ResolutionApproved, ""); !xerrors.HasCode(err, CodeDisputeNotFound) {
		t.Fatalf("expected DISPUTE_NOT_FOUND, got %v", err)
	}
	if _, err := s.VoteReview(ctx, "review-missing", "v", true); !xerrors.HasCode(err, CodeReviewNotFound) {
		t.Fatalf("expected REVIEW_NOT_FOUND, got %v", err)
	}
}

func TestVoteReview(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	r := submitted(t, s, "agent", 5, true, QualityExcellent)

	if _, err := s.VoteReview(ctx, r.ID, "voter-1", true); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := s.VoteReview(ctx, r.ID, "voter-1", true); err != nil {
		t.Fatalf("repeat vote: %v", err)
	}
	if _, err := s.VoteReview(ctx, r.ID, "voter-2", false); err != nil {
		t.Fatalf("vote: %v", err)
	}
	tally, err := s.ReviewVotes(ctx, r.ID)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if tally != (VoteTally{Helpful: 1, Unhelpful: 1}) {
		t.Fatalf("unexpected tally %+v", tally)
	}

	// 改票
	if _, err := s.VoteReview(ctx, r.ID, "voter-2", true); err != nil {
		t.Fatalf("flip vote: %v", err)
	}
	tally, _ = s.ReviewVotes(ctx, r.ID)
	if tally != (VoteTally{Helpful: 2, Unhelpful: 0}) {
		t.Fatalf("unexpected tally after flip %+v", tally)
	}

	if _, err := s.VoteReview(ctx, r.ID, "", true); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for empty voter, got %v", err)
	}
}

func TestConcurrentVotesCountOnce(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	r := submitted(t, s, "agent", 4, true, QualityGood)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.VoteReview(ctx, r.ID, "same-voter", true); err != nil {
				t.Errorf("vote: %v", err)
			}
		}()
	}
	wg.Wait()
	tally, _ := s.ReviewVotes(ctx, r.ID)
	if tally.Helpful != 1 {
		t.Fatalf("expected a single counted vote, got %d", tally.Helpful)
	}
}

func TestCalculateAgentRating(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	t.Run("insufficient reviews", func(t *testing.T) {
		submitted(t, s, "fresh", 5, true, QualityGood)
		rating, err := s.CalculateAgentRating(ctx, "fresh", 3)
		if err != nil {
			t.Fatalf("rating: %v", err)
		}
		if rating.Rating != "insufficient_reviews" || rating.AverageRating != 0 || rating.OnTimeRate != 0 {
			t.Fatalf("unexpected sentinel %+v", rating)
		}
		if rating.QualityBreakdown == nil || len(rating.QualityBreakdown) != 0 {
			t.Fatalf("expected empty breakdown, got %v", rating.QualityBreakdown)
		}
	})

	t.Run("aggregates submitted reviews only", func(t *testing.T) {
		onTime := []bool{true, true, false, true, true}
		for i, rating := range []int{5, 4, 5, 5, 4} {
			submitted(t, s, "agent-a", rating, onTime[i], QualityExcellent)
		}
		if _, err := s.CreateReview(ctx, CreateRequest{Provider: "agent-a", Renter: "r", Rating: 1}); err != nil {
			t.Fatalf("create: %v", err)
		}

		rating, err := s.CalculateAgentRating(ctx, "agent-a", 3)
		if err != nil {
			t.Fatalf("rating: %v", err)
		}
		if rating.TotalReviews != 5 {
			t.Fatalf("expected 5 submitted reviews, got %d", rating.TotalReviews)
		}
		if rating.AverageRating != 4.6 {
			t.Fatalf("expected 4.6, got %v", rating.AverageRating)
		}
		if rating.OnTimeRate != 80 {
			t.Fatalf("expected 80%% on time, got %v", rating.OnTimeRate)
		}
		if rating.QualityBreakdown[QualityExcellent] != 5 || rating.QualityBreakdown[QualityPoor] != 0 {
			t.Fatalf("unexpected breakdown %v", rating.QualityBreakdown)
		}
		if rating.Rating != reputation.TierExcellent {
			t.Fatalf("expected excellent tier, got %s", rating.Rating)
		}
	})
}

func TestHelpfulRate(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	r := submitted(t, s, "agent", 4, true, QualityGood)
	submitted(t, s, "agent", 4, true, QualityGood)
	submitted(t, s, "agent", 4, true, QualityGood)
	for i, helpful := range []bool{true, true, false} {
		if _, err := s.VoteReview(ctx, r.ID, string(rune('a'+i)), helpful); err != nil {
			t.Fatalf("vote: %v", err)
		}
	}
	rating, err := s.CalculateAgentRating(ctx, "agent", 3)
	if err != nil {
		t.Fatalf("rating: %v", err)
	}
	if rating.HelpfulRate != 66.7 {
		t.Fatalf("expected 66.7, got %v", rating.HelpfulRate)
	}
	if rating.Rating != reputation.TierGood {
		t.Fatalf("expected good tier, got %s", rating.Rating)
	}
}

func TestTopAgents(t *testing.T) {
	s := newTestService(t, WithMinReviews(2))
	for _, agent := range []string{"b", "a"} {
		submitted(t, s, agent, 5, true, QualityExcellent)
		submitted(t, s, agent, 5, true, QualityExcellent)
	}
	submitted(t, s, "c", 3, true, QualityFair)
	submitted(t, s, "c", 3, true, QualityFair)
	submitted(t, s, "lonely", 5, true, QualityExcellent)
	if _, err := s.CreateReview(context.Background(), CreateRequest{Provider: "pending", Renter: "renter-1", SkillID: "skill-1", Rating: 4}); err != nil {
		t.Fatalf("create pending review: %v", err)
	}

	top, err := s.TopAgents(context.Background(), 10)
	if err != nil {
		t.Fatalf("top agents: %v", err)
	}
	want := []string{"a", "b", "c", "lonely", "pending"}
	if len(top) != len(want) {
		t.Fatalf("expected every provider to be listed, got %d", len(top))
	}
	for i, agent := range want {
		if top[i].Agent != agent {
			t.Fatalf("position %d: expected %s, got %s", i, agent, top[i].Agent)
		}
	}
	for _, r := range top[3:] {
		if r.Rating != reputation.TierInsufficient || r.AverageRating != 0 {
			t.Fatalf("expected insufficient entry for %s, got %+v", r.Agent, r)
		}
	}

	limited, err := s.TopAgents(context.Background(), 2)
	if err != nil || len(limited) != 2 || limited[1].Agent != "b" {
		t.Fatalf("expected top 2, got %+v err %v", limited, err)
	}
}

func TestExportJSON(t *testing.T) {
	s := newTestService(t)
	submitted(t, s, "agent", 5, true, QualityExcellent)

	raw, err := s.ExportJSON(context.Background(), "agent")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 1 || decoded[0]["status"] != "submitted" || decoded[0]["rating"] != float64(5) {
		t.Fatalf("unexpected export %v", decoded)
	}

	empty, err := s.ExportJSON(context.Background(), "nobody")
	if err != nil || string(empty) != "[]" {
		t.Fatalf("expected empty array, got %s (%v)", empty, err)
	}
}