package review

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trustyclaw/internal/config"
	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/storage/database"
	"trustyclaw/pkg/logger"
)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, config.StorageConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "reviews.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLStore(ctx, db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestSQLStoreReviewLifecycle(t *testing.T) {
	store := newSQLStore(t)
	c := &clock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	s := NewService(store, WithClock(c.Now), WithLogger(logger.Discard()))
	ctx := context.Background()

	for _, rating := range []int{5, 4, 5} {
		r, err := s.CreateReview(ctx, CreateRequest{Provider: "agent", Renter: "renter", Rating: rating, CompletedOnTime: true})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := s.SubmitReview(ctx, r.ID); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	reviews, err := s.AgentReviews(ctx, "agent", StatusSubmitted, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reviews) != 3 || reviews[0].Rating != 5 || reviews[1].Rating != 4 {
		t.Fatalf("unexpected reviews %+v", reviews)
	}

	target := reviews[0]
	dispute, err := s.FileDispute(ctx, target.ID, "agent", "wrong job", []string{"a", "b"})
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	loaded, err := s.GetDispute(ctx, dispute.ID)
	if err != nil {
		t.Fatalf("get dispute: %v", err)
	}
	if len(loaded.Evidence) != 2 || loaded.Resolved {
		t.Fatalf("unexpected dispute %+v", loaded)
	}
	if _, err := s.ResolveDispute(ctx, dispute.ID, ResolutionModified, "rating adjusted"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err := s.GetReview(ctx, target.ID)
	if err != nil {
		t.Fatalf("get review: %v", err)
	}
	if got.Status != StatusResolved || got.DisputeResolvedAt == nil || len(got.DisputeComments) != 1 {
		t.Fatalf("unexpected review %+v", got)
	}

	if _, err := s.VoteReview(ctx, target.ID, "voter", true); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := s.VoteReview(ctx, target.ID, "voter", false); err != nil {
		t.Fatalf("flip vote: %v", err)
	}
	votes, err := store.ListVotes(ctx, target.ID)
	if err != nil || len(votes) != 1 || votes[0].Helpful {
		t.Fatalf("expected single unhelpful vote, got %+v (%v)", votes, err)
	}
	tally, _ := s.ReviewVotes(ctx, target.ID)
	if tally != (VoteTally{Helpful: 0, Unhelpful: 1}) {
		t.Fatalf("unexpected tally %+v", tally)
	}

	providers, err := store.Providers(ctx)
	if err != nil || len(providers) != 1 || providers[0] != "agent" {
		t.Fatalf("unexpected providers %v (%v)", providers, err)
	}
}

func TestSQLStoreVersionConflict(t *testing.T) {
	store := newSQLStore(t)
	ctx := context.Background()
	s := NewService(store, WithLogger(logger.Discard()))
	r, err := s.CreateReview(ctx, CreateRequest{Provider: "agent", Renter: "renter", Rating: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	stale, _ := store.GetReview(ctx, r.ID)
	fresh, _ := store.GetReview(ctx, r.ID)
	fresh.Status = StatusSubmitted
	if err := store.UpdateReview(ctx, fresh); err != nil {
		t.Fatalf("update: %v", err)
	}
	stale.Status = StatusSubmitted
	if err := store.UpdateReview(ctx, stale); !xerrors.HasCode(err, CodeReviewConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	missing := &Review{ID: "review-missing", Version: 1}
	if err := store.UpdateReview(ctx, missing); !xerrors.HasCode(err, CodeReviewNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
