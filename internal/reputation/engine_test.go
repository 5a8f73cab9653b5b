package reputation

import (
	"context"
	"testing"

	xerrors "trustyclaw/internal/errors"
)

func addAll(t *testing.T, e *Engine, agent string, ratings []int, onTime []bool) Score {
	t.Helper()
	var score Score
	for i, r := range ratings {
		var err error
		score, err = e.AddReview(context.Background(), agent, Review{
			Provider: agent,
			Renter:   "renter",
			Rating:   r,
			OnTime:   onTime[i%len(onTime)],
		})
		if err != nil {
			t.Fatalf("add review %d: %v", i, err)
		}
	}
	return score
}

func TestWeightedFormula(t *testing.T) {
	f := WeightedFormula{}
	if got := f.Evaluate(Stats{}); got.Score != 50.0 || got.Tier != TierNew {
		t.Fatalf("unexpected default evaluation: %+v", got)
	}
	got := f.Evaluate(Stats{TotalReviews: 5, AverageRating: 4.0, OnTimePercentage: 80})
	if got.Score != 72.5 {
		t.Fatalf("expected 72.5, got %v", got.Score)
	}
	if got.Tier != TierAverage {
		t.Fatalf("expected average tier, got %s", got.Tier)
	}
}

func TestTierFormula(t *testing.T) {
	f := TierFormula{}
	cases := []struct {
		avg  float64
		tier string
	}{
		{4.8, TierExcellent},
		{4.5, TierExcellent},
		{4.0, TierGood},
		{3.0, TierAverage},
		{1.5, TierNeedsWork},
	}
	for _, tc := range cases {
		if got := f.Evaluate(Stats{TotalReviews: 3, AverageRating: tc.avg}); got.Tier != tc.tier {
			t.Fatalf("avg %v: expected %s, got %s", tc.avg, tc.tier, got.Tier)
		}
	}
	if got := f.Evaluate(Stats{}); got.Tier != TierInsufficient {
		t.Fatalf("expected insufficient tier, got %s", got.Tier)
	}
}

func TestEngineRunningAverage(t *testing.T) {
	e := NewEngine(nil)
	score := addAll(t, e, "agent-a", []int{5, 4, 5, 5, 4}, []bool{true})
	if score.AverageRating != 4.6 {
		t.Fatalf("expected 4.6, got %v", score.AverageRating)
	}
	if score.TotalReviews != 5 {
		t.Fatalf("expected 5 reviews, got %d", score.TotalReviews)
	}
	if score.OnTimePercentage != 100 {
		t.Fatalf("expected 100%% on time, got %v", score.OnTimePercentage)
	}
}

func TestEngineOnTimeRate(t *testing.T) {
	e := NewEngine(WeightedFormula{})
	onTime := []bool{true, true, true, true, true, true, true, false, false, false}
	score := addAll(t, e, "agent-b", []int{5, 5, 5, 5, 5, 5, 5, 5, 5, 5}, onTime)
	if score.OnTimePercentage != 70 {
		t.Fatalf("expected 70%%, got %v", score.OnTimePercentage)
	}
	// 0.6*100 + 0.3*70 + 0.1*10
	if score.ReputationScore != 82 {
		t.Fatalf("expected 82, got %v", score.ReputationScore)
	}
}

func TestEngineVolumeBonusCapped(t *testing.T) {
	e := NewEngine(nil)
	ratings := make([]int, 20)
	for i := range ratings {
		ratings[i] = 5
	}
	score := addAll(t, e, "agent-c", ratings, []bool{true})
	if score.ReputationScore != 91 {
		t.Fatalf("expected 91 with capped volume bonus, got %v", score.ReputationScore)
	}
	if score.Recommendation != "Excellent - Trusted by many" {
		t.Fatalf("unexpected recommendation %q", score.Recommendation)
	}
}

func TestEngineExtremes(t *testing.T) {
	e := NewEngine(nil)
	low := addAll(t, e, "low", []int{1, 1, 1}, []bool{false})
	high := addAll(t, e, "high", []int{5, 5, 5}, []bool{true})
	if low.ReputationScore >= DefaultScore {
		t.Fatalf("all one-star should score below default, got %v", low.ReputationScore)
	}
	if high.ReputationScore <= DefaultScore {
		t.Fatalf("all five-star should score above default, got %v", high.ReputationScore)
	}
}

func TestEngineRejectsInvalidRating(t *testing.T) {
	e := NewEngine(nil)
	for _, rating := range []int{0, 6, -1} {
		_, err := e.AddReview(context.Background(), "agent", Review{Provider: "agent", Renter: "r", Rating: rating})
		if !xerrors.HasCode(err, CodeInvalidReview) {
			t.Fatalf("rating %d: expected invalid review, got %v", rating, err)
		}
	}
	if score := e.Score("agent"); score.TotalReviews != 0 || score.ReputationScore != DefaultScore {
		t.Fatalf("rejected reviews must not change score: %+v", score)
	}
}

func TestEngineUnknownAgent(t *testing.T) {
	score := NewEngine(nil).Score("nobody")
	if score.ReputationScore != 50.0 {
		t.Fatalf("expected default score, got %v", score.ReputationScore)
	}
	if score.Recommendation != "New agent - no reviews yet" {
		t.Fatalf("unexpected recommendation %q", score.Recommendation)
	}
}

func TestEngineTopAgents(t *testing.T) {
	e := NewEngine(nil)
	addAll(t, e, "b", []int{5}, []bool{true})
	addAll(t, e, "a", []int{5}, []bool{true})
	addAll(t, e, "c", []int{2}, []bool{false})

	top := e.TopAgents(2)
	if len(top) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(top))
	}
	if top[0].AgentID != "a" || top[1].AgentID != "b" {
		t.Fatalf("expected ties broken by id, got %s, %s", top[0].AgentID, top[1].AgentID)
	}
}

func TestRecommendationBands(t *testing.T) {
	cases := map[float64]string{
		95: "Excellent - Trusted by many",
		85: "Good - Reliable performer",
		72: "Average - Some mixed reviews",
		40: "Needs improvement - Be cautious",
	}
	for score, want := range cases {
		if got := Recommendation(score, 3); got != want {
			t.Fatalf("score %v: expected %q, got %q", score, want, got)
		}
	}
}

func TestFormulaByName(t *testing.T) {
	if f, ok := FormulaByName("tier"); !ok || f.Name() != "tier" {
		t.Fatalf("expected tier formula")
	}
	if f, ok := FormulaByName(""); !ok || f.Name() != "weighted" {
		t.Fatalf("expected weighted default")
	}
	if _, ok := FormulaByName("bogus"); ok {
		t.Fatalf("unknown formula should not resolve")
	}
}
