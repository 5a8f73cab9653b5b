package review

import (
	"context"
	"math"
	"sort"

	"trustyclaw/internal/reputation"
)

// AgentRating 是代理基于已提交评价的聚合评级。
type AgentRating struct {
	Agent            string          `json:"agent"`
	TotalReviews     int             `json:"total_reviews"`
	AverageRating    float64         `json:"average_rating"`
	OnTimeRate       float64         `json:"on_time_rate"`
	HelpfulRate      float64         `json:"helpful_rate"`
	QualityBreakdown map[Quality]int `json:"quality_breakdown"`
	Score            float64         `json:"score"`
	Rating           string          `json:"rating"`
}

// CalculateAgentRating 聚合代理全部 SUBMITTED 评价。评价数不足 minReviews 时返回
// rating 为 insufficient_reviews 的空评级。
func (s *Service) CalculateAgentRating(ctx context.Context, agent string, minReviews int) (AgentRating, error) {
	if minReviews <= 0 {
		minReviews = s.minReviews
	}
	reviews, err := s.store.ListReviews(ctx, Query{Provider: agent, Status: StatusSubmitted})
	if err != nil {
		return AgentRating{}, err
	}
	if len(reviews) < minReviews {
		return AgentRating{
			Agent:            agent,
			TotalReviews:     len(reviews),
			QualityBreakdown: map[Quality]int{},
			Rating:           reputation.TierInsufficient,
		}, nil
	}

	var (
		ratingSum int
		onTime    int
		helpful   int
		votes     int
		breakdown = make(map[Quality]int, len(Qualities))
	)
	for _, q := range Qualities {
		breakdown[q] = 0
	}
	for _, r := range reviews {
		ratingSum += r.Rating
		if r.CompletedOnTime {
			onTime++
		}
		helpful += r.HelpfulVotes
		votes += r.HelpfulVotes + r.UnhelpfulVotes
		breakdown[r.OutputQuality]++
	}

	n := len(reviews)
	rating := AgentRating{
		Agent:            agent,
		TotalReviews:     n,
		AverageRating:    round(float64(ratingSum)/float64(n), 2),
		OnTimeRate:       round(float64(onTime*100)/float64(n), 1),
		QualityBreakdown: breakdown,
	}
	if votes > 0 {
		rating.HelpfulRate = round(float64(helpful*100)/float64(votes), 1)
	}
	eval := s.formula.Evaluate(reputation.Stats{
		TotalReviews:     n,
		AverageRating:    rating.AverageRating,
		OnTimePercentage: rating.OnTimeRate,
	})
	rating.Score = eval.Score
	rating.Rating = eval.Tier
	return rating, nil
}

// TopAgents 返回平均分最高的 n 个代理，评价数不足的代理不参与排名，同分按代理 ID 升序。
func (s *Service) TopAgents(ctx context.Context, n int) ([]AgentRating, error) {
	providers, err := s.store.Providers(ctx)
	if err != nil {
		return nil, err
	}
	ratings := make([]AgentRating, 0, len(providers))
	for _, p := range providers {
		rating, err := s.CalculateAgentRating(ctx, p, s.minReviews)
		if err != nil {
			return nil, err
		}
		ratings = append(ratings, rating)
	}
	sort.SliceStable(ratings, func(i, j int) bool {
		if ratings[i].AverageRating != ratings[j].AverageRating {
			return ratings[i].AverageRating > ratings[j].AverageRating
		}
		return ratings[i].Agent < ratings[j].Agent
	})
	if n > 0 && len(ratings) > n {
		ratings = ratings[:n]
	}
	return ratings, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
