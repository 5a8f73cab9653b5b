// Package reputation 计算代理的信誉分。Engine 维护每个代理的增量聚合，
// 具体分数由可替换的 Formula 决定。
package reputation

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/pkg/logger"
)

const CodeInvalidReview xerrors.Code = "REPUTATION_INVALID_REVIEW"

func init() {
	xerrors.Register(CodeInvalidReview, xerrors.Attributes{
		Message:  "review rejected by reputation engine",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
}

// Review 是计入信誉的单条评价。
type Review struct {
	Provider string `json:"provider"`
	Renter   string `json:"renter"`
	Skill    string `json:"skill"`
	Rating   int    `json:"rating"`
	OnTime   bool   `json:"completed_on_time"`
}

// Validate 检查评分区间与参与方。
func (r Review) Validate() error {
	if r.Rating < 1 || r.Rating > 5 {
		return xerrors.Newf(CodeInvalidReview, "rating %d out of range 1-5", r.Rating)
	}
	if strings.TrimSpace(r.Provider) == "" || strings.TrimSpace(r.Renter) == "" {
		return xerrors.New(CodeInvalidReview, "provider and renter are required")
	}
	return nil
}

// Score 是代理当前的信誉快照。
type Score struct {
	AgentID          string         `json:"agent_id"`
	TotalReviews     int            `json:"total_reviews"`
	AverageRating    float64        `json:"average_rating"`
	OnTimePercentage float64        `json:"on_time_percentage"`
	ReputationScore  float64        `json:"reputation_score"`
	Tier             string         `json:"tier"`
	Recommendation   string         `json:"recommendation"`
	Skills           map[string]int `json:"skills,omitempty"`
}

type aggregate struct {
	total     int
	ratingSum int
	onTime    int
	skills    map[string]int
}

func (a *aggregate) stats() Stats {
	if a == nil || a.total == 0 {
		return Stats{}
	}
	return Stats{
		TotalReviews:     a.total,
		AverageRating:    round(float64(a.ratingSum)/float64(a.total), 2),
		OnTimePercentage: round(float64(a.onTime*100)/float64(a.total), 1),
	}
}

// Engine 维护代理的信誉聚合。
type Engine struct {
	mu      sync.RWMutex
	agents  map[string]*aggregate
	formula Formula
	log     *slog.Logger
}

// NewEngine 创建 Engine，formula 为空时使用 WeightedFormula。
func NewEngine(formula Formula) *Engine {
	if formula == nil {
		formula = WeightedFormula{}
	}
	return &Engine{
		agents:  make(map[string]*aggregate),
		formula: formula,
		log:     logger.Named("reputation"),
	}
}

// Formula 返回当前使用的公式。
func (e *Engine) Formula() Formula {
	return e.formula
}

// AddReview 将评价并入代理的聚合并返回新分数。评分越界的评价会被拒绝。
func (e *Engine) AddReview(_ context.Context, agentID string, review Review) (Score, error) {
	if strings.TrimSpace(agentID) == "" {
		return Score{}, xerrors.New(CodeInvalidReview, "agent id is required")
	}
	if err := review.Validate(); err != nil {
		e.log.Debug("拒绝无效评价", slog.String("agent", agentID), slog.Any("error", err))
		return Score{}, err
	}

	e.mu.Lock()
	agg, ok := e.agents[agentID]
	if !ok {
		agg = &aggregate{skills: make(map[string]int)}
		e.agents[agentID] = agg
	}
	agg.total++
	agg.ratingSum += review.Rating
	if review.OnTime {
		agg.onTime++
	}
	if review.Skill != "" {
		agg.skills[review.Skill]++
	}
	score := e.scoreLocked(agentID, agg)
	e.mu.Unlock()

	logger.Audit().Info("reputation updated",
		slog.String("agent", agentID),
		slog.Int("total_reviews", score.TotalReviews),
		slog.Float64("score", score.ReputationScore),
	)
	return score, nil
}

// Score 返回代理的信誉分，未知代理返回默认分。
func (e *Engine) Score(agentID string) Score {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scoreLocked(agentID, e.agents[agentID])
}

// TopAgents 按信誉分降序返回前 n 个代理，同分按代理 ID 升序。
func (e *Engine) TopAgents(n int) []Score {
	e.mu.RLock()
	scores := make([]Score, 0, len(e.agents))
	for id, agg := range e.agents {
		scores = append(scores, e.scoreLocked(id, agg))
	}
	e.mu.RUnlock()

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].ReputationScore != scores[j].ReputationScore {
			return scores[i].ReputationScore > scores[j].ReputationScore
		}
		return scores[i].AgentID < scores[j].AgentID
	})
	if n > 0 && len(scores) > n {
		scores = scores[:n]
	}
	return scores
}

func (e *Engine) scoreLocked(agentID string, agg *aggregate) Score {
	stats := agg.stats()
	eval := e.formula.Evaluate(stats)
	score := Score{
		AgentID:          agentID,
		TotalReviews:     stats.TotalReviews,
		AverageRating:    stats.AverageRating,
		OnTimePercentage: stats.OnTimePercentage,
		ReputationScore:  eval.Score,
		Tier:             eval.Tier,
		Recommendation:   Recommendation(eval.Score, stats.TotalReviews),
	}
	if agg != nil && len(agg.skills) > 0 {
		score.Skills = make(map[string]int, len(agg.skills))
		for k, v := range agg.skills {
			score.Skills[k] = v
		}
	}
	return score
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
