package reputation

import (
	"github.com/shopspring/decimal"
)

// DefaultScore 是没有任何评价的新代理的固定分数。
const DefaultScore = 50.0

// Stats 是计算信誉所需的聚合输入。
type Stats struct {
	TotalReviews     int
	AverageRating    float64
	OnTimePercentage float64
}

// Evaluation 是公式的输出。
type Evaluation struct {
	Score float64 `json:"score"`
	Tier  string  `json:"tier"`
}

// Formula 是一种信誉计算策略。
type Formula interface {
	Name() string
	Evaluate(Stats) Evaluation
}

// 评级档位。
const (
	TierExcellent    = "excellent"
	TierGood         = "good"
	TierAverage      = "average"
	TierNeedsWork    = "needs_work"
	TierInsufficient = "insufficient_reviews"
	TierNew          = "new"
)

var (
	hundred     = decimal.NewFromInt(100)
	five        = decimal.NewFromInt(5)
	ratingW     = decimal.RequireFromString("0.6")
	onTimeW     = decimal.RequireFromString("0.3")
	volumeW     = decimal.RequireFromString("0.1")
	volumeLimit = 10
)

// WeightedFormula: 0.6 * (平均分/5*100) + 0.3 * 准时率 + 0.1 * min(评价数, 10)。
type WeightedFormula struct{}

func (WeightedFormula) Name() string { return "weighted" }

func (WeightedFormula) Evaluate(s Stats) Evaluation {
	if s.TotalReviews == 0 {
		return Evaluation{Score: DefaultScore, Tier: TierNew}
	}
	volume := s.TotalReviews
	if volume > volumeLimit {
		volume = volumeLimit
	}
	ratingScore := decimal.NewFromFloat(s.AverageRating).Div(five).Mul(hundred)
	score := ratingScore.Mul(ratingW).
		Add(decimal.NewFromFloat(s.OnTimePercentage).Mul(onTimeW)).
		Add(decimal.NewFromInt(int64(volume)).Mul(volumeW))
	value, _ := score.Round(2).Float64()
	return Evaluation{Score: value, Tier: scoreTier(value)}
}

func scoreTier(score float64) string {
	switch {
	case score >= 90:
		return TierExcellent
	case score >= 80:
		return TierGood
	case score >= 70:
		return TierAverage
	default:
		return TierNeedsWork
	}
}

// TierFormula 按平均分的固定阈值分档，分数为平均分折算到 0-100。
type TierFormula struct{}

func (TierFormula) Name() string { return "tier" }

func (TierFormula) Evaluate(s Stats) Evaluation {
	if s.TotalReviews == 0 {
		return Evaluation{Score: 0, Tier: TierInsufficient}
	}
	score, _ := decimal.NewFromFloat(s.AverageRating).Div(five).Mul(hundred).Round(2).Float64()
	var tier string
	switch {
	case s.AverageRating >= 4.5:
		tier = TierExcellent
	case s.AverageRating >= 3.5:
		tier = TierGood
	case s.AverageRating >= 2.5:
		tier = TierAverage
	default:
		tier = TierNeedsWork
	}
	return Evaluation{Score: score, Tier: tier}
}

// FormulaByName 返回指定名称的公式，未知名称返回 false。
func FormulaByName(name string) (Formula, bool) {
	switch name {
	case "", "weighted":
		return WeightedFormula{}, true
	case "tier":
		return TierFormula{}, true
	default:
		return nil, false
	}
}

// Recommendation 把分数映射为展示用的推荐语。
func Recommendation(score float64, totalReviews int) string {
	if totalReviews == 0 {
		return "New agent - no reviews yet"
	}
	switch {
	case score >= 90:
		return "Excellent - Trusted by many"
	case score >= 80:
		return "Good - Reliable performer"
	case score >= 70:
		return "Average - Some mixed reviews"
	default:
		return "Needs improvement - Be cautious"
	}
}
