package score

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/victornm/quizrank/internal/domain"
)

const (
	// BasePoints is awarded for every correct answer.
	BasePoints = 100
	// DefaultMaxTime is the answer time limit used when a question does not define one.
	DefaultMaxTime = 30
)

var (
	basePoints     = decimal.NewFromInt(BasePoints)
	bonusPerSecond = decimal.NewFromInt(2)

	multipliers = map[domain.Difficulty]decimal.Decimal{
		domain.DifficultyEasy:   decimal.NewFromInt(1),
		domain.DifficultyMedium: decimal.RequireFromString("1.5"),
		domain.DifficultyHard:   decimal.NewFromInt(2),
	}
)

// Calculate returns the points earned by an answer.
//
// A correct answer is worth 100 points plus 2 points for every second left before
// maxTimeAllowed, multiplied by the difficulty (easy 1.0, medium 1.5, hard 2.0, anything
// else 1.0) and floored. Negative and non-finite times are treated as 0. Wrong answers are worth 0.
func Calculate(isCorrect bool, timeTakenSeconds float64, difficulty domain.Difficulty, maxTimeAllowed int) int {
	if !isCorrect {
		return 0
	}

	if math.IsNaN(timeTakenSeconds) || math.IsInf(timeTakenSeconds, 0) || timeTakenSeconds < 0 {
		timeTakenSeconds = 0
	}
	taken := decimal.NewFromFloat(timeTakenSeconds)

	bonus := decimal.NewFromInt(int64(maxTimeAllowed)).Sub(taken).Mul(bonusPerSecond)
	if bonus.IsNegative() {
		bonus = decimal.Zero
	}

	raw := basePoints.Add(bonus)
	return int(raw.Mul(Multiplier(difficulty)).Floor().IntPart())
}

// Multiplier returns the score multiplier of a difficulty, 1 for unknown ones.
func Multiplier(difficulty domain.Difficulty) decimal.Decimal {
	if m, ok := multipliers[domain.Difficulty(strings.ToLower(string(difficulty)))]; ok {
		return m
	}

	return decimal.NewFromInt(1)
}
