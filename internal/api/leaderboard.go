package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
	"github.com/victornm/quizrank/internal/leaderboard"
)

type (
	GeneralRank struct {
		Rank           int     `json:"rank"`
		UserID         int64   `json:"user_id"`
		UserName       string  `json:"user_name"`
		TotalPoints    int     `json:"total_points"`
		TotalQuizzes   int     `json:"total_quizzes"`
		AveragePoints  float64 `json:"average_points"`
		BestQuizPoints int     `json:"best_quiz_points"`
	}

	FastestRank struct {
		Rank                 int    `json:"rank"`
		UserID               int64  `json:"user_id"`
		UserName             string `json:"user_name"`
		FastestTimeSeconds   *int   `json:"fastest_time_seconds"`
		FastestTimeFormatted string `json:"fastest_time_formatted"`
	}

	UserRanking struct {
		Rank                  int        `json:"rank"`
		UserID                int64      `json:"user_id"`
		UserName              string     `json:"user_name"`
		TotalPoints           int        `json:"total_points"`
		TotalQuizzes          int        `json:"total_quizzes"`
		AveragePoints         float64    `json:"average_points"`
		BestQuizPoints        int        `json:"best_quiz_points"`
		BestQuizTimeSeconds   *int       `json:"best_quiz_time_seconds"`
		FastestCompletionTime *int       `json:"fastest_completion_time"`
		FastestTimeFormatted  string     `json:"fastest_time_formatted"`
		LastQuizAt            *time.Time `json:"last_quiz_at"`
		UpdatedAt             time.Time  `json:"updated_at"`
	}
)

func (a *API) GetGeneralRanking(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		_ = c.Error(err)
		return
	}

	ranking, err := a.ls.GetGeneralRanking(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}

	res := make([]GeneralRank, 0, len(ranking))
	for _, r := range ranking {
		res = append(res, GeneralRank{
			Rank:           r.Rank,
			UserID:         r.Entry.UserID,
			UserName:       r.Entry.UserName,
			TotalPoints:    r.Entry.TotalPoints,
			TotalQuizzes:   r.Entry.TotalQuizzesCompleted,
			AveragePoints:  round2(r.Entry.AveragePoints),
			BestQuizPoints: r.Entry.BestQuizPoints,
		})
	}

	c.JSON(http.StatusOK, gin.H{"ranking": res})
}

func (a *API) GetFastestPlayers(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		_ = c.Error(err)
		return
	}

	ranking, err := a.ls.GetFastestPlayers(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}

	res := make([]FastestRank, 0, len(ranking))
	for _, r := range ranking {
		res = append(res, FastestRank{
			Rank:                 r.Rank,
			UserID:               r.Entry.UserID,
			UserName:             r.Entry.UserName,
			FastestTimeSeconds:   r.Entry.FastestCompletionTime,
			FastestTimeFormatted: leaderboard.FormatTime(r.Entry.FastestCompletionTime),
		})
	}

	c.JSON(http.StatusOK, gin.H{"fastest_players": res})
}

func (a *API) GetUserRanking(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		_ = c.Error(errors.Validation("invalid user id: %q", c.Param("user_id")))
		return
	}

	r, err := a.ls.GetUserRanking(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, toUserRanking(*r))
}

func toUserRanking(r domain.Ranked) UserRanking {
	return UserRanking{
		Rank:                  r.Rank,
		UserID:                r.Entry.UserID,
		UserName:              r.Entry.UserName,
		TotalPoints:           r.Entry.TotalPoints,
		TotalQuizzes:          r.Entry.TotalQuizzesCompleted,
		AveragePoints:         round2(r.Entry.AveragePoints),
		BestQuizPoints:        r.Entry.BestQuizPoints,
		BestQuizTimeSeconds:   r.Entry.BestQuizTimeSeconds,
		FastestCompletionTime: r.Entry.FastestCompletionTime,
		FastestTimeFormatted:  leaderboard.FormatTime(r.Entry.FastestCompletionTime),
		LastQuizAt:            r.Entry.LastQuizAt,
		UpdatedAt:             r.Entry.UpdatedAt,
	}
}

func round2(f float64) float64 {
	return decimal.NewFromFloat(f).Round(2).InexactFloat64()
}
