package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
	"github.com/victornm/quizrank/internal/session"
)

type (
	StartQuizRequest struct {
		QuizType string `json:"quiz_type"`
		TeamID   string `json:"team_id"`
		QuizID   string `json:"quiz_id"`
	}

	SubmitAnswerRequest struct {
		SessionID        string  `json:"session_id" binding:"required"`
		QuestionID       string  `json:"question_id" binding:"required"`
		AnswerID         string  `json:"answer_id" binding:"required"`
		TimeTakenSeconds float64 `json:"time_taken_seconds"`
	}

	Session struct {
		SessionID            string          `json:"session_id"`
		UserID               int64           `json:"user_id"`
		UserName             string          `json:"user_name"`
		QuizType             string          `json:"quiz_type"`
		TeamID               string          `json:"team_id,omitempty"`
		QuizID               string          `json:"quiz_id,omitempty"`
		Status               string          `json:"status"`
		QuestionIDs          []string        `json:"question_ids"`
		CurrentQuestionIndex int             `json:"current_question_index"`
		Answers              []domain.Answer `json:"answers"`
		TotalPoints          int             `json:"total_points"`
		CorrectAnswers       int             `json:"correct_answers"`
		WrongAnswers         int             `json:"wrong_answers"`
		StartedAt            time.Time       `json:"started_at"`
		FinishedAt           *time.Time      `json:"finished_at"`
		TotalTimeSeconds     *int            `json:"total_time_seconds"`
	}

	CurrentQuiz struct {
		SessionID      string   `json:"session_id"`
		QuestionIndex  int      `json:"question_index"`
		TotalQuestions int      `json:"total_questions"`
		Question       Question `json:"question"`
	}

	Question struct {
		QuestionID       string   `json:"id"`
		Statement        string   `json:"statement"`
		Topic            string   `json:"topic,omitempty"`
		Difficulty       string   `json:"difficulty"`
		TimeLimitSeconds int      `json:"time_limit_seconds,omitempty"`
		Options          []Option `json:"options"`
	}

	Option struct {
		OptionID   string `json:"id"`
		OptionText string `json:"text"`
	}

	AnswerResult struct {
		IsCorrect       bool   `json:"is_correct"`
		PointsEarned    int    `json:"points_earned"`
		CorrectAnswerID string `json:"correct_answer_id"`
		IsQuizFinished  bool   `json:"is_quiz_finished"`
		NewTotalPoints  int    `json:"new_total_points"`
	}
)

func (a *API) StartQuiz(c *gin.Context) {
	var req StartQuizRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength != 0 {
		_ = c.Error(errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body"), errors.WithCause(err)))
		return
	}

	ss, err := a.qss.StartSession(c.Request.Context(), session.StartSessionRequest{
		UserID:   userID(c),
		UserName: c.GetHeader(headerUserName),
		QuizType: domain.QuizType(req.QuizType),
		TeamID:   req.TeamID,
		QuizID:   req.QuizID,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, toSession(ss))
}

func (a *API) GetCurrentQuiz(c *gin.Context) {
	cq, err := a.qss.GetCurrentQuiz(c.Request.Context(), userID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}

	q := Question{
		QuestionID:       cq.Question.QuestionID,
		Statement:        cq.Question.Statement,
		Topic:            cq.Question.Topic,
		Difficulty:       string(cq.Question.Difficulty),
		TimeLimitSeconds: cq.Question.TimeLimitSeconds,
		Options:          make([]Option, 0, len(cq.Question.Options)),
	}
	for _, o := range cq.Question.Options {
		q.Options = append(q.Options, Option{OptionID: o.OptionID, OptionText: o.OptionText})
	}

	c.JSON(http.StatusOK, CurrentQuiz{
		SessionID:      cq.SessionID,
		QuestionIndex:  cq.QuestionIndex,
		TotalQuestions: cq.TotalQuestion,
		Question:       q,
	})
}

func (a *API) SubmitAnswer(c *gin.Context) {
	var req SubmitAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body: %v", err)))
		return
	}

	res, err := a.qss.SubmitAnswer(c.Request.Context(), session.SubmitAnswerRequest{
		UserID:           userID(c),
		SessionID:        req.SessionID,
		QuestionID:       req.QuestionID,
		AnswerID:         req.AnswerID,
		TimeTakenSeconds: req.TimeTakenSeconds,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, AnswerResult{
		IsCorrect:       res.IsCorrect,
		PointsEarned:    res.PointsEarned,
		CorrectAnswerID: res.CorrectAnswerID,
		IsQuizFinished:  res.IsQuizFinished,
		NewTotalPoints:  res.NewTotalPoints,
	})
}

func (a *API) AbandonQuiz(c *gin.Context) {
	ss, err := a.qss.AbandonSession(c.Request.Context(), session.AbandonSessionRequest{
		UserID:    userID(c),
		SessionID: c.Param("session_id"),
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, toSession(ss))
}

func (a *API) GetSession(c *gin.Context) {
	ss, err := a.qss.GetSession(c.Request.Context(), c.Param("session_id"))
	if err == nil && ss.UserID != userID(c) {
		err = errors.NotFound("session not found: session=%s", c.Param("session_id"))
	}
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, toSession(ss))
}

func (a *API) GetHistory(c *gin.Context) {
	skip, err := queryInt(c, "skip", 0)
	if err != nil {
		_ = c.Error(err)
		return
	}

	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		_ = c.Error(err)
		return
	}

	sessions, err := a.qss.GetHistory(c.Request.Context(), session.GetHistoryRequest{
		UserID: userID(c),
		Skip:   skip,
		Limit:  limit,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	res := make([]Session, 0, len(sessions))
	for _, ss := range sessions {
		res = append(res, toSession(ss))
	}

	c.JSON(http.StatusOK, gin.H{"sessions": res})
}

func toSession(ss *domain.Session) Session {
	answers := ss.Answers
	if answers == nil {
		answers = []domain.Answer{}
	}

	return Session{
		SessionID:            ss.SessionID,
		UserID:               ss.UserID,
		UserName:             ss.UserName,
		QuizType:             string(ss.QuizType),
		TeamID:               ss.TeamID,
		QuizID:               ss.QuizID,
		Status:               string(ss.Status),
		QuestionIDs:          ss.QuestionIDs,
		CurrentQuestionIndex: ss.CurrentQuestionIndex,
		Answers:              answers,
		TotalPoints:          ss.TotalPoints,
		CorrectAnswers:       ss.CorrectAnswers,
		WrongAnswers:         ss.WrongAnswers,
		StartedAt:            ss.StartedAt,
		FinishedAt:           ss.FinishedAt,
		TotalTimeSeconds:     ss.TotalTimeSeconds,
	}
}
