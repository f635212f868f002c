package domain

import (
	"time"
)

type SessionStatus string

const (
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusAbandoned  SessionStatus = "abandoned"
)

// Terminal reports whether no further transition is allowed from the status.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

type QuizType string

const (
	QuizTypeGeneral QuizType = "general"
	QuizTypeTeam    QuizType = "team"
)

func (t QuizType) Valid() bool {
	return t == QuizTypeGeneral || t == QuizTypeTeam
}

// Session represents one playthrough of a quiz by a single user.
type Session struct {
	SessionID string
	UserID    int64
	UserName  string
	QuizType  QuizType
	TeamID    string
	QuizID    string
	Status    SessionStatus

	// QuestionIDs is fixed at creation, CurrentQuestionIndex is a cursor into it.
	QuestionIDs          []string
	CurrentQuestionIndex int
	Answers              []Answer

	TotalPoints      int
	CorrectAnswers   int
	WrongAnswers     int
	StartedAt        time.Time
	FinishedAt       *time.Time
	TotalTimeSeconds *int

	// Version is bumped by the repository on every successful update.
	Version int64
}

// Answer is a submitted answer within a session.
type Answer struct {
	QuestionID       string  `json:"question_id"`
	SelectedAnswerID string  `json:"selected_answer_id"`
	IsCorrect        bool    `json:"is_correct"`
	TimeTakenSeconds float64 `json:"time_taken_seconds"`
	PointsEarned     int     `json:"points_earned"`
}

// CurrentQuestionID returns the question the session is waiting an answer for.
func (s *Session) CurrentQuestionID() (string, bool) {
	if s.CurrentQuestionIndex < 0 || s.CurrentQuestionIndex >= len(s.QuestionIDs) {
		return "", false
	}

	return s.QuestionIDs[s.CurrentQuestionIndex], true
}

// Finish moves the session into a terminal status and stamps its timing.
func (s *Session) Finish(status SessionStatus, now time.Time) {
	s.Status = status
	s.FinishedAt = &now
	total := int(now.Sub(s.StartedAt).Seconds())
	if total < 0 {
		total = 0
	}
	s.TotalTimeSeconds = &total
}

// Clone returns a deep copy, so stores never share slices with callers.
func (s *Session) Clone() *Session {
	c := *s
	c.QuestionIDs = append([]string(nil), s.QuestionIDs...)
	c.Answers = append([]Answer(nil), s.Answers...)
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	if s.TotalTimeSeconds != nil {
		n := *s.TotalTimeSeconds
		c.TotalTimeSeconds = &n
	}
	return &c
}

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

type Question struct {
	QuestionID string
	Statement  string
	Topic      string
	Difficulty Difficulty
	TeamID     string
	// TimeLimitSeconds is the max answer time used for the speed bonus, 0 means the default.
	TimeLimitSeconds int
	Options          []Option
}

type Option struct {
	OptionID   string
	OptionText string
	IsCorrect  bool
}

// CurrentQuiz is the view of the question a user is expected to answer next.
type CurrentQuiz struct {
	SessionID     string
	QuestionIndex int
	TotalQuestion int
	Question      Question
}

// AnswerResult is the outcome of a single submitted answer.
type AnswerResult struct {
	IsCorrect       bool
	PointsEarned    int
	CorrectAnswerID string
	IsQuizFinished  bool
	NewTotalPoints  int
}

// LeaderboardEntry holds the aggregated statistics of a user across finished quizzes.
type LeaderboardEntry struct {
	UserID                int64      `json:"user_id"`
	UserName              string     `json:"user_name"`
	TotalQuizzesCompleted int        `json:"total_quizzes_completed"`
	TotalPoints           int        `json:"total_points"`
	AveragePoints         float64    `json:"average_points"`
	BestQuizPoints        int        `json:"best_quiz_points"`
	BestQuizTimeSeconds   *int       `json:"best_quiz_time_seconds,omitempty"`
	FastestCompletionTime *int       `json:"fastest_completion_time,omitempty"`
	LastQuizAt            *time.Time `json:"last_quiz_at,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`

	// AppliedEvents holds the most recent applied session IDs, to drop redelivered events.
	AppliedEvents []string `json:"applied_events,omitempty"`
	Version       int64    `json:"version"`
}

func (e *LeaderboardEntry) Clone() *LeaderboardEntry {
	c := *e
	c.AppliedEvents = append([]string(nil), e.AppliedEvents...)
	if e.BestQuizTimeSeconds != nil {
		n := *e.BestQuizTimeSeconds
		c.BestQuizTimeSeconds = &n
	}
	if e.FastestCompletionTime != nil {
		n := *e.FastestCompletionTime
		c.FastestCompletionTime = &n
	}
	if e.LastQuizAt != nil {
		t := *e.LastQuizAt
		c.LastQuizAt = &t
	}
	return &c
}

// Ranked is a leaderboard entry with its 1-based position in a ranking.
type Ranked struct {
	Rank  int
	Entry LeaderboardEntry
}
