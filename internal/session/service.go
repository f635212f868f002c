package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
	"github.com/victornm/quizrank/internal/event"
	"github.com/victornm/quizrank/internal/question"
	"github.com/victornm/quizrank/internal/score"
	"github.com/victornm/quizrank/internal/telemetry"
)

const (
	defaultQuestionCount  = 10
	defaultMinQuestions   = 5
	defaultTimeout        = 5 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultHistoryLimit   = 20

	// maxUpdateAttempts bounds reload-and-retry on version conflicts.
	maxUpdateAttempts = 3
)

type Config struct {
	Repository Repository
	Questions  question.Source
	Publisher  event.Publisher

	// QuestionCount is the size of a random batch, MinQuestions the smallest batch a quiz can start with.
	QuestionCount int
	MinQuestions  int
	// MaxAnswerTime is the speed bonus window for questions without their own time limit.
	MaxAnswerTime int

	Timeout        time.Duration
	PublishTimeout time.Duration

	Now func() time.Time
}

// Service drives quiz sessions from start to a terminal status.
type Service struct {
	repo      Repository
	questions question.Source
	eb        event.Publisher

	questionCount  int
	minQuestions   int
	maxAnswerTime  int
	timeout        time.Duration
	publishTimeout time.Duration
	now            func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		repo:           c.Repository,
		questions:      c.Questions,
		eb:             c.Publisher,
		questionCount:  c.QuestionCount,
		minQuestions:   c.MinQuestions,
		maxAnswerTime:  c.MaxAnswerTime,
		timeout:        c.Timeout,
		publishTimeout: c.PublishTimeout,
		now:            c.Now,
	}

	if s.questionCount <= 0 {
		s.questionCount = defaultQuestionCount
	}
	if s.minQuestions <= 0 {
		s.minQuestions = defaultMinQuestions
	}
	if s.maxAnswerTime <= 0 {
		s.maxAnswerTime = score.DefaultMaxTime
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	if s.publishTimeout <= 0 {
		s.publishTimeout = defaultPublishTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s
}

type StartSessionRequest struct {
	UserID   int64
	UserName string
	QuizType domain.QuizType
	TeamID   string
	// QuizID selects a predefined question set, empty means a random batch.
	QuizID string
}

// StartSession creates a new in-progress session for the user.
func (s *Service) StartSession(ctx context.Context, req StartSessionRequest) (*domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if req.UserID <= 0 {
		return nil, errors.Validation("invalid user id: %d", req.UserID)
	}
	if req.QuizType == "" {
		req.QuizType = domain.QuizTypeGeneral
	}
	if !req.QuizType.Valid() {
		return nil, errors.Validation("invalid quiz type: %q", req.QuizType)
	}
	if req.QuizType == domain.QuizTypeTeam && req.TeamID == "" {
		return nil, errors.Validation("team quiz requires a team id")
	}
	if req.UserName == "" {
		req.UserName = "Player #" + strconv.FormatInt(req.UserID, 10)
	}

	// Fast path only, the repository enforces the rule under concurrency.
	_, err := s.repo.GetActiveByUser(ctx, req.UserID)
	if err == nil {
		return nil, errors.Conflict("user already has a quiz in progress: user=%d", req.UserID)
	}
	if !errors.HasCode(err, errors.CodeNotFound) {
		return nil, s.fail("get active session", err)
	}

	questionIDs, err := s.pickQuestions(ctx, req)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("session: generate session ID: %w", err)
	}

	ss := &domain.Session{
		SessionID:   id.String(),
		UserID:      req.UserID,
		UserName:    req.UserName,
		QuizType:    req.QuizType,
		TeamID:      req.TeamID,
		QuizID:      req.QuizID,
		Status:      domain.StatusInProgress,
		QuestionIDs: questionIDs,
		Answers:     []domain.Answer{},
		StartedAt:   s.now().UTC(),
	}

	if err := s.repo.Create(ctx, ss); err != nil {
		return nil, s.fail("create session", err)
	}

	telemetry.SessionsStarted.Inc()
	slog.InfoContext(ctx, "session: started", "session_id", ss.SessionID, "user_id", ss.UserID, "questions", len(questionIDs))

	return ss, nil
}

func (s *Service) pickQuestions(ctx context.Context, req StartSessionRequest) ([]string, error) {
	if req.QuizID != "" {
		ids, err := s.questions.QuizQuestionIDs(ctx, req.QuizID)
		if err != nil {
			return nil, s.fail("get quiz questions", err)
		}
		if len(ids) == 0 {
			return nil, errors.Validation("quiz has no questions: quiz=%s", req.QuizID)
		}
		return ids, nil
	}

	qs, err := s.questions.RandomQuestions(ctx, s.questionCount, req.TeamID)
	if err != nil {
		return nil, s.fail("get random questions", err)
	}
	if len(qs) < s.minQuestions {
		return nil, errors.Validation("not enough questions available: got %d, need %d", len(qs), s.minQuestions)
	}

	ids := make([]string, 0, len(qs))
	for _, q := range qs {
		ids = append(ids, q.QuestionID)
	}

	return ids, nil
}

// GetCurrentQuiz returns the question the user is expected to answer next. Correct
// flags are stripped from the options.
func (s *Service) GetCurrentQuiz(ctx context.Context, userID int64) (*domain.CurrentQuiz, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ss, err := s.repo.GetActiveByUser(ctx, userID)
	if err != nil {
		return nil, s.fail("get active session", err)
	}

	qid, ok := ss.CurrentQuestionID()
	if !ok {
		return nil, errors.InvalidState("no question left: session=%s", ss.SessionID)
	}

	q, err := s.questions.Question(ctx, qid)
	if errors.HasCode(err, errors.CodeNotFound) {
		return nil, errors.New(errors.CodeDataLoss,
			errors.WithMessagef("question of session is missing: session=%s, question=%s", ss.SessionID, qid),
			errors.WithCause(err))
	}
	if err != nil {
		return nil, s.fail("get question", err)
	}

	opts := make([]domain.Option, 0, len(q.Options))
	for _, o := range q.Options {
		opts = append(opts, domain.Option{OptionID: o.OptionID, OptionText: o.OptionText})
	}
	q.Options = opts

	return &domain.CurrentQuiz{
		SessionID:     ss.SessionID,
		QuestionIndex: ss.CurrentQuestionIndex,
		TotalQuestion: len(ss.QuestionIDs),
		Question:      q,
	}, nil
}

type SubmitAnswerRequest struct {
	// UserID, when set, must own the session.
	UserID           int64
	SessionID        string
	QuestionID       string
	AnswerID         string
	TimeTakenSeconds float64
}

// SubmitAnswer scores an answer to the current question and advances the session.
// The answer that completes the session publishes exactly one finished event.
func (s *Service) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*domain.AnswerResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		ss, res, err := s.applyAnswer(ctx, req)
		if err != nil {
			return nil, err
		}

		err = s.repo.Update(ctx, ss)
		if stderrors.Is(err, ErrStale) && attempt < maxUpdateAttempts {
			slog.DebugContext(ctx, "session: concurrent update, reloading", "session_id", ss.SessionID, "attempt", attempt)
			continue
		}
		if stderrors.Is(err, ErrStale) {
			return nil, errors.InvalidState("session is being modified concurrently: session=%s", ss.SessionID)
		}
		if err != nil {
			return nil, s.fail("update session", err)
		}

		telemetry.AnswersSubmitted.WithLabelValues(strconv.FormatBool(res.IsCorrect)).Inc()
		if res.IsQuizFinished {
			telemetry.SessionsFinished.WithLabelValues(string(domain.StatusCompleted)).Inc()
			s.publishFinished(ctx, ss)
		}

		return res, nil
	}
}

// applyAnswer loads the session and applies the answer in memory, without persisting it.
func (s *Service) applyAnswer(ctx context.Context, req SubmitAnswerRequest) (*domain.Session, *domain.AnswerResult, error) {
	ss, err := s.repo.GetByID(ctx, req.SessionID)
	if err != nil {
		return nil, nil, s.fail("get session", err)
	}
	if req.UserID != 0 && ss.UserID != req.UserID {
		return nil, nil, errors.NotFound("session not found: session=%s", req.SessionID)
	}

	if ss.Status != domain.StatusInProgress {
		return nil, nil, errors.InvalidState("quiz already %s: session=%s", ss.Status, ss.SessionID)
	}

	current, ok := ss.CurrentQuestionID()
	if !ok {
		return nil, nil, errors.InvalidState("no question left: session=%s", ss.SessionID)
	}
	if req.QuestionID != current {
		return nil, nil, errors.OutOfOrder("answer does not target the current question: session=%s, question=%s",
			ss.SessionID, req.QuestionID)
	}

	correct, err := s.questions.CorrectAnswer(ctx, current)
	if errors.HasCode(err, errors.CodeNotFound) {
		return nil, nil, errors.New(errors.CodeDataLoss,
			errors.WithMessagef("question has no correct answer: question=%s", current),
			errors.WithCause(err))
	}
	if err != nil {
		return nil, nil, s.fail("get correct answer", err)
	}

	q, err := s.questions.Question(ctx, current)
	if err != nil {
		return nil, nil, s.fail("get question", err)
	}

	maxTime := q.TimeLimitSeconds
	if maxTime <= 0 {
		maxTime = s.maxAnswerTime
	}

	isCorrect := req.AnswerID == correct.OptionID
	points := score.Calculate(isCorrect, req.TimeTakenSeconds, q.Difficulty, maxTime)

	ss.Answers = append(ss.Answers, domain.Answer{
		QuestionID:       current,
		SelectedAnswerID: req.AnswerID,
		IsCorrect:        isCorrect,
		TimeTakenSeconds: req.TimeTakenSeconds,
		PointsEarned:     points,
	})
	ss.CurrentQuestionIndex++
	ss.TotalPoints += points
	if isCorrect {
		ss.CorrectAnswers++
	} else {
		ss.WrongAnswers++
	}

	finished := ss.CurrentQuestionIndex >= len(ss.QuestionIDs)
	if finished {
		ss.Finish(domain.StatusCompleted, s.now().UTC())
	}

	return ss, &domain.AnswerResult{
		IsCorrect:       isCorrect,
		PointsEarned:    points,
		CorrectAnswerID: correct.OptionID,
		IsQuizFinished:  finished,
		NewTotalPoints:  ss.TotalPoints,
	}, nil
}

// publishFinished hands the finished event to the bus. Failures never fail the caller,
// the committed session is authoritative.
func (s *Service) publishFinished(ctx context.Context, ss *domain.Session) {
	e := domain.EventGameFinished{
		SessionID:      ss.SessionID,
		UserID:         ss.UserID,
		UserName:       ss.UserName,
		TotalPoints:    ss.TotalPoints,
		CorrectAnswers: ss.CorrectAnswers,
		TotalQuestions: len(ss.QuestionIDs),
	}
	if ss.FinishedAt != nil {
		e.FinishedAt = *ss.FinishedAt
	}
	if ss.TotalTimeSeconds != nil {
		e.TotalTimeSeconds = *ss.TotalTimeSeconds
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()

	if err := s.eb.Publish(ctx, e); err != nil {
		telemetry.EventsPublishFailed.WithLabelValues(e.Name()).Inc()
		slog.ErrorContext(ctx, "session: publish game finished failed", "session_id", ss.SessionID, "error", err)
	}
}

type AbandonSessionRequest struct {
	// UserID, when set, must own the session.
	UserID    int64
	SessionID string
}

// AbandonSession ends an in-progress session without leaderboard credit.
func (s *Service) AbandonSession(ctx context.Context, req AbandonSessionRequest) (*domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		ss, err := s.repo.GetByID(ctx, req.SessionID)
		if err != nil {
			return nil, s.fail("get session", err)
		}
		if req.UserID != 0 && ss.UserID != req.UserID {
			return nil, errors.NotFound("session not found: session=%s", req.SessionID)
		}

		if ss.Status != domain.StatusInProgress {
			return nil, errors.InvalidState("quiz already %s: session=%s", ss.Status, ss.SessionID)
		}

		ss.Finish(domain.StatusAbandoned, s.now().UTC())

		err = s.repo.Update(ctx, ss)
		if stderrors.Is(err, ErrStale) && attempt < maxUpdateAttempts {
			continue
		}
		if stderrors.Is(err, ErrStale) {
			return nil, errors.InvalidState("session is being modified concurrently: session=%s", ss.SessionID)
		}
		if err != nil {
			return nil, s.fail("update session", err)
		}

		telemetry.SessionsFinished.WithLabelValues(string(domain.StatusAbandoned)).Inc()
		slog.InfoContext(ctx, "session: abandoned", "session_id", ss.SessionID, "user_id", ss.UserID)

		return ss, nil
	}
}

// GetSession returns any session by ID.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ss, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, s.fail("get session", err)
	}

	return ss, nil
}

type GetHistoryRequest struct {
	UserID int64
	Skip   int
	Limit  int
}

// GetHistory lists the finished and abandoned sessions of a user, newest first.
func (s *Service) GetHistory(ctx context.Context, req GetHistoryRequest) ([]*domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if req.Skip < 0 {
		return nil, errors.Validation("skip must not be negative: %d", req.Skip)
	}
	if req.Limit <= 0 {
		req.Limit = defaultHistoryLimit
	}

	sessions, err := s.repo.ListByUser(ctx, req.UserID, req.Skip, req.Limit)
	if err != nil {
		return nil, s.fail("list sessions", err)
	}

	return sessions, nil
}

// fail keeps application errors as they are and turns timeouts into transient errors.
func (s *Service) fail(op string, err error) error {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return err
	}

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.Unavailable(fmt.Errorf("session: %s: %w", op, err))
	}

	return fmt.Errorf("session: %s: %w", op, err)
}
