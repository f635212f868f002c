package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
	"github.com/victornm/quizrank/internal/event"
	"github.com/victornm/quizrank/internal/question"
	"github.com/victornm/quizrank/internal/session"
)

func TestService_StartSession(t *testing.T) {
	type outputs struct {
		session *domain.Session
		err     error
	}

	tests := map[string]struct {
		arrange func(t *testing.T, s *session.Service) session.StartSessionRequest
		assert  func(t *testing.T, out outputs)
	}{
		"should start a general quiz with a random batch": {
			arrange: func(t *testing.T, s *session.Service) session.StartSessionRequest {
				return session.StartSessionRequest{UserID: 1, UserName: "alice"}
			},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				assert.NotEmpty(t, out.session.SessionID)
				assert.Equal(t, domain.StatusInProgress, out.session.Status)
				assert.Equal(t, domain.QuizTypeGeneral, out.session.QuizType)
				assert.Len(t, out.session.QuestionIDs, 10)
				assert.Zero(t, out.session.CurrentQuestionIndex)
				assert.Empty(t, out.session.Answers)
				assert.Nil(t, out.session.FinishedAt)
				assert.Equal(t, "alice", out.session.UserName)
			},
		},

		"should default the display name": {
			arrange: func(t *testing.T, s *session.Service) session.StartSessionRequest {
				return session.StartSessionRequest{UserID: 42}
			},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				assert.Equal(t, "Player #42", out.session.UserName)
			},
		},

		"should use the predefined question set of a quiz": {
			arrange: func(t *testing.T, s *session.Service) session.StartSessionRequest {
				return session.StartSessionRequest{UserID: 1, QuizID: "quiz-1"}
			},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				assert.Equal(t, []string{"q3", "q1", "q2"}, out.session.QuestionIDs)
			},
		},

		"should fail with not found for an unknown quiz": {
			arrange: func(t *testing.T, s *session.Service) session.StartSessionRequest {
				return session.StartSessionRequest{UserID: 1, QuizID: "quiz-404"}
			},
			assert: func(t *testing.T, out outputs) {
				assertCode(t, out.err, errors.CodeNotFound)
			},
		},

		"should reject an invalid user": {
			arrange: func(t *testing.T, s *session.Service) session.StartSessionRequest {
				return session.StartSessionRequest{UserID: 0}
			},
			assert: func(t *testing.T, out outputs) {
				assertCode(t, out.err, errors.CodeInvalidArgument)
			},
		},

		"should reject an unknown quiz type": {
			arrange: func(t *testing.T, s *session.Service) session.StartSessionRequest {
				return session.StartSessionRequest{UserID: 1, QuizType: "solo"}
			},
			assert: func(t *testing.T, out outputs) {
				assertCode(t, out.err, errors.CodeInvalidArgument)
			},
		},

		"should reject a team quiz without team": {
			arrange: func(t *testing.T, s *session.Service) session.StartSessionRequest {
				return session.StartSessionRequest{UserID: 1, QuizType: domain.QuizTypeTeam}
			},
			assert: func(t *testing.T, out outputs) {
				assertCode(t, out.err, errors.CodeInvalidArgument)
			},
		},

		"should reject a team with too few questions": {
			arrange: func(t *testing.T, s *session.Service) session.StartSessionRequest {
				return session.StartSessionRequest{UserID: 1, QuizType: domain.QuizTypeTeam, TeamID: "team-b"}
			},
			assert: func(t *testing.T, out outputs) {
				assertCode(t, out.err, errors.CodeInvalidArgument)
			},
		},

		"should fail with conflict when a quiz is already in progress": {
			arrange: func(t *testing.T, s *session.Service) session.StartSessionRequest {
				_, err := s.StartSession(context.Background(), session.StartSessionRequest{UserID: 1})
				require.NoError(t, err)
				return session.StartSessionRequest{UserID: 1}
			},
			assert: func(t *testing.T, out outputs) {
				assertCode(t, out.err, errors.CodeAlreadyExists)
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			req := tc.arrange(t, f.service)

			var out outputs
			out.session, out.err = f.service.StartSession(context.Background(), req)

			tc.assert(t, out)
		})
	}
}

func TestService_StartSession_Concurrent(t *testing.T) {
	f := newFixture(t)

	const n = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		started  int
		conflict int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.StartSession(context.Background(), session.StartSessionRequest{UserID: 7})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
			case errors.HasCode(err, errors.CodeAlreadyExists):
				conflict++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, started, "exactly one session should be started")
	assert.Equal(t, n-1, conflict, "every other call should observe a conflict")
}

func TestService_GetCurrentQuiz(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.GetCurrentQuiz(ctx, 1)
	assertCode(t, err, errors.CodeNotFound)

	ss, err := f.service.StartSession(ctx, session.StartSessionRequest{UserID: 1, QuizID: "quiz-1"})
	require.NoError(t, err)

	cq, err := f.service.GetCurrentQuiz(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ss.SessionID, cq.SessionID)
	assert.Equal(t, 0, cq.QuestionIndex)
	assert.Equal(t, 3, cq.TotalQuestion)
	assert.Equal(t, "q3", cq.Question.QuestionID)
	require.Len(t, cq.Question.Options, 2)
	for _, o := range cq.Question.Options {
		assert.False(t, o.IsCorrect, "correct answer must not leak")
	}
}

func TestService_SubmitAnswer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ss, err := f.service.StartSession(ctx, session.StartSessionRequest{UserID: 1, QuizID: "quiz-1"})
	require.NoError(t, err)

	t.Run("should reject an answer to another question without mutation", func(t *testing.T) {
		_, err := f.service.SubmitAnswer(ctx, session.SubmitAnswerRequest{
			SessionID: ss.SessionID, QuestionID: "q1", AnswerID: "q1-b", TimeTakenSeconds: 1,
		})
		assertCode(t, err, errors.CodeOutOfRange)

		got, err := f.service.GetSession(ctx, ss.SessionID)
		require.NoError(t, err)
		assert.Zero(t, got.CurrentQuestionIndex)
		assert.Empty(t, got.Answers)
		assert.Zero(t, got.TotalPoints)
	})

	t.Run("should score a correct answer", func(t *testing.T) {
		res, err := f.service.SubmitAnswer(ctx, session.SubmitAnswerRequest{
			SessionID: ss.SessionID, QuestionID: "q3", AnswerID: "q3-b", TimeTakenSeconds: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, &domain.AnswerResult{
			IsCorrect:       true,
			PointsEarned:    210,
			CorrectAnswerID: "q3-b",
			NewTotalPoints:  210,
		}, res)
	})

	t.Run("should give no points for a wrong answer", func(t *testing.T) {
		res, err := f.service.SubmitAnswer(ctx, session.SubmitAnswerRequest{
			SessionID: ss.SessionID, QuestionID: "q1", AnswerID: "q1-a", TimeTakenSeconds: 1,
		})
		require.NoError(t, err)
		assert.False(t, res.IsCorrect)
		assert.Zero(t, res.PointsEarned)
		assert.Equal(t, "q1-b", res.CorrectAnswerID)
		assert.Equal(t, 210, res.NewTotalPoints)
	})

	t.Run("should finish on the last answer", func(t *testing.T) {
		res, err := f.service.SubmitAnswer(ctx, session.SubmitAnswerRequest{
			SessionID: ss.SessionID, QuestionID: "q2", AnswerID: "q2-b", TimeTakenSeconds: 30,
		})
		require.NoError(t, err)
		assert.True(t, res.IsQuizFinished)

		got, err := f.service.GetSession(ctx, ss.SessionID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, got.Status)
		assert.Len(t, got.Answers, got.CurrentQuestionIndex)
		require.NotNil(t, got.FinishedAt)
		require.NotNil(t, got.TotalTimeSeconds)
	})

	t.Run("should reject answers after the quiz finished", func(t *testing.T) {
		_, err := f.service.SubmitAnswer(ctx, session.SubmitAnswerRequest{
			SessionID: ss.SessionID, QuestionID: "q2", AnswerID: "q2-b", TimeTakenSeconds: 1,
		})
		assertCode(t, err, errors.CodeFailedPrecondition)
		assert.Len(t, f.publisher.events(), 1, "finished event should be published once")
	})

	t.Run("should hide sessions of other users", func(t *testing.T) {
		_, err := f.service.SubmitAnswer(ctx, session.SubmitAnswerRequest{
			UserID: 2, SessionID: ss.SessionID, QuestionID: "q1", AnswerID: "q1-b",
		})
		assertCode(t, err, errors.CodeNotFound)
	})

	t.Run("should fail with not found for an unknown session", func(t *testing.T) {
		_, err := f.service.SubmitAnswer(ctx, session.SubmitAnswerRequest{SessionID: "nope", QuestionID: "q1"})
		assertCode(t, err, errors.CodeNotFound)
	})
}

func TestService_SubmitAnswer_Concurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ss, err := f.service.StartSession(ctx, session.StartSessionRequest{UserID: 1})
	require.NoError(t, err)
	qid := ss.QuestionIDs[0]

	const n = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.SubmitAnswer(ctx, session.SubmitAnswerRequest{
				SessionID: ss.SessionID, QuestionID: qid, AnswerID: qid + "-b", TimeTakenSeconds: 5,
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.HasCode(err, errors.CodeOutOfRange), errors.HasCode(err, errors.CodeFailedPrecondition):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted, "only one answer should be accepted")

	got, err := f.service.GetSession(ctx, ss.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentQuestionIndex)
	assert.Len(t, got.Answers, 1)
}

func TestService_CompleteQuiz(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ss, err := f.service.StartSession(ctx, session.StartSessionRequest{UserID: 9, UserName: "bob"})
	require.NoError(t, err)
	require.Len(t, ss.QuestionIDs, 10)

	var last *domain.AnswerResult
	for i, qid := range ss.QuestionIDs {
		answer := qid + "-b"
		if i == 4 {
			answer = qid + "-a"
		}

		last, err = f.service.SubmitAnswer(ctx, session.SubmitAnswerRequest{
			SessionID: ss.SessionID, QuestionID: qid, AnswerID: answer, TimeTakenSeconds: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, i == len(ss.QuestionIDs)-1, last.IsQuizFinished)
	}
	assert.Equal(t, 9*210, last.NewTotalPoints)

	events := f.publisher.events()
	require.Len(t, events, 1, "exactly one finished event should be published")

	e, ok := events[0].(domain.EventGameFinished)
	require.True(t, ok)
	assert.Equal(t, ss.SessionID, e.SessionID)
	assert.Equal(t, int64(9), e.UserID)
	assert.Equal(t, "bob", e.UserName)
	assert.Equal(t, 10, e.TotalQuestions)
	assert.Equal(t, 9, e.CorrectAnswers)
	assert.Equal(t, 9*210, e.TotalPoints)
	assert.False(t, e.Perfect())
	assert.False(t, e.FinishedAt.IsZero())

	_, err = f.service.GetCurrentQuiz(ctx, 9)
	assertCode(t, err, errors.CodeNotFound)

	_, err = f.service.StartSession(ctx, session.StartSessionRequest{UserID: 9})
	require.NoError(t, err, "a new quiz can start once the previous one finished")
}

func TestService_CompleteQuiz_PublishFailure(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = fmt.Errorf("broker down")
	ctx := context.Background()

	ss, err := f.service.StartSession(ctx, session.StartSessionRequest{UserID: 1, QuizID: "quiz-1"})
	require.NoError(t, err)

	var res *domain.AnswerResult
	for _, qid := range ss.QuestionIDs {
		res, err = f.service.SubmitAnswer(ctx, session.SubmitAnswerRequest{
			SessionID: ss.SessionID, QuestionID: qid, AnswerID: qid + "-b",
		})
		require.NoError(t, err, "publish failure must not fail the answer")
	}
	assert.True(t, res.IsQuizFinished)

	got, err := f.service.GetSession(ctx, ss.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestService_AbandonSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ss, err := f.service.StartSession(ctx, session.StartSessionRequest{UserID: 1})
	require.NoError(t, err)

	got, err := f.service.AbandonSession(ctx, session.AbandonSessionRequest{SessionID: ss.SessionID})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbandoned, got.Status)
	assert.NotNil(t, got.FinishedAt)
	assert.NotNil(t, got.TotalTimeSeconds)

	_, err = f.service.AbandonSession(ctx, session.AbandonSessionRequest{SessionID: ss.SessionID})
	assertCode(t, err, errors.CodeFailedPrecondition)

	_, err = f.service.SubmitAnswer(ctx, session.SubmitAnswerRequest{
		SessionID: ss.SessionID, QuestionID: ss.QuestionIDs[0], AnswerID: "x",
	})
	assertCode(t, err, errors.CodeFailedPrecondition)

	assert.Empty(t, f.publisher.events(), "abandoned sessions publish nothing")

	_, err = f.service.AbandonSession(ctx, session.AbandonSessionRequest{SessionID: "nope"})
	assertCode(t, err, errors.CodeNotFound)

	other, err := f.service.StartSession(ctx, session.StartSessionRequest{UserID: 2})
	require.NoError(t, err)
	_, err = f.service.AbandonSession(ctx, session.AbandonSessionRequest{UserID: 1, SessionID: other.SessionID})
	assertCode(t, err, errors.CodeNotFound)
}

func TestService_GetHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ss, err := f.service.StartSession(ctx, session.StartSessionRequest{UserID: 1})
		require.NoError(t, err)
		_, err = f.service.AbandonSession(ctx, session.AbandonSessionRequest{SessionID: ss.SessionID})
		require.NoError(t, err)
		ids = append(ids, ss.SessionID)
	}

	_, err := f.service.StartSession(ctx, session.StartSessionRequest{UserID: 1})
	require.NoError(t, err)

	got, err := f.service.GetHistory(ctx, session.GetHistoryRequest{UserID: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 3, "in-progress sessions are not history")
	assert.Equal(t, ids[2], got[0].SessionID)
	assert.Equal(t, ids[0], got[2].SessionID)

	got, err = f.service.GetHistory(ctx, session.GetHistoryRequest{UserID: 1, Skip: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ids[1], got[0].SessionID)

	_, err = f.service.GetHistory(ctx, session.GetHistoryRequest{UserID: 1, Skip: -1})
	assertCode(t, err, errors.CodeInvalidArgument)
}

func TestService_MissingCorrectAnswer(t *testing.T) {
	qs := sampleQuestions(1)
	qs[0].Options[1].IsCorrect = false

	f := newFixture(t, withQuestions(question.NewStaticSource(qs, map[string][]string{"broken": {"q1"}})))
	ctx := context.Background()

	ss, err := f.service.StartSession(ctx, session.StartSessionRequest{UserID: 1, QuizID: "broken"})
	require.NoError(t, err)

	_, err = f.service.SubmitAnswer(ctx, session.SubmitAnswerRequest{
		SessionID: ss.SessionID, QuestionID: "q1", AnswerID: "q1-b",
	})
	assertCode(t, err, errors.CodeDataLoss)

	got, err := f.service.GetSession(ctx, ss.SessionID)
	require.NoError(t, err)
	assert.Zero(t, got.CurrentQuestionIndex, "session must not change")
}

func TestService_Timeout(t *testing.T) {
	f := newFixture(t, withRepository(blockingRepository{}), withTimeout(20*time.Millisecond))

	_, err := f.service.StartSession(context.Background(), session.StartSessionRequest{UserID: 1})
	assertCode(t, err, errors.CodeUnavailable)

	_, err = f.service.SubmitAnswer(context.Background(), session.SubmitAnswerRequest{SessionID: "s1", QuestionID: "q1"})
	assertCode(t, err, errors.CodeUnavailable)
}

type fixture struct {
	service   *session.Service
	publisher *recordingPublisher
}

type fixtureOption func(*session.Config)

func withQuestions(src question.Source) fixtureOption {
	return func(c *session.Config) { c.Questions = src }
}

func withRepository(r session.Repository) fixtureOption {
	return func(c *session.Config) { c.Repository = r }
}

func withTimeout(d time.Duration) fixtureOption {
	return func(c *session.Config) { c.Timeout = d }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	pub := &recordingPublisher{}
	c := session.Config{
		Repository: session.NewMemoryRepository(),
		Questions: question.NewStaticSource(sampleQuestions(12), map[string][]string{
			"quiz-1": {"q3", "q1", "q2"},
		}),
		Publisher: pub,
		Now:       newClock(),
	}
	for _, opt := range opts {
		opt(&c)
	}

	return &fixture{
		service:   session.NewService(c),
		publisher: pub,
	}
}

// newClock returns a clock moving one second forward on every read.
func newClock() func() time.Time {
	var (
		mu sync.Mutex
		t  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	)

	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []event.Event
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, e event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}

	p.published = append(p.published, e)
	return nil
}

func (p *recordingPublisher) events() []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]event.Event(nil), p.published...)
}

type blockingRepository struct {
	session.Repository
}

func (blockingRepository) GetByID(ctx context.Context, _ string) (*domain.Session, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingRepository) GetActiveByUser(ctx context.Context, _ int64) (*domain.Session, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func assertCode(t *testing.T, err error, code errors.Code) {
	t.Helper()

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, code), "want code %d, got: %v", code, err)
}

// sampleQuestions returns n medium questions, option "b" is correct, even questions belong to team-a.
func sampleQuestions(n int) []domain.Question {
	qs := make([]domain.Question, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("q%d", i)
		q := domain.Question{
			QuestionID: id,
			Statement:  fmt.Sprintf("Question %d", i),
			Difficulty: domain.DifficultyMedium,
			Options: []domain.Option{
				{OptionID: id + "-a", OptionText: "A"},
				{OptionID: id + "-b", OptionText: "B", IsCorrect: true},
			},
		}
		if i%2 == 0 {
			q.TeamID = "team-a"
		}
		qs = append(qs, q)
	}
	return qs
}
