// Package question supplies quiz content to sessions: random batches, predefined quizzes
// and the correct answer of each question.
package question

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
)

// Source is the read side of the question bank.
//
// RandomQuestions may return fewer questions than limit. CorrectAnswer returns a
// not found error when the question exists but has no correct option configured.
type Source interface {
	RandomQuestions(ctx context.Context, limit int, teamID string) ([]domain.Question, error)
	Question(ctx context.Context, questionID string) (domain.Question, error)
	CorrectAnswer(ctx context.Context, questionID string) (domain.Option, error)
	QuizQuestionIDs(ctx context.Context, quizID string) ([]string, error)
}

// StaticSource serves questions from memory, for tests and local runs.
type StaticSource struct {
	mu        sync.RWMutex
	questions map[string]domain.Question
	order     []string
	quizzes   map[string][]string
}

func NewStaticSource(questions []domain.Question, quizzes map[string][]string) *StaticSource {
	s := &StaticSource{
		questions: make(map[string]domain.Question, len(questions)),
		quizzes:   make(map[string][]string, len(quizzes)),
	}

	for _, q := range questions {
		s.questions[q.QuestionID] = q
		s.order = append(s.order, q.QuestionID)
	}

	for id, qs := range quizzes {
		s.quizzes[id] = append([]string(nil), qs...)
	}

	return s
}

func (s *StaticSource) RandomQuestions(_ context.Context, limit int, teamID string) ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pool []domain.Question
	for _, id := range s.order {
		q := s.questions[id]
		if teamID != "" && q.TeamID != teamID {
			continue
		}
		pool = append(pool, q)
	}

	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if len(pool) > limit {
		pool = pool[:limit]
	}

	return pool, nil
}

func (s *StaticSource) Question(_ context.Context, questionID string) (domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.questions[questionID]
	if !ok {
		return domain.Question{}, errors.NotFound("question not found: question=%s", questionID)
	}

	return q, nil
}

func (s *StaticSource) CorrectAnswer(ctx context.Context, questionID string) (domain.Option, error) {
	q, err := s.Question(ctx, questionID)
	if err != nil {
		return domain.Option{}, err
	}

	return correctOption(q)
}

func (s *StaticSource) QuizQuestionIDs(_ context.Context, quizID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, ok := s.quizzes[quizID]
	if !ok {
		return nil, errors.NotFound("quiz not found: quiz=%s", quizID)
	}

	return append([]string(nil), ids...), nil
}

func correctOption(q domain.Question) (domain.Option, error) {
	for _, o := range q.Options {
		if o.IsCorrect {
			return o, nil
		}
	}

	return domain.Option{}, errors.NotFound("no correct answer: question=%s", q.QuestionID)
}
