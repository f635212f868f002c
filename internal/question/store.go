package question

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
)

type questionModel struct {
	bun.BaseModel `bun:"table:questions,alias:q"`

	ID               string        `bun:"id,pk"`
	Statement        string        `bun:"statement,notnull"`
	Topic            string        `bun:"topic,nullzero"`
	Difficulty       string        `bun:"difficulty,notnull"`
	TeamID           string        `bun:"team_id,nullzero"`
	TimeLimitSeconds int           `bun:"time_limit_seconds,notnull"`
	Answers          []answerModel `bun:"rel:has-many,join:id=question_id"`
}

type answerModel struct {
	bun.BaseModel `bun:"table:answers,alias:a"`

	ID         string `bun:"id,pk"`
	QuestionID string `bun:"question_id,notnull"`
	Text       string `bun:"text,notnull"`
	IsCorrect  bool   `bun:"is_correct,notnull"`
	Position   int    `bun:"position,notnull"`
}

type quizModel struct {
	bun.BaseModel `bun:"table:quizzes,alias:qz"`

	ID          string   `bun:"id,pk"`
	Title       string   `bun:"title,notnull"`
	QuestionIDs []string `bun:"question_ids,array"`
}

// Store reads the question bank from Postgres.
type Store struct {
	db *bun.DB
}

func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

func (s *Store) RandomQuestions(ctx context.Context, limit int, teamID string) ([]domain.Question, error) {
	var rows []questionModel

	err := s.db.NewSelect().
		Model(&rows).
		Relation("Answers", orderAnswers).
		Apply(func(q *bun.SelectQuery) *bun.SelectQuery {
			if teamID != "" {
				return q.Where("q.team_id = ?", teamID)
			}
			return q
		}).
		OrderExpr("random()").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select random questions: %w", err)
	}

	qs := make([]domain.Question, 0, len(rows))
	for _, r := range rows {
		qs = append(qs, r.toDomain())
	}

	return qs, nil
}

func (s *Store) Question(ctx context.Context, questionID string) (domain.Question, error) {
	var row questionModel

	err := s.db.NewSelect().
		Model(&row).
		Relation("Answers", orderAnswers).
		Where("q.id = ?", questionID).
		Scan(ctx)
	if stderrors.Is(err, sql.ErrNoRows) {
		return domain.Question{}, errors.NotFound("question not found: question=%s", questionID)
	}
	if err != nil {
		return domain.Question{}, fmt.Errorf("select question %s: %w", questionID, err)
	}

	return row.toDomain(), nil
}

func (s *Store) CorrectAnswer(ctx context.Context, questionID string) (domain.Option, error) {
	var row answerModel

	err := s.db.NewSelect().
		Model(&row).
		Where("a.question_id = ?", questionID).
		Where("a.is_correct").
		Order("a.position ASC").
		Limit(1).
		Scan(ctx)
	if stderrors.Is(err, sql.ErrNoRows) {
		return domain.Option{}, errors.NotFound("no correct answer: question=%s", questionID)
	}
	if err != nil {
		return domain.Option{}, fmt.Errorf("select correct answer %s: %w", questionID, err)
	}

	return row.toDomain(), nil
}

func (s *Store) QuizQuestionIDs(ctx context.Context, quizID string) ([]string, error) {
	var row quizModel

	err := s.db.NewSelect().
		Model(&row).
		Where("qz.id = ?", quizID).
		Scan(ctx)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("quiz not found: quiz=%s", quizID)
	}
	if err != nil {
		return nil, fmt.Errorf("select quiz %s: %w", quizID, err)
	}

	if row.QuestionIDs == nil {
		return nil, errors.NotFound("quiz has no question set: quiz=%s", quizID)
	}

	return row.QuestionIDs, nil
}

func orderAnswers(q *bun.SelectQuery) *bun.SelectQuery {
	return q.Order("a.position ASC")
}

func (m questionModel) toDomain() domain.Question {
	q := domain.Question{
		QuestionID:       m.ID,
		Statement:        m.Statement,
		Topic:            m.Topic,
		Difficulty:       domain.Difficulty(m.Difficulty),
		TeamID:           m.TeamID,
		TimeLimitSeconds: m.TimeLimitSeconds,
		Options:          make([]domain.Option, 0, len(m.Answers)),
	}

	for _, a := range m.Answers {
		q.Options = append(q.Options, a.toDomain())
	}

	return q
}

func (m answerModel) toDomain() domain.Option {
	return domain.Option{
		OptionID:   m.ID,
		OptionText: m.Text,
		IsCorrect:  m.IsCorrect,
	}
}
