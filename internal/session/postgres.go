package session

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
)

const codeUniqueViolation = "23505"

const sessionColumns = `session_id, user_id, user_name, quiz_type, team_id, quiz_id, status,
	question_ids, current_question_index, answers, total_points, correct_answers, wrong_answers,
	started_at, finished_at, total_time_seconds, version`

// PostgresRepository stores sessions in the quiz_sessions table. The partial unique index
// on (user_id) WHERE status = 'in_progress' guarantees one active session per user.
type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	const stmt = `
INSERT INTO quiz_sessions (` + sessionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 1);`

	_, err := r.db.Exec(ctx, stmt,
		s.SessionID, s.UserID, s.UserName, s.QuizType, s.TeamID, s.QuizID, s.Status,
		s.QuestionIDs, s.CurrentQuestionIndex, answersOf(s), s.TotalPoints, s.CorrectAnswers, s.WrongAnswers,
		s.StartedAt, s.FinishedAt, s.TotalTimeSeconds,
	)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("user already has a quiz in progress: user=%d", s.UserID),
			errors.WithCause(err))
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	s.Version = 1
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, sessionID string) (*domain.Session, error) {
	const stmt = `SELECT ` + sessionColumns + ` FROM quiz_sessions WHERE session_id = $1;`

	s, err := scanSession(r.db.QueryRow(ctx, stmt, sessionID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("session not found: session=%s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("select session %s: %w", sessionID, err)
	}

	return s, nil
}

func (r *PostgresRepository) GetActiveByUser(ctx context.Context, userID int64) (*domain.Session, error) {
	const stmt = `SELECT ` + sessionColumns + ` FROM quiz_sessions WHERE user_id = $1 AND status = 'in_progress';`

	s, err := scanSession(r.db.QueryRow(ctx, stmt, userID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("no quiz in progress: user=%d", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("select active session of user %d: %w", userID, err)
	}

	return s, nil
}

func (r *PostgresRepository) Update(ctx context.Context, s *domain.Session) error {
	const stmt = `
UPDATE quiz_sessions
SET status = $3, current_question_index = $4, answers = $5, total_points = $6,
	correct_answers = $7, wrong_answers = $8, finished_at = $9, total_time_seconds = $10,
	version = version + 1
WHERE session_id = $1 AND version = $2 AND status = 'in_progress'
RETURNING version;`

	var version int64
	err := r.db.QueryRow(ctx, stmt,
		s.SessionID, s.Version, s.Status, s.CurrentQuestionIndex, answersOf(s),
		s.TotalPoints, s.CorrectAnswers, s.WrongAnswers, s.FinishedAt, s.TotalTimeSeconds,
	).Scan(&version)
	if err == nil {
		s.Version = version
		return nil
	}
	if !stderrors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update session %s: %w", s.SessionID, err)
	}

	// Nothing matched: tell a missing session from a finished or concurrently modified one.
	var status domain.SessionStatus
	err = r.db.QueryRow(ctx, `SELECT status FROM quiz_sessions WHERE session_id = $1;`, s.SessionID).Scan(&status)
	switch {
	case stderrors.Is(err, pgx.ErrNoRows):
		return errors.NotFound("session not found: session=%s", s.SessionID)
	case err != nil:
		return fmt.Errorf("select session status %s: %w", s.SessionID, err)
	case status.Terminal():
		return errors.InvalidState("quiz already %s: session=%s", status, s.SessionID)
	default:
		return ErrStale
	}
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID int64, skip, limit int) ([]*domain.Session, error) {
	const stmt = `
SELECT ` + sessionColumns + `
FROM quiz_sessions
WHERE user_id = $1 AND status IN ('completed', 'abandoned')
ORDER BY started_at DESC
OFFSET $2 LIMIT $3;`

	rows, err := r.db.Query(ctx, stmt, userID, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("select sessions of user %d: %w", userID, err)
	}

	sessions, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (*domain.Session, error) {
		return scanSession(r)
	})
	if err != nil {
		return nil, fmt.Errorf("collect sessions of user %d: %w", userID, err)
	}

	return sessions, nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var s domain.Session
	err := row.Scan(
		&s.SessionID, &s.UserID, &s.UserName, &s.QuizType, &s.TeamID, &s.QuizID, &s.Status,
		&s.QuestionIDs, &s.CurrentQuestionIndex, &s.Answers, &s.TotalPoints, &s.CorrectAnswers, &s.WrongAnswers,
		&s.StartedAt, &s.FinishedAt, &s.TotalTimeSeconds, &s.Version,
	)
	if err != nil {
		return nil, err
	}

	return &s, nil
}

func answersOf(s *domain.Session) []domain.Answer {
	if s.Answers == nil {
		return []domain.Answer{}
	}

	return s.Answers
}
