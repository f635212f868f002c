package question

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/victornm/quizrank/internal/config"
	"github.com/victornm/quizrank/internal/domain"
)

const defaultLoadTimeout = 5 * time.Second

type CacheConfig struct {
	Redis  redis.UniversalClient
	Prefix string
	TTL    time.Duration
	// LoadTimeout bounds a fill from the next Source, whoever started it.
	LoadTimeout time.Duration
}

// CachedSource keeps question content and quiz question sets in Redis in front of another
// Source. Random batches are never cached. Concurrent misses on the same key share one load.
type CachedSource struct {
	next   Source
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
	sf     singleflight.Group

	loadTimeout time.Duration
}

func NewCachedSource(next Source, c CacheConfig) *CachedSource {
	return &CachedSource{
		next:   next,
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    c.TTL,

		loadTimeout: config.Duration(c.LoadTimeout, defaultLoadTimeout),
	}
}

type cachedQuestion struct {
	ID               string         `json:"id"`
	Statement        string         `json:"statement"`
	Topic            string         `json:"topic,omitempty"`
	Difficulty       string         `json:"difficulty"`
	TeamID           string         `json:"team_id,omitempty"`
	TimeLimitSeconds int            `json:"time_limit_seconds,omitempty"`
	Options          []cachedOption `json:"options"`
}

type cachedOption struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}

func (s *CachedSource) RandomQuestions(ctx context.Context, limit int, teamID string) ([]domain.Question, error) {
	qs, err := s.next.RandomQuestions(ctx, limit, teamID)
	if err != nil {
		return nil, err
	}

	// Warm the cache, the session will ask for each of these questions.
	pipe := s.redis.Pipeline()
	for _, q := range qs {
		b, err := json.Marshal(fromDomain(q))
		if err != nil {
			return nil, fmt.Errorf("marshal question %s: %w", q.QuestionID, err)
		}
		pipe.Set(ctx, s.questionKey(q.QuestionID), b, s.ttlWithJitter())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.WarnContext(ctx, "question: warm cache failed", "error", err)
	}

	return qs, nil
}

func (s *CachedSource) Question(ctx context.Context, questionID string) (domain.Question, error) {
	key := s.questionKey(questionID)

	var cq cachedQuestion
	if ok := s.get(ctx, key, &cq); ok {
		return cq.toDomain(), nil
	}

	v, err := s.load(ctx, key, func(ctx context.Context) (any, error) {
		q, err := s.next.Question(ctx, questionID)
		if err != nil {
			return domain.Question{}, err
		}

		s.set(ctx, key, fromDomain(q))
		return q, nil
	})
	if err != nil {
		return domain.Question{}, err
	}

	return v.(domain.Question), nil
}

func (s *CachedSource) CorrectAnswer(ctx context.Context, questionID string) (domain.Option, error) {
	q, err := s.Question(ctx, questionID)
	if err != nil {
		return domain.Option{}, err
	}

	return correctOption(q)
}

func (s *CachedSource) QuizQuestionIDs(ctx context.Context, quizID string) ([]string, error) {
	key := s.quizKey(quizID)

	var ids []string
	if ok := s.get(ctx, key, &ids); ok {
		return ids, nil
	}

	v, err := s.load(ctx, key, func(ctx context.Context) (any, error) {
		ids, err := s.next.QuizQuestionIDs(ctx, quizID)
		if err != nil {
			return nil, err
		}

		s.set(ctx, key, ids)
		return ids, nil
	})
	if err != nil {
		return nil, err
	}

	return append([]string(nil), v.([]string)...), nil
}

// load shares one fill of key between concurrent misses. The fill runs detached from the
// callers under its own timeout, each caller only waits as long as its own context allows.
func (s *CachedSource) load(ctx context.Context, key string, fill func(ctx context.Context) (any, error)) (any, error) {
	ch := s.sf.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.loadTimeout)
		defer cancel()

		return fill(ctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.Val, r.Err
	}
}

// Invalidate drops the cached content of a question, e.g. after it was edited.
func (s *CachedSource) Invalidate(ctx context.Context, questionID string) error {
	return s.redis.Del(ctx, s.questionKey(questionID)).Err()
}

// get returns false on miss. Cache errors are logged and treated as a miss.
func (s *CachedSource) get(ctx context.Context, key string, v any) bool {
	b, err := s.redis.Get(ctx, key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		slog.WarnContext(ctx, "question: read cache failed", "key", key, "error", err)
		return false
	}

	if err := json.Unmarshal(b, v); err != nil {
		slog.WarnContext(ctx, "question: decode cache failed", "key", key, "error", err)
		return false
	}

	return true
}

func (s *CachedSource) set(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.WarnContext(ctx, "question: encode cache failed", "key", key, "error", err)
		return
	}

	if err := s.redis.Set(ctx, key, b, s.ttlWithJitter()).Err(); err != nil {
		slog.WarnContext(ctx, "question: write cache failed", "key", key, "error", err)
	}
}

func (s *CachedSource) questionKey(id string) string {
	return fmt.Sprintf("%s:question:%s", s.prefix, id)
}

func (s *CachedSource) quizKey(id string) string {
	return fmt.Sprintf("%s:quiz:%s:questions", s.prefix, id)
}

// ttlWithJitter adds up to 10% to the TTL to spread expirations.
func (s *CachedSource) ttlWithJitter() time.Duration {
	if s.ttl <= 0 {
		return 0
	}

	return s.ttl + time.Duration(rand.Int64N(int64(s.ttl)/10+1))
}

func fromDomain(q domain.Question) cachedQuestion {
	cq := cachedQuestion{
		ID:               q.QuestionID,
		Statement:        q.Statement,
		Topic:            q.Topic,
		Difficulty:       string(q.Difficulty),
		TeamID:           q.TeamID,
		TimeLimitSeconds: q.TimeLimitSeconds,
		Options:          make([]cachedOption, 0, len(q.Options)),
	}

	for _, o := range q.Options {
		cq.Options = append(cq.Options, cachedOption{ID: o.OptionID, Text: o.OptionText, IsCorrect: o.IsCorrect})
	}

	return cq
}

func (cq cachedQuestion) toDomain() domain.Question {
	q := domain.Question{
		QuestionID:       cq.ID,
		Statement:        cq.Statement,
		Topic:            cq.Topic,
		Difficulty:       domain.Difficulty(cq.Difficulty),
		TeamID:           cq.TeamID,
		TimeLimitSeconds: cq.TimeLimitSeconds,
		Options:          make([]domain.Option, 0, len(cq.Options)),
	}

	for _, o := range cq.Options {
		q.Options = append(q.Options, domain.Option{OptionID: o.ID, OptionText: o.Text, IsCorrect: o.IsCorrect})
	}

	return q
}
