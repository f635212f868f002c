package leaderboard

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
)

// RedisStore keeps each entry as a JSON document and the two rankings as sorted sets.
//
// The points ranking is scored by negated total points so that an ascending range orders
// by points descending, and members are zero padded user IDs so that equal scores fall
// back to user ID ascending.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisStore(r redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		redis:  r,
		prefix: prefix,
	}
}

func (s *RedisStore) GetOrCreate(ctx context.Context, userID int64, userName string) (*domain.LeaderboardEntry, error) {
	e, err := s.Get(ctx, userID)
	if errors.HasCode(err, errors.CodeNotFound) {
		return newEntry(userID, userName), nil
	}

	return e, err
}

func (s *RedisStore) Get(ctx context.Context, userID int64) (*domain.LeaderboardEntry, error) {
	e, err := s.load(ctx, s.redis, userID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errors.NotFound("user not ranked: user=%d", userID)
	}

	return e, nil
}

func (s *RedisStore) Update(ctx context.Context, e *domain.LeaderboardEntry) error {
	key := s.getEntryKey(e.UserID)

	next := e.Clone()
	next.Version++
	b, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	err = s.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, e.UserID)
		if err != nil {
			return err
		}

		var version int64
		if cur != nil {
			version = cur.Version
		}
		if version != e.Version {
			return ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			member := userMember(e.UserID)

			p.Set(ctx, key, b, 0)
			p.ZAdd(ctx, s.getPointsKey(), redis.Z{Score: -float64(next.TotalPoints), Member: member})
			if next.FastestCompletionTime != nil {
				p.ZAdd(ctx, s.getFastestKey(), redis.Z{Score: float64(*next.FastestCompletionTime), Member: member})
			}
			return nil
		})
		return err
	}, key)

	if stderrors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}

	e.Version = next.Version
	return nil
}

func (s *RedisStore) GetTop(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	return s.ranking(ctx, s.getPointsKey(), limit)
}

func (s *RedisStore) GetFastest(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	return s.ranking(ctx, s.getFastestKey(), limit)
}

func (s *RedisStore) Rank(ctx context.Context, userID int64) (int, error) {
	r, err := s.redis.ZRank(ctx, s.getPointsKey(), userMember(userID)).Result()
	if stderrors.Is(err, redis.Nil) {
		return 0, errors.NotFound("user not ranked: user=%d", userID)
	}
	if err != nil {
		return 0, fmt.Errorf("rank user %d: %w", userID, err)
	}

	return int(r) + 1, nil
}

func (s *RedisStore) ranking(ctx context.Context, key string, limit int) ([]domain.LeaderboardEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	members, err := s.redis.ZRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("get ranking %s: %w", key, err)
	}
	if len(members) == 0 {
		return []domain.LeaderboardEntry{}, nil
	}

	keys := make([]string, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse ranking member %q: %w", m, err)
		}
		keys = append(keys, s.getEntryKey(id))
	}

	docs, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}

	res := make([]domain.LeaderboardEntry, 0, len(docs))
	for i, d := range docs {
		str, ok := d.(string)
		if !ok {
			continue
		}

		var e domain.LeaderboardEntry
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", keys[i], err)
		}
		res = append(res, e)
	}

	return res, nil
}

// load returns nil when the entry does not exist.
func (s *RedisStore) load(ctx context.Context, c redis.Cmdable, userID int64) (*domain.LeaderboardEntry, error) {
	b, err := c.Get(ctx, s.getEntryKey(userID)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry of user %d: %w", userID, err)
	}

	var e domain.LeaderboardEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode entry of user %d: %w", userID, err)
	}

	return &e, nil
}

func userMember(userID int64) string {
	return fmt.Sprintf("%020d", userID)
}

func (s *RedisStore) getEntryKey(userID int64) string {
	return fmt.Sprintf("%s:entry:%d", s.prefix, userID)
}

func (s *RedisStore) getPointsKey() string {
	return fmt.Sprintf("%s:ranking:points", s.prefix)
}

func (s *RedisStore) getFastestKey() string {
	return fmt.Sprintf("%s:ranking:fastest", s.prefix)
}
