package leaderboard

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
)

// ErrVersionConflict is returned by Store.Update when the entry changed since it was read.
var ErrVersionConflict = stderrors.New("leaderboard: version conflict")

// Store persists leaderboard entries and serves the rankings.
//
// GetOrCreate returns the stored entry, or a fresh one with version 0 that is only
// persisted by a later Update. Update succeeds only when the stored version equals the
// entry version, and increments the entry version on success. Rankings break ties by
// user ID ascending.
type Store interface {
	GetOrCreate(ctx context.Context, userID int64, userName string) (*domain.LeaderboardEntry, error)
	Get(ctx context.Context, userID int64) (*domain.LeaderboardEntry, error)
	Update(ctx context.Context, e *domain.LeaderboardEntry) error
	GetTop(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
	GetFastest(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
	// Rank returns the 1-based position of the user in the general ranking.
	Rank(ctx context.Context, userID int64) (int, error)
}

func newEntry(userID int64, userName string) *domain.LeaderboardEntry {
	return &domain.LeaderboardEntry{
		UserID:   userID,
		UserName: userName,
	}
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[int64]*domain.LeaderboardEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[int64]*domain.LeaderboardEntry),
	}
}

func (s *MemoryStore) GetOrCreate(_ context.Context, userID int64, userName string) (*domain.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.entries[userID]; ok {
		return e.Clone(), nil
	}

	return newEntry(userID, userName), nil
}

func (s *MemoryStore) Get(_ context.Context, userID int64) (*domain.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[userID]
	if !ok {
		return nil, errors.NotFound("user not ranked: user=%d", userID)
	}

	return e.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, e *domain.LeaderboardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int64
	if cur, ok := s.entries[e.UserID]; ok {
		version = cur.Version
	}

	if version != e.Version {
		return ErrVersionConflict
	}

	e.Version++
	s.entries[e.UserID] = e.Clone()

	return nil
}

func (s *MemoryStore) GetTop(_ context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	return s.sorted(limit, func(domain.LeaderboardEntry) bool { return true }, lessByPoints), nil
}

func (s *MemoryStore) GetFastest(_ context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	hasFastest := func(e domain.LeaderboardEntry) bool { return e.FastestCompletionTime != nil }
	return s.sorted(limit, hasFastest, lessByFastest), nil
}

func (s *MemoryStore) Rank(_ context.Context, userID int64) (int, error) {
	for i, e := range s.sorted(0, func(domain.LeaderboardEntry) bool { return true }, lessByPoints) {
		if e.UserID == userID {
			return i + 1, nil
		}
	}

	return 0, errors.NotFound("user not ranked: user=%d", userID)
}

func (s *MemoryStore) sorted(limit int, keep func(domain.LeaderboardEntry) bool, less func(a, b domain.LeaderboardEntry) bool) []domain.LeaderboardEntry {
	s.mu.RLock()
	res := make([]domain.LeaderboardEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if keep(*e) {
			res = append(res, *e.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool { return less(res[i], res[j]) })

	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}

	return res
}

func lessByPoints(a, b domain.LeaderboardEntry) bool {
	if a.TotalPoints != b.TotalPoints {
		return a.TotalPoints > b.TotalPoints
	}
	return a.UserID < b.UserID
}

func lessByFastest(a, b domain.LeaderboardEntry) bool {
	if *a.FastestCompletionTime != *b.FastestCompletionTime {
		return *a.FastestCompletionTime < *b.FastestCompletionTime
	}
	return a.UserID < b.UserID
}
