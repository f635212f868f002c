package session

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
)

// ErrStale is returned by Repository.Update when the session was modified since it was read.
var ErrStale = stderrors.New("session: stale version")

// Repository stores sessions durably.
//
// Create fails with a conflict error when the user already has an in-progress session.
// Update only succeeds when the stored version equals the given one and the stored session
// is still in progress; it increments the version of the given session on success.
type Repository interface {
	Create(ctx context.Context, s *domain.Session) error
	GetByID(ctx context.Context, sessionID string) (*domain.Session, error)
	GetActiveByUser(ctx context.Context, userID int64) (*domain.Session, error)
	Update(ctx context.Context, s *domain.Session) error
	// ListByUser returns terminal sessions of the user, most recently started first.
	ListByUser(ctx context.Context, userID int64, skip, limit int) ([]*domain.Session, error)
}

// MemoryRepository is an in-memory Repository for tests and single instance runs.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	active   map[int64]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*domain.Session),
		active:   make(map[int64]string),
	}
}

func (r *MemoryRepository) Create(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[s.UserID]; ok {
		return errors.Conflict("user already has a quiz in progress: user=%d", s.UserID)
	}

	if _, ok := r.sessions[s.SessionID]; ok {
		return errors.Conflict("session already exists: session=%s", s.SessionID)
	}

	s.Version = 1
	r.sessions[s.SessionID] = s.Clone()
	if s.Status == domain.StatusInProgress {
		r.active[s.UserID] = s.SessionID
	}

	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, sessionID string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, errors.NotFound("session not found: session=%s", sessionID)
	}

	return s.Clone(), nil
}

func (r *MemoryRepository) GetActiveByUser(_ context.Context, userID int64) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.active[userID]
	if !ok {
		return nil, errors.NotFound("no quiz in progress: user=%d", userID)
	}

	return r.sessions[id].Clone(), nil
}

func (r *MemoryRepository) Update(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sessions[s.SessionID]
	if !ok {
		return errors.NotFound("session not found: session=%s", s.SessionID)
	}

	if stored.Status.Terminal() {
		return errors.InvalidState("quiz already %s: session=%s", stored.Status, s.SessionID)
	}

	if stored.Version != s.Version {
		return ErrStale
	}

	s.Version++
	r.sessions[s.SessionID] = s.Clone()
	if s.Status.Terminal() {
		delete(r.active, s.UserID)
	}

	return nil
}

func (r *MemoryRepository) ListByUser(_ context.Context, userID int64, skip, limit int) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []*domain.Session
	for _, s := range r.sessions {
		if s.UserID == userID && s.Status.Terminal() {
			res = append(res, s.Clone())
		}
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].StartedAt.After(res[j].StartedAt)
	})

	if skip >= len(res) {
		return nil, nil
	}
	res = res[skip:]
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}

	return res, nil
}
