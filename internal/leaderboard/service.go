package leaderboard

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
	"github.com/victornm/quizrank/internal/event"
	"github.com/victornm/quizrank/internal/telemetry"
)

const (
	defaultGeneralLimit = 100
	defaultFastestLimit = 10
	maxLimit            = 1000

	// maxApplyAttempts bounds the compare-and-swap loop of one event.
	maxApplyAttempts = 10
	// appliedEventsCap is how many session IDs an entry remembers to drop redeliveries.
	appliedEventsCap = 64
)

type Config struct {
	Store Store

	// Subscriber delivers game finished events, Notifier receives leaderboard updates.
	// Either can be nil.
	Subscriber event.Subscriber
	Notifier   event.Publisher

	Now func() time.Time
}

// Service applies finished games to the per-user leaderboard and serves the rankings.
type Service struct {
	store    Store
	notifier event.Publisher
	now      func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		store:    c.Store,
		notifier: c.Notifier,
		now:      c.Now,
	}

	if s.now == nil {
		s.now = time.Now
	}

	if c.Subscriber != nil {
		c.Subscriber.Subscribe(domain.EventNameGameFinished, func(ctx context.Context, e event.Event) error {
			return s.ApplyFinishedGame(ctx, e.(domain.EventGameFinished))
		})
	}

	return s
}

// ApplyFinishedGame folds a finished game into the user's entry. An error means the
// event was not applied and must be redelivered.
func (s *Service) ApplyFinishedGame(ctx context.Context, e domain.EventGameFinished) error {
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("leaderboard: update entry of user %d: %w", e.UserID, err)
		}

		entry, err := s.store.GetOrCreate(ctx, e.UserID, e.UserName)
		if err != nil {
			return fmt.Errorf("leaderboard: load entry of user %d: %w", e.UserID, err)
		}

		if e.SessionID != "" && slices.Contains(entry.AppliedEvents, e.SessionID) {
			telemetry.LeaderboardUpdates.WithLabelValues("duplicate").Inc()
			slog.InfoContext(ctx, "leaderboard: event already applied", "session_id", e.SessionID, "user_id", e.UserID)
			return nil
		}

		apply(entry, e, s.now().UTC())

		err = s.store.Update(ctx, entry)
		if stderrors.Is(err, ErrVersionConflict) {
			telemetry.LeaderboardUpdates.WithLabelValues("conflict").Inc()
			select {
			case <-ctx.Done():
				return fmt.Errorf("leaderboard: update entry of user %d: %w", e.UserID, ctx.Err())
			case <-time.After(rand.N(time.Duration(attempt) * time.Millisecond)):
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("leaderboard: update entry of user %d: %w", e.UserID, err)
		}

		telemetry.LeaderboardUpdates.WithLabelValues("applied").Inc()
		slog.InfoContext(ctx, "leaderboard: entry updated", "user_id", e.UserID, "points", e.TotalPoints)
		s.notify(ctx, entry)

		return nil
	}

	return fmt.Errorf("leaderboard: update entry of user %d: %w after %d attempts", e.UserID, ErrVersionConflict, maxApplyAttempts)
}

func apply(entry *domain.LeaderboardEntry, e domain.EventGameFinished, now time.Time) {
	if e.UserName != "" {
		entry.UserName = e.UserName
	}

	entry.TotalQuizzesCompleted++
	entry.TotalPoints += e.TotalPoints
	entry.AveragePoints = float64(entry.TotalPoints) / float64(entry.TotalQuizzesCompleted)

	// Equal points only replace the best with a strictly faster time.
	if e.TotalPoints > entry.BestQuizPoints ||
		(e.TotalPoints == entry.BestQuizPoints && (entry.BestQuizTimeSeconds == nil || e.TotalTimeSeconds < *entry.BestQuizTimeSeconds)) {
		entry.BestQuizPoints = e.TotalPoints
		t := e.TotalTimeSeconds
		entry.BestQuizTimeSeconds = &t
	}

	if e.Perfect() && (entry.FastestCompletionTime == nil || e.TotalTimeSeconds < *entry.FastestCompletionTime) {
		t := e.TotalTimeSeconds
		entry.FastestCompletionTime = &t
	}

	finishedAt := e.FinishedAt
	entry.LastQuizAt = &finishedAt
	entry.UpdatedAt = now

	if e.SessionID != "" {
		entry.AppliedEvents = append(entry.AppliedEvents, e.SessionID)
		if n := len(entry.AppliedEvents); n > appliedEventsCap {
			entry.AppliedEvents = slices.Clone(entry.AppliedEvents[n-appliedEventsCap:])
		}
	}
}

func (s *Service) notify(ctx context.Context, entry *domain.LeaderboardEntry) {
	if s.notifier == nil {
		return
	}

	if err := s.notifier.Publish(ctx, domain.EventLeaderboardUpdated{Entry: *entry.Clone()}); err != nil {
		slog.WarnContext(ctx, "leaderboard: notify update failed", "user_id", entry.UserID, "error", err)
	}
}

// GetGeneralRanking returns entries by total points descending.
func (s *Service) GetGeneralRanking(ctx context.Context, limit int) ([]domain.Ranked, error) {
	limit, err := normalizeLimit(limit, defaultGeneralLimit)
	if err != nil {
		return nil, err
	}

	entries, err := s.store.GetTop(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: get top: %w", err)
	}

	return ranked(entries), nil
}

// GetFastestPlayers returns users with a perfect run by fastest completion ascending.
func (s *Service) GetFastestPlayers(ctx context.Context, limit int) ([]domain.Ranked, error) {
	limit, err := normalizeLimit(limit, defaultFastestLimit)
	if err != nil {
		return nil, err
	}

	entries, err := s.store.GetFastest(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: get fastest: %w", err)
	}

	return ranked(entries), nil
}

// GetUserRanking returns the entry of a user with its position in the general ranking.
func (s *Service) GetUserRanking(ctx context.Context, userID int64) (*domain.Ranked, error) {
	entry, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	rank, err := s.store.Rank(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &domain.Ranked{Rank: rank, Entry: *entry}, nil
}

// FormatTime renders seconds as MM:SS, or --:-- when there is no time.
func FormatTime(seconds *int) string {
	if seconds == nil {
		return "--:--"
	}

	return fmt.Sprintf("%02d:%02d", *seconds/60, *seconds%60)
}

func normalizeLimit(limit, fallback int) (int, error) {
	switch {
	case limit == 0:
		return fallback, nil
	case limit < 0 || limit > maxLimit:
		return 0, errors.Validation("limit must be between 1 and %d: %d", maxLimit, limit)
	default:
		return limit, nil
	}
}

func ranked(entries []domain.LeaderboardEntry) []domain.Ranked {
	res := make([]domain.Ranked, 0, len(entries))
	for i, e := range entries {
		res = append(res, domain.Ranked{Rank: i + 1, Entry: e})
	}

	return res
}
