package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	EventNameGameFinished       = "game.finished"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

// EventGameFinished is published once when a session completes naturally.
type EventGameFinished struct {
	SessionID        string    `json:"session_id"`
	UserID           int64     `json:"user_id"`
	UserName         string    `json:"user_name"`
	TotalPoints      int       `json:"total_points"`
	TotalTimeSeconds int       `json:"total_time_seconds"`
	CorrectAnswers   int       `json:"correct_answers"`
	TotalQuestions   int       `json:"total_questions"`
	FinishedAt       time.Time `json:"finished_at"`
}

func (EventGameFinished) Name() string { return EventNameGameFinished }

// Perfect reports whether every question of the quiz was answered correctly.
func (e EventGameFinished) Perfect() bool {
	return e.TotalQuestions > 0 && e.CorrectAnswers == e.TotalQuestions
}

type EventLeaderboardUpdated struct {
	Entry LeaderboardEntry
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }

// DecodeEvent rebuilds a wire event from its routing key and JSON body.
func DecodeEvent(name string, body []byte) (interface{ Name() string }, error) {
	switch name {
	case EventNameGameFinished:
		var e EventGameFinished
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if e.UserID == 0 {
			return nil, fmt.Errorf("decode %s: missing user_id", name)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
}
