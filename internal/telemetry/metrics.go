package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quizrank_sessions_started_total",
		Help: "Number of quiz sessions started.",
	})

	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quizrank_sessions_finished_total",
		Help: "Number of quiz sessions that reached a terminal status.",
	}, []string{"status"})

	AnswersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quizrank_answers_submitted_total",
		Help: "Number of accepted answers, by correctness.",
	}, []string{"correct"})

	EventsPublishFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quizrank_events_publish_failed_total",
		Help: "Number of events that could not be handed to the event bus.",
	}, []string{"event"})

	LeaderboardUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quizrank_leaderboard_updates_total",
		Help: "Outcome of applying finished games to the leaderboard.",
	}, []string{"result"})
)
