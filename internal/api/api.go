package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/quizrank/internal/errors"
	"github.com/victornm/quizrank/internal/event"
	"github.com/victornm/quizrank/internal/leaderboard"
	"github.com/victornm/quizrank/internal/session"
)

const (
	headerUserID   = "X-User-Id"
	headerUserName = "X-User-Name"

	keyUserID = "user_id"
)

type Config struct {
	Router       gin.IRouter
	EventBus     event.Subscriber
	Session      *session.Service
	Leaderboard  *leaderboard.Service
	Redis        Redis
	PubsubPrefix string
}

// Redis is the pub/sub side of Redis used for player notifications.
type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type API struct {
	*Notifier

	qss *session.Service
	ls  *leaderboard.Service

	upgrader websocket.Upgrader
}

func New(c Config) *API {
	a := &API{
		Notifier: NewNotifier(NotifierConfig{
			EventBus:    c.EventBus,
			Leaderboard: c.Leaderboard,
			Redis:       c.Redis,
			Prefix:      c.PubsubPrefix,
		}),
		qss: c.Session,
		ls:  c.Leaderboard,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	// HTTP APIs
	r := c.Router
	r.Use(handleError())

	quizzes := r.Group("/api/quizzes", requireUser())
	quizzes.POST("/start", a.StartQuiz)
	quizzes.GET("/current", a.GetCurrentQuiz)
	quizzes.POST("/answer", a.SubmitAnswer)
	quizzes.POST("/abandon/:session_id", a.AbandonQuiz)
	quizzes.GET("/history", a.GetHistory)
	quizzes.GET("/sessions/:session_id", a.GetSession)

	lb := r.Group("/api/leaderboard")
	lb.GET("/general", a.GetGeneralRanking)
	lb.GET("/fastest", a.GetFastestPlayers)
	lb.GET("/user/:user_id", a.GetUserRanking)

	r.GET("/ws", requireUser(), a.ServeWS)

	return a
}

// requireUser reads the user identity injected by the gateway.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader(headerUserID), 10, 64)
		if err != nil || id <= 0 {
			abort(c, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("missing or invalid %s header", headerUserID)))
			return
		}

		c.Set(keyUserID, id)
		c.Next()
	}
}

// handleError renders the last error of a request as {code, kind, message}.
func handleError() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		ge := c.Errors.Last()
		if ge == nil {
			return
		}

		e := errors.Convert(ge.Err)
		if e.HTTPStatusCode() >= http.StatusInternalServerError {
			slog.ErrorContext(c.Request.Context(), "api: request failed",
				"method", c.Request.Method,
				"path", c.FullPath(),
				"error", ge.Err,
			)
		}

		if c.Writer.Written() {
			return
		}

		c.JSON(e.HTTPStatusCode(), e)
	}
}

func abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

func userID(c *gin.Context) int64 {
	return c.GetInt64(keyUserID)
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return fallback, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Validation("invalid %s: %q", key, v)
	}

	return n, nil
}
