package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
	"github.com/victornm/quizrank/internal/event"
	"github.com/victornm/quizrank/internal/leaderboard"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type NotifierConfig struct {
	EventBus    event.Subscriber
	Leaderboard *leaderboard.Service
	Redis       Redis
	Prefix      string
}

// Notifier relays leaderboard updates to players through Redis pub/sub, so every
// API instance can push them to its own websocket clients.
type Notifier struct {
	ls     *leaderboard.Service
	redis  Redis
	prefix string
}

func NewNotifier(c NotifierConfig) *Notifier {
	n := &Notifier{
		ls:     c.Leaderboard,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	if c.EventBus != nil && c.Redis != nil {
		c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
			return n.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
		})
	}

	return n
}

// PublishLeaderboardUpdated notifies the updated user on their own channel and
// every connected player on the broadcast channel.
func (n *Notifier) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	entry := e.Entry
	data := toUserRanking(domain.Ranked{Entry: entry})

	if rank, err := n.ls.GetUserRanking(ctx, entry.UserID); err == nil {
		data.Rank = rank.Rank
	} else {
		slog.WarnContext(ctx, "pubsub: get rank failed", "user_id", entry.UserID, "error", err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		return n.publish(ctx, n.userChannel(entry.UserID), e.Name(), data)
	})
	eg.Go(func() error {
		return n.publish(ctx, n.broadcastChannel(), e.Name(), data)
	})

	return eg.Wait()
}

func (n *Notifier) publish(ctx context.Context, channel, name string, data any) error {
	b, err := json.Marshal(Notification{
		Event: name,
		Data:  data,
	})
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", name, err)
	}

	return n.redis.Publish(ctx, channel, b).Err()
}

func (n *Notifier) userChannel(userID int64) string {
	return fmt.Sprintf("%s:user:%d", n.prefix, userID)
}

func (n *Notifier) broadcastChannel() string {
	return fmt.Sprintf("%s:leaderboard", n.prefix)
}

// ServeWS relays the notifications of the user and the broadcast channel to a websocket.
func (a *API) ServeWS(c *gin.Context) {
	if a.redis == nil {
		_ = c.Error(errors.New(errors.CodeUnavailable, errors.WithMessagef("notifications are disabled")))
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub := a.redis.Subscribe(ctx, a.userChannel(userID(c)), a.broadcastChannel())
	defer sub.Close()

	// Wait for the subscription before upgrading, so nothing published once the
	// client is connected is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = c.Error(errors.Unavailable(fmt.Errorf("pubsub: subscribe: %w", err)))
		return
	}

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(ctx, "pubsub: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	eg, ctx := errgroup.WithContext(ctx)

	// Reader: only control frames are expected, a read error means the client left.
	eg.Go(func() error {
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return err
			}
		}
	})

	// Writer: the only goroutine writing to the connection. Closing the connection
	// on exit unblocks the reader.
	eg.Go(func() error {
		ticker := time.NewTicker(pingPeriod)
		defer func() {
			ticker.Stop()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = conn.Close()
		}()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case m, ok := <-msgs:
				if !ok {
					return nil
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, []byte(m.Payload)); err != nil {
					return err
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return err
				}
			}
		}
	})

	err = eg.Wait()
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		slog.InfoContext(c.Request.Context(), "pubsub: websocket closed", "user_id", userID(c), "error", err)
	}
}
