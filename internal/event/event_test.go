package event_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/event"
)

func TestBus_PublishSubscribe(t *testing.T) {
	var (
		finished = named(domain.EventNameGameFinished)
		updated  = named(domain.EventNameLeaderboardUpdated)
	)

	tests := map[string]struct {
		published []event.Event
		// subscriptions maps a handler name to the events it subscribes to.
		subscriptions map[string][]string
		want          map[string][]event.Event
	}{
		"handler only receives its events": {
			published:     []event.Event{finished, updated},
			subscriptions: map[string][]string{"leaderboard": {finished.Name()}},
			want:          map[string][]event.Event{"leaderboard": {finished}},
		},
		"every publication is delivered": {
			published:     []event.Event{finished, finished},
			subscriptions: map[string][]string{"leaderboard": {finished.Name()}},
			want:          map[string][]event.Event{"leaderboard": {finished, finished}},
		},
		"every handler gets its own delivery": {
			published: []event.Event{finished},
			subscriptions: map[string][]string{
				"leaderboard": {finished.Name()},
				"audit":       {finished.Name()},
			},
			want: map[string][]event.Event{
				"leaderboard": {finished},
				"audit":       {finished},
			},
		},
		"events without handlers are dropped": {
			published: []event.Event{updated, finished, named("unknown")},
			subscriptions: map[string][]string{
				"leaderboard": {finished.Name()},
				"notifier":    {updated.Name(), finished.Name()},
			},
			want: map[string][]event.Event{
				"leaderboard": {finished},
				"notifier":    {updated, finished},
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var mu sync.Mutex
			got := make(map[string][]event.Event)

			b := event.NewBus()
			for handler, names := range tt.subscriptions {
				for _, n := range names {
					b.Subscribe(n, func(_ context.Context, e event.Event) error {
						mu.Lock()
						got[handler] = append(got[handler], e)
						mu.Unlock()
						return nil
					})
				}
			}

			for _, e := range tt.published {
				require.NoError(t, b.Publish(context.Background(), e))
			}
			b.Stop()

			require.Len(t, got, len(tt.want))
			for handler, want := range tt.want {
				assert.ElementsMatch(t, want, got[handler], handler)
			}
		})
	}
}

type named string

func (e named) Name() string {
	return string(e)
}

func TestBus_RetryThenDeadLetter(t *testing.T) {
	var (
		calls atomic.Int32
		dead  []event.Event
		mu    sync.Mutex
	)

	b := event.NewBus(
		event.WithMaxAttempts(3),
		event.WithRetryDelay(time.Millisecond),
		event.WithDeadLetter(func(_ context.Context, e event.Event, err error) {
			mu.Lock()
			dead = append(dead, e)
			mu.Unlock()
		}),
	)

	b.Subscribe(domain.EventNameGameFinished, func(ctx context.Context, e event.Event) error {
		calls.Add(1)
		return errors.New("store down")
	})

	require.NoError(t, b.Publish(context.Background(), named(domain.EventNameGameFinished)))
	b.Stop()

	assert.Equal(t, int32(3), calls.Load(), "handler should be retried up to max attempts")
	assert.Equal(t, []event.Event{named(domain.EventNameGameFinished)}, dead)
}

func TestBus_RetrySucceeds(t *testing.T) {
	var calls atomic.Int32

	b := event.NewBus(
		event.WithRetryDelay(time.Millisecond),
		event.WithDeadLetter(func(_ context.Context, e event.Event, err error) {
			t.Errorf("event should not be dead-lettered: %v", err)
		}),
	)

	b.Subscribe(domain.EventNameGameFinished, func(ctx context.Context, e event.Event) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), named(domain.EventNameGameFinished)))
	b.Stop()

	assert.Equal(t, int32(2), calls.Load())
}

func TestBus_HandlerPanicIsRecovered(t *testing.T) {
	var dead atomic.Int32

	b := event.NewBus(
		event.WithMaxAttempts(1),
		event.WithDeadLetter(func(_ context.Context, e event.Event, err error) {
			dead.Add(1)
		}),
	)

	b.Subscribe(domain.EventNameGameFinished, func(ctx context.Context, e event.Event) error {
		panic("boom")
	})

	require.NoError(t, b.Publish(context.Background(), named(domain.EventNameGameFinished)))
	b.Stop()

	assert.Equal(t, int32(1), dead.Load())
}
