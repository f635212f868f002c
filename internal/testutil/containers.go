//go:build integration_test

// Package testutil starts the backing services of integration tests in containers.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/migrations"
)

// StartPostgres starts a migrated Postgres and returns its DSN.
func StartPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()

	c := start(ctx, t, testcontainers.ContainerRequest{
		Image: "postgres:16-alpine",
		Env: map[string]string{
			"POSTGRES_USER":     "quizrank",
			"POSTGRES_PASSWORD": "quizrank",
			"POSTGRES_DB":       "quizrank",
		},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	})

	host, port := endpoint(ctx, t, c, "5432/tcp")
	dsn := fmt.Sprintf("postgres://quizrank:quizrank@%s:%s/quizrank?sslmode=disable", host, port)

	db := OpenBun(t, dsn)
	require.NoError(t, migrations.Migrate(ctx, db))

	return dsn
}

// OpenBun opens a bun DB closed at the end of the test.
func OpenBun(t *testing.T, dsn string) *bun.DB {
	t.Helper()

	db := bun.NewDB(sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn))), pgdialect.New())
	t.Cleanup(func() { _ = db.Close() })

	return db
}

// SeedQuestions inserts questions and their options, in order, into the question bank.
func SeedQuestions(ctx context.Context, t *testing.T, db *bun.DB, questions []domain.Question) {
	t.Helper()

	for _, q := range questions {
		limit := q.TimeLimitSeconds
		if limit == 0 {
			limit = 30
		}

		_, err := db.ExecContext(ctx,
			"INSERT INTO questions (id, statement, topic, difficulty, team_id, time_limit_seconds) VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?)",
			q.QuestionID, q.Statement, q.Topic, string(q.Difficulty), q.TeamID, limit)
		require.NoError(t, err)

		for i, o := range q.Options {
			_, err := db.ExecContext(ctx,
				"INSERT INTO answers (id, question_id, text, is_correct, position) VALUES (?, ?, ?, ?, ?)",
				o.OptionID, q.QuestionID, o.OptionText, o.IsCorrect, i)
			require.NoError(t, err)
		}
	}
}

// StartRedis starts a Redis server and returns its address.
func StartRedis(ctx context.Context, t *testing.T) string {
	t.Helper()

	c := start(ctx, t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	})

	host, port := endpoint(ctx, t, c, "6379/tcp")
	return host + ":" + port
}

// StartRabbitMQ starts a RabbitMQ broker and returns its AMQP URL.
func StartRabbitMQ(ctx context.Context, t *testing.T) string {
	t.Helper()

	c := start(ctx, t, testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
	})

	host, port := endpoint(ctx, t, c, "5672/tcp")
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port)
}

func start(ctx context.Context, t *testing.T, req testcontainers.ContainerRequest) testcontainers.Container {
	t.Helper()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil && strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
		t.Skipf("docker not available: %v", err)
	}
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = c.Terminate(context.Background())
	})

	return c
}

func endpoint(ctx context.Context, t *testing.T, c testcontainers.Container, port string) (string, string) {
	t.Helper()

	host, err := c.Host(ctx)
	require.NoError(t, err)

	p, err := c.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err)

	return host, p.Port()
}
