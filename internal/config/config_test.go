package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/victornm/quizrank/internal/config"
)

type testConfig struct {
	HTTP struct {
		Port int32
	}

	Quiz struct {
		QuestionCount    int
		OperationTimeout time.Duration
	}

	Redis struct {
		Addrs []string
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
http:
  port: 8080
quiz:
  operationtimeout: 3s
redis:
  addrs: ["localhost:6379"]
`), 0o600))

	t.Setenv("HTTP_PORT", "9090")

	var c testConfig
	c.Quiz.QuestionCount = 10

	require.NoError(t, config.Load(file, &c))

	require.Equal(t, int32(9090), c.HTTP.Port, "env should override file")
	require.Equal(t, 10, c.Quiz.QuestionCount, "default should be kept")
	require.Equal(t, 3*time.Second, c.Quiz.OperationTimeout)
	require.Equal(t, []string{"localhost:6379"}, c.Redis.Addrs)
}

func TestLoad_MissingFile(t *testing.T) {
	var c testConfig
	require.Error(t, config.Load(filepath.Join(t.TempDir(), "nope.yaml"), &c))
}

func TestDuration(t *testing.T) {
	require.Equal(t, time.Second, config.Duration(0, time.Second))
	require.Equal(t, time.Minute, config.Duration(time.Minute, time.Second))
}
