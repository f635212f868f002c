package migrations_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizrank/internal/migrations"
)

func TestMigrations_Discovered(t *testing.T) {
	ms := migrations.Migrations.Sorted()
	require.Len(t, ms, 2)

	assert.Equal(t, "20240601000001", ms[0].Name)
	assert.Equal(t, "20240601000002", ms[1].Name)

	for _, m := range ms {
		assert.NotNil(t, m.Up, "%s should have an up migration", m.Name)
		assert.NotNil(t, m.Down, "%s should have a down migration", m.Name)
	}
}
