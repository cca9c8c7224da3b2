package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunIDsAreUniqueV7(t *testing.T) {
	t.Parallel()

	gen := New()
	seen := make(map[string]bool)
	for range 16 {
		id, err := gen.NewID()
		require.NoError(t, err)
		parsed, err := goUUID.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, goUUID.Version(7), parsed.Version())
		assert.False(t, seen[id], "duplicate run id %s", id)
		seen[id] = true
	}
}

func TestRunIDsSortByStartTime(t *testing.T) {
	t.Parallel()

	gen := New()
	first, err := gen.NewID()
	require.NoError(t, err)
	second, err := gen.NewID()
	require.NoError(t, err)
	assert.Less(t, first, second)
}
