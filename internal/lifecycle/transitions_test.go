package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinisafe/compliance-engine/internal/database"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to string }{
		{database.StatusNew, database.StatusInProgress},
		{database.StatusNew, database.StatusResolved},
		{database.StatusNew, database.StatusEscalated},
		{database.StatusInProgress, database.StatusResolved},
		{database.StatusInProgress, database.StatusEscalated},
		{database.StatusResolved, database.StatusClosed},
		{database.StatusEscalated, database.StatusResolved},
		{database.StatusEscalated, database.StatusClosed},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to string }{
		{database.StatusNew, database.StatusClosed},
		{database.StatusInProgress, database.StatusNew},
		{database.StatusResolved, database.StatusNew},
		{database.StatusResolved, database.StatusInProgress},
		{database.StatusResolved, database.StatusEscalated},
		{database.StatusClosed, database.StatusNew},
		{database.StatusClosed, database.StatusInProgress},
		{database.StatusClosed, database.StatusResolved},
		{database.StatusClosed, database.StatusEscalated},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestValidateTransitionError(t *testing.T) {
	err := ValidateTransition(database.StatusClosed, database.StatusNew)
	require.Error(t, err)

	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, database.StatusClosed, invalid.From)
	assert.Equal(t, database.StatusNew, invalid.To)
}

func TestClosedIsTerminal(t *testing.T) {
	for _, to := range []string{
		database.StatusNew, database.StatusInProgress,
		database.StatusResolved, database.StatusEscalated, database.StatusClosed,
	} {
		assert.False(t, CanTransition(database.StatusClosed, to))
	}
}
