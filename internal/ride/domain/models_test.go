package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
)

func TestStatusTransitions(t *testing.T) {
	require.True(t, domain.StatusRequested.CanTransitionTo(domain.StatusAssigned))
	require.True(t, domain.StatusAssigned.CanTransitionTo(domain.StatusDriverArrived))
	require.True(t, domain.StatusAssigned.CanTransitionTo(domain.StatusDriverEnroute))
	require.True(t, domain.StatusDriverArrived.CanTransitionTo(domain.StatusInProgress))
	require.True(t, domain.StatusInProgress.CanTransitionTo(domain.StatusCompleted))

	require.False(t, domain.StatusRequested.CanTransitionTo(domain.StatusInProgress))
	require.False(t, domain.StatusRequested.CanTransitionTo(domain.StatusDriverArrived))
	require.False(t, domain.StatusAssigned.CanTransitionTo(domain.StatusCompleted))
}

func TestCancelledReachableFromAnyNonTerminalState(t *testing.T) {
	nonTerminal := []domain.RideStatus{
		domain.StatusRequested,
		domain.StatusAssigned,
		domain.StatusDriverEnroute,
		domain.StatusDriverArrived,
		domain.StatusInProgress,
	}
	for _, from := range nonTerminal {
		require.True(t, from.CanTransitionTo(domain.StatusCancelledPassenger), "from %s", from)
		require.True(t, from.CanTransitionTo(domain.StatusCancelledDriver), "from %s", from)
		require.True(t, from.CanTransitionTo(domain.StatusCancelledSystem), "from %s", from)
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	terminal := []domain.RideStatus{
		domain.StatusCompleted,
		domain.StatusCancelledPassenger,
		domain.StatusCancelledDriver,
		domain.StatusCancelledSystem,
	}
	for _, from := range terminal {
		require.True(t, from.Terminal())
		require.False(t, from.CanTransitionTo(domain.StatusAssigned), "from %s", from)
		require.False(t, from.CanTransitionTo(domain.StatusCancelledSystem), "from %s", from)
	}
}

func TestDisplayCostPrefersBoostedCost(t *testing.T) {
	ride := domain.Ride{EstimatedCost: 400}
	require.EqualValues(t, 400, ride.DisplayCost())

	boosted := int64(500)
	ride.CurrentCost = &boosted
	require.EqualValues(t, 500, ride.DisplayCost())
}

func TestDurationMinutes(t *testing.T) {
	ride := domain.Ride{}
	_, ok := ride.DurationMinutes()
	require.False(t, ok)

	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(23*time.Minute + 40*time.Second)
	ride.StartedAt = &start
	_, ok = ride.DurationMinutes()
	require.False(t, ok)

	ride.CompletedAt = &end
	minutes, ok := ride.DurationMinutes()
	require.True(t, ok)
	require.Equal(t, 23, minutes)
}
