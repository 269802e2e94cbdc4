package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
)

func seedRide(t *testing.T, store *MemoryStore, status domain.RideStatus) domain.Ride {
	t.Helper()
	ride, err := store.CreateRide(context.Background(), domain.Ride{
		ID:            uuid.New(),
		PassengerID:   uuid.New(),
		EstimatedCost: 400,
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	return ride
}

func TestCASUpdateStatusGuardsExpected(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ride := seedRide(t, store, domain.StatusRequested)
	driverID := uuid.New()
	now := time.Now().UTC()

	moved, err := store.CASUpdateStatus(ctx, ride.ID, domain.StatusRequested, domain.StatusAssigned, &driverID, "", now)
	require.NoError(t, err)
	require.True(t, moved)

	// A second attempt with the stale expected status loses.
	other := uuid.New()
	moved, err = store.CASUpdateStatus(ctx, ride.ID, domain.StatusRequested, domain.StatusAssigned, &other, "", now)
	require.NoError(t, err)
	require.False(t, moved)

	got, err := store.GetRide(ctx, ride.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAssigned, got.Status)
	require.Equal(t, driverID, *got.DriverID)
	require.NotNil(t, got.AcceptedAt)
	require.Equal(t, now, *got.AcceptedAt)
}

func TestCASUpdateStatusSetsTimestampsOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ride := seedRide(t, store, domain.StatusRequested)
	driverID := uuid.New()

	t0 := time.Now().UTC()
	moved, err := store.CASUpdateStatus(ctx, ride.ID, domain.StatusRequested, domain.StatusAssigned, &driverID, "", t0)
	require.NoError(t, err)
	require.True(t, moved)

	t1 := t0.Add(time.Minute)
	moved, err = store.CASUpdateStatus(ctx, ride.ID, domain.StatusAssigned, domain.StatusDriverArrived, &driverID, "", t1)
	require.NoError(t, err)
	require.True(t, moved)

	got, _ := store.GetRide(ctx, ride.ID)
	require.Equal(t, t0, *got.AcceptedAt)
	require.Nil(t, got.StartedAt)

	t2 := t0.Add(2 * time.Minute)
	moved, err = store.CASUpdateStatus(ctx, ride.ID, domain.StatusDriverArrived, domain.StatusInProgress, &driverID, "", t2)
	require.NoError(t, err)
	require.True(t, moved)

	got, _ = store.GetRide(ctx, ride.ID)
	require.Equal(t, t2, *got.StartedAt)
}

func TestCASUpdateStatusCancellationRecordsReason(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ride := seedRide(t, store, domain.StatusRequested)
	now := time.Now().UTC()

	moved, err := store.CASUpdateStatus(ctx, ride.ID, domain.StatusRequested, domain.StatusCancelledSystem, nil, "No drivers available", now)
	require.NoError(t, err)
	require.True(t, moved)

	got, _ := store.GetRide(ctx, ride.ID)
	require.Equal(t, domain.StatusCancelledSystem, got.Status)
	require.Equal(t, "No drivers available", got.CancellationReason)
	require.Equal(t, now, *got.CancelledAt)
}

func TestStaleRequestedSelection(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	old, _ := store.CreateRide(ctx, domain.Ride{ID: uuid.New(), PassengerID: uuid.New(), Status: domain.StatusRequested, CreatedAt: now.Add(-20 * time.Minute)})
	store.CreateRide(ctx, domain.Ride{ID: uuid.New(), PassengerID: uuid.New(), Status: domain.StatusRequested, CreatedAt: now.Add(-5 * time.Minute)})
	store.CreateRide(ctx, domain.Ride{ID: uuid.New(), PassengerID: uuid.New(), Status: domain.StatusCompleted, CreatedAt: now.Add(-time.Hour)})

	stale, err := store.StaleRequested(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, old.ID, stale[0].ID)
}

func TestActiveRideForDriver(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	driverID := uuid.New()

	busy, err := store.ActiveRideForDriver(ctx, driverID)
	require.NoError(t, err)
	require.False(t, busy)

	store.CreateRide(ctx, domain.Ride{ID: uuid.New(), PassengerID: uuid.New(), DriverID: &driverID, Status: domain.StatusInProgress, CreatedAt: time.Now().UTC()})
	busy, err = store.ActiveRideForDriver(ctx, driverID)
	require.NoError(t, err)
	require.True(t, busy)

	done := uuid.New()
	store.CreateRide(ctx, domain.Ride{ID: uuid.New(), PassengerID: uuid.New(), DriverID: &done, Status: domain.StatusCompleted, CreatedAt: time.Now().UTC()})
	busy, err = store.ActiveRideForDriver(ctx, done)
	require.NoError(t, err)
	require.False(t, busy)
}

func TestRatingsDuplicateAndAverage(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ratee := uuid.New()
	rideID := uuid.New()
	rater := uuid.New()

	require.NoError(t, store.Add(ctx, domain.Rating{RideID: rideID, RatedBy: rater, RatedUser: ratee, Stars: 4}))
	err := store.Add(ctx, domain.Rating{RideID: rideID, RatedBy: rater, RatedUser: ratee, Stars: 5})
	require.ErrorIs(t, err, ErrAlreadyRated)

	require.NoError(t, store.Add(ctx, domain.Rating{RideID: uuid.New(), RatedBy: uuid.New(), RatedUser: ratee, Stars: 5}))

	avg, count, err := store.AverageFor(ctx, ratee)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.InDelta(t, 4.5, avg, 1e-9)
}
