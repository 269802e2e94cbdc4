package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Qazaq159/taxi-dispatch/internal/directory"
	"github.com/Qazaq159/taxi-dispatch/internal/notify"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/dispatch"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/repository"
)

func TestSweepCancelsOnlyStaleRequested(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	gateway := notify.NewMemory()
	mgr := dispatch.NewManager(store, directory.NewMemory(nil), gateway,
		directory.NewMemoryReservationStore(), nil, domain.SystemClock{},
		dispatch.NewKeyedMutex(), zap.NewNop(), dispatch.Config{OfferTTL: time.Minute})

	now := time.Now().UTC()
	stale, _ := store.CreateRide(ctx, domain.Ride{
		ID: uuid.New(), PassengerID: uuid.New(),
		Status: domain.StatusRequested, CreatedAt: now.Add(-15 * time.Minute),
	})
	fresh, _ := store.CreateRide(ctx, domain.Ride{
		ID: uuid.New(), PassengerID: uuid.New(),
		Status: domain.StatusRequested, CreatedAt: now.Add(-2 * time.Minute),
	})
	driverID := uuid.New()
	assigned, _ := store.CreateRide(ctx, domain.Ride{
		ID: uuid.New(), PassengerID: uuid.New(), DriverID: &driverID,
		Status: domain.StatusAssigned, CreatedAt: now.Add(-30 * time.Minute),
	})

	sw := New(store, gateway, mgr, domain.SystemClock{}, zap.NewNop(),
		Config{StaleAfter: 10 * time.Minute, Interval: time.Minute})
	require.NoError(t, sw.SweepOnce(ctx))

	got, err := store.GetRide(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelledSystem, got.Status)
	require.Equal(t, dispatch.NoDriversReason, got.CancellationReason)
	require.NotEmpty(t, gateway.PassengerMessages(stale.PassengerID))

	got, err = store.GetRide(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRequested, got.Status)
	require.Empty(t, gateway.PassengerMessages(fresh.PassengerID))

	got, err = store.GetRide(ctx, assigned.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAssigned, got.Status)

	history, err := store.History(ctx, stale.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, domain.StatusCancelledSystem, history[0].Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	gateway := notify.NewMemory()
	mgr := dispatch.NewManager(store, directory.NewMemory(nil), gateway,
		directory.NewMemoryReservationStore(), nil, domain.SystemClock{},
		dispatch.NewKeyedMutex(), zap.NewNop(), dispatch.Config{OfferTTL: time.Minute})

	ride, _ := store.CreateRide(ctx, domain.Ride{
		ID: uuid.New(), PassengerID: uuid.New(),
		Status: domain.StatusRequested, CreatedAt: time.Now().UTC().Add(-time.Hour),
	})

	sw := New(store, gateway, mgr, domain.SystemClock{}, zap.NewNop(),
		Config{StaleAfter: 10 * time.Minute, Interval: time.Minute})
	require.NoError(t, sw.SweepOnce(ctx))
	require.NoError(t, sw.SweepOnce(ctx))

	// One cancellation, one notification.
	require.Len(t, gateway.PassengerMessages(ride.PassengerID), 1)
	history, err := store.History(ctx, ride.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
}
