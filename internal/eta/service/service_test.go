package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
)

type staticRepo []LocationSnapshot

func (r staticRepo) Snapshot(_ context.Context, driverID uuid.UUID) (LocationSnapshot, bool) {
	for _, snap := range r {
		if snap.DriverID == driverID {
			return snap, true
		}
	}
	return LocationSnapshot{}, false
}

func (r staticRepo) All() []LocationSnapshot { return r }

func TestDistanceKM(t *testing.T) {
	almaty := domain.GeoPoint{Lat: 43.238949, Lng: 76.889709}
	astana := domain.GeoPoint{Lat: 51.169392, Lng: 71.449074}

	require.InDelta(t, 0, DistanceKM(almaty, almaty), 1e-9)
	// Almaty to Astana is roughly 970 km great-circle.
	require.InDelta(t, 970, DistanceKM(almaty, astana), 30)
}

func TestTripMinutesAtAverageSpeed(t *testing.T) {
	a := domain.GeoPoint{Lat: 43.238, Lng: 76.889}
	b := domain.GeoPoint{Lat: 43.33, Lng: 76.95}
	dist := DistanceKM(a, b)

	require.Equal(t, int(dist/30*60), TripMinutes(a, b))
	require.Zero(t, TripMinutes(a, a))
}

func TestEstimateDriverETAPicksClosest(t *testing.T) {
	pickup := domain.GeoPoint{Lat: 43.238, Lng: 76.889}
	near := uuid.New()
	far := uuid.New()
	svc := New(staticRepo{
		{DriverID: far, Point: domain.GeoPoint{Lat: 43.5, Lng: 77.2}, Updated: time.Now()},
		{DriverID: near, Point: domain.GeoPoint{Lat: 43.24, Lng: 76.89}, Updated: time.Now()},
	})

	eta, driverID := svc.EstimateDriverETA(context.Background(), pickup)
	require.NotNil(t, driverID)
	require.Equal(t, near, *driverID)
	require.Less(t, eta, 10*time.Minute)
}

func TestEstimateDriverETAEmpty(t *testing.T) {
	svc := New(staticRepo{})
	eta, driverID := svc.EstimateDriverETA(context.Background(), domain.GeoPoint{})
	require.Nil(t, driverID)
	require.Zero(t, eta)
}
