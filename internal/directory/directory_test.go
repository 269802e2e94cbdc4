package directory_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Qazaq159/taxi-dispatch/internal/directory"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
)

func newRedisClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return client, cleanup
}

func TestOnlineVerifiedFiltersPresence(t *testing.T) {
	dir := directory.NewMemory(nil)
	online := uuid.New()
	dir.Register(domain.Driver{ID: online, Online: true, Verified: true})
	dir.Register(domain.Driver{ID: uuid.New(), Online: false, Verified: true})
	dir.Register(domain.Driver{ID: uuid.New(), Online: true, Verified: false})

	drivers, err := dir.OnlineVerified(context.Background())
	require.NoError(t, err)
	require.Len(t, drivers, 1)
	require.Equal(t, online, drivers[0].ID)
}

func TestRankCandidatesUnknownLocationFirst(t *testing.T) {
	pickup := domain.GeoPoint{Lat: 43.238, Lng: 76.889}
	near := domain.Driver{ID: uuid.New(), Location: &domain.GeoPoint{Lat: 43.24, Lng: 76.89}}
	far := domain.Driver{ID: uuid.New(), Location: &domain.GeoPoint{Lat: 43.5, Lng: 77.2}}
	unknown := domain.Driver{ID: uuid.New()}

	ranked := directory.RankCandidates([]domain.Driver{far, near, unknown}, pickup)
	require.Len(t, ranked, 3)
	require.Equal(t, unknown.ID, ranked[0].Driver.ID)
	require.Zero(t, ranked[0].DistanceKM)
	require.Equal(t, near.ID, ranked[1].Driver.ID)
	require.Equal(t, far.ID, ranked[2].Driver.ID)
	require.Less(t, ranked[1].DistanceKM, ranked[2].DistanceKM)
}

func TestOfflineVerifiedNearRadius(t *testing.T) {
	dir := directory.NewMemory(nil)
	pickup := domain.GeoPoint{Lat: 43.238, Lng: 76.889}

	nearOffline := uuid.New()
	dir.Register(domain.Driver{ID: nearOffline, Online: false, Verified: true, Location: &domain.GeoPoint{Lat: 43.25, Lng: 76.9}})
	dir.Register(domain.Driver{ID: uuid.New(), Online: false, Verified: true, Location: &domain.GeoPoint{Lat: 44.5, Lng: 78.0}})
	dir.Register(domain.Driver{ID: uuid.New(), Online: true, Verified: true, Location: &domain.GeoPoint{Lat: 43.24, Lng: 76.89}})

	drivers, err := dir.OfflineVerifiedNear(context.Background(), pickup, 10)
	require.NoError(t, err)
	require.Len(t, drivers, 1)
	require.Equal(t, nearOffline, drivers[0].ID)
}

func TestRedisGeoIndexNearSortedAscending(t *testing.T) {
	client, cleanup := newRedisClient(t)
	defer cleanup()

	geo := directory.NewRedisGeoIndex(client, "")
	ctx := context.Background()

	near := uuid.New()
	far := uuid.New()
	require.NoError(t, geo.Upsert(ctx, near, domain.GeoPoint{Lat: 43.24, Lng: 76.89}))
	require.NoError(t, geo.Upsert(ctx, far, domain.GeoPoint{Lat: 43.30, Lng: 76.95}))
	require.NoError(t, geo.Upsert(ctx, uuid.New(), domain.GeoPoint{Lat: 44.8, Lng: 78.5}))

	ids, err := geo.Near(ctx, domain.GeoPoint{Lat: 43.238, Lng: 76.889}, 15)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{near, far}, ids)
}

func TestReservationStoreExclusive(t *testing.T) {
	client, cleanup := newRedisClient(t)
	defer cleanup()

	store := directory.NewRedisReservationStore(client, "")
	ctx := context.Background()
	driverID := uuid.New()

	reserved, err := store.TryReserve(ctx, driverID, uuid.New(), time.Second)
	require.NoError(t, err)
	require.True(t, reserved)

	reserved, err = store.TryReserve(ctx, driverID, uuid.New(), time.Second)
	require.NoError(t, err)
	require.False(t, reserved)

	require.NoError(t, store.Release(ctx, driverID))

	reserved, err = store.TryReserve(ctx, driverID, uuid.New(), time.Second)
	require.NoError(t, err)
	require.True(t, reserved)
}

func TestUpsertLocationMirrorsToGeoIndex(t *testing.T) {
	client, cleanup := newRedisClient(t)
	defer cleanup()

	geo := directory.NewRedisGeoIndex(client, "")
	dir := directory.NewMemory(geo)
	ctx := context.Background()

	driverID := uuid.New()
	dir.Register(domain.Driver{ID: driverID, Online: false, Verified: true})
	require.NoError(t, dir.UpsertLocation(ctx, driverID, domain.GeoPoint{Lat: 43.24, Lng: 76.89}))

	ids, err := geo.Near(ctx, domain.GeoPoint{Lat: 43.238, Lng: 76.889}, 5)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{driverID}, ids)
}
