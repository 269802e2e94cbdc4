package service

import (
	"context"
	"sync"
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

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store     *repository.MemoryStore
	directory *directory.Memory
	gateway   *notify.Memory
	clock     *manualClock
	svc       *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	dir := directory.NewMemory(nil)
	gateway := notify.NewMemory()
	clock := &manualClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	locks := dispatch.NewKeyedMutex()
	mgr := dispatch.NewManager(store, dir, gateway,
		directory.NewMemoryReservationStore(), nil, clock, locks, zap.NewNop(),
		dispatch.Config{OfferTTL: time.Minute, OfflineRadiusKM: 10})
	svc := New(store, store, dir, gateway, mgr, nil, clock,
		repository.NewMemoryIdempotencyRepo(), zap.NewNop(),
		Config{DefaultRideCost: 400, BoostAmount: 100, MaxBoosts: 3})
	return &fixture{store: store, directory: dir, gateway: gateway, clock: clock, svc: svc}
}

func (f *fixture) addDriver(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.directory.Register(domain.Driver{ID: id, Online: true, Verified: true})
	return id
}

func (f *fixture) request(t *testing.T, passenger uuid.UUID) CreateRideResponse {
	t.Helper()
	resp, err := f.svc.CreateRide(context.Background(), "", CreateRideRequest{
		PassengerID:        passenger,
		PickupAddress:      "Abay 10",
		DestinationAddress: "Dostyk 240",
	})
	require.NoError(t, err)
	return resp
}

func TestCreateRideValidation(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t)

	_, err := f.svc.CreateRide(context.Background(), "", CreateRideRequest{PassengerID: uuid.New()})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.CreateRide(context.Background(), "", CreateRideRequest{
		PickupAddress: "a", DestinationAddress: "b",
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateRideIdempotency(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t)
	passenger := uuid.New()

	req := CreateRideRequest{PassengerID: passenger, PickupAddress: "a", DestinationAddress: "b"}
	first, err := f.svc.CreateRide(context.Background(), "req-1", req)
	require.NoError(t, err)
	second, err := f.svc.CreateRide(context.Background(), "req-1", req)
	require.NoError(t, err)
	require.Equal(t, first.RideID, second.RideID)
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(t)
	driver := f.addDriver(t)
	passenger := uuid.New()
	ctx := context.Background()

	created := f.request(t, passenger)
	require.Equal(t, domain.StatusRequested, created.Status)
	require.Equal(t, int64(400), created.EstimatedCost)

	ride, err := f.svc.AcceptRide(ctx, created.RideID, driver)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAssigned, ride.Status)
	require.NotNil(t, ride.AcceptedAt)

	ride, err = f.svc.DriverArrived(ctx, created.RideID, driver)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDriverArrived, ride.Status)

	ride, err = f.svc.StartRide(ctx, created.RideID, driver)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, ride.Status)
	require.NotNil(t, ride.StartedAt)

	f.clock.Advance(15 * time.Minute)
	ride, err = f.svc.CompleteRide(ctx, created.RideID, driver)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, ride.Status)
	mins, ok := ride.DurationMinutes()
	require.True(t, ok)
	require.Equal(t, 15, mins)

	require.Equal(t, 1, f.store.PassengerRides(passenger))
	drv, err := f.directory.GetDriver(ctx, driver)
	require.NoError(t, err)
	require.Equal(t, 1, drv.TotalRides)

	msgs := f.gateway.PassengerMessages(passenger)
	require.NotEmpty(t, msgs)
	require.Contains(t, msgs[len(msgs)-1], "400")

	history, err := f.svc.History(ctx, created.RideID, passenger)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(history), 5)
	require.Equal(t, domain.StatusRequested, history[0].Status)
	require.Equal(t, domain.StatusCompleted, history[len(history)-1].Status)
}

func TestDriverTransitionsRequireBoundDriver(t *testing.T) {
	f := newFixture(t)
	driver := f.addDriver(t)
	stranger := uuid.New()
	ctx := context.Background()

	created := f.request(t, uuid.New())
	_, err := f.svc.AcceptRide(ctx, created.RideID, driver)
	require.NoError(t, err)

	_, err = f.svc.DriverArrived(ctx, created.RideID, stranger)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	// A driver cannot skip straight to in_progress from assigned.
	_, err = f.svc.StartRide(ctx, created.RideID, driver)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestBoostFareStepsAndCap(t *testing.T) {
	f := newFixture(t)
	driver := f.addDriver(t)
	passenger := uuid.New()
	ctx := context.Background()
	created := f.request(t, passenger)

	want := []int64{500, 600, 700}
	for i, cost := range want {
		resp, err := f.svc.BoostFare(ctx, created.RideID, passenger)
		require.NoError(t, err)
		require.Equal(t, cost, resp.DisplayCost)
		require.Equal(t, i+1, resp.FareBoosts)
		require.Equal(t, 2-i, resp.BoostsLeft)
	}
	offersBefore := len(f.gateway.OffersForDriver(driver))

	_, err := f.svc.BoostFare(ctx, created.RideID, passenger)
	require.ErrorIs(t, err, ErrBoostLimit)

	// The refused boost leaves cost and count untouched and triggers no
	// re-broadcast.
	ride, err := f.store.GetRide(ctx, created.RideID)
	require.NoError(t, err)
	require.Equal(t, int64(700), ride.DisplayCost())
	require.Equal(t, 3, ride.FareBoosts)
	require.Len(t, f.gateway.OffersForDriver(driver), offersBefore)

	// Boosts are priced, not audited: the trail holds status transitions only.
	history, err := f.svc.History(ctx, created.RideID, passenger)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, domain.StatusRequested, history[0].Status)
}

func TestBoostFarePermissionAndState(t *testing.T) {
	f := newFixture(t)
	driver := f.addDriver(t)
	passenger := uuid.New()
	ctx := context.Background()
	created := f.request(t, passenger)

	_, err := f.svc.BoostFare(ctx, created.RideID, uuid.New())
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = f.svc.AcceptRide(ctx, created.RideID, driver)
	require.NoError(t, err)

	_, err = f.svc.BoostFare(ctx, created.RideID, passenger)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAcceptAfterBoostPaysBoostedPrice(t *testing.T) {
	f := newFixture(t)
	driver := f.addDriver(t)
	passenger := uuid.New()
	ctx := context.Background()
	created := f.request(t, passenger)

	_, err := f.svc.BoostFare(ctx, created.RideID, passenger)
	require.NoError(t, err)

	ride, err := f.svc.AcceptRide(ctx, created.RideID, driver)
	require.NoError(t, err)
	require.Equal(t, int64(500), ride.DisplayCost())
}

func TestPassengerCancelWithdrawsOffers(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t)
	passenger := uuid.New()
	ctx := context.Background()
	created := f.request(t, passenger)

	ride, err := f.svc.CancelRide(ctx, created.RideID, passenger, "")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelledPassenger, ride.Status)
	require.NotNil(t, ride.CancelledAt)
	require.NotEmpty(t, f.gateway.Withdrawn())
}

func TestDriverCancelNotifiesPassenger(t *testing.T) {
	f := newFixture(t)
	driver := f.addDriver(t)
	passenger := uuid.New()
	ctx := context.Background()
	created := f.request(t, passenger)

	_, err := f.svc.AcceptRide(ctx, created.RideID, driver)
	require.NoError(t, err)

	ride, err := f.svc.CancelRide(ctx, created.RideID, driver, "")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelledDriver, ride.Status)

	msgs := f.gateway.PassengerMessages(passenger)
	require.Contains(t, msgs[len(msgs)-1], "cancelled")
}

func TestCancelCompletedRideRejected(t *testing.T) {
	f := newFixture(t)
	driver := f.addDriver(t)
	passenger := uuid.New()
	ctx := context.Background()
	created := f.request(t, passenger)

	_, err := f.svc.AcceptRide(ctx, created.RideID, driver)
	require.NoError(t, err)
	_, err = f.svc.DriverArrived(ctx, created.RideID, driver)
	require.NoError(t, err)
	_, err = f.svc.StartRide(ctx, created.RideID, driver)
	require.NoError(t, err)
	_, err = f.svc.CompleteRide(ctx, created.RideID, driver)
	require.NoError(t, err)

	_, err = f.svc.CancelRide(ctx, created.RideID, passenger, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRateRideSettlesAverage(t *testing.T) {
	f := newFixture(t)
	driver := f.addDriver(t)
	passenger := uuid.New()
	ctx := context.Background()

	// Historic ratings from earlier rides: average 4.0 over 3.
	for _, stars := range []int{4, 4, 4} {
		require.NoError(t, f.store.Add(ctx, domain.Rating{
			RideID:    uuid.New(),
			RatedBy:   uuid.New(),
			RatedUser: driver,
			Stars:     stars,
			CreatedAt: f.clock.Now(),
		}))
	}

	created := f.request(t, passenger)
	_, err := f.svc.AcceptRide(ctx, created.RideID, driver)
	require.NoError(t, err)
	_, err = f.svc.DriverArrived(ctx, created.RideID, driver)
	require.NoError(t, err)
	_, err = f.svc.StartRide(ctx, created.RideID, driver)
	require.NoError(t, err)
	_, err = f.svc.CompleteRide(ctx, created.RideID, driver)
	require.NoError(t, err)

	resp, err := f.svc.RateRide(ctx, created.RideID, passenger, RateRideRequest{Stars: 5})
	require.NoError(t, err)
	require.Equal(t, driver, resp.RatedUser)
	require.InDelta(t, 4.25, resp.AverageRating, 1e-9)
	require.Equal(t, 4, resp.RatingCount)

	drv, err := f.directory.GetDriver(ctx, driver)
	require.NoError(t, err)
	require.InDelta(t, 4.25, drv.AverageRating, 1e-9)

	// Second rating of the same ride by the same rater is refused.
	_, err = f.svc.RateRide(ctx, created.RideID, passenger, RateRideRequest{Stars: 1})
	require.ErrorIs(t, err, repository.ErrAlreadyRated)

	// The driver rates the passenger back.
	back, err := f.svc.RateRide(ctx, created.RideID, driver, RateRideRequest{Stars: 3})
	require.NoError(t, err)
	require.Equal(t, passenger, back.RatedUser)
	require.InDelta(t, 3.0, back.AverageRating, 1e-9)
}

func TestRateRideGuards(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t)
	passenger := uuid.New()
	ctx := context.Background()
	created := f.request(t, passenger)

	_, err := f.svc.RateRide(ctx, created.RideID, passenger, RateRideRequest{Stars: 6})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.RateRide(ctx, created.RideID, passenger, RateRideRequest{Stars: 4})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.svc.RateRide(ctx, created.RideID, uuid.New(), RateRideRequest{Stars: 4})
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
}
