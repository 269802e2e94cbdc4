package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Qazaq159/taxi-dispatch/internal/directory"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
)

// ErrOfferGone means the ride already left requested: another driver won the
// acceptance race, or the ride was cancelled.
var ErrOfferGone = errors.New("ride is no longer available")

// ErrDriverBusy means the driver is already bound to an active ride.
var ErrDriverBusy = errors.New("driver already has an active ride")

// NoDriversReason is recorded on a system cancellation once every candidate
// has been exhausted.
const NoDriversReason = "No drivers available"

// Config carries the dispatch knobs.
type Config struct {
	// OfferTTL is how long a driver holds an offer before it auto-expires.
	OfferTTL time.Duration
	// OfflineRadiusKM bounds the informational nudge to nearby offline drivers.
	OfflineRadiusKM float64
	// ReservationTTL bounds the short driver reservation taken during accept.
	ReservationTTL time.Duration
}

// Manager broadcasts ride offers to drivers, arbitrates the acceptance race
// and escalates to further candidates as offers expire or get rejected.
//
// The ride store's conditional status update is the single source of truth for
// who won; everything the Manager tracks in memory (live offers, timers,
// exclusions) is derived state that it reconciles under the per-ride lock.
// Gateway sends and withdrawals are I/O and never run while the lock is held:
// each offer round plans under the lock, sends with it released, and commits
// the results only if the round is still current.
type Manager struct {
	store        domain.RideStore
	directory    domain.DriverDirectory
	gateway      domain.NotificationGateway
	reservations directory.ReservationStore
	events       domain.EventPublisher
	clock        domain.Clock
	locks        *KeyedMutex
	logger       *zap.Logger
	cfg          Config

	mu    sync.Mutex
	rides map[uuid.UUID]*offerSet
}

type liveOffer struct {
	driverID uuid.UUID
	handle   domain.MessageHandle
	timer    *time.Timer
}

type offerSet struct {
	// generation invalidates in-flight sends and stale timers: both carry the
	// generation they were issued under and become no-ops once it moves on.
	generation uint64
	live       map[uuid.UUID]*liveOffer
	excluded   map[uuid.UUID]struct{}
	// pending marks drivers with an offer send in flight, so overlapping
	// rounds do not double-offer them.
	pending map[uuid.UUID]struct{}
}

// sentOffer is a successful gateway send awaiting registration.
type sentOffer struct {
	driverID uuid.UUID
	handle   domain.MessageHandle
}

// NewManager constructs the offer manager.
func NewManager(
	store domain.RideStore,
	dir domain.DriverDirectory,
	gateway domain.NotificationGateway,
	reservations directory.ReservationStore,
	events domain.EventPublisher,
	clock domain.Clock,
	locks *KeyedMutex,
	logger *zap.Logger,
	cfg Config,
) *Manager {
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = 60 * time.Second
	}
	if cfg.OfflineRadiusKM <= 0 {
		cfg.OfflineRadiusKM = 10
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 10 * time.Second
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:        store,
		directory:    dir,
		gateway:      gateway,
		reservations: reservations,
		events:       events,
		clock:        clock,
		locks:        locks,
		logger:       logger,
		cfg:          cfg,
		rides:        make(map[uuid.UUID]*offerSet),
	}
}

// Broadcast opens the first offer round for a requested ride. When nobody at
// all can be reached the ride stays requested for the stale sweep: the
// passenger is told and nearby verified offline drivers get an informational
// nudge, with no accept affordance and no timer.
func (m *Manager) Broadcast(ctx context.Context, ride domain.Ride) error {
	if ride.Status != domain.StatusRequested {
		return nil
	}
	sent, live, current, err := m.offerRound(ctx, ride)
	if err != nil {
		return err
	}
	if current && sent == 0 && live == 0 {
		if err := m.gateway.SendToPassenger(ctx, ride.PassengerID, "No drivers are available right now. We will keep looking for one."); err != nil {
			m.logger.Warn("passenger notify failed", zap.String("ride_id", ride.ID.String()), zap.Error(err))
		}
		m.nudgeOffline(ctx, ride)
	}
	return nil
}

// offerRound fans the ride out to every online verified driver that holds no
// live offer, is not excluded and has no send already in flight. It reports
// how many offers it registered and how many are live afterwards; current is
// false when the round was overtaken while its sends were in flight, in which
// case the counts mean nothing.
func (m *Manager) offerRound(ctx context.Context, ride domain.Ride) (int, int, bool, error) {
	unlock := m.locks.Lock(ride.ID)
	set := m.setFor(ride.ID)
	gen := set.generation

	drivers, err := m.directory.OnlineVerified(ctx)
	if err != nil {
		unlock()
		return 0, 0, false, fmt.Errorf("list candidates: %w", err)
	}
	var targets []directory.Candidate
	for _, cand := range directory.RankCandidates(drivers, ride.Pickup) {
		id := cand.Driver.ID
		if _, has := set.live[id]; has {
			continue
		}
		if _, skip := set.excluded[id]; skip {
			continue
		}
		if _, inflight := set.pending[id]; inflight {
			continue
		}
		set.pending[id] = struct{}{}
		targets = append(targets, cand)
	}
	unlock()

	var sent []sentOffer
	for _, cand := range targets {
		handle, err := m.gateway.SendOffer(ctx, cand.Driver.ID, domain.OfferMessage{
			RideID:      ride.ID,
			Pickup:      shortAddress(ride.PickupAddress),
			Destination: shortAddress(ride.DestinationAddress),
			DisplayCost: ride.DisplayCost(),
			DistanceKM:  cand.DistanceKM,
			FareBoosts:  ride.FareBoosts,
		})
		if err != nil {
			m.logger.Warn("offer send failed",
				zap.String("ride_id", ride.ID.String()),
				zap.String("driver_id", cand.Driver.ID.String()),
				zap.Error(err))
			continue
		}
		offersSent.Inc()
		sent = append(sent, sentOffer{driverID: cand.Driver.ID, handle: handle})
	}

	unlock = m.locks.Lock(ride.ID)
	m.mu.Lock()
	cur, ok := m.rides[ride.ID]
	m.mu.Unlock()
	if !ok || cur.generation != gen {
		unlock()
		// An accept, cancellation or reprice overtook the round while the
		// sends were in flight; the messages just sent are stale.
		for _, s := range sent {
			offerOutcomes.WithLabelValues("withdrawn").Inc()
			if err := m.gateway.Withdraw(ctx, s.handle); err != nil {
				m.logger.Warn("offer withdrawal failed", zap.String("ride_id", ride.ID.String()), zap.Error(err))
			}
		}
		return 0, 0, false, nil
	}
	for _, cand := range targets {
		delete(cur.pending, cand.Driver.ID)
	}
	for _, s := range sent {
		driverID := s.driverID
		cur.live[driverID] = &liveOffer{
			driverID: driverID,
			handle:   s.handle,
			timer: time.AfterFunc(m.cfg.OfferTTL, func() {
				m.expire(ride.ID, driverID, gen)
			}),
		}
	}
	live := len(cur.live)
	unlock()
	return len(sent), live, true, nil
}

// shortAddress caps address text in offer messages at 50 characters.
func shortAddress(s string) string {
	const max = 50
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

// nudgeOffline pings verified offline drivers near the pickup when nobody
// online could be offered the ride. Best effort only.
func (m *Manager) nudgeOffline(ctx context.Context, ride domain.Ride) {
	if ride.Pickup.Zero() {
		return
	}
	nearby, err := m.directory.OfflineVerifiedNear(ctx, ride.Pickup, m.cfg.OfflineRadiusKM)
	if err != nil {
		m.logger.Warn("offline nudge lookup failed", zap.String("ride_id", ride.ID.String()), zap.Error(err))
		return
	}
	for _, drv := range nearby {
		text := fmt.Sprintf("A ride was requested near you (%s). Go online to receive offers.", ride.PickupAddress)
		if err := m.gateway.SendToDriver(ctx, drv.ID, text); err != nil {
			m.logger.Warn("offline nudge send failed", zap.String("driver_id", drv.ID.String()), zap.Error(err))
		}
	}
}

// Accept resolves the driver's attempt to take the ride. The conditional
// store update from requested to assigned decides the race; everyone who
// loses gets ErrOfferGone. A driver already on an active ride is refused
// before the store is touched.
func (m *Manager) Accept(ctx context.Context, rideID, driverID uuid.UUID) (domain.Ride, error) {
	unlock := m.locks.Lock(rideID)

	reserved, err := m.reservations.TryReserve(ctx, driverID, rideID, m.cfg.ReservationTTL)
	if err != nil {
		unlock()
		return domain.Ride{}, fmt.Errorf("reserve driver: %w", err)
	}
	if !reserved {
		unlock()
		acceptAttempts.WithLabelValues("busy").Inc()
		return domain.Ride{}, ErrDriverBusy
	}

	busy, err := m.store.ActiveRideForDriver(ctx, driverID)
	if err != nil {
		unlock()
		m.release(ctx, driverID)
		return domain.Ride{}, err
	}
	if busy {
		unlock()
		m.release(ctx, driverID)
		acceptAttempts.WithLabelValues("busy").Inc()
		return domain.Ride{}, ErrDriverBusy
	}

	now := m.clock.Now()
	won, err := m.store.CASUpdateStatus(ctx, rideID, domain.StatusRequested, domain.StatusAssigned, &driverID, "driver accepted", now)
	if err != nil {
		unlock()
		m.release(ctx, driverID)
		return domain.Ride{}, err
	}
	if !won {
		unlock()
		m.release(ctx, driverID)
		acceptAttempts.WithLabelValues("lost").Inc()
		return domain.Ride{}, ErrOfferGone
	}
	acceptAttempts.WithLabelValues("won").Inc()
	offerOutcomes.WithLabelValues("accepted").Inc()

	if err := m.store.AppendHistory(ctx, domain.StatusHistoryEntry{
		RideID:    rideID,
		Status:    domain.StatusAssigned,
		Notes:     fmt.Sprintf("accepted by driver %s", driverID),
		CreatedAt: now,
	}); err != nil {
		m.logger.Warn("history append failed", zap.String("ride_id", rideID.String()), zap.Error(err))
	}

	set := m.takeSet(rideID)
	unlock()

	m.withdrawOffers(ctx, rideID, set, &driverID)
	m.release(ctx, driverID)

	ride, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		return domain.Ride{}, err
	}

	if err := m.gateway.SendToPassenger(ctx, ride.PassengerID, "Your driver is on the way."); err != nil {
		m.logger.Warn("passenger notify failed", zap.String("ride_id", rideID.String()), zap.Error(err))
	}
	m.publish(ctx, domain.RideEvent{
		RideID:    rideID,
		Type:      domain.EventDriverAssigned,
		Payload:   map[string]any{"driver_id": driverID.String(), "display_cost": ride.DisplayCost()},
		CreatedAt: now,
	})
	return ride, nil
}

// Reject retires the driver's own offer and escalates to whoever has not been
// tried yet. A reject never changes ride state: when nobody else can be
// offered, the ride stays requested for the expiry and sweep paths. A reject
// from a driver without a live offer is a no-op.
func (m *Manager) Reject(ctx context.Context, rideID, driverID uuid.UUID) error {
	unlock := m.locks.Lock(rideID)
	set := m.setFor(rideID)
	offer, ok := set.live[driverID]
	if ok {
		offer.timer.Stop()
		delete(set.live, driverID)
		set.excluded[driverID] = struct{}{}
	}
	unlock()
	if !ok {
		return nil
	}
	offerOutcomes.WithLabelValues("rejected").Inc()

	if err := m.gateway.Withdraw(ctx, offer.handle); err != nil {
		m.logger.Warn("offer withdrawal failed", zap.String("ride_id", rideID.String()), zap.Error(err))
	}
	return m.escalate(ctx, rideID, false)
}

// expire runs when an offer timer fires. The liveness re-check makes firing
// idempotent: a timer racing with an accept, reject or reprice that already
// removed the offer does nothing.
func (m *Manager) expire(rideID, driverID uuid.UUID, gen uint64) {
	ctx := context.Background()
	unlock := m.locks.Lock(rideID)
	m.mu.Lock()
	set, ok := m.rides[rideID]
	m.mu.Unlock()
	if !ok || set.generation != gen {
		unlock()
		return
	}
	offer, ok := set.live[driverID]
	if !ok {
		unlock()
		return
	}
	delete(set.live, driverID)
	set.excluded[driverID] = struct{}{}
	unlock()
	offerOutcomes.WithLabelValues("expired").Inc()

	if err := m.gateway.Withdraw(ctx, offer.handle); err != nil {
		m.logger.Warn("offer withdrawal failed", zap.String("ride_id", rideID.String()), zap.Error(err))
	}
	if err := m.gateway.SendToDriver(ctx, driverID, "The ride offer has expired."); err != nil {
		m.logger.Warn("driver notify failed", zap.String("driver_id", driverID.String()), zap.Error(err))
	}

	if err := m.escalate(ctx, rideID, true); err != nil {
		m.logger.Error("escalation failed", zap.String("ride_id", rideID.String()), zap.Error(err))
	}
}

// escalate re-broadcasts to candidates that neither hold a live offer nor sit
// on the exclusion list. cancelOnEmpty tells the triggers apart: an expired
// offer with nobody left cancels the ride, a reject leaves it requested.
func (m *Manager) escalate(ctx context.Context, rideID uuid.UUID, cancelOnEmpty bool) error {
	ride, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		if errors.Is(err, domain.ErrRideNotFound) {
			m.forget(rideID)
			return nil
		}
		return err
	}
	if ride.Status != domain.StatusRequested {
		m.forget(rideID)
		return nil
	}
	sent, live, current, err := m.offerRound(ctx, ride)
	if err != nil {
		return err
	}
	if current && sent == 0 && live == 0 && cancelOnEmpty {
		return m.cancelNoDrivers(ctx, rideID, ride.PassengerID)
	}
	return nil
}

// Reprice invalidates every outstanding offer, applies the fare change and
// broadcasts the new price. The apply callback runs under the per-ride lock,
// so an accept that commits first is observed by apply, and an apply that
// commits first is observed by the following accept's conditional update.
func (m *Manager) Reprice(ctx context.Context, rideID uuid.UUID, apply func(context.Context) (domain.Ride, error)) error {
	unlock := m.locks.Lock(rideID)
	ride, err := apply(ctx)
	if err != nil {
		unlock()
		return err
	}

	set := m.setFor(rideID)
	set.generation++
	var handles []domain.MessageHandle
	for _, offer := range set.live {
		offer.timer.Stop()
		handles = append(handles, offer.handle)
	}
	set.live = make(map[uuid.UUID]*liveOffer)
	set.pending = make(map[uuid.UUID]struct{})
	// A boosted price is a fresh proposition, so earlier declines are
	// forgotten and those drivers are offered again.
	set.excluded = make(map[uuid.UUID]struct{})
	unlock()

	for _, h := range handles {
		offerOutcomes.WithLabelValues("withdrawn").Inc()
		if err := m.gateway.Withdraw(ctx, h); err != nil {
			m.logger.Warn("offer withdrawal failed", zap.String("ride_id", rideID.String()), zap.Error(err))
		}
	}
	_, _, _, err = m.offerRound(ctx, ride)
	return err
}

// CancelOffers withdraws every live offer for the ride and forgets its offer
// state. Called when the ride leaves requested through a cancellation.
func (m *Manager) CancelOffers(ctx context.Context, rideID uuid.UUID) {
	unlock := m.locks.Lock(rideID)
	set := m.takeSet(rideID)
	unlock()
	m.withdrawOffers(ctx, rideID, set, nil)
}

// takeSet detaches the ride's offer state and stops its timers. Caller holds
// the ride lock; withdrawals on the returned set happen after release.
func (m *Manager) takeSet(rideID uuid.UUID) *offerSet {
	m.mu.Lock()
	set, ok := m.rides[rideID]
	if ok {
		delete(m.rides, rideID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	for _, offer := range set.live {
		offer.timer.Stop()
	}
	return set
}

// withdrawOffers retracts every handle in a detached set, skipping the
// winner's own offer when one is given. Runs without the ride lock.
func (m *Manager) withdrawOffers(ctx context.Context, rideID uuid.UUID, set *offerSet, winner *uuid.UUID) {
	if set == nil {
		return
	}
	for driverID, offer := range set.live {
		if winner != nil && driverID == *winner {
			continue
		}
		offerOutcomes.WithLabelValues("withdrawn").Inc()
		if err := m.gateway.Withdraw(ctx, offer.handle); err != nil {
			m.logger.Warn("offer withdrawal failed", zap.String("ride_id", rideID.String()), zap.Error(err))
		}
	}
}

func (m *Manager) forget(rideID uuid.UUID) {
	unlock := m.locks.Lock(rideID)
	m.takeSet(rideID)
	unlock()
}

// cancelNoDrivers moves the ride to a system cancellation because every
// candidate was exhausted after an expiry. The conditional update runs under
// the ride lock; notifications go out after it is released.
func (m *Manager) cancelNoDrivers(ctx context.Context, rideID, passengerID uuid.UUID) error {
	now := m.clock.Now()
	unlock := m.locks.Lock(rideID)
	cancelled, err := m.store.CASUpdateStatus(ctx, rideID, domain.StatusRequested, domain.StatusCancelledSystem, nil, NoDriversReason, now)
	if err != nil {
		unlock()
		return err
	}
	if cancelled {
		if err := m.store.AppendHistory(ctx, domain.StatusHistoryEntry{
			RideID:    rideID,
			Status:    domain.StatusCancelledSystem,
			Notes:     NoDriversReason,
			CreatedAt: now,
		}); err != nil {
			m.logger.Warn("history append failed", zap.String("ride_id", rideID.String()), zap.Error(err))
		}
	}
	set := m.takeSet(rideID)
	unlock()

	m.withdrawOffers(ctx, rideID, set, nil)
	if !cancelled {
		return nil
	}
	noDriverCancellations.Inc()
	if err := m.gateway.SendToPassenger(ctx, passengerID, "Sorry, no drivers are available right now. Please try again later."); err != nil {
		m.logger.Warn("passenger notify failed", zap.String("ride_id", rideID.String()), zap.Error(err))
	}
	m.publish(ctx, domain.RideEvent{
		RideID:    rideID,
		Type:      domain.EventRideCancelled,
		Payload:   map[string]any{"reason": NoDriversReason, "status": string(domain.StatusCancelledSystem)},
		CreatedAt: now,
	})
	m.logger.Info("ride cancelled, no drivers", zap.String("ride_id", rideID.String()))
	return nil
}

// LiveOfferCount reports how many offers are outstanding for the ride.
func (m *Manager) LiveOfferCount(rideID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.rides[rideID]
	if !ok {
		return 0
	}
	return len(set.live)
}

func (m *Manager) setFor(rideID uuid.UUID) *offerSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.rides[rideID]
	if !ok {
		set = &offerSet{
			live:     make(map[uuid.UUID]*liveOffer),
			excluded: make(map[uuid.UUID]struct{}),
			pending:  make(map[uuid.UUID]struct{}),
		}
		m.rides[rideID] = set
	}
	return set
}

func (m *Manager) release(ctx context.Context, driverID uuid.UUID) {
	if err := m.reservations.Release(ctx, driverID); err != nil {
		m.logger.Warn("reservation release failed", zap.String("driver_id", driverID.String()), zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, event domain.RideEvent) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, event); err != nil {
		m.logger.Warn("event publish failed", zap.String("ride_id", event.RideID.String()), zap.Error(err))
	}
}
