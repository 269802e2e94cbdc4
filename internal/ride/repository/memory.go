package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
)

// ErrAlreadyRated indicates a duplicate (ride, rater, ratee) rating.
var ErrAlreadyRated = errors.New("already rated")

// MemoryStore provides an in-memory RideStore suitable for tests and local
// demos. All mutations happen under one lock, which makes CASUpdateStatus a
// genuine compare-and-set.
type MemoryStore struct {
	mu             sync.RWMutex
	rides          map[uuid.UUID]domain.Ride
	history        map[uuid.UUID][]domain.StatusHistoryEntry
	ratings        []domain.Rating
	passengerRides map[uuid.UUID]int
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:          make(map[uuid.UUID]domain.Ride),
		history:        make(map[uuid.UUID][]domain.StatusHistoryEntry),
		passengerRides: make(map[uuid.UUID]int),
	}
}

// CreateRide stores the ride and returns it.
func (m *MemoryStore) CreateRide(_ context.Context, ride domain.Ride) (domain.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[ride.ID] = ride
	return ride, nil
}

// GetRide retrieves a ride.
func (m *MemoryStore) GetRide(_ context.Context, id uuid.UUID) (domain.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ride, ok := m.rides[id]
	if !ok {
		return domain.Ride{}, domain.ErrRideNotFound
	}
	return ride, nil
}

// CASUpdateStatus transitions the ride only when its stored status equals
// expected. The timestamp for the entered state is set the first time only;
// cancelled variants also record the reason.
func (m *MemoryStore) CASUpdateStatus(_ context.Context, id uuid.UUID, expected, next domain.RideStatus, driverID *uuid.UUID, notes string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ride, ok := m.rides[id]
	if !ok {
		return false, domain.ErrRideNotFound
	}
	if ride.Status != expected {
		return false, nil
	}

	ride.Status = next
	if driverID != nil {
		ride.DriverID = driverID
	}
	switch {
	case next == domain.StatusAssigned && ride.AcceptedAt == nil:
		ride.AcceptedAt = &at
	case next == domain.StatusInProgress && ride.StartedAt == nil:
		ride.StartedAt = &at
	case next == domain.StatusCompleted && ride.CompletedAt == nil:
		ride.CompletedAt = &at
	case next.Cancelled() && ride.CancelledAt == nil:
		ride.CancelledAt = &at
		ride.CancellationReason = notes
	}
	m.rides[id] = ride
	return true, nil
}

// UpdateFare persists a boosted cost and the boost counter.
func (m *MemoryStore) UpdateFare(_ context.Context, id uuid.UUID, currentCost int64, boosts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ride, ok := m.rides[id]
	if !ok {
		return domain.ErrRideNotFound
	}
	ride.CurrentCost = &currentCost
	ride.FareBoosts = boosts
	m.rides[id] = ride
	return nil
}

// AppendHistory appends an immutable audit entry.
func (m *MemoryStore) AppendHistory(_ context.Context, entry domain.StatusHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[entry.RideID] = append(m.history[entry.RideID], entry)
	return nil
}

// History returns the audit trail in append order.
func (m *MemoryStore) History(_ context.Context, id uuid.UUID) ([]domain.StatusHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.StatusHistoryEntry(nil), m.history[id]...), nil
}

// StaleRequested returns rides still in requested created before olderThan.
func (m *MemoryStore) StaleRequested(_ context.Context, olderThan time.Time) ([]domain.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stale []domain.Ride
	for _, ride := range m.rides {
		if ride.Status == domain.StatusRequested && ride.CreatedAt.Before(olderThan) {
			stale = append(stale, ride)
		}
	}
	return stale, nil
}

// ActiveRideForDriver reports whether the driver is bound to any ride in an
// active status.
func (m *MemoryStore) ActiveRideForDriver(_ context.Context, driverID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ride := range m.rides {
		if ride.DriverID != nil && *ride.DriverID == driverID && ride.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

// IncrementPassengerRides bumps the passenger's lifetime completed counter.
func (m *MemoryStore) IncrementPassengerRides(_ context.Context, passengerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passengerRides[passengerID]++
	return nil
}

// PassengerRides returns the lifetime counter (for tests).
func (m *MemoryStore) PassengerRides(passengerID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.passengerRides[passengerID]
}

// Add persists a rating, rejecting duplicates per (ride, rater, ratee).
func (m *MemoryStore) Add(_ context.Context, rating domain.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.ratings {
		if existing.RideID == rating.RideID && existing.RatedBy == rating.RatedBy && existing.RatedUser == rating.RatedUser {
			return ErrAlreadyRated
		}
	}
	m.ratings = append(m.ratings, rating)
	return nil
}

// AverageFor computes the mean over every rating the user ever received.
func (m *MemoryStore) AverageFor(_ context.Context, userID uuid.UUID) (float64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum, count int
	for _, rating := range m.ratings {
		if rating.RatedUser == userID {
			sum += rating.Stars
			count++
		}
	}
	if count == 0 {
		return 0, 0, nil
	}
	return float64(sum) / float64(count), count, nil
}
