package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type RideStatus string

const (
	StatusRequested          RideStatus = "requested"
	StatusAssigned           RideStatus = "assigned"
	StatusDriverEnroute      RideStatus = "driver_enroute"
	StatusDriverArrived      RideStatus = "driver_arrived"
	StatusInProgress         RideStatus = "in_progress"
	StatusCompleted          RideStatus = "completed"
	StatusCancelledPassenger RideStatus = "cancelled_by_passenger"
	StatusCancelledDriver    RideStatus = "cancelled_by_driver"
	StatusCancelledSystem    RideStatus = "cancelled_by_system"
)

var ErrInvalidTransition = errors.New("invalid ride state transition")
var ErrRideNotFound = errors.New("ride not found")
var ErrPermissionDenied = errors.New("caller is not a party to this ride")

var cancelStatuses = []RideStatus{StatusCancelledPassenger, StatusCancelledDriver, StatusCancelledSystem}

var allowedTransitions = map[RideStatus][]RideStatus{
	StatusRequested:     {StatusAssigned},
	StatusAssigned:      {StatusDriverEnroute, StatusDriverArrived},
	StatusDriverEnroute: {StatusDriverArrived},
	StatusDriverArrived: {StatusInProgress},
	StatusInProgress:    {StatusCompleted},
}

// CanTransitionTo reports whether next is a legal successor of s. Every
// cancelled variant is reachable from any non-terminal state.
func (s RideStatus) CanTransitionTo(next RideStatus) bool {
	if s.Terminal() {
		return false
	}
	if next.Cancelled() {
		return true
	}
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s.Cancelled()
}

// Cancelled reports whether s is one of the cancelled variants.
func (s RideStatus) Cancelled() bool {
	for _, c := range cancelStatuses {
		if s == c {
			return true
		}
	}
	return false
}

// Active reports whether a driver bound to a ride in this status is occupied
// and must not accept another offer.
func (s RideStatus) Active() bool {
	switch s {
	case StatusAssigned, StatusDriverEnroute, StatusDriverArrived, StatusInProgress:
		return true
	}
	return false
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Zero reports whether the point carries no coordinates.
func (p GeoPoint) Zero() bool { return p.Lat == 0 && p.Lng == 0 }

type Ride struct {
	ID          uuid.UUID
	PassengerID uuid.UUID
	DriverID    *uuid.UUID

	PickupAddress      string
	Pickup             GeoPoint
	DestinationAddress string
	Destination        GeoPoint

	// EstimatedCost is fixed at creation from the configured default.
	// CurrentCost is set once the passenger boosts the fare.
	EstimatedCost int64
	CurrentCost   *int64
	FareBoosts    int

	Status      RideStatus
	CreatedAt   time.Time
	AcceptedAt  *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time

	CancellationReason string
}

// DisplayCost is the passenger- and driver-facing price: the boosted cost when
// one exists, the estimate otherwise.
func (r Ride) DisplayCost() int64 {
	if r.CurrentCost != nil {
		return *r.CurrentCost
	}
	return r.EstimatedCost
}

// DurationMinutes returns the completed ride duration in whole minutes, or
// false until both timestamps exist.
func (r Ride) DurationMinutes() (int, bool) {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0, false
	}
	return int(r.CompletedAt.Sub(*r.StartedAt).Minutes()), true
}

// Party reports whether userID is the ride's passenger or its bound driver.
func (r Ride) Party(userID uuid.UUID) bool {
	if r.PassengerID == userID {
		return true
	}
	return r.DriverID != nil && *r.DriverID == userID
}

// StatusHistoryEntry is a write-once audit record of one transition.
type StatusHistoryEntry struct {
	RideID    uuid.UUID
	Status    RideStatus
	Notes     string
	CreatedAt time.Time
}

type Rating struct {
	RideID    uuid.UUID
	RatedBy   uuid.UUID
	RatedUser uuid.UUID
	Stars     int
	Comment   string
	CreatedAt time.Time
}

type Driver struct {
	ID            uuid.UUID
	Online        bool
	Verified      bool
	Location      *GeoPoint
	TotalRides    int
	AverageRating float64
}

// RideStore is the durable ride record. CASUpdateStatus is the sole
// acceptance arbiter: it transitions only when the stored status equals
// expected, setting the entered state's timestamp the first time only.
type RideStore interface {
	CreateRide(ctx context.Context, ride Ride) (Ride, error)
	GetRide(ctx context.Context, id uuid.UUID) (Ride, error)
	CASUpdateStatus(ctx context.Context, id uuid.UUID, expected, next RideStatus, driverID *uuid.UUID, notes string, at time.Time) (bool, error)
	UpdateFare(ctx context.Context, id uuid.UUID, currentCost int64, boosts int) error
	AppendHistory(ctx context.Context, entry StatusHistoryEntry) error
	History(ctx context.Context, id uuid.UUID) ([]StatusHistoryEntry, error)
	StaleRequested(ctx context.Context, olderThan time.Time) ([]Ride, error)
	ActiveRideForDriver(ctx context.Context, driverID uuid.UUID) (bool, error)
	IncrementPassengerRides(ctx context.Context, passengerID uuid.UUID) error
}

// DriverDirectory answers candidate queries and owns driver presence fields.
type DriverDirectory interface {
	OnlineVerified(ctx context.Context) ([]Driver, error)
	OfflineVerifiedNear(ctx context.Context, point GeoPoint, radiusKM float64) ([]Driver, error)
	GetDriver(ctx context.Context, id uuid.UUID) (Driver, error)
	UpsertLocation(ctx context.Context, id uuid.UUID, point GeoPoint) error
	SetOnline(ctx context.Context, id uuid.UUID, online bool) error
	SetAverageRating(ctx context.Context, id uuid.UUID, avg float64) error
	IncrementRides(ctx context.Context, id uuid.UUID) error
}

type RatingStore interface {
	// Add persists the rating; duplicate (ride, rater, ratee) fails.
	Add(ctx context.Context, rating Rating) error
	// AverageFor returns the mean and count over every rating the user has
	// ever received, across all rides.
	AverageFor(ctx context.Context, userID uuid.UUID) (float64, int, error)
}

// MessageHandle identifies an outbound message for later withdrawal.
type MessageHandle string

// OfferMessage is the driver-facing offer payload with the accept/reject
// affordance.
type OfferMessage struct {
	RideID      uuid.UUID `json:"ride_id"`
	Pickup      string    `json:"pickup"`
	Destination string    `json:"destination"`
	DisplayCost int64     `json:"display_cost"`
	DistanceKM  float64   `json:"distance_km"`
	FareBoosts  int       `json:"fare_boosts"`
}

// NotificationGateway abstracts the messaging channel. Sends are best-effort
// relative to ride state: a failed send never rolls back a store transition.
type NotificationGateway interface {
	SendOffer(ctx context.Context, driverID uuid.UUID, msg OfferMessage) (MessageHandle, error)
	Withdraw(ctx context.Context, handle MessageHandle) error
	SendToDriver(ctx context.Context, driverID uuid.UUID, text string) error
	SendToPassenger(ctx context.Context, passengerID uuid.UUID, text string) error
}

type RideEventType string

const (
	EventRideRequested  RideEventType = "RideRequested"
	EventDriverAssigned RideEventType = "DriverAssigned"
	EventRideStarted    RideEventType = "RideStarted"
	EventRideCompleted  RideEventType = "RideCompleted"
	EventRideCancelled  RideEventType = "RideCancelled"
	EventFareBoosted    RideEventType = "FareBoosted"
)

type RideEvent struct {
	RideID    uuid.UUID
	Type      RideEventType
	Payload   map[string]any
	CreatedAt time.Time
}

type EventPublisher interface {
	Publish(ctx context.Context, event RideEvent) error
}

// IdempotencyRepository caches responses for retried creation requests.
type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
