package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	etaservice "github.com/Qazaq159/taxi-dispatch/internal/eta/service"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/dispatch"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
)

// ErrValidation flags a malformed request payload.
var ErrValidation = errors.New("invalid request")

// ErrBoostLimit is returned once the fare boost cap is reached.
var ErrBoostLimit = errors.New("fare boost limit reached")

// Config carries the pricing knobs.
type Config struct {
	DefaultRideCost int64
	BoostAmount     int64
	MaxBoosts       int
}

// Service coordinates ride operations between handlers, the stores and the
// offer dispatcher.
type Service struct {
	store      domain.RideStore
	ratings    domain.RatingStore
	directory  domain.DriverDirectory
	gateway    domain.NotificationGateway
	dispatcher *dispatch.Manager
	events     domain.EventPublisher
	clock      domain.Clock
	idempotent domain.IdempotencyRepository
	logger     *zap.Logger
	cfg        Config
}

// New constructs a Service with the required collaborators.
func New(
	store domain.RideStore,
	ratings domain.RatingStore,
	dir domain.DriverDirectory,
	gateway domain.NotificationGateway,
	dispatcher *dispatch.Manager,
	events domain.EventPublisher,
	clock domain.Clock,
	idem domain.IdempotencyRepository,
	logger *zap.Logger,
	cfg Config,
) *Service {
	if cfg.DefaultRideCost <= 0 {
		cfg.DefaultRideCost = 400
	}
	if cfg.BoostAmount <= 0 {
		cfg.BoostAmount = 100
	}
	if cfg.MaxBoosts <= 0 {
		cfg.MaxBoosts = 3
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      store,
		ratings:    ratings,
		directory:  dir,
		gateway:    gateway,
		dispatcher: dispatcher,
		events:     events,
		clock:      clock,
		idempotent: idem,
		logger:     logger,
		cfg:        cfg,
	}
}

// CreateRideRequest contains the passenger's request payload.
type CreateRideRequest struct {
	PassengerID        uuid.UUID
	PickupAddress      string
	Pickup             domain.GeoPoint
	DestinationAddress string
	Destination        domain.GeoPoint
}

// CreateRideResponse returns the created ride identifier, price and a rough
// trip duration estimate.
type CreateRideResponse struct {
	RideID        uuid.UUID         `json:"ride_id"`
	Status        domain.RideStatus `json:"status"`
	EstimatedCost int64             `json:"estimated_cost"`
	TripMinutes   int               `json:"trip_minutes,omitempty"`
}

// CreateRide persists a requested ride and opens the offer broadcast. The
// idempotency key makes client retries return the original response instead
// of creating a second ride.
func (s *Service) CreateRide(ctx context.Context, key string, req CreateRideRequest) (CreateRideResponse, error) {
	if req.PassengerID == uuid.Nil {
		return CreateRideResponse{}, fmt.Errorf("%w: passenger id required", ErrValidation)
	}
	if req.PickupAddress == "" || req.DestinationAddress == "" {
		return CreateRideResponse{}, fmt.Errorf("%w: pickup and destination addresses required", ErrValidation)
	}

	if key != "" && s.idempotent != nil {
		if cached, ok, err := s.idempotent.GetResponse(ctx, key); err == nil && ok {
			var resp CreateRideResponse
			if err := json.Unmarshal(cached, &resp); err == nil {
				return resp, nil
			}
		}
	}

	now := s.clock.Now()
	ride := domain.Ride{
		ID:                 uuid.New(),
		PassengerID:        req.PassengerID,
		PickupAddress:      req.PickupAddress,
		Pickup:             req.Pickup,
		DestinationAddress: req.DestinationAddress,
		Destination:        req.Destination,
		EstimatedCost:      s.cfg.DefaultRideCost,
		Status:             domain.StatusRequested,
		CreatedAt:          now,
	}

	created, err := s.store.CreateRide(ctx, ride)
	if err != nil {
		return CreateRideResponse{}, fmt.Errorf("create ride: %w", err)
	}
	if err := s.store.AppendHistory(ctx, domain.StatusHistoryEntry{
		RideID:    created.ID,
		Status:    domain.StatusRequested,
		Notes:     "ride requested",
		CreatedAt: now,
	}); err != nil {
		s.logger.Warn("history append failed", zap.String("ride_id", created.ID.String()), zap.Error(err))
	}

	s.publish(ctx, domain.RideEvent{
		RideID:    created.ID,
		Type:      domain.EventRideRequested,
		Payload:   map[string]any{"passenger_id": created.PassengerID.String(), "estimated_cost": created.EstimatedCost},
		CreatedAt: now,
	})

	if err := s.dispatcher.Broadcast(ctx, created); err != nil {
		s.logger.Error("offer broadcast failed", zap.String("ride_id", created.ID.String()), zap.Error(err))
	}

	resp := CreateRideResponse{RideID: created.ID, Status: created.Status, EstimatedCost: created.EstimatedCost}
	if !req.Pickup.Zero() && !req.Destination.Zero() {
		resp.TripMinutes = etaservice.TripMinutes(req.Pickup, req.Destination)
	}
	if key != "" && s.idempotent != nil {
		if payload, err := json.Marshal(resp); err == nil {
			_ = s.idempotent.PutResponse(ctx, key, payload)
		}
	}
	return resp, nil
}

// GetRide returns the ride to one of its parties.
func (s *Service) GetRide(ctx context.Context, rideID, callerID uuid.UUID) (domain.Ride, error) {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return domain.Ride{}, err
	}
	if !ride.Party(callerID) {
		return domain.Ride{}, domain.ErrPermissionDenied
	}
	return ride, nil
}

// History returns the ride's transition audit trail to one of its parties.
func (s *Service) History(ctx context.Context, rideID, callerID uuid.UUID) ([]domain.StatusHistoryEntry, error) {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !ride.Party(callerID) {
		return nil, domain.ErrPermissionDenied
	}
	return s.store.History(ctx, rideID)
}

// AcceptRide resolves the driver's accept through the dispatcher.
func (s *Service) AcceptRide(ctx context.Context, rideID, driverID uuid.UUID) (domain.Ride, error) {
	return s.dispatcher.Accept(ctx, rideID, driverID)
}

// RejectRide records the driver's decline and hands the dispatcher the
// escalation decision.
func (s *Service) RejectRide(ctx context.Context, rideID, driverID uuid.UUID) error {
	return s.dispatcher.Reject(ctx, rideID, driverID)
}

// DriverEnroute marks the assigned driver as heading to the pickup.
func (s *Service) DriverEnroute(ctx context.Context, rideID, driverID uuid.UUID) (domain.Ride, error) {
	return s.driverTransition(ctx, rideID, driverID, domain.StatusDriverEnroute, "driver en route", "")
}

// DriverArrived marks the driver as waiting at the pickup and tells the
// passenger.
func (s *Service) DriverArrived(ctx context.Context, rideID, driverID uuid.UUID) (domain.Ride, error) {
	return s.driverTransition(ctx, rideID, driverID, domain.StatusDriverArrived, "driver arrived", "Your driver has arrived.")
}

// StartRide transitions to in_progress when the passenger is picked up.
func (s *Service) StartRide(ctx context.Context, rideID, driverID uuid.UUID) (domain.Ride, error) {
	ride, err := s.driverTransition(ctx, rideID, driverID, domain.StatusInProgress, "ride started", "Your ride has started.")
	if err != nil {
		return domain.Ride{}, err
	}
	s.publish(ctx, domain.RideEvent{
		RideID:    ride.ID,
		Type:      domain.EventRideStarted,
		Payload:   map[string]any{"driver_id": driverID.String()},
		CreatedAt: s.clock.Now(),
	})
	return ride, nil
}

// CompleteRide finishes the ride, settles the counters and tells the
// passenger the final price.
func (s *Service) CompleteRide(ctx context.Context, rideID, driverID uuid.UUID) (domain.Ride, error) {
	ride, err := s.driverTransition(ctx, rideID, driverID, domain.StatusCompleted, "ride completed", "")
	if err != nil {
		return domain.Ride{}, err
	}

	if err := s.store.IncrementPassengerRides(ctx, ride.PassengerID); err != nil {
		s.logger.Warn("passenger counter failed", zap.String("ride_id", rideID.String()), zap.Error(err))
	}
	if err := s.directory.IncrementRides(ctx, driverID); err != nil {
		s.logger.Warn("driver counter failed", zap.String("driver_id", driverID.String()), zap.Error(err))
	}

	text := fmt.Sprintf("Ride completed. Total: %d tenge.", ride.DisplayCost())
	if mins, ok := ride.DurationMinutes(); ok {
		text = fmt.Sprintf("Ride completed in %d min. Total: %d tenge.", mins, ride.DisplayCost())
	}
	if err := s.gateway.SendToPassenger(ctx, ride.PassengerID, text); err != nil {
		s.logger.Warn("passenger notify failed", zap.String("ride_id", rideID.String()), zap.Error(err))
	}

	payload := map[string]any{"display_cost": ride.DisplayCost()}
	if mins, ok := ride.DurationMinutes(); ok {
		payload["duration_minutes"] = mins
	}
	s.publish(ctx, domain.RideEvent{
		RideID:    ride.ID,
		Type:      domain.EventRideCompleted,
		Payload:   payload,
		CreatedAt: s.clock.Now(),
	})
	return ride, nil
}

// CancelRide cancels on behalf of whichever party the caller is. Cancelling a
// ride still in requested also withdraws every outstanding offer.
func (s *Service) CancelRide(ctx context.Context, rideID, callerID uuid.UUID, reason string) (domain.Ride, error) {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return domain.Ride{}, err
	}
	if !ride.Party(callerID) {
		return domain.Ride{}, domain.ErrPermissionDenied
	}

	next := domain.StatusCancelledPassenger
	if ride.DriverID != nil && *ride.DriverID == callerID {
		next = domain.StatusCancelledDriver
	}
	if !ride.Status.CanTransitionTo(next) {
		return domain.Ride{}, domain.ErrInvalidTransition
	}

	now := s.clock.Now()
	if reason == "" {
		reason = "cancelled by " + partyName(ride, callerID)
	}
	moved, err := s.store.CASUpdateStatus(ctx, rideID, ride.Status, next, ride.DriverID, reason, now)
	if err != nil {
		return domain.Ride{}, err
	}
	if !moved {
		return domain.Ride{}, domain.ErrInvalidTransition
	}
	s.appendHistory(ctx, rideID, next, reason, now)

	if ride.Status == domain.StatusRequested {
		s.dispatcher.CancelOffers(ctx, rideID)
	}

	// Tell the other party, when there is one.
	switch {
	case next == domain.StatusCancelledPassenger && ride.DriverID != nil:
		if err := s.gateway.SendToDriver(ctx, *ride.DriverID, "The passenger cancelled the ride."); err != nil {
			s.logger.Warn("driver notify failed", zap.String("ride_id", rideID.String()), zap.Error(err))
		}
	case next == domain.StatusCancelledDriver:
		if err := s.gateway.SendToPassenger(ctx, ride.PassengerID, "Your driver cancelled the ride. Please request again."); err != nil {
			s.logger.Warn("passenger notify failed", zap.String("ride_id", rideID.String()), zap.Error(err))
		}
	}

	s.publish(ctx, domain.RideEvent{
		RideID:    rideID,
		Type:      domain.EventRideCancelled,
		Payload:   map[string]any{"status": string(next), "reason": reason},
		CreatedAt: now,
	})
	return s.store.GetRide(ctx, rideID)
}

// driverTransition applies a driver-initiated step of the lifecycle.
func (s *Service) driverTransition(ctx context.Context, rideID, driverID uuid.UUID, next domain.RideStatus, notes, passengerText string) (domain.Ride, error) {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return domain.Ride{}, err
	}
	if ride.DriverID == nil || *ride.DriverID != driverID {
		return domain.Ride{}, domain.ErrPermissionDenied
	}
	if !ride.Status.CanTransitionTo(next) {
		return domain.Ride{}, domain.ErrInvalidTransition
	}

	now := s.clock.Now()
	moved, err := s.store.CASUpdateStatus(ctx, rideID, ride.Status, next, ride.DriverID, notes, now)
	if err != nil {
		return domain.Ride{}, err
	}
	if !moved {
		return domain.Ride{}, domain.ErrInvalidTransition
	}
	s.appendHistory(ctx, rideID, next, notes, now)

	if passengerText != "" {
		if err := s.gateway.SendToPassenger(ctx, ride.PassengerID, passengerText); err != nil {
			s.logger.Warn("passenger notify failed", zap.String("ride_id", rideID.String()), zap.Error(err))
		}
	}
	return s.store.GetRide(ctx, rideID)
}

func (s *Service) appendHistory(ctx context.Context, rideID uuid.UUID, status domain.RideStatus, notes string, at time.Time) {
	if err := s.store.AppendHistory(ctx, domain.StatusHistoryEntry{
		RideID:    rideID,
		Status:    status,
		Notes:     notes,
		CreatedAt: at,
	}); err != nil {
		s.logger.Warn("history append failed", zap.String("ride_id", rideID.String()), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, event domain.RideEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("event publish failed", zap.String("ride_id", event.RideID.String()), zap.Error(err))
	}
}

func partyName(ride domain.Ride, callerID uuid.UUID) string {
	if ride.PassengerID == callerID {
		return "passenger"
	}
	return "driver"
}
