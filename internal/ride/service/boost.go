package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
)

// BoostFareResponse reports the price after a boost.
type BoostFareResponse struct {
	RideID      uuid.UUID `json:"ride_id"`
	DisplayCost int64     `json:"display_cost"`
	FareBoosts  int       `json:"fare_boosts"`
	BoostsLeft  int       `json:"boosts_left"`
}

// BoostFare raises the offered price by the configured step and re-broadcasts
// the offer at the new price. Only the ride's passenger may boost, only while
// the ride is still requested, and only up to the configured cap.
//
// The fare change runs inside the dispatcher's per-ride critical section, the
// same one acceptance uses. Whichever commits first wins: an accept that lands
// before the boost keeps the pre-boost price, and a boost that lands first is
// what the next accept pays.
func (s *Service) BoostFare(ctx context.Context, rideID, passengerID uuid.UUID) (BoostFareResponse, error) {
	// Cheap pre-checks outside the lock; re-validated inside.
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return BoostFareResponse{}, err
	}
	if ride.PassengerID != passengerID {
		return BoostFareResponse{}, domain.ErrPermissionDenied
	}

	var out BoostFareResponse
	err = s.dispatcher.Reprice(ctx, rideID, func(ctx context.Context) (domain.Ride, error) {
		ride, err := s.store.GetRide(ctx, rideID)
		if err != nil {
			return domain.Ride{}, err
		}
		if ride.Status != domain.StatusRequested {
			return domain.Ride{}, domain.ErrInvalidTransition
		}
		if ride.FareBoosts >= s.cfg.MaxBoosts {
			return domain.Ride{}, ErrBoostLimit
		}

		newCost := ride.DisplayCost() + s.cfg.BoostAmount
		boosts := ride.FareBoosts + 1
		if err := s.store.UpdateFare(ctx, rideID, newCost, boosts); err != nil {
			return domain.Ride{}, fmt.Errorf("update fare: %w", err)
		}

		// Not a status transition, so no history row: the audit trail length
		// stays equal to the number of transitions. The event stream carries
		// the boost.
		now := s.clock.Now()
		s.publish(ctx, domain.RideEvent{
			RideID:    rideID,
			Type:      domain.EventFareBoosted,
			Payload:   map[string]any{"display_cost": newCost, "fare_boosts": boosts},
			CreatedAt: now,
		})

		out = BoostFareResponse{
			RideID:      rideID,
			DisplayCost: newCost,
			FareBoosts:  boosts,
			BoostsLeft:  s.cfg.MaxBoosts - boosts,
		}
		return s.store.GetRide(ctx, rideID)
	})
	if err != nil {
		return BoostFareResponse{}, err
	}

	s.logger.Info("fare boosted",
		zap.String("ride_id", rideID.String()),
		zap.Int64("display_cost", out.DisplayCost),
		zap.Int("fare_boosts", out.FareBoosts))
	return out, nil
}
