package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
)

// RateRideRequest is a party's rating of the other party after completion.
type RateRideRequest struct {
	Stars   int
	Comment string
}

// RateRideResponse returns the ratee's settled average.
type RateRideResponse struct {
	RatedUser     uuid.UUID `json:"rated_user"`
	AverageRating float64   `json:"average_rating"`
	RatingCount   int       `json:"rating_count"`
}

// RateRide records a rating for the other party of a completed ride and
// settles the ratee's average over every rating they have ever received. One
// rating per rater per ride; a driver ratee gets the fresh average pushed to
// the directory.
func (s *Service) RateRide(ctx context.Context, rideID, raterID uuid.UUID, req RateRideRequest) (RateRideResponse, error) {
	if req.Stars < 1 || req.Stars > 5 {
		return RateRideResponse{}, fmt.Errorf("%w: stars must be between 1 and 5", ErrValidation)
	}

	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return RateRideResponse{}, err
	}
	if !ride.Party(raterID) {
		return RateRideResponse{}, domain.ErrPermissionDenied
	}
	if ride.Status != domain.StatusCompleted {
		return RateRideResponse{}, domain.ErrInvalidTransition
	}

	ratee := ride.PassengerID
	if raterID == ride.PassengerID {
		if ride.DriverID == nil {
			return RateRideResponse{}, domain.ErrInvalidTransition
		}
		ratee = *ride.DriverID
	}

	if err := s.ratings.Add(ctx, domain.Rating{
		RideID:    rideID,
		RatedBy:   raterID,
		RatedUser: ratee,
		Stars:     req.Stars,
		Comment:   req.Comment,
		CreatedAt: s.clock.Now(),
	}); err != nil {
		return RateRideResponse{}, err
	}

	avg, count, err := s.ratings.AverageFor(ctx, ratee)
	if err != nil {
		return RateRideResponse{}, fmt.Errorf("settle average: %w", err)
	}

	if ride.DriverID != nil && ratee == *ride.DriverID {
		if err := s.directory.SetAverageRating(ctx, ratee, avg); err != nil {
			s.logger.Warn("driver rating settle failed", zap.String("driver_id", ratee.String()), zap.Error(err))
		}
	}

	return RateRideResponse{RatedUser: ratee, AverageRating: avg, RatingCount: count}, nil
}
