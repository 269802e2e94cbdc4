package service

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
)

// avgSpeedKMH matches the duration estimate the passenger sees at booking.
const avgSpeedKMH = 30.0

// Repository exposes read methods for driver location snapshots.
type Repository interface {
	Snapshot(ctx context.Context, driverID uuid.UUID) (LocationSnapshot, bool)
	All() []LocationSnapshot
}

// LocationSnapshot is the latest reported position of one driver.
type LocationSnapshot struct {
	DriverID uuid.UUID
	Point    domain.GeoPoint
	Speed    float64
	Accuracy float64
	Updated  time.Time
}

// Service calculates distances and duration estimates from haversine math.
type Service struct {
	repo Repository
}

// New creates an ETA service.
func New(repo Repository) *Service {
	return &Service{repo: repo}
}

// EstimateDriverETA returns the fastest driver estimate from available snapshots.
func (s *Service) EstimateDriverETA(_ context.Context, pickup domain.GeoPoint) (time.Duration, *uuid.UUID) {
	const meterPerSecond = avgSpeedKMH * 1000.0 / 3600.0
	snapshots := s.repo.All()
	var bestDuration time.Duration
	var bestDriver *uuid.UUID
	for _, snap := range snapshots {
		dist := DistanceKM(snap.Point, pickup) * 1000.0
		duration := time.Duration(dist/meterPerSecond) * time.Second
		if bestDriver == nil || duration < bestDuration {
			snapshotDriver := snap.DriverID
			bestDriver = &snapshotDriver
			bestDuration = duration
		}
	}
	return bestDuration, bestDriver
}

// TripMinutes approximates total trip time in whole minutes from the pickup
// to destination distance at the booking average speed.
func TripMinutes(pickup, destination domain.GeoPoint) int {
	return int(DistanceKM(pickup, destination) / avgSpeedKMH * 60)
}

// DistanceKM returns the great-circle distance between two points in
// kilometers.
func DistanceKM(a, b domain.GeoPoint) float64 {
	const earthRadiusKM = 6371.0
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	aa := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	c := 2 * math.Atan2(math.Sqrt(aa), math.Sqrt(1-aa))
	return earthRadiusKM * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
