package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
)

var errInvalidGeoResult = errors.New("invalid geo search result")

// RedisGeoIndex implements GeoIndex using Redis GEO commands.
type RedisGeoIndex struct {
	client *redis.Client
	key    string
}

// NewRedisGeoIndex constructs a Redis-backed geo index.
func NewRedisGeoIndex(client *redis.Client, key string) *RedisGeoIndex {
	if key == "" {
		key = "driver:locs"
	}
	return &RedisGeoIndex{client: client, key: key}
}

// Upsert records the driver's position.
func (r *RedisGeoIndex) Upsert(ctx context.Context, driverID uuid.UUID, point domain.GeoPoint) error {
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      driverID.String(),
		Longitude: point.Lng,
		Latitude:  point.Lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis geoadd: %w", err)
	}
	return nil
}

// Near returns driver ids within radiusKM sorted by distance ascending.
func (r *RedisGeoIndex) Near(ctx context.Context, point domain.GeoPoint, radiusKM float64) ([]uuid.UUID, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("redis geo index not configured")
	}

	query := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  point.Lng,
			Latitude:   point.Lat,
			Radius:     radiusKM,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithDist: true,
	}

	results, err := r.client.GeoSearchLocation(ctx, r.key, query).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geosearch: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(results))
	for _, res := range results {
		id, err := uuid.Parse(res.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errInvalidGeoResult, res.Name)
		}
		ids = append(ids, id)
	}

	return ids, nil
}
