package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultReservationPrefix = "reserve:driver:"

// ReservationStore marks a driver as occupied while an accept is settling.
// It is a fast-path guard in front of the ride store's active-ride query; the
// ride store transition stays authoritative.
type ReservationStore interface {
	TryReserve(ctx context.Context, driverID, rideID uuid.UUID, ttl time.Duration) (bool, error)
	Release(ctx context.Context, driverID uuid.UUID) error
}

// RedisReservationStore coordinates driver reservations by relying on Redis
// SETNX semantics. A TTL is attached to every reservation to avoid stale
// locks.
type RedisReservationStore struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisReservationStore constructs the reservation helper.
func NewRedisReservationStore(client redis.Cmdable, prefix string) *RedisReservationStore {
	if prefix == "" {
		prefix = defaultReservationPrefix
	}
	return &RedisReservationStore{client: client, keyPrefix: prefix}
}

// TryReserve attempts to acquire a reservation using SET NX EX.
func (r *RedisReservationStore) TryReserve(ctx context.Context, driverID, rideID uuid.UUID, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	key := r.keyPrefix + driverID.String()
	ok, err := r.client.SetNX(ctx, key, rideID.String(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Release removes the reservation key.
func (r *RedisReservationStore) Release(ctx context.Context, driverID uuid.UUID) error {
	key := r.keyPrefix + driverID.String()
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// MemoryReservationStore ensures exclusive reservation without Redis.
type MemoryReservationStore struct {
	mu       sync.Mutex
	reserved map[uuid.UUID]uuid.UUID
}

// NewMemoryReservationStore constructs the store.
func NewMemoryReservationStore() *MemoryReservationStore {
	return &MemoryReservationStore{reserved: make(map[uuid.UUID]uuid.UUID)}
}

// TryReserve attempts to reserve a driver for a ride.
func (m *MemoryReservationStore) TryReserve(_ context.Context, driverID, rideID uuid.UUID, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.reserved[driverID]; exists {
		return false, nil
	}
	m.reserved[driverID] = rideID
	return true, nil
}

// Release removes a driver reservation.
func (m *MemoryReservationStore) Release(_ context.Context, driverID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, driverID)
	return nil
}
