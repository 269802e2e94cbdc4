package location

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	etaservice "github.com/Qazaq159/taxi-dispatch/internal/eta/service"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
)

// Sink receives every accepted position update, typically the driver
// directory, so candidate ranking sees fresh coordinates.
type Sink interface {
	UpsertLocation(ctx context.Context, id uuid.UUID, point domain.GeoPoint) error
}

// StreamObserver keeps the latest position per driver and forwards updates to
// the sink.
type StreamObserver struct {
	mu        sync.RWMutex
	snapshots map[uuid.UUID]etaservice.LocationSnapshot
	sink      Sink
	logger    *zap.Logger
}

// NewStreamObserver constructs the observer. sink may be nil.
func NewStreamObserver(sink Sink, logger *zap.Logger) *StreamObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamObserver{
		snapshots: make(map[uuid.UUID]etaservice.LocationSnapshot),
		sink:      sink,
		logger:    logger,
	}
}

// Update stores the snapshot and forwards it to the sink.
func (o *StreamObserver) Update(ctx context.Context, driverID uuid.UUID, point domain.GeoPoint, speed, accuracy float64) {
	o.mu.Lock()
	o.snapshots[driverID] = etaservice.LocationSnapshot{
		DriverID: driverID,
		Point:    point,
		Speed:    speed,
		Accuracy: accuracy,
		Updated:  time.Now().UTC(),
	}
	o.mu.Unlock()

	if o.sink != nil {
		if err := o.sink.UpsertLocation(ctx, driverID, point); err != nil {
			o.logger.Warn("location forward failed", zap.String("driver_id", driverID.String()), zap.Error(err))
		}
	}
}

// Snapshot returns the stored snapshot.
func (o *StreamObserver) Snapshot(_ context.Context, driverID uuid.UUID) (etaservice.LocationSnapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	snap, ok := o.snapshots[driverID]
	return snap, ok
}

// All returns all snapshots.
func (o *StreamObserver) All() []etaservice.LocationSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	res := make([]etaservice.LocationSnapshot, 0, len(o.snapshots))
	for _, snap := range o.snapshots {
		res = append(res, snap)
	}
	return res
}
