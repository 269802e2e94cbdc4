package directory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	etasvc "github.com/Qazaq159/taxi-dispatch/internal/eta/service"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
)

// ErrDriverNotFound indicates an unknown driver id.
var ErrDriverNotFound = errors.New("driver not found")

// GeoIndex answers radius queries over last-known driver positions.
// Implementations return ids sorted by distance, closest first.
type GeoIndex interface {
	Upsert(ctx context.Context, driverID uuid.UUID, point domain.GeoPoint) error
	Near(ctx context.Context, point domain.GeoPoint, radiusKM float64) ([]uuid.UUID, error)
}

// Memory is the authoritative in-process driver directory. Presence flags and
// profile fields live here; an optional GeoIndex accelerates radius queries
// for the offline-driver nudge.
type Memory struct {
	mu      sync.RWMutex
	drivers map[uuid.UUID]domain.Driver
	geo     GeoIndex
}

// NewMemory constructs the directory. geo may be nil, in which case radius
// queries fall back to scanning stored coordinates.
func NewMemory(geo GeoIndex) *Memory {
	return &Memory{drivers: make(map[uuid.UUID]domain.Driver), geo: geo}
}

// Register adds or replaces a driver record.
func (m *Memory) Register(driver domain.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[driver.ID] = driver
}

// OnlineVerified returns every driver eligible for offers. No distance
// filtering happens here: ordering by proximity is the dispatcher's concern.
func (m *Memory) OnlineVerified(_ context.Context) ([]domain.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Driver
	for _, d := range m.drivers {
		if d.Online && d.Verified {
			out = append(out, d)
		}
	}
	return out, nil
}

// OfflineVerifiedNear returns verified offline drivers within radiusKM of the
// point, for the informational nudge when no online drivers exist.
func (m *Memory) OfflineVerifiedNear(ctx context.Context, point domain.GeoPoint, radiusKM float64) ([]domain.Driver, error) {
	if m.geo != nil {
		ids, err := m.geo.Near(ctx, point, radiusKM)
		if err != nil {
			return nil, err
		}
		m.mu.RLock()
		defer m.mu.RUnlock()
		var out []domain.Driver
		for _, id := range ids {
			if d, ok := m.drivers[id]; ok && d.Verified && !d.Online {
				out = append(out, d)
			}
		}
		return out, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Driver
	for _, d := range m.drivers {
		if !d.Verified || d.Online || d.Location == nil {
			continue
		}
		if etasvc.DistanceKM(*d.Location, point) <= radiusKM {
			out = append(out, d)
		}
	}
	return out, nil
}

// GetDriver fetches one driver record.
func (m *Memory) GetDriver(_ context.Context, id uuid.UUID) (domain.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return domain.Driver{}, ErrDriverNotFound
	}
	return d, nil
}

// UpsertLocation records the driver's last known position and mirrors it into
// the geo index when one is configured.
func (m *Memory) UpsertLocation(ctx context.Context, id uuid.UUID, point domain.GeoPoint) error {
	m.mu.Lock()
	d, ok := m.drivers[id]
	if !ok {
		d = domain.Driver{ID: id}
	}
	p := point
	d.Location = &p
	m.drivers[id] = d
	m.mu.Unlock()

	if m.geo != nil {
		return m.geo.Upsert(ctx, id, point)
	}
	return nil
}

// SetOnline flips the presence flag.
func (m *Memory) SetOnline(_ context.Context, id uuid.UUID, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrDriverNotFound
	}
	d.Online = online
	m.drivers[id] = d
	return nil
}

// SetAverageRating stores the recomputed rolling average.
func (m *Memory) SetAverageRating(_ context.Context, id uuid.UUID, avg float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrDriverNotFound
	}
	d.AverageRating = avg
	m.drivers[id] = d
	return nil
}

// IncrementRides bumps the driver's lifetime completed counter.
func (m *Memory) IncrementRides(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrDriverNotFound
	}
	d.TotalRides++
	m.drivers[id] = d
	return nil
}

// Candidate pairs a driver with its distance to a pickup point.
type Candidate struct {
	Driver     domain.Driver
	DistanceKM float64
}

// RankCandidates orders drivers for fan-out: drivers without a known location
// sort first with distance zero, the rest ascending by great-circle distance
// to the pickup. Nothing is excluded by distance.
func RankCandidates(drivers []domain.Driver, pickup domain.GeoPoint) []Candidate {
	candidates := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		c := Candidate{Driver: d}
		if d.Location != nil {
			c.DistanceKM = etasvc.DistanceKM(*d.Location, pickup)
		}
		candidates = append(candidates, c)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].DistanceKM < candidates[j].DistanceKM
	})
	return candidates
}
