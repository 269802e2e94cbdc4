package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Qazaq159/taxi-dispatch/internal/ride/dispatch"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
)

var (
	sweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_rides_cancelled_total",
		Help: "Total stale requested rides cancelled by the sweeper.",
	})
	sweepFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_failures_total",
		Help: "Total sweep passes that ended in an error.",
	})
	oldestStaleSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sweeper_oldest_stale_seconds",
		Help: "Age of the oldest ride cancelled in the last pass, in seconds.",
	})
)

// Config defines tunables for the sweeper.
type Config struct {
	// StaleAfter is how long a ride may sit in requested before the sweeper
	// cancels it.
	StaleAfter time.Duration
	// Interval is the pause between passes.
	Interval time.Duration
}

// Sweeper is the safety net behind the offer timers: any ride that somehow
// stays in requested past the deadline gets a system cancellation, its offers
// withdrawn and its passenger told.
type Sweeper struct {
	store      domain.RideStore
	gateway    domain.NotificationGateway
	dispatcher *dispatch.Manager
	clock      domain.Clock
	logger     *zap.Logger
	cfg        Config
	tracer     trace.Tracer
}

// New constructs a Sweeper.
func New(store domain.RideStore, gateway domain.NotificationGateway, dispatcher *dispatch.Manager, clock domain.Clock, logger *zap.Logger, cfg Config) *Sweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:      store,
		gateway:    gateway,
		dispatcher: dispatcher,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
		tracer:     otel.Tracer("ride.sweeper"),
	}
}

// Run starts the sweep loop until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			sweepFailTotal.Inc()
			s.logger.Error("sweep pass failed", zap.Error(err))
		}
	}
}

// SweepOnce cancels every ride stuck in requested past the deadline. The
// conditional status update keeps it race-free against a concurrent accept:
// a ride that got assigned between the scan and the update is left alone.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "sweeper.pass")
	defer span.End()

	now := s.clock.Now()
	stale, err := s.store.StaleRequested(ctx, now.Add(-s.cfg.StaleAfter))
	if err != nil {
		return err
	}

	var maxAge float64
	for _, ride := range stale {
		cancelled, err := s.store.CASUpdateStatus(ctx, ride.ID, domain.StatusRequested, domain.StatusCancelledSystem, nil, dispatch.NoDriversReason, now)
		if err != nil {
			s.logger.Error("sweep cancel failed", zap.String("ride_id", ride.ID.String()), zap.Error(err))
			continue
		}
		if !cancelled {
			continue
		}
		sweptTotal.Inc()
		if age := now.Sub(ride.CreatedAt).Seconds(); age > maxAge {
			maxAge = age
		}
		if err := s.store.AppendHistory(ctx, domain.StatusHistoryEntry{
			RideID:    ride.ID,
			Status:    domain.StatusCancelledSystem,
			Notes:     dispatch.NoDriversReason,
			CreatedAt: now,
		}); err != nil {
			s.logger.Warn("history append failed", zap.String("ride_id", ride.ID.String()), zap.Error(err))
		}
		s.dispatcher.CancelOffers(ctx, ride.ID)
		if err := s.gateway.SendToPassenger(ctx, ride.PassengerID, "Sorry, no drivers are available right now. Please try again later."); err != nil {
			s.logger.Warn("passenger notify failed", zap.String("ride_id", ride.ID.String()), zap.Error(err))
		}
		s.logger.Info("stale ride cancelled",
			zap.String("ride_id", ride.ID.String()),
			zap.Duration("age", now.Sub(ride.CreatedAt)))
	}
	if len(stale) > 0 {
		oldestStaleSeconds.Set(maxAge)
	}
	return nil
}
