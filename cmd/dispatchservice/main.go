package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Qazaq159/taxi-dispatch/internal/directory"
	httpmw "github.com/Qazaq159/taxi-dispatch/internal/http/middleware"
	"github.com/Qazaq159/taxi-dispatch/internal/notify"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/dispatch"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/handler"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/repository"
	rideservice "github.com/Qazaq159/taxi-dispatch/internal/ride/service"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/sweeper"
	"github.com/Qazaq159/taxi-dispatch/pkg/events"
	"github.com/Qazaq159/taxi-dispatch/pkg/observability"
)

type appConfig struct {
	HTTPAddr    string
	PostgresDSN string
	RedisAddr   string
	NATSURL     string
	JWTSecret   string

	DefaultRideCost int64
	BoostAmount     int64
	MaxBoosts       int
	OfferTTL        time.Duration
	StaleAfter      time.Duration
	SweepInterval   time.Duration
	OfflineRadiusKM float64
	ReserveTTL      time.Duration

	RateReadPerSec  float64
	RateWritePerSec float64
	RateBurst       float64
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("dispatch-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "dispatch-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg := loadConfig()

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("dispatchservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	store, ratings := buildStores(ctx, db, logger)
	dir := buildDirectory(redisClient)
	gateway := buildGateway(natsConn, logger)
	idem := buildIdempotency(redisClient)
	reservations := buildReservations(redisClient)
	publisher := events.NewPublisher(natsConn, "ride.events")
	clock := domain.SystemClock{}
	locks := dispatch.NewKeyedMutex()

	dispatcher := dispatch.NewManager(store, dir, gateway, reservations, publisher, clock, locks,
		logger.Named("dispatch"), dispatch.Config{
			OfferTTL:        cfg.OfferTTL,
			OfflineRadiusKM: cfg.OfflineRadiusKM,
			ReservationTTL:  cfg.ReserveTTL,
		})

	svc := rideservice.New(store, ratings, dir, gateway, dispatcher, publisher, clock, idem,
		logger.Named("service"), rideservice.Config{
			DefaultRideCost: cfg.DefaultRideCost,
			BoostAmount:     cfg.BoostAmount,
			MaxBoosts:       cfg.MaxBoosts,
		})

	rideHTTP := handler.NewHTTP(svc, dir, cfg.JWTSecret)

	r := chi.NewRouter()
	limiter := httpmw.NewRateLimiter(redisClient,
		httpmw.RateConfig{Rate: cfg.RateReadPerSec, Burst: cfg.RateBurst},
		httpmw.RateConfig{Rate: cfg.RateWritePerSec, Burst: cfg.RateBurst})
	if limiter != nil {
		r.Use(limiter.Middleware)
	}
	r.Mount("/", rideHTTP.Router())
	r.Mount("/observability", observability.MetricsRouter(readyChecks(db, redisClient, natsConn)...))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sw := sweeper.New(store, gateway, dispatcher, clock, logger.Named("sweeper"), sweeper.Config{
		StaleAfter: cfg.StaleAfter,
		Interval:   cfg.SweepInterval,
	})
	go func() {
		if err := sw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("dispatch service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func buildStores(ctx context.Context, db *sql.DB, logger *zap.Logger) (domain.RideStore, domain.RatingStore) {
	if db == nil {
		mem := repository.NewMemoryStore()
		return mem, mem
	}
	pg := repository.NewPostgresStore(db)
	if err := pg.Migrate(ctx); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}
	return pg, pg
}

func buildDirectory(redisClient *redis.Client) *directory.Memory {
	if redisClient == nil {
		return directory.NewMemory(nil)
	}
	return directory.NewMemory(directory.NewRedisGeoIndex(redisClient, ""))
}

func buildGateway(natsConn *nats.Conn, logger *zap.Logger) domain.NotificationGateway {
	if natsConn == nil {
		logger.Warn("nats unavailable, using in-process notification gateway")
		return notify.NewMemory()
	}
	return notify.NewNATSGateway(natsConn)
}

func buildIdempotency(redisClient *redis.Client) domain.IdempotencyRepository {
	if redisClient == nil {
		return repository.NewMemoryIdempotencyRepo()
	}
	return repository.NewRedisIdempotencyRepo(redisClient, "", 0)
}

func buildReservations(redisClient *redis.Client) directory.ReservationStore {
	if redisClient == nil {
		return directory.NewMemoryReservationStore()
	}
	return directory.NewRedisReservationStore(redisClient, "")
}

func readyChecks(db *sql.DB, redisClient *redis.Client, natsConn *nats.Conn) []observability.ReadyCheck {
	var checks []observability.ReadyCheck
	if db != nil {
		checks = append(checks, func(ctx context.Context) error { return db.PingContext(ctx) })
	}
	if redisClient != nil {
		checks = append(checks, func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	}
	if natsConn != nil {
		checks = append(checks, func(context.Context) error {
			if !natsConn.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
	}
	return checks
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		PostgresDSN: firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		NATSURL:     os.Getenv("NATS_URL"),
		JWTSecret:   getenv("JWT_SECRET", "dev-secret"),

		DefaultRideCost: int64(parseIntEnv("DEFAULT_RIDE_COST", 400)),
		BoostAmount:     int64(parseIntEnv("FARE_BOOST_AMOUNT", 100)),
		MaxBoosts:       parseIntEnv("MAX_FARE_BOOSTS", 3),
		OfferTTL:        time.Duration(parseIntEnv("OFFER_TTL_SEC", 60)) * time.Second,
		StaleAfter:      time.Duration(parseIntEnv("STALE_AFTER_MIN", 10)) * time.Minute,
		SweepInterval:   time.Duration(parseIntEnv("SWEEP_INTERVAL_SEC", 60)) * time.Second,
		OfflineRadiusKM: parseFloatEnv("OFFLINE_RADIUS_KM", 10),
		ReserveTTL:      time.Duration(parseIntEnv("RESERVE_TTL_SEC", 10)) * time.Second,

		RateReadPerSec:  parseFloatEnv("RATE_READ_PER_SEC", 0),
		RateWritePerSec: parseFloatEnv("RATE_WRITE_PER_SEC", 0),
		RateBurst:       parseFloatEnv("RATE_BURST", 10),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
