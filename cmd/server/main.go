package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/Dis3z/reserve-api/config"
	"github.com/Dis3z/reserve-api/internal/bus"
	availability "github.com/Dis3z/reserve-api/internal/cache"
	"github.com/Dis3z/reserve-api/internal/handler"
	"github.com/Dis3z/reserve-api/internal/lock"
	"github.com/Dis3z/reserve-api/internal/middleware"
	"github.com/Dis3z/reserve-api/internal/queue"
	"github.com/Dis3z/reserve-api/internal/repository"
	"github.com/Dis3z/reserve-api/internal/service"
	"github.com/Dis3z/reserve-api/pkg/cache"
	"github.com/Dis3z/reserve-api/pkg/db"
	"github.com/Dis3z/reserve-api/pkg/logger"
)

func main() {
	log := logger.New("main")

	// ── Load configuration ──────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()

	// ── Connect to PostgreSQL ───────────────────────────
	pgPool, err := db.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	defer pgPool.Close()
	log.Info().Str("host", cfg.Postgres.Host).Msg("PostgreSQL connected")

	// ── Connect to Redis ────────────────────────────────
	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer redisClient.Close()
	log.Info().Str("addr", cfg.Redis.Addr()).Msg("Redis connected")

	// ── Initialize layers ───────────────────────────────
	rules := repository.BookingRules{
		MaxConcurrentBookings: cfg.Booking.MaxConcurrentBookings,
		MaxAdvanceDays:        cfg.Booking.MaxAdvanceDays,
		CancellationWindow:    cfg.Booking.CancellationWindow,
	}
	bookingRepo := repository.NewBookingRepository(pgPool, rules)
	slotRepo := repository.NewSlotRepository(pgPool)
	userRepo := repository.NewUserRepository(pgPool)

	locks := lock.NewManager(redisClient, logger.New("lock"))
	availCache := availability.NewAvailability(redisClient, cfg.Booking.AvailabilityCacheTTL, logger.New("cache"))
	jobQueue := queue.New(redisClient, queue.Config{
		Concurrency: cfg.Queue.WorkerConcurrency,
		RateMax:     cfg.Queue.RateMax,
		RateWindow:  cfg.Queue.RateWindow,
	}, logger.New("queue"))
	eventBus := bus.New(bus.DefaultBufferSize, logger.New("bus"))

	coord := service.NewCoordinator(service.Services{
		Locks:    locks,
		Bookings: bookingRepo,
		Slots:    slotRepo,
		Users:    userRepo,
		Cache:    availCache,
		Queue:    jobQueue,
		Bus:      eventBus,
	}, cfg.Booking, logger.New("coordinator"))

	if err := service.RegisterJobs(jobQueue, coord, logger.New("jobs")); err != nil {
		log.Fatal().Err(err).Msg("failed to register jobs")
	}
	jobQueue.Start(ctx)

	bookingHandler := handler.NewBookingHandler(coord, logger.New("http"))
	slotHandler := handler.NewSlotHandler(coord, logger.New("http"))
	eventsHandler := handler.NewEventsHandler(eventBus, logger.New("http"))
	healthHandler := handler.NewHealthHandler(pgPool, redisClient, jobQueue, logger.New("http"))

	// ── Setup router ────────────────────────────────────
	router := mux.NewRouter()

	router.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	// Availability
	api.HandleFunc("/venues/{venue_id}/slots", slotHandler.ListAvailable).Methods(http.MethodGet)
	// Bookings
	api.HandleFunc("/bookings", bookingHandler.CreateBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{booking_id}", bookingHandler.GetBooking).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{booking_id}/cancel", bookingHandler.CancelBooking).Methods(http.MethodPost)
	// Admin slot operations
	api.HandleFunc("/slots/{slot_id}/block", slotHandler.BlockSlot).Methods(http.MethodPost)
	api.HandleFunc("/slots/{slot_id}/unblock", slotHandler.UnblockSlot).Methods(http.MethodPost)
	api.HandleFunc("/slots/{slot_id}/hold", slotHandler.HoldSlot).Methods(http.MethodPost)
	// Live updates
	api.HandleFunc("/events/slots", eventsHandler.StreamSlots).Methods(http.MethodGet)
	api.HandleFunc("/events/bookings", eventsHandler.StreamBookings).Methods(http.MethodGet)

	httpLog := logger.New("http")
	root := middleware.CORS(
		middleware.RequestLogger(httpLog)(
			middleware.Recoverer(httpLog)(router)))

	// ── Start HTTP server ───────────────────────────────
	srv := &http.Server{
		Addr:        cfg.Server.ServerAddr(),
		Handler:     root,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
		// WriteTimeout stays unset: the SSE streams are long-lived and
		// end on client disconnect, not on a server-side deadline.
	}

	go func() {
		log.Info().Str("addr", cfg.Server.ServerAddr()).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// ── Graceful shutdown ───────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := jobQueue.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("queue drain incomplete")
	}

	log.Info().Msg("server stopped")
}
