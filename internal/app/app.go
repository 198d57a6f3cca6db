// Package app wires configuration, storage, the event bus, the payment
// gateway and the HTTP server into one runnable process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/cinema-seat-booking/internal/config"
	"github.com/iliyamo/cinema-seat-booking/internal/database"
	"github.com/iliyamo/cinema-seat-booking/internal/handler"
	"github.com/iliyamo/cinema-seat-booking/internal/middleware"
	"github.com/iliyamo/cinema-seat-booking/internal/payment"
	"github.com/iliyamo/cinema-seat-booking/internal/queue"
	"github.com/iliyamo/cinema-seat-booking/internal/repository"
	"github.com/iliyamo/cinema-seat-booking/internal/router"
	"github.com/iliyamo/cinema-seat-booking/internal/service"
)

// Consumer group names on the event bus.
const (
	groupScheduler = "scheduler.booking-created"
	groupReminders = "scheduler.booking-paid"
	groupNotifier  = "notifier"
)

// Bus is an event bus the app can both publish to and consume from.
type Bus interface {
	queue.Publisher
	queue.Subscriber
}

type App struct {
	cfg       config.Config
	log       *zap.Logger
	db        *sql.DB
	rdb       *redis.Client
	bus       Bus
	dedup     queue.Deduper
	scheduler *service.CancellationScheduler
	reminders *service.ReminderScheduler
	notifier  *service.Notifier
	server    *http.Server
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Warn("redis unavailable; running without cache, rate limiting and event deduplication")
	}

	var bus Bus
	switch cfg.EventBus {
	case "local":
		bus = queue.NewLocalBus(log)
	default:
		bus = queue.NewRabbitBus(cfg.RabbitURL, log)
	}

	gateway, err := payment.NewStripeGateway(&payment.StripeGatewayConfig{SecretKey: cfg.StripeSecretKey, Currency: cfg.Currency})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("payment gateway: %w", err)
	}
	verifier := payment.NewWebhookVerifier(cfg.StripeWebhookSecret)

	bookingCfg := config.LoadBookingConfig()
	shows := repository.NewShowRepo(db)
	bookings := repository.NewBookingRepo(db)
	tasks := repository.NewTaskRepo(db, repository.CancellationTasks)
	reminderTasks := repository.NewTaskRepo(db, repository.ReminderTasks)
	tx := repository.NewTxManager(db)

	reservations := service.NewReservationService(shows, bookingCfg.ReserveAttempts, log)
	scheduler := service.NewCancellationScheduler(tasks, bookings, shows, tx, bookingCfg, log)
	bookingSvc := service.NewBookingService(reservations, scheduler, shows, bookings, tx, gateway, bus, bookingCfg, log)
	reconciler := service.NewReconciler(verifier, gateway, bookings, shows, tx, bus, bookingCfg, log)
	reminders := service.NewReminderScheduler(reminderTasks, bookings, shows, bus, bookingCfg, log)
	notifier := service.NewNotifier(bookings, shows, cfg.NotifyLogPath, log)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestID(), middleware.Logger(log.Named("http")))

	var (
		cache = middleware.NewRedisCache(config.LoadCacheConfig(), rdb)
		limit = middleware.RateLimit(nil, log)
		dedup queue.Deduper
	)
	if rdb != nil {
		limit = middleware.RateLimit(middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb), log.Named("ratelimit"))
		dedup = queue.NewRedisDeduper(rdb, "dedup", 24*time.Hour)
	}

	showHandler := handler.NewShowHandler(bookingSvc, log)
	router.RegisterRoutes(e)
	router.RegisterPublic(e, showHandler, cache)
	router.RegisterBooking(e, handler.NewBookingHandler(bookingSvc, cfg.AppURL, log), cfg.JWTSecret, limit)
	router.RegisterAdmin(e, showHandler, cfg.JWTSecret)
	router.RegisterWebhook(e, handler.NewWebhookHandler(reconciler, log))

	return &App{
		cfg:       cfg,
		log:       log,
		db:        db,
		rdb:       rdb,
		bus:       bus,
		dedup:     dedup,
		scheduler: scheduler,
		reminders: reminders,
		notifier:  notifier,
		server: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           e,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves HTTP, polls cancellation and reminder tasks and consumes
// events until ctx is cancelled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("HTTP server listening", zap.String("addr", a.server.Addr), zap.String("env", a.cfg.Env))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		a.log.Info("shutting down HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(ctx)
	})

	g.Go(func() error { return a.scheduler.Run(gCtx) })
	g.Go(func() error { return a.reminders.Run(gCtx) })

	g.Go(func() error {
		h := queue.Dedupe(a.dedup, groupScheduler, a.scheduler.HandleBookingCreated)
		return a.bus.Consume(gCtx, groupScheduler, []queue.Kind{queue.KindBookingCreated}, h)
	})

	g.Go(func() error {
		h := queue.Dedupe(a.dedup, groupReminders, a.reminders.HandleBookingPaid)
		return a.bus.Consume(gCtx, groupReminders, []queue.Kind{queue.KindBookingPaid}, h)
	})

	g.Go(func() error {
		kinds := []queue.Kind{queue.KindBookingPaid, queue.KindBookingReminder, queue.KindShowCreated}
		h := queue.Dedupe(a.dedup, groupNotifier, a.notifier.Handle)
		return a.bus.Consume(gCtx, groupNotifier, kinds, h)
	})

	err := g.Wait()
	a.close()
	return err
}

func (a *App) close() {
	if c, ok := a.bus.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.log.Warn("close event bus", zap.Error(err))
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn("close database", zap.Error(err))
	}
}
