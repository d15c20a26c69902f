package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/BillyJoe121/zenzspa-project-sub000/internal/api/router"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/appointments"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/audit"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/booking"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/catalog"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/clock"
	appconfig "github.com/BillyJoe121/zenzspa-project-sub000/internal/config"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/ledger"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/locks"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/notify"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/observability/metrics"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/payments"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/scheduling"
	"github.com/BillyJoe121/zenzspa-project-sub000/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting booking service",
		"env", cfg.Env,
		"port", cfg.Port,
		"timezone", cfg.BusinessTimezone,
	)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("database unreachable", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	bookingMetrics := metrics.NewBookingMetrics(registry)

	// Single instance runs serialize on in-process locks; multi-instance
	// deployments need the Redis locker so the mutual exclusion spans nodes.
	var locker locks.Locker
	if cfg.UseRedisLocks && cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Error("redis unreachable", "error", err)
			os.Exit(1)
		}
		locker = locks.NewRedisLocker(client, "zenzspa")
		logger.Info("using redis locks", "addr", cfg.RedisAddr)
	} else {
		locker = locks.NewKeyedMutex()
	}

	clk := clock.NewSystem()
	loc := cfg.Location()

	catalogRepo := catalog.NewRepository(pool)
	apptRepo := appointments.NewRepository(pool)
	ledgerRepo := ledger.NewRepository(pool)
	paymentsRepo := payments.NewRepository(pool)
	idemStore := payments.NewIdempotencyStore(pool, cfg.IdempotencyRetention)

	calculator := scheduling.NewCalculator(catalogRepo, apptRepo, clk, scheduling.Policy{
		SlotInterval: cfg.SlotInterval,
		Buffer:       cfg.Buffer,
		MinLeadTime:  cfg.MinLeadTime,
	}, loc, bookingMetrics, logger)

	manager := booking.NewManager(apptRepo, catalogRepo, calculator, locker, clk, booking.Policy{
		Buffer:                cfg.Buffer,
		PaymentDeadline:       cfg.PaymentDeadline,
		MaxActiveAppointments: cfg.MaxActiveAppointments,
		LockTimeout:           cfg.LockTimeout,
	}, bookingMetrics, logger)

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if sender := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.EmailFrom,
		FromName:  cfg.EmailFromName,
	}, logger); sender != nil {
		notifier = notify.NewEmailNotifier(sender, notify.NewPostgresAddressBook(pool), logger)
		logger.Info("email notifications enabled", "from", cfg.EmailFrom)
	}

	machine := appointments.NewStateMachine(appointments.StateMachineConfig{
		Store:  apptRepo,
		Locker: locker,
		Clock:  clk,
		Policy: appointments.Policy{
			RescheduleCap:       cfg.RescheduleCap,
			RescheduleCutoff:    cfg.RescheduleCutoff,
			CancellationCutoff:  cfg.CancellationCutoff,
			CancelCreditPercent: cfg.CancelCreditPercent,
			NoShowCreditPercent: cfg.NoShowCreditPercent,
			CreditTTL:           cfg.CreditTTL,
			CommissionPercent:   cfg.CommissionPercent,
			LockTimeout:         cfg.LockTimeout,
		},
		Credits:     ledgerRepo,
		Wallet:      ledgerRepo,
		Commissions: ledgerRepo,
		Slots:       manager,
		Notifier:    notifier,
		Audit:       audit.NewPostgresRecorder(pool, logger),
		Metrics:     bookingMetrics,
		Logger:      logger,
	})

	coordinator := payments.NewCoordinator(
		paymentsRepo, idemStore, machine,
		cfg.PaymentWebhookSecret, clk, bookingMetrics, logger,
	)

	var checkoutProvider payments.CheckoutProvider
	if hosted := payments.NewHostedCheckoutProvider(
		cfg.CheckoutBaseURL, cfg.CheckoutAPIKey,
		cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL, logger,
	); hosted != nil {
		checkoutProvider = hosted
		logger.Info("hosted checkout enabled", "base_url", cfg.CheckoutBaseURL)
	} else {
		checkoutProvider = payments.NewFakeCheckoutProvider(cfg.PublicBaseURL, logger)
		logger.Warn("no checkout credentials, using fake payment links")
	}
	checkout := payments.NewCheckoutService(paymentsRepo, checkoutProvider, logger)

	sweeper := appointments.NewSweeper(machine, apptRepo, idemStore, clk, cfg.SweepInterval, bookingMetrics, logger)
	go sweeper.Run(ctx)

	r := router.New(&router.Config{
		Logger:              logger,
		AvailabilityHandler: scheduling.NewHandler(calculator, loc, logger),
		BookingHandler:      booking.NewHandler(manager, coordinator, checkout, logger),
		PaymentWebhook:      payments.NewWebhookHandler(coordinator, logger),
		MetricsHandler:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		WriteRateLimit:      10,
		WriteBurst:          20,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	stop() // stops the sweeper

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
