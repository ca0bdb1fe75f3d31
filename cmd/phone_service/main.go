package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/boardline/phonesystem/internal/phone_service/adapters/numberprovider"
	"github.com/boardline/phonesystem/internal/phone_service/adapters/switchgateway"
	"github.com/boardline/phonesystem/internal/phone_service/app"
	"github.com/boardline/phonesystem/internal/phone_service/domain"
	"github.com/boardline/phonesystem/internal/phone_service/ledger"
	"github.com/boardline/phonesystem/internal/phone_service/personas"
	"github.com/boardline/phonesystem/internal/phone_service/registry"
	"github.com/boardline/phonesystem/internal/phone_service/routing"
	"github.com/boardline/phonesystem/internal/phone_service/synthesis"
	"github.com/boardline/phonesystem/internal/phone_service/transport/middleware"
	httptransport "github.com/boardline/phonesystem/internal/phone_service/transport/http"
	"github.com/boardline/phonesystem/internal/platform/config"
	"github.com/boardline/phonesystem/internal/platform/database"
	"github.com/boardline/phonesystem/internal/platform/logger"
	"github.com/boardline/phonesystem/internal/platform/messagebroker"
	pgrepo "github.com/boardline/phonesystem/internal/phone_service/repository/postgres"
)

const serviceName = "phone_service"

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel, serviceName)
	appLogger.Info("Phone service starting...", "port", cfg.HTTPPort)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	dbPool, err := database.NewDBPool(rootCtx, cfg.PostgresDSN)
	if err != nil {
		appLogger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	appLogger.Info("Connected to PostgreSQL database")

	natsClient, err := messagebroker.NewNATSClient(cfg.NATSUrl, serviceName, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	appLogger.Info("Connected to NATS")

	leaseRepo := pgrepo.NewPgLeaseRepository(dbPool, appLogger)
	provider := numberprovider.NewHTTPProvider(appLogger, cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout, cfg.ProviderMaxRetries, nil)
	numberLedger := ledger.New(provider, leaseRepo, appLogger)

	gateway := switchgateway.New(switchgateway.Config{
		URL:            cfg.SwitchURL,
		Username:       cfg.SwitchUsername,
		Password:       cfg.SwitchPassword,
		ConnectTimeout: cfg.SwitchConnectTimeout,
		MaxReconnects:  cfg.SwitchMaxReconnects,
		EventBuffer:    cfg.SwitchEventBuffer,
	}, appLogger)

	sessionRegistry := registry.New(registry.Config{
		DialTimeout:   cfg.DialTimeout,
		RingTimeout:   cfg.RingTimeout,
		GracePeriod:   cfg.SessionGracePeriod,
		SweepInterval: cfg.SessionSweepInterval,
	}, appLogger)

	accessManager := personas.NewAccessManager(appLogger)

	inboundRole, err := domain.ParseExecutiveRole(cfg.InboundDefaultRole)
	if err != nil {
		appLogger.Error("Invalid INBOUND_DEFAULT_ROLE", "value", cfg.InboundDefaultRole, "error", err)
		os.Exit(1)
	}
	callRouter := routing.NewRouter(routing.Config{
		InboundDefaultRole: inboundRole,
	}, numberLedger, accessManager, sessionRegistry, appLogger)

	synth := synthesis.NewMockSynthesizer(appLogger, "mock-tts", 0, 40)
	speechQueues := synthesis.NewQueueSet(synth, cfg.SpeechQueueDepth, appLogger)

	orchestrator := app.NewOrchestrator(app.Config{
		DialTimeout:   cfg.DialTimeout,
		DrainDeadline: cfg.DrainDeadline,
	}, gateway, numberLedger, sessionRegistry, accessManager, callRouter, speechQueues, provider, natsClient, appLogger)

	if err := orchestrator.Start(rootCtx); err != nil {
		appLogger.Error("Failed to start phone system", "error", err)
		os.Exit(1)
	}

	validate := validator.New()
	authMW := middleware.AuthMiddleware(cfg.JWTAccessSecret, appLogger)

	healthHandler := httptransport.NewHealthHandler(orchestrator, appLogger)
	provisioningHandler := httptransport.NewProvisioningHandler(numberLedger, orchestrator, validate, appLogger)
	personaHandler := httptransport.NewPersonaHandler(accessManager, validate, appLogger)
	callHandler := httptransport.NewCallHandler(orchestrator, sessionRegistry, validate, appLogger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	healthHandler.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(protected chi.Router) {
		protected.Use(authMW)
		provisioningHandler.RegisterRoutes(protected)
		personaHandler.RegisterRoutes(protected)
		callHandler.RegisterRoutes(protected)
	})

	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: r}
	go func() {
		appLogger.Info(fmt.Sprintf("HTTP server listening on port %d", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("HTTP server failed to serve", "error", err)
			rootCancel()
		}
	}()

	quitChan := make(chan os.Signal, 1)
	signal.Notify(quitChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quitChan:
		appLogger.Info("Shutdown signal received", "signal", sig.String())
	case <-rootCtx.Done():
	}

	// Stop accepting HTTP traffic first, then drain the phone system.
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), cfg.DrainDeadline+10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		appLogger.Error("HTTP server shutdown failed", "error", err)
	}
	orchestrator.Shutdown(ctxShutdown)
	appLogger.Info("Phone service shut down.")
}
