package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"relayq/internal/config"
	"relayq/internal/constants"
	"relayq/internal/logger"
	"relayq/pkg/bootstrap"
	"relayq/pkg/health"
	"relayq/pkg/logging"
	"relayq/pkg/metrics"
	"relayq/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	stack          *bootstrap.QueueStack
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceManagement)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	metrics.RegisterQueueMetrics()
	metrics.RegisterManagementMetrics()
	metrics.RegisterCircuitBreakerMetrics()
	metrics.RegisterBrokerMetrics()

	if strings.ToLower(a.Config.Queue.Store) != "redis" {
		a.Logger.Warn("Management service is using a private in-memory queue, point queue.store at redis to share it with relay services")
	}

	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceManagement)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	if err := a.InitBroker(constants.ServiceManagement); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	stack, err := a.dbConnector.InitQueue(ctx, a.Producer)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	a.stack = stack

	registry := health.NewCheckerRegistry()
	registry.Register(health.NewPingChecker("queue_store", stack.Queue))
	if stack.Mongo != nil {
		registry.Register(health.NewMongoDBChecker(stack.Mongo))
	}

	router := a.NewRouter(ctx, constants.ServiceManagement, registry)

	mgmt, err := a.dbConnector.InitManagement(ctx, stack, a.Producer)
	if err != nil {
		return fmt.Errorf("failed to initialize management API: %w", err)
	}
	mgmt.RegisterRoutes(router)

	a.server = a.NewServer(router)
	return nil
}

func (a *App) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		a.Logger.InfowCtx(ctx, "Server listening", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, constants.ServiceManagement)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down server")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.server != nil {
			serverCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(serverCtx); err != nil {
				errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
			}
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.stack.Shutdown(ctx, a.dbConnector)...)
		return errs
	}

	return a.Base.Shutdown(shutdownCtx, additionalShutdown)
}
