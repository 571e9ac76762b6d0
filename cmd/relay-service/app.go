package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"relayq/internal/adaptive"
	"relayq/internal/batch"
	"relayq/internal/broker"
	"relayq/internal/buffer"
	"relayq/internal/config"
	"relayq/internal/constants"
	"relayq/internal/consumer"
	"relayq/internal/handler"
	"relayq/internal/logger"
	"relayq/pkg/bootstrap"
	"relayq/pkg/circuitbreaker"
	"relayq/pkg/health"
	"relayq/pkg/logging"
	"relayq/pkg/metrics"
	"relayq/pkg/models"
	"relayq/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	stack          *bootstrap.QueueStack
	buffer         *buffer.Buffer[*models.Message]
	controller     *adaptive.Controller
	consumer       *consumer.Consumer
	handler        batch.Handler
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceRelay)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	metrics.RegisterQueueMetrics()
	metrics.RegisterProcessingMetrics()
	metrics.RegisterControllerMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterCircuitBreakerMetrics()
	metrics.RegisterManagementMetrics()

	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceRelay)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	if err := a.InitBroker(constants.ServiceRelay); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	stack, err := a.dbConnector.InitQueue(ctx, a.Producer)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	a.stack = stack

	a.initPipeline()

	if err := a.initHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	return nil
}

func (a *App) initPipeline() {
	cfg := a.Config

	a.buffer = buffer.New[*models.Message](cfg.Buffer.Capacity,
		buffer.WithName(cfg.Queue.Name),
		buffer.WithBackpressureDelay(cfg.Buffer.BackpressureDelay),
		buffer.WithHistorySize(cfg.Buffer.HistorySize),
	)

	a.controller = adaptive.NewController(adaptive.ParametersFromConfig(cfg.Controller.Initial),
		adaptive.WithLogger(a.Logger),
		adaptive.WithHistorySize(cfg.Controller.HistorySize),
	)

	a.consumer = consumer.New(a.stack.Queue, a.buffer, a.controller, consumer.ConfigFrom(cfg.Consumer),
		consumer.WithLogger(a.Logger),
	)

	a.handler = handler.Wrap(a.deliveryHandler(), handler.FaultSourceFrom(cfg.Relay.FaultInjection))
}

// deliveryHandler forwards to the output topic when Kafka is configured,
// otherwise it only logs each message.
func (a *App) deliveryHandler() batch.Handler {
	topic := a.Config.Broker.Kafka.OutputTopic
	if a.Producer == nil || topic == "" {
		a.Logger.Info("No output topic configured, messages are logged and acknowledged")
		return handler.NewLogging(a.Logger)
	}

	var cb *circuitbreaker.Wrapper
	if a.Config.CircuitBreaker.Enabled {
		cb = circuitbreaker.NewWrapper(circuitbreaker.ConfigFrom("kafka-"+topic, a.Config.CircuitBreaker))
	}
	return handler.NewForwarder(a.Producer, topic, cb)
}

func (a *App) initHTTPServer(ctx context.Context) error {
	registry := health.NewCheckerRegistry()
	registry.Register(health.NewPingChecker("queue_store", a.stack.Queue))
	if a.stack.Mongo != nil {
		registry.Register(health.NewMongoDBChecker(a.stack.Mongo))
	}
	registry.Register(health.NewCheckFunc("controller", a.checkController))

	router := a.NewRouter(ctx, constants.ServiceRelay, registry)

	router.GET("/controller", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"queue":      a.stack.Queue.Name(),
			"controller": a.controller.Snapshot(),
			"buffer":     a.buffer.Metrics(),
		})
	})

	mgmt, err := a.dbConnector.InitManagement(ctx, a.stack, a.Producer)
	if err != nil {
		return err
	}
	mgmt.RegisterRoutes(router)

	a.server = a.NewServer(router)
	return nil
}

// checkController reports degraded while the last cycle's error rate is
// above the controller's error threshold.
func (a *App) checkController(ctx context.Context) error {
	snap := a.controller.Snapshot()
	if snap.Last != nil && snap.Last.Degraded {
		return fmt.Errorf("%w: error rate %.2f above threshold %.2f",
			health.ErrDegraded, snap.Last.ErrorRate, snap.Parameters.ErrorThreshold)
	}
	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	runCtx := logging.WithQueueName(logging.WithServiceName(gCtx, constants.ServiceRelay), a.Config.Queue.Name)

	g.Go(func() error {
		a.Logger.InfowCtx(runCtx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if a.Consumer != nil {
		inputTopic := a.Config.Broker.Kafka.InputTopic
		g.Go(func() error {
			a.Logger.InfowCtx(runCtx, "Starting Kafka ingress", "topic", inputTopic)
			return a.Consumer.Consume(gCtx, inputTopic, broker.EnqueueHandler(a.stack.Queue, a.Logger))
		})
	}

	g.Go(func() error {
		return a.consumer.Run(runCtx, a.handler)
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, constants.ServiceRelay)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down relay service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.server != nil {
			serverCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(serverCtx); err != nil {
				errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
			}
		}

		if a.buffer != nil && a.buffer.Len() > 0 {
			a.Logger.WarnwCtx(ctx, "Buffered messages left in processing, nack them through the management API to requeue",
				"count", a.buffer.Len())
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
