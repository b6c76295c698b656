package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/septivank/river-telemetry/internal/alerting"
	"github.com/septivank/river-telemetry/internal/api"
	"github.com/septivank/river-telemetry/internal/auth"
	"github.com/septivank/river-telemetry/internal/broker"
	"github.com/septivank/river-telemetry/internal/config"
	"github.com/septivank/river-telemetry/internal/db"
	"github.com/septivank/river-telemetry/internal/fanout"
	"github.com/septivank/river-telemetry/internal/mq"
	"github.com/septivank/river-telemetry/internal/mqtt"
	"github.com/septivank/river-telemetry/internal/normalizer"
	"github.com/septivank/river-telemetry/internal/repository"
	"github.com/septivank/river-telemetry/internal/service"
	"github.com/septivank/river-telemetry/internal/session"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startBrokerLink(lc fx.Lifecycle, link *broker.Link, cfg *config.Config, logger *zap.Logger) {
	// Link outlives the start context, so it gets its own
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting broker link",
				zap.String("transport", cfg.Broker.Transport),
				zap.String("topic", cfg.Broker.Topic))
			link.Start(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			link.Stop()
			cancel()
			logger.Info("broker link stopped gracefully")
			return nil
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, server *api.Server, cfg *config.Config, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.HTTPAddr)
			if err != nil {
				return fmt.Errorf("[HTTP] failed to listen on %s: %w", cfg.HTTPAddr, err)
			}
			logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))

			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped unexpectedly", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil {
				logger.Error("failed to shut down http server", zap.Error(err))
				return err
			}
			logger.Info("http server stopped")
			return nil
		},
	})
}

// ProvideStore creates the reading store selected by STORE_DRIVER
func ProvideStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (repository.Store, error) {
	if cfg.Store.Driver == "memory" {
		logger.Warn("using in-memory store, data will not survive a restart")
		return repository.NewMemoryStore(), nil
	}

	pool, err := db.NewPool(lc, logger, cfg.Database.URL, cfg.Database.ApplySchema)
	if err != nil {
		return nil, err
	}
	return repository.NewRepository(pool), nil
}

// ProvideNormalizer creates a new reading normalizer
func ProvideNormalizer(store repository.Store, logger *zap.Logger) *normalizer.Normalizer {
	return normalizer.NewNormalizer(store, logger)
}

// ProvideAlertEngine creates a new alert engine
func ProvideAlertEngine(store repository.Store, logger *zap.Logger) *alerting.Engine {
	return alerting.NewEngine(store, logger)
}

// ProvideHub creates the fan-out hub, closed on application stop
func ProvideHub(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) *fanout.Hub {
	hub := fanout.NewHub(cfg.Hub.MailboxSize, logger)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			hub.Close()
			return nil
		},
	})
	return hub
}

// ProvideRelay creates the downstream AMQP relay. Without RELAY_AMQP_URL
// no relay is used.
func ProvideRelay(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (service.Relay, error) {
	if cfg.Relay.URL == "" {
		logger.Info("no relay configured, accepted readings stay local")
		return nil, nil
	}

	conn, err := mq.NewConnection(lc, logger, cfg.Relay.URL)
	if err != nil {
		return nil, err
	}
	publisher, err := mq.NewPublisher(conn, cfg.Relay.Exchange, cfg.Relay.RoutingKey, logger)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideProcessorService creates a new processor service instance
func ProvideProcessorService(
	n *normalizer.Normalizer,
	store repository.Store,
	alerts *alerting.Engine,
	hub *fanout.Hub,
	relay service.Relay,
	logger *zap.Logger,
) *service.ProcessorService {
	return service.NewProcessorService(n, store, alerts, hub, relay, logger)
}

// ProvideTransport creates the broker transport selected by BROKER_TRANSPORT
func ProvideTransport(cfg *config.Config, logger *zap.Logger) broker.Transport {
	if cfg.Broker.Transport == "amqp" {
		return mq.NewTransport(mq.TransportConfig{
			Exchange: cfg.Broker.AMQPExchange,
			Queue:    cfg.Broker.AMQPQueue,
			DLQQueue: cfg.Broker.AMQPDLQ,
		}, logger)
	}
	return mqtt.NewTransport(logger)
}

// ProvideBrokerLink creates the upstream broker link
func ProvideBrokerLink(
	transport broker.Transport,
	processor *service.ProcessorService,
	store repository.Store,
	cfg *config.Config,
	logger *zap.Logger,
) *broker.Link {
	return broker.NewLink(transport, processor, store, broker.Config{
		Endpoint: broker.Endpoint{
			Host:     cfg.Broker.Host,
			Port:     cfg.Broker.Port,
			Username: cfg.Broker.Username,
			Password: cfg.Broker.Password,
			UseTLS:   cfg.Broker.UseTLS,
			ClientID: cfg.Broker.ClientID,
		},
		Topic:        cfg.Broker.Topic,
		StatusTopic:  cfg.Broker.StatusTopic,
		RetryInitial: cfg.Broker.RetryInitial,
		RetryMax:     cfg.Broker.RetryMax,
	}, logger)
}

// ProvideAuthManager creates the token manager. Without JWT_SECRET every
// protected route answers 401.
func ProvideAuthManager(cfg *config.Config, logger *zap.Logger) (*auth.Manager, error) {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, protected endpoints are disabled")
		return nil, nil
	}
	return auth.NewManager(cfg.Auth.JWTSecret, 0)
}

// ProvideAPIServer creates the HTTP and websocket surface
func ProvideAPIServer(
	processor *service.ProcessorService,
	store repository.Store,
	alerts *alerting.Engine,
	hub *fanout.Hub,
	manager *auth.Manager,
	link *broker.Link,
	cfg *config.Config,
	logger *zap.Logger,
) *api.Server {
	return api.NewServer(api.Deps{
		Processor: processor,
		Store:     store,
		Alerts:    alerts,
		Hub:       hub,
		Auth:      manager,
		Broker:    link,
		Backfill: session.Options{
			BackfillLimit:    cfg.Backfill.Limit,
			BackfillLookback: cfg.Backfill.Lookback,
			BackfillTimeout:  cfg.Backfill.Timeout,
		},
		Logger:            logger,
		CORSOrigins:       cfg.HTTP.CORSOrigins,
		RateLimitRequests: cfg.HTTP.RateLimitRequests,
		RateLimitWindow:   cfg.HTTP.RateLimitWindow,
	})
}
