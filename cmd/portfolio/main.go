package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/qvcloud/portfolio/broker"
	"github.com/qvcloud/portfolio/internal/config"
	"github.com/qvcloud/portfolio/internal/db"
	"github.com/qvcloud/portfolio/internal/httpapi"
	"github.com/qvcloud/portfolio/internal/hub"
	"github.com/qvcloud/portfolio/internal/notify"
	"github.com/qvcloud/portfolio/internal/project"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Portfolio stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		slog.String("addr", cfg.Server.Addr),
		slog.String("broker", cfg.Broker.Type),
		slog.String("broker_uri", broker.Redact(cfg.Broker.URI)),
		slog.String("queue", cfg.Queue.Name))

	// Projects are optional: without a database only the relay is served.
	var store project.Store
	if cfg.Database.URL != "" {
		if cfg.Database.Migrate {
			if err := db.RunMigrations(cfg.Database.URL); err != nil {
				logger.Warn("Migrations failed", slog.String("error", err.Error()))
			}
		}
		database, err := db.New(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			logger.Warn("Database connection failed, project routes disabled", slog.String("error", err.Error()))
		} else {
			defer database.Close()
			store = project.NewPGStore(database.Pool)
		}
	} else {
		logger.Info("No database configured, project routes disabled")
	}

	h := hub.New(
		hub.WithLogger(logger.With(slog.String("component", "hub"))),
		hub.WithWriteTimeout(cfg.Hub.WriteTimeout),
		hub.WithPongTimeout(cfg.Hub.PongTimeout),
		hub.WithMaxMessageSize(cfg.Hub.MaxMessageSize),
		hub.WithSendBuffer(cfg.Hub.SendBuffer))
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer func() {
		stopHub()
		<-h.Done()
	}()
	go h.Run(hubCtx)

	factory := notify.NewFactory(cfg.Broker, logger)
	queue := cfg.Queue.Spec()
	opts := notify.OptionsFromConfig(cfg, logger)

	pb, err := factory.NewBroker()
	if err != nil {
		return err
	}
	producer, err := notify.NewProducer(ctx, pb, queue, opts...)
	if err != nil {
		return err
	}
	defer producer.Close()

	cb, err := factory.NewBroker()
	if err != nil {
		return err
	}
	consumer, err := notify.NewConsumer(cb, h, queue, opts...)
	if err != nil {
		return err
	}
	defer consumer.Stop()
	if err := consumer.Start(ctx); err != nil {
		return err
	}
	go func() {
		<-consumer.Done()
		if err := consumer.Err(); err != nil {
			logger.Error("Notification consumer is down", slog.String("error", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpapi.New(ctx, httpapi.Deps{
			Producer:       producer,
			Projects:       store,
			Logger:         logger,
			Hub:            hub.NewHandler(h, cfg.Server.AllowedOrigins).ServeWS,
			HubPath:        cfg.Hub.Path,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RateLimit:      cfg.Server.RateLimit.RequestsPerSecond,
			RateBurst:      cfg.Server.RateLimit.Burst,
		}),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", slog.String("error", err.Error()))
	}
	return nil
}
