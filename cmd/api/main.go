// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-messaging/internal/auth"
	"github.com/capitalize-ai/marketplace-messaging/internal/config"
	"github.com/capitalize-ai/marketplace-messaging/internal/directory"
	"github.com/capitalize-ai/marketplace-messaging/internal/gateway"
	"github.com/capitalize-ai/marketplace-messaging/internal/handler"
	natsclient "github.com/capitalize-ai/marketplace-messaging/internal/nats"
	"github.com/capitalize-ai/marketplace-messaging/internal/service"
	"github.com/capitalize-ai/marketplace-messaging/internal/store"
	"github.com/capitalize-ai/marketplace-messaging/internal/store/memory"
	"github.com/capitalize-ai/marketplace-messaging/internal/store/mongostore"
	"github.com/capitalize-ai/marketplace-messaging/pkg/logger"
	"github.com/capitalize-ai/marketplace-messaging/pkg/tracing"
)

const serviceName = "marketplace-messaging"

// backend bundles the storage-facing collaborators.
type backend struct {
	conversations store.ConversationStore
	messages      store.MessageStore
	users         directory.UserDirectory
	bookings      directory.BookingLookup
	close         func(context.Context) error
}

// newLogger picks the console encoder in development and JSON otherwise.
func newLogger(cfg *config.Config) (*logger.Logger, error) {
	if cfg.IsDevelopment() {
		return logger.NewDevelopment()
	}
	return logger.New(cfg.LogLevel)
}

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server", zap.String("store", cfg.StoreBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", zap.Error(err))
		os.Exit(1)
	}
	defer be.close(context.Background())

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.ElevatedRoles)
	hub := gateway.NewHub(log)

	supervisor := suture.New(serviceName, suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn("supervisor event", zap.String("event", e.String()), zap.Any("details", e.Map()))
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	supervisor.Add(hub)

	// Room events go straight to the local hub unless NATS fan-out is on.
	var broadcaster service.Broadcaster = hub
	var natsClient *natsclient.Client
	if cfg.NATSEnabled {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer natsClient.Close()

		fanout := natsclient.NewFanout(natsClient, hub, log)
		supervisor.Add(fanout)
		broadcaster = fanout
	}

	// Initialize services
	conversationSvc := service.NewConversationService(be.conversations, be.messages, be.users, be.bookings, verifier, log)
	messageSvc := service.NewMessageService(be.messages, be.conversations, conversationSvc, be.users, broadcaster, log)

	router := handler.NewRouter(handler.RouterConfig{
		Logger:             log,
		Verifier:           verifier,
		Conversations:      handler.NewConversationHandler(conversationSvc, log),
		Messages:           handler.NewMessageHandler(messageSvc, conversationSvc, log),
		Health:             handler.NewHealthHandler(be.conversations, natsClient),
		Live:               gateway.NewServer(hub, verifier, conversationSvc, messageSvc, broadcaster, cfg.WSAllowedOrigins, log),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitRequests:  cfg.RateLimitRequests,
		RateLimitWindow:    cfg.RateLimitWindow,
	})

	supervisorDone := supervisor.ServeBackground(ctx)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	// Stopping the supervisor closes every live connection.
	cancel()
	if err := <-supervisorDone; err != nil && err != context.Canceled {
		log.Warn("supervisor stopped with error", zap.Error(err))
	}

	log.Info("server stopped")
}

func openBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		log.Warn("using in-memory store and an empty user directory; data is lost on restart")
		dir := directory.NewStatic()
		return &backend{
			conversations: memory.NewConversationStore(),
			messages:      memory.NewMessageStore(),
			users:         dir,
			bookings:      dir,
			close:         func(context.Context) error { return nil },
		}, nil

	case config.StoreMongo:
		client, err := mongostore.Connect(ctx, cfg.MongoURL, cfg.MongoConnectTimeout)
		if err != nil {
			return nil, err
		}
		db := client.Database(cfg.MongoDatabase)
		if err := mongostore.EnsureIndexes(ctx, db); err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		dir := directory.NewMongo(db, cfg.MongoUsersCollection, cfg.MongoBookingsCollection)
		return &backend{
			conversations: mongostore.NewConversationStore(db),
			messages:      mongostore.NewMessageStore(db),
			users:         dir,
			bookings:      dir,
			close:         disconnect(client),
		}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func disconnect(client *mongo.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Disconnect(ctx)
	}
}
