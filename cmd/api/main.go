// Package main is the entry point for the handoff engine API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chatlift/handoff-engine/internal/config"
	"github.com/chatlift/handoff-engine/internal/handler"
	"github.com/chatlift/handoff-engine/internal/hub"
	"github.com/chatlift/handoff-engine/internal/llm"
	"github.com/chatlift/handoff-engine/internal/middleware"
	"github.com/chatlift/handoff-engine/internal/model"
	natsclient "github.com/chatlift/handoff-engine/internal/nats"
	"github.com/chatlift/handoff-engine/internal/service"
	"github.com/chatlift/handoff-engine/internal/store"
	"github.com/chatlift/handoff-engine/internal/ws"
	"github.com/chatlift/handoff-engine/pkg/logger"
	"github.com/chatlift/handoff-engine/pkg/metrics"
	"github.com/chatlift/handoff-engine/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting handoff engine")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "handoff-engine", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS
	natsClient, err := natsclient.Connect(natsclient.Config{
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

	// Open the store
	st, err := store.NewSQLiteStore(cfg.DatabasePath, log)
	if err != nil {
		log.Error("failed to open store", zap.Error(err))
		os.Exit(1)
	}
	defer st.Close()

	// Initialize LLM client
	var llmClient llm.Client
	if cfg.AnthropicAPIKey != "" || cfg.OpenAIAPIKey != "" {
		apiKey := cfg.AnthropicAPIKey
		if llm.Provider(cfg.DefaultLLM) == llm.ProviderOpenAI {
			apiKey = cfg.OpenAIAPIKey
		}
		llmClient, err = llm.NewClient(llm.Provider(cfg.DefaultLLM), apiKey)
		if err != nil {
			llmClient = nil
			log.Warn("failed to create LLM client, assistant replies degrade to canned responses", zap.Error(err))
		}
	}

	// Connection hub and queue fan-out
	connHub := hub.New(log)
	fanout := natsclient.NewQueueFanout(natsClient)

	// Initialize services
	handoffSvc := service.NewHandoffService(st, connHub, fanout, log)
	messageSvc := service.NewMessageService(st, connHub, log)
	assistant := service.NewAssistantResponder(llmClient, messageSvc, handoffSvc, st, cfg.AssistantModel, log)

	// The fan-out is out-of-process: every engine instance subscribes and
	// forwards queue events to its own connected agent consoles.
	queueSub, err := fanout.Subscribe(func(ev natsclient.QueueEvent) {
		metrics.QueueEventsTotal.Inc()
		connHub.BroadcastQueue(model.NewQueueChangedFrame(ev.HandoffID, ev.Status))
	})
	if err != nil {
		log.Error("failed to subscribe to queue events", zap.Error(err))
		os.Exit(1)
	}
	defer queueSub.Unsubscribe()

	// Expiry sweeper
	sweeperCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	sweeper := service.NewSweeper(st, connHub, fanout, cfg.HandoffPendingTTL, cfg.HandoffIdleTTL, cfg.HandoffSweepInterval, log)
	go sweeper.Run(sweeperCtx)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(natsClient, st)
	handoffHandler := handler.NewHandoffHandler(handoffSvc, messageSvc, log)
	messageHandler := handler.NewMessageHandler(messageSvc, log)
	wsHandler := ws.NewHandler(connHub, messageSvc, assistant, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Handoffs
		r.Route("/handoffs", func(r chi.Router) {
			r.Post("/", handoffHandler.Create)
			r.With(middleware.RequireAgent).Get("/", handoffHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.With(middleware.RequireAgent).Post("/accept", handoffHandler.Accept)
				r.Post("/resolve", handoffHandler.Resolve)
				r.Get("/messages", handoffHandler.Messages)
			})
		})

		// Conversations
		r.Get("/conversations/{id}", messageHandler.Get)
		r.Get("/conversations/{id}/messages", messageHandler.List)

		// Live connection
		r.Get("/ws", wsHandler.ServeHTTP)
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	stopSweeper()
	connHub.Close()

	log.Info("server stopped")
}
