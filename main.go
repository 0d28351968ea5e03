package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-relay/internal/auth"
	"chat-relay/internal/config"
	"chat-relay/internal/db"
	"chat-relay/internal/handlers"
	"chat-relay/internal/middleware"
	"chat-relay/internal/observability"
	"chat-relay/internal/rabbitmq"
	"chat-relay/internal/repositories"
	"chat-relay/internal/telemetry"
	"chat-relay/internal/ws"
)

type stores struct {
	chats    repositories.ChatRepository
	messages repositories.MessageRepository
	receipts repositories.ReceiptRepository
	close    func() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})).
		With("service", cfg.ServiceName, "env", cfg.Environment)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.Environment, logger)
	if err != nil {
		logger.Error("failed to init tracing", "err", err)
		os.Exit(1)
	}

	st, err := openStores(cfg, logger)
	if err != nil {
		logger.Error("failed to open storage", "err", err)
		os.Exit(1)
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", cfg.ServiceName, cfg.Environment, logger)

	validator := auth.NewJWTValidator(cfg.JWTSecret)
	hub := ws.NewHub(st.chats, st.messages, st.receipts, wsOptions(cfg), logger)

	chatHandler := handlers.NewChatHandler(st.chats, st.messages, hub, audit)
	chatWS := ws.NewChatWebSocketHandler(hub, validator, audit, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(validator)

	router.POST("/chat/private", authMiddleware, chatHandler.StartChat)
	router.GET("/chats", authMiddleware, chatHandler.ListChats)
	router.GET("/chats/:chat_id/messages", authMiddleware, chatHandler.GetChatMessages)
	router.GET("/chats/:chat_id/status", authMiddleware, chatHandler.GetChatStatus)
	router.GET("/ws", chatWS.Handle)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, authMiddleware, audit, cfg.DebugRoutes)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server listening",
			"addr", cfg.Addr(),
			"storage", cfg.Storage,
			"amqp", rabbitmq.PublisherMode(publisher),
			"amqp_noop_reason", rabbitmq.PublisherNoopReason(publisher),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	if err := publisher.Close(); err != nil {
		logger.Warn("close publisher", "err", err)
	}
	if err := st.close(); err != nil {
		logger.Warn("close storage", "err", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("flush traces", "err", err)
	}
}

func openStores(cfg *config.Config, logger *slog.Logger) (stores, error) {
	if cfg.Storage == "memory" {
		logger.Warn("using in-memory storage; data is lost on restart")
		mem := repositories.NewMemoryStore()
		return stores{chats: mem, messages: mem, receipts: mem, close: func() error { return nil }}, nil
	}

	database, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		return stores{}, err
	}
	return stores{
		chats:    repositories.NewChatRepo(database),
		messages: repositories.NewMessageRepo(database),
		receipts: repositories.NewReceiptRepo(database),
		close:    database.Close,
	}, nil
}

func wsOptions(cfg *config.Config) ws.Options {
	return ws.Options{
		SendBuffer:       cfg.WS.SendBuffer,
		MaxMessageSize:   cfg.WS.MaxMessageSize,
		PongWait:         cfg.WS.PongWait,
		PingPeriod:       cfg.WS.PingPeriod(),
		WriteWait:        cfg.WS.WriteWait,
		MaxContentLength: cfg.MaxContentLength,
	}
}
