package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aether-im/aether/internal/auth"
	"github.com/aether-im/aether/internal/chat"
	"github.com/aether-im/aether/internal/data"
	"github.com/aether-im/aether/internal/db"
	"github.com/aether-im/aether/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Local development keeps its settings in .env; absence is fine.
	_ = godotenv.Load()

	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		log.Fatal("MONGODB_URI must be set")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	corsOrigin := os.Getenv("CORS_ORIGIN")
	if corsOrigin == "" {
		corsOrigin = "http://localhost:5173"
	}

	var logger *zap.Logger
	var err error
	if os.Getenv("APP_ENV") == "production" {
		logger, err = zap.NewProduction()
	} else {
		gin.SetMode(gin.DebugMode)
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	dbClient, err := db.New(ctx, mongoURI)
	if err != nil {
		logger.Fatal("failed to connect to DB", zap.Error(err))
	}
	defer func() {
		_ = dbClient.Close(ctx)
	}()

	if err := dbClient.CreateIndexes(ctx); err != nil {
		logger.Fatal("failed to create indexes", zap.Error(err))
	}

	usersStore := data.NewUsersStore(dbClient.UsersCollection())
	convsStore := data.NewConversationsStore(dbClient.ConversationsCollection())
	bucketsStore := data.NewBucketsStore(dbClient.BucketsCollection())

	jwtMgr := auth.NewJWTManager(jwtSecret, tokenTTL)

	svc := chat.NewService(convsStore, bucketsStore, usersStore, logger)
	hub := NewHub()
	srv := newAPIServer(usersStore, svc, hub, jwtMgr, logger, corsOrigin)

	// RATE_LIMIT_RPM throttles register/login per email (or per IP when no
	// email is present in the body).
	rateRPM := 10
	if v := os.Getenv("RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rateRPM = n
		}
	}
	limiterStore := middleware.NewLimiterStore(rateRPM, 3, 1*time.Minute)
	defer limiterStore.Stop()

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.newRouter(limiterStore),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server exit", zap.Error(err))
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown did not complete cleanly", zap.Error(err))
	}
}
