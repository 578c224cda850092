package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"cipherchat/internal/config"
	"cipherchat/internal/db"
	myMiddleware "cipherchat/internal/middleware"
	"cipherchat/internal/relay"
	"cipherchat/internal/user"
)

func main() {
	// 1. Config & Flags
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ️  No .env file found, using environment variables")
	}
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	addr := flag.String("addr", cfg.Addr, "http service address")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(ctx, cfg.DSN)
	if err != nil {
		log.Fatalf("❌ Failed to connect to DB: %v", err)
	}
	defer database.Close()
	log.Println("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}
	log.Println("✅ Database Schema Initialized")

	// 3. Fan-out broker: Redis across instances, in-process for a single one
	var broker interface {
		relay.Broker
		relay.Presence
	}
	switch cfg.Broker {
	case config.BrokerRedis:
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		broker = relay.NewRedisBroker(redisClient)
		log.Println("✅ Connected to Redis")
	default:
		broker = relay.NewMemoryBroker()
		log.Println("⚠️  Using in-process broker; run a single instance only")
	}

	// 4. Users
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService, logger)

	// 5. Chats & realtime
	chatRepo := relay.NewRepository(database.Conn)
	hub := relay.NewHub(broker, broker, logger)
	if err := hub.SubscribeToBroker(ctx); err != nil {
		log.Fatalf("❌ Failed to subscribe to broker: %v", err)
	}
	go hub.Run(ctx)

	chatHandler := relay.NewHandler(hub, chatRepo, logger)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Post("/api/logout", userHandler.Logout)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/api/users/{id}", userHandler.GetUser)
		chatHandler.Mount(r)
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	log.Printf("🚀 Server starting on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	log.Println("👋 Server stopped")
}
