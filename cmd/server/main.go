package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openquill/go-auth-backend/internal/api"
	"github.com/openquill/go-auth-backend/internal/backend"
	"github.com/openquill/go-auth-backend/internal/service"
	"github.com/openquill/go-auth-backend/internal/websocket"
	"github.com/openquill/go-auth-backend/pkg/config"
	"github.com/openquill/go-auth-backend/pkg/logging"
	"github.com/openquill/go-auth-backend/pkg/middleware"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting Auth Backend Server",
		zap.String("version", version),
		zap.String("build_time", buildTime),
	)

	// Initialize storage backend
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := backend.New(ctx, cfg)
	cancel()
	if err != nil {
		logger.Fatal("Failed to initialize storage backend", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	logger.Info("Storage backend initialized", zap.String("type", cfg.Storage.Type))

	// Ping storage to verify connection
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		logger.Fatal("Failed to ping storage", zap.Error(err))
	}

	// Security event stream
	events := websocket.NewManager(cfg, logger)
	defer events.Close()

	// Initialize services
	services, err := service.NewServices(store, cfg, events, logger)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}

	// Background sweep of expired short-lived state
	services.Cleanup.Start()
	defer services.Cleanup.Stop()

	router := setupRouter(cfg, services, events, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server listening", zap.String("address", cfg.Server.Address()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func setupRouter(cfg *config.Config, services *service.Services, events *websocket.Manager, logger *zap.Logger) *gin.Engine {
	// Set Gin mode
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{cfg.Server.RPOrigin},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := middleware.NewAuthRateLimiter(cfg.RateLimit, logger)
	authLimit := middleware.AuthRateLimitMiddleware(rateLimiter, func(c *gin.Context) string {
		return c.ClientIP()
	})

	handlers := api.NewHandlers(services, cfg, rateLimiter, logger)

	router.GET("/status", handlers.Status)
	router.GET("/health", handlers.Status)

	// Public routes (unauthenticated)
	public := router.Group("/auth")
	{
		public.POST("/register/begin", authLimit, handlers.StartRegistration)
		public.POST("/register/finish", authLimit, handlers.FinishRegistration)
		public.POST("/login/begin", authLimit, handlers.StartLogin)
		public.POST("/login/finish", authLimit, handlers.FinishLogin)
		public.POST("/refresh", authLimit, handlers.Refresh)
		public.POST("/logout", handlers.Logout)
	}

	// OAuth endpoints: PAR and token exchange are client-authenticated by
	// PKCE, the authorize endpoint needs a signed-in user
	oauth := router.Group("/oauth")
	{
		oauth.POST("/par", authLimit, handlers.PushAuthorizationRequest)
		oauth.POST("/token", authLimit, handlers.Token)
		oauth.POST("/authorize", middleware.AuthMiddleware(cfg, logger), handlers.Authorize)
	}

	// Security event stream; auth happens inside the WebSocket handshake
	router.GET("/ws/events", func(c *gin.Context) {
		events.HandleConnection(c.Writer, c.Request)
	})

	// Protected routes (authenticated)
	protected := router.Group("/")
	protected.Use(middleware.AuthMiddleware(cfg, logger))
	{
		credentials := protected.Group("/credentials")
		{
			credentials.GET("", handlers.ListCredentials)
			credentials.POST("/:id/rename", handlers.RenameCredential)
			credentials.DELETE("/:id", handlers.RevokeCredential)
		}

		stepup := protected.Group("/step-up")
		{
			stepup.POST("/begin", handlers.StartStepUp)
			stepup.POST("/finish", handlers.FinishStepUp)
		}

		audit := protected.Group("/audit")
		{
			audit.GET("", handlers.GetAuditLog)
			audit.GET("/verify", handlers.VerifyAuditLog)
		}
	}

	return router
}
