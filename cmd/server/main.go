package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"karen/internal/config"
	"karen/internal/crypto"
	"karen/internal/database"
	"karen/internal/handlers"
	"karen/internal/health"
	"karen/internal/jobs"
	"karen/internal/logging"
	"karen/internal/middleware"
	"karen/internal/pluginrt"
	"karen/internal/preflight"
	"karen/internal/services"
	"karen/internal/tools"
	"karen/pkg/auth"
)

const serverVersion = "1.0.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting Karen Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, Environment: %s)", cfg.Port, cfg.Environment)

	ctx := context.Background()

	// Relational store: Postgres when DATABASE_URL is set, SQLite otherwise
	dsn := cfg.DatabaseURL
	if dsn == "" {
		dsn = cfg.SQLitePath()
		log.Printf("⚠️  DATABASE_URL not set, using SQLite at %s", dsn)
	}
	db, err := database.New(dsn)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Initialize(ctx); err != nil {
		log.Fatalf("❌ Failed to initialize database schema: %v", err)
	}

	// Encryption for provider API keys and TOTP secrets
	var encryptionService *crypto.EncryptionService
	if cfg.EncryptionMasterKey != "" {
		encryptionService, err = crypto.NewEncryptionService(cfg.EncryptionMasterKey)
		if err != nil {
			log.Fatalf("❌ Failed to initialize encryption: %v", err)
		}
		log.Println("✅ Encryption service initialized")
	} else if cfg.IsProduction() {
		log.Fatal("❌ ENCRYPTION_MASTER_KEY is required in production. Generate with: openssl rand -hex 32")
	} else {
		log.Println("⚠️ ENCRYPTION_MASTER_KEY not set - provider keys stored unencrypted, TOTP disabled (development only)")
	}

	// Pre-flight checks before anything starts serving
	checker := preflight.NewChecker(db, cfg)
	if preflight.HasFailures(checker.RunAll(ctx)) {
		log.Fatal("❌ Pre-flight checks failed, refusing to start")
	}

	// MongoDB (optional - conversations, memory and analytics)
	var mongoDB *database.MongoDB
	if cfg.MongoURI != "" {
		log.Println("🔗 Connecting to MongoDB...")
		mongoDB, err = database.NewMongoDB(cfg.MongoURI)
		if err != nil {
			log.Printf("⚠️ Failed to connect to MongoDB: %v (conversations and analytics disabled)", err)
			mongoDB = nil
		} else {
			defer mongoDB.Close(context.Background())
			if err := mongoDB.Initialize(ctx); err != nil {
				log.Printf("⚠️ Failed to create MongoDB indexes: %v", err)
			}
			log.Println("✅ MongoDB connected successfully")
		}
	} else {
		log.Println("⚠️ MONGODB_URI not set - conversations, memory and analytics persistence disabled")
	}

	// Redis (optional - sessions and L2 cache fall back to memory)
	var redisService *services.RedisService
	if cfg.RedisURL != "" {
		redisService, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️ Failed to connect to Redis: %v (using in-memory fallbacks)", err)
			redisService = nil
		}
	} else {
		log.Println("⚠️ REDIS_URL not set - sessions and cache run in-memory")
	}

	// --- Services ---

	userService := services.NewUserService(db, encryptionService, cfg)

	var sessionService *services.SessionService
	if cfg.JWTSecret != "" {
		tokenService, err := auth.NewTokenService(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
		if err != nil {
			log.Fatalf("❌ Failed to initialize token service: %v", err)
		}
		sessionService = services.NewSessionService(tokenService, redisService)
		log.Println("✅ Session service initialized (JWT + refresh rotation)")
	}
	// No JWT secret: the session middleware supplies a dev identity in
	// development and refuses to run in production.

	analyticsService := services.NewAnalyticsService(mongoDB)
	if err := analyticsService.EnsureIndexes(ctx); err != nil {
		log.Printf("⚠️ Failed to create usage indexes: %v", err)
	}

	providerService := services.NewProviderService(db, encryptionService)
	modelService := services.NewModelService(db, providerService, cfg.EmbeddingModel)
	conversationService := services.NewConversationService(mongoDB)
	memoryService := services.NewMemoryService(mongoDB, modelService)
	modelService.SetConversationService(conversationService)
	modelService.SetMemoryService(memoryService)
	modelService.SetUsageRecorder(analyticsService)

	// Seed providers from file, then keep watching it for dev hot-reload
	if cfg.ProviderSeed != "" {
		if seed, err := config.LoadProviderSeed(cfg.ProviderSeed); err != nil {
			log.Printf("⚠️ Failed to load provider seed: %v", err)
		} else if err := providerService.ApplySeed(ctx, seed); err != nil {
			log.Printf("⚠️ Failed to apply provider seed: %v", err)
		}
		if err := providerService.WatchSeed(ctx, cfg.ProviderSeed); err != nil {
			log.Printf("⚠️ Seed watcher unavailable: %v", err)
		}
	}

	cacheService := services.NewCacheService(redisService)
	exportService := services.NewExportService(cfg)

	trainingService, err := services.NewTrainingService(db, cfg.DataDir)
	if err != nil {
		log.Fatalf("❌ Failed to initialize training service: %v", err)
	}
	trainingService.SetUsageRecorder(analyticsService)
	if err := trainingService.RecoverJobs(ctx); err != nil {
		log.Printf("⚠️ Training job recovery failed: %v", err)
	}

	// Plugin system: sandbox runtime client + manifest registry
	pluginRuntime := pluginrt.New(cfg.PluginRuntimeURL)
	pluginService := services.NewPluginService(db, pluginRuntime, cfg.PluginDir)
	pluginService.SetUsageRecorder(analyticsService)

	// Builtin tools double as in-process plugins
	toolRegistry := tools.NewRegistry()
	for _, info := range toolRegistry.ListDetailed() {
		name := info.Name
		pluginService.RegisterBuiltin(name, func(ctx context.Context, args map[string]any) (string, error) {
			return toolRegistry.Execute(ctx, name, args)
		})
	}
	if err := pluginService.Watch(ctx); err != nil {
		log.Printf("⚠️ Plugin hot-reload unavailable: %v", err)
	}

	privacyService := services.NewPrivacyService(
		userService, sessionService, conversationService,
		memoryService, trainingService, analyticsService, exportService)

	classifier := services.NewErrorClassifier()
	services.InitMetrics(sessionService, trainingService, pluginService)

	// Component health
	healthService := health.NewService(serverVersion)
	healthService.Register("postgres", db.Ping)
	if redisService != nil {
		healthService.Register("redis", redisService.Ping)
	} else {
		healthService.RegisterOff("redis")
	}
	if mongoDB != nil {
		healthService.Register("mongodb", mongoDB.Ping)
	} else {
		healthService.RegisterOff("mongodb")
	}
	if pluginRuntime != nil {
		healthService.Register("plugin_runtime", pluginService.RuntimeHealthy)
	} else {
		healthService.RegisterOff("plugin_runtime")
	}

	// --- Fiber app ---

	app := fiber.New(fiber.Config{
		AppName:      "Karen v" + serverVersion,
		ReadTimeout:  300 * time.Second,
		WriteTimeout: 300 * time.Second, // local models can be slow to answer
		IdleTimeout:  300 * time.Second,
		BodyLimit:    60 * 1024 * 1024, // dataset uploads up to 50MB plus multipart overhead
		ErrorHandler: classifier.Handler(),
	})

	app.Use(recover.New())
	app.Use(logger.New())

	promMiddleware := fiberprometheus.New("karen")
	promMiddleware.RegisterAt(app, "/metrics")
	app.Use(promMiddleware.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	// Fiber's CORS middleware does not allow AllowCredentials with wildcard
	// origins; same-origin deployments don't need credentials anyway.
	allowCredentials := cfg.AllowedOrigins != "*"
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowCredentials,
	}))
	log.Printf("🔒 [SECURITY] CORS allowed origins: %s", cfg.AllowedOrigins)

	app.Use(compress.New())
	app.Use(helmet.New())

	rateLimits := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, Public=%d/min, Auth=%d/min, Login=%d/15min",
		rateLimits.GlobalAPIMax, rateLimits.PublicReadMax, rateLimits.AuthenticatedMax, rateLimits.LoginAttemptMax)
	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimits))

	// --- Handlers ---

	authHandler := handlers.NewAuthHandler(userService, sessionService, cfg)
	conversationHandler := handlers.NewConversationHandler(conversationService, exportService, analyticsService)
	memoryHandler := handlers.NewMemoryHandler(memoryService)
	pluginHandler := handlers.NewPluginHandler(pluginService)
	toolsHandler := handlers.NewToolsHandler(toolRegistry, analyticsService)
	modelHandler := handlers.NewModelHandler(modelService, classifier)
	providerHandler := handlers.NewProviderHandler(providerService, modelService)
	trainingHandler := handlers.NewTrainingHandler(trainingService)
	analyticsHandler := handlers.NewAnalyticsHandler(analyticsService, userService, sessionService)
	cacheHandler := handlers.NewCacheHandler(cacheService)
	privacyHandler := handlers.NewPrivacyHandler(privacyService)
	healthHandler := handlers.NewHealthHandler(healthService)

	sessionAuth := middleware.SessionMiddleware(sessionService, cfg)
	adminOnly := middleware.RequireAdmin(cfg)
	authLimiter := middleware.AuthenticatedRateLimiter(rateLimits)
	executeLimiter := middleware.ExecuteRateLimiter(rateLimits)
	exportLimiter := middleware.ExportRateLimiter(rateLimits)

	// Health
	app.Get("/health", healthHandler.Live)
	app.Get("/health/components", healthHandler.Report)

	api := app.Group("/api")

	// Auth
	authGroup := api.Group("/auth")
	authGroup.Get("/status", middleware.PublicReadRateLimiter(rateLimits),
		middleware.OptionalSessionMiddleware(sessionService, cfg), authHandler.Status)
	if sessionService != nil {
		loginLimiter := middleware.LoginAttemptRateLimiter(rateLimits, redisService)
		authGroup.Post("/register", loginLimiter, authHandler.Register)
		authGroup.Post("/login", loginLimiter, authHandler.Login)
		authGroup.Post("/refresh", authHandler.Refresh)
		authGroup.Post("/logout", sessionAuth, authHandler.Logout)
		authGroup.Get("/me", sessionAuth, authHandler.Me)
		authGroup.Patch("/credentials", sessionAuth, authHandler.UpdateCredentials)
		authGroup.Post("/totp/setup", sessionAuth, authHandler.TOTPSetup)
		authGroup.Post("/totp/verify", sessionAuth, authHandler.TOTPVerify)
		authGroup.Post("/totp/disable", sessionAuth, authHandler.TOTPDisable)
		authGroup.Get("/sessions", sessionAuth, authHandler.ListSessions)
		authGroup.Delete("/sessions/:id", sessionAuth, authHandler.RevokeSession)
	}

	// Conversations
	conversations := api.Group("/conversations", sessionAuth, authLimiter)
	conversations.Get("/", conversationHandler.List)
	conversations.Post("/", conversationHandler.Create)
	conversations.Delete("/", conversationHandler.DeleteAll)
	conversations.Get("/:id", conversationHandler.Get)
	conversations.Get("/:id/status", conversationHandler.Status)
	conversations.Patch("/:id", conversationHandler.Update)
	conversations.Delete("/:id", conversationHandler.Delete)
	conversations.Post("/:id/messages", conversationHandler.AddMessage)
	conversations.Get("/:id/export", exportLimiter, conversationHandler.Export)

	// Chat completions
	api.Post("/chat", sessionAuth, authLimiter, modelHandler.Chat)

	// Memory
	memory := api.Group("/memory", sessionAuth, authLimiter)
	memory.Get("/", memoryHandler.List)
	memory.Post("/", memoryHandler.Create)
	memory.Post("/search", memoryHandler.Search)
	memory.Delete("/", memoryHandler.DeleteAll)
	memory.Delete("/:id", memoryHandler.Delete)

	// Plugins
	plugins := api.Group("/plugins", sessionAuth)
	plugins.Get("/", pluginHandler.List)
	plugins.Get("/:name", pluginHandler.Get)
	plugins.Post("/:name/execute", executeLimiter, pluginHandler.Execute)
	plugins.Post("/:name/enable", adminOnly, pluginHandler.Enable)
	plugins.Post("/:name/disable", adminOnly, pluginHandler.Disable)
	plugins.Post("/reload", adminOnly, pluginHandler.Reload)

	// Tools
	toolsGroup := api.Group("/tools", sessionAuth)
	toolsGroup.Get("/", toolsHandler.List)
	toolsGroup.Get("/:name", toolsHandler.Get)
	toolsGroup.Post("/:name/execute", executeLimiter, toolsHandler.Execute)

	// Models
	modelsGroup := api.Group("/models", sessionAuth)
	modelsGroup.Get("/", modelHandler.List)
	modelsGroup.Post("/refresh", adminOnly, modelHandler.Refresh)
	modelsGroup.Get("/:id", modelHandler.Get)

	// Providers (admin)
	providers := api.Group("/providers", sessionAuth, adminOnly)
	providers.Get("/", providerHandler.List)
	providers.Post("/", providerHandler.Create)
	providers.Get("/:id", providerHandler.Get)
	providers.Put("/:id", providerHandler.Update)
	providers.Delete("/:id", providerHandler.Delete)
	providers.Post("/:id/default", providerHandler.SetDefault)
	providers.Post("/:id/refresh", providerHandler.Refresh)
	providers.Get("/:id/filters", providerHandler.GetFilters)
	providers.Put("/:id/filters", providerHandler.SetFilters)

	// Training
	training := api.Group("/training", sessionAuth, authLimiter)
	training.Post("/datasets", trainingHandler.UploadDataset)
	training.Get("/datasets", trainingHandler.ListDatasets)
	training.Get("/datasets/:id", trainingHandler.GetDataset)
	training.Delete("/datasets/:id", trainingHandler.DeleteDataset)
	training.Post("/jobs", trainingHandler.CreateJob)
	training.Get("/jobs", trainingHandler.ListJobs)
	training.Get("/jobs/:id", trainingHandler.GetJob)
	training.Post("/jobs/:id/cancel", trainingHandler.CancelJob)
	training.Post("/schedules", trainingHandler.CreateSchedule)
	training.Get("/schedules", trainingHandler.ListSchedules)
	training.Patch("/schedules/:id", trainingHandler.SetScheduleEnabled)
	training.Delete("/schedules/:id", trainingHandler.DeleteSchedule)

	// Analytics
	analytics := api.Group("/analytics", sessionAuth)
	analytics.Get("/summary", analyticsHandler.Summary)
	analytics.Get("/daily", analyticsHandler.Daily)
	analytics.Get("/recent", analyticsHandler.Recent)
	analytics.Get("/system", adminOnly, analyticsHandler.System)
	analytics.Get("/export", adminOnly, exportLimiter, analyticsHandler.Export)

	// Cache (admin)
	cacheGroup := api.Group("/cache", sessionAuth, adminOnly)
	cacheGroup.Get("/stats", cacheHandler.Stats)
	cacheGroup.Get("/:namespace/:key", cacheHandler.GetKey)
	cacheGroup.Delete("/", cacheHandler.FlushAll)
	cacheGroup.Delete("/:namespace", cacheHandler.FlushNamespace)
	cacheGroup.Delete("/:namespace/:key", cacheHandler.DeleteKey)

	// Privacy
	privacy := api.Group("/privacy")
	privacy.Get("/policy", middleware.PublicReadRateLimiter(rateLimits), privacyHandler.Policy)
	privacy.Get("/summary", sessionAuth, privacyHandler.Summary)
	privacy.Get("/export", sessionAuth, exportLimiter, privacyHandler.Export)
	privacy.Post("/delete-account", sessionAuth, privacyHandler.DeleteAccount)

	// --- Background jobs ---

	scheduler, err := jobs.NewScheduler()
	if err != nil {
		log.Fatalf("❌ Failed to create job scheduler: %v", err)
	}
	if sessionService != nil {
		scheduler.Register("session-cleanup", time.Hour, jobs.NewSessionCleanupJob(sessionService))
	}
	scheduler.Register("training-schedules", time.Minute, jobs.NewTrainingScheduleRunner(trainingService))
	scheduler.Register("model-refresh", 6*time.Hour, jobs.NewModelRefreshJob(modelService))
	scheduler.Start()

	// Graceful shutdown: stop jobs, drain training runners, then the app
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		if err := scheduler.Shutdown(); err != nil {
			log.Printf("⚠️ Error stopping job scheduler: %v", err)
		}

		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := trainingService.Shutdown(drainCtx); err != nil {
			log.Printf("⚠️ Error draining training jobs: %v", err)
		}

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	log.Printf("🌐 Karen listening on :%s", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
