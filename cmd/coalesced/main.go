package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vanstone-io/coalesce/cmd/coalesced/middleware"
	"github.com/vanstone-io/coalesce/internal/assembly"
	"github.com/vanstone-io/coalesce/internal/auth"
	"github.com/vanstone-io/coalesce/internal/chunkstore"
	"github.com/vanstone-io/coalesce/internal/common"
	"github.com/vanstone-io/coalesce/internal/registry"
	"github.com/vanstone-io/coalesce/pkg/config"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	setupLogging(cfg.Logging)

	log.Info().Msg("starting coalesce upload service")

	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	var cache *common.Cache
	if cfg.Redis.Enabled {
		cache, err = common.NewCache(&cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer cache.Close()
	}

	sessionStore, err := newSessionStore(cfg, db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize session registry")
	}

	chunks, err := chunkstore.New(cfg.Storage.IncompleteDir, cfg.Storage.MaxChunkSize)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize chunk store")
	}

	engine, err := assembly.New(sessionStore, chunks, cfg.Storage.CompleteDir, cfg.Storage.MaxChunkSize)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize assembly engine")
	}

	authService := auth.NewService(db, cache, &cfg.Auth)

	router := setupRouter(authService, engine)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	} else {
		log.Info().Msg("shutdown complete")
	}
}

func loadConfig() (*config.Config, error) {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return config.LoadFromFile(path)
	}
	return config.LoadFromEnv(), nil
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func newSessionStore(cfg *config.Config, db *common.Database) (registry.Store, error) {
	switch cfg.Storage.RegistryBackend {
	case "database":
		return registry.NewDatabaseStore(db), nil
	case "snapshot", "":
		return registry.NewSnapshotStore(cfg.Storage.RegistryPath)
	default:
		return nil, fmt.Errorf("unsupported registry backend: %s", cfg.Storage.RegistryBackend)
	}
}

func setupRouter(authService *auth.Service, engine *assembly.Engine) *gin.Engine {
	if zerolog.GlobalLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	// Chunks stream through multipart; keep gin's in-memory buffer small
	router.MaxMultipartMemory = 8 << 20

	handlers := NewHandlers(authService, engine)

	router.GET("/healthz", handlers.health)

	api := router.Group("/api/v1")
	{
		api.POST("/auth/register", handlers.register)
		api.POST("/auth/login", handlers.login)

		authorized := api.Group("")
		authorized.Use(middleware.AuthMiddleware(authService))
		{
			authorized.POST("/uploads", handlers.initUpload)
			authorized.POST("/uploads/:id/chunks", handlers.uploadChunk)
			authorized.GET("/files", handlers.listFiles)
			authorized.GET("/files/:filename", handlers.downloadFile)
		}
	}

	return router
}
