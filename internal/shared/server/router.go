package server

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"insights-gateway/internal/chat"
	"insights-gateway/internal/deck"
	"insights-gateway/internal/remote/analysis"
	"insights-gateway/internal/remote/query"
	"insights-gateway/internal/services/health"
	"insights-gateway/internal/shared/config"
	"insights-gateway/internal/shared/metrics"
	"insights-gateway/internal/shared/server/middleware"
	"insights-gateway/internal/shared/server/respond"
	"insights-gateway/internal/shared/storage/db"
	"insights-gateway/internal/shared/storage/object"
	localstore "insights-gateway/internal/shared/storage/object/local"
	s3store "insights-gateway/internal/shared/storage/object/s3"
)

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(cfg config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(cfg.CORSAllowOrigin),
		middleware.Session(),
		middleware.RateLimit(rateLimitConfig()),
	)

	// Dependencies
	store := buildObjectStore(cfg)
	sessionRepo := buildSessionRepo(cfg)

	queryClient, err := query.New(cfg.QueryServiceURL, cfg.RemoteTimeout)
	if err != nil {
		log.Fatalf("query client: %v", err)
	}
	analysisClient, err := analysis.New(cfg.AnalysisServiceURL, cfg.RemoteTimeout)
	if err != nil {
		log.Fatalf("analysis client: %v", err)
	}

	chatSvc := chat.NewService(sessionRepo, queryClient)
	chatHandler := chat.NewHandler(chatSvc)
	deckSvc := deck.NewService(deck.NewJobStore(), analysisClient, store)
	deckHandler := deck.NewHandler(deckSvc)

	healthSvc := health.NewService(cfg)

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		respond.JSON(c, http.StatusOK, healthSvc.Status())
	})
	chatHandler.RegisterRoutes(api)
	deckHandler.RegisterRoutes(api)

	r.GET("/metrics", metrics.Handler())

	return r
}

func buildObjectStore(cfg config.Config) object.ObjectStore {
	switch cfg.ObjectStoreType {
	case "s3":
		store, err := s3store.New(context.Background(), cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
		if err != nil {
			log.Printf("failed to build s3 store, falling back to local: %v", err)
			return localstore.New(cfg.LocalStoreDir)
		}
		return store
	default:
		return localstore.New(cfg.LocalStoreDir)
	}
}

func buildSessionRepo(cfg config.Config) chat.Repo {
	switch cfg.SessionStoreType {
	case "postgres":
		if cfg.DatabaseURL == "" {
			log.Printf("DATABASE_URL empty, falling back to in-memory sessions")
			return chat.NewMemoryRepo()
		}
		ctx := context.Background()
		sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultServerOptions()))
		if err != nil {
			log.Printf("failed to connect database, falling back to in-memory sessions: %v", err)
			return chat.NewMemoryRepo()
		}
		if err := db.RunMigrations(ctx, sqlDB); err != nil {
			log.Printf("failed to run migrations, falling back to in-memory sessions: %v", err)
			return chat.NewMemoryRepo()
		}
		return &chat.PGRepo{DB: sqlDB}
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		return &chat.RedisRepo{Client: client, TTL: cfg.SessionTTL}
	default:
		return chat.NewMemoryRepo()
	}
}

func rateLimitConfig() middleware.RateLimitConfig {
	return middleware.RateLimitConfig{
		DefaultGroup: "DEFAULT",
		GroupFor: func(c *gin.Context) string {
			if c.Request.Method == http.MethodGet && c.FullPath() == "/api/v1/deck/status" {
				return "POLLING"
			}
			return "DEFAULT"
		},
		Rules: map[string]middleware.RateLimitRule{
			"DEFAULT": {Rate: 5, Burst: 20},
			"POLLING": {Rate: 10, Burst: 30},
		},
	}
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
