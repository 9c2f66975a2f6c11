package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"iris-monitor/internal/config"
	"iris-monitor/internal/fetcher"
	"iris-monitor/internal/monitor"
	"iris-monitor/internal/query"
	"iris-monitor/internal/redis"
	"iris-monitor/internal/settings"
	"iris-monitor/internal/store"
)

type Server struct {
	log       *slog.Logger
	cfg       config.Config
	store     *store.Store
	settings  *settings.Service
	scheduler *monitor.Scheduler
	facade    *query.Facade
	redis     *redis.Client // nil quando nao configurado
	fetcher   fetcher.ProfileFetcher
	router    *gin.Engine
}

func NewServer(log *slog.Logger, cfg config.Config, st *store.Store, se *settings.Service, sched *monitor.Scheduler, facade *query.Facade, redisClient *redis.Client, pf fetcher.ProfileFetcher) *Server {
	if cfg.DebugMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		log:       log,
		cfg:       cfg,
		store:     st,
		settings:  se,
		scheduler: sched,
		facade:    facade,
		redis:     redisClient,
		fetcher:   pf,
		router:    gin.New(),
	}

	r := s.router
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())
	r.Use(s.loggingMiddleware())
	r.Use(s.inputValidationMiddleware())
	r.Use(s.rateLimitMiddleware())

	api := r.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/settings", s.getSettings)
		api.GET("/watchlist", s.getWatchlist)
		api.GET("/events", s.getEvents)
		api.GET("/failures", s.getFailures)
		api.GET("/history/:handle", s.getHistory)
		api.GET("/lookup/:handle", s.lookup)
		api.GET("/health", s.health)

		// Mutating routes require the admin key
		admin := api.Group("")
		admin.Use(s.adminAuthMiddleware())
		{
			admin.PUT("/settings", s.putSettings)
			admin.POST("/watchlist", s.addToWatchlist)
			admin.DELETE("/watchlist/:handle", s.removeFromWatchlist)
			admin.POST("/watchlist/:handle/check", s.checkNow)
			admin.POST("/monitor/start", s.startMonitor)
			admin.POST("/monitor/stop", s.stopMonitor)
			admin.POST("/monitor/run", s.runMonitor)
			admin.POST("/admin/reset", s.adminReset)
		}
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 10*time.Second)
}
