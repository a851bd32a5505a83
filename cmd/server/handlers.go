package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"market-data-service/internal/cache"
	"market-data-service/internal/config"
	"market-data-service/internal/marketdata"
	"market-data-service/internal/models"
	"market-data-service/internal/providers"
	"market-data-service/internal/ratelimit"
)

// Server holds the HTTP layer dependencies
type Server struct {
	router  *gin.Engine
	service *marketdata.Service
	factory *providers.Factory
	cache   *cache.Service
	limiter *ratelimit.Limiter
	config  *config.Config
	log     *logrus.Entry
}

func newServer(cfg *config.Config, service *marketdata.Service, factory *providers.Factory, cacheSvc *cache.Service, limiter *ratelimit.Limiter, logger *logrus.Logger) *Server {
	s := &Server{
		router:  gin.New(),
		service: service,
		factory: factory,
		cache:   cacheSvc,
		limiter: limiter,
		config:  cfg,
		log:     logger.WithField("component", "http"),
	}
	s.router.Use(gin.Recovery())
	s.router.Use(corsMiddleware())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api/v1")
	{
		api.GET("/quote/:symbol", s.handleQuote)
		api.GET("/profile/:symbol", s.handleProfile)
		api.GET("/historical/:symbol", s.handleHistorical)
		api.GET("/search", s.handleSearch)
		api.GET("/market/overview", s.handleMarketOverview)

		admin := api.Group("/admin")
		{
			admin.GET("/factory/status", s.handleFactoryStatus)
			admin.POST("/factory/reset-stats", s.handleFactoryReset)
			admin.GET("/cache/stats", s.handleCacheStats)
			admin.DELETE("/cache", s.handleCacheInvalidate)
			admin.GET("/ratelimit/:provider", s.handleRateLimitStatus)
		}
	}
}

// respondError writes a failure envelope with the status code implied
// by the error kind.
func respondError(c *gin.Context, err error, envelope interface{}) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, marketdata.ErrValidation):
		status = http.StatusBadRequest
	case providers.IsNotFound(err):
		status = http.StatusNotFound
	case providers.IsRateLimited(err):
		status = http.StatusTooManyRequests
		if retryAfter := providers.RetryAfterOf(err); retryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		}
	case providers.KindOf(err) == providers.KindAllFailed:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, envelope)
}

func (s *Server) handleHealth(c *gin.Context) {
	health := s.service.SystemHealth(c.Request.Context())

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

func (s *Server) handleQuote(c *gin.Context) {
	req := marketdata.QuoteRequest{
		Symbol:    c.Param("symbol"),
		AssetType: models.AssetType(c.DefaultQuery("asset_type", string(models.AssetTypeStock))),
	}

	resp, err := s.service.GetQuote(c.Request.Context(), req)
	if err != nil {
		respondError(c, err, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleProfile(c *gin.Context) {
	req := marketdata.ProfileRequest{Symbol: c.Param("symbol")}

	resp, err := s.service.GetProfile(c.Request.Context(), req)
	if err != nil {
		respondError(c, err, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHistorical(c *gin.Context) {
	req := marketdata.HistoricalRequest{
		Symbol:   c.Param("symbol"),
		Period:   models.Period(c.DefaultQuery("period", string(models.Period1M))),
		Interval: models.Interval(c.DefaultQuery("interval", string(models.Interval1Day))),
	}

	resp, err := s.service.GetHistorical(c.Request.Context(), req)
	if err != nil {
		respondError(c, err, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSearch(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	var assetTypes []models.AssetType
	if raw := c.Query("asset_types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			assetTypes = append(assetTypes, models.AssetType(strings.TrimSpace(part)))
		}
	}

	req := marketdata.SearchRequest{
		Query:      c.Query("q"),
		AssetTypes: assetTypes,
		Limit:      limit,
	}

	resp, err := s.service.Search(c.Request.Context(), req)
	if err != nil {
		respondError(c, err, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMarketOverview(c *gin.Context) {
	resp, err := s.service.GetMarketOverview(c.Request.Context())
	if err != nil {
		respondError(c, err, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleFactoryStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.factory.Status())
}

func (s *Server) handleFactoryReset(c *gin.Context) {
	s.factory.ResetStatistics()
	c.JSON(http.StatusOK, gin.H{"message": "factory statistics reset"})
}

func (s *Server) handleCacheStats(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cache disabled"})
		return
	}

	stats, err := s.cache.Stats(c.Request.Context(), cache.Level(c.Query("level")), c.Query("provider"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (s *Server) handleCacheInvalidate(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cache disabled"})
		return
	}

	level := cache.Level(c.DefaultQuery("level", "*"))
	provider := c.DefaultQuery("provider", "*")
	pattern := c.DefaultQuery("pattern", "*")

	deleted, err := s.cache.InvalidatePattern(c.Request.Context(), level, provider, pattern)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (s *Server) handleRateLimitStatus(c *gin.Context) {
	if s.limiter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rate limiter disabled"})
		return
	}

	usage, err := s.limiter.Status(c.Request.Context(), c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": c.Param("provider"), "usage": usage})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, Accept, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
