package api

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/proxy-pool-dashboard/internal/config"
	"github.com/proxy-pool-dashboard/internal/importer"
	"github.com/proxy-pool-dashboard/internal/metrics"
	"github.com/proxy-pool-dashboard/internal/snapshot"
	"github.com/proxy-pool-dashboard/internal/synchronizer"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Server struct {
	config      *config.Config
	view        *snapshot.Manager
	sync        *synchronizer.Synchronizer
	fetcher     *importer.Fetcher
	metrics     *metrics.Collector
	gatherer    prometheus.Gatherer
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader

	// apiKey is empty unless key auth is enabled and a key is set.
	apiKey string

	// streams is cancelled on Shutdown to end SSE and websocket handlers.
	// http.Server.Shutdown does not close hijacked or streaming connections.
	streams      context.Context
	closeStreams context.CancelFunc

	realtimeInterval time.Duration
	maxImportBytes   int64
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rps := float64(requestsPerMinute) / 60.0
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

// NewServer wires the dashboard routes. gatherer backs the metrics endpoint
// and may be nil to use the default registry.
func NewServer(cfg *config.Config, view *snapshot.Manager, syncer *synchronizer.Synchronizer,
	fetcher *importer.Fetcher, metricsCollector *metrics.Collector, gatherer prometheus.Gatherer) *Server {

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())

	streams, closeStreams := context.WithCancel(context.Background())

	s := &Server{
		config:           cfg,
		view:             view,
		sync:             syncer,
		fetcher:          fetcher,
		metrics:          metricsCollector,
		gatherer:         gatherer,
		router:           router,
		rateLimiter:      NewRateLimiter(cfg.API.RateLimitPerMinute),
		streams:          streams,
		closeStreams:     closeStreams,
		realtimeInterval: 2 * time.Second,
		maxImportBytes:   importer.MaxImportBytes,
	}

	if cfg.API.EnableAPIKeyAuth {
		s.apiKey = os.Getenv(cfg.API.APIKeyEnv)
		if s.apiKey == "" {
			log.Warn("Dashboard API key not set in environment, authentication disabled")
		}
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRoutes()

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())
	s.router.Use(cors.New(cors.Config{
		AllowOrigins:  s.config.API.CORSOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-Api-Key"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s.router.GET("/health", s.handleHealth)

	if s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	protected := s.router.Group("/api")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/view", s.handleView)
	protected.GET("/dashboard", s.handleDashboard)
	protected.GET("/proxies", s.handleListProxies)
	protected.POST("/proxies", s.handleAddProxy)
	protected.DELETE("/proxies/:id", s.handleDeleteProxy)
	protected.POST("/proxies/import", s.handleImport)
	protected.POST("/proxies/validate", s.handleValidate)
	protected.GET("/config", s.handleGetConfig)
	protected.PUT("/config", s.handleUpdateConfig)
	protected.GET("/stats", s.handleGetStats)
	protected.GET("/stats/realtime", s.handleRealtimeStats)
	protected.POST("/refresh", s.handleRefresh)
	protected.GET("/ws", s.handleWebsocket)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        s.config.API.Addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	log.Infof("Starting dashboard API on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down dashboard API...")
	s.closeStreams()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Milliseconds(),
			"ip":       c.ClientIP(),
		}).Info("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		s.metrics.RecordAPIRequest(method, endpoint, strconv.Itoa(c.Writer.Status()))
		s.metrics.RecordAPIDuration(method, endpoint, time.Since(start).Seconds())
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.apiKey == "" {
			c.Next()
			return
		}

		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			apiKey = c.Query("key")
		}

		if apiKey != s.apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := s.rateLimiter.GetLimiter(c.ClientIP())

		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}

// checkOrigin admits same-host websocket clients and the configured CORS
// origins. A "*" entry only counts while key auth is off.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}

	for _, allowed := range s.config.API.CORSOrigins {
		if allowed == "*" {
			if s.apiKey == "" {
				return true
			}
			continue
		}
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
