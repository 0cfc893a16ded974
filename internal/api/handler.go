package api

import (
	"net/http"
	"time"

	"omnex-core/internal/events"
	"omnex-core/internal/ledger"
	"omnex-core/internal/monitor"
	"omnex-core/internal/registry"
	"omnex-core/internal/router"
	"omnex-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the core services.
type Server struct {
	Router      *gin.Engine
	Bus         *events.Bus
	DB          *db.Database
	Ledger      *ledger.Ledger
	OrderRouter *router.Router
	Registry    *registry.Registry
	Metrics     *monitor.SystemMetrics
	JWTSecret   string
	Meta        SystemMeta
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	PlatformName string
	Exchanges    []string
	Version      string
}

// Options tunes the middleware stack.
type Options struct {
	RateLimitRPS   float64
	RequestTimeout time.Duration
}

func NewServer(bus *events.Bus, database *db.Database, l *ledger.Ledger,
	orderRouter *router.Router, reg *registry.Registry,
	metrics *monitor.SystemMetrics, meta SystemMeta, jwtSecret string, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware(opts.RateLimitRPS))
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:      r,
		Bus:         bus,
		DB:          database,
		Ledger:      l,
		OrderRouter: orderRouter,
		Registry:    reg,
		Metrics:     metrics,
		JWTSecret:   jwtSecret,
		Meta:        meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/orders", s.placeOrder)
			protected.GET("/orders", s.listOrders)
			protected.GET("/orders/:id", s.getOrder)
			protected.DELETE("/orders/:id", s.cancelOrder)
			protected.POST("/orders/:id/release", s.releaseOrder)
			protected.GET("/orders/:id/compliance", s.getOrderCompliance)

			protected.GET("/allocations", s.getAllocations)
			protected.POST("/allocations", s.allocateFunds)
			protected.POST("/allocations/release", s.deallocateFunds)
			protected.PUT("/balances", s.setPlatformBalance)
			protected.GET("/users/:id/assets", s.getUserAssets)

			protected.GET("/reconciliation/snapshots", s.getSnapshots)
			protected.GET("/exchanges/health", s.getExchangeHealth)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
