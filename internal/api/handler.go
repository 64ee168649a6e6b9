package api

import (
	"log"
	"net/http"
	"time"

	"futures-core/internal/account"
	"futures-core/internal/events"
	"futures-core/internal/monitor"
	"futures-core/pkg/cache"
	"futures-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the account registry.
type Server struct {
	Router    *gin.Engine
	Registry  *account.Registry
	Bus       *events.Bus
	Store     *db.Store
	Metrics   *monitor.SystemMetrics
	Marks     *cache.MarkCache
	JWTSecret string
	Meta      SystemMeta

	operatorHash string
}

// SystemMeta describes runtime status exposed to clients.
type SystemMeta struct {
	Testnet bool
	Symbols []string
	Version string
}

func NewServer(registry *account.Registry, bus *events.Bus, store *db.Store, metrics *monitor.SystemMetrics, marks *cache.MarkCache, meta SystemMeta, jwtSecret, operatorPassword string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())              // Panic recovery (first)
	r.Use(RequestIDMiddleware())       // Request ID tracking
	r.Use(RequestLogger(metrics))      // Request logging (after ID is set)
	r.Use(RateLimitMiddleware())       // Rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second)) // Request timeout (30s)
	r.Use(CORSMiddleware())            // CORS (last before routes)

	s := &Server{
		Router:    r,
		Registry:  registry,
		Bus:       bus,
		Store:     store,
		Metrics:   metrics,
		Marks:     marks,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	if operatorPassword != "" {
		hash, err := hashPassword(operatorPassword)
		if err != nil {
			log.Printf("[api] ⚠️ failed to hash operator password, login disabled: %v", err)
		} else {
			s.operatorHash = hash
		}
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/system/status", s.getSystemStatus)
			protected.GET("/metrics", s.getMetrics)
			protected.GET("/prices", s.getPrices)
			protected.GET("/accounts", s.listAccounts)

			acct := protected.Group("/accounts/:id")
			{
				acct.GET("/status", s.getAccountStatus)
				acct.GET("/positions", s.getPositions)
				acct.GET("/orders", s.getOpenOrders)
				acct.GET("/balance", s.getBalance)
				acct.GET("/history", s.getTradeHistory)
				acct.GET("/events", s.getEvents)

				acct.POST("/orders/preflight", s.preflightOrder)
				acct.POST("/orders", s.placeOrder)
				acct.POST("/positions/close", s.closePosition)
				acct.PUT("/positions/protection", s.modifyProtection)
				acct.POST("/positions/margin", s.addMargin)

				acct.POST("/burst", s.activateBurst)
				acct.DELETE("/burst", s.deactivateBurst)
				acct.POST("/resting", s.startResting)
				acct.DELETE("/resting", s.stopResting)
			}
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
