// Package api exposes the sync layer over HTTP: command endpoints for
// connections, subscriptions and orders, query endpoints over the cache,
// and a websocket that streams the event bus.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"sync-core/internal/events"
	"sync-core/internal/manager"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the connection manager and event bus.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Mgr       *manager.Manager
	AuthToken string
	Logger    *slog.Logger
	Version   string
	startedAt time.Time
}

func NewServer(mgr *manager.Manager, bus *events.Bus, authToken, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger, mgr.Metrics()))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		Mgr:       mgr,
		AuthToken: authToken,
		Logger:    logger,
		Version:   version,
		startedAt: time.Now(),
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

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.AuthToken))
		{
			protected.POST("/connections", s.createConnection)
			protected.DELETE("/connections/:broker/:account", s.removeConnection)
			protected.GET("/connections/:broker/:account", s.getConnectionState)

			protected.POST("/subscriptions", s.subscribe)
			protected.DELETE("/subscriptions", s.unsubscribe)

			protected.POST("/orders", s.placeOrder)
			protected.DELETE("/orders/:id", s.cancelOrder)
			protected.GET("/orders", s.getOrders)

			protected.GET("/positions", s.getPositions)
			protected.GET("/accounts/:id", s.getAccount)
			protected.GET("/market-data/:symbol", s.getMarketData)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
