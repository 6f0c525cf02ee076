// Package api exposes bot control, credentials, and trade history over HTTP.
// Request validation and auth live here; the registry below it only sees
// clean userID/symbol pairs.
package api

import (
	"net/http"
	"time"

	"botcore/internal/credentials"
	"botcore/internal/events"
	"botcore/internal/persistence"
	"botcore/internal/registry"
	"botcore/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the unit registry.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Registry  *registry.Registry
	Creds     *credentials.Store
	Recorder  *persistence.Recorder
	JWTSecret string
	Meta      SystemMeta
}

// SystemMeta describes runtime identity exposed to admin reads.
type SystemMeta struct {
	Version string
}

func NewServer(bus *events.Bus, database *db.Database, reg *registry.Registry, creds *credentials.Store, recorder *persistence.Recorder, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		DB:        database,
		Registry:  reg,
		Creds:     creds,
		Recorder:  recorder,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/ws", s.websocket)

			protected.POST("/bot/start", s.startBot)
			protected.POST("/bot/stop", s.stopBot)
			protected.GET("/bot/status", s.getBotStatus)

			protected.PUT("/settings", s.updateSettings)
			protected.POST("/credentials", s.saveCredentials)
			protected.GET("/trades", s.listTrades)

			admin := protected.Group("/admin")
			admin.Use(s.requireAdmin)
			{
				admin.GET("/stats", s.getAdminStats)
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
