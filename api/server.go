// Package api serves the operational HTTP surface: bot status, Prometheus
// metrics, and the admin feature-flag endpoint.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"atrbot/featureflag"
	"atrbot/manager"
)

// Server exposes the read-only status API plus admin controls.
type Server struct {
	router  *gin.Engine
	manager *manager.Manager
	port    int
}

func NewServer(m *manager.Manager, port int) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:  router,
		manager: m,
		port:    port,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/status/:id", s.handleBotStatus)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.POST("/admin/feature-flags", s.handleFeatureFlagsUpdate)
}

// Run blocks serving HTTP until the listener fails.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.port)
	log.Printf("API server listening on %s", addr)
	return s.router.Run(addr)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Status())
}

func (s *Server) handleBotStatus(c *gin.Context) {
	at, err := s.manager.GetBot(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, at.Status())
}

// handleFeatureFlagsUpdate applies a partial flag patch. An empty body is a
// read: the current snapshot comes back unchanged.
func (s *Server) handleFeatureFlagsUpdate(c *gin.Context) {
	flags := s.manager.FeatureFlags()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("read body: %v", err)})
		return
	}

	if len(body) == 0 {
		c.JSON(http.StatusOK, gin.H{"flags": flags.Snapshot()})
		return
	}

	var update featureflag.Update
	if err := json.Unmarshal(body, &update); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON body"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state := flags.Apply(update)
	log.Printf("feature flags updated: %+v", state)
	c.JSON(http.StatusOK, gin.H{"flags": state})
}
