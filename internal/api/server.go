// Package api exposes the analysis proxy over HTTP: envelope-encrypted
// credential transport, provider dispatch, live stream relay, and alignment
// retrieval.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/codealign/internal/alignstore"
	"github.com/codealign/internal/config"
	"github.com/codealign/internal/connectors"
	"github.com/codealign/internal/envelope"
	"github.com/codealign/internal/github"
)

// Server represents the API server
type Server struct {
	echo    *echo.Echo
	cfg     *config.Config
	keys    *envelope.Keypair
	factory connectors.Factory
	store   alignstore.Store
}

// Deps carries the collaborators the server routes over. GitHub is optional;
// leaving it nil runs the proxy without the integration endpoints.
type Deps struct {
	Config  *config.Config
	Keys    *envelope.Keypair
	Factory connectors.Factory
	Store   alignstore.Store
	GitHub  *github.Handlers
}

// NewServer creates a new API server
func NewServer(deps Deps) (*Server, error) {
	doc, err := loadOpenAPIDoc()
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     deps.Config.Server.AllowedOrigins,
		AllowCredentials: true,
	}))
	if deps.Config.RateLimit.PerSecond > 0 {
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(deps.Config.RateLimit.PerSecond),
				Burst:     deps.Config.RateLimit.Burst,
				ExpiresIn: 3 * time.Minute,
			}),
		}))
	}

	server := &Server{
		echo:    e,
		cfg:     deps.Config,
		keys:    deps.Keys,
		factory: deps.Factory,
		store:   deps.Store,
	}

	// Setup routes
	server.setupRoutes(doc, deps.GitHub)

	return server, nil
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes(doc serviceInfo, gh *github.Handlers) {
	s.echo.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"name":    doc.Title,
			"version": doc.Version,
		})
	})

	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	s.echo.POST("/analyze", s.handleAnalyze)
	s.echo.GET("/alignments", s.listAlignments)
	s.echo.GET("/alignments/:signature", s.getAlignment)
	s.echo.GET("/.well-known/rsa-key", s.serveRSAPublicKey)
	s.echo.GET("/openapi.json", s.serveOpenAPIDoc)

	if gh != nil {
		gh.Register(s.echo)
	}
}

// Start begins the API server
func (s *Server) Start() error {
	// Start server in a goroutine
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.cfg.Server.Port)); err != nil && err != http.ErrServerClosed {
			s.echo.Logger.Fatal("shutting down the server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(ctx)
}
