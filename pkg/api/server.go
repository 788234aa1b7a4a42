// Package api exposes the uploader over HTTP: health, metrics, ledger status,
// run streams and authenticated ingestion triggers.
package api

import (
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/api/handlers"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/api/middleware"
)

type Config struct {
	Addr string
	// JWTSecret protects the trigger endpoint; empty disables authentication.
	JWTSecret string
}

type Server struct {
	app    *fiber.App
	addr   string
	ingest *handlers.IngestHandlers
}

// NewServer registers every route. registry may be nil, in which case
// /metrics is not served.
func NewServer(cfg Config, ingest *handlers.IngestHandlers, registry *prometheus.Registry) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	app.Get("/health", ingest.Health)
	if registry != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	api := app.Group("/api")
	api.Get("/ingest/status", ingest.Status)
	api.Get("/ingest/runs/:id", ingest.GetRun)
	api.Get("/ingest/runs/:id/stream", middleware.WebSocketUpgrade(), ingest.RequireRun, websocket.New(ingest.Stream))
	api.Post("/ingest", middleware.JWTAuth(cfg.JWTSecret), ingest.Trigger)

	if cfg.JWTSecret == "" {
		log.Warn("No JWT secret configured, POST /api/ingest is unauthenticated")
	}

	return &Server{app: app, addr: cfg.Addr, ingest: ingest}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	log.Infof("Listening on %s", s.addr)
	return s.app.Listen(s.addr)
}

// Shutdown stops accepting requests and runs, then waits for the started ones.
func (s *Server) Shutdown() error {
	err := s.app.Shutdown()
	s.ingest.Close()
	return err
}
