package api

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"apiseller/internal/config"
	"apiseller/internal/http-server/handlers/errors"
	"apiseller/internal/http-server/handlers/gateway"
	"apiseller/internal/http-server/handlers/health"
	"apiseller/internal/http-server/middleware/apikey"
	"apiseller/internal/http-server/middleware/timeout"
	"apiseller/lib/sl"
)

type Server struct {
	conf       *config.Config
	httpServer *http.Server
	log        *slog.Logger
}

// Handler is the slice of the entitlement manager the HTTP surface uses.
type Handler interface {
	apikey.Validator
	gateway.Core
}

// New builds the router and serves until the listener fails.
// Routes:
//
//	GET  /health       — liveness, unauthenticated
//	POST /v1/validate  — key standing (X-API-Key)
//	POST /v1/usage     — count one request (X-API-Key)
func New(conf *config.Config, log *slog.Logger, handler Handler) error {

	server := Server{
		conf: conf,
		log:  log.With(sl.Module("api.server")),
	}

	router := chi.NewRouter()
	router.Use(timeout.Timeout(5))
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(render.SetContentType(render.ContentTypeJSON))

	router.NotFound(errors.NotFound(log))
	router.MethodNotAllowed(errors.NotAllowed(log))

	router.Get("/health", health.Handler(time.Now()))

	router.Route("/v1", func(rootApi chi.Router) {
		rootApi.Use(apikey.New(log, handler))
		rootApi.Post("/validate", gateway.Validate(log))
		rootApi.Post("/usage", gateway.Usage(log, handler))
	})

	httpLog := slog.NewLogLogger(log.Handler(), slog.LevelError)
	server.httpServer = &http.Server{
		Handler:      router,
		ErrorLog:     httpLog,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverAddress := fmt.Sprintf("%s:%s", conf.Listen.BindIp, conf.Listen.Port)
	listener, err := net.Listen("tcp", serverAddress)
	if err != nil {
		return err
	}

	server.log.Info("starting api server", slog.String("address", serverAddress))

	return server.httpServer.Serve(listener)
}
