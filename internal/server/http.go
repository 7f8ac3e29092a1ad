package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/windfall/kaiwa/internal/config"
	httphandler "github.com/windfall/kaiwa/internal/handler/http"
	"github.com/windfall/kaiwa/internal/middleware"
	"github.com/windfall/kaiwa/internal/observe"
	"github.com/windfall/kaiwa/pkg/api"
)

// HTTPServer represents the HTTP server.
type HTTPServer struct {
	server *http.Server
	log    zerolog.Logger
}

// Routes holds everything the router serves.
type Routes struct {
	Health  *httphandler.HealthHandler
	API     *httphandler.APIHandler
	Hub     *WebSocketHub
	Metrics http.Handler
}

// NewRouter builds the backend router.
func NewRouter(cfg *config.Config, log zerolog.Logger, metrics *observe.Metrics, routes Routes) chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log, metrics))
	r.Use(middleware.Recovery(log))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   cfg.CORSAllowedMethods,
		AllowedHeaders:   cfg.CORSAllowedHeaders,
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (public)
	r.Get("/health", routes.Health.Health)
	r.Get("/ready", routes.Health.Ready)
	r.Get("/live", routes.Health.Live)
	if routes.Metrics != nil {
		r.Handle("/metrics", routes.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.AccessToken(cfg.AccessToken))

		// Audio responses are already compressed.
		r.With(chimiddleware.Compress(5)).Group(func(r chi.Router) {
			r.Post(api.PathChat, routes.API.Chat)
			r.Post(api.PathEvaluate, routes.API.Evaluate)
			r.Post(api.PathPunctuate, routes.API.Punctuate)
			r.Post(api.PathExplainWord, routes.API.ExplainWord)
			r.Post(api.PathTranslate, routes.API.Translate)
			r.Post(api.PathAnalyze, routes.API.Analyze)
			r.Get(api.PathPresets, routes.API.GetPresets)
		})
		r.Post(api.PathSynthesize, routes.API.SynthesizeSpeech)

		if routes.Hub != nil {
			r.Get("/ws/session", routes.Hub.HandleWebSocket)
		}
	})

	return r
}

// NewHTTPServer creates a new HTTP server.
func NewHTTPServer(cfg *config.Config, log zerolog.Logger, handler http.Handler) *HTTPServer {
	server := &http.Server{
		Addr:         cfg.HTTPAddress(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &HTTPServer{
		server: server,
		log:    log,
	}
}

// Start starts the HTTP server.
func (s *HTTPServer) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}
