// Package router assembles the chi router for the voice intake server.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aurelia-health/voice-intake/internal/http/handlers"
	httpmiddleware "github.com/aurelia-health/voice-intake/internal/http/middleware"
	"github.com/aurelia-health/voice-intake/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger         *logging.Logger
	Voice          *handlers.VoiceHandler
	MetricsHandler http.Handler
}

// New creates the chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/", cfg.Voice.Status)
	r.Post("/", cfg.Voice.Status)
	r.Get("/health", cfg.Voice.Health)

	// Twilio issues the voice webhook as GET or POST depending on the
	// number's configuration.
	r.Get("/incoming-call", cfg.Voice.IncomingCall)
	r.Post("/incoming-call", cfg.Voice.IncomingCall)

	r.Get("/media-stream", cfg.Voice.MediaStream)

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	return r
}
