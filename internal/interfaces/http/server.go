// Package http serves the public price API over JSON. The server is a
// thin translation layer: it parses feed identifiers out of the URL,
// calls the provider, and maps the error taxonomy onto status codes.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/pulsefeed/pulsefeed/internal/app"
	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/metrics"
	"github.com/pulsefeed/pulsefeed/internal/models"
)

// Provider is the slice of the orchestrator the server needs.
type Provider interface {
	GetCurrentPrice(ctx context.Context, id models.FeedID) (models.AggregatedPrice, error)
	GetCurrentPrices(ctx context.Context, ids []models.FeedID) ([]models.AggregatedPrice, []error)
	GetSystemHealth(ctx context.Context) app.SystemHealth
	SubscribeToFeed(id models.FeedID) error
	UnsubscribeFromFeed(id models.FeedID) error
	Metrics() *metrics.Metrics
}

// Server owns the router and the underlying http.Server.
type Server struct {
	cfg      config.HTTPConfig
	provider Provider
	router   *mux.Router
	server   *http.Server
	logger   zerolog.Logger
	now      func() time.Time
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(cfg config.HTTPConfig, provider Provider, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		router:   mux.NewRouter(),
		logger:   logger.With().Str("component", "http").Logger(),
		now:      time.Now,
	}
	s.routes()

	s.server = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestID)
	s.router.Use(s.instrument)
	s.router.Use(s.timeout)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.provider.Metrics().Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/price/{category}/{base}/{quote}", s.handlePrice).Methods(http.MethodGet)
	v1.HandleFunc("/prices", s.handlePrices).Methods(http.MethodPost)
	v1.HandleFunc("/feeds/{category}/{base}/{quote}/subscribe", s.handleSubscribe).Methods(http.MethodPost)
	v1.HandleFunc("/feeds/{category}/{base}/{quote}/unsubscribe", s.handleUnsubscribe).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "no such route"})
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens and serves until Shutdown. It blocks.
func (s *Server) Start() error {
	s.logger.Info().Str("listen", s.cfg.Listen).Msg("http server listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests under ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// instrument records latency per route template and logs the request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := s.now()
		ww := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		elapsed := s.now().Sub(started)
		s.provider.Metrics().ObserveRequest(route, ww.code, elapsed.Seconds())
		s.logger.Debug().Str("method", r.Method).Str("route", route).
			Int("status", ww.code).Dur("elapsed", elapsed).Msg("request")
	})
}

func (s *Server) timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
