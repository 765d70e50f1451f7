package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-realtime/internal/config"
	"github.com/npezzotti/go-realtime/internal/database"
	"github.com/npezzotti/go-realtime/internal/server"
	"github.com/rs/zerolog"
)

type App struct {
	log            zerolog.Logger
	db             database.Repository
	srv            *http.Server
	cm             *server.Manager
	signingKey     []byte
	allowedOrigins []string
}

// NewApp registers the HTTP surface on mux. Routes registered on mux by other
// components, such as /metrics, are served by the same server.
func NewApp(mux *http.ServeMux, logger zerolog.Logger, cm *server.Manager, db database.Repository, cfg *config.Config) *App {
	s := &App{
		log:            logger,
		db:             db,
		cm:             cm,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.Server.AllowedOrigins,
	}

	mux.HandleFunc("GET /ws/connect", s.serveWs)
	mux.HandleFunc("GET /ws/connect/{user_id}", s.serveWs)
	mux.HandleFunc("POST /ws/reconnect", s.authMiddleware(s.reconnect))
	mux.HandleFunc("GET /ws/status", s.authMiddleware(s.status))
	mux.HandleFunc("GET /api/polling/updates", s.authMiddleware(s.pollUpdates))
	mux.HandleFunc("GET /healthz", s.healthCheck)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *App) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *App) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
