// Package server provides the HTTP/SSE surface that bridges
// internal/chattransport and internal/chatsession to a browser client.
// This is ambient demo wiring: the core transport has no HTTP dependency
// of its own. A chi.Mux with a thin http.Server wrapper (Start/Shutdown).
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus/internal/bus"
	"github.com/chatbus/chatbus/internal/chatsession"
	"github.com/chatbus/chatbus/internal/chattransport"
)

// Options configures a Server.
type Options struct {
	Addr              string
	MetricsAddr       string
	Client            bus.Client
	Handler           chatsession.Handler
	HistoryLimit      int
	HeartbeatInterval time.Duration
	EnablePresence    bool
	Logger            zerolog.Logger
}

// Server hosts the chat HTTP API: one chatsession.Session and one
// chattransport.Transport per channel, created lazily on first use.
type Server struct {
	opts    Options
	router  *chi.Mux
	httpSrv *http.Server
	metrics *http.Server
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*chatsession.Session
	channels map[string]*chattransport.Transport
}

// New constructs a Server and wires its routes.
func New(opts Options) *Server {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	s := &Server{
		opts:     opts,
		router:   chi.NewRouter(),
		log:      opts.Logger,
		sessions: make(map[string]*chatsession.Session),
		channels: make(map[string]*chattransport.Transport),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// transportFor returns the channel's Transport, starting its backing
// chatsession.Session on first access so generation begins reacting to
// published chat-message events.
func (s *Server) transportFor(ctx context.Context, channel string) (*chattransport.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tr, ok := s.channels[channel]; ok {
		return tr, nil
	}

	sess, err := chatsession.Start(ctx, chatsession.Options{
		Channel:        channel,
		Client:         s.opts.Client,
		Handler:        s.opts.Handler,
		HistoryLimit:   s.opts.HistoryLimit,
		EnablePresence: s.opts.EnablePresence,
		Logger:         s.opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("server: starting session for %q: %w", channel, err)
	}
	s.sessions[channel] = sess
	sessionsStarted.Inc()

	tr := chattransport.New(s.opts.Client, channel, s.opts.Logger)
	s.channels[channel] = tr
	return tr, nil
}

// Start runs the API server (blocking) and, if MetricsAddr is set, a
// second listener serving /metrics.
func (s *Server) Start() error {
	if s.opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metrics = &http.Server{Addr: s.opts.MetricsAddr, Handler: mux}
		go func() {
			if err := s.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Warn().Err(err).Msg("server: metrics listener stopped")
			}
		}()
	}

	s.httpSrv = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE responses are long-lived
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP listeners and every channel's
// session.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	if s.metrics != nil {
		_ = s.metrics.Shutdown(ctx)
	}

	s.mu.Lock()
	sessions := make([]*chatsession.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Close()
	}
	return err
}

// Router exposes the chi router for tests.
func (s *Server) Router() *chi.Mux { return s.router }
