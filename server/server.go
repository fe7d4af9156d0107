package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jupark12/build-broker/auth"
	"github.com/jupark12/build-broker/broadcast"
	"github.com/jupark12/build-broker/queue"
	"github.com/jupark12/build-broker/storage"
)

// Config holds the HTTP and admission settings of the broker.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxUploadBytes  int64
	CORSOrigin      string

	MaxPending  int
	SubmitRate  float64
	SubmitBurst int

	LeaseTimeout       time.Duration
	LeaseCheckInterval time.Duration
	CallbackTimeout    time.Duration

	RequireToken bool
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Coordinator *queue.Coordinator
	Broadcaster *broadcast.LogBroadcaster
	Store       storage.ArtifactStore

	// Auth is optional; without it the auth routes are not mounted and
	// requesters are taken from the email field.
	Auth *auth.Service

	// Artifacts serves locally stored files under /artifacts/ when set.
	Artifacts http.Handler

	Logger     *zap.Logger
	HTTPClient *http.Client
}

// Server handles HTTP requests for job management
type Server struct {
	cfg       Config
	coord     *queue.Coordinator
	logs      *broadcast.LogBroadcaster
	store     storage.ArtifactStore
	auth      *auth.Service
	artifacts http.Handler
	logger    *zap.Logger
	limiter   *rate.Limiter
	callbacks *CallbackNotifier
	upgrader  websocket.Upgrader

	httpServer *http.Server
	wg         sync.WaitGroup
	bgCtx      context.Context
	cancel     context.CancelFunc
}

// NewServer creates a new server instance
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Coordinator == nil || deps.Broadcaster == nil || deps.Store == nil {
		return nil, errors.New("server: coordinator, broadcaster and store are required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 << 20
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:       cfg,
		coord:     deps.Coordinator,
		logs:      deps.Broadcaster,
		store:     deps.Store,
		auth:      deps.Auth,
		artifacts: deps.Artifacts,
		logger:    logger,
		bgCtx:     context.Background(),
		callbacks: NewCallbackNotifier(deps.HTTPClient, cfg.CallbackTimeout, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	if cfg.SubmitRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst)
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors(s.cfg.CORSOrigin))

	r.Get("/health", s.handleHealth)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Get("/next", s.handleNext)
		r.Post("/result", s.handleResult)
		r.Get("/history", s.handleHistory)
		r.Get("/stats", s.handleStats)
		r.Get("/{jobID}", s.handleJob)
		r.Post("/{jobID}/logs", s.handleLog)
	})

	r.Get("/ws/logs", s.handleWebSocket)

	if s.auth != nil {
		r.Route("/api/auth", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
			r.Get("/me", s.handleMe)
		})
	}

	if s.artifacts != nil {
		r.Handle("/artifacts/*", http.StripPrefix("/artifacts", s.artifacts))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	return r
}

// RunBackground starts the update fan-out and, when leases are enabled, the
// lease reaper. Both stop when ctx is canceled or Shutdown is called.
func (s *Server) RunBackground(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.bgCtx = ctx

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consumeUpdates(ctx)
	}()

	if s.cfg.LeaseTimeout > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reapLeases(ctx)
		}()
	}
}

// Start begins the server
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}

	s.RunBackground(ctx)

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and stops the
// background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return err
}

// consumeUpdates publishes every job transition to log subscribers.
// Callbacks are fired by the code that finishes a job, not from here, so a
// full update channel never costs a webhook.
func (s *Server) consumeUpdates(ctx context.Context) {
	updates := s.coord.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-updates:
			s.logs.PublishEvent(broadcast.JobUpdate(rec))
		}
	}
}

func (s *Server) reapLeases(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.LeaseCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := s.coord.ExpireLeases(s.cfg.LeaseTimeout)
			if len(expired) > 0 {
				s.logger.Info("Expired job leases", zap.Int("count", len(expired)))
			}
			for _, rec := range expired {
				s.notifyCallback(rec)
			}
		}
	}
}
