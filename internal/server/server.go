// Package server provides the HTTP API and the chat relay endpoint.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cheikhfiteni/context-ta-backend/internal/config"
	"github.com/cheikhfiteni/context-ta-backend/internal/conversation"
	"github.com/cheikhfiteni/context-ta-backend/internal/relay"
)

// TokenVerifier validates a bearer token and returns its subject.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Server is the HTTP server for the context-ta API.
type Server struct {
	svc               *conversation.Service
	completer         relay.Completer
	verifier          TokenVerifier
	config            *config.ServerConfig
	completionTimeout time.Duration
	logger            *zap.Logger
	upgrader          websocket.Upgrader
	server            *http.Server
	accessLog         middleware.LoggerInterface

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithCompletionTimeout bounds each relayed completion.
func WithCompletionTimeout(d time.Duration) Option {
	return func(s *Server) { s.completionTimeout = d }
}

// WithAccessLog sends the request log to l instead of stdout.
func WithAccessLog(l middleware.LoggerInterface) Option {
	return func(s *Server) { s.accessLog = l }
}

// NewServer creates a server with the given dependencies.
func NewServer(
	svc *conversation.Service,
	completer relay.Completer,
	verifier TokenVerifier,
	cfg *config.ServerConfig,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	s := &Server{
		svc:               svc,
		completer:         completer,
		verifier:          verifier,
		config:            cfg,
		completionTimeout: relay.DefaultTimeout,
		logger:            logger,
		accessLog:         log.New(os.Stdout, "", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || isAllowedOrigin(origin, cfg.AllowedOrigins)
		},
	}
	s.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&redactingFormatter{
		base: &middleware.DefaultLogFormatter{Logger: s.accessLog, NoColor: true},
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors(s.config.AllowedOrigins))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.With(s.requireAuth(true)).Get("/ws/chat", s.handleChat)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(middleware.Compress(5))
		r.Use(s.requireAuth(false))

		r.Get("/me", s.handleGetMe)
		r.Patch("/me", s.handleUpdateMe)
		r.Delete("/me", s.handleDeleteMe)
		r.Post("/documents", s.handleAttachDocument)
		r.Post("/documents/import", s.handleImportDocument)
		r.Delete("/documents/{key}", s.handleDeleteDocument)
		r.Post("/documents/{key}/conversations", s.handleAttachConversation)
		r.Delete("/conversations/{key}", s.handleDeleteConversation)
		r.Post("/conversations/{key}/entries", s.handleAppendEntry)
		r.Get("/search", s.handleSearch)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops. It returns
// http.ErrServerClosed once Stop has been called, even if Stop ran first.
func (s *Server) Start() error {
	s.logger.Info("Starting server", zap.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server. Open chat connections are cancelled.
func (s *Server) Stop(ctx context.Context) error {
	s.cancelBase()
	return s.server.Shutdown(ctx)
}

// redactingFormatter logs requests with the access_token query parameter masked.
type redactingFormatter struct {
	base middleware.LogFormatter
}

func (f *redactingFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	return f.base.NewLogEntry(redactRequest(r))
}

func redactRequest(r *http.Request) *http.Request {
	q := r.URL.Query()
	if !q.Has(accessTokenParam) {
		return r
	}
	q.Set(accessTokenParam, "REDACTED")
	clone := r.Clone(r.Context())
	clone.URL.RawQuery = q.Encode()
	clone.RequestURI = clone.URL.RequestURI()
	return clone
}
