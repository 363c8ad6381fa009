package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"multisigd/services/multisigd/collector"
	msmw "multisigd/services/multisigd/middleware"
	"multisigd/services/multisigd/proposals"
	"multisigd/services/multisigd/submission"
)

// ScopeWrite is the token scope required by mutating routes.
const ScopeWrite = "proposals:write"

// Config captures the dependencies required to construct the server.
type Config struct {
	DB             *gorm.DB
	Proposals      *proposals.Coordinator
	Collector      *collector.Collector
	Submission     *submission.Service
	Logger         *slog.Logger
	Auth           msmw.AuthConfig
	RateLimit      msmw.RateLimit
	AllowedOrigins []string
	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

// Server exposes the coordinator over HTTP. Handlers decode, call one
// component operation and encode; they hold no logic of their own.
type Server struct {
	db           *gorm.DB
	proposals    *proposals.Coordinator
	collector    *collector.Collector
	submission   *submission.Service
	logger       *slog.Logger
	auth         *msmw.Authenticator
	limiter      *msmw.RateLimiter
	origins      []string
	maxBodyBytes int64
	timeout      time.Duration

	router http.Handler
}

// New constructs the HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	srv := &Server{
		db:           cfg.DB,
		proposals:    cfg.Proposals,
		collector:    cfg.Collector,
		submission:   cfg.Submission,
		logger:       logger.With("component", "http"),
		auth:         msmw.NewAuthenticator(cfg.Auth, logger),
		limiter:      msmw.NewRateLimiter(cfg.RateLimit),
		origins:      cfg.AllowedOrigins,
		maxBodyBytes: cfg.MaxBodyBytes,
		timeout:      cfg.RequestTimeout,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(msmw.RequestLogger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(msmw.CORS(msmw.CORSConfig{AllowedOrigins: s.origins}))
	r.Use(chimw.Timeout(s.timeout))

	r.Get("/health", s.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(api chi.Router) {
		api.Use(s.limiter.Middleware)
		api.Get("/account/access-rule", s.AccessRule)

		api.Route("/proposals", func(p chi.Router) {
			p.Get("/", s.ListProposals)
			p.Get("/{id}", s.GetProposal)
			p.Get("/{id}/unsigned", s.GetUnsigned)
			p.Get("/{id}/signatures", s.GetSignatures)
			p.Get("/{id}/attempts", s.GetAttempts)

			p.Group(func(w chi.Router) {
				w.Use(s.auth.Middleware(ScopeWrite))
				w.Use(msmw.WithIdempotency(s.db, s.logger))
				w.Post("/", s.CreateProposal)
				w.Post("/{id}/signatures", s.AddSignature)
				w.Post("/{id}/submit", s.SubmitProposal)
			})
		})
	})

	return otelhttp.NewHandler(r, "multisigd", otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
		return r.Method + " " + r.URL.Path
	}))
}

// Health reports liveness.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", "error", err)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid payload: "+strings.TrimSpace(err.Error()))
		return false
	}
	return true
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = http.StatusText(status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
