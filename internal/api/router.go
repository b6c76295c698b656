package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/septivank/river-telemetry/internal/alerting"
	"github.com/septivank/river-telemetry/internal/auth"
	"github.com/septivank/river-telemetry/internal/fanout"
	"github.com/septivank/river-telemetry/internal/repository"
	"github.com/septivank/river-telemetry/internal/service"
	"github.com/septivank/river-telemetry/internal/session"
	"go.uber.org/zap"
)

// BrokerControl is the part of the broker link the API drives
type BrokerControl interface {
	Connected() bool
	Reconnect()
}

// Deps are the collaborators behind the HTTP surface
type Deps struct {
	Processor *service.ProcessorService
	Store     repository.Store
	Alerts    *alerting.Engine
	Hub       *fanout.Hub
	Auth      *auth.Manager
	Broker    BrokerControl
	Backfill  session.Options
	Logger    *zap.Logger

	// CORSOrigins lists the browser origins allowed to call the API
	CORSOrigins []string
	// RateLimitRequests caps authenticated writes per client IP and window.
	// Zero disables the limit.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Server serves websocket sessions and the REST access points
type Server struct {
	processor *service.ProcessorService
	store     repository.Store
	alerts    *alerting.Engine
	hub       *fanout.Hub
	auth      *auth.Manager
	broker    BrokerControl
	backfill  session.Options
	logger    *zap.Logger
	cors      func(http.Handler) http.Handler
	limit     func(http.Handler) http.Handler
	validate  *validator.Validate
	upgrader  websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(d Deps) *Server {
	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	limit := func(next http.Handler) http.Handler { return next }
	if d.RateLimitRequests > 0 {
		window := d.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		limit = httprate.Limit(d.RateLimitRequests, window,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				d.Logger.Warn("rate limit exceeded",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
			}),
		)
	}

	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	})

	return &Server{
		processor: d.Processor,
		store:     d.Store,
		alerts:    d.Alerts,
		hub:       d.Hub,
		auth:      d.Auth,
		broker:    d.Broker,
		backfill:  d.Backfill,
		logger:    d.Logger,
		cors:      corsHandler,
		limit:     limit,
		validate:  validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      originChecker(origins),
		},
	}
}

// originChecker applies the CORS origin list to websocket upgrades. Requests
// without an Origin header are not from a browser and are allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// Routes builds the chi router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.cors)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/ws", func(r chi.Router) {
		r.Get("/sensors/", s.handleGlobalSocket)
		r.Get("/device/{device}/", s.handleDeviceSocket)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(30 * time.Second))

		r.Get("/readings", s.handleListReadings)
		r.Get("/readings/{id}", s.handleGetReading)
		r.Get("/devices", s.handleListDevices)
		r.Get("/alerts", s.handleListAlerts)

		r.Group(func(r chi.Router) {
			r.Use(s.limit)
			r.Use(s.authenticate)

			r.With(s.require(auth.Principal.CanEditReadings)).Post("/readings/{id}/toggle-manual", s.handleToggleManual)
			r.With(s.require(auth.Principal.CanEditReadings)).Post("/devices/{device}/manual-reading", s.handleManualReading)
			r.With(s.require(auth.Principal.CanResolveAlert)).Patch("/alerts/{id}/resolve", s.handleResolveAlert)

			r.Group(func(r chi.Router) {
				r.Use(s.require(auth.Principal.CanSetActiveBroker))
				r.Delete("/devices/{device}", s.handleDeleteDevice)
				r.Get("/brokers", s.handleListBrokers)
				r.Post("/brokers", s.handleCreateBroker)
				r.Post("/brokers/{id}/activate", s.handleActivateBroker)
			})
		})
	})

	return r
}

// authenticate attaches the bearer token's principal to the request
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.auth.Authenticate(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// require rejects principals that fail allowed
func (s *Server) require(allowed func(auth.Principal) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.FromContext(r.Context())
			if !ok {
				s.writeError(w, r, auth.ErrUnauthenticated)
				return
			}
			if !allowed(*p) {
				s.logger.Warn("permission denied",
					zap.String("user", p.Username),
					zap.String("role", string(p.Role)),
					zap.String("path", r.URL.Path),
				)
				s.writeError(w, r, auth.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}
