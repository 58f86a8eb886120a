// Package httpapi exposes diagnostic sessions and the ML predictors over a
// JSON REST API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/medgraph/graph/emit"
	"github.com/dshills/medgraph/internal/predictor"
	"github.com/dshills/medgraph/internal/session"
)

// DefaultMaxUploadBytes bounds image uploads when Config leaves it unset.
const DefaultMaxUploadBytes = 10 << 20

// Sessions is the session service the API serves.
type Sessions interface {
	Start(ctx context.Context, req session.StartRequest) (session.Result, error)
	Answer(ctx context.Context, sessionID string, answers map[string]string) (session.Result, error)
	Status(ctx context.Context, sessionID string) (session.Status, error)
	ListActive(ctx context.Context) ([]string, error)
}

// Config configures a Server. Only Sessions is required; the prediction,
// image and event routes answer 503 when their dependency is missing.
type Config struct {
	Sessions   Sessions
	Predictor  predictor.Predictor
	Classifier predictor.ImageClassifier

	// Events backs the per-session event history route.
	Events *emit.BufferedEmitter

	// Symptoms is the vocabulary listed by GET /api/symptoms.
	Symptoms []string

	Logger *slog.Logger

	// AllowedOrigins lists CORS origins. Empty or "*" allows any.
	AllowedOrigins []string
	MaxUploadBytes int64

	// Registerer receives the HTTP metrics and Gatherer serves /metrics.
	// Nil uses the Prometheus defaults.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Server routes API requests to the services.
type Server struct {
	cfg      Config
	log      *slog.Logger
	validate *validator.Validate
	metrics  *httpMetrics
	router   chi.Router
}

// NewServer builds the router.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("httpapi: sessions service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "httpapi"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  newHTTPMetrics(cfg.Registerer),
	}
	s.router = s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)
	r.Use(s.metrics.middleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/symptoms", s.handleSymptoms)
		r.Post("/predict", s.handlePredict)
		r.Post("/malaria", s.handleMalaria)

		r.Route("/diagnosis", func(r chi.Router) {
			r.Post("/", s.handleStart)
			r.Get("/", s.handleListActive)
			r.Get("/{sessionID}", s.handleStatus)
			r.Post("/{sessionID}/answers", s.handleAnswer)
			r.Get("/{sessionID}/events", s.handleEvents)
		})
	})
	return r
}

// cors allows the configured origins.
func (s *Server) cors(next http.Handler) http.Handler {
	anyOrigin := len(s.cfg.AllowedOrigins) == 0 || slices.Contains(s.cfg.AllowedOrigins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case anyOrigin:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(s.cfg.AllowedOrigins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps service errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, predictor.ErrNoMatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "error", err,
			"request_id", middleware.GetReqID(r.Context()))
	}
	writeError(w, status, err.Error())
}

// decodeJSON reads a JSON body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", session.ErrInvalidInput, err)
	}
	return nil
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(r *http.Request, v interface{}) error {
	if err := decodeJSON(r, v); err != nil {
		return err
	}
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", session.ErrInvalidInput, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", session.ErrInvalidInput, strings.Join(msgs, "; "))
}
