package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/ILLUVRSE/promptledger/internal/apperrors"
	"github.com/ILLUVRSE/promptledger/internal/auth"
	"github.com/ILLUVRSE/promptledger/internal/logger"
	"github.com/ILLUVRSE/promptledger/internal/service"
)

type Options struct {
	CORSOrigins []string
	Auth        auth.Config
	// RequestTimeout bounds every request. It must exceed the provider timeout
	// for synchronous executions to report their own timeout.
	RequestTimeout time.Duration
}

type Server struct {
	service  *service.Service
	verifier *auth.Verifier
	log      *logger.Logger
	opts     Options
}

func New(svc *service.Service, log *logger.Logger, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 90 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Server{
		service:  svc,
		verifier: auth.NewVerifier(opts.Auth),
		log:      logger.OrNop(log).With(logger.FieldComponent, "http"),
		opts:     opts,
	}
}

// Handler returns the router wrapped in CORS handling. Credentials are only
// allowed when every origin is listed explicitly.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", auth.APIKeyHeader},
		AllowCredentials: !wildcardOrigin(s.opts.CORSOrigins),
	})
	return c.Handler(s.Router())
}

func wildcardOrigin(origins []string) bool {
	for _, o := range origins {
		if strings.Contains(o, "*") {
			return true
		}
	}
	return false
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.verifier))

		r.Route("/prompts", func(r chi.Router) {
			r.Get("/", s.handleListPrompts)
			r.Post("/register-code", s.handleRegisterCode)
			r.Put("/{name}", s.handleUpsertPrompt)
			r.Get("/{name}", s.handleGetPrompt)
			r.Get("/{name}/versions", s.handleListVersions)
			r.Get("/{name}/history", s.handleHistory)
			r.Post("/{name}/execute", s.handleExecuteCodePrompt)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Post("/run", s.handleRun)
			r.Post("/submit", s.handleSubmit)
			r.Get("/by-key", s.handleExecutionByKey)
			r.Get("/{id}", s.handleGetExecution)
			r.Post("/{id}/cancel", s.handleCancelExecution)
		})

		r.Route("/spans", func(r chi.Router) {
			r.Post("/", s.handleCreateSpan)
			r.Get("/{id}", s.handleGetSpan)
			r.Patch("/{id}", s.handleEndSpan)
			r.Delete("/{id}", s.handleDeleteSpan)
			r.Get("/{id}/children", s.handleListChildren)
		})
		r.Get("/traces/{traceID}", s.handleGetTrace)

		r.Get("/analytics/prompts", s.handlePromptAnalytics)
		r.Get("/models", s.handleListModels)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.service.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "detail": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// decodeJSON decodes the request body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Validation("invalid JSON body: %v", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondDetail(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"detail": msg})
}

// respondError maps err to its HTTP status. Errors without a kind are logged
// and reported as a generic 500.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.StatusOf(err)
	if status >= http.StatusInternalServerError && apperrors.KindOf(err) == apperrors.KindInternal {
		s.log.Error("request failed",
			logger.FieldRequestID, middleware.GetReqID(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		respondDetail(w, status, "Internal server error")
		return
	}
	respondDetail(w, status, err.Error())
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.Validation("%s must be an integer", key)
	}
	return n, nil
}
