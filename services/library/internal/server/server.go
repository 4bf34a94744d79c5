package server

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
	"github.com/go-playground/validator/v10"

	"github.com/FutureMindsLab/bookflows/internal/ratelimit"
	"github.com/FutureMindsLab/bookflows/internal/util"
	"github.com/FutureMindsLab/bookflows/pkg/domain"
	"github.com/FutureMindsLab/bookflows/services/library/internal/app"
)

const (
	maxBodyBytes  = 1 << 20
	healthTimeout = 2 * time.Second
)

// SubjectVerifier validates a bearer token and returns its subject.
type SubjectVerifier interface {
	VerifySubject(token string) (string, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  SubjectVerifier
	SearchLimiter  ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
	AllowedOrigins []string
}

// Server exposes HTTP endpoints for the library service.
type Server struct {
	app            *app.App
	tokenVerifier  SubjectVerifier
	searchLimiter  ratelimit.Limiter
	trustedProxies *util.TrustedProxies
	allowedOrigins []string
	validate       *validator.Validate
	router         chi.Router
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("library app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required")
	}
	limiter := cfg.SearchLimiter
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		searchLimiter:  limiter,
		trustedProxies: cfg.TrustedProxies,
		allowedOrigins: cfg.AllowedOrigins,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		router:         chi.NewRouter(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(s.trustedProxies, util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.router))))
}

func (s *Server) routes() {
	r := s.router
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)

	r.Get("/books/search", s.withUser(s.handleSearch))

	r.Route("/library", func(r chi.Router) {
		r.Get("/", s.withUser(s.handleListLibrary))
		r.Post("/", s.withUser(s.handleAddToLibrary))
		r.Delete("/{userBookID}", s.withUser(s.handleRemoveFromLibrary))
		r.Patch("/{userBookID}/progress", s.withUser(s.handleUpdateProgress))
		r.Get("/{userBookID}/annotations", s.withUser(s.handleListAnnotations))
		r.Post("/{userBookID}/annotations", s.withUser(s.handleAddAnnotation))
	})
	r.Delete("/annotations/{annotationID}", s.withUser(s.handleDeleteAnnotation))

	r.Get("/overview", s.withUser(s.handleOverview))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.app.Ping(ctx); err != nil {
		util.LoggerFromContext(r.Context()).Warn("health check failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "SYSTEM_UNAVAILABLE", "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		subject, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		user, err := s.app.ResolveUser(r.Context(), subject)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", user.ID))
		next(w, r.WithContext(ctx), user)
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, user domain.User) {
	if !s.searchLimiter.Allow(r.Context(), "search:"+user.ID) {
		writeError(w, http.StatusTooManyRequests, "SYSTEM_RATE_LIMITED", "rate limit exceeded")
		return
	}
	results, err := s.app.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": results,
		"count": len(results),
	})
}

func (s *Server) handleListLibrary(w http.ResponseWriter, r *http.Request, user domain.User) {
	entries, err := s.app.ListLibrary(r.Context(), user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": entries,
		"count": len(entries),
	})
}

func (s *Server) handleAddToLibrary(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req domain.CandidateBook
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	entry, err := s.app.AddToLibrary(r.Context(), user, req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRemoveFromLibrary(w http.ResponseWriter, r *http.Request, user domain.User) {
	if err := s.app.RemoveFromLibrary(r.Context(), user, chi.URLParam(r, "userBookID")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type progressRequest struct {
	Progress *int `json:"progress" validate:"required,min=0,max=100"`
}

func (s *Server) handleUpdateProgress(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req progressRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	ub, err := s.app.UpdateProgress(r.Context(), user, chi.URLParam(r, "userBookID"), *req.Progress)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ub)
}

func (s *Server) handleListAnnotations(w http.ResponseWriter, r *http.Request, user domain.User) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "LIBRARY_INVALID_REQUEST", "invalid limit")
			return
		}
		limit = n
	}
	notes, err := s.app.ListAnnotations(r.Context(), user, chi.URLParam(r, "userBookID"), limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": notes,
		"count": len(notes),
	})
}

type annotationRequest struct {
	Content string `json:"content" validate:"required,max=10000"`
}

func (s *Server) handleAddAnnotation(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req annotationRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	note, err := s.app.AddAnnotation(r.Context(), user, chi.URLParam(r, "userBookID"), req.Content)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (s *Server) handleDeleteAnnotation(w http.ResponseWriter, r *http.Request, user domain.User) {
	if err := s.app.DeleteAnnotation(r.Context(), user, chi.URLParam(r, "annotationID")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request, user domain.User) {
	overview, err := s.app.Overview(r.Context(), user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "LIBRARY_INVALID_REQUEST", "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "LIBRARY_VALIDATION_FAILED", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min", "max":
		return field + " must satisfy " + fe.Tag() + "=" + fe.Param()
	default:
		return field + " is invalid"
	}
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var quotaErr *domain.QuotaExceededError
	switch {
	case errors.Is(err, app.ErrInvalidCandidate),
		errors.Is(err, app.ErrInvalidProgress),
		errors.Is(err, app.ErrEmptyAnnotation),
		errors.Is(err, app.ErrAnnotationTooLong):
		writeError(w, http.StatusUnprocessableEntity, "LIBRARY_VALIDATION_FAILED", rootMessage(err))
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "LIBRARY_NOT_FOUND", "not found")
	case errors.Is(err, domain.ErrAlreadyAdded):
		writeError(w, http.StatusConflict, "LIBRARY_ALREADY_ADDED", domain.ErrAlreadyAdded.Error())
	case errors.As(err, &quotaErr):
		writeError(w, http.StatusForbidden, "LIBRARY_QUOTA_EXCEEDED", quotaErr.Error())
	case errors.Is(err, domain.ErrExternalService):
		util.LoggerFromContext(r.Context()).Warn("external search failed", "err", err)
		writeError(w, http.StatusBadGateway, "SEARCH_UNAVAILABLE", "book search is unavailable")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal error")
	}
}

// rootMessage returns the sentinel's text without wrapped detail.
func rootMessage(err error) string {
	for _, sentinel := range []error{app.ErrInvalidCandidate, app.ErrInvalidProgress, app.ErrEmptyAnnotation, app.ErrAnnotationTooLong} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
