package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/FutureMindsLab/bookflows/internal/ratelimit"
	"github.com/FutureMindsLab/bookflows/internal/util"
	"github.com/FutureMindsLab/bookflows/pkg/domain"
	"github.com/FutureMindsLab/bookflows/services/chat/internal/app"
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
	MessageLimiter ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
	AllowedOrigins []string
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app            *app.App
	tokenVerifier  SubjectVerifier
	messageLimiter ratelimit.Limiter
	trustedProxies *util.TrustedProxies
	allowedOrigins []string
	validate       *validator.Validate
	router         chi.Router
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("chat app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required")
	}
	limiter := cfg.MessageLimiter
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		messageLimiter: limiter,
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
	r.Get("/usage", s.withUser(s.handleUsage))

	r.Post("/sessions", s.withUser(s.handleStartSession))
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Delete("/", s.withUser(s.handleEndSession))
		r.Get("/conversations", s.withSession(s.handleListConversations))
		r.Post("/conversations", s.withSession(s.handleStartConversation))
		r.Post("/conversations/{conversationID}/select", s.withSession(s.handleSelectConversation))
		r.Post("/messages", s.withSession(s.handleSendMessage))
	})
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

type sessionHandler func(http.ResponseWriter, *http.Request, *app.Session)

func (s *Server) withSession(next sessionHandler) http.HandlerFunc {
	return s.withUser(func(w http.ResponseWriter, r *http.Request, user domain.User) {
		sess, err := s.app.Session(user, chi.URLParam(r, "sessionID"))
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("session_id", sess.ID))
		next(w, r.WithContext(ctx), sess)
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, user domain.User) {
	usage, err := s.app.Usage(r.Context(), user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

type sessionResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, _ *http.Request, user domain.User) {
	sess := s.app.StartSession(user)
	writeJSON(w, http.StatusCreated, sessionResponse{ID: sess.ID})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request, user domain.User) {
	if err := s.app.EndSession(user, chi.URLParam(r, "sessionID")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

type conversationsResponse struct {
	Items     []domain.Conversation `json:"items"`
	Count     int                   `json:"count"`
	CurrentID string                `json:"currentId,omitempty"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, _ *http.Request, sess *app.Session) {
	items := sess.Conversations()
	resp := conversationsResponse{Items: items, Count: len(items)}
	if cur, ok := sess.Current(); ok {
		resp.CurrentID = cur.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

type startConversationRequest struct {
	BookID string `json:"bookId" validate:"required,max=64"`
}

func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	var req startConversationRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	conv, err := sess.StartConversation(r.Context(), req.BookID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleSelectConversation(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	conv, err := sess.SelectConversation(chi.URLParam(r, "conversationID"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	if !s.messageLimiter.Allow(r.Context(), "chat:"+sess.User().ID) {
		writeError(w, http.StatusTooManyRequests, "SYSTEM_RATE_LIMITED", "rate limit exceeded")
		return
	}
	var req sendMessageRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	conv, err := sess.SendMessage(r.Context(), req.Text)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "CHAT_INVALID_REQUEST", "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "CHAT_VALIDATION_FAILED", validationMessage(err))
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
	if fe.Tag() == "required" {
		return field + " is required"
	}
	return field + " is invalid"
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrEmptyMessage), errors.Is(err, app.ErrMessageTooLong):
		writeError(w, http.StatusUnprocessableEntity, "CHAT_VALIDATION_FAILED", err.Error())
	case errors.Is(err, app.ErrNoConversation):
		writeError(w, http.StatusBadRequest, "CHAT_NO_CONVERSATION", err.Error())
	case errors.Is(err, domain.ErrInvalidBook):
		writeError(w, http.StatusUnprocessableEntity, "CHAT_INVALID_BOOK", err.Error())
	case errors.Is(err, app.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "CHAT_SESSION_NOT_FOUND", "session not found")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "CHAT_NOT_FOUND", "not found")
	case errors.Is(err, domain.ErrBusy):
		writeError(w, http.StatusConflict, "CHAT_BUSY", err.Error())
	case errors.Is(err, domain.ErrDailyLimitReached):
		writeError(w, http.StatusTooManyRequests, "CHAT_DAILY_LIMIT_REACHED", err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal error")
	}
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
