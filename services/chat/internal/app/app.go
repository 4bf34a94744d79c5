package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/FutureMindsLab/bookflows/internal/util"
	"github.com/FutureMindsLab/bookflows/pkg/ai"
	"github.com/FutureMindsLab/bookflows/pkg/domain"
	"github.com/FutureMindsLab/bookflows/pkg/store"
)

const (
	defaultCompletionTimeout = 45 * time.Second
	defaultSessionIdleTTL    = 2 * time.Hour
	maxMessageRunes          = 4000
)

// Config holds runtime configuration for the chat application.
type Config struct {
	DatabaseURL       string
	Store             store.Store
	Completer         ai.ChatCompleter
	DailyMessageLimit int
	CompletionTimeout time.Duration
	RestrictToBook    bool
	SessionIdleTTL    time.Duration
	Now               func() time.Time
}

// App owns the live chat sessions and the daily quota.
type App struct {
	store             store.Store
	completer         ai.ChatCompleter
	quota             *QuotaTracker
	completionTimeout time.Duration
	restrictToBook    bool
	sessionIdleTTL    time.Duration
	now               func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs the application. A nil Store opens Postgres at DatabaseURL.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	if cfg.Completer == nil {
		return nil, errors.New("chat completer required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	timeout := cfg.CompletionTimeout
	if timeout <= 0 {
		timeout = defaultCompletionTimeout
	}
	idleTTL := cfg.SessionIdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultSessionIdleTTL
	}
	return &App{
		store:             dataStore,
		completer:         cfg.Completer,
		quota:             NewQuotaTracker(dataStore, cfg.DailyMessageLimit, now),
		completionTimeout: timeout,
		restrictToBook:    cfg.RestrictToBook,
		sessionIdleTTL:    idleTTL,
		now:               now,
		sessions:          make(map[string]*Session),
	}, nil
}

// Quota exposes the daily quota tracker.
func (a *App) Quota() *QuotaTracker {
	return a.quota
}

// Ping reports whether the store is reachable.
func (a *App) Ping(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return persistence("ping", err)
	}
	return nil
}

// ResolveUser maps a verified auth subject to the user row, creating it on first use.
func (a *App) ResolveUser(ctx context.Context, authID string) (domain.User, error) {
	authID = strings.TrimSpace(authID)
	if authID == "" {
		return domain.User{}, domain.ErrNotFound
	}
	user, err := a.store.GetOrCreateUserByAuthID(ctx, authID)
	if err != nil {
		return domain.User{}, persistence("resolve user", err)
	}
	return user, nil
}

// Usage reports today's message count for the user.
func (a *App) Usage(ctx context.Context, user domain.User) (domain.DailyUsage, error) {
	return a.quota.Usage(ctx, user.ID)
}

// StartSession registers a new empty session for the user.
func (a *App) StartSession(user domain.User) *Session {
	s := &Session{
		ID:       util.NewID(),
		user:     user,
		app:      a,
		lastSeen: a.now(),
	}
	a.mu.Lock()
	a.sessions[s.ID] = s
	a.mu.Unlock()
	return s
}

// Session looks up a live session. Sessions of other users are reported as missing.
func (a *App) Session(user domain.User, id string) (*Session, error) {
	a.mu.Lock()
	s, ok := a.sessions[strings.TrimSpace(id)]
	a.mu.Unlock()
	if !ok || s.user.ID != user.ID {
		return nil, ErrSessionNotFound
	}
	s.touch()
	return s, nil
}

// EndSession drops a session and its threads.
func (a *App) EndSession(user domain.User, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[strings.TrimSpace(id)]
	if !ok || s.user.ID != user.ID {
		return ErrSessionNotFound
	}
	delete(a.sessions, s.ID)
	return nil
}

// SessionCount returns the number of live sessions.
func (a *App) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// SweepIdle removes sessions idle for longer than the TTL and returns how many were dropped.
// Sessions waiting on a reply are kept.
func (a *App) SweepIdle() int {
	cutoff := a.now().Add(-a.sessionIdleTTL)
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for id, s := range a.sessions {
		if s.idleSince(cutoff) {
			delete(a.sessions, id)
			removed++
		}
	}
	return removed
}

// RunSweeper calls SweepIdle periodically until ctx is done.
func (a *App) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = a.sessionIdleTTL / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger := util.LoggerFromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.SweepIdle(); n > 0 {
				logger.Info("idle sessions expired", "count", n)
			}
		}
	}
}
