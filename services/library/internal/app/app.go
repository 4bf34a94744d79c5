package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/FutureMindsLab/bookflows/pkg/booksearch"
	"github.com/FutureMindsLab/bookflows/pkg/domain"
	"github.com/FutureMindsLab/bookflows/pkg/store"
)

// Dedup keys decide when a candidate reuses an existing catalog book.
const (
	DedupTitleAuthor       = "title_author"
	DedupISBN              = "isbn"
	DedupTitleAuthorOrISBN = "title_author_or_isbn"
)

const (
	defaultFreeTierMaxBooks = 2
	defaultSearchLimit      = 5
	minQueryRunes           = 3
	recentAnnotationCount   = 5
	defaultAnnotationLimit  = 50
	maxAnnotationLimit      = 200
	maxAnnotationRunes      = 10000
)

// Config holds runtime configuration for the library application.
type Config struct {
	DatabaseURL      string
	Store            store.Store
	Searcher         booksearch.Searcher
	FreeTierMaxBooks int
	DedupKey         string
	SearchLimit      int
}

// App resolves books against the catalog and manages each user's library.
type App struct {
	store            store.Store
	searcher         booksearch.Searcher
	validate         *validator.Validate
	freeTierMaxBooks int
	dedupKey         string
	searchLimit      int
}

// New constructs the application. A nil Store opens Postgres at DatabaseURL.
// A nil Searcher disables the external search fallback.
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
	dedupKey := strings.ToLower(strings.TrimSpace(cfg.DedupKey))
	switch dedupKey {
	case "":
		dedupKey = DedupTitleAuthorOrISBN
	case DedupTitleAuthor, DedupISBN, DedupTitleAuthorOrISBN:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDedupPolicy, cfg.DedupKey)
	}
	freeTier := cfg.FreeTierMaxBooks
	if freeTier <= 0 {
		freeTier = defaultFreeTierMaxBooks
	}
	searchLimit := cfg.SearchLimit
	if searchLimit <= 0 {
		searchLimit = defaultSearchLimit
	}
	return &App{
		store:            dataStore,
		searcher:         cfg.Searcher,
		validate:         validator.New(validator.WithRequiredStructEnabled()),
		freeTierMaxBooks: freeTier,
		dedupKey:         dedupKey,
		searchLimit:      searchLimit,
	}, nil
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
