package store

import (
	"context"
	"time"

	"github.com/FutureMindsLab/bookflows/pkg/domain"
)

// Store defines persistence operations for users, the catalog, libraries,
// annotations and daily message counts.
type Store interface {
	// users
	GetOrCreateUserByAuthID(ctx context.Context, authID string) (domain.User, error)
	SetPremium(ctx context.Context, userID string, premium bool) error

	// catalog
	CreateBook(ctx context.Context, book domain.Book) (domain.Book, error)
	GetBook(ctx context.Context, id string) (domain.Book, bool, error)
	SearchBooksByTitle(ctx context.Context, substr string, limit int) ([]domain.Book, error)
	FindBookByTitleAuthor(ctx context.Context, title, author string) (domain.Book, bool, error)
	FindBookByISBN(ctx context.Context, isbn string) (domain.Book, bool, error)

	// libraries
	ListActiveUserBooks(ctx context.Context, userID string) ([]domain.LibraryEntry, error)
	CountActiveUserBooks(ctx context.Context, userID string) (int, error)
	GetUserBook(ctx context.Context, id string) (domain.UserBook, bool, error)
	FindUserBook(ctx context.Context, userID, bookID string) (domain.UserBook, bool, error)
	CreateUserBook(ctx context.Context, ub domain.UserBook) (domain.UserBook, error)
	SetUserBookActive(ctx context.Context, id string, active bool) (domain.UserBook, error)
	UpdateProgress(ctx context.Context, id string, progress int) (domain.UserBook, error)

	// annotations
	ListAnnotations(ctx context.Context, userBookID string, limit int) ([]domain.Annotation, error)
	ListRecentAnnotations(ctx context.Context, userID string, limit int) ([]domain.Annotation, error)
	CreateAnnotation(ctx context.Context, a domain.Annotation) (domain.Annotation, error)
	GetAnnotation(ctx context.Context, id string) (domain.Annotation, bool, error)
	DeleteAnnotation(ctx context.Context, id string) error

	// daily message counts
	GetDailyCount(ctx context.Context, userID string, day time.Time) (int, bool, error)
	IncrementDailyCount(ctx context.Context, userID string, day time.Time) (int, error)

	// Ping checks database connectivity.
	Ping(ctx context.Context) error
}
