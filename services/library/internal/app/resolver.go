package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/FutureMindsLab/bookflows/internal/util"
	"github.com/FutureMindsLab/bookflows/pkg/booksearch"
	"github.com/FutureMindsLab/bookflows/pkg/domain"
)

// Search suggests books for a partial title. Short queries return nothing
// without touching the catalog or the external search.
func (a *App) Search(ctx context.Context, query string) ([]domain.CandidateBook, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < minQueryRunes {
		return []domain.CandidateBook{}, nil
	}
	books, err := a.store.SearchBooksByTitle(ctx, query, a.searchLimit)
	if err != nil {
		return nil, persistence("search catalog", err)
	}
	if len(books) > 0 {
		out := make([]domain.CandidateBook, 0, len(books))
		for _, b := range books {
			out = append(out, candidateFromBook(b))
		}
		return out, nil
	}
	if a.searcher == nil {
		return []domain.CandidateBook{}, nil
	}
	found, err := a.searcher.Search(ctx, query, a.searchLimit)
	if err != nil {
		if !errors.Is(err, domain.ErrExternalService) {
			err = fmt.Errorf("%w: %v", domain.ErrExternalService, err)
		}
		return nil, err
	}
	if found == nil {
		found = []domain.CandidateBook{}
	}
	return found, nil
}

// AddToLibrary resolves the candidate to a catalog book and tracks it for the user.
// An inactive entry for the same book is reactivated in place.
func (a *App) AddToLibrary(ctx context.Context, user domain.User, candidate domain.CandidateBook) (domain.LibraryEntry, error) {
	candidate.Title = strings.TrimSpace(candidate.Title)
	candidate.Author = strings.TrimSpace(candidate.Author)
	candidate.ISBN = strings.TrimSpace(candidate.ISBN)
	if err := a.validate.Struct(candidate); err != nil {
		return domain.LibraryEntry{}, fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}

	book, found, err := a.resolveBook(ctx, candidate)
	if err != nil {
		return domain.LibraryEntry{}, err
	}

	var existing domain.UserBook
	var hasExisting bool
	if found {
		existing, hasExisting, err = a.store.FindUserBook(ctx, user.ID, book.ID)
		if err != nil {
			return domain.LibraryEntry{}, persistence("find user book", err)
		}
		if hasExisting && existing.Active {
			return domain.LibraryEntry{}, domain.ErrAlreadyAdded
		}
	}

	if !user.IsPremium {
		active, err := a.store.CountActiveUserBooks(ctx, user.ID)
		if err != nil {
			return domain.LibraryEntry{}, persistence("count library", err)
		}
		if active >= a.freeTierMaxBooks {
			return domain.LibraryEntry{}, &domain.QuotaExceededError{Limit: a.freeTierMaxBooks}
		}
	}

	logger := util.LoggerFromContext(ctx)
	if !found {
		book, err = a.store.CreateBook(ctx, bookFromCandidate(candidate))
		if err != nil {
			return domain.LibraryEntry{}, persistence("create book", err)
		}
		logger.Info("catalog book created", "book_id", book.ID, "source", candidate.Source)
	}

	if hasExisting {
		reactivated, err := a.store.SetUserBookActive(ctx, existing.ID, true)
		if err != nil {
			return domain.LibraryEntry{}, persistence("reactivate user book", err)
		}
		logger.Info("library entry reactivated", "user_id", user.ID, "user_book_id", reactivated.ID)
		return domain.LibraryEntry{UserBook: reactivated, Book: book}, nil
	}

	ub, err := a.store.CreateUserBook(ctx, domain.UserBook{
		UserID:   user.ID,
		BookID:   book.ID,
		Progress: 0,
		Active:   true,
	})
	if err != nil {
		// A concurrent add of the same book loses on the unique (user, book) index.
		if raced, ok, findErr := a.store.FindUserBook(ctx, user.ID, book.ID); findErr == nil && ok && raced.Active {
			return domain.LibraryEntry{}, domain.ErrAlreadyAdded
		}
		return domain.LibraryEntry{}, persistence("create user book", err)
	}
	logger.Info("library entry added", "user_id", user.ID, "user_book_id", ub.ID, "book_id", book.ID)
	return domain.LibraryEntry{UserBook: ub, Book: book}, nil
}

// RemoveFromLibrary soft-deletes an entry. Books and annotations are kept.
func (a *App) RemoveFromLibrary(ctx context.Context, user domain.User, userBookID string) error {
	ub, err := a.ownedUserBook(ctx, user, userBookID)
	if err != nil {
		return err
	}
	if _, err := a.store.SetUserBookActive(ctx, ub.ID, false); err != nil {
		return persistence("deactivate user book", err)
	}
	util.LoggerFromContext(ctx).Info("library entry removed", "user_id", user.ID, "user_book_id", ub.ID)
	return nil
}

// ListLibrary returns the user's active entries, newest first.
func (a *App) ListLibrary(ctx context.Context, user domain.User) ([]domain.LibraryEntry, error) {
	entries, err := a.store.ListActiveUserBooks(ctx, user.ID)
	if err != nil {
		return nil, persistence("list library", err)
	}
	return entries, nil
}

// UpdateProgress records a reading percentage in [0, 100].
func (a *App) UpdateProgress(ctx context.Context, user domain.User, userBookID string, progress int) (domain.UserBook, error) {
	if progress < 0 || progress > 100 {
		return domain.UserBook{}, ErrInvalidProgress
	}
	ub, err := a.ownedUserBook(ctx, user, userBookID)
	if err != nil {
		return domain.UserBook{}, err
	}
	updated, err := a.store.UpdateProgress(ctx, ub.ID, progress)
	if err != nil {
		return domain.UserBook{}, persistence("update progress", err)
	}
	return updated, nil
}

// resolveBook finds the catalog book a candidate refers to under the configured dedup key.
func (a *App) resolveBook(ctx context.Context, c domain.CandidateBook) (domain.Book, bool, error) {
	if id := strings.TrimSpace(c.ID); id != "" {
		book, ok, err := a.store.GetBook(ctx, id)
		if err != nil {
			return domain.Book{}, false, persistence("get book", err)
		}
		if ok {
			return book, true, nil
		}
	}

	byISBN := a.dedupKey == DedupISBN || a.dedupKey == DedupTitleAuthorOrISBN
	byTitle := a.dedupKey == DedupTitleAuthor || a.dedupKey == DedupTitleAuthorOrISBN
	// Without an ISBN the isbn key has nothing to match on.
	if a.dedupKey == DedupISBN && c.ISBN == "" {
		byTitle = true
	}

	if byISBN && c.ISBN != "" {
		book, ok, err := a.store.FindBookByISBN(ctx, c.ISBN)
		if err != nil {
			return domain.Book{}, false, persistence("find book by isbn", err)
		}
		if ok {
			return book, true, nil
		}
	}
	if byTitle {
		book, ok, err := a.store.FindBookByTitleAuthor(ctx, c.Title, c.Author)
		if err != nil {
			return domain.Book{}, false, persistence("find book by title", err)
		}
		if ok {
			return book, true, nil
		}
	}
	return domain.Book{}, false, nil
}

func (a *App) ownedUserBook(ctx context.Context, user domain.User, userBookID string) (domain.UserBook, error) {
	userBookID = strings.TrimSpace(userBookID)
	if userBookID == "" {
		return domain.UserBook{}, domain.ErrNotFound
	}
	ub, ok, err := a.store.GetUserBook(ctx, userBookID)
	if err != nil {
		return domain.UserBook{}, persistence("get user book", err)
	}
	if !ok || ub.UserID != user.ID || !ub.Active {
		return domain.UserBook{}, domain.ErrNotFound
	}
	return ub, nil
}

func candidateFromBook(b domain.Book) domain.CandidateBook {
	return domain.CandidateBook{
		ID:           b.ID,
		Source:       domain.SourceCatalog,
		Title:        b.Title,
		Author:       b.Author,
		Year:         b.Year,
		ISBN:         b.ISBN,
		ThumbnailURL: b.ThumbnailURL,
		Description:  b.Description,
		AmazonLink:   b.AmazonLink,
		AudibleLink:  b.AudibleLink,
	}
}

func bookFromCandidate(c domain.CandidateBook) domain.Book {
	book := domain.Book{
		Title:        c.Title,
		Author:       c.Author,
		Year:         c.Year,
		ISBN:         c.ISBN,
		ThumbnailURL: c.ThumbnailURL,
		Description:  c.Description,
		AmazonLink:   c.AmazonLink,
		AudibleLink:  c.AudibleLink,
	}
	if book.ThumbnailURL == "" {
		book.ThumbnailURL = booksearch.PlaceholderThumbnail
	}
	if book.AmazonLink == "" {
		book.AmazonLink = booksearch.AmazonSearchLink(book.Title)
	}
	if book.AudibleLink == "" {
		book.AudibleLink = booksearch.AudibleSearchLink(book.Title)
	}
	return book
}
