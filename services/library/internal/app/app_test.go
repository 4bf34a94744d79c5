package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"

	"github.com/FutureMindsLab/bookflows/pkg/domain"
	"github.com/FutureMindsLab/bookflows/pkg/store"
)

type fakeSearcher struct {
	calls   int
	results []domain.CandidateBook
	err     error
}

func (f *fakeSearcher) Search(context.Context, string, int) ([]domain.CandidateBook, error) {
	f.calls++
	return f.results, f.err
}

func newTestApp(t *testing.T, cfg Config) (*App, *store.GormStore) {
	t.Helper()
	s, err := store.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	cfg.Store = s
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, s
}

func newUser(t *testing.T, a *App, authID string) domain.User {
	t.Helper()
	u, err := a.ResolveUser(context.Background(), authID)
	if err != nil {
		t.Fatalf("resolve user: %v", err)
	}
	return u
}

func TestSearchShortQueriesSkipLookups(t *testing.T) {
	searcher := &fakeSearcher{results: []domain.CandidateBook{{Title: "x"}}}
	a, _ := newTestApp(t, Config{Searcher: searcher})

	for _, q := range []string{"", "ab", "  ab  ", "é!"} {
		got, err := a.Search(context.Background(), q)
		if err != nil {
			t.Fatalf("search %q: %v", q, err)
		}
		if got == nil || len(got) != 0 {
			t.Fatalf("search %q: expected empty list, got %+v", q, got)
		}
	}
	if searcher.calls != 0 {
		t.Fatalf("external search must not be called, got %d calls", searcher.calls)
	}
}

func TestSearchPrefersCatalogThenFallsBack(t *testing.T) {
	searcher := &fakeSearcher{results: []domain.CandidateBook{{Source: domain.SourceExternal, Title: "Neuromancer", Author: "William Gibson"}}}
	a, s := newTestApp(t, Config{Searcher: searcher})
	ctx := context.Background()
	if _, err := s.CreateBook(ctx, domain.Book{Title: "Dune", Author: "Frank Herbert"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := a.Search(ctx, "dun")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].Source != domain.SourceCatalog || got[0].ID == "" {
		t.Fatalf("expected catalog hit, got %+v", got)
	}
	if searcher.calls != 0 {
		t.Fatalf("catalog hit must not fall back")
	}

	got, err = a.Search(ctx, "neuro")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].Source != domain.SourceExternal {
		t.Fatalf("expected external hit, got %+v", got)
	}
	if searcher.calls != 1 {
		t.Fatalf("expected one fallback call, got %d", searcher.calls)
	}
}

func TestSearchExternalFailure(t *testing.T) {
	a, _ := newTestApp(t, Config{Searcher: &fakeSearcher{err: errors.New("boom")}})
	if _, err := a.Search(context.Background(), "anything"); !errors.Is(err, domain.ErrExternalService) {
		t.Fatalf("expected external service error, got %v", err)
	}
}

func TestAddRemoveReactivate(t *testing.T) {
	a, s := newTestApp(t, Config{})
	ctx := context.Background()
	user := newUser(t, a, "auth-1")
	candidate := domain.CandidateBook{Source: domain.SourceExternal, Title: "Dune", Author: "Frank Herbert"}

	first, err := a.AddToLibrary(ctx, user, candidate)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !first.UserBook.Active || first.UserBook.Progress != 0 {
		t.Fatalf("new entry should be active at 0%%: %+v", first.UserBook)
	}
	if first.Book.AmazonLink == "" || first.Book.ThumbnailURL == "" {
		t.Fatalf("new catalog book should get default links: %+v", first.Book)
	}

	if _, err := a.AddToLibrary(ctx, user, candidate); !errors.Is(err, domain.ErrAlreadyAdded) {
		t.Fatalf("expected already added, got %v", err)
	}

	if err := a.RemoveFromLibrary(ctx, user, first.UserBook.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	entries, _ := a.ListLibrary(ctx, user)
	if len(entries) != 0 {
		t.Fatalf("expected empty library, got %d", len(entries))
	}

	again, err := a.AddToLibrary(ctx, user, candidate)
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if again.UserBook.ID != first.UserBook.ID || !again.UserBook.Active {
		t.Fatalf("expected reactivation of %s, got %+v", first.UserBook.ID, again.UserBook)
	}
	if again.Book.ID != first.Book.ID {
		t.Fatalf("book should be reused")
	}
	stored, ok, err := s.GetUserBook(ctx, again.UserBook.ID)
	if err != nil || !ok || !stored.UpdatedAt.Equal(again.UserBook.UpdatedAt) {
		t.Fatalf("reactivated entry %+v should match stored row %+v (ok=%v err=%v)", again.UserBook, stored, ok, err)
	}
	if n, _ := s.CountActiveUserBooks(ctx, user.ID); n != 1 {
		t.Fatalf("expected 1 active entry, got %d", n)
	}
}

func TestFreeTierLimit(t *testing.T) {
	a, s := newTestApp(t, Config{})
	ctx := context.Background()
	user := newUser(t, a, "auth-1")

	var entries []domain.LibraryEntry
	for _, title := range []string{"Dune", "Emma"} {
		e, err := a.AddToLibrary(ctx, user, domain.CandidateBook{Title: title, Author: "Someone"})
		if err != nil {
			t.Fatalf("add %s: %v", title, err)
		}
		entries = append(entries, e)
	}

	third := domain.CandidateBook{Title: "Ulysses", Author: "James Joyce"}
	_, err := a.AddToLibrary(ctx, user, third)
	var quotaErr *domain.QuotaExceededError
	if !errors.As(err, &quotaErr) || quotaErr.Limit != 2 {
		t.Fatalf("expected quota error with limit 2, got %v", err)
	}
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("quota error must match ErrQuotaExceeded")
	}
	if _, ok, _ := s.FindBookByTitleAuthor(ctx, "Ulysses", "James Joyce"); ok {
		t.Fatalf("rejected add must not insert a book")
	}

	if err := a.RemoveFromLibrary(ctx, user, entries[0].UserBook.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := a.AddToLibrary(ctx, user, third); err != nil {
		t.Fatalf("add after removal: %v", err)
	}

	if err := s.SetPremium(ctx, user.ID, true); err != nil {
		t.Fatalf("set premium: %v", err)
	}
	premium := newUser(t, a, "auth-1")
	if _, err := a.AddToLibrary(ctx, premium, domain.CandidateBook{Title: "Middlemarch"}); err != nil {
		t.Fatalf("premium users have no limit: %v", err)
	}
}

func TestDedupKeys(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		second   domain.CandidateBook
		wantSame bool
	}{
		{"title_author matches case-insensitively", DedupTitleAuthor, domain.CandidateBook{Title: "dune", Author: "FRANK HERBERT"}, true},
		{"title_author ignores isbn", DedupTitleAuthor, domain.CandidateBook{Title: "Dune (Deluxe)", Author: "Frank Herbert", ISBN: "9780441013593"}, false},
		{"isbn matches across titles", DedupISBN, domain.CandidateBook{Title: "Dune (Deluxe)", Author: "F. Herbert", ISBN: "9780441013593"}, true},
		{"isbn without isbn uses title", DedupISBN, domain.CandidateBook{Title: "Dune", Author: "Frank Herbert"}, true},
		{"either key by isbn", DedupTitleAuthorOrISBN, domain.CandidateBook{Title: "Other", Author: "X", ISBN: "9780441013593"}, true},
		{"either key by title", DedupTitleAuthorOrISBN, domain.CandidateBook{Title: "Dune", Author: "Frank Herbert", ISBN: "0000000000000"}, true},
		{"either key no match", DedupTitleAuthorOrISBN, domain.CandidateBook{Title: "Emma", Author: "Jane Austen"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := newTestApp(t, Config{DedupKey: tc.key})
			ctx := context.Background()
			owner := newUser(t, a, "auth-owner")
			first, err := a.AddToLibrary(ctx, owner, domain.CandidateBook{Title: "Dune", Author: "Frank Herbert", ISBN: "9780441013593"})
			if err != nil {
				t.Fatalf("first add: %v", err)
			}
			other := newUser(t, a, "auth-other")
			second, err := a.AddToLibrary(ctx, other, tc.second)
			if err != nil {
				t.Fatalf("second add: %v", err)
			}
			if (second.Book.ID == first.Book.ID) != tc.wantSame {
				t.Fatalf("same book = %v, want %v", second.Book.ID == first.Book.ID, tc.wantSame)
			}
		})
	}
}

func TestAddCatalogCandidateByID(t *testing.T) {
	a, s := newTestApp(t, Config{DedupKey: DedupISBN})
	ctx := context.Background()
	book, err := s.CreateBook(ctx, domain.Book{Title: "Dune", Author: "Frank Herbert"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	user := newUser(t, a, "auth-1")
	entry, err := a.AddToLibrary(ctx, user, domain.CandidateBook{ID: book.ID, Source: domain.SourceCatalog, Title: "Dune"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if entry.Book.ID != book.ID {
		t.Fatalf("expected catalog book reuse")
	}
}

func TestAddRejectsInvalidCandidate(t *testing.T) {
	a, _ := newTestApp(t, Config{})
	user := newUser(t, a, "auth-1")
	if _, err := a.AddToLibrary(context.Background(), user, domain.CandidateBook{Title: "   "}); !errors.Is(err, ErrInvalidCandidate) {
		t.Fatalf("expected invalid candidate, got %v", err)
	}
}

func TestOwnershipIsEnforced(t *testing.T) {
	a, _ := newTestApp(t, Config{})
	ctx := context.Background()
	alice := newUser(t, a, "alice")
	bob := newUser(t, a, "bob")
	entry, err := a.AddToLibrary(ctx, alice, domain.CandidateBook{Title: "Dune"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := a.RemoveFromLibrary(ctx, bob, entry.UserBook.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
	if _, err := a.UpdateProgress(ctx, bob, entry.UserBook.ID, 10); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
	if _, err := a.AddAnnotation(ctx, bob, entry.UserBook.ID, "mine now"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
	note, err := a.AddAnnotation(ctx, alice, entry.UserBook.ID, "spice")
	if err != nil {
		t.Fatalf("annotate: %v", err)
	}
	if err := a.DeleteAnnotation(ctx, bob, note.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
}

func TestUpdateProgressValidation(t *testing.T) {
	a, s := newTestApp(t, Config{})
	ctx := context.Background()
	user := newUser(t, a, "auth-1")
	entry, _ := a.AddToLibrary(ctx, user, domain.CandidateBook{Title: "Dune"})

	for _, bad := range []int{-1, 101} {
		if _, err := a.UpdateProgress(ctx, user, entry.UserBook.ID, bad); !errors.Is(err, ErrInvalidProgress) {
			t.Fatalf("progress %d: expected invalid, got %v", bad, err)
		}
	}
	ub, err := a.UpdateProgress(ctx, user, entry.UserBook.ID, 100)
	if err != nil || ub.Progress != 100 {
		t.Fatalf("update: %+v err=%v", ub, err)
	}
	stored, ok, err := s.GetUserBook(ctx, ub.ID)
	if err != nil || !ok || !stored.UpdatedAt.Equal(ub.UpdatedAt) {
		t.Fatalf("returned updatedAt %v, stored %v (ok=%v err=%v)", ub.UpdatedAt, stored.UpdatedAt, ok, err)
	}
	entries, _ := a.ListLibrary(ctx, user)
	if entries[0].UserBook.Progress != 100 {
		t.Fatalf("progress not persisted")
	}
}

func TestAnnotationsAndOverview(t *testing.T) {
	a, _ := newTestApp(t, Config{})
	ctx := context.Background()
	user := newUser(t, a, "auth-1")
	entry, _ := a.AddToLibrary(ctx, user, domain.CandidateBook{Title: "Dune", Author: "Frank Herbert"})

	if _, err := a.AddAnnotation(ctx, user, entry.UserBook.ID, "  "); !errors.Is(err, ErrEmptyAnnotation) {
		t.Fatalf("expected empty annotation error, got %v", err)
	}
	for _, content := range []string{"one", "two", "three", "four", "five", "six"} {
		note, err := a.AddAnnotation(ctx, user, entry.UserBook.ID, content)
		if err != nil {
			t.Fatalf("annotate: %v", err)
		}
		if note.BookTitle != "Dune" {
			t.Fatalf("expected book title on note, got %q", note.BookTitle)
		}
	}

	notes, err := a.ListAnnotations(ctx, user, entry.UserBook.ID, 0)
	if err != nil || len(notes) != 6 {
		t.Fatalf("list: %d err=%v", len(notes), err)
	}

	overview, err := a.Overview(ctx, user)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if len(overview.Library) != 1 || len(overview.RecentAnnotations) != 5 {
		t.Fatalf("unexpected overview: %d books, %d notes", len(overview.Library), len(overview.RecentAnnotations))
	}

	if err := a.DeleteAnnotation(ctx, user, notes[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	notes, _ = a.ListAnnotations(ctx, user, entry.UserBook.ID, 0)
	if len(notes) != 5 {
		t.Fatalf("expected 5 notes after delete, got %d", len(notes))
	}
}

func TestNewRejectsUnknownDedupKey(t *testing.T) {
	if _, err := New(Config{Store: &store.GormStore{}, DedupKey: "fuzzy"}); !errors.Is(err, ErrUnknownDedupPolicy) {
		t.Fatalf("expected unknown dedup key error, got %v", err)
	}
}
