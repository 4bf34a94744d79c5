package app

import (
	"context"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/FutureMindsLab/bookflows/pkg/domain"
)

// ListAnnotations returns notes for one of the user's entries, newest first.
func (a *App) ListAnnotations(ctx context.Context, user domain.User, userBookID string, limit int) ([]domain.Annotation, error) {
	ub, err := a.ownedUserBook(ctx, user, userBookID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultAnnotationLimit
	}
	if limit > maxAnnotationLimit {
		limit = maxAnnotationLimit
	}
	notes, err := a.store.ListAnnotations(ctx, ub.ID, limit)
	if err != nil {
		return nil, persistence("list annotations", err)
	}
	return notes, nil
}

// AddAnnotation attaches a note to one of the user's entries.
func (a *App) AddAnnotation(ctx context.Context, user domain.User, userBookID, content string) (domain.Annotation, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Annotation{}, ErrEmptyAnnotation
	}
	if utf8.RuneCountInString(content) > maxAnnotationRunes {
		return domain.Annotation{}, ErrAnnotationTooLong
	}
	ub, err := a.ownedUserBook(ctx, user, userBookID)
	if err != nil {
		return domain.Annotation{}, err
	}
	note, err := a.store.CreateAnnotation(ctx, domain.Annotation{
		UserID:     user.ID,
		UserBookID: ub.ID,
		Content:    content,
	})
	if err != nil {
		return domain.Annotation{}, persistence("create annotation", err)
	}
	if book, ok, err := a.store.GetBook(ctx, ub.BookID); err == nil && ok {
		note.BookTitle = book.Title
	}
	return note, nil
}

// DeleteAnnotation removes one of the user's notes.
func (a *App) DeleteAnnotation(ctx context.Context, user domain.User, annotationID string) error {
	annotationID = strings.TrimSpace(annotationID)
	if annotationID == "" {
		return domain.ErrNotFound
	}
	note, ok, err := a.store.GetAnnotation(ctx, annotationID)
	if err != nil {
		return persistence("get annotation", err)
	}
	if !ok || note.UserID != user.ID {
		return domain.ErrNotFound
	}
	if err := a.store.DeleteAnnotation(ctx, note.ID); err != nil {
		return persistence("delete annotation", err)
	}
	return nil
}

// Overview loads the dashboard: the active library and the latest notes.
func (a *App) Overview(ctx context.Context, user domain.User) (domain.Overview, error) {
	var out domain.Overview
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		entries, err := a.store.ListActiveUserBooks(gctx, user.ID)
		if err != nil {
			return persistence("list library", err)
		}
		out.Library = entries
		return nil
	})
	g.Go(func() error {
		notes, err := a.store.ListRecentAnnotations(gctx, user.ID, recentAnnotationCount)
		if err != nil {
			return persistence("list recent annotations", err)
		}
		out.RecentAnnotations = notes
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.Overview{}, err
	}
	return out, nil
}
