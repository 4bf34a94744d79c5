package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/FutureMindsLab/bookflows/internal/util"
	"github.com/FutureMindsLab/bookflows/pkg/domain"
)

const fallbackReply = "Sorry, I couldn't get a response right now. Please try again."

type thread struct {
	conv domain.Conversation
	book domain.Book
}

// Session holds one user's chat threads for the lifetime of a client session.
// Threads live only in memory.
type Session struct {
	ID   string
	user domain.User
	app  *App

	mu       sync.Mutex
	threads  []*thread
	current  *thread
	lastSeen time.Time
}

func (s *Session) User() domain.User {
	return s.user
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = s.app.now()
	s.mu.Unlock()
}

func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.threads {
		if t.conv.State == domain.ThreadPending {
			return false
		}
	}
	return s.lastSeen.Before(cutoff)
}

// StartConversation opens an empty thread about a book in the user's active library
// and makes it current.
func (s *Session) StartConversation(ctx context.Context, bookID string) (domain.Conversation, error) {
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return domain.Conversation{}, domain.ErrInvalidBook
	}
	ub, ok, err := s.app.store.FindUserBook(ctx, s.user.ID, bookID)
	if err != nil {
		return domain.Conversation{}, persistence("find user book", err)
	}
	if !ok || !ub.Active {
		return domain.Conversation{}, domain.ErrInvalidBook
	}
	book, ok, err := s.app.store.GetBook(ctx, bookID)
	if err != nil {
		return domain.Conversation{}, persistence("get book", err)
	}
	if !ok {
		return domain.Conversation{}, domain.ErrInvalidBook
	}
	t := &thread{
		conv: domain.Conversation{
			ID:        util.NewID(),
			BookID:    book.ID,
			Title:     "Conversation about " + book.Title,
			State:     domain.ThreadEmpty,
			Messages:  []domain.ChatMessage{},
			CreatedAt: s.app.now().UTC(),
		},
		book: book,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = append(s.threads, t)
	s.current = t
	s.lastSeen = s.app.now()
	return copyConversation(t.conv), nil
}

// SelectConversation makes an existing thread current.
func (s *Session) SelectConversation(id string) (domain.Conversation, error) {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.threads {
		if t.conv.ID == id {
			s.current = t
			return copyConversation(t.conv), nil
		}
	}
	return domain.Conversation{}, domain.ErrNotFound
}

// Conversations lists the session's threads, newest first.
func (s *Session) Conversations() []domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Conversation, 0, len(s.threads))
	for i := len(s.threads) - 1; i >= 0; i-- {
		out = append(out, copyConversation(s.threads[i].conv))
	}
	return out
}

// Current returns the current thread, if any.
func (s *Session) Current() (domain.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return domain.Conversation{}, false
	}
	return copyConversation(s.current.conv), true
}

// SendMessage appends the user's text to the current thread and waits for the reply.
// The daily quota is checked before the completer is called and only charged for a
// successful reply. A failed completion leaves a fallback reply flagged as failed.
func (s *Session) SendMessage(ctx context.Context, text string) (domain.Conversation, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Conversation{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		return domain.Conversation{}, fmt.Errorf("%w: max %d characters", ErrMessageTooLong, maxMessageRunes)
	}

	s.mu.Lock()
	t := s.current
	if t == nil {
		s.mu.Unlock()
		return domain.Conversation{}, ErrNoConversation
	}
	if t.conv.State == domain.ThreadPending {
		s.mu.Unlock()
		return domain.Conversation{}, domain.ErrBusy
	}
	prevState := t.conv.State
	t.conv.State = domain.ThreadPending
	s.lastSeen = s.app.now()
	s.mu.Unlock()

	quota := s.app.quota
	day := quota.Today()
	count, err := quota.GetCount(ctx, s.user.ID, day)
	if err == nil && quota.IsLimitReached(count) {
		err = fmt.Errorf("%w: %d messages per day", domain.ErrDailyLimitReached, quota.Limit())
	}
	if err != nil {
		s.mu.Lock()
		t.conv.State = prevState
		s.mu.Unlock()
		return domain.Conversation{}, err
	}

	s.mu.Lock()
	t.conv.Messages = append(t.conv.Messages, domain.ChatMessage{
		Role:      domain.RoleUser,
		Content:   text,
		CreatedAt: s.app.now().UTC(),
	})
	history := completionHistory(t.conv.Messages)
	book := t.book
	s.mu.Unlock()

	logger := util.LoggerFromContext(ctx).With("conversation_id", t.conv.ID, "book_id", book.ID)
	callCtx, cancel := context.WithTimeout(ctx, s.app.completionTimeout)
	reply, err := s.app.completer.Complete(callCtx, BuildSystemPrompt(book, s.app.restrictToBook), history)
	cancel()
	reply = strings.TrimSpace(reply)
	if err == nil && reply == "" {
		err = fmt.Errorf("%w: empty reply", domain.ErrExternalService)
	}

	assistant := domain.ChatMessage{Role: domain.RoleAssistant, CreatedAt: s.app.now().UTC()}
	if err != nil {
		logger.Warn("chat completion failed", "err", err)
		assistant.Content = fallbackReply
		assistant.Failed = true
	} else {
		assistant.Content = reply
	}

	s.mu.Lock()
	t.conv.Messages = append(t.conv.Messages, assistant)
	t.conv.State = domain.ThreadActive
	s.lastSeen = s.app.now()
	out := copyConversation(t.conv)
	s.mu.Unlock()

	if !assistant.Failed {
		if _, err := quota.Increment(context.WithoutCancel(ctx), s.user.ID, day); err != nil {
			logger.Error("quota increment failed", "err", err)
		}
	}
	return out, nil
}

// completionHistory drops failed exchanges, the fallback reply and the user turn it
// answered, so the model never sees a reply it did not write.
func completionHistory(msgs []domain.ChatMessage) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant && m.Failed {
			if n := len(out); n > 0 && out[n-1].Role == domain.RoleUser {
				out = out[:n-1]
			}
			continue
		}
		out = append(out, m)
	}
	return out
}

func copyConversation(c domain.Conversation) domain.Conversation {
	msgs := make([]domain.ChatMessage, len(c.Messages))
	copy(msgs, c.Messages)
	c.Messages = msgs
	return c
}
