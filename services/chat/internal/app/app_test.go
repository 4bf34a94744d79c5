package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/driver/sqlite"

	"github.com/FutureMindsLab/bookflows/internal/util"
	"github.com/FutureMindsLab/bookflows/pkg/domain"
	"github.com/FutureMindsLab/bookflows/pkg/store"
)

type completerFunc func(ctx context.Context, systemPrompt string, messages []domain.ChatMessage) (string, error)

func (f completerFunc) Complete(ctx context.Context, systemPrompt string, messages []domain.ChatMessage) (string, error) {
	return f(ctx, systemPrompt, messages)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyStore fails the daily count calls on demand.
type flakyStore struct {
	store.Store
	getErr error
	incErr error
}

func (f *flakyStore) GetDailyCount(ctx context.Context, userID string, day time.Time) (int, bool, error) {
	if f.getErr != nil {
		return 0, false, f.getErr
	}
	return f.Store.GetDailyCount(ctx, userID, day)
}

func (f *flakyStore) IncrementDailyCount(ctx context.Context, userID string, day time.Time) (int, error) {
	if f.incErr != nil {
		return 0, f.incErr
	}
	return f.Store.IncrementDailyCount(ctx, userID, day)
}

func openTestStore(t *testing.T) *store.GormStore {
	t.Helper()
	s, err := store.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestApp(t *testing.T, s store.Store, cfg Config) *App {
	t.Helper()
	cfg.Store = s
	if cfg.Completer == nil {
		cfg.Completer = completerFunc(func(context.Context, string, []domain.ChatMessage) (string, error) {
			return "ok", nil
		})
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

// seedLibraryBook creates a user with one active book and returns both.
func seedLibraryBook(t *testing.T, a *App, s store.Store, authID, title string) (domain.User, domain.Book) {
	t.Helper()
	ctx := context.Background()
	user, err := a.ResolveUser(ctx, authID)
	if err != nil {
		t.Fatalf("resolve user: %v", err)
	}
	book, err := s.CreateBook(ctx, domain.Book{Title: title, Author: "Frank Herbert"})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	if _, err := s.CreateUserBook(ctx, domain.UserBook{UserID: user.ID, BookID: book.ID, Active: true}); err != nil {
		t.Fatalf("create user book: %v", err)
	}
	return user, book
}

func startThread(t *testing.T, a *App, user domain.User, bookID string) *Session {
	t.Helper()
	sess := a.StartSession(user)
	if _, err := sess.StartConversation(context.Background(), bookID); err != nil {
		t.Fatalf("start conversation: %v", err)
	}
	return sess
}

func TestNewRequiresCompleter(t *testing.T) {
	s := openTestStore(t)
	if _, err := New(Config{Store: s}); err == nil {
		t.Fatalf("expected error without completer")
	}
}

func TestStartConversationRequiresActiveLibraryBook(t *testing.T) {
	s := openTestStore(t)
	a := newTestApp(t, s, Config{})
	ctx := context.Background()
	user, book := seedLibraryBook(t, a, s, "auth-1", "Dune")
	other, _ := seedLibraryBook(t, a, s, "auth-2", "Emma")
	sess := a.StartSession(user)

	conv, err := sess.StartConversation(ctx, book.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if conv.Title != "Conversation about Dune" || conv.State != domain.ThreadEmpty || len(conv.Messages) != 0 {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	cur, ok := sess.Current()
	if !ok || cur.ID != conv.ID {
		t.Fatalf("new thread should be current, got %+v ok=%v", cur, ok)
	}

	if _, err := sess.StartConversation(ctx, "missing"); !errors.Is(err, domain.ErrInvalidBook) {
		t.Fatalf("expected ErrInvalidBook for unknown book, got %v", err)
	}
	otherSess := a.StartSession(other)
	if _, err := otherSess.StartConversation(ctx, book.ID); !errors.Is(err, domain.ErrInvalidBook) {
		t.Fatalf("expected ErrInvalidBook for a book outside the library, got %v", err)
	}

	ub, _, err := s.FindUserBook(ctx, user.ID, book.ID)
	if err != nil {
		t.Fatalf("find user book: %v", err)
	}
	if _, err := s.SetUserBookActive(ctx, ub.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := sess.StartConversation(ctx, book.ID); !errors.Is(err, domain.ErrInvalidBook) {
		t.Fatalf("expected ErrInvalidBook for removed book, got %v", err)
	}
}

func TestSelectConversationAndListing(t *testing.T) {
	s := openTestStore(t)
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	a := newTestApp(t, s, Config{Now: clock.Now})
	ctx := context.Background()
	user, dune := seedLibraryBook(t, a, s, "auth-1", "Dune")
	emma, err := s.CreateBook(ctx, domain.Book{Title: "Emma", Author: "Jane Austen"})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	if _, err := s.CreateUserBook(ctx, domain.UserBook{UserID: user.ID, BookID: emma.ID, Active: true}); err != nil {
		t.Fatalf("create user book: %v", err)
	}

	sess := a.StartSession(user)
	first, err := sess.StartConversation(ctx, dune.ID)
	if err != nil {
		t.Fatalf("start first: %v", err)
	}
	clock.Advance(time.Minute)
	second, err := sess.StartConversation(ctx, emma.ID)
	if err != nil {
		t.Fatalf("start second: %v", err)
	}

	list := sess.Conversations()
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("expected newest first, got %+v", list)
	}

	if _, err := sess.SelectConversation(first.ID); err != nil {
		t.Fatalf("select: %v", err)
	}
	cur, _ := sess.Current()
	if cur.ID != first.ID {
		t.Fatalf("expected first thread current, got %s", cur.ID)
	}
	if _, err := sess.SelectConversation("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	cur, _ = sess.Current()
	if cur.ID != first.ID {
		t.Fatalf("failed select must not change current thread")
	}
}

func TestSendMessageAlternatesRolesIncludingFallback(t *testing.T) {
	s := openTestStore(t)
	var calls int
	var lastPrompt string
	var lastHistory []domain.ChatMessage
	completer := completerFunc(func(_ context.Context, prompt string, msgs []domain.ChatMessage) (string, error) {
		calls++
		lastPrompt = prompt
		lastHistory = msgs
		if calls == 2 {
			return "", errors.New("upstream down")
		}
		return "reply", nil
	})
	a := newTestApp(t, s, Config{Completer: completer, RestrictToBook: true})
	ctx := context.Background()
	user, book := seedLibraryBook(t, a, s, "auth-1", "Dune")
	sess := startThread(t, a, user, book.ID)

	var conv domain.Conversation
	var err error
	for _, text := range []string{"  Who is Paul?  ", "And Jessica?", "Thanks"} {
		conv, err = sess.SendMessage(ctx, text)
		if err != nil {
			t.Fatalf("send %q: %v", text, err)
		}
		if conv.State != domain.ThreadActive {
			t.Fatalf("thread should end active, got %s", conv.State)
		}
	}

	if len(conv.Messages) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(conv.Messages))
	}
	for i, msg := range conv.Messages {
		want := domain.RoleUser
		if i%2 == 1 {
			want = domain.RoleAssistant
		}
		if msg.Role != want {
			t.Fatalf("message %d: expected role %s, got %s", i, want, msg.Role)
		}
	}
	if conv.Messages[0].Content != "Who is Paul?" {
		t.Fatalf("user text should be trimmed, got %q", conv.Messages[0].Content)
	}
	if !conv.Messages[3].Failed || conv.Messages[3].Content != fallbackReply {
		t.Fatalf("expected fallback reply, got %+v", conv.Messages[3])
	}
	if conv.Messages[1].Failed || conv.Messages[5].Failed {
		t.Fatalf("successful replies must not be flagged")
	}
	if len(lastHistory) != 3 || lastHistory[1].Content != "reply" || lastHistory[2].Content != "Thanks" {
		t.Fatalf("completer should get the ordered history without the failed exchange, got %+v", lastHistory)
	}
	for _, msg := range lastHistory {
		if msg.Failed || msg.Content == "And Jessica?" {
			t.Fatalf("failed exchange leaked into the completion history: %+v", lastHistory)
		}
	}
	if !strings.Contains(lastPrompt, `"Dune"`) || !strings.Contains(lastPrompt, restrictToBookInstruction) {
		t.Fatalf("unexpected system prompt: %q", lastPrompt)
	}

	usage, err := a.Usage(ctx, user)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.Count != 2 {
		t.Fatalf("only successful replies count, got %d", usage.Count)
	}
}

func TestSendMessagePreconditions(t *testing.T) {
	s := openTestStore(t)
	var calls int
	completer := completerFunc(func(context.Context, string, []domain.ChatMessage) (string, error) {
		calls++
		return "reply", nil
	})
	a := newTestApp(t, s, Config{Completer: completer})
	ctx := context.Background()
	user, book := seedLibraryBook(t, a, s, "auth-1", "Dune")

	empty := a.StartSession(user)
	if _, err := empty.SendMessage(ctx, "hello"); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation, got %v", err)
	}

	sess := startThread(t, a, user, book.ID)
	tests := []struct {
		name string
		text string
		want error
	}{
		{"empty", "", ErrEmptyMessage},
		{"whitespace", " \n\t ", ErrEmptyMessage},
		{"too long", strings.Repeat("é", maxMessageRunes+1), ErrMessageTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := sess.SendMessage(ctx, tt.text); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if calls != 0 {
		t.Fatalf("completer must not be called, got %d", calls)
	}
	cur, _ := sess.Current()
	if len(cur.Messages) != 0 || cur.State != domain.ThreadEmpty {
		t.Fatalf("rejected sends must leave the thread untouched, got %+v", cur)
	}
}

func TestSendMessageBusyWhilePending(t *testing.T) {
	s := openTestStore(t)
	started := make(chan struct{})
	release := make(chan struct{})
	completer := completerFunc(func(context.Context, string, []domain.ChatMessage) (string, error) {
		close(started)
		<-release
		return "reply", nil
	})
	a := newTestApp(t, s, Config{Completer: completer})
	ctx := context.Background()
	user, book := seedLibraryBook(t, a, s, "auth-1", "Dune")
	sess := startThread(t, a, user, book.ID)

	done := make(chan error, 1)
	go func() {
		_, err := sess.SendMessage(ctx, "first")
		done <- err
	}()
	<-started

	cur, _ := sess.Current()
	if cur.State != domain.ThreadPending || len(cur.Messages) != 1 {
		t.Fatalf("expected pending thread with the user message, got %+v", cur)
	}
	if _, err := sess.SendMessage(ctx, "second"); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if n := a.SweepIdle(); n != 0 {
		t.Fatalf("pending sessions must not be swept")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
	cur, _ = sess.Current()
	if cur.State != domain.ThreadActive || len(cur.Messages) != 2 {
		t.Fatalf("expected active thread with two messages, got %+v", cur)
	}
}

func TestSendMessageDailyLimit(t *testing.T) {
	s := openTestStore(t)
	var calls atomic.Int32
	completer := completerFunc(func(context.Context, string, []domain.ChatMessage) (string, error) {
		calls.Add(1)
		return "reply", nil
	})
	a := newTestApp(t, s, Config{Completer: completer})
	ctx := context.Background()
	user, book := seedLibraryBook(t, a, s, "auth-1", "Dune")
	sess := startThread(t, a, user, book.ID)

	for i := 0; i < 100; i++ {
		if _, err := sess.SendMessage(ctx, "question"); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
	}
	_, err := sess.SendMessage(ctx, "one more")
	if !errors.Is(err, domain.ErrDailyLimitReached) {
		t.Fatalf("expected ErrDailyLimitReached, got %v", err)
	}
	if got := calls.Load(); got != 100 {
		t.Fatalf("completer should run 100 times, got %d", got)
	}
	cur, _ := sess.Current()
	if len(cur.Messages) != 200 || cur.State != domain.ThreadActive {
		t.Fatalf("rejected send must not touch the thread, got %d messages state %s", len(cur.Messages), cur.State)
	}
	usage, err := a.Usage(ctx, user)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.Count != 100 || usage.Remaining != 0 || !usage.LimitReached {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestSendMessageLimitResetsNextDay(t *testing.T) {
	s := openTestStore(t)
	clock := &fakeClock{now: time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)}
	a := newTestApp(t, s, Config{Now: clock.Now, DailyMessageLimit: 1})
	ctx := context.Background()
	user, book := seedLibraryBook(t, a, s, "auth-1", "Dune")
	sess := startThread(t, a, user, book.ID)

	if _, err := sess.SendMessage(ctx, "one"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := sess.SendMessage(ctx, "two"); !errors.Is(err, domain.ErrDailyLimitReached) {
		t.Fatalf("expected ErrDailyLimitReached, got %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := sess.SendMessage(ctx, "three"); err != nil {
		t.Fatalf("send after midnight: %v", err)
	}
}

func TestSendMessageTimeoutFallsBack(t *testing.T) {
	s := openTestStore(t)
	completer := completerFunc(func(ctx context.Context, _ string, _ []domain.ChatMessage) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	a := newTestApp(t, s, Config{Completer: completer, CompletionTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	user, book := seedLibraryBook(t, a, s, "auth-1", "Dune")
	sess := startThread(t, a, user, book.ID)

	conv, err := sess.SendMessage(ctx, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(conv.Messages) != 2 || !conv.Messages[1].Failed || conv.State != domain.ThreadActive {
		t.Fatalf("expected fallback after timeout, got %+v", conv)
	}
	usage, err := a.Usage(ctx, user)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.Count != 0 {
		t.Fatalf("failed reply must not be charged, got %d", usage.Count)
	}
}

func TestSendMessageIncrementFailureIsLogged(t *testing.T) {
	base := openTestStore(t)
	flaky := &flakyStore{Store: base, incErr: errors.New("db down")}
	a := newTestApp(t, flaky, Config{})
	user, book := seedLibraryBook(t, a, base, "auth-1", "Dune")
	sess := startThread(t, a, user, book.ID)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := util.ContextWithLogger(context.Background(), logger)

	conv, err := sess.SendMessage(ctx, "hello")
	if err != nil {
		t.Fatalf("increment failure must not surface, got %v", err)
	}
	if len(conv.Messages) != 2 || conv.Messages[1].Failed || conv.Messages[1].Content != "ok" {
		t.Fatalf("reply should still be shown, got %+v", conv.Messages)
	}
	if !strings.Contains(buf.String(), "quota increment failed") || !strings.Contains(buf.String(), "level=ERROR") {
		t.Fatalf("expected error log, got %q", buf.String())
	}
}

func TestSendMessageQuotaReadFailure(t *testing.T) {
	base := openTestStore(t)
	flaky := &flakyStore{Store: base, getErr: errors.New("db down")}
	var calls int
	completer := completerFunc(func(context.Context, string, []domain.ChatMessage) (string, error) {
		calls++
		return "reply", nil
	})
	a := newTestApp(t, flaky, Config{Completer: completer})
	user, book := seedLibraryBook(t, a, base, "auth-1", "Dune")
	sess := startThread(t, a, user, book.ID)

	if _, err := sess.SendMessage(context.Background(), "hello"); !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("completer must not be called")
	}
	cur, _ := sess.Current()
	if cur.State != domain.ThreadEmpty || len(cur.Messages) != 0 {
		t.Fatalf("thread should be restored, got %+v", cur)
	}

	flaky.getErr = nil
	if _, err := sess.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("send after recovery: %v", err)
	}
}

func TestSessionRegistry(t *testing.T) {
	s := openTestStore(t)
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	a := newTestApp(t, s, Config{Now: clock.Now, SessionIdleTTL: time.Hour})
	ctx := context.Background()
	alice, err := a.ResolveUser(ctx, "alice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	bob, err := a.ResolveUser(ctx, "bob")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	sess := a.StartSession(alice)
	if got, err := a.Session(alice, sess.ID); err != nil || got != sess {
		t.Fatalf("lookup own session: %v", err)
	}
	if _, err := a.Session(bob, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for another user, got %v", err)
	}
	if err := a.EndSession(bob, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("another user must not end the session, got %v", err)
	}
	if err := a.EndSession(alice, sess.ID); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if _, err := a.Session(alice, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("ended session should be gone, got %v", err)
	}

	idle := a.StartSession(alice)
	busy := a.StartSession(bob)
	clock.Advance(50 * time.Minute)
	if _, err := a.Session(bob, busy.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	clock.Advance(20 * time.Minute)
	if n := a.SweepIdle(); n != 1 {
		t.Fatalf("expected one expired session, got %d", n)
	}
	if _, err := a.Session(alice, idle.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("idle session should be swept, got %v", err)
	}
	if a.SessionCount() != 1 {
		t.Fatalf("expected one live session, got %d", a.SessionCount())
	}
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	s := openTestStore(t)
	a := newTestApp(t, s, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop")
	}
}

func TestCompletionHistoryDropsFailedExchanges(t *testing.T) {
	msgs := []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "q1"},
		{Role: domain.RoleAssistant, Content: fallbackReply, Failed: true},
		{Role: domain.RoleUser, Content: "q2"},
		{Role: domain.RoleAssistant, Content: "a2"},
		{Role: domain.RoleUser, Content: "q3"},
	}
	got := completionHistory(msgs)
	want := []string{"q2", "a2", "q3"}
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %+v", len(want), got)
	}
	for i, content := range want {
		if got[i].Content != content {
			t.Fatalf("message %d = %q, want %q", i, got[i].Content, content)
		}
	}
	if len(msgs) != 5 {
		t.Fatalf("input must not be modified")
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	book := domain.Book{Title: "Dune", Author: "Frank Herbert"}
	open := BuildSystemPrompt(book, false)
	if !strings.HasPrefix(open, `You are an AI assistant specialized in discussing the book "Dune" by Frank Herbert.`) {
		t.Fatalf("unexpected prompt: %q", open)
	}
	if strings.Contains(open, restrictToBookInstruction) {
		t.Fatalf("unrestricted prompt must not scope content")
	}
	if !strings.HasSuffix(BuildSystemPrompt(book, true), restrictToBookInstruction) {
		t.Fatalf("restricted prompt should end with the scoping instruction")
	}
	quoted := BuildSystemPrompt(domain.Book{Title: `Dune "Messiah"`, Author: "Frank Herbert"}, false)
	if !strings.Contains(quoted, `the book "Dune "Messiah"" by Frank Herbert.`) || strings.Contains(quoted, `\"`) {
		t.Fatalf("title must be inserted verbatim, got %q", quoted)
	}
	if !strings.Contains(BuildSystemPrompt(domain.Book{Title: "X"}, false), "by an unknown author") {
		t.Fatalf("missing author should read naturally")
	}
}
