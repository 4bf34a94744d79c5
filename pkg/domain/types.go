package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ThreadState string

const (
	ThreadEmpty   ThreadState = "empty"
	ThreadPending ThreadState = "pending"
	ThreadActive  ThreadState = "active"
)

type CandidateSource string

const (
	SourceCatalog  CandidateSource = "catalog"
	SourceExternal CandidateSource = "external"
)

type User struct {
	ID        string    `json:"id"`
	AuthID    string    `json:"authId"`
	IsPremium bool      `json:"isPremium"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Book struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Author       string    `json:"author"`
	Year         *int      `json:"year,omitempty"`
	ISBN         string    `json:"isbn,omitempty"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	Description  string    `json:"description,omitempty"`
	AmazonLink   string    `json:"amazonLink,omitempty"`
	AudibleLink  string    `json:"audibleLink,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UserBook records that a user tracks a book. Active=false is a soft delete.
type UserBook struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	BookID    string    `json:"bookId"`
	Progress  int       `json:"progress"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LibraryEntry pairs a user's tracked copy with its catalog record.
type LibraryEntry struct {
	UserBook UserBook `json:"userBook"`
	Book     Book     `json:"book"`
}

// Annotation is a reader note attached to a UserBook.
type Annotation struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	UserBookID string    `json:"userBookId"`
	BookTitle  string    `json:"bookTitle,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CandidateBook is a search suggestion, either from the local catalog or an external source.
type CandidateBook struct {
	ID           string          `json:"id,omitempty"`
	Source       CandidateSource `json:"source"`
	Title        string          `json:"title" validate:"required,max=512"`
	Author       string          `json:"author" validate:"max=512"`
	Year         *int            `json:"year,omitempty"`
	ISBN         string          `json:"isbn,omitempty" validate:"max=32"`
	ThumbnailURL string          `json:"thumbnailUrl,omitempty"`
	Description  string          `json:"description,omitempty"`
	AmazonLink   string          `json:"amazonLink,omitempty"`
	AudibleLink  string          `json:"audibleLink,omitempty"`
}

type ChatMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Failed    bool      `json:"failed,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a session-scoped chat thread about one book. It is never persisted.
type Conversation struct {
	ID        string        `json:"id"`
	BookID    string        `json:"bookId"`
	Title     string        `json:"title"`
	State     ThreadState   `json:"state"`
	Messages  []ChatMessage `json:"messages"`
	CreatedAt time.Time     `json:"createdAt"`
}

type DailyUsage struct {
	Date         string `json:"date"`
	Count        int    `json:"count"`
	Limit        int    `json:"limit"`
	Remaining    int    `json:"remaining"`
	LimitReached bool   `json:"limitReached"`
}

type Overview struct {
	Library           []LibraryEntry `json:"library"`
	RecentAnnotations []Annotation   `json:"recentAnnotations"`
}
