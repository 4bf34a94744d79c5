package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID        string `gorm:"primaryKey"`
	AuthID    string `gorm:"uniqueIndex;not null"`
	IsPremium bool   `gorm:"not null;default:false"`
	Name      string
	Email     string
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type BookModel struct {
	ID           string `gorm:"primaryKey"`
	Title        string `gorm:"not null;index:idx_book_title_author,priority:1"`
	Author       string `gorm:"not null;index:idx_book_title_author,priority:2"`
	Year         *int
	ISBN         string `gorm:"index"`
	ThumbnailURL string
	Description  string `gorm:"type:text"`
	AmazonLink   string
	AudibleLink  string
	CreatedAt    time.Time `gorm:"not null"`
}

type UserBookModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;uniqueIndex:idx_user_book,priority:1"`
	BookID    string    `gorm:"not null;uniqueIndex:idx_user_book,priority:2"`
	Progress  int       `gorm:"not null;default:0"`
	Active    bool      `gorm:"not null;default:true;index"`
	CreatedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"not null"`

	Book BookModel `gorm:"foreignKey:BookID;constraint:OnDelete:RESTRICT"`
}

type AnnotationModel struct {
	ID         string    `gorm:"primaryKey"`
	UserID     string    `gorm:"not null;index"`
	UserBookID string    `gorm:"not null;index"`
	Content    string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null;index"`

	UserBook UserBookModel `gorm:"foreignKey:UserBookID;constraint:OnDelete:CASCADE"`
}

type DailyMessageCountModel struct {
	UserID    string         `gorm:"primaryKey"`
	Date      datatypes.Date `gorm:"primaryKey"`
	Count     int            `gorm:"not null;default:0"`
	UpdatedAt time.Time
}
