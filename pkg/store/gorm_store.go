package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/FutureMindsLab/bookflows/internal/util"
	"github.com/FutureMindsLab/bookflows/pkg/domain"
)

const migrateLockID int64 = 51842307

// GormStore implements Store using GORM. Postgres in production, SQLite in tests.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a Postgres database and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	return Open(postgres.Open(dsn))
}

// Open wraps any GORM dialector and runs auto-migrations.
func Open(dialector gorm.Dialector) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&UserModel{},
			&BookModel{},
			&UserBookModel{},
			&AnnotationModel{},
			&DailyMessageCountModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withMigrationLock serializes migrations across replicas. Only Postgres has advisory locks.
func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	if db.Dialector.Name() != "postgres" {
		return fn(db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// GetOrCreateUserByAuthID returns the user bound to an auth subject, creating it on first sight.
func (s *GormStore) GetOrCreateUserByAuthID(ctx context.Context, authID string) (domain.User, error) {
	now := time.Now().UTC()
	model := UserModel{ID: util.NewID(), AuthID: authID, CreatedAt: now, UpdatedAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "auth_id"}},
		DoNothing: true,
	}).Create(&model).Error
	if err != nil {
		return domain.User{}, fmt.Errorf("upsert user: %w", err)
	}
	var stored UserModel
	if err := s.db.WithContext(ctx).First(&stored, "auth_id = ?", authID).Error; err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	return userFromModel(stored), nil
}

// SetPremium flips the user's tier.
func (s *GormStore) SetPremium(ctx context.Context, userID string, premium bool) error {
	res := s.db.WithContext(ctx).Model(&UserModel{}).
		Where("id = ?", userID).
		Updates(map[string]any{"is_premium": premium, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CreateBook inserts a catalog record. An empty ID is assigned.
func (s *GormStore) CreateBook(ctx context.Context, book domain.Book) (domain.Book, error) {
	if book.ID == "" {
		book.ID = util.NewID()
	}
	if book.CreatedAt.IsZero() {
		book.CreatedAt = time.Now().UTC()
	}
	model := bookToModel(book)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Book{}, fmt.Errorf("create book: %w", err)
	}
	return bookFromModel(model), nil
}

// GetBook returns a catalog record by ID.
func (s *GormStore) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// SearchBooksByTitle matches a case-insensitive title substring.
func (s *GormStore) SearchBooksByTitle(ctx context.Context, substr string, limit int) ([]domain.Book, error) {
	if limit <= 0 {
		limit = 5
	}
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(substr))) + "%"
	var models []BookModel
	if err := s.db.WithContext(ctx).
		Where("LOWER(title) LIKE ? ESCAPE '\\'", pattern).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Book, 0, len(models))
	for _, m := range models {
		out = append(out, bookFromModel(m))
	}
	return out, nil
}

// FindBookByTitleAuthor looks up a catalog record by case-insensitive title and author.
func (s *GormStore) FindBookByTitleAuthor(ctx context.Context, title, author string) (domain.Book, bool, error) {
	var model BookModel
	err := s.db.WithContext(ctx).
		Where("LOWER(title) = ? AND LOWER(author) = ?",
			strings.ToLower(strings.TrimSpace(title)),
			strings.ToLower(strings.TrimSpace(author))).
		Order("created_at ASC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// FindBookByISBN looks up a catalog record by exact ISBN.
func (s *GormStore) FindBookByISBN(ctx context.Context, isbn string) (domain.Book, bool, error) {
	isbn = strings.TrimSpace(isbn)
	if isbn == "" {
		return domain.Book{}, false, nil
	}
	var model BookModel
	if err := s.db.WithContext(ctx).Where("isbn = ?", isbn).Order("created_at ASC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListActiveUserBooks returns the user's active library, newest first.
func (s *GormStore) ListActiveUserBooks(ctx context.Context, userID string) ([]domain.LibraryEntry, error) {
	var models []UserBookModel
	if err := s.db.WithContext(ctx).
		Preload("Book").
		Where("user_id = ? AND active = ?", userID, true).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.LibraryEntry, 0, len(models))
	for _, m := range models {
		out = append(out, domain.LibraryEntry{UserBook: userBookFromModel(m), Book: bookFromModel(m.Book)})
	}
	return out, nil
}

// CountActiveUserBooks counts the user's active library entries.
func (s *GormStore) CountActiveUserBooks(ctx context.Context, userID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserBookModel{}).
		Where("user_id = ? AND active = ?", userID, true).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// GetUserBook returns a library entry by ID, active or not.
func (s *GormStore) GetUserBook(ctx context.Context, id string) (domain.UserBook, bool, error) {
	var model UserBookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.UserBook{}, false, nil
		}
		return domain.UserBook{}, false, err
	}
	return userBookFromModel(model), true, nil
}

// FindUserBook returns the single (user, book) row, active or not.
func (s *GormStore) FindUserBook(ctx context.Context, userID, bookID string) (domain.UserBook, bool, error) {
	var model UserBookModel
	if err := s.db.WithContext(ctx).Where("user_id = ? AND book_id = ?", userID, bookID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.UserBook{}, false, nil
		}
		return domain.UserBook{}, false, err
	}
	return userBookFromModel(model), true, nil
}

// CreateUserBook inserts a library entry. The (user, book) pair is unique.
func (s *GormStore) CreateUserBook(ctx context.Context, ub domain.UserBook) (domain.UserBook, error) {
	if ub.ID == "" {
		ub.ID = util.NewID()
	}
	now := time.Now().UTC()
	if ub.CreatedAt.IsZero() {
		ub.CreatedAt = now
	}
	if ub.UpdatedAt.IsZero() {
		ub.UpdatedAt = now
	}
	model := userBookToModel(ub)
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&model).Error; err != nil {
		return domain.UserBook{}, fmt.Errorf("create user book: %w", err)
	}
	return userBookFromModel(model), nil
}

// SetUserBookActive toggles the soft-delete flag and returns the stored row.
func (s *GormStore) SetUserBookActive(ctx context.Context, id string, active bool) (domain.UserBook, error) {
	return s.updateUserBook(ctx, id, map[string]any{"active": active, "updated_at": time.Now().UTC()})
}

// UpdateProgress stores the reading percentage and returns the stored row.
func (s *GormStore) UpdateProgress(ctx context.Context, id string, progress int) (domain.UserBook, error) {
	return s.updateUserBook(ctx, id, map[string]any{"progress": progress, "updated_at": time.Now().UTC()})
}

func (s *GormStore) updateUserBook(ctx context.Context, id string, fields map[string]any) (domain.UserBook, error) {
	var model UserBookModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&UserBookModel{}).Where("id = ?", id).Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return tx.First(&model, "id = ?", id).Error
	})
	if err != nil {
		return domain.UserBook{}, err
	}
	return userBookFromModel(model), nil
}

// ListAnnotations returns the newest annotations for one library entry.
func (s *GormStore) ListAnnotations(ctx context.Context, userBookID string, limit int) ([]domain.Annotation, error) {
	tx := s.db.WithContext(ctx).
		Preload("UserBook.Book").
		Where("user_book_id = ?", userBookID).
		Order("created_at DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var models []AnnotationModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	return annotationsFromModels(models), nil
}

// ListRecentAnnotations returns the user's newest annotations across active library entries.
func (s *GormStore) ListRecentAnnotations(ctx context.Context, userID string, limit int) ([]domain.Annotation, error) {
	tx := s.db.WithContext(ctx).
		Preload("UserBook.Book").
		Joins("JOIN user_book_models ON user_book_models.id = annotation_models.user_book_id").
		Where("annotation_models.user_id = ? AND user_book_models.active = ?", userID, true).
		Order("annotation_models.created_at DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var models []AnnotationModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	return annotationsFromModels(models), nil
}

// CreateAnnotation inserts a note. An empty ID is assigned.
func (s *GormStore) CreateAnnotation(ctx context.Context, a domain.Annotation) (domain.Annotation, error) {
	if a.ID == "" {
		a.ID = util.NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	model := AnnotationModel{
		ID:         a.ID,
		UserID:     a.UserID,
		UserBookID: a.UserBookID,
		Content:    a.Content,
		CreatedAt:  a.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&model).Error; err != nil {
		return domain.Annotation{}, fmt.Errorf("create annotation: %w", err)
	}
	return a, nil
}

// GetAnnotation returns one annotation by ID.
func (s *GormStore) GetAnnotation(ctx context.Context, id string) (domain.Annotation, bool, error) {
	var model AnnotationModel
	if err := s.db.WithContext(ctx).Preload("UserBook.Book").First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Annotation{}, false, nil
		}
		return domain.Annotation{}, false, err
	}
	return annotationFromModel(model), true, nil
}

// DeleteAnnotation removes a note permanently.
func (s *GormStore) DeleteAnnotation(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&AnnotationModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetDailyCount returns the stored count for (user, day). found=false means no row yet.
func (s *GormStore) GetDailyCount(ctx context.Context, userID string, day time.Time) (int, bool, error) {
	var model DailyMessageCountModel
	err := s.db.WithContext(ctx).
		Where(map[string]any{"user_id": userID, "date": dayKey(day)}).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return model.Count, true, nil
}

// IncrementDailyCount atomically creates the row with count 1 or adds one to it,
// returning the count after the increment.
func (s *GormStore) IncrementDailyCount(ctx context.Context, userID string, day time.Time) (int, error) {
	key := dayKey(day)
	var count int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		row := DailyMessageCountModel{UserID: userID, Date: key, Count: 1, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "date"}},
			DoUpdates: clause.Assignments(map[string]any{
				"count":      gorm.Expr("daily_message_count_models.count + 1"),
				"updated_at": now,
			}),
		}).Create(&row).Error; err != nil {
			return err
		}
		var stored DailyMessageCountModel
		if err := tx.Where(map[string]any{"user_id": userID, "date": key}).First(&stored).Error; err != nil {
			return err
		}
		count = stored.Count
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment daily count: %w", err)
	}
	return count, nil
}

func dayKey(day time.Time) datatypes.Date {
	y, m, d := day.UTC().Date()
	return datatypes.Date(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:        m.ID,
		AuthID:    m.AuthID,
		IsPremium: m.IsPremium,
		Name:      m.Name,
		Email:     m.Email,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:           b.ID,
		Title:        strings.TrimSpace(b.Title),
		Author:       strings.TrimSpace(b.Author),
		Year:         b.Year,
		ISBN:         strings.TrimSpace(b.ISBN),
		ThumbnailURL: b.ThumbnailURL,
		Description:  b.Description,
		AmazonLink:   b.AmazonLink,
		AudibleLink:  b.AudibleLink,
		CreatedAt:    b.CreatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:           m.ID,
		Title:        m.Title,
		Author:       m.Author,
		Year:         m.Year,
		ISBN:         m.ISBN,
		ThumbnailURL: m.ThumbnailURL,
		Description:  m.Description,
		AmazonLink:   m.AmazonLink,
		AudibleLink:  m.AudibleLink,
		CreatedAt:    m.CreatedAt,
	}
}

func userBookToModel(ub domain.UserBook) UserBookModel {
	return UserBookModel{
		ID:        ub.ID,
		UserID:    ub.UserID,
		BookID:    ub.BookID,
		Progress:  ub.Progress,
		Active:    ub.Active,
		CreatedAt: ub.CreatedAt,
		UpdatedAt: ub.UpdatedAt,
	}
}

func userBookFromModel(m UserBookModel) domain.UserBook {
	return domain.UserBook{
		ID:        m.ID,
		UserID:    m.UserID,
		BookID:    m.BookID,
		Progress:  m.Progress,
		Active:    m.Active,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func annotationFromModel(m AnnotationModel) domain.Annotation {
	return domain.Annotation{
		ID:         m.ID,
		UserID:     m.UserID,
		UserBookID: m.UserBookID,
		BookTitle:  m.UserBook.Book.Title,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
}

func annotationsFromModels(models []AnnotationModel) []domain.Annotation {
	out := make([]domain.Annotation, 0, len(models))
	for _, m := range models {
		out = append(out, annotationFromModel(m))
	}
	return out
}
