package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidBook       = errors.New("book is not in the user's library")
	ErrNotFound          = errors.New("not found")
	ErrBusy              = errors.New("a reply is still pending for this conversation")
	ErrAlreadyAdded      = errors.New("book already in library")
	ErrQuotaExceeded     = errors.New("library limit reached")
	ErrDailyLimitReached = errors.New("daily message limit reached")
	ErrExternalService   = errors.New("external service error")
	ErrPersistence       = errors.New("persistence error")
)

// QuotaExceededError reports the tier limit that blocked an add.
type QuotaExceededError struct {
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("free accounts may keep at most %d active books; remove one or upgrade to premium", e.Limit)
}

func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}
