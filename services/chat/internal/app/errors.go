package app

import (
	"errors"
	"fmt"

	"github.com/FutureMindsLab/bookflows/pkg/domain"
)

var (
	ErrEmptyMessage    = errors.New("message text is required")
	ErrMessageTooLong  = errors.New("message is too long")
	ErrNoConversation  = errors.New("no conversation selected")
	ErrSessionNotFound = errors.New("session not found")
)

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrPersistence, op, err)
}
