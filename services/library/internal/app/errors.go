package app

import (
	"errors"
	"fmt"

	"github.com/FutureMindsLab/bookflows/pkg/domain"
)

var (
	ErrInvalidCandidate   = errors.New("book title is required")
	ErrInvalidProgress    = errors.New("progress must be between 0 and 100")
	ErrEmptyAnnotation    = errors.New("annotation content is required")
	ErrAnnotationTooLong  = errors.New("annotation is too long")
	ErrUnknownDedupPolicy = errors.New("unknown dedup key")
)

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrPersistence, op, err)
}
