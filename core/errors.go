package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrFileTooLarge      = errors.New("file too large")
	ErrEmptyDocument     = errors.New("no text could be extracted")
	ErrNoDocuments       = errors.New("no documents available")
	ErrEmbedding         = errors.New("embedding failed")
	ErrLLMRequest        = errors.New("LLM request failed")
	ErrOCRUnavailable    = errors.New("OCR engine not configured")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrTimeout           = errors.New("operation timed out")
)

// Error ties a failure to the operation and, when known, the document it
// happened on.
type Error struct {
	Op       string
	Document string
	Err      error
	Context  map[string]any
}

func (e *Error) Error() string {
	if e.Document != "" {
		return fmt.Sprintf("%s [document=%s]: %v", e.Op, e.Document, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op, document string, err error) *Error {
	return &Error{Op: op, Document: document, Err: err}
}

func WithContext(err *Error, key string, val any) *Error {
	if err.Context == nil {
		err.Context = make(map[string]any)
	}
	err.Context[key] = val
	return err
}
