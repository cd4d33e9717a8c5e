package account

import (
	"errors"
	"strings"

	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account/entity"
)

var (
	ErrConflict           = errors.New("identity key already in use")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("user not found")
	// ErrNotSoftDeleted guards permanent removal of a live account.
	ErrNotSoftDeleted = errors.New("account must be deleted before it can be permanently removed")
	// ErrSelfDeleteViaAdmin blocks an admin from removing their own account through the admin path.
	ErrSelfDeleteViaAdmin = errors.New("use the profile endpoint to delete your own account")
)

// FieldError is one failed rule on one request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every field error of a rejected request, in field order.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

// errOrNil returns nil when no field failed, so callers can return it directly.
func (e *ValidationError) errOrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func newValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: msg}}}
}

// StatusError rejects an account whose status is not active.
type StatusError struct {
	Status entity.Status
}

func (e *StatusError) Error() string {
	return e.Status.BlockedMessage()
}
