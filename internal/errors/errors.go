// Package errors holds the user-facing error types printed by the CLI.
package errors

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// SimplifyError turns common filesystem failures into a UserError.
// Errors that are already user-facing are returned unchanged.
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	var ue UserError
	var ce ConfigError
	if errors.As(err, &ue) || errors.As(err, &ce) {
		return err
	}

	switch {
	case errors.Is(err, os.ErrPermission):
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check permissions on the store root directory",
			Err:        err,
		}
	case errors.Is(err, os.ErrNotExist):
		return UserError{
			Message:    "File or directory not found",
			Suggestion: "Verify the path exists and is spelled correctly",
			Err:        err,
		}
	}

	return err
}
