// Package apperror defines the errors the HTTP surface knows how to report.
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/xerrors"
)

// MissingParameterError is returned when a required query or form value is absent.
type MissingParameterError struct {
	Param string
	frame xerrors.Frame
}

func MissingParameter(param string) error {
	return &MissingParameterError{Param: param, frame: xerrors.Caller(1)}
}

func (e *MissingParameterError) Error() string { return "missing parameter: " + e.Param }

func (e *MissingParameterError) Format(s fmt.State, v rune) { xerrors.FormatError(e, s, v) }

func (e *MissingParameterError) FormatError(p xerrors.Printer) error {
	p.Print(e.Error())
	e.frame.Format(p)
	return nil
}

// StateMismatchError is returned when the OAuth state echoed back by the
// authorization server does not match the one we issued.
type StateMismatchError struct {
	frame xerrors.Frame
}

func StateMismatch() error {
	return &StateMismatchError{frame: xerrors.Caller(1)}
}

func (e *StateMismatchError) Error() string { return "oauth state mismatch" }

func (e *StateMismatchError) Format(s fmt.State, v rune) { xerrors.FormatError(e, s, v) }

func (e *StateMismatchError) FormatError(p xerrors.Printer) error {
	p.Print(e.Error())
	e.frame.Format(p)
	return nil
}

// UpstreamAuthError means Spotify rejected a token exchange, refresh or an
// authenticated call. StatusCode is 0 when no response was received.
type UpstreamAuthError struct {
	Op         string
	StatusCode int
	Err        error
	frame      xerrors.Frame
}

func UpstreamAuth(op string, status int, err error) error {
	return &UpstreamAuthError{Op: op, StatusCode: status, Err: err, frame: xerrors.Caller(1)}
}

func (e *UpstreamAuthError) Error() string {
	if e.Err != nil {
		return e.head() + ": " + e.Err.Error()
	}
	return e.head()
}

func (e *UpstreamAuthError) head() string {
	msg := "upstream auth failed: " + e.Op
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	return msg
}

func (e *UpstreamAuthError) Unwrap() error { return e.Err }

func (e *UpstreamAuthError) Format(s fmt.State, v rune) { xerrors.FormatError(e, s, v) }

func (e *UpstreamAuthError) FormatError(p xerrors.Printer) error {
	p.Print(e.head())
	e.frame.Format(p)
	return e.Err
}

// UserNotFoundError is returned when an operation needs a stored user that does not exist.
type UserNotFoundError struct {
	ID    string
	frame xerrors.Frame
}

func UserNotFound(id string) error {
	return &UserNotFoundError{ID: id, frame: xerrors.Caller(1)}
}

func (e *UserNotFoundError) Error() string { return "user not found: " + e.ID }

func (e *UserNotFoundError) Format(s fmt.State, v rune) { xerrors.FormatError(e, s, v) }

func (e *UserNotFoundError) FormatError(p xerrors.Printer) error {
	p.Print(e.Error())
	e.frame.Format(p)
	return nil
}

// Status maps err to the HTTP status the surface should answer with.
func Status(err error) int {
	var (
		missing  *MissingParameterError
		mismatch *StateMismatchError
		notFound *UserNotFoundError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &missing):
		return http.StatusBadRequest
	case errors.As(err, &mismatch):
		return http.StatusForbidden
	case errors.As(err, &notFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// IsUpstreamAuth reports whether err is (or wraps) an UpstreamAuthError.
func IsUpstreamAuth(err error) bool {
	var e *UpstreamAuthError
	return errors.As(err, &e)
}

// IsUserNotFound reports whether err is (or wraps) a UserNotFoundError.
func IsUserNotFound(err error) bool {
	var e *UserNotFoundError
	return errors.As(err, &e)
}
