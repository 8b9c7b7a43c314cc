// Package bcerr defines the structured error taxonomy used across the
// transport: protocol/version mismatches, unknown sessions, malformed
// forward payloads, and internal invariant violations. See spec.md §7.
package bcerr

import (
	"fmt"
	"net/http"
)

// Category classifies an error for logging and metrics purposes.
type Category string

const (
	CategoryProtocol   Category = "protocol"
	CategorySession    Category = "session"
	CategoryValidation Category = "validation"
	CategoryInternal   Category = "internal"
)

// Error is a structured error carrying the HTTP status and wire-visible
// message the dispatcher must send, plus an optional wrapped cause for
// logging.
type Error struct {
	Category Category
	Status   int
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap attaches a cause without changing the reported category/message.
func (e *Error) Wrap(cause error) *Error {
	clone := *e
	clone.Cause = cause
	return &clone
}

// VersionRequired is the §4.5/§7 "protocol/version mismatch" error: any
// /test or /bind request missing VER=8.
var VersionRequired = &Error{
	Category: CategoryProtocol,
	Status:   http.StatusBadRequest,
	Message:  "Version 8 required",
}

// UnknownSID is the §4.5/§7 "unknown session" error.
var UnknownSID = &Error{
	Category: CategorySession,
	Status:   http.StatusBadRequest,
	Message:  "Unknown SID",
}

// BadData is the §4.2/§7 "malformed forward payload" error.
var BadData = &Error{
	Category: CategoryValidation,
	Status:   http.StatusBadRequest,
	Message:  "Bad data",
}

// MethodNotAllowed is returned for any method on /bind other than GET/POST.
var MethodNotAllowed = &Error{
	Category: CategoryProtocol,
	Status:   http.StatusMethodNotAllowed,
	Message:  "Method Not Allowed",
}

// NotFound is returned for any path under base that isn't /test or /bind.
var NotFound = &Error{
	Category: CategoryProtocol,
	Status:   http.StatusNotFound,
	Message:  "Not Found",
}
