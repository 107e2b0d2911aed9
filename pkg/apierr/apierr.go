// Package apierr defines the error taxonomy surfaced to clients (spec §7):
// a machine-readable code plus a human-readable message, wrapped so the
// underlying cause is still recoverable with errors.Is/As.
package apierr

import "fmt"

// Code is a machine-readable error code from the taxonomy in spec §7.
type Code string

const (
	NotAuthenticated    Code = "not_authenticated"
	AccessDenied        Code = "access_denied"
	RateLimited         Code = "rate_limited"
	EmptyQuestion       Code = "empty_question"
	NoMatchingPages     Code = "no_matching_pages"
	AIKeyNotConfigured  Code = "ai_key_not_configured"
	APIError            Code = "api_error"
	Unexpected          Code = "unexpected"
	FeatureDisabled     Code = "feature_disabled"
	ContentTooLarge     Code = "content_too_large"
	InvalidInvitation   Code = "invalid_invitation"
	EmailMismatch       Code = "email_mismatch"
	InvalidContentType  Code = "invalid_content_type"
	FileTooLarge        Code = "file_too_large"
	InvalidZip          Code = "invalid_zip"
	CompressionRatio    Code = "compression_ratio"
	ExtractedSize       Code = "extracted_size"
	FileCount           Code = "file_count"
	NestedArchive       Code = "nested_archive"
	PathDepth           Code = "path_depth"
	NoImportableContent Code = "no_importable_content"
	TemporarilyBlocked  Code = "temporarily_blocked"
)

// Error is the error type every component-facing operation returns when it
// wants to surface a taxonomy code to the eventual client. It wraps an
// optional underlying cause for logging, while Code/Message are what
// crosses the wire (internal/httputil.ServeError, the wire protocol's
// error frame).
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New returns an *Error with the given code and message and no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap returns an *Error with the given code, message, and underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// As extracts an *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if e, ok := err.(*Error); ok {
		return e, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if e, ok := err.(*Error); ok {
			return e, true
		}
	}
	return ae, false
}
