// Package oautherr defines the error taxonomy shared by providers, the token
// store, the lifecycle manager and the flow orchestrator.
//
// Callers branch on Kind only. Provider-specific codes and descriptions are
// carried verbatim in Code and Description for diagnostics.
package oautherr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors outside the taxonomy.
	KindUnknown Kind = iota
	// KindConfiguration covers unsupported providers and missing client credentials.
	KindConfiguration
	// KindCSRF covers a missing or mismatched state parameter on callback.
	KindCSRF
	// KindRejected is a well-formed OAuth error returned by the provider.
	KindRejected
	// KindTransport covers timeouts, connection failures, 5xx, 429 and malformed bodies.
	KindTransport
	// KindReauthRequired means the stored grant is unusable; only a fresh authorization helps.
	KindReauthRequired
	// KindRetryable means a refresh failed but the record is untouched and may be retried later.
	KindRetryable
	// KindPersistence means a storage operation failed.
	KindPersistence
	// KindNotFound means the requested record does not exist.
	KindNotFound
	// KindOwnershipConflict means the external identity is already held by another owner.
	KindOwnershipConflict
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindConfiguration:     "configuration",
	KindCSRF:              "csrf_state",
	KindRejected:          "provider_rejected",
	KindTransport:         "transport",
	KindReauthRequired:    "reauth_required",
	KindRetryable:         "refresh_failed_retryable",
	KindPersistence:       "persistence",
	KindNotFound:          "not_found",
	KindOwnershipConflict: "ownership_conflict",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the structured error carried across package boundaries.
type Error struct {
	Kind        Kind
	Provider    string // provider name, when known
	Op          string // operation, e.g. "exchange", "refresh", "userinfo"
	Code        string // provider error code, e.g. "invalid_grant"
	Description string // provider error description or a short message
	StatusCode  int    // HTTP status of the provider response, 0 if none
	Err         error  // underlying cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Code != "" {
		b.WriteString(" (")
		b.WriteString(e.Code)
		b.WriteString(")")
	}
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. This lets callers
// write errors.Is(err, oautherr.ReauthRequired).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Provider == "" && t.Op == "" && t.Code == "" && t.Err == nil
}

// Sentinels for errors.Is comparisons.
var (
	Configuration     = &Error{Kind: KindConfiguration}
	CSRF              = &Error{Kind: KindCSRF}
	Rejected          = &Error{Kind: KindRejected}
	Transport         = &Error{Kind: KindTransport}
	ReauthRequired    = &Error{Kind: KindReauthRequired}
	Retryable         = &Error{Kind: KindRetryable}
	Persistence       = &Error{Kind: KindPersistence}
	NotFound          = &Error{Kind: KindNotFound}
	OwnershipConflict = &Error{Kind: KindOwnershipConflict}
)

// New creates an error of the given kind.
func New(kind Kind, provider, op, description string) *Error {
	return &Error{Kind: kind, Provider: provider, Op: op, Description: description}
}

// Wrap creates an error of the given kind around err.
func Wrap(kind Kind, provider, op string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the provider error code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
