// Package fault defines the gateway-wide error taxonomy.
//
// Every terminal failure in the request plane carries a stable Kind string.
// The orchestration graph uses the Kind to pick its terminal edge, the HTTP
// layer maps it to a status code, and the audit sink records it verbatim.
// No stack traces or upstream credentials ever ride on a Fault.
package fault

import (
	"errors"
	"fmt"
)

// Kind is a stable error-kind string.
type Kind string

// Error kinds. These strings are part of the external contract and must
// not change.
const (
	AuthMissing           Kind = "AUTH_MISSING"
	AuthInvalid           Kind = "AUTH_INVALID"
	AuthRevoked           Kind = "AUTH_REVOKED"
	AuthInsufficientScope Kind = "AUTH_INSUFFICIENT_SCOPE"
	SecurityBlocked       Kind = "SECURITY_BLOCKED"
	SecurityQuarantine    Kind = "SECURITY_QUARANTINE"
	RateLimitExceeded     Kind = "RATE_LIMIT_EXCEEDED"
	QueryAnalysisFailed   Kind = "QUERY_ANALYSIS_FAILED"
	ModelNotFound         Kind = "MODEL_NOT_FOUND"
	FieldMappingLow       Kind = "FIELD_MAPPING_LOW_CONFIDENCE"
	QueryBuildInvalid     Kind = "QUERY_BUILD_INVALID"
	MDHUnauthorized       Kind = "MDH_UNAUTHORIZED"
	MDHTimeout            Kind = "MDH_TIMEOUT"
	MDHParseError         Kind = "MDH_PARSE_ERROR"
	MDHUpstreamError      Kind = "MDH_UPSTREAM_ERROR"
	Internal              Kind = "INTERNAL"
)

// Fault is a tagged error carrying a taxonomy Kind and a user-safe message.
type Fault struct {
	// Kind is the stable taxonomy entry.
	Kind Kind
	// Message is safe to show to the end user.
	Message string
	// Guidance is an optional hint shown alongside the message.
	Guidance string
	// Err is the wrapped cause, for logs only. Never user-visible.
	Err error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap returns the wrapped cause.
func (f *Fault) Unwrap() error { return f.Err }

// New creates a Fault with the given kind and user-safe message.
func New(kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message}
}

// Wrap creates a Fault wrapping a cause.
func Wrap(kind Kind, message string, err error) *Fault {
	return &Fault{Kind: kind, Message: message, Err: err}
}

// WithGuidance returns a copy of the fault with a user guidance hint.
func (f *Fault) WithGuidance(hint string) *Fault {
	c := *f
	c.Guidance = hint
	return &c
}

// KindOf extracts the Kind from an error chain.
// Non-fault errors report Internal.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error kind may be retried inside the
// execute_query node. Only transient MDH failures qualify; authentication,
// authorization, security, and parse errors never retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case MDHTimeout, MDHUpstreamError:
		return true
	default:
		return false
	}
}
