// Package errs defines the closed error taxonomy used across the pipeline.
// Errors are values: they travel on result channels and event streams, and
// only the public API translates them into caller-visible failures.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Code is the discriminant for every classified error in the system.
type Code string

const (
	// Transport errors. Retried with backoff at the adapter level.
	CodeConnection Code = "connection_error"
	CodeTimeout    Code = "timeout_error"
	CodeRateLimit  Code = "rate_limit_error"

	// Protocol errors. Not retried at the adapter level.
	CodeParse    Code = "parse_error"
	CodeAuth     Code = "auth_error"
	CodeExchange Code = "exchange_error"

	// Aggregation errors. Surfaced as health-bus events only.
	CodeInsufficientSources Code = "insufficient_sources"
	CodeStaleBuffer         Code = "stale_buffer"

	// Request errors. Returned to public API callers.
	CodeNotFound       Code = "not_found"
	CodeStale          Code = "stale"
	CodeDegraded       Code = "degraded"
	CodeRequestTimeout Code = "request_timeout"
	CodeConfigInvalid  Code = "config_invalid"
)

// CountsTowardBreaker reports whether a source error code accumulates
// consecutive-failure counts in the circuit breaker. Rate limits trigger a
// cooldown instead, and auth failures are reported without tripping the
// breaker.
func (c Code) CountsTowardBreaker() bool {
	switch c {
	case CodeConnection, CodeTimeout, CodeParse, CodeExchange:
		return true
	default:
		return false
	}
}

// SourceError is a classified failure attributed to one exchange source.
type SourceError struct {
	Code       Code   `json:"code"`
	Source     string `json:"source"`
	Op         string `json:"op"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Temporary  bool   `json:"temporary"`
	Cause      error  `json:"-"`
}

func (e *SourceError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Source != "" {
		b.WriteString(" [")
		b.WriteString(e.Source)
		b.WriteString("]")
	}
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *SourceError) Unwrap() error { return e.Cause }

// NewSourceError builds a classified source error wrapping cause.
func NewSourceError(code Code, source, op, message string, cause error) *SourceError {
	return &SourceError{
		Code:      code,
		Source:    source,
		Op:        op,
		Message:   message,
		Temporary: code == CodeConnection || code == CodeTimeout || code == CodeRateLimit,
		Cause:     cause,
	}
}

// Classify maps an arbitrary error to a source error code. Already
// classified errors keep their code; unknown errors map to CodeExchange.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return CodeTimeout
		}
		return CodeConnection
	}
	return CodeExchange
}

// AsSourceError wraps err as a SourceError with the given attribution,
// preserving the code when err is already classified.
func AsSourceError(err error, source, op string) *SourceError {
	if err == nil {
		return nil
	}
	var se *SourceError
	if errors.As(err, &se) {
		if se.Source == "" {
			se.Source = source
		}
		if se.Op == "" {
			se.Op = op
		}
		return se
	}
	return NewSourceError(Classify(err), source, op, "", err)
}

// IsRateLimit reports whether err carries CodeRateLimit.
func IsRateLimit(err error) bool { return hasCode(err, CodeRateLimit) }

// IsTimeout reports whether err carries CodeTimeout.
func IsTimeout(err error) bool { return hasCode(err, CodeTimeout) }

// IsConnection reports whether err carries CodeConnection.
func IsConnection(err error) bool { return hasCode(err, CodeConnection) }

func hasCode(err error, c Code) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Code == c
	}
	var re *RequestError
	if errors.As(err, &re) {
		return re.Code == c
	}
	var ae *AggregationError
	if errors.As(err, &ae) {
		return ae.Code == c
	}
	return false
}

// AggregationError reports a per-feed aggregation failure. It never reaches
// a caller directly; the orchestrator converts it after consulting the
// cache for a usable fallback.
type AggregationError struct {
	Code Code   `json:"code"`
	Feed string `json:"feed"`
	Have int    `json:"have"`
	Want int    `json:"want"`
}

func (e *AggregationError) Error() string {
	if e.Code == CodeInsufficientSources {
		return fmt.Sprintf("%s [%s]: %d of %d required sources", e.Code, e.Feed, e.Have, e.Want)
	}
	return fmt.Sprintf("%s [%s]", e.Code, e.Feed)
}

// RequestError is the caller-visible failure of a public API operation.
type RequestError struct {
	Code    Code   `json:"code"`
	Feed    string `json:"feed,omitempty"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *RequestError) Error() string {
	if e.Feed != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Code, e.Feed, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RequestError) Unwrap() error { return e.Cause }

// NotFound reports an unknown feed.
func NotFound(feed string) *RequestError {
	return &RequestError{Code: CodeNotFound, Feed: feed, Message: "feed is not configured"}
}

// Stale reports that no sufficiently fresh data exists for the feed.
func Stale(feed string, ageMS int64) *RequestError {
	return &RequestError{Code: CodeStale, Feed: feed, Message: fmt.Sprintf("newest data is %dms old", ageMS)}
}

// Degraded reports that fewer than the required sources are contributing.
func Degraded(feed string, have, want int) *RequestError {
	return &RequestError{Code: CodeDegraded, Feed: feed, Message: fmt.Sprintf("%d of %d required sources", have, want)}
}

// RequestTimeout reports that the caller's deadline expired.
func RequestTimeout(feed string, cause error) *RequestError {
	return &RequestError{Code: CodeRequestTimeout, Feed: feed, Message: "deadline exceeded", Cause: cause}
}

// ConfigInvalid reports a structurally invalid feed or subscription request.
func ConfigInvalid(feed, msg string) *RequestError {
	return &RequestError{Code: CodeConfigInvalid, Feed: feed, Message: msg}
}

// IsNotFound reports whether err is a NotFound request failure.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsStale reports whether err is a Stale request failure.
func IsStale(err error) bool { return hasCode(err, CodeStale) }

// IsDegraded reports whether err is a Degraded request failure.
func IsDegraded(err error) bool { return hasCode(err, CodeDegraded) }
