// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apierrors defines the error taxonomy shared by every stage of the
// diagram generation pipeline.
//
// # Description
//
// Each failure that can reach a caller is classified by a Kind. The Kind
// selects the HTTP status, decides whether the failure is the caller's fault
// (4xx) or an upstream condition (5xx), and decides whether the message may be
// shown verbatim. InternalError messages are never shown to callers.
//
// # Usage
//
//	err := apierrors.New(apierrors.KindUnsupportedFormat, "formats.Negotiate",
//	    "format \"pdf\" is not supported for mermaid")
//	if apierrors.IsKind(err, apierrors.KindUnsupportedFormat) { ... }
//
// # Thread Safety
//
// *Error values are immutable after construction and safe to share.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for propagation and status selection.
type Kind string

const (
	KindClientInput           Kind = "ClientInputError"
	KindSecurityViolation     Kind = "SecurityViolation"
	KindUnsupportedFormat     Kind = "UnsupportedFormat"
	KindRateLimited           Kind = "RateLimited"
	KindUpstreamTimeout       Kind = "UpstreamTimeout"
	KindUpstreamUnavailable   Kind = "UpstreamUnavailable"
	KindUpstreamInvalidOutput Kind = "UpstreamInvalidOutput"
	KindUpstreamError         Kind = "UpstreamError"
	KindInternal              Kind = "InternalError"

	// KindClientClosed marks work abandoned because the caller went away.
	// Nothing is written back for it.
	KindClientClosed Kind = "ClientClosed"
)

// StatusClientClosedRequest is the non-standard status recorded for
// KindClientClosed.
const StatusClientClosedRequest = 499

// GenericInternalMessage is the only message a caller ever sees for
// KindInternal.
const GenericInternalMessage = "internal server error"

// Error is the typed failure carried through the pipeline.
//
// # Fields
//
//   - Kind: Taxonomy class, selects the HTTP status.
//   - Op: The operation that failed, for logs ("render.Dispatch").
//   - Message: Caller-safe message. Never contains attacker-controlled text.
//   - Cause: Machine-readable sub-cause ("upstream_timeout", "capacity_exhausted").
//   - Rule: Security rule id for SecurityViolation.
//   - Alternatives: Supported formats for UnsupportedFormat.
//   - RetryAfter: Back-off hint for RateLimited and upstream kinds. Zero means none.
//   - Err: Wrapped underlying error. Exposed only in debug mode.
type Error struct {
	Kind         Kind
	Op           string
	Message      string
	Cause        string
	Rule         string
	Alternatives []string
	RetryAfter   time.Duration
	Err          error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the status code for the error's kind.
func (e *Error) HTTPStatus() int {
	return StatusFor(e.Kind)
}

// Retryable reports whether a caller may reasonably retry the same request.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindUpstreamTimeout, KindUpstreamUnavailable:
		return true
	default:
		return false
	}
}

// New creates an Error without an underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates an Error around err. Returns nil when err is nil.
func Wrap(err error, kind Kind, op, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Internal wraps an unexpected failure. The message stays server-side.
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Message: GenericInternalMessage, Err: err}
}

// WithCause returns a copy of e with the sub-cause set.
func (e *Error) WithCause(cause string) *Error {
	c := *e
	c.Cause = cause
	return &c
}

// WithRetryAfter returns a copy of e with a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	c := *e
	c.RetryAfter = d
	return &c
}

// As extracts the *Error from an error chain.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	apiErr, ok := As(err)
	return ok && apiErr.Kind == kind
}

// KindOf returns the kind of err, or KindInternal for anything unclassified.
func KindOf(err error) Kind {
	if apiErr, ok := As(err); ok {
		return apiErr.Kind
	}
	return KindInternal
}

// StatusFor maps a kind to its HTTP status.
func StatusFor(kind Kind) int {
	switch kind {
	case KindClientInput, KindSecurityViolation:
		return http.StatusBadRequest
	case KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstreamInvalidOutput, KindUpstreamError:
		return http.StatusBadGateway
	case KindClientClosed:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// ClientFault reports whether the kind is a 4xx caller fault.
func ClientFault(kind Kind) bool {
	status := StatusFor(kind)
	return status >= 400 && status < 500
}
