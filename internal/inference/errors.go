// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// Kind categorizes inference failures for handling at the HTTP boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindUnavailable
	KindRejected
	KindStream
	KindTimeout
)

// Category returns the stable, machine-readable name of the kind.
func (k Kind) Category() string {
	switch k {
	case KindConfiguration:
		return "configuration_error"
	case KindUnavailable:
		return "backend_unavailable"
	case KindRejected:
		return "backend_rejected"
	case KindStream:
		return "stream_failure"
	case KindTimeout:
		return "timeout"
	default:
		return "internal_error"
	}
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return k.Category()
}

// Error is returned by every Client operation that fails.
type Error struct {
	Kind    Kind
	Status  int // backend HTTP status, KindRejected only
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches sentinel errors by kind and message so wrapped instances
// created with additional context still satisfy errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Message == "" || e.Message == t.Message)
}

// Sentinel errors for easy checking.
var (
	ErrNotConfigured    = &Error{Kind: KindConfiguration, Message: "inference backend URL is not configured (set VLLM_URL)"}
	ErrModelNotSelected = &Error{Kind: KindConfiguration, Message: "no model selected"}
	ErrBackendOffline   = &Error{Kind: KindUnavailable, Message: "Connection Failed: inference server is offline"}
	ErrTimeout          = &Error{Kind: KindTimeout, Message: "request timed out"}
)

// KindOf returns the Kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindUnknown
}

// offline wraps a transport failure as ErrBackendOffline.
func offline(cause error) *Error {
	return &Error{Kind: KindUnavailable, Message: ErrBackendOffline.Message, Cause: cause}
}

// rejected builds a KindRejected error for a non-success backend status.
func rejected(status int, message string) *Error {
	if message == "" {
		message = fmt.Sprintf("backend returned HTTP %d", status)
	}
	return &Error{Kind: KindRejected, Status: status, Message: message}
}

// Category maps err onto the category reported to callers before any
// streaming has started. A timeout at that point means the backend never
// answered, so it is reported as unavailable; timeouts during a stream are
// surfaced in-band instead and never reach here.
func Category(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUnavailable.Category()
	}
	switch kind := KindOf(err); kind {
	case KindTimeout:
		return KindUnavailable.Category()
	default:
		return kind.Category()
	}
}
