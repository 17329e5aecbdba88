// Package faults defines the error taxonomy shared by every component.
// Errors carry a machine-readable kind plus a stable business code so the
// HTTP boundary can map them without inspecting messages.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation policy and HTTP mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindPermissionDenied
	KindInvalidCredential
	KindRateLimited
	KindNotFound
	KindConflict
	KindValidation
	KindUnsupportedFormat
	KindFileTooLarge
	KindDuplicateContent
	KindTrainingInProgress
	KindKnowledgeBaseNotReady
	KindProviderError
	KindVectorStoreError
	KindCacheError
	KindDatabaseError
	KindExternalServiceError
	KindOverloaded
	KindCanceled
	KindTimeout
	KindConfiguration
)

var kindNames = map[Kind]string{
	KindInternal:              "internal",
	KindUnauthorized:          "unauthorized",
	KindPermissionDenied:      "permission_denied",
	KindInvalidCredential:     "invalid_credential",
	KindRateLimited:           "rate_limited",
	KindNotFound:              "not_found",
	KindConflict:              "conflict",
	KindValidation:            "validation",
	KindUnsupportedFormat:     "unsupported_format",
	KindFileTooLarge:          "file_too_large",
	KindDuplicateContent:      "duplicate_content",
	KindTrainingInProgress:    "training_in_progress",
	KindKnowledgeBaseNotReady: "knowledge_base_not_ready",
	KindProviderError:         "provider_error",
	KindVectorStoreError:      "vector_store_error",
	KindCacheError:            "cache_error",
	KindDatabaseError:         "database_error",
	KindExternalServiceError:  "external_service_error",
	KindOverloaded:            "overloaded",
	KindCanceled:              "canceled",
	KindTimeout:               "timeout",
	KindConfiguration:         "configuration",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "internal"
}

// Code returns the stable business code exposed in response envelopes.
func (k Kind) Code() string {
	switch k {
	case KindUnauthorized:
		return "AUTH_001"
	case KindInvalidCredential:
		return "AUTH_002"
	case KindPermissionDenied:
		return "AUTH_003"
	case KindRateLimited:
		return "AUTH_004"
	case KindNotFound:
		return "RES_001"
	case KindConflict:
		return "RES_002"
	case KindValidation:
		return "VALID_001"
	case KindUnsupportedFormat:
		return "DOC_001"
	case KindFileTooLarge:
		return "DOC_002"
	case KindDuplicateContent:
		return "DOC_003"
	case KindKnowledgeBaseNotReady:
		return "RAG_001"
	case KindTrainingInProgress:
		return "RAG_002"
	case KindProviderError:
		return "RAG_003"
	case KindVectorStoreError:
		return "RAG_004"
	case KindDatabaseError:
		return "SYS_001"
	case KindCacheError:
		return "SYS_002"
	case KindExternalServiceError:
		return "SYS_003"
	case KindOverloaded:
		return "SYS_004"
	case KindTimeout:
		return "SYS_005"
	case KindCanceled:
		return "SYS_006"
	case KindConfiguration:
		return "SYS_007"
	default:
		return "SYS_000"
	}
}

// HTTPStatus maps a kind to the status the boundary responds with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthorized, KindInvalidCredential:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindDuplicateContent, KindTrainingInProgress:
		return http.StatusConflict
	case KindValidation, KindUnsupportedFormat:
		return http.StatusBadRequest
	case KindFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindKnowledgeBaseNotReady:
		return http.StatusUnprocessableEntity
	case KindOverloaded:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCanceled:
		return 499 // client closed request
	case KindProviderError, KindVectorStoreError, KindExternalServiceError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the concrete error type carried across component boundaries.
// Message is safe to show to callers; Err holds the internal cause.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind with a caller-facing message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetails returns a copy carrying structured detail fields for the
// response envelope.
func (e *Error) WithDetails(details map[string]any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// KindOf extracts the kind from any error. Context errors map to Canceled
// and Timeout; everything unrecognized is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the caller-facing message for err, falling back to a
// generic phrase for unclassified errors so internals never leak.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Message != "" {
		return fe.Message
	}
	switch KindOf(err) {
	case KindCanceled:
		return "request canceled"
	case KindTimeout:
		return "operation timed out"
	default:
		return "internal error"
	}
}

// Details returns the structured details attached to err, if any.
func Details(err error) map[string]any {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Details
	}
	return nil
}

// FromContext converts a context error into the matching fault. Returns
// err unchanged when it is not a context error.
func FromContext(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return Wrap(KindCanceled, err, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, err, "operation timed out")
	default:
		return err
	}
}
