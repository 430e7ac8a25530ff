package trust

import (
	"errors"
	"fmt"
)

// Category classifies errors for handling and reporting. Validation and
// authorization failures are never retried; transient failures may be
// retried with bounded backoff.
type Category string

const (
	// CategoryValidation indicates the assertion failed a trust check.
	CategoryValidation Category = "validation"
	// CategoryAuthorization indicates a valid identity with no matching
	// grant or binding.
	CategoryAuthorization Category = "authorization"
	// CategoryTransient indicates an upstream or network failure that a
	// caller may retry.
	CategoryTransient Category = "transient"
	// CategoryConfig indicates an invalid desired-state document or
	// provider configuration.
	CategoryConfig Category = "config"
	// CategoryConflict indicates duplicate or conflicting resource
	// identifiers.
	CategoryConflict Category = "conflict"
	// CategoryNotFound indicates a referenced resource does not exist.
	CategoryNotFound Category = "not_found"
	// CategoryInternal indicates a bug or unexpected state.
	CategoryInternal Category = "internal"
)

// Code is the machine-readable error code returned to CI tooling so it
// can decide whether a retry is worthwhile.
type Code string

const (
	CodeInvalidSignature      Code = "invalid_signature"
	CodeIssuerMismatch        Code = "issuer_mismatch"
	CodeAudienceMismatch      Code = "audience_mismatch"
	CodeExpiredAssertion      Code = "expired_assertion"
	CodeConditionNotSatisfied Code = "condition_not_satisfied"
	CodeNoGrantForPrincipal   Code = "no_grant_for_principal"
	CodeNoRoleBindings        Code = "no_role_bindings"
	CodeUpstreamUnavailable   Code = "upstream_unavailable"
	CodeUpstreamDenied        Code = "upstream_denied"
	CodeMalformedAssertion    Code = "malformed_assertion"
	CodeMalformedDocument     Code = "malformed_document"
	CodeDuplicateResource     Code = "duplicate_resource"
	CodeDependencyCycle       Code = "dependency_cycle"
	CodeApplyFailed           Code = "apply_failed"
)

// Error is a structured error with category, code, and context.
type Error struct {
	Category Category
	Code     Code
	Message  string

	// Operation is the operation that failed.
	Operation string

	// ResourceType and ResourceID identify the resource involved.
	ResourceType string
	ResourceID   string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates whether the caller may retry.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Category, e.Message)
	if e.Code != "" {
		msg = fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on code when the target carries one, otherwise on category.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		if te.Code != "" {
			return e.Code == te.Code
		}
		return e.Category == te.Category
	}
	return false
}

// NewError creates a new Error.
func NewError(category Category, code Code, message string) *Error {
	return &Error{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// WithOperation sets the operation.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithResource sets the resource type and ID.
func (e *Error) WithResource(resourceType, resourceID string) *Error {
	e.ResourceType = resourceType
	e.ResourceID = resourceID
	return e
}

// WithCause sets the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Convenience constructors for the trust chain error taxonomy.

// ErrInvalidSignature reports an assertion whose signature did not verify.
func ErrInvalidSignature(cause error) *Error {
	return NewError(CategoryValidation, CodeInvalidSignature, "assertion signature verification failed").WithCause(cause)
}

// ErrIssuerMismatch reports an assertion from an untrusted issuer.
func ErrIssuerMismatch(got, want string) *Error {
	return NewError(CategoryValidation, CodeIssuerMismatch,
		fmt.Sprintf("assertion issuer %q does not match configured issuer %q", got, want))
}

// ErrAudienceMismatch reports an assertion addressed to a different audience.
func ErrAudienceMismatch(want string) *Error {
	return NewError(CategoryValidation, CodeAudienceMismatch,
		fmt.Sprintf("assertion audience does not include %q", want))
}

// ErrExpired reports an assertion whose expiry claim has passed.
func ErrExpired() *Error {
	return NewError(CategoryValidation, CodeExpiredAssertion, "assertion has expired")
}

// ErrConditionNotSatisfied reports an assertion whose mapped attributes
// do not satisfy the provider's attribute condition. The failing
// expression is included so CI can be debugged without exposing trust
// internals beyond the condition itself.
func ErrConditionNotSatisfied(expr string) *Error {
	return NewError(CategoryValidation, CodeConditionNotSatisfied,
		fmt.Sprintf("attribute condition not satisfied: %s", expr))
}

// ErrMalformedAssertion reports an assertion that could not be parsed.
func ErrMalformedAssertion(cause error) *Error {
	return NewError(CategoryValidation, CodeMalformedAssertion, "assertion is not a well-formed token").WithCause(cause)
}

// ErrNoGrant reports a validated principal set with no impersonation grant.
func ErrNoGrant(principalSet string) *Error {
	return NewError(CategoryAuthorization, CodeNoGrantForPrincipal, "no impersonation grant for principal set").
		WithResource("principal-set", principalSet)
}

// ErrNoRoleBindings reports a target principal bound to nothing.
func ErrNoRoleBindings(principal string) *Error {
	return NewError(CategoryAuthorization, CodeNoRoleBindings, "service principal has no role bindings").
		WithResource("service-principal", principal)
}

// ErrUpstreamUnavailable reports an exhausted retry against the upstream
// credential issuer. Callers may retry after a delay.
func ErrUpstreamUnavailable(cause error) *Error {
	return NewError(CategoryTransient, CodeUpstreamUnavailable, "upstream credential issuer unavailable").
		WithCause(cause).
		WithRetryable(true)
}

// ErrUpstreamDenied reports a definitive rejection from the upstream
// credential issuer, such as a revoked grant or a disabled service
// account. Retrying cannot succeed.
func ErrUpstreamDenied(cause error) *Error {
	return NewError(CategoryAuthorization, CodeUpstreamDenied, "upstream credential issuer denied the exchange").
		WithCause(cause)
}

// ErrConfig reports an invalid desired-state document.
func ErrConfig(message string) *Error {
	return NewError(CategoryConfig, CodeMalformedDocument, message)
}

// ErrDuplicate reports conflicting duplicate resource identifiers.
func ErrDuplicate(resourceType, resourceID string) *Error {
	return NewError(CategoryConflict, CodeDuplicateResource,
		fmt.Sprintf("duplicate %s: %s", resourceType, resourceID)).
		WithResource(resourceType, resourceID)
}

// ErrNotFound reports a missing resource.
func ErrNotFound(resourceType, resourceID string) *Error {
	return NewError(CategoryNotFound, "", fmt.Sprintf("%s not found: %s", resourceType, resourceID)).
		WithResource(resourceType, resourceID)
}

// ErrInternal reports an unexpected internal failure.
func ErrInternal(message string) *Error {
	return NewError(CategoryInternal, "", message)
}

// IsCategory checks if an error is of a specific category.
func IsCategory(err error, category Category) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Category == category
	}
	return false
}

// IsCode checks if an error carries a specific code.
func IsCode(err error, code Code) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// CodeOf extracts the machine-readable code from an error, or empty.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}
