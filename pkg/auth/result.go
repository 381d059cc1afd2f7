package auth

import "fmt"

// ErrorType classifies authentication failures.
type ErrorType string

const (
	// ErrValidation indicates malformed or missing input, including an
	// unsupported provider name.
	ErrValidation ErrorType = "VALIDATION_ERROR"
	// ErrCredentialsInvalid indicates the credential check itself failed,
	// e.g. a wrong LDAP bind password.
	ErrCredentialsInvalid ErrorType = "CREDENTIALS_INVALID"
	// ErrTokenExpired indicates a time-window failure on a JWT or SAML
	// artifact.
	ErrTokenExpired ErrorType = "TOKEN_EXPIRED"
	// ErrTokenInvalid indicates a format failure on a JWT or SAML artifact.
	ErrTokenInvalid ErrorType = "TOKEN_INVALID"
	// ErrServer indicates a network or protocol-level failure reaching an
	// external endpoint. Callers may retry.
	ErrServer ErrorType = "SERVER_ERROR"
	// ErrUnknown indicates an operation not supported by this provider
	// type, e.g. Register on the LDAP provider.
	ErrUnknown ErrorType = "UNKNOWN_ERROR"
)

// Error is the structured failure carried inside a Result. It crosses the
// public contract as data, never as a panic or a returned Go error.
type Error struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// Error implements the error interface for internal wrapping.
func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

// Retryable reports whether the caller may retry the same call shape.
// Only transient server-side failures qualify.
func (e *Error) Retryable() bool {
	return e.Type == ErrServer
}

// Result is the tagged success/error envelope returned by every provider
// operation.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Err     *Error `json:"error,omitempty"`
}

// OK wraps a successful value.
func OK[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

// Fail builds a failed result from the error taxonomy.
func Fail[T any](typ ErrorType, code, message string) Result[T] {
	return Result[T]{Success: false, Err: &Error{Type: typ, Code: code, Message: message}}
}

// FailErr wraps an existing structured error.
func FailErr[T any](err *Error) Result[T] {
	return Result[T]{Success: false, Err: err}
}

// Unsupported is the canonical failure for operations a provider type does
// not implement.
func Unsupported[T any](op string, pt ProviderType) Result[T] {
	return Fail[T](ErrUnknown, "OPERATION_NOT_SUPPORTED",
		fmt.Sprintf("%s is not supported by the %s provider", op, pt))
}
