package apperrors

import (
	"errors"
	"fmt"
)

// Code classifies application errors by the policy that applies to them.
type Code string

const (
	// CodeConfiguration marks malformed configuration, unresolved route
	// references and invalid routing conditions. Always fatal.
	CodeConfiguration Code = "CONFIGURATION_ERROR"
	// CodeAuth marks OAuth failures against Salesforce.
	CodeAuth Code = "AUTH_ERROR"
	// CodeSourceTransient marks recoverable streaming failures (network
	// errors, 5xx responses, reconnect advice).
	CodeSourceTransient Code = "SOURCE_TRANSIENT"
	// CodeSourceFatal marks permanent streaming failures (reconnect=none,
	// permanent 4xx).
	CodeSourceFatal Code = "SOURCE_FATAL"
	// CodeReplayStore marks replay marker storage failures.
	CodeReplayStore Code = "REPLAY_STORE_ERROR"
	// CodeSinkNetwork marks AMQP publish and connection failures.
	CodeSinkNetwork Code = "SINK_NETWORK_ERROR"
	// CodeRouting marks routing failures after startup validation.
	CodeRouting Code = "ROUTING_ERROR"
)

// AppError is the error type shared by all components.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewConfiguration creates a configuration error
func NewConfiguration(message string) *AppError {
	return &AppError{Code: CodeConfiguration, Message: message}
}

// NewAuth creates an authentication error
func NewAuth(message string, err error) *AppError {
	return &AppError{Code: CodeAuth, Message: message, Err: err}
}

// NewSourceTransient creates a recoverable source error
func NewSourceTransient(message string, err error) *AppError {
	return &AppError{Code: CodeSourceTransient, Message: message, Err: err}
}

// NewSourceFatal creates a permanent source error
func NewSourceFatal(message string, err error) *AppError {
	return &AppError{Code: CodeSourceFatal, Message: message, Err: err}
}

// NewReplayStore creates a replay storage error
func NewReplayStore(message string, err error) *AppError {
	return &AppError{Code: CodeReplayStore, Message: message, Err: err}
}

// NewSinkNetwork creates a sink network error
func NewSinkNetwork(message string, err error) *AppError {
	return &AppError{Code: CodeSinkNetwork, Message: message, Err: err}
}

// NewRouting creates a routing error
func NewRouting(message string, err error) *AppError {
	return &AppError{Code: CodeRouting, Message: message, Err: err}
}

// CodeOf returns the code of the first AppError in err's chain, or the
// empty string if there is none.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// HasCode reports whether err's chain contains an AppError with the code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsTransient reports whether err may resolve itself on retry.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeSourceTransient, CodeSinkNetwork:
		return true
	}
	return false
}
