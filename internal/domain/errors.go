package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	// Backend call failures.
	ErrAuthInvalid      = fmt.Errorf("authentication failed")
	ErrConnection       = fmt.Errorf("backend connection failed")
	ErrEndpointNotFound = fmt.Errorf("backend endpoint not found")
	ErrBackend          = fmt.Errorf("backend error")
	ErrStreamProtocol   = fmt.Errorf("malformed event stream")

	// Delivery and session failures.
	ErrDelivery        = fmt.Errorf("channel delivery failed")
	ErrSessionNotFound = fmt.Errorf("streaming session not found")
	ErrSessionActive   = fmt.Errorf("streaming session already active")

	// Configuration failures.
	ErrInstanceNotFound = fmt.Errorf("instance not found")
	ErrInvalidTarget    = fmt.Errorf("invalid routing target")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "hive.stream")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsFallbackEligible reports whether err is the kind of backend failure a
// hybrid router may retry once against a fallback backend. Auth failures are
// included deliberately: fallback targets carry independent credentials, so
// the router falls back on any stream exception.
func IsFallbackEligible(err error) bool {
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrEndpointNotFound) ||
		errors.Is(err, ErrStreamProtocol) ||
		errors.Is(err, ErrBackend) ||
		errors.Is(err, ErrAuthInvalid)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeAuthInvalid      ErrorCode = "AUTH_INVALID"
	CodeConnection       ErrorCode = "CONNECTION"
	CodeEndpointNotFound ErrorCode = "ENDPOINT_NOT_FOUND"
	CodeBackend          ErrorCode = "BACKEND"
	CodeStreamProtocol   ErrorCode = "STREAM_PROTOCOL"
	CodeDelivery         ErrorCode = "DELIVERY"
	CodeSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionActive    ErrorCode = "SESSION_ACTIVE"
	CodeInstanceNotFound ErrorCode = "INSTANCE_NOT_FOUND"
	CodeInvalidTarget    ErrorCode = "INVALID_TARGET"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrAuthInvalid:      CodeAuthInvalid,
	ErrConnection:       CodeConnection,
	ErrEndpointNotFound: CodeEndpointNotFound,
	ErrBackend:          CodeBackend,
	ErrStreamProtocol:   CodeStreamProtocol,
	ErrDelivery:         CodeDelivery,
	ErrSessionNotFound:  CodeSessionNotFound,
	ErrSessionActive:    CodeSessionActive,
	ErrInstanceNotFound: CodeInstanceNotFound,
	ErrInvalidTarget:    CodeInvalidTarget,
	ErrConfigLoad:       CodeConfigLoad,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
