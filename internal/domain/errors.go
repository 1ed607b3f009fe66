package domain

import (
	"errors"
	"fmt"
)

// Category sentinels for the broker's error taxonomy (see the error handling
// design: configuration, transient relay, permanent relay, parse, policy,
// and internal-invariant errors).
var (
	ErrConfigInvalid       = fmt.Errorf("configuration invalid")
	ErrMCPMissing          = fmt.Errorf("agent-hub MCP not present in relay host configuration")
	ErrSessionUnavailable  = fmt.Errorf("relay unavailable")
	ErrSessionNotFound     = fmt.Errorf("session not found")
	ErrRecipientUnresolved = fmt.Errorf("recipient session could not be resolved")
	ErrMessageParse        = fmt.Errorf("message parse failed")
	ErrRateLimited         = fmt.Errorf("rejected by rate limiter")
	ErrMessageExpired      = fmt.Errorf("message exceeded ttl")
	ErrInvariantViolation  = fmt.Errorf("internal invariant violation")
	ErrNotFound            = fmt.Errorf("not found")
	ErrDuplicate           = fmt.Errorf("duplicate")
)

// BrokerError wraps a sentinel error with the operation that raised it and a
// human-readable detail, following the same shape across every package.
type BrokerError struct {
	Op     string
	Err    error
	Detail string
}

func (e *BrokerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// NewBrokerError creates a new BrokerError.
func NewBrokerError(op string, err error, detail string) *BrokerError {
	return &BrokerError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category, used for metrics labels
// and log fields.
type ErrorCode string

const (
	CodeUnknown     ErrorCode = "UNKNOWN"
	CodeConfig      ErrorCode = "CONFIG"
	CodeTransient   ErrorCode = "TRANSIENT"
	CodePermanent   ErrorCode = "PERMANENT"
	CodeParse       ErrorCode = "PARSE"
	CodePolicy      ErrorCode = "POLICY"
	CodeInvariant   ErrorCode = "INVARIANT"
)

var errorCodeMap = map[error]ErrorCode{
	ErrConfigInvalid:       CodeConfig,
	ErrMCPMissing:          CodeConfig,
	ErrSessionUnavailable:  CodeTransient,
	ErrSessionNotFound:     CodePermanent,
	ErrRecipientUnresolved: CodePermanent,
	ErrMessageParse:        CodeParse,
	ErrRateLimited:         CodePolicy,
	ErrMessageExpired:      CodePolicy,
	ErrInvariantViolation:  CodeInvariant,
}

// ErrorCodeOf returns the machine-parseable error code for err, unwrapping
// BrokerError and walking the chain with errors.Is.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	var be *BrokerError
	if errors.As(err, &be) {
		if code, ok := errorCodeMap[be.Err]; ok {
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

// IsRetryable reports whether err represents a transient condition that a
// caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSessionUnavailable)
}
