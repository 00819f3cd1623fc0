package rescon

import (
	"errors"
	"fmt"

	"github.com/go-rescon/rescon/resp"
)

// Kind classifies an Error, mirroring spec.md §7.
type Kind uint8

const (
	KindIO Kind = iota
	KindProtocol
	KindAuth
	KindConfig
	KindTimeout
	KindDisconnected
	KindClientShuttingDown
	KindNoMasterAvailable
	KindCrossSlot
	KindClusterDown
	KindTooManyRetries
	KindServerError
	KindTypeMismatch
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindConfig:
		return "config"
	case KindTimeout:
		return "timeout"
	case KindDisconnected:
		return "disconnected"
	case KindClientShuttingDown:
		return "client_shutting_down"
	case KindNoMasterAvailable:
		return "no_master_available"
	case KindCrossSlot:
		return "cross_slot"
	case KindClusterDown:
		return "cluster_down"
	case KindTooManyRetries:
		return "too_many_retries"
	case KindServerError:
		return "server_error"
	case KindTypeMismatch:
		return "type_mismatch"
	default:
		return "unknown"
	}
}

// Error is the single error type surfaced to callers, generalizing the
// teacher's ServerError/errProtocol split into the full kind set the
// connection runtime needs.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Server is set when Kind == KindServerError, carrying the verbatim
	// reply.
	Server *resp.ServerError

	// Reasons accumulates the retry history for a KindTooManyRetries
	// error, for diagnosis.
	Reasons []RetryReason
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rescon: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("rescon: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// ErrClientShuttingDown is returned for messages rejected after Close.
var ErrClientShuttingDown = newError(KindClientShuttingDown, "client is shutting down", nil)

// IsKind reports whether err is a *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
